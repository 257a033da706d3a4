package handler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/client/tracker"
	"github.com/t77yq/alertflow/internal/model"
	"github.com/t77yq/alertflow/internal/monitor"
	"github.com/t77yq/alertflow/internal/render"
	"github.com/t77yq/alertflow/internal/storage"
)

// CategoryClassifier decides whether a status category is open or closed
type CategoryClassifier interface {
	Classify(name string) tracker.Category
}

// TicketHandler creates and follows up tracker tickets
type TicketHandler struct {
	base
	tracker    tracker.Client
	categories CategoryClassifier
}

// NewTicketHandler creates a new ticket handler
func NewTicketHandler(store storage.Store, tc tracker.Client, categories CategoryClassifier, renderer render.Renderer, metrics monitor.Collector, logger *zap.Logger) *TicketHandler {
	return &TicketHandler{
		base: base{
			store:    store,
			renderer: renderer,
			metrics:  metrics,
			logger:   logger.Named("ticket-handler"),
			now:      time.Now,
		},
		tracker:    tc,
		categories: categories,
	}
}

// Execute implements Handler
func (h *TicketHandler) Execute(ctx context.Context, task *model.Task) error {
	t, err := h.load(ctx, model.FamilyTicketing, task)
	if err != nil {
		return err
	}
	rule := t.rule.(*model.TicketRule)
	incident := t.incident
	logger := h.logger.With(
		zap.String("task_id", task.ID),
		zap.String("fingerprint", incident.Fingerprint),
		zap.String("rule", rule.Name))

	key := incident.TicketKey
	var category string
	if key != "" {
		category, err = h.tracker.StatusCategory(ctx, key)
		if err != nil {
			return providerError("status of "+key, err)
		}
		if category == "" {
			logger.Warn("Ticket not found, clearing key", zap.String("key", key))
			if err := h.clearKey(ctx, incident); err != nil {
				return err
			}
			key = ""
		}
	}

	switch transitionOf(task, incident) {
	case model.StatusFiring:
		if key != "" {
			switch cat := h.categories.Classify(category); cat {
			case tracker.CategoryClosed:
				logger.Info("Ticket is closed, creating a new one", zap.String("key", key))
				if err := h.clearKey(ctx, incident); err != nil {
					return err
				}
			default:
				if cat == tracker.CategoryUnknown {
					logger.Warn("Ticket has unknown status category, commenting anyway",
						zap.String("key", key),
						zap.String("category", category))
				}
				body := h.text(rule.UpdateCommentTemplate, t.context, render.DefaultUpdateComment(t.context, h.now()))
				if err := h.tracker.Comment(ctx, key, body); err != nil {
					return providerError("comment on "+key, err)
				}
				logger.Info("Commented on ticket", zap.String("key", key))
				return nil
			}
		}
		return h.create(ctx, logger, rule, t)

	case model.StatusResolved:
		if key == "" {
			logger.Info("Resolved without a ticket, nothing to do")
			return nil
		}
		if h.categories.Classify(category) != tracker.CategoryOpen {
			logger.Info("Resolved but ticket is not open, no comment added",
				zap.String("key", key),
				zap.String("category", category))
			return nil
		}
		body := h.text(rule.ResolvedCommentTemplate, t.context, render.DefaultResolvedComment(t.context, h.now()))
		if err := h.tracker.Comment(ctx, key, body); err != nil {
			return providerError("resolved comment on "+key, err)
		}
		logger.Info("Added resolved comment", zap.String("key", key))
		return nil
	}

	logger.Warn("Unsupported transition", zap.String("transition", string(task.Transition)))
	return nil
}

func (h *TicketHandler) create(ctx context.Context, logger *zap.Logger, rule *model.TicketRule, t *target) error {
	title := render.Truncate(h.text(rule.TitleTemplate, t.context, render.DefaultTicketTitle(t.context)), 250)
	body := h.text(rule.DescriptionTemplate, t.context, render.DefaultTicketDescription(t.context))

	key, err := h.tracker.Create(ctx, tracker.Issue{
		Project:  rule.ProjectKey,
		Type:     rule.IssueType,
		Title:    title,
		Body:     body,
		Assignee: rule.Assignee,
	})
	if err != nil {
		return providerError("create ticket", err)
	}

	if err := h.store.SetTicketKey(ctx, t.incident.ID, key); err != nil {
		return fmt.Errorf("failed to store ticket key %s: %w", key, err)
	}
	t.incident.TicketKey = key

	logger.Info("Ticket created",
		zap.String("key", key),
		zap.String("project", rule.ProjectKey))
	return nil
}

func (h *TicketHandler) clearKey(ctx context.Context, incident *model.Incident) error {
	if err := h.store.SetTicketKey(ctx, incident.ID, ""); err != nil {
		return fmt.Errorf("failed to clear ticket key: %w", err)
	}
	incident.TicketKey = ""
	return nil
}
