// Package dispatch decides, per channel, whether a processed alert becomes
// a notification task.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/model"
	"github.com/t77yq/alertflow/internal/monitor"
)

// TaskQueue accepts channel tasks for asynchronous execution
type TaskQueue interface {
	SubmitTask(ctx context.Context, task *model.Task) error
}

// RuleFinder selects the best rule of a family for an incident
type RuleFinder interface {
	FindBestRule(ctx context.Context, family model.RuleFamily, incident *model.Incident) (model.Rule, error)
}

// Router is the event subscriber for one channel family
type Router struct {
	family  model.RuleFamily
	rules   RuleFinder
	queue   TaskQueue
	metrics monitor.Collector
	logger  *zap.Logger
	now     func() time.Time
}

// NewRouter creates a new router for the given family
func NewRouter(family model.RuleFamily, rules RuleFinder, queue TaskQueue, metrics monitor.Collector, logger *zap.Logger) *Router {
	return &Router{
		family:  family,
		rules:   rules,
		queue:   queue,
		metrics: metrics,
		logger:  logger.Named("dispatch").With(zap.String("family", string(family))),
		now:     time.Now,
	}
}

// Name implements events.Subscriber
func (r *Router) Name() string {
	return string(r.family)
}

// Handle implements events.Subscriber
func (r *Router) Handle(ctx context.Context, event *model.Event) error {
	incident := event.Incident
	if ok, reason := r.shouldRoute(event); !ok {
		r.logger.Debug("Not routing incident",
			zap.String("fingerprint", incident.Fingerprint),
			zap.String("status", string(event.Status)),
			zap.String("reason", reason))
		return nil
	}

	rule, err := r.rules.FindBestRule(ctx, r.family, incident)
	if err != nil {
		return fmt.Errorf("failed to find %s rule: %w", r.family, err)
	}
	if rule == nil {
		r.logger.Debug("No matching rule",
			zap.String("fingerprint", incident.Fingerprint),
			zap.String("status", string(event.Status)))
		return nil
	}

	kind := model.KindForFamily(r.family)
	task := &model.Task{
		ID:          uuid.New().String(),
		Kind:        kind,
		IncidentID:  incident.ID,
		RuleID:      rule.Base().ID,
		Transition:  event.Status,
		Fingerprint: incident.Fingerprint,
		Status:      model.TaskStatusPending,
		CreatedAt:   r.now().UTC(),
	}
	if err := r.queue.SubmitTask(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue %s task: %w", kind, err)
	}

	r.metrics.Increment(monitor.TasksEnqueued, map[string]string{"kind": string(kind)})
	r.logger.Info("Task enqueued",
		zap.String("fingerprint", incident.Fingerprint),
		zap.String("task_id", task.ID),
		zap.String("rule", rule.Base().Name),
		zap.String("transition", string(event.Status)),
		zap.Bool("duplicate", event.Duplicate))
	return nil
}

// shouldRoute applies the per-channel transition and silence policy.
// Ticketing still follows up a resolved incident that has a ticket, even
// when silenced.
func (r *Router) shouldRoute(event *model.Event) (bool, string) {
	incident := event.Incident
	firing := event.Status == model.StatusFiring
	resolved := event.Status == model.StatusResolved

	if event.Stale {
		return false, "stale delivery"
	}

	if r.family == model.FamilyTicketing {
		switch {
		case firing && !incident.Silenced:
			return true, ""
		case resolved && incident.TicketKey != "":
			return true, ""
		case incident.Silenced:
			return false, "silenced"
		case resolved:
			return false, "resolved without ticket"
		default:
			return false, "unsupported transition"
		}
	}

	switch {
	case incident.Silenced:
		return false, "silenced"
	case firing, resolved:
		return true, ""
	default:
		return false, "unsupported transition"
	}
}
