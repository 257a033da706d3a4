package handler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/client/sms"
	"github.com/t77yq/alertflow/internal/model"
	"github.com/t77yq/alertflow/internal/monitor"
	"github.com/t77yq/alertflow/internal/render"
	"github.com/t77yq/alertflow/internal/storage"
)

// RecipientResolver turns an SMS rule into phone numbers
type RecipientResolver interface {
	ResolveRecipients(ctx context.Context, rule *model.SmsRule, latest *model.Occurrence) ([]string, error)
}

// SmsHandler texts the rule's recipients
type SmsHandler struct {
	base
	sms        sms.Client
	recipients RecipientResolver
}

// NewSmsHandler creates a new SMS handler
func NewSmsHandler(store storage.Store, sc sms.Client, recipients RecipientResolver, renderer render.Renderer, metrics monitor.Collector, logger *zap.Logger) *SmsHandler {
	return &SmsHandler{
		base: base{
			store:    store,
			renderer: renderer,
			metrics:  metrics,
			logger:   logger.Named("sms-handler"),
			now:      time.Now,
		},
		sms:        sc,
		recipients: recipients,
	}
}

// Execute implements Handler
func (h *SmsHandler) Execute(ctx context.Context, task *model.Task) error {
	t, err := h.load(ctx, model.FamilySMS, task)
	if err != nil {
		return err
	}
	rule := t.rule.(*model.SmsRule)
	logger := h.logger.With(
		zap.String("task_id", task.ID),
		zap.String("fingerprint", t.incident.Fingerprint),
		zap.String("rule", rule.Name))

	numbers, err := h.recipients.ResolveRecipients(ctx, rule, t.occurrence)
	if err != nil {
		return err
	}
	if len(numbers) == 0 {
		logger.Warn("No recipients resolved, skipping")
		return nil
	}

	tpl := rule.FiringTemplate
	if transitionOf(task, t.incident) == model.StatusResolved {
		tpl = rule.ResolvedTemplate
	}
	text := h.text(tpl, t.context, render.DefaultSmsMessage(t.context))

	result, err := h.sms.SendBulk(ctx, numbers, text)
	if err != nil {
		return providerError("send sms", err)
	}

	logger.Info("SMS notification sent",
		zap.Int("sent", len(result.Sent)),
		zap.Int("failed", len(result.Failed)))
	return nil
}
