package handler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/client/chat"
	"github.com/t77yq/alertflow/internal/model"
	"github.com/t77yq/alertflow/internal/monitor"
	"github.com/t77yq/alertflow/internal/render"
	"github.com/t77yq/alertflow/internal/storage"
)

// ChatHandler posts incident messages to the rule's channel
type ChatHandler struct {
	base
	chat chat.Client
}

// NewChatHandler creates a new chat handler
func NewChatHandler(store storage.Store, cc chat.Client, renderer render.Renderer, metrics monitor.Collector, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		base: base{
			store:    store,
			renderer: renderer,
			metrics:  metrics,
			logger:   logger.Named("chat-handler"),
			now:      time.Now,
		},
		chat: cc,
	}
}

// Execute implements Handler
func (h *ChatHandler) Execute(ctx context.Context, task *model.Task) error {
	t, err := h.load(ctx, model.FamilyChat, task)
	if err != nil {
		return err
	}
	rule := t.rule.(*model.ChatRule)

	tpl := rule.MessageTemplate
	if transitionOf(task, t.incident) == model.StatusResolved && rule.ResolvedTemplate != "" {
		tpl = rule.ResolvedTemplate
	}
	text := render.SanitizeIPs(h.text(tpl, t.context, render.DefaultChatMessage(t.context)))

	if err := h.chat.Post(ctx, rule.Channel, text); err != nil {
		return providerError("post to "+rule.Channel, err)
	}

	h.logger.Info("Chat notification sent",
		zap.String("task_id", task.ID),
		zap.String("fingerprint", t.incident.Fingerprint),
		zap.String("channel", rule.Channel))
	return nil
}
