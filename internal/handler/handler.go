// Package handler executes channel tasks against the notification providers.
package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/client"
	"github.com/t77yq/alertflow/internal/model"
	"github.com/t77yq/alertflow/internal/monitor"
	"github.com/t77yq/alertflow/internal/render"
	"github.com/t77yq/alertflow/internal/scheduler"
	"github.com/t77yq/alertflow/internal/storage"
)

// Handler executes one channel task. Errors that must not be retried are
// marked with scheduler.Permanent or wrap model.ErrNotFound.
type Handler interface {
	Execute(ctx context.Context, task *model.Task) error
}

// base carries what every channel handler needs
type base struct {
	store    storage.Store
	renderer render.Renderer
	metrics  monitor.Collector
	logger   *zap.Logger
	now      func() time.Time
}

// target is everything a task refers to, loaded fresh at execution time
type target struct {
	incident   *model.Incident
	rule       model.Rule
	occurrence *model.Occurrence
	context    render.Context
}

func (b *base) load(ctx context.Context, family model.RuleFamily, task *model.Task) (*target, error) {
	incident, err := b.store.GetIncident(ctx, task.IncidentID)
	if err != nil {
		return nil, fmt.Errorf("incident %d: %w", task.IncidentID, err)
	}
	rule, err := b.store.GetRule(ctx, family, task.RuleID)
	if err != nil {
		return nil, fmt.Errorf("%s rule %d: %w", family, task.RuleID, err)
	}

	occurrence, err := b.store.LatestOccurrence(ctx, incident.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("latest occurrence of incident %d: %w", incident.ID, err)
	}

	return &target{
		incident:   incident,
		rule:       rule,
		occurrence: occurrence,
		context:    render.NewContext(incident, occurrence, transitionOf(task, incident)),
	}, nil
}

// text renders tpl, falling back to def when the template fails or renders
// blank
func (b *base) text(tpl string, ctx render.Context, def string) string {
	out := render.RenderOr(b.renderer, b.metrics, b.logger, tpl, ctx, def)
	if strings.TrimSpace(out) == "" {
		return def
	}
	return out
}

// providerError marks provider failures that retrying cannot fix
func providerError(op string, err error) error {
	err = fmt.Errorf("%s: %w", op, err)
	if client.IsPermanent(err) {
		return scheduler.Permanent(err)
	}
	return err
}

// transitionOf returns the transition a task was enqueued for
func transitionOf(task *model.Task, incident *model.Incident) model.Status {
	if task.Transition != "" {
		return task.Transition
	}
	return incident.Status
}
