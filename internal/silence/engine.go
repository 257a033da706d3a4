// Package silence decides whether incidents are suppressed by operator
// defined silence windows.
package silence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/matcher"
	"github.com/t77yq/alertflow/internal/model"
	"github.com/t77yq/alertflow/internal/monitor"
	"github.com/t77yq/alertflow/internal/storage"
)

// Engine evaluates active silence windows against incidents
type Engine struct {
	store   storage.Store
	metrics monitor.Collector
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a new silence engine
func NewEngine(store storage.Store, metrics monitor.Collector, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		metrics: metrics,
		logger:  logger.Named("silence"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate refreshes the incident's silenced state and reports whether it
// is silenced. The incident is updated in place and persisted only when
// the state changed.
func (e *Engine) Evaluate(ctx context.Context, incident *model.Incident) (bool, error) {
	now := e.now().UTC()
	windows, err := e.store.ActiveSilenceWindows(ctx, now)
	if err != nil {
		return incident.Silenced, err
	}
	return e.apply(ctx, incident, windows, now)
}

// EvaluateAll re-evaluates every non-resolved incident and returns how many
// were checked and how many ended up silenced.
func (e *Engine) EvaluateAll(ctx context.Context) (checked, silenced int, err error) {
	now := e.now().UTC()
	windows, err := e.store.ActiveSilenceWindows(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	incidents, err := e.store.ListUnresolvedIncidents(ctx)
	if err != nil {
		return 0, 0, err
	}

	var firstErr error
	for _, incident := range incidents {
		ok, err := e.apply(ctx, incident, windows, now)
		if err != nil {
			e.logger.Error("Failed to evaluate silence",
				zap.String("fingerprint", incident.Fingerprint),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		checked++
		if ok {
			silenced++
		}
	}

	e.metrics.Set(monitor.SilencedIncidents, nil, float64(silenced))
	e.logger.Info("Silence re-evaluation finished",
		zap.Int("checked", checked),
		zap.Int("silenced", silenced),
		zap.Int("active_windows", len(windows)))

	if firstErr != nil {
		return checked, silenced, fmt.Errorf("silence re-evaluation incomplete: %w", firstErr)
	}
	return checked, silenced, nil
}

func (e *Engine) apply(ctx context.Context, incident *model.Incident, windows []*model.SilenceWindow, now time.Time) (bool, error) {
	var until *time.Time
	for _, w := range windows {
		if !w.IsActive(now) || len(w.Matchers) == 0 {
			continue
		}
		if !matcher.Subset(w.Matchers, incident.Labels) {
			continue
		}
		if until == nil || w.EndsAt.After(*until) {
			end := w.EndsAt.UTC()
			until = &end
		}
	}

	silenced := until != nil
	if silenced == incident.Silenced && sameTime(until, incident.SilencedUntil) {
		return silenced, nil
	}

	if err := e.store.UpdateSilence(ctx, incident.ID, silenced, until); err != nil {
		return incident.Silenced, err
	}
	incident.Silenced = silenced
	incident.SilencedUntil = until

	state := "unsilenced"
	if silenced {
		state = "silenced"
	}
	e.metrics.Increment(monitor.SilenceChanges, map[string]string{"state": state})
	e.logger.Info("Incident silence state changed",
		zap.String("fingerprint", incident.Fingerprint),
		zap.Bool("silenced", silenced),
		zap.Timep("silenced_until", until))

	return silenced, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Name implements events.Subscriber
func (e *Engine) Name() string {
	return "silence"
}

// Handle implements events.Subscriber
func (e *Engine) Handle(ctx context.Context, event *model.Event) error {
	silenced, err := e.Evaluate(ctx, event.Incident)
	if err != nil {
		return err
	}
	if silenced && event.Status == model.StatusFiring {
		e.logger.Info("Incident is firing but silenced",
			zap.String("fingerprint", event.Incident.Fingerprint),
			zap.Timep("silenced_until", event.Incident.SilencedUntil))
	}
	return nil
}
