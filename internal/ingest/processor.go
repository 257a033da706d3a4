// Package ingest turns inbound alert payloads into incidents and
// occurrences. Every ingest runs in one transaction and is safe under
// duplicate and out-of-order delivery.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/model"
	"github.com/t77yq/alertflow/internal/monitor"
	"github.com/t77yq/alertflow/internal/storage"
)

// Result is the outcome of one ingest
type Result struct {
	Incident *model.Incident
	// Occurrence is the occurrence created or closed, nil for duplicates
	Occurrence *model.Occurrence
	Status     model.Status
	Created    bool
	Duplicate  bool
	// Stale marks a payload for an episode that is already closed; it
	// changes no notification-relevant state
	Stale bool
}

// Event converts the result into the domain event published downstream
func (r *Result) Event(at time.Time) *model.Event {
	return &model.Event{
		Incident:   r.Incident,
		Occurrence: r.Occurrence,
		Status:     r.Status,
		Duplicate:  r.Duplicate,
		Stale:      r.Stale,
		At:         at,
	}
}

// Processor applies payloads to the incident state machine
type Processor struct {
	store   storage.Store
	metrics monitor.Collector
	logger  *zap.Logger
	now     func() time.Time
}

// NewProcessor creates a new processor
func NewProcessor(store storage.Store, metrics monitor.Collector, logger *zap.Logger) *Processor {
	return &Processor{
		store:   store,
		metrics: metrics,
		logger:  logger.Named("ingest"),
		now:     time.Now,
	}
}

// SetClock overrides the time source used for first/last seen stamps
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// Ingest applies a single payload. Validation failures wrap
// model.ErrValidation and must not be retried; any other error aborts the
// whole ingest and may be retried.
func (p *Processor) Ingest(ctx context.Context, payload model.Payload) (*Result, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	payload.Normalize()

	var result *Result
	err := p.store.WithinTx(ctx, func(tx storage.Store) error {
		var err error
		result, err = p.apply(ctx, tx, &payload)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", payload.Fingerprint, err)
	}

	p.metrics.Increment(monitor.AlertsReceived, map[string]string{
		"status": string(payload.Status),
		"source": result.Incident.Source,
	})
	if result.Duplicate {
		p.metrics.Increment(monitor.AlertsDuplicate, map[string]string{"status": string(payload.Status)})
	}
	return result, nil
}

func (p *Processor) apply(ctx context.Context, tx storage.Store, payload *model.Payload) (*Result, error) {
	now := p.now().UTC()
	result := &Result{Status: payload.Status}

	incident, err := tx.GetIncidentForUpdate(ctx, payload.Fingerprint)
	switch {
	case errors.Is(err, model.ErrNotFound):
		incident = newIncident(payload, now)
		if err := tx.CreateIncident(ctx, incident); err != nil {
			return nil, err
		}
		result.Created = true
		p.logger.Info("Incident created",
			zap.String("fingerprint", incident.Fingerprint),
			zap.String("name", incident.Name),
			zap.String("status", string(incident.Status)))
	case err != nil:
		return nil, fmt.Errorf("failed to load incident: %w", err)
	}
	result.Incident = incident

	previous := incident.Status
	incident.Status = payload.Status
	incident.LastSeen = now

	occurrences, err := tx.ListOccurrences(ctx, incident.ID)
	if err != nil {
		return nil, err
	}

	if payload.Status == model.StatusFiring {
		err = p.applyFiring(ctx, tx, payload, incident, occurrences, previous, result)
	} else {
		err = p.applyResolved(ctx, tx, payload, incident, occurrences, result)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.SaveIncident(ctx, incident); err != nil {
		return nil, err
	}
	return result, nil
}

func newIncident(payload *model.Payload, now time.Time) *model.Incident {
	labels := make(model.Labels, len(payload.Labels))
	for k, v := range payload.Labels {
		labels[k] = v
	}
	return &model.Incident{
		Fingerprint: payload.Fingerprint,
		Name:        payload.AlertName(),
		Labels:      labels,
		Severity:    model.ParseSeverity(labels["severity"]),
		Source:      labels["source"],
		Instance:    labels["instance"],
		Status:      payload.Status,
		FirstSeen:   now,
		LastSeen:    now,
		FiringCount: 1,
	}
}

func (p *Processor) applyFiring(ctx context.Context, tx storage.Store, payload *model.Payload, incident *model.Incident,
	occurrences []*model.Occurrence, previous model.Status, result *Result) error {
	for _, o := range occurrences {
		if o.StartedAt.Equal(payload.StartsAt) && o.EndedAt == nil {
			result.Duplicate = true
			p.logger.Debug("Duplicate firing delivery",
				zap.String("fingerprint", incident.Fingerprint),
				zap.Time("started_at", payload.StartsAt))
			return nil
		}
	}

	for _, o := range occurrences {
		if !o.IsOpen() {
			continue
		}
		o.Resolve(nil, model.ResolutionInferred)
		if err := tx.SaveOccurrence(ctx, o); err != nil {
			return err
		}
		p.logger.Info("Occurrence superseded by newer firing",
			zap.String("fingerprint", incident.Fingerprint),
			zap.Uint("occurrence_id", o.ID),
			zap.Time("started_at", o.StartedAt))
	}

	occurrence := &model.Occurrence{
		IncidentID:   incident.ID,
		Status:       model.StatusFiring,
		StartedAt:    payload.StartsAt,
		Annotations:  annotations(payload),
		GeneratorURL: payload.GeneratorURL,
	}
	if err := tx.CreateOccurrence(ctx, occurrence); err != nil {
		return err
	}
	result.Occurrence = occurrence

	if !result.Created {
		incident.FiringCount++
	}
	if previous == model.StatusResolved && incident.Acknowledged {
		incident.Acknowledged = false
		incident.AcknowledgedBy = ""
		incident.AcknowledgedAt = nil
		p.logger.Info("Acknowledgement cleared by new firing episode",
			zap.String("fingerprint", incident.Fingerprint))
	}
	return nil
}

func (p *Processor) applyResolved(ctx context.Context, tx storage.Store, payload *model.Payload, incident *model.Incident,
	occurrences []*model.Occurrence, result *Result) error {
	end := payload.StartsAt
	if payload.EndsAt != nil {
		end = *payload.EndsAt
	}

	for _, o := range occurrences {
		if o.IsOpen() && o.StartedAt.Equal(payload.StartsAt) {
			o.Resolve(&end, model.ResolutionNormal)
			if err := tx.SaveOccurrence(ctx, o); err != nil {
				return err
			}
			result.Occurrence = o
			return nil
		}
	}

	// the episode this payload describes is already closed: it only ever
	// touches that record
	for _, o := range occurrences {
		if o.IsOpen() || !o.StartedAt.Equal(payload.StartsAt) {
			continue
		}
		return p.applyLateResolved(ctx, tx, payload, incident, occurrences, o, result)
	}

	var closed *model.Occurrence
	for _, o := range occurrences {
		// an occurrence never ends before it starts
		if !o.IsOpen() || o.StartedAt.After(end) {
			continue
		}
		o.Resolve(&end, model.ResolutionNormal)
		if err := tx.SaveOccurrence(ctx, o); err != nil {
			return err
		}
		if closed == nil || o.StartedAt.After(closed.StartedAt) {
			closed = o
		}
	}
	if closed != nil {
		p.logger.Warn("Resolved without matching start, closed all open occurrences",
			zap.String("fingerprint", incident.Fingerprint),
			zap.Time("started_at", payload.StartsAt))
		result.Occurrence = closed
	}
	if hasOpen(occurrences) {
		incident.Status = model.StatusFiring
		result.Status = model.StatusFiring
		result.Stale = true
		p.logger.Warn("Open occurrences started after the resolved end, left open",
			zap.String("fingerprint", incident.Fingerprint),
			zap.Time("started_at", payload.StartsAt),
			zap.Time("ended_at", end))
		return nil
	}
	if closed != nil {
		return nil
	}

	occurrence := &model.Occurrence{
		IncidentID:     incident.ID,
		Status:         model.StatusResolved,
		StartedAt:      payload.StartsAt,
		EndedAt:        &end,
		Annotations:    annotations(payload),
		GeneratorURL:   payload.GeneratorURL,
		ResolutionKind: model.ResolutionNormal,
	}
	if err := tx.CreateOccurrence(ctx, occurrence); err != nil {
		return err
	}
	p.logger.Warn("Resolved without any open occurrence, recorded directly",
		zap.String("fingerprint", incident.Fingerprint),
		zap.Time("started_at", payload.StartsAt))
	result.Occurrence = occurrence
	return nil
}

// applyLateResolved handles a resolved payload for an occurrence that is
// already closed. An inferred close gets its missing end time; anything
// else is left as recorded. The incident keeps firing while a newer
// occurrence is open.
func (p *Processor) applyLateResolved(ctx context.Context, tx storage.Store, payload *model.Payload, incident *model.Incident,
	occurrences []*model.Occurrence, o *model.Occurrence, result *Result) error {
	logger := p.logger.With(
		zap.String("fingerprint", incident.Fingerprint),
		zap.Time("started_at", payload.StartsAt))

	switch {
	case payload.EndsAt == nil || (o.EndedAt != nil && o.EndedAt.Equal(*payload.EndsAt)):
		result.Duplicate = true
		logger.Debug("Duplicate resolved delivery")
	case o.EndedAt == nil && !payload.EndsAt.Before(o.StartedAt):
		end := *payload.EndsAt
		o.EndedAt = &end
		if err := tx.SaveOccurrence(ctx, o); err != nil {
			return err
		}
		result.Occurrence = o
		result.Stale = true
		logger.Info("Recorded end time of superseded occurrence",
			zap.Uint("occurrence_id", o.ID),
			zap.Time("ended_at", end))
	default:
		result.Stale = true
		logger.Warn("Resolved conflicts with recorded end time, ignored",
			zap.Uint("occurrence_id", o.ID),
			zap.Timep("recorded_end", o.EndedAt),
			zap.Time("payload_end", *payload.EndsAt))
	}

	if hasOpen(occurrences) {
		incident.Status = model.StatusFiring
		result.Status = model.StatusFiring
		result.Stale = true
	}
	return nil
}

func hasOpen(occurrences []*model.Occurrence) bool {
	for _, o := range occurrences {
		if o.IsOpen() {
			return true
		}
	}
	return false
}

func annotations(payload *model.Payload) model.Labels {
	out := make(model.Labels, len(payload.Annotations))
	for k, v := range payload.Annotations {
		out[k] = v
	}
	return out
}
