package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/model"
	"github.com/t77yq/alertflow/internal/storage"
)

// Acknowledge marks the incident as acknowledged by the given operator
func (p *Processor) Acknowledge(ctx context.Context, incidentID uint, by string) (*model.Incident, error) {
	var incident *model.Incident
	err := p.store.WithinTx(ctx, func(tx storage.Store) error {
		var err error
		incident, err = tx.GetIncident(ctx, incidentID)
		if err != nil {
			return err
		}
		now := p.now().UTC()
		incident.Acknowledged = true
		incident.AcknowledgedBy = by
		incident.AcknowledgedAt = &now
		return tx.SaveIncident(ctx, incident)
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("Incident acknowledged",
		zap.String("fingerprint", incident.Fingerprint),
		zap.String("by", by))
	return incident, nil
}

// Unacknowledge clears the acknowledgement
func (p *Processor) Unacknowledge(ctx context.Context, incidentID uint) (*model.Incident, error) {
	var incident *model.Incident
	err := p.store.WithinTx(ctx, func(tx storage.Store) error {
		var err error
		incident, err = tx.GetIncident(ctx, incidentID)
		if err != nil {
			return err
		}
		incident.Acknowledged = false
		incident.AcknowledgedBy = ""
		incident.AcknowledgedAt = nil
		return tx.SaveIncident(ctx, incident)
	})
	if err != nil {
		return nil, err
	}
	return incident, nil
}

// ResolveManually closes every open occurrence with kind=manual and marks
// the incident resolved. The returned result can be published like any
// ingest result.
func (p *Processor) ResolveManually(ctx context.Context, incidentID uint, by string) (*Result, error) {
	result := &Result{Status: model.StatusResolved}
	err := p.store.WithinTx(ctx, func(tx storage.Store) error {
		incident, err := tx.GetIncident(ctx, incidentID)
		if err != nil {
			return err
		}
		result.Incident = incident

		occurrences, err := tx.ListOccurrences(ctx, incident.ID)
		if err != nil {
			return err
		}

		now := p.now().UTC()
		for _, o := range occurrences {
			if !o.IsOpen() {
				continue
			}
			end := now
			o.Resolve(&end, model.ResolutionManual)
			if err := tx.SaveOccurrence(ctx, o); err != nil {
				return err
			}
			result.Occurrence = o
		}

		incident.Status = model.StatusResolved
		incident.LastSeen = now
		return tx.SaveIncident(ctx, incident)
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("Incident resolved manually",
		zap.String("fingerprint", result.Incident.Fingerprint),
		zap.String("by", by))
	return result, nil
}
