package storage

import (
	"context"
	"time"

	"github.com/t77yq/alertflow/internal/model"
)

// Store persists incidents, occurrences, silence windows and rules.
// Lookups return model.ErrNotFound when the record does not exist.
type Store interface {
	// WithinTx runs fn inside a single transaction. Any error rolls back.
	WithinTx(ctx context.Context, fn func(tx Store) error) error

	GetIncident(ctx context.Context, id uint) (*model.Incident, error)
	// GetIncidentForUpdate looks up by fingerprint, locking the row where supported
	GetIncidentForUpdate(ctx context.Context, fingerprint string) (*model.Incident, error)
	CreateIncident(ctx context.Context, incident *model.Incident) error
	SaveIncident(ctx context.Context, incident *model.Incident) error
	ListUnresolvedIncidents(ctx context.Context) ([]*model.Incident, error)
	UpdateSilence(ctx context.Context, id uint, silenced bool, until *time.Time) error
	SetTicketKey(ctx context.Context, id uint, key string) error

	ListOccurrences(ctx context.Context, incidentID uint) ([]*model.Occurrence, error)
	LatestOccurrence(ctx context.Context, incidentID uint) (*model.Occurrence, error)
	CreateOccurrence(ctx context.Context, occurrence *model.Occurrence) error
	SaveOccurrence(ctx context.Context, occurrence *model.Occurrence) error

	ActiveSilenceWindows(ctx context.Context, now time.Time) ([]*model.SilenceWindow, error)
	GetSilenceWindow(ctx context.Context, id uint) (*model.SilenceWindow, error)
	ListSilenceWindows(ctx context.Context) ([]*model.SilenceWindow, error)
	CreateSilenceWindow(ctx context.Context, window *model.SilenceWindow) error
	SaveSilenceWindow(ctx context.Context, window *model.SilenceWindow) error
	DeleteSilenceWindow(ctx context.Context, id uint) error

	ActiveRules(ctx context.Context, family model.RuleFamily) ([]model.Rule, error)
	GetRule(ctx context.Context, family model.RuleFamily, id uint) (model.Rule, error)
	CreateRule(ctx context.Context, rule model.Rule) error

	// FindPhoneNumber resolves a phone book name case-insensitively
	FindPhoneNumber(ctx context.Context, name string) (string, error)
	CreatePhoneBookEntry(ctx context.Context, entry *model.PhoneBookEntry) error
}
