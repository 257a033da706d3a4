package silence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/model"
	"github.com/t77yq/alertflow/internal/storage"
)

// Manager handles operator changes to silence windows. Every change
// re-evaluates all non-resolved incidents.
type Manager struct {
	logger *zap.Logger
	store  storage.Store
	engine *Engine
}

// NewManager creates a new silence window manager
func NewManager(store storage.Store, engine *Engine, logger *zap.Logger) *Manager {
	return &Manager{
		logger: logger.Named("silence-manager"),
		store:  store,
		engine: engine,
	}
}

// GetWindow returns a window by ID
func (m *Manager) GetWindow(ctx context.Context, id uint) (*model.SilenceWindow, error) {
	return m.store.GetSilenceWindow(ctx, id)
}

// ListWindows returns all windows, newest first
func (m *Manager) ListWindows(ctx context.Context) ([]*model.SilenceWindow, error) {
	return m.store.ListSilenceWindows(ctx)
}

// CreateWindow validates and stores a new window
func (m *Manager) CreateWindow(ctx context.Context, window *model.SilenceWindow) error {
	normalize(window)
	if err := window.Validate(); err != nil {
		return err
	}
	if err := m.store.CreateSilenceWindow(ctx, window); err != nil {
		return err
	}

	m.logger.Info("Silence window created",
		zap.Uint("id", window.ID),
		zap.Any("matchers", window.Matchers),
		zap.Time("ends_at", window.EndsAt),
		zap.String("created_by", window.CreatedBy))

	return m.reevaluate(ctx)
}

// UpdateWindow replaces an existing window
func (m *Manager) UpdateWindow(ctx context.Context, window *model.SilenceWindow) error {
	existing, err := m.store.GetSilenceWindow(ctx, window.ID)
	if err != nil {
		return err
	}

	normalize(window)
	if err := window.Validate(); err != nil {
		return err
	}
	window.CreatedAt = existing.CreatedAt
	if err := m.store.SaveSilenceWindow(ctx, window); err != nil {
		return err
	}

	m.logger.Info("Silence window updated", zap.Uint("id", window.ID))
	return m.reevaluate(ctx)
}

// DeleteWindow removes a window
func (m *Manager) DeleteWindow(ctx context.Context, id uint) error {
	if err := m.store.DeleteSilenceWindow(ctx, id); err != nil {
		return err
	}

	m.logger.Info("Silence window deleted", zap.Uint("id", id))
	return m.reevaluate(ctx)
}

func (m *Manager) reevaluate(ctx context.Context) error {
	if _, _, err := m.engine.EvaluateAll(ctx); err != nil {
		return fmt.Errorf("window saved but re-evaluation failed: %w", err)
	}
	return nil
}

func normalize(w *model.SilenceWindow) {
	w.StartsAt = w.StartsAt.UTC()
	w.EndsAt = w.EndsAt.UTC()
	if w.Matchers == nil {
		w.Matchers = model.Labels{}
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
}
