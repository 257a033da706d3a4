package silence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/model"
	"github.com/t77yq/alertflow/internal/monitor"
	"github.com/t77yq/alertflow/internal/storage"
	"github.com/t77yq/alertflow/internal/testutil"
)

var testNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) (*Engine, storage.Store) {
	t.Helper()
	store := testutil.NewStore(t)
	engine := NewEngine(store, monitor.Nop{}, zap.NewNop(), WithClock(func() time.Time { return testNow }))
	return engine, store
}

func createIncident(t *testing.T, store storage.Store, fp string, labels model.Labels, status model.Status) *model.Incident {
	t.Helper()
	inc := &model.Incident{
		Fingerprint: fp,
		Labels:      labels,
		Status:      status,
		FirstSeen:   testNow,
		LastSeen:    testNow,
	}
	require.NoError(t, store.CreateIncident(context.Background(), inc))
	return inc
}

func createWindow(t *testing.T, store storage.Store, matchers model.Labels, start, end time.Time) *model.SilenceWindow {
	t.Helper()
	w := &model.SilenceWindow{Matchers: matchers, StartsAt: start, EndsAt: end}
	require.NoError(t, store.CreateSilenceWindow(context.Background(), w))
	return w
}

func TestEngine_Evaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("subset match silences until window end", func(t *testing.T) {
		engine, store := newEngine(t)
		inc := createIncident(t, store, "fp1", model.Labels{"job": "api", "severity": "critical"}, model.StatusFiring)
		w := createWindow(t, store, model.Labels{"job": "api"}, testNow.Add(-5*time.Minute), testNow.Add(60*time.Minute))

		silenced, err := engine.Evaluate(ctx, inc)
		require.NoError(t, err)
		assert.True(t, silenced)
		require.NotNil(t, inc.SilencedUntil)
		assert.True(t, inc.SilencedUntil.Equal(w.EndsAt))

		stored, err := store.GetIncident(ctx, inc.ID)
		require.NoError(t, err)
		assert.True(t, stored.Silenced)
		assert.True(t, stored.SilencedUntil.Equal(w.EndsAt))
	})

	t.Run("max end time across matching windows", func(t *testing.T) {
		engine, store := newEngine(t)
		inc := createIncident(t, store, "fp1", model.Labels{"job": "api", "env": "prod"}, model.StatusFiring)
		createWindow(t, store, model.Labels{"job": "api"}, testNow.Add(-time.Minute), testNow.Add(time.Hour))
		late := createWindow(t, store, model.Labels{"env": "prod"}, testNow.Add(-time.Minute), testNow.Add(3*time.Hour))
		createWindow(t, store, model.Labels{"env": "staging"}, testNow.Add(-time.Minute), testNow.Add(9*time.Hour))

		silenced, err := engine.Evaluate(ctx, inc)
		require.NoError(t, err)
		assert.True(t, silenced)
		assert.True(t, inc.SilencedUntil.Equal(late.EndsAt))
	})

	t.Run("no match cases", func(t *testing.T) {
		engine, store := newEngine(t)
		inc := createIncident(t, store, "fp1", model.Labels{"job": "api"}, model.StatusFiring)
		createWindow(t, store, model.Labels{"job": "web"}, testNow.Add(-time.Minute), testNow.Add(time.Hour))
		createWindow(t, store, model.Labels{"job": "api", "team": "core"}, testNow.Add(-time.Minute), testNow.Add(time.Hour))
		createWindow(t, store, model.Labels{}, testNow.Add(-time.Minute), testNow.Add(time.Hour))
		createWindow(t, store, model.Labels{"job": "api"}, testNow.Add(time.Minute), testNow.Add(time.Hour))
		createWindow(t, store, model.Labels{"job": "api"}, testNow.Add(-time.Hour), testNow)

		silenced, err := engine.Evaluate(ctx, inc)
		require.NoError(t, err)
		assert.False(t, silenced)
		assert.Nil(t, inc.SilencedUntil)
	})

	t.Run("clears stale silence", func(t *testing.T) {
		engine, store := newEngine(t)
		inc := createIncident(t, store, "fp1", model.Labels{"job": "api"}, model.StatusFiring)
		old := testNow.Add(-time.Minute)
		require.NoError(t, store.UpdateSilence(ctx, inc.ID, true, &old))
		inc.Silenced, inc.SilencedUntil = true, &old

		silenced, err := engine.Evaluate(ctx, inc)
		require.NoError(t, err)
		assert.False(t, silenced)

		stored, err := store.GetIncident(ctx, inc.ID)
		require.NoError(t, err)
		assert.False(t, stored.Silenced)
		assert.Nil(t, stored.SilencedUntil)
	})

	t.Run("idempotent", func(t *testing.T) {
		engine, store := newEngine(t)
		inc := createIncident(t, store, "fp1", model.Labels{"job": "api"}, model.StatusFiring)
		createWindow(t, store, model.Labels{"job": "api"}, testNow.Add(-time.Minute), testNow.Add(time.Hour))

		first, err := engine.Evaluate(ctx, inc)
		require.NoError(t, err)
		until := *inc.SilencedUntil

		second, err := engine.Evaluate(ctx, inc)
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.True(t, inc.SilencedUntil.Equal(until))
	})
}

func TestEngine_EvaluateAll(t *testing.T) {
	ctx := context.Background()
	engine, store := newEngine(t)

	firing := createIncident(t, store, "a", model.Labels{"job": "api"}, model.StatusFiring)
	other := createIncident(t, store, "b", model.Labels{"job": "db"}, model.StatusFiring)
	resolved := createIncident(t, store, "c", model.Labels{"job": "api"}, model.StatusResolved)
	createWindow(t, store, model.Labels{"job": "api"}, testNow.Add(-time.Minute), testNow.Add(time.Hour))

	checked, silenced, err := engine.EvaluateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, checked)
	assert.Equal(t, 1, silenced)

	got, err := store.GetIncident(ctx, firing.ID)
	require.NoError(t, err)
	assert.True(t, got.Silenced)

	got, err = store.GetIncident(ctx, other.ID)
	require.NoError(t, err)
	assert.False(t, got.Silenced)

	got, err = store.GetIncident(ctx, resolved.ID)
	require.NoError(t, err)
	assert.False(t, got.Silenced)
}

func TestEngine_Handle(t *testing.T) {
	engine, store := newEngine(t)
	inc := createIncident(t, store, "fp1", model.Labels{"job": "api"}, model.StatusFiring)
	createWindow(t, store, model.Labels{"job": "api"}, testNow.Add(-time.Minute), testNow.Add(time.Hour))

	event := &model.Event{Incident: inc, Status: model.StatusFiring}
	require.NoError(t, engine.Handle(context.Background(), event))
	assert.True(t, event.Incident.Silenced)
	assert.Equal(t, "silence", engine.Name())
}
