package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/model"
	"github.com/t77yq/alertflow/internal/testutil"
)

func TestNATSScheduler(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	scheduler, err := NewNATSScheduler(js, zap.NewNop())
	require.NoError(t, err)

	t.Run("Setup", func(t *testing.T) {
		stream, err := js.StreamInfo("NOTIFY")
		require.NoError(t, err)
		assert.Equal(t, "NOTIFY", stream.Config.Name)
		assert.Equal(t, []string{"notify.>"}, stream.Config.Subjects)
	})

	t.Run("Existing stream is reused", func(t *testing.T) {
		_, err := NewNATSScheduler(js, zap.NewNop())
		require.NoError(t, err)
	})

	t.Run("Submit Task", func(t *testing.T) {
		task := &model.Task{
			ID:          uuid.New().String(),
			Kind:        model.TaskKindChat,
			IncidentID:  1,
			RuleID:      2,
			Transition:  model.StatusFiring,
			Fingerprint: "fp1",
		}
		require.NoError(t, scheduler.SubmitTask(context.Background(), task))
		assert.Equal(t, model.TaskStatusPending, task.Status)
		assert.False(t, task.CreatedAt.IsZero())

		messages, err := testutil.ConsumeMessages(js, SubjectForKind(model.TaskKindChat), 500*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, messages, 1)

		var received model.Task
		require.NoError(t, json.Unmarshal(messages[0], &received))
		assert.Equal(t, task.ID, received.ID)
		assert.Equal(t, uint(1), received.IncidentID)
		assert.Equal(t, uint(2), received.RuleID)
		assert.Equal(t, model.StatusFiring, received.Transition)
	})

	t.Run("Resubmitted Task is deduplicated", func(t *testing.T) {
		task := &model.Task{ID: uuid.New().String(), Kind: model.TaskKindSMS, IncidentID: 3, RuleID: 4}
		require.NoError(t, scheduler.SubmitTask(context.Background(), task))
		require.NoError(t, scheduler.SubmitTask(context.Background(), task))

		messages, err := testutil.ConsumeMessages(js, SubjectForKind(model.TaskKindSMS), 500*time.Millisecond)
		require.NoError(t, err)
		assert.Len(t, messages, 1)
	})

	t.Run("Unknown kind", func(t *testing.T) {
		err := scheduler.SubmitTask(context.Background(), &model.Task{ID: "x", Kind: "pager"})
		assert.True(t, errors.Is(err, ErrUnknownTaskKind))
	})
}
