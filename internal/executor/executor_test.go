package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/model"
	"github.com/t77yq/alertflow/internal/monitor"
	"github.com/t77yq/alertflow/internal/scheduler"
	"github.com/t77yq/alertflow/internal/storage"
	"github.com/t77yq/alertflow/internal/testutil"
)

type recordingHandler struct {
	mu    sync.Mutex
	tasks []string
	err   func(attempt int) error
}

func (h *recordingHandler) Execute(ctx context.Context, task *model.Task) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tasks = append(h.tasks, task.ID)
	if h.err != nil {
		return h.err(task.Attempts)
	}
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tasks)
}

type testEnv struct {
	executor  *Executor
	scheduler *scheduler.NATSScheduler
	history   *storage.SQLiteDeliveryHistory
	metrics   *monitor.PrometheusCollector
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	js, cleanup := testutil.SetupJetStream(t)
	t.Cleanup(cleanup)

	sched, err := scheduler.NewNATSScheduler(js, zap.NewNop())
	require.NoError(t, err)

	history, err := storage.NewSQLiteDeliveryHistory(zap.NewNop(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	policy := scheduler.RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		CallTimeout:  time.Second,
	}
	metrics := monitor.NewPrometheusCollector(monitor.CollectorConfig{}, nil, zap.NewNop())
	exec := NewExecutor(js, ExecutorConfig{Workers: 2}, scheduler.NewRetryManager(js, policy, zap.NewNop()), history, metrics, zap.NewNop())

	return &testEnv{executor: exec, scheduler: sched, history: history, metrics: metrics}
}

func (env *testEnv) delivery(t *testing.T, taskID string) *storage.Delivery {
	t.Helper()
	records, err := env.history.List(context.Background(), map[string]interface{}{"task_id": taskID}, 0, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	return records[0]
}

func newTask(kind model.TaskKind) *model.Task {
	return &model.Task{
		ID:          uuid.New().String(),
		Kind:        kind,
		IncidentID:  1,
		RuleID:      2,
		Transition:  model.StatusFiring,
		Fingerprint: "fp1",
		CreatedAt:   time.Now(),
	}
}

func TestExecutor_ConsumesQueuedTasks(t *testing.T) {
	env := newTestEnv(t)
	chat := &recordingHandler{}
	sms := &recordingHandler{}
	env.executor.RegisterHandler(model.TaskKindChat, chat)
	env.executor.RegisterHandler(model.TaskKindSMS, sms)
	require.NoError(t, env.executor.Start())
	defer env.executor.Stop(context.Background())

	ctx := context.Background()
	chatTask := newTask(model.TaskKindChat)
	smsTask := newTask(model.TaskKindSMS)
	require.NoError(t, env.scheduler.SubmitTask(ctx, chatTask))
	require.NoError(t, env.scheduler.SubmitTask(ctx, smsTask))

	assert.Eventually(t, func() bool { return chat.count() == 1 && sms.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		records, err := env.history.List(ctx, map[string]interface{}{"status": string(model.TaskStatusCompleted)}, 0, 10)
		return err == nil && len(records) == 2
	}, 5*time.Second, 20*time.Millisecond)

	stats := env.executor.GetStats()
	assert.Equal(t, int64(2), stats.Completed)
	assert.Equal(t, 2, stats.Capacity)
}

func TestExecutor_ExecuteTask(t *testing.T) {
	ctx := context.Background()

	t.Run("retries then succeeds", func(t *testing.T) {
		env := newTestEnv(t)
		env.executor.RegisterHandler(model.TaskKindChat, &recordingHandler{err: func(attempt int) error {
			if attempt < 2 {
				return errors.New("timeout")
			}
			return nil
		}})

		task := newTask(model.TaskKindChat)
		require.NoError(t, env.executor.ExecuteTask(ctx, task))
		assert.Equal(t, model.TaskStatusCompleted, task.Status)

		d := env.delivery(t, task.ID)
		assert.Equal(t, model.TaskStatusCompleted, d.Status)
		assert.Equal(t, 2, d.Attempts)
	})

	t.Run("missing records abort without retry", func(t *testing.T) {
		env := newTestEnv(t)
		h := &recordingHandler{err: func(int) error { return fmt.Errorf("incident 1: %w", model.ErrNotFound) }}
		env.executor.RegisterHandler(model.TaskKindTicket, h)

		task := newTask(model.TaskKindTicket)
		err := env.executor.ExecuteTask(ctx, task)
		assert.ErrorIs(t, err, model.ErrNotFound)
		assert.Equal(t, 1, h.count())

		d := env.delivery(t, task.ID)
		assert.Equal(t, model.TaskStatusAborted, d.Status)
		assert.Contains(t, d.Error, "record not found")
	})

	t.Run("exhausted retries fail the task", func(t *testing.T) {
		env := newTestEnv(t)
		h := &recordingHandler{err: func(int) error { return errors.New("503") }}
		env.executor.RegisterHandler(model.TaskKindChat, h)

		task := newTask(model.TaskKindChat)
		err := env.executor.ExecuteTask(ctx, task)
		assert.ErrorIs(t, err, scheduler.ErrMaxRetriesExceeded)
		assert.Equal(t, 3, h.count())
		assert.Equal(t, model.TaskStatusFailed, env.delivery(t, task.ID).Status)

		snapshot, err := env.metrics.Snapshot()
		require.NoError(t, err)
		assert.Equal(t, float64(1), snapshot[`alertflow_notifications_total{kind="chat",status="failed"}`])
	})

	t.Run("unknown kind fails permanently", func(t *testing.T) {
		env := newTestEnv(t)
		task := newTask(model.TaskKindSMS)
		err := env.executor.ExecuteTask(ctx, task)
		assert.ErrorIs(t, err, scheduler.ErrNonRetryable)
		assert.Equal(t, model.TaskStatusFailed, env.delivery(t, task.ID).Status)
	})
}

type blockingHandler struct {
	started chan string
	release chan struct{}
}

func (h *blockingHandler) Execute(ctx context.Context, task *model.Task) error {
	h.started <- task.ID
	<-h.release
	return nil
}

func TestExecutor_StopWaitsForRunningTasks(t *testing.T) {
	env := newTestEnv(t)
	h := &blockingHandler{started: make(chan string, 4), release: make(chan struct{})}
	env.executor.RegisterHandler(model.TaskKindChat, h)
	require.NoError(t, env.executor.Start())

	ctx := context.Background()
	first := newTask(model.TaskKindChat)
	require.NoError(t, env.scheduler.SubmitTask(ctx, first))

	select {
	case id := <-h.started:
		assert.Equal(t, first.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not start")
	}

	stopped := make(chan struct{})
	go func() {
		env.executor.Stop(ctx)
		close(stopped)
	}()

	// tasks arriving after Stop are handed back to the queue
	require.Eventually(t, func() bool {
		env.executor.mu.Lock()
		defer env.executor.mu.Unlock()
		return env.executor.stopping
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, env.scheduler.SubmitTask(ctx, newTask(model.TaskKindChat)))

	select {
	case <-stopped:
		t.Fatal("Stop returned while a task was running")
	case <-time.After(200 * time.Millisecond):
	}

	close(h.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.Empty(t, h.started)
	assert.Equal(t, model.TaskStatusCompleted, env.delivery(t, first.ID).Status)
}

func TestResourceManager(t *testing.T) {
	rm := NewResourceManager(ResourceLimits{MaxTasks: 1}, zap.NewNop())
	first := &model.Task{ID: "a"}
	second := &model.Task{ID: "b"}

	require.NoError(t, rm.Acquire(context.Background(), first))
	assert.Len(t, rm.RunningTasks(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rm.Acquire(ctx, second), context.DeadlineExceeded)

	rm.Release(first, true)
	rm.Release(first, true)
	require.NoError(t, rm.Acquire(context.Background(), second))
	rm.Release(second, false)

	stats := rm.GetStats()
	assert.Equal(t, 0, stats.Running)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
}
