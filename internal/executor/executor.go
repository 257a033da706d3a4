// Package executor runs channel tasks from the task queue on a bounded
// worker pool.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/handler"
	"github.com/t77yq/alertflow/internal/model"
	"github.com/t77yq/alertflow/internal/monitor"
	"github.com/t77yq/alertflow/internal/scheduler"
	"github.com/t77yq/alertflow/internal/storage"
)

// ExecutorConfig defines configuration for the executor
type ExecutorConfig struct {
	// Workers bounds the number of tasks executing at once
	Workers int
	// AckWait must exceed the worst case retry duration of one task
	AckWait    time.Duration
	MaxDeliver int
}

// Executor consumes channel tasks and runs them through their handlers
type Executor struct {
	logger    *zap.Logger
	js        nats.JetStreamContext
	handlers  map[model.TaskKind]handler.Handler
	retry     *scheduler.RetryManager
	history   storage.DeliveryHistory
	metrics   monitor.Collector
	config    ExecutorConfig
	resources *ResourceManager

	mu       sync.Mutex
	subs     []*nats.Subscription
	wg       sync.WaitGroup
	stopping bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewExecutor creates a new executor
func NewExecutor(js nats.JetStreamContext, config ExecutorConfig, retry *scheduler.RetryManager, history storage.DeliveryHistory, metrics monitor.Collector, logger *zap.Logger) *Executor {
	if config.AckWait <= 0 {
		config.AckWait = 2 * time.Minute
	}
	if config.MaxDeliver <= 0 {
		config.MaxDeliver = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		logger:    logger.Named("executor"),
		js:        js,
		handlers:  make(map[model.TaskKind]handler.Handler),
		retry:     retry,
		history:   history,
		metrics:   metrics,
		config:    config,
		resources: NewResourceManager(ResourceLimits{MaxTasks: config.Workers}, logger),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// RegisterHandler registers the handler for a task kind. Handlers must be
// registered before Start.
func (e *Executor) RegisterHandler(kind model.TaskKind, h handler.Handler) {
	e.handlers[kind] = h
}

// Start subscribes one queue group per registered task kind
func (e *Executor) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for kind := range e.handlers {
		subject := scheduler.SubjectForKind(kind)
		queue := "notify-" + string(kind)
		sub, err := e.js.QueueSubscribe(
			subject,
			queue,
			e.onMessage,
			nats.ManualAck(),
			nats.AckWait(e.config.AckWait),
			nats.MaxDeliver(e.config.MaxDeliver),
			nats.MaxAckPending(e.resources.limits.MaxTasks),
		)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		e.subs = append(e.subs, sub)
		e.logger.Info("Subscribed to tasks",
			zap.String("subject", subject),
			zap.String("queue", queue))
	}
	return nil
}

func (e *Executor) onMessage(msg *nats.Msg) {
	// stopping and wg.Add share e.mu with Stop
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		if err := msg.Nak(); err != nil {
			e.logger.Warn("Failed to nak message during shutdown", zap.Error(err))
		}
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	var task model.Task
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		e.logger.Error("Failed to unmarshal task", zap.Error(err))
		if err := msg.Term(); err != nil {
			e.logger.Error("Failed to terminate message", zap.Error(err))
		}
		e.wg.Done()
		return
	}

	if err := e.resources.Acquire(e.ctx, &task); err != nil {
		e.nak(msg, &task)
		e.wg.Done()
		return
	}

	go func() {
		defer e.wg.Done()

		err := e.ExecuteTask(e.ctx, &task)
		e.resources.Release(&task, err == nil)

		// interrupted tasks go back to the queue, every other outcome is final
		if errors.Is(err, context.Canceled) {
			e.nak(msg, &task)
			return
		}
		if err := msg.Ack(); err != nil {
			e.logger.Error("Failed to acknowledge message",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}()
}

func (e *Executor) nak(msg *nats.Msg, task *model.Task) {
	if err := msg.Nak(); err != nil {
		e.logger.Error("Failed to nak message",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

// ExecuteTask runs one task under the retry policy and records the outcome
func (e *Executor) ExecuteTask(ctx context.Context, task *model.Task) error {
	logger := e.logger.With(
		zap.String("task_id", task.ID),
		zap.String("kind", string(task.Kind)),
		zap.String("fingerprint", task.Fingerprint),
		zap.Uint("incident_id", task.IncidentID),
		zap.Uint("rule_id", task.RuleID))

	startTime := time.Now()
	delivery := &storage.Delivery{
		ID:          uuid.New().String(),
		TaskID:      task.ID,
		Kind:        task.Kind,
		IncidentID:  task.IncidentID,
		RuleID:      task.RuleID,
		Fingerprint: task.Fingerprint,
		Status:      model.TaskStatusRunning,
		StartedAt:   startTime,
	}
	if err := e.history.Store(ctx, delivery); err != nil {
		logger.Error("Failed to store delivery history", zap.Error(err))
	}

	task.Status = model.TaskStatusRunning
	var err error
	if h, ok := e.handlers[task.Kind]; ok {
		err = e.retry.Execute(ctx, task, func(ctx context.Context) error {
			return h.Execute(ctx, task)
		})
	} else {
		err = scheduler.Permanent(fmt.Errorf("no handler for task kind %q", task.Kind))
	}

	endTime := time.Now()
	task.Status = statusFor(err)
	if err != nil {
		task.ErrorMessage = err.Error()
	}
	task.CompletedAt = &endTime

	switch task.Status {
	case model.TaskStatusCompleted:
		logger.Info("Task completed", zap.Int("attempts", task.Attempts))
	case model.TaskStatusAborted:
		logger.Error("Task aborted", zap.Error(err))
	default:
		logger.Error("Task failed",
			zap.Int("attempts", task.Attempts),
			zap.Bool("retries_exhausted", errors.Is(err, scheduler.ErrMaxRetriesExceeded)),
			zap.Error(err))
	}

	e.metrics.Increment(monitor.Notifications, map[string]string{
		"kind":   string(task.Kind),
		"status": string(task.Status),
	})

	delivery.Status = task.Status
	delivery.Attempts = task.Attempts
	delivery.Error = task.ErrorMessage
	delivery.CompletedAt = &endTime
	delivery.Duration = endTime.Sub(startTime)
	// the task context may already be cancelled
	if err := e.history.Update(context.Background(), delivery); err != nil {
		logger.Error("Failed to update delivery history", zap.Error(err))
	}

	return err
}

// statusFor maps a task error to its final status. Missing records and
// interruptions abort the task.
func statusFor(err error) model.TaskStatus {
	switch {
	case err == nil:
		return model.TaskStatusCompleted
	case errors.Is(err, model.ErrNotFound), errors.Is(err, context.Canceled):
		return model.TaskStatusAborted
	default:
		return model.TaskStatusFailed
	}
}

// RunningTasks returns the tasks currently executing
func (e *Executor) RunningTasks() []*model.Task {
	return e.resources.RunningTasks()
}

// GetStats returns current worker pool statistics
func (e *Executor) GetStats() Stats {
	return e.resources.GetStats()
}

// GetDeliveryHistory retrieves delivery records
func (e *Executor) GetDeliveryHistory(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*storage.Delivery, error) {
	return e.history.List(ctx, filters, offset, limit)
}

// CleanupOldHistory deletes delivery records older than before
func (e *Executor) CleanupOldHistory(ctx context.Context, before time.Time) (int64, error) {
	return e.history.DeleteBefore(ctx, before)
}

// Stop stops taking new tasks, interrupts running tasks once ctx expires
// and waits for them to finish. Subscriptions are left in place so the
// durable consumers survive; closing the connection ends delivery.
func (e *Executor) Stop(ctx context.Context) {
	e.logger.Info("Stopping executor")
	e.mu.Lock()
	e.stopping = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("Interrupting running tasks", zap.Int("running", len(e.resources.RunningTasks())))
		e.cancel()
		<-done
	}
	e.cancel()
}
