package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/model"
)

// NATSScheduler publishes channel tasks to the NOTIFY JetStream stream
type NATSScheduler struct {
	js     nats.JetStreamContext
	logger *zap.Logger
	now    func() time.Time
}

// NewNATSScheduler creates a new NATS-based scheduler
func NewNATSScheduler(js nats.JetStreamContext, logger *zap.Logger) (*NATSScheduler, error) {
	scheduler := &NATSScheduler{
		js:     js,
		logger: logger.Named("scheduler"),
		now:    time.Now,
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := EnsureStream(ctx, js, scheduler.logger); err != nil {
		return nil, fmt.Errorf("failed to setup streams: %w", err)
	}

	return scheduler, nil
}

// EnsureStream creates the NOTIFY stream unless it already exists
func EnsureStream(ctx context.Context, js nats.JetStreamContext, logger *zap.Logger) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     notifyStreamName,
		Subjects: []string{"notify.>"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  streamMaxMsgs,
	}, nats.Context(ctx))

	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			logger.Info("Stream already exists", zap.String("stream", notifyStreamName))
			return nil
		}
		return err
	}

	logger.Info("Stream created successfully", zap.String("stream", notifyStreamName))
	return nil
}

// SubmitTask publishes the task on its kind's subject. The task ID doubles
// as the JetStream message ID so a resubmitted task is deduplicated.
func (s *NATSScheduler) SubmitTask(ctx context.Context, task *model.Task) error {
	switch task.Kind {
	case model.TaskKindTicket, model.TaskKindChat, model.TaskKindSMS:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTaskKind, task.Kind)
	}

	task.Status = model.TaskStatusPending
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now().UTC()
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	subject := SubjectForKind(task.Kind)
	if _, err := s.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(task.ID)); err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}

	s.logger.Debug("Task submitted",
		zap.String("task_id", task.ID),
		zap.String("subject", subject),
		zap.String("fingerprint", task.Fingerprint))
	return nil
}
