package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/model"
)

// RetryPolicy bounds how often and how fast a failing call is retried
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the +/- fraction applied to each delay
	Jitter float64
	// CallTimeout bounds each individual attempt, zero means no bound
	CallTimeout time.Duration
}

// DefaultRetryPolicy returns three attempts with exponential backoff
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.25,
		CallTimeout:  10 * time.Second,
	}
}

// NextRetry returns the delay before the attempt following attempt
// (zero-based), capped at MaxDelay and jittered.
func (p RetryPolicy) NextRetry(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delay += delay * p.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(delay)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string        { return e.err.Error() }
func (e *permanentError) Unwrap() error        { return e.err }
func (e *permanentError) Is(target error) bool { return target == ErrNonRetryable }

// Permanent marks err as non-retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether a failed attempt may be retried. Missing
// records, validation failures and cancellation are final.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNonRetryable),
		errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrValidation),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Do runs fn until it succeeds, fails permanently or runs out of attempts.
// attempt is one-based. Exhaustion wraps ErrMaxRetriesExceeded and the last
// error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = p.call(ctx, attempt, fn)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(p.NextRetry(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, maxAttempts, lastErr)
}

func (p RetryPolicy) call(ctx context.Context, attempt int, fn func(ctx context.Context, attempt int) error) error {
	if p.CallTimeout <= 0 {
		return fn(ctx, attempt)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
	defer cancel()
	return fn(callCtx, attempt)
}

// DeadLetter is the envelope published for an exhausted task
type DeadLetter struct {
	Task     *model.Task `json:"task"`
	Error    string      `json:"error"`
	FailedAt time.Time   `json:"failed_at"`
}

// RetryManager runs channel tasks under a retry policy and dead-letters the
// ones that exhaust it
type RetryManager struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	policy RetryPolicy
}

// NewRetryManager creates a new retry manager
func NewRetryManager(js nats.JetStreamContext, policy RetryPolicy, logger *zap.Logger) *RetryManager {
	return &RetryManager{
		logger: logger.Named("retry-manager"),
		js:     js,
		policy: policy,
	}
}

// Policy returns the configured retry policy
func (rm *RetryManager) Policy() RetryPolicy {
	return rm.policy
}

// Execute runs fn for the task under the retry policy. The task's Attempts
// field tracks progress. Exhausted tasks are moved to the dead letter
// subject; permanent failures are returned as is.
func (rm *RetryManager) Execute(ctx context.Context, task *model.Task, fn func(ctx context.Context) error) error {
	err := rm.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		task.Attempts = attempt
		err := fn(ctx)
		if err != nil && IsRetryable(err) && attempt < rm.policy.MaxAttempts {
			rm.logger.Warn("Task attempt failed, retrying",
				zap.String("task_id", task.ID),
				zap.String("kind", string(task.Kind)),
				zap.String("fingerprint", task.Fingerprint),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", rm.policy.MaxAttempts),
				zap.Error(err))
		}
		return err
	})

	if errors.Is(err, ErrMaxRetriesExceeded) {
		rm.moveToDeadLetter(ctx, task, err)
	}
	return err
}

// moveToDeadLetter publishes a failed task to the dead letter subject
func (rm *RetryManager) moveToDeadLetter(ctx context.Context, task *model.Task, cause error) {
	deadLetter := DeadLetter{
		Task:     task,
		Error:    cause.Error(),
		FailedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(deadLetter)
	if err != nil {
		rm.logger.Error("Failed to marshal dead letter",
			zap.Error(err))
		return
	}

	if _, err := rm.js.Publish(deadLetterSubject, data, nats.Context(ctx)); err != nil {
		rm.logger.Error("Failed to publish to dead letter queue",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return
	}

	rm.logger.Info("Task moved to dead letter queue",
		zap.String("task_id", task.ID),
		zap.String("fingerprint", task.Fingerprint),
		zap.Int("attempts", task.Attempts))
}
