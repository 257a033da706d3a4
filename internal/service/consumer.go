// Package service consumes inbound alert payloads from JetStream and feeds
// them through ingest and the event bus.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/events"
	"github.com/t77yq/alertflow/internal/ingest"
	"github.com/t77yq/alertflow/internal/model"
	"github.com/t77yq/alertflow/internal/monitor"
)

const (
	alertStreamName = "ALERTS"
	alertSubject    = "alerts.inbound"
	alertDurable    = "alertflow-ingest"
)

// ConsumerConfig defines configuration for the alert consumer
type ConsumerConfig struct {
	Subject    string
	Durable    string
	FetchWait  time.Duration
	AckWait    time.Duration
	MaxDeliver int
}

func (c *ConsumerConfig) setDefaults() {
	if c.Subject == "" {
		c.Subject = alertSubject
	}
	if c.Durable == "" {
		c.Durable = alertDurable
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 2 * time.Second
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	// ingest failures are redelivered until they succeed
	if c.MaxDeliver == 0 {
		c.MaxDeliver = -1
	}
}

// EnsureStream creates the ALERTS stream unless it already exists
func EnsureStream(ctx context.Context, js nats.JetStreamContext, logger *zap.Logger) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      alertStreamName,
		Subjects:  []string{"alerts.>"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    72 * time.Hour,
	}, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream %s: %w", alertStreamName, err)
	}
	logger.Info("Alert stream ready", zap.String("stream", alertStreamName))
	return nil
}

// AlertConsumer pulls one inbound message at a time, ingests every payload
// it carries and publishes the resulting events before acknowledging.
type AlertConsumer struct {
	js        nats.JetStreamContext
	processor *ingest.Processor
	bus       *events.Bus
	metrics   monitor.Collector
	logger    *zap.Logger
	config    ConsumerConfig
	now       func() time.Time

	done chan struct{}
}

// NewAlertConsumer creates a new consumer
func NewAlertConsumer(js nats.JetStreamContext, config ConsumerConfig, processor *ingest.Processor, bus *events.Bus, metrics monitor.Collector, logger *zap.Logger) *AlertConsumer {
	config.setDefaults()
	return &AlertConsumer{
		js:        js,
		processor: processor,
		bus:       bus,
		metrics:   metrics,
		logger:    logger.Named("alert-consumer"),
		config:    config,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// PublishPayload publishes a single alert payload on the inbound subject
func (c *AlertConsumer) PublishPayload(ctx context.Context, payload model.Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return c.PublishRaw(ctx, data)
}

// PublishRaw publishes an already encoded payload or envelope
func (c *AlertConsumer) PublishRaw(ctx context.Context, data []byte) error {
	if _, err := c.js.Publish(c.config.Subject, data, nats.Context(ctx)); err != nil {
		c.logger.Error("Failed to publish alert", zap.Error(err))
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// Start binds the durable pull consumer and processes messages until ctx
// is cancelled
func (c *AlertConsumer) Start(ctx context.Context) error {
	sub, err := c.js.PullSubscribe(
		c.config.Subject,
		c.config.Durable,
		nats.AckExplicit(),
		nats.MaxAckPending(1),
		nats.AckWait(c.config.AckWait),
		nats.MaxDeliver(c.config.MaxDeliver),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.config.Subject, err)
	}

	c.logger.Info("Consuming alerts",
		zap.String("subject", c.config.Subject),
		zap.String("durable", c.config.Durable))

	go c.run(ctx, sub)
	return nil
}

// Done is closed once the consume loop has exited
func (c *AlertConsumer) Done() <-chan struct{} {
	return c.done
}

func (c *AlertConsumer) run(ctx context.Context, sub *nats.Subscription) {
	defer close(c.done)

	for {
		if ctx.Err() != nil {
			c.logger.Info("Alert consumer stopped")
			return
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(c.config.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				c.logger.Warn("Alert subscription closed", zap.Error(err))
				return
			}
			c.logger.Error("Failed to fetch alert", zap.Error(err))
			time.Sleep(c.config.FetchWait)
			continue
		}

		for _, msg := range msgs {
			c.handle(ctx, msg)
		}
	}
}

// handle processes one message and settles it: malformed or invalid input
// is terminated, transient failures are redelivered.
func (c *AlertConsumer) handle(ctx context.Context, msg *nats.Msg) {
	payloads, err := model.DecodePayloads(msg.Data)
	if err != nil {
		c.fail("decode", err)
		c.settle(msg.Term, "terminate")
		return
	}

	rejected := 0
	for i := range payloads {
		if err := c.process(ctx, payloads[i]); err != nil {
			logger := c.logger.With(zap.String("fingerprint", payloads[i].Fingerprint))
			if errors.Is(err, model.ErrValidation) {
				c.fail("validation", err)
				logger.Warn("Rejected invalid alert", zap.Error(err))
				rejected++
				continue
			}

			c.fail("ingest", err)
			if meta, merr := msg.Metadata(); merr == nil && c.config.MaxDeliver > 0 && int(meta.NumDelivered) >= c.config.MaxDeliver {
				logger.Error("Alert dropped after final delivery attempt",
					zap.Uint64("delivered", meta.NumDelivered),
					zap.Error(err))
			} else {
				logger.Warn("Alert ingest failed, requeueing", zap.Error(err))
			}
			c.settle(msg.Nak, "nak")
			return
		}
	}

	if rejected == len(payloads) {
		c.settle(msg.Term, "terminate")
		return
	}
	c.settle(msg.Ack, "ack")
}

// process ingests one payload and publishes its event
func (c *AlertConsumer) process(ctx context.Context, payload model.Payload) error {
	result, err := c.processor.Ingest(ctx, payload)
	if err != nil {
		return err
	}

	if failed := c.bus.Publish(ctx, result.Event(c.now())); failed > 0 {
		c.logger.Warn("Event subscribers failed",
			zap.String("fingerprint", payload.Fingerprint),
			zap.Int("failed", failed))
	}
	return nil
}

func (c *AlertConsumer) fail(reason string, err error) {
	c.metrics.Increment(monitor.IngestFailures, map[string]string{"reason": reason})
	if reason == "decode" {
		c.logger.Error("Failed to decode alert", zap.Error(err))
	}
}

func (c *AlertConsumer) settle(fn func(...nats.AckOpt) error, action string) {
	if err := fn(); err != nil {
		c.logger.Error("Failed to settle message",
			zap.String("action", action),
			zap.Error(err))
	}
}
