// Package events fans a processed alert out to in-process subscribers.
package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/model"
)

// Subscriber reacts to a processed alert
type Subscriber interface {
	Name() string
	Handle(ctx context.Context, event *model.Event) error
}

// SubscriberFunc adapts a function to Subscriber
type SubscriberFunc struct {
	ID string
	Fn func(ctx context.Context, event *model.Event) error
}

// Name implements Subscriber
func (f SubscriberFunc) Name() string { return f.ID }

// Handle implements Subscriber
func (f SubscriberFunc) Handle(ctx context.Context, event *model.Event) error {
	return f.Fn(ctx, event)
}

// Bus invokes subscribers synchronously in registration order
type Bus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
	logger      *zap.Logger
}

// NewBus creates a new event bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger.Named("events")}
}

// Subscribe appends a subscriber
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, s)
}

// Subscribers returns the registered subscriber names in order
func (b *Bus) Subscribers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.subscribers))
	for i, s := range b.subscribers {
		names[i] = s.Name()
	}
	return names
}

// Publish delivers the event to every subscriber. A failing or panicking
// subscriber is logged and the remaining subscribers still run. The number
// of failed subscribers is returned.
func (b *Bus) Publish(ctx context.Context, event *model.Event) int {
	b.mu.RLock()
	subscribers := make([]Subscriber, len(b.subscribers))
	copy(subscribers, b.subscribers)
	b.mu.RUnlock()

	failed := 0
	for _, s := range subscribers {
		if err := b.deliver(ctx, s, event); err != nil {
			failed++
			b.logger.Error("Subscriber failed",
				zap.String("subscriber", s.Name()),
				zap.String("fingerprint", event.Incident.Fingerprint),
				zap.String("status", string(event.Status)),
				zap.Error(err))
		}
	}
	return failed
}

func (b *Bus) deliver(ctx context.Context, s Subscriber, event *model.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return s.Handle(ctx, event)
}
