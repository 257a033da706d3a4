package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// MetricsKeyPrefix is the Redis key prefix for metric snapshots
	MetricsKeyPrefix = "metrics:"
	// DefaultSnapshotTTL is how long a snapshot survives without a refresh
	DefaultSnapshotTTL = 2 * time.Minute
)

// Snapshot is the document stored in Redis
type Snapshot struct {
	Service   string             `json:"service"`
	UpdatedAt time.Time          `json:"updated_at"`
	Values    map[string]float64 `json:"values"`
}

// RedisSink stores metric snapshots under metrics:<service>
type RedisSink struct {
	client  redis.Cmdable
	service string
	ttl     time.Duration
}

// NewRedisSink creates a sink writing to client
func NewRedisSink(client redis.Cmdable, service string, ttl time.Duration) *RedisSink {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &RedisSink{client: client, service: service, ttl: ttl}
}

// Key returns the Redis key the sink writes to
func (s *RedisSink) Key() string {
	return MetricsKeyPrefix + s.service
}

// Write implements Sink
func (s *RedisSink) Write(ctx context.Context, values map[string]float64) error {
	data, err := json.Marshal(Snapshot{
		Service:   s.service,
		UpdatedAt: time.Now().UTC(),
		Values:    values,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return s.client.Set(ctx, s.Key(), data, s.ttl).Err()
}
