package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCronScheduler(t *testing.T) {
	s := NewCronScheduler(time.Second, zap.NewNop())

	var runs atomic.Int32
	require.NoError(t, s.AddJob("tick", "* * * * * *", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, s.AddJob("failing", "0 0 * * * *", func(ctx context.Context) error {
		return errors.New("broken")
	}))
	require.NoError(t, s.AddJob("disabled", "", func(ctx context.Context) error { return nil }))

	assert.Error(t, s.AddJob("tick", "* * * * * *", func(ctx context.Context) error { return nil }))
	assert.Error(t, s.AddJob("bad", "not a cron", func(ctx context.Context) error { return nil }))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)

	assert.EqualError(t, s.RunNow("failing"), "broken")
	assert.Error(t, s.RunNow("missing"))

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "failing", jobs[0].Name)
	assert.Equal(t, "broken", jobs[0].LastError)
	require.NotNil(t, jobs[0].LastRun)
	assert.Equal(t, "tick", jobs[1].Name)
}
