package executor

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/model"
)

// ResourceLimits bounds task execution
type ResourceLimits struct {
	MaxTasks int // Maximum concurrent tasks
}

// Stats is a point-in-time view of the worker pool
type Stats struct {
	Running     int       `json:"running"`
	Capacity    int       `json:"capacity"`
	Completed   int64     `json:"completed"`
	Failed      int64     `json:"failed"`
	CollectedAt time.Time `json:"collected_at"`
}

// ResourceManager hands out execution slots and tracks running tasks
type ResourceManager struct {
	logger  *zap.Logger
	limits  ResourceLimits
	slots   chan struct{}
	mu      sync.RWMutex
	running map[string]*model.Task
	stats   Stats
}

// NewResourceManager creates a new resource manager
func NewResourceManager(limits ResourceLimits, logger *zap.Logger) *ResourceManager {
	if limits.MaxTasks < 1 {
		limits.MaxTasks = 1
	}
	return &ResourceManager{
		logger:  logger.Named("resource-manager"),
		limits:  limits,
		slots:   make(chan struct{}, limits.MaxTasks),
		running: make(map[string]*model.Task),
		stats:   Stats{Capacity: limits.MaxTasks},
	}
}

// Acquire blocks until a slot is free or ctx is done
func (rm *ResourceManager) Acquire(ctx context.Context, task *model.Task) error {
	select {
	case rm.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	rm.mu.Lock()
	rm.running[task.ID] = task
	rm.mu.Unlock()

	rm.logger.Debug("Slot acquired",
		zap.String("task_id", task.ID),
		zap.Int("running", len(rm.slots)))
	return nil
}

// Release frees the task's slot and records its outcome
func (rm *ResourceManager) Release(task *model.Task, succeeded bool) {
	rm.mu.Lock()
	if _, ok := rm.running[task.ID]; !ok {
		rm.mu.Unlock()
		return
	}
	delete(rm.running, task.ID)
	if succeeded {
		rm.stats.Completed++
	} else {
		rm.stats.Failed++
	}
	rm.mu.Unlock()

	<-rm.slots
}

// RunningTasks returns the tasks currently holding a slot, oldest first
func (rm *ResourceManager) RunningTasks() []*model.Task {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	tasks := make([]*model.Task, 0, len(rm.running))
	for _, task := range rm.running {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks
}

// GetStats returns current pool statistics
func (rm *ResourceManager) GetStats() Stats {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	stats := rm.stats
	stats.Running = len(rm.running)
	stats.CollectedAt = time.Now()
	return stats
}
