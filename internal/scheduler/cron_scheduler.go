package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// JobFunc is a periodic maintenance job
type JobFunc func(ctx context.Context) error

// JobInfo describes a registered job
type JobInfo struct {
	Name       string
	Expression string
	LastRun    *time.Time
	LastError  string
	NextRun    time.Time
}

// CronScheduler runs maintenance jobs on cron expressions with seconds
type CronScheduler struct {
	logger  *zap.Logger
	cron    *cron.Cron
	timeout time.Duration

	mu   sync.RWMutex
	jobs map[string]*cronJob

	ctx    context.Context
	cancel context.CancelFunc
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewCronScheduler creates a new scheduler. Each job run is bounded by
// timeout.
func NewCronScheduler(timeout time.Duration, logger *zap.Logger) *CronScheduler {
	cronLogger := &cronLogger{logger: logger.Named("cron")}
	cronOptions := []cron.Option{
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CronScheduler{
		logger:  logger.Named("maintenance"),
		cron:    cron.New(cronOptions...),
		timeout: timeout,
		jobs:    make(map[string]*cronJob),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddJob registers fn under name. An empty expression disables the job.
func (s *CronScheduler) AddJob(name, expression string, fn JobFunc) error {
	if expression == "" {
		s.logger.Info("Job disabled", zap.String("job", name))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	job := &cronJob{scheduler: s, name: name, expression: expression, fn: fn}
	entryID, err := s.cron.AddJob(expression, job)
	if err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", name, err)
	}
	job.entryID = entryID
	s.jobs[name] = job

	s.logger.Info("Added job",
		zap.String("job", name),
		zap.String("expression", expression))
	return nil
}

// RunNow executes a registered job synchronously
func (s *CronScheduler) RunNow(name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job not found: %s", name)
	}
	return job.execute()
}

// Jobs lists registered jobs sorted by name
func (s *CronScheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for _, job := range s.jobs {
		info := JobInfo{
			Name:       job.name,
			Expression: job.expression,
			NextRun:    s.cron.Entry(job.entryID).Next,
		}
		job.mu.Lock()
		info.LastRun = job.lastRun
		info.LastError = job.lastError
		job.mu.Unlock()
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Start starts the scheduler
func (s *CronScheduler) Start() {
	s.logger.Info("Starting maintenance scheduler", zap.Int("jobs", len(s.jobs)))
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs
func (s *CronScheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// cronJob implements cron.Job interface
type cronJob struct {
	scheduler  *CronScheduler
	name       string
	expression string
	fn         JobFunc
	entryID    cron.EntryID

	mu        sync.Mutex
	lastRun   *time.Time
	lastError string
}

// Run implements cron.Job
func (j *cronJob) Run() {
	if err := j.execute(); err != nil {
		j.scheduler.logger.Error("Job failed",
			zap.String("job", j.name),
			zap.Error(err))
	}
}

func (j *cronJob) execute() error {
	ctx := j.scheduler.ctx
	if j.scheduler.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.scheduler.timeout)
		defer cancel()
	}

	start := time.Now()
	err := j.fn(ctx)

	j.mu.Lock()
	j.lastRun = &start
	j.lastError = ""
	if err != nil {
		j.lastError = err.Error()
	}
	j.mu.Unlock()

	j.scheduler.logger.Debug("Executed job",
		zap.String("job", j.name),
		zap.Duration("duration", time.Since(start)))
	return err
}
