// Package cronjob runs background maintenance jobs on cron specs.
package cronjob

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Status describes the last run of a scheduled job.
type Status struct {
	Name     string
	Spec     string
	Runs     int
	LastRun  time.Time
	LastErr  error
	Duration time.Duration
}

type entry struct {
	job     Job
	spec    string
	id      cron.EntryID
	running atomic.Bool

	mu     sync.Mutex
	status Status
}

type CronScheduler struct {
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]*entry
	ctx     context.Context
}

func NewCronScheduler() *CronScheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &CronScheduler{
		cron:    cron.New(cron.WithParser(parser)),
		entries: make(map[string]*entry),
		ctx:     context.Background(),
	}
}

// AddJob schedules job on spec. Job names must be unique.
func (c *CronScheduler) AddJob(job Job, spec string) error {
	name := job.Name()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; ok {
		return fmt.Errorf("job %s already scheduled", name)
	}
	logger := logutil.GetLogger(context.Background()).With(zap.String("job", name), zap.String("spec", spec))
	e := &entry{job: job, spec: spec, status: Status{Name: name, Spec: spec}}
	id, err := c.cron.AddFunc(spec, func() { c.run(c.context(), e) })
	if err != nil {
		logger.Error("schedule job failed", zap.Error(err))
		return fmt.Errorf("schedule job %s: %w", name, err)
	}
	e.id = id
	c.entries[name] = e
	logger.Info("job scheduled")
	return nil
}

// Jobs lists the scheduled job names in order.
func (c *CronScheduler) Jobs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow runs a scheduled job outside its schedule and waits for it. It
// reports false when the job is unknown or already running.
func (c *CronScheduler) RunNow(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	e, ok := c.entries[name]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return c.run(ctx, e)
}

func (c *CronScheduler) Status(name string) (Status, bool) {
	c.mu.Lock()
	e, ok := c.entries[name]
	c.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, true
}

func (c *CronScheduler) Start(ctx context.Context) {
	if ctx != nil {
		c.mu.Lock()
		c.ctx = ctx
		c.mu.Unlock()
	}
	c.cron.Start()
}

// Stop stops the schedule and waits for running jobs.
func (c *CronScheduler) Stop() {
	<-c.cron.Stop().Done()
}

func (c *CronScheduler) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *CronScheduler) run(ctx context.Context, e *entry) (bool, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("job", e.status.Name), zap.String("spec", e.spec))
	if !e.running.CompareAndSwap(false, true) {
		logger.Info("job skipped: still running")
		return false, nil
	}
	defer e.running.Store(false)

	start := time.Now()
	logger.Info("job started")
	err := e.job.Run(ctx)
	elapsed := time.Since(start)

	e.mu.Lock()
	e.status.Runs++
	e.status.LastRun = start
	e.status.LastErr = err
	e.status.Duration = elapsed
	e.mu.Unlock()

	if err != nil {
		logger.Error("job finished", zap.Error(err), zap.Duration("duration", elapsed))
		return true, err
	}
	logger.Info("job finished", zap.Duration("duration", elapsed))
	return true, nil
}
