package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrUnknownJob is returned by RunNow for names that were never added.
var ErrUnknownJob = errors.New("unknown job")

// Job is one unit of periodic maintenance.
type Job func(ctx context.Context) error

type entry struct {
	name    string
	spec    string
	job     Job
	timeout time.Duration
	id      cron.EntryID
}

// Scheduler runs maintenance jobs on cron expressions. A job never overlaps with itself.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*entry
}

// New returns a stopped scheduler. Specs accept five fields, an optional leading
// seconds field, and descriptors such as @hourly or @every 5m.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	adapter := cronLogger{logger: logger}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*entry),
	}
}

// Add registers job under name. Each run gets its own timeout; zero means none.
func (s *Scheduler) Add(name, spec string, timeout time.Duration, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	e := &entry{name: name, spec: spec, job: job, timeout: timeout}
	id, err := s.cron.AddFunc(spec, func() { s.run(e) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	e.id = id
	s.jobs[name] = e
	return nil
}

// RunNow executes the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, e)
}

func (s *Scheduler) run(e *entry) {
	if err := s.execute(s.ctx, e); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("scheduled job failed", "job", e.name, "error", err)
	}
}

func (s *Scheduler) execute(ctx context.Context, e *entry) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	started := time.Now()
	err := e.job(ctx)
	s.logger.Debug("job finished", "job", e.name, "duration", time.Since(started), "error", err)
	return err
}

// Next reports when the named job fires next. It is zero before Start.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(e.id).Next
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.jobs {
		s.logger.Info("job scheduled", "job", e.name, "spec", e.spec, "next", s.cron.Entry(e.id).Next)
	}
}

// Stop prevents new runs, cancels running ones and waits for them until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes cron's internal logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
