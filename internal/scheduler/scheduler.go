// Package scheduler keeps stored imports moving when runners lose work.
package scheduler

// scheduler.go runs the periodic import sweep.
//
// Runners keep their pending tasks in memory, so a restart or a lost Redis entry
// leaves imports queued in storage that nothing will ever run. The sweep
// enqueues every queued import again; runners drop duplicates. When a local
// runner is attached, the sweep also stops imports that storage reports as
// running but that no worker has owned for StaleSweeps consecutive sweeps.

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/robfig/cron/v3"

	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/model"
	"github.com/JonMunkholm/csvimport/internal/queue"
)

// DefaultSpec runs the sweep once a minute.
const DefaultSpec = "@every 1m"

// StaleReason is stored as the last error of imports stopped by the sweep.
const StaleReason = "interrupted: no worker owns the import"

// Engine is the part of the import engine the sweep needs.
type Engine interface {
	Requeue(ctx context.Context) (int, error)
	Load(ctx context.Context, id int64) (*importer.Job, error)
	Imports() model.Repository
}

// Runner reports which imports a local worker is running.
type Runner interface {
	Status() queue.Status
}

// Config holds the sweep settings. Zero values use the defaults.
type Config struct {
	Spec        string // cron expression with seconds, or a descriptor (default: @every 1m)
	StaleSweeps int    // sweeps before an unowned running import is stopped; 0 disables
}

// Result summarizes one sweep.
type Result struct {
	Requeued int
	Stopped  int
}

// Sweeper periodically requeues stored imports and stops abandoned ones.
type Sweeper struct {
	engine Engine
	runner Runner
	cfg    Config
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	unowned map[int64]int

	stopOnce sync.Once
}

// New returns a sweeper. runner may be nil when tasks run in other processes; stale
// detection is then disabled.
func New(engine Engine, runner Runner, cfg Config) *Sweeper {
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	logger := slog.Default().With("component", "scheduler")
	return &Sweeper{
		engine: engine,
		runner: runner,
		cfg:    cfg,
		logger: logger,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(
				cron.SkipIfStillRunning(cronLogger{logger}),
				cron.Recover(cronLogger{logger}),
			),
			cron.WithLogger(cronLogger{logger}),
		),
		unowned: make(map[int64]int),
	}
}

// Start runs a sweep immediately, then on the configured schedule until Stop is
// called or ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.Spec, func() { s.run(ctx) }); err != nil {
		return errors.Wrapf(err, "invalid sweep schedule %q", s.cfg.Spec)
	}
	s.logger.Info("import sweeper started", "spec", s.cfg.Spec, "stale_sweeps", s.cfg.StaleSweeps)

	s.run(ctx)
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop stops the schedule and waits for a running sweep to return.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		s.logger.Info("import sweeper stopped")
	})
}

func (s *Sweeper) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	res, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("sweep failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	if res.Requeued > 0 || res.Stopped > 0 {
		s.logger.Info("sweep completed",
			"requeued", res.Requeued,
			"stopped", res.Stopped,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}
	s.logger.Debug("sweep completed", "duration_ms", time.Since(start).Milliseconds())
}

// Sweep performs one pass.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	stopped, err := s.stopStale(ctx)
	res.Stopped = stopped
	if err != nil {
		return res, err
	}
	res.Requeued, err = s.engine.Requeue(ctx)
	if err != nil {
		return res, errors.Wrap(err, "requeue imports")
	}
	return res, nil
}

func (s *Sweeper) stopStale(ctx context.Context) (int, error) {
	if s.runner == nil || s.cfg.StaleSweeps <= 0 {
		return 0, nil
	}
	running, err := s.engine.Imports().ListByStatus(ctx, model.StatusInProgress, model.StatusInProgressUndo)
	if err != nil {
		return 0, errors.Wrap(err, "list running imports")
	}
	owned := s.runner.Status().Running

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]int, len(running))
	var stale []int64
	for _, imp := range running {
		if slices.Contains(owned, imp.ID) {
			continue
		}
		n := s.unowned[imp.ID] + 1
		if n >= s.cfg.StaleSweeps {
			stale = append(stale, imp.ID)
			continue
		}
		seen[imp.ID] = n
	}
	s.unowned = seen

	stopped := 0
	for _, id := range stale {
		job, err := s.engine.Load(ctx, id)
		if err != nil {
			s.logger.Error("cannot load stale import", "import_id", id, "error", err)
			continue
		}
		// The worker may have finished between the listing and the load.
		if !job.Import().Status.Running() {
			continue
		}
		if err := job.Stop(ctx, StaleReason); err != nil {
			s.logger.Error("cannot stop stale import", "import_id", id, "error", err)
			continue
		}
		stopped++
	}
	return stopped, nil
}

// cronLogger routes cron's own messages through slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
