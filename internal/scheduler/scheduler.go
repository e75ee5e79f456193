// Package scheduler runs the single long-lived batch-processing loop: it
// wakes on task registration or a periodic timer, asks CreateNextBatch for
// the next unit of work under the fixed priority order, and hands it to
// the executor.
package scheduler

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/cuemby/sift/internal/indexreg"
	"github.com/cuemby/sift/internal/tasks"
	"github.com/cuemby/sift/internal/updatefile"
	"github.com/cuemby/sift/pkg/log"
	"github.com/cuemby/sift/pkg/metrics"
)

// ErrVersionMismatch is returned by CreateNextBatch when the persisted
// database version differs from the running binary and auto-upgrade is
// not active; the scheduler refuses to create any batch other than a task
// cancellation or a database upgrade, but the process keeps serving reads.
var ErrVersionMismatch = errors.New("scheduler: persisted database version does not match binary version")

// Executor runs one committed plan to completion; implemented by
// internal/executor to avoid an import cycle (executor depends on
// scheduler's Plan type only through this interface's caller, not the
// other direction).
type Executor interface {
	Execute(ctx context.Context, plan *Plan) error
}

// Scheduler owns the wake/tick loop described in the concurrency model: a
// notification channel for immediate wakeups plus a periodic fallback
// timer so date-bucketed and time-gated work still progresses.
type Scheduler struct {
	tasks   *tasks.Registry
	indexes *indexreg.Registry
	files   *updatefile.Store
	exec    Executor

	wake         chan struct{}
	tickInterval time.Duration
	taskLimit    int
	sizeLimit    int64

	versionMismatch func() bool

	logger zerolog.Logger
}

// Config bundles the tunables the batch creator consults.
type Config struct {
	TickInterval time.Duration
	TaskLimit    int
	SizeLimit    int64
}

// New constructs a Scheduler. versionMismatch, if non-nil, is consulted by
// CreateNextBatch after the cancellation and upgrade steps and before any
// other batch is created.
func New(tr *tasks.Registry, ir *indexreg.Registry, files *updatefile.Store, exec Executor, cfg Config, versionMismatch func() bool) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Minute
	}
	if cfg.TaskLimit <= 0 {
		cfg.TaskLimit = 1000
	}
	if cfg.SizeLimit <= 0 {
		cfg.SizeLimit = 1 << 30
	}
	return &Scheduler{
		tasks: tr, indexes: ir, files: files, exec: exec,
		wake: make(chan struct{}, 1), tickInterval: cfg.TickInterval,
		taskLimit: cfg.TaskLimit, sizeLimit: cfg.SizeLimit,
		versionMismatch: versionMismatch,
		logger:          log.WithComponent("scheduler"),
	}
}

// Wake is passed to tasks.Registry.Open as its WakeFunc; it is
// non-blocking and coalesces multiple enqueues into one pending wakeup.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) contentSize(uuidStr string) int64 {
	if s.files == nil {
		return 0
	}
	return s.files.Size(uuidStr)
}

// Run processes batches until ctx is canceled. It suspends between ticks
// on s.wake with a periodic fallback so date-bucketed work (e.g. snapshot
// schedules outside this package's scope) still gets a chance to run.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.drain(ctx)
	}
}

// drain runs CreateNextBatch/Execute repeatedly until no batch is
// produced, so a single wakeup processes every currently enqueued task
// rather than requiring one tick per batch.
func (s *Scheduler) drain(ctx context.Context) {
	for {
		timer := metrics.NewTimer()
		plan, err := s.CreateNextBatch()
		timer.ObserveDuration(metrics.SchedulingLatency)

		if err != nil {
			if errors.Is(err, ErrVersionMismatch) {
				s.logger.Warn().Msg("refusing to create batches: database version mismatch")
				return
			}
			s.logger.Error().Err(err).Msg("failed to create next batch")
			return
		}
		if plan == nil {
			return
		}

		if err := s.exec.Execute(ctx, plan); err != nil {
			s.logger.Error().Err(err).Uint32("batch_id", plan.BatchUID).Msg("batch execution failed")
			return
		}
	}
}

func unmarshalDetails(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
