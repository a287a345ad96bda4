// Package scheduler drives the tick loop that finds due schedules, pings
// their targets and records the attempts.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pingrobot/internal/models"
	"pingrobot/internal/storage"
	"pingrobot/internal/telemetry"
)

const (
	DefaultTick           = time.Second
	DefaultMaxConcurrency = 8
)

// NoDueTolerance makes a schedule due only once its full interval has
// elapsed since the last recorded attempt.
const NoDueTolerance time.Duration = -1

// Executor performs one ping.
type Executor interface {
	Execute(ctx context.Context, target models.Target) models.Attempt
}

// TargetLookup resolves a schedule's target.
type TargetLookup interface {
	GetTarget(ctx context.Context, id string) (*models.Target, error)
}

// AttemptRecorder reads the last attempt of a schedule and records new ones.
type AttemptRecorder interface {
	LastAttemptAt(ctx context.Context, scheduleID string) (time.Time, bool, error)
	RecordAttempt(ctx context.Context, scheduleID string, attempt models.Attempt) (*models.Run, error)
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Schedules storage.ScheduleStore
	Targets   TargetLookup
	Runs      AttemptRecorder
	Executor  Executor
}

// Options tunes a Scheduler. Zero values get defaults.
type Options struct {
	Tick time.Duration
	// DueTolerance defaults to half a tick. Use NoDueTolerance for none.
	DueTolerance   time.Duration
	MaxConcurrency int
	Now            func() time.Time
	Logger         zerolog.Logger
	Metrics        *telemetry.Metrics
}

// Scheduler periodically dispatches due schedules to a worker pool.
type Scheduler struct {
	schedules storage.ScheduleStore
	targets   TargetLookup
	runs      AttemptRecorder
	exec      Executor

	tick      time.Duration
	tolerance time.Duration
	now       func() time.Time
	log       zerolog.Logger
	metrics   *telemetry.Metrics

	pool     *WorkerPool
	inFlight *InFlight

	stopChan  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates a Scheduler and starts its workers. Call Start to begin ticking.
func New(deps Deps, opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	switch {
	case opts.DueTolerance == 0:
		opts.DueTolerance = opts.Tick / 2
	case opts.DueTolerance < 0:
		opts.DueTolerance = 0
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Scheduler{
		schedules: deps.Schedules,
		targets:   deps.Targets,
		runs:      deps.Runs,
		exec:      deps.Executor,
		tick:      opts.Tick,
		tolerance: opts.DueTolerance,
		now:       opts.Now,
		log:       opts.Logger.With().Str("component", "scheduler").Logger(),
		metrics:   opts.Metrics,
		inFlight:  NewInFlight(),
		stopChan:  make(chan struct{}),
	}
	s.pool = NewWorkerPool(opts.MaxConcurrency, s.execute)
	return s
}

// Start begins ticking. The first tick runs immediately. Store calls use ctx;
// executions use a copy of ctx that is never cancelled, so Stop lets them finish.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		select {
		case <-s.stopChan:
			return
		default:
		}
		s.log.Info().Dur("tick", s.tick).Dur("due_tolerance", s.tolerance).Msg("starting scheduler")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(s.tick)
			defer ticker.Stop()

			s.runTick(ctx)
			for {
				select {
				case <-ticker.C:
					s.runTick(ctx)
				case <-s.stopChan:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	})
}

// Stop ends the tick loop and waits for in-flight executions to be recorded.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		s.pool.Stop()
		s.log.Info().Msg("scheduler stopped")
	})
}

// runTick selects the due schedules at the current time and hands them to
// the pool. It never blocks on a ping.
func (s *Scheduler) runTick(ctx context.Context) {
	started := time.Now()
	now := s.now()

	active, expired, err := storage.ListActive(ctx, s.schedules, now)
	if err != nil {
		s.metrics.StoreError("list_active")
		s.log.Error().Err(err).Msg("failed to list active schedules")
		return
	}
	for _, sc := range expired {
		s.log.Info().Str("schedule_id", sc.ID).Time("ends_at", sc.EndsAt).Msg("schedule expired, paused")
	}
	s.metrics.Expired(len(expired))

	execCtx := context.WithoutCancel(ctx)
	var due, dispatched int
	for _, sc := range active {
		// Acquire before reading the last attempt so a finishing worker cannot
		// be counted twice.
		if !s.inFlight.Acquire(sc.ID) {
			s.metrics.Skipped(telemetry.SkipInFlight)
			continue
		}

		last, hasLast, err := s.runs.LastAttemptAt(ctx, sc.ID)
		if err != nil {
			s.inFlight.Release(sc.ID)
			s.metrics.StoreError("last_attempt_at")
			s.log.Error().Err(err).Str("schedule_id", sc.ID).Msg("failed to read last attempt")
			continue
		}
		if !IsDue(sc, last, hasLast, now, s.tolerance) {
			s.inFlight.Release(sc.ID)
			continue
		}
		due++

		if !s.pool.Submit(execCtx, sc) {
			s.inFlight.Release(sc.ID)
			s.metrics.Skipped(telemetry.SkipQueueFull)
			s.log.Warn().Str("schedule_id", sc.ID).Msg("worker queue full, deferring schedule to next tick")
			continue
		}
		dispatched++
		s.metrics.Dispatched()
	}

	s.metrics.ObserveTick(time.Since(started))
	s.log.Debug().
		Int("active", len(active)).
		Int("expired", len(expired)).
		Int("due", due).
		Int("dispatched", dispatched).
		Msg("tick")
}

// execute runs on a worker: resolve the target, ping it, record the attempt.
// Failures are logged and end this execution only.
func (s *Scheduler) execute(ctx context.Context, sc models.Schedule) {
	defer s.inFlight.Release(sc.ID)
	s.metrics.ExecutionStarted()
	defer s.metrics.ExecutionDone()

	log := s.log.With().Str("schedule_id", sc.ID).Str("target_id", sc.TargetID).Logger()

	target, err := s.targets.GetTarget(ctx, sc.TargetID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn().Msg("target not found, skipping execution")
		return
	}
	if err != nil {
		s.metrics.StoreError("get_target")
		log.Error().Err(err).Msg("failed to load target")
		return
	}

	attempt := s.exec.Execute(ctx, *target)

	run, err := s.runs.RecordAttempt(ctx, sc.ID, attempt)
	if err != nil {
		s.metrics.StoreError("record_attempt")
		log.Error().Err(err).Msg("failed to record attempt")
		return
	}

	ev := log.Debug().Str("run_id", run.ID).Float64("latency_ms", attempt.LatencyMS)
	if attempt.StatusCode != nil {
		ev = ev.Int("status_code", *attempt.StatusCode)
	}
	if attempt.ErrorType != models.ErrorNone {
		ev = ev.Str("error_type", string(attempt.ErrorType))
	}
	ev.Msg("attempt recorded")
}
