package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/model"
)

// Runner runs one invocation for a row.
type Runner interface {
	Run(ctx context.Context, ref model.ExecutionRef) (model.RunResult, error)
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Interval      time.Duration
	BatchSize     int
	Concurrency   int
	IncludeFailed bool
	Logger        *zap.Logger
	Metrics       *observability.Metrics
	Now           func() time.Time
}

// Scheduler periodically finds rows whose yield has elapsed and runs them.
// A row is never run twice concurrently by the same scheduler; across
// processes the run lock keeps them apart.
type Scheduler struct {
	store    StatusStore
	runner   Runner
	opts     SchedulerOptions
	inflight sync.Map
}

// NewScheduler creates a new scheduler.
func NewScheduler(store StatusStore, runner Runner, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{store: store, runner: runner, opts: opts}
}

// Start runs passes every interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.opts.Logger.Error("scheduler pass failed", zap.Error(err))
			}
		}
	}
}

// Tick performs one pass and returns the number of runs it started. Run
// errors are logged, not returned; only the scan itself can fail a pass.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.pass")

	due, err := s.store.FindDue(ctx, s.opts.Now().UTC(), model.DueFilters{
		IncludeFailed: s.opts.IncludeFailed,
		Limit:         s.opts.BatchSize,
	})
	span.SetAttributes(observability.AttrDueCount.Int(len(due)))
	if err != nil {
		observability.EndSpanWithError(span, err)
		return 0, err
	}
	defer span.End()

	var (
		started, ok, failed atomic.Int64
		g                   errgroup.Group
	)
	g.SetLimit(s.opts.Concurrency)

	for _, st := range due {
		ref := st.Ref()
		key := ref.String()
		if _, busy := s.inflight.LoadOrStore(key, struct{}{}); busy {
			continue
		}
		started.Add(1)
		g.Go(func() error {
			defer s.inflight.Delete(key)
			if s.run(ctx, ref) {
				ok.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.opts.Metrics.RecordSchedulerPass(int(ok.Load()), int(failed.Load()))
	if n := started.Load(); n > 0 {
		s.opts.Logger.Debug("scheduler pass finished",
			zap.Int("due", len(due)),
			zap.Int64("started", n),
			zap.Int64("failed", failed.Load()),
		)
	}
	return int(started.Load()), nil
}

// run reports whether the invocation went through. A busy lock means some
// other runner has the row, which counts as success.
func (s *Scheduler) run(ctx context.Context, ref model.ExecutionRef) bool {
	_, err := s.runner.Run(ctx, ref)
	if err == nil {
		return true
	}
	if model.IsCode(err, model.ErrLockBusy) {
		s.opts.Logger.Debug("row busy, skipping", zap.Stringer("execution", ref))
		return true
	}
	var sf *model.StepFailure
	if errors.As(err, &sf) {
		// Already recorded on the row.
		s.opts.Logger.Warn("scheduled run failed",
			zap.Stringer("execution", ref),
			zap.String("code", sf.Code),
			zap.Int("return_code", sf.ReturnCode),
		)
		return false
	}
	s.opts.Logger.Error("scheduled run error", zap.Stringer("execution", ref), zap.Error(err))
	return false
}
