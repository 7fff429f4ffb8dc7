// Package scheduler is the Scheduler / Worker Pool: it scans the
// store on a fixed cadence for strategies due for evaluation, fans each out
// onto a bounded worker pool, and records one strategy_runs row per attempt.
// Grounded on internal/workers.Pool for the bounded-concurrency shape and
// github.com/robfig/cron/v3 for cadence scheduling, in place of a
// hand-rolled ticker.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/engineerrors"
	"github.com/atlas-desktop/trading-engine/internal/gateway"
	"github.com/atlas-desktop/trading-engine/internal/metrics"
	"github.com/atlas-desktop/trading-engine/internal/store"
	"github.com/atlas-desktop/trading-engine/internal/workers"
	"github.com/atlas-desktop/trading-engine/pkg/model"
)

// Runner evaluates one due strategy. Implemented by the orchestrator;
// the returned value is opaque here so the scheduler never needs to
// import the orchestrator package.
type Runner interface {
	Run(ctx context.Context, gw gateway.Gateway, st *model.Strategy) (combined model.ConditionState, reason string, err error)
}

// Scheduler owns the scan cadence and the bounded worker pool that
// executes each due strategy's run.
type Scheduler struct {
	logger  *zap.Logger
	store   *store.Store
	gw      gateway.Gateway
	runner  Runner
	pool    *workers.Pool
	cron    *cron.Cron
	lease   time.Duration
	metrics *metrics.Registry
}

// Config pins the worker.* snapshot this scheduler was started with.
type Config struct {
	IntervalSeconds int
	NumWorkers      int
	QueueSize       int
	LeaseDuration   time.Duration
}

// maxScanBatch bounds how many strategies one scan tick pulls off the
// store; remaining due strategies simply pick up on the next tick.
const maxScanBatch = 10000

func New(logger *zap.Logger, st *store.Store, gw gateway.Gateway, runner Runner, cfg Config, reg *metrics.Registry) *Scheduler {
	logger = logger.Named("scheduler")
	poolCfg := workers.DefaultPoolConfig("strategy-scan")
	if cfg.NumWorkers > 0 {
		poolCfg.NumWorkers = cfg.NumWorkers
	}
	if cfg.QueueSize > 0 {
		poolCfg.QueueSize = cfg.QueueSize
	}
	lease := cfg.LeaseDuration
	if lease <= 0 {
		lease = 2 * time.Duration(cfg.IntervalSeconds) * time.Second
	}
	return &Scheduler{
		logger: logger, store: st, gw: gw, runner: runner,
		pool:    workers.NewPool(logger, poolCfg),
		cron:    cron.New(cron.WithSeconds()),
		lease:   lease,
		metrics: reg,
	}
}

// Start launches the worker pool and schedules a scan every
// clampedIntervalSeconds via cron. Start does not clamp the value itself;
// main.go passes WorkerConfig.ClampedMonitorInterval, which is in [20,300].
func (s *Scheduler) Start(ctx context.Context, clampedIntervalSeconds int) error {
	s.pool.Start()
	spec := fmt.Sprintf("@every %ds", clampedIntervalSeconds)
	_, err := s.cron.AddFunc(spec, func() { s.scanOnce(ctx) })
	if err != nil {
		return fmt.Errorf("schedule scan cadence: %w", err)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("interval_seconds", clampedIntervalSeconds))
	return nil
}

// Stop halts the cron cadence and drains the worker pool.
func (s *Scheduler) Stop() {
	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	if err := s.pool.Stop(); err != nil {
		s.logger.Warn("worker pool stop", zap.Error(err))
	}
}

// scanOnce lists every due strategy and submits one task per strategy to
// the pool; a strategy whose lease is still held by another scan is simply
// absent from DueForScan's result and skipped for this tick.
func (s *Scheduler) scanOnce(ctx context.Context) {
	now := time.Now().UTC()
	ids, err := s.store.DueForScan(ctx, now, maxScanBatch)
	if err != nil {
		s.logger.Error("due-for-scan query failed", zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.DueStrategies.Set(float64(len(ids)))
	}
	for _, id := range ids {
		id := id
		if err := s.pool.SubmitFunc(func() error { return s.runOne(ctx, id) }); err != nil {
			s.logger.Warn("submit scan task failed", zap.String("strategy_id", id), zap.Error(err))
		}
	}
}

// runOne acquires an execution lease, runs the strategy, records a
// strategy_runs row, and releases the lease.
func (s *Scheduler) runOne(ctx context.Context, strategyID string) error {
	owner := "scheduler"
	lockUntil := time.Now().UTC().Add(s.lease)
	if err := s.store.AcquireLease(ctx, strategyID, owner, lockUntil); err != nil {
		if engineerrors.Is(err, engineerrors.CodeStrategyLocked) {
			return nil
		}
		return err
	}
	defer func() {
		if err := s.store.ReleaseLease(ctx, strategyID, owner); err != nil {
			s.logger.Warn("release lease failed", zap.String("strategy_id", strategyID), zap.Error(err))
		}
	}()

	started := time.Now().UTC()
	st, err := s.store.Get(ctx, strategyID)
	if err != nil {
		return s.recordRun(ctx, strategyID, started, false, err.Error())
	}
	if st.Status != model.StatusActive {
		return s.recordRun(ctx, strategyID, started, false, fmt.Sprintf("skipped: status=%s", st.Status))
	}

	combined, reason, runErr := s.runner.Run(ctx, s.gw, st)
	if runErr != nil {
		return s.recordRun(ctx, strategyID, started, false, runErr.Error())
	}
	return s.recordRun(ctx, strategyID, started, combined == model.ConditionTrue, reason)
}

// recordRun persists one strategy_runs row and proposes a next-monitor
// time at the scheduler's fixed cadence off the lease duration.
func (s *Scheduler) recordRun(ctx context.Context, strategyID string, started time.Time, conditionMet bool, reason string) error {
	err := s.store.RecordRun(ctx, &model.StrategyRun{
		StrategyID: strategyID, EvaluatedAt: started,
		SuggestedNextMonitorAt: started.Add(s.lease / 2),
		ConditionMet:           conditionMet,
		DecisionReason:         reason,
	})
	if err != nil {
		s.logger.Error("record run failed", zap.String("strategy_id", strategyID), zap.Error(err))
	}
	if s.metrics != nil {
		outcome := "not_met"
		if conditionMet {
			outcome = "met"
		}
		if err != nil {
			outcome = "error"
		}
		s.metrics.StrategyRuns.WithLabelValues(outcome).Inc()
	}
	return err
}
