// Package orchestrator is the Trigger Orchestrator: it combines a
// strategy's per-condition results via AND/OR with WAITING propagation and
// drives the state machine on a combined TRUE. The two-phase "evaluate each
// source, then combine" shape carries over from the signal aggregation this
// engine's condition evaluation replaced, though the combinator itself is a
// strict boolean AND/OR rather than a weighted consensus score.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/condition"
	"github.com/atlas-desktop/trading-engine/internal/engineerrors"
	"github.com/atlas-desktop/trading-engine/internal/gateway"
	"github.com/atlas-desktop/trading-engine/internal/marketdata"
	"github.com/atlas-desktop/trading-engine/internal/metrics"
	"github.com/atlas-desktop/trading-engine/internal/store"
	"github.com/atlas-desktop/trading-engine/pkg/model"
	"github.com/atlas-desktop/trading-engine/pkg/utils"
)

// Verifier is the pre-trade-verification contract the orchestrator hands a
// combined-TRUE strategy off to. Defined here (not in package verify) to
// avoid an import cycle: verify depends on nothing in this package, but
// main.go wires them in this direction.
type Verifier interface {
	Verify(ctx context.Context, strategyID, triggerEventID string, expectedVersion int64) error
}

// ChainActivator is the downstream-activation contract the orchestrator hands a trigger event
// to, independently of verification outcome: downstream activation fires
// off the trigger itself, not off whether the upstream's own order later
// passes verification.
type ChainActivator interface {
	Activate(ctx context.Context, gw gateway.Gateway, upstream *model.Strategy, triggerEventID string, triggerTS time.Time) error
}

// Orchestrator combines condition results and drives ACTIVE -> TRIGGERED.
type Orchestrator struct {
	logger   *zap.Logger
	store    *store.Store
	cache    *marketdata.Cache
	rules    model.ConditionRulesConfig
	verifier Verifier
	chain    ChainActivator
	metrics  *metrics.Registry
}

// New builds an Orchestrator. rules is the immutable condition-rules
// snapshot pinned at run start. chain may be nil for
// strategies that never set next_strategy_id.
func New(logger *zap.Logger, st *store.Store, cache *marketdata.Cache, rules model.ConditionRulesConfig, verifier Verifier, chain ChainActivator, reg *metrics.Registry) *Orchestrator {
	return &Orchestrator{logger: logger.Named("orchestrator"), store: st, cache: cache, rules: rules, verifier: verifier, chain: chain, metrics: reg}
}

// Outcome is the combined result of one strategy run.
type Outcome struct {
	Combined       model.ConditionState
	Reason         string
	TriggerEventID string
}

// Run evaluates every condition on st, combines per condition_logic, and on
// combined TRUE transitions ACTIVE -> TRIGGERED and hands off to verification.
func (o *Orchestrator) Run(ctx context.Context, gw gateway.Gateway, st *model.Strategy) (Outcome, error) {
	runtimeState, err := o.store.GetRuntimeState(ctx, st.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load runtime state: %w", err)
	}

	results := make([]condition.Result, 0, len(st.Conditions))
	for _, cond := range st.Conditions {
		prepared, err := condition.Prepare(cond, o.rules)
		if err != nil {
			return Outcome{}, fmt.Errorf("prepare condition %s: %w", cond.ConditionID, err)
		}

		now := time.Now().UTC()
		start := now.Add(-prepared.Requirement.Span * 2)
		barsA, _, err := o.cache.GetHistoricalBars(ctx, prepared.Requirement.ContractA, start, now, prepared.Requirement.BarSize, "TRADES", prepared.Requirement.UseRTH, prepared.Requirement.IncludePartialBar, 0)
		if err != nil {
			return Outcome{}, fmt.Errorf("fetch bars for %s: %w", cond.ConditionID, err)
		}
		var barsB []model.Bar
		if prepared.Requirement.ContractB != nil {
			barsB, _, err = o.cache.GetHistoricalBars(ctx, *prepared.Requirement.ContractB, start, now, prepared.Requirement.BarSize, "TRADES", prepared.Requirement.UseRTH, prepared.Requirement.IncludePartialBar, 0)
			if err != nil {
				return Outcome{}, fmt.Errorf("fetch pair bars for %s: %w", cond.ConditionID, err)
			}
		}

		result, err := condition.Evaluate(condition.Inputs{Prepared: prepared, BarsA: barsA, BarsB: barsB, Runtime: runtimeState})
		if err != nil {
			// A rejected (missing_data_policy=reject) evaluation surfaces as
			// a runtime error event but must not transition the strategy.
			o.store.AppendEvent(ctx, st.ID, "condition_error", fmt.Sprintf("%s: %v", cond.ConditionID, err))
			return Outcome{}, err
		}
		results = append(results, result)
		if o.metrics != nil {
			o.metrics.ConditionsEvaluated.WithLabelValues(string(result.State)).Inc()
		}

		if err := o.store.PutConditionState(ctx, &model.ConditionRuntimeState{
			StrategyID: st.ID, ConditionID: cond.ConditionID, State: result.State,
			LastValue: result.ObservedValue, LastEvaluatedAt: now, Reason: result.Reason,
		}); err != nil {
			return Outcome{}, fmt.Errorf("persist condition state: %w", err)
		}
	}

	combined, reason := combine(st.ConditionLogic, results)
	outcome := Outcome{Combined: combined, Reason: reason}
	if combined != model.ConditionTrue {
		return outcome, nil
	}

	triggerEventID := utils.GenerateTriggerEventID()
	outcome.TriggerEventID = triggerEventID

	triggered, err := o.store.Transition(ctx, st.ID, model.StatusActive, model.StatusTriggered, st.Version, nil)
	if err != nil {
		if engineerrors.Is(err, engineerrors.CodeInadmissible) {
			// Someone else already moved the strategy off ACTIVE; this run
			// yields without treating it as an error.
			o.logger.Info("trigger lost race, strategy already transitioned", zap.String("strategy_id", st.ID))
			return outcome, nil
		}
		return outcome, fmt.Errorf("transition to TRIGGERED: %w", err)
	}
	if err := o.store.AppendEvent(ctx, st.ID, "triggered", fmt.Sprintf("trigger_event_id=%s reason=%s", triggerEventID, reason)); err != nil {
		o.logger.Warn("append trigger event failed", zap.Error(err))
	}
	if o.metrics != nil {
		o.metrics.Triggers.Inc()
	}

	triggerTS := time.Now().UTC()
	if o.chain != nil && st.NextStrategyID != "" {
		chainErr := o.chain.Activate(ctx, gw, triggered, triggerEventID, triggerTS)
		if o.metrics != nil {
			outcome := "ok"
			if chainErr != nil {
				outcome = "error"
			}
			o.metrics.ChainActivations.WithLabelValues(outcome).Inc()
		}
		if chainErr != nil {
			o.logger.Warn("chain activation failed", zap.String("strategy_id", st.ID), zap.Error(chainErr))
		}
	}

	// A chain-only strategy (no trade_action) has nothing for verification
	// or order submission to act on: it closes out TRIGGERED -> FILLED here
	// rather than being handed to the verifier, which would otherwise reject
	// it for having no trade to check.
	if st.TradeAction == nil {
		if _, err := o.store.Transition(ctx, st.ID, model.StatusTriggered, model.StatusFilled, triggered.Version, nil); err != nil {
			if !engineerrors.Is(err, engineerrors.CodeInadmissible) {
				o.logger.Warn("close chain-only strategy failed", zap.String("strategy_id", st.ID), zap.Error(err))
			}
		} else if err := o.store.AppendEvent(ctx, st.ID, "filled", "trade_action empty, chain-only strategy closed"); err != nil {
			o.logger.Warn("append filled event failed", zap.Error(err))
		}
		return outcome, nil
	}

	if o.verifier != nil {
		if err := o.verifier.Verify(ctx, st.ID, triggerEventID, triggered.Version); err != nil {
			o.logger.Warn("verification handoff failed", zap.String("strategy_id", st.ID), zap.Error(err))
		}
	}
	return outcome, nil
}

// AsRunner adapts Orchestrator to the scheduler's Runner contract, which
// is intentionally opaque to this package's Outcome type so the scheduler
// never needs to import orchestrator.
func (o *Orchestrator) AsRunner() runnerFunc {
	return func(ctx context.Context, gw gateway.Gateway, st *model.Strategy) (model.ConditionState, string, error) {
		outcome, err := o.Run(ctx, gw, st)
		return outcome.Combined, outcome.Reason, err
	}
}

type runnerFunc func(ctx context.Context, gw gateway.Gateway, st *model.Strategy) (model.ConditionState, string, error)

func (f runnerFunc) Run(ctx context.Context, gw gateway.Gateway, st *model.Strategy) (model.ConditionState, string, error) {
	return f(ctx, gw, st)
}

// combine applies condition_logic with WAITING propagation:
// AND short-circuits on FALSE; OR short-circuits on TRUE. WAITING
// propagates for AND unless a FALSE was observed, and for OR unless a TRUE
// was observed.
func combine(logic model.ConditionLogic, results []condition.Result) (model.ConditionState, string) {
	if len(results) == 0 {
		return model.ConditionNotEvaluated, "no conditions"
	}
	sawWaiting := false
	switch logic {
	case model.LogicAND:
		for _, r := range results {
			if r.State == model.ConditionFalse {
				return model.ConditionFalse, "AND short-circuited on FALSE: " + r.Reason
			}
			if r.State == model.ConditionWaiting {
				sawWaiting = true
			}
		}
		if sawWaiting {
			return model.ConditionWaiting, "AND waiting on at least one condition"
		}
		return model.ConditionTrue, "all conditions TRUE"

	case model.LogicOR:
		for _, r := range results {
			if r.State == model.ConditionTrue {
				return model.ConditionTrue, "OR short-circuited on TRUE: " + r.Reason
			}
			if r.State == model.ConditionWaiting {
				sawWaiting = true
			}
		}
		if sawWaiting {
			return model.ConditionWaiting, "OR waiting on at least one condition"
		}
		return model.ConditionFalse, "all conditions FALSE"

	default:
		return model.ConditionFalse, "unknown condition_logic"
	}
}
