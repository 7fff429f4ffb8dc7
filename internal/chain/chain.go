// Package chain drives downstream activation and cycle validation: upstream-
// to-downstream activation with anchor snapshots and extrema back-fill, and
// a forward-walk cycle check on every write that sets next_strategy_id.
// There is no direct precedent for DAG-shaped activation in the source
// material this module is adapted from; grounded on the store's own
// strategies table (next_strategy_id as a directed edge) and on the nofx
// raw-SQL store's "load by id, mutate, save" shape.
package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/engineerrors"
	"github.com/atlas-desktop/trading-engine/internal/gateway"
	"github.com/atlas-desktop/trading-engine/internal/marketdata"
	"github.com/atlas-desktop/trading-engine/internal/store"
	"github.com/atlas-desktop/trading-engine/pkg/model"
)

// Activator drives downstream activation on an upstream trigger.
type Activator struct {
	logger *zap.Logger
	store  *store.Store
	cache  *marketdata.Cache
}

func New(logger *zap.Logger, st *store.Store, cache *marketdata.Cache) *Activator {
	return &Activator{logger: logger.Named("chain"), store: st, cache: cache}
}

// Activate performs the at-most-once chain activation for one trigger
// event: insert-if-absent the activation row, then walk downstream through
// PENDING_ACTIVATION -> VERIFYING -> ACTIVE, seeding anchor/extrema state.
// No-ops silently if the activation row already exists.
func (a *Activator) Activate(ctx context.Context, gw gateway.Gateway, upstream *model.Strategy, triggerEventID string, triggerTS time.Time) error {
	if upstream.NextStrategyID == "" {
		return nil
	}
	downstream, err := a.store.Get(ctx, upstream.NextStrategyID)
	if err != nil {
		return fmt.Errorf("load downstream strategy: %w", err)
	}

	inserted, err := a.store.InsertActivation(ctx, &model.ActivationEvent{
		From: upstream.ID, To: downstream.ID, TriggerEventID: triggerEventID,
		EffectiveActivatedAt: triggerTS,
	})
	if err != nil {
		return fmt.Errorf("insert activation: %w", err)
	}
	if !inserted {
		a.logger.Info("chain activation already recorded, no-op", zap.String("trigger_event_id", triggerEventID), zap.String("downstream", downstream.ID))
		return nil
	}

	if downstream.Status != model.StatusPendingActivation {
		return engineerrors.Inadmissible(string(downstream.Status), string(model.StatusVerifying))
	}

	verifying, err := a.store.Transition(ctx, downstream.ID, model.StatusPendingActivation, model.StatusVerifying, downstream.Version, nil)
	if err != nil {
		return fmt.Errorf("transition downstream to VERIFYING: %w", err)
	}

	now := time.Now().UTC()
	anchor := anchorPrice(a.cache, downstream)

	active, err := a.store.Transition(ctx, downstream.ID, model.StatusVerifying, model.StatusActive, verifying.Version, func(s *model.Strategy) error {
		s.LogicalActivatedAt = &triggerTS
		s.ActivatedAt = &now
		if s.ExpireMode == model.ExpireRelative {
			expireAt := now.Add(time.Duration(s.ExpireInSeconds) * time.Second)
			s.ExpireAt = &expireAt
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("transition downstream to ACTIVE: %w", err)
	}

	runtimeState := &model.StrategyRuntimeState{
		StrategyID:          active.ID,
		SinceActivationHigh: anchor,
		SinceActivationLow:  anchor,
		AnchorPrice:         anchor,
	}

	// "If activated_at > logical_activated_at, back-fill since_activation
	// high/low by replaying the market-data cache over the gap". The series
	// replayed must be the product the downstream's own condition watches,
	// not the product it trades - those differ for a strategy whose trigger
	// is on one symbol but whose order is on another.
	if now.After(triggerTS) {
		if contract, ok := monitoredContract(downstream); ok {
			bars, _, err := a.cache.GetHistoricalBars(ctx, contract, triggerTS, now, time.Minute, "TRADES", true, true, 0)
			if err == nil {
				for _, b := range bars {
					if b.High.GreaterThan(runtimeState.SinceActivationHigh) {
						runtimeState.SinceActivationHigh = b.High
					}
					if runtimeState.SinceActivationLow.IsZero() || b.Low.LessThan(runtimeState.SinceActivationLow) {
						runtimeState.SinceActivationLow = b.Low
					}
				}
			}
		}
	}

	if err := a.store.PutRuntimeState(ctx, runtimeState); err != nil {
		return fmt.Errorf("seed downstream runtime state: %w", err)
	}
	if err := a.store.AppendEvent(ctx, active.ID, "chain_activated", fmt.Sprintf("from=%s trigger_event_id=%s", upstream.ID, triggerEventID)); err != nil {
		a.logger.Warn("append chain activation event failed", zap.Error(err))
	}
	return nil
}

// anchorPrice reads the prevailing mid-price (latest cached close) for the
// product the downstream's own condition monitors, or zero if nothing is
// cached yet.
func anchorPrice(cache *marketdata.Cache, downstream *model.Strategy) decimal.Decimal {
	contract, ok := monitoredContract(downstream)
	if !ok {
		return decimal.Zero
	}
	if bar, ok := cache.Latest(contract, time.Minute); ok {
		return bar.Basis(model.BasisClose)
	}
	return decimal.Zero
}

// monitoredContract resolves the product the downstream's first condition
// watches (ProductA), falling back to its traded symbol only if it has no
// conditions of its own.
func monitoredContract(downstream *model.Strategy) (model.Contract, bool) {
	if len(downstream.Conditions) > 0 {
		p := downstream.Conditions[0].ProductA
		return model.Contract{Symbol: p.Symbol, SecType: p.SecType, Exchange: p.Exchange, Currency: p.Currency}, true
	}
	if len(downstream.Symbols) > 0 {
		sym := downstream.Symbols[0]
		return model.Contract{Symbol: sym.Symbol, SecType: sym.SecType, Exchange: sym.Exchange, Currency: downstream.Currency}, true
	}
	return model.Contract{}, false
}
