// Package recovery is the boot-time Recovery Loop: clears stale
// execution leases left behind by a crashed process, and reconciles
// ORDER_SUBMITTED strategies against the gateway's live view before the
// scheduler resumes scanning. Grounded on
// main.go boot sequencing ("load state, then start workers"), expressed
// here as a single function main.go calls before starting the scheduler.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/gateway"
	"github.com/atlas-desktop/trading-engine/internal/orders"
	"github.com/atlas-desktop/trading-engine/internal/store"
	"github.com/atlas-desktop/trading-engine/pkg/model"
)

// Run performs the boot-time recovery sequence:
//  1. clear any execution lease left held by a process that died mid-run;
//  2. reconcile every ORDER_SUBMITTED strategy's orders against the
//     gateway's current view, in case fills arrived while the engine was
//     down;
//  3. log the set of ACTIVE/PAUSED strategies the scheduler will resume
//     scanning.
func Run(ctx context.Context, logger *zap.Logger, st *store.Store, gw gateway.Gateway, submitter *orders.Submitter) error {
	logger = logger.Named("recovery")
	now := time.Now().UTC()

	cleared, err := st.ClearStaleLeases(ctx, now)
	if err != nil {
		return fmt.Errorf("clear stale leases: %w", err)
	}
	logger.Info("cleared stale leases", zap.Int64("count", cleared))

	submitted, err := st.OrderSubmittedStrategies(ctx)
	if err != nil {
		return fmt.Errorf("list order-submitted strategies: %w", err)
	}
	for _, strat := range submitted {
		if err := reconcileOne(ctx, logger, st, gw, submitter, strat); err != nil {
			logger.Warn("reconcile order-submitted strategy failed", zap.String("strategy_id", strat.ID), zap.Error(err))
		}
	}

	resumable, err := st.ActiveAndPausedStrategies(ctx)
	if err != nil {
		return fmt.Errorf("list active/paused strategies: %w", err)
	}
	logger.Info("recovery complete",
		zap.Int("order_submitted_reconciled", len(submitted)),
		zap.Int("resumable_strategies", len(resumable)),
	)
	return nil
}

// reconcileOne polls the gateway for every non-terminal leg of a strategy
// still ORDER_SUBMITTED at boot, applying any status it reports through
// the same Reconcile path the order submitter's live subscription uses.
func reconcileOne(ctx context.Context, logger *zap.Logger, st *store.Store, gw gateway.Gateway, submitter *orders.Submitter, strat *model.Strategy) error {
	legs, err := st.ListOrders(ctx, strat.ID)
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}
	for _, leg := range legs {
		if leg.IBOrderID == "" {
			continue
		}
		if leg.Status == model.OrderFilled || leg.Status == model.OrderCancelled || leg.Status == model.OrderRejected {
			continue
		}
		update, err := gw.OrderState(ctx, leg.IBOrderID)
		if err != nil {
			logger.Warn("gateway order state query failed", zap.String("ib_order_id", leg.IBOrderID), zap.Error(err))
			continue
		}
		if err := submitter.Reconcile(ctx, update); err != nil {
			logger.Warn("reconcile leg failed", zap.String("ib_order_id", leg.IBOrderID), zap.Error(err))
		}
	}
	return nil
}
