// Package expiry is the Expiry & Roll Handler: a periodic sweep that
// closes out strategies whose expire_at has passed, with different
// dispositions depending on lifecycle status at expiry. Grounded on the
// scheduler's own cron-driven sweep shape (github.com/robfig/cron/v3),
// applied here to a second, independent cadence, and on
// internal/workers.BatchProcessor for bounding how many dispositions run
// concurrently per sweep tick.
package expiry

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

// disposeBatchSize bounds how many expiring strategies are disposed of
// concurrently within one sweep tick.
const disposeBatchSize = 50

// Handler sweeps expiring strategies on a fixed cadence.
type Handler struct {
	logger  *zap.Logger
	store   *store.Store
	gw      gateway.Gateway
	cron    *cron.Cron
	metrics *metrics.Registry
	pool    *workers.Pool
	batch   *workers.BatchProcessor
}

// New builds a Handler and starts its disposal pool immediately: unlike
// the cron cadence, the pool has no ctx-bound work of its own and SweepOnce
// may run (e.g. from a test) before Start is ever called.
func New(logger *zap.Logger, st *store.Store, gw gateway.Gateway, reg *metrics.Registry) *Handler {
	logger = logger.Named("expiry")
	pool := workers.NewPool(logger, workers.DefaultPoolConfig("expiry-sweep"))
	pool.Start()
	return &Handler{
		logger: logger, store: st, gw: gw, cron: cron.New(cron.WithSeconds()), metrics: reg,
		pool: pool, batch: workers.NewBatchProcessor(pool, disposeBatchSize),
	}
}

// Start schedules SweepOnce every intervalSeconds on the cron cadence.
func (h *Handler) Start(ctx context.Context, intervalSeconds int) error {
	spec := fmt.Sprintf("@every %ds", intervalSeconds)
	if _, err := h.cron.AddFunc(spec, func() { h.SweepOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule expiry sweep: %w", err)
	}
	h.cron.Start()
	h.logger.Info("expiry handler started", zap.Int("interval_seconds", intervalSeconds))
	return nil
}

func (h *Handler) Stop() {
	<-h.cron.Stop().Done()
	if err := h.pool.Stop(); err != nil {
		h.logger.Warn("disposal pool stop", zap.Error(err))
	}
}

// SweepOnce disposes of every strategy whose expire_at has passed:
//   - PENDING_ACTIVATION/VERIFY_FAILED/ACTIVE/PAUSED/TRIGGERED
//     transition straight to EXPIRED.
//   - VERIFYING has no admissible transition to EXPIRED and is skipped.
//   - ORDER_SUBMITTED either cancels the live order (cancel_on_expiry) or
//     is left to finish under gateway tracking (not cancel_on_expiry).
//
// Dispositions run through a BatchProcessor so a sweep with many due
// strategies doesn't serialize one gateway round-trip after another.
func (h *Handler) SweepOnce(ctx context.Context) {
	if h.metrics != nil {
		h.metrics.ExpirySweeps.Inc()
	}
	now := time.Now().UTC()
	due, err := h.store.ExpiringBefore(ctx, now)
	if err != nil {
		h.logger.Error("expiring-before query failed", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}
	items := make([]interface{}, len(due))
	for i, st := range due {
		items[i] = st
	}
	if err := h.batch.ProcessBatch(items, func(item interface{}) error {
		st := item.(*model.Strategy)
		if err := h.disposeOne(ctx, st); err != nil {
			h.logger.Warn("dispose expiring strategy failed", zap.String("strategy_id", st.ID), zap.Error(err))
			return err
		}
		return nil
	}); err != nil {
		h.logger.Warn("sweep batch completed with errors", zap.Error(err))
	}
}

func (h *Handler) disposeOne(ctx context.Context, st *model.Strategy) error {
	switch st.Status {
	case model.StatusOrderSubmitted:
		return h.disposeOrderSubmitted(ctx, st)
	default:
		if !store.Admissible(st.Status, model.StatusExpired) {
			return nil
		}
		if _, err := h.store.Transition(ctx, st.ID, st.Status, model.StatusExpired, st.Version, nil); err != nil {
			if engineerrors.Is(err, engineerrors.CodeInadmissible) {
				return nil
			}
			return fmt.Errorf("transition to EXPIRED: %w", err)
		}
		if h.metrics != nil {
			h.metrics.ExpiryDispositions.WithLabelValues("expired").Inc()
		}
		return h.store.AppendEvent(ctx, st.ID, "expired", fmt.Sprintf("expire_at=%s", formatPtr(st.ExpireAt)))
	}
}

// disposeOrderSubmitted handles expiry of a strategy with a live order.
// cancel_on_expiry cancels every non-terminal leg with the gateway and
// transitions to CANCELLED; otherwise the strategy is left ORDER_SUBMITTED
// so the order submitter and boot recovery can continue tracking it to a
// natural fill or broker cancel.
func (h *Handler) disposeOrderSubmitted(ctx context.Context, st *model.Strategy) error {
	if st.TradeAction == nil || !st.TradeAction.CancelOnExpiry {
		h.logger.Info("order-submitted strategy expired, left for gateway tracking", zap.String("strategy_id", st.ID))
		return nil
	}

	legs, err := h.store.ListOrders(ctx, st.ID)
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}
	for _, leg := range legs {
		if leg.Status == model.OrderFilled || leg.Status == model.OrderCancelled || leg.Status == model.OrderRejected {
			continue
		}
		if leg.IBOrderID == "" {
			continue
		}
		if err := h.gw.CancelOrder(ctx, leg.IBOrderID); err != nil {
			h.logger.Warn("gateway cancel failed", zap.String("strategy_id", st.ID), zap.String("ib_order_id", leg.IBOrderID), zap.Error(err))
			continue
		}
		if err := h.store.UpdateOrderStatus(ctx, leg.ID, model.OrderCancelled, leg.FilledQty, leg.AvgFillPrice); err != nil {
			h.logger.Warn("mark leg cancelled failed", zap.Error(err))
		}
	}

	if !store.Admissible(model.StatusOrderSubmitted, model.StatusCancelled) {
		return nil
	}
	if _, err := h.store.Transition(ctx, st.ID, model.StatusOrderSubmitted, model.StatusCancelled, st.Version, nil); err != nil {
		if engineerrors.Is(err, engineerrors.CodeInadmissible) {
			return nil
		}
		return fmt.Errorf("transition to CANCELLED on expiry: %w", err)
	}
	if h.metrics != nil {
		h.metrics.ExpiryDispositions.WithLabelValues("cancelled").Inc()
	}
	return h.store.AppendEvent(ctx, st.ID, "expired_cancelled", "cancel_on_expiry=true")
}

func formatPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
