// Package orders is the Order Submitter: turns a verified trigger into
// one or more gateway order legs, tracks their lifecycle through to a
// terminal fill/cancel, and closes the strategy's lifecycle accordingly.
// The "build payload, submit, track by broker id" shape carries over from
// this engine's earlier managed-order bookkeeping, reworked around the
// store's trade_id-keyed Order/TradeInstruction rows instead of an
// in-memory order book.
package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/engineerrors"
	"github.com/atlas-desktop/trading-engine/internal/gateway"
	"github.com/atlas-desktop/trading-engine/internal/metrics"
	"github.com/atlas-desktop/trading-engine/internal/store"
	"github.com/atlas-desktop/trading-engine/pkg/model"
	"github.com/atlas-desktop/trading-engine/pkg/utils"
)

// Submitter builds and places the gateway order(s) for a verified trigger,
// implementing the verify.Submitter contract.
type Submitter struct {
	logger  *zap.Logger
	store   *store.Store
	gw      gateway.Gateway
	metrics *metrics.Registry
}

func New(logger *zap.Logger, st *store.Store, gw gateway.Gateway, reg *metrics.Registry) *Submitter {
	return &Submitter{logger: logger.Named("orders"), store: st, gw: gw, metrics: reg}
}

// Submit builds every leg implied by the strategy's trade_action, inserts
// them atomically via store.SubmitOrder (TRIGGERED -> ORDER_SUBMITTED, at
// most once), then places each leg with the gateway. A FUT_ROLL emits a
// close leg and an open leg together, as a single one-shot batch: the
// store's at-most-one-order guard prevents the roll from ever being
// re-submitted, so there is no separate "rolled" flag to check here.
func (s *Submitter) Submit(ctx context.Context, strategyID, tradeID, triggerEventID string, expectedVersion int64) error {
	st, err := s.store.Get(ctx, strategyID)
	if err != nil {
		return fmt.Errorf("load strategy: %w", err)
	}
	if st.TradeAction == nil {
		return engineerrors.Validation("strategy %s triggered with no trade_action", strategyID)
	}

	legs, err := buildLegs(st, tradeID)
	if err != nil {
		return fmt.Errorf("build order legs: %w", err)
	}

	instruction := &model.TradeInstruction{
		TradeID:            tradeID,
		StrategyID:         st.ID,
		InstructionSummary: summarize(st, legs),
		Status:             model.OrderPending,
	}
	if st.TradeAction.CancelOnExpiry && st.ExpireAt != nil {
		instruction.ExpireAt = st.ExpireAt
	}

	submitted, err := s.store.SubmitOrder(ctx, st.ID, expectedVersion, legs, instruction)
	if err != nil {
		return fmt.Errorf("submit order: %w", err)
	}
	if s.metrics != nil {
		s.metrics.OrdersSubmitted.WithLabelValues(string(st.TradeAction.Kind)).Add(float64(len(legs)))
	}

	for _, leg := range legs {
		payload := gateway.OrderPayload{
			TradeID:        tradeID,
			StrategyID:     st.ID,
			Symbol:         leg.Symbol,
			SecType:        st.SecType,
			Exchange:       st.Exchange,
			Currency:       st.Currency,
			Side:           leg.Side,
			OrderType:      leg.OrderType,
			Quantity:       leg.Quantity,
			LimitPrice:     leg.LimitPrice,
			AllowOvernight: st.TradeAction.AllowOvernight,
		}
		ibOrderID, err := s.gw.SubmitOrder(ctx, payload)
		if err != nil {
			s.logger.Error("gateway rejected order leg", zap.String("strategy_id", st.ID), zap.String("leg", leg.Leg), zap.Error(err))
			if updErr := s.store.UpdateOrderStatus(ctx, leg.ID, model.OrderRejected, decimal.Zero, decimal.Zero); updErr != nil {
				s.logger.Warn("mark leg rejected failed", zap.Error(updErr))
			}
			continue
		}
		leg.IBOrderID = ibOrderID
		if err := s.store.UpdateOrderStatus(ctx, leg.ID, model.OrderWorking, decimal.Zero, decimal.Zero); err != nil {
			s.logger.Warn("mark leg working failed", zap.Error(err))
		}
	}

	s.logger.Info("order submitted", zap.String("strategy_id", st.ID), zap.String("trade_id", tradeID), zap.Int("legs", len(legs)), zap.Int64("version", submitted.Version))
	return nil
}

// buildLegs expands a Strategy's trade_action + ordered symbols into
// concrete order rows. STOCK_TRADE/FUT_POSITION produce one leg per
// non-"ref" symbol; FUT_ROLL produces exactly two: close the near
// contract, open the far one.
func buildLegs(st *model.Strategy, tradeID string) ([]*model.Order, error) {
	action := st.TradeAction
	switch action.Kind {
	case model.ActionFutRoll:
		if len(st.Symbols) == 0 {
			return nil, engineerrors.Validation("FUT_ROLL requires at least one symbol")
		}
		near := st.Symbols[0]
		far := action.FarSymbol
		if far == "" {
			return nil, engineerrors.Validation("FUT_ROLL requires trade_action.far_symbol")
		}
		closeLeg := &model.Order{
			ID: utils.GenerateOrderID(), StrategyID: st.ID, TradeID: tradeID,
			Leg: "close", Symbol: near.Symbol, Side: model.ChildClose, OrderType: action.OrderType,
			Quantity: action.Quantity, LimitPrice: action.LimitPrice, Status: model.OrderPending,
			FilledQty: decimal.Zero, AvgFillPrice: decimal.Zero,
		}
		openLeg := &model.Order{
			ID: utils.GenerateOrderID(), StrategyID: st.ID, TradeID: tradeID,
			Leg: "open", Symbol: far, Side: model.ChildOpen, OrderType: action.OrderType,
			Quantity: action.Quantity, LimitPrice: action.FarLimitPrice, Status: model.OrderPending,
			FilledQty: decimal.Zero, AvgFillPrice: decimal.Zero,
		}
		return []*model.Order{closeLeg, openLeg}, nil

	case model.ActionStockTrade, model.ActionFutPosition:
		var legs []*model.Order
		for _, sym := range st.Symbols {
			if sym.TradeType == model.ChildRef {
				continue
			}
			legs = append(legs, &model.Order{
				ID: utils.GenerateOrderID(), StrategyID: st.ID, TradeID: tradeID,
				Leg: "single", Symbol: sym.Symbol, Side: sym.TradeType, OrderType: action.OrderType,
				Quantity: action.Quantity, LimitPrice: action.LimitPrice, Status: model.OrderPending,
				FilledQty: decimal.Zero, AvgFillPrice: decimal.Zero,
			})
		}
		if len(legs) == 0 {
			return nil, engineerrors.Validation("trade_action produced no tradeable legs")
		}
		return legs, nil

	default:
		return nil, engineerrors.Validation("unknown trade_action.kind %q", action.Kind)
	}
}

func summarize(st *model.Strategy, legs []*model.Order) string {
	if len(legs) == 1 {
		return fmt.Sprintf("%s %s x%s", legs[0].Side, legs[0].Symbol, legs[0].Quantity.String())
	}
	return fmt.Sprintf("%s roll: close %s, open %s, x%s", st.TradeAction.Kind, legs[0].Symbol, legs[1].Symbol, legs[0].Quantity.String())
}

// Reconcile applies one gateway-reported status update: updates the order
// row, and on a terminal status (FILLED/CANCELLED/REJECTED) closes the
// strategy's lifecycle once every leg of the trade has reached a terminal
// state.
func (s *Submitter) Reconcile(ctx context.Context, update gateway.OrderStatusUpdate) error {
	order, err := s.orderByIBID(ctx, update.IBOrderID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateOrderStatus(ctx, order.ID, update.Status, update.FilledQty, update.AvgFillPrice); err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if err := s.store.AppendTradeLog(ctx, &model.TradeLog{
		StrategyID: order.StrategyID, TradeID: order.TradeID, Stage: "fill",
		Message: fmt.Sprintf("%s %s filled=%s avg=%s reason=%s", order.Leg, update.Status, update.FilledQty.String(), update.AvgFillPrice.String(), update.Reason),
	}); err != nil {
		s.logger.Warn("append trade log failed", zap.Error(err))
	}

	if update.Status != model.OrderFilled && update.Status != model.OrderCancelled && update.Status != model.OrderRejected {
		return nil
	}
	if s.metrics != nil {
		s.metrics.OrdersTerminal.WithLabelValues(string(update.Status)).Inc()
	}
	return s.maybeCloseStrategy(ctx, order.StrategyID)
}

func (s *Submitter) orderByIBID(ctx context.Context, ibOrderID string) (*model.Order, error) {
	order, err := s.store.GetOrderByIBOrderID(ctx, ibOrderID)
	if err != nil {
		return nil, err
	}
	return order, nil
}

// maybeCloseStrategy closes ORDER_SUBMITTED once every leg of the
// strategy's single trade has reached a terminal gateway status: to FILLED
// if any leg filled, else to CANCELLED.
func (s *Submitter) maybeCloseStrategy(ctx context.Context, strategyID string) error {
	legs, err := s.store.ListOrders(ctx, strategyID)
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}
	allTerminal := true
	anyFilled := false
	for _, leg := range legs {
		switch leg.Status {
		case model.OrderFilled:
			anyFilled = true
		case model.OrderCancelled, model.OrderRejected:
		default:
			allTerminal = false
		}
	}
	if !allTerminal {
		return nil
	}

	st, err := s.store.Get(ctx, strategyID)
	if err != nil {
		return fmt.Errorf("load strategy: %w", err)
	}
	if st.Status != model.StatusOrderSubmitted {
		return nil
	}

	target := model.StatusCancelled
	if anyFilled {
		target = model.StatusFilled
	}
	if !store.Admissible(model.StatusOrderSubmitted, target) {
		return nil
	}
	if _, err := s.store.Transition(ctx, strategyID, model.StatusOrderSubmitted, target, st.Version, nil); err != nil {
		if engineerrors.Is(err, engineerrors.CodeInadmissible) {
			return nil
		}
		return fmt.Errorf("close strategy lifecycle: %w", err)
	}
	if err := s.store.AppendEvent(ctx, strategyID, "order_closed", fmt.Sprintf("final_status=%s at=%s", target, time.Now().UTC().Format(time.RFC3339))); err != nil {
		s.logger.Warn("append order-closed event failed", zap.Error(err))
	}
	return nil
}
