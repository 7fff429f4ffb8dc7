package expiry_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/expiry"
	"github.com/atlas-desktop/trading-engine/internal/gateway"
	"github.com/atlas-desktop/trading-engine/internal/store"
	"github.com/atlas-desktop/trading-engine/pkg/model"
)

// cancellingGateway is a minimal gateway.Gateway stub that tracks which
// ib_order_ids have been cancelled, unlike the paper gateway which fills
// every order immediately and so never leaves one in a cancellable state.
type cancellingGateway struct {
	gateway.Gateway
	cancelled map[string]bool
}

func newCancellingGateway() *cancellingGateway {
	return &cancellingGateway{cancelled: make(map[string]bool)}
}

func (g *cancellingGateway) CancelOrder(ctx context.Context, ibOrderID string) error {
	g.cancelled[ibOrderID] = true
	return nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.db")
	st, err := store.Open(zap.NewNop(), path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func pastExpiryBase() *model.Strategy {
	past := time.Now().UTC().Add(-time.Minute)
	return &model.Strategy{
		Market: "US_EQUITY", SecType: model.SecTypeSTK, Exchange: "SMART", Currency: "USD",
		TradeType: model.TradeTypeBuy, ConditionLogic: model.LogicAND,
		Conditions: []model.Condition{{
			ConditionID: "c1", ConditionType: model.ConditionSingleProduct,
			Metric: model.MetricPrice, TriggerMode: model.TriggerLevelInstant,
			EvaluationWindow: "1m", WindowPriceBasis: model.BasisClose,
			Operator: model.OpGTE, Value: decimal.NewFromInt(100),
			ProductA: model.Product{Symbol: "AAPL", SecType: model.SecTypeSTK, Exchange: "SMART", Currency: "USD"},
		}},
		Symbols:    []model.StrategySymbol{{Position: 0, Symbol: "AAPL", SecType: model.SecTypeSTK, Exchange: "SMART", TradeType: model.ChildBuy}},
		ExpireMode: model.ExpireAbsolute,
		ExpireAt:   &past,
	}
}

func TestSweepExpiresActiveStrategy(t *testing.T) {
	st := openTestStore(t)
	gw := gateway.NewPaperGateway(zap.NewNop(), decimal.Zero, decimal.Zero)
	h := expiry.New(zap.NewNop(), st, gw, nil)

	ctx := context.Background()
	strategy := pastExpiryBase()
	strategy.TradeAction = &model.TradeAction{Kind: model.ActionStockTrade, OrderType: model.OrderTypeMKT, Quantity: decimal.NewFromInt(10)}
	created, err := st.Create(ctx, strategy)
	require.NoError(t, err)

	active, err := st.Transition(ctx, created.ID, model.StatusPendingActivation, model.StatusVerifying, created.Version, nil)
	require.NoError(t, err)
	_, err = st.Transition(ctx, created.ID, model.StatusVerifying, model.StatusActive, active.Version, nil)
	require.NoError(t, err)

	h.SweepOnce(ctx)

	expired, err := st.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, expired.Status)
}

func TestSweepCancelsOrderSubmittedWhenCancelOnExpiry(t *testing.T) {
	st := openTestStore(t)
	gw := newCancellingGateway()
	h := expiry.New(zap.NewNop(), st, gw, nil)

	ctx := context.Background()
	strategy := pastExpiryBase()
	strategy.TradeAction = &model.TradeAction{Kind: model.ActionStockTrade, OrderType: model.OrderTypeLMT, Quantity: decimal.NewFromInt(10), LimitPrice: decimal.NewFromInt(50), CancelOnExpiry: true}
	created, err := st.Create(ctx, strategy)
	require.NoError(t, err)

	active, err := st.Transition(ctx, created.ID, model.StatusPendingActivation, model.StatusVerifying, created.Version, nil)
	require.NoError(t, err)
	active, err = st.Transition(ctx, created.ID, model.StatusVerifying, model.StatusActive, active.Version, nil)
	require.NoError(t, err)
	triggered, err := st.Transition(ctx, created.ID, model.StatusActive, model.StatusTriggered, active.Version, nil)
	require.NoError(t, err)

	order := &model.Order{
		ID: "ord_1", StrategyID: created.ID, TradeID: "trd_1", Leg: "single",
		Symbol: "AAPL", Side: model.ChildBuy, OrderType: model.OrderTypeLMT, LimitPrice: decimal.NewFromInt(50),
		Quantity: decimal.NewFromInt(10), Status: model.OrderWorking,
		FilledQty: decimal.Zero, AvgFillPrice: decimal.Zero, IBOrderID: "ib-1",
	}
	instruction := &model.TradeInstruction{TradeID: "trd_1", StrategyID: created.ID, InstructionSummary: "buy AAPL x10", Status: model.OrderWorking}
	_, err = st.SubmitOrder(ctx, created.ID, triggered.Version, []*model.Order{order}, instruction)
	require.NoError(t, err)

	h.SweepOnce(ctx)

	cancelled, err := st.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)

	legs, err := st.ListOrders(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Equal(t, model.OrderCancelled, legs[0].Status)
	assert.True(t, gw.cancelled["ib-1"])
}

func TestSweepLeavesOrderSubmittedAloneWithoutCancelOnExpiry(t *testing.T) {
	st := openTestStore(t)
	gw := gateway.NewPaperGateway(zap.NewNop(), decimal.Zero, decimal.Zero)
	h := expiry.New(zap.NewNop(), st, gw, nil)

	ctx := context.Background()
	strategy := pastExpiryBase()
	strategy.TradeAction = &model.TradeAction{Kind: model.ActionStockTrade, OrderType: model.OrderTypeMKT, Quantity: decimal.NewFromInt(10)}
	created, err := st.Create(ctx, strategy)
	require.NoError(t, err)

	active, err := st.Transition(ctx, created.ID, model.StatusPendingActivation, model.StatusVerifying, created.Version, nil)
	require.NoError(t, err)
	active, err = st.Transition(ctx, created.ID, model.StatusVerifying, model.StatusActive, active.Version, nil)
	require.NoError(t, err)
	triggered, err := st.Transition(ctx, created.ID, model.StatusActive, model.StatusTriggered, active.Version, nil)
	require.NoError(t, err)

	order := &model.Order{
		ID: "ord_1", StrategyID: created.ID, TradeID: "trd_1", Leg: "single",
		Symbol: "AAPL", Side: model.ChildBuy, OrderType: model.OrderTypeMKT,
		Quantity: decimal.NewFromInt(10), Status: model.OrderWorking,
		FilledQty: decimal.Zero, AvgFillPrice: decimal.Zero, IBOrderID: "ib-2",
	}
	instruction := &model.TradeInstruction{TradeID: "trd_1", StrategyID: created.ID, InstructionSummary: "buy AAPL x10", Status: model.OrderWorking}
	_, err = st.SubmitOrder(ctx, created.ID, triggered.Version, []*model.Order{order}, instruction)
	require.NoError(t, err)

	h.SweepOnce(ctx)

	unchanged, err := st.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOrderSubmitted, unchanged.Status, "without cancel_on_expiry, expiry must leave the order-submitted strategy to gateway tracking")
}
