package recovery_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/gateway"
	"github.com/atlas-desktop/trading-engine/internal/orders"
	"github.com/atlas-desktop/trading-engine/internal/recovery"
	"github.com/atlas-desktop/trading-engine/internal/store"
	"github.com/atlas-desktop/trading-engine/pkg/model"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.db")
	st, err := store.Open(zap.NewNop(), path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func triggeredStrategy(t *testing.T, st *store.Store) *model.Strategy {
	t.Helper()
	ctx := context.Background()
	created, err := st.Create(ctx, &model.Strategy{
		Market: "US_EQUITY", SecType: model.SecTypeSTK, Exchange: "SMART", Currency: "USD",
		TradeType: model.TradeTypeBuy, ConditionLogic: model.LogicAND,
		Conditions: []model.Condition{{
			ConditionID: "c1", ConditionType: model.ConditionSingleProduct,
			Metric: model.MetricPrice, TriggerMode: model.TriggerLevelInstant,
			EvaluationWindow: "1m", WindowPriceBasis: model.BasisClose,
			Operator: model.OpGTE, Value: decimal.NewFromInt(100),
			ProductA: model.Product{Symbol: "AAPL", SecType: model.SecTypeSTK, Exchange: "SMART", Currency: "USD"},
		}},
		Symbols:     []model.StrategySymbol{{Position: 0, Symbol: "AAPL", SecType: model.SecTypeSTK, Exchange: "SMART", TradeType: model.ChildBuy}},
		TradeAction: &model.TradeAction{Kind: model.ActionStockTrade, OrderType: model.OrderTypeMKT, Quantity: decimal.NewFromInt(10)},
		ExpireMode:  model.ExpireRelative,
	})
	require.NoError(t, err)

	active, err := st.Transition(ctx, created.ID, model.StatusPendingActivation, model.StatusVerifying, created.Version, nil)
	require.NoError(t, err)
	active, err = st.Transition(ctx, created.ID, model.StatusVerifying, model.StatusActive, active.Version, nil)
	require.NoError(t, err)
	triggered, err := st.Transition(ctx, created.ID, model.StatusActive, model.StatusTriggered, active.Version, nil)
	require.NoError(t, err)
	return triggered
}

func TestRunClearsStaleLeaseAndReconcilesFilledOrder(t *testing.T) {
	st := openTestStore(t)
	gw := gateway.NewPaperGateway(zap.NewNop(), decimal.Zero, decimal.Zero)
	gw.SetPrice("AAPL", decimal.NewFromInt(150))
	sub := orders.New(zap.NewNop(), st, gw, nil)

	triggered := triggeredStrategy(t, st)
	require.NoError(t, sub.Submit(context.Background(), triggered.ID, "trd_1", "evt_1", triggered.Version))

	require.NoError(t, st.AcquireLease(context.Background(), triggered.ID, "dead-worker", time.Now().UTC().Add(-time.Minute)))

	require.NoError(t, recovery.Run(context.Background(), zap.NewNop(), st, gw, sub))

	err := st.AcquireLease(context.Background(), triggered.ID, "new-worker", time.Now().UTC().Add(time.Minute))
	assert.NoError(t, err, "a stale lease must be cleared so a fresh owner can acquire it")

	reloaded, err := st.Get(context.Background(), triggered.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, reloaded.Status, "boot-time reconciliation must pick up the fill the paper gateway already recorded")
}

func TestRunToleratesStrategyWithNoLeases(t *testing.T) {
	st := openTestStore(t)
	gw := gateway.NewPaperGateway(zap.NewNop(), decimal.Zero, decimal.Zero)
	sub := orders.New(zap.NewNop(), st, gw, nil)

	require.NoError(t, recovery.Run(context.Background(), zap.NewNop(), st, gw, sub))
}
