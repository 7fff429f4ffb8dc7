package verify_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/engineerrors"
	"github.com/atlas-desktop/trading-engine/internal/gateway"
	"github.com/atlas-desktop/trading-engine/internal/marketdata"
	"github.com/atlas-desktop/trading-engine/internal/store"
	"github.com/atlas-desktop/trading-engine/internal/verify"
	"github.com/atlas-desktop/trading-engine/pkg/model"
)

type recordingSubmitter struct {
	calls []string
}

func (r *recordingSubmitter) Submit(ctx context.Context, strategyID, tradeID, triggerEventID string, expectedVersion int64) error {
	r.calls = append(r.calls, strategyID)
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

func triggeredStrategy(t *testing.T, st *store.Store, quantity decimal.Decimal, orderType model.OrderType) *model.Strategy {
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
		TradeAction: &model.TradeAction{Kind: model.ActionStockTrade, OrderType: orderType, Quantity: quantity, LimitPrice: decimal.NewFromInt(100)},
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

func TestVerifyPassesAndSubmits(t *testing.T) {
	st := openTestStore(t)
	gw := gateway.NewPaperGateway(zap.NewNop(), decimal.Zero, decimal.Zero)
	cache := marketdata.New(zap.NewNop(), gw, 500)
	sub := &recordingSubmitter{}
	cfg := model.VerificationConfig{MaxNotionalUSD: 100000, AllowedOrderTypes: []string{"MKT", "LMT"}}
	v := verify.New(zap.NewNop(), st, cache, gw, cfg, verify.DefaultRules(), sub, nil)

	triggered := triggeredStrategy(t, st, decimal.NewFromInt(10), model.OrderTypeMKT)

	err := v.Verify(context.Background(), triggered.ID, "evt-1", triggered.Version)
	require.NoError(t, err)
	assert.Len(t, sub.calls, 1)
	assert.Equal(t, triggered.ID, sub.calls[0])
}

func TestVerifyRejectsNotionalCapExceeded(t *testing.T) {
	st := openTestStore(t)
	gw := gateway.NewPaperGateway(zap.NewNop(), decimal.Zero, decimal.Zero)
	cache := marketdata.New(zap.NewNop(), gw, 500)
	sub := &recordingSubmitter{}
	cfg := model.VerificationConfig{MaxNotionalUSD: 500, AllowedOrderTypes: []string{"MKT", "LMT"}}
	v := verify.New(zap.NewNop(), st, cache, gw, cfg, verify.DefaultRules(), sub, nil)

	triggered := triggeredStrategy(t, st, decimal.NewFromInt(10), model.OrderTypeMKT)

	err := v.Verify(context.Background(), triggered.ID, "evt-1", triggered.Version)
	require.Error(t, err)
	assert.True(t, engineerrors.Is(err, engineerrors.CodeVerificationFail))
	assert.Empty(t, sub.calls, "a rejected verification must never reach the submitter")

	failed, err := st.Get(context.Background(), triggered.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, failed.Status)
}

func TestVerifyRejectsDisallowedOrderType(t *testing.T) {
	st := openTestStore(t)
	gw := gateway.NewPaperGateway(zap.NewNop(), decimal.Zero, decimal.Zero)
	cache := marketdata.New(zap.NewNop(), gw, 500)
	sub := &recordingSubmitter{}
	cfg := model.VerificationConfig{MaxNotionalUSD: 100000, AllowedOrderTypes: []string{"LMT"}}
	v := verify.New(zap.NewNop(), st, cache, gw, cfg, verify.DefaultRules(), sub, nil)

	triggered := triggeredStrategy(t, st, decimal.NewFromInt(1), model.OrderTypeMKT)

	err := v.Verify(context.Background(), triggered.ID, "evt-1", triggered.Version)
	require.Error(t, err)
	assert.True(t, engineerrors.Is(err, engineerrors.CodeVerificationFail))
	assert.Empty(t, sub.calls)
}
