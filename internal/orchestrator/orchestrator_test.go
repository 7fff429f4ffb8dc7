package orchestrator_test

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
	"github.com/atlas-desktop/trading-engine/internal/marketdata"
	"github.com/atlas-desktop/trading-engine/internal/orchestrator"
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

func rules() model.ConditionRulesConfig {
	return model.ConditionRulesConfig{
		TriggerModeWindows: map[string]map[string]model.TriggerModeWindowRule{
			string(model.TriggerLevelInstant): {
				"1m": {MissingDataPolicy: "best_effort"},
			},
		},
	}
}

// alwaysTrueCondition is satisfied by any positive price, so it triggers
// deterministically regardless of the paper gateway's random-walk jitter.
func alwaysTrueCondition(id string) model.Condition {
	return model.Condition{
		ConditionID: id, ConditionType: model.ConditionSingleProduct,
		Metric: model.MetricPrice, TriggerMode: model.TriggerLevelInstant,
		EvaluationWindow: "1m", WindowPriceBasis: model.BasisClose,
		Operator: model.OpGTE, Value: decimal.Zero,
		ProductA: model.Product{Symbol: "AAPL", SecType: model.SecTypeSTK, Exchange: "SMART", Currency: "USD"},
	}
}

// neverTrueCondition never clears its threshold, used to exercise AND
// short-circuit and the WAITING/FALSE boundary without chasing real prices.
func neverTrueCondition(id string) model.Condition {
	return model.Condition{
		ConditionID: id, ConditionType: model.ConditionSingleProduct,
		Metric: model.MetricPrice, TriggerMode: model.TriggerLevelInstant,
		EvaluationWindow: "1m", WindowPriceBasis: model.BasisClose,
		Operator: model.OpGTE, Value: decimal.NewFromInt(1000000),
		ProductA: model.Product{Symbol: "AAPL", SecType: model.SecTypeSTK, Exchange: "SMART", Currency: "USD"},
	}
}

func activeStrategy(t *testing.T, st *store.Store, logic model.ConditionLogic, conds []model.Condition, nextID string) *model.Strategy {
	t.Helper()
	ctx := context.Background()
	created, err := st.Create(ctx, &model.Strategy{
		Market: "US_EQUITY", SecType: model.SecTypeSTK, Exchange: "SMART", Currency: "USD",
		TradeType: model.TradeTypeBuy, ConditionLogic: logic,
		Conditions: conds,
		Symbols:        []model.StrategySymbol{{Position: 0, Symbol: "AAPL", SecType: model.SecTypeSTK, Exchange: "SMART", TradeType: model.ChildBuy}},
		TradeAction:    &model.TradeAction{Kind: model.ActionStockTrade, OrderType: model.OrderTypeMKT, Quantity: decimal.NewFromInt(10)},
		ExpireMode:     model.ExpireRelative,
		NextStrategyID: nextID,
	})
	require.NoError(t, err)

	active, err := st.Transition(ctx, created.ID, model.StatusPendingActivation, model.StatusVerifying, created.Version, nil)
	require.NoError(t, err)
	active, err = st.Transition(ctx, created.ID, model.StatusVerifying, model.StatusActive, active.Version, nil)
	require.NoError(t, err)
	return active
}

type recordingVerifier struct {
	calls []string
}

func (r *recordingVerifier) Verify(ctx context.Context, strategyID, triggerEventID string, expectedVersion int64) error {
	r.calls = append(r.calls, strategyID)
	return nil
}

type recordingChain struct {
	calls []string
}

func (r *recordingChain) Activate(ctx context.Context, gw gateway.Gateway, upstream *model.Strategy, triggerEventID string, triggerTS time.Time) error {
	r.calls = append(r.calls, upstream.ID)
	return nil
}

func TestRunCombinesANDAndTriggers(t *testing.T) {
	st := openTestStore(t)
	gw := gateway.NewPaperGateway(zap.NewNop(), decimal.Zero, decimal.Zero)
	gw.SetPrice("AAPL", decimal.NewFromInt(150))
	cache := marketdata.New(zap.NewNop(), gw, 500)
	verifier := &recordingVerifier{}
	chainer := &recordingChain{}
	o := orchestrator.New(zap.NewNop(), st, cache, rules(), verifier, chainer, nil)

	strategy := activeStrategy(t, st, model.LogicAND, []model.Condition{alwaysTrueCondition("c1")}, "")

	outcome, err := o.Run(context.Background(), gw, strategy)
	require.NoError(t, err)
	assert.Equal(t, model.ConditionTrue, outcome.Combined)
	assert.NotEmpty(t, outcome.TriggerEventID)

	reloaded, err := st.Get(context.Background(), strategy.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTriggered, reloaded.Status)
	assert.Len(t, verifier.calls, 1)
	assert.Equal(t, strategy.ID, verifier.calls[0])
}

func TestRunANDShortCircuitsOnFalse(t *testing.T) {
	st := openTestStore(t)
	gw := gateway.NewPaperGateway(zap.NewNop(), decimal.Zero, decimal.Zero)
	gw.SetPrice("AAPL", decimal.NewFromInt(150))
	cache := marketdata.New(zap.NewNop(), gw, 500)
	verifier := &recordingVerifier{}
	o := orchestrator.New(zap.NewNop(), st, cache, rules(), verifier, nil, nil)

	strategy := activeStrategy(t, st, model.LogicAND,
		[]model.Condition{alwaysTrueCondition("c1"), neverTrueCondition("c2")}, "")

	outcome, err := o.Run(context.Background(), gw, strategy)
	require.NoError(t, err)
	assert.Equal(t, model.ConditionFalse, outcome.Combined)

	reloaded, err := st.Get(context.Background(), strategy.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, reloaded.Status, "a combined FALSE must leave the strategy ACTIVE")
	assert.Empty(t, verifier.calls)
}

func TestRunORTriggersOnAnyTrue(t *testing.T) {
	st := openTestStore(t)
	gw := gateway.NewPaperGateway(zap.NewNop(), decimal.Zero, decimal.Zero)
	gw.SetPrice("AAPL", decimal.NewFromInt(150))
	cache := marketdata.New(zap.NewNop(), gw, 500)
	verifier := &recordingVerifier{}
	o := orchestrator.New(zap.NewNop(), st, cache, rules(), verifier, nil, nil)

	strategy := activeStrategy(t, st, model.LogicOR,
		[]model.Condition{neverTrueCondition("c1"), alwaysTrueCondition("c2")}, "")

	outcome, err := o.Run(context.Background(), gw, strategy)
	require.NoError(t, err)
	assert.Equal(t, model.ConditionTrue, outcome.Combined)

	reloaded, err := st.Get(context.Background(), strategy.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTriggered, reloaded.Status)
}

func TestRunHandsOffToChainOnTrigger(t *testing.T) {
	st := openTestStore(t)
	gw := gateway.NewPaperGateway(zap.NewNop(), decimal.Zero, decimal.Zero)
	gw.SetPrice("AAPL", decimal.NewFromInt(150))
	cache := marketdata.New(zap.NewNop(), gw, 500)
	verifier := &recordingVerifier{}
	chainer := &recordingChain{}
	o := orchestrator.New(zap.NewNop(), st, cache, rules(), verifier, chainer, nil)

	downstream, err := st.Create(context.Background(), &model.Strategy{
		Market: "US_EQUITY", SecType: model.SecTypeSTK, Exchange: "SMART", Currency: "USD",
		TradeType: model.TradeTypeBuy, ConditionLogic: model.LogicAND,
		Conditions:  []model.Condition{alwaysTrueCondition("c1")},
		Symbols:     []model.StrategySymbol{{Position: 0, Symbol: "AAPL", SecType: model.SecTypeSTK, Exchange: "SMART", TradeType: model.ChildBuy}},
		TradeAction: &model.TradeAction{Kind: model.ActionStockTrade, OrderType: model.OrderTypeMKT, Quantity: decimal.NewFromInt(10)},
		ExpireMode:  model.ExpireRelative,
	})
	require.NoError(t, err)

	strategy := activeStrategy(t, st, model.LogicAND, []model.Condition{alwaysTrueCondition("c1")}, downstream.ID)

	_, err = o.Run(context.Background(), gw, strategy)
	require.NoError(t, err)
	assert.Len(t, chainer.calls, 1)
	assert.Equal(t, strategy.ID, chainer.calls[0])
}

func TestRunChainOnlyStrategyClosesToFilledWithoutVerification(t *testing.T) {
	st := openTestStore(t)
	gw := gateway.NewPaperGateway(zap.NewNop(), decimal.Zero, decimal.Zero)
	gw.SetPrice("SLV", decimal.NewFromInt(150))
	cache := marketdata.New(zap.NewNop(), gw, 500)
	verifier := &recordingVerifier{}
	chainer := &recordingChain{}
	o := orchestrator.New(zap.NewNop(), st, cache, rules(), verifier, chainer, nil)

	downstream, err := st.Create(context.Background(), &model.Strategy{
		Market: "US_EQUITY", SecType: model.SecTypeSTK, Exchange: "SMART", Currency: "USD",
		TradeType: model.TradeTypeBuy, ConditionLogic: model.LogicAND,
		Conditions:  []model.Condition{alwaysTrueCondition("c1")},
		Symbols:     []model.StrategySymbol{{Position: 0, Symbol: "SLV", SecType: model.SecTypeSTK, Exchange: "SMART", TradeType: model.ChildBuy}},
		TradeAction: &model.TradeAction{Kind: model.ActionStockTrade, OrderType: model.OrderTypeMKT, Quantity: decimal.NewFromInt(10)},
		ExpireMode:  model.ExpireRelative,
	})
	require.NoError(t, err)

	ctx := context.Background()
	created, err := st.Create(ctx, &model.Strategy{
		Market: "US_EQUITY", SecType: model.SecTypeSTK, Exchange: "SMART", Currency: "USD",
		TradeType: model.TradeTypeBuy, ConditionLogic: model.LogicAND,
		Conditions:     []model.Condition{alwaysTrueCondition("c1")},
		Symbols:        []model.StrategySymbol{{Position: 0, Symbol: "SLV", SecType: model.SecTypeSTK, Exchange: "SMART", TradeType: model.ChildRef}},
		ExpireMode:     model.ExpireRelative,
		NextStrategyID: downstream.ID,
	})
	require.NoError(t, err)
	active, err := st.Transition(ctx, created.ID, model.StatusPendingActivation, model.StatusVerifying, created.Version, nil)
	require.NoError(t, err)
	active, err = st.Transition(ctx, created.ID, model.StatusVerifying, model.StatusActive, active.Version, nil)
	require.NoError(t, err)

	outcome, err := o.Run(ctx, gw, active)
	require.NoError(t, err)
	assert.Equal(t, model.ConditionTrue, outcome.Combined)

	reloaded, err := st.Get(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, reloaded.Status, "a chain-only strategy with no trade_action must close straight to FILLED")
	assert.Empty(t, verifier.calls, "an empty trade_action must never be handed to the verifier")
	assert.Len(t, chainer.calls, 1, "chain activation still fires on trigger regardless of trade_action")
}

func TestRunWithoutConditionsIsNotEvaluated(t *testing.T) {
	st := openTestStore(t)
	gw := gateway.NewPaperGateway(zap.NewNop(), decimal.Zero, decimal.Zero)
	cache := marketdata.New(zap.NewNop(), gw, 500)
	o := orchestrator.New(zap.NewNop(), st, cache, rules(), nil, nil, nil)

	strategy := activeStrategy(t, st, model.LogicAND, nil, "")

	outcome, err := o.Run(context.Background(), gw, strategy)
	require.NoError(t, err)
	assert.Equal(t, model.ConditionNotEvaluated, outcome.Combined)
}
