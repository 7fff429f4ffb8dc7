package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/engineerrors"
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

func sampleStrategy() *model.Strategy {
	return &model.Strategy{
		Market:         "US_EQUITY",
		SecType:        model.SecTypeSTK,
		Exchange:       "SMART",
		Currency:       "USD",
		TradeType:      model.TradeTypeBuy,
		ConditionLogic: model.LogicAND,
		Conditions: []model.Condition{
			{
				ConditionID:      "c1",
				ConditionType:    model.ConditionSingleProduct,
				Metric:           model.MetricPrice,
				TriggerMode:      model.TriggerLevelInstant,
				EvaluationWindow: "1m",
				WindowPriceBasis: model.BasisClose,
				Operator:         model.OpGTE,
				Value:            decimal.NewFromInt(100),
				ProductA:         model.Product{Symbol: "AAPL", SecType: model.SecTypeSTK, Exchange: "SMART", Currency: "USD"},
			},
		},
		Symbols: []model.StrategySymbol{
			{Position: 0, Symbol: "AAPL", SecType: model.SecTypeSTK, Exchange: "SMART", TradeType: model.ChildBuy},
		},
		TradeAction: &model.TradeAction{
			Kind: model.ActionStockTrade, OrderType: model.OrderTypeMKT, Quantity: decimal.NewFromInt(10),
		},
		ExpireMode: model.ExpireRelative,
	}
}

func TestCreateAndGet(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	created, err := st.Create(ctx, sampleStrategy())
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, model.StatusPendingActivation, created.Status)
	assert.EqualValues(t, 1, created.Version)

	loaded, err := st.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, loaded.ID)
	require.Len(t, loaded.Conditions, 1)
	assert.Equal(t, model.MetricPrice, loaded.Conditions[0].Metric)
	require.Len(t, loaded.Symbols, 1)
	assert.Equal(t, "AAPL", loaded.Symbols[0].Symbol)
}

func TestCreateIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	first := sampleStrategy()
	first.IdempotencyKey = "dup-key-1"
	created, err := st.Create(ctx, first)
	require.NoError(t, err)

	second := sampleStrategy()
	second.IdempotencyKey = "dup-key-1"
	again, err := st.Create(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID, "same idempotency key must return the original strategy, not a new row")

	all, err := st.List(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAdmissibleTransitionTable(t *testing.T) {
	cases := []struct {
		from, to model.Status
		want     bool
	}{
		{model.StatusPendingActivation, model.StatusVerifying, true},
		{model.StatusVerifying, model.StatusActive, true},
		{model.StatusActive, model.StatusTriggered, true},
		{model.StatusTriggered, model.StatusOrderSubmitted, true},
		{model.StatusOrderSubmitted, model.StatusFilled, true},
		{model.StatusFilled, model.StatusActive, false},
		{model.StatusActive, model.StatusActive, false},
		{model.StatusPendingActivation, model.StatusFilled, false},
		{model.StatusCancelled, model.StatusActive, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, store.Admissible(tc.from, tc.to), "from=%s to=%s", tc.from, tc.to)
	}
}

func TestTransitionRejectsStaleVersion(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	created, err := st.Create(ctx, sampleStrategy())
	require.NoError(t, err)

	_, err = st.Transition(ctx, created.ID, model.StatusPendingActivation, model.StatusVerifying, created.Version, nil)
	require.NoError(t, err)

	_, err = st.Transition(ctx, created.ID, model.StatusPendingActivation, model.StatusVerifying, created.Version, nil)
	require.Error(t, err)
	assert.True(t, engineerrors.Is(err, engineerrors.CodeInadmissible))
}

func TestTransitionRejectsInadmissiblePair(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	created, err := st.Create(ctx, sampleStrategy())
	require.NoError(t, err)

	_, err = st.Transition(ctx, created.ID, model.StatusPendingActivation, model.StatusFilled, created.Version, nil)
	require.Error(t, err)
	assert.True(t, engineerrors.Is(err, engineerrors.CodeInadmissible))
}

func TestAcquireLeaseBlocksConcurrentOwner(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	created, err := st.Create(ctx, sampleStrategy())
	require.NoError(t, err)

	until := time.Now().UTC().Add(time.Minute)
	require.NoError(t, st.AcquireLease(ctx, created.ID, "worker-a", until))

	err = st.AcquireLease(ctx, created.ID, "worker-b", until)
	require.Error(t, err)
	assert.True(t, engineerrors.Is(err, engineerrors.CodeStrategyLocked))

	require.NoError(t, st.ReleaseLease(ctx, created.ID, "worker-a"))
	require.NoError(t, st.AcquireLease(ctx, created.ID, "worker-b", until))
}

func TestClearStaleLeases(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	created, err := st.Create(ctx, sampleStrategy())
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.AcquireLease(ctx, created.ID, "worker-a", past))

	cleared, err := st.ClearStaleLeases(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.EqualValues(t, 1, cleared)

	require.NoError(t, st.AcquireLease(ctx, created.ID, "worker-b", time.Now().UTC().Add(time.Minute)))
}

func TestSubmitOrderIsAtMostOnce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	created, err := st.Create(ctx, sampleStrategy())
	require.NoError(t, err)

	triggered, err := st.Transition(ctx, created.ID, model.StatusPendingActivation, model.StatusVerifying, created.Version, nil)
	require.NoError(t, err)
	triggered, err = st.Transition(ctx, created.ID, model.StatusVerifying, model.StatusActive, triggered.Version, nil)
	require.NoError(t, err)
	triggered, err = st.Transition(ctx, created.ID, model.StatusActive, model.StatusTriggered, triggered.Version, nil)
	require.NoError(t, err)

	order := &model.Order{
		ID: "ord_1", StrategyID: created.ID, TradeID: "trd_1", Leg: "single",
		Symbol: "AAPL", Side: model.ChildBuy, OrderType: model.OrderTypeMKT,
		Quantity: decimal.NewFromInt(10), Status: model.OrderPending,
		FilledQty: decimal.Zero, AvgFillPrice: decimal.Zero,
	}
	instruction := &model.TradeInstruction{TradeID: "trd_1", StrategyID: created.ID, InstructionSummary: "buy AAPL x10", Status: model.OrderPending}

	submitted, err := st.SubmitOrder(ctx, created.ID, triggered.Version, []*model.Order{order}, instruction)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOrderSubmitted, submitted.Status)

	count, err := st.CountOrders(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = st.SubmitOrder(ctx, created.ID, submitted.Version, []*model.Order{order}, instruction)
	require.Error(t, err, "a strategy already past TRIGGERED must reject a second submission")
}

func TestDueForScanOnlyReturnsUnleaseActiveStrategies(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	created, err := st.Create(ctx, sampleStrategy())
	require.NoError(t, err)

	active, err := st.Transition(ctx, created.ID, model.StatusPendingActivation, model.StatusVerifying, created.Version, nil)
	require.NoError(t, err)
	active, err = st.Transition(ctx, created.ID, model.StatusVerifying, model.StatusActive, active.Version, nil)
	require.NoError(t, err)

	due, err := st.DueForScan(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Contains(t, due, created.ID)

	require.NoError(t, st.AcquireLease(ctx, created.ID, "scheduler", time.Now().UTC().Add(time.Minute)))
	due, err = st.DueForScan(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.NotContains(t, due, created.ID, "a leased strategy must not be returned again while its lease holds")
}
