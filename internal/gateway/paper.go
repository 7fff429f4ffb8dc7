package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/pkg/model"
	"github.com/atlas-desktop/trading-engine/pkg/utils"
)

// PaperGateway is a deterministic-enough paper-trading simulator: it fills
// every order immediately against a caller-seeded price, applying the same
// slippage/commission shape this engine's simulated-execution path has
// always used. It is the default adapter when ib_gateway.trading_mode =
// "paper"; a live gateway (not built here — real brokerage connectivity is
// out of scope) would satisfy the same interface.
type PaperGateway struct {
	logger *zap.Logger

	mu     sync.Mutex
	prices map[string]decimal.Decimal
	orders map[string]*paperOrder
	subs   []chan<- OrderStatusUpdate

	slippage   decimal.Decimal
	commission decimal.Decimal
}

type paperOrder struct {
	ibOrderID string
	payload   OrderPayload
	status    model.OrderStatus
	filledQty decimal.Decimal
	avgPrice  decimal.Decimal
}

// NewPaperGateway builds a paper gateway. slippage and commission are
// fractional rates (0.0025 = 0.25%).
func NewPaperGateway(logger *zap.Logger, slippage, commission decimal.Decimal) *PaperGateway {
	return &PaperGateway{
		logger:     logger.Named("gateway.paper"),
		prices:     make(map[string]decimal.Decimal),
		orders:     make(map[string]*paperOrder),
		slippage:   slippage,
		commission: commission,
	}
}

// SetPrice seeds (or updates) the simulated last-trade price for a symbol;
// tests and the market-data cache's backfill both drive this.
func (g *PaperGateway) SetPrice(symbol string, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[symbol] = price
}

func (g *PaperGateway) HealthCheck(ctx context.Context) error { return nil }

// FetchBars synthesizes a flat random-walk series anchored on the last
// seeded price, sufficient to exercise the cache/evaluator pipeline in
// tests and demos without a real market-data feed.
func (g *PaperGateway) FetchBars(ctx context.Context, contract model.Contract, start, end time.Time, barSize time.Duration, whatToShow string, useRTH bool) ([]model.Bar, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("gateway: end must be after start")
	}
	g.mu.Lock()
	price := g.prices[contract.Symbol]
	g.mu.Unlock()
	if price.IsZero() {
		price = decimal.NewFromInt(100)
	}

	var bars []model.Bar
	for t := start; t.Before(end); t = t.Add(barSize) {
		jitter := decimal.NewFromFloat(1 + (rand.Float64()-0.5)*0.002)
		price = price.Mul(jitter)
		bars = append(bars, model.Bar{
			Timestamp: t,
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    decimal.NewFromInt(1000),
		})
	}
	return bars, nil
}

// SubmitOrder fills immediately at the seeded price plus/minus slippage
// and notifies subscribers
// asynchronously so callers observe the same status-subscription path a
// real gateway would use.
func (g *PaperGateway) SubmitOrder(ctx context.Context, payload OrderPayload) (string, error) {
	g.mu.Lock()
	price, ok := g.prices[payload.Symbol]
	if !ok || price.IsZero() {
		price = decimal.NewFromInt(100)
	}
	if payload.OrderType == model.OrderTypeLMT && !payload.LimitPrice.IsZero() {
		price = payload.LimitPrice
	}

	slip := g.slippage
	fillPrice := price
	if payload.Side == model.ChildBuy || payload.Side == model.ChildOpen {
		fillPrice = price.Mul(decimal.NewFromFloat(1).Add(slip))
	} else {
		fillPrice = price.Mul(decimal.NewFromFloat(1).Sub(slip))
	}

	ibOrderID := utils.GenerateOrderID()
	order := &paperOrder{
		ibOrderID: ibOrderID,
		payload:   payload,
		status:    model.OrderFilled,
		filledQty: payload.Quantity,
		avgPrice:  fillPrice,
	}
	g.orders[ibOrderID] = order
	subs := append([]chan<- OrderStatusUpdate(nil), g.subs...)
	g.mu.Unlock()

	update := OrderStatusUpdate{
		IBOrderID:    ibOrderID,
		TradeID:      payload.TradeID,
		Status:       model.OrderFilled,
		FilledQty:    payload.Quantity,
		AvgFillPrice: fillPrice,
		At:           time.Now().UTC(),
	}
	for _, ch := range subs {
		go func(c chan<- OrderStatusUpdate) { c <- update }(ch)
	}
	return ibOrderID, nil
}

func (g *PaperGateway) CancelOrder(ctx context.Context, ibOrderID string) error {
	g.mu.Lock()
	order, ok := g.orders[ibOrderID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("gateway: unknown order %s", ibOrderID)
	}
	if order.status == model.OrderFilled {
		g.mu.Unlock()
		return fmt.Errorf("gateway: order %s already filled", ibOrderID)
	}
	order.status = model.OrderCancelled
	subs := append([]chan<- OrderStatusUpdate(nil), g.subs...)
	g.mu.Unlock()

	update := OrderStatusUpdate{IBOrderID: ibOrderID, TradeID: order.payload.TradeID, Status: model.OrderCancelled, At: time.Now().UTC()}
	for _, ch := range subs {
		go func(c chan<- OrderStatusUpdate) { c <- update }(ch)
	}
	return nil
}

func (g *PaperGateway) OrderState(ctx context.Context, ibOrderID string) (OrderStatusUpdate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	order, ok := g.orders[ibOrderID]
	if !ok {
		return OrderStatusUpdate{}, fmt.Errorf("gateway: unknown order %s", ibOrderID)
	}
	return OrderStatusUpdate{
		IBOrderID:    ibOrderID,
		TradeID:      order.payload.TradeID,
		Status:       order.status,
		FilledQty:    order.filledQty,
		AvgFillPrice: order.avgPrice,
		At:           time.Now().UTC(),
	}, nil
}

func (g *PaperGateway) Subscribe(ctx context.Context, ch chan<- OrderStatusUpdate) error {
	g.mu.Lock()
	g.subs = append(g.subs, ch)
	g.mu.Unlock()
	go func() {
		<-ctx.Done()
		g.mu.Lock()
		defer g.mu.Unlock()
		for i, c := range g.subs {
			if c == ch {
				g.subs = append(g.subs[:i], g.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return nil
}
