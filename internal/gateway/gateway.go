// Package gateway is the brokerage adapter port: an opaque
// client exposing health checks, historical bars, order submission/cancel,
// and a fill/status subscription. It is grounded on this engine's earlier
// exchange-adapter interface, trimmed to the brokerage contract the engine
// actually drives.
package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-engine/pkg/model"
)

// OrderPayload is everything the gateway needs to place one leg of an order.
// TradeID makes submission idempotent under retry: resubmitting the same
// TradeID for an unacknowledged order must not create a second live order.
type OrderPayload struct {
	TradeID        string
	StrategyID     string
	Symbol         string
	SecType        model.SecType
	Exchange       string
	Currency       string
	Side           model.ChildTradeType
	OrderType      model.OrderType
	Quantity       decimal.Decimal
	LimitPrice     decimal.Decimal
	AllowOvernight bool
}

// OrderStatusUpdate is one gateway-reported lifecycle event for a
// previously submitted order.
type OrderStatusUpdate struct {
	IBOrderID    string
	TradeID      string
	Status       model.OrderStatus
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	Reason       string
	At           time.Time
}

// Gateway is the outbound brokerage contract. All calls are
// the only blocking/suspension points in a strategy run;
// implementations must honor ctx's deadline.
type Gateway interface {
	HealthCheck(ctx context.Context) error

	// FetchBars returns OHLCV bars for contract over [start,end), aggregated
	// at barSize, using whatToShow as the gateway's price-series selector
	// (e.g. "TRADES", "MIDPOINT") and useRTH to exclude extended hours.
	FetchBars(ctx context.Context, contract model.Contract, start, end time.Time, barSize time.Duration, whatToShow string, useRTH bool) ([]model.Bar, error)

	// SubmitOrder is idempotent under payload.TradeID: resubmitting the same
	// TradeID before a prior submission acknowledged returns the same
	// ib_order_id rather than placing a second order.
	SubmitOrder(ctx context.Context, payload OrderPayload) (ibOrderID string, err error)

	CancelOrder(ctx context.Context, ibOrderID string) error

	// OrderState returns the gateway's current view of a previously
	// submitted order, for boot-time reconciliation.
	OrderState(ctx context.Context, ibOrderID string) (OrderStatusUpdate, error)

	// Subscribe streams order/fill events until ctx is cancelled. Gateway
	// implementations must not block Subscribe's caller; deliver on ch from
	// an internal goroutine and close ch when ctx is done.
	Subscribe(ctx context.Context, ch chan<- OrderStatusUpdate) error
}
