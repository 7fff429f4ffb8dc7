// Package model provides the shared domain types for the strategy engine.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a Strategy.
type Status string

const (
	StatusPendingActivation Status = "PENDING_ACTIVATION"
	StatusVerifying         Status = "VERIFYING"
	StatusVerifyFailed      Status = "VERIFY_FAILED"
	StatusActive            Status = "ACTIVE"
	StatusPaused            Status = "PAUSED"
	StatusTriggered         Status = "TRIGGERED"
	StatusOrderSubmitted    Status = "ORDER_SUBMITTED"
	StatusFilled            Status = "FILLED"
	StatusExpired           Status = "EXPIRED"
	StatusCancelled         Status = "CANCELLED"
	StatusFailed            Status = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusExpired, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// SecType identifies the traded instrument class.
type SecType string

const (
	SecTypeSTK SecType = "STK"
	SecTypeFUT SecType = "FUT"
)

// TradeType is the strategy-level intent.
type TradeType string

const (
	TradeTypeBuy    TradeType = "buy"
	TradeTypeSell   TradeType = "sell"
	TradeTypeSwitch TradeType = "switch"
	TradeTypeOpen   TradeType = "open"
	TradeTypeClose  TradeType = "close"
	TradeTypeSpread TradeType = "spread"
)

// ChildTradeType is the per-symbol trade intent, constrained by TradeType.
type ChildTradeType string

const (
	ChildBuy   ChildTradeType = "buy"
	ChildSell  ChildTradeType = "sell"
	ChildOpen  ChildTradeType = "open"
	ChildClose ChildTradeType = "close"
	ChildRef   ChildTradeType = "ref"
)

// AllowedChildTypes returns the child trade types a parent TradeType admits.
func AllowedChildTypes(t TradeType) ([]ChildTradeType, bool) {
	switch t {
	case TradeTypeBuy, TradeTypeSell, TradeTypeSwitch:
		return []ChildTradeType{ChildBuy, ChildSell, ChildRef}, true
	case TradeTypeOpen, TradeTypeClose, TradeTypeSpread:
		return []ChildTradeType{ChildOpen, ChildClose, ChildRef}, true
	default:
		return nil, false
	}
}

// ActionKind distinguishes order shapes a Strategy's trade_action may take.
type ActionKind string

const (
	ActionStockTrade  ActionKind = "STOCK_TRADE"
	ActionFutPosition ActionKind = "FUT_POSITION"
	ActionFutRoll     ActionKind = "FUT_ROLL"
)

// OrderType mirrors the gateway's supported order types.
type OrderType string

const (
	OrderTypeMKT OrderType = "MKT"
	OrderTypeLMT OrderType = "LMT"
)

// ConditionLogic combines multiple conditions for a strategy.
type ConditionLogic string

const (
	LogicAND ConditionLogic = "AND"
	LogicOR  ConditionLogic = "OR"
)

// ConditionType distinguishes single-product from pair-product conditions.
type ConditionType string

const (
	ConditionSingleProduct ConditionType = "SINGLE_PRODUCT"
	ConditionPairProducts  ConditionType = "PAIR_PRODUCTS"
)

// Metric identifies the observed quantity a condition evaluates.
type Metric string

const (
	MetricPrice        Metric = "PRICE"
	MetricDrawdownPct  Metric = "DRAWDOWN_PCT"
	MetricRallyPct     Metric = "RALLY_PCT"
	MetricVolumeRatio  Metric = "VOLUME_RATIO"
	MetricAmountRatio  Metric = "AMOUNT_RATIO"
	MetricSpread       Metric = "SPREAD"
)

// UsesUSD reports whether a metric's value is denominated in USD (vs. ratio 0..1).
func (m Metric) UsesUSD() bool {
	return m == MetricPrice || m == MetricSpread
}

// TriggerMode selects the confirmation semantics applied to a condition.
type TriggerMode string

const (
	TriggerLevelInstant    TriggerMode = "LEVEL_INSTANT"
	TriggerLevelConfirm    TriggerMode = "LEVEL_CONFIRM"
	TriggerCrossUpInstant  TriggerMode = "CROSS_UP_INSTANT"
	TriggerCrossDownInstant TriggerMode = "CROSS_DOWN_INSTANT"
	TriggerCrossUpConfirm  TriggerMode = "CROSS_UP_CONFIRM"
	TriggerCrossDownConfirm TriggerMode = "CROSS_DOWN_CONFIRM"
)

// Operator is the comparison applied between observed value and Condition.Value.
type Operator string

const (
	OpGTE Operator = ">="
	OpLTE Operator = "<="
)

// WindowPriceBasis selects which OHLCV field a window aggregate is drawn from.
type WindowPriceBasis string

const (
	BasisClose WindowPriceBasis = "close"
	BasisHigh  WindowPriceBasis = "high"
	BasisLow   WindowPriceBasis = "low"
	BasisAvg   WindowPriceBasis = "avg"
)

// EvaluationWindow is a rolling window size, e.g. "1m", "1h", "1d".
type EvaluationWindow string

// Product identifies one leg of a condition (and, separately, a symbol a
// strategy may trade).
type Product struct {
	Symbol   string  `json:"symbol"`
	SecType  SecType `json:"secType"`
	Exchange string  `json:"exchange"`
	Currency string  `json:"currency"`
}

// Condition is a single rule evaluated on a rolling cadence by the
// condition evaluator.
type Condition struct {
	ConditionID      string           `json:"conditionId"`
	ConditionType    ConditionType    `json:"conditionType"`
	Metric           Metric           `json:"metric"`
	TriggerMode      TriggerMode      `json:"triggerMode"`
	EvaluationWindow EvaluationWindow `json:"evaluationWindow"`
	WindowPriceBasis WindowPriceBasis `json:"windowPriceBasis"`
	Operator         Operator         `json:"operator"`
	Value            decimal.Decimal  `json:"value"`
	ProductA         Product          `json:"productA"`
	ProductB         *Product         `json:"productB,omitempty"` // required iff ConditionType == PAIR_PRODUCTS
}

// StrategySymbol is an ordered child of a Strategy's trade action.
type StrategySymbol struct {
	Position  int            `json:"position"`
	Symbol    string         `json:"symbol"`
	SecType   SecType        `json:"secType"`
	Exchange  string         `json:"exchange"`
	TradeType ChildTradeType `json:"tradeType"`
}

// TradeAction describes the order(s) a triggered strategy submits.
type TradeAction struct {
	Kind            ActionKind      `json:"kind"`
	OrderType       OrderType       `json:"orderType"`
	Quantity        decimal.Decimal `json:"quantity"`
	LimitPrice      decimal.Decimal `json:"limitPrice,omitempty"`
	AllowOvernight  bool            `json:"allowOvernight"`
	CancelOnExpiry  bool            `json:"cancelOnExpiry"`

	// FUT_ROLL-only legs.
	FarSymbol     string          `json:"farSymbol,omitempty"`
	FarLimitPrice decimal.Decimal `json:"farLimitPrice,omitempty"`
}

// ExpireMode selects how a Strategy's expire_at is computed.
type ExpireMode string

const (
	ExpireRelative ExpireMode = "relative"
	ExpireAbsolute ExpireMode = "absolute"
)

// Strategy is the persistent root entity of the engine: a conditional
// trading rule together with its lifecycle state.
type Strategy struct {
	ID                   string         `json:"id"`
	IdempotencyKey        string         `json:"idempotencyKey,omitempty"`
	Market                string         `json:"market"`
	SecType               SecType        `json:"secType"`
	Exchange              string         `json:"exchange"`
	Currency              string         `json:"currency"`
	TradeType             TradeType      `json:"tradeType"`
	ConditionLogic        ConditionLogic `json:"conditionLogic"`
	Conditions            []Condition    `json:"conditions"`
	Symbols               []StrategySymbol `json:"symbols"`
	TradeAction           *TradeAction   `json:"tradeAction,omitempty"`
	NextStrategyID        string         `json:"nextStrategyId,omitempty"`
	UpstreamOnlyActivation bool          `json:"upstreamOnlyActivation"`
	UpstreamStrategyID    string         `json:"upstreamStrategyId,omitempty"`
	ExpireMode            ExpireMode     `json:"expireMode"`
	ExpireInSeconds       int            `json:"expireInSeconds,omitempty"`
	ExpireAt              *time.Time     `json:"expireAt,omitempty"`
	ActivatedAt           *time.Time     `json:"activatedAt,omitempty"`
	LogicalActivatedAt    *time.Time     `json:"logicalActivatedAt,omitempty"`
	Status                Status         `json:"status"`
	Version               int64          `json:"version"`
	CreatedAt             time.Time      `json:"createdAt"`
	UpdatedAt             time.Time      `json:"updatedAt"`
	DeletedAt             *time.Time     `json:"deletedAt,omitempty"`
}

// EligibleForActivation reports whether the strategy may be manually activated.
func (s *Strategy) EligibleForActivation() bool {
	if s.UpstreamOnlyActivation {
		return false
	}
	if len(s.Conditions) == 0 {
		return false
	}
	return s.TradeAction != nil || s.NextStrategyID != ""
}
