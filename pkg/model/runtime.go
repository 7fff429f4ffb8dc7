package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConditionState is the tri-state (plus not-evaluated) result of a condition.
type ConditionState string

const (
	ConditionTrue         ConditionState = "TRUE"
	ConditionFalse        ConditionState = "FALSE"
	ConditionWaiting      ConditionState = "WAITING"
	ConditionNotEvaluated ConditionState = "NOT_EVALUATED"
)

// ConditionRuntimeState is the read-model the condition evaluator rebuilds
// on every evaluation.
type ConditionRuntimeState struct {
	StrategyID      string         `json:"strategyId"`
	ConditionID     string         `json:"conditionId"`
	State           ConditionState `json:"state"`
	LastValue       decimal.Decimal `json:"lastValue"`
	LastEvaluatedAt time.Time      `json:"lastEvaluatedAt"`
	Reason          string         `json:"reason"`
}

// StrategyRuntimeState is per-strategy scratch state, keyed and updated
// by the scheduler/chain activator across the strategy's active lifetime.
type StrategyRuntimeState struct {
	StrategyID       string          `json:"strategyId"`
	SinceActivationHigh decimal.Decimal `json:"sinceActivationHigh"`
	SinceActivationLow  decimal.Decimal `json:"sinceActivationLow"`
	AnchorPrice      decimal.Decimal `json:"anchorPrice"`
	Rolled           bool            `json:"rolled"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// StrategyEvent is one row of the append-only per-strategy audit stream.
type StrategyEvent struct {
	ID         int64     `json:"id"`
	StrategyID string    `json:"strategyId"`
	Timestamp  time.Time `json:"timestamp"`
	EventType  string    `json:"eventType"`
	Detail     string    `json:"detail"`
}

// OrderStatus is the lifecycle of a submitted gateway order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderWorking   OrderStatus = "WORKING"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// Order is the engine's record of a single gateway order (the order
// submitter owns its
// lifecycle).
type Order struct {
	ID              string          `json:"id"`
	StrategyID      string          `json:"strategyId"`
	TradeID         string          `json:"tradeId"`
	IBOrderID       string          `json:"ibOrderId,omitempty"`
	Leg             string          `json:"leg"` // "single", "close", "open" (futures roll)
	Symbol          string          `json:"symbol"`
	Side            ChildTradeType  `json:"side"`
	OrderType       OrderType       `json:"orderType"`
	Quantity        decimal.Decimal `json:"quantity"`
	LimitPrice      decimal.Decimal `json:"limitPrice,omitempty"`
	Status          OrderStatus     `json:"status"`
	FilledQty       decimal.Decimal `json:"filledQty"`
	AvgFillPrice    decimal.Decimal `json:"avgFillPrice"`
	PayloadJSON     string          `json:"payloadJson"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// TradeInstruction is the external-facing projection of an Order.
type TradeInstruction struct {
	TradeID           string      `json:"tradeId"`
	StrategyID        string      `json:"strategyId"`
	InstructionSummary string     `json:"instructionSummary"`
	Status            OrderStatus `json:"status"`
	ExpireAt          *time.Time  `json:"expireAt,omitempty"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

// VerificationEvent audits one pre-trade rule evaluation.
type VerificationEvent struct {
	ID         int64     `json:"id"`
	StrategyID string    `json:"strategyId"`
	TradeID    string    `json:"tradeId"`
	RuleID     string    `json:"ruleId"`
	RuleVersion int      `json:"ruleVersion"`
	Passed     bool      `json:"passed"`
	Reason     string    `json:"reason"`
	Snapshot   string    `json:"snapshot"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TradeLog is the merged chronological verification+execution record.
type TradeLog struct {
	ID         int64     `json:"id"`
	StrategyID string    `json:"strategyId"`
	TradeID    string    `json:"tradeId"`
	Stage      string    `json:"stage"` // "verification", "submission", "fill", ...
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ActivationEvent records a chain activation; the unique key
// (TriggerEventID, To) guarantees at-most-once activation.
type ActivationEvent struct {
	ID                  int64     `json:"id"`
	From                string    `json:"from"` // upstream strategy id
	To                  string    `json:"to"`   // downstream strategy id
	TriggerEventID      string    `json:"triggerEventId"`
	EffectiveActivatedAt time.Time `json:"effectiveActivatedAt"`
	MarketSnapshotJSON  string    `json:"marketSnapshotJson"`
	ContextJSON         string    `json:"contextJson"`
	CreatedAt           time.Time `json:"createdAt"`
}

// StrategyRun is one scheduler pass over a strategy.
type StrategyRun struct {
	ID                     int64     `json:"id"`
	StrategyID             string    `json:"strategyId"`
	FirstEvaluatedAt       time.Time `json:"firstEvaluatedAt"`
	EvaluatedAt            time.Time `json:"evaluatedAt"`
	SuggestedNextMonitorAt time.Time `json:"suggestedNextMonitorAt"`
	ConditionMet           bool      `json:"conditionMet"`
	DecisionReason         string    `json:"decisionReason"`
	RunCount               int64     `json:"runCount"`
}
