// Package verify is the Pre-Trade Verifier: an ordered, versioned rule
// set evaluated against a triggered strategy's trade action, emitting a
// pass/fail VerificationEvent per rule. The ordered-limit-checks-producing-
// violation-records shape carries over from this engine's earlier risk
// manager, trimmed to a notional cap and an order-type allowlist and
// reshaped to feed the store's VerificationEvent audit trail instead of an
// in-memory violation list.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/engineerrors"
	"github.com/atlas-desktop/trading-engine/internal/gateway"
	"github.com/atlas-desktop/trading-engine/internal/marketdata"
	"github.com/atlas-desktop/trading-engine/internal/metrics"
	"github.com/atlas-desktop/trading-engine/internal/store"
	"github.com/atlas-desktop/trading-engine/pkg/model"
	"github.com/atlas-desktop/trading-engine/pkg/utils"
)

// Rule is one ordered, versioned pre-trade check.
type Rule struct {
	ID      string
	Version int
	Check   func(st *model.Strategy, priceProxy decimal.Decimal, cfg model.VerificationConfig) (passed bool, reason string)
}

// DefaultRules returns the baseline rule set: notional cap and
// order-type allowlist.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID: "notional_cap", Version: 1,
			Check: func(st *model.Strategy, priceProxy decimal.Decimal, cfg model.VerificationConfig) (bool, string) {
				if st.TradeAction == nil {
					return true, "no trade action, nothing to cap"
				}
				notional := st.TradeAction.Quantity.Mul(priceProxy)
				max := decimal.NewFromFloat(cfg.MaxNotionalUSD)
				if notional.GreaterThan(max) {
					return false, fmt.Sprintf("notional %s exceeds max_notional_usd %s", notional.StringFixed(2), max.StringFixed(2))
				}
				return true, fmt.Sprintf("notional %s within cap", notional.StringFixed(2))
			},
		},
		{
			ID: "order_type_allowlist", Version: 1,
			Check: func(st *model.Strategy, _ decimal.Decimal, cfg model.VerificationConfig) (bool, string) {
				if st.TradeAction == nil {
					return true, "no trade action, nothing to check"
				}
				for _, allowed := range cfg.AllowedOrderTypes {
					if allowed == string(st.TradeAction.OrderType) {
						return true, "order_type allowed"
					}
				}
				return false, fmt.Sprintf("order_type %s not in allowlist", st.TradeAction.OrderType)
			},
		},
	}
}

// Submitter is the order-submission contract the verifier hands a passed trigger off to.
type Submitter interface {
	Submit(ctx context.Context, strategyID, tradeID, triggerEventID string, expectedVersion int64) error
}

// Verifier evaluates DefaultRules() (or a reloaded copy) against a
// TRIGGERED strategy and, on full pass, mints trade_id and hands off to order submission.
type Verifier struct {
	logger    *zap.Logger
	store     *store.Store
	cache     *marketdata.Cache
	gw        gateway.Gateway
	cfg       model.VerificationConfig
	rules     []Rule
	submitter Submitter
	metrics   *metrics.Registry
}

// New builds a Verifier. cfg and rules are the immutable snapshot pinned at
// process start or reload; in-flight evaluations complete against the
// snapshot they started with.
func New(logger *zap.Logger, st *store.Store, cache *marketdata.Cache, gw gateway.Gateway, cfg model.VerificationConfig, rules []Rule, submitter Submitter, reg *metrics.Registry) *Verifier {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Verifier{logger: logger.Named("verify"), store: st, cache: cache, gw: gw, cfg: cfg, rules: rules, submitter: submitter, metrics: reg}
}

// Verify runs the rule set against strategyID's trade action. A trade_id is
// minted here and threaded through every downstream log. On any rule
// failure, the strategy transitions TRIGGERED -> FAILED and no order is
// submitted.
func (v *Verifier) Verify(ctx context.Context, strategyID, triggerEventID string, expectedVersion int64) error {
	st, err := v.store.Get(ctx, strategyID)
	if err != nil {
		return fmt.Errorf("load strategy: %w", err)
	}
	if st.Status != model.StatusTriggered {
		return engineerrors.Inadmissible(string(st.Status), "verification")
	}

	tradeID := utils.GenerateTradeID()
	priceProxy := v.priceProxy(ctx, st)

	allPassed := true
	for _, rule := range v.rules {
		passed, reason := rule.Check(st, priceProxy, v.cfg)
		snapshot := fmt.Sprintf(`{"price_proxy":"%s"}`, priceProxy.String())
		if err := v.store.RecordVerification(ctx, &model.VerificationEvent{
			StrategyID: st.ID, TradeID: tradeID, RuleID: rule.ID, RuleVersion: rule.Version,
			Passed: passed, Reason: reason, Snapshot: snapshot,
		}); err != nil {
			return fmt.Errorf("record verification event: %w", err)
		}
		if err := v.store.AppendTradeLog(ctx, &model.TradeLog{StrategyID: st.ID, TradeID: tradeID, Stage: "verification", Message: fmt.Sprintf("%s: %s", rule.ID, reason)}); err != nil {
			v.logger.Warn("append trade log failed", zap.Error(err))
		}
		if v.metrics != nil {
			result := "passed"
			if !passed {
				result = "failed"
			}
			v.metrics.VerificationEvents.WithLabelValues(result).Inc()
		}
		if !passed {
			allPassed = false
			break
		}
	}

	if !allPassed {
		if _, err := v.store.Transition(ctx, st.ID, model.StatusTriggered, model.StatusFailed, expectedVersion, nil); err != nil {
			return fmt.Errorf("transition to FAILED after verification reject: %w", err)
		}
		return engineerrors.New(engineerrors.CodeVerificationFail, "pre-trade verification rejected the trade")
	}

	if v.submitter != nil {
		return v.submitter.Submit(ctx, st.ID, tradeID, triggerEventID, expectedVersion)
	}
	return nil
}

// priceProxy returns a representative price for the notional-cap check:
// the strategy's trade action limit price if set, else the latest cached
// price for its first symbol.
func (v *Verifier) priceProxy(ctx context.Context, st *model.Strategy) decimal.Decimal {
	if st.TradeAction != nil && !st.TradeAction.LimitPrice.IsZero() {
		return st.TradeAction.LimitPrice
	}
	if len(st.Symbols) == 0 {
		return decimal.Zero
	}
	sym := st.Symbols[0]
	contract := model.Contract{Symbol: sym.Symbol, SecType: sym.SecType, Exchange: sym.Exchange, Currency: st.Currency}
	if bar, ok := v.cache.Latest(contract, time.Minute); ok {
		return bar.Basis(model.BasisClose)
	}
	return decimal.Zero
}
