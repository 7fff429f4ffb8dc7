// Package condition is the Condition Evaluator: single-condition
// prepare/evaluate, returning TRUE/FALSE/WAITING plus an observed value
// and reason. The basis/window aggregation style and the "prepare inputs,
// then evaluate" two-phase shape carry over from this engine's earlier
// indicator calculators and signal aggregation, now superseded.
package condition

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-engine/internal/engineerrors"
	"github.com/atlas-desktop/trading-engine/pkg/model"
	"github.com/atlas-desktop/trading-engine/pkg/utils"
)

// DataRequirement specifies the per-contract bar request(s) the market-data
// cache must serve
// before Evaluate can run, derived from (trigger_mode, evaluation_window)
// via the rules config.
type DataRequirement struct {
	ContractA          model.Contract
	ContractB          *model.Contract // set iff ConditionType == PAIR_PRODUCTS
	BarSize            time.Duration
	Span               time.Duration
	IncludePartialBar  bool
	UseRTH             bool
	MissingDataPolicy  string
	ConfirmConsecutive int
	ConfirmRatio       float64
}

// PreparedCondition is the validated, rule-resolved form of a Condition.
type PreparedCondition struct {
	Condition model.Condition
	Requirement DataRequirement
}

// ratioMetrics lists the ratio-valued metrics; a window rule that omits
// base_bar defaults to 1h bars for these and 1m bars for the others.
var ratioMetrics = map[model.Metric]bool{
	model.MetricDrawdownPct: true,
	model.MetricRallyPct:    true,
	model.MetricVolumeRatio: true,
	model.MetricAmountRatio: true,
}

// Prepare validates a condition against the rules config and derives the
// bar request the market-data cache must serve.
func Prepare(cond model.Condition, rules model.ConditionRulesConfig) (*PreparedCondition, error) {
	if cond.Metric == model.MetricSpread && !isConfirmMode(cond.TriggerMode) {
		return nil, engineerrors.Validation("metric SPREAD is confirm-only, got trigger_mode=%s", cond.TriggerMode)
	}
	if cond.ConditionType == model.ConditionPairProducts && cond.ProductB == nil {
		return nil, engineerrors.Validation("PAIR_PRODUCTS condition requires product_b")
	}
	if cond.ConditionType == model.ConditionSingleProduct && cond.ProductB != nil {
		return nil, engineerrors.Validation("SINGLE_PRODUCT condition must not set product_b")
	}
	if mr, ok := rules.MetricTriggerOperatorRules[string(cond.Metric)]; ok {
		windowOK, opOK := len(mr.AllowedWindows) == 0, len(mr.AllowedRules) == 0
		for _, w := range mr.AllowedWindows {
			windowOK = windowOK || w == string(cond.EvaluationWindow)
		}
		for _, op := range mr.AllowedRules[string(cond.TriggerMode)] {
			opOK = opOK || op == string(cond.Operator)
		}
		if !windowOK {
			return nil, engineerrors.Validation("evaluation_window %s not allowed for metric %s", cond.EvaluationWindow, cond.Metric)
		}
		if !opOK {
			return nil, engineerrors.Validation("operator %s not allowed for metric %s under trigger_mode %s", cond.Operator, cond.Metric, cond.TriggerMode)
		}
	}

	windowRule, err := lookupWindowRule(rules, cond.TriggerMode, cond.EvaluationWindow)
	if err != nil {
		return nil, err
	}
	if windowRule.ConfirmConsecutive > 0 && windowRule.ConfirmRatio > 0 {
		return nil, engineerrors.Validation(
			"trigger_mode_windows[%s][%s] sets both confirm_consecutive and confirm_ratio; rule config must pick one",
			cond.TriggerMode, cond.EvaluationWindow)
	}

	barSize, err := utils.ParseWindowDuration(baseBarOrDefault(windowRule.BaseBar, cond.Metric))
	if err != nil {
		return nil, engineerrors.Validation("invalid base_bar: %v", err)
	}
	span, err := utils.ParseWindowDuration(string(cond.EvaluationWindow))
	if err != nil {
		return nil, engineerrors.Validation("invalid evaluation_window %q: %v", cond.EvaluationWindow, err)
	}

	req := DataRequirement{
		ContractA:          asContract(cond.ProductA),
		BarSize:            barSize,
		Span:                span,
		IncludePartialBar:   windowRule.IncludePartialBar,
		UseRTH:              true,
		MissingDataPolicy:   orDefault(windowRule.MissingDataPolicy, "reject"),
		ConfirmConsecutive:  windowRule.ConfirmConsecutive,
		ConfirmRatio:        windowRule.ConfirmRatio,
	}
	if cond.ProductB != nil {
		c := asContract(*cond.ProductB)
		req.ContractB = &c
	}
	return &PreparedCondition{Condition: cond, Requirement: req}, nil
}

func isConfirmMode(m model.TriggerMode) bool {
	switch m {
	case model.TriggerLevelConfirm, model.TriggerCrossUpConfirm, model.TriggerCrossDownConfirm:
		return true
	default:
		return false
	}
}

func baseBarOrDefault(baseBar string, metric model.Metric) string {
	if baseBar != "" {
		return baseBar
	}
	if ratioMetrics[metric] {
		return "1h"
	}
	return "1m"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func lookupWindowRule(rules model.ConditionRulesConfig, mode model.TriggerMode, window model.EvaluationWindow) (model.TriggerModeWindowRule, error) {
	byMode, ok := rules.TriggerModeWindows[string(mode)]
	if !ok {
		return model.TriggerModeWindowRule{}, engineerrors.Validation("no rule config for trigger_mode %s", mode)
	}
	rule, ok := byMode[string(window)]
	if !ok {
		return model.TriggerModeWindowRule{}, engineerrors.Validation("no rule config for trigger_mode=%s evaluation_window=%s", mode, window)
	}
	return rule, nil
}

func asContract(p model.Product) model.Contract {
	return model.Contract{Symbol: p.Symbol, SecType: p.SecType, Exchange: p.Exchange, Currency: p.Currency}
}

// Inputs bundles everything Evaluate needs: the prepared condition, bar
// series for each leg (oldest first), and the strategy's runtime extrema.
type Inputs struct {
	Prepared *PreparedCondition
	BarsA    []model.Bar
	BarsB    []model.Bar // unused for SINGLE_PRODUCT
	Runtime  *model.StrategyRuntimeState
}

// Result is the evaluator's verdict for one condition on one run.
type Result struct {
	State        model.ConditionState
	ObservedValue decimal.Decimal
	Reason       string
}

// Evaluate combines the bar series with strategy runtime state to produce
// a TRUE/FALSE/WAITING verdict. WAITING is returned only
// when data is missing and missing_data_policy=best_effort; a reject
// policy surfaces as an error instead, which callers must log as a
// runtime event without transitioning the strategy.
func Evaluate(in Inputs) (Result, error) {
	cond := in.Prepared.Condition
	req := in.Prepared.Requirement

	seriesA, err := windowedSeries(in.BarsA, req.Span)
	if err != nil || len(seriesA) == 0 {
		if req.MissingDataPolicy == "best_effort" {
			return Result{State: model.ConditionWaiting, Reason: "insufficient data for window"}, nil
		}
		return Result{}, engineerrors.Validation("insufficient data for condition %s: missing bars", cond.ConditionID)
	}

	var seriesB []model.Bar
	if needsProductB(cond.Metric) {
		seriesB, err = windowedSeries(in.BarsB, req.Span)
		if err != nil || len(seriesB) == 0 {
			if req.MissingDataPolicy == "best_effort" {
				return Result{State: model.ConditionWaiting, Reason: "insufficient data for pair window"}, nil
			}
			return Result{}, engineerrors.Validation("insufficient data for condition %s: missing pair bars", cond.ConditionID)
		}
	}

	// values is the per-bar metric series (spread/ratio/drawdown/price,
	// whichever cond.Metric names), aligned to the bars it was derived
	// from. Every trigger_mode — including the confirm/cross modes below —
	// evaluates against this series, never against product A's raw price.
	values, err := buildValueSeries(cond, in.Runtime, seriesA, seriesB)
	if err != nil {
		if req.MissingDataPolicy == "best_effort" {
			return Result{State: model.ConditionWaiting, Reason: "insufficient aligned data for metric"}, nil
		}
		return Result{}, engineerrors.Validation("insufficient data for condition %s: %v", cond.ConditionID, err)
	}

	state, reason := evalTriggerMode(cond, req, values)
	return Result{State: state, ObservedValue: values[len(values)-1], Reason: reason}, nil
}

func needsProductB(m model.Metric) bool {
	switch m {
	case model.MetricVolumeRatio, model.MetricAmountRatio, model.MetricSpread:
		return true
	default:
		return false
	}
}

// buildValueSeries computes cond.Metric's value at every bar of seriesA
// (tail-aligned against seriesB for the pair metrics), in chronological
// order. PRICE is the raw basis; DRAWDOWN_PCT/RALLY_PCT track a running
// extremum seeded from the strategy's since-activation high/low;
// VOLUME_RATIO/AMOUNT_RATIO and SPREAD combine seriesA/seriesB bar by bar.
func buildValueSeries(cond model.Condition, rt *model.StrategyRuntimeState, seriesA, seriesB []model.Bar) ([]decimal.Decimal, error) {
	switch cond.Metric {
	case model.MetricPrice:
		vals := make([]decimal.Decimal, len(seriesA))
		for i, b := range seriesA {
			vals[i] = b.Basis(cond.WindowPriceBasis)
		}
		return vals, nil

	case model.MetricDrawdownPct, model.MetricRallyPct:
		high := cond.Metric == model.MetricDrawdownPct
		var extreme decimal.Decimal
		if rt != nil {
			if high {
				extreme = rt.SinceActivationHigh
			} else {
				extreme = rt.SinceActivationLow
			}
		}
		vals := make([]decimal.Decimal, len(seriesA))
		for i, b := range seriesA {
			p := b.Basis(cond.WindowPriceBasis)
			switch {
			case extreme.IsZero():
				extreme = p
			case high && p.GreaterThan(extreme):
				extreme = p
			case !high && p.LessThan(extreme):
				extreme = p
			}
			if high {
				vals[i] = decimal.Max(decimal.Zero, extreme.Sub(p).Div(extreme))
			} else {
				vals[i] = decimal.Max(decimal.Zero, p.Sub(extreme).Div(extreme))
			}
		}
		return vals, nil

	case model.MetricVolumeRatio, model.MetricAmountRatio:
		a, b := alignTail(seriesA, seriesB)
		if len(a) == 0 {
			return nil, fmt.Errorf("no aligned bars for ratio metric")
		}
		vals := make([]decimal.Decimal, len(a))
		sumA, sumB := decimal.Zero, decimal.Zero
		for i := range a {
			if cond.Metric == model.MetricAmountRatio {
				sumA = sumA.Add(a[i].Close.Mul(a[i].Volume))
				sumB = sumB.Add(b[i].Close.Mul(b[i].Volume))
			} else {
				sumA = sumA.Add(a[i].Volume)
				sumB = sumB.Add(b[i].Volume)
			}
			if sumB.IsZero() {
				vals[i] = decimal.Zero
			} else {
				vals[i] = sumA.Div(sumB)
			}
		}
		return vals, nil

	case model.MetricSpread:
		a, b := alignTail(seriesA, seriesB)
		if len(a) == 0 {
			return nil, fmt.Errorf("no aligned bars for spread metric")
		}
		vals := make([]decimal.Decimal, len(a))
		for i := range a {
			vals[i] = a[i].Basis(cond.WindowPriceBasis).Sub(b[i].Basis(cond.WindowPriceBasis))
		}
		return vals, nil

	default:
		return nil, fmt.Errorf("unknown metric %s", cond.Metric)
	}
}

// alignTail trims a and b to the same length, keeping each one's most
// recent bars, so index i in the returned slices refers to roughly the
// same point in time on both legs even when fetch segments left one leg
// with more bars cached than the other.
func alignTail(a, b []model.Bar) ([]model.Bar, []model.Bar) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return nil, nil
	}
	return a[len(a)-n:], b[len(b)-n:]
}

func windowedSeries(bars []model.Bar, span time.Duration) ([]model.Bar, error) {
	if len(bars) == 0 {
		return nil, fmt.Errorf("no bars")
	}
	cutoff := bars[len(bars)-1].Timestamp.Add(-span)
	var out []model.Bar
	for _, b := range bars {
		if !b.Timestamp.Before(cutoff) {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no bars in window")
	}
	return out, nil
}

func satisfies(op model.Operator, observed, target decimal.Decimal) bool {
	switch op {
	case model.OpGTE:
		return observed.GreaterThanOrEqual(target)
	case model.OpLTE:
		return observed.LessThanOrEqual(target)
	default:
		return false
	}
}

// evalTriggerMode applies cond.TriggerMode against values, the per-bar
// metric series buildValueSeries produced — never against a raw price
// basis directly, so SPREAD/RATIO/DRAWDOWN conditions confirm and cross
// on their own transformed value rather than product A's price.
func evalTriggerMode(cond model.Condition, req DataRequirement, values []decimal.Decimal) (model.ConditionState, string) {
	switch cond.TriggerMode {
	case model.TriggerLevelInstant:
		if satisfies(cond.Operator, values[len(values)-1], cond.Value) {
			return model.ConditionTrue, "latest value satisfies operator"
		}
		return model.ConditionFalse, "latest value does not satisfy operator"

	case model.TriggerLevelConfirm:
		return confirmLevel(cond, req, values)

	case model.TriggerCrossUpInstant, model.TriggerCrossDownInstant:
		if len(values) < 2 {
			return model.ConditionWaiting, "not enough bars to detect a cross"
		}
		prior := values[len(values)-2]
		latest := values[len(values)-1]
		if cond.TriggerMode == model.TriggerCrossUpInstant {
			if prior.LessThan(cond.Value) && latest.GreaterThanOrEqual(cond.Value) {
				return model.ConditionTrue, "crossed up through value"
			}
			return model.ConditionFalse, "no upward cross observed"
		}
		if prior.GreaterThan(cond.Value) && latest.LessThanOrEqual(cond.Value) {
			return model.ConditionTrue, "crossed down through value"
		}
		return model.ConditionFalse, "no downward cross observed"

	case model.TriggerCrossUpConfirm, model.TriggerCrossDownConfirm:
		return confirmCross(cond, req, values)

	default:
		return model.ConditionFalse, "unknown trigger_mode"
	}
}

func confirmLevel(cond model.Condition, req DataRequirement, values []decimal.Decimal) (model.ConditionState, string) {
	n := req.ConfirmConsecutive
	if n > 0 {
		if len(values) < n {
			return model.ConditionWaiting, "not enough bars to confirm"
		}
		tail := values[len(values)-n:]
		for _, v := range tail {
			if !satisfies(cond.Operator, v, cond.Value) {
				return model.ConditionFalse, fmt.Sprintf("not all of last %d bars satisfy operator", n)
			}
		}
		return model.ConditionTrue, fmt.Sprintf("last %d bars confirm operator", n)
	}
	if req.ConfirmRatio > 0 {
		hit := 0
		for _, v := range values {
			if satisfies(cond.Operator, v, cond.Value) {
				hit++
			}
		}
		ratio := float64(hit) / float64(len(values))
		if ratio >= req.ConfirmRatio {
			return model.ConditionTrue, fmt.Sprintf("%.0f%% of window satisfies operator", ratio*100)
		}
		return model.ConditionFalse, fmt.Sprintf("only %.0f%% of window satisfies operator", ratio*100)
	}
	return model.ConditionFalse, "no confirm rule configured"
}

func confirmCross(cond model.Condition, req DataRequirement, values []decimal.Decimal) (model.ConditionState, string) {
	n := req.ConfirmConsecutive
	if n <= 0 {
		n = 1
	}
	if len(values) < n+1 {
		return model.ConditionWaiting, "not enough bars to confirm cross"
	}
	crossIdx := -1
	for i := 1; i < len(values); i++ {
		prior := values[i-1]
		cur := values[i]
		if cond.TriggerMode == model.TriggerCrossUpConfirm && prior.LessThan(cond.Value) && cur.GreaterThanOrEqual(cond.Value) {
			crossIdx = i
		}
		if cond.TriggerMode == model.TriggerCrossDownConfirm && prior.GreaterThan(cond.Value) && cur.LessThanOrEqual(cond.Value) {
			crossIdx = i
		}
	}
	if crossIdx == -1 {
		return model.ConditionFalse, "no cross observed in window"
	}
	confirmed := values[crossIdx:]
	if len(confirmed) < n {
		return model.ConditionWaiting, "cross observed, awaiting confirmation bars"
	}
	for _, v := range confirmed[:n] {
		if !satisfies(cond.Operator, v, cond.Value) {
			return model.ConditionFalse, "cross not sustained through confirmation window"
		}
	}
	return model.ConditionTrue, "cross confirmed"
}
