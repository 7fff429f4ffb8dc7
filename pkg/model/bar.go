package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Contract identifies a tradable instrument for gateway/bar requests.
type Contract struct {
	Symbol   string  `json:"symbol"`
	SecType  SecType `json:"secType"`
	Exchange string  `json:"exchange"`
	Currency string  `json:"currency"`
}

// Key returns a stable cache key for the contract.
func (c Contract) Key() string {
	return string(c.SecType) + ":" + c.Exchange + ":" + c.Currency + ":" + c.Symbol
}

// Bar is one OHLCV sample over a contiguous time bucket.
type Bar struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Basis extracts the scalar named by a WindowPriceBasis from a bar.
func (b Bar) Basis(basis WindowPriceBasis) decimal.Decimal {
	switch basis {
	case BasisHigh:
		return b.High
	case BasisLow:
		return b.Low
	case BasisAvg:
		return b.High.Add(b.Low).Add(b.Close).Add(b.Open).Div(decimal.NewFromInt(4))
	default:
		return b.Close
	}
}
