// Package gas holds the gas-price domain types shared across the oracle, prediction and
// alerting packages.
package gas

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

const gweiDecimals = 2

var weiPerGwei = decimal.New(1, 9)

// Sample is one observed gas price.
type Sample struct {
	Gwei       decimal.Decimal `json:"gwei"`
	WeiRaw     string          `json:"wei"`
	ObservedAt time.Time       `json:"timestamp"`
	Source     string          `json:"source,omitempty"`
}

// FromWei builds a sample from a raw wei amount. Gwei is rounded to two decimals.
func FromWei(wei *big.Int, observedAt time.Time, source string) Sample {
	if wei == nil {
		wei = new(big.Int)
	}
	return Sample{
		Gwei:       decimal.NewFromBigInt(wei, -9).Round(gweiDecimals),
		WeiRaw:     wei.String(),
		ObservedAt: observedAt.UTC(),
		Source:     source,
	}
}

// FromGwei builds a sample from a gwei quote, deriving the integer wei amount.
func FromGwei(gwei decimal.Decimal, observedAt time.Time, source string) Sample {
	wei := gwei.Mul(weiPerGwei).Round(0)
	return Sample{
		Gwei:       gwei.Round(gweiDecimals),
		WeiRaw:     wei.BigInt().String(),
		ObservedAt: observedAt.UTC(),
		Source:     source,
	}
}

// Wei parses WeiRaw back into an integer. Invalid values yield zero.
func (s Sample) Wei() *big.Int {
	v, ok := new(big.Int).SetString(s.WeiRaw, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// Status buckets a gwei level for display.
type Status string

const (
	StatusLow    Status = "LOW"
	StatusMedium Status = "MEDIUM"
	StatusHigh   Status = "HIGH"
)

// Status boundaries in gwei. A price strictly above a boundary moves up a bucket.
var (
	MediumThreshold = decimal.NewFromInt(20)
	HighThreshold   = decimal.NewFromInt(40)
)

// ClassifyStatus maps a gwei level to LOW/MEDIUM/HIGH.
func ClassifyStatus(gwei decimal.Decimal) Status {
	switch {
	case gwei.GreaterThan(HighThreshold):
		return StatusHigh
	case gwei.GreaterThan(MediumThreshold):
		return StatusMedium
	default:
		return StatusLow
	}
}

// EstimateCost returns the native-token cost of gasUnits at the given gwei price.
func EstimateCost(gasUnits uint64, gwei decimal.Decimal) decimal.Decimal {
	wei := gwei.Mul(weiPerGwei).Floor()
	return wei.Mul(decimal.NewFromInt(int64(gasUnits))).Shift(-18)
}
