package shared

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// jpyPipFactor is the pip multiplier for yen quoted pairs.
	jpyPipFactor = decimal.NewFromInt(100)
	// pipFactor is the pip multiplier for all other pairs.
	pipFactor = decimal.NewFromInt(10000)
)

// RuleSet is an opaque handle to an externally owned set of trading rules.
type RuleSet any

// Quote represents a bid/ask snapshot of an instrument.
type Quote struct {
	Instrument string
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	At         time.Time
}

// PriceFor returns the price a market order in the provided direction fills at.
func (q Quote) PriceFor(direction Direction) decimal.Decimal {
	if direction == Long {
		return q.Ask
	}

	return q.Bid
}

// QuoteSnapshot represents the quotes fetched for a tick.
type QuoteSnapshot struct {
	// At is the tick boundary the snapshot was taken for.
	At     time.Time
	Quotes map[string]Quote
}

// Fill represents a broker confirmed order execution.
type Fill struct {
	OrderID    string
	IntentID   string
	Instrument string
	Direction  Direction
	Size       int64
	Price      decimal.Decimal
	FilledAt   time.Time
}

// BrokerPosition represents an open position as reported by the broker.
type BrokerPosition struct {
	ID         string
	Instrument string
	Direction  Direction
	Size       int64
	OpenPrice  decimal.Decimal
}

// IsYenPair returns whether the instrument is quoted in yen.
func IsYenPair(instrument string) bool {
	return strings.Contains(strings.ToUpper(instrument), "JPY")
}

// PriceDecimals returns the number of decimals quotes for the instrument carry.
func PriceDecimals(instrument string) int32 {
	if IsYenPair(instrument) {
		return 3
	}

	return 5
}

// PipFactor returns the multiplier converting a price difference to pips.
func PipFactor(instrument string) decimal.Decimal {
	if IsYenPair(instrument) {
		return jpyPipFactor
	}

	return pipFactor
}
