package shared

import (
	"fmt"
	"strings"
)

// Direction represents market direction.
type Direction int

const (
	Long Direction = iota
	Short
)

// String stringifies the provided direction.
func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "unknown"
	}
}

// BuySell returns the broker order side for the direction.
func (d Direction) BuySell() string {
	switch d {
	case Long:
		return "Buy"
	case Short:
		return "Sell"
	default:
		return "unknown"
	}
}

// Opposite returns the direction that unwinds the provided direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}

	return Long
}

// ParseDirection parses the provided direction. Both position (long/short) and
// order side (buy/sell) spellings are accepted.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return Long, nil
	case "short", "sell":
		return Short, nil
	default:
		return 0, fmt.Errorf("unknown direction provided: %q", s)
	}
}
