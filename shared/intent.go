package shared

import (
	"fmt"

	"github.com/google/uuid"
)

// OrderType represents the broker order type of an intent.
type OrderType int

const (
	Market OrderType = iota
	Limit
)

// String stringifies the provided order type.
func (t OrderType) String() string {
	switch t {
	case Market:
		return "Market"
	case Limit:
		return "Limit"
	default:
		return "unknown"
	}
}

// Action represents what an order intent does to the position book.
type Action int

const (
	Open Action = iota
	Close
)

// String stringifies the provided action.
func (a Action) String() string {
	switch a {
	case Open:
		return "open"
	case Close:
		return "close"
	default:
		return "unknown"
	}
}

// OrderIntent represents a proposed trade action not yet confirmed by the broker.
// Intents are values; once emitted they are never modified.
type OrderIntent struct {
	// ID uniquely identifies the intent. It doubles as the broker request id so a
	// retried submission can be deduplicated upstream.
	ID         string
	Instrument string
	Direction  Direction
	Size       int64
	Type       OrderType
	Action     Action
	// Reference ties the intent to the rule that produced it.
	Reference string
}

// NewOrderIntent initializes a new order intent.
func NewOrderIntent(instrument string, direction Direction, size int64, orderType OrderType, action Action, reference string) (OrderIntent, error) {
	if instrument == "" {
		return OrderIntent{}, fmt.Errorf("instrument cannot be an empty string")
	}
	if size <= 0 {
		return OrderIntent{}, fmt.Errorf("order size must be positive, got %d", size)
	}

	return OrderIntent{
		ID:         uuid.New().String(),
		Instrument: instrument,
		Direction:  direction,
		Size:       size,
		Type:       orderType,
		Action:     action,
		Reference:  reference,
	}, nil
}

// String stringifies the provided intent.
func (i OrderIntent) String() string {
	return fmt.Sprintf("%s %s %s %d (%s)", i.Action.String(), i.Direction.String(), i.Instrument, i.Size, i.ID)
}
