package position

import (
	"fmt"
	"time"

	"github.com/dnldd/saxotrader/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// pipPrecision is the number of decimals pips are reported with.
const pipPrecision = 1

// PositionStatus represents the status of a position.
type PositionStatus int

const (
	Open PositionStatus = iota
	Closed
)

// String stringifies the provided position status.
func (s *PositionStatus) String() string {
	switch *s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Position represents a position opened by a confirmed fill.
type Position struct {
	ID         string
	BrokerID   string
	Instrument string
	Direction  shared.Direction
	Size       int64
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	// Pips is the realised result once closed and the running result while open.
	Pips      decimal.Decimal
	Reference string
	Status    PositionStatus
	OpenedAt  time.Time
	ClosedAt  time.Time
}

// NewPosition initializes a new position from the provided opening fill.
func NewPosition(fill *shared.Fill, reference string) (*Position, error) {
	if fill == nil {
		return nil, fmt.Errorf("fill cannot be nil")
	}
	if fill.Instrument == "" {
		return nil, fmt.Errorf("fill instrument cannot be an empty string")
	}
	if fill.Size <= 0 {
		return nil, fmt.Errorf("fill size must be positive, got %d", fill.Size)
	}

	return &Position{
		ID:         uuid.New().String(),
		BrokerID:   fill.OrderID,
		Instrument: fill.Instrument,
		Direction:  fill.Direction,
		Size:       fill.Size,
		EntryPrice: fill.Price,
		Pips:       decimal.Zero,
		Reference:  reference,
		Status:     Open,
		OpenedAt:   fill.FilledAt,
	}, nil
}

// pipsAt returns the pips the position is worth at the provided price.
func (p *Position) pipsAt(price decimal.Decimal) (decimal.Decimal, error) {
	var diff decimal.Decimal
	switch p.Direction {
	case shared.Long:
		diff = price.Sub(p.EntryPrice)
	case shared.Short:
		diff = p.EntryPrice.Sub(price)
	default:
		return decimal.Zero, fmt.Errorf("unknown direction for position: %s", p.Direction.String())
	}

	return diff.Mul(shared.PipFactor(p.Instrument)).Round(pipPrecision), nil
}

// UpdatePips updates the running pips of the position given the current price.
func (p *Position) UpdatePips(currentPrice decimal.Decimal) (decimal.Decimal, error) {
	if p.Status == Closed {
		return p.Pips, nil
	}

	pips, err := p.pipsAt(currentPrice)
	if err != nil {
		return decimal.Zero, err
	}

	p.Pips = pips
	return pips, nil
}

// ClosePosition closes the position at the provided exit price and returns the realised pips.
func (p *Position) ClosePosition(exitPrice decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	if p.Status == Closed {
		return decimal.Zero, fmt.Errorf("position %s is already closed", p.ID)
	}

	pips, err := p.pipsAt(exitPrice)
	if err != nil {
		return decimal.Zero, err
	}

	p.ExitPrice = exitPrice
	p.Pips = pips
	p.ClosedAt = at
	p.Status = Closed

	return pips, nil
}

// String stringifies the provided position.
func (p *Position) String() string {
	return fmt.Sprintf("%s %s %d %s @ %s (%s pips, %s)", p.Direction.String(), p.Instrument, p.Size,
		p.ID, p.EntryPrice.String(), p.Pips.String(), p.Status.String())
}
