package position

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dnldd/saxotrader/shared"
	"github.com/shopspring/decimal"
)

// MarketStatus represents the possible inclinations of an instrument's positions.
type MarketStatus int

const (
	Neutral MarketStatus = iota
	LongInclined
	ShortInclined
)

// String stringifies the provided market status.
func (s MarketStatus) String() string {
	switch s {
	case Neutral:
		return "neutral"
	case LongInclined:
		return "long inclined"
	case ShortInclined:
		return "short inclined"
	default:
		return "unknown"
	}
}

// Market tracks the open positions of the provided instrument.
type Market struct {
	instrument  string
	positions   map[string]*Position
	positionMtx sync.RWMutex
	status      atomic.Uint32
}

// NewMarket initializes a new market.
func NewMarket(instrument string) *Market {
	return &Market{
		instrument: instrument,
		positions:  make(map[string]*Position),
	}
}

// Status returns the current inclination of the market.
func (m *Market) Status() MarketStatus {
	return MarketStatus(m.status.Load())
}

// AddPosition adds the provided position to the market.
func (m *Market) AddPosition(position *Position) error {
	if position == nil {
		return fmt.Errorf("position cannot be nil")
	}
	if position.Instrument != m.instrument {
		return fmt.Errorf("unexpected position instrument provided: %s", position.Instrument)
	}

	m.positionMtx.Lock()
	defer m.positionMtx.Unlock()

	// Positions net at the broker, so a market holding one direction only accepts
	// more of that direction until it has been unwound back to neutral.
	inclination := LongInclined
	if position.Direction == shared.Short {
		inclination = ShortInclined
	}

	status := MarketStatus(m.status.Load())
	if status != Neutral && status != inclination {
		return fmt.Errorf("%s position provided to %s market currently %s",
			position.Direction.String(), m.instrument, status.String())
	}

	if _, ok := m.positions[position.ID]; ok {
		// do nothing if the position is already tracked.
		return nil
	}

	m.positions[position.ID] = position
	m.status.Store(uint32(inclination))

	return nil
}

// Update updates the running pips of tracked positions with the provided quote.
func (m *Market) Update(quote shared.Quote) error {
	m.positionMtx.RLock()
	defer m.positionMtx.RUnlock()

	for k := range m.positions {
		pos := m.positions[k]
		_, err := pos.UpdatePips(quote.PriceFor(pos.Direction.Opposite()))
		if err != nil {
			return fmt.Errorf("updating position pips: %w", err)
		}
	}

	return nil
}

// ClosePositions closes every tracked position held in the provided direction
// at the provided price.
func (m *Market) ClosePositions(direction shared.Direction, price decimal.Decimal, at time.Time) ([]*Position, error) {
	m.positionMtx.Lock()
	defer m.positionMtx.Unlock()

	set := make([]*Position, 0, len(m.positions))
	for k := range m.positions {
		if m.positions[k].Direction != direction {
			continue
		}

		_, err := m.positions[k].ClosePosition(price, at)
		if err != nil {
			return nil, err
		}

		set = append(set, m.positions[k])
		delete(m.positions, k)
	}

	// Reset the market status to neutral if all positions have been removed.
	if len(m.positions) == 0 {
		m.status.Store(uint32(Neutral))
	}

	sort.Slice(set, func(i, j int) bool { return set[i].OpenedAt.Before(set[j].OpenedAt) })

	return set, nil
}

// Drop removes every tracked position held in the provided direction without
// realising a result, returning the removed positions.
func (m *Market) Drop(direction shared.Direction) []*Position {
	m.positionMtx.Lock()
	defer m.positionMtx.Unlock()

	set := make([]*Position, 0)
	for k := range m.positions {
		if m.positions[k].Direction == direction {
			set = append(set, m.positions[k])
			delete(m.positions, k)
		}
	}

	if len(m.positions) == 0 {
		m.status.Store(uint32(Neutral))
	}

	return set
}

// Positions returns copies of the tracked positions.
func (m *Market) Positions() []Position {
	m.positionMtx.RLock()
	defer m.positionMtx.RUnlock()

	set := make([]Position, 0, len(m.positions))
	for k := range m.positions {
		set = append(set, *m.positions[k])
	}

	return set
}

// Count returns the number of tracked positions.
func (m *Market) Count() int {
	m.positionMtx.RLock()
	defer m.positionMtx.RUnlock()
	return len(m.positions)
}

// Holds returns whether positions are held in the provided direction.
func (m *Market) Holds(direction shared.Direction) bool {
	m.positionMtx.RLock()
	defer m.positionMtx.RUnlock()

	for k := range m.positions {
		if m.positions[k].Direction == direction {
			return true
		}
	}

	return false
}
