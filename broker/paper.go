package broker

import (
	"sort"
	"sync"
	"time"

	"github.com/dnldd/saxotrader/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// paperBook tracks simulated positions in dry run mode.
type paperBook struct {
	mtx  sync.Mutex
	book map[string]shared.BrokerPosition
}

// newPaperBook initializes a new paper book.
func newPaperBook() *paperBook {
	return &paperBook{book: make(map[string]shared.BrokerPosition)}
}

// apply simulates the execution of the provided intent at the provided price.
// Closing intents flatten every simulated position of the instrument held in
// the intent direction.
func (p *paperBook) apply(intent shared.OrderIntent, price decimal.Decimal, at time.Time) *shared.Fill {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	switch intent.Action {
	case shared.Open:
		id := uuid.New().String()
		p.book[id] = shared.BrokerPosition{
			ID:         id,
			Instrument: intent.Instrument,
			Direction:  intent.Direction,
			Size:       intent.Size,
			OpenPrice:  price,
		}
	case shared.Close:
		for id, pos := range p.book {
			if pos.Instrument == intent.Instrument && pos.Direction == intent.Direction {
				delete(p.book, id)
			}
		}
	}

	return &shared.Fill{
		OrderID:    "paper-" + uuid.New().String(),
		IntentID:   intent.ID,
		Instrument: intent.Instrument,
		Direction:  intent.Direction,
		Size:       intent.Size,
		Price:      price,
		FilledAt:   at,
	}
}

// positions returns the simulated open positions ordered by id.
func (p *paperBook) positions() []shared.BrokerPosition {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	positions := make([]shared.BrokerPosition, 0, len(p.book))
	for _, pos := range p.book {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].ID < positions[j].ID })

	return positions
}
