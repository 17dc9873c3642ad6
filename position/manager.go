package position

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dnldd/saxotrader/shared"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ManagerConfig represents the position manager configuration.
type ManagerConfig struct {
	// Notify sends the provided message.
	Notify func(message string)
	// PersistClosedPosition persists the provided closed position.
	PersistClosedPosition func(position *Position) error
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *ManagerConfig) Validate() error {
	var errs error

	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// ReconcileSummary summarises the changes made reconciling against the broker.
type ReconcileSummary struct {
	// Adopted counts broker positions not known to the cache that were added.
	Adopted int
	// Dropped counts cached positions the broker no longer reports.
	Dropped int
}

// key identifies the positions of an instrument held in one direction.
type key struct {
	instrument string
	direction  shared.Direction
}

// Manager caches positions through their lifecycles, updated from confirmed fills.
type Manager struct {
	cfg        *ManagerConfig
	markets    map[string]*Market
	marketsMtx sync.RWMutex
}

// NewPositionManager initializes a new position manager.
func NewPositionManager(cfg *ManagerConfig) (*Manager, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating position manager config: %w", err)
	}

	return &Manager{
		cfg:     cfg,
		markets: make(map[string]*Market),
	}, nil
}

// market returns the market of the provided instrument, creating it when absent.
func (m *Manager) market(instrument string) *Market {
	m.marketsMtx.RLock()
	mkt, ok := m.markets[instrument]
	m.marketsMtx.RUnlock()
	if ok {
		return mkt
	}

	m.marketsMtx.Lock()
	defer m.marketsMtx.Unlock()

	mkt, ok = m.markets[instrument]
	if !ok {
		mkt = NewMarket(instrument)
		m.markets[instrument] = mkt
	}

	return mkt
}

// notify relays the provided message when a notifier is configured.
func (m *Manager) notify(msg string) {
	if m.cfg.Notify != nil {
		m.cfg.Notify(msg)
	}
}

// Open tracks a new position from the provided opening fill.
func (m *Manager) Open(fill *shared.Fill, reference string) (*Position, error) {
	pos, err := NewPosition(fill, reference)
	if err != nil {
		return nil, fmt.Errorf("creating new position: %w", err)
	}

	err = m.market(pos.Instrument).AddPosition(pos)
	if err != nil {
		return nil, fmt.Errorf("tracking position: %w", err)
	}

	m.notify(fmt.Sprintf("Opened %s position (%s) for %s %d @ %s",
		pos.Direction.String(), pos.ID, pos.Instrument, pos.Size, pos.EntryPrice.String()))

	return pos, nil
}

// Close closes every position of the instrument held in the provided direction
// at the provided price. Closed positions are persisted and announced.
func (m *Manager) Close(instrument string, direction shared.Direction, price decimal.Decimal, at time.Time) ([]*Position, error) {
	closed, err := m.market(instrument).ClosePositions(direction, price, at)
	if err != nil {
		return nil, fmt.Errorf("closing %s %s positions: %w", direction.String(), instrument, err)
	}

	for _, pos := range closed {
		if m.cfg.PersistClosedPosition != nil {
			err := m.cfg.PersistClosedPosition(pos)
			if err != nil {
				m.cfg.Logger.Error().Err(err).Msgf("persisting closed position %s", pos.ID)
			}
		}

		m.notify(fmt.Sprintf("Closed %s position (%s) for %s @ %s, %s pips",
			pos.Direction.String(), pos.ID, pos.Instrument, pos.ExitPrice.String(), pos.Pips.String()))
	}

	return closed, nil
}

// Update updates the running pips of open positions from the provided quotes.
func (m *Manager) Update(quotes map[string]shared.Quote) {
	m.marketsMtx.RLock()
	defer m.marketsMtx.RUnlock()

	for instrument, mkt := range m.markets {
		quote, ok := quotes[instrument]
		if !ok {
			continue
		}

		err := mkt.Update(quote)
		if err != nil {
			m.cfg.Logger.Error().Err(err).Msgf("updating %s positions", instrument)
		}
	}
}

// Positions returns a snapshot of the open positions ordered by opening time.
func (m *Manager) Positions() []Position {
	m.marketsMtx.RLock()
	set := make([]Position, 0)
	for _, mkt := range m.markets {
		set = append(set, mkt.Positions()...)
	}
	m.marketsMtx.RUnlock()

	sort.Slice(set, func(i, j int) bool {
		if set[i].OpenedAt.Equal(set[j].OpenedAt) {
			return set[i].ID < set[j].ID
		}
		return set[i].OpenedAt.Before(set[j].OpenedAt)
	})

	return set
}

// Count returns the number of open positions.
func (m *Manager) Count() int {
	m.marketsMtx.RLock()
	defer m.marketsMtx.RUnlock()

	count := 0
	for _, mkt := range m.markets {
		count += mkt.Count()
	}

	return count
}

// Reconcile aligns the cache with the positions the broker reports. Cached
// positions the broker no longer holds were closed outside the daemon and are
// dropped; broker positions unknown to the cache are adopted.
func (m *Manager) Reconcile(brokerPositions []shared.BrokerPosition, at time.Time) ReconcileSummary {
	var summary ReconcileSummary

	held := make(map[key][]shared.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		k := key{instrument: bp.Instrument, direction: bp.Direction}
		held[k] = append(held[k], bp)
	}

	m.marketsMtx.RLock()
	markets := make([]*Market, 0, len(m.markets))
	for _, mkt := range m.markets {
		markets = append(markets, mkt)
	}
	m.marketsMtx.RUnlock()

	for _, mkt := range markets {
		for _, direction := range []shared.Direction{shared.Long, shared.Short} {
			if !mkt.Holds(direction) {
				continue
			}
			if _, ok := held[key{instrument: mkt.instrument, direction: direction}]; ok {
				continue
			}

			dropped := mkt.Drop(direction)
			summary.Dropped += len(dropped)
			for _, pos := range dropped {
				m.cfg.Logger.Warn().Msgf("position %s (%s %s) no longer held at the broker, dropping it",
					pos.ID, pos.Direction.String(), pos.Instrument)
			}
		}
	}

	for k, set := range held {
		mkt := m.market(k.instrument)
		if mkt.Holds(k.direction) {
			continue
		}

		for _, bp := range set {
			pos, err := NewPosition(&shared.Fill{
				OrderID:    bp.ID,
				Instrument: bp.Instrument,
				Direction:  bp.Direction,
				Size:       bp.Size,
				Price:      bp.OpenPrice,
				FilledAt:   at,
			}, "")
			if err != nil {
				m.cfg.Logger.Error().Err(err).Msgf("adopting broker position %s", bp.ID)
				continue
			}

			err = mkt.AddPosition(pos)
			if err != nil {
				m.cfg.Logger.Error().Err(err).Msgf("adopting broker position %s", bp.ID)
				continue
			}

			summary.Adopted++
			m.cfg.Logger.Info().Msgf("adopted broker position %s (%s %s %d)",
				bp.ID, bp.Direction.String(), bp.Instrument, bp.Size)
		}
	}

	return summary
}
