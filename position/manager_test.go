package position

import (
	"errors"
	"testing"
	"time"

	"github.com/dnldd/saxotrader/shared"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

func setupManager(t *testing.T, persisted *[]*Position, messages *[]string) *Manager {
	mgr, err := NewPositionManager(&ManagerConfig{
		Notify: func(message string) {
			*messages = append(*messages, message)
		},
		PersistClosedPosition: func(position *Position) error {
			*persisted = append(*persisted, position)
			return errors.New("journal unavailable")
		},
		Logger: &log.Logger,
	})
	assert.NoError(t, err)

	return mgr
}

func TestPositionManager(t *testing.T) {
	var persisted []*Position
	var messages []string
	mgr := setupManager(t, &persisted, &messages)

	_, err := NewPositionManager(&ManagerConfig{})
	assert.Error(t, err)

	// Ensure positions are opened from fills.
	first, err := mgr.Open(testFill("EURUSD", shared.Long, "1.08130"), "rule-1")
	assert.NoError(t, err)
	second := testFill("USDJPY", shared.Short, "149.120")
	second.FilledAt = second.FilledAt.Add(time.Minute)
	_, err = mgr.Open(second, "rule-2")
	assert.NoError(t, err)
	assert.Equal(t, 2, mgr.Count())
	assert.Equal(t, 2, len(messages))

	// Ensure opposite positions on a netting instrument are rejected.
	_, err = mgr.Open(testFill("EURUSD", shared.Short, "1.08120"), "rule-3")
	assert.Error(t, err)

	snapshot := mgr.Positions()
	assert.Equal(t, 2, len(snapshot))
	assert.Equal(t, first.ID, snapshot[0].ID)
	assert.Equal(t, "USDJPY", snapshot[1].Instrument)

	// Ensure snapshots are copies.
	snapshot[0].Size = 1
	assert.Equal(t, int64(10000), mgr.Positions()[0].Size)

	mgr.Update(map[string]shared.Quote{
		"USDJPY": {Instrument: "USDJPY", Bid: decimal.RequireFromString("149.000"), Ask: decimal.RequireFromString("149.020")},
	})
	assert.True(t, decimal.RequireFromString("10").Equal(mgr.Positions()[1].Pips))

	// Ensure closing persists and notifies even when persistence fails.
	closed, err := mgr.Close("EURUSD", shared.Long, decimal.RequireFromString("1.08250"), time.Now())
	assert.NoError(t, err)
	assert.Equal(t, 1, len(closed))
	assert.True(t, decimal.RequireFromString("12").Equal(closed[0].Pips))
	assert.Equal(t, 1, len(persisted))
	assert.Equal(t, 3, len(messages))
	assert.Equal(t, 1, mgr.Count())
}

func TestPositionManagerReconcile(t *testing.T) {
	var persisted []*Position
	var messages []string
	mgr := setupManager(t, &persisted, &messages)

	_, err := mgr.Open(testFill("EURUSD", shared.Long, "1.08130"), "rule-1")
	assert.NoError(t, err)
	_, err = mgr.Open(testFill("GBPUSD", shared.Short, "1.25000"), "rule-2")
	assert.NoError(t, err)

	// EURUSD is still held, GBPUSD was closed elsewhere and USDJPY was opened elsewhere.
	summary := mgr.Reconcile([]shared.BrokerPosition{
		{ID: "b1", Instrument: "EURUSD", Direction: shared.Long, Size: 10000, OpenPrice: decimal.RequireFromString("1.0813")},
		{ID: "b2", Instrument: "USDJPY", Direction: shared.Short, Size: 5000, OpenPrice: decimal.RequireFromString("149.5")},
	}, time.Now())

	assert.Equal(t, ReconcileSummary{Adopted: 1, Dropped: 1}, summary)
	assert.Equal(t, 2, mgr.Count())

	instruments := []string{}
	for _, pos := range mgr.Positions() {
		instruments = append(instruments, pos.Instrument)
	}
	assert.In(t, "EURUSD", instruments)
	assert.In(t, "USDJPY", instruments)

	// Reconciling again is a no-op.
	summary = mgr.Reconcile([]shared.BrokerPosition{
		{ID: "b1", Instrument: "EURUSD", Direction: shared.Long, Size: 10000},
		{ID: "b2", Instrument: "USDJPY", Direction: shared.Short, Size: 5000},
	}, time.Now())
	assert.Equal(t, ReconcileSummary{}, summary)
	assert.Equal(t, 0, len(persisted))
}
