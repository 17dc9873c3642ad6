package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dnldd/saxotrader/broker"
	"github.com/dnldd/saxotrader/position"
	"github.com/dnldd/saxotrader/shared"
	"github.com/go-co-op/gocron"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type brokerMock struct {
	mtx       sync.Mutex
	quoteErr  error
	orderErrs map[int]error
	submitted []shared.OrderIntent
	positions []shared.BrokerPosition
	block     chan struct{}
	started   chan struct{}
}

func (m *brokerMock) Quotes(ctx context.Context, instruments []string) (map[string]shared.Quote, error) {
	if m.started != nil {
		close(m.started)
	}
	if m.block != nil {
		<-m.block
	}
	if m.quoteErr != nil {
		return nil, m.quoteErr
	}

	quotes := make(map[string]shared.Quote)
	for _, instrument := range []string{"EURUSD", "USDJPY", "GBPUSD"} {
		quotes[instrument] = shared.Quote{
			Instrument: instrument,
			Bid:        decimal.RequireFromString("1.10000"),
			Ask:        decimal.RequireFromString("1.10010"),
		}
	}

	return quotes, nil
}

func (m *brokerMock) Positions(ctx context.Context) ([]shared.BrokerPosition, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return append([]shared.BrokerPosition{}, m.positions...), nil
}

func (m *brokerMock) PlaceOrder(ctx context.Context, intent shared.OrderIntent, quote shared.Quote) (*shared.Fill, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	idx := len(m.submitted)
	m.submitted = append(m.submitted, intent)
	if err := m.orderErrs[idx]; err != nil {
		return nil, err
	}

	side := intent.Direction
	if intent.Action == shared.Close {
		side = side.Opposite()
	}

	switch intent.Action {
	case shared.Open:
		m.positions = append(m.positions, shared.BrokerPosition{
			ID:         fmt.Sprintf("b%d", idx),
			Instrument: intent.Instrument,
			Direction:  intent.Direction,
			Size:       intent.Size,
			OpenPrice:  quote.PriceFor(side),
		})
	case shared.Close:
		kept := m.positions[:0]
		for _, pos := range m.positions {
			if pos.Instrument != intent.Instrument || pos.Direction != intent.Direction {
				kept = append(kept, pos)
			}
		}
		m.positions = kept
	}

	return &shared.Fill{
		OrderID:    fmt.Sprintf("o%d", idx),
		IntentID:   intent.ID,
		Instrument: intent.Instrument,
		Direction:  intent.Direction,
		Size:       intent.Size,
		Price:      quote.PriceFor(side),
		FilledAt:   time.Date(2025, 3, 4, 9, 0, 1, 0, time.UTC),
	}, nil
}

func (m *brokerMock) submissions() []shared.OrderIntent {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return append([]shared.OrderIntent{}, m.submitted...)
}

type evaluatorMock struct {
	calls   atomic.Int32
	intents func() []shared.OrderIntent
	err     error
}

func (m *evaluatorMock) Evaluate(ctx context.Context, ruleSet shared.RuleSet, quotes shared.QuoteSnapshot, positions []position.Position) ([]shared.OrderIntent, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	if m.intents == nil {
		return nil, nil
	}
	return m.intents(), nil
}

type ruleSourceMock struct {
	loads atomic.Int32
	err   error
}

type testRuleSet struct{}

func (testRuleSet) Instruments() []string { return []string{"USDJPY"} }

func (m *ruleSourceMock) Load() (shared.RuleSet, error) {
	m.loads.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return testRuleSet{}, nil
}

type credentialsMock struct {
	valid atomic.Bool
}

func (m *credentialsMock) IsValid(lead time.Duration) bool {
	return m.valid.Load()
}

func mustIntent(t *testing.T, instrument string, direction shared.Direction, action shared.Action) shared.OrderIntent {
	intent, err := shared.NewOrderIntent(instrument, direction, 10000, shared.Market, action, instrument+"-rule")
	assert.NoError(t, err)
	return intent
}

type testHarness struct {
	scheduler   *Scheduler
	broker      *brokerMock
	evaluator   *evaluatorMock
	rules       *ruleSourceMock
	credentials *credentialsMock
	positions   *position.Manager
	orders      map[string]int
	results     []TickResult
}

func setupScheduler(t *testing.T) *testHarness {
	h := &testHarness{
		broker:      &brokerMock{},
		evaluator:   &evaluatorMock{},
		rules:       &ruleSourceMock{},
		credentials: &credentialsMock{},
		orders:      make(map[string]int),
	}
	h.credentials.valid.Store(true)

	var err error
	h.positions, err = position.NewPositionManager(&position.ManagerConfig{Logger: &log.Logger})
	assert.NoError(t, err)

	var mtx sync.Mutex
	h.scheduler, err = NewScheduler(&SchedulerConfig{
		Instruments:  []string{"EURUSD", "GBPUSD"},
		Broker:       h.broker,
		Evaluator:    h.evaluator,
		Rules:        h.rules,
		Credentials:  h.credentials,
		Positions:    h.positions,
		JobScheduler: gocron.NewScheduler(time.UTC),
		OnTick: func(result TickResult) {
			mtx.Lock()
			h.results = append(h.results, result)
			mtx.Unlock()
		},
		RecordOrder: func(intent shared.OrderIntent, outcome string) {
			mtx.Lock()
			h.orders[outcome]++
			mtx.Unlock()
		},
		Now:    func() time.Time { return time.Date(2025, 3, 4, 9, 0, 0, 200, time.UTC) },
		Logger: &log.Logger,
	})
	assert.NoError(t, err)

	return h
}

func TestSchedulerConfigValidate(t *testing.T) {
	_, err := NewScheduler(&SchedulerConfig{})
	assert.Error(t, err)
}

func TestNextTick(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "mid minute",
			now:  time.Date(2025, 3, 4, 9, 0, 37, 0, time.UTC),
			want: time.Date(2025, 3, 4, 9, 1, 0, 0, time.UTC),
		},
		{
			name: "exactly on a boundary",
			now:  time.Date(2025, 3, 4, 9, 1, 0, 0, time.UTC),
			want: time.Date(2025, 3, 4, 9, 2, 0, 0, time.UTC),
		},
		{
			name: "late tick does not drift",
			now:  time.Date(2025, 3, 4, 9, 1, 59, 999, time.UTC),
			want: time.Date(2025, 3, 4, 9, 2, 0, 0, time.UTC),
		},
		{
			name: "day rollover",
			now:  time.Date(2025, 3, 4, 23, 59, 30, 0, time.UTC),
			want: time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, NextTick(test.now, time.Minute))
		})
	}
}

func TestTickFailedIntentDoesNotAbortTheRest(t *testing.T) {
	h := setupScheduler(t)
	h.broker.orderErrs = map[int]error{
		1: &broker.Error{Kind: broker.KindValidation, StatusCode: 400, Code: "IllegalAmount"},
	}

	var intents []shared.OrderIntent
	h.evaluator.intents = func() []shared.OrderIntent {
		intents = []shared.OrderIntent{
			mustIntent(t, "EURUSD", shared.Long, shared.Open),
			mustIntent(t, "USDJPY", shared.Short, shared.Open),
			mustIntent(t, "GBPUSD", shared.Long, shared.Open),
		}
		return intents
	}

	h.scheduler.handleTick(context.Background())

	submitted := h.broker.submissions()
	assert.Equal(t, 3, len(submitted))
	for idx := range intents {
		assert.Equal(t, intents[idx].ID, submitted[idx].ID)
	}

	assert.Equal(t, 1, len(h.results))
	result := h.results[0]
	assert.Equal(t, 3, result.Intents)
	assert.Equal(t, 2, result.Submitted)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, len(result.Failures))
	assert.True(t, errors.Is(result.Failures[0], broker.ErrValidation))
	assert.Equal(t, 2, result.Entries)
	assert.False(t, result.Suspended)
	assert.Equal(t, time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC), result.At)

	assert.Equal(t, 2, h.positions.Count())
	assert.Equal(t, 2, h.orders[OutcomeFilled])
	assert.Equal(t, 1, h.orders[OutcomeFailed])
	assert.Equal(t, WaitingForTick, h.scheduler.State())

	stats := h.scheduler.Stats()
	assert.Equal(t, 1, stats.Ticks)
	assert.Equal(t, 3, stats.Intents)
	assert.Equal(t, 1, stats.Failures)
}

func TestTickClosesPositions(t *testing.T) {
	h := setupScheduler(t)

	h.evaluator.intents = func() []shared.OrderIntent {
		return []shared.OrderIntent{mustIntent(t, "EURUSD", shared.Long, shared.Open)}
	}
	h.scheduler.handleTick(context.Background())
	assert.Equal(t, 1, h.positions.Count())

	h.evaluator.intents = func() []shared.OrderIntent {
		return []shared.OrderIntent{mustIntent(t, "EURUSD", shared.Long, shared.Close)}
	}
	h.scheduler.handleTick(context.Background())
	assert.Equal(t, 0, h.positions.Count())

	result := h.results[1]
	assert.Equal(t, 1, result.Exits)
	// Bought at the ask and sold at the bid, losing the spread.
	assert.True(t, decimal.RequireFromString("-1").Equal(result.Pips))
	assert.True(t, decimal.RequireFromString("-1").Equal(h.scheduler.Stats().Pips))
}

func TestTickSuspendsOnAuthenticationFailure(t *testing.T) {
	h := setupScheduler(t)
	h.broker.orderErrs = map[int]error{
		0: fmt.Errorf("placing order: %w", broker.ErrAuthenticationRejected),
	}
	h.evaluator.intents = func() []shared.OrderIntent {
		return []shared.OrderIntent{
			mustIntent(t, "EURUSD", shared.Long, shared.Open),
			mustIntent(t, "GBPUSD", shared.Long, shared.Open),
		}
	}
	h.credentials.valid.Store(false)

	h.scheduler.handleTick(context.Background())

	// No further submissions once the session is rejected.
	assert.Equal(t, 1, len(h.broker.submissions()))
	result := h.results[0]
	assert.True(t, result.Suspended)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, Suspended, h.scheduler.State())

	// While suspended nothing is evaluated or submitted.
	h.scheduler.handleTick(context.Background())
	assert.Equal(t, int32(1), h.evaluator.calls.Load())
	assert.Equal(t, 1, len(h.broker.submissions()))
	assert.True(t, h.results[1].Suspended)
	assert.Equal(t, Suspended, h.scheduler.State())

	// Ticking resumes once the credential is valid again.
	h.broker.orderErrs = nil
	h.credentials.valid.Store(true)
	h.scheduler.handleTick(context.Background())
	assert.Equal(t, int32(2), h.evaluator.calls.Load())
	assert.Equal(t, 3, len(h.broker.submissions()))
	assert.False(t, h.results[2].Suspended)
	assert.Equal(t, WaitingForTick, h.scheduler.State())
	assert.Equal(t, 2, h.scheduler.Stats().SuspendedTicks)
}

func TestTickSuspendsWhenUnauthenticated(t *testing.T) {
	h := setupScheduler(t)
	h.broker.quoteErr = fmt.Errorf("fetching quotes: %w", broker.ErrUnauthenticated)
	h.evaluator.intents = func() []shared.OrderIntent {
		return []shared.OrderIntent{mustIntent(t, "EURUSD", shared.Long, shared.Open)}
	}
	h.credentials.valid.Store(false)

	h.scheduler.handleTick(context.Background())
	assert.True(t, h.results[0].Suspended)
	assert.Equal(t, int32(0), h.evaluator.calls.Load())
	assert.Equal(t, 0, len(h.broker.submissions()))
	assert.Equal(t, Suspended, h.scheduler.State())
}

func TestTickEvaluationErrorIsNonFatal(t *testing.T) {
	h := setupScheduler(t)
	h.evaluator.err = errors.New("bad rule")

	h.scheduler.handleTick(context.Background())
	assert.Error(t, h.results[0].EvalErr)
	assert.Equal(t, 0, len(h.broker.submissions()))
	assert.Equal(t, WaitingForTick, h.scheduler.State())

	// A broker failure fetching quotes is non fatal too.
	h.evaluator.err = nil
	h.broker.quoteErr = &broker.Error{Kind: broker.KindServer, StatusCode: 502}
	h.scheduler.handleTick(context.Background())
	assert.Error(t, h.results[1].EvalErr)
	assert.False(t, h.results[1].Suspended)
	assert.Equal(t, 2, h.scheduler.Stats().Ticks)
}

func TestRuleSetReload(t *testing.T) {
	h := setupScheduler(t)

	h.scheduler.handleTick(context.Background())
	h.scheduler.handleTick(context.Background())
	assert.Equal(t, int32(1), h.rules.loads.Load())
	assert.Equal(t, []string{"EURUSD", "GBPUSD", "USDJPY"}, h.scheduler.instruments)

	h.scheduler.SendRuleSetChanged()
	h.scheduler.handleTick(context.Background())
	assert.Equal(t, int32(2), h.rules.loads.Load())

	// A failed reload keeps the active rule set.
	h.rules.err = errors.New("unreadable")
	h.scheduler.SendRuleSetChanged()
	h.scheduler.handleTick(context.Background())
	assert.NoError(t, h.results[3].EvalErr)
	assert.Equal(t, int32(4), h.evaluator.calls.Load())
}

func TestRuleSetUnavailable(t *testing.T) {
	h := setupScheduler(t)
	h.rules.err = errors.New("no timetable")

	h.scheduler.handleTick(context.Background())
	assert.Error(t, h.results[0].EvalErr)
	assert.Equal(t, int32(0), h.evaluator.calls.Load())

	// The load is retried on the next tick.
	h.rules.err = nil
	h.scheduler.handleTick(context.Background())
	assert.NoError(t, h.results[1].EvalErr)
	assert.Equal(t, int32(1), h.evaluator.calls.Load())
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	h := setupScheduler(t)
	h.broker.block = make(chan struct{})
	h.broker.started = make(chan struct{})

	var missed atomic.Int32
	h.scheduler.cfg.OnMissedTick = func() { missed.Add(1) }

	done := make(chan struct{})
	go func() {
		h.scheduler.handleTick(context.Background())
		close(done)
	}()

	<-h.broker.started
	assert.Equal(t, Evaluating, h.scheduler.State())

	// The next boundary arrives while the first tick is still running.
	h.scheduler.handleTick(context.Background())
	assert.Equal(t, int32(1), missed.Load())
	assert.Equal(t, 1, h.scheduler.Stats().MissedTicks)

	close(h.broker.block)
	<-done

	// Only the first tick ran.
	assert.Equal(t, 1, len(h.results))
	assert.Equal(t, 1, h.scheduler.Stats().Ticks)
}

func TestShutdownCompletesInFlightTick(t *testing.T) {
	h := setupScheduler(t)
	h.broker.block = make(chan struct{})
	h.broker.started = make(chan struct{})
	h.evaluator.intents = func() []shared.OrderIntent {
		return []shared.OrderIntent{
			mustIntent(t, "EURUSD", shared.Long, shared.Open),
			mustIntent(t, "GBPUSD", shared.Long, shared.Open),
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	runDone := make(chan struct{})
	go func() {
		h.scheduler.Run(ctx)
		close(runDone)
	}()

	tickDone := make(chan struct{})
	go func() {
		h.scheduler.handleTick(ctx)
		close(tickDone)
	}()

	<-h.broker.started
	cancel()

	// Run waits on the in-flight tick.
	select {
	case <-runDone:
		t.Fatal("run returned before the in-flight tick completed")
	case <-time.After(time.Millisecond * 50):
	}

	close(h.broker.block)
	<-tickDone
	<-runDone

	assert.Equal(t, 2, len(h.broker.submissions()))
	assert.Equal(t, 2, h.results[0].Submitted)
	assert.Equal(t, Stopped, h.scheduler.State())

	// No tick runs after shutdown.
	h.scheduler.handleTick(ctx)
	assert.Equal(t, 1, len(h.results))
}
