package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dnldd/saxotrader/broker"
	"github.com/dnldd/saxotrader/position"
	"github.com/dnldd/saxotrader/shared"
	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	// tickSpec fires at second 00 of every minute.
	tickSpec = "* * * * *"
	// statsSpec fires every 10 minutes on the wall clock.
	statsSpec = "*/10 * * * *"
	// tickPeriod is the period between tick boundaries.
	tickPeriod = time.Minute
	// DefaultTickTimeout bounds a single tick, including its order submissions.
	DefaultTickTimeout = time.Second * 50
)

// State represents the state of the trade scheduler.
type State uint32

const (
	Idle State = iota
	WaitingForTick
	Evaluating
	Submitting
	Suspended
	Stopped
)

// String stringifies the provided state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case WaitingForTick:
		return "waiting for tick"
	case Evaluating:
		return "evaluating"
	case Submitting:
		return "submitting"
	case Suspended:
		return "suspended"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Broker represents the broker operations a tick uses.
type Broker interface {
	// Quotes fetches the current quotes of the provided instruments.
	Quotes(ctx context.Context, instruments []string) (map[string]shared.Quote, error)
	// Positions fetches the open broker positions.
	Positions(ctx context.Context) ([]shared.BrokerPosition, error)
	// PlaceOrder submits the provided intent.
	PlaceOrder(ctx context.Context, intent shared.OrderIntent, quote shared.Quote) (*shared.Fill, error)
}

// RuleEvaluator turns the active rule set into order intents.
type RuleEvaluator interface {
	// Evaluate returns the ordered intents for the provided quotes and positions.
	Evaluate(ctx context.Context, ruleSet shared.RuleSet, quotes shared.QuoteSnapshot, positions []position.Position) ([]shared.OrderIntent, error)
}

// RuleSource loads the active rule set.
type RuleSource interface {
	// Load loads the active rule set.
	Load() (shared.RuleSet, error)
}

// CredentialValidator reports whether the credential is usable.
type CredentialValidator interface {
	// IsValid returns whether the credential remains valid for the provided lead time.
	IsValid(lead time.Duration) bool
}

// instrumentLister is implemented by rule sets that know the instruments they trade.
type instrumentLister interface {
	Instruments() []string
}

// SchedulerConfig represents the trade scheduler configuration.
type SchedulerConfig struct {
	// Instruments are the instruments quoted on every tick.
	Instruments []string
	// Broker executes broker operations.
	Broker Broker
	// Evaluator evaluates the active rule set.
	Evaluator RuleEvaluator
	// Rules loads the active rule set.
	Rules RuleSource
	// Credentials reports the validity of the current credential.
	Credentials CredentialValidator
	// Positions caches the open positions.
	Positions *position.Manager
	// JobScheduler schedules the tick and statistics jobs.
	JobScheduler *gocron.Scheduler
	// TickTimeout bounds a single tick.
	TickTimeout time.Duration
	// OnTick receives every tick result.
	OnTick func(result TickResult)
	// OnMissedTick is called for every skipped tick boundary.
	OnMissedTick func()
	// RecordOrder records the outcome of an order submission.
	RecordOrder func(intent shared.OrderIntent, outcome string)
	// PersistStats persists periodic statistics.
	PersistStats func(stats Stats) error
	// Notify sends the provided message.
	Notify func(message string)
	// Now returns the current time.
	Now func() time.Time
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *SchedulerConfig) Validate() error {
	var errs error

	if cfg.Broker == nil {
		errs = errors.Join(errs, fmt.Errorf("broker cannot be nil"))
	}
	if cfg.Evaluator == nil {
		errs = errors.Join(errs, fmt.Errorf("rule evaluator cannot be nil"))
	}
	if cfg.Rules == nil {
		errs = errors.Join(errs, fmt.Errorf("rule source cannot be nil"))
	}
	if cfg.Credentials == nil {
		errs = errors.Join(errs, fmt.Errorf("credential validator cannot be nil"))
	}
	if cfg.Positions == nil {
		errs = errors.Join(errs, fmt.Errorf("position manager cannot be nil"))
	}
	if cfg.JobScheduler == nil {
		errs = errors.Join(errs, fmt.Errorf("job scheduler cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Order submission outcomes.
const (
	OutcomeFilled = "filled"
	OutcomeFailed = "failed"
)

// Scheduler drives the clock aligned trading loop.
type Scheduler struct {
	cfg            *SchedulerConfig
	state          atomic.Uint32
	suspended      atomic.Bool
	ruleSetChanged atomic.Bool

	// tickMtx is held for the duration of a tick.
	tickMtx     sync.Mutex
	ruleSet     shared.RuleSet
	instruments []string

	stopMtx  sync.Mutex
	stopping bool
	wg       sync.WaitGroup

	statsMtx sync.Mutex
	stats    Stats
}

// NewScheduler initializes a new trade scheduler.
func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating scheduler config: %w", err)
	}

	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = DefaultTickTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Scheduler{
		cfg:         cfg,
		instruments: mergeInstruments(cfg.Instruments, nil),
	}
	s.stats.Pips = decimal.Zero
	s.ruleSetChanged.Store(true)

	return s, nil
}

// NextTick returns the first tick boundary of the provided period strictly
// after now. Boundaries are derived from the wall clock so waits never drift.
func NextTick(now time.Time, period time.Duration) time.Time {
	if period <= 0 {
		return now
	}

	return now.Truncate(period).Add(period)
}

// mergeInstruments returns the sorted union of the provided instrument lists.
func mergeInstruments(configured []string, traded []string) []string {
	seen := make(map[string]struct{}, len(configured)+len(traded))
	set := make([]string, 0, len(configured)+len(traded))
	for _, list := range [][]string{configured, traded} {
		for _, instrument := range list {
			if instrument == "" {
				continue
			}
			if _, ok := seen[instrument]; ok {
				continue
			}
			seen[instrument] = struct{}{}
			set = append(set, instrument)
		}
	}
	sort.Strings(set)

	return set
}

// State returns the current scheduler state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// setState transitions the scheduler to the provided state.
func (s *Scheduler) setState(state State) {
	s.state.Store(uint32(state))
}

// Stats returns a copy of the accumulated statistics.
func (s *Scheduler) Stats() Stats {
	s.statsMtx.Lock()
	defer s.statsMtx.Unlock()
	return s.stats
}

// SendRuleSetChanged signals the rule set should be reloaded before the next evaluation.
func (s *Scheduler) SendRuleSetChanged() {
	s.ruleSetChanged.Store(true)
}

// notify relays the provided message when a notifier is configured.
func (s *Scheduler) notify(msg string) {
	if s.cfg.Notify != nil {
		s.cfg.Notify(msg)
	}
}

// isAuthError returns whether the provided error means the session is unusable.
func isAuthError(err error) bool {
	return errors.Is(err, broker.ErrUnauthenticated) || errors.Is(err, broker.ErrAuthenticationRejected)
}

// suspend stops submissions until the credential is valid again.
func (s *Scheduler) suspend(err error) {
	if s.suspended.Swap(true) {
		return
	}

	s.cfg.Logger.Error().Err(err).Msg("broker session unusable, trading suspended until the credential " +
		"is valid again: operator action may be required")
	s.notify(fmt.Sprintf("Trading suspended: %v", err))
}

// loadRuleSet reloads the rule set when a change was signalled. The previous
// rule set stays active when the reload fails.
func (s *Scheduler) loadRuleSet() error {
	if !s.ruleSetChanged.Swap(false) && s.ruleSet != nil {
		return nil
	}

	ruleSet, err := s.cfg.Rules.Load()
	if err != nil {
		if s.ruleSet == nil {
			// retry on the next tick.
			s.ruleSetChanged.Store(true)
			return fmt.Errorf("loading rule set: %w", err)
		}

		s.cfg.Logger.Error().Err(err).Msg("reloading rule set failed, keeping the active rule set")
		return nil
	}

	s.ruleSet = ruleSet
	if lister, ok := ruleSet.(instrumentLister); ok {
		s.instruments = mergeInstruments(s.cfg.Instruments, lister.Instruments())
	}

	s.cfg.Logger.Info().Msgf("rule set loaded, quoting %v", s.instruments)

	return nil
}

// tick runs a single evaluation and submission pass for the provided boundary.
func (s *Scheduler) tick(ctx context.Context, at time.Time) TickResult {
	result := TickResult{ID: uuid.New().String(), At: at, Pips: decimal.Zero}

	if s.suspended.Load() {
		if !s.cfg.Credentials.IsValid(0) {
			result.Suspended = true
			s.cfg.Logger.Debug().Msgf("tick %s skipped, trading suspended", shared.ClockTime(at))
			return result
		}

		s.suspended.Store(false)
		s.cfg.Logger.Info().Msg("credential valid again, trading resumed")
		s.notify("Trading resumed")
	}

	s.setState(Evaluating)

	err := s.loadRuleSet()
	if err != nil {
		result.EvalErr = err
		s.cfg.Logger.Error().Err(err).Msg("no rule set available, tick skipped")
		return result
	}

	quotes, err := s.cfg.Broker.Quotes(ctx, s.instruments)
	if err != nil {
		return s.abort(result, fmt.Errorf("fetching quotes: %w", err))
	}

	brokerPositions, err := s.cfg.Broker.Positions(ctx)
	if err != nil {
		return s.abort(result, fmt.Errorf("fetching positions: %w", err))
	}

	summary := s.cfg.Positions.Reconcile(brokerPositions, at)
	if summary.Adopted > 0 || summary.Dropped > 0 {
		s.cfg.Logger.Info().Msgf("reconciled positions: %d adopted, %d dropped", summary.Adopted, summary.Dropped)
	}
	s.cfg.Positions.Update(quotes)

	snapshot := shared.QuoteSnapshot{At: at, Quotes: quotes}
	intents, err := s.cfg.Evaluator.Evaluate(ctx, s.ruleSet, snapshot, s.cfg.Positions.Positions())
	if err != nil {
		result.EvalErr = err
		s.cfg.Logger.Error().Err(err).Msgf("rule evaluation failed, tick %s skipped", shared.ClockTime(at))
		return result
	}

	result.Intents = len(intents)
	if len(intents) == 0 {
		return result
	}

	s.setState(Submitting)

	for idx, intent := range intents {
		err := s.submit(ctx, intent, quotes, &result)
		if err == nil {
			continue
		}

		result.Failed++
		result.Failures = append(result.Failures, fmt.Errorf("%s: %w", intent.String(), err))

		if isAuthError(err) {
			result.Skipped = len(intents) - idx - 1
			result.Suspended = true
			s.suspend(err)
			break
		}

		s.cfg.Logger.Error().Err(err).Msgf("submitting %s failed, continuing with the remaining intents", intent.String())
	}

	return result
}

// abort ends a tick that could not fetch its inputs.
func (s *Scheduler) abort(result TickResult, err error) TickResult {
	if isAuthError(err) {
		result.Suspended = true
		s.suspend(err)
		return result
	}

	result.EvalErr = err
	s.cfg.Logger.Error().Err(err).Msgf("tick %s skipped", shared.ClockTime(result.At))

	return result
}

// submit submits a single intent and applies its fill to the position cache.
func (s *Scheduler) submit(ctx context.Context, intent shared.OrderIntent, quotes map[string]shared.Quote, result *TickResult) error {
	quote, ok := quotes[intent.Instrument]
	if !ok {
		s.recordOrder(intent, OutcomeFailed)
		return fmt.Errorf("no quote available for %s", intent.Instrument)
	}

	fill, err := s.cfg.Broker.PlaceOrder(ctx, intent, quote)
	if err != nil {
		s.recordOrder(intent, OutcomeFailed)
		return err
	}

	s.recordOrder(intent, OutcomeFilled)
	result.Submitted++

	switch intent.Action {
	case shared.Open:
		pos, err := s.cfg.Positions.Open(fill, intent.Reference)
		if err != nil {
			s.cfg.Logger.Error().Err(err).Msgf("tracking filled position: %s", spew.Sdump(fill))
			return nil
		}
		result.Entries++
		s.cfg.Logger.Info().Msgf("opened %s", pos.String())

	case shared.Close:
		closed, err := s.cfg.Positions.Close(intent.Instrument, intent.Direction, fill.Price, fill.FilledAt)
		if err != nil {
			s.cfg.Logger.Error().Err(err).Msgf("closing filled positions: %s", spew.Sdump(fill))
			return nil
		}
		for _, pos := range closed {
			result.Exits++
			result.Pips = result.Pips.Add(pos.Pips)
			s.cfg.Logger.Info().Msgf("closed %s", pos.String())
		}
	}

	return nil
}

// recordOrder records the outcome of an order submission.
func (s *Scheduler) recordOrder(intent shared.OrderIntent, outcome string) {
	if s.cfg.RecordOrder != nil {
		s.cfg.RecordOrder(intent, outcome)
	}
}

// handleTick runs the tick of the current boundary unless one is still in
// flight, in which case the boundary is skipped.
func (s *Scheduler) handleTick(ctx context.Context) {
	s.stopMtx.Lock()
	if s.stopping {
		s.stopMtx.Unlock()
		return
	}
	s.wg.Add(1)
	s.stopMtx.Unlock()
	defer s.wg.Done()

	at := s.cfg.Now().Truncate(tickPeriod)

	if !s.tickMtx.TryLock() {
		s.statsMtx.Lock()
		s.stats.MissedTicks++
		s.statsMtx.Unlock()

		if s.cfg.OnMissedTick != nil {
			s.cfg.OnMissedTick()
		}

		s.cfg.Logger.Warn().Msgf("previous tick still running, missed tick %s", shared.ClockTime(at))
		return
	}
	defer s.tickMtx.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			s.cfg.Logger.Error().Msgf("recovered from panic in tick %s: %v", shared.ClockTime(at), rec)
			if s.suspended.Load() {
				s.setState(Suspended)
			} else {
				s.setState(WaitingForTick)
			}
		}
	}()

	// The tick outlives shutdown so its submissions are never abandoned.
	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.TickTimeout)
	defer cancel()

	result := s.tick(tickCtx, at)
	s.complete(result)
}

// complete folds the provided tick result into the statistics and publishes it.
func (s *Scheduler) complete(result TickResult) {
	s.statsMtx.Lock()
	s.stats.add(&result)
	s.statsMtx.Unlock()

	if s.suspended.Load() {
		s.setState(Suspended)
	} else {
		s.setState(WaitingForTick)
	}

	if result.Intents > 0 {
		s.cfg.Logger.Info().Msgf("tick %s: %d intents, %d submitted, %d failed, %d skipped",
			shared.ClockTime(result.At), result.Intents, result.Submitted, result.Failed, result.Skipped)
	}

	if s.cfg.OnTick != nil {
		s.cfg.OnTick(result)
	}
}

// reportStats logs and persists the accumulated statistics.
func (s *Scheduler) reportStats() {
	stats := s.Stats()
	s.cfg.Logger.Info().Msgf("trading stats %s", stats.String())

	if s.cfg.PersistStats != nil {
		err := s.cfg.PersistStats(stats)
		if err != nil {
			s.cfg.Logger.Error().Err(err).Msg("persisting trading stats")
		}
	}
}

// Run schedules ticks on every minute boundary until the provided context is
// cancelled. An in-flight tick is allowed to finish before Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	s.statsMtx.Lock()
	s.stats.Since = s.cfg.Now()
	s.statsMtx.Unlock()

	tickJob, err := s.cfg.JobScheduler.Cron(tickSpec).Do(s.handleTick, ctx)
	if err != nil {
		s.cfg.Logger.Error().Err(err).Msg("scheduling ticks failed, trading disabled")
		s.setState(Stopped)
		return
	}

	statsJob, err := s.cfg.JobScheduler.Cron(statsSpec).Do(s.reportStats)
	if err != nil {
		s.cfg.Logger.Error().Err(err).Msg("scheduling stats reports failed")
	}

	s.setState(WaitingForTick)
	s.cfg.Logger.Info().Msgf("trading loop started, first tick at %s",
		shared.ClockTime(NextTick(s.cfg.Now(), tickPeriod)))

	<-ctx.Done()

	s.cfg.JobScheduler.RemoveByReference(tickJob)
	if statsJob != nil {
		s.cfg.JobScheduler.RemoveByReference(statsJob)
	}

	s.stopMtx.Lock()
	s.stopping = true
	s.stopMtx.Unlock()

	s.cfg.Logger.Info().Msg("waiting for the in-flight tick to complete")
	s.wg.Wait()

	s.reportStats()
	s.setState(Stopped)
}
