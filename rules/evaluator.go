package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dnldd/saxotrader/position"
	"github.com/dnldd/saxotrader/shared"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	// DefaultMaxPositions is the default cap on concurrently open positions.
	DefaultMaxPositions = 5
	// DefaultAmount is the default order size.
	DefaultAmount = 10000
	// DefaultLeverage is the default leverage applied to the balance when sizing entries.
	DefaultLeverage = 20
	// window is the span of wall clock time a single tick evaluates.
	window = time.Minute
)

// BalanceSource provides the account balance entries are sized from.
type BalanceSource interface {
	// Balance returns the current account balance.
	Balance(ctx context.Context) (decimal.Decimal, error)
}

// EvaluatorConfig represents the timetable evaluator configuration.
type EvaluatorConfig struct {
	// MaxPositions caps the concurrently open positions.
	MaxPositions int
	// DefaultAmount is the order size of rules that do not set one, and the
	// fallback when no balance is available to size from.
	DefaultAmount int64
	// Balance provides the balance entries are sized from. Entries use the
	// default amount when nil.
	Balance BalanceSource
	// Leverage is applied to the balance when sizing entries.
	Leverage int64
	// Location is the time zone timetable clock times are expressed in.
	Location *time.Location
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *EvaluatorConfig) Validate() error {
	var errs error

	if cfg.MaxPositions < 0 {
		errs = errors.Join(errs, fmt.Errorf("max positions cannot be negative"))
	}
	if cfg.DefaultAmount < 0 {
		errs = errors.Join(errs, fmt.Errorf("default amount cannot be negative"))
	}
	if cfg.Leverage < 0 {
		errs = errors.Join(errs, fmt.Errorf("leverage cannot be negative"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Evaluator turns a timetable into order intents for a tick.
type Evaluator struct {
	cfg *EvaluatorConfig
}

// NewEvaluator initializes a new timetable evaluator.
func NewEvaluator(cfg *EvaluatorConfig) (*Evaluator, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating evaluator config: %w", err)
	}

	if cfg.MaxPositions == 0 {
		cfg.MaxPositions = DefaultMaxPositions
	}
	if cfg.DefaultAmount == 0 {
		cfg.DefaultAmount = DefaultAmount
	}
	if cfg.Leverage == 0 {
		cfg.Leverage = DefaultLeverage
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	return &Evaluator{cfg: cfg}, nil
}

// inWindow returns whether the clock offset falls within the tick starting at
// the provided offset.
func inWindow(offset time.Duration, start time.Duration) bool {
	return offset >= start && offset < start+window
}

// sinceMidnight returns the offset of the provided time from its midnight.
func sinceMidnight(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second
}

// balanceCache holds the balance fetched for a single evaluation.
type balanceCache struct {
	fetched bool
	ok      bool
	value   decimal.Decimal
}

// entrySize sizes an entry as balance * leverage / entry price, truncated to
// whole units. The default amount is used when no balance is available.
func (e *Evaluator) entrySize(ctx context.Context, rule Rule, quote shared.Quote, cache *balanceCache) int64 {
	if e.cfg.Balance == nil {
		return e.cfg.DefaultAmount
	}

	if !cache.fetched {
		cache.fetched = true
		balance, err := e.cfg.Balance.Balance(ctx)
		switch {
		case err != nil:
			e.cfg.Logger.Warn().Err(err).Msgf("fetching balance failed, sizing entries at %d", e.cfg.DefaultAmount)
		case !balance.IsPositive():
			e.cfg.Logger.Warn().Msgf("non-positive balance %s, sizing entries at %d", balance.String(), e.cfg.DefaultAmount)
		default:
			cache.value = balance
			cache.ok = true
		}
	}
	if !cache.ok {
		return e.cfg.DefaultAmount
	}

	price := quote.PriceFor(rule.Direction)
	if !price.IsPositive() {
		e.cfg.Logger.Warn().Msgf("invalid %s entry price %s, sizing rule %s at %d", rule.Instrument,
			price.String(), rule.ID, e.cfg.DefaultAmount)
		return e.cfg.DefaultAmount
	}

	size := cache.value.Mul(decimal.NewFromInt(e.cfg.Leverage)).Div(price).IntPart()
	if size <= 0 {
		return e.cfg.DefaultAmount
	}

	e.cfg.Logger.Info().Msgf("sized rule %s at %d %s (balance %s, leverage %d, price %s)", rule.ID, size,
		rule.Instrument, cache.value.String(), e.cfg.Leverage, price.String())

	return size
}

// Evaluate returns the intents the timetable schedules for the tick. Exits are
// ordered before entries so a tick that closes and opens positions frees its
// capacity first.
func (e *Evaluator) Evaluate(ctx context.Context, ruleSet shared.RuleSet, quotes shared.QuoteSnapshot, positions []position.Position) ([]shared.OrderIntent, error) {
	tt, ok := ruleSet.(*Timetable)
	if !ok || tt == nil {
		return nil, fmt.Errorf("unexpected rule set provided: %T", ruleSet)
	}

	start := sinceMidnight(quotes.At.In(e.cfg.Location).Truncate(window))

	held := make(map[string]map[shared.Direction]int64)
	byRule := make(map[string]struct{})
	for _, pos := range positions {
		if held[pos.Instrument] == nil {
			held[pos.Instrument] = make(map[shared.Direction]int64)
		}
		held[pos.Instrument][pos.Direction] += pos.Size
		if pos.Reference != "" {
			byRule[pos.Reference] = struct{}{}
		}
	}

	intents := make([]shared.OrderIntent, 0)
	open := len(positions)

	// Closing an instrument and direction unwinds every position held there.
	closing := make(map[string]map[shared.Direction]bool)
	for _, rule := range tt.Rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !inWindow(rule.Exit, start) {
			continue
		}
		ref := tt.Reference(rule)
		if _, ok := byRule[ref]; !ok {
			continue
		}
		if closing[rule.Instrument][rule.Direction] {
			continue
		}

		size := held[rule.Instrument][rule.Direction]
		intent, err := shared.NewOrderIntent(rule.Instrument, rule.Direction, size, shared.Market, shared.Close, ref)
		if err != nil {
			e.cfg.Logger.Error().Err(err).Msgf("creating exit intent for rule %s", ref)
			continue
		}

		if closing[rule.Instrument] == nil {
			closing[rule.Instrument] = make(map[shared.Direction]bool)
		}
		closing[rule.Instrument][rule.Direction] = true
		intents = append(intents, intent)

		for _, pos := range positions {
			if pos.Instrument == rule.Instrument && pos.Direction == rule.Direction {
				open--
			}
		}
	}

	var balance balanceCache
	entries := make([]Rule, 0)
	for _, rule := range tt.Rules {
		if inWindow(rule.Entry, start) {
			entries = append(entries, rule)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })

	for _, rule := range entries {
		ref := tt.Reference(rule)
		if _, ok := byRule[ref]; ok {
			e.cfg.Logger.Debug().Msgf("rule %s already holds a position, skipping entry", ref)
			continue
		}
		quote, ok := quotes.Quotes[rule.Instrument]
		if !ok {
			e.cfg.Logger.Warn().Msgf("no %s quote available, skipping entry for rule %s", rule.Instrument, rule.ID)
			continue
		}
		opposite := rule.Direction.Opposite()
		if held[rule.Instrument][opposite] > 0 && !closing[rule.Instrument][opposite] {
			e.cfg.Logger.Warn().Msgf("%s is held %s, skipping %s entry for rule %s", rule.Instrument,
				opposite.String(), rule.Direction.String(), rule.ID)
			continue
		}
		if open >= e.cfg.MaxPositions {
			e.cfg.Logger.Warn().Msgf("max positions (%d) reached, skipping entry for rule %s",
				e.cfg.MaxPositions, rule.ID)
			continue
		}

		amount := rule.Amount
		if amount == 0 {
			amount = e.entrySize(ctx, rule, quote, &balance)
		}

		intent, err := shared.NewOrderIntent(rule.Instrument, rule.Direction, amount, shared.Market, shared.Open, ref)
		if err != nil {
			e.cfg.Logger.Error().Err(err).Msgf("creating entry intent for rule %s", ref)
			continue
		}

		intents = append(intents, intent)
		byRule[ref] = struct{}{}
		open++
	}

	return intents, nil
}
