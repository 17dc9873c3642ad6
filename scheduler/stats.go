package scheduler

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TickResult represents the outcome of a single tick.
type TickResult struct {
	ID string
	// At is the boundary the tick ran for.
	At time.Time
	// Intents is the number of intents the evaluator returned.
	Intents   int
	Submitted int
	Failed    int
	// Skipped counts intents left unsubmitted after the session became unusable.
	Skipped int
	Entries int
	Exits   int
	// Pips is the result realised by the positions the tick closed.
	Pips      decimal.Decimal
	Suspended bool
	EvalErr   error
	Failures  []error
}

// Stats represents the statistics accumulated from tick results.
type Stats struct {
	Since          time.Time
	Ticks          int
	MissedTicks    int
	SuspendedTicks int
	Intents        int
	Failures       int
	Entries        int
	Exits          int
	Pips           decimal.Decimal
}

// add folds the provided tick result into the statistics.
func (s *Stats) add(result *TickResult) {
	s.Ticks++
	if result.Suspended {
		s.SuspendedTicks++
	}
	s.Intents += result.Intents
	s.Failures += result.Failed
	s.Entries += result.Entries
	s.Exits += result.Exits
	s.Pips = s.Pips.Add(result.Pips)
}

// String stringifies the provided statistics.
func (s Stats) String() string {
	return fmt.Sprintf("since %s: %d ticks (%d missed, %d suspended), %d intents, %d failures, "+
		"%d entries, %d exits, %s pips", s.Since.Format(time.RFC3339), s.Ticks, s.MissedTicks,
		s.SuspendedTicks, s.Intents, s.Failures, s.Entries, s.Exits, s.Pips.String())
}
