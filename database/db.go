package database

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dnldd/saxotrader/position"
	"github.com/dnldd/saxotrader/scheduler"
	"github.com/google/uuid"
	rqlitehttp "github.com/rqlite/rqlite-go-http"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout is the default timeout of database requests.
	DefaultTimeout = time.Second * 5

	// SQL statements.
	createPositionTableSQL = "CREATE TABLE IF NOT EXISTS position (id TEXT PRIMARY KEY, brokerid TEXT, instrument TEXT, direction INTEGER, size INTEGER, entryprice TEXT, exitprice TEXT, pips TEXT, reference TEXT, status INTEGER, openedon INTEGER, closedon INTEGER)"
	createSummaryTableSQL  = "CREATE TABLE IF NOT EXISTS summary (id TEXT PRIMARY KEY, instrument TEXT, total INTEGER, wins INTEGER, losses INTEGER, pips REAL, createdon INTEGER)"
	createStatsTableSQL    = "CREATE TABLE IF NOT EXISTS stats (id TEXT PRIMARY KEY, since INTEGER, ticks INTEGER, missedticks INTEGER, suspendedticks INTEGER, intents INTEGER, failures INTEGER, entries INTEGER, exits INTEGER, pips TEXT, createdon INTEGER)"

	persistClosedPositionSQL = "INSERT INTO position(id, brokerid, instrument, direction, size, entryprice, exitprice, pips, reference, status, openedon, closedon) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)"
	upsertSummarySQL         = "INSERT INTO summary(id, instrument, total, wins, losses, pips, createdon) VALUES(?,?,1,?,?,?,?) ON CONFLICT(id) DO UPDATE SET total = total + 1, wins = wins + excluded.wins, losses = losses + excluded.losses, pips = pips + excluded.pips"
	persistStatsSQL          = "INSERT INTO stats(id, since, ticks, missedticks, suspendedticks, intents, failures, entries, exits, pips, createdon) VALUES(?,?,?,?,?,?,?,?,?,?,?)"
)

// PositionStorer defines the requirements for storing positions.
type PositionStorer interface {
	// PersistClosedPosition stores the provided closed position to the database.
	PersistClosedPosition(ctx context.Context, position *position.Position) error
}

// StatsStorer defines the requirements for storing trading statistics.
type StatsStorer interface {
	// PersistStats stores the provided statistics snapshot to the database.
	PersistStats(ctx context.Context, stats scheduler.Stats) error
}

// DatabaseConfig is the configuration for the database.
type DatabaseConfig struct {
	// Endpoint represents the database connection endpoint.
	Endpoint string
	// User is the database user.
	User string
	// Pass is the database user pass.
	Pass string
	// Timeout bounds every database request.
	Timeout time.Duration
	// Now returns the current time.
	Now func() time.Time
	// Logger is the database logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *DatabaseConfig) Validate() error {
	var errs error

	if cfg.Endpoint == "" {
		errs = errors.Join(errs, fmt.Errorf("database endpoint cannot be an empty string"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Database represents the trade journal connection.
type Database struct {
	cfg    *DatabaseConfig
	client *rqlitehttp.Client
}

// Ensure the database implements the storer interfaces.
var _ PositionStorer = (*Database)(nil)
var _ StatsStorer = (*Database)(nil)

// NewDatabase initializes a new database connection and bootstraps the journal tables.
func NewDatabase(ctx context.Context, cfg *DatabaseConfig) (*Database, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating database config: %w", err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	httpc := &http.Client{Timeout: cfg.Timeout}
	client, err := rqlitehttp.NewClient(cfg.Endpoint, httpc)
	if err != nil {
		return nil, fmt.Errorf("creating database client: %w", err)
	}

	if cfg.User != "" {
		client.SetBasicAuth(cfg.User, cfg.Pass)
	}

	db := &Database{
		cfg:    cfg,
		client: client,
	}

	err = db.bootstrap(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping database: %w", err)
	}

	return db, nil
}

// execute runs the provided statements in a single transaction.
func (db *Database) execute(ctx context.Context, stmts rqlitehttp.SQLStatements) error {
	resp, err := db.client.Execute(ctx, stmts, &rqlitehttp.ExecuteOptions{
		Transaction: true,
		Timings:     true,
	})
	if err != nil {
		return err
	}

	has, idx, errStr := resp.HasError()
	if has {
		return fmt.Errorf("statement %d failed: %s", idx, errStr)
	}

	return nil
}

// bootstrap initializes the database.
func (db *Database) bootstrap(ctx context.Context) error {
	return db.execute(ctx, rqlitehttp.SQLStatements{
		{SQL: createPositionTableSQL},
		{SQL: createSummaryTableSQL},
		{SQL: createStatsTableSQL},
	})
}

// generateSummaryID generates deterministic summary ids using the
// month, week and instrument of the provided time.
func generateSummaryID(at time.Time, instrument string) string {
	week := (at.Day()-1)/7 + 1
	return fmt.Sprintf("%d-%s-Week-%d-%s", at.Year(), at.Month().String(), week, instrument)
}

// PersistClosedPosition stores the provided closed position to the database
// and folds it into the weekly summary of its instrument.
func (db *Database) PersistClosedPosition(ctx context.Context, pos *position.Position) error {
	if pos.Status != position.Closed || pos.ClosedAt.IsZero() {
		return fmt.Errorf("position %s is not closed: %s", pos.ID, spew.Sdump(pos))
	}

	var win, loss int
	switch {
	case pos.Pips.IsPositive():
		win++
	case pos.Pips.IsNegative():
		loss++
	}

	id := generateSummaryID(pos.ClosedAt, pos.Instrument)

	err := db.execute(ctx, rqlitehttp.SQLStatements{
		{
			SQL: persistClosedPositionSQL,
			PositionalParams: []any{pos.ID, pos.BrokerID, pos.Instrument, int(pos.Direction), pos.Size,
				pos.EntryPrice.String(), pos.ExitPrice.String(), pos.Pips.String(), pos.Reference,
				int(pos.Status), pos.OpenedAt.Unix(), pos.ClosedAt.Unix()},
		},
		{
			SQL:              upsertSummarySQL,
			PositionalParams: []any{id, pos.Instrument, win, loss, pos.Pips.InexactFloat64(), db.cfg.Now().Unix()},
		},
	})
	if err != nil {
		return fmt.Errorf("persisting closed position %s: %w", pos.ID, err)
	}

	return nil
}

// PersistStats stores the provided statistics snapshot to the database.
func (db *Database) PersistStats(ctx context.Context, stats scheduler.Stats) error {
	err := db.execute(ctx, rqlitehttp.SQLStatements{
		{
			SQL: persistStatsSQL,
			PositionalParams: []any{uuid.New().String(), stats.Since.Unix(), stats.Ticks, stats.MissedTicks,
				stats.SuspendedTicks, stats.Intents, stats.Failures, stats.Entries, stats.Exits,
				stats.Pips.String(), db.cfg.Now().Unix()},
		},
	})
	if err != nil {
		return fmt.Errorf("persisting stats: %w", err)
	}

	return nil
}

// Timeout returns the timeout applied to database requests.
func (db *Database) Timeout() time.Duration {
	return db.cfg.Timeout
}
