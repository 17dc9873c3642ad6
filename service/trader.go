package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dnldd/saxotrader/auth"
	"github.com/dnldd/saxotrader/broker"
	"github.com/dnldd/saxotrader/database"
	"github.com/dnldd/saxotrader/metrics"
	"github.com/dnldd/saxotrader/position"
	"github.com/dnldd/saxotrader/rules"
	"github.com/dnldd/saxotrader/scheduler"
	"github.com/dnldd/saxotrader/shared"
	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

const (
	// authorizePath and tokenPath are the provider endpoints under the auth base url.
	authorizePath = "/authorize"
	tokenPath     = "/token"
	// shutdownTimeout bounds the metrics server shutdown.
	shutdownTimeout = time.Second * 5
)

// TraderConfig represents the configuration struct for the trader service.
type TraderConfig struct {
	// ClientID is the registered application id.
	ClientID string
	// ClientSecret is the registered application secret, empty for public clients.
	ClientSecret string
	// RedirectURI is the registered redirect uri of the authorization flow.
	RedirectURI string
	// Environment is the broker environment traded against.
	Environment auth.Environment
	// AuthBaseURL is the provider base url hosting the authorize and token endpoints.
	AuthBaseURL string
	// APIBaseURL is the broker openapi base url.
	APIBaseURL string
	// TokenFile is the path of the persisted credential.
	TokenFile string
	// Instruments are the instruments quoted in addition to the timetable's.
	Instruments []string
	// TimetableDir is the directory holding the timetables.
	TimetableDir string
	// DryRun simulates order placement.
	DryRun bool
	// DefaultAmount is the order size of rules that do not set one when no
	// balance is available to size from.
	DefaultAmount int64
	// Leverage is applied to the account balance when sizing entries.
	Leverage int64
	// MaxPositions caps the concurrently open positions.
	MaxPositions int
	// CallbackTimeout bounds the wait for the authorization callback.
	CallbackTimeout time.Duration
	// Interactive allows the authorization flow to run when no usable credential exists.
	Interactive bool
	// DBEndpoint is the trade journal endpoint, the journal is disabled when empty.
	DBEndpoint string
	// DBUser is the trade journal user.
	DBUser string
	// DBPass is the trade journal user pass.
	DBPass string
	// MetricsAddr is the metrics listen address, metrics are not served when empty.
	MetricsAddr string
	// Location is the time zone of the timetables and job schedules.
	Location *time.Location
	// OpenBrowser presents the authorization url to the operator.
	OpenBrowser func(url string) error
	// HTTPClient is the http client used for provider and broker requests.
	HTTPClient *http.Client
}

// Validate asserts the config sane inputs.
func (cfg *TraderConfig) Validate() error {
	var errs error

	if cfg.ClientID == "" {
		errs = errors.Join(errs, fmt.Errorf("client id cannot be an empty string"))
	}
	if cfg.RedirectURI == "" {
		errs = errors.Join(errs, fmt.Errorf("redirect uri cannot be an empty string"))
	}
	if cfg.AuthBaseURL == "" {
		errs = errors.Join(errs, fmt.Errorf("auth base url cannot be an empty string"))
	}
	if cfg.APIBaseURL == "" {
		errs = errors.Join(errs, fmt.Errorf("api base url cannot be an empty string"))
	}
	if cfg.TokenFile == "" {
		errs = errors.Join(errs, fmt.Errorf("token file cannot be an empty string"))
	}
	if cfg.TimetableDir == "" {
		errs = errors.Join(errs, fmt.Errorf("timetable directory cannot be an empty string"))
	}

	return errs
}

// Trader represents the automated trading service.
type Trader struct {
	cfg          *TraderConfig
	store        *auth.Store
	flow         *auth.Flow
	refresher    *auth.Refresher
	session      *broker.Session
	positionMgr  *position.Manager
	scheduler    *scheduler.Scheduler
	watcher      *rules.Watcher
	source       *rules.Source
	db           *database.Database
	jobScheduler *gocron.Scheduler
	logger       *zerolog.Logger
	notifier     *zerolog.Logger

	bootstrapped atomic.Bool
	wg           sync.WaitGroup
	mtx          sync.Mutex
	ctx          context.Context
	stopping     bool
}

// NewTrader initializes a new trader service.
func NewTrader(ctx context.Context, cfg *TraderConfig) (*Trader, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating trader config: %w", err)
	}

	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	logger := log.With().Str("service", "trader").Logger()
	notifier := logger.With().Str("component", "notify").Logger()

	t := &Trader{
		cfg:          cfg,
		jobScheduler: gocron.NewScheduler(cfg.Location),
		logger:       &logger,
		notifier:     &notifier,
	}

	backend, err := auth.NewFileBackend(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("creating credential backend: %v", err)
	}

	storeLogger := logger.With().Str("component", "credentialstore").Logger()
	t.store, err = auth.NewStore(&auth.StoreConfig{
		Backend:     backend,
		Environment: cfg.Environment,
		Logger:      &storeLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating credential store: %v", err)
	}

	authBaseURL := strings.TrimRight(cfg.AuthBaseURL, "/")
	tokenClient, err := auth.NewTokenClient(&auth.TokenClientConfig{
		TokenURL:     authBaseURL + tokenPath,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		HTTPClient:   cfg.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("creating token client: %v", err)
	}

	flowLogger := logger.With().Str("component", "authflow").Logger()
	t.flow, err = auth.NewFlow(&auth.FlowConfig{
		AuthURL:         authBaseURL + authorizePath,
		ClientID:        cfg.ClientID,
		RedirectURI:     cfg.RedirectURI,
		Exchanger:       tokenClient,
		Store:           t.store,
		Open:            cfg.OpenBrowser,
		CallbackTimeout: cfg.CallbackTimeout,
		Logger:          &flowLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating authorization flow: %v", err)
	}

	refresherLogger := logger.With().Str("component", "refresher").Logger()
	t.refresher, err = auth.NewRefresher(&auth.RefresherConfig{
		Store:                 t.store,
		Client:                tokenClient,
		JobScheduler:          t.jobScheduler,
		NotifyReauthorization: t.reauthorize,
		RecordOutcome: func(outcome auth.RefreshOutcome) {
			metrics.RecordTokenRefresh(string(outcome))
		},
		Logger: &refresherLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating token refresher: %v", err)
	}

	sessionLogger := logger.With().Str("component", "session").Logger()
	t.session, err = broker.NewSession(&broker.SessionConfig{
		BaseURL:        cfg.APIBaseURL,
		Store:          t.store,
		Refresher:      t.refresher,
		HTTPClient:     cfg.HTTPClient,
		DryRun:         cfg.DryRun,
		RecordResponse: metrics.RecordBrokerResponse,
		Logger:         &sessionLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating broker session: %v", err)
	}

	if cfg.DBEndpoint != "" {
		dbLogger := logger.With().Str("component", "database").Logger()
		t.db, err = database.NewDatabase(ctx, &database.DatabaseConfig{
			Endpoint: cfg.DBEndpoint,
			User:     cfg.DBUser,
			Pass:     cfg.DBPass,
			Logger:   &dbLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating database: %v", err)
		}
	}

	positionMgrLogger := logger.With().Str("component", "positionmanager").Logger()
	t.positionMgr, err = position.NewPositionManager(&position.ManagerConfig{
		Notify:                t.notify,
		PersistClosedPosition: t.persistClosedPosition,
		Logger:                &positionMgrLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating position manager: %v", err)
	}

	evaluatorLogger := logger.With().Str("component", "evaluator").Logger()
	evaluator, err := rules.NewEvaluator(&rules.EvaluatorConfig{
		MaxPositions:  cfg.MaxPositions,
		DefaultAmount: cfg.DefaultAmount,
		Balance:       t.session,
		Leverage:      cfg.Leverage,
		Location:      cfg.Location,
		Logger:        &evaluatorLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating rule evaluator: %v", err)
	}

	t.source = rules.NewSource(cfg.TimetableDir)

	schedulerLogger := logger.With().Str("component", "scheduler").Logger()
	t.scheduler, err = scheduler.NewScheduler(&scheduler.SchedulerConfig{
		Instruments:  cfg.Instruments,
		Broker:       t.session,
		Evaluator:    evaluator,
		Rules:        t.source,
		Credentials:  t.store,
		Positions:    t.positionMgr,
		JobScheduler: t.jobScheduler,
		OnTick: func(result scheduler.TickResult) {
			metrics.RecordTick()
		},
		OnMissedTick: metrics.RecordMissedTick,
		RecordOrder: func(intent shared.OrderIntent, outcome string) {
			metrics.RecordOrder(intent.Instrument, intent.Direction.String(), outcome)
		},
		PersistStats: t.persistStats,
		Notify:       t.notify,
		Logger:       &schedulerLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %v", err)
	}

	watcherLogger := logger.With().Str("component", "watcher").Logger()
	t.watcher, err = rules.NewWatcher(&rules.WatcherConfig{
		Dir:          cfg.TimetableDir,
		JobScheduler: t.jobScheduler,
		OnChange:     t.scheduler.SendRuleSetChanged,
		Logger:       &watcherLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating timetable watcher: %v", err)
	}

	return t, nil
}

// notify relays operator notifications.
func (t *Trader) notify(msg string) {
	t.notifier.Info().Msg(msg)
}

// persistClosedPosition journals the provided closed position when a journal is configured.
func (t *Trader) persistClosedPosition(pos *position.Position) error {
	if t.db == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.db.Timeout())
	defer cancel()

	return t.db.PersistClosedPosition(ctx, pos)
}

// persistStats journals the provided statistics when a journal is configured.
func (t *Trader) persistStats(stats scheduler.Stats) error {
	if t.db == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.db.Timeout())
	defer cancel()

	return t.db.PersistStats(ctx, stats)
}

// reauthorize runs the authorization flow in the background after silent
// renewal permanently failed. Failures during startup are handled by the
// startup sequence itself.
func (t *Trader) reauthorize(cause error) {
	if !t.bootstrapped.Load() {
		return
	}

	if !t.cfg.Interactive {
		t.logger.Error().Err(cause).Msg("reauthorization required but interactive authorization is " +
			"disabled: operator action required, restart interactively")
		t.notify("Reauthorization required, restart the trader interactively")
		return
	}

	t.mtx.Lock()
	if t.stopping {
		t.mtx.Unlock()
		t.logger.Debug().Msg("reauthorization skipped, shutting down")
		return
	}
	ctx := t.ctx
	t.wg.Add(1)
	t.mtx.Unlock()

	t.notify("Reauthorization required, complete the login in the browser")

	go func() {
		defer t.wg.Done()

		_, err := t.flow.Authorize(ctx)
		switch {
		case err == nil:
			t.notify("Reauthorization complete")
		case errors.Is(err, auth.ErrFlowInProgress):
			t.logger.Debug().Msg("authorization flow already running")
		case errors.Is(err, context.Canceled):
			t.logger.Debug().Msg("reauthorization abandoned on shutdown")
		default:
			t.logger.Error().Err(err).Msg("reauthorization failed: operator action required")
		}
	}()
}

// authenticate ensures a usable credential exists, in order: the stored
// credential, a refresh of the stored credential, the authorization flow.
func (t *Trader) authenticate(ctx context.Context) error {
	err := t.store.Load()
	if err != nil {
		t.logger.Error().Err(err).Msg("stored credential unusable, authorization required")
	}

	if t.store.IsValid(0) {
		t.logger.Info().Msg("using stored credential")
		return nil
	}

	cred, err := t.store.Get()
	if err == nil && cred.RefreshToken != "" {
		_, err := t.refresher.RefreshIfNeeded(ctx)
		if err == nil {
			return nil
		}

		t.logger.Warn().Err(err).Msg("stored credential could not be refreshed, authorization required")
	}

	if !t.cfg.Interactive {
		return fmt.Errorf("%w: no usable credential and interactive authorization is disabled, "+
			"run interactively once to authorize", auth.ErrNotAuthenticated)
	}

	_, err = t.flow.Authorize(ctx)
	if err != nil {
		return fmt.Errorf("authorizing: %w", err)
	}

	return nil
}

// resolve warms the broker session's account and instrument caches.
func (t *Trader) resolve(ctx context.Context) error {
	account, err := t.session.AccountKey(ctx)
	if err != nil {
		if !t.session.DryRun() {
			return err
		}
		t.logger.Warn().Err(err).Msg("fetching account failed, continuing in dry run mode")
	} else {
		t.logger.Info().Msgf("trading on account %s", account)
	}

	instruments := append([]string{}, t.cfg.Instruments...)
	ruleSet, err := t.source.Load()
	switch {
	case err == nil:
		if timetable, ok := ruleSet.(*rules.Timetable); ok {
			instruments = append(instruments, timetable.Instruments()...)
		}
	case errors.Is(err, rules.ErrNoTimetable):
		t.logger.Warn().Msgf("no timetable found in %s yet", t.cfg.TimetableDir)
	default:
		t.logger.Error().Err(err).Msg("loading timetable")
	}

	for _, instrument := range instruments {
		_, err := t.session.ResolveInstrument(ctx, instrument)
		if err != nil {
			return err
		}
	}

	return nil
}

// Run handles the lifecycle processes of the trader service.
func (t *Trader) Run(ctx context.Context) error {
	t.mtx.Lock()
	t.ctx = ctx
	t.mtx.Unlock()

	mode := "live orders"
	if t.session.DryRun() {
		mode = "dry run"
	}
	t.logger.Info().Msgf("starting trader against %s (%s)", t.cfg.Environment.String(), mode)

	err := t.authenticate(ctx)
	if err != nil {
		return err
	}
	t.bootstrapped.Store(true)

	err = t.resolve(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("resolving broker references: %w", err)
	}

	var metricsSrv *http.Server
	if t.cfg.MetricsAddr != "" {
		metricsSrv = metrics.Serve(t.cfg.MetricsAddr, t.logger)
	}

	t.wg.Add(3)
	go func() {
		t.refresher.Run(ctx)
		t.wg.Done()
	}()

	go func() {
		t.scheduler.Run(ctx)
		t.wg.Done()
	}()

	go func() {
		t.watcher.Run(ctx)
		t.wg.Done()
	}()

	t.jobScheduler.StartAsync()

	<-ctx.Done()
	t.logger.Info().Msg("shutting down")

	t.mtx.Lock()
	t.stopping = true
	t.mtx.Unlock()

	t.wg.Wait()
	t.jobScheduler.Stop()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := metricsSrv.Shutdown(shutdownCtx)
		if err != nil {
			t.logger.Error().Err(err).Msg("shutting down metrics server")
		}
	}

	return nil
}
