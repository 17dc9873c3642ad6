package auth

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCheckInterval is the default interval between expiry checks.
	DefaultCheckInterval = time.Second * 60
	// DefaultMaxAttempts is the default number of attempts for a transient refresh failure.
	DefaultMaxAttempts = 5
	// DefaultInitialBackoff is the default delay before the first refresh retry.
	DefaultInitialBackoff = time.Second
	// DefaultMaxBackoff is the default cap on the delay between refresh retries.
	DefaultMaxBackoff = time.Second * 30
	// DefaultExchangeTimeout is the default bound on a single refresh, retries included.
	DefaultExchangeTimeout = time.Minute * 2
	// refreshKey is the single flight key shared by every refresh path.
	refreshKey = "refresh"
)

// RefreshOutcome represents the result of a refresh attempt, for instrumentation.
type RefreshOutcome string

const (
	RefreshSucceeded RefreshOutcome = "success"
	RefreshTransient RefreshOutcome = "transient"
	RefreshPermanent RefreshOutcome = "permanent"
)

// RefresherConfig represents the token refresher configuration.
type RefresherConfig struct {
	// Store is the credential store kept fresh.
	Store *Store
	// Client exchanges refresh tokens for new tokens.
	Client RefreshExchanger
	// JobScheduler schedules the periodic expiry check.
	JobScheduler *gocron.Scheduler
	// CheckInterval is the interval between expiry checks.
	CheckInterval time.Duration
	// LeadTime is the margin before expiry at which a refresh is attempted.
	LeadTime time.Duration
	// MaxAttempts caps the attempts made for transient failures.
	MaxAttempts uint64
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// ExchangeTimeout bounds a single refresh, retries included. The refresh
	// outlives the cancellation of the caller that started it.
	ExchangeTimeout time.Duration
	// NotifyReauthorization is called once when renewal permanently fails.
	NotifyReauthorization func(err error)
	// RecordOutcome records the outcome of every refresh exchange.
	RecordOutcome func(outcome RefreshOutcome)
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *RefresherConfig) Validate() error {
	var errs error

	if cfg.Store == nil {
		errs = errors.Join(errs, fmt.Errorf("credential store cannot be nil"))
	}
	if cfg.Client == nil {
		errs = errors.Join(errs, fmt.Errorf("refresh client cannot be nil"))
	}
	if cfg.JobScheduler == nil {
		errs = errors.Join(errs, fmt.Errorf("job scheduler cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Refresher renews the current credential ahead of its expiry in the
// background. Every refresh path shares one in-flight exchange so a refresh
// token is never spent twice.
type Refresher struct {
	cfg       *RefresherConfig
	group     singleflight.Group
	exchanges atomic.Uint64
}

// NewRefresher initializes a new token refresher.
func NewRefresher(cfg *RefresherConfig) (*Refresher, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating refresher config: %w", err)
	}

	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.LeadTime <= 0 {
		cfg.LeadTime = DefaultLeadTime
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = DefaultExchangeTimeout
	}

	return &Refresher{cfg: cfg}, nil
}

// Exchanges returns the number of refresh exchanges sent to the provider.
func (r *Refresher) Exchanges() uint64 {
	return r.exchanges.Load()
}

// RefreshIfNeeded refreshes the current credential when it expires within the
// lead time. The current credential is returned unchanged otherwise.
func (r *Refresher) RefreshIfNeeded(ctx context.Context) (*Credential, error) {
	cred, err := r.cfg.Store.Get()
	if err != nil {
		return nil, err
	}

	if cred.TimeToExpiry(r.cfg.Store.now()) > r.cfg.LeadTime {
		return &cred, nil
	}

	return r.refresh(ctx, cred.AccessToken)
}

// ForceRefresh refreshes the credential after the broker rejected the provided
// access token. When the store already holds a different access token the
// rejected one has been replaced and no exchange is made.
func (r *Refresher) ForceRefresh(ctx context.Context, staleAccessToken string) (*Credential, error) {
	cred, err := r.cfg.Store.Get()
	if err != nil {
		return nil, err
	}

	if cred.AccessToken != staleAccessToken {
		return &cred, nil
	}

	return r.refresh(ctx, staleAccessToken)
}

// refresh joins or starts the single in-flight refresh. The store is re-read
// inside the flight so a caller arriving just after another refresh completed
// observes its result instead of spending the rotated refresh token again.
// The flight runs detached from the caller that started it, each caller only
// stops waiting when its own context ends.
func (r *Refresher) refresh(ctx context.Context, observedAccessToken string) (*Credential, error) {
	flightCtx := context.WithoutCancel(ctx)
	results := r.group.DoChan(refreshKey, func() (any, error) {
		cred, err := r.cfg.Store.Get()
		if err != nil {
			return nil, err
		}

		if cred.AccessToken != observedAccessToken {
			return &cred, nil
		}

		exchangeCtx, cancel := context.WithTimeout(flightCtx, r.cfg.ExchangeTimeout)
		defer cancel()

		return r.exchange(exchangeCtx, cred)
	})

	select {
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}

		if res.Shared {
			r.cfg.Logger.Debug().Msg("joined in-flight credential refresh")
		}

		cred := res.Val.(*Credential)
		return cred, nil

	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for credential refresh: %w", ctx.Err())
	}
}

// Reject escalates after the broker rejected a credential that was just
// renewed. Silent renewal cannot recover from this, a new authorization is
// required.
func (r *Refresher) Reject(cause error) {
	r.escalate(cause)
}

// exchange renews the provided credential, retrying transient failures with
// bounded exponential backoff.
func (r *Refresher) exchange(ctx context.Context, current Credential) (*Credential, error) {
	if current.RefreshToken == "" {
		err := &TokenError{Code: "invalid_grant", Description: "no refresh token available"}
		r.escalate(err)
		return nil, fmt.Errorf("%w: %w", ErrNeedsReauthorization, err)
	}

	var cred *Credential
	operation := func() error {
		r.exchanges.Add(1)
		issuedAt := r.cfg.Store.now()

		resp, err := r.cfg.Client.Refresh(ctx, current.RefreshToken)
		if err != nil {
			if IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		next, err := newCredential(resp, issuedAt, current.Environment, current.RefreshToken)
		if err != nil {
			return err
		}

		cred = next
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.InitialBackoff
	policy.MaxInterval = r.cfg.MaxBackoff
	policy.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		r.cfg.Logger.Warn().Err(err).Msgf("credential refresh failed, will retry automatically in %s", wait)
	}

	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, r.cfg.MaxAttempts-1), ctx), notify)
	if err != nil {
		if IsPermanent(err) {
			r.record(RefreshPermanent)
			r.escalate(err)
			return nil, fmt.Errorf("%w: %w", ErrNeedsReauthorization, err)
		}

		r.record(RefreshTransient)
		r.cfg.Logger.Error().Err(err).Msgf("credential refresh failed after %d attempts, "+
			"will retry automatically at the next check", r.cfg.MaxAttempts)
		return nil, fmt.Errorf("%w: %w", ErrRefreshTransientFailure, err)
	}

	err = r.cfg.Store.Put(*cred)
	if err != nil {
		// The renewed credential is current in memory; only durability was lost.
		r.cfg.Logger.Error().Err(err).Msg("renewed credential could not be persisted")
	}

	r.record(RefreshSucceeded)
	r.cfg.Logger.Info().Msgf("credential refreshed, expires at %s", cred.ExpiresAt.Format(time.RFC3339))

	return cred, nil
}

// escalate halts silent renewal and surfaces the permanent failure.
func (r *Refresher) escalate(err error) {
	if !r.cfg.Store.MarkNeedsReauthorization(err) {
		return
	}

	r.cfg.Logger.Error().Err(err).Msg("credential renewal permanently failed, operator action required: " +
		"run the authorization flow again")

	if r.cfg.NotifyReauthorization != nil {
		r.cfg.NotifyReauthorization(err)
	}
}

// record records the provided refresh outcome.
func (r *Refresher) record(outcome RefreshOutcome) {
	if r.cfg.RecordOutcome != nil {
		r.cfg.RecordOutcome(outcome)
	}
}

// check runs a single scheduled expiry check. Failures are reported, never propagated.
func (r *Refresher) check(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.cfg.Logger.Error().Msgf("recovered from panic in credential check: %v", rec)
		}
	}()

	if ctx.Err() != nil {
		return
	}

	_, err := r.RefreshIfNeeded(ctx)
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, ErrNotAuthenticated):
		r.cfg.Logger.Debug().Msg("no credential to refresh yet")
	case errors.Is(err, ErrNeedsReauthorization):
		// already surfaced by escalate.
		r.cfg.Logger.Debug().Msg("silent refresh halted, awaiting reauthorization")
	default:
		r.cfg.Logger.Error().Err(err).Msg("scheduled credential check failed")
	}
}

// Run schedules the periodic expiry check until the provided context is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	job, err := r.cfg.JobScheduler.Every(r.cfg.CheckInterval).SingletonMode().Do(r.check, ctx)
	if err != nil {
		r.cfg.Logger.Error().Err(err).Msg("scheduling credential checks failed, renewal disabled")
		return
	}

	r.cfg.Logger.Info().Msgf("checking credential expiry every %s with %s lead time",
		r.cfg.CheckInterval, r.cfg.LeadTime)

	<-ctx.Done()
	r.cfg.JobScheduler.RemoveByReference(job)
}
