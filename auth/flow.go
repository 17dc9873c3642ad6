package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/browser"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const (
	// DefaultCallbackTimeout is the default bounded wait for the redirect callback.
	DefaultCallbackTimeout = time.Second * 120
	// DefaultScope is the scope requested from the provider.
	DefaultScope = "openapi"
	// shutdownTimeout is the maximum time to wait for the callback listener to close.
	shutdownTimeout = time.Second * 5
	// callbackReadTimeout bounds how long a single callback request may take.
	callbackReadTimeout = time.Second * 10
)

const callbackSuccessPage = `<html><head><title>Authorized</title></head>
<body><h2>Authorization complete</h2><p>You can close this window and return to the application.</p></body></html>`

const callbackFailurePage = `<html><head><title>Authorization failed</title></head>
<body><h2>Authorization failed</h2><p>%s</p><p>Return to the application and retry.</p></body></html>`

// FlowConfig represents the authorization flow configuration.
type FlowConfig struct {
	// AuthURL is the provider authorization endpoint.
	AuthURL string
	// ClientID is the registered application id.
	ClientID string
	// RedirectURI is the registered redirect uri the local listener binds to.
	RedirectURI string
	// Scopes are the requested scopes.
	Scopes []string
	// Exchanger exchanges the received authorization code for tokens.
	Exchanger CodeExchanger
	// Store receives the minted credential.
	Store *Store
	// Open presents the authorization url to the operator, typically by opening a
	// browser. A failure is not fatal, the url is logged for manual use.
	Open func(url string) error
	// CallbackTimeout bounds the wait for the redirect callback.
	CallbackTimeout time.Duration
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *FlowConfig) Validate() error {
	var errs error

	if cfg.AuthURL == "" {
		errs = errors.Join(errs, fmt.Errorf("auth url cannot be an empty string"))
	}
	if cfg.ClientID == "" {
		errs = errors.Join(errs, fmt.Errorf("client id cannot be an empty string"))
	}
	if cfg.RedirectURI == "" {
		errs = errors.Join(errs, fmt.Errorf("redirect uri cannot be an empty string"))
	} else {
		u, err := url.Parse(cfg.RedirectURI)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("parsing redirect uri: %w", err))
		} else if u.Scheme != "http" || u.Host == "" {
			errs = errors.Join(errs, fmt.Errorf("redirect uri must be an http uri with a host, got %q", cfg.RedirectURI))
		}
	}
	if cfg.Exchanger == nil {
		errs = errors.Join(errs, fmt.Errorf("code exchanger cannot be nil"))
	}
	if cfg.Store == nil {
		errs = errors.Join(errs, fmt.Errorf("credential store cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// callbackResult represents the outcome of the redirect callback.
type callbackResult struct {
	code string
	err  error
}

// Flow runs the interactive PKCE authorization code flow that mints the first
// credential. Only one flow runs at a time since concurrent flows would race
// for the same callback port.
type Flow struct {
	cfg      *FlowConfig
	oauth    *oauth2.Config
	redirect *url.URL
	inFlight sync.Mutex
}

// NewFlow initializes a new authorization flow.
func NewFlow(cfg *FlowConfig) (*Flow, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating flow config: %w", err)
	}

	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = DefaultCallbackTimeout
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{DefaultScope}
	}
	if cfg.Open == nil {
		cfg.Open = browser.OpenURL
	}

	redirect, err := url.Parse(cfg.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("parsing redirect uri: %w", err)
	}

	return &Flow{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Scopes:      cfg.Scopes,
			Endpoint:    oauth2.Endpoint{AuthURL: cfg.AuthURL},
		},
		redirect: redirect,
	}, nil
}

// AuthorizationURL constructs the authorization url for the provided challenge.
func (f *Flow) AuthorizationURL(challenge *PKCEChallenge) string {
	return f.oauth.AuthCodeURL(challenge.State, oauth2.S256ChallengeOption(challenge.Verifier))
}

// Authorize runs the authorization flow and stores the resulting credential.
// The store is left untouched on any failure.
func (f *Flow) Authorize(ctx context.Context) (*Credential, error) {
	if !f.inFlight.TryLock() {
		return nil, ErrFlowInProgress
	}
	defer f.inFlight.Unlock()

	challenge := NewPKCEChallenge()

	results := make(chan callbackResult, 1)
	stop, err := f.listen(challenge.State, results)
	if err != nil {
		return nil, err
	}
	defer stop()

	authURL := f.AuthorizationURL(challenge)
	f.cfg.Logger.Info().Msgf("authorization required, complete the login at: %s", authURL)

	err = f.cfg.Open(authURL)
	if err != nil {
		f.cfg.Logger.Warn().Err(err).Msg("unable to open a browser, open the authorization url manually")
	}

	timer := time.NewTimer(f.cfg.CallbackTimeout)
	defer timer.Stop()

	var result callbackResult
	select {
	case result = <-results:
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrCallbackTimeout, f.cfg.CallbackTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for authorization callback: %w", ctx.Err())
	}

	if result.err != nil {
		return nil, result.err
	}

	issuedAt := f.cfg.Store.now()
	resp, err := f.cfg.Exchanger.ExchangeCode(ctx, result.code, challenge.Verifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchangeFailed, err)
	}

	cred, err := newCredential(resp, issuedAt, f.cfg.Store.Environment(), "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchangeFailed, err)
	}

	err = f.cfg.Store.Put(*cred)
	if err != nil {
		return nil, err
	}

	f.cfg.Logger.Info().Msgf("authorization complete, credential expires at %s", cred.ExpiresAt.Format(time.RFC3339))

	return cred, nil
}

// listen binds the redirect uri's address and serves exactly one callback. The
// returned function shuts the listener down and releases the port.
func (f *Flow) listen(state string, results chan<- callbackResult) (func(), error) {
	ln, err := net.Listen("tcp", f.redirect.Host)
	if err != nil {
		return nil, fmt.Errorf("binding callback listener on %s: %w", f.redirect.Host, err)
	}

	path := f.redirect.Path
	if path == "" {
		path = "/"
	}

	var handled atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if !handled.CompareAndSwap(false, true) {
			http.Error(w, "authorization callback already handled", http.StatusGone)
			return
		}

		result := parseCallback(r.URL.Query(), state)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if result.err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, callbackFailurePage, "The authorization attempt was rejected.")
		} else {
			fmt.Fprint(w, callbackSuccessPage)
		}

		results <- result
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: callbackReadTimeout,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.cfg.Logger.Error().Err(err).Msg("callback listener failed")
		}
	}()

	f.cfg.Logger.Debug().Msgf("callback listener bound on %s%s", f.redirect.Host, path)

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(ctx)
		if err != nil {
			srv.Close()
		}
		<-done
	}

	return stop, nil
}

// parseCallback validates the callback query against the expected state.
func parseCallback(query url.Values, state string) callbackResult {
	if query.Get("state") != state {
		return callbackResult{err: ErrStateMismatch}
	}

	if providerErr := query.Get("error"); providerErr != "" {
		desc := query.Get("error_description")
		if desc != "" {
			return callbackResult{err: fmt.Errorf("%w: %s (%s)", ErrAuthorizationDenied, providerErr, desc)}
		}
		return callbackResult{err: fmt.Errorf("%w: %s", ErrAuthorizationDenied, providerErr)}
	}

	code := query.Get("code")
	if code == "" {
		return callbackResult{err: fmt.Errorf("%w: callback carried no authorization code", ErrAuthorizationDenied)}
	}

	return callbackResult{code: code}
}
