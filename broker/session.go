package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dnldd/saxotrader/auth"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	// DefaultRequestInterval is the default minimum spacing between broker requests.
	DefaultRequestInterval = time.Millisecond * 500
	// defaultHTTPTimeout bounds a single broker request.
	defaultHTTPTimeout = time.Second * 15
	// maxResponseSize caps the broker response bodies read.
	maxResponseSize = 4 << 20
)

// CredentialSource provides the current credential.
type CredentialSource interface {
	// Get returns the current credential.
	Get() (auth.Credential, error)
}

// ForcedRefresher renews a credential the broker rejected.
type ForcedRefresher interface {
	// ForceRefresh refreshes the credential holding the provided rejected access token.
	ForceRefresh(ctx context.Context, staleAccessToken string) (*auth.Credential, error)
	// Reject escalates after the broker rejected a freshly renewed credential.
	Reject(cause error)
}

// SessionConfig represents the broker session configuration.
type SessionConfig struct {
	// BaseURL is the broker openapi base url.
	BaseURL string
	// Store provides the current credential.
	Store CredentialSource
	// Refresher renews a credential rejected by the broker.
	Refresher ForcedRefresher
	// HTTPClient is the client used for broker requests.
	HTTPClient *http.Client
	// RequestInterval is the minimum spacing between broker requests.
	RequestInterval time.Duration
	// DryRun simulates order placement against an in-memory book.
	DryRun bool
	// RecordResponse records the status of every broker response.
	RecordResponse func(status int)
	// Now returns the current time.
	Now func() time.Time
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *SessionConfig) Validate() error {
	var errs error

	if cfg.BaseURL == "" {
		errs = errors.Join(errs, fmt.Errorf("base url cannot be an empty string"))
	} else if _, err := url.Parse(cfg.BaseURL); err != nil {
		errs = errors.Join(errs, fmt.Errorf("parsing base url: %w", err))
	}
	if cfg.Store == nil {
		errs = errors.Join(errs, fmt.Errorf("credential source cannot be nil"))
	}
	if cfg.Refresher == nil {
		errs = errors.Join(errs, fmt.Errorf("refresher cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// request represents a single broker request.
type request struct {
	method  string
	path    string
	query   url.Values
	body    []byte
	headers map[string]string
}

// Session executes authenticated requests against the broker.
type Session struct {
	cfg     *SessionConfig
	limiter *rate.Limiter
	paper   *paperBook

	mtx         sync.RWMutex
	accountKey  string
	instruments map[string]int64
	symbols     map[int64]string
}

// NewSession initializes a new broker session.
func NewSession(cfg *SessionConfig) (*Session, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating session config: %w", err)
	}

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.RequestInterval <= 0 {
		cfg.RequestInterval = DefaultRequestInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Session{
		cfg:         cfg,
		limiter:     rate.NewLimiter(rate.Every(cfg.RequestInterval), 1),
		paper:       newPaperBook(),
		instruments: make(map[string]int64),
		symbols:     make(map[int64]string),
	}, nil
}

// DryRun returns whether order placement is simulated.
func (s *Session) DryRun() bool {
	return s.cfg.DryRun
}

// credential returns the access token to authenticate with.
func (s *Session) credential() (string, error) {
	cred, err := s.cfg.Store.Get()
	if err != nil {
		if errors.Is(err, auth.ErrNotAuthenticated) || errors.Is(err, auth.ErrNeedsReauthorization) {
			return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		}
		return "", fmt.Errorf("reading credential: %w", err)
	}

	return cred.AccessToken, nil
}

// Do executes an authenticated request, json encoding the provided body when
// present. A 401 triggers exactly one forced refresh and one retry.
func (s *Session) Do(ctx context.Context, method string, path string, query url.Values, body any) (gjson.Result, error) {
	req := request{method: method, path: path, query: query}
	if body != nil {
		payload, err := jsonBody(body)
		if err != nil {
			return gjson.Result{}, err
		}
		req.body = payload
	}

	return s.do(ctx, req)
}

// jsonBody encodes the provided request body.
func jsonBody(body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}

	return payload, nil
}

// do executes the provided request.
func (s *Session) do(ctx context.Context, req request) (gjson.Result, error) {
	token, err := s.credential()
	if err != nil {
		return gjson.Result{}, err
	}

	status, body, err := s.send(ctx, req, token)
	if err != nil {
		return gjson.Result{}, err
	}

	if status == http.StatusUnauthorized {
		s.cfg.Logger.Warn().Msgf("broker rejected the access token for %s %s, forcing a refresh", req.method, req.path)

		cred, err := s.cfg.Refresher.ForceRefresh(ctx, token)
		if err != nil {
			s.cfg.Logger.Error().Err(err).Msg("forced refresh failed, operator action may be required")
			return gjson.Result{}, fmt.Errorf("%w: forced refresh failed: %w", ErrAuthenticationRejected, err)
		}

		status, body, err = s.send(ctx, req, cred.AccessToken)
		if err != nil {
			return gjson.Result{}, err
		}

		if status == http.StatusUnauthorized {
			s.cfg.Logger.Error().Msgf("broker rejected the refreshed access token for %s %s, "+
				"operator action required", req.method, req.path)
			s.cfg.Refresher.Reject(ErrAuthenticationRejected)
			return gjson.Result{}, ErrAuthenticationRejected
		}
	}

	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		brokerErr := classify(status, body)
		s.cfg.Logger.Debug().Msgf("broker error response for %s %s: %s", req.method, req.path, spew.Sdump(string(body)))
		return gjson.Result{}, brokerErr
	}

	if len(body) == 0 {
		return gjson.Result{}, nil
	}

	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("malformed broker response for %s %s", req.method, req.path)
	}

	return gjson.ParseBytes(body), nil
}

// send paces and sends a single request with the provided access token.
func (s *Session) send(ctx context.Context, req request, token string) (int, []byte, error) {
	err := s.limiter.Wait(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("waiting for request slot: %w", err)
	}

	target := s.cfg.BaseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	var reader io.Reader
	if req.body != nil {
		reader = bytes.NewReader(req.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := s.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("sending %s %s: %w", req.method, req.path, err)
	}
	defer resp.Body.Close()

	if s.cfg.RecordResponse != nil {
		s.cfg.RecordResponse(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, nil, fmt.Errorf("reading response body: %w", err)
	}

	return resp.StatusCode, body, nil
}
