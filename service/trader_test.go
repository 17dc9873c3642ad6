package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dnldd/saxotrader/auth"
	"github.com/dnldd/saxotrader/scheduler"
	"github.com/peterldowns/testy/assert"
)

const testTimetable = `rules:
  - id: "1"
    instrument: EURUSD
    direction: long
    entry: "09:00"
    exit: "09:30"
    score: 1.5
`

// tokenStub stands in for the provider token endpoint.
type tokenStub struct {
	hits   atomic.Int32
	status int
	body   string
}

func (s *tokenStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)
	w.Header().Set("Content-Type", "application/json")
	status := s.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	io.WriteString(w, s.body)
}

// brokerStub stands in for the broker gateway.
func brokerStub(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/port/v1/accounts/me"):
		io.WriteString(w, `{"Data":[{"AccountKey":"acc-1"}]}`)
	case strings.HasSuffix(r.URL.Path, "/ref/v1/instruments"):
		io.WriteString(w, `{"Data":[{"Identifier":21,"Symbol":"EURUSD"}]}`)
	default:
		io.WriteString(w, `{"Data":[]}`)
	}
}

func freeRedirectURI(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	addr := ln.Addr().String()
	assert.NoError(t, ln.Close())

	return fmt.Sprintf("http://%s/callback", addr)
}

// trading returns whether the trader finished starting up.
func trading(trader *Trader) func() bool {
	return func() bool {
		return trader.scheduler.State() == scheduler.WaitingForTick
	}
}

func storeCredential(t *testing.T, path string, access string, expiresAt time.Time) {
	backend, err := auth.NewFileBackend(path)
	assert.NoError(t, err)

	err = backend.Save(&auth.Credential{
		AccessToken:  access,
		RefreshToken: "refresh",
		IssuedAt:     expiresAt.Add(-time.Hour),
		ExpiresAt:    expiresAt,
		Environment:  auth.Sim,
	})
	assert.NoError(t, err)
}

func storedAccessToken(t *testing.T, path string) string {
	backend, err := auth.NewFileBackend(path)
	assert.NoError(t, err)

	cred, err := backend.Load()
	assert.NoError(t, err)
	if cred == nil {
		return ""
	}

	return cred.AccessToken
}

type testEnv struct {
	cfg       *TraderConfig
	tokens    *tokenStub
	tokenFile string
}

func setupEnv(t *testing.T) *testEnv {
	tokens := &tokenStub{body: `{"access_token":"minted","refresh_token":"rotated","token_type":"Bearer","expires_in":1200}`}
	tokenSrv := httptest.NewServer(tokens)
	t.Cleanup(tokenSrv.Close)

	brokerSrv := httptest.NewServer(http.HandlerFunc(brokerStub))
	t.Cleanup(brokerSrv.Close)

	dir := t.TempDir()
	timetableDir := filepath.Join(dir, "timetables")
	assert.NoError(t, os.MkdirAll(timetableDir, 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(timetableDir, "entrypoints_20250304.yaml"), []byte(testTimetable), 0o644))

	tokenFile := filepath.Join(dir, "tokens.json")

	return &testEnv{
		tokens:    tokens,
		tokenFile: tokenFile,
		cfg: &TraderConfig{
			ClientID:     "client",
			ClientSecret: "secret",
			RedirectURI:  freeRedirectURI(t),
			Environment:  auth.Sim,
			AuthBaseURL:  tokenSrv.URL,
			APIBaseURL:   brokerSrv.URL,
			TokenFile:    tokenFile,
			Instruments:  []string{"USDJPY"},
			TimetableDir: timetableDir,
			DryRun:       true,
			Location:     time.UTC,
			OpenBrowser: func(string) error {
				return errors.New("no browser")
			},
			CallbackTimeout: time.Second * 2,
		},
	}
}

// runTrader runs the trader until the provided condition holds, then shuts it down.
func runTrader(t *testing.T, trader *Trader, until func() bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- trader.Run(ctx)
	}()

	for {
		select {
		case err := <-done:
			return err
		case <-time.After(time.Millisecond * 10):
		}

		if until() {
			cancel()
			return <-done
		}
	}
}

func TestTraderConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TraderConfig
		wantErr []string
	}{
		{
			name: "valid config",
			cfg: TraderConfig{
				ClientID:     "client",
				RedirectURI:  "http://localhost:8080/callback",
				AuthBaseURL:  "https://sim.logonvalidation.net",
				APIBaseURL:   "https://gateway.saxobank.com/sim/openapi",
				TokenFile:    "saxo_tokens.json",
				TimetableDir: "timetables",
			},
		},
		{
			name: "missing everything",
			cfg:  TraderConfig{},
			wantErr: []string{
				"client id cannot be an empty string",
				"redirect uri cannot be an empty string",
				"auth base url cannot be an empty string",
				"api base url cannot be an empty string",
				"token file cannot be an empty string",
				"timetable directory cannot be an empty string",
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.cfg.Validate()
			if len(test.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}

			assert.Error(t, err)
			for _, want := range test.wantErr {
				assert.True(t, strings.Contains(err.Error(), want))
			}
		})
	}
}

func TestTraderUsesValidStoredCredential(t *testing.T) {
	env := setupEnv(t)
	storeCredential(t, env.tokenFile, "stored", time.Now().Add(time.Hour))

	trader, err := NewTrader(context.Background(), env.cfg)
	assert.NoError(t, err)

	err = runTrader(t, trader, trading(trader))
	assert.NoError(t, err)

	// No authorization flow and no refresh were needed.
	assert.Equal(t, int32(0), env.tokens.hits.Load())
	assert.Equal(t, "stored", storedAccessToken(t, env.tokenFile))
}

func TestTraderRefreshesExpiredStoredCredential(t *testing.T) {
	env := setupEnv(t)
	storeCredential(t, env.tokenFile, "stale", time.Now().Add(-time.Minute))

	trader, err := NewTrader(context.Background(), env.cfg)
	assert.NoError(t, err)

	err = runTrader(t, trader, trading(trader))
	assert.NoError(t, err)

	assert.Equal(t, int32(1), env.tokens.hits.Load())
	assert.Equal(t, "minted", storedAccessToken(t, env.tokenFile))
	assert.True(t, trader.store.IsValid(0))
}

func TestTraderNonInteractiveWithoutCredential(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(env *testEnv)
		hits   int32
		stored string
	}{
		{
			name: "no stored credential",
		},
		{
			name: "stored credential refresh rejected",
			setup: func(env *testEnv) {
				storeCredential(t, env.tokenFile, "stale", time.Now().Add(-time.Minute))
				env.tokens.status = http.StatusBadRequest
				env.tokens.body = `{"error":"invalid_grant","error_description":"refresh token revoked"}`
			},
			hits:   1,
			stored: "stale",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			env := setupEnv(t)
			env.cfg.Interactive = false
			if test.setup != nil {
				test.setup(env)
			}

			trader, err := NewTrader(context.Background(), env.cfg)
			assert.NoError(t, err)

			err = trader.Run(context.Background())
			assert.Error(t, err)
			assert.True(t, errors.Is(err, auth.ErrNotAuthenticated))
			assert.Equal(t, test.hits, env.tokens.hits.Load())
			assert.Equal(t, test.stored, storedAccessToken(t, env.tokenFile))
		})
	}
}

func TestTraderAuthorizesInteractively(t *testing.T) {
	env := setupEnv(t)
	env.cfg.Interactive = true
	env.cfg.OpenBrowser = func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}

		query := url.Values{}
		query.Set("state", u.Query().Get("state"))
		query.Set("code", "auth-code")

		go func() {
			resp, err := http.Get(env.cfg.RedirectURI + "?" + query.Encode())
			if err == nil {
				resp.Body.Close()
			}
		}()

		return nil
	}

	trader, err := NewTrader(context.Background(), env.cfg)
	assert.NoError(t, err)

	err = runTrader(t, trader, trading(trader))
	assert.NoError(t, err)

	assert.Equal(t, int32(1), env.tokens.hits.Load())
	assert.Equal(t, "minted", storedAccessToken(t, env.tokenFile))
}

func TestTraderAuthorizationTimeout(t *testing.T) {
	env := setupEnv(t)
	env.cfg.Interactive = true
	env.cfg.CallbackTimeout = time.Millisecond * 50

	trader, err := NewTrader(context.Background(), env.cfg)
	assert.NoError(t, err)

	err = trader.Run(context.Background())
	assert.True(t, errors.Is(err, auth.ErrCallbackTimeout))
	assert.Equal(t, "", storedAccessToken(t, env.tokenFile))
}

func TestTraderGracefulShutdown(t *testing.T) {
	env := setupEnv(t)
	storeCredential(t, env.tokenFile, "stored", time.Now().Add(time.Hour))
	env.cfg.MetricsAddr = "127.0.0.1:0"

	trader, err := NewTrader(context.Background(), env.cfg)
	assert.NoError(t, err)

	// Ensure the trader can be run and gracefully terminated.
	err = runTrader(t, trader, trading(trader))
	assert.NoError(t, err)
	assert.Equal(t, scheduler.Stopped, trader.scheduler.State())
}

func TestTraderSkipsReauthorizationAfterShutdown(t *testing.T) {
	env := setupEnv(t)
	storeCredential(t, env.tokenFile, "stored", time.Now().Add(time.Hour))
	env.cfg.Interactive = true

	var opened atomic.Int32
	env.cfg.OpenBrowser = func(string) error {
		opened.Add(1)
		return errors.New("no browser")
	}

	trader, err := NewTrader(context.Background(), env.cfg)
	assert.NoError(t, err)

	err = runTrader(t, trader, trading(trader))
	assert.NoError(t, err)

	// Ensure a late escalation does not start a flow once shutdown began.
	trader.reauthorize(errors.New("revoked"))
	trader.wg.Wait()
	assert.Equal(t, int32(0), opened.Load())
}
