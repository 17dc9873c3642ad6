package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// tokenRequestTimeout is the maximum time a token endpoint request may take.
	tokenRequestTimeout = time.Second * 30
	// maxTokenBodySize caps how much of a token response is read.
	maxTokenBodySize = 1 << 20
)

// TokenResponse represents a successful token endpoint response.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    time.Duration
}

// CodeExchanger defines the requirements for exchanging an authorization code.
type CodeExchanger interface {
	// ExchangeCode exchanges the provided authorization code and PKCE verifier for tokens.
	ExchangeCode(ctx context.Context, code string, verifier string) (*TokenResponse, error)
}

// RefreshExchanger defines the requirements for renewing tokens.
type RefreshExchanger interface {
	// Refresh exchanges the provided refresh token for new tokens.
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// TokenClientConfig represents the token endpoint client configuration.
type TokenClientConfig struct {
	// TokenURL is the provider token endpoint.
	TokenURL string
	// ClientID is the registered application id.
	ClientID string
	// ClientSecret is the registered application secret, empty for public clients.
	ClientSecret string
	// RedirectURI is the registered redirect uri, echoed on code exchange.
	RedirectURI string
	// HTTPClient is the http client used for requests.
	HTTPClient *http.Client
}

// Validate asserts the config sane inputs.
func (cfg *TokenClientConfig) Validate() error {
	var errs error

	if cfg.TokenURL == "" {
		errs = errors.Join(errs, fmt.Errorf("token url cannot be an empty string"))
	}
	if cfg.ClientID == "" {
		errs = errors.Join(errs, fmt.Errorf("client id cannot be an empty string"))
	}
	if cfg.RedirectURI == "" {
		errs = errors.Join(errs, fmt.Errorf("redirect uri cannot be an empty string"))
	}

	return errs
}

// TokenClient represents the provider token endpoint client.
type TokenClient struct {
	cfg   *TokenClientConfig
	httpc *http.Client
}

// Ensure the token client implements the exchanger interfaces.
var _ CodeExchanger = (*TokenClient)(nil)
var _ RefreshExchanger = (*TokenClient)(nil)

// NewTokenClient initializes a new token endpoint client.
func NewTokenClient(cfg *TokenClientConfig) (*TokenClient, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating token client config: %w", err)
	}

	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: tokenRequestTimeout}
	}

	return &TokenClient{cfg: cfg, httpc: httpc}, nil
}

// ExchangeCode exchanges the provided authorization code and PKCE verifier for tokens.
func (c *TokenClient) ExchangeCode(ctx context.Context, code string, verifier string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	form.Set("code_verifier", verifier)

	return c.post(ctx, form)
}

// Refresh exchanges the provided refresh token for new tokens.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, &TokenError{Code: "invalid_grant", Description: "no refresh token available"}
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	return c.post(ctx, form)
}

// post sends the provided form to the token endpoint and parses the response.
func (c *TokenClient) post(ctx context.Context, form url.Values) (*TokenResponse, error) {
	if c.cfg.ClientSecret == "" {
		form.Set("client_id", c.cfg.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if c.cfg.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(c.cfg.ClientID), url.QueryEscape(c.cfg.ClientSecret))
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting token (%s): %w", form.Get("grant_type"), err)
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading token response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		tokenErr := &TokenError{StatusCode: resp.StatusCode}
		if gjson.ValidBytes(body) {
			tokenErr.Code = gjson.GetBytes(body, "error").String()
			tokenErr.Description = gjson.GetBytes(body, "error_description").String()
		}
		if tokenErr.Description == "" {
			tokenErr.Description = strings.TrimSpace(string(body))
		}
		return nil, tokenErr
	}

	return parseTokenResponse(resp.StatusCode, body)
}

// parseTokenResponse parses a successful token endpoint response body.
func parseTokenResponse(status int, body []byte) (*TokenResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, &TokenError{StatusCode: status, Description: "malformed token response"}
	}

	doc := gjson.ParseBytes(body)

	accessToken := doc.Get("access_token").String()
	if accessToken == "" {
		return nil, &TokenError{StatusCode: status, Description: "token response is missing access_token"}
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: doc.Get("refresh_token").String(),
		TokenType:    doc.Get("token_type").String(),
		ExpiresIn:    time.Duration(doc.Get("expires_in").Int()) * time.Second,
	}, nil
}
