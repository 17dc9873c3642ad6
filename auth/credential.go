package auth

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultLeadTime is the margin before expiry at which renewal is triggered.
	DefaultLeadTime = time.Minute * 10
	// defaultExpiresIn is assumed when the provider omits expires_in.
	defaultExpiresIn = time.Hour
)

// Environment represents the broker environment a credential was issued for.
type Environment int

const (
	Sim Environment = iota
	Live
)

// String stringifies the provided environment.
func (e Environment) String() string {
	switch e {
	case Sim:
		return "sim"
	case Live:
		return "live"
	default:
		return "unknown"
	}
}

// ParseEnvironment parses the provided environment name.
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sim", "":
		return Sim, nil
	case "live":
		return Live, nil
	default:
		return 0, fmt.Errorf("unknown environment provided: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (e Environment) MarshalText() ([]byte, error) {
	if e != Sim && e != Live {
		return nil, fmt.Errorf("unknown environment: %d", int(e))
	}

	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Environment) UnmarshalText(b []byte) error {
	env, err := ParseEnvironment(string(b))
	if err != nil {
		return err
	}

	*e = env
	return nil
}

// Credential represents an access/refresh token pair and its validity window.
// Credentials are replaced wholesale, never edited in place.
type Credential struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	TokenType    string      `json:"token_type,omitempty"`
	IssuedAt     time.Time   `json:"issued_at"`
	ExpiresAt    time.Time   `json:"expires_at"`
	Environment  Environment `json:"environment"`
}

// newCredential creates a credential from the provided token response. The
// previous refresh token is kept when the provider does not rotate it.
func newCredential(resp *TokenResponse, issuedAt time.Time, env Environment, previousRefreshToken string) (*Credential, error) {
	if resp == nil {
		return nil, fmt.Errorf("token response cannot be nil")
	}

	expiresIn := resp.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}

	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = previousRefreshToken
	}

	cred := &Credential{
		AccessToken:  resp.AccessToken,
		RefreshToken: refreshToken,
		TokenType:    resp.TokenType,
		IssuedAt:     issuedAt,
		ExpiresAt:    issuedAt.Add(expiresIn),
		Environment:  env,
	}

	err := cred.Validate()
	if err != nil {
		return nil, err
	}

	return cred, nil
}

// Validate asserts the credential is well formed.
func (c *Credential) Validate() error {
	if c.AccessToken == "" {
		return fmt.Errorf("access token cannot be an empty string")
	}
	if !c.ExpiresAt.After(c.IssuedAt) {
		return fmt.Errorf("credential expiry (%s) must be after issuance (%s)",
			c.ExpiresAt.Format(time.RFC3339), c.IssuedAt.Format(time.RFC3339))
	}

	return nil
}

// IsValid returns whether the credential remains valid for at least the
// provided lead time from now.
func (c *Credential) IsValid(now time.Time, lead time.Duration) bool {
	return now.Add(lead).Before(c.ExpiresAt)
}

// TimeToExpiry returns the duration until the credential expires.
func (c *Credential) TimeToExpiry(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}
