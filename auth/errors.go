package auth

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotAuthenticated is returned when no credential has been issued yet.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrNeedsReauthorization is returned once silent renewal has permanently
	// failed. A fresh authorization flow is required to recover.
	ErrNeedsReauthorization = errors.New("needs reauthorization")
	// ErrAuthorizationDenied is returned when the provider redirects with an error.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrStateMismatch is returned when the callback state does not match the
	// generated state, signalling a possible interception.
	ErrStateMismatch = errors.New("authorization state mismatch")
	// ErrCallbackTimeout is returned when no callback arrives in time.
	ErrCallbackTimeout = errors.New("authorization callback timed out")
	// ErrTokenExchangeFailed is returned when the authorization code exchange fails.
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	// ErrRefreshTransientFailure is returned when a refresh failed for a
	// retryable reason and the retry budget was exhausted.
	ErrRefreshTransientFailure = errors.New("transient refresh failure")
	// ErrFlowInProgress is returned when an authorization flow is already running.
	ErrFlowInProgress = errors.New("authorization flow already in progress")
)

// TokenError represents a failed token endpoint response.
type TokenError struct {
	// StatusCode is the HTTP status of the response, zero for malformed responses.
	StatusCode int
	// Code is the OAuth error code (e.g. invalid_grant).
	Code string
	// Description is the OAuth error description or raw body.
	Description string
}

// Error implements the error interface.
func (e *TokenError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("token endpoint responded %d: %s (%s)", e.StatusCode, e.Code, e.Description)
	}

	return fmt.Sprintf("token endpoint responded %d: %s", e.StatusCode, e.Description)
}

// Permanent returns whether retrying the same request can never succeed. Bad
// requests and rejected clients mean the grant was revoked or is invalid; rate
// limits and server errors are worth retrying.
func (e *TokenError) Permanent() bool {
	switch e.Code {
	case "invalid_grant", "invalid_client", "unauthorized_client", "unsupported_grant_type":
		return true
	}

	return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnauthorized
}

// IsPermanent returns whether the provided error is a permanent token error.
func IsPermanent(err error) bool {
	var tokenErr *TokenError
	if errors.As(err, &tokenErr) {
		return tokenErr.Permanent()
	}

	return false
}
