package auth

import (
	"golang.org/x/oauth2"
)

// PKCEChallenge represents the per-attempt proof key material. It is never
// persisted and is discarded once the code exchange completes or fails.
type PKCEChallenge struct {
	// Verifier is the secret sent with the code exchange.
	Verifier string
	// Challenge is the S256 digest of the verifier sent with the authorization request.
	Challenge string
	// State is the anti-CSRF nonce echoed back by the callback.
	State string
}

// NewPKCEChallenge generates fresh PKCE material. The verifier and state are
// each 32 random bytes, base64url encoded to 43 characters.
func NewPKCEChallenge() *PKCEChallenge {
	verifier := oauth2.GenerateVerifier()

	return &PKCEChallenge{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		State:     oauth2.GenerateVerifier(),
	}
}
