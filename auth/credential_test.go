package auth

import (
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
)

func TestCredentialIsValid(t *testing.T) {
	issued := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)
	cred := &Credential{
		AccessToken: "access",
		IssuedAt:    issued,
		ExpiresAt:   issued.Add(time.Hour),
	}
	lead := time.Minute * 10

	tests := []struct {
		name string
		now  time.Time
		lead time.Duration
		want bool
	}{
		{
			name: "well before the lead time threshold",
			now:  issued,
			lead: lead,
			want: true,
		},
		{
			name: "one nanosecond before the lead time threshold",
			now:  cred.ExpiresAt.Add(-lead).Add(-time.Nanosecond),
			lead: lead,
			want: true,
		},
		{
			name: "exactly at the lead time threshold",
			now:  cred.ExpiresAt.Add(-lead),
			lead: lead,
			want: false,
		},
		{
			name: "inside the lead time window",
			now:  cred.ExpiresAt.Add(-time.Minute),
			lead: lead,
			want: false,
		},
		{
			name: "no lead time, just before expiry",
			now:  cred.ExpiresAt.Add(-time.Nanosecond),
			lead: 0,
			want: true,
		},
		{
			name: "no lead time, at expiry",
			now:  cred.ExpiresAt,
			lead: 0,
			want: false,
		},
		{
			name: "expired",
			now:  cred.ExpiresAt.Add(time.Hour),
			lead: 0,
			want: false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, cred.IsValid(test.now, test.lead))
		})
	}
}

func TestNewCredential(t *testing.T) {
	issued := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name             string
		resp             *TokenResponse
		previous         string
		wantRefreshToken string
		wantExpiresAt    time.Time
		wantErr          bool
	}{
		{
			name:             "rotated refresh token is used",
			resp:             &TokenResponse{AccessToken: "a2", RefreshToken: "r2", ExpiresIn: time.Second * 1200},
			previous:         "r1",
			wantRefreshToken: "r2",
			wantExpiresAt:    issued.Add(time.Second * 1200),
		},
		{
			name:             "omitted refresh token keeps the previous one",
			resp:             &TokenResponse{AccessToken: "a2", ExpiresIn: time.Second * 1200},
			previous:         "r1",
			wantRefreshToken: "r1",
			wantExpiresAt:    issued.Add(time.Second * 1200),
		},
		{
			name:             "omitted expires_in defaults to an hour",
			resp:             &TokenResponse{AccessToken: "a2", RefreshToken: "r2"},
			wantRefreshToken: "r2",
			wantExpiresAt:    issued.Add(time.Hour),
		},
		{
			name:    "missing access token",
			resp:    &TokenResponse{RefreshToken: "r2", ExpiresIn: time.Second},
			wantErr: true,
		},
		{
			name:    "nil response",
			wantErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cred, err := newCredential(test.resp, issued, Live, test.previous)
			if test.wantErr {
				assert.Error(t, err)
				return
			}

			assert.NoError(t, err)
			assert.Equal(t, test.wantRefreshToken, cred.RefreshToken)
			assert.Equal(t, test.wantExpiresAt, cred.ExpiresAt)
			assert.Equal(t, issued, cred.IssuedAt)
			assert.Equal(t, Live, cred.Environment)
		})
	}
}

func TestParseEnvironment(t *testing.T) {
	env, err := ParseEnvironment("LIVE")
	assert.NoError(t, err)
	assert.Equal(t, Live, env)

	env, err = ParseEnvironment("")
	assert.NoError(t, err)
	assert.Equal(t, Sim, env)

	_, err = ParseEnvironment("paper")
	assert.Error(t, err)

	b, err := Live.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "live", string(b))
}
