package auth

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State represents the lifecycle state of the credential store.
type State uint32

const (
	Unauthenticated State = iota
	Authenticated
	NeedsReauthorization
)

// String stringifies the provided state.
func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	case NeedsReauthorization:
		return "needs reauthorization"
	default:
		return "unknown"
	}
}

// StoreConfig represents the credential store configuration.
type StoreConfig struct {
	// Backend durably stores the current credential.
	Backend Backend
	// Environment is the broker environment credentials are issued for.
	Environment Environment
	// Now returns the current time.
	Now func() time.Time
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *StoreConfig) Validate() error {
	var errs error

	if cfg.Backend == nil {
		errs = errors.Join(errs, fmt.Errorf("credential backend cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Store owns the current credential. Readers load an immutable snapshot through
// an atomic pointer and never wait on a writer's disk I/O; writers replace the
// snapshot wholesale.
type Store struct {
	cfg      *StoreConfig
	current  atomic.Pointer[Credential]
	state    atomic.Uint32
	cause    atomic.Pointer[error]
	writeMtx sync.Mutex
}

// NewStore initializes a new credential store.
func NewStore(cfg *StoreConfig) (*Store, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating store config: %w", err)
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Store{cfg: cfg}, nil
}

// Load reads the persisted credential, if any, into the store. A credential
// issued for a different environment is ignored.
func (s *Store) Load() error {
	cred, err := s.cfg.Backend.Load()
	if err != nil {
		return fmt.Errorf("loading credential: %w", err)
	}

	if cred == nil {
		s.cfg.Logger.Debug().Msg("no stored credential found")
		return nil
	}

	if cred.Environment != s.cfg.Environment {
		s.cfg.Logger.Warn().Msgf("ignoring stored credential issued for %s, running against %s",
			cred.Environment.String(), s.cfg.Environment.String())
		return nil
	}

	if cred.AccessToken == "" && cred.RefreshToken == "" {
		s.cfg.Logger.Warn().Msg("ignoring stored credential without tokens")
		return nil
	}

	s.writeMtx.Lock()
	s.current.Store(cred)
	s.state.Store(uint32(Authenticated))
	s.writeMtx.Unlock()

	s.cfg.Logger.Info().Msgf("loaded stored credential expiring at %s", cred.ExpiresAt.Format(time.RFC3339))

	return nil
}

// Get returns a copy of the current credential.
func (s *Store) Get() (Credential, error) {
	if State(s.state.Load()) == NeedsReauthorization {
		return Credential{}, ErrNeedsReauthorization
	}

	cred := s.current.Load()
	if cred == nil {
		return Credential{}, ErrNotAuthenticated
	}

	return *cred, nil
}

// Put atomically replaces the current credential and persists it. The new
// credential is current even when persisting it fails, since the provider may
// already have invalidated the previous refresh token.
func (s *Store) Put(cred Credential) error {
	err := cred.Validate()
	if err != nil {
		return fmt.Errorf("invalid credential: %w", err)
	}

	if cred.Environment != s.cfg.Environment {
		return fmt.Errorf("credential issued for %s cannot be stored for %s",
			cred.Environment.String(), s.cfg.Environment.String())
	}

	s.writeMtx.Lock()
	defer s.writeMtx.Unlock()

	s.current.Store(&cred)
	s.state.Store(uint32(Authenticated))
	s.cause.Store(nil)

	err = s.cfg.Backend.Save(&cred)
	if err != nil {
		s.cfg.Logger.Error().Err(err).Msg("persisting credential failed, it will be lost on restart")
		return fmt.Errorf("persisting credential: %w", err)
	}

	return nil
}

// IsValid returns whether an authenticated credential remains valid for at
// least the provided lead time.
func (s *Store) IsValid(lead time.Duration) bool {
	if State(s.state.Load()) != Authenticated {
		return false
	}

	cred := s.current.Load()
	if cred == nil {
		return false
	}

	return cred.IsValid(s.cfg.Now(), lead)
}

// MarkNeedsReauthorization escalates the store after a permanent renewal
// failure. It returns true only for the call that escalated the store.
func (s *Store) MarkNeedsReauthorization(cause error) bool {
	s.writeMtx.Lock()
	defer s.writeMtx.Unlock()

	if State(s.state.Load()) == NeedsReauthorization {
		return false
	}

	if cause != nil {
		s.cause.Store(&cause)
	}
	s.state.Store(uint32(NeedsReauthorization))

	return true
}

// Cause returns the error that escalated the store, if any.
func (s *Store) Cause() error {
	cause := s.cause.Load()
	if cause == nil {
		return nil
	}

	return *cause
}

// State returns the current store state.
func (s *Store) State() State {
	return State(s.state.Load())
}

// Environment returns the environment the store holds credentials for.
func (s *Store) Environment() Environment {
	return s.cfg.Environment
}

// now returns the store's current time.
func (s *Store) now() time.Time {
	return s.cfg.Now()
}
