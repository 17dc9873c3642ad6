package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/dnldd/saxotrader/auth"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	defaultRedirectURI     = "http://localhost:8080/callback"
	defaultTokenFile       = "saxo_tokens.json"
	defaultTimetableDir    = "."
	defaultAmount          = 10000
	defaultLeverage        = 20
	defaultMaxPositions    = 5
	defaultCallbackTimeout = 120
)

// baseURLs maps each environment to its auth and api base urls.
var baseURLs = map[auth.Environment][2]string{
	auth.Sim:  {"https://sim.logonvalidation.net", "https://gateway.saxobank.com/sim/openapi"},
	auth.Live: {"https://logonvalidation.net", "https://gateway.saxobank.com/openapi"},
}

// Config is the configuration struct for the service.
type Config struct {
	// ClientID is the registered application id.
	ClientID string
	// ClientSecret is the registered application secret.
	ClientSecret string
	// RedirectURI is the registered redirect uri.
	RedirectURI string
	// Environment is the broker environment (sim or live).
	Environment string
	// AuthBaseURL is the provider base url, derived from the environment when empty.
	AuthBaseURL string
	// APIBaseURL is the broker openapi base url, derived from the environment when empty.
	APIBaseURL string
	// TokenFile is the path of the persisted credential.
	TokenFile string
	// Instruments represents the instruments quoted in addition to the timetable's.
	Instruments []string
	// TimetableDir is the directory holding the timetables.
	TimetableDir string
	// DryRun simulates order placement.
	DryRun bool
	// DefaultAmount is the fallback order size when the balance is unavailable.
	DefaultAmount int
	// Leverage is applied to the account balance when sizing entries.
	Leverage int
	// MaxPositions caps the concurrently open positions.
	MaxPositions int
	// CallbackTimeout is the authorization callback timeout in seconds.
	CallbackTimeout int
	// Interactive allows browser authorization.
	Interactive bool
	// DBEndpoint is the trade journal endpoint.
	DBEndpoint string
	// DBUser is the trade journal user.
	DBUser string
	// DBPass is the trade journal user pass.
	DBPass string
	// MetricsAddr is the metrics listen address.
	MetricsAddr string
	// LogLevel is the log level.
	LogLevel string

	environment     auth.Environment
	logLevel        zerolog.Level
	registeredFlags map[string]bool
}

// Validate asserts the config sane inputs and derives the environment
// specific defaults.
func (cfg *Config) Validate() error {
	var errs error

	if cfg.ClientID == "" {
		errs = errors.Join(errs, fmt.Errorf("client id cannot be an empty string"))
	}

	env, err := auth.ParseEnvironment(cfg.Environment)
	if err != nil {
		errs = errors.Join(errs, err)
	} else {
		cfg.environment = env
		urls := baseURLs[env]
		if cfg.AuthBaseURL == "" {
			cfg.AuthBaseURL = urls[0]
		}
		if cfg.APIBaseURL == "" {
			cfg.APIBaseURL = urls[1]
		}
	}

	if cfg.RedirectURI == "" {
		cfg.RedirectURI = defaultRedirectURI
	}
	if cfg.TokenFile == "" {
		cfg.TokenFile = defaultTokenFile
	}
	if cfg.TimetableDir == "" {
		cfg.TimetableDir = defaultTimetableDir
	}
	if cfg.DefaultAmount == 0 {
		cfg.DefaultAmount = defaultAmount
	}
	if cfg.DefaultAmount < 0 {
		errs = errors.Join(errs, fmt.Errorf("default amount cannot be negative, got %d", cfg.DefaultAmount))
	}
	if cfg.Leverage == 0 {
		cfg.Leverage = defaultLeverage
	}
	if cfg.Leverage < 0 {
		errs = errors.Join(errs, fmt.Errorf("leverage cannot be negative, got %d", cfg.Leverage))
	}
	if cfg.MaxPositions == 0 {
		cfg.MaxPositions = defaultMaxPositions
	}
	if cfg.MaxPositions < 0 {
		errs = errors.Join(errs, fmt.Errorf("max positions cannot be negative, got %d", cfg.MaxPositions))
	}
	if cfg.CallbackTimeout == 0 {
		cfg.CallbackTimeout = defaultCallbackTimeout
	}
	if cfg.CallbackTimeout < 0 {
		errs = errors.Join(errs, fmt.Errorf("callback timeout cannot be negative, got %d", cfg.CallbackTimeout))
	}

	for idx, instrument := range cfg.Instruments {
		cfg.Instruments[idx] = strings.ToUpper(strings.TrimSpace(instrument))
	}

	level := zerolog.InfoLevel
	if cfg.LogLevel != "" {
		level, err = zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("parsing log level: %w", err))
		}
	}
	cfg.logLevel = level

	return errs
}

// registerFlag registers command line arguments of any type and tracks them to avoid reregistration.
func (cfg *Config) registerFlag(name string, value interface{}, usage string) error {
	if cfg.registeredFlags == nil {
		cfg.registeredFlags = make(map[string]bool)
	}

	if cfg.registeredFlags[name] {
		return nil
	}

	cfg.registeredFlags[name] = true

	defValue := os.Getenv(name)
	val := reflect.ValueOf(value)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("%s: value must be a non-nil pointer", name)
	}

	switch val.Elem().Kind() {
	case reflect.String:
		flag.StringVar(value.(*string), name, defValue, usage)
	case reflect.Bool:
		def := val.Elem().Bool()
		if defValue != "" {
			def, _ = strconv.ParseBool(defValue)
		}
		flag.BoolVar(value.(*bool), name, def, usage)
	case reflect.Int:
		var def int
		if defValue != "" {
			def, _ = strconv.Atoi(defValue)
		}
		flag.IntVar(value.(*int), name, def, usage)
	case reflect.Slice:
		// Only handle []string
		if val.Elem().Type().Elem().Kind() == reflect.String {
			var def []string
			if defValue != "" {
				def = strings.Split(defValue, ",")
			}
			flag.Func(name, usage, func(s string) error {
				*value.(*[]string) = strings.Split(s, ",")
				return nil
			})
			// Set default if not provided via flag
			if len(def) > 0 {
				*value.(*[]string) = def
			}
		} else {
			return fmt.Errorf("%s: unsupported slice type", name)
		}
	default:
		return fmt.Errorf("%s: unsupported type", name)
	}

	return nil
}

// loadConfig loads the configuration from environment variables and command line flags.
func loadConfig(cfg *Config, path string) error {
	if path == "" {
		path = ".env"
	}

	// Check if the expected .env file exists before loading it.
	_, err := os.Stat(path)
	if err == nil {
		err := godotenv.Load(path)
		if err != nil {
			return fmt.Errorf("loading .env file: %w", err)
		}
	}

	// Safe defaults, overridden by the environment or flags.
	cfg.DryRun = true
	cfg.Interactive = true

	flags := []struct {
		name  string
		value interface{}
		usage string
	}{
		{"clientid", &cfg.ClientID, "the registered application id"},
		{"clientsecret", &cfg.ClientSecret, "the registered application secret"},
		{"redirecturi", &cfg.RedirectURI, "the registered redirect uri"},
		{"environment", &cfg.Environment, "the broker environment (sim or live)"},
		{"authbaseurl", &cfg.AuthBaseURL, "the authorization server base url"},
		{"apibaseurl", &cfg.APIBaseURL, "the broker openapi base url"},
		{"tokenfile", &cfg.TokenFile, "the credential file path"},
		{"instruments", &cfg.Instruments, "the quoted instruments"},
		{"timetabledir", &cfg.TimetableDir, "the timetable directory"},
		{"dryrun", &cfg.DryRun, "simulate order placement"},
		{"defaultamount", &cfg.DefaultAmount, "the fallback order amount"},
		{"leverage", &cfg.Leverage, "the leverage applied to the balance when sizing entries"},
		{"maxpositions", &cfg.MaxPositions, "the maximum concurrently open positions"},
		{"callbacktimeout", &cfg.CallbackTimeout, "the authorization callback timeout in seconds"},
		{"interactive", &cfg.Interactive, "allow browser authorization"},
		{"dbendpoint", &cfg.DBEndpoint, "the trade journal endpoint"},
		{"dbuser", &cfg.DBUser, "the trade journal user"},
		{"dbpass", &cfg.DBPass, "the trade journal user pass"},
		{"metricsaddr", &cfg.MetricsAddr, "the metrics listen address"},
		{"loglevel", &cfg.LogLevel, "the log level"},
	}

	// Register command line arguments using loaded environment variables as defaults.
	for _, f := range flags {
		err = cfg.registerFlag(f.name, f.value, f.usage)
		if err != nil {
			return err
		}
	}

	// Parse command-line flags.
	flag.Parse()

	return cfg.Validate()
}
