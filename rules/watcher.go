package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dnldd/saxotrader/shared"
	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

// DefaultWatchInterval is the default interval between timetable directory checks.
const DefaultWatchInterval = time.Second * 30

// Source loads the latest timetable of a directory as the active rule set.
type Source struct {
	dir string
}

// NewSource initializes a new timetable source.
func NewSource(dir string) *Source {
	return &Source{dir: dir}
}

// Load loads the latest timetable.
func (s *Source) Load() (shared.RuleSet, error) {
	path, err := LatestTimetable(s.dir)
	if err != nil {
		return nil, err
	}

	return LoadTimetable(path)
}

// WatcherConfig represents the timetable watcher configuration.
type WatcherConfig struct {
	// Dir is the timetable directory watched.
	Dir string
	// JobScheduler schedules the directory checks.
	JobScheduler *gocron.Scheduler
	// Interval is the interval between directory checks.
	Interval time.Duration
	// OnChange is called when a newer or modified timetable is found.
	OnChange func()
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *WatcherConfig) Validate() error {
	var errs error

	if cfg.Dir == "" {
		errs = errors.Join(errs, fmt.Errorf("timetable directory cannot be an empty string"))
	}
	if cfg.JobScheduler == nil {
		errs = errors.Join(errs, fmt.Errorf("job scheduler cannot be nil"))
	}
	if cfg.OnChange == nil {
		errs = errors.Join(errs, fmt.Errorf("change handler cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Watcher signals when the active timetable changes.
type Watcher struct {
	cfg     *WatcherConfig
	mtx     sync.Mutex
	path    string
	modTime time.Time
}

// NewWatcher initializes a new timetable watcher. The timetable present at
// creation is the baseline changes are detected against.
func NewWatcher(cfg *WatcherConfig) (*Watcher, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating watcher config: %w", err)
	}

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultWatchInterval
	}

	w := &Watcher{cfg: cfg}
	w.path, w.modTime, _ = w.latest()

	return w, nil
}

// latest returns the latest timetable and its modification time.
func (w *Watcher) latest() (string, time.Time, error) {
	path, err := LatestTimetable(w.cfg.Dir)
	if err != nil {
		return "", time.Time{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("reading timetable info: %w", err)
	}

	return path, info.ModTime(), nil
}

// Check compares the latest timetable against the last one seen, signalling
// a change when it differs. It returns whether a change was signalled.
func (w *Watcher) Check() bool {
	path, modTime, err := w.latest()
	if err != nil {
		if !errors.Is(err, ErrNoTimetable) {
			w.cfg.Logger.Error().Err(err).Msg("checking timetable directory")
		}
		return false
	}

	w.mtx.Lock()
	changed := path != w.path || !modTime.Equal(w.modTime)
	if changed {
		w.path = path
		w.modTime = modTime
	}
	w.mtx.Unlock()

	if changed {
		w.cfg.Logger.Info().Msgf("timetable changed, using %s", path)
		w.cfg.OnChange()
	}

	return changed
}

// Run schedules the directory checks until the provided context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	job, err := w.cfg.JobScheduler.Every(w.cfg.Interval).SingletonMode().WaitForSchedule().Do(w.Check)
	if err != nil {
		w.cfg.Logger.Error().Err(err).Msg("scheduling timetable checks failed, timetable reloads disabled")
		return
	}

	<-ctx.Done()
	w.cfg.JobScheduler.RemoveByReference(job)
}
