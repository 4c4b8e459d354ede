package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/dotX12/nginx-sentinel/internal/domain"
	"github.com/dotX12/nginx-sentinel/internal/metrics"
)

const reloadDebounce = 200 * time.Millisecond

// ConfigWatcher reloads the YAML config file on change and publishes
// validated values to a ConfigStore (spec §4.7). Structurally grounded
// in sneha4175-gateway-pro's config Watcher: an fsnotify watcher on the
// config file itself, events debounced through a single-shot timer,
// layered with a periodic modification-time poll as a fallback for
// filesystems where fsnotify misses rename-based atomic writes.
type ConfigWatcher struct {
	logger zerolog.Logger
	path   string
	store  *ConfigStore

	// logPathChanged receives the new log_path whenever a reload changes
	// it, so the Orchestrator can retarget the LogFollower without the
	// watcher holding a direct reference to it (spec §9).
	logPathChanged chan<- string
}

// NewConfigWatcher creates a ConfigWatcher for path, publishing reloads
// into store and notifying logPathChanged when log_path moves.
func NewConfigWatcher(logger zerolog.Logger, path string, store *ConfigStore, logPathChanged chan<- string) *ConfigWatcher {
	return &ConfigWatcher{
		logger:         logger,
		path:           path,
		store:          store,
		logPathChanged: logPathChanged,
	}
}

// Load parses and validates path once, without watching. Used at
// startup before the watch loop begins.
func Load(path string) (*domain.Config, error) {
	raw, err := loadRaw(path)
	if err != nil {
		return nil, err
	}
	return raw.Validate()
}

func loadRaw(path string) (*domain.RawConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}
	var raw domain.RawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}
	return &raw, nil
}

// Run watches the config file until ctx is cancelled, publishing every
// successfully validated reload and logging (without publishing) on
// failure, so a broken edit never takes down an already-running daemon
// (spec §4.7, invariant: "the daemon keeps running on the previous
// config").
func (w *ConfigWatcher) Run(ctx context.Context, pollInterval time.Duration) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn().Err(err).Msg("fsnotify unavailable, falling back to polling only")
	} else {
		defer fsw.Close()
		if err := fsw.Add(w.path); err != nil {
			w.logger.Warn().Err(err).Str("path", w.path).Msg("failed to watch config file")
		}
	}

	if pollInterval <= 0 {
		pollInterval = domain.DefaultWatcherInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	// debounced is signalled by the AfterFunc timer below, but the
	// reload itself always happens on this goroutine: lastLogPath and
	// the rest of the reload state are only ever touched from here, so
	// there's no data race between the debounce timer and the ticker.
	debounced := make(chan struct{}, 1)
	var debounce *time.Timer

	lastLogPath := w.store.Snapshot().LogPath
	var lastMod time.Time

	reload := func() {
		cfg, err := Load(w.path)
		if err != nil {
			metrics.ConfigReloadsTotal.WithLabelValues("error").Inc()
			w.logger.Error().Err(err).Str("path", w.path).Msg("config reload failed, keeping previous config")
			return
		}
		w.store.Publish(cfg)
		if cfg.LogPath != lastLogPath {
			lastLogPath = cfg.LogPath
			select {
			case w.logPathChanged <- cfg.LogPath:
			default:
			}
		}
		metrics.ConfigReloadsTotal.WithLabelValues("ok").Inc()
		w.logger.Info().Str("path", w.path).Msg("config reloaded")
	}

	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error
	if fsw != nil {
		fsEvents = fsw.Events
		fsErrors = fsw.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				select {
				case debounced <- struct{}{}:
				default:
				}
			})

		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			w.logger.Warn().Err(err).Msg("fsnotify watch error")

		case <-debounced:
			reload()

		case <-ticker.C:
			// Only reload when the file's modification time moved since
			// the last poll.
			if info, err := os.Stat(w.path); err == nil {
				if info.ModTime().Equal(lastMod) {
					continue
				}
				lastMod = info.ModTime()
			}
			reload()
		}
	}
}
