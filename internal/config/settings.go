package config

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"
)

// Runtime setting keys. Values are stored as strings; accessors parse
// them and fall back to the documented default on absent or bad values.
const (
	KeyMaxConcurrentJobs = "max_concurrent_jobs"
	KeyDefaultJobTimeout = "default_job_timeout"
	KeyQueueSizeLimit    = "queue_size_limit"
	KeyRetryMaxAttempts  = "retry_max_attempts"
	KeyCleanupRetention  = "cleanup_retention"
	KeyMaintenanceMode   = "maintenance_mode"
)

// defaultSettings maps each known key to its effective value when unset.
var defaultSettings = map[string]string{
	KeyMaxConcurrentJobs: "3",
	KeyDefaultJobTimeout: "30m",
	KeyQueueSizeLimit:    "100",
	KeyRetryMaxAttempts:  "3",
	KeyCleanupRetention:  "24h",
	KeyMaintenanceMode:   "false",
}

// SettingsStore is the persistence surface Settings needs. A nil store
// yields a purely in-memory settings service.
type SettingsStore interface {
	// GetSetting returns the stored value for key, or "" when unset.
	GetSetting(ctx context.Context, key string) (string, error)
	// PutSetting stores the value for key, overwriting any previous value.
	PutSetting(ctx context.Context, key, value string) error
}

// Settings serves runtime-tunable configuration. Reads hit an in-memory
// cache warmed from the store at startup; writes go through the store
// first, then update the cache and notify registered listeners on the
// caller's goroutine.
type Settings struct {
	mu        sync.RWMutex
	store     SettingsStore
	cache     map[string]string
	listeners map[string][]func(key, value string)
	logger    *slog.Logger
}

// NewSettings creates a settings service. store may be nil.
func NewSettings(store SettingsStore, logger *slog.Logger) *Settings {
	if logger == nil {
		logger = slog.Default()
	}
	return &Settings{
		store:     store,
		cache:     make(map[string]string),
		listeners: make(map[string][]func(key, value string)),
		logger:    logger.With("component", "settings"),
	}
}

// Load warms the cache with every known key's stored value.
func (s *Settings) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range defaultSettings {
		value, err := s.store.GetSetting(ctx, key)
		if err != nil {
			return fmt.Errorf("loading setting %s: %w", key, err)
		}
		if value != "" {
			s.cache[key] = value
		}
	}
	return nil
}

// GetString returns the effective value for key. Unknown keys return "".
func (s *Settings) GetString(key string) string {
	s.mu.RLock()
	value, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return value
	}
	return defaultSettings[key]
}

// GetInt returns the effective integer value for key, falling back to
// the default when the stored value does not parse.
func (s *Settings) GetInt(key string) int {
	value := s.GetString(key)
	n, err := strconv.Atoi(value)
	if err != nil {
		s.logger.Warn("unparsable integer setting, using default", "key", key, "value", value)
		n, _ = strconv.Atoi(defaultSettings[key])
	}
	return n
}

// GetDuration returns the effective duration value for key, falling
// back to the default when the stored value does not parse.
func (s *Settings) GetDuration(key string) time.Duration {
	value := s.GetString(key)
	d, err := time.ParseDuration(value)
	if err != nil {
		s.logger.Warn("unparsable duration setting, using default", "key", key, "value", value)
		d, _ = time.ParseDuration(defaultSettings[key])
	}
	return d
}

// GetBool returns the effective boolean value for key.
func (s *Settings) GetBool(key string) bool {
	value := s.GetString(key)
	b, err := strconv.ParseBool(value)
	if err != nil {
		s.logger.Warn("unparsable boolean setting, using default", "key", key, "value", value)
		b, _ = strconv.ParseBool(defaultSettings[key])
	}
	return b
}

// Set validates and persists a setting, updates the cache, and invokes
// every listener registered for the key. Listeners run synchronously on
// the caller's goroutine, after the store write succeeds.
func (s *Settings) Set(ctx context.Context, key, value string) error {
	if err := ValidateSetting(key, value); err != nil {
		return err
	}

	if s.store != nil {
		if err := s.store.PutSetting(ctx, key, value); err != nil {
			return fmt.Errorf("persisting setting %s: %w", key, err)
		}
	}

	s.mu.Lock()
	s.cache[key] = value
	fns := slices.Clone(s.listeners[key])
	s.mu.Unlock()

	s.logger.Info("setting changed", "key", key, "value", value)
	for _, fn := range fns {
		fn(key, value)
	}
	return nil
}

// OnChange registers fn to run whenever any of the given keys changes.
func (s *Settings) OnChange(keys []string, fn func(key, value string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		s.listeners[key] = append(s.listeners[key], fn)
	}
}

// All returns the effective value of every known setting.
func (s *Settings) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(defaultSettings))
	for key, def := range defaultSettings {
		if value, ok := s.cache[key]; ok {
			out[key] = value
		} else {
			out[key] = def
		}
	}
	return out
}

// ValidateSetting checks that key is known and value is in range.
func ValidateSetting(key, value string) error {
	switch key {
	case KeyMaxConcurrentJobs:
		return validateIntRange(key, value, 1, 32)
	case KeyQueueSizeLimit:
		return validateIntRange(key, value, 0, 10000)
	case KeyRetryMaxAttempts:
		return validateIntRange(key, value, 0, 10)
	case KeyDefaultJobTimeout:
		return validateDurationRange(key, value, time.Second, 24*time.Hour)
	case KeyCleanupRetention:
		return validateDurationRange(key, value, time.Minute, 30*24*time.Hour)
	case KeyMaintenanceMode:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("setting %s: %q is not a boolean", key, value)
		}
		return nil
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
}

func validateIntRange(key, value string, min, max int) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("setting %s: %q is not an integer", key, value)
	}
	if n < min || n > max {
		return fmt.Errorf("setting %s: %d out of range [%d, %d]", key, n, min, max)
	}
	return nil
}

func validateDurationRange(key, value string, min, max time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("setting %s: %q is not a duration", key, value)
	}
	if d < min || d > max {
		return fmt.Errorf("setting %s: %s out of range [%s, %s]", key, d, min, max)
	}
	return nil
}
