// Package config loads waypoint settings from a YAML file overlaid with
// WAYPOINT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/aretw0/waypoint/pkg/persistence/middleware"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides. WAYPOINT_STORE_URI sets
// store.uri; the first segment after the prefix names the section.
const EnvPrefix = "WAYPOINT_"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var drivers = []string{DriverMemory, DriverRedis, DriverMongo, DriverSQLite, DriverPostgres}

// Config is the full application configuration.
type Config struct {
	Store    Store    `mapstructure:"store" yaml:"store"`
	Executor Executor `mapstructure:"executor" yaml:"executor"`
	LLM      LLM      `mapstructure:"llm" yaml:"llm"`
	Server   Server   `mapstructure:"server" yaml:"server"`
	Log      Log      `mapstructure:"log" yaml:"log"`
}

// Store selects and tunes the checkpoint backend.
type Store struct {
	Driver                 string        `mapstructure:"driver" yaml:"driver"`
	URI                    string        `mapstructure:"uri" yaml:"uri"`
	Database               string        `mapstructure:"database" yaml:"database"`
	CheckpointCollection   string        `mapstructure:"checkpoint_collection" yaml:"checkpoint_collection"`
	WritesCollection       string        `mapstructure:"writes_collection" yaml:"writes_collection"`
	MinPoolSize            int           `mapstructure:"min_pool_size" yaml:"min_pool_size"`
	MaxPoolSize            int           `mapstructure:"max_pool_size" yaml:"max_pool_size"`
	ConnectTimeout         time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	SocketTimeout          time.Duration `mapstructure:"socket_timeout" yaml:"socket_timeout"`
	ServerSelectionTimeout time.Duration `mapstructure:"server_selection_timeout" yaml:"server_selection_timeout"`
	WaitQueueTimeout       time.Duration `mapstructure:"wait_queue_timeout" yaml:"wait_queue_timeout"`
	RetryReads             bool          `mapstructure:"retry_reads" yaml:"retry_reads"`
	RedisPrefix            string        `mapstructure:"redis_prefix" yaml:"redis_prefix"`
	// EncryptionKey is a base64 AES-256 key. When set, payloads are sealed at rest.
	EncryptionKey string   `mapstructure:"encryption_key" yaml:"encryption_key"`
	FallbackKeys  []string `mapstructure:"fallback_keys" yaml:"fallback_keys"`
}

// Executor tunes the workflow executor.
type Executor struct {
	StepLimit   int           `mapstructure:"step_limit" yaml:"step_limit"`
	TeamMembers []string      `mapstructure:"team_members" yaml:"team_members"`
	Namespace   string        `mapstructure:"namespace" yaml:"namespace"`
	LockTTL     time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
	// WorkersFile lists workers backed by local commands.
	WorkersFile string `mapstructure:"workers_file" yaml:"workers_file"`
}

// LLM configures the OpenAI-compatible collaborators.
type LLM struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	Model   string `mapstructure:"model" yaml:"model"`
}

// Server configures the HTTP surface.
type Server struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxInputSize    int           `mapstructure:"max_input_size" yaml:"max_input_size"`
}

// Log configures the application logger.
type Log struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Defaults returns the settings used when nothing overrides them.
func Defaults() map[string]any {
	return map[string]any{
		"store": map[string]any{
			"driver":                   DriverMemory,
			"database":                 "waypoint",
			"checkpoint_collection":    "travel_planner_checkpoint",
			"writes_collection":        "travel_planner_history",
			"min_pool_size":            15,
			"max_pool_size":            300,
			"connect_timeout":          "10s",
			"socket_timeout":           "45s",
			"server_selection_timeout": "5s",
			"wait_queue_timeout":       "30s",
			"retry_reads":              true,
			"redis_prefix":             "waypoint:",
		},
		"executor": map[string]any{
			"step_limit":   25,
			"team_members": []any{"calendar", "search", "sharing", "travel_planner"},
			"namespace":    "",
			"lock_ttl":     "30s",
		},
		"llm": map[string]any{
			"model": "gpt-4o-mini",
		},
		"server": map[string]any{
			"addr":             ":8080",
			"shutdown_timeout": "5s",
			"max_input_size":   8192,
		},
		"log": map[string]any{
			"level": "info",
		},
	}
}

// Load reads path (skipped when empty) and the process environment.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.Environ())
}

// LoadWithEnv is Load with an explicit environment.
func LoadWithEnv(path string, environ []string) (*Config, error) {
	raw := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		var file map[string]any
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		merge(raw, file)
	}
	merge(raw, fromEnv(environ))

	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func fromEnv(environ []string) map[string]any {
	out := map[string]any{}
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		section, key, ok := strings.Cut(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), "_")
		if !ok || key == "" {
			continue
		}
		m, _ := out[section].(map[string]any)
		if m == nil {
			m = map[string]any{}
			out[section] = m
		}
		m[key] = value
	}
	return out
}

// merge copies src into dst, descending into nested maps.
func merge(dst, src map[string]any) {
	for k, v := range src {
		sm, sok := v.(map[string]any)
		dm, dok := dst[k].(map[string]any)
		if sok && dok {
			merge(dm, sm)
			continue
		}
		dst[k] = v
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(drivers, c.Store.Driver) {
		errs = append(errs, fmt.Errorf("store.driver %q is not one of %v", c.Store.Driver, drivers))
	}
	if c.Store.Driver != DriverMemory && c.Store.URI == "" {
		errs = append(errs, fmt.Errorf("store.uri is required for driver %q", c.Store.Driver))
	}
	if c.Store.MinPoolSize < 0 || c.Store.MaxPoolSize < 0 {
		errs = append(errs, errors.New("store pool sizes must not be negative"))
	}
	if c.Store.MaxPoolSize > 0 && c.Store.MinPoolSize > c.Store.MaxPoolSize {
		errs = append(errs, fmt.Errorf("store.min_pool_size %d exceeds max_pool_size %d", c.Store.MinPoolSize, c.Store.MaxPoolSize))
	}
	if c.Store.EncryptionKey != "" {
		if _, err := middleware.ParseKey(c.Store.EncryptionKey); err != nil {
			errs = append(errs, fmt.Errorf("store.encryption_key: %w", err))
		}
	}
	for i, k := range c.Store.FallbackKeys {
		if _, err := middleware.ParseKey(k); err != nil {
			errs = append(errs, fmt.Errorf("store.fallback_keys[%d]: %w", i, err))
		}
	}
	if len(c.Store.FallbackKeys) > 0 && c.Store.EncryptionKey == "" {
		errs = append(errs, errors.New("store.fallback_keys requires store.encryption_key"))
	}
	if c.Executor.StepLimit <= 0 {
		errs = append(errs, errors.New("executor.step_limit must be positive"))
	}
	if len(c.Executor.TeamMembers) == 0 {
		errs = append(errs, errors.New("executor.team_members must not be empty"))
	}
	return errors.Join(errs...)
}
