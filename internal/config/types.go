package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every daemon-level option plus the declarative sync definitions
// once they are loaded.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Resources map[string]ResourceConfig `koanf:"resources"`
	Views     map[string]ViewConfig     `koanf:"views"`
	Mutations map[string]MutationConfig `koanf:"mutations"`

	InlineResources map[string]ResourceConfig `koanf:"-"`
	InlineViews     map[string]ViewConfig     `koanf:"-"`
	InlineMutations map[string]MutationConfig `koanf:"-"`

	// DefinitionSources records which files contributed resource, view, or
	// mutation definitions once the loader resolves the configured sources. It
	// is excluded from koanf so the value only reflects runtime discovery.
	DefinitionSources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or otherwise invalid definitions
	// the loader intentionally disabled. The health endpoint surfaces these so
	// operators can see which definitions were quarantined without re-parsing
	// raw files.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs read once at startup.
type ServerConfig struct {
	Listen      ListenConfig      `koanf:"listen"`
	Logging     LoggingConfig     `koanf:"logging"`
	API         APIConfig         `koanf:"api"`
	Stream      StreamConfig      `koanf:"stream"`
	Query       QueryConfig       `koanf:"query"`
	Definitions DefinitionsConfig `koanf:"definitions"`
	Cache       SnapshotConfig    `koanf:"cache"`
}

// ListenConfig instructs the HTTP listener about bind address, port and the
// drain window granted to in-flight requests on shutdown.
type ListenConfig struct {
	Address              string `koanf:"address"`
	Port                 int    `koanf:"port"`
	ShutdownGraceSeconds int    `koanf:"shutdownGraceSeconds"`
}

// ShutdownGrace converts the configured drain window, falling back to five
// seconds when unset.
func (l ListenConfig) ShutdownGrace() time.Duration {
	if l.ShutdownGraceSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(l.ShutdownGraceSeconds) * time.Second
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// APIConfig points the HTTP client at the upstream catalog API.
type APIConfig struct {
	BaseURL        string `koanf:"baseUrl"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

// StreamConfig tunes the reconnecting live-update connection.
type StreamConfig struct {
	URL                 string `koanf:"url"`
	BackoffBaseMillis   int    `koanf:"backoffBaseMillis"`
	MaxRetries          int    `koanf:"maxRetries"`
	PingIntervalSeconds int    `koanf:"pingIntervalSeconds"`
}

// QueryConfig supplies defaults for resources that leave cache tuning unset.
type QueryConfig struct {
	StaleTime string `koanf:"staleTime"`
	Retention string `koanf:"retention"`
	Debounce  string `koanf:"debounce"`
}

// DefinitionsConfig announces how sync definition documents are sourced.
type DefinitionsConfig struct {
	Folder string `koanf:"folder"`
	File   string `koanf:"file"`
}

// SnapshotConfig selects the backing store for cached query snapshots.
type SnapshotConfig struct {
	Backend    string            `koanf:"backend"`
	TTLSeconds int               `koanf:"ttlSeconds"`
	Valkey     ValkeyCacheConfig `koanf:"valkey"`
}

type ValkeyCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ValkeyTLSCacheConfig `koanf:"tls"`
}

type ValkeyTLSCacheConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// DefinitionSkip describes a definition the loader intentionally ignored
// because it violated invariants (for example duplicate names across files).
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// ResourceConfig declares one cached query against the upstream API. The path
// may contain `{param}` placeholders resolved from subscription parameters.
type ResourceConfig struct {
	Description     string        `koanf:"description"`
	Path            string        `koanf:"path"`
	Params          []ParamConfig `koanf:"params"`
	StaleTime       string        `koanf:"staleTime"`
	RefetchInterval string        `koanf:"refetchInterval"`
	Debounce        string        `koanf:"debounce"`
	Retention       string        `koanf:"retention"`
}

// ParamConfig describes one query parameter accepted by a resource. Required
// parameters gate execution: a subscription missing one never issues a fetch.
type ParamConfig struct {
	Name     string `koanf:"name"`
	Required bool   `koanf:"required"`
}

// ViewConfig declares a derived aggregation computed over a cached resource
// collection. Filter is a CEL expression evaluated per item with `item`,
// `params`, and `now` in scope.
type ViewConfig struct {
	Description string      `koanf:"description"`
	Resource    string      `koanf:"resource"`
	Filter      string      `koanf:"filter"`
	GroupBy     string      `koanf:"groupBy"`
	Window      string      `koanf:"window"`
	WindowField string      `koanf:"windowField"`
	Score       ScoreConfig `koanf:"score"`
}

// ScoreConfig combines normalized sub-score fields into a single weighted
// health metric. Each sub-score is clamped to [0, 100] before weighting.
type ScoreConfig struct {
	Weights map[string]float64 `koanf:"weights"`
}

// MutationConfig declares a write operation plus the cache keys it renders
// stale on success.
type MutationConfig struct {
	Description string       `koanf:"description"`
	Resource    string       `koanf:"resource"`
	Method      string       `koanf:"method"`
	Path        string       `koanf:"path"`
	Invalidates []string     `koanf:"invalidates"`
	Notify      NotifyConfig `koanf:"notify"`
}

// NotifyConfig carries the notification message templates rendered after a
// mutation settles. Templates receive the mutation name, resource, and result.
type NotifyConfig struct {
	Success string `koanf:"success"`
	Error   string `koanf:"error"`
}

// StaleTimeDuration parses StaleTime, falling back to the supplied default.
func (r ResourceConfig) StaleTimeDuration(fallback time.Duration) time.Duration {
	return parseDurationOr(r.StaleTime, fallback)
}

// RefetchIntervalDuration parses RefetchInterval; zero disables polling.
func (r ResourceConfig) RefetchIntervalDuration() time.Duration {
	return parseDurationOr(r.RefetchInterval, 0)
}

// DebounceDuration parses Debounce, falling back to the supplied default.
func (r ResourceConfig) DebounceDuration(fallback time.Duration) time.Duration {
	return parseDurationOr(r.Debounce, fallback)
}

// RetentionDuration parses Retention, falling back to the supplied default.
func (r ResourceConfig) RetentionDuration(fallback time.Duration) time.Duration {
	return parseDurationOr(r.Retention, fallback)
}

// RequiredParams lists the parameter names that gate execution.
func (r ResourceConfig) RequiredParams() []string {
	var names []string
	for _, p := range r.Params {
		if p.Required && strings.TrimSpace(p.Name) != "" {
			names = append(names, p.Name)
		}
	}
	return names
}

// WindowDuration parses the time-window filter; zero means no window.
func (v ViewConfig) WindowDuration() time.Duration {
	return parseDurationOr(v.Window, 0)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// Validate enforces invariants that keep the daemon predictable before it
// starts syncing.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Listen.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("config: listen.shutdownGraceSeconds invalid: %d", c.Server.Listen.ShutdownGraceSeconds)
	}
	if c.Server.Definitions.Folder != "" && c.Server.Definitions.File != "" {
		return errors.New("config: definitions folder and file are mutually exclusive")
	}
	if strings.TrimSpace(c.Server.API.BaseURL) == "" {
		return errors.New("config: api.baseUrl required")
	}
	if parsed, err := url.Parse(c.Server.API.BaseURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("config: api.baseUrl invalid: %s", c.Server.API.BaseURL)
	}
	if c.Server.API.TimeoutSeconds < 0 {
		return fmt.Errorf("config: api.timeoutSeconds invalid: %d", c.Server.API.TimeoutSeconds)
	}
	if c.Server.Stream.URL != "" {
		parsed, err := url.Parse(c.Server.Stream.URL)
		if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
			return fmt.Errorf("config: stream.url must be a ws:// or wss:// URL: %s", c.Server.Stream.URL)
		}
	}
	if c.Server.Stream.BackoffBaseMillis < 0 {
		return fmt.Errorf("config: stream.backoffBaseMillis invalid: %d", c.Server.Stream.BackoffBaseMillis)
	}
	if c.Server.Stream.MaxRetries < 0 {
		return fmt.Errorf("config: stream.maxRetries invalid: %d", c.Server.Stream.MaxRetries)
	}
	if c.Server.Cache.TTLSeconds < 0 {
		return fmt.Errorf("config: cache.ttlSeconds invalid: %d", c.Server.Cache.TTLSeconds)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "valkey":
		if strings.TrimSpace(c.Server.Cache.Valkey.Address) == "" {
			return errors.New("config: cache.valkey.address required for valkey backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	for name, resource := range c.Resources {
		if err := validateResource(name, resource); err != nil {
			return err
		}
	}
	return nil
}

// DefaultConfig returns the baseline values the daemon runs with when nothing
// else is configured.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8090,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			API: APIConfig{
				BaseURL:        "http://localhost:8000",
				TimeoutSeconds: 30,
			},
			Stream: StreamConfig{
				BackoffBaseMillis:   1000,
				MaxRetries:          5,
				PingIntervalSeconds: 30,
			},
			Query: QueryConfig{
				StaleTime: "30s",
				Retention: "5m",
				Debounce:  "300ms",
			},
			Cache: SnapshotConfig{
				Backend:    "memory",
				TTLSeconds: 300,
			},
		},
	}
}

func validateResource(name string, resource ResourceConfig) error {
	if strings.TrimSpace(resource.Path) == "" {
		return fmt.Errorf("config: resource %q path required", name)
	}
	if !strings.HasPrefix(resource.Path, "/") {
		return fmt.Errorf("config: resource %q path must start with /: %s", name, resource.Path)
	}
	seen := make(map[string]struct{}, len(resource.Params))
	for i, param := range resource.Params {
		trimmed := strings.TrimSpace(param.Name)
		if trimmed == "" {
			return fmt.Errorf("config: resource %q params[%d] name empty", name, i)
		}
		if _, dup := seen[trimmed]; dup {
			return fmt.Errorf("config: resource %q params[%d] duplicate name %s", name, i, trimmed)
		}
		seen[trimmed] = struct{}{}
	}
	for _, field := range []struct {
		label string
		value string
	}{
		{"staleTime", resource.StaleTime},
		{"refetchInterval", resource.RefetchInterval},
		{"debounce", resource.Debounce},
		{"retention", resource.Retention},
	} {
		if strings.TrimSpace(field.value) == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("config: resource %q %s invalid: %s", name, field.label, field.value)
		}
	}
	return nil
}
