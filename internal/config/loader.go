package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file >
// default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot so the composition root can wire the
// engine using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.api.baseurl":               "server.api.baseUrl",
			"server.api.timeoutseconds":        "server.api.timeoutSeconds",
			"server.stream.backoffbasemillis":  "server.stream.backoffBaseMillis",
			"server.stream.maxretries":         "server.stream.maxRetries",
			"server.stream.pingintervalseconds": "server.stream.pingIntervalSeconds",
			"server.query.staletime":           "server.query.staleTime",
			"server.cache.ttlseconds":          "server.cache.ttlSeconds",
			"server.cache.valkey.tls.cafile":   "server.cache.valkey.tls.caFile",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT ->
			// server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into
			// listenport when callers choose not to use double underscores for
			// object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineResources = cloneResourceMap(cfg.Resources)
	cfg.InlineViews = cloneViewMap(cfg.Views)
	cfg.InlineMutations = cloneMutationMap(cfg.Mutations)

	bundle, err := buildDefinitionBundle(ctx, inlineDefinitions(cfg), cfg.Server.Definitions)
	if err != nil {
		return Config{}, err
	}
	cfg.Resources = bundle.Resources
	cfg.Views = bundle.Views
	cfg.Mutations = bundle.Mutations
	cfg.DefinitionSources = bundle.Sources
	cfg.SkippedDefinitions = bundle.Skipped
	return cfg, nil
}

func inlineDefinitions(cfg Config) definitionDocument {
	return definitionDocument{
		Resources: cfg.InlineResources,
		Views:     cfg.InlineViews,
		Mutations: cfg.InlineMutations,
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address":              cfg.Server.Listen.Address,
				"port":                 cfg.Server.Listen.Port,
				"shutdownGraceSeconds": cfg.Server.Listen.ShutdownGraceSeconds,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"api": map[string]any{
				"baseUrl":        cfg.Server.API.BaseURL,
				"timeoutSeconds": cfg.Server.API.TimeoutSeconds,
			},
			"stream": map[string]any{
				"url":                 cfg.Server.Stream.URL,
				"backoffBaseMillis":   cfg.Server.Stream.BackoffBaseMillis,
				"maxRetries":          cfg.Server.Stream.MaxRetries,
				"pingIntervalSeconds": cfg.Server.Stream.PingIntervalSeconds,
			},
			"query": map[string]any{
				"staleTime": cfg.Server.Query.StaleTime,
				"retention": cfg.Server.Query.Retention,
				"debounce":  cfg.Server.Query.Debounce,
			},
			"definitions": map[string]any{
				"folder": cfg.Server.Definitions.Folder,
				"file":   cfg.Server.Definitions.File,
			},
			"cache": map[string]any{
				"backend":    cfg.Server.Cache.Backend,
				"ttlSeconds": cfg.Server.Cache.TTLSeconds,
				"valkey": map[string]any{
					"address":  cfg.Server.Cache.Valkey.Address,
					"username": cfg.Server.Cache.Valkey.Username,
					"password": cfg.Server.Cache.Valkey.Password,
					"db":       cfg.Server.Cache.Valkey.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Valkey.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Valkey.TLS.CAFile,
					},
				},
			},
		},
	}
}
