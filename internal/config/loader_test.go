package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name:  "returns defaults when no overrides",
			setup: func(t *testing.T) []string { return nil },
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8090, cfg.Server.Listen.Port)
				require.Equal(t, "30s", cfg.Server.Query.StaleTime)
				require.Equal(t, "memory", cfg.Server.Cache.Backend)
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n  api:\n    baseUrl: http://catalog:8000\n"), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, "http://catalog:8000", cfg.Server.API.BaseURL)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
				t.Setenv("CATSYNC_SERVER__LISTEN__PORT", "9091")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
			},
		},
		{
			name: "maps mixed-case env keys",
			setup: func(t *testing.T) []string {
				t.Setenv("CATSYNC_SERVER__API__BASEURL", "http://env-host:9000")
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "http://env-host:9000", cfg.Server.API.BaseURL)
			},
		},
		{
			name: "loads inline definitions into the bundle",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				doc := `
resources:
  datasets:
    path: /api/datasets
views:
  dataset_health:
    resource: datasets
    groupBy: tier
mutations:
  rename_dataset:
    resource: datasets
    method: PATCH
    path: /api/datasets/{id}
`
				require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Contains(t, cfg.Resources, "datasets")
				require.Contains(t, cfg.Views, "dataset_health")
				require.Contains(t, cfg.Mutations, "rename_dataset")
				require.Equal(t, []string{"inline-config"}, cfg.DefinitionSources)
				require.Empty(t, cfg.SkippedDefinitions)
			},
		},
		{
			name: "fails on missing file",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "absent.yaml")}
			},
			wantErr: true,
		},
		{
			name: "fails on invalid port",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 70000\n"), 0o600))
				return []string{path}
			},
			wantErr: true,
		},
		{
			name: "fails on invalid base url",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  api:\n    baseUrl: not-a-url\n"), 0o600))
				return []string{path}
			},
			wantErr: true,
		},
		{
			name: "fails when definitions file and folder are both set",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				doc := "server:\n  definitions:\n    file: defs.yaml\n    folder: defs\n"
				require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
				return []string{path}
			},
			wantErr: true,
		},
		{
			name: "fails on invalid stream url scheme",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  stream:\n    url: http://not-a-socket\n"), 0o600))
				return []string{path}
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			files := tc.setup(t)
			loader := NewLoader("CATSYNC", files...)
			cfg, err := loader.Load(context.Background())
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.assert(t, cfg)
		})
	}
}

func TestResourceConfigDurations(t *testing.T) {
	rc := ResourceConfig{StaleTime: "45s", Debounce: "bogus"}
	require.Equal(t, 45*time.Second, rc.StaleTimeDuration(0))
	// Unparseable values fall back instead of failing the subscription.
	require.Equal(t, 300*time.Millisecond, rc.DebounceDuration(300*time.Millisecond))
}

func TestResourceConfigRequiredParams(t *testing.T) {
	rc := ResourceConfig{Params: []ParamConfig{
		{Name: "datasetId", Required: true},
		{Name: "search"},
		{Name: "  ", Required: true},
	}}
	require.Equal(t, []string{"datasetId"}, rc.RequiredParams())
}

func TestValidateRejectsBadResource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resources = map[string]ResourceConfig{
		"datasets": {Path: "api/datasets"},
	}
	require.Error(t, cfg.Validate())

	cfg.Resources = map[string]ResourceConfig{
		"datasets": {Path: "/api/datasets", StaleTime: "soon"},
	}
	require.Error(t, cfg.Validate())
}
