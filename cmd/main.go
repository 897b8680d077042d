package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/k2so/catsync/internal/api"
	"github.com/k2so/catsync/internal/config"
	"github.com/k2so/catsync/internal/logging"
	"github.com/k2so/catsync/internal/metrics"
	"github.com/k2so/catsync/internal/mutate"
	"github.com/k2so/catsync/internal/notify"
	"github.com/k2so/catsync/internal/query"
	"github.com/k2so/catsync/internal/query/store"
	"github.com/k2so/catsync/internal/runtime"
	"github.com/k2so/catsync/internal/server"
	"github.com/k2so/catsync/internal/stream"
	"github.com/k2so/catsync/internal/views"

	"github.com/k2so/catsync/internal/expr"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to daemon configuration file")
		envPrefix  = flag.String("env-prefix", "CATSYNC", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	var clientOpts []api.Option
	if cfg.Server.API.TimeoutSeconds > 0 {
		clientOpts = append(clientOpts, api.WithTimeout(time.Duration(cfg.Server.API.TimeoutSeconds)*time.Second))
	}
	client, err := api.New(cfg.Server.API.BaseURL, logger, clientOpts...)
	if err != nil {
		logger.Error("unable to construct api client", slog.Any("error", err))
		os.Exit(1)
	}

	snapshots := buildSnapshotStore(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache)

	specs := make(map[string]query.ResourceSpec, len(cfg.Resources))
	for name, rc := range cfg.Resources {
		specs[name] = query.SpecFromConfig(name, rc, cfg.Server.Query)
	}
	engine, err := query.NewEngine(specs, query.Options{
		Fetcher:   query.NewAPIFetcher(client),
		Snapshots: snapshots,
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		logger.Error("unable to construct query engine", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := engine.Close(shutdownCtx); err != nil {
			logger.Error("engine shutdown failed", slog.Any("error", err))
		}
	}()

	celEnv, err := expr.NewEnvironment()
	if err != nil {
		logger.Error("unable to construct expression environment", slog.Any("error", err))
		os.Exit(1)
	}
	renderer := notify.NewRenderer()
	center := notify.NewCenter(0, clockwork.NewRealClock())

	viewDefs, err := views.DefinitionsFromConfig(cfg.Views, celEnv)
	if err != nil {
		logger.Error("unable to compile view definitions", slog.Any("error", err))
		os.Exit(1)
	}
	viewService := views.NewService(viewDefs, engine, nil, logger)

	mutationDefs, err := mutate.DefinitionsFromConfig(cfg.Mutations, renderer)
	if err != nil {
		logger.Error("unable to compile mutation definitions", slog.Any("error", err))
		os.Exit(1)
	}
	runner := mutate.NewRunner(mutationDefs, client, engine, center, recorder, logger)

	var streamClient *stream.Client
	if cfg.Server.Stream.URL != "" {
		streamClient = stream.NewClient(cfg.Server.Stream.URL, stream.Options{
			BackoffBase:  time.Duration(cfg.Server.Stream.BackoffBaseMillis) * time.Millisecond,
			MaxRetries:   cfg.Server.Stream.MaxRetries,
			PingInterval: time.Duration(cfg.Server.Stream.PingIntervalSeconds) * time.Second,
			Logger:       logger,
			Metrics:      recorder,
		})
		defer streamClient.Disconnect()
	}

	coordinator := runtime.New(runtime.Options{
		Engine:    engine,
		Views:     viewService,
		Mutations: runner,
		Center:    center,
		Env:       celEnv,
		Renderer:  renderer,
		Defaults:  cfg.Server.Query,
		Logger:    logger,
	})
	if streamClient != nil {
		coordinator.AttachStream(streamClient)
		streamClient.Connect()
	}

	if cfg.Server.Definitions.File != "" || cfg.Server.Definitions.Folder != "" {
		watcher, err := loader.WatchDefinitions(ctx, cfg, func(bundle config.DefinitionBundle) {
			if err := coordinator.ApplyDefinitions(bundle); err != nil {
				logger.Error("definitions reload rejected", slog.Any("error", err))
			}
		}, func(err error) {
			if err != nil {
				logger.Error("definitions watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("definitions watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewHandler(server.Deps{
		Config:    cfg,
		Engine:    engine,
		Views:     viewService,
		Mutations: runner,
		Stream:    streamHandle(streamClient),
		Exporter:  client,
		Center:    center,
		Metrics:   recorder.Handler(),
		Logger:    logger,
	})

	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("daemon shutdown complete")
}

// streamHandle keeps the handler's StreamClient nil when no stream is
// configured; a typed nil *stream.Client would defeat the handler's nil
// checks.
func streamHandle(client *stream.Client) server.StreamClient {
	if client == nil {
		return nil
	}
	return client
}

func buildSnapshotStore(logger *slog.Logger, cfg config.SnapshotConfig) store.Store {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory snapshot store", slog.Duration("ttl", ttl))
		return store.NewMemory(ttl)
	case "valkey":
		valkeyStore, err := store.NewValkey(store.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			TLS: store.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("valkey snapshot store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory snapshot store")
			return store.NewMemory(ttl)
		}
		logger.Info("using valkey snapshot store", slog.String("address", cfg.Valkey.Address))
		return valkeyStore
	default:
		logger.Warn("unsupported snapshot backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return store.NewMemory(ttl)
	}
}
