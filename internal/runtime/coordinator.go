package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/k2so/catsync/internal/config"
	"github.com/k2so/catsync/internal/expr"
	"github.com/k2so/catsync/internal/mutate"
	"github.com/k2so/catsync/internal/notify"
	"github.com/k2so/catsync/internal/query"
	"github.com/k2so/catsync/internal/stream"
	"github.com/k2so/catsync/internal/views"
)

// Engine is the slice of the query cache the coordinator drives.
type Engine interface {
	Invalidate(ctx context.Context, prefixes []query.Prefix) int
	Reload(specs map[string]query.ResourceSpec)
}

// ViewReloader swaps view definitions on a definitions change.
type ViewReloader interface {
	Reload(defs map[string]views.Definition)
}

// MutationReloader swaps mutation definitions on a definitions change.
type MutationReloader interface {
	Reload(defs map[string]mutate.Definition)
}

// StreamSource is the subscription surface of the live-update client.
type StreamSource interface {
	Subscribe(id string, fn stream.Handler) func()
}

// Coordinator routes live-update events into cache invalidation and fans
// definitions reloads out to every component that compiled them. It owns no
// state of its own beyond the wiring.
type Coordinator struct {
	logger   *slog.Logger
	engine   Engine
	views    ViewReloader
	mutate   MutationReloader
	center   *notify.Center
	env      *expr.Environment
	renderer *notify.Renderer
	defaults config.QueryConfig

	unsubscribe func()
}

// Options wires the coordinator.
type Options struct {
	Engine    Engine
	Views     ViewReloader
	Mutations MutationReloader
	Center    *notify.Center
	Env       *expr.Environment
	Renderer  *notify.Renderer
	Defaults  config.QueryConfig
	Logger    *slog.Logger
}

// New builds the coordinator.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		logger:   logger.With(slog.String("agent", "coordinator")),
		engine:   opts.Engine,
		views:    opts.Views,
		mutate:   opts.Mutations,
		center:   opts.Center,
		env:      opts.Env,
		renderer: opts.Renderer,
		defaults: opts.Defaults,
	}
}

// AttachStream registers the coordinator on the live-update client so server
// pushed changes immediately invalidate the affected cache entries.
func (c *Coordinator) AttachStream(source StreamSource) {
	c.unsubscribe = source.Subscribe("coordinator", c.handleEvent)
}

// Detach removes the stream registration.
func (c *Coordinator) Detach() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

// invalidatePayload is the shape of server-pushed cache invalidations.
type invalidatePayload struct {
	Prefixes []string `json:"prefixes"`
	Resource string   `json:"resource"`
}

func (c *Coordinator) handleEvent(event stream.Event) {
	switch event.Type {
	case "invalidate", "resource_updated", "resource_deleted":
		c.handleInvalidate(event)
	case "notification":
		c.handleNotification(event)
	default:
		c.logger.Debug("unrouted stream event", slog.String("type", event.Type))
	}
}

func (c *Coordinator) handleInvalidate(event stream.Event) {
	var payload invalidatePayload
	if len(event.Data) > 0 {
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			c.logger.Warn("undecodable invalidation event", slog.Any("error", err))
			return
		}
	}
	prefixes := make([]query.Prefix, 0, len(payload.Prefixes)+1)
	for _, p := range payload.Prefixes {
		if p != "" {
			prefixes = append(prefixes, query.Prefix(p))
		}
	}
	if payload.Resource != "" {
		prefixes = append(prefixes, query.Prefix(payload.Resource))
	}
	if len(prefixes) == 0 {
		return
	}
	count := c.engine.Invalidate(context.Background(), prefixes)
	c.logger.Info("stream invalidation applied",
		slog.String("type", event.Type),
		slog.Int("entries", count))
}

// notificationPayload carries server-pushed user notifications.
type notificationPayload struct {
	Level   string `json:"level"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

func (c *Coordinator) handleNotification(event stream.Event) {
	if c.center == nil || len(event.Data) == 0 {
		return
	}
	var payload notificationPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		c.logger.Warn("undecodable notification event", slog.Any("error", err))
		return
	}
	level := notify.Level(payload.Level)
	switch level {
	case notify.LevelSuccess, notify.LevelError, notify.LevelInfo:
	default:
		level = notify.LevelInfo
	}
	source := payload.Source
	if source == "" {
		source = "stream"
	}
	c.center.Push(level, source, payload.Message)
}

// ApplyDefinitions compiles a definitions bundle and swaps it into the
// engine, view service, and mutation runner. A bundle that fails to compile
// is rejected wholesale; the previous definitions stay live.
func (c *Coordinator) ApplyDefinitions(bundle config.DefinitionBundle) error {
	specs := make(map[string]query.ResourceSpec, len(bundle.Resources))
	for name, rc := range bundle.Resources {
		specs[name] = query.SpecFromConfig(name, rc, c.defaults)
	}
	viewDefs, err := views.DefinitionsFromConfig(bundle.Views, c.env)
	if err != nil {
		return fmt.Errorf("runtime: compile views: %w", err)
	}
	mutationDefs, err := mutate.DefinitionsFromConfig(bundle.Mutations, c.renderer)
	if err != nil {
		return fmt.Errorf("runtime: compile mutations: %w", err)
	}

	c.engine.Reload(specs)
	if c.views != nil {
		c.views.Reload(viewDefs)
	}
	if c.mutate != nil {
		c.mutate.Reload(mutationDefs)
	}
	c.logger.Info("definitions applied",
		slog.Int("resources", len(specs)),
		slog.Int("views", len(viewDefs)),
		slog.Int("mutations", len(mutationDefs)),
		slog.Int("skipped", len(bundle.Skipped)))
	return nil
}
