package mutate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/k2so/catsync/internal/api"
	"github.com/k2so/catsync/internal/config"
	"github.com/k2so/catsync/internal/metrics"
	"github.com/k2so/catsync/internal/notify"
	"github.com/k2so/catsync/internal/query"
)

// Definition is the runtime form of one mutation: the upstream write plus
// the cache prefixes it renders stale and the messages it emits.
type Definition struct {
	Name        string
	Resource    string
	Method      string
	Path        string
	Invalidates []string
	Success     *notify.Template
	Error       *notify.Template
}

var allowedMethods = map[string]struct{}{
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// DefinitionsFromConfig compiles the configured mutations, including their
// notification templates.
func DefinitionsFromConfig(mutations map[string]config.MutationConfig, renderer *notify.Renderer) (map[string]Definition, error) {
	defs := make(map[string]Definition, len(mutations))
	for name, mc := range mutations {
		method := strings.ToUpper(strings.TrimSpace(mc.Method))
		if _, ok := allowedMethods[method]; !ok {
			return nil, fmt.Errorf("mutate: mutation %q method %q not allowed", name, mc.Method)
		}
		if !strings.HasPrefix(mc.Path, "/") {
			return nil, fmt.Errorf("mutate: mutation %q path must start with /: %s", name, mc.Path)
		}
		def := Definition{
			Name:        name,
			Resource:    mc.Resource,
			Method:      method,
			Path:        mc.Path,
			Invalidates: append([]string(nil), mc.Invalidates...),
		}
		success, err := renderer.Compile(name+".success", mc.Notify.Success)
		if err != nil {
			return nil, err
		}
		failure, err := renderer.Compile(name+".error", mc.Notify.Error)
		if err != nil {
			return nil, err
		}
		def.Success = success
		def.Error = failure
		defs[name] = def
	}
	return defs, nil
}

// Doer is the slice of the API client the runner needs.
type Doer interface {
	Do(ctx context.Context, method, path string, query url.Values, body any) (*api.Response, error)
}

// Cache is the slice of the query engine the runner needs: prefix
// invalidation and the optimistic patch contract.
type Cache interface {
	Invalidate(ctx context.Context, prefixes []query.Prefix) int
	Patch(resource string, params map[string]string, value json.RawMessage) func()
}

// Request is one mutation invocation.
type Request struct {
	// Params resolve path placeholders and invalidation prefix templates.
	Params map[string]string
	// Body is forwarded to the upstream as the JSON request body.
	Body json.RawMessage
	// Optimistic, when set, replaces the cached collection for the
	// mutation's resource immediately. A failed mutation rolls it back.
	Optimistic json.RawMessage
}

// Outcome reports how one mutation resolved.
type Outcome struct {
	Mutation     string          `json:"mutation"`
	Status       int             `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Invalidated  int             `json:"invalidated"`
	Notification string          `json:"notification,omitempty"`
}

// Runner executes mutations: upstream write, prefix invalidation,
// notification, and the optimistic-patch lifecycle, in that order.
type Runner struct {
	client  Doer
	cache   Cache
	center  *notify.Center
	metrics *metrics.Recorder
	logger  *slog.Logger

	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRunner builds the mutation runner.
func NewRunner(defs map[string]Definition, client Doer, cache Cache, center *notify.Center, recorder *metrics.Recorder, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	copied := make(map[string]Definition, len(defs))
	for name, def := range defs {
		copied[name] = def
	}
	return &Runner{
		client:  client,
		cache:   cache,
		center:  center,
		metrics: recorder,
		logger:  logger.With(slog.String("agent", "mutate")),
		defs:    copied,
	}
}

// Reload swaps the mutation definitions after a definitions change.
func (r *Runner) Reload(defs map[string]Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = make(map[string]Definition, len(defs))
	for name, def := range defs {
		r.defs[name] = def
	}
}

// Names lists the registered mutations.
func (r *Runner) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}

// Has reports whether a mutation is registered.
func (r *Runner) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[name]
	return ok
}

// Do executes one mutation. A failed upstream write leaves cached data
// untouched apart from undoing the optimistic patch; invalidation and the
// success notification fire only after the write lands.
func (r *Runner) Do(ctx context.Context, name string, req Request) (Outcome, error) {
	r.mu.RLock()
	def, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return Outcome{}, fmt.Errorf("mutate: unknown mutation %q", name)
	}

	path, err := substitutePath(def.Path, req.Params)
	if err != nil {
		return Outcome{}, fmt.Errorf("mutate: mutation %q: %w", name, err)
	}

	rollback := func() {}
	if req.Optimistic != nil && r.cache != nil && def.Resource != "" {
		rollback = r.cache.Patch(def.Resource, req.Params, req.Optimistic)
	}

	var body any
	if req.Body != nil {
		body = req.Body
	}
	resp, err := r.client.Do(ctx, def.Method, path, nil, body)
	if err != nil {
		rollback()
		r.observeMutation(name, metrics.MutationFailed)
		msg := r.emit(def, def.Error, notify.LevelError, req.Params, nil, err)
		r.logger.Warn("mutation failed",
			slog.String("mutation", name),
			slog.Any("error", err))
		return Outcome{Mutation: name, Notification: msg}, err
	}

	outcome := Outcome{
		Mutation: name,
		Status:   resp.Status,
		Result:   resp.Body,
	}
	if r.cache != nil {
		prefixes := r.prefixes(def, req.Params)
		if len(prefixes) > 0 {
			outcome.Invalidated = r.cache.Invalidate(ctx, prefixes)
			if r.metrics != nil {
				r.metrics.ObserveInvalidations(name, outcome.Invalidated)
			}
		}
	}
	r.observeMutation(name, metrics.MutationSucceeded)
	outcome.Notification = r.emit(def, def.Success, notify.LevelSuccess, req.Params, resp.Body, nil)
	return outcome, nil
}

// BulkItem is one element of a bulk mutation.
type BulkItem struct {
	Params map[string]string
	Body   json.RawMessage
}

// BulkOutcome summarizes a best-effort bulk run. The operation is not
// atomic: some items may have landed upstream while others failed, and the
// counts say exactly which fraction did.
type BulkOutcome struct {
	Mutation  string      `json:"mutation"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Errors    []BulkError `json:"errors,omitempty"`
}

// BulkError ties an item index to its failure.
type BulkError struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

const bulkConcurrency = 4

// DoBulk runs the mutation once per item with bounded concurrency. Failures
// do not stop the remaining items; each item settles independently.
func (r *Runner) DoBulk(ctx context.Context, name string, items []BulkItem) (BulkOutcome, error) {
	if !r.Has(name) {
		return BulkOutcome{}, fmt.Errorf("mutate: unknown mutation %q", name)
	}
	outcome := BulkOutcome{Mutation: name}
	if len(items) == 0 {
		return outcome, nil
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(bulkConcurrency)
	for i, item := range items {
		group.Go(func() error {
			_, err := r.Do(groupCtx, name, Request{Params: item.Params, Body: item.Body})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				outcome.Failed++
				outcome.Errors = append(outcome.Errors, BulkError{Index: i, Message: err.Error()})
			} else {
				outcome.Succeeded++
			}
			return nil
		})
	}
	_ = group.Wait()
	return outcome, nil
}

// prefixes renders the definition's invalidation targets against the request
// parameters. An unresolved placeholder falls back to the bare resource
// segment before the placeholder so the invalidation widens instead of
// silently missing.
func (r *Runner) prefixes(def Definition, params map[string]string) []query.Prefix {
	out := make([]query.Prefix, 0, len(def.Invalidates))
	for _, target := range def.Invalidates {
		rendered := target
		for name, value := range params {
			rendered = strings.ReplaceAll(rendered, "{"+name+"}", value)
		}
		if idx := strings.Index(rendered, "{"); idx >= 0 {
			rendered = rendered[:idx]
		}
		if rendered == "" {
			continue
		}
		out = append(out, query.Prefix(rendered))
	}
	return out
}

func (r *Runner) emit(def Definition, tmpl *notify.Template, level notify.Level, params map[string]string, result json.RawMessage, cause error) string {
	if tmpl == nil || r.center == nil {
		return ""
	}
	data := map[string]any{
		"mutation": def.Name,
		"resource": def.Resource,
		"params":   params,
	}
	if result != nil {
		var decoded any
		if err := json.Unmarshal(result, &decoded); err == nil {
			data["result"] = decoded
		}
	}
	if cause != nil {
		data["error"] = cause.Error()
	}
	message, err := tmpl.Render(data)
	if err != nil {
		r.logger.Warn("notification render failed",
			slog.String("mutation", def.Name),
			slog.Any("error", err))
		return ""
	}
	r.center.Push(level, def.Name, message)
	return message
}

func (r *Runner) observeMutation(name string, outcome metrics.MutationOutcome) {
	if r.metrics != nil {
		r.metrics.ObserveMutation(name, outcome)
	}
}

func substitutePath(template string, params map[string]string) (string, error) {
	path := template
	for name, value := range params {
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(value))
	}
	if idx := strings.Index(path, "{"); idx >= 0 {
		end := strings.Index(path[idx:], "}")
		if end < 0 {
			end = len(path) - idx - 1
		}
		return "", fmt.Errorf("unresolved path parameter %s", path[idx:idx+end+1])
	}
	return path, nil
}
