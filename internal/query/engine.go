package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/k2so/catsync/internal/api"
	"github.com/k2so/catsync/internal/config"
	"github.com/k2so/catsync/internal/metrics"
	"github.com/k2so/catsync/internal/query/store"
)

const (
	defaultStaleTime   = 30 * time.Second
	defaultRetention   = 5 * time.Minute
	defaultDebounce    = 0
	defaultMaxAttempts = 2
	retryPause         = 250 * time.Millisecond
)

// ResourceSpec is the runtime form of one resource definition.
type ResourceSpec struct {
	Name            string
	Path            string
	Required        []string
	StaleTime       time.Duration
	RefetchInterval time.Duration
	Debounce        time.Duration
	Retention       time.Duration
}

// SpecFromConfig resolves a resource definition against the daemon-level
// query defaults.
func SpecFromConfig(name string, rc config.ResourceConfig, defaults config.QueryConfig) ResourceSpec {
	staleDefault := parseOr(defaults.StaleTime, defaultStaleTime)
	retentionDefault := parseOr(defaults.Retention, defaultRetention)
	debounceDefault := parseOr(defaults.Debounce, defaultDebounce)
	return ResourceSpec{
		Name:            name,
		Path:            rc.Path,
		Required:        rc.RequiredParams(),
		StaleTime:       rc.StaleTimeDuration(staleDefault),
		RefetchInterval: rc.RefetchIntervalDuration(),
		Debounce:        rc.DebounceDuration(debounceDefault),
		Retention:       rc.RetentionDuration(retentionDefault),
	}
}

func parseOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// Options wires the engine's collaborators. Everything is injected so tests
// can substitute a fake clock, a counting fetcher, or no snapshot store.
type Options struct {
	Fetcher     Fetcher
	Snapshots   store.Store
	Clock       clockwork.Clock
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	MaxAttempts int
}

// Engine owns every cache entry and in-flight fetch. Components hold
// Subscriptions, never entries; the engine is the single writer of cached
// state.
type Engine struct {
	logger      *slog.Logger
	metrics     *metrics.Recorder
	clock       clockwork.Clock
	fetcher     Fetcher
	snapshots   store.Store
	maxAttempts int

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	specs   map[string]ResourceSpec
	entries map[string]*entry
	flight  singleflight.Group
	closed  bool
}

type entry struct {
	key    Key
	spec   ResourceSpec
	params map[string]string

	value     json.RawMessage
	err       error
	fetchedAt time.Time
	loading   bool

	// seq tags each issued fetch; a resolved response is applied only when its
	// tag still matches, so a superseded request can never clobber a newer one.
	seq uint64

	subs          map[string]*Subscription
	pollStop      chan struct{}
	gcTimer       clockwork.Timer
	debounceTimer clockwork.Timer
}

// NewEngine builds the process-wide query cache.
func NewEngine(specs map[string]ResourceSpec, opts Options) (*Engine, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("query: fetcher required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	eng := &Engine{
		logger:      logger.With(slog.String("agent", "query_engine")),
		metrics:     opts.Metrics,
		clock:       clock,
		fetcher:     opts.Fetcher,
		snapshots:   opts.Snapshots,
		maxAttempts: maxAttempts,
		ctx:         ctx,
		cancel:      cancel,
		specs:       make(map[string]ResourceSpec, len(specs)),
		entries:     make(map[string]*entry),
	}
	for name, spec := range specs {
		eng.specs[name] = spec
	}
	return eng, nil
}

// Subscribe binds a consumer to the cache entry for (resource, params). When
// a required parameter is unset the subscription comes back disabled: no
// request is issued and the reported state is not-loading with no data.
func (e *Engine) Subscribe(resource string, params map[string]string) (*Subscription, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.New("query: engine closed")
	}
	spec, ok := e.specs[resource]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("query: unknown resource %q", resource)
	}

	sub := &Subscription{
		id:      uuid.NewString(),
		engine:  e,
		updates: make(chan Result, 1),
	}
	if missing := missingRequired(spec, params); missing != "" {
		e.mu.Unlock()
		sub.disabled = true
		sub.key = NewKey(resource, nil)
		sub.push(Result{})
		return sub, nil
	}

	key := NewKey(resource, params)
	sub.key = key
	ent := e.entryLocked(key, spec, params)
	ent.subs[sub.id] = sub
	if ent.gcTimer != nil {
		ent.gcTimer.Stop()
		ent.gcTimer = nil
	}
	cold := ent.value == nil
	e.mu.Unlock()

	if cold {
		e.warmStart(ent)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		sub.push(Result{})
		return sub, nil
	}

	switch {
	case ent.value == nil && !ent.loading:
		e.scheduleFetchLocked(ent)
	case e.isStaleLocked(ent) && !ent.loading:
		e.observeFetch(resource, metrics.FetchStale, 0)
		e.scheduleFetchLocked(ent)
	default:
		if !ent.loading {
			e.observeFetch(resource, metrics.FetchHit, 0)
		}
	}

	e.ensurePollingLocked(ent)
	sub.push(e.resultLocked(ent))
	return sub, nil
}

// Snapshot resolves (resource, params) once without installing a
// subscription: fresh cached data is served as-is, stale data is served while
// a background refresh runs, and a cold key falls back to the persisted
// snapshot before fetching synchronously.
func (e *Engine) Snapshot(ctx context.Context, resource string, params map[string]string) (Result, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Result{}, errors.New("query: engine closed")
	}
	spec, ok := e.specs[resource]
	if !ok {
		e.mu.Unlock()
		return Result{}, fmt.Errorf("query: unknown resource %q", resource)
	}
	if missing := missingRequired(spec, params); missing != "" {
		e.mu.Unlock()
		return Result{}, fmt.Errorf("query: resource %q requires parameter %s", resource, missing)
	}
	key := NewKey(resource, params)
	if ent, ok := e.entries[key.String()]; ok && ent.value != nil {
		res := e.resultLocked(ent)
		if res.Stale && !ent.loading {
			e.scheduleFetchLocked(ent)
		}
		e.mu.Unlock()
		return res, nil
	}
	e.mu.Unlock()

	if e.snapshots != nil {
		if snap, ok, err := e.snapshots.Lookup(ctx, key.String()); err == nil && ok {
			res := Result{Data: snap.Value, FetchedAt: snap.FetchedAt}
			if e.clock.Since(snap.FetchedAt) < spec.StaleTime {
				e.observeFetch(resource, metrics.FetchHit, 0)
				return res, nil
			}
			res.Stale = true
			e.observeFetch(resource, metrics.FetchStale, 0)
			go func() {
				data, err, _ := e.flight.Do(key.String(), func() (any, error) {
					return e.fetchWithRetry(e.ctx, spec, params)
				})
				if err != nil {
					return
				}
				e.persistSnapshot(key, spec, data.(json.RawMessage), e.clock.Now())
			}()
			return res, nil
		}
	}

	data, err, _ := e.flight.Do(key.String(), func() (any, error) {
		return e.fetchWithRetry(ctx, spec, params)
	})
	if err != nil {
		e.observeFetch(resource, metrics.FetchError, 0)
		return Result{Err: err}, nil
	}
	raw := data.(json.RawMessage)
	now := e.clock.Now()
	e.observeFetch(resource, metrics.FetchMiss, 0)
	e.persistSnapshot(key, spec, raw, now)
	return Result{Data: raw, FetchedAt: now}, nil
}

// Invalidate marks every entry under the given prefixes stale, discards their
// in-flight fetches, and refetches entries that still have subscribers. The
// persisted snapshots under the same prefixes are dropped too. Returns the
// number of entries invalidated.
func (e *Engine) Invalidate(ctx context.Context, prefixes []Prefix) int {
	e.mu.Lock()
	count := 0
	for _, ent := range e.entries {
		matched := false
		for _, prefix := range prefixes {
			if prefix.Matches(ent.key) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		count++
		ent.fetchedAt = time.Time{}
		e.flight.Forget(ent.key.String())
		if len(ent.subs) > 0 {
			e.startFetchLocked(ent)
		}
	}
	e.mu.Unlock()

	if e.snapshots != nil {
		for _, prefix := range prefixes {
			if err := e.snapshots.DeletePrefix(ctx, string(prefix)); err != nil {
				e.logger.Warn("snapshot invalidation failed", slog.String("prefix", string(prefix)), slog.Any("error", err))
			}
		}
	}
	return count
}

// Patch optimistically replaces the cached value for (resource, params) and
// notifies subscribers. The returned rollback restores the previous value,
// but only while no fetch has completed since the patch; once real data
// lands, rolling back would destroy it. Patching a key with no cache entry
// is a no-op.
func (e *Engine) Patch(resource string, params map[string]string, value json.RawMessage) func() {
	key := NewKey(resource, params)
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[key.String()]
	if !ok || e.closed {
		return func() {}
	}
	prevValue := ent.value
	prevErr := ent.err
	patchSeq := ent.seq
	ent.value = value
	ent.err = nil
	e.notifyLocked(ent)

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		current, ok := e.entries[key.String()]
		if !ok || current.seq != patchSeq {
			return
		}
		current.value = prevValue
		current.err = prevErr
		e.notifyLocked(current)
	}
}

// Reload swaps the resource specs after a definitions change. Entries whose
// resource disappeared are dropped once their subscribers detach; surviving
// entries adopt the new tuning on their next cycle.
func (e *Engine) Reload(specs map[string]ResourceSpec) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.specs = make(map[string]ResourceSpec, len(specs))
	for name, spec := range specs {
		e.specs[name] = spec
	}
	for canonical, ent := range e.entries {
		spec, ok := e.specs[ent.key.Resource()]
		if !ok {
			e.dropEntryLocked(canonical)
			continue
		}
		ent.spec = spec
	}
}

// ResourceStatus summarizes one registered resource for the HTTP surface.
type ResourceStatus struct {
	Name            string `json:"name"`
	Path            string `json:"path"`
	StaleTime       string `json:"staleTime"`
	RefetchInterval string `json:"refetchInterval,omitempty"`
	Entries         int    `json:"entries"`
	Subscribers     int    `json:"subscribers"`
}

// Resources reports the registered resources sorted by name.
func (e *Engine) Resources() []ResourceStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	statuses := make([]ResourceStatus, 0, len(e.specs))
	for name, spec := range e.specs {
		status := ResourceStatus{
			Name:      name,
			Path:      spec.Path,
			StaleTime: spec.StaleTime.String(),
		}
		if spec.RefetchInterval > 0 {
			status.RefetchInterval = spec.RefetchInterval.String()
		}
		for _, ent := range e.entries {
			if ent.key.Resource() != name {
				continue
			}
			status.Entries++
			status.Subscribers += len(ent.subs)
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// HasResource reports whether a resource is registered.
func (e *Engine) HasResource(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.specs[name]
	return ok
}

// Close tears the engine down: pending timers and poll loops stop, in-flight
// responses are discarded, and the snapshot store is released.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for canonical := range e.entries {
		e.dropEntryLocked(canonical)
	}
	e.mu.Unlock()
	e.cancel()
	if e.snapshots != nil {
		return e.snapshots.Close(ctx)
	}
	return nil
}

func (e *Engine) entryLocked(key Key, spec ResourceSpec, params map[string]string) *entry {
	canonical := key.String()
	if ent, ok := e.entries[canonical]; ok {
		return ent
	}
	copied := make(map[string]string, len(params))
	for k, v := range params {
		copied[k] = v
	}
	ent := &entry{
		key:    key,
		spec:   spec,
		params: copied,
		subs:   make(map[string]*Subscription),
	}
	e.entries[canonical] = ent
	return ent
}

// warmStart seeds a cold entry from the snapshot store. The seeded value is
// almost certainly stale, which is the point: subscribers render it
// immediately while the background refetch replaces it. The store lookup runs
// without the engine lock since it may be a network round trip; entry state
// is re-checked before seeding.
func (e *Engine) warmStart(ent *entry) {
	if e.snapshots == nil {
		return
	}
	snap, ok, err := e.snapshots.Lookup(e.ctx, ent.key.String())
	if err != nil {
		e.logger.Debug("snapshot lookup failed", slog.String("key", ent.key.String()), slog.Any("error", err))
		return
	}
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent.value != nil {
		return
	}
	ent.value = snap.Value
	ent.fetchedAt = snap.FetchedAt
}

func (e *Engine) isStaleLocked(ent *entry) bool {
	if ent.fetchedAt.IsZero() {
		return true
	}
	return e.clock.Since(ent.fetchedAt) >= ent.spec.StaleTime
}

func (e *Engine) resultLocked(ent *entry) Result {
	return Result{
		Data:      ent.value,
		Err:       ent.err,
		Loading:   ent.loading && ent.value == nil,
		Stale:     ent.value != nil && e.isStaleLocked(ent),
		FetchedAt: ent.fetchedAt,
	}
}

func (e *Engine) refetch(key Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[key.String()]
	if !ok || e.closed {
		return
	}
	e.flight.Forget(key.String())
	e.startFetchLocked(ent)
}

func (e *Engine) current(key Key) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[key.String()]
	if !ok {
		return Result{}
	}
	return e.resultLocked(ent)
}

// scheduleFetchLocked starts a fetch, honoring the resource's debounce
// window: rapid key churn (search-as-you-type) only fetches once input has
// been stable for the window.
func (e *Engine) scheduleFetchLocked(ent *entry) {
	if ent.loading {
		return
	}
	if ent.spec.Debounce <= 0 {
		e.startFetchLocked(ent)
		return
	}
	canonical := ent.key.String()
	if ent.debounceTimer != nil {
		ent.debounceTimer.Stop()
	}
	ent.debounceTimer = e.clock.AfterFunc(ent.spec.Debounce, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		current, ok := e.entries[canonical]
		if !ok || e.closed || len(current.subs) == 0 {
			return
		}
		e.startFetchLocked(current)
	})
}

func (e *Engine) startFetchLocked(ent *entry) {
	if e.closed {
		return
	}
	ent.seq++
	mySeq := ent.seq
	ent.loading = true
	spec := ent.spec
	params := ent.params
	key := ent.key
	hadValue := ent.value != nil
	started := e.clock.Now()

	go func() {
		data, err, _ := e.flight.Do(key.String(), func() (any, error) {
			return e.fetchWithRetry(e.ctx, spec, params)
		})
		var raw json.RawMessage
		if err == nil {
			raw = data.(json.RawMessage)
		}
		e.applyResult(key, spec, mySeq, raw, err, started, hadValue)
	}()
}

// applyResult installs a fetch outcome unless a newer request for the same
// key was issued while this one was in flight.
func (e *Engine) applyResult(key Key, spec ResourceSpec, mySeq uint64, raw json.RawMessage, err error, started time.Time, hadValue bool) {
	e.mu.Lock()
	ent, ok := e.entries[key.String()]
	if !ok || e.closed {
		e.mu.Unlock()
		return
	}
	if mySeq != ent.seq {
		e.mu.Unlock()
		e.observeFetch(key.Resource(), metrics.FetchDiscarded, 0)
		return
	}
	ent.loading = false
	elapsed := e.clock.Since(started)
	if err != nil {
		// Stale-but-present beats empty: the previous value stays visible
		// with the error recorded next to it.
		ent.err = err
		e.notifyLocked(ent)
		e.mu.Unlock()
		e.observeFetch(key.Resource(), metrics.FetchError, elapsed)
		e.logger.Warn("fetch failed",
			slog.String("resource", key.Resource()),
			slog.String("key", key.String()),
			slog.Any("error", err))
		return
	}
	ent.value = raw
	ent.err = nil
	ent.fetchedAt = e.clock.Now()
	e.notifyLocked(ent)
	e.mu.Unlock()

	outcome := metrics.FetchMiss
	if hadValue {
		outcome = metrics.FetchStale
	}
	e.observeFetch(key.Resource(), outcome, elapsed)
	e.persistSnapshot(key, spec, raw, e.clock.Now())
}

func (e *Engine) persistSnapshot(key Key, spec ResourceSpec, raw json.RawMessage, fetchedAt time.Time) {
	if e.snapshots == nil {
		return
	}
	snap := store.Snapshot{
		Value:     raw,
		FetchedAt: fetchedAt,
		ExpiresAt: fetchedAt.Add(spec.Retention),
	}
	if err := e.snapshots.Store(e.ctx, key.String(), snap); err != nil {
		e.logger.Debug("snapshot store failed", slog.String("key", key.String()), slog.Any("error", err))
	}
}

func (e *Engine) fetchWithRetry(ctx context.Context, spec ResourceSpec, params map[string]string) (json.RawMessage, error) {
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		data, err := e.fetcher.Fetch(ctx, spec, params)
		if err == nil {
			return data, nil
		}
		lastErr = err
		var apiErr *api.Error
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < e.maxAttempts {
			e.clock.Sleep(time.Duration(attempt) * retryPause)
		}
	}
	return nil, lastErr
}

func (e *Engine) notifyLocked(ent *entry) {
	res := e.resultLocked(ent)
	for _, sub := range ent.subs {
		sub.push(res)
	}
}

func (e *Engine) ensurePollingLocked(ent *entry) {
	if ent.spec.RefetchInterval <= 0 || ent.pollStop != nil {
		return
	}
	stop := make(chan struct{})
	ent.pollStop = stop
	canonical := ent.key.String()
	interval := ent.spec.RefetchInterval

	go func() {
		ticker := e.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-e.ctx.Done():
				return
			case <-ticker.Chan():
				e.mu.Lock()
				current, ok := e.entries[canonical]
				if !ok || len(current.subs) == 0 {
					e.mu.Unlock()
					return
				}
				if !current.loading {
					e.startFetchLocked(current)
				}
				e.mu.Unlock()
			}
		}
	}()
}

func (e *Engine) unsubscribe(sub *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[sub.key.String()]
	if !ok {
		return
	}
	delete(ent.subs, sub.id)
	if len(ent.subs) > 0 {
		return
	}
	if ent.pollStop != nil {
		close(ent.pollStop)
		ent.pollStop = nil
	}
	if ent.debounceTimer != nil {
		ent.debounceTimer.Stop()
		ent.debounceTimer = nil
	}
	canonical := sub.key.String()
	retention := ent.spec.Retention
	if retention <= 0 {
		e.dropEntryLocked(canonical)
		return
	}
	ent.gcTimer = e.clock.AfterFunc(retention, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		current, ok := e.entries[canonical]
		if !ok || len(current.subs) > 0 {
			return
		}
		e.dropEntryLocked(canonical)
	})
}

func (e *Engine) dropEntryLocked(canonical string) {
	ent, ok := e.entries[canonical]
	if !ok {
		return
	}
	if ent.pollStop != nil {
		close(ent.pollStop)
		ent.pollStop = nil
	}
	if ent.debounceTimer != nil {
		ent.debounceTimer.Stop()
	}
	if ent.gcTimer != nil {
		ent.gcTimer.Stop()
	}
	e.flight.Forget(canonical)
	delete(e.entries, canonical)
}

func (e *Engine) observeFetch(resource string, outcome metrics.FetchOutcome, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.ObserveFetch(resource, outcome, elapsed)
}

func missingRequired(spec ResourceSpec, params map[string]string) string {
	for _, name := range spec.Required {
		if params[name] == "" {
			return name
		}
	}
	return ""
}
