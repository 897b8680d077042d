package query

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/k2so/catsync/internal/api"
	"github.com/k2so/catsync/internal/query/store"
)

type gateFetcher struct {
	mu      sync.Mutex
	calls   int32
	payload json.RawMessage
	err     error
	gates   []chan struct{}
}

func (g *gateFetcher) Fetch(ctx context.Context, spec ResourceSpec, params map[string]string) (json.RawMessage, error) {
	atomic.AddInt32(&g.calls, 1)
	g.mu.Lock()
	var gate chan struct{}
	if len(g.gates) > 0 {
		gate = g.gates[0]
		g.gates = g.gates[1:]
	}
	payload := g.payload
	err := g.err
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return payload, err
}

func (g *gateFetcher) count() int32 { return atomic.LoadInt32(&g.calls) }

func (g *gateFetcher) setPayload(p json.RawMessage) {
	g.mu.Lock()
	g.payload = p
	g.mu.Unlock()
}

func (g *gateFetcher) addGate() chan struct{} {
	gate := make(chan struct{})
	g.mu.Lock()
	g.gates = append(g.gates, gate)
	g.mu.Unlock()
	return gate
}

func waitResult(t *testing.T, sub *Subscription) Result {
	t.Helper()
	select {
	case res := <-sub.Updates():
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for subscription update")
		return Result{}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within deadline")
}

func testSpecs() map[string]ResourceSpec {
	return map[string]ResourceSpec{
		"datasets": {
			Name:      "datasets",
			Path:      "/api/datasets",
			StaleTime: 30 * time.Second,
			Retention: 5 * time.Minute,
		},
		"columns": {
			Name:      "columns",
			Path:      "/api/datasets/{datasetId}/columns",
			Required:  []string{"datasetId"},
			StaleTime: 30 * time.Second,
			Retention: 5 * time.Minute,
		},
	}
}

func newTestEngine(t *testing.T, fetcher Fetcher, clock clockwork.Clock) *Engine {
	t.Helper()
	eng, err := NewEngine(testSpecs(), Options{
		Fetcher: fetcher,
		Clock:   clock,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return eng
}

func TestSubscribeDeduplicatesConcurrentFetches(t *testing.T) {
	fetcher := &gateFetcher{payload: json.RawMessage(`[{"id":1}]`)}
	gate := fetcher.addGate()
	eng := newTestEngine(t, fetcher, clockwork.NewFakeClock())

	first, err := eng.Subscribe("datasets", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer first.Close()
	second, err := eng.Subscribe("datasets", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer second.Close()

	close(gate)
	res := waitResult(t, first)
	if res.Loading {
		res = waitResult(t, first)
	}
	if string(res.Data) != `[{"id":1}]` {
		t.Fatalf("unexpected data: %s", res.Data)
	}
	if got := fetcher.count(); got != 1 {
		t.Fatalf("expected 1 fetch for two subscribers, got %d", got)
	}
	waitFor(t, func() bool { return second.Current().Data != nil })
}

func TestSubscribeDistinctParamsFetchSeparately(t *testing.T) {
	fetcher := &gateFetcher{payload: json.RawMessage(`[]`)}
	eng := newTestEngine(t, fetcher, clockwork.NewFakeClock())

	a, err := eng.Subscribe("columns", map[string]string{"datasetId": "a"})
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	defer a.Close()
	b, err := eng.Subscribe("columns", map[string]string{"datasetId": "b"})
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	defer b.Close()

	waitFor(t, func() bool { return fetcher.count() == 2 })
}

func TestSubscribeMissingRequiredParamIsDisabled(t *testing.T) {
	fetcher := &gateFetcher{payload: json.RawMessage(`[]`)}
	eng := newTestEngine(t, fetcher, clockwork.NewFakeClock())

	sub, err := eng.Subscribe("columns", map[string]string{"datasetId": ""})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if !sub.Disabled() {
		t.Fatalf("expected disabled subscription")
	}
	res := waitResult(t, sub)
	if res.Loading || res.Data != nil || res.Err != nil {
		t.Fatalf("disabled subscription should report empty state, got %+v", res)
	}
	time.Sleep(20 * time.Millisecond)
	if got := fetcher.count(); got != 0 {
		t.Fatalf("disabled subscription must not fetch, got %d calls", got)
	}
}

func TestUnknownResourceRejected(t *testing.T) {
	eng := newTestEngine(t, &gateFetcher{}, clockwork.NewFakeClock())
	if _, err := eng.Subscribe("nope", nil); err == nil {
		t.Fatalf("expected error for unknown resource")
	}
}

func TestSupersededResponseDiscarded(t *testing.T) {
	fetcher := &gateFetcher{payload: json.RawMessage(`"first"`)}
	slow := fetcher.addGate()
	eng := newTestEngine(t, fetcher, clockwork.NewFakeClock())

	sub, err := eng.Subscribe("datasets", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	// Invalidate while the first request is still in flight. Its eventual
	// response must not overwrite the newer request's result.
	waitFor(t, func() bool { return fetcher.count() == 1 })
	fetcher.setPayload(json.RawMessage(`"second"`))
	if n := eng.Invalidate(context.Background(), []Prefix{"datasets"}); n != 1 {
		t.Fatalf("expected 1 invalidated entry, got %d", n)
	}
	waitFor(t, func() bool { return fetcher.count() == 2 })
	close(slow)

	waitFor(t, func() bool { return string(sub.Current().Data) == `"second"` })
	time.Sleep(20 * time.Millisecond)
	if got := string(sub.Current().Data); got != `"second"` {
		t.Fatalf("stale response clobbered newer data: %s", got)
	}
}

func TestStaleDataServedWhileRefetching(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fetcher := &gateFetcher{payload: json.RawMessage(`"v1"`)}
	eng := newTestEngine(t, fetcher, clock)

	sub, err := eng.Subscribe("datasets", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, func() bool { return sub.Current().Data != nil })
	sub.Close()

	clock.Advance(31 * time.Second)

	gate := fetcher.addGate()
	fetcher.setPayload(json.RawMessage(`"v2"`))
	again, err := eng.Subscribe("datasets", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer again.Close()

	res := again.Current()
	if string(res.Data) != `"v1"` {
		t.Fatalf("expected stale value served, got %s", res.Data)
	}
	if !res.Stale {
		t.Fatalf("expected stale flag on aged data")
	}
	if res.Loading {
		t.Fatalf("stale entry with data must not report loading")
	}
	close(gate)
	waitFor(t, func() bool { return string(again.Current().Data) == `"v2"` })
}

func TestFetchErrorKeepsPreviousValue(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fetcher := &gateFetcher{payload: json.RawMessage(`"good"`)}
	eng := newTestEngine(t, fetcher, clock)

	sub, err := eng.Subscribe("datasets", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	waitFor(t, func() bool { return sub.Current().Data != nil })

	fetcher.mu.Lock()
	fetcher.err = &api.Error{Kind: api.KindValidation, Status: 400, Message: "bad request"}
	fetcher.payload = nil
	fetcher.mu.Unlock()

	eng.Invalidate(context.Background(), []Prefix{"datasets"})
	waitFor(t, func() bool { return sub.Current().Err != nil })

	res := sub.Current()
	if string(res.Data) != `"good"` {
		t.Fatalf("error refetch must not evict cached data, got %s", res.Data)
	}
	var apiErr *api.Error
	if !errors.As(res.Err, &apiErr) || apiErr.Kind != api.KindValidation {
		t.Fatalf("expected validation error, got %v", res.Err)
	}
}

func TestNonRetryableErrorFetchesOnce(t *testing.T) {
	fetcher := &gateFetcher{err: &api.Error{Kind: api.KindValidation, Status: 422, Message: "invalid"}}
	eng := newTestEngine(t, fetcher, clockwork.NewRealClock())

	sub, err := eng.Subscribe("datasets", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	waitFor(t, func() bool { return sub.Current().Err != nil })
	if got := fetcher.count(); got != 1 {
		t.Fatalf("validation errors must not retry, got %d calls", got)
	}
}

func TestRetryableErrorRetries(t *testing.T) {
	fetcher := &gateFetcher{err: &api.Error{Kind: api.KindServer, Status: 503, Message: "unavailable"}}
	eng := newTestEngine(t, fetcher, clockwork.NewRealClock())

	sub, err := eng.Subscribe("datasets", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	waitFor(t, func() bool { return sub.Current().Err != nil })
	if got := fetcher.count(); got != 2 {
		t.Fatalf("server errors retry once, got %d calls", got)
	}
}

func TestInvalidatePrefixMatchesParameterizedKeys(t *testing.T) {
	fetcher := &gateFetcher{payload: json.RawMessage(`[]`)}
	eng := newTestEngine(t, fetcher, clockwork.NewFakeClock())

	a, _ := eng.Subscribe("columns", map[string]string{"datasetId": "a"})
	defer a.Close()
	b, _ := eng.Subscribe("columns", map[string]string{"datasetId": "b"})
	defer b.Close()
	d, _ := eng.Subscribe("datasets", nil)
	defer d.Close()
	waitFor(t, func() bool { return fetcher.count() == 3 })

	if n := eng.Invalidate(context.Background(), []Prefix{"columns"}); n != 2 {
		t.Fatalf("expected 2 invalidated entries, got %d", n)
	}
	waitFor(t, func() bool { return fetcher.count() == 5 })
}

func TestRetentionDropsIdleEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fetcher := &gateFetcher{payload: json.RawMessage(`[]`)}
	eng := newTestEngine(t, fetcher, clock)

	sub, err := eng.Subscribe("datasets", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, func() bool { return sub.Current().Data != nil })
	sub.Close()

	if entries := countEntries(eng, "datasets"); entries != 1 {
		t.Fatalf("entry should survive retention window, got %d", entries)
	}
	clock.Advance(6 * time.Minute)
	waitFor(t, func() bool { return countEntries(eng, "datasets") == 0 })
}

func TestPollingRefetchesWhileSubscribed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fetcher := &gateFetcher{payload: json.RawMessage(`[]`)}
	specs := testSpecs()
	spec := specs["datasets"]
	spec.RefetchInterval = 10 * time.Second
	specs["datasets"] = spec

	eng, err := NewEngine(specs, Options{Fetcher: fetcher, Clock: clock})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer eng.Close(context.Background())

	sub, err := eng.Subscribe("datasets", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	waitFor(t, func() bool { return fetcher.count() == 1 })

	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)
	waitFor(t, func() bool { return fetcher.count() == 2 })
}

func TestDebounceDelaysFirstFetch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fetcher := &gateFetcher{payload: json.RawMessage(`[]`)}
	specs := testSpecs()
	spec := specs["columns"]
	spec.Debounce = 300 * time.Millisecond
	specs["columns"] = spec

	eng, err := NewEngine(specs, Options{Fetcher: fetcher, Clock: clock})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer eng.Close(context.Background())

	sub, err := eng.Subscribe("columns", map[string]string{"datasetId": "a"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	time.Sleep(20 * time.Millisecond)
	if got := fetcher.count(); got != 0 {
		t.Fatalf("fetch issued before debounce window elapsed: %d", got)
	}
	clock.Advance(300 * time.Millisecond)
	waitFor(t, func() bool { return fetcher.count() == 1 })
}

func TestSnapshotWarmStart(t *testing.T) {
	snapshots := store.NewMemory(0)
	key := NewKey("datasets", nil)
	seeded := store.Snapshot{
		Value:     json.RawMessage(`"seeded"`),
		FetchedAt: time.Now().Add(-time.Hour),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := snapshots.Store(context.Background(), key.String(), seeded); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	fetcher := &gateFetcher{payload: json.RawMessage(`"fresh"`)}
	gate := fetcher.addGate()
	eng, err := NewEngine(testSpecs(), Options{
		Fetcher:   fetcher,
		Snapshots: snapshots,
		Clock:     clockwork.NewRealClock(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer eng.Close(context.Background())

	sub, err := eng.Subscribe("datasets", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	res := sub.Current()
	if string(res.Data) != `"seeded"` {
		t.Fatalf("expected persisted snapshot served first, got %s", res.Data)
	}
	if !res.Stale {
		t.Fatalf("hour-old snapshot should be stale")
	}
	close(gate)
	waitFor(t, func() bool { return string(sub.Current().Data) == `"fresh"` })
}

type slowLookupStore struct {
	inner   store.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowLookupStore) Lookup(ctx context.Context, key string) (store.Snapshot, bool, error) {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return store.Snapshot{}, false, ctx.Err()
	}
	return s.inner.Lookup(ctx, key)
}

func (s *slowLookupStore) Store(ctx context.Context, key string, snap store.Snapshot) error {
	return s.inner.Store(ctx, key, snap)
}

func (s *slowLookupStore) DeletePrefix(ctx context.Context, prefix string) error {
	return s.inner.DeletePrefix(ctx, prefix)
}

func (s *slowLookupStore) Size(ctx context.Context) (int64, error) {
	return s.inner.Size(ctx)
}

func (s *slowLookupStore) Close(ctx context.Context) error {
	return s.inner.Close(ctx)
}

func TestWarmStartLookupDoesNotBlockEngine(t *testing.T) {
	backing := store.NewMemory(0)
	key := NewKey("datasets", nil)
	seeded := store.Snapshot{
		Value:     json.RawMessage(`"seeded"`),
		FetchedAt: time.Now().Add(-time.Hour),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := backing.Store(context.Background(), key.String(), seeded); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	slow := &slowLookupStore{
		inner:   backing,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	fetcher := &gateFetcher{payload: json.RawMessage(`"fresh"`)}
	fetchGate := fetcher.addGate()
	defer close(fetchGate)
	eng, err := NewEngine(testSpecs(), Options{
		Fetcher:   fetcher,
		Snapshots: slow,
		Clock:     clockwork.NewRealClock(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer eng.Close(context.Background())

	subs := make(chan *Subscription, 1)
	go func() {
		sub, err := eng.Subscribe("datasets", nil)
		if err != nil {
			subs <- nil
			return
		}
		subs <- sub
	}()
	<-slow.entered

	// Other engine operations must not queue behind the in-flight lookup.
	invalidated := make(chan struct{})
	go func() {
		eng.Invalidate(context.Background(), []Prefix{Prefix("columns")})
		close(invalidated)
	}()
	select {
	case <-invalidated:
	case <-time.After(time.Second):
		t.Fatalf("invalidate stalled behind snapshot store lookup")
	}

	close(slow.release)
	sub := <-subs
	if sub == nil {
		t.Fatalf("subscribe failed")
	}
	defer sub.Close()
	if got := string(sub.Current().Data); got != `"seeded"` {
		t.Fatalf("expected seeded snapshot after lookup completed, got %s", got)
	}
}

func TestSnapshotOneShot(t *testing.T) {
	fetcher := &gateFetcher{payload: json.RawMessage(`{"ok":true}`)}
	eng := newTestEngine(t, fetcher, clockwork.NewRealClock())

	res, err := eng.Snapshot(context.Background(), "datasets", nil)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if string(res.Data) != `{"ok":true}` {
		t.Fatalf("unexpected data: %s", res.Data)
	}
	if _, err := eng.Snapshot(context.Background(), "columns", nil); err == nil {
		t.Fatalf("expected required-param error")
	}
}

func TestRefetchBypassesStaleness(t *testing.T) {
	fetcher := &gateFetcher{payload: json.RawMessage(`[]`)}
	eng := newTestEngine(t, fetcher, clockwork.NewRealClock())

	sub, err := eng.Subscribe("datasets", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	waitFor(t, func() bool { return fetcher.count() == 1 })

	// Data is fresh, yet a manual refetch still goes to the network.
	sub.Refetch()
	waitFor(t, func() bool { return fetcher.count() == 2 })
}

func TestSnapshotServedFromPersistedStore(t *testing.T) {
	snapshots := store.NewMemory(0)
	fetcher := &gateFetcher{payload: json.RawMessage(`[1,2,3]`)}
	eng, err := NewEngine(testSpecs(), Options{
		Fetcher:   fetcher,
		Snapshots: snapshots,
		Clock:     clockwork.NewRealClock(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer eng.Close(context.Background())

	if _, err := eng.Snapshot(context.Background(), "datasets", nil); err != nil {
		t.Fatalf("first snapshot: %v", err)
	}
	res, err := eng.Snapshot(context.Background(), "datasets", nil)
	if err != nil {
		t.Fatalf("second snapshot: %v", err)
	}
	if string(res.Data) != `[1,2,3]` || res.Stale {
		t.Fatalf("expected fresh persisted data, got %+v", res)
	}
	if fetcher.count() != 1 {
		t.Fatalf("second snapshot refetched: %d calls", fetcher.count())
	}
}

func TestReloadDropsRemovedResources(t *testing.T) {
	fetcher := &gateFetcher{payload: json.RawMessage(`[]`)}
	eng := newTestEngine(t, fetcher, clockwork.NewFakeClock())

	sub, err := eng.Subscribe("datasets", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	waitFor(t, func() bool { return fetcher.count() == 1 })

	eng.Reload(map[string]ResourceSpec{
		"columns": testSpecs()["columns"],
	})
	if eng.HasResource("datasets") {
		t.Fatalf("removed resource still registered")
	}
	if _, err := eng.Subscribe("datasets", nil); err == nil {
		t.Fatalf("expected error subscribing to removed resource")
	}
}

func TestPatchNotifiesAndRollsBack(t *testing.T) {
	fetcher := &gateFetcher{payload: json.RawMessage(`[{"id":"a"}]`)}
	eng := newTestEngine(t, fetcher, clockwork.NewFakeClock())

	sub, err := eng.Subscribe("datasets", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	waitFor(t, func() bool { return sub.Current().Data != nil })

	rollback := eng.Patch("datasets", nil, json.RawMessage(`[{"id":"a","name":"renamed"}]`))
	if got := string(sub.Current().Data); got != `[{"id":"a","name":"renamed"}]` {
		t.Fatalf("patch not visible: %s", got)
	}
	rollback()
	if got := string(sub.Current().Data); got != `[{"id":"a"}]` {
		t.Fatalf("rollback not applied: %s", got)
	}
}

func TestPatchUnknownEntryIsNoop(t *testing.T) {
	eng := newTestEngine(t, &gateFetcher{}, clockwork.NewFakeClock())
	rollback := eng.Patch("datasets", nil, json.RawMessage(`[]`))
	rollback()
}

func countEntries(eng *Engine, resource string) int {
	for _, status := range eng.Resources() {
		if status.Name == resource {
			return status.Entries
		}
	}
	return 0
}

