package runtime

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2so/catsync/internal/config"
	"github.com/k2so/catsync/internal/expr"
	"github.com/k2so/catsync/internal/mutate"
	"github.com/k2so/catsync/internal/notify"
	"github.com/k2so/catsync/internal/query"
	"github.com/k2so/catsync/internal/stream"
	"github.com/k2so/catsync/internal/views"
)

type fakeEngine struct {
	invalidated [][]query.Prefix
	reloaded    []map[string]query.ResourceSpec
}

func (f *fakeEngine) Invalidate(_ context.Context, prefixes []query.Prefix) int {
	f.invalidated = append(f.invalidated, prefixes)
	return len(prefixes)
}

func (f *fakeEngine) Reload(specs map[string]query.ResourceSpec) {
	f.reloaded = append(f.reloaded, specs)
}

type fakeViews struct{ reloads int }

func (f *fakeViews) Reload(map[string]views.Definition) { f.reloads++ }

type fakeMutations struct{ reloads int }

func (f *fakeMutations) Reload(map[string]mutate.Definition) { f.reloads++ }

func newCoordinator(t *testing.T, engine *fakeEngine, center *notify.Center) (*Coordinator, *fakeViews, *fakeMutations) {
	t.Helper()
	env, err := expr.NewEnvironment()
	require.NoError(t, err)
	viewSvc := &fakeViews{}
	mutations := &fakeMutations{}
	coord := New(Options{
		Engine:    engine,
		Views:     viewSvc,
		Mutations: mutations,
		Center:    center,
		Env:       env,
		Renderer:  notify.NewRenderer(),
		Defaults:  config.QueryConfig{StaleTime: "30s", Retention: "5m"},
	})
	return coord, viewSvc, mutations
}

func TestInvalidateEventRoutesPrefixes(t *testing.T) {
	engine := &fakeEngine{}
	coord, _, _ := newCoordinator(t, engine, nil)

	coord.handleEvent(stream.Event{
		Type: "invalidate",
		Data: json.RawMessage(`{"prefixes":["datasets","columns|datasetId=a"]}`),
	})
	require.Len(t, engine.invalidated, 1)
	assert.Equal(t, []query.Prefix{"datasets", "columns|datasetId=a"}, engine.invalidated[0])
}

func TestResourceUpdatedEventInvalidatesResource(t *testing.T) {
	engine := &fakeEngine{}
	coord, _, _ := newCoordinator(t, engine, nil)

	coord.handleEvent(stream.Event{
		Type: "resource_updated",
		Data: json.RawMessage(`{"resource":"datasets"}`),
	})
	require.Len(t, engine.invalidated, 1)
	assert.Equal(t, []query.Prefix{"datasets"}, engine.invalidated[0])
}

func TestEmptyInvalidationIsIgnored(t *testing.T) {
	engine := &fakeEngine{}
	coord, _, _ := newCoordinator(t, engine, nil)

	coord.handleEvent(stream.Event{Type: "invalidate", Data: json.RawMessage(`{}`)})
	assert.Empty(t, engine.invalidated)
}

func TestNotificationEventLandsInCenter(t *testing.T) {
	center := notify.NewCenter(10, nil)
	coord, _, _ := newCoordinator(t, &fakeEngine{}, center)

	coord.handleEvent(stream.Event{
		Type: "notification",
		Data: json.RawMessage(`{"level":"error","source":"upstream","message":"sync degraded"}`),
	})
	recent := center.Recent(0)
	require.Len(t, recent, 1)
	assert.Equal(t, notify.LevelError, recent[0].Level)
	assert.Equal(t, "sync degraded", recent[0].Message)
}

func TestApplyDefinitionsFansOut(t *testing.T) {
	engine := &fakeEngine{}
	coord, viewSvc, mutations := newCoordinator(t, engine, nil)

	err := coord.ApplyDefinitions(config.DefinitionBundle{
		Resources: map[string]config.ResourceConfig{
			"datasets": {Path: "/api/datasets"},
		},
		Views: map[string]config.ViewConfig{
			"by_status": {Resource: "datasets", GroupBy: "status"},
		},
		Mutations: map[string]config.MutationConfig{
			"rename": {Resource: "datasets", Method: "PATCH", Path: "/api/datasets/{id}"},
		},
	})
	require.NoError(t, err)
	require.Len(t, engine.reloaded, 1)
	assert.Contains(t, engine.reloaded[0], "datasets")
	assert.Equal(t, 1, viewSvc.reloads)
	assert.Equal(t, 1, mutations.reloads)
}

func TestApplyDefinitionsRejectsBadBundleWholesale(t *testing.T) {
	engine := &fakeEngine{}
	coord, viewSvc, _ := newCoordinator(t, engine, nil)

	err := coord.ApplyDefinitions(config.DefinitionBundle{
		Views: map[string]config.ViewConfig{
			"broken": {Resource: "datasets", Filter: "item.status +"},
		},
	})
	require.Error(t, err)
	assert.Empty(t, engine.reloaded)
	assert.Zero(t, viewSvc.reloads)
}
