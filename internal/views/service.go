package views

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/k2so/catsync/internal/config"
	"github.com/k2so/catsync/internal/expr"
	"github.com/k2so/catsync/internal/query"
)

// Definition is the runtime form of one derived view.
type Definition struct {
	Name        string
	Resource    string
	Filter      expr.Program
	HasFilter   bool
	GroupBy     string
	Window      time.Duration
	WindowField string
	Weights     map[string]float64
}

// DefinitionsFromConfig compiles the configured views. A view with an
// uncompilable filter is rejected outright; the loader is expected to have
// quarantined those already.
func DefinitionsFromConfig(views map[string]config.ViewConfig, env *expr.Environment) (map[string]Definition, error) {
	defs := make(map[string]Definition, len(views))
	for name, vc := range views {
		def := Definition{
			Name:        name,
			Resource:    vc.Resource,
			GroupBy:     vc.GroupBy,
			Window:      vc.WindowDuration(),
			WindowField: vc.WindowField,
			Weights:     vc.Score.Weights,
		}
		if vc.Filter != "" {
			program, err := env.Compile(vc.Filter)
			if err != nil {
				return nil, fmt.Errorf("views: view %q: %w", name, err)
			}
			def.Filter = program
			def.HasFilter = true
		}
		defs[name] = def
	}
	return defs, nil
}

// Result is one computed view aggregation.
type Result struct {
	View       string       `json:"view"`
	Resource   string       `json:"resource"`
	Total      int          `json:"total"`
	Matched    int          `json:"matched"`
	Groups     []GroupCount `json:"groups,omitempty"`
	Score      *float64     `json:"score,omitempty"`
	Stale      bool         `json:"stale"`
	ComputedAt time.Time    `json:"computedAt"`
}

// Source supplies the cached collections views aggregate over.
type Source interface {
	Snapshot(ctx context.Context, resource string, params map[string]string) (query.Result, error)
}

// Service computes derived views over cached resources. Results are memoized
// per (view, params) against the underlying fetch timestamp: re-requesting a
// view whose input has not changed returns the previous aggregation without
// re-walking the collection.
type Service struct {
	source Source
	clock  clockwork.Clock
	logger *slog.Logger

	mu   sync.RWMutex
	defs map[string]Definition
	memo map[string]memoEntry
}

type memoEntry struct {
	fetchedAt time.Time
	result    Result
}

// NewService builds the view evaluator.
func NewService(defs map[string]Definition, source Source, clock clockwork.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	copied := make(map[string]Definition, len(defs))
	for name, def := range defs {
		copied[name] = def
	}
	return &Service{
		source: source,
		clock:  clock,
		logger: logger.With(slog.String("agent", "views")),
		defs:   copied,
		memo:   make(map[string]memoEntry),
	}
}

// Reload swaps the view definitions and drops every memoized result.
func (s *Service) Reload(defs map[string]Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = make(map[string]Definition, len(defs))
	for name, def := range defs {
		s.defs[name] = def
	}
	s.memo = make(map[string]memoEntry)
}

// Names lists the registered views sorted alphabetically.
func (s *Service) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.defs))
	for name := range s.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a view is registered.
func (s *Service) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.defs[name]
	return ok
}

// Compute resolves the named view against the current cached collection.
func (s *Service) Compute(ctx context.Context, name string, params map[string]string) (Result, error) {
	s.mu.RLock()
	def, ok := s.defs[name]
	s.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("views: unknown view %q", name)
	}

	snapshot, err := s.source.Snapshot(ctx, def.Resource, params)
	if err != nil {
		return Result{}, fmt.Errorf("views: view %q: %w", name, err)
	}
	if snapshot.Err != nil && snapshot.Data == nil {
		return Result{}, fmt.Errorf("views: view %q: %w", name, snapshot.Err)
	}

	memoKey := query.NewKey(name, params).String()
	s.mu.RLock()
	cached, hit := s.memo[memoKey]
	s.mu.RUnlock()
	if hit && cached.fetchedAt.Equal(snapshot.FetchedAt) {
		result := cached.result
		result.Stale = snapshot.Stale
		return result, nil
	}

	result, err := s.evaluate(def, snapshot.Data, params)
	if err != nil {
		return Result{}, err
	}
	result.Stale = snapshot.Stale

	s.mu.Lock()
	s.memo[memoKey] = memoEntry{fetchedAt: snapshot.FetchedAt, result: result}
	s.mu.Unlock()
	return result, nil
}

func (s *Service) evaluate(def Definition, raw json.RawMessage, params map[string]string) (Result, error) {
	items, err := decodeItems(raw)
	if err != nil {
		return Result{}, fmt.Errorf("views: view %q: %w", def.Name, err)
	}
	now := s.clock.Now()

	matched := items
	if def.HasFilter {
		matched = s.applyFilter(def, matched, params, now)
	}
	if def.Window > 0 && def.WindowField != "" {
		matched = WithinWindow(matched, def.WindowField, now, def.Window)
	}

	result := Result{
		View:       def.Name,
		Resource:   def.Resource,
		Total:      len(items),
		Matched:    len(matched),
		ComputedAt: now,
	}
	if def.GroupBy != "" {
		result.Groups = GroupCounts(matched, def.GroupBy)
	}
	if len(def.Weights) > 0 {
		score := AverageHealthScore(matched, def.Weights)
		result.Score = &score
	}
	return result, nil
}

// applyFilter drops items the CEL filter rejects. An item that makes the
// filter error is excluded rather than failing the whole aggregation.
func (s *Service) applyFilter(def Definition, items []Item, params map[string]string, now time.Time) []Item {
	paramVars := make(map[string]any, len(params))
	for k, v := range params {
		paramVars[k] = v
	}
	kept := make([]Item, 0, len(items))
	for _, item := range items {
		ok, err := def.Filter.EvalBool(map[string]any{
			"item":   item,
			"params": paramVars,
			"now":    now.Unix(),
		})
		if err != nil {
			s.logger.Debug("view filter rejected item",
				slog.String("view", def.Name),
				slog.Any("error", err))
			continue
		}
		if ok {
			kept = append(kept, item)
		}
	}
	return kept
}

// decodeItems accepts either a bare JSON array or an envelope object whose
// "items" or "data" member holds the array.
func decodeItems(raw json.RawMessage) ([]Item, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var items []Item
	if err := json.Unmarshal(raw, &items); err == nil {
		return items, nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode collection: %w", err)
	}
	for _, member := range []string{"items", "data", "results"} {
		inner, ok := envelope[member]
		if !ok {
			continue
		}
		if err := json.Unmarshal(inner, &items); err != nil {
			return nil, fmt.Errorf("decode collection member %q: %w", member, err)
		}
		return items, nil
	}
	return nil, fmt.Errorf("decode collection: neither array nor envelope")
}
