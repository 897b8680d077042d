package config

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/k2so/catsync/internal/expr"
)

const inlineSourceName = "inline-config"

// DefinitionBundle captures the merged resource/view/mutation definitions
// after loading every configured source. The metadata explains what was loaded
// and why certain definitions were skipped.
type DefinitionBundle struct {
	Resources map[string]ResourceConfig
	Views     map[string]ViewConfig
	Mutations map[string]MutationConfig
	Sources   []string
	Skipped   []DefinitionSkip
}

type definitionDocument struct {
	Resources map[string]ResourceConfig `koanf:"resources"`
	Views     map[string]ViewConfig     `koanf:"views"`
	Mutations map[string]MutationConfig `koanf:"mutations"`
}

type definitionAggregator struct {
	resources       map[string]ResourceConfig
	resourceSources map[string]string

	views       map[string]ViewConfig
	viewSources map[string]string

	mutations       map[string]MutationConfig
	mutationSources map[string]string

	skips   map[string]*DefinitionSkip
	sources map[string]struct{}
}

func newDefinitionAggregator() *definitionAggregator {
	return &definitionAggregator{
		resources:       make(map[string]ResourceConfig),
		resourceSources: make(map[string]string),
		views:           make(map[string]ViewConfig),
		viewSources:     make(map[string]string),
		mutations:       make(map[string]MutationConfig),
		mutationSources: make(map[string]string),
		skips:           make(map[string]*DefinitionSkip),
		sources:         make(map[string]struct{}),
	}
}

func (a *definitionAggregator) addDocument(doc definitionDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for name, cfg := range doc.Resources {
		addDefinition(a, "resource", name, cfg, source, a.resources, a.resourceSources)
	}
	for name, cfg := range doc.Views {
		addDefinition(a, "view", name, cfg, source, a.views, a.viewSources)
	}
	for name, cfg := range doc.Mutations {
		addDefinition(a, "mutation", name, cfg, source, a.mutations, a.mutationSources)
	}
}

func addDefinition[T any](a *definitionAggregator, kind, name string, cfg T, source string, defs map[string]T, defSources map[string]string) {
	key := kind + "/" + name
	if existing, ok := a.skips[key]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := defSources[name]; ok {
		a.recordSkip(kind, name, "duplicate definition", prev, source)
		delete(defSources, name)
		delete(defs, name)
		return
	}
	defSources[name] = source
	defs[name] = cfg
}

func (a *definitionAggregator) recordSkip(kind, name, reason string, sources ...string) {
	key := kind + "/" + name
	if skip, ok := a.skips[key]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &DefinitionSkip{
		Kind:    kind,
		Name:    name,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.skips[key] = skip
}

// validateExpressions quarantines views whose CEL filters do not compile. Any
// later filter failure would surface mid-aggregation; catching it here keeps
// the runtime serving only views that can actually execute.
func (a *definitionAggregator) validateExpressions(env *expr.Environment) {
	for name, cfg := range a.views {
		filter := strings.TrimSpace(cfg.Filter)
		if filter == "" {
			continue
		}
		if _, err := env.Compile(filter); err != nil {
			source := a.viewSources[name]
			a.recordSkip("view", name, fmt.Sprintf("invalid filter expression: %v", err), source)
			delete(a.viewSources, name)
			delete(a.views, name)
		}
	}
}

// pruneInvalidReferences quarantines views and mutations that point at
// resources that never materialized. Recording the issue here gives health
// checks a precise diagnosis instead of a runtime lookup failure.
func (a *definitionAggregator) pruneInvalidReferences() {
	for name, cfg := range a.views {
		if cfg.Resource == "" {
			a.recordSkip("view", name, "missing resource reference", a.viewSources[name])
			delete(a.viewSources, name)
			delete(a.views, name)
			continue
		}
		if _, ok := a.resources[cfg.Resource]; !ok {
			a.recordSkip("view", name, fmt.Sprintf("missing resource dependency: %s", cfg.Resource), a.viewSources[name])
			delete(a.viewSources, name)
			delete(a.views, name)
		}
	}
	for name, cfg := range a.mutations {
		if err := validateMutation(cfg); err != nil {
			a.recordSkip("mutation", name, err.Error(), a.mutationSources[name])
			delete(a.mutationSources, name)
			delete(a.mutations, name)
		}
	}
}

func validateMutation(cfg MutationConfig) error {
	if strings.TrimSpace(cfg.Path) == "" {
		return fmt.Errorf("missing path")
	}
	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return nil
	default:
		return fmt.Errorf("unsupported method: %s", cfg.Method)
	}
}

func (a *definitionAggregator) bundle() DefinitionBundle {
	a.pruneInvalidReferences()
	resources := make(map[string]ResourceConfig, len(a.resources))
	maps.Copy(resources, a.resources)
	views := make(map[string]ViewConfig, len(a.views))
	maps.Copy(views, a.views)
	mutations := make(map[string]MutationConfig, len(a.mutations))
	maps.Copy(mutations, a.mutations)

	skipped := make([]DefinitionSkip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool {
		if skipped[i].Kind == skipped[j].Kind {
			return skipped[i].Name < skipped[j].Name
		}
		return skipped[i].Kind < skipped[j].Kind
	})
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return DefinitionBundle{
		Resources: resources,
		Views:     views,
		Mutations: mutations,
		Sources:   sources,
		Skipped:   skipped,
	}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func buildDefinitionBundle(ctx context.Context, inline definitionDocument, defsCfg DefinitionsConfig) (DefinitionBundle, error) {
	agg := newDefinitionAggregator()
	if len(inline.Resources) > 0 || len(inline.Views) > 0 || len(inline.Mutations) > 0 {
		agg.addDocument(inline, inlineSourceName)
	}

	files, err := collectDefinitionSources(ctx, defsCfg)
	if err != nil {
		return DefinitionBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return DefinitionBundle{}, ctx.Err()
		default:
		}
		doc, err := loadDefinitionDocument(path)
		if err != nil {
			return DefinitionBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return DefinitionBundle{}, err
	}
	agg.validateExpressions(env)
	return agg.bundle(), nil
}

func collectDefinitionSources(ctx context.Context, defsCfg DefinitionsConfig) ([]string, error) {
	if defsCfg.File != "" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := ensureFileExists(defsCfg.File); err != nil {
			return nil, err
		}
		return []string{defsCfg.File}, nil
	}
	if defsCfg.Folder == "" {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	stat, err := os.Stat(defsCfg.Folder)
	if err != nil {
		return nil, fmt.Errorf("config: definitions folder %s: %w", defsCfg.Folder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: definitions folder %s is not a directory", defsCfg.Folder)
	}
	var files []string
	err = filepath.WalkDir(defsCfg.Folder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !isSupportedDefinitionsFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk definitions folder %s: %w", defsCfg.Folder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: definitions file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: definitions file %s: expected a file, found directory", path)
	}
	return nil
}

func loadDefinitionDocument(path string) (definitionDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return definitionDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return definitionDocument{}, fmt.Errorf("config: load definitions from %s: %w", path, err)
	}
	var doc definitionDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return definitionDocument{}, fmt.Errorf("config: decode definitions from %s: %w", path, err)
	}
	if doc.Resources == nil {
		doc.Resources = make(map[string]ResourceConfig)
	}
	if doc.Views == nil {
		doc.Views = make(map[string]ViewConfig)
	}
	if doc.Mutations == nil {
		doc.Mutations = make(map[string]MutationConfig)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported definitions file extension %s", ext)
	}
}

func isSupportedDefinitionsFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func cloneResourceMap(in map[string]ResourceConfig) map[string]ResourceConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}

func cloneViewMap(in map[string]ViewConfig) map[string]ViewConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}

func cloneMutationMap(in map[string]MutationConfig) map[string]MutationConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
