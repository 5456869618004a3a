package modrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// sidecarFilenames are the recognized manifest-declaration files inside a
// module directory, in probe order.
var sidecarFilenames = []string{"module.yaml", "module.yml", "module.toml"}

// LoaderStrategy resolves a module id to an implementation factory.
// Strategies return ErrModuleNotFound (wrapped) when they simply don't
// know the module, letting the Loader fall through to the next strategy.
// Any other error means "found but broken" and aborts resolution.
type LoaderStrategy interface {
	// StrategyName identifies the strategy in logs and errors.
	StrategyName() string

	// Resolve maps a module id to a factory.
	Resolve(moduleID string) (ModuleFactory, error)
}

// BuiltinStrategy resolves module ids against factories compiled into the
// host binary. This is the installed-package convention: factories register
// under their canonical module id, and a "<id>.module" sub-path key is
// accepted as an alias.
type BuiltinStrategy struct {
	mu        sync.RWMutex
	factories map[string]ModuleFactory
}

// NewBuiltinStrategy creates an empty builtin factory registry.
func NewBuiltinStrategy() *BuiltinStrategy {
	return &BuiltinStrategy{factories: make(map[string]ModuleFactory)}
}

// StrategyName implements LoaderStrategy.
func (s *BuiltinStrategy) StrategyName() string { return "builtin" }

// Register binds a factory to a canonical module id.
func (s *BuiltinStrategy) Register(moduleID string, factory ModuleFactory) {
	s.mu.Lock()
	s.factories[canonicalID(moduleID)] = factory
	s.mu.Unlock()
}

// Resolve implements LoaderStrategy.
func (s *BuiltinStrategy) Resolve(moduleID string) (ModuleFactory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := canonicalID(moduleID)
	if factory, ok := s.factories[key]; ok {
		return factory, nil
	}
	if factory, ok := s.factories[key+".module"]; ok {
		return factory, nil
	}
	return nil, fmt.Errorf("%w: %s (builtin)", ErrModuleNotFound, moduleID)
}

// lookup resolves a factory by its registered name, used by search-path
// sidecars that reference a compiled-in factory.
func (s *BuiltinStrategy) lookup(name string) (ModuleFactory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	factory, ok := s.factories[canonicalID(name)]
	return factory, ok
}

// canonicalID normalizes a module id the way package names are normalized:
// lower-case with dashes folded to underscores.
func canonicalID(moduleID string) string {
	return strings.ReplaceAll(strings.ToLower(moduleID), "-", "_")
}

// SearchPathStrategy resolves module ids against configured on-disk search
// paths. A module lives in a directory named after the final dotted segment
// of its id and declares itself with a sidecar manifest file holding at
// least an "id" field; the sidecar's "factory" field names the compiled-in
// factory that implements it.
type SearchPathStrategy struct {
	name      string
	paths     []string
	factories interface {
		lookup(name string) (ModuleFactory, bool)
	}
}

// NewSearchPathStrategy creates a strategy scanning the given paths.
func NewSearchPathStrategy(name string, builtins *BuiltinStrategy, paths ...string) *SearchPathStrategy {
	return &SearchPathStrategy{name: name, paths: paths, factories: builtins}
}

// StrategyName implements LoaderStrategy.
func (s *SearchPathStrategy) StrategyName() string { return s.name }

// Resolve implements LoaderStrategy.
func (s *SearchPathStrategy) Resolve(moduleID string) (ModuleFactory, error) {
	segment := FinalSegment(moduleID)
	for _, path := range s.paths {
		dir := filepath.Join(path, segment)
		sidecar, err := readSidecar(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrModuleLoad, dir, err)
		}
		if sidecar.ID != moduleID {
			continue
		}
		factoryName := sidecar.Factory
		if factoryName == "" {
			// Directories without an explicit factory fall back to the
			// convention of a factory registered under the module id.
			factoryName = moduleID
		}
		factory, ok := s.factories.lookup(factoryName)
		if !ok {
			return nil, fmt.Errorf("%w: sidecar in %s names unknown factory %q",
				ErrModuleLoad, dir, factoryName)
		}
		return factory, nil
	}
	return nil, fmt.Errorf("%w: %s (%s)", ErrModuleNotFound, moduleID, s.name)
}

// sidecarDecl is the minimal shape of a sidecar manifest file.
type sidecarDecl struct {
	ID      string `yaml:"id" toml:"id"`
	Factory string `yaml:"factory" toml:"factory"`
}

// readSidecar parses the first recognized sidecar file in dir.
// Returns os.ErrNotExist when the directory holds no sidecar.
func readSidecar(dir string) (*sidecarDecl, error) {
	for _, name := range sidecarFilenames {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		decl := &sidecarDecl{}
		if strings.HasSuffix(name, ".toml") {
			if err := toml.Unmarshal(data, decl); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else {
			if err := yaml.Unmarshal(data, decl); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
		if decl.ID == "" {
			return nil, fmt.Errorf("sidecar %s has no id field", path)
		}
		return decl, nil
	}
	return nil, os.ErrNotExist
}

// readSidecarManifest parses a full manifest from a sidecar file, used to
// seed the ManifestStore from disk-discovered modules.
func readSidecarManifest(dir string) (*ModuleManifest, error) {
	for _, name := range sidecarFilenames {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		manifest := &ModuleManifest{}
		if strings.HasSuffix(name, ".toml") {
			if err := toml.Unmarshal(data, manifest); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else {
			if err := yaml.Unmarshal(data, manifest); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
		return manifest, nil
	}
	return nil, os.ErrNotExist
}

// defaultModuleDirs are the project-local directories probed by the last
// resolution strategy.
var defaultModuleDirs = []string{"modules", filepath.Join(".", "internal", "modules")}

// Loader maps module ids to validated implementation factories via an
// ordered strategy chain, caching resolutions by module id. The cache is
// shared process-wide state; Reload purges a single entry for hot-reload
// during development without touching already-instantiated instances.
type Loader struct {
	builtins   *BuiltinStrategy
	strategies []LoaderStrategy
	searchDirs []string
	logger     Logger

	mu    sync.Mutex
	cache map[string]ModuleFactory

	watcher *fsnotify.Watcher
}

// NewLoader creates a loader with the standard strategy order: builtin
// factories, then each configured search path, then the default
// project-local module directories.
func NewLoader(logger Logger, searchPaths ...string) *Loader {
	if logger == nil {
		logger = NopLogger{}
	}
	builtins := NewBuiltinStrategy()
	strategies := []LoaderStrategy{builtins}
	if len(searchPaths) > 0 {
		strategies = append(strategies, NewSearchPathStrategy("search-path", builtins, searchPaths...))
	}
	strategies = append(strategies, NewSearchPathStrategy("project-local", builtins, defaultModuleDirs...))

	return &Loader{
		builtins:   builtins,
		strategies: strategies,
		searchDirs: append(append([]string(nil), searchPaths...), defaultModuleDirs...),
		logger:     logger,
		cache:      make(map[string]ModuleFactory),
	}
}

// RegisterBuiltin registers a compiled-in module factory under its
// canonical module id.
func (l *Loader) RegisterBuiltin(moduleID string, factory ModuleFactory) {
	l.builtins.Register(moduleID, factory)
}

// Load resolves a module id to a validated factory. First matching
// strategy wins; the result is cached by module id. The produced
// implementation is checked against the Module contract before the factory
// is handed out, so instantiation never sees an invalid type.
func (l *Loader) Load(moduleID string) (ModuleFactory, error) {
	l.mu.Lock()
	if factory, ok := l.cache[moduleID]; ok {
		l.mu.Unlock()
		return factory, nil
	}
	l.mu.Unlock()

	var factory ModuleFactory
	for _, strategy := range l.strategies {
		resolved, err := strategy.Resolve(moduleID)
		if err != nil {
			if errors.Is(err, ErrModuleNotFound) {
				continue
			}
			return nil, err
		}
		l.logger.Debug("resolved module implementation",
			"module", moduleID, "strategy", strategy.StrategyName())
		factory = resolved
		break
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}

	if err := validateFactory(moduleID, factory); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[moduleID] = factory
	l.mu.Unlock()
	return factory, nil
}

// Instantiate resolves and constructs a module implementation.
func (l *Loader) Instantiate(moduleID string) (Module, error) {
	factory, err := l.Load(moduleID)
	if err != nil {
		return nil, err
	}
	value, err := safeConstruct(factory)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrModuleLoad, moduleID, err)
	}
	module, ok := value.(Module)
	if !ok {
		// validateFactory already vetted the type; a factory returning a
		// different type per call is itself a load error.
		return nil, fmt.Errorf("%w: %s: factory returned %T", ErrContractViolation, moduleID, value)
	}
	return module, nil
}

// Reload purges the cached factory for a module id so the next Load
// re-runs the strategy chain. Already-instantiated instances of the old
// implementation are unaffected.
func (l *Loader) Reload(moduleID string) {
	l.mu.Lock()
	delete(l.cache, moduleID)
	l.mu.Unlock()
	l.logger.Debug("purged loader cache", "module", moduleID)
}

// ListAvailable scans all search paths for directories declaring a sidecar
// manifest and returns their declared module ids, sorted.
func (l *Loader) ListAvailable() []string {
	seen := make(map[string]struct{})
	for _, root := range l.searchDirs {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			decl, err := readSidecar(filepath.Join(root, entry.Name()))
			if err != nil {
				continue
			}
			seen[decl.ID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DiscoverManifests parses full manifests from every sidecar found on the
// search paths, used to seed a ManifestStore from disk. Manifests that
// fail validation are skipped with a warning rather than aborting the scan.
func (l *Loader) DiscoverManifests() []*ModuleManifest {
	var out []*ModuleManifest
	seen := make(map[string]struct{})
	for _, root := range l.searchDirs {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			manifest, err := readSidecarManifest(filepath.Join(root, entry.Name()))
			if err != nil {
				continue
			}
			if err := manifest.Validate(); err != nil {
				l.logger.Warn("skipping invalid discovered manifest",
					"dir", filepath.Join(root, entry.Name()), "error", err)
				continue
			}
			if _, dup := seen[manifest.Key()]; dup {
				continue
			}
			seen[manifest.Key()] = struct{}{}
			out = append(out, manifest)
		}
	}
	return out
}

// WatchChanges starts an fsnotify watcher over the search paths and purges
// the factory cache for any module whose directory changes. This is a
// development aid; production deployments normally never call it. The
// watcher stops when ctx is done.
func (l *Loader) WatchChanges(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// fsnotify is not recursive, so watch each root plus its immediate
	// module directories.
	watched := 0
	for _, root := range l.searchDirs {
		if _, err := os.Stat(root); err != nil {
			continue
		}
		if err := watcher.Add(root); err != nil {
			l.logger.Warn("cannot watch module directory", "dir", root, "error", err)
			continue
		}
		watched++
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			if err := watcher.Add(filepath.Join(root, entry.Name())); err != nil {
				l.logger.Warn("cannot watch module directory",
					"dir", filepath.Join(root, entry.Name()), "error", err)
			}
		}
	}
	if watched == 0 {
		_ = watcher.Close()
		return nil
	}
	l.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				l.invalidateForPath(event.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("module watcher error", "error", err)
			}
		}
	}()
	return nil
}

// invalidateForPath purges cache entries whose final id segment matches
// the changed directory name.
func (l *Loader) invalidateForPath(path string) {
	segment := filepath.Base(filepath.Dir(path))
	if segment == "." || segment == "" {
		segment = filepath.Base(path)
	}
	l.mu.Lock()
	for id := range l.cache {
		if FinalSegment(id) == segment || FinalSegment(id) == filepath.Base(path) {
			delete(l.cache, id)
			l.logger.Debug("hot-reload invalidated module", "module", id, "path", path)
		}
	}
	l.mu.Unlock()
}

// moduleContractMethods are the operations the Module contract requires,
// used to report precisely which are missing from a broken implementation.
var moduleContractMethods = []string{"Name", "Description", "Initialize", "Shutdown"}

// validateFactory constructs one probe value and checks it against the
// Module contract, naming the missing operations. This runs before any
// factory is cached or any instance initialized.
func validateFactory(moduleID string, factory ModuleFactory) error {
	value, err := safeConstruct(factory)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrModuleLoad, moduleID, err)
	}
	if value == nil {
		return fmt.Errorf("%w: %s", ErrFactoryNil, moduleID)
	}
	if _, ok := value.(Module); ok {
		return nil
	}

	typ := reflect.TypeOf(value)
	var missing []string
	for _, name := range moduleContractMethods {
		if _, ok := typ.MethodByName(name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		// All names present but signatures differ.
		return fmt.Errorf("%w: %s: %T has mismatched method signatures",
			ErrContractViolation, moduleID, value)
	}
	return fmt.Errorf("%w: %s: %T is missing %s",
		ErrContractViolation, moduleID, value, strings.Join(missing, ", "))
}

// safeConstruct invokes a factory, converting panics in the module's
// defining code into load errors.
func safeConstruct(factory ModuleFactory) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panicked: %v", r)
		}
	}()
	return factory()
}
