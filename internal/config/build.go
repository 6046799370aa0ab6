package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/go-logr/logr"

	"github.com/agentic-research/federa/api"
	"github.com/agentic-research/federa/internal/cache"
	"github.com/agentic-research/federa/internal/connector"
	"github.com/agentic-research/federa/internal/federation"
	"github.com/agentic-research/federa/internal/graph"
	"github.com/agentic-research/federa/internal/ingest"
	"github.com/agentic-research/federa/internal/logging"
	"github.com/agentic-research/federa/internal/merge"
	"github.com/agentic-research/federa/internal/projection"
)

// Options adjust Build beyond what the file says.
type Options struct {
	// BaseDir resolves relative source and plan store paths.
	BaseDir string
	Logger  logr.Logger
	// PlanStore overrides the repository plan_store when set.
	PlanStore string
	// AwaitAllSubtasks forces await-all joining when true.
	AwaitAllSubtasks bool
	Executor         federation.Executor
}

// Runtime is a built repository together with the sources behind it.
type Runtime struct {
	Repository *federation.Repository
	Factory    *connector.Factory

	baseDir  string
	logger   logr.Logger
	sources  map[string]api.Source
	swapping map[string]*graph.HotSwapGraph
	closers  []io.Closer
}

// Build opens every source of fed and assembles the repository.
func Build(ctx context.Context, fed *api.Federation, opts Options) (*Runtime, error) {
	rt := &Runtime{
		Factory:  connector.NewFactory(),
		baseDir:  opts.BaseDir,
		logger:   opts.Logger,
		sources:  make(map[string]api.Source, len(fed.Sources)),
		swapping: make(map[string]*graph.HotSwapGraph),
	}
	ok := false
	defer func() {
		if !ok {
			_ = rt.closeSources() // safe to ignore
		}
	}()

	for _, s := range fed.Sources {
		g, err := rt.open(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", s.Name, err)
		}
		rt.sources[s.Name] = s
		rt.Factory.Register(s.Name, connector.NewGraphHandler(s.Workspace, g, sourceTTL(s)))
		rt.logger.V(logging.VERBOSE).Info("Opened source", "source", s.Name, "kind", s.Kind, "workspace", s.Workspace)
	}

	workspaces := make([]*federation.Workspace, 0, len(fed.Workspaces))
	for _, w := range fed.Workspaces {
		var projections []projection.Projection
		for _, p := range w.Projections {
			sourceWS := p.Workspace
			if sourceWS == "" {
				sourceWS = rt.sources[p.Source].Workspace
			}
			proj, err := projection.New(p.Source, sourceWS, p.ReadOnly, p.Rules...)
			if err != nil {
				return nil, fmt.Errorf("workspace %s: %w", w.Name, err)
			}
			projections = append(projections, proj)
		}
		ws, err := federation.NewWorkspace(w.Name, projections...)
		if err != nil {
			return nil, err
		}
		workspaces = append(workspaces, ws)
	}

	store, err := rt.planStore(fed.Repository, opts)
	if err != nil {
		return nil, err
	}
	repo, err := federation.NewRepository(federation.Config{
		Name:             fed.Repository.Name,
		Workspaces:       workspaces,
		DefaultWorkspace: fed.Repository.DefaultWorkspace,
		Factory:          rt.Factory,
		Executor:         opts.Executor,
		Cache:            store,
		Strategy:         merge.NewSelectingStrategy(!fed.Repository.KeepDuplicateProperties),
		AwaitAllSubtasks: fed.Repository.AwaitAllSubtasks || opts.AwaitAllSubtasks,
		Logger:           opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	rt.Repository = repo
	ok = true
	return rt, nil
}

func (rt *Runtime) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || rt.baseDir == "" {
		return path
	}
	return filepath.Join(rt.baseDir, path)
}

func (rt *Runtime) planStore(repo api.Repository, opts Options) (cache.Store, error) {
	path := repo.PlanStore
	if opts.PlanStore != "" {
		path = opts.PlanStore
	}
	if path == "" {
		return cache.NewMemoryStore(), nil
	}
	s, err := cache.OpenSQLiteStore(rt.resolve(path), rt.logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, s)
	return s, nil
}

// open builds the graph of one source. Loaded snapshots sit behind a
// HotSwapGraph so Reload can replace them.
func (rt *Runtime) open(ctx context.Context, s api.Source) (graph.Graph, error) {
	switch s.Kind {
	case api.SourceSQLite:
		g, err := graph.OpenSQLiteGraph(rt.resolve(s.Path))
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, g)
		return g, nil
	case api.SourceMemory:
		return graph.NewMemoryStore(), nil
	}
	g, err := rt.load(ctx, s)
	if err != nil {
		return nil, err
	}
	hs := graph.NewHotSwapGraph(g)
	rt.swapping[s.Name] = hs
	return hs, nil
}

// load reads a snapshot of a file-backed source.
func (rt *Runtime) load(ctx context.Context, s api.Source) (graph.Graph, error) {
	path := rt.resolve(s.Path)
	switch s.Kind {
	case api.SourceGit:
		return ingest.LoadGitGraph(ctx, path)
	case api.SourceJSON:
		return ingest.LoadJSONGraph(path, s.Selector)
	case api.SourceSQLiteResults:
		g := graph.NewMemoryStore()
		if _, err := ingest.ImportSQLiteResults(logr.NewContext(ctx, rt.logger), path, g); err != nil {
			return nil, err
		}
		return g, nil
	}
	return nil, fmt.Errorf("%w: source %q of kind %s cannot be loaded", ErrInvalid, s.Name, s.Kind)
}

// Reload reads a fresh snapshot of a file-backed source, swaps it in and
// drops the cached plans it contributed to. It returns the number of plans
// dropped.
func (rt *Runtime) Reload(ctx context.Context, source string) (int, error) {
	hs, ok := rt.swapping[source]
	if !ok {
		if _, known := rt.sources[source]; known {
			return 0, fmt.Errorf("source %s cannot be reloaded", source)
		}
		return 0, fmt.Errorf("%w: %q", connector.ErrUnknownSource, source)
	}
	g, err := rt.load(ctx, rt.sources[source])
	if err != nil {
		return 0, fmt.Errorf("reload %s: %w", source, err)
	}
	if err := hs.Swap(g); err != nil {
		return 0, fmt.Errorf("reload %s: %w", source, err)
	}
	n := rt.Repository.RefreshSource(source)
	rt.logger.V(logging.DEFAULT).Info("Reloaded source", "source", source, "plans", n)
	return n, nil
}

// Reloadable lists the sources Reload accepts, by name.
func (rt *Runtime) Reloadable() []string {
	names := make([]string, 0, len(rt.swapping))
	for name := range rt.swapping {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close shuts the repository down and closes the stores behind it.
func (rt *Runtime) Close() error {
	if rt.Repository != nil {
		rt.Repository.Shutdown()
	}
	return rt.closeSources()
}

func (rt *Runtime) closeSources() error {
	var errs []error
	for _, c := range rt.closers {
		errs = append(errs, c.Close())
	}
	rt.closers = nil
	return errors.Join(errs...)
}
