// Package federation presents several sources as one hierarchical graph.
// A Connection forks each request into per-source projected requests,
// dispatches them concurrently while keeping per-source order, and joins
// and merges the answers back in submission order.
package federation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/agentic-research/federa/internal/cache"
	"github.com/agentic-research/federa/internal/graph"
	"github.com/agentic-research/federa/internal/logging"
	"github.com/agentic-research/federa/internal/merge"
	"github.com/agentic-research/federa/internal/metrics"
	"github.com/agentic-research/federa/internal/request"
)

// ErrShutdown is returned by Connect once the repository is shut down.
var ErrShutdown = errors.New("federated repository is shut down")

// Executor runs fork tasks. It is owned by whoever builds the repository.
type Executor interface {
	Submit(task func())
}

// GoExecutor runs every task on a new goroutine.
type GoExecutor struct{}

func (GoExecutor) Submit(task func()) { go task() }

// AbortFunc is called whenever an Execute call aborts, with the error that
// caused it (nil for cancellation). It is the place to roll back work the
// caller holds open.
type AbortFunc func(ctx context.Context, r request.Request, cause error)

// Config describes a federated repository.
type Config struct {
	Name             string
	Workspaces       []*Workspace
	DefaultWorkspace string
	Factory          request.ConnectionFactory

	// Optional; defaults are GoExecutor, cache.NopStore and a
	// SelectingStrategy that removes duplicate property values.
	Executor Executor
	Cache    cache.Store
	Strategy merge.Strategy

	// AwaitAllSubtasks makes Execute wait for every source to finish
	// before joining any result.
	AwaitAllSubtasks bool
	OnAbort          AbortFunc
	Logger           logr.Logger
}

// Repository is a federated repository: the workspaces, the sources behind
// them and the bookkeeping for open connections.
type Repository struct {
	name             string
	workspaces       map[string]*Workspace
	defaultWorkspace string
	factory          request.ConnectionFactory
	executor         Executor
	cache            cache.Store
	strategy         merge.Strategy
	awaitAllSubtasks bool
	onAbort          AbortFunc
	logger           logr.Logger

	open           atomic.Int64
	shutdown       atomic.Bool
	terminated     chan struct{}
	terminatedOnce sync.Once
}

// NewRepository validates cfg and builds the repository.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("federated repository: empty name")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("federated repository %s: no connection factory", cfg.Name)
	}
	if len(cfg.Workspaces) == 0 {
		return nil, fmt.Errorf("federated repository %s: no workspaces", cfg.Name)
	}
	r := &Repository{
		name:             cfg.Name,
		workspaces:       make(map[string]*Workspace, len(cfg.Workspaces)),
		defaultWorkspace: cfg.DefaultWorkspace,
		factory:          cfg.Factory,
		executor:         cfg.Executor,
		cache:            cfg.Cache,
		strategy:         cfg.Strategy,
		awaitAllSubtasks: cfg.AwaitAllSubtasks,
		onAbort:          cfg.OnAbort,
		logger:           cfg.Logger.WithValues("repository", cfg.Name),
		terminated:       make(chan struct{}),
	}
	for _, ws := range cfg.Workspaces {
		if _, dup := r.workspaces[ws.Name]; dup {
			return nil, fmt.Errorf("federated repository %s: duplicate workspace %s", cfg.Name, ws.Name)
		}
		r.workspaces[ws.Name] = ws
	}
	if r.defaultWorkspace == "" {
		r.defaultWorkspace = cfg.Workspaces[0].Name
	}
	if _, ok := r.workspaces[r.defaultWorkspace]; !ok {
		return nil, fmt.Errorf("federated repository %s: %w: %s", cfg.Name, ErrUnknownWorkspace, r.defaultWorkspace)
	}
	if r.executor == nil {
		r.executor = GoExecutor{}
	}
	if r.cache == nil {
		r.cache = cache.NopStore{}
	}
	if r.strategy == nil {
		r.strategy = merge.NewSelectingStrategy(true)
	}
	return r, nil
}

func (r *Repository) Name() string { return r.name }

// Connect opens a connection to workspace ("" for the default).
func (r *Repository) Connect(_ context.Context, workspace string) (*Connection, error) {
	if workspace == "" {
		workspace = r.defaultWorkspace
	}
	ws, ok := r.workspaces[workspace]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkspace, workspace)
	}
	if r.shutdown.Load() {
		return nil, ErrShutdown
	}
	n := r.open.Add(1)
	if r.shutdown.Load() {
		// Lost a race with Shutdown.
		r.release()
		return nil, ErrShutdown
	}
	metrics.SetOpenConnections(r.name, n)
	r.logger.V(logging.DEBUG).Info("Opened federated connection", "workspace", workspace, "open", n)
	return &Connection{
		repo:   r,
		ws:     ws,
		logger: r.logger.WithValues("workspace", workspace),
	}, nil
}

func (r *Repository) release() {
	n := r.open.Add(-1)
	metrics.SetOpenConnections(r.name, n)
	if n == 0 && r.shutdown.Load() {
		r.markTerminated()
	}
}

func (r *Repository) markTerminated() {
	r.terminatedOnce.Do(func() {
		close(r.terminated)
		r.logger.V(logging.VERBOSE).Info("Federated repository terminated")
	})
}

// Shutdown stops new connections. Open connections keep working until
// they are closed.
func (r *Repository) Shutdown() {
	if r.shutdown.Swap(true) {
		return
	}
	r.logger.V(logging.VERBOSE).Info("Shutting down federated repository", "open", r.open.Load())
	if r.open.Load() == 0 {
		r.markTerminated()
	}
}

func (r *Repository) IsShutdown() bool { return r.shutdown.Load() }

// IsTerminated reports whether the repository is shut down and every
// connection has been closed.
func (r *Repository) IsTerminated() bool {
	return r.shutdown.Load() && r.open.Load() == 0
}

// OpenConnections is the number of connections not yet closed.
func (r *Repository) OpenConnections() int64 { return r.open.Load() }

// AwaitTermination waits until the repository terminates, the timeout
// elapses or ctx ends. It reports whether the repository terminated.
func (r *Repository) AwaitTermination(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.terminated:
		return true
	case <-timer.C:
		return r.IsTerminated()
	case <-ctx.Done():
		return r.IsTerminated()
	}
}

// RefreshSource drops every cached plan that holds a contribution from
// source, so the next reads query it again. It returns the number dropped.
func (r *Repository) RefreshSource(source string) int {
	n := r.cache.InvalidateSource(source)
	r.logger.V(logging.DEBUG).Info("Refreshed source", "source", source, "plans", n)
	return n
}

// Invalidate drops the cached plans at and below path in workspace.
func (r *Repository) Invalidate(workspace string, path graph.Path) {
	if workspace == "" {
		workspace = r.defaultWorkspace
	}
	r.cache.Invalidate(workspace, path)
}

func (r *Repository) rollback(ctx context.Context, req request.Request, cause error) {
	if cause != nil {
		r.logger.V(logging.DEBUG).Info("Rolling back aborted request", "request", request.Kind(req), "cause", cause.Error())
	} else {
		r.logger.V(logging.DEBUG).Info("Rolling back cancelled request", "request", request.Kind(req))
	}
	if r.onAbort != nil {
		r.onAbort(ctx, req, cause)
	}
}
