// Package connector adapts graph stores into request handlers and source
// connections.
package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/agentic-research/federa/internal/graph"
	"github.com/agentic-research/federa/internal/logging"
	"github.com/agentic-research/federa/internal/request"
)

// ErrUnknownWorkspace is attached when a request names a workspace the
// source does not serve.
var ErrUnknownWorkspace = errors.New("unknown workspace")

// GraphHandler executes requests against one graph per workspace. Read
// results expire TTL after they were read; a zero TTL never expires.
type GraphHandler struct {
	Graphs           map[string]graph.Graph
	DefaultWorkspace string
	TTL              time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewGraphHandler serves g as the only (default) workspace.
func NewGraphHandler(workspace string, g graph.Graph, ttl time.Duration) *GraphHandler {
	return &GraphHandler{
		Graphs:           map[string]graph.Graph{workspace: g},
		DefaultWorkspace: workspace,
		TTL:              ttl,
	}
}

func (h *GraphHandler) graphFor(workspace string) (graph.Graph, error) {
	if workspace == "" {
		workspace = h.DefaultWorkspace
	}
	g, ok := h.Graphs[workspace]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkspace, workspace)
	}
	return g, nil
}

func (h *GraphHandler) writableFor(workspace string) (graph.WritableGraph, error) {
	g, err := h.graphFor(workspace)
	if err != nil {
		return nil, err
	}
	w, ok := g.(graph.WritableGraph)
	if !ok {
		return nil, graph.ErrReadOnly
	}
	return w, nil
}

func (h *GraphHandler) expiration() time.Time {
	if h.TTL <= 0 {
		return time.Time{}
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	return now().UTC().Add(h.TTL)
}

// notFound builds a PathNotFoundError for path, walking up to the deepest
// ancestor that exists in g.
func notFound(g graph.Graph, loc graph.Location) error {
	lowest := loc.Path.Parent()
	for !lowest.IsRoot() {
		if _, err := g.GetNode(lowest); err == nil {
			break
		}
		lowest = lowest.Parent()
	}
	return &request.PathNotFoundError{Location: loc, LowestExisting: lowest}
}

func (h *GraphHandler) getNode(ctx context.Context, workspace string, loc graph.Location) (graph.Graph, *graph.Node, error) {
	g, err := h.graphFor(workspace)
	if err != nil {
		return nil, nil, err
	}
	node, err := g.GetNode(loc.Path)
	if errors.Is(err, graph.ErrNotFound) {
		logr.FromContextOrDiscard(ctx).V(logging.TRACE).Info("node not found", "path", loc.Path.String())
		return g, nil, notFound(g, loc)
	}
	if err != nil {
		return g, nil, fmt.Errorf("read %s: %w", loc.Path, err)
	}
	return g, node, nil
}

func (h *GraphHandler) ReadNode(ctx context.Context, r *request.ReadNode) error {
	_, node, err := h.getNode(ctx, r.WorkspaceName(), r.At)
	if err != nil {
		return err
	}
	r.SetNode(node, h.expiration())
	return nil
}

func (h *GraphHandler) ReadAllChildren(ctx context.Context, r *request.ReadAllChildren) error {
	_, node, err := h.getNode(ctx, r.WorkspaceName(), r.Of)
	if err != nil {
		return err
	}
	r.Actual = node.Location
	r.Children = node.Children
	r.Expiration = h.expiration()
	return nil
}

func (h *GraphHandler) ReadAllProperties(ctx context.Context, r *request.ReadAllProperties) error {
	_, node, err := h.getNode(ctx, r.WorkspaceName(), r.Of)
	if err != nil {
		return err
	}
	r.Actual = node.Location
	r.Properties = node.Properties
	r.Expiration = h.expiration()
	return nil
}

func (h *GraphHandler) VerifyNodeExists(ctx context.Context, r *request.VerifyNodeExists) error {
	_, node, err := h.getNode(ctx, r.WorkspaceName(), r.At)
	if err != nil {
		return err
	}
	r.Actual = node.Location
	r.Exists = true
	r.Expiration = h.expiration()
	return nil
}

func (h *GraphHandler) CreateNode(ctx context.Context, r *request.CreateNode) error {
	w, err := h.writableFor(r.WorkspaceName())
	if err != nil {
		return err
	}
	path, err := w.CreateNode(r.Under.Path, r.Name, r.Properties)
	if errors.Is(err, graph.ErrNotFound) {
		return notFound(w, r.Under)
	}
	if err != nil {
		return fmt.Errorf("create %s under %s: %w", r.Name, r.Under.Path, err)
	}
	r.Actual = graph.At(path)
	logr.FromContextOrDiscard(ctx).V(logging.DEBUG).Info("created node", "path", path.String())
	return nil
}

func (h *GraphHandler) UpdateProperties(ctx context.Context, r *request.UpdateProperties) error {
	w, err := h.writableFor(r.WorkspaceName())
	if err != nil {
		return err
	}
	err = w.SetProperties(r.On.Path, r.Set, r.Remove)
	if errors.Is(err, graph.ErrNotFound) {
		return notFound(w, r.On)
	}
	if err != nil {
		return fmt.Errorf("update %s: %w", r.On.Path, err)
	}
	r.Actual = r.On
	logr.FromContextOrDiscard(ctx).V(logging.DEBUG).Info("updated properties", "path", r.On.Path.String())
	return nil
}

func (h *GraphHandler) DeleteBranch(ctx context.Context, r *request.DeleteBranch) error {
	w, err := h.writableFor(r.WorkspaceName())
	if err != nil {
		return err
	}
	err = w.DeleteBranch(r.At.Path)
	if errors.Is(err, graph.ErrNotFound) {
		return notFound(w, r.At)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", r.At.Path, err)
	}
	r.Actual = r.At
	logr.FromContextOrDiscard(ctx).V(logging.DEBUG).Info("deleted branch", "path", r.At.Path.String())
	return nil
}
