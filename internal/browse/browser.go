// Package browse gives the outer surfaces (NFS, MCP, CLI) a plain read API
// over a federated repository. Every call opens its own connection, so a
// Browser may be shared between goroutines.
package browse

import (
	"context"
	"fmt"

	"github.com/agentic-research/federa/internal/federation"
	"github.com/agentic-research/federa/internal/graph"
	"github.com/agentic-research/federa/internal/request"
)

// Reader is the read surface consumers depend on.
type Reader interface {
	ReadNode(ctx context.Context, path graph.Path) (*graph.Node, error)
	ListChildren(ctx context.Context, path graph.Path) ([]graph.Location, error)
}

// Browser reads one workspace of a repository.
type Browser struct {
	repo      *federation.Repository
	workspace string
}

// New returns a Browser over workspace; "" is the repository default.
func New(repo *federation.Repository, workspace string) *Browser {
	return &Browser{repo: repo, workspace: workspace}
}

// ReadNode returns the merged node at path. Absence is reported as a
// *request.PathNotFoundError.
func (b *Browser) ReadNode(ctx context.Context, path graph.Path) (*graph.Node, error) {
	var r *request.ReadNode
	err := b.execute(ctx, func(ws string) request.Request {
		r = request.NewReadNode(ws, path)
		return r
	})
	if err != nil {
		return nil, err
	}
	return r.Node(), nil
}

// ListChildren returns the ordered children of the node at path.
func (b *Browser) ListChildren(ctx context.Context, path graph.Path) ([]graph.Location, error) {
	var r *request.ReadAllChildren
	err := b.execute(ctx, func(ws string) request.Request {
		r = request.NewReadAllChildren(ws, path)
		return r
	})
	if err != nil {
		return nil, err
	}
	return r.Children, nil
}

func (b *Browser) execute(ctx context.Context, build func(workspace string) request.Request) error {
	conn, err := b.repo.Connect(ctx, b.workspace)
	if err != nil {
		return fmt.Errorf("browse: %w", err)
	}
	defer func() { _ = conn.Close() }() // safe to ignore

	r := build(conn.WorkspaceName())
	if err := conn.Execute(ctx, r); err != nil {
		return err
	}
	if r.IsCancelled() && !r.HasError() {
		return context.Canceled
	}
	return r.Error()
}

var _ Reader = (*Browser)(nil)
