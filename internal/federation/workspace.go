package federation

import (
	"errors"
	"fmt"

	"github.com/agentic-research/federa/internal/graph"
	"github.com/agentic-research/federa/internal/projection"
)

// ErrUnknownWorkspace is returned by Connect for undeclared workspaces.
var ErrUnknownWorkspace = errors.New("unknown federated workspace")

// Workspace is one federated namespace assembled from projections. The
// projection order is the merge precedence order.
type Workspace struct {
	Name        string
	Projections []projection.Projection
}

// NewWorkspace validates and builds a workspace.
func NewWorkspace(name string, projections ...projection.Projection) (*Workspace, error) {
	if name == "" {
		return nil, fmt.Errorf("workspace: empty name")
	}
	if len(projections) == 0 {
		return nil, fmt.Errorf("workspace %s: no projections", name)
	}
	return &Workspace{Name: name, Projections: projections}, nil
}

// anchors reports whether the workspace itself vouches for path: it is the
// root of a projection rule or a placeholder above one.
func (w *Workspace) anchors(path graph.Path) bool {
	for i := range w.Projections {
		p := &w.Projections[i]
		if p.IsTopLevelPath(path) || len(p.ChildrenAbove(path)) > 0 {
			return true
		}
	}
	return false
}

// lowestExisting returns the deepest strict ancestor of path the workspace
// anchors. The root always counts.
func (w *Workspace) lowestExisting(path graph.Path) graph.Path {
	for p := path.Parent(); !p.IsRoot(); p = p.Parent() {
		if w.anchors(p) {
			return p
		}
	}
	return graph.RootPath()
}
