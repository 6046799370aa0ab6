// Package request defines the units of work exchanged between callers,
// the federation engine and the sources, plus the contracts that process
// them.
package request

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentic-research/federa/internal/graph"
)

// ErrUnsupportedRequest is attached when a handler does not know a request kind.
var ErrUnsupportedRequest = errors.New("unsupported request")

// Request is a mutable unit of work. Processors fill in results, attach
// errors, or observe cancellation; callers inspect the request afterwards.
type Request interface {
	Cancel()
	IsCancelled() bool
	SetError(err error)
	Error() error
	HasError() bool
	IsReadOnly() bool
	// WorkspaceName is the workspace the request targets ("" for the default).
	WorkspaceName() string
}

// Base carries the cancel flag, error slot and workspace shared by every
// request. It is safe for concurrent use.
type Base struct {
	Workspace string

	cancelled atomic.Bool
	mu        sync.Mutex
	err       error
}

func (b *Base) Cancel()               { b.cancelled.Store(true) }
func (b *Base) IsCancelled() bool     { return b.cancelled.Load() }
func (b *Base) WorkspaceName() string { return b.Workspace }

func (b *Base) SetError(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

func (b *Base) Error() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Base) HasError() bool { return b.Error() != nil }

// PathNotFoundError reports that no node exists at Location. LowestExisting
// is the deepest ancestor known to exist.
type PathNotFoundError struct {
	Location       graph.Location
	LowestExisting graph.Path
}

func (e *PathNotFoundError) Error() string {
	return fmt.Sprintf("path not found: %s (lowest existing %s)", e.Location.Path, e.LowestExisting)
}

// Unwrap lets errors.Is(err, graph.ErrNotFound) match.
func (e *PathNotFoundError) Unwrap() error { return graph.ErrNotFound }

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// ReadNode reads the properties and children of one node.
type ReadNode struct {
	Base
	At graph.Location

	Actual     graph.Location
	Properties map[string]graph.Property
	Children   []graph.Location
	// Expiration is when the result goes stale; zero means never.
	Expiration time.Time
}

func NewReadNode(workspace string, at graph.Path) *ReadNode {
	return &ReadNode{Base: Base{Workspace: workspace}, At: graph.At(at)}
}

func (r *ReadNode) IsReadOnly() bool { return true }

// SetNode copies node into the result fields.
func (r *ReadNode) SetNode(node *graph.Node, expiration time.Time) {
	r.Actual = node.Location
	r.Properties = node.Properties
	r.Children = node.Children
	r.Expiration = expiration
}

// Node returns the result as a graph node.
func (r *ReadNode) Node() *graph.Node {
	return &graph.Node{Location: r.Actual, Properties: r.Properties, Children: r.Children}
}

// ReadAllChildren reads only the ordered children of a node.
type ReadAllChildren struct {
	Base
	Of graph.Location

	Actual     graph.Location
	Children   []graph.Location
	Expiration time.Time
}

func NewReadAllChildren(workspace string, of graph.Path) *ReadAllChildren {
	return &ReadAllChildren{Base: Base{Workspace: workspace}, Of: graph.At(of)}
}

func (r *ReadAllChildren) IsReadOnly() bool { return true }

// ReadAllProperties reads only the properties of a node.
type ReadAllProperties struct {
	Base
	Of graph.Location

	Actual     graph.Location
	Properties map[string]graph.Property
	Expiration time.Time
}

func NewReadAllProperties(workspace string, of graph.Path) *ReadAllProperties {
	return &ReadAllProperties{Base: Base{Workspace: workspace}, Of: graph.At(of)}
}

func (r *ReadAllProperties) IsReadOnly() bool { return true }

// VerifyNodeExists checks that a node exists without reading it.
type VerifyNodeExists struct {
	Base
	At graph.Location

	Actual     graph.Location
	Exists     bool
	Expiration time.Time
}

func NewVerifyNodeExists(workspace string, at graph.Path) *VerifyNodeExists {
	return &VerifyNodeExists{Base: Base{Workspace: workspace}, At: graph.At(at)}
}

func (r *VerifyNodeExists) IsReadOnly() bool { return true }

// -----------------------------------------------------------------------------
// Writes
// -----------------------------------------------------------------------------

// CreateNode appends a child under Under.
type CreateNode struct {
	Base
	Under      graph.Location
	Name       string
	Properties []graph.Property

	Actual graph.Location
}

func NewCreateNode(workspace string, under graph.Path, name string, props ...graph.Property) *CreateNode {
	return &CreateNode{Base: Base{Workspace: workspace}, Under: graph.At(under), Name: name, Properties: props}
}

func (r *CreateNode) IsReadOnly() bool { return false }

// UpdateProperties sets and removes properties on one node.
type UpdateProperties struct {
	Base
	On     graph.Location
	Set    []graph.Property
	Remove []string

	Actual graph.Location
}

func NewUpdateProperties(workspace string, on graph.Path, set []graph.Property, remove ...string) *UpdateProperties {
	return &UpdateProperties{Base: Base{Workspace: workspace}, On: graph.At(on), Set: set, Remove: remove}
}

func (r *UpdateProperties) IsReadOnly() bool { return false }

// DeleteBranch removes a node and its subtree.
type DeleteBranch struct {
	Base
	At graph.Location

	Actual graph.Location
}

func NewDeleteBranch(workspace string, at graph.Path) *DeleteBranch {
	return &DeleteBranch{Base: Base{Workspace: workspace}, At: graph.At(at)}
}

func (r *DeleteBranch) IsReadOnly() bool { return false }

// -----------------------------------------------------------------------------
// Composite
// -----------------------------------------------------------------------------

// Composite is an ordered batch of requests processed as one unit.
type Composite struct {
	Base
	Requests []Request
}

// NewComposite batches requests. Nested composites are flattened.
func NewComposite(requests ...Request) *Composite {
	c := &Composite{}
	for _, r := range requests {
		if nested, ok := r.(*Composite); ok {
			c.Requests = append(c.Requests, nested.Requests...)
			continue
		}
		c.Requests = append(c.Requests, r)
	}
	return c
}

// Len is the number of requests in the batch.
func (c *Composite) Len() int { return len(c.Requests) }

// Cancel cancels the batch and every request in it.
func (c *Composite) Cancel() {
	c.Base.Cancel()
	for _, r := range c.Requests {
		r.Cancel()
	}
}

// HasError reports an error on the batch or on any request in it.
func (c *Composite) HasError() bool { return c.Error() != nil }

// Error returns the batch error, or else the first request error.
func (c *Composite) Error() error {
	if err := c.Base.Error(); err != nil {
		return err
	}
	for _, r := range c.Requests {
		if err := r.Error(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Composite) IsReadOnly() bool {
	for _, r := range c.Requests {
		if !r.IsReadOnly() {
			return false
		}
	}
	return true
}

// Flatten returns the requests of a composite, or r itself.
func Flatten(r Request) []Request {
	if c, ok := r.(*Composite); ok {
		return c.Requests
	}
	return []Request{r}
}

// Kind names the request type for logs and metrics.
func Kind(r Request) string {
	switch r.(type) {
	case *ReadNode:
		return "read-node"
	case *ReadAllChildren:
		return "read-all-children"
	case *ReadAllProperties:
		return "read-all-properties"
	case *VerifyNodeExists:
		return "verify-node-exists"
	case *CreateNode:
		return "create-node"
	case *UpdateProperties:
		return "update-properties"
	case *DeleteBranch:
		return "delete-branch"
	case *Composite:
		return "composite"
	default:
		return "unknown"
	}
}
