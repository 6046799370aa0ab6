package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("node not found")
	ErrReadOnly = errors.New("graph is read-only")
)

// Location identifies a node by path and, when known, by identity.
type Location struct {
	Path Path
	UUID uuid.UUID
}

// At is shorthand for a Location without identity.
func At(p Path) Location { return Location{Path: p} }

func (l Location) HasUUID() bool { return l.UUID != uuid.Nil }

func (l Location) String() string {
	if l.HasUUID() {
		return fmt.Sprintf("%s <%s>", l.Path, l.UUID)
	}
	return l.Path.String()
}

// Node is the caller-visible view of one node: its properties and its
// ordered children.
type Node struct {
	Location   Location
	Properties map[string]Property
	Children   []Location
}

// Property returns the named property.
func (n *Node) Property(name string) (Property, bool) {
	p, ok := n.Properties[name]
	return p, ok
}

// Graph is the read contract every backing source offers.
// Paths are in the source's own namespace.
type Graph interface {
	GetNode(path Path) (*Node, error)
	ListChildren(path Path) ([]Segment, error)
}

// WritableGraph is implemented by sources that accept mutations.
type WritableGraph interface {
	Graph
	// CreateNode appends a child named name under parent and returns its path.
	// A same-name sibling index is assigned when name is already taken.
	CreateNode(parent Path, name string, props []Property) (Path, error)
	// SetProperties sets the given properties and removes the named ones.
	SetProperties(path Path, set []Property, remove []string) error
	// DeleteBranch removes the node and everything below it.
	DeleteBranch(path Path) error
}

// SortedNames returns the property names in ascending order.
func SortedNames(props map[string]Property) []string {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// -----------------------------------------------------------------------------
// In-memory graph
// -----------------------------------------------------------------------------

type memNode struct {
	path     Path
	uuid     uuid.UUID
	props    map[string]Property
	children []Segment // in insertion order, indexes normalized
}

// MemoryStore is a mutable in-memory graph. The root always exists.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]*memNode // Path.Key() → node
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: map[string]*memNode{
			"/": {path: RootPath(), props: map[string]Property{}},
		},
	}
}

// Put creates or replaces the properties of the node at path, creating any
// missing ancestors on the way.
func (s *MemoryStore) Put(path Path, props ...Property) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.ensure(path)
	n.props = make(map[string]Property, len(props))
	for _, p := range props {
		n.props[p.Name] = p
	}
}

// AddChild appends a child under parent (which must exist) and returns its path.
func (s *MemoryStore) AddChild(parent Path, name string, props ...Property) (Path, error) {
	return s.CreateNode(parent, name, props)
}

// ensure must be called with s.mu held.
func (s *MemoryStore) ensure(path Path) *memNode {
	if n, ok := s.nodes[path.Key()]; ok {
		return n
	}
	parent := s.ensure(path.Parent())
	last, _ := path.Last()
	n := &memNode{path: path, props: map[string]Property{}}
	s.nodes[path.Key()] = n
	parent.children = append(parent.children, last)
	s.renumber(parent, last.Name)
	return n
}

// renumber normalizes same-name-sibling indexes of name under parent and
// re-keys the subtrees whose canonical path changed.
// Must be called with s.mu held.
func (s *MemoryStore) renumber(parent *memNode, name string) {
	count := 0
	for _, c := range parent.children {
		if c.Name == name {
			count++
		}
	}
	next := 1
	for i, c := range parent.children {
		if c.Name != name {
			continue
		}
		want := NoIndex
		if count > 1 {
			want = next
		}
		next++
		if c.Index == want {
			continue
		}
		oldPath := parent.path.Child(c)
		newPath := parent.path.Child(Segment{Name: name, Index: want})
		parent.children[i] = Segment{Name: name, Index: want}
		if oldPath.Key() != newPath.Key() {
			s.rekey(oldPath, newPath)
		} else if n, ok := s.nodes[oldPath.Key()]; ok {
			n.path = newPath
		}
	}
}

// rekey moves every node at or below from to the same relative position under to.
func (s *MemoryStore) rekey(from, to Path) {
	moved := make(map[string]*memNode)
	for key, n := range s.nodes {
		rel, ok := n.path.Relative(from)
		if !ok {
			continue
		}
		delete(s.nodes, key)
		n.path = to.Resolve(rel)
		moved[n.path.Key()] = n
	}
	for key, n := range moved {
		s.nodes[key] = n
	}
}

// SetUUID assigns an identity to an existing node.
func (s *MemoryStore) SetUUID(path Path, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path.Key()]
	if !ok {
		return ErrNotFound
	}
	n.uuid = id
	return nil
}

// GetNode implements Graph.
func (s *MemoryStore) GetNode(path Path) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[path.Key()]
	if !ok {
		return nil, ErrNotFound
	}
	out := &Node{
		Location:   Location{Path: n.path, UUID: n.uuid},
		Properties: make(map[string]Property, len(n.props)),
		Children:   make([]Location, 0, len(n.children)),
	}
	for name, p := range n.props {
		out.Properties[name] = p
	}
	for _, c := range n.children {
		child := s.nodes[n.path.Child(c).Key()]
		loc := Location{Path: n.path.Child(c)}
		if child != nil {
			loc.UUID = child.uuid
		}
		out.Children = append(out.Children, loc)
	}
	return out, nil
}

// ListChildren implements Graph.
func (s *MemoryStore) ListChildren(path Path) ([]Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[path.Key()]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Segment, len(n.children))
	copy(out, n.children)
	return out, nil
}

// CreateNode implements WritableGraph.
func (s *MemoryStore) CreateNode(parent Path, name string, props []Property) (Path, error) {
	if name == "" {
		return Path{}, fmt.Errorf("create under %s: empty name", parent)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.nodes[parent.Key()]
	if !ok {
		return Path{}, ErrNotFound
	}
	p.children = append(p.children, Segment{Name: name})
	n := &memNode{props: make(map[string]Property, len(props))}
	for _, prop := range props {
		n.props[prop.Name] = prop
	}
	// The new child is last among its same-name siblings; register it under a
	// temporary index so renumber can place it.
	siblings := 0
	for _, c := range p.children {
		if c.Name == name {
			siblings++
		}
	}
	tmp := Segment{Name: name, Index: siblings}
	if siblings == 1 {
		tmp.Index = NoIndex
	}
	p.children[len(p.children)-1] = tmp
	n.path = p.path.Child(tmp)
	s.nodes[n.path.Key()] = n
	s.renumber(p, name)
	return n.path, nil
}

// SetProperties implements WritableGraph.
func (s *MemoryStore) SetProperties(path Path, set []Property, remove []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[path.Key()]
	if !ok {
		return ErrNotFound
	}
	for _, name := range remove {
		delete(n.props, name)
	}
	for _, p := range set {
		n.props[p.Name] = p
	}
	return nil
}

// DeleteBranch implements WritableGraph. The root cannot be deleted.
func (s *MemoryStore) DeleteBranch(path Path) error {
	if path.IsRoot() {
		return fmt.Errorf("delete %s: cannot delete the root", path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.nodes[path.Key()]
	if !ok {
		return ErrNotFound
	}
	for key, n := range s.nodes {
		if n.path.IsAtOrBelow(target.path) {
			delete(s.nodes, key)
		}
	}
	parent := s.nodes[target.path.Parent().Key()]
	last, _ := target.path.Last()
	kept := parent.children[:0]
	for _, c := range parent.children {
		if !c.Same(last) {
			kept = append(kept, c)
		}
	}
	parent.children = kept
	s.renumber(parent, last.Name)
	return nil
}

// Len returns the number of nodes, including the root.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}
