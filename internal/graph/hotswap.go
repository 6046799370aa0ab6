package graph

import (
	"io"
	"sync"
)

// HotSwapGraph is a thread-safe wrapper that allows swapping the underlying
// graph instance, e.g. when a source is re-ingested.
type HotSwapGraph struct {
	mu      sync.RWMutex
	current Graph
}

func NewHotSwapGraph(initial Graph) *HotSwapGraph {
	return &HotSwapGraph{current: initial}
}

// Swap atomically replaces the current graph. The previous graph is closed
// when it implements io.Closer.
func (h *HotSwapGraph) Swap(newGraph Graph) error {
	h.mu.Lock()
	old := h.current
	h.current = newGraph
	h.mu.Unlock()

	if closer, ok := old.(io.Closer); ok && old != newGraph {
		return closer.Close()
	}
	return nil
}

// Current returns the graph currently being served.
func (h *HotSwapGraph) Current() Graph {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// GetNode delegates to current graph.
func (h *HotSwapGraph) GetNode(path Path) (*Node, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current.GetNode(path)
}

// ListChildren delegates to current graph.
func (h *HotSwapGraph) ListChildren(path Path) ([]Segment, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current.ListChildren(path)
}

// CreateNode delegates to current graph when it is writable.
func (h *HotSwapGraph) CreateNode(parent Path, name string, props []Property) (Path, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	w, ok := h.current.(WritableGraph)
	if !ok {
		return Path{}, ErrReadOnly
	}
	return w.CreateNode(parent, name, props)
}

// SetProperties delegates to current graph when it is writable.
func (h *HotSwapGraph) SetProperties(path Path, set []Property, remove []string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	w, ok := h.current.(WritableGraph)
	if !ok {
		return ErrReadOnly
	}
	return w.SetProperties(path, set, remove)
}

// DeleteBranch delegates to current graph when it is writable.
func (h *HotSwapGraph) DeleteBranch(path Path) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	w, ok := h.current.(WritableGraph)
	if !ok {
		return ErrReadOnly
	}
	return w.DeleteBranch(path)
}
