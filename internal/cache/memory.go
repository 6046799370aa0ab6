package cache

import (
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/agentic-research/federa/internal/graph"
	"github.com/agentic-research/federa/internal/merge"
)

type memEntry struct {
	workspace string
	path      graph.Path
	plan      *merge.Plan
}

// MemoryStore is a Store held in process memory. Each entry gets a numeric
// id; a roaring bitmap per source records which entries it contributed to.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   uint32
	ids      map[string]uint32 // workspace + path key → id
	entries  map[uint32]*memEntry
	bySource map[string]*roaring.Bitmap
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ids:      make(map[string]uint32),
		entries:  make(map[uint32]*memEntry),
		bySource: make(map[string]*roaring.Bitmap),
	}
}

func entryKey(workspace string, path graph.Path) string {
	return workspace + "\x00" + path.Key()
}

func (s *MemoryStore) Get(workspace string, path graph.Path) (*merge.Plan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[entryKey(workspace, path)]
	if !ok {
		return nil, false
	}
	return s.entries[id].plan, true
}

func (s *MemoryStore) Put(workspace string, path graph.Path, plan *merge.Plan) {
	if plan == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entryKey(workspace, path)
	if old, ok := s.ids[key]; ok {
		s.removeLocked(old)
	}
	s.nextID++
	id := s.nextID
	s.ids[key] = id
	s.entries[id] = &memEntry{workspace: workspace, path: path, plan: plan}
	for _, src := range sources(plan) {
		bm, ok := s.bySource[src]
		if !ok {
			bm = roaring.New()
			s.bySource[src] = bm
		}
		bm.Add(id)
	}
}

func (s *MemoryStore) Invalidate(workspace string, path graph.Path) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.workspace == workspace && e.path.IsAtOrBelow(path) {
			s.removeLocked(id)
		}
	}
}

func (s *MemoryStore) InvalidateSource(source string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	bm, ok := s.bySource[source]
	if !ok {
		return 0
	}
	n := 0
	for _, id := range bm.ToArray() {
		if _, live := s.entries[id]; live {
			s.removeLocked(id)
			n++
		}
	}
	delete(s.bySource, source)
	return n
}

// Len returns the number of cached plans.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// removeLocked must be called with s.mu held.
func (s *MemoryStore) removeLocked(id uint32) {
	e, ok := s.entries[id]
	if !ok {
		return
	}
	delete(s.entries, id)
	delete(s.ids, entryKey(e.workspace, e.path))
	for _, src := range sources(e.plan) {
		if bm, ok := s.bySource[src]; ok {
			bm.Remove(id)
			if bm.IsEmpty() {
				delete(s.bySource, src)
			}
		}
	}
}
