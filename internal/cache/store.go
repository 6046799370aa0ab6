// Package cache keeps merge plans between requests so that reads can reuse
// the contributions that have not expired yet.
package cache

import (
	"github.com/agentic-research/federa/internal/graph"
	"github.com/agentic-research/federa/internal/merge"
)

// Store holds one merge plan per workspace and federated path. Stores are
// best effort: a failed lookup is a miss.
type Store interface {
	Get(workspace string, path graph.Path) (*merge.Plan, bool)
	Put(workspace string, path graph.Path, plan *merge.Plan)
	// Invalidate drops the plans at and below path.
	Invalidate(workspace string, path graph.Path)
	// InvalidateSource drops every plan with a contribution from source
	// and returns how many were dropped.
	InvalidateSource(source string) int
}

// NopStore never keeps anything.
type NopStore struct{}

func (NopStore) Get(string, graph.Path) (*merge.Plan, bool) { return nil, false }
func (NopStore) Put(string, graph.Path, *merge.Plan)        {}
func (NopStore) Invalidate(string, graph.Path)              {}
func (NopStore) InvalidateSource(string) int                { return 0 }

// sources lists the named sources that contributed to plan.
func sources(plan *merge.Plan) []string {
	var out []string
	for _, c := range plan.Contributions() {
		if c.SourceName() == "" || c.IsPlaceholder() {
			continue
		}
		out = append(out, c.SourceName())
	}
	return out
}
