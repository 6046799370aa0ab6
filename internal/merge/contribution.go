// Package merge combines what several sources say about one federated node
// into a single view, and records how that view was built.
package merge

import (
	"fmt"
	"iter"
	"time"

	"github.com/agentic-research/federa/internal/graph"
)

// NeverExpires is the expiration of a contribution that never goes stale.
var NeverExpires = time.Time{}

type contributionKind uint8

const (
	kindNormal contributionKind = iota
	kindEmpty
	kindPlaceholder
)

// Contribution is one source's answer for one federated node. It is
// immutable; all paths are in the federated namespace.
type Contribution struct {
	source     string
	workspace  string
	location   graph.Location
	expiration time.Time
	children   []graph.Location
	properties map[string]graph.Property
	kind       contributionKind
}

// NewContribution records what source returned for location. Expiration is
// normalized to UTC; pass NeverExpires for results that never go stale.
func NewContribution(source, workspace string, location graph.Location, expiration time.Time,
	properties map[string]graph.Property, children []graph.Location) *Contribution {
	c := &Contribution{
		source:     source,
		workspace:  workspace,
		location:   location,
		expiration: expiration.UTC(),
		children:   append([]graph.Location(nil), children...),
		properties: make(map[string]graph.Property, len(properties)),
	}
	if expiration.IsZero() {
		c.expiration = NeverExpires
	}
	for name, p := range properties {
		c.properties[name] = p
	}
	return c
}

// NewEmptyContribution records that source was consulted and has nothing
// at this node.
func NewEmptyContribution(source, workspace string, expiration time.Time) *Contribution {
	c := &Contribution{source: source, workspace: workspace, kind: kindEmpty}
	if !expiration.IsZero() {
		c.expiration = expiration.UTC()
	}
	return c
}

// NewPlaceholderContribution describes a federated node that exists only
// because projections are mounted below it. It has children and nothing else.
func NewPlaceholderContribution(source, workspace string, location graph.Location, children []graph.Location) *Contribution {
	return &Contribution{
		source:    source,
		workspace: workspace,
		location:  location,
		children:  append([]graph.Location(nil), children...),
		kind:      kindPlaceholder,
	}
}

func (c *Contribution) SourceName() string       { return c.source }
func (c *Contribution) WorkspaceName() string    { return c.workspace }
func (c *Contribution) Location() graph.Location { return c.location }
func (c *Contribution) IsEmpty() bool            { return c.kind == kindEmpty }
func (c *Contribution) IsPlaceholder() bool      { return c.kind == kindPlaceholder }

// ExpirationTimeInUTC returns when the contribution goes stale, or
// NeverExpires.
func (c *Contribution) ExpirationTimeInUTC() time.Time { return c.expiration }

// IsExpired reports whether the contribution expired at or before now.
func (c *Contribution) IsExpired(now time.Time) bool {
	return !c.expiration.IsZero() && !c.expiration.After(now)
}

// ChildCount is the number of children.
func (c *Contribution) ChildCount() int { return len(c.children) }

// Children yields the children in order.
func (c *Contribution) Children() iter.Seq[graph.Location] {
	return func(yield func(graph.Location) bool) {
		for _, child := range c.children {
			if !yield(child) {
				return
			}
		}
	}
}

// Properties yields every property, ordered by name.
func (c *Contribution) Properties() iter.Seq2[string, graph.Property] {
	return func(yield func(string, graph.Property) bool) {
		for _, name := range graph.SortedNames(c.properties) {
			if !yield(name, c.properties[name]) {
				return
			}
		}
	}
}

// PropertyCount is the number of properties.
func (c *Contribution) PropertyCount() int { return len(c.properties) }

// Property returns the named property.
func (c *Contribution) Property(name string) (graph.Property, bool) {
	p, ok := c.properties[name]
	return p, ok
}

func (c *Contribution) String() string {
	switch c.kind {
	case kindEmpty:
		return fmt.Sprintf("empty contribution from %s:%s", c.source, c.workspace)
	case kindPlaceholder:
		return fmt.Sprintf("placeholder %s from %s:%s", c.location.Path, c.source, c.workspace)
	}
	return fmt.Sprintf("contribution %s from %s:%s (%d properties, %d children)",
		c.location.Path, c.source, c.workspace, len(c.properties), len(c.children))
}
