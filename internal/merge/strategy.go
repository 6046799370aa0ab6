package merge

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/agentic-research/federa/internal/graph"
	"github.com/agentic-research/federa/internal/logging"
)

// UUIDProperty is the property a source uses to publish a node identity.
const UUIDProperty = "uuid"

// AnnotationUUID holds the identity generated for a node whose sources
// publish none, so it stays stable across merges.
const AnnotationUUID = "federa:uuid"

// FederatedNode is the mutable staging node a Strategy fills in.
type FederatedNode struct {
	Location   graph.Location
	Workspace  string
	Children   []graph.Location
	Properties map[string]graph.Property
	UUID       uuid.UUID
	// Plan is the plan of the previous merge on input, and the new plan on
	// output.
	Plan *Plan
}

// NewFederatedNode returns an empty shell for location.
func NewFederatedNode(workspace string, location graph.Location) *FederatedNode {
	return &FederatedNode{
		Location:   location,
		Workspace:  workspace,
		Properties: map[string]graph.Property{},
	}
}

// ToNode converts the staged node into the caller-visible form.
func (n *FederatedNode) ToNode() *graph.Node {
	loc := n.Location
	loc.UUID = n.UUID
	props := make(map[string]graph.Property, len(n.Properties))
	for name, p := range n.Properties {
		props[name] = p
	}
	return &graph.Node{
		Location:   loc,
		Properties: props,
		Children:   append([]graph.Location(nil), n.Children...),
	}
}

// Strategy combines contributions into a federated node in place and
// assigns it a new Plan.
type Strategy interface {
	Merge(ctx context.Context, node *FederatedNode, contributions []*Contribution)
}

// SimpleStrategy merges contributions in the order supplied: earlier
// contributions take precedence for identity and come first in child order
// and property value lists.
type SimpleStrategy struct {
	// RemoveDuplicateProperties drops a later value equal to one already
	// contributed for the same property.
	RemoveDuplicateProperties bool
}

func (s SimpleStrategy) Merge(ctx context.Context, node *FederatedNode, contributions []*Contribution) {
	previous := node.Plan
	node.Children = nil
	node.Properties = make(map[string]graph.Property)
	node.UUID = uuid.Nil

	// Number of children seen per name so far.
	seen := make(map[string]int)
	for _, c := range contributions {
		for child := range c.Children() {
			node.Children = appendChild(node.Location.Path, node.Children, seen, child)
		}
		for name, prop := range c.Properties() {
			if existing, ok := node.Properties[name]; ok {
				node.Properties[name] = s.mergeProperty(existing, prop)
			} else {
				node.Properties[name] = graph.Property{Name: name, Values: append([]any(nil), prop.Values...)}
			}
			if name == UUIDProperty && node.UUID == uuid.Nil {
				node.UUID = candidateUUID(prop)
			}
		}
	}

	node.Plan = NewPlan(contributions...)
	assignIdentity(node, previous)

	logr.FromContextOrDiscard(ctx).V(logging.TRACE).Info("merged node",
		"path", node.Location.Path.String(), "contributions", len(contributions),
		"children", len(node.Children), "properties", len(node.Properties))
}

// appendChild adds child under parent, giving it a same-name-sibling index
// when its name was seen before. The first sibling of a name is emitted
// without an index and patched to [1] once a second one shows up.
func appendChild(parent graph.Path, children []graph.Location, seen map[string]int, child graph.Location) []graph.Location {
	last, ok := child.Path.Last()
	if !ok {
		return children
	}
	name := last.Name
	count := seen[name]
	seg := graph.Segment{Name: name}
	if count > 0 {
		if count == 1 {
			// Repeated names tend to cluster, so search from the end.
			for i := len(children) - 1; i >= 0; i-- {
				prev, _ := children[i].Path.Last()
				if prev.Name == name && prev.Index == graph.NoIndex {
					children[i].Path = parent.Child(graph.Segment{Name: name, Index: 1})
					break
				}
			}
		}
		seg.Index = count + 1
	}
	seen[name] = count + 1
	return append(children, graph.Location{Path: parent.Child(seg), UUID: child.UUID})
}

func (s SimpleStrategy) mergeProperty(existing, next graph.Property) graph.Property {
	if existing.IsSingle() && next.IsSingle() && s.RemoveDuplicateProperties &&
		graph.ValuesEqual(existing.First(), next.First()) {
		return existing
	}
	values := append([]any(nil), existing.Values...)
	for _, v := range next.Values {
		if s.RemoveDuplicateProperties && containsValue(existing.Values, v) {
			continue
		}
		values = append(values, v)
	}
	return graph.Property{Name: existing.Name, Values: values}
}

func containsValue(values []any, v any) bool {
	for _, existing := range values {
		if graph.ValuesEqual(existing, v) {
			return true
		}
	}
	return false
}

// candidateUUID returns the identity published by a uuid property, or
// uuid.Nil when it is multi-valued or not convertible.
func candidateUUID(p graph.Property) uuid.UUID {
	if !p.IsSingle() {
		return uuid.Nil
	}
	id, err := graph.ToUUID(p.First())
	if err != nil {
		return uuid.Nil
	}
	return id
}

// assignIdentity gives a node without a published identity the one recorded
// by the previous merge, or a fresh one, and records it on the new plan.
func assignIdentity(node *FederatedNode, previous *Plan) {
	if node.UUID != uuid.Nil {
		return
	}
	if previous != nil {
		if a, ok := previous.Annotation(AnnotationUUID); ok {
			node.UUID = candidateUUID(a)
		}
	}
	if node.UUID == uuid.Nil {
		node.UUID = uuid.New()
	}
	node.Plan.SetAnnotation(AnnotationUUID, graph.NewProperty(AnnotationUUID, node.UUID))
}

// OneContributionStrategy copies a single contribution verbatim.
type OneContributionStrategy struct{}

func (OneContributionStrategy) Merge(ctx context.Context, node *FederatedNode, contributions []*Contribution) {
	previous := node.Plan
	node.Children = nil
	node.Properties = make(map[string]graph.Property)
	node.UUID = uuid.Nil

	if len(contributions) > 0 {
		c := contributions[0]
		for child := range c.Children() {
			last, ok := child.Path.Last()
			if !ok {
				continue
			}
			node.Children = append(node.Children, graph.Location{Path: node.Location.Path.Child(last), UUID: child.UUID})
		}
		for name, prop := range c.Properties() {
			node.Properties[name] = prop
		}
		if p, ok := c.Property(UUIDProperty); ok {
			node.UUID = candidateUUID(p)
		}
	}
	node.Plan = NewPlan(contributions...)
	assignIdentity(node, previous)

	logr.FromContextOrDiscard(ctx).V(logging.TRACE).Info("copied single contribution", "path", node.Location.Path.String())
}

// SelectingStrategy copies lone contributions and merges the rest.
type SelectingStrategy struct {
	Single   Strategy
	Multiple Strategy
}

// NewSelectingStrategy uses OneContributionStrategy and a SimpleStrategy.
func NewSelectingStrategy(removeDuplicateProperties bool) SelectingStrategy {
	return SelectingStrategy{
		Single:   OneContributionStrategy{},
		Multiple: SimpleStrategy{RemoveDuplicateProperties: removeDuplicateProperties},
	}
}

func (s SelectingStrategy) Merge(ctx context.Context, node *FederatedNode, contributions []*Contribution) {
	if len(contributions) == 1 {
		s.Single.Merge(ctx, node, contributions)
		return
	}
	s.Multiple.Merge(ctx, node, contributions)
}
