// Package projection maps regions of the federated namespace onto regions
// of a source's namespace.
package projection

import (
	"fmt"
	"strings"

	"github.com/agentic-research/federa/internal/graph"
)

// Rule maps the federated subtree at InRepository onto the source subtree at
// InSource. Source paths at or below an exception are hidden.
type Rule struct {
	InRepository graph.Path
	InSource     graph.Path
	Exceptions   []graph.Path
}

// ParseRule parses "/repo/path => /source/path $ /excluded $ /other".
func ParseRule(raw string) (Rule, error) {
	repoPart, rest, ok := strings.Cut(raw, "=>")
	if !ok {
		return Rule{}, fmt.Errorf("projection rule %q: missing \"=>\"", raw)
	}
	parts := strings.Split(rest, "$")

	repo, err := parseRulePath(repoPart)
	if err != nil {
		return Rule{}, fmt.Errorf("projection rule %q: %w", raw, err)
	}
	src, err := parseRulePath(parts[0])
	if err != nil {
		return Rule{}, fmt.Errorf("projection rule %q: %w", raw, err)
	}
	r := Rule{InRepository: repo, InSource: src}
	for _, ex := range parts[1:] {
		p, err := parseRulePath(ex)
		if err != nil {
			return Rule{}, fmt.Errorf("projection rule %q: exception: %w", raw, err)
		}
		r.Exceptions = append(r.Exceptions, p)
	}
	return r, nil
}

func parseRulePath(raw string) (graph.Path, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "/") {
		return graph.Path{}, fmt.Errorf("path %q must be absolute", raw)
	}
	return graph.ParsePath(raw)
}

func (r Rule) excluded(src graph.Path) bool {
	for _, ex := range r.Exceptions {
		if src.IsAtOrBelow(ex) {
			return true
		}
	}
	return false
}

// PathInSource translates a federated path, reporting false when the rule
// does not cover it.
func (r Rule) PathInSource(fed graph.Path) (graph.Path, bool) {
	rel, ok := fed.Relative(r.InRepository)
	if !ok {
		return graph.Path{}, false
	}
	src := r.InSource.Resolve(rel)
	if r.excluded(src) {
		return graph.Path{}, false
	}
	return src, true
}

// PathInRepository is the inverse of PathInSource.
func (r Rule) PathInRepository(src graph.Path) (graph.Path, bool) {
	if r.excluded(src) {
		return graph.Path{}, false
	}
	rel, ok := src.Relative(r.InSource)
	if !ok {
		return graph.Path{}, false
	}
	return r.InRepository.Resolve(rel), true
}

func (r Rule) String() string {
	var b strings.Builder
	b.WriteString(r.InRepository.String())
	b.WriteString(" => ")
	b.WriteString(r.InSource.String())
	for _, ex := range r.Exceptions {
		b.WriteString(" $ ")
		b.WriteString(ex.String())
	}
	return b.String()
}

// Projection binds a set of rules to one source workspace. It is immutable
// once built.
type Projection struct {
	SourceName    string
	WorkspaceName string
	Rules         []Rule
	ReadOnly      bool
}

// New parses rules into a Projection.
func New(source, workspace string, readOnly bool, rules ...string) (Projection, error) {
	p := Projection{SourceName: source, WorkspaceName: workspace, ReadOnly: readOnly}
	if source == "" {
		return p, fmt.Errorf("projection: empty source name")
	}
	for _, raw := range rules {
		r, err := ParseRule(raw)
		if err != nil {
			return p, err
		}
		p.Rules = append(p.Rules, r)
	}
	if len(p.Rules) == 0 {
		return p, fmt.Errorf("projection of %s: no rules", source)
	}
	return p, nil
}

// MustNew is New for literals; it panics on error.
func MustNew(source, workspace string, readOnly bool, rules ...string) Projection {
	p, err := New(source, workspace, readOnly, rules...)
	if err != nil {
		panic(err)
	}
	return p
}

// PathsInSource translates a federated path into zero or more source paths,
// one per covering rule, in rule order. Duplicates are dropped.
func (p Projection) PathsInSource(fed graph.Path) []graph.Path {
	var out []graph.Path
	for _, r := range p.Rules {
		if src, ok := r.PathInSource(fed); ok && !containsPath(out, src) {
			out = append(out, src)
		}
	}
	return out
}

// PathsInRepository translates a source path back into federated paths.
func (p Projection) PathsInRepository(src graph.Path) []graph.Path {
	var out []graph.Path
	for _, r := range p.Rules {
		if fed, ok := r.PathInRepository(src); ok && !containsPath(out, fed) {
			out = append(out, fed)
		}
	}
	return out
}

// IsMirror reports whether the projection maps the whole source onto the
// whole repository 1:1.
func (p Projection) IsMirror() bool {
	if len(p.Rules) != 1 {
		return false
	}
	r := p.Rules[0]
	return r.InRepository.IsRoot() && r.InSource.IsRoot() && len(r.Exceptions) == 0
}

// TopLevelPathsInRepository returns the federated roots of every rule.
func (p Projection) TopLevelPathsInRepository() []graph.Path {
	var out []graph.Path
	for _, r := range p.Rules {
		if !containsPath(out, r.InRepository) {
			out = append(out, r.InRepository)
		}
	}
	return out
}

// IsTopLevelPath reports whether fed is the federated root of some rule.
func (p Projection) IsTopLevelPath(fed graph.Path) bool {
	return containsPath(p.TopLevelPathsInRepository(), fed)
}

// ChildrenAbove returns, for a federated path strictly above some rule's
// federated root, the next segment on the way down to each such root.
// These are the children a placeholder node must show at fed.
func (p Projection) ChildrenAbove(fed graph.Path) []graph.Segment {
	var out []graph.Segment
	for _, top := range p.TopLevelPathsInRepository() {
		if !fed.IsAncestorOf(top) {
			continue
		}
		seg := top.Segment(fed.Len())
		dup := false
		for _, s := range out {
			if s.Same(seg) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, seg)
		}
	}
	return out
}

func (p Projection) String() string {
	rules := make([]string, len(p.Rules))
	for i, r := range p.Rules {
		rules[i] = r.String()
	}
	return fmt.Sprintf("%s:%s {%s}", p.SourceName, p.WorkspaceName, strings.Join(rules, "; "))
}

func containsPath(paths []graph.Path, p graph.Path) bool {
	for _, q := range paths {
		if q.Equal(p) {
			return true
		}
	}
	return false
}
