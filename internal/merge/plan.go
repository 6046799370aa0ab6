package merge

import (
	"sync"
	"time"

	"github.com/agentic-research/federa/internal/graph"
)

// Plan records the contributions that were merged into one federated node,
// plus annotations strategies attach to it. Contributions are kept in the
// order they were merged.
//
// A Plan is safe to read concurrently. SetAnnotation must not race with
// other calls.
type Plan struct {
	contributions []*Contribution
	annotations   map[string]graph.Property

	expOnce    sync.Once
	expiration time.Time
}

// NewPlan builds a plan over contributions in the given order.
func NewPlan(contributions ...*Contribution) *Plan {
	return &Plan{contributions: append([]*Contribution(nil), contributions...)}
}

// AddContribution returns a plan that contains c. A contribution from the
// same source workspace is replaced in place; otherwise c is appended.
// Annotations carry over.
func AddContribution(plan *Plan, c *Contribution) *Plan {
	if plan == nil {
		return NewPlan(c)
	}
	next := &Plan{contributions: make([]*Contribution, 0, len(plan.contributions)+1)}
	replaced := false
	for _, existing := range plan.contributions {
		if !replaced && existing.source == c.source && existing.workspace == c.workspace {
			next.contributions = append(next.contributions, c)
			replaced = true
			continue
		}
		next.contributions = append(next.contributions, existing)
	}
	if !replaced {
		next.contributions = append(next.contributions, c)
	}
	if len(plan.annotations) > 0 {
		next.annotations = make(map[string]graph.Property, len(plan.annotations))
		for name, p := range plan.annotations {
			next.annotations[name] = p
		}
	}
	return next
}

// Contributions returns the contributions in merge order.
func (p *Plan) Contributions() []*Contribution {
	return append([]*Contribution(nil), p.contributions...)
}

func (p *Plan) ContributionCount() int { return len(p.contributions) }

// ContributionFrom returns the contribution from source, or nil when the
// source was never consulted. A source that was consulted but had nothing
// yields an empty contribution, not nil.
func (p *Plan) ContributionFrom(source string) *Contribution {
	for _, c := range p.contributions {
		if c.source == source {
			return c
		}
	}
	return nil
}

// IsSource reports whether source contributed to the plan.
func (p *Plan) IsSource(source string) bool { return p.ContributionFrom(source) != nil }

// Expiration is the earliest contribution expiration, or NeverExpires.
func (p *Plan) Expiration() time.Time {
	p.expOnce.Do(func() {
		for _, c := range p.contributions {
			exp := c.ExpirationTimeInUTC()
			if exp.IsZero() {
				continue
			}
			if p.expiration.IsZero() || exp.Before(p.expiration) {
				p.expiration = exp
			}
		}
	})
	return p.expiration
}

// IsExpired reports whether any contribution expired at or before nowUTC.
// nowUTC must be in UTC; anything else is a caller bug and panics.
func (p *Plan) IsExpired(nowUTC time.Time) bool {
	if nowUTC.Location() != time.UTC {
		panic("merge: IsExpired called with non-UTC time " + nowUTC.String())
	}
	exp := p.Expiration()
	return !exp.IsZero() && !exp.After(nowUTC)
}

// Expired returns the contributions that expired at or before now.
func (p *Plan) Expired(now time.Time) []*Contribution {
	var out []*Contribution
	for _, c := range p.contributions {
		if c.IsExpired(now) {
			out = append(out, c)
		}
	}
	return out
}

// Annotation returns the named annotation.
func (p *Plan) Annotation(name string) (graph.Property, bool) {
	a, ok := p.annotations[name]
	return a, ok
}

// SetAnnotation stores prop under name; an empty property removes it.
func (p *Plan) SetAnnotation(name string, prop graph.Property) {
	if len(prop.Values) == 0 {
		delete(p.annotations, name)
		return
	}
	if p.annotations == nil {
		p.annotations = make(map[string]graph.Property)
	}
	prop.Name = name
	p.annotations[name] = prop
}

// Annotations returns a copy of every annotation.
func (p *Plan) Annotations() map[string]graph.Property {
	out := make(map[string]graph.Property, len(p.annotations))
	for name, a := range p.annotations {
		out[name] = a
	}
	return out
}
