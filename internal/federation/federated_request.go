package federation

import (
	"context"
	"sync/atomic"

	"github.com/agentic-research/federa/internal/merge"
	"github.com/agentic-research/federa/internal/projection"
	"github.com/agentic-research/federa/internal/request"
)

// Kind distinguishes projected requests that address the same location as
// the original (mirrors) from those that needed translation.
type Kind uint8

const (
	KindGeneric Kind = iota
	KindMirror
)

func (k Kind) String() string {
	if k == KindMirror {
		return "mirror"
	}
	return "generic"
}

// ProjectedRequest is one source-specific request derived from an original
// request. Placeholder results carry a nil Projection.
type ProjectedRequest struct {
	Kind       Kind
	Request    request.Request
	Projection *projection.Projection
	Complete   bool
}

// FederatedRequest tracks the projected requests of one original request
// until they have all completed.
//
// Add is not safe for concurrent use: one goroutine forks a request. Done
// and Await synchronize the forking goroutine, the source workers and the
// joining goroutine; the projected requests are only read after Await
// returns.
type FederatedRequest struct {
	original   request.Request
	projected  []*ProjectedRequest
	incomplete int

	frozen    bool
	remaining atomic.Int64
	done      chan struct{}

	// previous is the cached plan for the original location, if any.
	// reused holds its still-fresh contributions, keyed by source workspace.
	previous *merge.Plan
	reused   map[sourceKey]*merge.Contribution
}

type sourceKey struct{ source, workspace string }

func keyOf(p *projection.Projection) sourceKey {
	return sourceKey{source: p.SourceName, workspace: p.WorkspaceName}
}

func NewFederatedRequest(original request.Request) *FederatedRequest {
	return &FederatedRequest{original: original}
}

// Add appends a projected request. Requests that are not complete must be
// reported through Done once they finish.
func (f *FederatedRequest) Add(req request.Request, sameLocation, complete bool, proj *projection.Projection) *ProjectedRequest {
	if f.frozen {
		panic("federation: Add after Freeze")
	}
	pr := &ProjectedRequest{
		Kind:       KindGeneric,
		Request:    req,
		Projection: proj,
		Complete:   complete,
	}
	if sameLocation {
		pr.Kind = KindMirror
	}
	f.projected = append(f.projected, pr)
	if !complete {
		f.incomplete++
	}
	return pr
}

// Freeze fixes the set of projected requests and arms the completion
// signal. Calling it again has no effect.
func (f *FederatedRequest) Freeze() {
	if f.frozen {
		return
	}
	f.frozen = true
	f.done = make(chan struct{})
	f.remaining.Store(int64(f.incomplete))
	if f.incomplete == 0 {
		close(f.done)
	}
}

// Done records the completion of one incomplete projected request. The
// completion signal fires on the last call.
func (f *FederatedRequest) Done() {
	switch n := f.remaining.Add(-1); {
	case n == 0:
		close(f.done)
	case n < 0:
		panic("federation: more completions than incomplete requests")
	}
}

// Await blocks until every incomplete projected request is done, or ctx
// ends. It returns immediately when there were none.
func (f *FederatedRequest) Await(ctx context.Context) error {
	if !f.frozen {
		panic("federation: Await before Freeze")
	}
	select {
	case <-f.done:
		return nil
	default:
	}
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FederatedRequest) Original() request.Request      { return f.original }
func (f *FederatedRequest) Projected() []*ProjectedRequest { return f.projected }
func (f *FederatedRequest) HasIncomplete() bool            { return f.incomplete > 0 }
