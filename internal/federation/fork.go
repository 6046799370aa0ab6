package federation

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/go-logr/logr"

	"github.com/agentic-research/federa/internal/graph"
	"github.com/agentic-research/federa/internal/logging"
	"github.com/agentic-research/federa/internal/merge"
	"github.com/agentic-research/federa/internal/metrics"
	"github.com/agentic-research/federa/internal/projection"
	"github.com/agentic-research/federa/internal/request"
)

// ErrReadOnlyProjection is attached to writes aimed at a path that only
// read-only projections (or no source at all) serve.
var ErrReadOnlyProjection = fmt.Errorf("read-only projection: %w", graph.ErrReadOnly)

// placeholderSource names the contribution describing nodes that exist only
// because projections are mounted below them.
const placeholderSource = ""

// forker turns original requests into federated requests, hands their
// projected requests to the source channels, and queues them for the join.
type forker struct {
	ws       *Workspace
	cache    planCache
	now      time.Time
	dispatch *dispatcher
	queue    chan<- *FederatedRequest

	// Set when ctx ended before the whole batch was forked; only the first
	// forked requests reached the queue.
	interrupted error
	forked      int
}

// planCache is the part of cache.Store the fork and join use.
type planCache interface {
	Get(workspace string, path graph.Path) (*merge.Plan, bool)
	Put(workspace string, path graph.Path, plan *merge.Plan)
	Invalidate(workspace string, path graph.Path)
}

// run forks every request of the batch in order. It always closes the queue
// and the source channels. A panic is recovered and handed to failed before
// the queue closes, so the join sees it once the queue is drained. An
// interruption is recorded the same way in f.interrupted.
func (f *forker) run(ctx context.Context, batch []request.Request, failed func(*ForkError)) {
	defer close(f.queue)
	defer f.dispatch.close()
	defer func() {
		if p := recover(); p != nil {
			failed(&ForkError{Cause: p, Stack: debug.Stack()})
		}
	}()

	logger := logr.FromContextOrDiscard(ctx)
	start := time.Now()
	for _, r := range batch {
		if err := ctx.Err(); err != nil {
			logger.V(logging.DEBUG).Info("Fork interrupted", "err", err, "forked", f.forked, "batch", len(batch))
			f.interrupted = err
			return
		}
		metrics.RecordRequest(request.Kind(r))

		fed := NewFederatedRequest(r)
		if !r.IsCancelled() {
			f.fork(ctx, fed)
		}
		fed.Freeze()
		for _, pr := range fed.projected {
			if !pr.Complete {
				f.dispatch.submit(fed, pr)
			}
		}
		f.queue <- fed
		f.forked++
	}
	metrics.RecordFork(time.Since(start))
}

func (f *forker) fork(ctx context.Context, fed *FederatedRequest) {
	switch r := fed.original.(type) {
	case *request.ReadNode:
		f.forkRead(ctx, fed, r.At.Path, true, func(ws string, p graph.Path) request.Request {
			return request.NewReadNode(ws, p)
		})
	case *request.ReadAllChildren:
		f.forkRead(ctx, fed, r.Of.Path, false, func(ws string, p graph.Path) request.Request {
			return request.NewReadAllChildren(ws, p)
		})
	case *request.ReadAllProperties:
		f.forkRead(ctx, fed, r.Of.Path, false, func(ws string, p graph.Path) request.Request {
			return request.NewReadAllProperties(ws, p)
		})
	case *request.VerifyNodeExists:
		f.forkRead(ctx, fed, r.At.Path, false, func(ws string, p graph.Path) request.Request {
			return request.NewVerifyNodeExists(ws, p)
		})
	case *request.CreateNode:
		f.forkWrite(fed, r.Under.Path, func(ws string, p graph.Path) request.Request {
			return request.NewCreateNode(ws, p, r.Name, r.Properties...)
		})
	case *request.UpdateProperties:
		f.forkWrite(fed, r.On.Path, func(ws string, p graph.Path) request.Request {
			return request.NewUpdateProperties(ws, p, r.Set, r.Remove...)
		})
	case *request.DeleteBranch:
		f.forkWrite(fed, r.At.Path, func(ws string, p graph.Path) request.Request {
			return request.NewDeleteBranch(ws, p)
		})
	default:
		fed.original.SetError(fmt.Errorf("%w: %T", request.ErrUnsupportedRequest, fed.original))
	}
}

// forkRead projects a read of path onto every covering projection. With
// reuse set, a cached plan's unexpired contributions stand in for their
// sources and only the rest are queried.
func (f *forker) forkRead(ctx context.Context, fed *FederatedRequest, path graph.Path, reuse bool,
	build func(workspace string, p graph.Path) request.Request) {
	logger := logr.FromContextOrDiscard(ctx)

	if plan, ok := f.cache.Get(f.ws.Name, path); ok {
		fed.previous = plan
		if reuse {
			result := metrics.CacheStale
			if !plan.IsExpired(f.now) {
				result = metrics.CacheFresh
			}
			metrics.RecordCacheLookup(result)
			fed.reused = make(map[sourceKey]*merge.Contribution)
			for _, c := range plan.Contributions() {
				if c.IsPlaceholder() || c.IsExpired(f.now) {
					continue
				}
				fed.reused[sourceKey{source: c.SourceName(), workspace: c.WorkspaceName()}] = c
			}
			logger.V(logging.TRACE).Info("Reusing cached contributions", "path", path.String(),
				"reused", len(fed.reused), "contributions", plan.ContributionCount())
		}
	} else if reuse {
		metrics.RecordCacheLookup(metrics.CacheMiss)
	}

	if above := f.childrenAbove(path); len(above) > 0 {
		placeholder := request.NewReadNode(f.ws.Name, path)
		placeholder.SetNode(&graph.Node{Location: graph.At(path), Children: above}, merge.NeverExpires)
		fed.Add(placeholder, true, true, nil)
	}

	for i := range f.ws.Projections {
		p := &f.ws.Projections[i]
		if _, ok := fed.reused[keyOf(p)]; ok {
			continue
		}
		for _, src := range p.PathsInSource(path) {
			fed.Add(build(p.WorkspaceName, src), p.IsMirror(), false, p)
		}
	}

	if len(fed.projected) == 0 && len(fed.reused) == 0 {
		fed.original.SetError(&request.PathNotFoundError{
			Location:       graph.At(path),
			LowestExisting: f.ws.lowestExisting(path),
		})
	}
}

// childrenAbove collects the placeholder children at path across every
// projection, in projection order.
func (f *forker) childrenAbove(path graph.Path) []graph.Location {
	var out []graph.Location
	var seen []graph.Segment
	for i := range f.ws.Projections {
		for _, seg := range f.ws.Projections[i].ChildrenAbove(path) {
			dup := false
			for _, s := range seen {
				if s.Same(seg) {
					dup = true
					break
				}
			}
			if dup {
				continue
			}
			seen = append(seen, seg)
			out = append(out, graph.At(path.Child(seg)))
		}
	}
	return out
}

// forkWrite routes a write to the first writable projection covering path.
func (f *forker) forkWrite(fed *FederatedRequest, path graph.Path, build func(workspace string, p graph.Path) request.Request) {
	var readOnly *projection.Projection
	for i := range f.ws.Projections {
		p := &f.ws.Projections[i]
		srcs := p.PathsInSource(path)
		if len(srcs) == 0 {
			continue
		}
		if p.ReadOnly {
			if readOnly == nil {
				readOnly = p
			}
			continue
		}
		fed.Add(build(p.WorkspaceName, srcs[0]), p.IsMirror(), false, p)
		return
	}

	switch {
	case readOnly != nil:
		fed.original.SetError(fmt.Errorf("%w: %s is served by %s", ErrReadOnlyProjection, path, readOnly.SourceName))
	case len(f.childrenAbove(path)) > 0:
		fed.original.SetError(fmt.Errorf("%w: %s only holds projections", ErrReadOnlyProjection, path))
	default:
		fed.original.SetError(&request.PathNotFoundError{
			Location:       graph.At(path),
			LowestExisting: f.ws.lowestExisting(path),
		})
	}
}
