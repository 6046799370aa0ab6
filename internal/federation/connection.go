package federation

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/federa/internal/logging"
	"github.com/agentic-research/federa/internal/metrics"
	"github.com/agentic-research/federa/internal/request"
)

type state uint8

const (
	stateIdle state = iota
	stateForking
	stateSynchronous
	stateAsynchronous
	stateJoining
	stateDone
	stateAborted
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateForking:
		return "forking"
	case stateSynchronous:
		return "synchronous"
	case stateAsynchronous:
		return "asynchronous"
	case stateJoining:
		return "joining"
	case stateDone:
		return "done"
	case stateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ForkError wraps a panic raised while forking a request.
type ForkError struct {
	Cause any
	Stack []byte
}

func (e *ForkError) Error() string { return fmt.Sprintf("fork failed: %v", e.Cause) }

// Connection executes requests against one federated workspace. It keeps no
// per-call state between Execute calls; it may be used by one goroutine at
// a time.
type Connection struct {
	repo   *Repository
	ws     *Workspace
	logger logr.Logger
	closed atomic.Bool

	forkNanos    atomic.Int64
	joinNanos    atomic.Int64
	executeNanos atomic.Int64
	executions   atomic.Int64
}

// WorkspaceName is the federated workspace the connection serves.
func (c *Connection) WorkspaceName() string { return c.ws.Name }

// SourceName is the repository name.
func (c *Connection) SourceName() string { return c.repo.name }

// Execute forks r into projected requests, dispatches them to the sources
// and joins the results back onto r. It returns once r holds its results.
//
// Expected failures, interruption via ctx and failures of a fork running
// on the executor are attached to r; an interruption is also attached to
// every request of the batch that was never forked. A cancelled r stays
// cancelled without an error. A failed fork on the calling goroutine and a panic in the join
// are returned.
func (c *Connection) Execute(ctx context.Context, r request.Request) (err error) {
	if c.closed.Load() {
		return fmt.Errorf("federation: connection to %s is closed", c.ws.Name)
	}
	start := time.Now()
	now := start.UTC()
	logger := c.logger.WithValues("request", request.Kind(r))
	ctx = logr.NewContext(ctx, logger)

	st := stateIdle
	transition := func(next state) {
		logger.V(logging.TRACE).Info("Federated request state", "from", st.String(), "to", next.String())
		st = next
	}
	abort := func(cause error) {
		transition(stateAborted)
		c.repo.rollback(ctx, r, cause)
	}

	defer func() {
		elapsed := time.Since(start)
		c.executeNanos.Add(int64(elapsed))
		c.executions.Add(1)
		metrics.RecordExecute(elapsed)
	}()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("federation: panic while %s: %v", st, p)
			logger.Error(err, "Aborting federated request", "stack", string(debug.Stack()))
			abort(err)
		}
	}()

	batch := request.Flatten(r)
	queue := make(chan *FederatedRequest, len(batch))
	dispatch := newDispatcher(ctx, c.repo.factory, logger)
	f := &forker{ws: c.ws, cache: c.repo.cache, now: now, dispatch: dispatch, queue: queue}
	j := &joiner{ws: c.ws, cache: c.repo.cache, strategy: c.repo.strategy}

	transition(stateForking)
	var forkErr atomic.Pointer[ForkError]
	forkFailed := func(fe *ForkError) {
		logger.Error(fe, "Fork failed", "stack", string(fe.Stack))
		forkErr.Store(fe)
	}
	forkDone := make(chan struct{})
	runFork := func() {
		defer close(forkDone)
		timed(&c.forkNanos, func() { f.run(ctx, batch, forkFailed) })
	}

	var joinErr error
	switch {
	case c.repo.awaitAllSubtasks:
		transition(stateAsynchronous)
		c.repo.executor.Submit(runFork)
		var g errgroup.Group
		g.Go(func() error {
			<-forkDone
			return dispatch.wait(ctx)
		})
		waitErr := g.Wait()
		transition(stateJoining)
		if waitErr != nil {
			joinErr = waitErr
			break
		}
		forked := make([]*FederatedRequest, 0, len(batch))
		for fed := range queue {
			forked = append(forked, fed)
		}
		metrics.RecordJoin(timed(&c.joinNanos, func() { joinErr = j.list(ctx, forked) }))
	case !isBatch(r):
		transition(stateSynchronous)
		runFork()
		if fe := forkErr.Load(); fe != nil {
			abort(fe)
			return fmt.Errorf("federation: %w", fe)
		}
		transition(stateJoining)
		metrics.RecordJoin(timed(&c.joinNanos, func() { joinErr = j.stream(ctx, queue) }))
	default:
		transition(stateAsynchronous)
		c.repo.executor.Submit(runFork)
		transition(stateJoining)
		metrics.RecordJoin(timed(&c.joinNanos, func() { joinErr = j.stream(ctx, queue) }))
	}
	// The forker must not touch r once Execute returns.
	<-forkDone

	interrupted := joinErr
	if interrupted == nil {
		interrupted = f.interrupted
	}
	switch {
	case interrupted != nil:
		// Interrupted while forking or while waiting on a source.
		logger.V(logging.DEBUG).Info("Federated request interrupted", "err", interrupted, "forked", f.forked)
		for _, pending := range batch[f.forked:] {
			pending.SetError(interrupted)
		}
		r.SetError(interrupted)
		abort(interrupted)
	case forkErr.Load() != nil:
		fe := forkErr.Load()
		r.SetError(fe)
		abort(fe)
	case r.IsCancelled():
		logger.V(logging.DEBUG).Info("Federated request cancelled")
		abort(nil)
	default:
		transition(stateDone)
	}
	return nil
}

// isBatch reports whether r holds more than one request.
func isBatch(r request.Request) bool {
	c, ok := r.(*request.Composite)
	return ok && c.Len() > 1
}

// timed runs fn and adds its duration to total.
func timed(total *atomic.Int64, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	total.Add(int64(d))
	return d
}

// Close releases the connection. Cumulative timings are logged when
// tracing is enabled.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if trace := c.logger.V(logging.TRACE); trace.Enabled() {
		trace.Info("Federated connection timings",
			"executions", c.executions.Load(),
			"fork", time.Duration(c.forkNanos.Load()).String(),
			"join", time.Duration(c.joinNanos.Load()).String(),
			"execute", time.Duration(c.executeNanos.Load()).String())
	}
	c.repo.release()
	return nil
}
