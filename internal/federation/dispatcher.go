package federation

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/agentic-research/federa/internal/logging"
	"github.com/agentic-research/federa/internal/metrics"
	"github.com/agentic-research/federa/internal/request"
)

// task is one projected request waiting for its source.
type task struct {
	fed *FederatedRequest
	pr  *ProjectedRequest
}

// channel is an unbounded FIFO of tasks for one source, drained by a single
// goroutine over a single source connection. Tasks run in submission order.
type channel struct {
	source  string
	factory request.ConnectionFactory
	logger  logr.Logger

	mu     sync.Mutex
	tasks  []task
	closed bool
	wake   chan struct{}
	exited chan struct{}
}

func newChannel(source string, factory request.ConnectionFactory, logger logr.Logger) *channel {
	return &channel{
		source:  source,
		factory: factory,
		logger:  logger.WithValues("source", source),
		wake:    make(chan struct{}, 1),
		exited:  make(chan struct{}),
	}
}

func (c *channel) submit(t task) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		panic("federation: submit on closed source channel")
	}
	c.tasks = append(c.tasks, t)
	c.mu.Unlock()
	c.signal()
}

func (c *channel) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.signal()
}

func (c *channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// next blocks until a task is available. ok is false once the channel is
// closed and drained.
func (c *channel) next() (t task, ok bool) {
	for {
		c.mu.Lock()
		if len(c.tasks) > 0 {
			t = c.tasks[0]
			c.tasks[0] = task{}
			c.tasks = c.tasks[1:]
			c.mu.Unlock()
			return t, true
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return task{}, false
		}
		<-c.wake
	}
}

// run drains the channel. Every task is completed exactly once, whether it
// ran, was skipped or failed.
func (c *channel) run(ctx context.Context) {
	defer close(c.exited)

	conn, connErr := c.factory.Connection(ctx, c.source)
	if connErr != nil {
		c.logger.Error(connErr, "Failed to open source connection")
	} else {
		defer func() {
			if err := conn.Close(); err != nil {
				c.logger.Error(err, "Failed to close source connection")
			}
		}()
	}

	for {
		t, ok := c.next()
		if !ok {
			return
		}
		switch {
		case connErr != nil:
			t.pr.Request.SetError(fmt.Errorf("source %s: %w", c.source, connErr))
		case ctx.Err() != nil:
			t.pr.Request.SetError(ctx.Err())
		case t.fed.original.IsCancelled():
			t.pr.Request.Cancel()
		default:
			c.execute(ctx, conn, t.pr)
		}
		t.fed.Done()
	}
}

func (c *channel) execute(ctx context.Context, conn request.Connection, pr *ProjectedRequest) {
	defer func() {
		if p := recover(); p != nil {
			pr.Request.SetError(fmt.Errorf("source %s panicked: %v", c.source, p))
		}
	}()
	c.logger.V(logging.TRACE).Info("Dispatching projected request", "kind", request.Kind(pr.Request), "projection", pr.Kind.String())
	metrics.RecordSubrequest(c.source)
	if err := conn.Execute(ctx, pr.Request); err != nil {
		pr.Request.SetError(fmt.Errorf("source %s: %w", c.source, err))
	}
}

// dispatcher owns the source channels of one Execute call.
type dispatcher struct {
	ctx      context.Context
	factory  request.ConnectionFactory
	logger   logr.Logger
	channels *xsync.MapOf[string, *channel]
}

func newDispatcher(ctx context.Context, factory request.ConnectionFactory, logger logr.Logger) *dispatcher {
	return &dispatcher{
		ctx:      ctx,
		factory:  factory,
		logger:   logger,
		channels: xsync.NewMapOf[string, *channel](),
	}
}

// submit queues a projected request on its source's channel, starting the
// channel on first use.
func (d *dispatcher) submit(fed *FederatedRequest, pr *ProjectedRequest) {
	source := pr.Projection.SourceName
	ch, loaded := d.channels.LoadOrCompute(source, func() *channel {
		return newChannel(source, d.factory, d.logger)
	})
	if !loaded {
		d.logger.V(logging.TRACE).Info("Opening source channel", "source", source)
		go ch.run(d.ctx)
	}
	ch.submit(task{fed: fed, pr: pr})
}

// close stops accepting work; queued tasks still run.
func (d *dispatcher) close() {
	d.channels.Range(func(_ string, ch *channel) bool {
		ch.close()
		return true
	})
}

// wait blocks until every channel goroutine has exited or ctx ends.
func (d *dispatcher) wait(ctx context.Context) error {
	var err error
	d.channels.Range(func(_ string, ch *channel) bool {
		select {
		case <-ch.exited:
			return true
		case <-ctx.Done():
			err = ctx.Err()
			return false
		}
	})
	return err
}
