package request

import (
	"context"
	"fmt"
)

// Handler executes each kind of request against some backing store.
// A returned error is attached to the request.
type Handler interface {
	ReadNode(ctx context.Context, r *ReadNode) error
	ReadAllChildren(ctx context.Context, r *ReadAllChildren) error
	ReadAllProperties(ctx context.Context, r *ReadAllProperties) error
	VerifyNodeExists(ctx context.Context, r *VerifyNodeExists) error
	CreateNode(ctx context.Context, r *CreateNode) error
	UpdateProperties(ctx context.Context, r *UpdateProperties) error
	DeleteBranch(ctx context.Context, r *DeleteBranch) error
}

// Processor consumes a stream of requests.
type Processor interface {
	Process(ctx context.Context, r Request)
	Close() error
}

// Process dispatches r to the matching handler method. Cancelled requests
// are skipped; composites are processed in order, checking cancellation
// before each member.
func Process(ctx context.Context, h Handler, r Request) {
	if r.IsCancelled() {
		return
	}
	var err error
	switch req := r.(type) {
	case *Composite:
		for _, sub := range req.Requests {
			if req.IsCancelled() {
				return
			}
			Process(ctx, h, sub)
		}
		return
	case *ReadNode:
		err = h.ReadNode(ctx, req)
	case *ReadAllChildren:
		err = h.ReadAllChildren(ctx, req)
	case *ReadAllProperties:
		err = h.ReadAllProperties(ctx, req)
	case *VerifyNodeExists:
		err = h.VerifyNodeExists(ctx, req)
	case *CreateNode:
		err = h.CreateNode(ctx, req)
	case *UpdateProperties:
		err = h.UpdateProperties(ctx, req)
	case *DeleteBranch:
		err = h.DeleteBranch(ctx, req)
	default:
		err = fmt.Errorf("%w: %T", ErrUnsupportedRequest, r)
	}
	if err != nil {
		r.SetError(err)
	}
}

// HandlerProcessor adapts a Handler to the Processor interface.
type HandlerProcessor struct {
	Handler Handler
}

func (p HandlerProcessor) Process(ctx context.Context, r Request) { Process(ctx, p.Handler, r) }
func (p HandlerProcessor) Close() error                           { return nil }

// Connection executes requests against one source.
type Connection interface {
	SourceName() string
	// Execute processes r synchronously. Expected failures are attached to
	// r; the returned error is reserved for faults in the connection itself.
	Execute(ctx context.Context, r Request) error
	Close() error
}

// ConnectionFactory hands out connections by source name.
type ConnectionFactory interface {
	Connection(ctx context.Context, sourceName string) (Connection, error)
}
