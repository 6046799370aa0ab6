package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/agentic-research/federa/internal/request"
)

// ErrUnknownSource is returned by Factory for unregistered source names.
var ErrUnknownSource = errors.New("unknown source")

// Connection executes requests for one source through a Handler.
type Connection struct {
	name    string
	handler request.Handler
}

func NewConnection(name string, h request.Handler) *Connection {
	return &Connection{name: name, handler: h}
}

func (c *Connection) SourceName() string { return c.name }
func (c *Connection) Close() error       { return nil }

// Execute processes r. Handler failures are attached to r.
func (c *Connection) Execute(ctx context.Context, r request.Request) error {
	if err := ctx.Err(); err != nil {
		r.SetError(err)
		return nil
	}
	request.Process(ctx, c.handler, r)
	return nil
}

// Factory hands out connections for registered sources.
type Factory struct {
	handlers *xsync.MapOf[string, request.Handler]
}

func NewFactory() *Factory {
	return &Factory{handlers: xsync.NewMapOf[string, request.Handler]()}
}

// Register makes h available under name, replacing any previous handler.
func (f *Factory) Register(name string, h request.Handler) {
	f.handlers.Store(name, h)
}

// Sources returns the registered source names (unordered).
func (f *Factory) Sources() []string {
	var out []string
	f.handlers.Range(func(name string, _ request.Handler) bool {
		out = append(out, name)
		return true
	})
	return out
}

// Connection implements request.ConnectionFactory.
func (f *Factory) Connection(_ context.Context, sourceName string) (request.Connection, error) {
	h, ok := f.handlers.Load(sourceName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, sourceName)
	}
	return NewConnection(sourceName, h), nil
}
