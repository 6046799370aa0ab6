package mcpserver

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/ohler55/ojg/oj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/federa/internal/graph"
	"github.com/agentic-research/federa/internal/logging"
	"github.com/agentic-research/federa/internal/request"
)

type storeReader struct {
	store *graph.MemoryStore
	err   error
}

func (r *storeReader) ReadNode(_ context.Context, p graph.Path) (*graph.Node, error) {
	if r.err != nil {
		return nil, r.err
	}
	n, err := r.store.GetNode(p)
	if errors.Is(err, graph.ErrNotFound) {
		return nil, &request.PathNotFoundError{Location: graph.At(p), LowestExisting: p.Parent()}
	}
	return n, err
}

func (r *storeReader) ListChildren(ctx context.Context, p graph.Path) ([]graph.Location, error) {
	n, err := r.ReadNode(ctx, p)
	if err != nil {
		return nil, err
	}
	return n.Children, nil
}

var nodeID = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

func newTools(t *testing.T) *tools {
	t.Helper()
	store := graph.NewMemoryStore()
	store.Put(graph.MustParsePath("/docs/guide"), graph.NewProperty("title", "Guide"), graph.NewProperty("pages", 12), graph.NewProperty("raw", []byte("hi")))
	store.Put(graph.MustParsePath("/docs/guide/intro"))
	store.Put(graph.MustParsePath("/docs/faq"))
	require.NoError(t, store.SetUUID(graph.MustParsePath("/docs/guide"), nodeID))
	return &tools{reader: &storeReader{store: store}, logger: logging.NewTestLogger()}
}

func call(tool string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = tool
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "content is %T", res.Content[0])
	return tc.Text
}

func TestReadNode(t *testing.T) {
	tl := newTools(t)
	res, err := tl.readNode(context.Background(), call(ToolReadNode, map[string]any{"path": "/docs/guide"}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))

	doc, err := oj.ParseString(text(t, res))
	require.NoError(t, err)
	m := doc.(map[string]any)
	assert.Equal(t, "/docs/guide", m["path"])
	assert.Equal(t, nodeID.String(), m["uuid"])
	assert.Equal(t, []any{"/docs/guide/intro"}, m["children"])
	props := m["properties"].(map[string]any)
	assert.Equal(t, []any{"Guide"}, props["title"])
	assert.Equal(t, []any{int64(12)}, props["pages"])
	assert.Equal(t, []any{"aGk="}, props["raw"])
}

func TestReadNode_NoUUID(t *testing.T) {
	tl := newTools(t)
	res, err := tl.readNode(context.Background(), call(ToolReadNode, map[string]any{"path": "/docs"}))
	require.NoError(t, err)
	doc, err := oj.ParseString(text(t, res))
	require.NoError(t, err)
	assert.NotContains(t, doc.(map[string]any), "uuid")
}

func TestReadNode_Errors(t *testing.T) {
	tl := newTools(t)
	tests := map[string]struct {
		args map[string]any
		want string
	}{
		"missing path": {args: map[string]any{}, want: "path"},
		"bad path":     {args: map[string]any{"path": "/a[x]"}, want: "invalid path"},
		"not found":    {args: map[string]any{"path": "/docs/nope"}, want: "lowest existing ancestor is /docs"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			res, err := tl.readNode(context.Background(), call(ToolReadNode, tt.args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
			assert.Contains(t, text(t, res), tt.want)
		})
	}
}

func TestReadNode_SourceFailure(t *testing.T) {
	tl := &tools{reader: &storeReader{err: errors.New("source down")}, logger: logging.NewTestLogger()}
	res, err := tl.readNode(context.Background(), call(ToolReadNode, map[string]any{"path": "/docs"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "source down")
}

func TestListChildren(t *testing.T) {
	tl := newTools(t)
	res, err := tl.listChildren(context.Background(), call(ToolListChildren, map[string]any{"path": "/docs"}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	doc, err := oj.ParseString(text(t, res))
	require.NoError(t, err)
	assert.Equal(t, []any{"/docs/guide", "/docs/faq"}, doc)
}

func TestNew(t *testing.T) {
	s := New(&storeReader{store: graph.NewMemoryStore()}, "test", logging.NewTestLogger())
	assert.NotNil(t, s)
}
