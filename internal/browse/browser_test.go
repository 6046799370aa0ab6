package browse

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/federa/internal/connector"
	"github.com/agentic-research/federa/internal/federation"
	"github.com/agentic-research/federa/internal/graph"
	"github.com/agentic-research/federa/internal/logging"
	"github.com/agentic-research/federa/internal/projection"
	"github.com/agentic-research/federa/internal/request"
)

func newRepository(t *testing.T) *federation.Repository {
	t.Helper()
	docs := graph.NewMemoryStore()
	docs.Put(graph.MustParsePath("/guide"), graph.NewProperty("title", "Guide"))
	docs.Put(graph.MustParsePath("/guide/intro"))

	factory := connector.NewFactory()
	factory.Register("docs", connector.NewGraphHandler("default", docs, 0))
	ws, err := federation.NewWorkspace("main", projection.MustNew("docs", "default", true, "/docs => /"))
	require.NoError(t, err)
	repo, err := federation.NewRepository(federation.Config{
		Name:       "federa",
		Workspaces: []*federation.Workspace{ws},
		Factory:    factory,
		Logger:     logging.NewTestLogger(),
	})
	require.NoError(t, err)
	return repo
}

func TestBrowser_ReadNode(t *testing.T) {
	b := New(newRepository(t), "")
	node, err := b.ReadNode(context.Background(), graph.MustParsePath("/docs/guide"))
	require.NoError(t, err)
	assert.Equal(t, "Guide", node.Properties["title"].First())
	require.Len(t, node.Children, 1)
	assert.Equal(t, "/docs/guide/intro", node.Children[0].Path.String())
}

func TestBrowser_ListChildren(t *testing.T) {
	b := New(newRepository(t), "main")
	children, err := b.ListChildren(context.Background(), graph.RootPath())
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "/docs", children[0].Path.String())
}

func TestBrowser_NotFound(t *testing.T) {
	b := New(newRepository(t), "")
	_, err := b.ReadNode(context.Background(), graph.MustParsePath("/docs/missing"))
	require.Error(t, err)

	var pnf *request.PathNotFoundError
	require.True(t, errors.As(err, &pnf))
	assert.Equal(t, "/docs", pnf.LowestExisting.String())
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestBrowser_ShutDown(t *testing.T) {
	repo := newRepository(t)
	repo.Shutdown()
	_, err := New(repo, "").ReadNode(context.Background(), graph.RootPath())
	assert.ErrorIs(t, err, federation.ErrShutdown)
}

func TestBrowser_UnknownWorkspace(t *testing.T) {
	_, err := New(newRepository(t), "nope").ReadNode(context.Background(), graph.RootPath())
	assert.ErrorIs(t, err, federation.ErrUnknownWorkspace)
}
