package federation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/federa/internal/cache"
	"github.com/agentic-research/federa/internal/connector"
	"github.com/agentic-research/federa/internal/graph"
	"github.com/agentic-research/federa/internal/logging"
	"github.com/agentic-research/federa/internal/merge"
	"github.com/agentic-research/federa/internal/projection"
	"github.com/agentic-research/federa/internal/request"
)

// hookHandler counts ReadNode calls and runs before ahead of each one.
type hookHandler struct {
	request.Handler
	before func(ctx context.Context, path graph.Path)

	mu    sync.Mutex
	reads []string
}

func (h *hookHandler) ReadNode(ctx context.Context, r *request.ReadNode) error {
	h.mu.Lock()
	h.reads = append(h.reads, r.At.Path.String())
	h.mu.Unlock()
	if h.before != nil {
		h.before(ctx, r.At.Path)
	}
	return h.Handler.ReadNode(ctx, r)
}

func (h *hookHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reads)
}

type fixture struct {
	git, fs, archive *graph.MemoryStore
	gitH, fsH        *hookHandler
	gitGraph         *connector.GraphHandler
	cache            *cache.MemoryStore

	mu     sync.Mutex
	aborts []error
}

func (fx *fixture) abortCauses() []error {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return append([]error(nil), fx.aborts...)
}

// newFixture federates three sources into workspace "main":
//
//	/code     git "/"          (writable, 1 minute TTL)
//	/files    fs "/data"       (writable, never expires)
//	/code     fs "/overlay"
//	/archive  archive "/"      (read-only)
func newFixture(t *testing.T, mutate func(*Config)) (*fixture, *Repository) {
	t.Helper()
	fx := &fixture{
		git:     graph.NewMemoryStore(),
		fs:      graph.NewMemoryStore(),
		archive: graph.NewMemoryStore(),
		cache:   cache.NewMemoryStore(),
	}
	fx.git.Put(graph.RootPath(), graph.NewProperty("owner", "git"))
	fx.git.Put(graph.MustParsePath("/readme"), graph.NewProperty("title", "Readme"))
	fx.git.Put(graph.MustParsePath("/src/main.go"), graph.NewProperty("lang", "go"))
	fx.fs.Put(graph.MustParsePath("/data/notes.txt"), graph.NewProperty("size", 12))
	fx.fs.Put(graph.MustParsePath("/overlay"), graph.NewProperty("owner", "fs"), graph.NewProperty("kind", "overlay"))
	fx.fs.Put(graph.MustParsePath("/overlay/extra"))
	fx.archive.Put(graph.MustParsePath("/old"))

	fx.gitGraph = connector.NewGraphHandler("main", fx.git, time.Minute)
	fx.gitH = &hookHandler{Handler: fx.gitGraph}
	fx.fsH = &hookHandler{Handler: connector.NewGraphHandler("default", fx.fs, 0)}
	factory := connector.NewFactory()
	factory.Register("git", fx.gitH)
	factory.Register("fs", fx.fsH)
	factory.Register("archive", connector.NewGraphHandler("main", fx.archive, 0))

	ws, err := NewWorkspace("main",
		projection.MustNew("git", "main", false, "/code => /"),
		projection.MustNew("fs", "default", false, "/files => /data", "/code => /overlay"),
		projection.MustNew("archive", "main", true, "/archive => /"),
	)
	require.NoError(t, err)

	cfg := Config{
		Name:       "federa",
		Workspaces: []*Workspace{ws},
		Factory:    factory,
		Cache:      fx.cache,
		OnAbort: func(_ context.Context, _ request.Request, cause error) {
			fx.mu.Lock()
			fx.aborts = append(fx.aborts, cause)
			fx.mu.Unlock()
		},
		Logger: logging.NewTestLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	repo, err := NewRepository(cfg)
	require.NoError(t, err)
	return fx, repo
}

func connect(t *testing.T, repo *Repository) *Connection {
	t.Helper()
	conn, err := repo.Connect(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func childPaths(children []graph.Location) []string {
	out := make([]string, len(children))
	for i, c := range children {
		out[i] = c.Path.String()
	}
	return out
}

func TestExecute_PlaceholderRoot(t *testing.T) {
	_, repo := newFixture(t, nil)
	conn := connect(t, repo)

	r := request.NewReadNode("main", graph.RootPath())
	require.NoError(t, conn.Execute(context.Background(), r))
	require.NoError(t, r.Error())

	assert.Equal(t, []string{"/code", "/files", "/archive"}, childPaths(r.Children))
	assert.Empty(t, r.Properties)
	assert.True(t, r.Actual.HasUUID())
	assert.True(t, r.Expiration.IsZero())
}

func TestExecute_MergesSources(t *testing.T) {
	_, repo := newFixture(t, nil)
	conn := connect(t, repo)

	r := request.NewReadNode("main", graph.MustParsePath("/code"))
	require.NoError(t, conn.Execute(context.Background(), r))
	require.NoError(t, r.Error())

	assert.Equal(t, []string{"/code/readme", "/code/src", "/code/extra"}, childPaths(r.Children))
	want := map[string][]any{"owner": {"git", "fs"}, "kind": {"overlay"}}
	got := map[string][]any{}
	for name, p := range r.Properties {
		if name == merge.UUIDProperty {
			continue
		}
		got[name] = p.Values
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("properties mismatch (-want +got):\n%s", diff)
	}
	// git has a TTL, fs never expires.
	assert.False(t, r.Expiration.IsZero())
	assert.WithinDuration(t, time.Now().Add(time.Minute), r.Expiration, 10*time.Second)
}

func TestExecute_TranslatesNestedReads(t *testing.T) {
	_, repo := newFixture(t, nil)
	conn := connect(t, repo)

	r := request.NewReadNode("main", graph.MustParsePath("/files"))
	require.NoError(t, conn.Execute(context.Background(), r))
	require.NoError(t, r.Error())
	assert.Equal(t, []string{"/files/notes.txt"}, childPaths(r.Children))

	props := request.NewReadAllProperties("main", graph.MustParsePath("/files/notes.txt"))
	require.NoError(t, conn.Execute(context.Background(), props))
	require.NoError(t, props.Error())
	assert.Equal(t, []any{int64(12)}, props.Properties["size"].Values)

	exists := request.NewVerifyNodeExists("main", graph.MustParsePath("/code/src/main.go"))
	require.NoError(t, conn.Execute(context.Background(), exists))
	require.NoError(t, exists.Error())
	assert.True(t, exists.Exists)

	children := request.NewReadAllChildren("main", graph.MustParsePath("/code/src"))
	require.NoError(t, conn.Execute(context.Background(), children))
	require.NoError(t, children.Error())
	assert.Equal(t, []string{"/code/src/main.go"}, childPaths(children.Children))
}

func TestExecute_NotFound(t *testing.T) {
	_, repo := newFixture(t, nil)
	conn := connect(t, repo)

	tests := []struct {
		path   string
		lowest string
	}{
		{path: "/code/missing", lowest: "/code"},
		{path: "/code/src/deep/er", lowest: "/code/src"},
		{path: "/nowhere", lowest: "/"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r := request.NewReadNode("main", graph.MustParsePath(tt.path))
			require.NoError(t, conn.Execute(context.Background(), r))

			var pnf *request.PathNotFoundError
			require.ErrorAs(t, r.Error(), &pnf)
			assert.ErrorIs(t, r.Error(), graph.ErrNotFound)
			assert.Equal(t, tt.path, pnf.Location.Path.String())
			assert.Equal(t, tt.lowest, pnf.LowestExisting.String())
		})
	}
}

func TestExecute_ReusesFreshContributions(t *testing.T) {
	fx, repo := newFixture(t, nil)
	conn := connect(t, repo)

	first := request.NewReadNode("main", graph.MustParsePath("/code"))
	require.NoError(t, conn.Execute(context.Background(), first))
	require.NoError(t, first.Error())
	require.Equal(t, 1, fx.gitH.count())
	require.Equal(t, 1, fx.fsH.count())

	second := request.NewReadNode("main", graph.MustParsePath("/code"))
	require.NoError(t, conn.Execute(context.Background(), second))
	require.NoError(t, second.Error())

	assert.Equal(t, 1, fx.gitH.count(), "fresh git contribution must be reused")
	assert.Equal(t, 1, fx.fsH.count(), "fresh fs contribution must be reused")
	assert.Equal(t, first.Actual.UUID, second.Actual.UUID)
	assert.Equal(t, childPaths(first.Children), childPaths(second.Children))
}

func TestExecute_RequeriesExpiredSources(t *testing.T) {
	fx, repo := newFixture(t, nil)
	// git results are already stale when they arrive.
	fx.gitGraph.Now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	conn := connect(t, repo)

	first := request.NewReadNode("main", graph.MustParsePath("/code"))
	require.NoError(t, conn.Execute(context.Background(), first))
	before, ok := fx.cache.Get("main", graph.MustParsePath("/code"))
	require.True(t, ok)
	second := request.NewReadNode("main", graph.MustParsePath("/code"))
	require.NoError(t, conn.Execute(context.Background(), second))
	require.NoError(t, second.Error())

	after, ok := fx.cache.Get("main", graph.MustParsePath("/code"))
	require.True(t, ok)
	require.Equal(t, 2, after.ContributionCount())
	assert.Equal(t, "git", after.Contributions()[0].SourceName(), "the refreshed source keeps its place")
	assert.NotSame(t, before.ContributionFrom("git"), after.ContributionFrom("git"))
	assert.Same(t, before.ContributionFrom("fs"), after.ContributionFrom("fs"))

	assert.Equal(t, 2, fx.gitH.count())
	assert.Equal(t, 1, fx.fsH.count())
	assert.Equal(t, first.Actual.UUID, second.Actual.UUID, "identity survives a partial refresh")
	assert.Equal(t, []string{"/code/readme", "/code/src", "/code/extra"}, childPaths(second.Children))
}

func TestExecute_RefreshSource(t *testing.T) {
	fx, repo := newFixture(t, nil)
	conn := connect(t, repo)

	require.NoError(t, conn.Execute(context.Background(), request.NewReadNode("main", graph.MustParsePath("/files"))))
	require.NoError(t, conn.Execute(context.Background(), request.NewReadNode("main", graph.MustParsePath("/code"))))
	assert.Equal(t, 2, fx.cache.Len())

	assert.Equal(t, 1, repo.RefreshSource("git"))
	assert.Equal(t, 1, fx.cache.Len())
}

func TestExecute_Writes(t *testing.T) {
	fx, repo := newFixture(t, nil)
	conn := connect(t, repo)
	ctx := context.Background()

	before := request.NewReadNode("main", graph.MustParsePath("/files"))
	require.NoError(t, conn.Execute(ctx, before))
	require.Equal(t, []string{"/files/notes.txt"}, childPaths(before.Children))

	create := request.NewCreateNode("main", graph.MustParsePath("/files"), "todo.txt", graph.NewProperty("size", 3))
	require.NoError(t, conn.Execute(ctx, create))
	require.NoError(t, create.Error())
	assert.Equal(t, "/files/todo.txt", create.Actual.Path.String())
	_, err := fx.fs.GetNode(graph.MustParsePath("/data/todo.txt"))
	require.NoError(t, err)

	update := request.NewUpdateProperties("main", graph.MustParsePath("/files/todo.txt"),
		[]graph.Property{graph.NewProperty("size", 4)})
	require.NoError(t, conn.Execute(ctx, update))
	require.NoError(t, update.Error())
	node, err := fx.fs.GetNode(graph.MustParsePath("/data/todo.txt"))
	require.NoError(t, err)
	assert.Equal(t, []any{int64(4)}, node.Properties["size"].Values)

	del := request.NewDeleteBranch("main", graph.MustParsePath("/files/notes.txt"))
	require.NoError(t, conn.Execute(ctx, del))
	require.NoError(t, del.Error())

	// The cached plan for /files was dropped by the writes.
	after := request.NewReadNode("main", graph.MustParsePath("/files"))
	require.NoError(t, conn.Execute(ctx, after))
	assert.Equal(t, []string{"/files/todo.txt"}, childPaths(after.Children))
	assert.Equal(t, 2, fx.fsH.count())
}

func TestExecute_WriteErrors(t *testing.T) {
	_, repo := newFixture(t, nil)
	conn := connect(t, repo)
	ctx := context.Background()

	ro := request.NewCreateNode("main", graph.MustParsePath("/archive"), "new")
	require.NoError(t, conn.Execute(ctx, ro))
	assert.ErrorIs(t, ro.Error(), ErrReadOnlyProjection)
	assert.ErrorIs(t, ro.Error(), graph.ErrReadOnly)

	root := request.NewUpdateProperties("main", graph.RootPath(), []graph.Property{graph.NewProperty("a", "b")})
	require.NoError(t, conn.Execute(ctx, root))
	assert.ErrorIs(t, root.Error(), ErrReadOnlyProjection)

	missing := request.NewDeleteBranch("main", graph.MustParsePath("/files/nope/deeper"))
	require.NoError(t, conn.Execute(ctx, missing))
	var pnf *request.PathNotFoundError
	require.ErrorAs(t, missing.Error(), &pnf)
	assert.Equal(t, "/files", pnf.LowestExisting.String())

	nowhere := request.NewDeleteBranch("main", graph.MustParsePath("/nowhere"))
	require.NoError(t, conn.Execute(ctx, nowhere))
	assert.ErrorIs(t, nowhere.Error(), graph.ErrNotFound)
}

// recordingStrategy records the order in which nodes are joined.
type recordingStrategy struct {
	merge.Strategy
	mu    sync.Mutex
	order []string
}

func (s *recordingStrategy) Merge(ctx context.Context, node *merge.FederatedNode, cs []*merge.Contribution) {
	s.mu.Lock()
	s.order = append(s.order, node.Location.Path.String())
	s.mu.Unlock()
	s.Strategy.Merge(ctx, node, cs)
}

func TestExecute_JoinsInSubmissionOrder(t *testing.T) {
	for _, awaitAll := range []bool{false, true} {
		t.Run(map[bool]string{false: "streaming", true: "await-all"}[awaitAll], func(t *testing.T) {
			strategy := &recordingStrategy{Strategy: merge.NewSelectingStrategy(true)}
			fx, repo := newFixture(t, func(cfg *Config) {
				cfg.Strategy = strategy
				cfg.AwaitAllSubtasks = awaitAll
			})

			var mu sync.Mutex
			var events []string
			record := func(e string) {
				mu.Lock()
				events = append(events, e)
				mu.Unlock()
			}
			// git answers its first request slowly, so fs finishes later
			// requests first.
			fx.gitH.before = func(_ context.Context, p graph.Path) {
				if p.String() == "/readme" {
					time.Sleep(50 * time.Millisecond)
				}
				record("git" + p.String())
			}
			fx.fsH.before = func(_ context.Context, p graph.Path) {
				record("fs" + p.String())
			}

			paths := []string{"/code/readme", "/files/notes.txt", "/code/src", "/files"}
			var reads []request.Request
			for _, p := range paths {
				reads = append(reads, request.NewReadNode("main", graph.MustParsePath(p)))
			}
			batch := request.NewComposite(reads...)

			conn := connect(t, repo)
			require.NoError(t, conn.Execute(context.Background(), batch))
			require.NoError(t, batch.Error())

			assert.Equal(t, paths, strategy.order)
			for i, r := range reads {
				assert.Equal(t, paths[i], r.(*request.ReadNode).Actual.Path.String())
			}
			mu.Lock()
			defer mu.Unlock()
			assert.Less(t, indexOf(events, "fs/data/notes.txt"), indexOf(events, "git/readme"))
		})
	}
}

func indexOf(events []string, e string) int {
	for i, x := range events {
		if x == e {
			return i
		}
	}
	return -1
}

func TestExecute_CancelMidFlight(t *testing.T) {
	fx, repo := newFixture(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	fx.gitH.before = func(_ context.Context, p graph.Path) {
		if p.String() == "/readme" {
			close(started)
			<-release
		}
	}

	batch := request.NewComposite(
		request.NewReadNode("main", graph.MustParsePath("/code/readme")),
		request.NewReadNode("main", graph.MustParsePath("/code/src")),
		request.NewReadNode("main", graph.MustParsePath("/code/src/main.go")),
	)
	go func() {
		<-started
		batch.Cancel()
		close(release)
	}()

	conn := connect(t, repo)
	require.NoError(t, conn.Execute(context.Background(), batch))

	assert.True(t, batch.IsCancelled())
	assert.NoError(t, batch.Error())
	assert.Equal(t, 1, fx.gitH.count(), "queued requests of a cancelled batch are not sent")
	assert.Equal(t, []error{nil}, fx.abortCauses())
	// Nothing was joined into the cache.
	assert.Equal(t, 0, fx.cache.Len())
}

func TestExecute_ContextInterrupts(t *testing.T) {
	fx, repo := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	release := make(chan struct{})
	fx.gitH.before = func(context.Context, graph.Path) {
		cancel()
		<-release
	}

	r := request.NewReadNode("main", graph.MustParsePath("/code/readme"))
	conn := connect(t, repo)
	t.Cleanup(func() { close(release) })
	require.NoError(t, conn.Execute(ctx, r))

	assert.ErrorIs(t, r.Error(), context.Canceled)
	causes := fx.abortCauses()
	require.Len(t, causes, 1)
	assert.ErrorIs(t, causes[0], context.Canceled)
}

func TestExecute_CancelledBeforeFork(t *testing.T) {
	tests := []struct {
		name     string
		awaitAll bool
		paths    []string
	}{
		{name: "single", paths: []string{"/code/readme"}},
		{name: "batch", paths: []string{"/code/readme", "/files/notes.txt"}},
		{name: "await-all batch", awaitAll: true, paths: []string{"/code/readme", "/files/notes.txt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx, repo := newFixture(t, func(cfg *Config) { cfg.AwaitAllSubtasks = tt.awaitAll })
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			var reads []request.Request
			for _, p := range tt.paths {
				reads = append(reads, newRead(p))
			}
			r := reads[0]
			if len(reads) > 1 {
				r = request.NewComposite(reads...)
			}
			conn := connect(t, repo)
			require.NoError(t, conn.Execute(ctx, r))

			assert.ErrorIs(t, r.Error(), context.Canceled)
			for _, read := range reads {
				assert.ErrorIs(t, read.Error(), context.Canceled, read.(*request.ReadNode).At.Path.String())
				assert.False(t, read.(*request.ReadNode).Actual.HasUUID())
			}
			assert.Zero(t, fx.gitH.count())
			assert.Zero(t, fx.fsH.count())
			causes := fx.abortCauses()
			require.Len(t, causes, 1)
			assert.ErrorIs(t, causes[0], context.Canceled)
			assert.Equal(t, 0, fx.cache.Len())
		})
	}
}

// countingExecutor runs tasks on new goroutines and counts them.
type countingExecutor struct{ submitted atomic.Int32 }

func (e *countingExecutor) Submit(task func()) {
	e.submitted.Add(1)
	go task()
}

func TestExecute_AwaitAllForksOnExecutor(t *testing.T) {
	exec := &countingExecutor{}
	_, repo := newFixture(t, func(cfg *Config) {
		cfg.Executor = exec
		cfg.AwaitAllSubtasks = true
	})
	conn := connect(t, repo)

	r := newRead("/code")
	require.NoError(t, conn.Execute(context.Background(), r))
	require.NoError(t, r.Error())
	assert.Equal(t, []string{"/code/readme", "/code/src", "/code/extra"}, childPaths(r.Children))
	assert.Equal(t, int32(1), exec.submitted.Load())
}

// panicCache fails every lookup.
type panicCache struct{ cache.NopStore }

func (panicCache) Get(string, graph.Path) (*merge.Plan, bool) { panic("cache exploded") }

func TestExecute_ForkFailureOnExecutorIsAttached(t *testing.T) {
	fx, repo := newFixture(t, func(cfg *Config) { cfg.Cache = panicCache{} })

	batch := request.NewComposite(
		request.NewReadNode("main", graph.MustParsePath("/code")),
		request.NewReadNode("main", graph.MustParsePath("/files")),
	)
	conn := connect(t, repo)
	require.NoError(t, conn.Execute(context.Background(), batch))

	var fe *ForkError
	require.ErrorAs(t, batch.Error(), &fe)
	assert.Equal(t, "cache exploded", fe.Cause)
	causes := fx.abortCauses()
	require.Len(t, causes, 1)
	assert.ErrorAs(t, causes[0], &fe)
}

func TestExecute_SynchronousForkFailureIsReturned(t *testing.T) {
	fx, repo := newFixture(t, func(cfg *Config) { cfg.Cache = panicCache{} })

	conn := connect(t, repo)
	err := conn.Execute(context.Background(), request.NewReadNode("main", graph.MustParsePath("/code")))
	var fe *ForkError
	require.ErrorAs(t, err, &fe)
	assert.Len(t, fx.abortCauses(), 1)
}

type panicStrategy struct{}

func (panicStrategy) Merge(context.Context, *merge.FederatedNode, []*merge.Contribution) {
	panic("merge exploded")
}

func TestExecute_JoinPanicIsReturned(t *testing.T) {
	fx, repo := newFixture(t, func(cfg *Config) { cfg.Strategy = panicStrategy{} })

	conn := connect(t, repo)
	err := conn.Execute(context.Background(), request.NewReadNode("main", graph.MustParsePath("/code")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge exploded")
	assert.Len(t, fx.abortCauses(), 1)
}

func TestExecute_SourceFailureIsAttached(t *testing.T) {
	fx, repo := newFixture(t, nil)
	boom := errors.New("disk on fire")
	fx.fsH.Handler = failingHandler{Handler: fx.fsH.Handler, err: boom}

	r := request.NewReadNode("main", graph.MustParsePath("/code"))
	conn := connect(t, repo)
	require.NoError(t, conn.Execute(context.Background(), r))
	assert.ErrorIs(t, r.Error(), boom)
	assert.Empty(t, fx.abortCauses())
}

type failingHandler struct {
	request.Handler
	err error
}

func (h failingHandler) ReadNode(context.Context, *request.ReadNode) error { return h.err }

func TestExecute_ClosedConnection(t *testing.T) {
	_, repo := newFixture(t, nil)
	conn, err := repo.Connect(context.Background(), "main")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	assert.Error(t, conn.Execute(context.Background(), request.NewReadNode("main", graph.RootPath())))
}

func newRead(path string) *request.ReadNode {
	return request.NewReadNode("main", graph.MustParsePath(path))
}
