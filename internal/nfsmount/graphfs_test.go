package nfsmount

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/federa/internal/graph"
	"github.com/agentic-research/federa/internal/logging"
	"github.com/agentic-research/federa/internal/request"
)

// storeReader reads straight from a memory graph, reporting absence the
// way a federated read does.
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
		return nil, &request.PathNotFoundError{Location: graph.At(p), LowestExisting: graph.RootPath()}
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

var released = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestFS(t *testing.T) *GraphFS {
	t.Helper()
	store := graph.NewMemoryStore()
	store.Put(graph.MustParsePath("/vulns/CVE-2024-0001"),
		graph.NewProperty("severity", "HIGH"),
		graph.NewProperty("score", 9.8),
		graph.NewProperty("tags", "rce", "network"),
		graph.NewProperty("published", released),
	)
	store.Put(graph.MustParsePath("/vulns/CVE-2024-0002"), graph.NewProperty("severity", "LOW"))
	store.Put(graph.MustParsePath("/vulns"), graph.NewProperty("count", 2), graph.NewProperty("CVE-2024-0001", "shadowed"))
	_, err := store.AddChild(graph.MustParsePath("/vulns"), "CVE-2024-0002")
	require.NoError(t, err)
	return NewGraphFS(&storeReader{store: store}, logging.NewTestLogger())
}

func names(infos []os.FileInfo) []string {
	out := make([]string, len(infos))
	for i, fi := range infos {
		out[i] = fi.Name()
	}
	return out
}

func readAll(t *testing.T, fs *GraphFS, name string) string {
	t.Helper()
	f, err := fs.Open(name)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(data)
}

func TestStatRoot(t *testing.T) {
	gfs := newTestFS(t)
	info, err := gfs.Stat("/")
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestStatNode(t *testing.T) {
	gfs := newTestFS(t)
	info, err := gfs.Stat("/vulns/CVE-2024-0001")
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, "CVE-2024-0001", info.Name())
}

func TestStatProperty(t *testing.T) {
	gfs := newTestFS(t)
	info, err := gfs.Stat("vulns/CVE-2024-0001/severity")
	require.NoError(t, err)
	assert.False(t, info.IsDir())
	assert.Equal(t, "severity", info.Name())
	assert.Equal(t, int64(len("HIGH\n")), info.Size())
	assert.Equal(t, os.FileMode(0o444), info.Mode())
}

func TestStatNotFound(t *testing.T) {
	gfs := newTestFS(t)
	for _, name := range []string{"/nonexistent", "/vulns/CVE-2024-0001/missing", "/vulns/CVE-2024-0001/severity[2]", "/bad[x]"} {
		_, err := gfs.Stat(name)
		assert.True(t, os.IsNotExist(err), name)
	}
}

func TestStatReadFailure(t *testing.T) {
	boom := errors.New("source down")
	gfs := NewGraphFS(&storeReader{err: boom}, logging.NewTestLogger())
	_, err := gfs.Stat("/vulns")
	assert.ErrorIs(t, err, boom)
	assert.False(t, os.IsNotExist(err))
}

func TestReadDirRoot(t *testing.T) {
	gfs := newTestFS(t)
	entries, err := gfs.ReadDir("/")
	require.NoError(t, err)
	assert.Equal(t, []string{"vulns"}, names(entries))
	assert.True(t, entries[0].IsDir())
}

func TestReadDirNode(t *testing.T) {
	gfs := newTestFS(t)
	entries, err := gfs.ReadDir("/vulns")
	require.NoError(t, err)
	// Children first in order, then properties by name; the property named
	// like the first child is hidden.
	assert.Equal(t, []string{"CVE-2024-0001", "CVE-2024-0002[1]", "CVE-2024-0002[2]", "count"}, names(entries))
	assert.False(t, entries[3].IsDir())
}

func TestReadDirOnProperty(t *testing.T) {
	gfs := newTestFS(t)
	_, err := gfs.ReadDir("/vulns/count")
	assert.Error(t, err)
}

func TestOpenProperty(t *testing.T) {
	gfs := newTestFS(t)
	assert.Equal(t, "HIGH\n", readAll(t, gfs, "/vulns/CVE-2024-0001/severity"))
	assert.Equal(t, "rce\nnetwork\n", readAll(t, gfs, "/vulns/CVE-2024-0001/tags"))
	assert.Equal(t, "9.8\n", readAll(t, gfs, "/vulns/CVE-2024-0001/score"))
	assert.Equal(t, "2024-03-01T12:00:00Z\n", readAll(t, gfs, "/vulns/CVE-2024-0001/published"))
	assert.Equal(t, "2\n", readAll(t, gfs, "/vulns/count"))
}

func TestOpenDirectory(t *testing.T) {
	gfs := newTestFS(t)
	_, err := gfs.Open("/vulns")
	assert.Error(t, err)
}

func TestReadAtAndSeek(t *testing.T) {
	gfs := newTestFS(t)
	f, err := gfs.Open("/vulns/CVE-2024-0001/tags")
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	buf := make([]byte, 7)
	n, err := f.ReadAt(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, "network", string(buf[:n]))

	n, err = f.ReadAt(buf, 8)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, "ork\n", string(buf[:n]))

	pos, err := f.Seek(4, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(4), pos)
	n, err = f.Read(buf[:3])
	require.NoError(t, err)
	assert.Equal(t, "net", string(buf[:n]))
}

func TestReadOnly(t *testing.T) {
	gfs := newTestFS(t)

	_, err := gfs.Create("/vulns/new")
	assert.Equal(t, errReadOnly, err)
	_, err = gfs.OpenFile("/vulns/count", os.O_RDWR, 0)
	assert.Equal(t, errReadOnly, err)
	assert.Equal(t, errReadOnly, gfs.MkdirAll("/newdir", 0o755))
	assert.Equal(t, errReadOnly, gfs.Remove("/vulns/count"))
	assert.Equal(t, errReadOnly, gfs.Rename("/vulns", "/renamed"))

	f, err := gfs.Open("/vulns/count")
	require.NoError(t, err)
	_, err = f.Write([]byte("3"))
	assert.Equal(t, errReadOnly, err)
}

func TestCapabilities(t *testing.T) {
	gfs := newTestFS(t)
	caps := gfs.Capabilities()
	assert.NotZero(t, caps&2) // ReadCapability (1 << 1)
	assert.NotZero(t, caps&8) // SeekCapability (1 << 3)
	assert.Zero(t, caps&1)    // WriteCapability (1 << 0) should NOT be set
}

func TestChroot(t *testing.T) {
	gfs := newTestFS(t)
	sub, err := gfs.Chroot("/vulns")
	require.NoError(t, err)
	info, err := sub.Stat("/CVE-2024-0001/severity")
	require.NoError(t, err)
	assert.Equal(t, "severity", info.Name())
}

func TestFormatValue(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	tests := []struct {
		in   any
		want string
	}{
		{"text", "text"},
		{int64(42), "42"},
		{true, "true"},
		{[]byte("hi"), "aGk="},
		{id, id.String()},
		{released, "2024-03-01T12:00:00Z"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatValue(tt.in))
	}
}

func TestMountCommand(t *testing.T) {
	cmd, err := mountCommand("linux", 2049, "/mnt/federa")
	require.NoError(t, err)
	assert.Equal(t, []string{"sudo", "mount", "-t", "nfs", "-o",
		"port=2049,mountport=2049,vers=3,tcp,local_lock=all,nolock,ro", "localhost:/", "/mnt/federa"}, cmd.Args)

	_, err = mountCommand("plan9", 2049, "/mnt/federa")
	assert.Error(t, err)
}

func TestNFSServerStarts(t *testing.T) {
	srv, err := NewServer(newTestFS(t), "127.0.0.1:0", logging.NewTestLogger())
	require.NoError(t, err)

	assert.Positive(t, srv.Port())
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	require.NoError(t, err)
	_ = conn.Close()

	require.NoError(t, srv.Close())
	select {
	case <-srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("serve loop did not stop")
	}
}
