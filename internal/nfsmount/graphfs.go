// Package nfsmount exposes a federated workspace as a read-only NFS export.
// GraphFS adapts a browse.Reader to billy.Filesystem for willscott/go-nfs:
// nodes are directories and each property is a file holding its values one
// per line.
package nfsmount

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/chroot"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/agentic-research/federa/internal/browse"
	"github.com/agentic-research/federa/internal/graph"
	"github.com/agentic-research/federa/internal/logging"
)

var errReadOnly = errors.New("read-only filesystem")

// DefaultReadTimeout bounds one federated read issued by the filesystem.
const DefaultReadTimeout = 30 * time.Second

// GraphFS serves a federated workspace through billy.Filesystem.
type GraphFS struct {
	reader    browse.Reader
	logger    logr.Logger
	mountTime time.Time

	// ReadTimeout bounds each federated read; 0 means DefaultReadTimeout.
	ReadTimeout time.Duration
}

// NewGraphFS returns a filesystem over r.
func NewGraphFS(r browse.Reader, logger logr.Logger) *GraphFS {
	return &GraphFS{reader: r, logger: logger, mountTime: time.Now()}
}

// --- billy.Basic ---

func (fs *GraphFS) Create(string) (billy.File, error) { return nil, errReadOnly }

func (fs *GraphFS) Open(filename string) (billy.File, error) {
	return fs.OpenFile(filename, os.O_RDONLY, 0)
}

func (fs *GraphFS) OpenFile(filename string, flag int, _ os.FileMode) (billy.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, errReadOnly
	}
	filename = cleanPath(filename)
	e, err := fs.lookup(filename)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: filename, Err: err}
	}
	if e.node != nil {
		return nil, &os.PathError{Op: "open", Path: filename, Err: errors.New("is a directory")}
	}
	return newPropertyFile(filename, renderProperty(e.prop)), nil
}

func (fs *GraphFS) Stat(filename string) (os.FileInfo, error) { return fs.Lstat(filename) }
func (fs *GraphFS) Rename(_, _ string) error                  { return errReadOnly }
func (fs *GraphFS) Remove(string) error                       { return errReadOnly }
func (fs *GraphFS) Join(elem ...string) string                { return path.Join(elem...) }

// --- billy.TempFile ---

func (fs *GraphFS) TempFile(_, _ string) (billy.File, error) { return nil, billy.ErrNotSupported }

// --- billy.Dir ---

// ReadDir lists the children of a node followed by its properties. A
// property named like an unindexed child is shadowed by the child.
func (fs *GraphFS) ReadDir(dir string) ([]os.FileInfo, error) {
	dir = cleanPath(dir)
	e, err := fs.lookup(dir)
	if err != nil {
		return nil, &os.PathError{Op: "readdir", Path: dir, Err: err}
	}
	if e.node == nil {
		return nil, &os.PathError{Op: "readdir", Path: dir, Err: errors.New("not a directory")}
	}

	infos := make([]os.FileInfo, 0, len(e.node.Children)+len(e.node.Properties))
	taken := make(map[string]bool, len(e.node.Children))
	for _, c := range e.node.Children {
		last, ok := c.Path.Last()
		if !ok {
			continue
		}
		taken[last.String()] = true
		infos = append(infos, fs.dirInfo(last.String()))
	}
	for _, name := range graph.SortedNames(e.node.Properties) {
		if taken[name] {
			continue
		}
		infos = append(infos, fs.fileInfo(name, e.node.Properties[name]))
	}
	return infos, nil
}

func (fs *GraphFS) MkdirAll(string, os.FileMode) error { return errReadOnly }

// --- billy.Symlink ---

func (fs *GraphFS) Lstat(filename string) (os.FileInfo, error) {
	filename = cleanPath(filename)
	e, err := fs.lookup(filename)
	if err != nil {
		return nil, &os.PathError{Op: "lstat", Path: filename, Err: err}
	}
	if e.node != nil {
		return fs.dirInfo(path.Base(filename)), nil
	}
	return fs.fileInfo(e.prop.Name, e.prop), nil
}

func (fs *GraphFS) Symlink(_, _ string) error       { return billy.ErrNotSupported }
func (fs *GraphFS) Readlink(string) (string, error) { return "", billy.ErrNotSupported }

// --- billy.Chroot ---

func (fs *GraphFS) Chroot(dir string) (billy.Filesystem, error) { return chroot.New(fs, dir), nil }
func (fs *GraphFS) Root() string                                { return "/" }

// --- billy.Capable ---

func (fs *GraphFS) Capabilities() billy.Capability {
	return billy.ReadCapability | billy.SeekCapability
}

// --- internals ---

// entry is what a filesystem path resolves to: a node, or one property of
// the parent node.
type entry struct {
	node *graph.Node
	prop graph.Property
}

// lookup resolves a cleaned filesystem path. The node at the path wins over
// a property of the parent with the same name.
func (fs *GraphFS) lookup(name string) (entry, error) {
	p, err := graph.ParsePath(name)
	if err != nil {
		return entry{}, os.ErrNotExist
	}
	ctx, cancel := fs.readContext()
	defer cancel()

	node, err := fs.reader.ReadNode(ctx, p)
	if err == nil {
		return entry{node: node}, nil
	}
	if !errors.Is(err, graph.ErrNotFound) {
		fs.logger.Error(err, "Federated read failed", "path", p.String())
		return entry{}, err
	}
	last, ok := p.Last()
	if !ok || last.Index != graph.NoIndex {
		return entry{}, os.ErrNotExist
	}
	parent, err := fs.reader.ReadNode(ctx, p.Parent())
	if err != nil {
		fs.logger.V(logging.DEBUG).Info("Parent lookup failed", "path", p.String(), "err", err)
		return entry{}, os.ErrNotExist
	}
	prop, ok := parent.Properties[last.Name]
	if !ok {
		return entry{}, os.ErrNotExist
	}
	return entry{prop: prop}, nil
}

func (fs *GraphFS) readContext() (context.Context, context.CancelFunc) {
	timeout := fs.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	ctx := logr.NewContext(context.Background(), fs.logger)
	return context.WithTimeout(ctx, timeout)
}

func (fs *GraphFS) dirInfo(name string) os.FileInfo {
	return &staticFileInfo{name: name, mode: os.ModeDir | 0o555, modTime: fs.mountTime}
}

func (fs *GraphFS) fileInfo(name string, p graph.Property) os.FileInfo {
	return &staticFileInfo{
		name:    name,
		size:    int64(len(renderProperty(p))),
		mode:    0o444,
		modTime: fs.mountTime,
	}
}

// cleanPath normalizes a billy path to a clean absolute path.
func cleanPath(name string) string {
	return path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
}

// renderProperty is the file content of a property: one value per line.
func renderProperty(p graph.Property) []byte {
	var b strings.Builder
	for _, v := range p.Values {
		b.WriteString(formatValue(v))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case uuid.UUID:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// staticFileInfo implements os.FileInfo with static values.
type staticFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
}

func (fi *staticFileInfo) Name() string       { return fi.name }
func (fi *staticFileInfo) Size() int64        { return fi.size }
func (fi *staticFileInfo) Mode() os.FileMode  { return fi.mode }
func (fi *staticFileInfo) ModTime() time.Time { return fi.modTime }
func (fi *staticFileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi *staticFileInfo) Sys() any           { return nil }

var (
	_ billy.Filesystem = (*GraphFS)(nil)
	_ billy.Capable    = (*GraphFS)(nil)
)
