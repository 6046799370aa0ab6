package nfsmount

import (
	"errors"
	"fmt"
	"net"
	"os/exec"
	"runtime"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-logr/logr"
	nfs "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"
)

// handleCacheSize is the number of file handles go-nfs keeps resolved.
const handleCacheSize = 4096

// Server serves a filesystem over NFSv3.
type Server struct {
	listener net.Listener
	port     int
	done     chan struct{}
}

// NewServer listens on addr (":0" picks a free port) and serves fs until
// Close is called.
func NewServer(fs billy.Filesystem, addr string, logger logr.Logger) (*Server, error) {
	if addr == "" {
		addr = ":0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("nfs listen: %w", err)
	}
	s := &Server{
		listener: listener,
		port:     listener.Addr().(*net.TCPAddr).Port,
		done:     make(chan struct{}),
	}
	handler := nfshelper.NewCachingHandler(nfshelper.NewNullAuthHandler(fs), handleCacheSize)

	go func() {
		defer close(s.done)
		if err := nfs.Serve(listener, handler); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Error(err, "NFS server stopped")
		}
	}()
	logger.Info("NFS server listening", "addr", listener.Addr().String())
	return s, nil
}

// Port returns the TCP port the server listens on.
func (s *Server) Port() int { return s.port }

// Done is closed once the serve loop has returned.
func (s *Server) Done() <-chan struct{} { return s.done }

// Close stops accepting connections.
func (s *Server) Close() error { return s.listener.Close() }

// mountCommand builds the read-only NFS mount invocation for the host OS.
func mountCommand(goos string, port int, mountpoint string) (*exec.Cmd, error) {
	var opts string
	switch goos {
	case "darwin":
		opts = fmt.Sprintf("port=%d,mountport=%d,vers=3,tcp,locallocks,noresvport,rdonly", port, port)
	case "linux":
		opts = fmt.Sprintf("port=%d,mountport=%d,vers=3,tcp,local_lock=all,nolock,ro", port, port)
	default:
		return nil, fmt.Errorf("unsupported OS: %s", goos)
	}
	return exec.Command("sudo", "mount", "-t", "nfs", "-o", opts, "localhost:/", mountpoint), nil
}

// Mount mounts the export on port at mountpoint, read-only. It shells out
// to the system mount command and needs sudo.
func Mount(port int, mountpoint string) error {
	cmd, err := mountCommand(runtime.GOOS, port, mountpoint)
	if err != nil {
		return err
	}
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mount failed: %w\n%s", err, string(output))
	}
	return nil
}

// Unmount unmounts mountpoint.
func Unmount(mountpoint string) error {
	if runtime.GOOS == "darwin" {
		// diskutil needs no sudo for user NFS mounts
		if err := exec.Command("diskutil", "unmount", mountpoint).Run(); err == nil {
			return nil
		}
	}
	output, err := exec.Command("sudo", "umount", mountpoint).CombinedOutput()
	if err != nil {
		return fmt.Errorf("unmount failed: %w\n%s", err, string(output))
	}
	return nil
}
