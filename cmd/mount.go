package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentic-research/federa/internal/config"
	"github.com/agentic-research/federa/internal/logging"
	"github.com/agentic-research/federa/internal/metrics"
	"github.com/agentic-research/federa/internal/nfsmount"
)

// drainTimeout bounds how long shutdown waits for in-flight requests.
const drainTimeout = 10 * time.Second

var serveNFSCmd = &cobra.Command{
	Use:   "serve-nfs",
	Short: "Serve the federated graph read-only over NFSv3",
	Long: `Serve the federated graph read-only over NFSv3. Nodes are directories
and every property is a file holding its values one per line.

With --mount the export is also mounted locally (needs sudo). SIGHUP reloads
every file-backed source; SIGINT or SIGTERM stops the server.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, logger, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer closeRuntime(rt, logger)

		stopMetrics := serveMetrics(viper.GetString("metrics-listen"), logger)
		defer stopMetrics()

		gfs := nfsmount.NewGraphFS(newBrowser(rt), logger)
		srv, err := nfsmount.NewServer(gfs, viper.GetString("listen"), logger)
		if err != nil {
			return err
		}
		defer func() { _ = srv.Close() }() // safe to ignore

		if mountpoint := viper.GetString("mount"); mountpoint != "" {
			if err := nfsmount.Mount(srv.Port(), mountpoint); err != nil {
				return err
			}
			logger.Info("Mounted federated graph", "mountpoint", mountpoint, "port", srv.Port())
			defer func() {
				if err := nfsmount.Unmount(mountpoint); err != nil {
					logger.Error(err, "Unmount failed", "mountpoint", mountpoint)
				}
			}()
		}

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				logger.Info("Shutting down NFS server")
				return nil
			case <-srv.Done():
				return errors.New("nfs server stopped unexpectedly")
			case <-hup:
				reloadAll(ctx, rt, logger)
			}
		}
	},
}

func init() {
	serveNFSCmd.Flags().String("listen", "127.0.0.1:0", "Address the NFS server listens on")
	serveNFSCmd.Flags().String("mount", "", "Mount the export at this directory")
	serveNFSCmd.Flags().String("metrics-listen", "", "Address for the Prometheus /metrics endpoint (disabled when empty)")
	rootCmd.AddCommand(serveNFSCmd)
}

// reloadAll refreshes every file-backed source, logging failures.
func reloadAll(ctx context.Context, rt *config.Runtime, logger logr.Logger) {
	for _, source := range rt.Reloadable() {
		if _, err := rt.Reload(ctx, source); err != nil {
			logger.Error(err, "Reload failed", "source", source)
		}
	}
}

// closeRuntime shuts the repository down, waiting briefly for connections
// still in flight.
func closeRuntime(rt *config.Runtime, logger logr.Logger) {
	rt.Repository.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if !rt.Repository.AwaitTermination(ctx, drainTimeout) {
		logger.Info("Connections still open at shutdown", "open", rt.Repository.OpenConnections())
	}
	if err := rt.Close(); err != nil {
		logger.Error(err, "Closing sources failed")
	}
}

// serveMetrics exposes the federation metrics on addr. The returned func
// stops the endpoint.
func serveMetrics(addr string, logger logr.Logger) func() {
	if addr == "" {
		return func() {}
	}
	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "Metrics endpoint stopped", "addr", addr)
		}
	}()
	logger.V(logging.VERBOSE).Info("Serving metrics", "addr", addr)
	return func() { _ = srv.Close() }
}
