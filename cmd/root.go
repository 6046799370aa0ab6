package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentic-research/federa/internal/browse"
	"github.com/agentic-research/federa/internal/config"
	"github.com/agentic-research/federa/internal/logging"
)

// Version is overridden at build time with -ldflags.
var Version = "0.1.0-dev"

var rootCmd = &cobra.Command{
	Use:   "federa",
	Short: "Federa: one hierarchical graph over many sources",
	Long: `Federa projects several backing sources (SQLite databases, git
repositories, JSON documents, in-memory scratch graphs) into one federated
graph and serves it to the command line, NFS clients and MCP agents.

Flags can also be set as FEDERA_<FLAG> environment variables, including
from .env and .env.local in the working directory.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "federa.hcl", "Path to the federation file")
	flags.StringP("workspace", "w", "", "Federated workspace to use (default: the repository default)")
	flags.IntP("verbosity", "v", logging.DEFAULT, "Log verbosity (2 default, 3 verbose, 4 debug, 5 trace)")
	flags.Bool("await-all", false, "Wait for every source before joining results")
	flags.String("plan-store", "", "SQLite file for merge plans (overrides the federation file)")
}

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("federa")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// openRuntime loads the federation file and builds the repository behind it.
func openRuntime(ctx context.Context) (*config.Runtime, logr.Logger, error) {
	logger, err := logging.New(viper.GetInt("verbosity"))
	if err != nil {
		return nil, logr.Discard(), err
	}
	path := viper.GetString("config")
	fed, err := config.Load(path)
	if err != nil {
		return nil, logger, err
	}
	rt, err := config.Build(logr.NewContext(ctx, logger), fed, config.Options{
		BaseDir:          filepath.Dir(path),
		Logger:           logger,
		PlanStore:        viper.GetString("plan-store"),
		AwaitAllSubtasks: viper.GetBool("await-all"),
	})
	if err != nil {
		return nil, logger, fmt.Errorf("build %s: %w", path, err)
	}
	logger.V(logging.VERBOSE).Info("Federation ready", "config", path, "repository", rt.Repository.Name())
	return rt, logger, nil
}

func newBrowser(rt *config.Runtime) *browse.Browser {
	return browse.New(rt.Repository, viper.GetString("workspace"))
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
