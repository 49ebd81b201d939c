// Package main implements the tardb command line tool.
// It ingests CSV files as TARs, runs query plans and inspects the catalog.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tardb/tardb/internal/app"
	"github.com/tardb/tardb/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configFile string
	dataDir    string
	envFile    string
	metrics    string
	quiet      bool
}

var flags globalFlags

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tardb",
		Short:         "tardb - multidimensional array query engine",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flags.quiet {
				log.SetOutput(discard{})
			}
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	pf.StringVar(&flags.dataDir, "data-dir", "", "Base directory for all data files")
	pf.StringVar(&flags.envFile, "env-file", ".env", "Environment file loaded before TARDB_* variables")
	pf.StringVar(&flags.metrics, "metrics-addr", "", "Serve Prometheus metrics on this address")
	pf.BoolVarP(&flags.quiet, "quiet", "q", false, "Suppress engine logs")

	root.AddCommand(newRunCmd(), newIngestCmd(), newListCmd(), newDescribeCmd())
	return root
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig() (*config.Config, error) {
	if flags.envFile != "" {
		if err := godotenv.Load(flags.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", flags.envFile, err)
		}
	}

	var cfg *config.Config
	var err error

	// Start with defaults or load from file
	if flags.configFile != "" {
		cfg, err = config.LoadFromFile(flags.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Apply environment variables
	config.LoadFromEnv(cfg)

	// Apply command line flags (highest priority)
	if flags.dataDir != "" {
		cfg.DataDir = flags.dataDir
	}
	if flags.metrics != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = flags.metrics
	}
	return cfg, nil
}

// withApp starts the engine, runs fn and shuts the engine down.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	// Ctrl-C cancels the running command
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if errCh := a.MetricsErr(); errCh != nil {
		go func() {
			if err, ok := <-errCh; ok && err != nil {
				log.Printf("tardb: metrics server failed: %v", err)
				stop()
			}
		}()
	}

	runErr := fn(ctx, a)
	if err := a.Stop(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
