package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oriys/depot/internal/config"
	"github.com/oriys/depot/internal/logging"
	"github.com/oriys/depot/internal/observability"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	backend     string
	kvStore     string
	cachePreset string
	logLevel    string
	logFormat   string

	cfg *config.Config
)

// shutdownTracing flushes spans once the command finishes, whether or not it
// succeeded. cobra skips PersistentPostRunE on failure.
var shutdownTracing = observability.Shutdown

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := execute(ctx, newRootCmd(), os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, rootCmd *cobra.Command, args []string) error {
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			logging.Op().Warn("tracing shutdown failed", "error", err)
		}
	}()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "depot",
		Short:         "Depot - cache-augmented record storage",
		Long:          "Store, fetch and benchmark records over the memory, kv, secure and object backends",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			cfg = c

			logging.InitStructured(cfg.Log.Format, cfg.Log.Level)
			if err := observability.Init(cmd.Context(), cfg.Tracing); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "Backend: memory, kv, secure, object")
	rootCmd.PersistentFlags().StringVar(&kvStore, "kv-store", "", "Key-value store: memory, redis, fs, s3")
	rootCmd.PersistentFlags().StringVar(&cachePreset, "cache", "", "Cache preset: default, aggressive, none")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text, json")

	rootCmd.AddCommand(
		putCmd(),
		getCmd(),
		listCmd(),
		deleteCmd(),
		clearCmd(),
		benchCmd(),
		keygenCmd(),
	)
	return rootCmd
}

func loadConfig() (*config.Config, error) {
	c, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if backend != "" {
		c.Backend = backend
	}
	if kvStore != "" {
		c.KV.Store = kvStore
	}
	if cachePreset != "" {
		c.Cache.Preset = cachePreset
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	if logFormat != "" {
		c.Log.Format = logFormat
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}
