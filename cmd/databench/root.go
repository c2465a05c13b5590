package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/databench"
	"github.com/aretw0/databench/examples/dummypi"
	"github.com/aretw0/databench/internal/config"
	"github.com/aretw0/databench/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "databench",
	Short: "Databench serves interactive data analyses",
	Long: `Databench runs analyses written in Go, in-process or as kernels in
separate processes, and streams their results to browsers over WebSocket.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to the configuration file (default $"+config.EnvPath+" or "+config.DefaultPath+")")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().Bool("with-examples", false, "Also serve the bundled example analyses")
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(config.ResolvePath(path))
	if err != nil {
		return cfg, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if f := cmd.Flags().Lookup("addr"); f != nil && f.Changed {
		cfg.Addr = f.Value.String()
	}
	return cfg, nil
}

// newLogger builds the process logger. The returned closer releases the log file.
func newLogger(cfg config.Config) (*slog.Logger, io.Closer, error) {
	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.Log.File == "" {
		return logging.New(level), io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return logging.NewWithSinks(level, f), f, nil
}

// appOptions returns the analyses compiled into the binary.
func appOptions(cmd *cobra.Command) []databench.Option {
	var opts []databench.Option
	if with, _ := cmd.Flags().GetBool("with-examples"); with {
		opts = append(opts, databench.WithAnalysis(dummypi.Info, dummypi.New))
	}
	return opts
}
