package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aretw0/databench"
)

var serveCmd = &cobra.Command{
	Use:   "serve [flags] [-- cli args]",
	Short: "Start the analysis server",
	Long: `Starts the HTTP and WebSocket server. Arguments after "--" are handed to
every session as "cli_args" in the "args" action.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, closer, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := append(appOptions(cmd), databench.WithLogger(logger), databench.WithCLIArgs(args))
		app, err := databench.New(ctx, cfg, opts...)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := app.Close(closeCtx); err != nil {
				logger.Warn("Shutdown incomplete", "err", err)
			}
		}()

		if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Address to listen on (default from config, :5000)")
}
