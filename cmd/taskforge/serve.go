package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskforge/taskforge/internal/app"
	"github.com/taskforge/taskforge/internal/conf"
	"github.com/taskforge/taskforge/internal/logging"
)

func newServeCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the taskforge daemon: scheduler, executor, and control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := conf.Load(dataDir)
			logger, logFile := logging.New(cfg.LogDir, slog.LevelInfo, "daemon")
			defer logFile.Close()

			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory holding taskforge.json overrides")
	return cmd
}
