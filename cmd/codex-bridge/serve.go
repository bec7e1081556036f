package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zhubert/codex-bridge/bridge"
	"github.com/zhubert/codex-bridge/logger"
)

func buildServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the bridge protocol on stdin/stdout (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, v)
		},
	}
}

// runServe serves until stdin closes, a shutdown request arrives, or the
// process is interrupted. All three exit 0.
func runServe(cmd *cobra.Command, v *viper.Viper) error {
	if err := setupLogging(cmd, v); err != nil {
		return err
	}
	defer logger.Close()

	settings, err := loadSettings(v)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := bridge.New(cmd.OutOrStdout(), bridge.Options{
		Settings: settings,
		Version:  version,
	})
	logger.Get().Info("codex-bridge starting", "version", version, "session", srv.SessionID(), "pid", os.Getpid())

	err = srv.Serve(ctx, cmd.InOrStdin())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
