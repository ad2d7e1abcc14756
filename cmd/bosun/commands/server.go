package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bosun-dev/bosun/internal/common/config"
)

var serverPort int

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the orchestrator with its control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, func(cfg *config.Config) {
			if serverPort > 0 {
				cfg.Server.Port = serverPort
			}
		})
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.controlServer().Start(ctx); err != nil {
			return executionError(err)
		}
		return nil
	},
}

func init() {
	serverCmd.Flags().IntVar(&serverPort, "port", 0, "override the listen port")
	rootCmd.AddCommand(serverCmd)
}
