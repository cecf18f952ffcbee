package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"TrailWatch/internal/watchdog"
	"TrailWatch/pkg/config"
	"TrailWatch/pkg/logger"
)

func Execute() error {
	return NewRoot().Execute()
}

func NewRoot() *cobra.Command {
	var addr string
	root := &cobra.Command{
		Use:           "watchdog",
		Short:         "Control-time safety watchdog",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(); err != nil {
				return err
			}
			if addr == "" {
				addr = config.GlobalConfig.Watchdog.ControlAddr
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&addr, "addr", "", "control API address (default from WATCHDOG_CONTROL_ADDR)")
	client := func() *Client { return NewClient(addr) }

	root.AddCommand(
		ServeCmd(),
		ArmCmd(client),
		AckCmd(client),
		SnoozeCmd(client),
		CancelCmd(client),
		SOSCmd(client),
		StatusCmd(client),
		OnlineCmd(client),
	)
	return root
}

// ServeCmd runs the daemon in the foreground until SIGINT or SIGTERM.
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the watchdog daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.GlobalConfig
			if err := logger.Init(&cfg.Log, cfg.Mode); err != nil {
				return err
			}
			defer logger.Sync()

			app, err := watchdog.New(cfg, watchdog.Options{})
			if err != nil {
				return err
			}
			if err := app.Start(cmd.Context(), true); err != nil {
				_ = app.Close(context.Background())
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop
			logger.Info("shutting down watchdog")

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := app.Close(ctx); err != nil {
				logger.Warn("close watchdog", zap.Error(err))
			}
			return nil
		},
	}
}
