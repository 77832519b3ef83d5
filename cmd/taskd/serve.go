package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/nhle/task-sync/internal/httpapi"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sync API and the reminder scanner",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				a.cfg.Server.Addr = addr
			}
			if debug, _ := cmd.Flags().GetBool("debug"); !debug {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if a.cfg.Reminder.Enabled {
				a.scanner.Start()
				defer a.scanner.Stop()
			} else {
				a.logger.Info("reminder scanner disabled")
			}

			srv := httpapi.NewServer(httpapi.Deps{
				Sync:            a.reconciler,
				Subscriptions:   a.store,
				Push:            a.dispatcher,
				Scanner:         a.scanner,
				Auth:            httpapi.NewTokenAuthenticator(a.cfg.Users),
				Logger:          a.logger,
				NotificationURL: a.cfg.Push.URL,
				RequestTimeout:  a.cfg.Server.RequestTimeout,
			})
			return srv.Run(ctx, a.cfg.Server.Addr)
		},
	}

	cmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().Bool("debug", false, "Run gin in debug mode")

	return cmd
}

// commandContext returns the command's context, or Background when the
// command is executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
