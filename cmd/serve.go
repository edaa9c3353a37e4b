// File: cmd/serve.go
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/netlogger/internal/browser"
	"github.com/xkilldash9x/netlogger/internal/config"
	"github.com/xkilldash9x/netlogger/internal/notify"
	"github.com/xkilldash9x/netlogger/internal/observability"
	"github.com/xkilldash9x/netlogger/internal/server"
	"github.com/xkilldash9x/netlogger/internal/session"
)

func newServeCmd() *cobra.Command {
	var addr string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control server with live updates over WebSocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.SetServerAddr(addr)
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("invalid --addr: %w", err)
				}
			}

			logger := observability.GetLogger()
			return runServe(cmd.Context(), cfg, newEngine(cfg.Browser(), logger), logger)
		},
	}

	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	return serveCmd
}

// runServe blocks until ctx is cancelled. On the way out the active session, if
// any, is stopped before the hub closes.
func runServe(ctx context.Context, cfg config.Interface, engine browser.Engine, logger *zap.Logger) error {
	hub := notify.NewHub(logger, cfg.Server().WSSendBuffer)
	ctrl := session.NewController(engine, cfg, logger, session.WithNotifier(hub))
	srv := server.NewServer(cfg, ctrl, hub, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Browser().TeardownTimeout+stopGrace)
		defer cancel()
		ctrl.Stop(stopCtx)
		hub.Shutdown()
		return nil
	})

	logger.Info("netlogger control server starting.", zap.String("addr", cfg.Server().Addr))
	return g.Wait()
}
