package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rahul/jarvis/internal/gateway"
	"github.com/rahul/jarvis/internal/observability"
	"github.com/rahul/jarvis/internal/realtime"
	"github.com/rahul/jarvis/pkg/config"
)

const heartbeatInterval = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket server, scheduler and chat gateways",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.HTTPAddr = addr
			}

			registry := realtime.NewRegistry(logger, realtime.WithMaxConnections(cfg.Server.MaxConnections))
			a, err := buildApp(cfg, logger, registry, registry.Len)
			if err != nil {
				return err
			}
			defer a.Close()

			observability.PrintBanner(os.Stdout, cfg.Server.HTTPAddr)
			logger.Info("starting",
				zap.String("backend", a.backend.Name()),
				zap.String("planner", cfg.Agent.Planner),
				zap.String("addr", cfg.Server.HTTPAddr))

			g, ctx := errgroup.WithContext(cmd.Context())

			server := gateway.NewServer(cfg.Server, a.svc, registry, logger)
			g.Go(func() error { return server.Start(ctx) })

			g.Go(func() error {
				a.scheduler.Start(ctx)
				return nil
			})

			g.Go(func() error {
				ticker := time.NewTicker(heartbeatInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						a.status.Heartbeat()
					}
				}
			})

			for _, m := range messengers(cfg, a, logger) {
				g.Go(func() error {
					if err := m.Start(ctx); err != nil && ctx.Err() == nil {
						logger.Error("gateway stopped", zap.String("gateway", m.Name()), zap.Error(err))
					}
					return nil
				})
			}

			err = g.Wait()
			logger.Info("shut down")
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override server.http_addr")
	return cmd
}

// messengers builds the enabled chat gateways. One that fails to
// initialize is logged and skipped; the server runs without it.
func messengers(cfg *config.Config, a *app, logger *zap.Logger) []gateway.Messenger {
	var out []gateway.Messenger
	if gw, ok := cfg.GetGateway("telegram"); ok {
		tg, err := gateway.NewTelegramGateway(gw.Token, a.svc, logger)
		if err != nil {
			logger.Error("failed to initialize gateway", zap.String("gateway", "telegram"), zap.Error(err))
		} else {
			out = append(out, tg)
		}
	}
	if gw, ok := cfg.GetGateway("discord"); ok {
		dg, err := gateway.NewDiscordGateway(gw.Token, a.svc, logger)
		if err != nil {
			logger.Error("failed to initialize gateway", zap.String("gateway", "discord"), zap.Error(err))
		} else {
			out = append(out, dg)
		}
	}
	return out
}
