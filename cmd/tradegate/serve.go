package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/rendis/tradegate/internal/approval"
	"github.com/rendis/tradegate/internal/httpapi"
	"github.com/rendis/tradegate/internal/scheduler"
	"github.com/rendis/tradegate/internal/tools"
	"github.com/rendis/tradegate/pkg/mcp"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API, the watchlist scheduler and optionally the MCP host on stdio",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "HTTP listen address (overrides server.http.addr)",
			},
			&cli.BoolFlag{
				Name:  "mcp",
				Usage: "also host the trade tools over MCP stdio",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			if addr := cmd.String("addr"); addr != "" {
				cfg.Server.HTTP.Addr = addr
			}
			if cmd.Bool("mcp") {
				cfg.Server.MCP = true
			}
			return runHosts(ctx, cfg, logger, true, cfg.Server.MCP)
		},
	}
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Run the MCP host on stdio",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			return runHosts(ctx, cfg, logger, false, true)
		},
	}
}

func toolsCommand() *cli.Command {
	return &cli.Command{
		Name:  "tools",
		Usage: "Simulated market tools",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Serve the simulated tools as an MCP server on stdio",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, logger, err := setup(cmd)
					if err != nil {
						return err
					}
					return serveTools(ctx, cfg, logger)
				},
			},
		},
	}
}

// runHosts wires the engine and runs the selected hosts until ctx is done
// or one of them fails.
func runHosts(ctx context.Context, cfg Config, logger *slog.Logger, withHTTP, withMCP bool) error {
	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	return rt.run(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var hosts []func(context.Context) error
		if withHTTP {
			srv := httpapi.NewServer(cfg.Server.HTTP, httpapi.Deps{
				Executor:  rt.executor,
				FanOut:    rt.fanout,
				Watchlist: rt.watchlist(),
				Validator: rt.validator,
				Logger:    logger,
			})
			hosts = append(hosts, srv.ListenAndServe)
		}
		if withMCP {
			trade := mcp.NewTradeServer(mcp.TradeServerDeps{
				Executor:  rt.executor,
				Watchlist: rt.watchlist(),
				Validator: rt.validator,
				Logger:    logger,
			})
			hosts = append(hosts,
				func(ctx context.Context) error { return trade.Notifier().Run(ctx, rt.fanout) },
				trade.Serve,
			)
		}

		errCh := make(chan error, len(hosts))
		for _, h := range hosts {
			go func() { errCh <- h(ctx) }()
		}

		var first error
		for range hosts {
			err := <-errCh
			if err != nil && !errors.Is(err, context.Canceled) && first == nil {
				first = err
			}
			// The first host to return takes the others down with it.
			cancel()
		}
		if first == nil {
			logger.Info("tradegate stopped")
		}
		return first
	})
}

// watchReporter matches the watchlist views of the HTTP and MCP hosts.
type watchReporter interface {
	Watches() []scheduler.WatchStatus
}

// watchlist returns nil when no watchlist is configured so hosts see a
// nil interface rather than a nil *Scheduler.
func (rt *runtime) watchlist() watchReporter {
	if rt.scheduler == nil {
		return nil
	}
	return rt.scheduler
}

// serveTools exposes the simulated tool set over MCP stdio. Approval tokens
// verify against approval.token_secret, which must match the engine's.
func serveTools(ctx context.Context, cfg Config, logger *slog.Logger) error {
	if cfg.Approval.TokenSecret == "" {
		logger.Warn("approval.token_secret is empty; execute will reject tokens from other processes")
	}
	tokens, err := approval.NewTokenIssuer(cfg.Approval.TokenSecret, cfg.Approval.TokenTTL)
	if err != nil {
		return err
	}
	reg, err := tools.NewBuiltinRegistry(tools.BuiltinOptions{
		Verifier: tokens,
		Quantity: cfg.Tools.Quantity,
	})
	if err != nil {
		return err
	}
	return mcp.NewToolServer(reg, logger).Serve(ctx)
}
