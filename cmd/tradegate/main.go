package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/rendis/tradegate/internal/logging"
)

func main() {
	cmd := &cli.Command{
		Name:  "tradegate",
		Usage: "Human-gated trading workflow engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
				Value:   "tradegate.yaml",
				Sources: cli.EnvVars("TRADEGATE_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			mcpCommand(),
			toolsCommand(),
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(_ context.Context, _ *cli.Command) error {
					printVersion()
					return nil
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "tradegate: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the process logger. Logs go to
// stderr so stdio hosts keep stdout for the protocol.
func setup(cmd *cli.Command) (Config, *slog.Logger, error) {
	cfg, err := loadConfig(cmd.String("config"))
	if err != nil {
		return Config{}, nil, err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
