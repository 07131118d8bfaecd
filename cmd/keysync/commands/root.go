package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/keysync/internal/app"
	"github.com/florianilch/keysync/internal/observability"
)

// environ is replaced in tests.
var environ = os.Environ

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "keysync",
		Usage: "Local OAuth client for GitHub, Discord and Google",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to settings file (TOML), default: settings.toml next to config.json if present",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "server--host",
				Usage: "bridge host",
				Value: app.DefaultConfigServerHost,
			},
			&cli.IntFlag{
				Name:  "server--port",
				Usage: "bridge port",
				Value: int(app.DefaultConfigServerPort),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			loginCommand(),
			callbackCommand(),
			userInfoCommand(),
			statusCommand(),
			configCommand(),
			secretCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the token manager and its local bridge",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json|otel)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "store--path",
				Usage: "path to config.json",
			},
			&cli.BoolFlag{
				Name:  "store--watch",
				Usage: "announce external changes of config.json",
			},
			&cli.StringFlag{
				Name:  "redirect--scheme",
				Usage: "custom URI scheme providers redirect to",
			},
			&cli.DurationFlag{
				Name:  "flow--timeout",
				Usage: "how long a login waits for its callback",
			},
		},
		Action: serveAction,
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd.String("config"), cmd, environ)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	flush, err := observability.Instrument(ctx, cfg.LogLevel, string(cfg.LogFormat))
	if err != nil {
		return fmt.Errorf("failed to set up observability layer: %w", err)
	}
	defer func() {
		if err := flush(context.Background()); err != nil {
			fmt.Fprintln(os.Stderr, "flushing logs:", err)
		}
	}()

	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	slog.InfoContext(ctx, "starting")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}
