package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/keysync/internal/app"
	"github.com/florianilch/keysync/internal/bridge"
	"github.com/florianilch/keysync/internal/provider"
	"github.com/florianilch/keysync/internal/redirect"
)

// The commands below talk to the running instance, which owns pending
// logins and serializes writes to config.json.

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:      "login",
		Usage:     "start a browser login with a provider",
		ArgsUsage: "<github|discord|google>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := providerArg(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadClientConfig(cmd)
			if err != nil {
				return err
			}

			resp, err := bridge.NewClient(cfg.BridgeURL()).Login(ctx, id)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.Root().Writer,
				"Continue the %s login in your browser. If it did not open, visit:\n%s\n", id, resp.AuthURL)
			return err
		},
	}
}

// callbackCommand is what the OS runs for the registered URI scheme. The
// link may be preceded by other arguments.
func callbackCommand() *cli.Command {
	return &cli.Command{
		Name:      "callback",
		Usage:     "forward an authorization redirect to the running instance",
		ArgsUsage: "<uri>",
		// Launchers may append their own flags around the link.
		SkipFlagParsing: true,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadClientConfig(cmd)
			if err != nil {
				return err
			}

			uri, ok := findRedirect(redirect.NewDecoder(cfg.Redirect.Scheme), cmd.Args().Slice())
			if !ok {
				return fmt.Errorf("no %s:// auth link in arguments", cfg.Redirect.Scheme)
			}
			return bridge.NewClient(cfg.BridgeURL()).Callback(ctx, uri)
		},
	}
}

func userInfoCommand() *cli.Command {
	return &cli.Command{
		Name:      "userinfo",
		Usage:     "fetch and store the profile of a logged-in provider",
		ArgsUsage: "<github|discord|google>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := providerArg(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadClientConfig(cmd)
			if err != nil {
				return err
			}

			p, err := bridge.NewClient(cfg.BridgeURL()).UserInfo(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.Root().Writer, p)
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show the login state of every provider",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadClientConfig(cmd)
			if err != nil {
				return err
			}

			status, err := bridge.NewClient(cfg.BridgeURL()).Status(ctx)
			if err != nil {
				return err
			}
			return printStatus(cmd.Root().Writer, status)
		},
	}
}

func printStatus(w io.Writer, status bridge.StatusResponse) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tCONFIGURED\tSTATE\tTOKEN EXPIRES")
	for _, p := range status.Providers {
		expires := "-"
		if p.ExpiresAt != nil {
			expires = p.ExpiresAt.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", p.Provider, p.Configured, p.State, expires)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\nconfig: %s\n", status.ConfigPath)
	return err
}

func loadClientConfig(cmd *cli.Command) (*app.Config, error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, environ)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func providerArg(cmd *cli.Command) (provider.ID, error) {
	name := cmd.Args().First()
	if name == "" {
		return 0, errors.New("missing provider argument")
	}
	id, ok := provider.Parse(name)
	if !ok {
		return 0, fmt.Errorf("unknown provider %q", name)
	}
	return id, nil
}

func findRedirect(d *redirect.Decoder, args []string) (string, bool) {
	for _, arg := range args {
		if d.Matches(arg) {
			return arg, true
		}
	}
	return "", false
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
