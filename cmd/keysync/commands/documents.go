package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/keysync/internal/app"
	"github.com/florianilch/keysync/internal/bridge"
	"github.com/florianilch/keysync/internal/configstore"
)

// documentAccess reads and replaces config.json.
type documentAccess interface {
	GetConfig(ctx context.Context) (*configstore.Config, error)
	SetConfig(ctx context.Context, cfg *configstore.Config) (*configstore.Config, error)
}

// localDocument edits the file directly when no instance is running.
type localDocument struct {
	store *configstore.Store
}

func (l localDocument) GetConfig(ctx context.Context) (*configstore.Config, error) {
	return l.store.Load(ctx)
}

func (l localDocument) SetConfig(ctx context.Context, cfg *configstore.Config) (*configstore.Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return l.store.Update(ctx, func(current *configstore.Config) error {
		*current = *cfg
		return nil
	})
}

// Compile-time checks for both ways of reaching the document
var (
	_ documentAccess = (*bridge.Client)(nil)
	_ documentAccess = localDocument{}
)

// openDocument prefers the running instance, which serializes writes, and
// falls back to the file.
func openDocument(ctx context.Context, cfg *app.Config) (documentAccess, error) {
	client := bridge.NewClient(cfg.BridgeURL())
	_, err := client.Status(ctx)
	if err == nil {
		return client, nil
	}
	var apiErr *bridge.APIError
	if errors.As(err, &apiErr) {
		return nil, err
	}

	store, err := configstore.New(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	return localDocument{store: store}, nil
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "read or change config.json",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "store--path",
				Usage: "path to config.json",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "get",
				Usage: "print the document",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					doc, err := documentFor(ctx, cmd)
					if err != nil {
						return err
					}
					cfg, err := doc.GetConfig(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.Root().Writer, cfg)
				},
			},
			{
				Name:      "set",
				Usage:     "replace the document with JSON from a file or stdin",
				ArgsUsage: "[file|-]",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					in, err := readDocument(cmd)
					if err != nil {
						return err
					}
					doc, err := documentFor(ctx, cmd)
					if err != nil {
						return err
					}
					cfg, err := doc.SetConfig(ctx, in)
					if err != nil {
						return err
					}
					return printJSON(cmd.Root().Writer, cfg)
				},
			},
			{
				Name:  "path",
				Usage: "print the location of config.json",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadClientConfig(cmd)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(cmd.Root().Writer, cfg.Store.Path)
					return err
				},
			},
			{
				Name:  "set-user",
				Usage: "store the local account credentials",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "email",
						Usage:    "account email",
						Required: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					password, err := readSecret(cmd, "Password: ")
					if err != nil {
						return err
					}
					doc, err := documentFor(ctx, cmd)
					if err != nil {
						return err
					}
					cfg, err := doc.GetConfig(ctx)
					if err != nil {
						return err
					}
					cfg.User = &configstore.UserCredentials{Email: cmd.String("email"), Password: password}
					if _, err := doc.SetConfig(ctx, cfg); err != nil {
						return err
					}
					_, err = fmt.Fprintln(cmd.Root().Writer, "Saved local user", cfg.User.Email)
					return err
				},
			},
		},
	}
}

func secretCommand() *cli.Command {
	return &cli.Command{
		Name:  "secret",
		Usage: "manage OAuth client secrets",
		Commands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "store a provider's client secret in its configured storage",
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
					pc, ok := cfg.Provider(id)
					if !ok {
						return fmt.Errorf("%s is not configured; set providers.%s.client_id first", id, id)
					}
					store, err := pc.Secret.Open(id.String())
					if err != nil {
						return err
					}

					secret, err := readSecret(cmd, fmt.Sprintf("%s client secret: ", id))
					if err != nil {
						return err
					}
					if err := store.Write(ctx, secret); err != nil {
						return fmt.Errorf("storing %s secret: %w", id, err)
					}
					_, err = fmt.Fprintf(cmd.Root().Writer, "Stored %s client secret (%s)\n", id, pc.Secret.Storage)
					return err
				},
			},
		},
	}
}

func documentFor(ctx context.Context, cmd *cli.Command) (documentAccess, error) {
	cfg, err := loadClientConfig(cmd)
	if err != nil {
		return nil, err
	}
	return openDocument(ctx, cfg)
}

func readDocument(cmd *cli.Command) (*configstore.Config, error) {
	var r io.Reader = cmd.Root().Reader
	if name := cmd.Args().First(); name != "" && name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	cfg := configstore.Default()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	if cfg.UserProfiles == nil {
		cfg.UserProfiles = []configstore.UserProfile{}
	}
	return cfg, nil
}
