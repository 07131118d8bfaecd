package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/keysync/internal/app"
	"github.com/florianilch/keysync/internal/configstore"
)

// envPrefix is stripped from environment variables during config loading
// (e.g., KEYSYNC_PROVIDERS__GITHUB__CLIENT_ID → providers.github.client_id)
const envPrefix = "KEYSYNC_"

// settingsFileName is looked up next to config.json when --config is not
// given. Invocations started by the OS for a redirect carry no flags, yet
// must reach the same bridge as the serving instance.
const settingsFileName = "settings.toml"

// defaultSettingsPath is replaced in tests.
var defaultSettingsPath = func() (string, error) {
	storePath, err := configstore.DefaultPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(storePath), settingsFileName), nil
}

// resolveSettingsPath returns the explicit path, or the per-user settings
// file if one exists, or "" when there is nothing to load.
func resolveSettingsPath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	path, err := defaultSettingsPath()
	if err != nil {
		// No home directory: run on env, flags and defaults alone
		return "", nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("checking settings file: %w", err)
	}
	return path, nil
}

// isListKey reports whether key holds a list that env vars pass as a
// comma-separated value.
func isListKey(key string) bool {
	return key == "server.allowed_origins" || strings.HasSuffix(key, ".scopes")
}

func splitList(value string) []string {
	items := []string{}
	for item := range strings.SplitSeq(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// loadConfig loads application configuration from various sources with precedence:
// settings file → environment variables → CLI flags → defaults.
// Without configPath the per-user settings.toml is used when it exists.
func loadConfig(configPath string, cmd *cli.Command, environFunc func() []string) (*app.Config, error) {
	k := koanf.New(".")

	configPath, err := resolveSettingsPath(configPath)
	if err != nil {
		return nil, err
	}

	// 1. Load from config file if provided or present at the default location
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// 2. Load from environment variables
	envProvider := env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			stripped := strings.TrimPrefix(key, envPrefix)
			nested := strings.ToLower(strings.ReplaceAll(stripped, "__", "."))
			if isListKey(nested) {
				return nested, splitList(value)
			}
			return nested, value
		},
		EnvironFunc: environFunc,
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	// 3. Load from CLI flags if provided
	if cmd != nil {
		flagValues := extractAndTransformFlags(cmd)
		if err := k.Load(confmap.Provider(flagValues, "."), nil); err != nil {
			return nil, fmt.Errorf("loading CLI flags: %w", err)
		}
	}

	config := &app.Config{}
	if err := k.UnmarshalWithConf("", config, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := config.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// extractAndTransformFlags transforms CLI flag names to match config structure.
// Includes parent flags. Examples: --server--host → server.host, --log-level → log_level
func extractAndTransformFlags(cmd *cli.Command) map[string]any {
	values := make(map[string]any)

	for _, name := range cmd.FlagNames() {
		// Skip unset flags to preserve precedence from earlier config sources
		if !cmd.IsSet(name) {
			continue
		}

		if value := cmd.Value(name); value != nil {
			key := strings.ReplaceAll(name, "--", ".")
			key = strings.ReplaceAll(key, "-", "_")
			values[key] = value
		}
	}

	return values
}
