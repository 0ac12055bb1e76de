package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the YAML file Initialize looks for in the config
// directory.
const ConfigFileName = "aegis.yaml"

// Initialize loads, merges, validates, and returns ready-to-use
// configuration. This is the single entry point for configuration loading.
//
// Steps performed:
//  1. Load aegis.yaml from configDir (absent file falls back to defaults)
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Parse YAML into the typed Config
//  4. Merge user values over built-in defaults
//  5. Validate everything, collecting field-scoped errors
//  6. Log a redacted summary
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"store_backend", cfg.Store.Backend,
		"providers", len(cfg.Providers),
		"workers", cfg.Workers.Max,
		"stripes", cfg.Workers.Stripes,
		"rpc_addr", cfg.Server.RPCAddr,
		"http_addr", cfg.Server.HTTPAddr)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	cfg := Defaults()
	cfg.configDir = configDir

	user, found, err := loadYAMLFile(filepath.Join(configDir, ConfigFileName))
	if err != nil {
		return nil, NewLoadError(ConfigFileName, err)
	}
	if !found {
		slog.Warn("No configuration file found, using built-in defaults",
			"path", filepath.Join(configDir, ConfigFileName))
		return cfg, nil
	}

	// User values override defaults; maps merge key-wise so a partial
	// weights or timeouts block keeps the defaults for unnamed roles.
	if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}
	// Provider lists replace rather than merge: a user declaring providers
	// owns the whole set.
	if len(user.Providers) > 0 {
		cfg.Providers = user.Providers
	}
	return cfg, nil
}

// loadYAMLFile reads and parses one YAML file. The boolean reports whether
// the file existed.
func loadYAMLFile(path string) (*Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &cfg, true, nil
}

func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}
