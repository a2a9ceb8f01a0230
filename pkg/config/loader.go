package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// routesYAML is the routes.yaml file structure.
type routesYAML struct {
	Routes []RouteDefinition `yaml:"routes"`
}

// flagsYAML is the flags.yaml file structure.
type flagsYAML struct {
	Flags map[string]*FlagConfig `yaml:"flags"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load canopy.yaml, routes.yaml, flags.yaml from configDir
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Merge user YAML over built-in defaults
//  4. Compute the snapshot hash over the expanded file bytes
//  5. Validate all configuration
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"config_hash", cfg.Hash(),
		"routes", stats.Routes,
		"utterances", stats.Utterances,
		"flags", stats.Flags,
		"model_tiers", stats.Models)

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	user := &Config{}
	canopyBytes, err := loader.loadYAML("canopy.yaml", user)
	if err != nil {
		return nil, NewLoadError("canopy.yaml", err)
	}

	var routes routesYAML
	routesBytes, err := loader.loadYAML("routes.yaml", &routes)
	if err != nil {
		return nil, NewLoadError("routes.yaml", err)
	}

	// flags.yaml is optional: a deployment without experiments runs with
	// an empty flag registry.
	var flags flagsYAML
	flagsBytes, err := loader.loadYAML("flags.yaml", &flags)
	if err != nil {
		if !errors.Is(err, ErrConfigNotFound) {
			return nil, NewLoadError("flags.yaml", err)
		}
		slog.Info("No flags.yaml found, running without feature flags")
	}

	// Merge user config over built-in defaults (non-zero user values win)
	cfg := DefaultConfig()
	if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}

	cfg.configDir = configDir
	cfg.Routes = routes.Routes
	if flags.Flags != nil {
		cfg.Flags = flags.Flags
	}
	cfg.hash = snapshotHash(canopyBytes, routesBytes, flagsBytes)

	return cfg, nil
}

// snapshotHash fingerprints the expanded configuration bytes. The hash is
// stable across identical deployments: file order is fixed and the digest
// covers content only.
func snapshotHash(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

func validate(cfg *Config) error {
	v := &validator{cfg: cfg}
	return v.validateAll()
}

type configLoader struct {
	configDir string
}

// loadYAML reads, env-expands, and parses one YAML file. Returns the
// expanded bytes so the loader can hash them.
func (l *configLoader) loadYAML(filename string, target any) ([]byte, error) {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return data, nil
}

// SortedFlagNames returns flag names in deterministic order for logging.
func (c *Config) SortedFlagNames() []string {
	names := make([]string, 0, len(c.Flags))
	for name := range c.Flags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
