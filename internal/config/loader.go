package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	perrors "github.com/coral-mesh/portalca/internal/errors"
	"github.com/coral-mesh/portalca/internal/safe"
)

// PathEnv names the environment variable that selects the config file.
const PathEnv = "PORTALCA_CONFIG"

// ResolvePath picks the config file: the explicit flag value, then
// PORTALCA_CONFIG, then DefaultPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(PathEnv); env != "" {
		return env
	}
	return DefaultPath
}

// Load builds the configuration in layers: defaults, then the YAML file at
// path (a missing file is skipped), then PORTALCA_* environment variables.
// The result is validated; failures wrap ErrConfiguration and, for invalid
// settings, a *MultiValidationError.
func Load(path string) (*Config, error) {
	cfg := Default()

	if err := mergeFromFile(cfg, path); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", perrors.ErrConfiguration, path, err)
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("%w: environment: %w", perrors.ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", perrors.ErrConfiguration, err)
	}
	return cfg, nil
}

func mergeFromFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}

	data, err := safe.ReadFile(path, &safe.Options{AllowSymlinks: true})
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}
