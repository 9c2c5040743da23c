package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// serveConfig is the optional YAML configuration for the serve command.
// Flags set on the command line take precedence over file values.
type serveConfig struct {
	Listen         string   `yaml:"listen"`
	WasmPath       string   `yaml:"wasm_path"`
	ScratchDir     string   `yaml:"scratch_dir"`
	LibraryDir     string   `yaml:"library_dir"`
	Extensions     []string `yaml:"extensions"`
	TimeoutSeconds int64    `yaml:"timeout_seconds"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
}

func defaultConfigPath() (string, error) {
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "rwasmd", "config.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "rwasmd", "config.yaml"), nil
}

// loadServeConfig reads the config at path, or the default location when
// path is empty. A missing file is not an error; a present but invalid
// file is.
func loadServeConfig(path string) (serveConfig, error) {
	explicit := path != ""
	if !explicit {
		var err error
		path, err = defaultConfigPath()
		if err != nil {
			return serveConfig{}, err
		}
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return serveConfig{}, nil
		}
		return serveConfig{}, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := serveConfig{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return serveConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
