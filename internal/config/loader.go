package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrEmptyConfig is returned for a config file with no settings in it.
var ErrEmptyConfig = errors.New("config file is empty")

// Load parses the client config at path. ${VAR} references are filled from
// the environment first, so the access token can stay out of the file.
// Errors name the path.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load client config: %w", err)
	}

	text := os.ExpandEnv(string(raw))
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("load client config %s: %w", path, ErrEmptyConfig)
	}

	cfg := &ClientConfig{}
	if err := yaml.Unmarshal([]byte(text), cfg); err != nil {
		return nil, fmt.Errorf("load client config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadWithDefaults is Load with unset fields filled in.
func LoadWithDefaults(path string) (*ClientConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate is the startup path: load, fill defaults, then reject
// settings the session cannot run with.
func LoadAndValidate(path string) (*ClientConfig, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("client config %s: validate config: %w", path, err)
	}
	return cfg, nil
}
