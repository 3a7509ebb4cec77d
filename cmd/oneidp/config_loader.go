package main

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"

	"github.com/oneidp/oneidp/internal/config"
)

// loadConfig reads and validates the YAML config file at path.
// ghodss/yaml round-trips the document through JSON, so the json
// struct tags serve both formats.
func loadConfig(path string) (config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("read config file: %w", err)
	}

	var c config.Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return config.Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := c.Validate(); err != nil {
		return config.Config{}, err
	}
	return c, nil
}
