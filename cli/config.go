package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the defaults loaded from the optional YAML config file.
// Command line flags override every field.
type Config struct {
	Connection         string `yaml:"connection"`
	SourceAddress      uint8  `yaml:"source_address"`
	DestinationAddress uint8  `yaml:"destination_address"`
	TimeoutMs          int    `yaml:"timeout_ms"`
}

// DefaultPath returns ~/.canadapter/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".canadapter", "config.yaml")
	}
	return filepath.Join(home, ".canadapter", "config.yaml")
}

// LoadConfig reads the YAML config. A missing file is not an error; the
// built-in defaults are returned.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		Connection:         "sim",
		SourceAddress:      0xF9,
		DestinationAddress: 0xFF,
		TimeoutMs:          2000,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Timeout converts the millisecond setting.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}
