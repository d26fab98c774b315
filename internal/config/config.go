package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultHubPath is appended to the server root to reach the chat hub.
const DefaultHubPath = "/hubs/chat"

// Config represents the global ~/.bookchat/config.toml.
type Config struct {
	// APIBaseURL is the REST base, including the API path suffix,
	// e.g. "https://bookings.example.com/api".
	APIBaseURL string `toml:"api_base_url"`
	// HubPath overrides DefaultHubPath when set.
	HubPath string `toml:"hub_path"`
	// DefaultProfile selects the profile used when no flag is given.
	DefaultProfile string `toml:"default_profile"`
}

// HubURL derives the chat hub address from the REST base: the trailing
// "/api" segment is stripped and the hub path appended.
func (c *Config) HubURL() string {
	root := strings.TrimSuffix(strings.TrimSuffix(c.APIBaseURL, "/"), "/api")
	path := c.HubPath
	if path == "" {
		path = DefaultHubPath
	}
	return root + path
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
