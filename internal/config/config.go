package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Bigsy/mcpbridge/internal/oauth"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	configDir  = ".config/mcpbridge"
	configFile = "config.json"
)

// ConfigPath returns the full path to the default config file.
func ConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, configDir, configFile), nil
}

// ExpandPath expands a leading "~/" to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads the configuration from the default path.
// Returns a new empty config if the file doesn't exist.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the configuration from a specific path, decoding YAML for
// .yaml/.yml files and JSON otherwise. Returns a new empty config if the file
// doesn't exist. Host environment overrides are applied.
func LoadFrom(path string) (*Config, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}

	cfg := NewConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	case isYAML(path):
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Host.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("host environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if c.SchemaVersion == 0 {
		c.SchemaVersion = SchemaVersion
	}
	if c.SchemaVersion > SchemaVersion {
		return fmt.Errorf("schema version %d is newer than supported %d", c.SchemaVersion, SchemaVersion)
	}
	if c.Servers == nil {
		c.Servers = make(map[string]ServerConfig)
	}

	// Backfill ServerConfig.ID from map keys and fold the legacy url key.
	for id, srv := range c.Servers {
		if srv.ID == "" {
			srv.ID = id
		}
		if srv.URL == "" && srv.RemoteURL != "" {
			srv.URL = srv.RemoteURL
		}
		srv.RemoteURL = ""
		c.Servers[id] = srv
	}

	if _, err := oauth.ParseStoreMode(c.SecretStore); err != nil {
		return err
	}
	return c.Host.normalize()
}

// Save writes the configuration to the default path atomically.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTo(cfg, path)
}

// SaveTo writes the configuration to a specific path atomically, using a
// temp file + rename.
func SaveTo(cfg *Config, path string) error {
	path, err := ExpandPath(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	cfg.LastModified = time.Now().UTC()

	var data []byte
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// AddServer validates srv and adds it, generating a UUID when ID is empty.
// Returns an error if a server with the same name already exists.
func (c *Config) AddServer(srv ServerConfig) (string, error) {
	if err := srv.Validate(); err != nil {
		return "", err
	}
	if existing := c.FindServerByName(srv.Name); existing != nil {
		return "", fmt.Errorf("server with name %q already exists", srv.Name)
	}
	if err := c.checkNamespace(srv); err != nil {
		return "", err
	}

	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	if _, exists := c.Servers[srv.ID]; exists {
		return "", fmt.Errorf("server id %q already exists", srv.ID)
	}

	c.Servers[srv.ID] = srv
	return srv.ID, nil
}

// FindServerByName returns the server with the given name, or nil if not found.
func (c *Config) FindServerByName(name string) *ServerConfig {
	for _, srv := range c.Servers {
		if srv.Name == name {
			return &srv
		}
	}
	return nil
}

// DeleteServerByName removes a server by name.
func (c *Config) DeleteServerByName(name string) error {
	for id, srv := range c.Servers {
		if srv.Name == name {
			return c.DeleteServer(id)
		}
	}
	return fmt.Errorf("server %q not found", name)
}

// UpdateServer replaces an existing server configuration.
func (c *Config) UpdateServer(srv ServerConfig) error {
	if _, exists := c.Servers[srv.ID]; !exists {
		return fmt.Errorf("server %q not found", srv.ID)
	}
	if err := srv.Validate(); err != nil {
		return err
	}
	if err := c.checkNamespace(srv); err != nil {
		return err
	}
	c.Servers[srv.ID] = srv
	return nil
}

// checkNamespace rejects srv when another server's name maps to the same
// tool namespace.
func (c *Config) checkNamespace(srv ServerConfig) error {
	ns := srv.ToolNamespace()
	for id, other := range c.Servers {
		if id == srv.ID {
			continue
		}
		if other.ToolNamespace() == ns {
			return fmt.Errorf("server name %q collides with %q: both map to tool namespace %q", srv.Name, other.Name, ns)
		}
	}
	return nil
}

// DeleteServer removes a server from the config.
func (c *Config) DeleteServer(id string) error {
	if _, exists := c.Servers[id]; !exists {
		return fmt.Errorf("server %q not found", id)
	}
	delete(c.Servers, id)
	return nil
}
