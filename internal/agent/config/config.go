// Package config loads the subnet agent's file-based configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Vault locates the agent-local encrypted store. ID is the identifier token
// scopes are checked against; it defaults to the subnet ID.
type Vault struct {
	ID          string `yaml:"id"`
	StoragePath string `yaml:"storage_path"`
	KeyMaterial string `yaml:"key_material"`
}

// AdapterConfig enables one adapter and carries its options.
type AdapterConfig struct {
	Enabled bool              `yaml:"enabled"`
	Options map[string]string `yaml:"options"`
}

// TLS configures the agent's listener certificate.
type TLS struct {
	Enabled  bool   `yaml:"enabled"`
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// Config is the full agent configuration file.
type Config struct {
	AgentID    string                   `yaml:"agent_id"`
	SubnetID   string                   `yaml:"subnet_id"`
	ListenHost string                   `yaml:"listen_host"`
	ListenPort int                      `yaml:"listen_port"`
	LedgerPath string                   `yaml:"ledger_path"`
	TokenKey   string                   `yaml:"token_key"`
	// RedisURL points at the shared nonce store. Empty means an in-process
	// store, which only upholds at-most-once within this single agent.
	RedisURL   string                   `yaml:"redis_url"`
	Vault      Vault                    `yaml:"vault"`
	Adapters   map[string]AdapterConfig `yaml:"adapters"`
	TLS        TLS                      `yaml:"tls"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent config: %w", err)
	}
	cfg := &Config{
		ListenHost: "127.0.0.1",
		ListenPort: 8750,
		LedgerPath: "audit.jsonl",
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}
	if cfg.Vault.ID == "" {
		cfg.Vault.ID = cfg.SubnetID
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.AgentID == "":
		return fmt.Errorf("agent config: agent_id is required")
	case c.SubnetID == "":
		return fmt.Errorf("agent config: subnet_id is required")
	case c.TokenKey == "":
		return fmt.Errorf("agent config: token_key is required")
	case c.Vault.StoragePath == "":
		return fmt.Errorf("agent config: vault.storage_path is required")
	case c.Vault.KeyMaterial == "":
		return fmt.Errorf("agent config: vault.key_material is required")
	case c.ListenPort <= 0 || c.ListenPort > 65535:
		return fmt.Errorf("agent config: listen_port %d is out of range", c.ListenPort)
	}
	if c.TLS.Enabled && (c.TLS.CertPath == "" || c.TLS.KeyPath == "") {
		return fmt.Errorf("agent config: tls requires cert_path and key_path")
	}
	return nil
}

// ListenAddr joins host and port for http.Server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}

// EnabledAdapters returns the names of adapters marked enabled.
func (c *Config) EnabledAdapters() []string {
	var names []string
	for name, ac := range c.Adapters {
		if ac.Enabled {
			names = append(names, name)
		}
	}
	return names
}
