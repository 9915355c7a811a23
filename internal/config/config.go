package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted by config.ledger.backend.
const (
	BackendMemory   = "memory"
	BackendEthereum = "ethereum"
)

// Duration wraps time.Duration so YAML values like "2m" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models traceline.yml.
type Config struct {
	Ledger struct {
		Backend        string   `yaml:"backend"`
		RPCURL         string   `yaml:"rpc_url"`
		ChainID        int64    `yaml:"chain_id"`
		GasLimit       uint64   `yaml:"gas_limit"`
		ConfirmTimeout Duration `yaml:"confirm_timeout"`
		Identity       string   `yaml:"identity"`
		Contracts      struct {
			BatchRegistry     string `yaml:"batch_registry"`
			InspectionManager string `yaml:"inspection_manager"`
		} `yaml:"contracts"`
		Keys map[string]string `yaml:"keys"`
	} `yaml:"ledger"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with traceline init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case BackendMemory:
	case BackendEthereum:
		if c.Ledger.RPCURL == "" {
			return fmt.Errorf("config.ledger.rpc_url is required for the ethereum backend")
		}
		if c.Ledger.ChainID <= 0 {
			return fmt.Errorf("config.ledger.chain_id must be positive")
		}
		if c.Ledger.Contracts.BatchRegistry == "" {
			return fmt.Errorf("config.ledger.contracts.batch_registry is required for the ethereum backend")
		}
		if c.Ledger.Contracts.InspectionManager == "" {
			return fmt.Errorf("config.ledger.contracts.inspection_manager is required for the ethereum backend")
		}
		if len(c.Ledger.Keys) == 0 {
			return fmt.Errorf("config.ledger.keys must hold at least one signing key for the ethereum backend")
		}
		for identity, key := range c.Ledger.Keys {
			if identity == "" {
				return fmt.Errorf("config.ledger.keys contains an empty identity")
			}
			if key == "" {
				return fmt.Errorf("config.ledger.keys entry %s has an empty key", identity)
			}
		}
	case "":
		return fmt.Errorf("config.ledger.backend is required (memory or ethereum)")
	default:
		return fmt.Errorf("config.ledger.backend %q is not supported (memory or ethereum)", c.Ledger.Backend)
	}
	if c.Ledger.ConfirmTimeout < 0 {
		return fmt.Errorf("config.ledger.confirm_timeout must not be negative")
	}
	if c.Ledger.Identity == "" && c.Ledger.Backend == BackendEthereum {
		return fmt.Errorf("config.ledger.identity is required for the ethereum backend")
	}
	if c.Ledger.Identity != "" && c.Ledger.Backend == BackendEthereum {
		if _, ok := c.Ledger.Keys[c.Ledger.Identity]; !ok {
			return fmt.Errorf("config.ledger.identity %s has no entry in config.ledger.keys", c.Ledger.Identity)
		}
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "traceline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `ledger:
  backend: memory
  confirm_timeout: 2m

  # Ethereum backend settings. Uncomment and fill in to write to a real chain.
  # backend: ethereum
  # rpc_url: http://127.0.0.1:8545
  # chain_id: 1337
  # gas_limit: 3000000
  # identity: producer-1
  # contracts:
  #   batch_registry: "0x0000000000000000000000000000000000000000"
  #   inspection_manager: "0x0000000000000000000000000000000000000000"
  # keys:
  #   producer-1: "<hex private key>"

server:
  addr: 127.0.0.1:8787
  base_path: /v0
  jwt_secret: ""
`
