package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models verus.yml. It is resolved once at startup and handed into
// each component constructor; nothing reads the environment past this point.
type Config struct {
	Actor struct {
		Name    string `yaml:"name"`
		Address string `yaml:"address"`
		AgentID int64  `yaml:"agent_id"`
		URL     string `yaml:"url"`
	} `yaml:"actor"`
	Server struct {
		Addr            string        `yaml:"addr"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Facilitator struct {
		URL string `yaml:"url"`
	} `yaml:"facilitator"`
	Validator struct {
		URL string `yaml:"url"`
	} `yaml:"validator"`
	Payment struct {
		ChainID  int64                    `yaml:"chain_id"`
		Networks map[string]NetworkConfig `yaml:"networks"`
		Prices   map[string]Price         `yaml:"prices"`
	} `yaml:"payment"`
	Registry struct {
		SigningKey      string        `yaml:"signing_key"`
		FeedbackAuthTTL time.Duration `yaml:"feedback_auth_ttl"`
	} `yaml:"registry"`
	Ledger struct {
		AgentsTopic string `yaml:"agents_topic"`
	} `yaml:"ledger"`
	Timeouts struct {
		Store    time.Duration `yaml:"store"`
		Log      time.Duration `yaml:"log"`
		Registry time.Duration `yaml:"registry"`
		Payment  time.Duration `yaml:"payment"`
		Oracle   time.Duration `yaml:"oracle"`
	} `yaml:"timeouts"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// NetworkConfig is one entry of the signer dispatch table. Adding a network
// is a data change here, never a code change in callers.
type NetworkConfig struct {
	PrivateKey string `yaml:"private_key"`
	AccountID  string `yaml:"account_id"`
	Address    string `yaml:"address"`
}

// Price declares what a protected route charges.
type Price struct {
	Amount   string `yaml:"amount"`
	Asset    string `yaml:"asset"`
	Decimals int    `yaml:"decimals"`
	Network  string `yaml:"network"`
	PayTo    string `yaml:"pay_to"`
}

// Load reads config from the workspace, applying defaults for anything unset.
func Load(workspace string) (*Config, error) {
	cfg := Default()
	path := Path(workspace)
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config suitable for local development: a single
// dev network and one-token prices on the protected routes.
func Default() *Config {
	cfg := &Config{}
	cfg.Actor.Name = "verus-actor"
	cfg.Actor.Address = "0xfacade"
	cfg.Server.Addr = ":3000"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Payment.ChainID = 296
	cfg.Payment.Networks = map[string]NetworkConfig{
		"hedera-testnet": {
			PrivateKey: "dev-operator-key",
			AccountID:  "0.0.2",
			Address:    "0xfacade",
		},
	}
	cfg.Payment.Prices = map[string]Price{
		"POST /submit-job": {Amount: "1", Asset: "0.0.7171672", Decimals: 0, Network: "hedera-testnet"},
		"POST /verify-job": {Amount: "1", Asset: "0.0.7171672", Decimals: 0, Network: "hedera-testnet"},
	}
	cfg.Registry.SigningKey = "dev-registry-key"
	cfg.Registry.FeedbackAuthTTL = 365 * 24 * time.Hour
	cfg.Timeouts.Store = 5 * time.Second
	cfg.Timeouts.Log = 10 * time.Second
	cfg.Timeouts.Registry = 10 * time.Second
	cfg.Timeouts.Payment = 15 * time.Second
	cfg.Timeouts.Oracle = 30 * time.Second
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"
	return cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Actor.Address == "" {
		return fmt.Errorf("config.actor.address is required")
	}
	if len(c.Payment.Networks) == 0 {
		return fmt.Errorf("config.payment.networks must configure at least one network")
	}
	for name, n := range c.Payment.Networks {
		if name == "" {
			return fmt.Errorf("config.payment.networks contains an empty network name")
		}
		if n.PrivateKey == "" {
			return fmt.Errorf("network %s: private_key is required", name)
		}
	}
	for route, p := range c.Payment.Prices {
		if p.Network == "" {
			return fmt.Errorf("price for %s: network is required", route)
		}
		if p.Amount == "" {
			return fmt.Errorf("price for %s: amount is required", route)
		}
		if _, ok := c.Payment.Networks[p.Network]; !ok {
			return fmt.Errorf("price for %s references unknown network %s", route, p.Network)
		}
	}
	if c.Registry.SigningKey == "" {
		return fmt.Errorf("config.registry.signing_key is required")
	}
	if c.Registry.FeedbackAuthTTL <= 0 {
		return fmt.Errorf("config.registry.feedback_auth_ttl must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "verus.yml")
}
