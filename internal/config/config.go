package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// VaultKeyEnv overrides the configured vault key. Prefer the environment so
// the master secret never sits next to the rest of the config on disk.
const VaultKeyEnv = "AUTOHUB_VAULT_KEY"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Vault     VaultConfig     `yaml:"vault"`
	Brokers   BrokersConfig   `yaml:"brokers"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Routes    RoutesConfig    `yaml:"routes"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Listen       string `yaml:"listen"`
	WebhookToken string `yaml:"webhook_token"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type VaultConfig struct {
	Key string `yaml:"key"`
}

// BrokersConfig points the adapters at broker endpoints. Base URLs and
// endpoint paths are data here so a broker-side URL change only needs a
// config edit and a restart, never a rebuild.
type BrokersConfig struct {
	// Timeout bounds every outbound call made through the shared HTTP client.
	Timeout time.Duration        `yaml:"timeout"`
	Zerodha BrokerEndpointConfig `yaml:"zerodha"`
	Dhan    BrokerEndpointConfig `yaml:"dhan"`
	Binance BrokerEndpointConfig `yaml:"binance"`
}

type BrokerEndpointConfig struct {
	BaseURL string `yaml:"base_url"`
	// Paths overrides named endpoint paths, e.g. orders: /v4/orders. Binance
	// ignores this; its SDK owns the route layout.
	Paths map[string]string `yaml:"paths"`
}

type ReconcileConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type RoutesConfig struct {
	Path      string `yaml:"path"`
	HotReload bool   `yaml:"hot_reload"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Path appends logs to a file in addition to stdout when set.
	Path string `yaml:"path"`
}

func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.StringToTimeDurationHookFunc()
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if key := os.Getenv(VaultKeyEnv); key != "" {
		cfg.Vault.Key = key
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Store.Path == "" {
		c.Store.Path = "autohub.db"
	}
	if c.Reconcile.PollInterval <= 0 {
		c.Reconcile.PollInterval = 15 * time.Second
	}
	if c.Brokers.Timeout <= 0 {
		c.Brokers.Timeout = 15 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func validate(c *Config) error {
	if len(c.Vault.Key) != 32 {
		return fmt.Errorf("vault key must be exactly 32 bytes, got %d (set %s or vault.key)", len(c.Vault.Key), VaultKeyEnv)
	}
	if c.Reconcile.PollInterval < time.Second {
		return fmt.Errorf("reconcile poll_interval %s is below 1s", c.Reconcile.PollInterval)
	}
	if c.Brokers.Timeout < time.Second {
		return fmt.Errorf("brokers timeout %s is below 1s", c.Brokers.Timeout)
	}
	for name, bc := range map[string]BrokerEndpointConfig{
		"zerodha": c.Brokers.Zerodha,
		"dhan":    c.Brokers.Dhan,
		"binance": c.Brokers.Binance,
	} {
		if bc.BaseURL != "" {
			u, err := url.Parse(bc.BaseURL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("brokers.%s.base_url %q is not an absolute URL", name, bc.BaseURL)
			}
		}
		for key, p := range bc.Paths {
			if !strings.HasPrefix(p, "/") {
				return fmt.Errorf("brokers.%s.paths.%s %q must start with /", name, key, p)
			}
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}
