package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models launchpad.yml.
type Config struct {
	Server   Server    `yaml:"server"`
	Backend  Backend   `yaml:"backend"`
	Ledger   Ledger    `yaml:"ledger"`
	Storage  Storage   `yaml:"storage"`
	Upstream Upstream  `yaml:"upstream"`
	Identity Identity  `yaml:"identity"`
	Launch   Launch    `yaml:"launch"`
	Webhooks []Webhook `yaml:"webhooks"`
	Log      Log       `yaml:"log"`
}

type Server struct {
	Addr      string  `yaml:"addr"`
	BasePath  string  `yaml:"base_path"`
	APIKey    string  `yaml:"api_key"`
	JWTSecret string  `yaml:"jwt_secret"`
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// Backend points the CLI at a running backend. Empty URL means direct mode.
type Backend struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

type Ledger struct {
	RPCURL            string        `yaml:"rpc_url"`
	Commitment        string        `yaml:"commitment"`
	ConfirmTimeout    time.Duration `yaml:"confirm_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

type Storage struct {
	URL    string `yaml:"url"`
	Key    string `yaml:"key"`
	Bucket string `yaml:"bucket"`
}

type Upstream struct {
	PumpIPFSURL   string        `yaml:"pump_ipfs_url"`
	PumpPortalURL string        `yaml:"pumpportal_url"`
	IdentityURL   string        `yaml:"identity_url"`
	Slippage      float64       `yaml:"slippage"`
	PriorityFee   float64       `yaml:"priority_fee"`
	Pool          string        `yaml:"pool"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
}

type Identity struct {
	MaxNameAttempts int           `yaml:"max_name_attempts"`
	MaxRetries      int           `yaml:"max_retries"`
	BaseBackoff     time.Duration `yaml:"base_backoff"`
}

type Launch struct {
	TradingURLBase  string `yaml:"trading_url_base"`
	ContractAddress string `yaml:"contract_address"`
}

// Webhook receives launch events whose status is in Events (all events when empty).
type Webhook struct {
	ID     string   `yaml:"id"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with launchpad init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Ledger.RPCURL != "" {
		if err := checkURL("ledger.rpc_url", c.Ledger.RPCURL); err != nil {
			return err
		}
	}
	switch c.Ledger.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("config.ledger.commitment must be processed, confirmed or finalized")
	}
	if c.Ledger.ConfirmTimeout <= 0 {
		return fmt.Errorf("config.ledger.confirm_timeout must be positive")
	}
	if c.Ledger.PollInterval <= 0 {
		return fmt.Errorf("config.ledger.poll_interval must be positive")
	}
	if c.Backend.URL != "" {
		if err := checkURL("backend.url", c.Backend.URL); err != nil {
			return err
		}
	}
	if c.Storage.URL != "" {
		if err := checkURL("storage.url", c.Storage.URL); err != nil {
			return err
		}
		if c.Storage.Bucket == "" {
			return fmt.Errorf("config.storage.bucket is required when storage.url is set")
		}
	}
	for name, raw := range map[string]string{
		"upstream.pump_ipfs_url":  c.Upstream.PumpIPFSURL,
		"upstream.pumpportal_url": c.Upstream.PumpPortalURL,
		"upstream.identity_url":   c.Upstream.IdentityURL,
		"launch.trading_url_base": c.Launch.TradingURLBase,
	} {
		if err := checkURL(name, raw); err != nil {
			return err
		}
	}
	if c.Upstream.Slippage < 0 || c.Upstream.PriorityFee < 0 {
		return fmt.Errorf("config.upstream slippage and priority_fee must not be negative")
	}
	if c.Identity.MaxNameAttempts < 1 {
		return fmt.Errorf("config.identity.max_name_attempts must be at least 1")
	}
	if c.Identity.MaxRetries < 1 {
		return fmt.Errorf("config.identity.max_retries must be at least 1")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("config.server.rate_limit must not be negative")
	}
	seen := map[string]bool{}
	for i, hook := range c.Webhooks {
		if hook.ID == "" {
			return fmt.Errorf("config.webhooks[%d].id is required", i)
		}
		if seen[hook.ID] {
			return fmt.Errorf("config.webhooks has duplicate id %s", hook.ID)
		}
		seen[hook.ID] = true
		if err := checkURL(fmt.Sprintf("webhooks[%d].url", i), hook.URL); err != nil {
			return err
		}
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not a known level", c.Log.Level)
	}
	return nil
}

func checkURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("config.%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config.%s must be an http(s) URL", name)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "launchpad.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the defaults if the config file does not exist.
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

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from data keep their
// default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  api_key: ""
  jwt_secret: ""
  rate_limit: 5
  burst: 10

backend:
  url: ""
  api_key: ""

ledger:
  rpc_url: https://api.mainnet-beta.solana.com
  commitment: confirmed
  confirm_timeout: 60s
  poll_interval: 2s
  requests_per_second: 8

storage:
  url: ""
  key: ""
  bucket: token-images

upstream:
  pump_ipfs_url: https://pump.fun/api/ipfs
  pumpportal_url: https://pumpportal.fun/api/trade-local
  identity_url: https://www.moltbook.com/api/v1/agents/register
  slippage: 10
  priority_fee: 0.0005
  pool: pump
  timeout: 30s
  max_retries: 2

identity:
  max_name_attempts: 5
  max_retries: 3
  base_backoff: 1s

launch:
  trading_url_base: https://pump.fun/coin/
  contract_address: ""

webhooks: []

log:
  level: info
  json: false
`
