package sweepd

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"proxysweep/services/sweepd/chain"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Amount is a whole-token amount that may carry a fractional part.
type Amount struct {
	decimal.Decimal
}

// UnmarshalYAML accepts numbers and numeric strings.
func (a *Amount) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("amount must be a number")
	}
	return a.UnmarshalText([]byte(value.Value))
}

// UnmarshalText accepts numeric strings.
func (a *Amount) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		a.Decimal = decimal.Zero
		return nil
	}
	parsed, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("parse amount %q: %w", raw, err)
	}
	a.Decimal = parsed
	return nil
}

// Config captures the runtime configuration for sweepd.
type Config struct {
	Endpoint       string      `yaml:"endpoint" toml:"endpoint"`
	ProxyAddress   string      `yaml:"proxy_address" toml:"proxy_address"`
	ToAddress      string      `yaml:"to_address" toml:"to_address"`
	FromAddresses  []string    `yaml:"from_addresses" toml:"from_addresses"`
	LeaveFree      Amount      `yaml:"leave_free" toml:"leave_free"`
	ProxyDelay     uint64      `yaml:"proxy_delay" toml:"proxy_delay"`
	RoundFrequency float64     `yaml:"round_frequency" toml:"round_frequency"`
	RetryWindow    uint64      `yaml:"retry_window" toml:"retry_window"`
	PollSchedule   string      `yaml:"poll_schedule" toml:"poll_schedule"`
	ListenAddress  string      `yaml:"listen" toml:"listen"`
	JournalPath    string      `yaml:"journal_path" toml:"journal_path"`
	LogFile        string      `yaml:"log_file" toml:"log_file"`
	LogLevel       string      `yaml:"log_level" toml:"log_level"`
	Relay          RelayConfig `yaml:"relay" toml:"relay"`
	RPC            RPCConfig   `yaml:"rpc" toml:"rpc"`
	Chain          ChainConfig `yaml:"chain" toml:"chain"`
	Admin          AdminConfig `yaml:"admin" toml:"admin"`
}

// RelayConfig configures the signing relay holding the proxy key.
type RelayConfig struct {
	URL       string   `yaml:"url" toml:"url"`
	Token     string   `yaml:"token" toml:"token"`
	TokenFile string   `yaml:"token_file" toml:"token_file"`
	TokenEnv  string   `yaml:"token_env" toml:"token_env"`
	Timeout   Duration `yaml:"timeout" toml:"timeout"`
}

// RPCConfig tunes the node JSON-RPC client.
type RPCConfig struct {
	Timeout           Duration `yaml:"timeout" toml:"timeout"`
	Retries           int      `yaml:"retries" toml:"retries"`
	RequestsPerSecond float64  `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int      `yaml:"burst" toml:"burst"`
}

// ChainConfig describes the runtime layout of the target chain.
type ChainConfig struct {
	MultiAddress bool        `yaml:"multi_address" toml:"multi_address"`
	Calls        CallsConfig `yaml:"calls" toml:"calls"`
}

// CallsConfig overrides runtime call indices.
type CallsConfig struct {
	TransferKeepAlive *CallIndexConfig `yaml:"transfer_keep_alive" toml:"transfer_keep_alive"`
	Proxy             *CallIndexConfig `yaml:"proxy" toml:"proxy"`
	Announce          *CallIndexConfig `yaml:"announce" toml:"announce"`
	ProxyAnnounced    *CallIndexConfig `yaml:"proxy_announced" toml:"proxy_announced"`
}

// CallIndexConfig is a pallet/call index pair.
type CallIndexConfig struct {
	Pallet uint8 `yaml:"pallet" toml:"pallet"`
	Call   uint8 `yaml:"call" toml:"call"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token" toml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file" toml:"bearer_token_file"`
}

// LoadEnvFile loads KEY=value pairs from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// LoadConfig reads configuration from the supplied path and applies SWEEP_*
// environment overrides. An empty path configures from the environment only.
func LoadConfig(path string) (Config, error) {
	return loadConfig(path, os.LookupEnv)
}

func loadConfig(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{}
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Relay.normalise(lookup); err != nil {
		return cfg, fmt.Errorf("relay credentials: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := cfg.normaliseAccounts(); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			*dst = strings.TrimSpace(value)
		}
	}
	str("SWEEP_ENDPOINT", &cfg.Endpoint)
	str("SWEEP_TO_ADDRESS", &cfg.ToAddress)
	str("SWEEP_PROXY_ADDRESS", &cfg.ProxyAddress)
	str("SWEEP_RELAY_URL", &cfg.Relay.URL)
	str("SWEEP_RELAY_TOKEN", &cfg.Relay.Token)
	str("SWEEP_ADMIN_TOKEN", &cfg.Admin.BearerToken)
	if value, ok := lookup("SWEEP_FROM_ADDRESSES"); ok && strings.TrimSpace(value) != "" {
		cfg.FromAddresses = nil
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				cfg.FromAddresses = append(cfg.FromAddresses, part)
			}
		}
	}
	if value, ok := lookup("SWEEP_ROUND_FREQUENCY"); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Errorf("SWEEP_ROUND_FREQUENCY: %w", err)
		}
		cfg.RoundFrequency = parsed
	}
	if value, ok := lookup("SWEEP_PROXY_DELAY"); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return fmt.Errorf("SWEEP_PROXY_DELAY: %w", err)
		}
		cfg.ProxyDelay = parsed
	}
	if value, ok := lookup("SWEEP_LEAVE_FREE"); ok && strings.TrimSpace(value) != "" {
		if err := cfg.LeaveFree.UnmarshalText([]byte(value)); err != nil {
			return fmt.Errorf("SWEEP_LEAVE_FREE: %w", err)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.PollSchedule == "" {
		cfg.PollSchedule = DefaultPollSchedule
	}
	if cfg.RetryWindow == 0 {
		cfg.RetryWindow = DefaultRetryWindow
	}
	if cfg.RPC.Timeout.Duration == 0 {
		cfg.RPC.Timeout.Duration = 30 * time.Second
	}
	if cfg.RPC.Retries == 0 {
		cfg.RPC.Retries = 3
	}
	if cfg.Relay.Timeout.Duration == 0 {
		cfg.Relay.Timeout.Duration = 2 * time.Minute
	}
}

func validateConfig(cfg Config) error {
	endpoint, err := url.Parse(cfg.Endpoint)
	if strings.TrimSpace(cfg.Endpoint) == "" || err != nil {
		return fmt.Errorf("endpoint must be configured")
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return fmt.Errorf("endpoint must be an http(s) url, got %q", cfg.Endpoint)
	}
	if strings.TrimSpace(cfg.Relay.URL) == "" {
		return fmt.Errorf("relay.url must be configured")
	}
	if cfg.ToAddress == "" {
		return fmt.Errorf("to_address must be configured")
	}
	if len(cfg.FromAddresses) == 0 {
		return fmt.Errorf("from_addresses must list at least one account")
	}
	seen := make(map[string]struct{}, len(cfg.FromAddresses))
	for _, from := range cfg.FromAddresses {
		if _, dup := seen[from]; dup {
			return fmt.Errorf("from_addresses lists %s more than once", from)
		}
		if from == cfg.ToAddress {
			return fmt.Errorf("from_addresses must not include to_address %s", from)
		}
		seen[from] = struct{}{}
	}
	if cfg.LeaveFree.Sign() < 0 {
		return fmt.Errorf("leave_free must not be negative")
	}
	if cfg.RoundFrequency < 0 || math.IsNaN(cfg.RoundFrequency) || math.IsInf(cfg.RoundFrequency, 0) {
		return fmt.Errorf("round_frequency must be a non-negative number")
	}
	if _, err := cron.ParseStandard(cfg.PollSchedule); err != nil {
		return fmt.Errorf("poll_schedule %q: %w", cfg.PollSchedule, err)
	}
	if cfg.Admin.BearerToken == "" {
		return fmt.Errorf("admin bearer_token must be configured")
	}
	return nil
}

func (c *Config) normaliseAccounts() error {
	var err error
	if c.ToAddress != "" {
		if c.ToAddress, err = chain.NormalizeAccount(c.ToAddress); err != nil {
			return fmt.Errorf("to_address: %w", err)
		}
	}
	if c.ProxyAddress != "" {
		if c.ProxyAddress, err = chain.NormalizeAccount(c.ProxyAddress); err != nil {
			return fmt.Errorf("proxy_address: %w", err)
		}
	}
	for i, from := range c.FromAddresses {
		if c.FromAddresses[i], err = chain.NormalizeAccount(from); err != nil {
			return fmt.Errorf("from_addresses[%d]: %w", i, err)
		}
	}
	return nil
}

func (r *RelayConfig) normalise(lookup func(string) (string, bool)) error {
	if r == nil {
		return fmt.Errorf("relay configuration missing")
	}
	r.URL = strings.TrimSpace(r.URL)
	r.Token = strings.TrimSpace(r.Token)
	r.TokenEnv = strings.TrimSpace(r.TokenEnv)
	r.TokenFile = strings.TrimSpace(r.TokenFile)
	if r.Token != "" {
		return nil
	}
	switch {
	case r.TokenEnv != "":
		value, _ := lookup(r.TokenEnv)
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("token_env %s is empty", r.TokenEnv)
		}
		r.Token = strings.TrimSpace(value)
	case r.TokenFile != "":
		contents, err := os.ReadFile(r.TokenFile)
		if err != nil {
			return fmt.Errorf("read token_file: %w", err)
		}
		r.Token = strings.TrimSpace(string(contents))
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	return nil
}

// Settings returns the scheduler view of the configuration.
func (c Config) Settings() Settings {
	return Settings{
		Destination:    c.ToAddress,
		Proxy:          c.ProxyAddress,
		Sources:        append([]string(nil), c.FromAddresses...),
		Retained:       c.LeaveFree.Decimal,
		Delay:          c.ProxyDelay,
		RoundFrequency: c.RoundFrequency,
		RetryWindow:    c.RetryWindow,
	}
}

// CallIndices applies the configured overrides to the default runtime layout.
func (c ChainConfig) CallIndices() chain.CallIndices {
	indices := chain.DefaultCallIndices
	apply := func(dst *chain.CallIndex, override *CallIndexConfig) {
		if override != nil {
			*dst = chain.CallIndex{Pallet: override.Pallet, Call: override.Call}
		}
	}
	apply(&indices.TransferKeepAlive, c.Calls.TransferKeepAlive)
	apply(&indices.Proxy, c.Calls.Proxy)
	apply(&indices.Announce, c.Calls.Announce)
	apply(&indices.ProxyAnnounced, c.Calls.ProxyAnnounced)
	return indices
}
