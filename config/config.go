// Package config loads settled's configuration from a YAML file, a .env
// file and SETTLE_* environment variables, in increasing precedence.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/x402-foundation/x402/settle/chain"
	"github.com/x402-foundation/x402/settle/price"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SETTLE_"

// Config is the full service configuration.
type Config struct {
	Network string        `yaml:"network"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Payment PaymentConfig `yaml:"payment"`
	Replay  ReplayConfig  `yaml:"replay"`
	Redis   RedisConfig   `yaml:"redis"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Node    NodeConfig    `yaml:"node"`
	Export  ExportConfig  `yaml:"export"`
	Signer  SignerConfig  `yaml:"signer"`
}

type ServerConfig struct {
	Listen    string `yaml:"listen"`
	OpsListen string `yaml:"ops_listen"`
	// MCP mounts the MCP SSE endpoint under /mcp when set.
	MCP bool `yaml:"mcp"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// PaymentConfig describes the toll a caller pays per action.
type PaymentConfig struct {
	AssetID       uint64        `yaml:"asset_id"`
	AssetSymbol   string        `yaml:"asset_symbol"`
	AssetDecimals int           `yaml:"asset_decimals"`
	Amount        uint64        `yaml:"amount"`
	Treasury      string        `yaml:"treasury"`
	ChallengeTTL  time.Duration `yaml:"challenge_ttl"`
	SlippageBips  uint64        `yaml:"default_slippage_bips"`
	BridgeAppID   uint64        `yaml:"bridge_app_id"`
}

type ReplayConfig struct {
	Window time.Duration `yaml:"window"`
	Skew   time.Duration `yaml:"skew"`
}

// RedisConfig is shared by the replay firewall and the outcome store. An
// empty Addr keeps both in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type OracleConfig struct {
	URL          string        `yaml:"url"`
	Pair         string        `yaml:"pair"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxStaleness time.Duration `yaml:"max_staleness"`
	Strict       bool          `yaml:"strict"`
}

type NodeConfig struct {
	URL        string        `yaml:"url"`
	Token      string        `yaml:"token"`
	WaitRounds uint64        `yaml:"wait_rounds"`
	Timeout    time.Duration `yaml:"timeout"`
}

type ExportConfig struct {
	OutcomeTTL time.Duration `yaml:"outcome_ttl"`
	// SealKey is a hex 32-byte BLAKE3 key. Empty seals unkeyed.
	SealKey string `yaml:"seal_key"`
}

// SignerConfig configures the in-process signing authority.
type SignerConfig struct {
	// Keys maps caller ids to base58 private keys.
	Keys     map[string]string `yaml:"keys"`
	Secret   string            `yaml:"secret"`
	TokenTTL time.Duration     `yaml:"token_ttl"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Network: "algorand-testnet",
		Server: ServerConfig{
			Listen:    ":4021",
			OpsListen: ":4022",
			MCP:       true,
		},
		Log: LogConfig{Level: "info"},
		Payment: PaymentConfig{
			AssetID:       10458941,
			AssetSymbol:   "USDC",
			AssetDecimals: 6,
			Amount:        100000,
			ChallengeTTL:  5 * time.Minute,
			SlippageBips:  50,
		},
		Replay: ReplayConfig{
			Window: 60 * time.Second,
			Skew:   5 * time.Second,
		},
		Oracle: OracleConfig{
			Pair:         "USDC/USD",
			Timeout:      3 * time.Second,
			MaxStaleness: 120 * time.Second,
		},
		Node: NodeConfig{
			URL:        "http://localhost:4001",
			WaitRounds: 10,
			Timeout:    30 * time.Second,
		},
		Export: ExportConfig{OutcomeTTL: 24 * time.Hour},
		Signer: SignerConfig{TokenTTL: 5 * time.Minute},
	}
}

// Load reads path (optional), then .env (optional), then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type override struct {
	name string
	set  func(string) error
}

func (c *Config) overrides() []override {
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	u64 := func(dst *uint64) func(string) error {
		return func(v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			*dst = n
			return err
		}
	}
	dur := func(dst *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			*dst = d
			return err
		}
	}
	boolean := func(dst *bool) func(string) error {
		return func(v string) error {
			b, err := strconv.ParseBool(v)
			*dst = b
			return err
		}
	}
	return []override{
		{"NETWORK", str(&c.Network)},
		{"LISTEN", str(&c.Server.Listen)},
		{"OPS_LISTEN", str(&c.Server.OpsListen)},
		{"MCP", boolean(&c.Server.MCP)},
		{"LOG_LEVEL", str(&c.Log.Level)},
		{"ASSET_ID", u64(&c.Payment.AssetID)},
		{"TOLL_AMOUNT", u64(&c.Payment.Amount)},
		{"TREASURY", str(&c.Payment.Treasury)},
		{"SLIPPAGE_BIPS", u64(&c.Payment.SlippageBips)},
		{"BRIDGE_APP_ID", u64(&c.Payment.BridgeAppID)},
		{"PROOF_WINDOW", dur(&c.Replay.Window)},
		{"PROOF_SKEW", dur(&c.Replay.Skew)},
		{"REDIS_ADDR", str(&c.Redis.Addr)},
		{"REDIS_PASSWORD", str(&c.Redis.Password)},
		{"ORACLE_URL", str(&c.Oracle.URL)},
		{"ORACLE_STRICT", boolean(&c.Oracle.Strict)},
		{"ORACLE_MAX_STALENESS", dur(&c.Oracle.MaxStaleness)},
		{"NODE_URL", str(&c.Node.URL)},
		{"NODE_TOKEN", str(&c.Node.Token)},
		{"NODE_WAIT_ROUNDS", u64(&c.Node.WaitRounds)},
		{"OUTCOME_TTL", dur(&c.Export.OutcomeTTL)},
		{"SEAL_KEY", str(&c.Export.SealKey)},
		{"SIGNER_SECRET", str(&c.Signer.Secret)},
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, o := range c.overrides() {
		v, ok := lookup(EnvPrefix + o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.set(v); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, o.name, err)
		}
	}
	return nil
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Network == "" {
		return errors.New("network is required")
	}
	if c.Payment.Treasury == "" {
		return errors.New("payment.treasury is required")
	}
	if _, err := chain.ParseAddress(c.Payment.Treasury); err != nil {
		return fmt.Errorf("payment.treasury: %w", err)
	}
	if c.Payment.AssetID == 0 {
		return errors.New("payment.asset_id is required")
	}
	if c.Payment.Amount == 0 {
		return errors.New("payment.amount must be positive")
	}
	if err := price.ValidateBips(c.Payment.SlippageBips); err != nil {
		return fmt.Errorf("payment.default_slippage_bips: %w", err)
	}
	if c.Replay.Window <= 0 {
		return errors.New("replay.window must be positive")
	}
	if c.Replay.Skew < 0 {
		return errors.New("replay.skew must not be negative")
	}
	if c.Node.URL == "" {
		return errors.New("node.url is required")
	}
	if c.Oracle.Strict && c.Oracle.URL == "" {
		return errors.New("oracle.url is required when oracle.strict is set")
	}
	if c.Export.OutcomeTTL <= 0 {
		return errors.New("export.outcome_ttl must be positive")
	}
	if c.Export.SealKey != "" {
		key, err := hex.DecodeString(c.Export.SealKey)
		if err != nil || len(key) != 32 {
			return errors.New("export.seal_key must be 64 hex characters")
		}
	}
	return nil
}
