package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTreasury = "So11111111111111111111111111111111111111112"

func validConfig() Config {
	cfg := Default()
	cfg.Payment.Treasury = testTreasury
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, uint64(100000), cfg.Payment.Amount)
	assert.Equal(t, uint64(10458941), cfg.Payment.AssetID)
	assert.Equal(t, 60*time.Second, cfg.Replay.Window)
	assert.Equal(t, 5*time.Second, cfg.Replay.Skew)
	assert.Equal(t, uint64(50), cfg.Payment.SlippageBips)
	assert.Equal(t, 24*time.Hour, cfg.Export.OutcomeTTL)
	assert.False(t, cfg.Oracle.Strict)

	// no treasury
	assert.Error(t, cfg.Validate())
	assert.NoError(t, validConfig().Validate())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settled.yaml")
	doc := `
network: algorand-mainnet
payment:
  treasury: ` + testTreasury + `
  amount: 250000
replay:
  window: 30s
oracle:
  url: http://oracle.local/price
  strict: true
signer:
  keys:
    agent-1: somekey
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "algorand-mainnet", cfg.Network)
	assert.Equal(t, uint64(250000), cfg.Payment.Amount)
	assert.Equal(t, 30*time.Second, cfg.Replay.Window)
	assert.True(t, cfg.Oracle.Strict)
	assert.Equal(t, "somekey", cfg.Signer.Keys["agent-1"])
	// untouched sections keep defaults
	assert.Equal(t, 5*time.Second, cfg.Replay.Skew)
	assert.Equal(t, uint64(10458941), cfg.Payment.AssetID)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SETTLE_TOLL_AMOUNT", "42")
	t.Setenv("SETTLE_PROOF_WINDOW", "90s")
	t.Setenv("SETTLE_ORACLE_STRICT", "true")
	t.Setenv("SETTLE_TREASURY", testTreasury)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cfg.Payment.Amount)
	assert.Equal(t, 90*time.Second, cfg.Replay.Window)
	assert.True(t, cfg.Oracle.Strict)
	assert.Equal(t, testTreasury, cfg.Payment.Treasury)
}

func TestApplyEnvInvalid(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(func(name string) (string, bool) {
		if name == "SETTLE_TOLL_AMOUNT" {
			return "lots", true
		}
		return "", false
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SETTLE_TOLL_AMOUNT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad treasury", func(c *Config) { c.Payment.Treasury = "nope" }, "payment.treasury"},
		{"zero amount", func(c *Config) { c.Payment.Amount = 0 }, "payment.amount"},
		{"zero asset", func(c *Config) { c.Payment.AssetID = 0 }, "payment.asset_id"},
		{"bips too high", func(c *Config) { c.Payment.SlippageBips = 10001 }, "default_slippage_bips"},
		{"zero window", func(c *Config) { c.Replay.Window = 0 }, "replay.window"},
		{"negative skew", func(c *Config) { c.Replay.Skew = -time.Second }, "replay.skew"},
		{"no node", func(c *Config) { c.Node.URL = "" }, "node.url"},
		{"strict without oracle", func(c *Config) { c.Oracle.Strict = true }, "oracle.url"},
		{"short seal key", func(c *Config) { c.Export.SealKey = "abcd" }, "seal_key"},
		{"zero outcome ttl", func(c *Config) { c.Export.OutcomeTTL = 0 }, "outcome_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExampleFileLoads(t *testing.T) {
	cfg, err := Load("settled.example.yaml")
	require.NoError(t, err)
	assert.Equal(t, Default().Payment, cfg.Payment)
	assert.Equal(t, Default().Replay, cfg.Replay)
	assert.Empty(t, cfg.Signer.Keys)
}
