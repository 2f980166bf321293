package config

import (
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/loadtest/internal/account"
	"github.com/gateway-fm/loadtest/pkg/types"
)

func TestCalculateRequiredAccounts(t *testing.T) {
	tests := []struct {
		name        string
		targetTPS   int
		blockTimeMS int
		want        int
	}{
		{
			name:        "low TPS clamps to minimum",
			targetTPS:   10,
			blockTimeMS: DefaultBlockTimeMS,
			want:        MinAccounts,
		},
		{
			name:        "100 TPS with 250ms blocks",
			targetTPS:   100,
			blockTimeMS: 250,
			want:        2, // ceil(100 * 0.25 / 30 * 1.5)
		},
		{
			name:        "1000 TPS with 1s blocks",
			targetTPS:   1000,
			blockTimeMS: 1000,
			want:        50,
		},
		{
			name:        "3000 TPS with 2s blocks",
			targetTPS:   3000,
			blockTimeMS: 2000,
			want:        300,
		},
		{
			name:        "very high TPS capped at max",
			targetTPS:   10_000_000,
			blockTimeMS: 1000,
			want:        MaxAccountsLimit,
		},
		{
			name:        "negative block time uses default",
			targetTPS:   1000,
			blockTimeMS: -100,
			want:        50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateRequiredAccounts(tt.targetTPS, tt.blockTimeMS)
			if got != tt.want {
				t.Errorf("CalculateRequiredAccounts(%d, %d) = %d, want %d",
					tt.targetTPS, tt.blockTimeMS, got, tt.want)
			}
		})
	}
}

func TestEstimateMaxTPS(t *testing.T) {
	tests := []struct {
		name        string
		numAccounts int
		blockTimeMS int
		want        int
	}{
		{"10 accounts with 250ms blocks", 10, 250, 1200},
		{"100 accounts with 1s blocks", 100, 1000, 3000},
		{"single account", 1, 1000, 30},
		{"no accounts floors at one", 0, 1000, 1},
		{"zero block time uses default", 100, 0, 3000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateMaxTPS(tt.numAccounts, tt.blockTimeMS)
			if got != tt.want {
				t.Errorf("EstimateMaxTPS(%d, %d) = %d, want %d",
					tt.numAccounts, tt.blockTimeMS, got, tt.want)
			}
		})
	}
}

func TestCheckAccountSufficiency(t *testing.T) {
	tests := []struct {
		name        string
		numAccounts int
		targetTPS   int
		blockTimeMS int
		wantWarning bool
	}{
		{"sufficient accounts", 100, 50, 250, false},
		{"insufficient accounts", 1, 10000, 1000, true},
		{"zero TPS returns no warning", 10, 0, 250, false},
		{"zero accounts returns no warning", 0, 100, 250, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			warning := CheckAccountSufficiency(tt.numAccounts, tt.targetTPS, tt.blockTimeMS)
			if (warning != "") != tt.wantWarning {
				t.Errorf("CheckAccountSufficiency(%d, %d, %d) warning=%q, wantWarning=%v",
					tt.numAccounts, tt.targetTPS, tt.blockTimeMS, warning, tt.wantWarning)
			}
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "1000", want: "1000"},
		{in: "  42 wei ", want: "42"},
		{in: "20gwei", want: "20000000000"},
		{in: "1.5 gwei", want: "1500000000"},
		{in: "0.1ether", want: "100000000000000000"},
		{in: "2ETH", want: "2000000000000000000"},
		{in: "1e18", want: "1000000000000000000"},
		{in: "0", want: "0"},
		{in: "", wantErr: true},
		{in: "ether", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "1.5", wantErr: true},
		{in: "ten", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			want, _ := new(big.Int).SetString(tt.want, 10)
			assert.Zero(t, want.Cmp(got), "got %s", got)
		})
	}
}

func validConfig() Config {
	return Config{
		Scenario:        string(types.ScenarioOutgoing),
		Node:            NodeConfig{URL: "http://localhost:8545", Kind: "geth", Timeout: time.Second},
		FundingKey:      account.TestPrivateKeys[0],
		Accounts:        10,
		Concurrency:     4,
		TxCount:         100,
		FundingAmount:   "1ether",
		TransferAmount:  "1",
		SafetyMargin:    "0",
		AcceptTimeout:   time.Second,
		CommitTimeout:   time.Minute,
		Grace:           time.Second,
		ExhaustionGrace: time.Second,
		Finality:        string(types.FinalityCommitted),
		PollInterval:    100 * time.Millisecond,
		ReportInterval:  time.Second,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantField string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "duration only", mutate: func(c *Config) { c.TxCount = 0; c.Duration = time.Minute }},
		{name: "0x prefixed key", mutate: func(c *Config) { c.FundingKey = "0x" + c.FundingKey }},
		{name: "unknown scenario", mutate: func(c *Config) { c.Scenario = "spike" }, wantField: "scenario"},
		{name: "missing node url", mutate: func(c *Config) { c.Node.URL = "" }, wantField: "node.url"},
		{name: "websocket node url", mutate: func(c *Config) { c.Node.URL = "ws://localhost:8546" }, wantField: "node.url"},
		{name: "http ws url", mutate: func(c *Config) { c.Node.WSURL = "http://localhost:8546" }, wantField: "node.ws_url"},
		{name: "unknown node kind", mutate: func(c *Config) { c.Node.Kind = "besu" }, wantField: "node.kind"},
		{name: "missing funding key", mutate: func(c *Config) { c.FundingKey = "" }, wantField: "funding_key"},
		{name: "malformed funding key", mutate: func(c *Config) { c.FundingKey = "abc" }, wantField: "funding_key"},
		{name: "zero accounts", mutate: func(c *Config) { c.Accounts = 0 }, wantField: "accounts"},
		{name: "too many accounts", mutate: func(c *Config) { c.Accounts = MaxAccountsLimit + 1 }, wantField: "accounts"},
		{name: "negative concurrency", mutate: func(c *Config) { c.Concurrency = -1 }, wantField: "concurrency"},
		{name: "no bound", mutate: func(c *Config) { c.TxCount = 0 }, wantField: "tx_count"},
		{name: "zero funding", mutate: func(c *Config) { c.FundingAmount = "0" }, wantField: "funding_amount"},
		{name: "bad transfer amount", mutate: func(c *Config) { c.TransferAmount = "lots" }, wantField: "transfer_amount"},
		{name: "zero accept timeout", mutate: func(c *Config) { c.AcceptTimeout = 0 }, wantField: "accept_timeout"},
		{name: "negative grace", mutate: func(c *Config) { c.Grace = -time.Second }, wantField: "grace"},
		{name: "unknown finality", mutate: func(c *Config) { c.Finality = "safe" }, wantField: "finality"},
		{name: "negative max tps", mutate: func(c *Config) { c.MaxTPS = -1 }, wantField: "max_tps"},
		{
			name:      "tip above fee cap",
			mutate:    func(c *Config) { c.GasTipCap = "2gwei"; c.GasFeeCap = "1gwei" },
			wantField: "gas_tip_cap",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var ce *ConfigError
			require.True(t, errors.As(err, &ce), "want *ConfigError, got %v", err)
			assert.Equal(t, tt.wantField, ce.Field)
		})
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "run.yaml", `
scenario: execution
node:
  url: http://node:8545
  ws_url: ws://node:8546
  kind: reth
funding_key: `+account.TestPrivateKeys[1]+`
accounts: 250
account_seed: fill-1
tx_count: 5000
funding_amount: 0.5ether
accept_timeout: 5s
commit_timeout: 2m
grace: 0s
finality: verified
gas_tip_cap: 2gwei
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "execution", cfg.Scenario)
	assert.Equal(t, "http://node:8545", cfg.Node.URL)
	assert.Equal(t, "ws://node:8546", cfg.Node.WSURL)
	assert.Equal(t, "reth", cfg.Node.Kind)
	assert.Equal(t, DefaultNodeTimeout, cfg.Node.Timeout)
	assert.Equal(t, 250, cfg.Accounts)
	assert.Equal(t, "fill-1", cfg.AccountSeed)
	assert.Equal(t, uint64(5000), cfg.TxCount)
	assert.Equal(t, 5*time.Second, cfg.AcceptTimeout)
	assert.Equal(t, 2*time.Minute, cfg.CommitTimeout)
	assert.Equal(t, DefaultConcurrency, cfg.Concurrency)
	assert.Equal(t, DefaultExhaustionGrace, cfg.ExhaustionGrace)

	p, err := cfg.Params()
	require.NoError(t, err)
	assert.Equal(t, types.ScenarioExecution, p.Scenario)
	assert.Equal(t, types.FinalityVerified, p.Finality)
	assert.Equal(t, "500000000000000000", p.FundingAmount.String())
	assert.Equal(t, "2000000000", p.GasTipCap.String())
	assert.Nil(t, p.GasFeeCap)
	assert.Negative(t, p.Grace, "explicit zero grace must survive defaulting")
	assert.False(t, p.UseLegacy)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "run.json", `{
		"scenario": "outgoing",
		"node": {"url": "https://rpc.example.org", "kind": "cdk-erigon"},
		"funding_key": "`+account.TestPrivateKeys[0]+`",
		"duration": "30s",
		"max_tps": 250
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Duration)
	assert.Equal(t, 250.0, cfg.MaxTPS)

	p, err := cfg.Params()
	require.NoError(t, err)
	assert.True(t, p.UseLegacy, "cdk-erigon requires legacy transactions")
	assert.Equal(t, DefaultGrace, p.Grace)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeFile(t, "run.yaml", "scenario: outgoing\naccounts: 10\ntx_count: 10\n")
	t.Setenv("LOADTEST_NODE_URL", "http://env-node:8545")
	t.Setenv("LOADTEST_FUNDING_KEY", account.TestPrivateKeys[2])
	t.Setenv("LOADTEST_ACCOUNTS", "64")
	t.Setenv("LOADTEST_COMMIT_TIMEOUT", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "http://env-node:8545", cfg.Node.URL)
	assert.Equal(t, account.TestPrivateKeys[2], cfg.FundingKey)
	assert.Equal(t, 64, cfg.Accounts)
	assert.Equal(t, 90*time.Second, cfg.CommitTimeout)

	funder, err := cfg.FundingAccount()
	require.NoError(t, err)
	want, err := account.NewAccountFromHex(account.TestPrivateKeys[2])
	require.NoError(t, err)
	assert.Equal(t, want.Address, funder.Address)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	var ce *ConfigError
	assert.True(t, errors.As(err, &ce))

	path := writeFile(t, "bad.yaml", "accounts: [1, 2\n")
	_, err = Load(path)
	assert.True(t, errors.As(err, &ce))

	path = writeFile(t, "types.yaml", "accounts: lots\n")
	_, err = Load(path)
	assert.True(t, errors.As(err, &ce))
}

func TestWarnings(t *testing.T) {
	cfg := validConfig()
	assert.Empty(t, cfg.Warnings())

	cfg.Accounts = 1
	cfg.MaxTPS = 10000
	w := cfg.Warnings()
	require.Len(t, w, 2)
	assert.True(t, strings.HasPrefix(w[0], "insufficient accounts"))
	assert.Contains(t, w[1], "workers share 1 accounts")

	cfg = validConfig()
	cfg.Scenario = string(types.ScenarioExecution)
	cfg.MaxTPS = 10
	cfg.Finality = string(types.FinalityVerified)
	cfg.Node.Kind = "anvil"
	w = cfg.Warnings()
	require.Len(t, w, 2)
	assert.Contains(t, w[0], "ignored")
	assert.Contains(t, w[1], "verified degrades to committed")
}
