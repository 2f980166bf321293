// Package config loads and validates run descriptions.
package config

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/spf13/viper"

	"github.com/gateway-fm/loadtest/internal/account"
	"github.com/gateway-fm/loadtest/internal/execnode"
	"github.com/gateway-fm/loadtest/internal/scenario"
	"github.com/gateway-fm/loadtest/pkg/types"
)

// EnvPrefix prefixes environment overrides, e.g. LOADTEST_NODE_URL.
const EnvPrefix = "LOADTEST"

// Defaults
const (
	DefaultScenario        = string(types.ScenarioOutgoing)
	DefaultNodeURL         = "http://localhost:8545"
	DefaultNodeKind        = "generic"
	DefaultNodeTimeout     = 2 * time.Second
	DefaultAccounts        = 100
	DefaultConcurrency     = scenario.DefaultConcurrency
	DefaultFundingAmount   = "0.1ether"
	DefaultTransferAmount  = "1"
	DefaultSafetyMargin    = "0"
	DefaultAcceptTimeout   = scenario.DefaultAcceptTimeout
	DefaultCommitTimeout   = scenario.DefaultCommitTimeout
	DefaultGrace           = scenario.DefaultGrace
	DefaultExhaustionGrace = scenario.DefaultExhaustionGrace
	DefaultFinality        = string(types.FinalityCommitted)
	DefaultPollInterval    = scenario.DefaultPollInterval
	DefaultQueryRate       = 500.0
	DefaultReportInterval  = scenario.DefaultReportInterval
	DefaultBlockTimeMS     = 1000

	AccountSafetyMargin   = 1.5   // 50% extra accounts for safety
	TxsPerAccountPerBlock = 30    // sequential accepted txs one account sustains per block
	MinAccounts           = 1     // Minimum accounts for any run
	MaxAccountsLimit      = 10000 // Maximum accounts to prevent resource exhaustion
)

// ConfigError reports a malformed run description. It is fatal before any
// transaction is sent.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Msg
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

func fieldError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// NodeConfig describes the node under test.
type NodeConfig struct {
	URL string `mapstructure:"url"`
	// WSURL enables newHeads notifications when set.
	WSURL string `mapstructure:"ws_url"`
	// Kind selects the capability profile (generic, geth, reth, cdk-erigon, anvil).
	Kind    string        `mapstructure:"kind"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Config is a run description. Amounts are decimal strings with an optional
// unit suffix (wei, gwei, ether).
type Config struct {
	Scenario string     `mapstructure:"scenario"`
	Node     NodeConfig `mapstructure:"node"`

	// FundingKey is the hex private key of the account that funds the run.
	FundingKey string `mapstructure:"funding_key"`

	Accounts    int    `mapstructure:"accounts"`
	AccountSeed string `mapstructure:"account_seed"`
	Concurrency int    `mapstructure:"concurrency"`

	TxCount  uint64        `mapstructure:"tx_count"`
	Duration time.Duration `mapstructure:"duration"`

	FundingAmount  string `mapstructure:"funding_amount"`
	TransferAmount string `mapstructure:"transfer_amount"`
	SafetyMargin   string `mapstructure:"safety_margin"`

	AcceptTimeout   time.Duration `mapstructure:"accept_timeout"`
	CommitTimeout   time.Duration `mapstructure:"commit_timeout"`
	Grace           time.Duration `mapstructure:"grace"`
	ExhaustionGrace time.Duration `mapstructure:"exhaustion_grace"`

	Finality string  `mapstructure:"finality"`
	MaxTPS   float64 `mapstructure:"max_tps"`

	GasTipCap string `mapstructure:"gas_tip_cap"`
	GasFeeCap string `mapstructure:"gas_fee_cap"`

	PollInterval   time.Duration `mapstructure:"poll_interval"`
	QueryRate      float64       `mapstructure:"query_rate"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
	BlockTimeMS    int           `mapstructure:"block_time_ms"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scenario", DefaultScenario)
	v.SetDefault("node.url", DefaultNodeURL)
	v.SetDefault("node.ws_url", "")
	v.SetDefault("node.kind", DefaultNodeKind)
	v.SetDefault("node.timeout", DefaultNodeTimeout)
	v.SetDefault("funding_key", "")
	v.SetDefault("accounts", DefaultAccounts)
	v.SetDefault("account_seed", "")
	v.SetDefault("concurrency", DefaultConcurrency)
	v.SetDefault("tx_count", 0)
	v.SetDefault("duration", 0)
	v.SetDefault("funding_amount", DefaultFundingAmount)
	v.SetDefault("transfer_amount", DefaultTransferAmount)
	v.SetDefault("safety_margin", DefaultSafetyMargin)
	v.SetDefault("accept_timeout", DefaultAcceptTimeout)
	v.SetDefault("commit_timeout", DefaultCommitTimeout)
	v.SetDefault("grace", DefaultGrace)
	v.SetDefault("exhaustion_grace", DefaultExhaustionGrace)
	v.SetDefault("finality", DefaultFinality)
	v.SetDefault("max_tps", 0)
	v.SetDefault("gas_tip_cap", "")
	v.SetDefault("gas_fee_cap", "")
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("query_rate", DefaultQueryRate)
	v.SetDefault("report_interval", DefaultReportInterval)
	v.SetDefault("block_time_ms", DefaultBlockTimeMS)
}

// Load reads the run description at path (JSON, YAML or TOML by extension).
// Environment variables prefixed with LOADTEST_ override file values; an
// empty path loads defaults and environment only. The result is not
// validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &ConfigError{Msg: fmt.Sprintf("read %s: %v", path, err)}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("decode: %v", err)}
	}
	return &cfg, nil
}

// Validate checks the description. The returned error is a *ConfigError.
func (c *Config) Validate() error {
	if !types.ScenarioKind(c.Scenario).Valid() {
		return fieldError("scenario", "must be %q or %q, got %q", types.ScenarioOutgoing, types.ScenarioExecution, c.Scenario)
	}

	if err := validateURL(c.Node.URL, "http", "https"); err != nil {
		return fieldError("node.url", "%v", err)
	}
	if c.Node.WSURL != "" {
		if err := validateURL(c.Node.WSURL, "ws", "wss"); err != nil {
			return fieldError("node.ws_url", "%v", err)
		}
	}
	if c.Capabilities() == nil {
		return fieldError("node.kind", "unknown node kind %q (supported: %s)",
			c.Node.Kind, strings.Join(execnode.DefaultRegistry().Names(), ", "))
	}

	if c.FundingKey == "" {
		return fieldError("funding_key", "is required")
	}
	if _, err := crypto.HexToECDSA(strings.TrimPrefix(c.FundingKey, "0x")); err != nil {
		return fieldError("funding_key", "invalid private key")
	}

	if c.Accounts < MinAccounts || c.Accounts > MaxAccountsLimit {
		return fieldError("accounts", "must be between %d and %d", MinAccounts, MaxAccountsLimit)
	}
	if c.Concurrency < 0 {
		return fieldError("concurrency", "cannot be negative")
	}
	if c.TxCount == 0 && c.Duration <= 0 {
		return fieldError("tx_count", "either tx_count or duration is required")
	}
	if c.Duration < 0 {
		return fieldError("duration", "cannot be negative")
	}

	funding, err := ParseAmount(c.FundingAmount)
	if err != nil {
		return fieldError("funding_amount", "%v", err)
	}
	if funding.Sign() <= 0 {
		return fieldError("funding_amount", "must be positive")
	}
	if _, err := ParseAmount(c.TransferAmount); err != nil {
		return fieldError("transfer_amount", "%v", err)
	}
	if _, err := ParseAmount(c.SafetyMargin); err != nil {
		return fieldError("safety_margin", "%v", err)
	}

	for _, d := range []struct {
		field string
		v     time.Duration
	}{
		{"accept_timeout", c.AcceptTimeout},
		{"commit_timeout", c.CommitTimeout},
		{"exhaustion_grace", c.ExhaustionGrace},
		{"poll_interval", c.PollInterval},
		{"report_interval", c.ReportInterval},
	} {
		if d.v <= 0 {
			return fieldError(d.field, "must be positive")
		}
	}
	if c.Grace < 0 {
		return fieldError("grace", "cannot be negative")
	}

	switch types.Finality(c.Finality) {
	case types.FinalityAccepted, types.FinalityCommitted, types.FinalityVerified:
	default:
		return fieldError("finality", "must be accepted, committed or verified, got %q", c.Finality)
	}

	if c.MaxTPS < 0 {
		return fieldError("max_tps", "cannot be negative")
	}
	if c.QueryRate < 0 {
		return fieldError("query_rate", "cannot be negative")
	}

	tip, err := parseOptionalAmount(c.GasTipCap)
	if err != nil {
		return fieldError("gas_tip_cap", "%v", err)
	}
	feeCap, err := parseOptionalAmount(c.GasFeeCap)
	if err != nil {
		return fieldError("gas_fee_cap", "%v", err)
	}
	if tip != nil && feeCap != nil && tip.Cmp(feeCap) > 0 {
		return fieldError("gas_tip_cap", "exceeds gas_fee_cap")
	}

	return nil
}

// Warnings returns non-fatal problems with a valid description.
func (c *Config) Warnings() []string {
	var out []string
	if c.MaxTPS > 0 {
		if c.Scenario != string(types.ScenarioOutgoing) {
			out = append(out, "max_tps only paces outgoing runs and is ignored")
		} else if w := CheckAccountSufficiency(c.Accounts, int(math.Ceil(c.MaxTPS)), c.BlockTimeMS); w != "" {
			out = append(out, w)
		}
	}
	concurrency := c.Concurrency
	if concurrency == 0 {
		concurrency = DefaultConcurrency
	}
	if c.Accounts < concurrency {
		out = append(out, fmt.Sprintf(
			"%d workers share %d accounts: workers will wait for free accounts", concurrency, c.Accounts))
	}
	if c.Scenario == string(types.ScenarioExecution) &&
		types.Finality(c.Finality) == types.FinalityVerified && !c.Capabilities().HasVerification() {
		out = append(out, fmt.Sprintf(
			"node kind %q has no verification stage: verified degrades to committed", c.Capabilities()))
	}
	return out
}

// Capabilities resolves the node kind, or nil if it is unknown.
func (c *Config) Capabilities() *execnode.Capabilities {
	kind := c.Node.Kind
	if kind == "" {
		kind = DefaultNodeKind
	}
	return execnode.DefaultRegistry().Get(kind)
}

// FundingAccount returns the account behind FundingKey.
func (c *Config) FundingAccount() (*account.Account, error) {
	acc, err := account.NewAccountFromHex(c.FundingKey)
	if err != nil {
		return nil, fieldError("funding_key", "invalid private key")
	}
	return acc, nil
}

// Params converts a validated description into run parameters.
func (c *Config) Params() (scenario.Params, error) {
	p := scenario.Params{
		Scenario:        types.ScenarioKind(c.Scenario),
		Accounts:        c.Accounts,
		AccountSeed:     c.AccountSeed,
		Concurrency:     c.Concurrency,
		TxCount:         c.TxCount,
		Duration:        c.Duration,
		AcceptTimeout:   c.AcceptTimeout,
		CommitTimeout:   c.CommitTimeout,
		Grace:           c.Grace,
		ExhaustionGrace: c.ExhaustionGrace,
		Finality:        types.Finality(c.Finality),
		MaxTPS:          c.MaxTPS,
		PollInterval:    c.PollInterval,
		QueryRate:       c.QueryRate,
		ReportInterval:  c.ReportInterval,
	}
	// An explicit zero grace means no grace; Params treats zero as unset.
	if p.Grace == 0 {
		p.Grace = -1
	}
	if caps := c.Capabilities(); caps != nil {
		p.UseLegacy = caps.RequiresLegacyTx
	}

	var err error
	if p.FundingAmount, err = ParseAmount(c.FundingAmount); err != nil {
		return p, fieldError("funding_amount", "%v", err)
	}
	if p.TransferAmount, err = ParseAmount(c.TransferAmount); err != nil {
		return p, fieldError("transfer_amount", "%v", err)
	}
	if p.SafetyMargin, err = ParseAmount(c.SafetyMargin); err != nil {
		return p, fieldError("safety_margin", "%v", err)
	}
	if p.GasTipCap, err = parseOptionalAmount(c.GasTipCap); err != nil {
		return p, fieldError("gas_tip_cap", "%v", err)
	}
	if p.GasFeeCap, err = parseOptionalAmount(c.GasFeeCap); err != nil {
		return p, fieldError("gas_fee_cap", "%v", err)
	}
	return p, nil
}

var units = []struct {
	suffix string
	wei    *big.Int
}{
	// Longest suffixes first so "gwei" is not read as "wei".
	{"ether", big.NewInt(params.Ether)},
	{"gwei", big.NewInt(params.GWei)},
	{"eth", big.NewInt(params.Ether)},
	{"wei", big.NewInt(params.Wei)},
}

// ParseAmount parses a non-negative amount in wei. A unit suffix (wei, gwei,
// eth, ether) scales a possibly fractional number: "0.5ether", "20 gwei".
func ParseAmount(s string) (*big.Int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return nil, errors.New("empty amount")
	}

	unit := big.NewInt(1)
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			unit = u.wei
			break
		}
	}

	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	r.Mul(r, new(big.Rat).SetInt(unit))
	if !r.IsInt() {
		return nil, fmt.Errorf("amount %q is not a whole number of wei", s)
	}
	return new(big.Int).Set(r.Num()), nil
}

func parseOptionalAmount(s string) (*big.Int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return ParseAmount(s)
}

func validateURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("want %s URL, got %q", strings.Join(schemes, " or "), raw)
}

// CalculateRequiredAccounts calculates the number of accounts needed for a given TPS.
// Formula: accounts = ceil(targetTPS * blockTimeSec / TxsPerAccountPerBlock * safetyMargin)
// An account is released as soon as its transaction is accepted, so one
// account can chain several nonces into a single block.
func CalculateRequiredAccounts(targetTPS int, blockTimeMS int) int {
	if blockTimeMS <= 0 {
		blockTimeMS = DefaultBlockTimeMS
	}
	blockTimeSec := float64(blockTimeMS) / 1000.0
	required := int(math.Ceil(float64(targetTPS) * blockTimeSec / TxsPerAccountPerBlock * AccountSafetyMargin))
	return min(max(required, MinAccounts), MaxAccountsLimit)
}

// EstimateMaxTPS estimates the maximum sustainable TPS for a given number of accounts.
// This is the inverse of CalculateRequiredAccounts without the safety margin.
func EstimateMaxTPS(numAccounts int, blockTimeMS int) int {
	if blockTimeMS <= 0 {
		blockTimeMS = DefaultBlockTimeMS
	}
	blockTimeSec := float64(blockTimeMS) / 1000.0
	return max(int(float64(numAccounts)*TxsPerAccountPerBlock/blockTimeSec), 1)
}

// CheckAccountSufficiency checks if the number of accounts is sufficient for the target TPS.
// Returns a warning message if accounts are insufficient, empty string otherwise.
func CheckAccountSufficiency(numAccounts int, targetTPS int, blockTimeMS int) string {
	if targetTPS <= 0 || numAccounts <= 0 {
		return ""
	}

	recommended := CalculateRequiredAccounts(targetTPS, blockTimeMS)
	if numAccounts >= recommended {
		return ""
	}

	achievableTPS := EstimateMaxTPS(numAccounts, blockTimeMS)
	percentage := float64(numAccounts) / float64(recommended) * 100

	return fmt.Sprintf(
		"insufficient accounts for target TPS: have %d accounts (can sustain ~%d TPS), but targeting %d TPS; "+
			"recommended: %d accounts, current capacity: %.0f%% of target",
		numAccounts, achievableTPS, targetTPS, recommended, percentage,
	)
}
