/*
Package config loads the service configuration from a YAML file with
environment-variable overrides (CLIPEARN_ prefix, dots become underscores).

Every knob has a default, so the binary runs with no config file at all.
Load returns a value; nothing in this package is global state, callers pass
the Config (or the domain values derived from it) to the components that
need them.
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/clipearn/ledger-engine/ledger"
	"github.com/clipearn/ledger-engine/referral"
	"github.com/clipearn/ledger-engine/refund"
	"github.com/clipearn/ledger-engine/withdrawal"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	Withdrawal WithdrawalConfig `mapstructure:"withdrawal"`
	Commission CommissionConfig `mapstructure:"commission"`
	Tiers      TiersConfig      `mapstructure:"tiers"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"` // ":memory:" for ephemeral
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

type WithdrawalConfig struct {
	Minimum        float64 `mapstructure:"minimum"`
	BankFeeRate    float64 `mapstructure:"bank_fee_rate"`
	USDTNetworkFee float64 `mapstructure:"usdt_network_fee"`
	USDTRate       float64 `mapstructure:"usdt_rate"` // PKR per USDT
	MaxDaily       int     `mapstructure:"max_daily"`
	BankEnabled    bool    `mapstructure:"bank_enabled"`
	USDTEnabled    bool    `mapstructure:"usdt_enabled"`
}

// RateRow is one three-level rate table, as fractions of the base amount.
type RateRow struct {
	A float64 `mapstructure:"a"`
	B float64 `mapstructure:"b"`
	C float64 `mapstructure:"c"`
}

type CommissionConfig struct {
	Referral   map[string]RateRow `mapstructure:"referral"`
	Management map[string]RateRow `mapstructure:"management"`
}

type TiersConfig struct {
	// Deposits maps tier level to its required security deposit in PKR.
	Deposits map[int]float64 `mapstructure:"deposits"`
}

type ReconcileConfig struct {
	Interval time.Duration `mapstructure:"interval"` // 0 disables the sweep
}

// Load reads the file at path (optional) plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CLIPEARN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("database.path", "./data/clipearn.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("withdrawal.minimum", 500)
	v.SetDefault("withdrawal.bank_fee_rate", 0.10)
	v.SetDefault("withdrawal.usdt_network_fee", 1)
	v.SetDefault("withdrawal.usdt_rate", 280)
	v.SetDefault("withdrawal.max_daily", 1)
	v.SetDefault("withdrawal.bank_enabled", true)
	v.SetDefault("withdrawal.usdt_enabled", true)

	v.SetDefault("commission.referral", map[string]RateRow{
		string(referral.EventTaskIncome):       {A: 0.10, B: 0.05, C: 0.02},
		string(referral.EventTopup):            {A: 0.08, B: 0.03, C: 0.01},
		string(referral.EventSignupActivation): {A: 0.10, B: 0.05, C: 0.02},
	})
	v.SetDefault("commission.management", map[string]RateRow{
		string(referral.EventTaskIncome): {A: 0.06, B: 0.03, C: 0.01},
	})

	v.SetDefault("tiers.deposits", map[int]float64{
		1: 2000, 2: 5000, 3: 15000, 4: 40000, 5: 100000,
	})

	v.SetDefault("reconcile.interval", time.Hour)
}

// =============================================================================
// DOMAIN CONVERSIONS
// =============================================================================

// WithdrawalPolicy converts the raw config into the manager's policy.
func (c *Config) WithdrawalPolicy() withdrawal.Policy {
	return withdrawal.Policy{
		MinimumWithdrawal: ledger.NewAmount(c.Withdrawal.Minimum, ledger.UnitPKR),
		BankFeeRate:       decimal.NewFromFloat(c.Withdrawal.BankFeeRate),
		USDTNetworkFee:    decimal.NewFromFloat(c.Withdrawal.USDTNetworkFee),
		MaxDaily:          c.Withdrawal.MaxDaily,
		BankEnabled:       c.Withdrawal.BankEnabled,
		USDTEnabled:       c.Withdrawal.USDTEnabled,
	}
}

// USDTRate returns the configured fixed conversion rate provider.
func (c *Config) USDTRate() withdrawal.FixedRate {
	return withdrawal.FixedRate{Rate: decimal.NewFromFloat(c.Withdrawal.USDTRate)}
}

// CommissionRates converts the raw rate rows into the engine's tables.
func (c *Config) CommissionRates() referral.Rates {
	return referral.Rates{
		Referral:   toRateTables(c.Commission.Referral),
		Management: toRateTables(c.Commission.Management),
	}
}

func toRateTables(rows map[string]RateRow) map[referral.EventType]referral.RateTable {
	tables := make(map[referral.EventType]referral.RateTable, len(rows))
	for event, row := range rows {
		tables[referral.EventType(event)] = referral.RateTable{
			A: decimal.NewFromFloat(row.A),
			B: decimal.NewFromFloat(row.B),
			C: decimal.NewFromFloat(row.C),
		}
	}
	return tables
}

// TierSchedule converts the deposit map into the refund manager's schedule.
func (c *Config) TierSchedule() refund.TierSchedule {
	schedule := make(refund.TierSchedule, len(c.Tiers.Deposits))
	for level, deposit := range c.Tiers.Deposits {
		schedule[level] = ledger.NewAmount(deposit, ledger.UnitPKR)
	}
	return schedule
}
