package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"simtrade/backtest"
	"simtrade/market"
	"simtrade/policy"
	"simtrade/risk"
	"simtrade/runtimeflags"
	"simtrade/session"
	"simtrade/strategy"
)

// IndicatorConfig lists the indicator periods precomputed onto the series
// before a run starts. A zero period skips that column.
type IndicatorConfig struct {
	EMAFastPeriod int `json:"ema_fast_period,omitempty"`
	EMASlowPeriod int `json:"ema_slow_period,omitempty"`
	ATRPeriod     int `json:"atr_period,omitempty"`
	ADXPeriod     int `json:"adx_period,omitempty"`
}

// DataConfig describes where a run's bars come from.
type DataConfig struct {
	Source    string          `json:"source"` // "csv" or "binance"
	File      string          `json:"file,omitempty"`
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Limit     int             `json:"limit,omitempty"` // bars to fetch from the exchange
	Indicator IndicatorConfig `json:"indicators"`
}

// PolicyConfig bundles the stop-management rules of one run. At most one
// of the first four drives the stop; precedence is the field order here.
type PolicyConfig struct {
	MultiTier           policy.MultiTierTP    `json:"multi_tier_tp"`
	Tiered              policy.TieredTrailing `json:"tiered_trailing"`
	Linear              policy.LinearTrailing `json:"linear_trailing"`
	Breakeven           policy.Breakeven      `json:"breakeven"`
	RunnerATRMultiplier float64               `json:"runner_atr_multiplier,omitempty"`
	TPExtension         policy.TPExtension    `json:"tp_extension"`
}

// Chain assembles the policy chain in precedence order.
func (p PolicyConfig) Chain() *policy.Chain {
	var runner *policy.RunnerTrail
	if p.RunnerATRMultiplier > 0 {
		runner = &policy.RunnerTrail{ATRMultiplier: p.RunnerATRMultiplier}
	}
	return policy.NewChain(&p.MultiTier, &p.Tiered, &p.Linear, &p.Breakeven, runner, &p.TPExtension)
}

// RunConfig is one simulation: data source, strategy, sizing, guard rails
// and stop management.
type RunConfig struct {
	Name           string  `json:"name"`
	InitialBalance float64 `json:"initial_balance"`

	Data     DataConfig              `json:"data"`
	Strategy string                  `json:"strategy"` // "ema_cross"
	EMACross strategy.EMACrossConfig `json:"ema_cross"`

	Engine   backtest.Parameters     `json:"engine"`
	Sizer    risk.SizerParameters    `json:"sizer"`
	Governor risk.GovernorParameters `json:"governor"`
	Sessions session.Table           `json:"sessions"`
	Policies PolicyConfig            `json:"policies"`

	// FridayCloseHour flattens everything at this UTC hour on Fridays.
	// Omit to trade through the weekend.
	FridayCloseHour *int `json:"friday_close_hour,omitempty"`
}

// Calendar builds the weekend calendar for this run.
func (r RunConfig) Calendar() *session.Calendar {
	if r.FridayCloseHour == nil {
		return session.NewCalendar(-1)
	}
	return session.NewCalendar(*r.FridayCloseHour)
}

// Config is the process-level configuration: the runs plus the API server
// and persistence wiring.
type Config struct {
	Runs []RunConfig `json:"runs"`

	APIServerPort int    `json:"api_server_port"`
	DatabaseURL   string `json:"database_url,omitempty"`

	Flags runtimeflags.State `json:"flags"`
}

// LoadConfig reads and validates a JSON config file. DATABASE_URL,
// API_SERVER_PORT, ENFORCE_RISK_LIMITS, ENABLE_PERSISTENCE and
// TRADING_ENABLED override the file when set in the environment.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	config := Config{Flags: runtimeflags.DefaultState()}
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &config, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("API_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.APIServerPort = port
		}
	}
	if v, ok := envBool("ENFORCE_RISK_LIMITS"); ok {
		c.Flags.EnforceRiskLimits = v
	}
	if v, ok := envBool("ENABLE_PERSISTENCE"); ok {
		c.Flags.EnablePersistence = v
	}
	if v, ok := envBool("TRADING_ENABLED"); ok {
		c.Flags.TradingEnabled = v
	}
}

func envBool(key string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(strings.ToLower(raw))
	if err != nil {
		return false, false
	}
	return v, true
}

// Validate checks the config and fills in defaults.
func (c *Config) Validate() error {
	if len(c.Runs) == 0 {
		return fmt.Errorf("at least one run must be configured")
	}

	names := make(map[string]bool)
	for i := range c.Runs {
		r := &c.Runs[i]
		if r.Name == "" {
			return fmt.Errorf("run[%d]: name must not be empty", i)
		}
		if names[r.Name] {
			return fmt.Errorf("run[%d]: duplicate name %q", i, r.Name)
		}
		names[r.Name] = true

		if err := r.Validate(); err != nil {
			return fmt.Errorf("run[%d]: %w", i, err)
		}
	}

	if c.APIServerPort <= 0 {
		c.APIServerPort = 8090
	}
	if c.Flags.EnablePersistence && c.DatabaseURL == "" {
		return fmt.Errorf("persistence is enabled but no database_url is configured")
	}
	return nil
}

// Validate checks a single run and fills in its defaults. Name uniqueness
// across runs is the caller's concern.
func (r *RunConfig) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if r.InitialBalance <= 0 {
		r.InitialBalance = 10000
	}
	if r.Strategy == "" {
		r.Strategy = "ema_cross"
	}
	if r.Strategy != "ema_cross" {
		return fmt.Errorf("unknown strategy %q", r.Strategy)
	}

	switch r.Data.Source {
	case "", "csv":
		r.Data.Source = "csv"
		if r.Data.File == "" {
			return fmt.Errorf("csv source needs a file")
		}
	case "binance":
		if r.Data.Symbol == "" {
			return fmt.Errorf("binance source needs a symbol")
		}
		if r.Data.Limit <= 0 {
			r.Data.Limit = 1000
		}
	default:
		return fmt.Errorf("data source must be 'csv' or 'binance'")
	}

	if r.Data.Timeframe == "" {
		r.Data.Timeframe = string(market.M5)
	}
	if _, err := market.ParseTimeframe(r.Data.Timeframe); err != nil {
		return err
	}
	return nil
}
