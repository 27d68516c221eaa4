// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by Validate when the corresponding key is unset.
const (
	// defaultRiskPerTradePercent is the per-trade account risk when
	// risk_management.risk_per_trade_percent is unset.
	defaultRiskPerTradePercent = 1.0
	// defaultMinRR is the minimum risk/reward accepted by the pipeline.
	defaultMinRR = 2.0
	// defaultLookback is the daily-level scan depth when crt_lookback is unset.
	defaultLookback = 5
	// defaultMaxTradesPerDay caps orders per strategy per day.
	defaultMaxTradesPerDay = 2
	// defaultAutoCloseTime is the NY wall-clock at which all positions are
	// flattened regardless of P&L.
	defaultAutoCloseTime = "16:50"
	// defaultTrailingTriggerPct is the TP progress that arms the trailing stop.
	defaultTrailingTriggerPct = 0.70
	// defaultTrailingSLPct is where the stop moves, as a fraction of the
	// entry-to-TP span.
	defaultTrailingSLPct = 0.50
)

// Config represents the complete application configuration.
type Config struct {
	General      GeneralConfig      `yaml:"general"`
	MT5          MT5Config          `yaml:"mt5"`
	Symbols      []string           `yaml:"symbols"`
	TradingHours TradingHoursConfig `yaml:"trading_hours"`
	Strategy     StrategyConfig     `yaml:"strategy"`
	Schedule     ScheduleConfig     `yaml:"strategy_schedule"`
	Pipeline     PipelineConfig     `yaml:"strategy_config"`
	Risk         RiskConfig         `yaml:"risk_management"`
	Monitoring   MonitoringConfig   `yaml:"position_monitoring"`
	Database     DatabaseConfig     `yaml:"database"`
}

// GeneralConfig defines process-wide settings.
type GeneralConfig struct {
	LogLevel string `yaml:"log_level"` // DEBUG | INFO | WARNING | ERROR
}

// MT5Config defines the terminal bridge connection settings.
type MT5Config struct {
	Login    int64  `yaml:"login"`
	Password string `yaml:"password"`
	Server   string `yaml:"server"`
	// BridgeURL is the HTTP endpoint of the terminal bridge.
	BridgeURL string `yaml:"bridge_url"`
}

// TradingHoursConfig bounds the analysis window. The position monitor runs
// regardless of this window.
type TradingHoursConfig struct {
	Enabled   bool   `yaml:"enabled"`
	StartTime string `yaml:"start_time"` // "HH:MM"
	EndTime   string `yaml:"end_time"`   // "HH:MM"
	Timezone  string `yaml:"timezone"`   // e.g. "America/New_York"
}

// StrategyConfig names the default strategy used when no session matches.
type StrategyConfig struct {
	Name string `yaml:"name"`
}

// ScheduleConfig defines the session-based strategy rotation.
type ScheduleConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Timezone string          `yaml:"timezone"`
	Sessions []SessionConfig `yaml:"sessions"`
}

// SessionConfig is one scheduled session window.
type SessionConfig struct {
	Name        string `yaml:"name"`
	StartTime   string `yaml:"start_time"` // "HH:MM"
	EndTime     string `yaml:"end_time"`   // "HH:MM"
	Strategy    string `yaml:"strategy"`
	Description string `yaml:"description"`
}

// PipelineConfig tunes the signal pipeline.
type PipelineConfig struct {
	EntryTimeframe string  `yaml:"crt_entry_timeframe"` // M1|M5|M15|M30|H1
	MinRR          float64 `yaml:"min_rr"`
	HighTimeframe  string  `yaml:"crt_high_timeframe"` // H4|D1
	UseVayas       bool    `yaml:"crt_use_vayas"`
	UseEngulfing   bool    `yaml:"crt_use_engulfing"`
	Lookback       int     `yaml:"crt_lookback"`
}

// RiskConfig defines sizing and daily caps.
type RiskConfig struct {
	RiskPerTradePercent float64 `yaml:"risk_per_trade_percent"`
	MaxTradesPerDay     int     `yaml:"max_trades_per_day"`
	MaxPositionSize     float64 `yaml:"max_position_size"`
	CloseDayOnFirstTP   bool    `yaml:"close_day_on_first_tp"`
}

// MonitoringConfig defines the position monitor policy.
type MonitoringConfig struct {
	TrailingStop TrailingStopConfig `yaml:"trailing_stop"`
	AutoClose    AutoCloseConfig    `yaml:"auto_close"`
}

// TrailingStopConfig controls stop advancement toward profit.
type TrailingStopConfig struct {
	Enabled        bool    `yaml:"enabled"`
	TriggerPercent float64 `yaml:"trigger_percent"` // TP progress arming the trail, (0,1]
	SLPercent      float64 `yaml:"sl_percent"`      // where the stop moves, fraction of entry->TP
}

// AutoCloseConfig is the hard end-of-day flatten policy.
type AutoCloseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Time     string `yaml:"time"`     // "HH:MM"
	Timezone string `yaml:"timezone"` // defaults to America/New_York
}

// DatabaseConfig defines the durable order ledger connection.
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// KnownStrategies are the names accepted in strategy.name and session entries.
var KnownStrategies = map[string]bool{
	"default":            true,
	"turtle_soup_fvg":    true,
	"crt":                true,
	"crt_revision":       true,
	"crt_extreme":        true,
	"daily_levels_sweep": true,
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent,
// filling documented defaults for unset keys.
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.MT5.Login <= 0 {
		return fmt.Errorf("mt5.login is required")
	}
	if c.MT5.Password == "" {
		return fmt.Errorf("mt5.password is required")
	}
	if c.MT5.Server == "" {
		return fmt.Errorf("mt5.server is required")
	}

	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols must list at least one instrument")
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if s == "" {
			return fmt.Errorf("symbols must not contain empty entries")
		}
		if seen[s] {
			return fmt.Errorf("symbols contains duplicate %q", s)
		}
		seen[s] = true
	}

	if !KnownStrategies[c.Strategy.Name] {
		return fmt.Errorf("strategy.name %q is not a known strategy", c.Strategy.Name)
	}

	if c.TradingHours.Enabled {
		if err := validateClock(c.TradingHours.StartTime); err != nil {
			return fmt.Errorf("trading_hours.start_time: %w", err)
		}
		if err := validateClock(c.TradingHours.EndTime); err != nil {
			return fmt.Errorf("trading_hours.end_time: %w", err)
		}
		if _, err := time.LoadLocation(c.TradingHours.Timezone); err != nil {
			return fmt.Errorf("trading_hours.timezone %q: %w", c.TradingHours.Timezone, err)
		}
	}

	if c.Schedule.Enabled {
		if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
			return fmt.Errorf("strategy_schedule.timezone %q: %w", c.Schedule.Timezone, err)
		}
		if len(c.Schedule.Sessions) == 0 {
			return fmt.Errorf("strategy_schedule.sessions must not be empty when enabled")
		}
		for i, s := range c.Schedule.Sessions {
			if s.Name == "" {
				return fmt.Errorf("strategy_schedule.sessions[%d].name is required", i)
			}
			if err := validateClock(s.StartTime); err != nil {
				return fmt.Errorf("session %q start_time: %w", s.Name, err)
			}
			if err := validateClock(s.EndTime); err != nil {
				return fmt.Errorf("session %q end_time: %w", s.Name, err)
			}
			if !KnownStrategies[s.Strategy] {
				return fmt.Errorf("session %q references unknown strategy %q", s.Name, s.Strategy)
			}
		}
	}

	switch c.Pipeline.EntryTimeframe {
	case "M1", "M5", "M15", "M30", "H1":
	default:
		return fmt.Errorf("strategy_config.crt_entry_timeframe must be one of M1, M5, M15, M30, H1; got %q",
			c.Pipeline.EntryTimeframe)
	}
	if c.Pipeline.HighTimeframe != "H4" && c.Pipeline.HighTimeframe != "D1" {
		return fmt.Errorf("strategy_config.crt_high_timeframe must be H4 or D1; got %q", c.Pipeline.HighTimeframe)
	}
	if c.Pipeline.MinRR < 1 {
		return fmt.Errorf("strategy_config.min_rr must be >= 1, got %g", c.Pipeline.MinRR)
	}
	if c.Pipeline.Lookback < 0 {
		return fmt.Errorf("strategy_config.crt_lookback must be >= 0, got %d", c.Pipeline.Lookback)
	}

	if c.Risk.RiskPerTradePercent <= 0 || c.Risk.RiskPerTradePercent > 10 {
		return fmt.Errorf("risk_management.risk_per_trade_percent must be in (0,10], got %g",
			c.Risk.RiskPerTradePercent)
	}
	if c.Risk.MaxTradesPerDay <= 0 {
		return fmt.Errorf("risk_management.max_trades_per_day must be > 0, got %d", c.Risk.MaxTradesPerDay)
	}
	if c.Risk.MaxPositionSize < 0 {
		return fmt.Errorf("risk_management.max_position_size must be >= 0, got %g", c.Risk.MaxPositionSize)
	}

	if c.Monitoring.TrailingStop.Enabled {
		tp := c.Monitoring.TrailingStop.TriggerPercent
		if tp <= 0 || tp > 1 {
			return fmt.Errorf("position_monitoring.trailing_stop.trigger_percent must be in (0,1], got %g", tp)
		}
		sp := c.Monitoring.TrailingStop.SLPercent
		if sp <= 0 || sp >= tp {
			return fmt.Errorf("position_monitoring.trailing_stop.sl_percent must be in (0, trigger_percent), got %g", sp)
		}
	}
	if c.Monitoring.AutoClose.Enabled {
		if err := validateClock(c.Monitoring.AutoClose.Time); err != nil {
			return fmt.Errorf("position_monitoring.auto_close.time: %w", err)
		}
		if _, err := time.LoadLocation(c.Monitoring.AutoClose.Timezone); err != nil {
			return fmt.Errorf("position_monitoring.auto_close.timezone %q: %w", c.Monitoring.AutoClose.Timezone, err)
		}
	}

	if c.Database.Enabled {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required when database.enabled")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database.database is required when database.enabled")
		}
		if c.Database.Username == "" {
			return fmt.Errorf("database.username is required when database.enabled")
		}
	}

	switch strings.ToUpper(c.General.LogLevel) {
	case "DEBUG", "INFO", "WARNING", "ERROR":
	default:
		return fmt.Errorf("general.log_level must be DEBUG, INFO, WARNING, or ERROR; got %q", c.General.LogLevel)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.General.LogLevel == "" {
		c.General.LogLevel = "INFO"
	}
	if c.Strategy.Name == "" {
		c.Strategy.Name = "default"
	}
	if c.TradingHours.Timezone == "" {
		c.TradingHours.Timezone = "America/New_York"
	}
	if c.TradingHours.StartTime == "" {
		c.TradingHours.StartTime = "09:00"
	}
	if c.TradingHours.EndTime == "" {
		c.TradingHours.EndTime = "13:00"
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "America/New_York"
	}
	if c.Pipeline.EntryTimeframe == "" {
		c.Pipeline.EntryTimeframe = "M5"
	}
	if c.Pipeline.HighTimeframe == "" {
		c.Pipeline.HighTimeframe = "H4"
	}
	if c.Pipeline.MinRR == 0 {
		c.Pipeline.MinRR = defaultMinRR
	}
	if c.Pipeline.Lookback == 0 {
		c.Pipeline.Lookback = defaultLookback
	}
	if c.Risk.RiskPerTradePercent == 0 {
		c.Risk.RiskPerTradePercent = defaultRiskPerTradePercent
	}
	if c.Risk.MaxTradesPerDay == 0 {
		c.Risk.MaxTradesPerDay = defaultMaxTradesPerDay
	}
	if c.Monitoring.AutoClose.Time == "" {
		c.Monitoring.AutoClose.Time = defaultAutoCloseTime
	}
	if c.Monitoring.AutoClose.Timezone == "" {
		c.Monitoring.AutoClose.Timezone = "America/New_York"
	}
	if c.Monitoring.TrailingStop.TriggerPercent == 0 {
		c.Monitoring.TrailingStop.TriggerPercent = defaultTrailingTriggerPct
	}
	if c.Monitoring.TrailingStop.SLPercent == 0 {
		c.Monitoring.TrailingStop.SLPercent = defaultTrailingSLPct
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "prefer"
	}
}

// validateClock checks an "HH:MM" wall-clock string.
func validateClock(s string) error {
	if _, err := time.Parse("15:04", s); err != nil {
		return fmt.Errorf("invalid HH:MM time %q", s)
	}
	return nil
}

// ParseClock converts an "HH:MM" string into minutes since midnight.
// Invalid input yields -1; callers validate at boot via Validate.
func ParseClock(s string) int {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return -1
	}
	return t.Hour()*60 + t.Minute()
}

// Location resolves a zone name with a DST-agnostic New York fallback for
// minimal containers without tzdata.
func Location(name string) *time.Location {
	if name == "" {
		name = "America/New_York"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// IsWithinTradingHours checks if the given time falls within the configured
// analysis window. Disabled hours always permit analysis. Windows with
// end < start wrap past midnight.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	if !c.TradingHours.Enabled {
		return true
	}
	loc := Location(c.TradingHours.Timezone)
	local := now.In(loc)

	cur := local.Hour()*60 + local.Minute()
	start := ParseClock(c.TradingHours.StartTime)
	end := ParseClock(c.TradingHours.EndTime)
	if start < 0 || end < 0 {
		return false
	}

	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}

// DSN builds a pgx connection string from the database settings.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}
