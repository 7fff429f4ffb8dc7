package model

import "time"

// TradingMode selects between the brokerage gateway's paper and live ports.
type TradingMode string

const (
	TradingModePaper TradingMode = "paper"
	TradingModeLive  TradingMode = "live"
)

// GatewayConfig is the `ib_gateway.*` configuration surface.
type GatewayConfig struct {
	Host           string        `mapstructure:"host"`
	PaperPort      int           `mapstructure:"paper_port"`
	LivePort       int           `mapstructure:"live_port"`
	ClientID       int           `mapstructure:"client_id"`
	TimeoutSeconds int           `mapstructure:"timeout_seconds"`
	TradingMode    TradingMode   `mapstructure:"trading_mode"`
	LiveEnabled    bool          `mapstructure:"live_enabled"`
}

// Timeout returns the configured gateway call timeout as a Duration.
func (c GatewayConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RuntimeConfig is the `runtime.*` configuration surface.
type RuntimeConfig struct {
	DataDir            string `mapstructure:"data_dir"`
	DBPath             string `mapstructure:"db_path"`
	LogPath            string `mapstructure:"log_path"`
	MarketDataLogPath  string `mapstructure:"market_data_log_path"`
	MarketCacheDBPath  string `mapstructure:"market_cache_db_path"`
}

// WorkerConfig is the `worker.*` configuration surface.
type WorkerConfig struct {
	Enabled                bool `mapstructure:"enabled"`
	MonitorIntervalSeconds int  `mapstructure:"monitor_interval_seconds"`
	ConfiguredThreads      int  `mapstructure:"configured_threads"`
	QueueMaxSize           int  `mapstructure:"queue_maxsize"`
}

// ClampedMonitorInterval returns the configured interval clamped to [20,300],
// reporting whether it had to clamp.
func (c WorkerConfig) ClampedMonitorInterval() (seconds int, clamped bool) {
	s := c.MonitorIntervalSeconds
	if s <= 0 {
		s = 60
	}
	if s < 20 {
		return 20, true
	}
	if s > 300 {
		return 300, true
	}
	return s, false
}

// VerificationConfig is the `verification.*` configuration surface.
type VerificationConfig struct {
	MaxNotionalUSD    float64  `mapstructure:"max_notional_usd"`
	AllowedOrderTypes []string `mapstructure:"allowed_order_types"`
}

// LimitsConfig is the `limits.*` configuration surface.
type LimitsConfig struct {
	MaxConditionsPerStrategy int `mapstructure:"MAX_CONDITIONS_PER_STRATEGY"`
}

// ServerConfig configures the HTTP/WebSocket transport.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	WebSocketPath  string        `mapstructure:"websocket_path"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxConnections int           `mapstructure:"max_connections"`
	EnableMetrics  bool          `mapstructure:"enable_metrics"`
	MetricsPort    int           `mapstructure:"metrics_port"`
}

// TriggerModeWindowRule is one `trigger_mode_windows[mode][window]` entry.
type TriggerModeWindowRule struct {
	BaseBar             string  `mapstructure:"base_bar" yaml:"base_bar"`
	ConfirmConsecutive  int     `mapstructure:"confirm_consecutive" yaml:"confirm_consecutive"`
	ConfirmRatio        float64 `mapstructure:"confirm_ratio" yaml:"confirm_ratio"`
	IncludePartialBar   bool    `mapstructure:"include_partial_bar" yaml:"include_partial_bar"`
	MissingDataPolicy   string  `mapstructure:"missing_data_policy" yaml:"missing_data_policy"` // "reject" | "best_effort"
}

// MetricTriggerOperatorRule is one `metric_trigger_operator_rules` entry.
type MetricTriggerOperatorRule struct {
	AllowedWindows []string            `mapstructure:"allowed_windows" yaml:"allowed_windows"`
	AllowedRules   map[string][]string `mapstructure:"allowed_rules" yaml:"allowed_rules"` // trigger_mode -> operators
}

// ConditionRulesConfig is the separate condition-rules file.
type ConditionRulesConfig struct {
	TriggerModeWindows         map[string]map[string]TriggerModeWindowRule `mapstructure:"trigger_mode_windows" yaml:"trigger_mode_windows"`
	MetricTriggerOperatorRules map[string]MetricTriggerOperatorRule        `mapstructure:"metric_trigger_operator_rules" yaml:"metric_trigger_operator_rules"`
}

// Config is the fully resolved, immutable configuration snapshot passed by
// value into every scheduler run.
type Config struct {
	Gateway      GatewayConfig        `mapstructure:"ib_gateway"`
	Runtime      RuntimeConfig        `mapstructure:"runtime"`
	Worker       WorkerConfig         `mapstructure:"worker"`
	Verification VerificationConfig   `mapstructure:"verification"`
	Limits       LimitsConfig         `mapstructure:"limits"`
	Server       ServerConfig         `mapstructure:"server"`
	ConditionRules ConditionRulesConfig `mapstructure:"-"`
}
