// Package config loads the engine's configuration from a YAML file, with
// env var overrides, plus the separate condition-rules file. Grounded on
// the polymarket market-maker's internal/config.Load (viper, dotted
// mapstructure tags, env-prefixed overrides for sensitive fields).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/atlas-desktop/trading-engine/pkg/model"
)

const envPrefix = "ENGINE"

// Load reads the main engine config from path. ENGINE_* env vars override
// both file values and built-in defaults; file values override defaults.
func Load(path string) (*model.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg model.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// LoadConditionRules reads the separate condition-rules file: the
// trigger-mode window defaults and metric/operator allowlists condition.Prepare
// validates every condition against.
func LoadConditionRules(path string) (model.ConditionRulesConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return model.ConditionRulesConfig{}, fmt.Errorf("read condition rules %s: %w", path, err)
	}
	var rules model.ConditionRulesConfig
	if err := v.Unmarshal(&rules); err != nil {
		return model.ConditionRulesConfig{}, fmt.Errorf("unmarshal condition rules: %w", err)
	}
	// viper lowercases map keys; trigger modes and metrics are upper case.
	modes := make(map[string]map[string]model.TriggerModeWindowRule, len(rules.TriggerModeWindows))
	for mode, windows := range rules.TriggerModeWindows {
		modes[strings.ToUpper(mode)] = windows
	}
	rules.TriggerModeWindows = modes
	metrics := make(map[string]model.MetricTriggerOperatorRule, len(rules.MetricTriggerOperatorRules))
	for metric, r := range rules.MetricTriggerOperatorRules {
		ops := make(map[string][]string, len(r.AllowedRules))
		for mode, allowed := range r.AllowedRules {
			ops[strings.ToUpper(mode)] = allowed
		}
		r.AllowedRules = ops
		metrics[strings.ToUpper(metric)] = r
	}
	rules.MetricTriggerOperatorRules = metrics
	return rules, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ib_gateway.host", "127.0.0.1")
	v.SetDefault("ib_gateway.paper_port", 7497)
	v.SetDefault("ib_gateway.live_port", 7496)
	v.SetDefault("ib_gateway.client_id", 1)
	v.SetDefault("ib_gateway.timeout_seconds", 10)
	v.SetDefault("ib_gateway.trading_mode", "paper")

	v.SetDefault("runtime.data_dir", "./data")
	v.SetDefault("runtime.db_path", "./data/engine.db")

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.monitor_interval_seconds", 60)
	v.SetDefault("worker.configured_threads", 8)
	v.SetDefault("worker.queue_maxsize", 1000)

	v.SetDefault("verification.max_notional_usd", 100000.0)
	v.SetDefault("verification.allowed_order_types", []string{"MKT", "LMT"})

	v.SetDefault("limits.MAX_CONDITIONS_PER_STRATEGY", 10)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.max_connections", 256)
}
