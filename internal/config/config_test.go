package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/trading-engine/internal/config"
	"github.com/atlas-desktop/trading-engine/pkg/model"
)

const sampleConfig = `
ib_gateway:
  host: 10.0.0.5
  trading_mode: live
verification:
  max_notional_usd: 25000
  allowed_order_types: ["LMT"]
server:
  port: 9090
  read_timeout: 5s
`

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesFileValuesOverDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleConfig)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.Gateway.Host)
	assert.Equal(t, model.TradingModeLive, cfg.Gateway.TradingMode)
	assert.Equal(t, 25000.0, cfg.Verification.MaxNotionalUSD)
	assert.Equal(t, []string{"LMT"}, cfg.Verification.AllowedOrderTypes)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
}

func TestLoadFillsUnsetFieldsFromDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", "ib_gateway:\n  host: 1.2.3.4\n")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "1.2.3.4", cfg.Gateway.Host)
	assert.Equal(t, 7497, cfg.Gateway.PaperPort)
	assert.Equal(t, model.TradingModePaper, cfg.Gateway.TradingMode)
	assert.Equal(t, 100000.0, cfg.Verification.MaxNotionalUSD)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

const sampleRules = `
trigger_mode_windows:
  LEVEL_INSTANT:
    1m:
      missing_data_policy: best_effort
  LEVEL_CONFIRM:
    3m:
      confirm_consecutive: 3
metric_trigger_operator_rules:
  PRICE:
    allowed_windows: ["1m", "1h"]
    allowed_rules:
      LEVEL_INSTANT: [">=", "<="]
`

func TestLoadConditionRules(t *testing.T) {
	path := writeFile(t, "rules.yaml", sampleRules)

	rules, err := config.LoadConditionRules(path)
	require.NoError(t, err)

	instant, ok := rules.TriggerModeWindows["LEVEL_INSTANT"]["1m"]
	require.True(t, ok)
	assert.Equal(t, "best_effort", instant.MissingDataPolicy)

	confirm, ok := rules.TriggerModeWindows["LEVEL_CONFIRM"]["3m"]
	require.True(t, ok)
	assert.Equal(t, 3, confirm.ConfirmConsecutive)

	priceRule, ok := rules.MetricTriggerOperatorRules["PRICE"]
	require.True(t, ok)
	assert.Equal(t, []string{"1m", "1h"}, priceRule.AllowedWindows)
}
