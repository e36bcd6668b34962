package config

import (
	"os"
	"path/filepath"
	"testing"

	"spot-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"fee_rate": "0.001",
		"pairs": [{"pair": " btc/usdt ", "total_capital": "300", "active": true, "enable_stop_loss": true}]
	}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, models.ModeSandbox, cfg.Environment)
	assert.Equal(t, 10, cfg.ReconcileIntervalSec)
	assert.Equal(t, 3600, cfg.DecisionIntervalSec)
	assert.Equal(t, 20, cfg.ExchangeTimeoutSec)
	assert.Equal(t, 300, cfg.RejectCooldownSec)
	assert.Equal(t, "USDT", cfg.QuoteAsset)
	assert.Equal(t, "0.001", cfg.FeeRate.String())
	assert.Equal(t, "info", cfg.LogConfig.Level)

	require.Len(t, cfg.Pairs, 1)
	p := cfg.Pairs[0]
	assert.Equal(t, "BTC/USDT", p.Pair)
	assert.Equal(t, 30, p.GridLevels)
	assert.Equal(t, "10", p.PriceRangePercent.String())
	assert.Equal(t, "5", p.StopLossPercent.String())

	grids := GridConfigs(cfg)
	require.Len(t, grids, 1)
	assert.Equal(t, "BTC/USDT", grids[0].Pair)
	assert.True(t, grids[0].IsActive)
	assert.True(t, grids[0].EnableStopLoss)
	assert.False(t, grids[0].IsRunning)
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"bad json":     `{`,
		"environment":  `{"environment": "staging"}`,
		"pair format":  `{"pairs": [{"pair": "BTCUSDT", "total_capital": "1"}]}`,
		"quote":        `{"pairs": [{"pair": "BTC/EUR", "total_capital": "1"}]}`,
		"duplicate":    `{"pairs": [{"pair": "BTC/USDT", "total_capital": "1"}, {"pair": "btc/usdt", "total_capital": "1"}]}`,
		"capital":      `{"pairs": [{"pair": "BTC/USDT"}]}`,
		"telegram":     `{"telegram": {"enabled": true}}`,
		"negative fee": `{"fee_rate": "-0.1"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.ErrorIs(t, err, models.ErrInvalidConfiguration)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
