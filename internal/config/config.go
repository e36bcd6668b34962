package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"spot-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// LoadConfig 从指定路径加载JSON配置文件, 填充默认值并校验
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", models.ErrInvalidConfiguration, path, err)
	}

	ApplyDefaults(config)
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyDefaults 为未设置的字段填充默认值
func ApplyDefaults(c *models.Config) {
	if c.Environment == "" {
		c.Environment = models.ModeSandbox
	}
	if c.DBPath == "" {
		c.DBPath = "data/state"
	}
	if c.LedgerPath == "" {
		c.LedgerPath = "data/trades.db"
	}
	if c.QuoteAsset == "" {
		c.QuoteAsset = "USDT"
	}
	setInt(&c.ReconcileIntervalSec, 10)
	setInt(&c.DecisionIntervalSec, 3600)
	setInt(&c.ExchangeTimeoutSec, 20)
	setInt(&c.RejectCooldownSec, 300)
	setInt(&c.StatusIntervalSec, 60)
	setInt(&c.PriceStaleSec, 30)
	setInt(&c.WebSocketPongTimeoutSec, 60)
	setInt(&c.WebSocketReconnectDelayS, 5)
	if c.PaperMinOrderValue.IsZero() {
		c.PaperMinOrderValue = decimal.NewFromInt(10)
	}
	if c.Telegram.BaseURL == "" {
		c.Telegram.BaseURL = "https://api.telegram.org"
	}
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.LogConfig.Output == "" {
		c.LogConfig.Output = "console"
	}

	for i := range c.Pairs {
		p := &c.Pairs[i]
		p.Pair = strings.ToUpper(strings.TrimSpace(p.Pair))
		setInt(&p.GridLevels, 30)
		if p.PriceRangePercent.IsZero() {
			p.PriceRangePercent = decimal.NewFromInt(10)
		}
		if p.StopLossPercent.IsZero() {
			p.StopLossPercent = decimal.NewFromInt(5)
		}
	}
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// Validate 检查配置是否可用
func Validate(c *models.Config) error {
	if !c.Environment.Valid() {
		return fmt.Errorf("%w: unknown environment %q", models.ErrInvalidConfiguration, c.Environment)
	}
	if c.FeeRate.IsNegative() {
		return fmt.Errorf("%w: fee_rate must not be negative", models.ErrInvalidConfiguration)
	}
	seen := make(map[string]bool, len(c.Pairs))
	for _, p := range c.Pairs {
		base, quote, ok := strings.Cut(p.Pair, "/")
		if !ok || base == "" || quote == "" {
			return fmt.Errorf("%w: pair %q must look like BASE/QUOTE", models.ErrInvalidConfiguration, p.Pair)
		}
		if quote != c.QuoteAsset {
			return fmt.Errorf("%w: pair %s is not quoted in %s", models.ErrInvalidConfiguration, p.Pair, c.QuoteAsset)
		}
		if seen[p.Pair] {
			return fmt.Errorf("%w: pair %s configured twice", models.ErrInvalidConfiguration, p.Pair)
		}
		seen[p.Pair] = true
		if !p.TotalCapital.IsPositive() {
			return fmt.Errorf("%w: pair %s needs a positive total_capital", models.ErrInvalidConfiguration, p.Pair)
		}
	}
	if c.Telegram.Enabled && c.Telegram.ChatID == "" {
		return fmt.Errorf("%w: telegram enabled without chat_id", models.ErrInvalidConfiguration)
	}
	return nil
}

// GridConfigs 把配置文件中的交易对转换为持久化的网格配置
func GridConfigs(c *models.Config) []models.GridConfig {
	out := make([]models.GridConfig, 0, len(c.Pairs))
	for _, p := range c.Pairs {
		out = append(out, models.GridConfig{
			Pair:              p.Pair,
			TotalCapital:      p.TotalCapital,
			GridLevels:        p.GridLevels,
			PriceRangePercent: p.PriceRangePercent,
			StopLossPercent:   p.StopLossPercent,
			EnableStopLoss:    p.EnableStopLoss,
			EnableTrailingUp:  p.EnableTrailingUp,
			IsActive:          p.Active,
			IsConfigured:      true,
		})
	}
	return out
}
