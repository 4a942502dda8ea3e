package backtest

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/lizhexun/backtest/execution"
)

// YAMLConfig is the on-disk shape of a run configuration file.
type YAMLConfig struct {
	Backtest struct {
		Start          string   `yaml:"start"`
		End            string   `yaml:"end"`
		Cash           float64  `yaml:"cash"`
		CommissionRate float64  `yaml:"commission_rate"`
		MinCommission  float64  `yaml:"min_commission"`
		StampTaxRate   float64  `yaml:"stamp_tax_rate"`
		SlippageBps    float64  `yaml:"slippage_bps"`
		ExecutionMode  string   `yaml:"execution_mode"`
		T0Symbols      []string `yaml:"t0_symbols"`
		BarsPerYear    int      `yaml:"bars_per_year"`
	} `yaml:"backtest"`

	Strategy struct {
		Type   string         `yaml:"type"`
		Params map[string]any `yaml:"params"`
	} `yaml:"strategy"`
}

// RunConfig is the resolved, validated configuration consumed by Engine.
type RunConfig struct {
	Start time.Time
	End   time.Time

	Cash           decimal.Decimal
	CommissionRate decimal.Decimal
	MinCommission  decimal.Decimal
	StampTaxRate   decimal.Decimal
	SlippageBps    decimal.Decimal
	ExecutionMode  execution.Mode
	T0Symbols      []string
	BarsPerYear    int

	Strategy Strategy
}

// DefaultRunConfig returns the documented default run configuration.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Cash:           decimal.NewFromFloat(1e5),
		CommissionRate: decimal.NewFromFloat(5e-4),
		MinCommission:  decimal.NewFromFloat(5.0),
		StampTaxRate:   decimal.NewFromFloat(1e-3),
		SlippageBps:    decimal.Zero,
		ExecutionMode:  execution.ModeClose,
		BarsPerYear:    252,
		Strategy:       NewBoxBreakoutStrategy(BoxBreakoutParams{}),
	}
}

// LoadRunConfig reads and validates a YAML configuration file, layering it
// over DefaultRunConfig.
func LoadRunConfig(path string) (RunConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("backtest: read config: %w", err)
	}

	var yc YAMLConfig
	if err := yaml.Unmarshal(raw, &yc); err != nil {
		return RunConfig{}, fmt.Errorf("backtest: parse config yaml: %w", err)
	}

	cfg := DefaultRunConfig()

	if yc.Backtest.Cash > 0 {
		cfg.Cash = decimal.NewFromFloat(yc.Backtest.Cash)
	}
	if yc.Backtest.CommissionRate >= 0 {
		cfg.CommissionRate = decimal.NewFromFloat(yc.Backtest.CommissionRate)
	}
	if yc.Backtest.MinCommission >= 0 {
		cfg.MinCommission = decimal.NewFromFloat(yc.Backtest.MinCommission)
	}
	if yc.Backtest.StampTaxRate >= 0 {
		cfg.StampTaxRate = decimal.NewFromFloat(yc.Backtest.StampTaxRate)
	}
	if yc.Backtest.SlippageBps >= 0 {
		cfg.SlippageBps = decimal.NewFromFloat(yc.Backtest.SlippageBps)
	}
	if yc.Backtest.ExecutionMode != "" {
		cfg.ExecutionMode = execution.Mode(yc.Backtest.ExecutionMode)
	}
	if yc.Backtest.BarsPerYear > 0 {
		cfg.BarsPerYear = yc.Backtest.BarsPerYear
	}
	cfg.T0Symbols = yc.Backtest.T0Symbols

	if yc.Backtest.Start != "" {
		t, err := time.Parse("2006-01-02", yc.Backtest.Start)
		if err != nil {
			return RunConfig{}, fmt.Errorf("backtest: invalid backtest.start: %w", err)
		}
		cfg.Start = t
	}
	if yc.Backtest.End != "" {
		t, err := time.Parse("2006-01-02", yc.Backtest.End)
		if err != nil {
			return RunConfig{}, fmt.Errorf("backtest: invalid backtest.end: %w", err)
		}
		cfg.End = t
	}

	switch yc.Strategy.Type {
	case "", "box_breakout":
		var p BoxBreakoutParams
		if yc.Strategy.Params != nil {
			b, _ := yaml.Marshal(yc.Strategy.Params)
			_ = yaml.Unmarshal(b, &p)
		}
		cfg.Strategy = NewBoxBreakoutStrategy(p)
	default:
		return RunConfig{}, fmt.Errorf("backtest: unknown strategy.type: %s", yc.Strategy.Type)
	}

	return cfg, nil
}

// executionConfig adapts RunConfig to the execution package's own Config
// shape.
func (c RunConfig) executionConfig() execution.Config {
	return execution.Config{
		CommissionRate: c.CommissionRate,
		MinCommission:  c.MinCommission,
		StampTaxRate:   c.StampTaxRate,
		SlippageBps:    c.SlippageBps,
		Mode:           c.ExecutionMode,
	}
}
