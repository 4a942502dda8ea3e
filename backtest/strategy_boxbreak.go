package backtest

import (
	"math"

	"github.com/lizhexun/backtest/core"
	"github.com/lizhexun/backtest/indicator"
)

// BoxBreakoutParams configures BoxBreakoutStrategy.
type BoxBreakoutParams struct {
	// BoxLookback is the number of prior bars used to estimate the
	// support/resistance box (not counting the current bar).
	BoxLookback int `yaml:"box_lookback" json:"box_lookback"`
	// BreakPct is how far above resistance the close must clear to count
	// as a breakout, e.g. 0.005 for 0.5%.
	BreakPct float64 `yaml:"break_pct" json:"break_pct"`
	// StopBufferPct is how far below support the close must fall to
	// trigger the stop-loss exit.
	StopBufferPct float64 `yaml:"stop_buffer_pct" json:"stop_buffer_pct"`
	// TargetWeight is the portfolio weight assigned to a symbol on
	// breakout entry.
	TargetWeight float64 `yaml:"target_weight" json:"target_weight"`
	// VolMAN is the lookback for the volume moving-average confirmation
	// filter. VolRatioMin <= 0 disables the filter.
	VolMAN      int     `yaml:"vol_ma_n" json:"vol_ma_n"`
	VolRatioMin float64 `yaml:"vol_ratio_min" json:"vol_ratio_min"`
}

func (p BoxBreakoutParams) withDefaults() BoxBreakoutParams {
	if p.BoxLookback <= 0 {
		p.BoxLookback = 20
	}
	if p.BreakPct <= 0 {
		p.BreakPct = 0.005
	}
	if p.StopBufferPct <= 0 {
		p.StopBufferPct = 0.03
	}
	if p.TargetWeight <= 0 {
		p.TargetWeight = 1.0
	}
	if p.VolMAN <= 0 {
		p.VolMAN = 20
	}
	return p
}

const boxBreakoutVolIndicator = "box_breakout_vol_sma"

// BoxBreakoutStrategy buys a symbol when its close clears the resistance of
// the prior BoxLookback bars by BreakPct, optionally confirmed by volume
// running above its moving average, and exits to flat when the close falls
// StopBufferPct below the box's support.
type BoxBreakoutStrategy struct {
	p BoxBreakoutParams
}

// NewBoxBreakoutStrategy constructs the strategy with defaulted params.
func NewBoxBreakoutStrategy(p BoxBreakoutParams) *BoxBreakoutStrategy {
	return &BoxBreakoutStrategy{p: p.withDefaults()}
}

// Indicators returns the indicator definitions this strategy needs
// registered on the Engine before Run.
func (s *BoxBreakoutStrategy) Indicators() []indicator.Def {
	if s.p.VolRatioMin <= 0 {
		return nil
	}
	return []indicator.Def{{
		Name:    boxBreakoutVolIndicator,
		Period:  s.p.VolMAN,
		Field:   indicator.FieldVolume,
		Builtin: indicator.BuiltinSMA,
	}}
}

func (s *BoxBreakoutStrategy) OnBar(ctx *BarContext) error {
	for _, symbol := range ctx.Symbols() {
		if !ctx.IsTradable(symbol) {
			continue
		}
		s.evaluate(ctx, symbol)
	}
	return nil
}

func (s *BoxBreakoutStrategy) evaluate(ctx *BarContext, symbol core.Symbol) {
	window, err := ctx.Bars(symbol, s.p.BoxLookback+1)
	if err != nil || len(window) < s.p.BoxLookback+1 {
		return
	}
	box := window[:len(window)-1]
	current := window[len(window)-1]

	support, resist := box[0].Low, box[0].High
	for _, b := range box[1:] {
		if b.Low < support {
			support = b.Low
		}
		if b.High > resist {
			resist = b.High
		}
	}
	if support <= 0 || resist <= support {
		return
	}

	held := ctx.Position(symbol).Quantity > 0

	if held {
		if current.Close < support*(1-s.p.StopBufferPct) {
			ctx.Order.Sell(symbol, 0, core.QtyWeight)
		}
		return
	}

	if current.Close < resist*(1+s.p.BreakPct) {
		return
	}
	if s.p.VolRatioMin > 0 {
		avgVol, ok := ctx.Indicator(boxBreakoutVolIndicator, symbol)
		if !ok || avgVol <= 0 || current.Volume/avgVol < s.p.VolRatioMin {
			return
		}
	}
	if math.IsNaN(current.Close) {
		return
	}
	ctx.Order.Buy(symbol, s.p.TargetWeight, core.QtyWeight)
}
