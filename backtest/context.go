package backtest

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lizhexun/backtest/core"
	"github.com/lizhexun/backtest/datafeed"
	"github.com/lizhexun/backtest/indicator"
	"github.com/lizhexun/backtest/portfolio"
)

// PositionView is a read-only snapshot of one symbol's holding, as seen by
// strategy code through BarContext.
type PositionView struct {
	Symbol      core.Symbol
	Quantity    int64
	Available   int64
	AvgCost     decimal.Decimal
	MarketValue decimal.Decimal
	Weight      float64
}

// BarContext is the sole surface exposed to strategy code. The engine
// refreshes one in place every bar; it is a view over the engine's
// components and does not own any of them, so it never needs to be copied
// out of the main loop. Strategies must not retain a BarContext beyond the
// callback that received it.
type BarContext struct {
	Time   time.Time
	Period string

	// Scratch persists across bars for strategy-private state (e.g. a
	// running indicator the strategy maintains itself rather than via
	// RegisterIndicator).
	Scratch map[string]any

	Order *OrderHelper

	symbols    []core.Symbol
	cash       decimal.Decimal
	equity     decimal.Decimal
	positions  map[core.Symbol]PositionView
	indicators *indicator.Engine
	feed       *datafeed.DataFeed
}

func newBarContext() *BarContext {
	return &BarContext{Scratch: make(map[string]any)}
}

// refresh repopulates the context for the current bar. Called by Engine
// only.
func (c *BarContext) refresh(ts time.Time, period string, symbols []core.Symbol, state *portfolio.State, prices map[core.Symbol]float64, indicators *indicator.Engine, feed *datafeed.DataFeed, order *OrderHelper) {
	c.Time = ts
	c.Period = period
	c.symbols = symbols
	c.cash = state.Cash()
	c.equity = state.Equity(prices)
	c.indicators = indicators
	c.feed = feed
	c.Order = order

	c.positions = make(map[core.Symbol]PositionView, len(symbols))
	for _, sym := range state.Symbols() {
		pos := state.Position(sym)
		mv := state.MarketValue(sym, prices[sym])
		weight := 0.0
		if !c.equity.IsZero() {
			w, _ := mv.Div(c.equity).Float64()
			weight = w
		}
		c.positions[sym] = PositionView{
			Symbol:      sym,
			Quantity:    pos.Quantity,
			Available:   pos.Available,
			AvgCost:     pos.AvgCost,
			MarketValue: mv,
			Weight:      weight,
		}
	}
}

// Symbols returns every symbol known to the DataFeed, in deterministic
// order.
func (c *BarContext) Symbols() []core.Symbol {
	out := make([]core.Symbol, len(c.symbols))
	copy(out, c.symbols)
	return out
}

// Cash returns the current cash balance.
func (c *BarContext) Cash() decimal.Decimal { return c.cash }

// Equity returns cash plus the market value of every held position, priced
// at this bar's reference prices.
func (c *BarContext) Equity() decimal.Decimal { return c.equity }

// Position returns the position view for symbol (zero value if none held).
func (c *BarContext) Position(symbol core.Symbol) PositionView {
	if p, ok := c.positions[symbol]; ok {
		return p
	}
	return PositionView{Symbol: symbol}
}

// Positions returns a view for every symbol with a tracked position, sorted
// by symbol for deterministic iteration.
func (c *BarContext) Positions() []PositionView {
	out := make([]PositionView, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Bar returns the current bar for symbol, if present and tradable this
// step.
func (c *BarContext) Bar(symbol core.Symbol) (core.Bar, bool) {
	if !c.feed.IsTradable(symbol) {
		return core.Bar{}, false
	}
	bars, err := c.feed.GetBars(symbol, 1)
	if err != nil || len(bars) == 0 {
		return core.Bar{}, false
	}
	return bars[len(bars)-1], true
}

// Bars returns up to count most recent historical bars for symbol, oldest
// first, ending at the current bar. Never reveals a future bar.
func (c *BarContext) Bars(symbol core.Symbol, count int) ([]core.Bar, error) {
	return c.feed.GetBars(symbol, count)
}

// IsTradable reports whether symbol has a present, non-suspended bar this
// step.
func (c *BarContext) IsTradable(symbol core.Symbol) bool {
	return c.feed.IsTradable(symbol)
}

// Indicator returns the single most recent value of a registered indicator
// at or before the current bar, and whether it is present.
func (c *BarContext) Indicator(name string, symbol core.Symbol) (float64, bool) {
	return c.indicators.Value(name, symbol)
}

// IndicatorSeries returns up to count historical values of a registered
// indicator ending at the current bar, oldest first.
func (c *BarContext) IndicatorSeries(name string, symbol core.Symbol, count int) ([]float64, error) {
	return c.indicators.GetValue(name, symbol, count)
}
