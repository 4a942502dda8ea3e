package backtest

import (
	"github.com/lizhexun/backtest/core"
	"github.com/lizhexun/backtest/indicator"
)

// IndicatorProvider is satisfied by strategies that need indicators
// registered on the Engine before Run precomputes them. Engine.Run calls
// this once, before Align/Precompute.
type IndicatorProvider interface {
	Indicators() []indicator.Def
}

// Strategy is the user-supplied callback surface. Its four hooks are all
// optional: implement only the ones you need by satisfying the matching
// interface below. Run type-asserts the concrete strategy against each one
// once at startup and skips a step entirely when unimplemented, rather than
// calling a no-op every bar.
type Strategy interface{}

// StartHandler runs once before the first bar.
type StartHandler interface {
	OnStart(ctx *BarContext) error
}

// BarHandler runs once per bar, after the context is refreshed and before
// order execution. It is the hook strategies use to enqueue orders via
// ctx.Order.
type BarHandler interface {
	OnBar(ctx *BarContext) error
}

// TradeHandler runs once per fill produced by this bar's execution, in
// execution order, after OnBar returns.
type TradeHandler interface {
	OnTrade(ctx *BarContext, fill core.Fill) error
}

// StopHandler runs once after the benchmark timeline is exhausted.
type StopHandler interface {
	OnStop(ctx *BarContext) error
}
