package backtest

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/lizhexun/backtest/core"
	"github.com/lizhexun/backtest/execution"
)

// OrderHelper is the strategy-facing wrapper around the execution engine's
// order queue. It is stateless across bars: the engine rebuilds the
// snapshot it uses for Target's weight tolerance every bar, before handing
// it to the strategy.
type OrderHelper struct {
	exec         *execution.Engine
	equity       decimal.Decimal
	marketValues map[core.Symbol]decimal.Decimal
	prices       map[core.Symbol]float64
}

func newOrderHelper(exec *execution.Engine) *OrderHelper {
	return &OrderHelper{exec: exec}
}

func (o *OrderHelper) refresh(equity decimal.Decimal, marketValues map[core.Symbol]decimal.Decimal, prices map[core.Symbol]float64) {
	o.equity = equity
	o.marketValues = marketValues
	o.prices = prices
}

// Buy enqueues a buy order. qty is interpreted per qtyType: a raw share
// count, a cash amount, or a target portfolio weight.
func (o *OrderHelper) Buy(symbol core.Symbol, qty float64, qtyType core.QuantityType) {
	o.enqueue(symbol, core.Buy, qty, qtyType)
}

// Sell enqueues a sell order.
func (o *OrderHelper) Sell(symbol core.Symbol, qty float64, qtyType core.QuantityType) {
	o.enqueue(symbol, core.Sell, qty, qtyType)
}

func (o *OrderHelper) enqueue(symbol core.Symbol, side core.Side, qty float64, qtyType core.QuantityType) {
	o.exec.Enqueue(core.Order{
		Symbol:     symbol,
		Side:       side,
		QtyType:    qtyType,
		QtyValue:   qty,
		EnqueueSeq: o.exec.NextSeq(),
	})
}

// Target rebalances each named symbol toward its target portfolio weight:
// a current weight above target enqueues a sell, below target enqueues a
// buy, and a symbol already within one lot's worth of its target is
// skipped. Symbols are processed in sorted order for determinism.
func (o *OrderHelper) Target(weights map[core.Symbol]float64) {
	symbols := make([]core.Symbol, 0, len(weights))
	for sym := range weights {
		symbols = append(symbols, sym)
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i] < symbols[j] })

	for _, sym := range symbols {
		target := weights[sym]
		cur := 0.0
		if !o.equity.IsZero() {
			mv := o.marketValues[sym]
			w, _ := mv.Div(o.equity).Float64()
			cur = w
		}

		tolerance := 0.0
		if price, ok := o.prices[sym]; ok && price > 0 {
			equityF, _ := o.equity.Float64()
			if equityF > 0 {
				tolerance = float64(core.LotSize) * price / equityF
			}
		}

		delta := target - cur
		if math.Abs(delta) <= tolerance {
			continue
		}
		if delta > 0 {
			o.enqueue(sym, core.Buy, target, core.QtyWeight)
		} else {
			o.enqueue(sym, core.Sell, target, core.QtyWeight)
		}
	}
}
