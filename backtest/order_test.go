package backtest

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/lizhexun/backtest/core"
	"github.com/lizhexun/backtest/execution"
)

func TestOrderHelperBuySellEnqueue(t *testing.T) {
	exec := execution.New(execution.Config{
		CommissionRate: decimal.NewFromFloat(0.0005),
		MinCommission:  decimal.NewFromFloat(5),
		StampTaxRate:   decimal.NewFromFloat(0.001),
		SlippageBps:    decimal.Zero,
		Mode:           execution.ModeClose,
	}, nil)
	o := newOrderHelper(exec)
	o.refresh(decimal.NewFromFloat(100000), nil, nil)

	o.Buy("AAA", 100, core.QtyCount)
	o.Sell("BBB", 50, core.QtyCount)

	if exec.QueueLen() != 2 {
		t.Fatalf("expected 2 queued orders, got %d", exec.QueueLen())
	}
}

func TestTargetSkipsWithinOneLotTolerance(t *testing.T) {
	exec := execution.New(execution.Config{Mode: execution.ModeClose}, nil)
	o := newOrderHelper(exec)

	equity := decimal.NewFromFloat(100000)
	marketValues := map[core.Symbol]decimal.Decimal{"AAA": decimal.NewFromFloat(50000)}
	prices := map[core.Symbol]float64{"AAA": 10}
	o.refresh(equity, marketValues, prices)

	// Current weight is exactly 0.5; a target within one lot's worth
	// (100 * 10 / 100000 = 0.01) must not enqueue anything.
	o.Target(map[core.Symbol]float64{"AAA": 0.5003})
	if exec.QueueLen() != 0 {
		t.Fatalf("expected no order within tolerance, got %d queued", exec.QueueLen())
	}

	o.Target(map[core.Symbol]float64{"AAA": 0.6})
	if exec.QueueLen() != 1 {
		t.Fatalf("expected one rebalance order once outside tolerance, got %d", exec.QueueLen())
	}
}

func TestTargetEnqueuesSellWhenAboveTarget(t *testing.T) {
	exec := execution.New(execution.Config{Mode: execution.ModeClose}, nil)
	o := newOrderHelper(exec)

	equity := decimal.NewFromFloat(100000)
	marketValues := map[core.Symbol]decimal.Decimal{"AAA": decimal.NewFromFloat(80000)}
	prices := map[core.Symbol]float64{"AAA": 10}
	o.refresh(equity, marketValues, prices)

	o.Target(map[core.Symbol]float64{"AAA": 0.2})
	if exec.QueueLen() != 1 {
		t.Fatalf("expected one order, got %d", exec.QueueLen())
	}
}
