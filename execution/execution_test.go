package execution

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lizhexun/backtest/core"
	"github.com/lizhexun/backtest/portfolio"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func ts(n int) time.Time {
	return time.Date(2026, 1, 1+n, 9, 30, 0, 0, time.UTC)
}

func noSlippageConfig() Config {
	return Config{
		CommissionRate: d("0.0005"),
		MinCommission:  d("5"),
		StampTaxRate:   d("0.001"),
		SlippageBps:    d("0"),
		Mode:           ModeClose,
	}
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := noSlippageConfig()
	cfg.Mode = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown execution mode")
	}
}

func TestValidateRejectsNegativeRates(t *testing.T) {
	cfg := noSlippageConfig()
	cfg.CommissionRate = d("-0.001")
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative commission rate")
	}
}

func TestInsufficientCashDownsizesToAffordableLot(t *testing.T) {
	cfg := noSlippageConfig()
	e := New(cfg, nil)
	state := portfolio.New(d("1050"), nil)

	bars := map[core.Symbol]core.Bar{"AAA": {Close: 10}}
	e.Enqueue(core.Order{Symbol: "AAA", Side: core.Buy, QtyType: core.QtyCount, QtyValue: 200, EnqueueSeq: e.NextSeq()})

	fills := e.DrainAndExecute(bars, state, ts(0), ts(0))
	if len(fills) != 1 {
		t.Fatalf("expected exactly one fill, got %d", len(fills))
	}
	if fills[0].Shares != 100 {
		t.Fatalf("expected downsize to 100 shares, got %d", fills[0].Shares)
	}
	if !state.Cash().Equal(d("45")) {
		t.Fatalf("expected cash 45 remaining (1050 - 1000 gross - 5 commission), got %s", state.Cash())
	}
}

func TestSellsExecuteBeforeBuysRegardlessOfEnqueueOrder(t *testing.T) {
	cfg := noSlippageConfig()
	e := New(cfg, nil)
	state := portfolio.New(d("100000"), []core.Symbol{"AAA", "BBB"})

	if _, err := state.ApplyBuy("AAA", 100, d("10"), d("5"), d("1000"), ts(0), ts(0)); err != nil {
		t.Fatal(err)
	}

	bars := map[core.Symbol]core.Bar{
		"AAA": {Close: 10},
		"BBB": {Close: 20},
	}
	// Enqueue the buy first, sell second: DrainAndExecute must still commit
	// the sell's cash credit before spending it on the buy.
	e.Enqueue(core.Order{Symbol: "BBB", Side: core.Buy, QtyType: core.QtyCash, QtyValue: 100900, EnqueueSeq: e.NextSeq()})
	e.Enqueue(core.Order{Symbol: "AAA", Side: core.Sell, QtyType: core.QtyCount, QtyValue: 100, EnqueueSeq: e.NextSeq()})

	fills := e.DrainAndExecute(bars, state, ts(1), ts(1))
	if len(fills) != 2 {
		t.Fatalf("expected two fills, got %d", len(fills))
	}
	if fills[0].Side != core.Sell || fills[0].Symbol != "AAA" {
		t.Fatalf("expected sell to execute first, got %+v", fills[0])
	}
	if fills[1].Side != core.Buy || fills[1].Symbol != "BBB" {
		t.Fatalf("expected buy to execute second, got %+v", fills[1])
	}
}

func TestNakedSellDropped(t *testing.T) {
	cfg := noSlippageConfig()
	e := New(cfg, nil)
	state := portfolio.New(d("100000"), nil)

	bars := map[core.Symbol]core.Bar{"AAA": {Close: 10}}
	e.Enqueue(core.Order{Symbol: "AAA", Side: core.Sell, QtyType: core.QtyCount, QtyValue: 100, EnqueueSeq: e.NextSeq()})

	fills := e.DrainAndExecute(bars, state, ts(0), ts(0))
	if len(fills) != 0 {
		t.Fatalf("expected naked sell to be dropped, got %d fills", len(fills))
	}
}

func TestNonTradableSymbolDropped(t *testing.T) {
	cfg := noSlippageConfig()
	e := New(cfg, nil)
	state := portfolio.New(d("100000"), nil)

	// AAA has no bar this step (suspended/missing): the buy must drop.
	bars := map[core.Symbol]core.Bar{}
	e.Enqueue(core.Order{Symbol: "AAA", Side: core.Buy, QtyType: core.QtyCount, QtyValue: 100, EnqueueSeq: e.NextSeq()})

	fills := e.DrainAndExecute(bars, state, ts(0), ts(0))
	if len(fills) != 0 {
		t.Fatalf("expected non-tradable buy to be dropped, got %d fills", len(fills))
	}
}

func TestSellClampsToAvailableShares(t *testing.T) {
	cfg := noSlippageConfig()
	e := New(cfg, nil)
	state := portfolio.New(d("100000"), []core.Symbol{"AAA"})
	if _, err := state.ApplyBuy("AAA", 100, d("10"), d("5"), d("1000"), ts(0), ts(0)); err != nil {
		t.Fatal(err)
	}

	bars := map[core.Symbol]core.Bar{"AAA": {Close: 10}}
	e.Enqueue(core.Order{Symbol: "AAA", Side: core.Sell, QtyType: core.QtyCount, QtyValue: 500, EnqueueSeq: e.NextSeq()})

	fills := e.DrainAndExecute(bars, state, ts(0), ts(0))
	if len(fills) != 1 || fills[0].Shares != 100 {
		t.Fatalf("expected sell clamped to 100 available shares, got %+v", fills)
	}
}

func TestQuantityTypeConversions(t *testing.T) {
	cfg := noSlippageConfig()
	e := New(cfg, nil)
	ev := equityValuation{equity: d("100000"), marketValues: map[core.Symbol]decimal.Decimal{}}

	countOrder := core.Order{Symbol: "AAA", QtyType: core.QtyCount, QtyValue: 250}
	if got := e.targetShares(countOrder, 10, ev); got != 200 {
		t.Fatalf("expected count 250 floored to 200, got %d", got)
	}

	cashOrder := core.Order{Symbol: "AAA", QtyType: core.QtyCash, QtyValue: 10000}
	if got := e.targetShares(cashOrder, 33, ev); got != 300 {
		t.Fatalf("expected cash 10000/33 floored to 300, got %d", got)
	}

	weightOrder := core.Order{Symbol: "AAA", QtyType: core.QtyWeight, QtyValue: 0.1}
	if got := e.targetShares(weightOrder, 10, ev); got != 1000 {
		t.Fatalf("expected weight 0.1 of 100000 at price 10 => 1000 shares, got %d", got)
	}
}
