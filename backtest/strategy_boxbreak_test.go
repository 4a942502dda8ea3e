package backtest

import (
	"testing"
	"time"

	"github.com/lizhexun/backtest/core"
)

func boxDay(n int) time.Time {
	return time.Date(2026, 2, 1+n, 9, 30, 0, 0, time.UTC)
}

func TestBoxBreakoutStrategyEntersOnBreakoutAndExitsOnStop(t *testing.T) {
	strat := NewBoxBreakoutStrategy(BoxBreakoutParams{
		BoxLookback:   3,
		BreakPct:      0.01,
		StopBufferPct: 0.02,
		TargetWeight:  0.5,
	})

	cfg := baseRunConfig()
	cfg.Strategy = strat

	e := New(cfg, strat, nil)
	bars := []core.Bar{
		{Time: boxDay(0), Open: 10, High: 10, Low: 9.5, Close: 10},
		{Time: boxDay(1), Open: 10, High: 10.2, Low: 9.8, Close: 10},
		{Time: boxDay(2), Open: 10, High: 10.1, Low: 9.9, Close: 10},
		// Breaks above the box (resistance 10.2) by more than 1%.
		{Time: boxDay(3), Open: 10.3, High: 10.6, Low: 10.2, Close: 10.5},
		// Then collapses below the box's support (9.8, the lowest low of the
		// three prior bars) by more than 2%.
		{Time: boxDay(4), Open: 10.3, High: 10.3, Low: 9.0, Close: 9.2},
	}
	bench := make([]core.Bar, len(bars))
	for i, b := range bars {
		bench[i] = core.Bar{Time: b.Time, Close: b.Close}
	}
	if err := e.LoadBenchmark(bench); err != nil {
		t.Fatal(err)
	}
	e.LoadMarketData("AAA", bars)

	result, err := e.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Fills) != 2 {
		t.Fatalf("expected entry and stop-loss exit fills, got %d: %+v", len(result.Fills), result.Fills)
	}
	if result.Fills[0].Side != core.Buy {
		t.Fatalf("expected first fill to be the breakout entry, got %v", result.Fills[0].Side)
	}
	if result.Fills[1].Side != core.Sell {
		t.Fatalf("expected second fill to be the stop-loss exit, got %v", result.Fills[1].Side)
	}
}

func TestBoxBreakoutStrategyNoEntryWithoutEnoughHistory(t *testing.T) {
	strat := NewBoxBreakoutStrategy(BoxBreakoutParams{BoxLookback: 20})
	cfg := baseRunConfig()
	cfg.Strategy = strat

	e := New(cfg, strat, nil)
	bars := []core.Bar{
		{Time: boxDay(0), Open: 10, High: 10.5, Low: 9.8, Close: 10.4},
		{Time: boxDay(1), Open: 10.4, High: 11, Low: 10.3, Close: 10.9},
	}
	bench := make([]core.Bar, len(bars))
	for i, b := range bars {
		bench[i] = core.Bar{Time: b.Time, Close: b.Close}
	}
	if err := e.LoadBenchmark(bench); err != nil {
		t.Fatal(err)
	}
	e.LoadMarketData("AAA", bars)

	result, err := e.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Fills) != 0 {
		t.Fatalf("expected no fills with insufficient box history, got %d", len(result.Fills))
	}
}

func TestBoxBreakoutParamsDefaults(t *testing.T) {
	strat := NewBoxBreakoutStrategy(BoxBreakoutParams{})
	if strat.p.BoxLookback != 20 || strat.p.BreakPct != 0.005 || strat.p.StopBufferPct != 0.03 || strat.p.TargetWeight != 1.0 {
		t.Fatalf("unexpected defaulted params: %+v", strat.p)
	}
	if strat.Indicators() != nil {
		t.Fatal("expected no indicator registration when VolRatioMin is disabled")
	}
}

func TestBoxBreakoutStrategyRegistersVolumeIndicatorWhenEnabled(t *testing.T) {
	strat := NewBoxBreakoutStrategy(BoxBreakoutParams{VolRatioMin: 1.5, VolMAN: 10})
	defs := strat.Indicators()
	if len(defs) != 1 || defs[0].Name != boxBreakoutVolIndicator {
		t.Fatalf("expected one volume SMA indicator definition, got %+v", defs)
	}
}
