package indicator

import (
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lizhexun/backtest/core"
	"github.com/lizhexun/backtest/datafeed"
)

func day(n int) time.Time {
	return time.Date(2026, 1, 1+n, 0, 0, 0, 0, time.UTC)
}

// buildFeed aligns ten bars with closes 1..10 against a ten-step benchmark,
// one symbol, no gaps.
func buildFeed(t *testing.T) *datafeed.DataFeed {
	t.Helper()
	df := datafeed.New(zap.NewNop().Sugar())
	bench := make([]core.Bar, 10)
	bars := make([]core.Bar, 10)
	for i := 0; i < 10; i++ {
		bench[i] = core.Bar{Time: day(i)}
		bars[i] = core.Bar{Time: day(i), Close: float64(i + 1)}
	}
	if err := df.SetBenchmark(bench); err != nil {
		t.Fatal(err)
	}
	df.AddMarketData("X", bars)
	if err := df.Align(); err != nil {
		t.Fatal(err)
	}
	return df
}

func TestSMAPrecomputeAndCursorGating(t *testing.T) {
	df := buildFeed(t)
	e := New()
	if err := e.Register(Def{Name: "sma3", Builtin: BuiltinSMA, Period: 3}); err != nil {
		t.Fatal(err)
	}
	if err := e.Precompute(df); err != nil {
		t.Fatal(err)
	}

	e.SetCursor(4)
	v, ok := e.Value("sma3", "X")
	if !ok || v != 4.0 {
		t.Fatalf("expected sma3 at cursor 4 = 4.0, got %v ok=%v", v, ok)
	}

	vals, err := e.GetValue("sma3", "X", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 5 {
		t.Fatalf("expected 5 values (capped by cursor), got %d: %v", len(vals), vals)
	}
	if !math.IsNaN(vals[0]) || !math.IsNaN(vals[1]) {
		t.Fatalf("expected two leading NaNs (period-1 warm-up), got %v", vals)
	}
	if vals[2] != 2.0 || vals[3] != 3.0 || vals[4] != 4.0 {
		t.Fatalf("expected [NaN NaN 2 3 4], got %v", vals)
	}
}

func TestGetValueNeverReadsPastCursor(t *testing.T) {
	df := buildFeed(t)
	e := New()
	if err := e.Register(Def{Name: "sma3", Builtin: BuiltinSMA, Period: 3}); err != nil {
		t.Fatal(err)
	}
	if err := e.Precompute(df); err != nil {
		t.Fatal(err)
	}

	e.SetCursor(2)
	vals, err := e.GetValue("sma3", "X", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 3 {
		t.Fatalf("expected 3 values at cursor 2, got %d: %v", len(vals), vals)
	}
	if vals[len(vals)-1] != 2.0 {
		t.Fatalf("expected last value 2.0 at cursor 2, got %v", vals[len(vals)-1])
	}

	// Advancing the cursor further must never retroactively change values
	// already read, and must not expose anything beyond the new cursor.
	e.SetCursor(9)
	vals2, err := e.GetValue("sma3", "X", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(vals2) != 8 {
		t.Fatalf("expected 8 values at cursor 9, got %d", len(vals2))
	}
	if vals2[len(vals2)-1] != 9.0 {
		t.Fatalf("expected last value 9.0 at cursor 9 (avg of 8,9,10), got %v", vals2[len(vals2)-1])
	}
}

func TestRegisterRejectsDuplicateAndPostPrecompute(t *testing.T) {
	e := New()
	if err := e.Register(Def{Name: "sma3", Builtin: BuiltinSMA, Period: 3}); err != nil {
		t.Fatal(err)
	}
	if err := e.Register(Def{Name: "sma3", Builtin: BuiltinSMA, Period: 5}); !errors.Is(err, ErrDuplicateIndicator) {
		t.Fatalf("expected ErrDuplicateIndicator, got %v", err)
	}

	df := datafeed.New(nil)
	if err := df.SetBenchmark([]core.Bar{{Time: day(0)}}); err != nil {
		t.Fatal(err)
	}
	if err := e.Precompute(df); err != nil {
		t.Fatal(err)
	}
	if err := e.Register(Def{Name: "rsi14", Builtin: BuiltinRSI}); err != ErrAlreadyPrecomputed {
		t.Fatalf("expected ErrAlreadyPrecomputed, got %v", err)
	}
}

func TestUnknownIndicatorNameErrors(t *testing.T) {
	e := New()
	df := datafeed.New(nil)
	if err := df.SetBenchmark([]core.Bar{{Time: day(0)}}); err != nil {
		t.Fatal(err)
	}
	if err := e.Precompute(df); err != nil {
		t.Fatal(err)
	}
	if _, err := e.GetValue("nonexistent", "X", 1); err == nil {
		t.Fatal("expected error for unknown indicator name")
	}
}
