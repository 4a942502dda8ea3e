package trading

import (
	"testing"
	"time"
)

func TestIsStockSession(t *testing.T) {
	cases := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"morning open", time.Date(2026, 3, 2, 9, 30, 0, 0, cst), true},
		{"lunch break", time.Date(2026, 3, 2, 12, 0, 0, 0, cst), false},
		{"afternoon close", time.Date(2026, 3, 2, 15, 0, 0, 0, cst), true},
		{"after hours", time.Date(2026, 3, 2, 15, 1, 0, 0, cst), false},
		{"weekend", time.Date(2026, 3, 1, 10, 0, 0, 0, cst), false},
	}
	for _, c := range cases {
		if got := IsStockSession(c.t); got != c.want {
			t.Errorf("%s: IsStockSession = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestTradingDayGroupsBothSessions(t *testing.T) {
	morning := time.Date(2026, 3, 2, 9, 30, 0, 0, cst)
	afternoon := time.Date(2026, 3, 2, 14, 0, 0, 0, cst)
	if !SameTradingDay(morning, afternoon) {
		t.Fatal("expected same trading day for morning/afternoon sessions")
	}

	nextDay := time.Date(2026, 3, 3, 9, 30, 0, 0, cst)
	if SameTradingDay(morning, nextDay) {
		t.Fatal("expected different trading days across calendar dates")
	}
}

func TestTradingDayStripsTimeOfDay(t *testing.T) {
	ts := time.Date(2026, 3, 2, 14, 37, 12, 0, cst)
	day := TradingDay(ts)
	if day.Hour() != 0 || day.Minute() != 0 || day.Second() != 0 {
		t.Fatalf("expected midnight, got %v", day)
	}
}
