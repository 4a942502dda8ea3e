// Package metrics appends the equity curve and fill log during the main
// loop and reduces them to summary statistics once the run completes.
package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lizhexun/backtest/core"
)

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Timestamp time.Time
	Equity    decimal.Decimal
}

// Stats is the terminal summary produced by Finalize.
type Stats struct {
	TotalReturn           float64
	AnnualizedReturn       float64
	AnnualizationAvailable bool
	MaxDrawdown            float64
	MaxDrawdownStart        time.Time
	MaxDrawdownEnd          time.Time
	Sharpe                  float64
	WinRate                 float64
	ProfitLossRatio         float64
	OpenFillCount           int
	CloseFillCount          int

	// Benchmark is the buy-and-hold curve of the benchmark series, scaled
	// to the same initial cash, with its own parallel statistics. Nil if
	// no benchmark price series was supplied to RecordBenchmarkEquity.
	Benchmark *Stats
}

// BarsPerYear selects the annualization scale. Daily bars use 252; intraday
// strategies pass bars-per-day * 252. A non-positive value disables
// annualization (AnnualizedReturn reports raw TotalReturn, with
// AnnualizationAvailable = false).
type BarsPerYear int

// Recorder is append-only during the main loop; Finalize reduces its
// history to Stats once the run has ended.
type Recorder struct {
	scale         float64
	hasScale      bool
	equity        []EquityPoint
	fills         []core.Fill
	benchEquity   []EquityPoint
	benchStarted  bool
}

// New constructs a Recorder. barsPerYear <= 0 disables annualization.
func New(barsPerYear BarsPerYear) *Recorder {
	r := &Recorder{}
	if barsPerYear > 0 {
		r.scale = float64(barsPerYear)
		r.hasScale = true
	}
	return r
}

// RecordEquity appends one equity-curve sample. Must be called exactly once
// per bar, after execution, in chronological order.
func (r *Recorder) RecordEquity(ts time.Time, equity decimal.Decimal) {
	r.equity = append(r.equity, EquityPoint{Timestamp: ts, Equity: equity})
}

// RecordFill appends a fill to the trade log.
func (r *Recorder) RecordFill(f core.Fill) {
	r.fills = append(r.fills, f)
}

// RecordBenchmarkEquity appends one sample of the benchmark buy-and-hold
// curve — supplemental to the core equity curve, used for side-by-side
// reporting against the strategy's own performance.
func (r *Recorder) RecordBenchmarkEquity(ts time.Time, equity decimal.Decimal) {
	r.benchEquity = append(r.benchEquity, EquityPoint{Timestamp: ts, Equity: equity})
	r.benchStarted = true
}

// EquityCurve returns the recorded equity samples.
func (r *Recorder) EquityCurve() []EquityPoint {
	out := make([]EquityPoint, len(r.equity))
	copy(out, r.equity)
	return out
}

// BenchmarkCurve returns the recorded benchmark buy-and-hold samples.
func (r *Recorder) BenchmarkCurve() []EquityPoint {
	out := make([]EquityPoint, len(r.benchEquity))
	copy(out, r.benchEquity)
	return out
}

// Fills returns every recorded fill in record order.
func (r *Recorder) Fills() []core.Fill {
	out := make([]core.Fill, len(r.fills))
	copy(out, r.fills)
	return out
}

// Finalize computes the terminal Stats from the recorded equity curve and
// fill log. It does not mutate the Recorder and may be called more than
// once.
func (r *Recorder) Finalize() Stats {
	s := computeStats(r.equity, r.fills, r.scale, r.hasScale)
	if r.benchStarted && len(r.benchEquity) > 0 {
		bs := computeStats(r.benchEquity, nil, r.scale, r.hasScale)
		s.Benchmark = &bs
	}
	return s
}

func computeStats(equity []EquityPoint, fills []core.Fill, scale float64, hasScale bool) Stats {
	var s Stats
	s.WinRate, s.ProfitLossRatio, s.OpenFillCount, s.CloseFillCount = tradeStats(fills)
	if len(equity) == 0 {
		return s
	}

	e0 := equity[0].Equity
	eT := equity[len(equity)-1].Equity
	if !e0.IsZero() {
		ratio, _ := eT.Div(e0).Float64()
		s.TotalReturn = ratio - 1
	}

	if hasScale && scale > 0 && len(equity) > 1 {
		ratio, _ := eT.Div(e0).Float64()
		if ratio > 0 {
			barsElapsed := float64(len(equity) - 1)
			if barsElapsed > 0 {
				s.AnnualizedReturn = math.Pow(ratio, scale/barsElapsed) - 1
				s.AnnualizationAvailable = true
			}
		}
	}
	if !s.AnnualizationAvailable {
		s.AnnualizedReturn = s.TotalReturn
	}

	s.MaxDrawdown, s.MaxDrawdownStart, s.MaxDrawdownEnd = maxDrawdown(equity)

	returns := periodReturns(equity)
	s.Sharpe = sharpe(returns, scale, hasScale)

	return s
}

// maxDrawdown returns the largest peak-to-trough fractional decline and the
// timestamps of the peak and trough that produced it.
func maxDrawdown(equity []EquityPoint) (float64, time.Time, time.Time) {
	var maxDD float64
	var ddStart, ddEnd time.Time
	peak := equity[0].Equity
	peakTS := equity[0].Timestamp
	for _, p := range equity {
		if p.Equity.GreaterThan(peak) {
			peak = p.Equity
			peakTS = p.Timestamp
		}
		if peak.IsZero() {
			continue
		}
		dd, _ := peak.Sub(p.Equity).Div(peak).Float64()
		if dd > maxDD {
			maxDD = dd
			ddStart = peakTS
			ddEnd = p.Timestamp
		}
	}
	return maxDD, ddStart, ddEnd
}

// periodReturns returns the per-bar fractional return series r_t = E_t/E_{t-1} - 1.
func periodReturns(equity []EquityPoint) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if prev.IsZero() {
			continue
		}
		r, _ := equity[i].Equity.Div(prev).Float64()
		out = append(out, r-1)
	}
	return out
}

func sharpe(returns []float64, scale float64, hasScale bool) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	stdev := math.Sqrt(variance)
	if stdev == 0 {
		return 0
	}
	ratio := mean / stdev
	if hasScale && scale > 0 {
		ratio *= math.Sqrt(scale)
	}
	return ratio
}

// openLot is one still-open buy lot awaiting FIFO pairing with a sell.
type openLot struct {
	shares int64
	netIn  decimal.Decimal // cost basis for these shares (gross + commission)
}

// tradeStats pairs buy and sell fills per symbol on a FIFO basis to form
// closed trades, then computes win rate and the average-win/average-loss
// ratio over them, plus open/close fill counts.
func tradeStats(fills []core.Fill) (winRate, profitLossRatio float64, openCount, closeCount int) {
	bySymbol := make(map[core.Symbol][]core.Fill)
	for _, f := range fills {
		bySymbol[f.Symbol] = append(bySymbol[f.Symbol], f)
	}

	symbols := make([]core.Symbol, 0, len(bySymbol))
	for sym := range bySymbol {
		symbols = append(symbols, sym)
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i] < symbols[j] })

	var wins, losses int
	var winSum, lossSum decimal.Decimal

	for _, sym := range symbols {
		var open []openLot
		for _, f := range bySymbol[sym] {
			switch f.Side {
			case core.Buy:
				openCount++
				netIn := f.Gross.Add(f.Commission)
				open = append(open, openLot{shares: f.Shares, netIn: netIn})
			case core.Sell:
				closeCount++
				remaining := f.Shares
				sellNetPerShare := f.Gross.Sub(f.Commission).Sub(f.StampTax)
				if f.Shares > 0 {
					sellNetPerShare = sellNetPerShare.Div(decimal.NewFromInt(f.Shares))
				}
				for remaining > 0 && len(open) > 0 {
					lot := &open[0]
					take := lot.shares
					if take > remaining {
						take = remaining
					}
					costPerShare := lot.netIn.Div(decimal.NewFromInt(lot.shares))
					pnl := sellNetPerShare.Sub(costPerShare).Mul(decimal.NewFromInt(take))
					if pnl.IsPositive() {
						wins++
						winSum = winSum.Add(pnl)
					} else if pnl.IsNegative() {
						losses++
						lossSum = lossSum.Add(pnl.Abs())
					}
					lot.shares -= take
					lot.netIn = costPerShare.Mul(decimal.NewFromInt(lot.shares))
					remaining -= take
					if lot.shares == 0 {
						open = open[1:]
					}
				}
			}
		}
	}

	closed := wins + losses
	if closed > 0 {
		winRate = float64(wins) / float64(closed)
	}
	if wins > 0 && losses > 0 {
		avgWin, _ := winSum.Div(decimal.NewFromInt(int64(wins))).Float64()
		avgLoss, _ := lossSum.Div(decimal.NewFromInt(int64(losses))).Float64()
		if avgLoss != 0 {
			profitLossRatio = avgWin / avgLoss
		}
	}
	return winRate, profitLossRatio, openCount, closeCount
}
