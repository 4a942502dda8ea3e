package backtest

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lizhexun/backtest/core"
	"github.com/lizhexun/backtest/datafeed"
	"github.com/lizhexun/backtest/execution"
	"github.com/lizhexun/backtest/indicator"
	"github.com/lizhexun/backtest/metrics"
	"github.com/lizhexun/backtest/portfolio"
	"github.com/lizhexun/backtest/trading"
)

// RunResult is the output of Engine.Run: final statistics plus the full
// equity, fill and benchmark history.
type RunResult struct {
	Stats          metrics.Stats
	EquityCurve    []metrics.EquityPoint
	Fills          []core.Fill
	BenchmarkCurve []metrics.EquityPoint
}

// Engine wires DataFeed, IndicatorEngine, PortfolioState, ExecutionEngine
// and MetricsRecorder together and drives the single-threaded main loop.
// Construct with New, load data with LoadBenchmark/LoadMarketData and
// indicators with RegisterIndicator, then call Run exactly once.
type Engine struct {
	cfg      RunConfig
	strategy Strategy

	feed       *datafeed.DataFeed
	indicators *indicator.Engine
	state      *portfolio.State
	exec       *execution.Engine
	recorder   *metrics.Recorder

	ctx   *BarContext
	order *OrderHelper

	log *zap.SugaredLogger
}

// New constructs an Engine from a validated RunConfig and a strategy. A nil
// logger disables warning output.
func New(cfg RunConfig, strategy Strategy, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	t0 := make([]core.Symbol, len(cfg.T0Symbols))
	for i, s := range cfg.T0Symbols {
		t0[i] = core.Symbol(s)
	}

	feed := datafeed.New(log)
	execEngine := execution.New(cfg.executionConfig(), log)

	return &Engine{
		cfg:        cfg,
		strategy:   strategy,
		feed:       feed,
		indicators: indicator.New(),
		state:      portfolio.New(cfg.Cash, t0),
		exec:       execEngine,
		recorder:   metrics.New(metrics.BarsPerYear(cfg.BarsPerYear)),
		ctx:        newBarContext(),
		order:      newOrderHelper(execEngine),
		log:        log,
	}
}

// LoadBenchmark fixes the benchmark timeline, clipped to cfg.Start/cfg.End
// when set. Must be called before Run.
func (e *Engine) LoadBenchmark(bars []core.Bar) error {
	return e.feed.SetBenchmark(e.clipToBounds(bars))
}

// LoadMarketData registers one symbol's bar series, clipped to
// cfg.Start/cfg.End when set. Must be called before Run.
func (e *Engine) LoadMarketData(symbol core.Symbol, bars []core.Bar) {
	e.feed.AddMarketData(symbol, e.clipToBounds(bars))
}

// clipToBounds drops bars outside [cfg.Start, cfg.End], matching the
// optional timestamp bounds accepted by RunConfig. A zero Start or End
// leaves that side unbounded.
func (e *Engine) clipToBounds(bars []core.Bar) []core.Bar {
	if e.cfg.Start.IsZero() && e.cfg.End.IsZero() {
		return bars
	}
	out := make([]core.Bar, 0, len(bars))
	for _, b := range bars {
		if !e.cfg.Start.IsZero() && b.Time.Before(e.cfg.Start) {
			continue
		}
		if !e.cfg.End.IsZero() && b.Time.After(e.cfg.End) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// RegisterIndicator adds an indicator definition, precomputed once when Run
// starts. Must be called before Run.
func (e *Engine) RegisterIndicator(def indicator.Def) error {
	return e.indicators.Register(def)
}

// Run executes the full benchmark timeline through the strategy, returning
// the final result. Fatal configuration errors (empty/non-monotonic
// benchmark, unknown execution_mode, negative rates, duplicate indicator
// names) are returned before any bar is processed.
func (e *Engine) Run() (RunResult, error) {
	if err := e.cfg.executionConfig().Validate(); err != nil {
		return RunResult{}, fmt.Errorf("backtest: config: %w", err)
	}
	if provider, ok := e.strategy.(IndicatorProvider); ok {
		for _, def := range provider.Indicators() {
			if err := e.indicators.Register(def); err != nil {
				return RunResult{}, fmt.Errorf("backtest: register indicator: %w", err)
			}
		}
	}
	if err := e.feed.Align(); err != nil {
		return RunResult{}, fmt.Errorf("backtest: align: %w", err)
	}
	if err := e.indicators.Precompute(e.feed); err != nil {
		return RunResult{}, fmt.Errorf("backtest: precompute indicators: %w", err)
	}

	symbols := e.feed.Symbols()

	var benchBasePrice float64
	timeline := e.feed.Timeline()
	if len(timeline) > 0 {
		benchBasePrice = timeline[0].Close
	}

	starter, hasStart := e.strategy.(StartHandler)
	barHandler, hasBar := e.strategy.(BarHandler)
	tradeHandler, hasTrade := e.strategy.(TradeHandler)
	stopper, hasStop := e.strategy.(StopHandler)

	if hasStart {
		e.order.refresh(e.state.Cash(), nil, nil)
		e.ctx.refresh(time.Time{}, "", symbols, e.state, nil, e.indicators, e.feed, e.order)
		if err := starter.OnStart(e.ctx); err != nil {
			return RunResult{}, fmt.Errorf("backtest: OnStart: %w", err)
		}
	}

	var prevDay time.Time
	haveDay := false

	for e.feed.Advance() {
		bar, ok := e.feed.CurrentTime()
		if !ok {
			break
		}
		day := trading.TradingDay(bar.Time)
		if !haveDay || !day.Equal(prevDay) {
			e.state.RollDay(bar.Time)
			prevDay = day
			haveDay = true
		}

		idx := e.feed.CurrentIndex()
		e.indicators.SetCursor(idx)

		currentBars := e.feed.CurrentBars()
		prices := make(map[core.Symbol]float64, len(currentBars))
		for symbol, b := range currentBars {
			prices[symbol] = execution.ReferencePrice(e.cfg.ExecutionMode, b)
		}

		equity := e.state.Equity(prices)
		marketValues := make(map[core.Symbol]decimal.Decimal, len(symbols))
		for _, symbol := range e.state.Symbols() {
			marketValues[symbol] = e.state.MarketValue(symbol, prices[symbol])
		}

		e.order.refresh(equity, marketValues, prices)
		e.ctx.refresh(bar.Time, bar.Time.Format("2006-01-02"), symbols, e.state, prices, e.indicators, e.feed, e.order)

		if hasBar {
			if err := barHandler.OnBar(e.ctx); err != nil {
				return RunResult{}, fmt.Errorf("backtest: OnBar at %s: %w", bar.Time, err)
			}
		}

		fills := e.exec.DrainAndExecute(currentBars, e.state, bar.Time, bar.Time)
		for _, f := range fills {
			e.recorder.RecordFill(f)
			if hasTrade {
				if err := tradeHandler.OnTrade(e.ctx, f); err != nil {
					return RunResult{}, fmt.Errorf("backtest: OnTrade at %s: %w", bar.Time, err)
				}
			}
		}

		finalEquity := e.state.Equity(prices)
		e.recorder.RecordEquity(bar.Time, finalEquity)

		if benchBasePrice > 0 && idx < len(timeline) {
			ratio := timeline[idx].Close / benchBasePrice
			benchEquity := e.cfg.Cash.Mul(decimal.NewFromFloat(ratio))
			e.recorder.RecordBenchmarkEquity(bar.Time, benchEquity)
		}

		if err := e.state.CheckInvariants(); err != nil {
			return RunResult{}, fmt.Errorf("backtest: invariant violation at bar %d (%s): %w", idx, bar.Time, err)
		}
	}

	if hasStop {
		if err := stopper.OnStop(e.ctx); err != nil {
			return RunResult{}, fmt.Errorf("backtest: OnStop: %w", err)
		}
	}

	stats := e.recorder.Finalize()
	return RunResult{
		Stats:          stats,
		EquityCurve:    e.recorder.EquityCurve(),
		Fills:          e.recorder.Fills(),
		BenchmarkCurve: e.recorder.BenchmarkCurve(),
	}, nil
}
