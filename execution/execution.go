// Package execution drains each bar's order queue against the current
// bars, converting quantity types to lot-aligned share counts, pricing with
// slippage, charging commission and stamp tax, and committing the result to
// a portfolio.State ledger.
package execution

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lizhexun/backtest/core"
	"github.com/lizhexun/backtest/portfolio"
)

// Mode selects which bar field prices a fill.
type Mode string

const (
	ModeClose Mode = "close"
	ModeOpen  Mode = "open"
	ModeVWAP  Mode = "vwap"
)

// ErrUnknownMode is a configuration error, surfaced before the loop starts.
var ErrUnknownMode = errors.New("execution: unknown execution_mode")

// Config holds the cost model. The zero Mode is invalid; Validate must be
// called once at startup.
type Config struct {
	CommissionRate decimal.Decimal
	MinCommission  decimal.Decimal
	StampTaxRate   decimal.Decimal
	SlippageBps    decimal.Decimal
	Mode           Mode
}

// Validate checks the configuration errors that must be fatal before the
// main loop starts: unknown execution_mode or negative rates.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeClose, ModeOpen, ModeVWAP:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, c.Mode)
	}
	if c.CommissionRate.IsNegative() || c.MinCommission.IsNegative() ||
		c.StampTaxRate.IsNegative() || c.SlippageBps.IsNegative() {
		return errors.New("execution: rates must be non-negative")
	}
	return nil
}

// Engine drains a per-bar order queue into committed fills.
type Engine struct {
	cfg   Config
	queue []core.Order
	seq   int64
	log   *zap.SugaredLogger
}

// New constructs an Engine. A nil logger disables warning output.
func New(cfg Config, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{cfg: cfg, log: log}
}

// NextSeq issues the next monotonic enqueue sequence number, used by
// OrderHelper to stamp orders so intra-group ordering is stable.
func (e *Engine) NextSeq() int64 {
	e.seq++
	return e.seq
}

// Enqueue adds an order to the queue to be drained on the next
// DrainAndExecute call.
func (e *Engine) Enqueue(o core.Order) {
	e.queue = append(e.queue, o)
}

// QueueLen reports the number of orders currently queued (test/diagnostic
// use).
func (e *Engine) QueueLen() int { return len(e.queue) }

// refPrice returns the configured reference price for a bar.
func refPrice(mode Mode, bar core.Bar) float64 {
	switch mode {
	case ModeOpen:
		return bar.Open
	case ModeVWAP:
		if bar.Volume == 0 {
			return bar.Close
		}
		return bar.Amount / bar.Volume
	default:
		return bar.Close
	}
}

// ReferencePrice exposes refPrice for callers (the main loop) that need to
// build the same per-symbol price snapshot the engine will price fills
// against, before DrainAndExecute runs.
func ReferencePrice(mode Mode, bar core.Bar) float64 {
	return refPrice(mode, bar)
}

// equityValuation provides the equity/market-value inputs a weight-type
// order needs to compute its target share delta.
type equityValuation struct {
	equity       decimal.Decimal
	marketValues map[core.Symbol]decimal.Decimal
}

// DrainAndExecute consumes the queued orders (sells first, then buys, each
// group stable by EnqueueSeq), prices and costs each against currentBars,
// applies pre-trade checks, commits survivors to state, and returns the
// resulting fills in commit order. The queue is empty after this call.
func (e *Engine) DrainAndExecute(currentBars map[core.Symbol]core.Bar, state *portfolio.State, tradeDay, ts time.Time) []core.Fill {
	orders := e.queue
	e.queue = nil
	if len(orders) == 0 {
		return nil
	}

	sells := make([]core.Order, 0, len(orders))
	buys := make([]core.Order, 0, len(orders))
	for _, o := range orders {
		if o.Side == core.Sell {
			sells = append(sells, o)
		} else {
			buys = append(buys, o)
		}
	}
	sort.SliceStable(sells, func(i, j int) bool { return sells[i].EnqueueSeq < sells[j].EnqueueSeq })
	sort.SliceStable(buys, func(i, j int) bool { return buys[i].EnqueueSeq < buys[j].EnqueueSeq })

	priceCache := make(map[core.Symbol]float64, len(currentBars))
	for symbol, bar := range currentBars {
		priceCache[symbol] = refPrice(e.cfg.Mode, bar)
	}
	ev := e.snapshotEquity(state, priceCache)

	var fills []core.Fill
	for _, o := range sells {
		if f, ok := e.executeSell(o, currentBars, priceCache, ev, state, ts); ok {
			fills = append(fills, f)
		}
	}
	for _, o := range buys {
		if f, ok := e.executeBuy(o, currentBars, priceCache, ev, state, tradeDay, ts); ok {
			fills = append(fills, f)
		}
	}
	return fills
}

func (e *Engine) snapshotEquity(state *portfolio.State, priceCache map[core.Symbol]float64) equityValuation {
	ev := equityValuation{marketValues: make(map[core.Symbol]decimal.Decimal)}
	ev.equity = state.Equity(priceCache)
	for _, symbol := range state.Symbols() {
		price, ok := priceCache[symbol]
		if !ok {
			continue
		}
		ev.marketValues[symbol] = state.MarketValue(symbol, price)
	}
	return ev
}

// targetShares converts an order's quantity type into a non-negative,
// lot-aligned share count. For weight orders it is the magnitude of the
// distance to the target weight, whichever direction that is;
// DrainAndExecute always honors o.Side as declared.
func (e *Engine) targetShares(o core.Order, price float64, ev equityValuation) int64 {
	switch o.QtyType {
	case core.QtyCash:
		if price <= 0 {
			return 0
		}
		return core.FloorToLot(o.QtyValue / price)
	case core.QtyWeight:
		if price <= 0 {
			return 0
		}
		desired := ev.equity.Mul(decimal.NewFromFloat(o.QtyValue))
		current := ev.marketValues[o.Symbol]
		delta := desired.Sub(current).Abs()
		deltaF, _ := delta.Float64()
		return core.FloorToLot(deltaF / price)
	default:
		return core.FloorToLot(o.QtyValue)
	}
}

func (e *Engine) executeSell(o core.Order, bars map[core.Symbol]core.Bar, priceCache map[core.Symbol]float64, ev equityValuation, state *portfolio.State, ts time.Time) (core.Fill, bool) {
	bar, tradable := bars[o.Symbol]
	if !tradable || bar.Suspended {
		e.log.Warnw("execution: sell dropped, symbol not tradable", "symbol", o.Symbol)
		return core.Fill{}, false
	}
	price := priceCache[o.Symbol]
	shares := e.targetShares(o, price, ev)
	if shares <= 0 {
		return core.Fill{}, false
	}

	pos := state.Position(o.Symbol)
	if shares > pos.Available {
		if pos.Available <= 0 {
			e.log.Warnw("execution: sell dropped, no shares available", "symbol", o.Symbol)
			return core.Fill{}, false
		}
		e.log.Warnw("execution: sell clamped to available shares",
			"symbol", o.Symbol, "requested", shares, "available", pos.Available)
		shares = core.FloorToLot(float64(pos.Available))
		if shares <= 0 {
			return core.Fill{}, false
		}
	}

	slip := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(1).Sub(e.cfg.SlippageBps.Div(decimal.NewFromInt(10000))))
	gross := slip.Mul(decimal.NewFromInt(shares))
	commission := decimal.Max(gross.Mul(e.cfg.CommissionRate), e.cfg.MinCommission)
	stampTax := gross.Mul(e.cfg.StampTaxRate)

	fill, err := state.ApplySell(o.Symbol, shares, slip, commission, stampTax, gross, ts)
	if err != nil {
		e.log.Warnw("execution: sell rejected by ledger", "symbol", o.Symbol, "error", err)
		return core.Fill{}, false
	}
	fill.ID = uuid.NewString()
	return fill, true
}

func (e *Engine) executeBuy(o core.Order, bars map[core.Symbol]core.Bar, priceCache map[core.Symbol]float64, ev equityValuation, state *portfolio.State, tradeDay, ts time.Time) (core.Fill, bool) {
	bar, tradable := bars[o.Symbol]
	if !tradable || bar.Suspended {
		e.log.Warnw("execution: buy dropped, symbol not tradable", "symbol", o.Symbol)
		return core.Fill{}, false
	}
	price := priceCache[o.Symbol]
	shares := e.targetShares(o, price, ev)
	if shares <= 0 {
		return core.Fill{}, false
	}

	slip := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(1).Add(e.cfg.SlippageBps.Div(decimal.NewFromInt(10000))))
	cash := state.Cash()

	for shares > 0 {
		gross := slip.Mul(decimal.NewFromInt(shares))
		commission := decimal.Max(gross.Mul(e.cfg.CommissionRate), e.cfg.MinCommission)
		required := gross.Add(commission)
		if required.LessThanOrEqual(cash) {
			fill, err := state.ApplyBuy(o.Symbol, shares, slip, commission, gross, tradeDay, ts)
			if err != nil {
				e.log.Warnw("execution: buy rejected by ledger", "symbol", o.Symbol, "error", err)
				return core.Fill{}, false
			}
			fill.ID = uuid.NewString()
			return fill, true
		}
		shares -= core.LotSize
	}
	e.log.Warnw("execution: buy dropped, insufficient cash for even one lot", "symbol", o.Symbol)
	return core.Fill{}, false
}
