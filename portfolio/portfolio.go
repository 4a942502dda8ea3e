// Package portfolio is the authoritative account ledger: cash, positions,
// settlement buckets and the fill log. It is mutated only by the execution
// package and by the main loop's settlement roll; everything else reads it.
package portfolio

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lizhexun/backtest/core"
	"github.com/lizhexun/backtest/trading"
)

// ErrNegativeCash is returned by ApplyBuy when a commit would drive cash
// below zero; the ledger is left unchanged.
var ErrNegativeCash = errors.New("portfolio: cash would go negative")

// ErrOverSell is an invariant-violation error: a sell would exceed
// available shares.
var ErrOverSell = errors.New("portfolio: shares exceed available balance")

// bucketEntry is one same-day purchase pending T+1 availability.
type bucketEntry struct {
	Day    time.Time // settlement day, trading.TradingDay-normalized
	Shares int64
}

// Position is one symbol's holding.
type Position struct {
	Symbol    core.Symbol
	Quantity  int64 // always a non-negative multiple of core.LotSize
	AvgCost   decimal.Decimal
	Available int64 // <= Quantity
}

// State is the mutable ledger. Construct with New; mutate only through
// ApplyBuy/ApplySell/RollDay.
type State struct {
	cash      decimal.Decimal
	positions map[core.Symbol]*Position
	buckets   map[core.Symbol][]bucketEntry
	t0        map[core.Symbol]bool
	fills     []core.Fill
	lastRoll  time.Time
	rolled    bool
}

// New constructs a ledger with the given starting cash and T+0 symbol set
// (everything else defaults to T+1).
func New(initialCash decimal.Decimal, t0Symbols []core.Symbol) *State {
	t0 := make(map[core.Symbol]bool, len(t0Symbols))
	for _, s := range t0Symbols {
		t0[s] = true
	}
	return &State{
		cash:      initialCash,
		positions: make(map[core.Symbol]*Position),
		buckets:   make(map[core.Symbol][]bucketEntry),
		t0:        t0,
	}
}

// Cash returns the current cash balance.
func (s *State) Cash() decimal.Decimal { return s.cash }

// Position returns the position for symbol, or the zero Position if none is
// held.
func (s *State) Position(symbol core.Symbol) Position {
	if p, ok := s.positions[symbol]; ok {
		return *p
	}
	return Position{Symbol: symbol}
}

// Symbols returns every symbol with a tracked position, sorted, for
// deterministic iteration.
func (s *State) Symbols() []core.Symbol {
	out := make([]core.Symbol, 0, len(s.positions))
	for sym := range s.positions {
		out = append(out, sym)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsT0 reports whether symbol settles T+0 (same-day availability).
func (s *State) IsT0(symbol core.Symbol) bool { return s.t0[symbol] }

// Equity returns cash plus the market value of every held position, priced
// from currentPrices (a symbol not present in currentPrices contributes its
// last-known avg-cost valuation instead, matching the original engine's
// fallback when a symbol goes untradable for a bar).
func (s *State) Equity(currentPrices map[core.Symbol]float64) decimal.Decimal {
	total := s.cash
	for symbol, pos := range s.positions {
		if pos.Quantity == 0 {
			continue
		}
		price, ok := currentPrices[symbol]
		var value decimal.Decimal
		if ok {
			value = decimal.NewFromFloat(price).Mul(decimal.NewFromInt(pos.Quantity))
		} else {
			value = pos.AvgCost.Mul(decimal.NewFromInt(pos.Quantity))
		}
		total = total.Add(value)
	}
	return total
}

// MarketValue returns the current market value of one symbol's position.
func (s *State) MarketValue(symbol core.Symbol, price float64) decimal.Decimal {
	pos, ok := s.positions[symbol]
	if !ok || pos.Quantity == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(price).Mul(decimal.NewFromInt(pos.Quantity))
}

// Fills returns every fill recorded so far, in execution order.
func (s *State) Fills() []core.Fill {
	out := make([]core.Fill, len(s.fills))
	copy(out, s.fills)
	return out
}

// ApplyBuy commits a buy fill: debits cash by gross+commission, updates the
// position's average cost (amortizing commission into cost basis, per
// spec.md §4.3), and locks the shares into the settlement bucket unless the
// symbol is T+0.
func (s *State) ApplyBuy(symbol core.Symbol, shares int64, fillPrice, commission, gross decimal.Decimal, tradeDay, ts time.Time) (core.Fill, error) {
	cost := gross.Add(commission)
	newCash := s.cash.Sub(cost)
	if newCash.IsNegative() {
		return core.Fill{}, fmt.Errorf("%w: cash %s - %s", ErrNegativeCash, s.cash, cost)
	}
	s.cash = newCash

	pos, ok := s.positions[symbol]
	if !ok {
		pos = &Position{Symbol: symbol}
		s.positions[symbol] = pos
	}
	oldQty := pos.Quantity
	oldCostTotal := pos.AvgCost.Mul(decimal.NewFromInt(oldQty))
	newQty := oldQty + shares
	newCostTotal := oldCostTotal.Add(gross).Add(commission)
	pos.Quantity = newQty
	if newQty > 0 {
		pos.AvgCost = newCostTotal.Div(decimal.NewFromInt(newQty))
	} else {
		pos.AvgCost = decimal.Zero
	}

	day := trading.TradingDay(tradeDay)
	if s.t0[symbol] {
		pos.Available += shares
	}
	s.buckets[symbol] = append(s.buckets[symbol], bucketEntry{Day: day, Shares: shares})

	fill := core.Fill{
		Symbol:       symbol,
		Side:         core.Buy,
		Shares:       shares,
		Price:        fillPrice,
		Gross:        gross,
		Commission:   commission,
		StampTax:     decimal.Zero,
		NetCashDelta: cost.Neg(),
		Timestamp:    ts,
	}
	s.fills = append(s.fills, fill)
	return fill, nil
}

// ApplySell commits a sell fill: requires shares <= available, credits cash
// by gross-commission-stampTax, and reduces the position (resetting avg cost
// to zero if it empties). For a T+0 symbol it also consumes the oldest
// audit-bucket entries first; a T+1 bucket holds only still-locked shares,
// which a sell of available shares leaves untouched, so the locked/available
// split stays consistent (§8.3 invariant).
func (s *State) ApplySell(symbol core.Symbol, shares int64, fillPrice, commission, stampTax, gross decimal.Decimal, ts time.Time) (core.Fill, error) {
	pos, ok := s.positions[symbol]
	if !ok || shares > pos.Available {
		avail := int64(0)
		if ok {
			avail = pos.Available
		}
		return core.Fill{}, fmt.Errorf("%w: want %d, available %d", ErrOverSell, shares, avail)
	}

	proceeds := gross.Sub(commission).Sub(stampTax)
	s.cash = s.cash.Add(proceeds)

	pos.Quantity -= shares
	pos.Available -= shares
	if pos.Quantity == 0 {
		pos.AvgCost = decimal.Zero
	}
	if s.t0[symbol] {
		s.ageBucketOldestFirst(symbol, shares)
	}

	fill := core.Fill{
		Symbol:       symbol,
		Side:         core.Sell,
		Shares:       shares,
		Price:        fillPrice,
		Gross:        gross,
		Commission:   commission,
		StampTax:     stampTax,
		NetCashDelta: proceeds,
		Timestamp:    ts,
	}
	s.fills = append(s.fills, fill)
	return fill, nil
}

// ageBucketOldestFirst consumes `shares` worth of a T+0 symbol's audit
// bucket entries from the oldest side first. RollDay never releases T+0
// entries, so the bucket always totals the position's quantity and this
// never fails to find enough to consume.
func (s *State) ageBucketOldestFirst(symbol core.Symbol, shares int64) {
	remaining := shares
	entries := s.buckets[symbol]
	i := 0
	for remaining > 0 && i < len(entries) {
		if entries[i].Shares <= remaining {
			remaining -= entries[i].Shares
			i++
			continue
		}
		entries[i].Shares -= remaining
		remaining = 0
	}
	s.buckets[symbol] = entries[i:]
}

// RollDay ages every settlement bucket: entries whose trade day is before
// newDay move from locked to available. Called once per bar when the day
// component changes, and once before the first bar.
func (s *State) RollDay(newDay time.Time) {
	day := trading.TradingDay(newDay)
	for symbol, entries := range s.buckets {
		if s.t0[symbol] {
			continue
		}
		pos := s.positions[symbol]
		if pos == nil {
			continue
		}
		var kept []bucketEntry
		for _, e := range entries {
			if e.Day.Before(day) {
				pos.Available += e.Shares
			} else {
				kept = append(kept, e)
			}
		}
		s.buckets[symbol] = kept
	}
	s.lastRoll = day
	s.rolled = true
}

// CheckInvariants validates the §3/§8 quiescent-point invariants. The main
// loop calls it after every bar, and tests call it directly; a violation
// indicates an engine bug, not bad input.
func (s *State) CheckInvariants() error {
	if s.cash.IsNegative() {
		return fmt.Errorf("invariant violated: cash %s is negative", s.cash)
	}
	for symbol, pos := range s.positions {
		if pos.Quantity < 0 {
			return fmt.Errorf("invariant violated: %s quantity %d is negative", symbol, pos.Quantity)
		}
		if pos.Quantity%core.LotSize != 0 {
			return fmt.Errorf("invariant violated: %s quantity %d not a lot multiple", symbol, pos.Quantity)
		}
		if pos.Available < 0 || pos.Available > pos.Quantity {
			return fmt.Errorf("invariant violated: %s available %d out of [0,%d]", symbol, pos.Available, pos.Quantity)
		}
		if pos.Quantity == 0 && !pos.AvgCost.IsZero() {
			return fmt.Errorf("invariant violated: %s has zero quantity but nonzero avg cost %s", symbol, pos.AvgCost)
		}
		if pos.Quantity > 0 && pos.AvgCost.IsZero() {
			return fmt.Errorf("invariant violated: %s has positive quantity but zero avg cost", symbol)
		}
		locked := int64(0)
		for _, e := range s.buckets[symbol] {
			locked += e.Shares
		}
		if !s.t0[symbol] && locked != pos.Quantity-pos.Available {
			return fmt.Errorf("invariant violated: %s locked %d != quantity-available %d", symbol, locked, pos.Quantity-pos.Available)
		}
	}
	return nil
}
