// Package datafeed owns immutable per-symbol bar series and the benchmark
// timeline that the whole simulation steps over. It is the only component
// that knows how to align heterogeneous symbol series to a common clock.
package datafeed

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/lizhexun/backtest/core"
)

// ErrEmptyBenchmark is returned by SetBenchmark when given no bars.
var ErrEmptyBenchmark = errors.New("datafeed: benchmark series is empty")

// ErrNonMonotonicBenchmark is returned by SetBenchmark when timestamps are
// not strictly increasing.
var ErrNonMonotonicBenchmark = errors.New("datafeed: benchmark timestamps are not strictly increasing")

// DataFeed stores the benchmark timeline and every symbol's bars aligned to
// it. Once SetBenchmark and the AddMarketData calls have run, Align must be
// called once, eagerly, before the main loop starts.
type DataFeed struct {
	timeline []core.Bar // benchmark bars; len == len(timeline) slots below
	raw      map[core.Symbol][]core.Bar
	aligned  map[core.Symbol][]*core.Bar // len == len(timeline); nil slot = not present
	symbols  []core.Symbol               // insertion order, kept deterministic
	current  int
	log      *zap.SugaredLogger
}

// New constructs an empty DataFeed. A nil logger disables warning output.
func New(log *zap.SugaredLogger) *DataFeed {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &DataFeed{
		raw:     make(map[core.Symbol][]core.Bar),
		aligned: make(map[core.Symbol][]*core.Bar),
		current: -1, // Advance() must be called once before any bar is current
		log:     log,
	}
}

// SetBenchmark fixes the benchmark timeline from the given bars. It must be
// called before Align, and only once; bars are sorted by timestamp as a
// convenience but must already be strictly increasing once sorted.
func (d *DataFeed) SetBenchmark(bars []core.Bar) error {
	if len(bars) == 0 {
		return ErrEmptyBenchmark
	}
	sorted := make([]core.Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })
	for i := 1; i < len(sorted); i++ {
		if !sorted[i].Time.After(sorted[i-1].Time) {
			return ErrNonMonotonicBenchmark
		}
	}
	d.timeline = sorted
	return nil
}

// AddMarketData registers a symbol's raw bars. Order does not matter; bars
// are sorted internally before alignment.
func (d *DataFeed) AddMarketData(symbol core.Symbol, bars []core.Bar) {
	if _, ok := d.raw[symbol]; !ok {
		d.symbols = append(d.symbols, symbol)
	}
	sorted := make([]core.Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })
	d.raw[symbol] = sorted
}

// Align performs the one-time, eager alignment of every registered symbol's
// bars onto the benchmark timeline: a symbol bar is placed at the benchmark
// index whose timestamp matches it exactly. Benchmark timestamps with no
// matching symbol bar are left nil. Symbol bars whose timestamp never
// appears on the benchmark are dropped with a logged warning.
func (d *DataFeed) Align() error {
	if len(d.timeline) == 0 {
		return ErrEmptyBenchmark
	}
	for _, symbol := range d.symbols {
		bars := d.raw[symbol]
		slots := make([]*core.Bar, len(d.timeline))

		bi := 0
		for ti := 0; ti < len(d.timeline) && bi < len(bars); ti++ {
			benchTime := d.timeline[ti].Time
			for bi < len(bars) && bars[bi].Time.Before(benchTime) {
				d.log.Warnw("datafeed: bar timestamp not on benchmark, dropped",
					"symbol", symbol, "time", bars[bi].Time)
				bi++
			}
			if bi < len(bars) && bars[bi].Time.Equal(benchTime) {
				bar := bars[bi]
				slots[ti] = &bar
				bi++
			}
		}
		for ; bi < len(bars); bi++ {
			d.log.Warnw("datafeed: bar timestamp not on benchmark, dropped",
				"symbol", symbol, "time", bars[bi].Time)
		}
		d.aligned[symbol] = slots
	}
	return nil
}

// CurrentIndex returns the current benchmark-timeline position, 0-based.
func (d *DataFeed) CurrentIndex() int { return d.current }

// Advance moves the cursor to the next benchmark index. It returns false
// once the timeline is exhausted, at which point the cursor no longer moves.
func (d *DataFeed) Advance() bool {
	if d.current >= len(d.timeline) {
		return false
	}
	d.current++
	return d.current < len(d.timeline)
}

// Len returns the number of steps in the benchmark timeline.
func (d *DataFeed) Len() int { return len(d.timeline) }

// CurrentTime returns the benchmark bar at the current index; its Time is
// the current timestamp.
func (d *DataFeed) CurrentTime() (bar core.Bar, ok bool) {
	if d.current < 0 || d.current >= len(d.timeline) {
		return core.Bar{}, false
	}
	return d.timeline[d.current], true
}

// Symbols returns every registered symbol in deterministic (insertion)
// order.
func (d *DataFeed) Symbols() []core.Symbol {
	out := make([]core.Symbol, len(d.symbols))
	copy(out, d.symbols)
	return out
}

// CurrentBars returns the bar at the current index for every symbol that
// has one present; symbols with a nil slot at this index are omitted.
func (d *DataFeed) CurrentBars() map[core.Symbol]core.Bar {
	out := make(map[core.Symbol]core.Bar)
	if d.current < 0 || d.current >= len(d.timeline) {
		return out
	}
	for _, symbol := range d.symbols {
		slots := d.aligned[symbol]
		if d.current < len(slots) && slots[d.current] != nil {
			out[symbol] = *slots[d.current]
		}
	}
	return out
}

// GetBars returns up to count most recent aligned-present bars at indices in
// [0, current], oldest first, current bar last. Fewer than count are
// returned if fewer exist. count < 1 is a programmer error.
func (d *DataFeed) GetBars(symbol core.Symbol, count int) ([]core.Bar, error) {
	if count < 1 {
		return nil, fmt.Errorf("datafeed: GetBars count must be >= 1, got %d", count)
	}
	slots, ok := d.aligned[symbol]
	if !ok {
		return nil, nil
	}
	upper := d.current
	if upper >= len(slots) {
		upper = len(slots) - 1
	}
	var out []core.Bar
	for i := upper; i >= 0 && len(out) < count; i-- {
		if slots[i] != nil {
			out = append(out, *slots[i])
		}
	}
	// out was built newest-first; reverse to oldest-first.
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out, nil
}

// IsTradable reports whether symbol has a present, non-suspended bar at the
// current index.
func (d *DataFeed) IsTradable(symbol core.Symbol) bool {
	slots, ok := d.aligned[symbol]
	if !ok || d.current < 0 || d.current >= len(slots) || slots[d.current] == nil {
		return false
	}
	return !slots[d.current].Suspended
}

// AllBars returns every aligned (present-only, in chronological order) bar
// for a symbol — used by IndicatorEngine to precompute over the full
// series without re-deriving it from the raw input.
func (d *DataFeed) AllBars(symbol core.Symbol) []core.Bar {
	slots, ok := d.aligned[symbol]
	if !ok {
		return nil
	}
	out := make([]core.Bar, 0, len(slots))
	for _, b := range slots {
		if b != nil {
			out = append(out, *b)
		}
	}
	return out
}

// AlignedSlot returns the bar aligned at benchmark index i for symbol, or
// (zero, false) if that slot is empty. Used by IndicatorEngine precompute,
// which must walk the full aligned series including gaps.
func (d *DataFeed) AlignedSlot(symbol core.Symbol, i int) (core.Bar, bool) {
	slots, ok := d.aligned[symbol]
	if !ok || i < 0 || i >= len(slots) || slots[i] == nil {
		return core.Bar{}, false
	}
	return *slots[i], true
}

// Timeline returns the benchmark bars (read-only use: timestamps and, when
// computing the benchmark buy-and-hold curve, benchmark prices).
func (d *DataFeed) Timeline() []core.Bar {
	out := make([]core.Bar, len(d.timeline))
	copy(out, d.timeline)
	return out
}
