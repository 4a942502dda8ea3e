// Package indicator precomputes indicator series over the benchmark
// timeline and serves historical-only reads to strategy code. Precompute
// runs once, eagerly, after every indicator is registered and before the
// main loop; the cursor-gated GetValue/Value accessors are the sole access
// path, which is what prevents strategies from seeing future bars.
package indicator

import (
	"errors"
	"fmt"
	"math"

	"github.com/lizhexun/backtest/core"
	"github.com/lizhexun/backtest/datafeed"
)

// Field selects which OHLCV field a builtin indicator reads from a bar.
type Field string

const (
	FieldOpen   Field = "open"
	FieldHigh   Field = "high"
	FieldLow    Field = "low"
	FieldClose  Field = "close"
	FieldVolume Field = "volume"
)

func fieldValue(b core.Bar, f Field) float64 {
	switch f {
	case FieldOpen:
		return b.Open
	case FieldHigh:
		return b.High
	case FieldLow:
		return b.Low
	case FieldVolume:
		return b.Volume
	default:
		return b.Close
	}
}

// BuiltinKind names one of the builtin indicator computations.
type BuiltinKind string

const (
	BuiltinSMA BuiltinKind = "sma"
	BuiltinRSI BuiltinKind = "rsi"
)

// UserFunc computes one user-callable indicator value from a historical,
// present-only window of bars ending at the current index. ok=false means
// missing.
type UserFunc func(window []core.Bar) (value float64, ok bool)

// Def is a registered indicator definition: either a builtin descriptor or
// a user-supplied callable with a declared lookback.
type Def struct {
	Name     string
	Period   int   // builtin only
	Field    Field // builtin only, default close
	Builtin  BuiltinKind
	Fn       UserFunc // user-callable only; nil means this is a builtin
	Lookback int      // window length passed to Fn; builtins use Period instead
}

// ErrDuplicateIndicator is returned by Register for a name already in use.
var ErrDuplicateIndicator = errors.New("indicator: duplicate name")

// ErrAlreadyPrecomputed is returned by Register once Precompute has run.
var ErrAlreadyPrecomputed = errors.New("indicator: cannot register after precompute")

type series []float64 // NaN marks a missing slot

// Engine precomputes every registered indicator densely, once, and serves
// cursor-bounded reads.
type Engine struct {
	defs        map[string]Def
	order       []string // registration order, for deterministic precompute
	values      map[string]map[core.Symbol]series
	precomputed bool
	cursor      int
}

// New constructs an empty indicator Engine.
func New() *Engine {
	return &Engine{
		defs:   make(map[string]Def),
		values: make(map[string]map[core.Symbol]series),
	}
}

// Register adds an indicator definition. It is only valid before
// Precompute; a duplicate name is fatal.
func (e *Engine) Register(def Def) error {
	if e.precomputed {
		return ErrAlreadyPrecomputed
	}
	if _, exists := e.defs[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateIndicator, def.Name)
	}
	if def.Field == "" {
		def.Field = FieldClose
	}
	e.defs[def.Name] = def
	e.order = append(e.order, def.Name)
	return nil
}

// Precompute computes every registered indicator's value at every benchmark
// index for every symbol with an aligned bar. Must be called exactly once,
// after all Register calls, before the main loop.
func (e *Engine) Precompute(df *datafeed.DataFeed) error {
	timelineLen := df.Len()
	symbols := df.Symbols()

	for _, name := range e.order {
		def := e.defs[name]
		bySymbol := make(map[core.Symbol]series, len(symbols))
		for _, symbol := range symbols {
			bySymbol[symbol] = computeSeries(def, df, symbol, timelineLen)
		}
		e.values[name] = bySymbol
	}
	e.precomputed = true
	return nil
}

func computeSeries(def Def, df *datafeed.DataFeed, symbol core.Symbol, timelineLen int) series {
	out := make(series, timelineLen)
	for i := range out {
		out[i] = math.NaN()
	}

	if def.Fn != nil {
		return computeUserCallable(def, df, symbol, timelineLen)
	}

	switch def.Builtin {
	case BuiltinSMA:
		computeSMA(def, df, symbol, out)
	case BuiltinRSI:
		computeRSI(def, df, symbol, out)
	}
	return out
}

// computeUserCallable calls the user function once per benchmark index with
// the historical, present-only window ending at that index.
func computeUserCallable(def Def, df *datafeed.DataFeed, symbol core.Symbol, timelineLen int) series {
	out := make(series, timelineLen)
	lookback := def.Lookback
	if lookback < 1 {
		lookback = 1
	}
	var history []core.Bar
	for i := 0; i < timelineLen; i++ {
		out[i] = math.NaN()
		bar, present := df.AlignedSlot(symbol, i)
		if !present {
			continue
		}
		history = append(history, bar)
		if len(history) < lookback {
			continue
		}
		window := history
		if len(window) > lookback {
			window = window[len(window)-lookback:]
		}
		if v, ok := def.Fn(window); ok {
			out[i] = v
		}
	}
	return out
}

// computeSMA walks the symbol's aligned series once, maintaining an O(period)
// rolling sum, and emits a value at every benchmark index once the window is
// full of present bars taken from the symbol's own chronological series (gaps
// in the benchmark alignment do not reset the window — the window is over
// the symbol's own bar history, matching the "historical-only access" rule
// rather than the benchmark's calendar).
func computeSMA(def Def, df *datafeed.DataFeed, symbol core.Symbol, out series) {
	period := def.Period
	if period < 1 {
		period = 1
	}
	window := make([]float64, 0, period)
	sum := 0.0

	for i := 0; i < len(out); i++ {
		bar, present := df.AlignedSlot(symbol, i)
		if !present {
			continue
		}
		v := fieldValue(bar, def.Field)
		window = append(window, v)
		sum += v
		if len(window) > period {
			sum -= window[0]
			window = window[1:]
		}
		if len(window) == period {
			out[i] = sum / float64(period)
		}
	}
}

// computeRSI is the standard Wilder's RSI over the symbol's own bar
// history, re-indexed onto the benchmark the same way computeSMA is.
func computeRSI(def Def, df *datafeed.DataFeed, symbol core.Symbol, out series) {
	period := def.Period
	if period < 1 {
		period = 14
	}

	var prev float64
	havePrev := false
	var gains, losses []float64
	var avgGain, avgLoss float64
	count := 0

	for i := 0; i < len(out); i++ {
		bar, present := df.AlignedSlot(symbol, i)
		if !present {
			continue
		}
		v := fieldValue(bar, def.Field)
		if !havePrev {
			prev = v
			havePrev = true
			continue
		}
		delta := v - prev
		prev = v
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		count++

		if count <= period {
			gains = append(gains, gain)
			losses = append(losses, loss)
			if count == period {
				for _, g := range gains {
					avgGain += g
				}
				for _, l := range losses {
					avgLoss += l
				}
				avgGain /= float64(period)
				avgLoss /= float64(period)
				out[i] = rsiFromAverages(avgGain, avgLoss)
			}
			continue
		}

		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiFromAverages(avgGain, avgLoss)
	}
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// SetCursor fixes the index the main loop is currently at; GetValue never
// returns data past it.
func (e *Engine) SetCursor(i int) { e.cursor = i }

// Value returns the single most recent indicator value at or before the
// cursor, and whether it is present (not missing).
func (e *Engine) Value(name string, symbol core.Symbol) (float64, bool) {
	vals, err := e.GetValue(name, symbol, 1)
	if err != nil || len(vals) == 0 {
		return 0, false
	}
	return vals[0], !math.IsNaN(vals[0])
}

// GetValue returns up to count values ending at the cursor, oldest first,
// never reading past the cursor. Missing slots are NaN; callers that want
// count==1 scalar-or-missing should use Value instead.
func (e *Engine) GetValue(name string, symbol core.Symbol, count int) ([]float64, error) {
	if count < 1 {
		return nil, fmt.Errorf("indicator: GetValue count must be >= 1, got %d", count)
	}
	bySymbol, ok := e.values[name]
	if !ok {
		return nil, fmt.Errorf("indicator: unknown indicator %q", name)
	}
	vals, ok := bySymbol[symbol]
	if !ok {
		return nil, nil
	}
	upper := e.cursor
	if upper >= len(vals) {
		upper = len(vals) - 1
	}
	if upper < 0 {
		return nil, nil
	}
	start := upper - count + 1
	if start < 0 {
		start = 0
	}
	out := make([]float64, upper-start+1)
	copy(out, vals[start:upper+1])
	return out, nil
}
