// Package core holds the data types shared across the backtest engine's
// components: bars, symbols, orders and fills. It imports nothing from its
// sibling packages so that datafeed, indicator, portfolio, execution and
// metrics can all depend on it without forming a cycle.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is an opaque instrument identifier, e.g. "sh600000".
type Symbol string

// Bar is an immutable OHLCV record for one instrument at one instant.
// The core does not enforce low <= open,close <= high; bars are trusted
// input from the data-loading layer.
type Bar struct {
	Time      time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Amount    float64 // optional, not consumed by the core
	PreClose  float64 // optional, not consumed by the core
	Suspended bool    // optional: true if the symbol was halted at Time
}

// Side is the direction of an order or fill.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// QuantityType selects how an order's QtyValue is interpreted.
type QuantityType string

const (
	// QtyCount: QtyValue is a raw share count, floored to the lot size.
	QtyCount QuantityType = "count"
	// QtyCash: QtyValue is a cash amount to spend (buy) or liquidate (sell).
	QtyCash QuantityType = "cash"
	// QtyWeight: QtyValue is a target portfolio weight in [0, 1].
	QtyWeight QuantityType = "weight"
)

// LotSize is the atomic trading unit for A-share equities: 100 shares.
const LotSize = 100

// Order is a strategy-enqueued instruction, not yet matched.
type Order struct {
	ID         string
	Symbol     Symbol
	Side       Side
	QtyType    QuantityType
	QtyValue   float64
	EnqueueSeq int64
}

// Fill is a single executed trade leg.
type Fill struct {
	ID            string
	Symbol        Symbol
	Side          Side
	Shares        int64
	Price         decimal.Decimal
	Gross         decimal.Decimal
	Commission    decimal.Decimal
	StampTax      decimal.Decimal
	NetCashDelta  decimal.Decimal // signed: +cash in for sells, -cash out for buys
	Timestamp     time.Time
}

// FloorToLot rounds x down to the nearest multiple of LotSize, for x >= 0.
// Zero or negative input returns 0 (callers only ever pass magnitudes).
func FloorToLot(x float64) int64 {
	if x <= 0 {
		return 0
	}
	lots := int64(x / LotSize)
	return lots * LotSize
}
