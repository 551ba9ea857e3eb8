// Package aggregator implements the F&O tick aggregator (spec §4.1, C1): the
// single-writer pipeline that folds option and underlying ticks into
// time-bucketed strike rows, expiry metrics, and underlying bars, then
// flushes them to persistence and the fan-out hub once a bucket's window has
// closed.
package aggregator

import (
	"strings"
	"time"
)

// OptionType is the CE/PE side of an option tick.
type OptionType string

const (
	// CE is a call option.
	CE OptionType = "CE"
	// PE is a put option.
	PE OptionType = "PE"
)

// DepthLevel is one price level of a market-depth order book, per spec §3.1.
type DepthLevel struct {
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	Orders   int     `json:"orders"`
}

// Depth is the raw market-depth payload carried on an option tick.
type Depth struct {
	Buy  []DepthLevel `json:"buy"`
	Sell []DepthLevel `json:"sell"`
}

// OptionTick is one inbound option tick (spec §3.1, §6.1).
type OptionTick struct {
	Symbol   string  `json:"symbol"`
	Expiry   string  `json:"expiry"`
	Strike   float64 `json:"strike"`
	Type     string  `json:"type"`
	TS       int64   `json:"ts"`
	IV       float64 `json:"iv"`
	Delta    float64 `json:"delta"`
	Gamma    float64 `json:"gamma"`
	Theta    float64 `json:"theta"`
	Vega     float64 `json:"vega"`
	Volume   float64 `json:"volume"`
	OI       float64 `json:"oi"`
	Price    float64 `json:"price"`
	IsMock   bool    `json:"is_mock"`
	Depth    *Depth  `json:"depth,omitempty"`
}

// UnderlyingTick is one inbound underlying tick (spec §3.1, §6.1).
type UnderlyingTick struct {
	Symbol string  `json:"symbol"`
	TS     int64   `json:"ts"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
	IsMock bool    `json:"is_mock"`
}

// normalizedType validates and normalizes the tick's option-type discriminator.
func (t *OptionTick) normalizedType() (OptionType, bool) {
	switch strings.ToUpper(strings.TrimSpace(t.Type)) {
	case string(CE):
		return CE, true
	case string(PE):
		return PE, true
	default:
		return "", false
	}
}

// parsedExpiry parses the tick's ISO expiry date; the zero time and false
// are returned when the field is missing or malformed.
func (t *OptionTick) parsedExpiry() (time.Time, bool) {
	if t.Expiry == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse("2006-01-02", t.Expiry)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// OptionStats is the running accumulator for one (bucket, strike, side),
// spec §3.1. Sums, not rolling averages, are kept live; averages are
// derived at materialization time.
type OptionStats struct {
	IVSum     float64
	DeltaSum  float64
	GammaSum  float64
	ThetaSum  float64
	VegaSum   float64
	VolumeSum float64
	OISum     float64
	Count     int
}

func (s *OptionStats) add(t *OptionTick) {
	s.IVSum += t.IV
	s.DeltaSum += t.Delta
	s.GammaSum += t.Gamma
	s.ThetaSum += t.Theta
	s.VegaSum += t.Vega
	s.VolumeSum += t.Volume
	s.OISum += t.OI
	s.Count++
}

// LiquiditySnapshot summarizes one strike's order book at the moment of the
// last depth-bearing tick in a bucket (spec §4.1: "last-write-wins within
// the bucket").
type LiquiditySnapshot struct {
	BidQty      float64 `json:"bid_qty"`
	AskQty      float64 `json:"ask_qty"`
	BidOrders   int     `json:"bid_orders"`
	AskOrders   int     `json:"ask_orders"`
	TopBidPrice float64 `json:"top_bid_price"`
	TopAskPrice float64 `json:"top_ask_price"`
	Spread      float64 `json:"spread"`
	Imbalance   float64 `json:"imbalance"` // (bidQty-askQty) / (bidQty+askQty), 0 if both empty
}

func snapshotFromDepth(d *Depth) LiquiditySnapshot {
	var snap LiquiditySnapshot
	for i, lvl := range d.Buy {
		snap.BidQty += lvl.Quantity
		snap.BidOrders += lvl.Orders
		if i == 0 {
			snap.TopBidPrice = lvl.Price
		}
	}
	for i, lvl := range d.Sell {
		snap.AskQty += lvl.Quantity
		snap.AskOrders += lvl.Orders
		if i == 0 {
			snap.TopAskPrice = lvl.Price
		}
	}
	if snap.TopBidPrice > 0 && snap.TopAskPrice > 0 {
		snap.Spread = snap.TopAskPrice - snap.TopBidPrice
	}
	if total := snap.BidQty + snap.AskQty; total > 0 {
		snap.Imbalance = (snap.BidQty - snap.AskQty) / total
	}
	return snap
}

// strikeSide holds the CE/PE accumulators for one strike within one bucket.
type strikeSide struct {
	CE OptionStats
	PE OptionStats
}

// bucketKey identifies one (timeframe, symbol, expiry, bucket_start) bucket.
type bucketKey struct {
	Timeframe   string
	Symbol      string
	Expiry      string
	BucketStart int64
}

// optionBucket is the in-memory accumulator for one bucket, spec §3.1
// StrikeBucket.
type optionBucket struct {
	strikes          map[float64]*strikeSide
	liquidity        map[float64]LiquiditySnapshot
	underlyingClose  *float64
}

func newOptionBucket() *optionBucket {
	return &optionBucket{
		strikes:   make(map[float64]*strikeSide),
		liquidity: make(map[float64]LiquiditySnapshot),
	}
}

// underlyingBucket is the in-memory OHLCV accumulator for one underlying
// bar, spec §3.1 UnderlyingBar.
type underlyingBucket struct {
	Open, High, Low, Close float64
	Volume                 float64
}

// bucketStart returns the start of the bucket timestamp ts falls into for a
// timeframe of the given length in seconds (spec §3.1 P1 bucket alignment).
func bucketStart(ts int64, seconds int64) int64 {
	if seconds <= 0 {
		return ts
	}
	return ts - (ts % seconds)
}
