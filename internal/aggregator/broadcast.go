package aggregator

// BroadcastStrike is one strike entry in a live bucket broadcast, spec §6.3.
type BroadcastStrike struct {
	Strike      float64            `json:"strike" msgpack:"strike"`
	Call        SideStats          `json:"call" msgpack:"call"`
	Put         SideStats          `json:"put" msgpack:"put"`
	Underlying  *float64           `json:"underlying,omitempty" msgpack:"underlying,omitempty"`
	Liquidity   *LiquiditySnapshot `json:"liquidity,omitempty" msgpack:"liquidity,omitempty"`
}

// BroadcastMetrics mirrors ExpiryMetricsRow in the wire shape spec §6.3 uses.
type BroadcastMetrics struct {
	TotalCallVolume float64  `json:"total_call_volume" msgpack:"total_call_volume"`
	TotalPutVolume  float64  `json:"total_put_volume" msgpack:"total_put_volume"`
	TotalCallOI     float64  `json:"total_call_oi" msgpack:"total_call_oi"`
	TotalPutOI      float64  `json:"total_put_oi" msgpack:"total_put_oi"`
	PCR             *float64 `json:"pcr,omitempty" msgpack:"pcr,omitempty"`
	MaxPainStrike   *float64 `json:"max_pain_strike,omitempty" msgpack:"max_pain_strike,omitempty"`
	UnderlyingClose *float64 `json:"underlying_close,omitempty" msgpack:"underlying_close,omitempty"`
	Expiry          string   `json:"expiry" msgpack:"expiry"`
	BucketTime      int64    `json:"bucket_time" msgpack:"bucket_time"`
}

// BroadcastPayload is the live-bucket payload fanned out over the hub, spec
// §6.3 ("fo_bucket"). It is encoded with msgpack on the internal hot path
// (SPEC_FULL §2) and re-marshaled to JSON only at the WS transport edge,
// which keeps the externally documented JSON contract intact.
type BroadcastPayload struct {
	Type       string            `json:"type" msgpack:"type"`
	Timeframe  string            `json:"timeframe" msgpack:"timeframe"`
	Symbol     string            `json:"symbol" msgpack:"symbol"`
	Expiry     string            `json:"expiry" msgpack:"expiry"`
	BucketTime int64             `json:"bucket_time" msgpack:"bucket_time"`
	Strikes    []BroadcastStrike `json:"strikes" msgpack:"strikes"`
	Metrics    BroadcastMetrics  `json:"metrics" msgpack:"metrics"`
}

// BuildBroadcastPayload assembles the wire payload from materialized rows.
func BuildBroadcastPayload(timeframe, symbol, expiry string, bucketTime int64, rows []StrikeRow, metrics ExpiryMetricsRow) BroadcastPayload {
	strikes := make([]BroadcastStrike, 0, len(rows))
	for _, r := range rows {
		strikes = append(strikes, BroadcastStrike{
			Strike:     r.Strike,
			Call:       r.Call,
			Put:        r.Put,
			Underlying: r.UnderlyingClose,
			Liquidity:  r.Liquidity,
		})
	}
	return BroadcastPayload{
		Type:       "fo_bucket",
		Timeframe:  timeframe,
		Symbol:     symbol,
		Expiry:     expiry,
		BucketTime: bucketTime,
		Strikes:    strikes,
		Metrics: BroadcastMetrics{
			TotalCallVolume: metrics.TotalCallVolume,
			TotalPutVolume:  metrics.TotalPutVolume,
			TotalCallOI:     metrics.TotalCallOI,
			TotalPutOI:      metrics.TotalPutOI,
			PCR:             metrics.PCR,
			MaxPainStrike:   metrics.MaxPainStrike,
			UnderlyingClose: metrics.UnderlyingClose,
			Expiry:          expiry,
			BucketTime:      bucketTime,
		},
	}
}
