package aggregator

import (
	"sort"

	"gonum.org/v1/gonum/floats"
)

// SideStats is the serialized (averaged) view of an OptionStats accumulator,
// spec §4.1 "Bucket → row materialization", `serialize(s)`.
type SideStats struct {
	IV     *float64 `json:"iv"`
	Delta  *float64 `json:"delta"`
	Gamma  *float64 `json:"gamma"`
	Theta  *float64 `json:"theta"`
	Vega   *float64 `json:"vega"`
	Volume float64  `json:"volume"`
	OI     float64  `json:"oi"`
	Count  int      `json:"count"`
}

func serializeSide(s OptionStats) SideStats {
	out := SideStats{Volume: s.VolumeSum, OI: s.OISum, Count: s.Count}
	if s.Count > 0 {
		n := float64(s.Count)
		iv, delta, gamma, theta, vega := s.IVSum/n, s.DeltaSum/n, s.GammaSum/n, s.ThetaSum/n, s.VegaSum/n
		out.IV, out.Delta, out.Gamma, out.Theta, out.Vega = &iv, &delta, &gamma, &theta, &vega
	}
	return out
}

// StrikeRow is one persisted/broadcast strike-level row, spec §3.1 and §6.2.
type StrikeRow struct {
	Timeframe       string
	Symbol          string
	Expiry          string
	Strike          float64
	BucketTime      int64
	UnderlyingClose *float64
	Call            SideStats
	Put             SideStats
	Liquidity       *LiquiditySnapshot
}

// ExpiryMetricsRow is one persisted expiry-level metrics row, spec §3.1/§6.2.
type ExpiryMetricsRow struct {
	Timeframe       string
	Symbol          string
	Expiry          string
	BucketTime      int64
	UnderlyingClose *float64
	TotalCallVolume float64
	TotalPutVolume  float64
	TotalCallOI     float64
	TotalPutOI      float64
	PCR             *float64
	MaxPainStrike   *float64
}

// UnderlyingBarRow is one persisted underlying OHLCV bar, spec §3.1/§6.2.
type UnderlyingBarRow struct {
	Symbol    string
	Timeframe string
	Time      int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// materializeBucket turns one in-memory option bucket into its strike rows
// and expiry-metrics row, per spec §4.1. Strikes are emitted in ascending
// order for deterministic batches (spec §4.1 step 3).
func materializeBucket(key bucketKey, b *optionBucket, lastUnderlying *float64) ([]StrikeRow, ExpiryMetricsRow) {
	strikes := make([]float64, 0, len(b.strikes))
	for k := range b.strikes {
		strikes = append(strikes, k)
	}
	sort.Float64s(strikes)

	underlyingClose := b.underlyingClose
	if underlyingClose == nil {
		underlyingClose = lastUnderlying
	}

	rows := make([]StrikeRow, 0, len(strikes))
	callVolByStrike := make(map[float64]float64, len(strikes))
	putVolByStrike := make(map[float64]float64, len(strikes))
	callVols := make([]float64, 0, len(strikes))
	putVols := make([]float64, 0, len(strikes))
	callOIs := make([]float64, 0, len(strikes))
	putOIs := make([]float64, 0, len(strikes))

	for _, strike := range strikes {
		side := b.strikes[strike]
		row := StrikeRow{
			Timeframe:       key.Timeframe,
			Symbol:          key.Symbol,
			Expiry:          key.Expiry,
			Strike:          strike,
			BucketTime:      key.BucketStart,
			UnderlyingClose: underlyingClose,
			Call:            serializeSide(side.CE),
			Put:             serializeSide(side.PE),
		}
		if liq, ok := b.liquidity[strike]; ok {
			liqCopy := liq
			row.Liquidity = &liqCopy
		}
		rows = append(rows, row)

		callVols = append(callVols, side.CE.VolumeSum)
		putVols = append(putVols, side.PE.VolumeSum)
		callOIs = append(callOIs, side.CE.OISum)
		putOIs = append(putOIs, side.PE.OISum)
		callVolByStrike[strike] = side.CE.VolumeSum
		putVolByStrike[strike] = side.PE.VolumeSum
	}

	totalCallVol, totalPutVol := floats.Sum(callVols), floats.Sum(putVols)
	totalCallOI, totalPutOI := floats.Sum(callOIs), floats.Sum(putOIs)

	metrics := ExpiryMetricsRow{
		Timeframe:       key.Timeframe,
		Symbol:          key.Symbol,
		Expiry:          key.Expiry,
		BucketTime:      key.BucketStart,
		UnderlyingClose: underlyingClose,
		TotalCallVolume: totalCallVol,
		TotalPutVolume:  totalPutVol,
		TotalCallOI:     totalCallOI,
		TotalPutOI:      totalPutOI,
	}
	if totalCallVol > 0 {
		pcr := totalPutVol / totalCallVol
		metrics.PCR = &pcr
	}
	if mp, ok := maxPainStrike(strikes, callVolByStrike, putVolByStrike); ok {
		metrics.MaxPainStrike = &mp
	}

	return rows, metrics
}

// maxPainStrike computes the strike minimizing total option-seller payout,
// spec §4.1/§8 P4. Ties are broken by the smallest strike, which falls out
// naturally since strikes is iterated in ascending order and only a
// strictly smaller loss replaces the current best.
func maxPainStrike(strikes []float64, callVol, putVol map[float64]float64) (float64, bool) {
	if len(strikes) == 0 {
		return 0, false
	}

	best := strikes[0]
	bestLoss := payoutLoss(strikes, callVol, putVol, best)
	for _, candidate := range strikes[1:] {
		loss := payoutLoss(strikes, callVol, putVol, candidate)
		if loss < bestLoss {
			bestLoss = loss
			best = candidate
		}
	}
	return best, true
}

func payoutLoss(strikes []float64, callVol, putVol map[float64]float64, candidate float64) float64 {
	var loss float64
	for _, k := range strikes {
		if diff := k - candidate; diff > 0 {
			loss += diff * callVol[k]
		}
		if diff := candidate - k; diff > 0 {
			loss += diff * putVol[k]
		}
	}
	return loss
}

func materializeUnderlyingBar(symbol, timeframe string, bucketTime int64, bar *underlyingBucket) UnderlyingBarRow {
	return UnderlyingBarRow{
		Symbol:    symbol,
		Timeframe: timeframe,
		Time:      bucketTime,
		Open:      bar.Open,
		High:      bar.High,
		Low:       bar.Low,
		Close:     bar.Close,
		Volume:    bar.Volume,
	}
}
