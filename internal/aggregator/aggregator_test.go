package aggregator

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	strikes []StrikeRow
	metrics []ExpiryMetricsRow
	bars    []UnderlyingBarRow
}

func (f *fakeStore) UpsertStrikeRows(_ context.Context, rows []StrikeRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strikes = append(f.strikes, rows...)
	return nil
}

func (f *fakeStore) UpsertExpiryMetrics(_ context.Context, rows []ExpiryMetricsRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, rows...)
	return nil
}

func (f *fakeStore) UpsertUnderlyingBars(_ context.Context, rows []UnderlyingBarRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bars = append(f.bars, rows...)
	return nil
}

func newTestAggregator(store Store) *Aggregator {
	cfg := Config{
		Timeframes:         []string{"1min"},
		PersistTimeframes:  []string{"1min"},
		FlushLagSeconds:    5,
		PersistConcurrency: 2,
	}
	return New(cfg, store, nil, nil, zerolog.Nop())
}

func optTick(symbol string, ts int64, strike float64, typ string, vol float64) *OptionTick {
	return &OptionTick{
		Symbol: symbol, Expiry: "2024-11-07", Strike: strike, Type: typ, TS: ts,
		IV: 0.18, Delta: 0.5, Gamma: 0.002, Theta: -1.1, Vega: 12.3, Volume: vol, OI: 1000, Price: 180.5,
	}
}

// S1 Bucket close at boundary.
func TestS1BucketCloseAtBoundary(t *testing.T) {
	store := &fakeStore{}
	agg := newTestAggregator(store)
	ctx := context.Background()

	times := []int64{1699356600, 1699356610, 1699356620, 1699356630, 1699356640}
	for _, ts := range times {
		agg.HandleOption(ctx, optTick("NIFTY", ts, 24000, "CE", 100))
	}

	store.mu.Lock()
	require.Empty(t, store.strikes, "bucket must not flush before boundary+lag")
	store.mu.Unlock()

	agg.HandleOption(ctx, optTick("NIFTY", 1699356666, 24000, "CE", 50))
	// Persistence runs on background goroutines; wait for it before reading the store.
	agg.wg.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.strikes, 1)
	row := store.strikes[0]
	assert.Equal(t, int64(1699356600), row.BucketTime)
	assert.Equal(t, 5, row.Call.Count)
	assert.Equal(t, 500.0, row.Call.Volume)
	require.Len(t, store.metrics, 1)
}

// S2 Late flush via FlushAll.
func TestS2LateFlush(t *testing.T) {
	store := &fakeStore{}
	agg := newTestAggregator(store)
	ctx := context.Background()

	agg.HandleOption(ctx, optTick("NIFTY", 1699356600, 24000, "CE", 10))
	agg.FlushAll(ctx)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.strikes, 1)
	assert.Equal(t, int64(1699356600), store.strikes[0].BucketTime)
	assert.Equal(t, 1, store.strikes[0].Call.Count)
}

// P2 No double flush: a bucket key is moved out of the live map exactly once.
func TestP2NoDoubleFlush(t *testing.T) {
	store := &fakeStore{}
	agg := newTestAggregator(store)
	ctx := context.Background()

	agg.HandleOption(ctx, optTick("NIFTY", 1699356600, 24000, "CE", 10))
	agg.HandleOption(ctx, optTick("NIFTY", 1699356666, 24000, "CE", 10)) // triggers flush of first bucket
	agg.HandleOption(ctx, optTick("NIFTY", 1699356667, 24000, "CE", 10)) // should not re-flush
	agg.wg.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	count := 0
	for _, r := range store.strikes {
		if r.BucketTime == 1699356600 {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

// P3 Sum = sum, including averages.
func TestP3SumConsistency(t *testing.T) {
	store := &fakeStore{}
	agg := newTestAggregator(store)
	ctx := context.Background()

	agg.HandleOption(ctx, optTick("NIFTY", 1699356600, 24000, "CE", 100))
	agg.HandleOption(ctx, optTick("NIFTY", 1699356605, 24000, "CE", 200))
	agg.HandleOption(ctx, optTick("NIFTY", 1699356610, 24000, "PE", 50))
	agg.FlushAll(ctx)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.strikes, 1)
	row := store.strikes[0]
	assert.Equal(t, 300.0, row.Call.Volume)
	assert.Equal(t, 2, row.Call.Count)
	assert.Equal(t, 50.0, row.Put.Volume)
	assert.Equal(t, 1, row.Put.Count)
	require.NotNil(t, row.Call.IV)
	assert.InDelta(t, 0.18, *row.Call.IV, 1e-9)
}

// P4 Max-pain minimality over a small hand-computed set.
func TestP4MaxPainMinimality(t *testing.T) {
	strikes := []float64{100, 110, 120}
	callVol := map[float64]float64{100: 10, 110: 5, 120: 0}
	putVol := map[float64]float64{100: 0, 110: 5, 120: 10}

	best, ok := maxPainStrike(strikes, callVol, putVol)
	require.True(t, ok)
	assert.Equal(t, 110.0, best)
}

// P5 Mock exclusion.
func TestP5MockExclusion(t *testing.T) {
	store := &fakeStore{}
	agg := newTestAggregator(store)
	ctx := context.Background()

	tick := optTick("NIFTY", 1699356600, 24000, "CE", 999)
	tick.IsMock = true
	agg.HandleOption(ctx, tick)
	agg.FlushAll(ctx)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.strikes)
}

func TestHandleOptionDiscardsMalformedTicks(t *testing.T) {
	store := &fakeStore{}
	agg := newTestAggregator(store)
	ctx := context.Background()

	agg.HandleOption(ctx, &OptionTick{Symbol: "NIFTY", Expiry: "not-a-date", Strike: 100, Type: "CE", TS: 1699356600})
	agg.HandleOption(ctx, &OptionTick{Symbol: "NIFTY", Expiry: "2024-11-07", Strike: 100, Type: "XX", TS: 1699356600})
	agg.HandleOption(ctx, &OptionTick{Symbol: "NIFTY", Expiry: "2024-11-07", Strike: 0, Type: "CE", TS: 1699356600})
	agg.FlushAll(ctx)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.strikes)
}

func TestHandleUnderlyingOHLCV(t *testing.T) {
	store := &fakeStore{}
	agg := newTestAggregator(store)
	ctx := context.Background()

	agg.HandleUnderlying(ctx, &UnderlyingTick{Symbol: "NIFTY", TS: 1699356600, Close: 24000, Volume: 10})
	agg.HandleUnderlying(ctx, &UnderlyingTick{Symbol: "NIFTY", TS: 1699356610, Close: 24050, Volume: 5})
	agg.HandleUnderlying(ctx, &UnderlyingTick{Symbol: "NIFTY", TS: 1699356620, Close: 23990, Volume: 7})
	agg.FlushAll(ctx)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.bars, 1)
	bar := store.bars[0]
	assert.Equal(t, 24000.0, bar.Open)
	assert.Equal(t, 24050.0, bar.High)
	assert.Equal(t, 23990.0, bar.Low)
	assert.Equal(t, 23990.0, bar.Close)
	assert.Equal(t, 22.0, bar.Volume)
}

func TestBucketAlignment(t *testing.T) {
	assert.Equal(t, int64(1699356600), bucketStart(1699356600, 60))
	assert.Equal(t, int64(1699356600), bucketStart(1699356640, 60))
	assert.Equal(t, int64(1699356660), bucketStart(1699356666, 60))
}
