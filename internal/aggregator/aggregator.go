package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nsefo/sentinel/internal/utils"
)

// Store is the persistence seam the aggregator flushes through (L1, spec
// §6.2). Implemented by internal/persistence; a timeframe not in
// Config.PersistTimeframes is never passed to these calls.
type Store interface {
	UpsertStrikeRows(ctx context.Context, rows []StrikeRow) error
	UpsertExpiryMetrics(ctx context.Context, rows []ExpiryMetricsRow) error
	UpsertUnderlyingBars(ctx context.Context, rows []UnderlyingBarRow) error
}

// Broadcaster is the fan-out seam (L4, spec §4.3). Implemented by
// internal/hub.Hub.
type Broadcaster interface {
	Broadcast(payload []byte)
}

// Config configures the aggregator's timeframes and flush policy, spec §4.1
// and §6.6.
type Config struct {
	Timeframes         []string      // e.g. "1min", "5min", "15min"
	PersistTimeframes  []string      // subset of Timeframes written to Store
	FlushLagSeconds    int
	PersistConcurrency int
	StrikeGap          float64 // carried for downstream moneyness bucketing; unused here
}

type timeframeSpec struct {
	label   string
	seconds int64
	persist bool
}

// Aggregator owns all mutable bucket state for C1 and drives the
// flush-sweep on every incoming tick, spec §4.1.
type Aggregator struct {
	timeframes []timeframeSpec

	flushLag    int64
	persistSem  chan struct{}
	store       Store
	broadcaster Broadcaster
	encode      func(BroadcastPayload) ([]byte, error)
	log         zerolog.Logger

	mu               sync.Mutex
	buckets          map[bucketKey]*optionBucket
	underlyingBars   map[bucketKey]*underlyingBucket
	lastUnderlying   map[string]float64

	wg sync.WaitGroup
}

// New builds an Aggregator. encode serializes a BroadcastPayload for the
// hub; cmd/server wires msgpack for the hot path per SPEC_FULL §2.
func New(cfg Config, store Store, broadcaster Broadcaster, encode func(BroadcastPayload) ([]byte, error), log zerolog.Logger) *Aggregator {
	persistSet := make(map[string]bool, len(cfg.PersistTimeframes))
	for _, tf := range cfg.PersistTimeframes {
		persistSet[tf] = true
	}

	specs := make([]timeframeSpec, 0, len(cfg.Timeframes))
	for _, tf := range cfg.Timeframes {
		seconds := timeframeSeconds(tf)
		if seconds <= 0 {
			continue
		}
		specs = append(specs, timeframeSpec{label: tf, seconds: seconds, persist: persistSet[tf]})
	}

	concurrency := cfg.PersistConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	return &Aggregator{
		timeframes:     specs,
		flushLag:       int64(cfg.FlushLagSeconds),
		persistSem:     make(chan struct{}, concurrency),
		store:          store,
		broadcaster:    broadcaster,
		encode:         encode,
		log:            log.With().Str("component", "aggregator").Logger(),
		buckets:        make(map[bucketKey]*optionBucket),
		underlyingBars: make(map[bucketKey]*underlyingBucket),
		lastUnderlying: make(map[string]float64),
	}
}

// timeframeSeconds maps a timeframe label to its duration in seconds.
// Labels follow the "<N>min" convention used throughout spec §6.1 examples.
func timeframeSeconds(label string) int64 {
	switch label {
	case "1min":
		return 60
	case "3min":
		return 180
	case "5min":
		return 300
	case "15min":
		return 900
	case "30min":
		return 1800
	case "60min", "1hour":
		return 3600
	default:
		return 0
	}
}

// HandleOption folds one option tick into every configured timeframe's
// bucket, then runs the flush-sweep. Spec §4.1.
func (a *Aggregator) HandleOption(ctx context.Context, tick *OptionTick) {
	if tick.IsMock {
		return
	}
	expiry, ok := tick.parsedExpiry()
	if !ok {
		return
	}
	side, ok := tick.normalizedType()
	if !ok {
		return
	}
	if tick.Strike <= 0 {
		return
	}

	var liquidity *LiquiditySnapshot
	if tick.Depth != nil && (len(tick.Depth.Buy) > 0 || len(tick.Depth.Sell) > 0) {
		snap := snapshotFromDepth(tick.Depth)
		liquidity = &snap
	}
	expiryStr := expiry.Format("2006-01-02")

	a.mu.Lock()
	for _, tf := range a.timeframes {
		key := bucketKey{Timeframe: tf.label, Symbol: tick.Symbol, Expiry: expiryStr, BucketStart: bucketStart(tick.TS, tf.seconds)}
		bucket, ok := a.buckets[key]
		if !ok {
			bucket = newOptionBucket()
			a.buckets[key] = bucket
		}

		ss, ok := bucket.strikes[tick.Strike]
		if !ok {
			ss = &strikeSide{}
			bucket.strikes[tick.Strike] = ss
		}
		if side == CE {
			ss.CE.add(tick)
		} else {
			ss.PE.add(tick)
		}

		if bucket.underlyingClose == nil {
			if last, ok := a.lastUnderlying[tick.Symbol]; ok {
				bucket.underlyingClose = &last
			}
		}

		if liquidity != nil {
			bucket.liquidity[tick.Strike] = *liquidity
		}
	}
	a.mu.Unlock()

	a.flushSweep(ctx, tick.TS)
}

// HandleUnderlying folds one underlying tick into every configured
// timeframe's bar, then runs the flush-sweep. Spec §4.1.
func (a *Aggregator) HandleUnderlying(ctx context.Context, tick *UnderlyingTick) {
	if tick.IsMock {
		return
	}

	a.mu.Lock()
	a.lastUnderlying[tick.Symbol] = tick.Close
	for _, tf := range a.timeframes {
		key := bucketKey{Timeframe: tf.label, Symbol: tick.Symbol, BucketStart: bucketStart(tick.TS, tf.seconds)}
		bar, ok := a.underlyingBars[key]
		if !ok {
			bar = &underlyingBucket{Open: tick.Close, High: tick.Close, Low: tick.Close, Close: tick.Close}
			a.underlyingBars[key] = bar
		} else {
			bar.Close = tick.Close
			if tick.Close > bar.High {
				bar.High = tick.Close
			}
			if tick.Close < bar.Low {
				bar.Low = tick.Close
			}
		}
		bar.Volume += tick.Volume
	}
	a.mu.Unlock()

	a.flushSweep(ctx, tick.TS)
}

// flushSweep collects every bucket/bar eligible to flush under the lock,
// removes them from the live maps, then persists and broadcasts outside the
// lock, per spec §4.1 "Flush-sweep algorithm" and §5 "no lock held across
// I/O".
func (a *Aggregator) flushSweep(ctx context.Context, now int64) {
	type flushedOption struct {
		key    bucketKey
		bucket *optionBucket
	}
	type flushedUnderlying struct {
		key bucketKey
		bar *underlyingBucket
	}

	a.mu.Lock()
	var options []flushedOption
	for key, b := range a.buckets {
		if a.eligible(key, now) {
			options = append(options, flushedOption{key: key, bucket: b})
			delete(a.buckets, key)
		}
	}
	var underlyings []flushedUnderlying
	for key, bar := range a.underlyingBars {
		if a.eligible(key, now) {
			underlyings = append(underlyings, flushedUnderlying{key: key, bar: bar})
			delete(a.underlyingBars, key)
		}
	}
	lastUnderlyingSnapshot := make(map[string]float64, len(a.lastUnderlying))
	for k, v := range a.lastUnderlying {
		lastUnderlyingSnapshot[k] = v
	}
	a.mu.Unlock()

	for _, fo := range options {
		last := lastUnderlyingSnapshot[fo.key.Symbol]
		a.flushOptionBucket(ctx, fo.key, fo.bucket, &last)
	}
	for _, fu := range underlyings {
		a.flushUnderlyingBar(ctx, fu.key, fu.bar)
	}
}

func (a *Aggregator) eligible(key bucketKey, now int64) bool {
	for _, tf := range a.timeframes {
		if tf.label == key.Timeframe {
			return now-key.BucketStart >= tf.seconds+a.flushLag
		}
	}
	return false
}

func (a *Aggregator) persistTimeframe(label string) bool {
	for _, tf := range a.timeframes {
		if tf.label == label {
			return tf.persist
		}
	}
	return false
}

func (a *Aggregator) flushOptionBucket(ctx context.Context, key bucketKey, bucket *optionBucket, lastUnderlying *float64) {
	timer := utils.NewTimer("aggregator.flush_option_bucket", a.log)
	defer timer.Stop()

	rows, metrics := materializeBucket(key, bucket, lastUnderlying)

	if a.persistTimeframe(key.Timeframe) && a.store != nil {
		a.withPersistSlot(func() {
			if err := a.store.UpsertStrikeRows(ctx, rows); err != nil {
				a.log.Error().Err(err).Str("symbol", key.Symbol).Str("expiry", key.Expiry).Msg("upsert strike rows failed")
			}
			if err := a.store.UpsertExpiryMetrics(ctx, []ExpiryMetricsRow{metrics}); err != nil {
				a.log.Error().Err(err).Str("symbol", key.Symbol).Str("expiry", key.Expiry).Msg("upsert expiry metrics failed")
			}
		})
	}

	if a.broadcaster != nil && a.encode != nil {
		payload := BuildBroadcastPayload(key.Timeframe, key.Symbol, key.Expiry, key.BucketStart, rows, metrics)
		if data, err := a.encode(payload); err != nil {
			a.log.Error().Err(err).Msg("encode broadcast payload failed")
		} else {
			a.broadcaster.Broadcast(data)
		}
	}
}

func (a *Aggregator) flushUnderlyingBar(ctx context.Context, key bucketKey, bar *underlyingBucket) {
	if !a.persistTimeframe(key.Timeframe) || a.store == nil {
		return
	}
	row := materializeUnderlyingBar(key.Symbol, key.Timeframe, key.BucketStart, bar)
	a.withPersistSlot(func() {
		if err := a.store.UpsertUnderlyingBars(ctx, []UnderlyingBarRow{row}); err != nil {
			a.log.Error().Err(err).Str("symbol", key.Symbol).Msg("upsert underlying bars failed")
		}
	})
}

// withPersistSlot bounds concurrent persistence calls to PersistConcurrency
// (spec §4.1/§5), blocking only the caller's own goroutine, never the
// aggregator's lock.
func (a *Aggregator) withPersistSlot(fn func()) {
	a.persistSem <- struct{}{}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() { <-a.persistSem }()
		fn()
	}()
}

// FlushAll drains every bucket and underlying bar regardless of the
// boundary+lag rule, and waits for in-flight persistence calls to finish.
// Used on shutdown, spec §4.1.
func (a *Aggregator) FlushAll(ctx context.Context) {
	a.mu.Lock()
	buckets := a.buckets
	a.buckets = make(map[bucketKey]*optionBucket)
	bars := a.underlyingBars
	a.underlyingBars = make(map[bucketKey]*underlyingBucket)
	lastUnderlyingSnapshot := make(map[string]float64, len(a.lastUnderlying))
	for k, v := range a.lastUnderlying {
		lastUnderlyingSnapshot[k] = v
	}
	a.mu.Unlock()

	for key, bucket := range buckets {
		last := lastUnderlyingSnapshot[key.Symbol]
		a.flushOptionBucket(ctx, key, bucket, &last)
	}
	for key, bar := range bars {
		a.flushUnderlyingBar(ctx, key, bar)
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		a.log.Warn().Msg("FlushAll timed out waiting for in-flight persistence calls")
	}
}
