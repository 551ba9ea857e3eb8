package evaluator

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsefo/sentinel/internal/database"
	"github.com/nsefo/sentinel/internal/persistence"
	sentinelTesting "github.com/nsefo/sentinel/internal/testing"
)

func seedUnderlyingBars(t *testing.T, db *database.DB, symbol, timeframe string, closes []float64) {
	t.Helper()
	for i, c := range closes {
		_, err := db.Conn().Exec(`
			INSERT INTO underlying_bars (symbol, timeframe, time, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, symbol, timeframe, int64(i), c, c+1, c-1, c, 1000.0)
		require.NoError(t, err)
	}
}

func TestEvaluateIndicatorLocallyComputesSMA(t *testing.T) {
	db, cleanup := sentinelTesting.NewTestDB(t, "market")
	defer cleanup()

	market := persistence.NewMarketStore(db.Conn(), zerolog.Nop())

	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	seedUnderlyingBars(t, db, "NIFTY50", "5min", closes)

	e := New(Config{Market: market}, zerolog.Nop())
	defer e.Close()

	raw := []byte(`{"type":"indicator","symbol":"NIFTY50","indicator":"sma","timeframe":"5min","operator":"gt","threshold":100,"lookback_periods":5}`)
	result := e.Evaluate(context.Background(), raw)
	require.Empty(t, result.Error)
	assert.True(t, result.Matched)
	require.NotNil(t, result.CurrentValue)
	assert.InDelta(t, closes[len(closes)-1]-2, *result.CurrentValue, 1.0)
}

func TestEvaluateIndicatorLocallyFailsWithInsufficientHistory(t *testing.T) {
	db, cleanup := sentinelTesting.NewTestDB(t, "market")
	defer cleanup()

	market := persistence.NewMarketStore(db.Conn(), zerolog.Nop())
	seedUnderlyingBars(t, db, "NIFTY50", "5min", []float64{100, 101, 102})

	e := New(Config{Market: market}, zerolog.Nop())
	defer e.Close()

	raw := []byte(`{"type":"indicator","symbol":"NIFTY50","indicator":"rsi","timeframe":"5min","operator":"gt","threshold":50,"lookback_periods":14}`)
	result := e.Evaluate(context.Background(), raw)
	assert.False(t, result.Matched)
	assert.NotEmpty(t, result.Error)
}

func TestEvaluateIndicatorUsesBackendOverLocalWhenConfigured(t *testing.T) {
	db, cleanup := sentinelTesting.NewTestDB(t, "market")
	defer cleanup()

	market := persistence.NewMarketStore(db.Conn(), zerolog.Nop())
	e := New(Config{Market: market, BackendURL: "http://127.0.0.1:1"}, zerolog.Nop())
	defer e.Close()

	raw := []byte(`{"type":"indicator","symbol":"NIFTY50","indicator":"sma","timeframe":"5min","operator":"gt","threshold":100,"lookback_periods":5}`)
	result := e.Evaluate(context.Background(), raw)
	assert.False(t, result.Matched)
	assert.NotEmpty(t, result.Error)
}
