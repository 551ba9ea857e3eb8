package evaluator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvaluator(tickerURL, backendURL string) *Evaluator {
	return New(Config{TickerServiceURL: tickerURL, BackendURL: backendURL}, zerolog.Nop())
}

func TestEvaluatePriceMatchesAboveThreshold(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/live/NIFTY50", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]float64{"last_price": 24500})
	}))
	defer server.Close()

	e := newTestEvaluator(server.URL, "")
	defer e.Close()

	result := e.Evaluate(context.Background(), []byte(`{"type":"price","symbol":"NIFTY50","operator":"gt","threshold":24000}`))
	require.Empty(t, result.Error)
	assert.True(t, result.Matched)
	require.NotNil(t, result.CurrentValue)
	assert.Equal(t, 24500.0, *result.CurrentValue)
}

func TestEvaluatePriceFallsBackToQuotesEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/live/NIFTY50" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		assert.Equal(t, "/quotes/NIFTY50", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]float64{"last_price": 100})
	}))
	defer server.Close()

	e := newTestEvaluator(server.URL, "")
	defer e.Close()

	result := e.Evaluate(context.Background(), []byte(`{"type":"price","symbol":"NIFTY50","operator":"lt","threshold":200}`))
	require.Empty(t, result.Error)
	assert.True(t, result.Matched)
}

func TestEvaluatePriceReturnsErrorWithoutRaisingOnTotalFailure(t *testing.T) {
	e := newTestEvaluator("http://127.0.0.1:1", "")
	defer e.Close()

	result := e.Evaluate(context.Background(), []byte(`{"type":"price","symbol":"NIFTY50","operator":"gt","threshold":1}`))
	assert.False(t, result.Matched)
	assert.NotEmpty(t, result.Error)
}

func TestEvaluateTimeDayOfWeek(t *testing.T) {
	e := newTestEvaluator("", "")
	defer e.Close()

	result := e.Evaluate(context.Background(), []byte(`{"type":"time","condition":"day_of_week","timezone":"UTC","days":["monday","tuesday","wednesday","thursday","friday","saturday","sunday"]}`))
	require.Empty(t, result.Error)
	assert.True(t, result.Matched)
}

func TestEvaluateCompositeAnd(t *testing.T) {
	e := newTestEvaluator("", "")
	defer e.Close()

	raw := []byte(`{
		"type": "composite",
		"operator": "and",
		"conditions": [
			{"type": "time", "condition": "day_of_week", "timezone": "UTC", "days": ["monday","tuesday","wednesday","thursday","friday","saturday","sunday"]},
			{"type": "time", "condition": "day_of_week", "timezone": "UTC", "days": ["monday","tuesday","wednesday","thursday","friday","saturday","sunday"]}
		]
	}`)
	result := e.Evaluate(context.Background(), raw)
	require.Empty(t, result.Error)
	assert.True(t, result.Matched)
}

func TestEvaluateUnknownTypeReturnsError(t *testing.T) {
	e := newTestEvaluator("", "")
	defer e.Close()

	result := e.Evaluate(context.Background(), []byte(`{"type":"nonsense"}`))
	assert.False(t, result.Matched)
	assert.NotEmpty(t, result.Error)
}

func TestCompareOperators(t *testing.T) {
	ok, err := compare(100, "eq", 100, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	max := 20.0
	ok, err = compare(15, "between", 10, &max)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = compare(15, "between", 10, nil)
	assert.Error(t, err)
}
