package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProxy(baseURL string) *Proxy {
	p := NewProxy(baseURL, "key", "secret", zerolog.Nop())
	p.rateLimitGap = time.Millisecond
	return p
}

func TestFetchPositions_DecodesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/ACC1/positions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"positions": []Position{{AccountID: "ACC1", TradingSymbol: "NIFTY24NOV24000CE", Exchange: "NFO", Product: "NRML", Quantity: 50}},
		})
	}))
	defer server.Close()

	p := newTestProxy(server.URL)
	defer p.Close()

	positions, err := p.FetchPositions(context.Background(), "ACC1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "NIFTY24NOV24000CE", positions[0].TradingSymbol)
}

func TestFetchOrders_DecodesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"orders": []Order{{OrderID: "O1", Status: "OPEN", OrderType: "SL"}},
		})
	}))
	defer server.Close()

	p := newTestProxy(server.URL)
	defer p.Close()

	orders, err := p.FetchOrders(context.Background(), "ACC1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "SL", orders[0].OrderType)
}

func TestCancelOrder_TreatsNotFoundAsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	p := newTestProxy(server.URL)
	defer p.Close()

	result, err := p.CancelOrder(context.Background(), "ACC1", "O1", "regular")
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestCancelOrder_ServerErrorPropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := newTestProxy(server.URL)
	defer p.Close()

	_, err := p.CancelOrder(context.Background(), "ACC1", "O1", "regular")
	assert.Error(t, err)
}

func TestProxy_RequestsAreSerializedUnderRateLimit(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&concurrent, 1)
		for {
			prevMax := atomic.LoadInt32(&maxConcurrent)
			if cur <= prevMax || atomic.CompareAndSwapInt32(&maxConcurrent, prevMax, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		json.NewEncoder(w).Encode(map[string]interface{}{"positions": []Position{}})
	}))
	defer server.Close()

	p := NewProxy(server.URL, "key", "secret", zerolog.Nop())
	p.rateLimitGap = time.Millisecond
	defer p.Close()

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			_, _ = p.FetchPositions(context.Background(), "ACC1")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&maxConcurrent), int32(1))
}

func TestClose_IsIdempotent(t *testing.T) {
	p := newTestProxy("http://example.invalid")
	p.Close()
	assert.NotPanics(t, func() { p.Close() })
}
