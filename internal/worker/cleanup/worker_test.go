package cleanup

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsefo/sentinel/internal/broker"
	"github.com/nsefo/sentinel/internal/events"
	"github.com/nsefo/sentinel/internal/persistence"
	sentinelTesting "github.com/nsefo/sentinel/internal/testing"
)

func newHarness(t *testing.T, cancelStatus int) (*Worker, *persistence.PositionStore, *persistence.StrategyStore, func()) {
	t.Helper()

	posDB, posCleanup := sentinelTesting.NewTestDB(t, "positions")
	settingsDB, settingsCleanup := sentinelTesting.NewTestDB(t, "settings")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(cancelStatus)
	}))

	proxy := broker.NewProxy(server.URL, "key", "secret", zerolog.Nop())

	positions := persistence.NewPositionStore(posDB.Conn(), zerolog.Nop())
	strategy := persistence.NewStrategyStore(settingsDB.Conn(), zerolog.Nop())
	worker := New(positions, strategy, proxy, zerolog.Nop())

	cleanup := func() {
		proxy.Close()
		server.Close()
		posCleanup()
		settingsCleanup()
	}
	return worker, positions, strategy, cleanup
}

func seedOrder(t *testing.T, store *persistence.PositionStore, order persistence.OrderRow) {
	t.Helper()
	order.Status = "OPEN"
	require.NoError(t, store.UpsertOrders(context.Background(), []persistence.OrderRow{order}))
}

func closedEvent(accountID, symbol string) events.EventWithData {
	return events.EventWithData{
		Type: events.PositionClosed,
		Data: &events.PositionEventData{
			Kind: events.PositionClosed, AccountID: accountID, TradingSymbol: symbol,
			Exchange: "NFO", Product: "MIS", QuantityBefore: 50, QuantityAfter: 0, QuantityDelta: -50,
		},
	}
}

func reducedEvent(accountID, symbol string, remaining float64) events.EventWithData {
	return events.EventWithData{
		Type: events.PositionReduced,
		Data: &events.PositionEventData{
			Kind: events.PositionReduced, AccountID: accountID, TradingSymbol: symbol,
			Exchange: "NFO", Product: "MIS", QuantityBefore: 50, QuantityAfter: remaining, QuantityDelta: remaining - 50,
		},
	}
}

func TestFilterMatchesOnlyClosedAndReduced(t *testing.T) {
	w, _, _, cleanup := newHarness(t, http.StatusOK)
	defer cleanup()

	assert.True(t, w.Filter(closedEvent("acc-1", "NIFTY")))
	assert.True(t, w.Filter(reducedEvent("acc-1", "NIFTY", 10)))
	assert.False(t, w.Filter(events.EventWithData{Type: events.PositionOpened, Data: &events.PositionEventData{Kind: events.PositionOpened}}))
}

func TestHandleCancelsOrderWhenAutoCleanupEnabled(t *testing.T) {
	w, positions, strategy, cleanup := newHarness(t, http.StatusOK)
	defer cleanup()

	seedOrder(t, positions, persistence.OrderRow{OrderID: "O1", AccountID: "acc-1", TradingSymbol: "NIFTY", Exchange: "NFO", Product: "MIS", OrderType: "SL", StrategyID: "strat-1", Variety: "regular"})
	require.NoError(t, strategy.Upsert(context.Background(), persistence.StrategySettings{StrategyID: "strat-1", AutoCleanupEnabled: true, CleanupSLOnExit: true}))

	w.Handle(closedEvent("acc-1", "NIFTY"))

	orders, err := positions.PendingOrdersFor(context.Background(), "acc-1", "NIFTY", "NFO", "MIS")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestHandleSkipsWhenAutoCleanupDisabled(t *testing.T) {
	w, positions, strategy, cleanup := newHarness(t, http.StatusOK)
	defer cleanup()

	seedOrder(t, positions, persistence.OrderRow{OrderID: "O1", AccountID: "acc-1", TradingSymbol: "NIFTY", Exchange: "NFO", Product: "MIS", OrderType: "SL", StrategyID: "strat-1", Variety: "regular"})
	require.NoError(t, strategy.Upsert(context.Background(), persistence.StrategySettings{StrategyID: "strat-1"}))

	w.Handle(closedEvent("acc-1", "NIFTY"))

	orders, err := positions.PendingOrdersFor(context.Background(), "acc-1", "NIFTY", "NFO", "MIS")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestHandleSkipsSLWhenCleanupSLOnExitDisabled(t *testing.T) {
	w, positions, strategy, cleanup := newHarness(t, http.StatusOK)
	defer cleanup()

	seedOrder(t, positions, persistence.OrderRow{OrderID: "O1", AccountID: "acc-1", TradingSymbol: "NIFTY", Exchange: "NFO", Product: "MIS", OrderType: "SL-M", StrategyID: "strat-1", Variety: "regular"})
	require.NoError(t, strategy.Upsert(context.Background(), persistence.StrategySettings{StrategyID: "strat-1", AutoCleanupEnabled: true}))

	w.Handle(closedEvent("acc-1", "NIFTY"))

	orders, err := positions.PendingOrdersFor(context.Background(), "acc-1", "NIFTY", "NFO", "MIS")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

// TestHandleSkipsPartialReduction follows spec's worked example S6 from the
// helper's starting quantity of 50: position reduced to 30, a single SL order
// of quantity 20 exists; since 20 <= 30 the order still protects the
// remaining position and is left alone.
func TestHandleSkipsPartialReduction(t *testing.T) {
	w, positions, strategy, cleanup := newHarness(t, http.StatusOK)
	defer cleanup()

	seedOrder(t, positions, persistence.OrderRow{OrderID: "O1", AccountID: "acc-1", TradingSymbol: "NIFTY", Exchange: "NFO", Product: "MIS", OrderType: "SL", Quantity: 20, StrategyID: "strat-1", Variety: "regular"})
	require.NoError(t, strategy.Upsert(context.Background(), persistence.StrategySettings{StrategyID: "strat-1", AutoCleanupEnabled: true, CleanupSLOnExit: true}))

	w.Handle(reducedEvent("acc-1", "NIFTY", 30))

	orders, err := positions.PendingOrdersFor(context.Background(), "acc-1", "NIFTY", "NFO", "MIS")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

// TestHandleCancelsWhenOrderQuantityExceedsRemaining confirms spec §4.8 step
// 3's literal comparison: an SL order whose quantity exceeds what's left of
// the position after a REDUCED event no longer fits the remaining exposure
// and must be cancelled, even though quantity_after is nonzero.
func TestHandleCancelsWhenOrderQuantityExceedsRemaining(t *testing.T) {
	w, positions, strategy, cleanup := newHarness(t, http.StatusOK)
	defer cleanup()

	seedOrder(t, positions, persistence.OrderRow{OrderID: "O1", AccountID: "acc-1", TradingSymbol: "NIFTY", Exchange: "NFO", Product: "MIS", OrderType: "SL", Quantity: 50, StrategyID: "strat-1", Variety: "regular"})
	require.NoError(t, strategy.Upsert(context.Background(), persistence.StrategySettings{StrategyID: "strat-1", AutoCleanupEnabled: true, CleanupSLOnExit: true}))

	w.Handle(reducedEvent("acc-1", "NIFTY", 30))

	orders, err := positions.PendingOrdersFor(context.Background(), "acc-1", "NIFTY", "NFO", "MIS")
	require.NoError(t, err)
	assert.Empty(t, orders)
}
