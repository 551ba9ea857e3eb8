package position

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsefo/sentinel/internal/events"
)

type collector struct {
	mu     sync.Mutex
	events []events.EventWithData
}

func (c *collector) handle(ev events.EventWithData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []events.EventWithData {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.EventWithData, len(c.events))
	copy(out, c.events)
	return out
}

func basePosition(symbol string, qty, price, pnl float64) Position {
	return Position{TradingSymbol: symbol, Exchange: "NFO", Product: "MIS", Quantity: qty, AveragePrice: price, LastPrice: price, PNL: pnl}
}

func newTrackerWithCollector() (*Tracker, *collector) {
	bus := events.NewBus(zerolog.Nop())
	tr := New(bus, zerolog.Nop())
	c := &collector{}
	tr.RegisterListener(c.handle, nil)
	return tr, c
}

func TestOnPositionUpdateEmitsOpened(t *testing.T) {
	tr, c := newTrackerWithCollector()

	tr.OnPositionUpdate("acc-1", []Position{basePosition("NIFTY25JUL24000CE", 50, 120, 0)})

	evs := c.snapshot()
	require.Len(t, evs, 1)
	assert.Equal(t, events.PositionOpened, evs[0].Type)
	data := evs[0].Data.(*events.PositionEventData)
	assert.Equal(t, 0.0, data.QuantityBefore)
	assert.Equal(t, 50.0, data.QuantityAfter)
	assert.Nil(t, data.PreviousPosition)
	require.NotNil(t, data.CurrentPosition)
}

func TestOnPositionUpdateEmitsClosed(t *testing.T) {
	tr, c := newTrackerWithCollector()
	tr.Seed("acc-1", []Position{basePosition("NIFTY25JUL24000CE", 50, 120, 0)})

	tr.OnPositionUpdate("acc-1", nil)

	evs := c.snapshot()
	require.Len(t, evs, 1)
	assert.Equal(t, events.PositionClosed, evs[0].Type)
	data := evs[0].Data.(*events.PositionEventData)
	assert.Equal(t, 50.0, data.QuantityBefore)
	assert.Equal(t, 0.0, data.QuantityAfter)
	assert.Equal(t, "position_not_in_update", data.Metadata["reason"])
	assert.Nil(t, data.CurrentPosition)
}

func TestOnPositionUpdateEmitsIncreased(t *testing.T) {
	tr, c := newTrackerWithCollector()
	tr.Seed("acc-1", []Position{basePosition("NIFTY25JUL24000CE", 50, 120, 0)})

	tr.OnPositionUpdate("acc-1", []Position{basePosition("NIFTY25JUL24000CE", 75, 120, 0)})

	evs := c.snapshot()
	require.Len(t, evs, 1)
	assert.Equal(t, events.PositionIncreased, evs[0].Type)
	assert.Equal(t, 25.0, evs[0].Data.(*events.PositionEventData).QuantityDelta)
}

func TestOnPositionUpdateEmitsReduced(t *testing.T) {
	tr, c := newTrackerWithCollector()
	tr.Seed("acc-1", []Position{basePosition("NIFTY25JUL24000CE", 75, 120, 0)})

	tr.OnPositionUpdate("acc-1", []Position{basePosition("NIFTY25JUL24000CE", 30, 120, 0)})

	evs := c.snapshot()
	require.Len(t, evs, 1)
	assert.Equal(t, events.PositionReduced, evs[0].Type)
	assert.Equal(t, -45.0, evs[0].Data.(*events.PositionEventData).QuantityDelta)
}

func TestOnPositionUpdateEmitsUpdatedOnPriceMove(t *testing.T) {
	tr, c := newTrackerWithCollector()
	tr.Seed("acc-1", []Position{basePosition("NIFTY25JUL24000CE", 50, 120, 0)})

	tr.OnPositionUpdate("acc-1", []Position{basePosition("NIFTY25JUL24000CE", 50, 125, 0)})

	evs := c.snapshot()
	require.Len(t, evs, 1)
	assert.Equal(t, events.PositionUpdated, evs[0].Type)
	assert.Equal(t, 0.0, evs[0].Data.(*events.PositionEventData).QuantityDelta)
}

func TestOnPositionUpdateSkipsUnchangedPosition(t *testing.T) {
	tr, c := newTrackerWithCollector()
	tr.Seed("acc-1", []Position{basePosition("NIFTY25JUL24000CE", 50, 120, 10)})

	tr.OnPositionUpdate("acc-1", []Position{basePosition("NIFTY25JUL24000CE", 50, 120, 10)})

	assert.Empty(t, c.snapshot())
}
