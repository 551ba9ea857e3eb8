// Package position implements the M5 Position Tracker (spec §4.7, C3's
// state): an in-memory diff engine over the broker's position snapshots,
// emitting OPENED/INCREASED/REDUCED/CLOSED/UPDATED events on
// internal/events.Bus for the order-cleanup worker and any other listener.
package position

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nsefo/sentinel/internal/events"
)

// priceChangeThreshold is the minimum relative price move that alone
// justifies an UPDATED event for an unchanged quantity, spec §4.7.
const priceChangeThreshold = 0.001

// Position is one broker-reported position, keyed by (tradingsymbol,
// exchange, product) within an account.
type Position struct {
	TradingSymbol string
	Exchange      string
	Product       string
	Quantity      float64
	AveragePrice  float64
	LastPrice     float64
	PNL           float64
	DayPNL        float64
}

type positionKey struct {
	TradingSymbol string
	Exchange      string
	Product       string
}

func keyOf(p Position) positionKey {
	return positionKey{TradingSymbol: p.TradingSymbol, Exchange: p.Exchange, Product: p.Product}
}

// Tracker owns the per-account snapshot map and publishes diffs on bus.
type Tracker struct {
	mu        sync.Mutex
	snapshots map[string]map[positionKey]Position
	bus       *events.Bus
	log       zerolog.Logger
}

// New builds a Tracker publishing onto bus.
func New(bus *events.Bus, log zerolog.Logger) *Tracker {
	return &Tracker{
		snapshots: make(map[string]map[positionKey]Position),
		bus:       bus,
		log:       log.With().Str("component", "position_tracker").Logger(),
	}
}

// RegisterListener subscribes handler to position events on the underlying
// bus, filtered by filter (nil matches every event kind). It returns an
// unsubscribe function.
func (t *Tracker) RegisterListener(handler events.Handler, filter events.Filter) func() {
	return t.bus.Subscribe(handler, filter)
}

// Seed loads a warm-start snapshot for accountID without emitting any
// events, establishing the baseline a restart should diff against.
func (t *Tracker) Seed(accountID string, positions []Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshots[accountID] = toMap(positions)
}

// OnPositionUpdate diffs the new snapshot against the stored one for
// accountID, emits one event per changed position key, then atomically
// replaces the snapshot, spec §4.7.
func (t *Tracker) OnPositionUpdate(accountID string, positions []Position) {
	newMap := toMap(positions)

	t.mu.Lock()
	oldMap := t.snapshots[accountID]
	t.mu.Unlock()

	for key, oldPos := range oldMap {
		if _, stillPresent := newMap[key]; !stillPresent {
			t.publish(accountID, events.PositionClosed, key, &oldPos, nil, map[string]string{"reason": "position_not_in_update"})
		}
	}

	for key, newPos := range newMap {
		oldPos, existed := oldMap[key]
		if !existed {
			t.publish(accountID, events.PositionOpened, key, nil, &newPos, nil)
			continue
		}

		delta := newPos.Quantity - oldPos.Quantity
		switch {
		case delta > 0:
			t.publish(accountID, events.PositionIncreased, key, &oldPos, &newPos, nil)
		case delta < 0:
			t.publish(accountID, events.PositionReduced, key, &oldPos, &newPos, nil)
		default:
			if meaningfullyChanged(oldPos, newPos) {
				t.publish(accountID, events.PositionUpdated, key, &oldPos, &newPos, nil)
			}
		}
	}

	t.mu.Lock()
	t.snapshots[accountID] = newMap
	t.mu.Unlock()
}

func meaningfullyChanged(old, current Position) bool {
	if old.PNL != current.PNL || old.DayPNL != current.DayPNL {
		return true
	}
	if old.LastPrice == 0 {
		return current.LastPrice != 0
	}
	change := (current.LastPrice - old.LastPrice) / old.LastPrice
	if change < 0 {
		change = -change
	}
	return change > priceChangeThreshold
}

func (t *Tracker) publish(accountID string, eventType events.EventType, key positionKey, before, after *Position, metadata map[string]string) {
	data := &events.PositionEventData{
		Kind:          eventType,
		AccountID:     accountID,
		TradingSymbol: key.TradingSymbol,
		Exchange:      key.Exchange,
		Product:       key.Product,
		Metadata:      metadata,
	}

	if before != nil {
		data.QuantityBefore = before.Quantity
		snap := toSnapshot(accountID, *before)
		data.PreviousPosition = &snap
	}
	if after != nil {
		data.QuantityAfter = after.Quantity
		snap := toSnapshot(accountID, *after)
		data.CurrentPosition = &snap
	}
	data.QuantityDelta = data.QuantityAfter - data.QuantityBefore

	t.bus.Publish(events.EventWithData{
		Type:      eventType,
		Timestamp: time.Now(),
		Module:    "position_tracker",
		Data:      data,
	})
}

func toMap(positions []Position) map[positionKey]Position {
	out := make(map[positionKey]Position, len(positions))
	for _, p := range positions {
		out[keyOf(p)] = p
	}
	return out
}

func toSnapshot(accountID string, p Position) events.PositionSnapshot {
	return events.PositionSnapshot{
		AccountID:     accountID,
		TradingSymbol: p.TradingSymbol,
		Exchange:      p.Exchange,
		Product:       p.Product,
		Quantity:      p.Quantity,
		AveragePrice:  p.AveragePrice,
		LastPrice:     p.LastPrice,
		PNL:           p.PNL,
		DayPNL:        p.DayPNL,
	}
}
