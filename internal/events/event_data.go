// Package events provides a small in-process publish/subscribe bus used to
// decouple the position tracker (C3) from its listeners, chiefly the
// order-cleanup worker, without either side holding a direct reference to
// the other.
package events

import (
	"encoding/json"
	"time"
)

// EventType discriminates the payload carried by an EventWithData.
type EventType string

const (
	// PositionOpened fires when a position key appears that was not present
	// in the previous snapshot for the account.
	PositionOpened EventType = "position.opened"
	// PositionIncreased fires when a position's quantity grows in magnitude.
	PositionIncreased EventType = "position.increased"
	// PositionReduced fires when a position's quantity shrinks in magnitude
	// without reaching zero.
	PositionReduced EventType = "position.reduced"
	// PositionClosed fires when a previously-held position key is absent
	// from the new snapshot.
	PositionClosed EventType = "position.closed"
	// PositionUpdated fires when quantity is unchanged but price or PNL
	// moved enough to be noteworthy.
	PositionUpdated EventType = "position.updated"

	// SettingsChanged identifies a write to a key in the generic settings
	// store. settings.Repository does not publish it when it writes; the
	// event travels on the bus only when a caller publishes it explicitly.
	SettingsChanged EventType = "settings.changed"
)

// EventData is implemented by every typed event payload.
type EventData interface {
	EventType() EventType
}

// PositionSnapshot is the position-tracker's view of one position key,
// carried on position events so listeners don't need a second lookup.
type PositionSnapshot struct {
	AccountID     string  `json:"account_id"`
	TradingSymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"`
	Product       string  `json:"product"`
	Quantity      float64 `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
	PNL           float64 `json:"pnl"`
	DayPNL        float64 `json:"day_pnl"`
}

// PositionEventData carries the full before/after shape of a single
// position-key transition, per spec §3.1 PositionEvent.
type PositionEventData struct {
	Kind            EventType         `json:"event_type"`
	AccountID       string            `json:"account_id"`
	TradingSymbol   string            `json:"tradingsymbol"`
	Exchange        string            `json:"exchange"`
	Product         string            `json:"product"`
	QuantityBefore  float64           `json:"quantity_before"`
	QuantityAfter   float64           `json:"quantity_after"`
	QuantityDelta   float64           `json:"quantity_delta"`
	CurrentPosition *PositionSnapshot `json:"current_position,omitempty"`
	PreviousPosition *PositionSnapshot `json:"previous_position,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// EventType returns the position event's kind.
func (d *PositionEventData) EventType() EventType {
	return d.Kind
}

// SettingsChangedData contains data for SettingsChanged events.
type SettingsChangedData struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// EventType returns the event type for SettingsChangedData.
func (d *SettingsChangedData) EventType() EventType {
	return SettingsChanged
}

// EventWithData is the envelope published on the bus.
type EventWithData struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// MarshalJSON customizes JSON serialization for EventWithData.
func (e *EventWithData) MarshalJSON() ([]byte, error) {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}

	return json.Marshal(aux)
}

// UnmarshalJSON customizes JSON deserialization for EventWithData.
func (e *EventWithData) UnmarshalJSON(data []byte) error {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	if len(aux.Data) == 0 {
		return nil
	}

	var eventData EventData
	switch aux.Type {
	case PositionOpened, PositionIncreased, PositionReduced, PositionClosed, PositionUpdated:
		eventData = &PositionEventData{}
	case SettingsChanged:
		eventData = &SettingsChangedData{}
	default:
		var rawData map[string]interface{}
		if err := json.Unmarshal(aux.Data, &rawData); err != nil {
			return err
		}
		e.Data = &GenericEventData{Type: aux.Type, Data: rawData}
		return nil
	}

	if err := json.Unmarshal(aux.Data, eventData); err != nil {
		return err
	}
	e.Data = eventData
	return nil
}

// GenericEventData is a fallback for events with no registered typed payload.
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData.
func (d *GenericEventData) EventType() EventType {
	return d.Type
}

// MarshalJSON customizes JSON serialization for GenericEventData.
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Data)
}

// UnmarshalJSON customizes JSON deserialization for GenericEventData.
func (d *GenericEventData) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &d.Data)
}
