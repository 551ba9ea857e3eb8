package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionEventData_MarshalRoundTrip(t *testing.T) {
	data := PositionEventData{
		Kind:           PositionClosed,
		AccountID:      "ACC1",
		TradingSymbol:  "NIFTY24NOV24000CE",
		Exchange:       "NFO",
		Product:        "NRML",
		QuantityBefore: 50,
		QuantityAfter:  0,
		QuantityDelta:  -50,
		PreviousPosition: &PositionSnapshot{
			AccountID:     "ACC1",
			TradingSymbol: "NIFTY24NOV24000CE",
			Exchange:      "NFO",
			Product:       "NRML",
			Quantity:      50,
		},
		Metadata: map[string]string{"reason": "position_not_in_update"},
	}

	jsonData, err := json.Marshal(&data)
	require.NoError(t, err)
	assert.Contains(t, string(jsonData), "NIFTY24NOV24000CE")
	assert.Contains(t, string(jsonData), "position_not_in_update")

	var unmarshaled PositionEventData
	require.NoError(t, json.Unmarshal(jsonData, &unmarshaled))
	assert.Equal(t, data.AccountID, unmarshaled.AccountID)
	assert.Equal(t, data.QuantityDelta, unmarshaled.QuantityDelta)
	assert.Equal(t, PositionClosed, unmarshaled.EventType())
}

func TestEventWithData_MarshalUnmarshal(t *testing.T) {
	ev := EventWithData{
		Type:      PositionOpened,
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Module:    "position_tracker",
		Data: &PositionEventData{
			Kind:          PositionOpened,
			AccountID:     "ACC1",
			TradingSymbol: "NIFTY24NOV24000CE",
			Exchange:      "NFO",
			Product:       "NRML",
			QuantityAfter: 50,
			QuantityDelta: 50,
		},
	}

	raw, err := json.Marshal(&ev)
	require.NoError(t, err)

	var decoded EventWithData
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, PositionOpened, decoded.Type)
	assert.Equal(t, "position_tracker", decoded.Module)

	posData, ok := decoded.Data.(*PositionEventData)
	require.True(t, ok)
	assert.Equal(t, "ACC1", posData.AccountID)
	assert.Equal(t, 50.0, posData.QuantityDelta)
}

func TestEventWithData_UnknownTypeFallsBackToGeneric(t *testing.T) {
	raw := []byte(`{"type":"something.custom","timestamp":"2024-01-01T00:00:00Z","module":"x","data":{"foo":"bar"}}`)

	var decoded EventWithData
	require.NoError(t, json.Unmarshal(raw, &decoded))

	generic, ok := decoded.Data.(*GenericEventData)
	require.True(t, ok)
	assert.Equal(t, "bar", generic.Data["foo"])
}

func TestSettingsChangedData(t *testing.T) {
	data := SettingsChangedData{Key: "broker_api_key", Value: "abc123"}

	raw, err := json.Marshal(&data)
	require.NoError(t, err)

	var unmarshaled SettingsChangedData
	require.NoError(t, json.Unmarshal(raw, &unmarshaled))
	assert.Equal(t, data.Key, unmarshaled.Key)
	assert.Equal(t, SettingsChanged, unmarshaled.EventType())
}
