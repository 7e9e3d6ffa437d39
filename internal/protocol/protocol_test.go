package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FloorBoard/internal/grid"
	"FloorBoard/internal/state"
)

func TestEnvelope_WireShape(t *testing.T) {
	env, err := NewEnvelope(TypeProposeUpdate, "req-1", "site-a", UpdateRequest{
		ElementID: "e1",
		Position:  grid.Cell{Col: 2, Row: 3},
		Marker:    7,
	})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, "proposeUpdate", generic["type"])
	assert.Equal(t, "req-1", generic["request_id"])
	payload := generic["payload"].(map[string]any)
	assert.Equal(t, map[string]any{"x": 2.0, "y": 3.0}, payload["position"])
}

func TestEvent_DecodeRemotePayload(t *testing.T) {
	raw := `{"type":"elementUpdated","origin":"site-b","marker":4,
		"payload":{"id":"e1","type":"TABLE_RECT_2","position":{"x":3.0,"y":1.0},"rotation":90}}`
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	assert.True(t, env.IsEvent())

	ev := EventFromEnvelope(env)
	assert.Equal(t, uint64(4), ev.Marker)

	var el state.Element
	require.NoError(t, ev.Decode(&el))
	assert.Equal(t, grid.Cell{Col: 3, Row: 1}, el.Position)
	assert.Equal(t, state.TableRect2, el.Type)
}

func TestEnvelope_DecodeEmptyPayload(t *testing.T) {
	var z ZoneDeleted
	assert.Error(t, Envelope{Type: EventZoneDeleted}.Decode(&z))
	assert.False(t, Envelope{Type: TypeResponse}.IsEvent())
}
