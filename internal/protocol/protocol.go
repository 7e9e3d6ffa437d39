// Package protocol defines the messages exchanged with the remote layout
// authority: request/response pairs and the push event stream.
package protocol

import (
	"encoding/json"
	"fmt"

	"FloorBoard/internal/grid"
	"FloorBoard/internal/state"
)

// Request and response envelope types.
const (
	TypeFetchRoom           = "fetchRoom"
	TypeProposeAdd          = "proposeAdd"
	TypeProposeUpdate       = "proposeUpdate"
	TypeProposeZone         = "proposeZone"
	TypeTableUpdateDecision = "tableUpdateDecision"
	TypeTableUpdateRequest  = "tableUpdateRequest"
	TypeResponse            = "response"
)

// Push event types.
const (
	EventElementUpdated              = "elementUpdated"
	EventRoomUpdated                 = "roomUpdated"
	EventZoneCreated                 = "zoneCreated"
	EventZoneUpdated                 = "zoneUpdated"
	EventZoneDeleted                 = "zoneDeleted"
	EventTableUpdateRequestBroadcast = "tableUpdateRequestBroadcast"
	EventTableUpdateDecided          = "tableUpdateDecided"
	EventWaiterConnected             = "waiterConnected"
	EventWaiterDisconnected          = "waiterDisconnected"
	EventRoomData                    = "roomData"
)

// Envelope is the single JSON frame sent over the wire in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Marker    uint64          `json:"marker,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(typ, requestID, origin string, payload any) (Envelope, error) {
	env := Envelope{Type: typ, RequestID: requestID, Origin: origin}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// IsEvent reports whether the envelope is a push event rather than a
// request or response.
func (e Envelope) IsEvent() bool {
	switch e.Type {
	case TypeFetchRoom, TypeProposeAdd, TypeProposeUpdate, TypeProposeZone,
		TypeTableUpdateDecision, TypeTableUpdateRequest, TypeResponse:
		return false
	}
	return true
}

// Event is one inbound push message.
type Event struct {
	Type    string
	Origin  string // site id of the client whose action caused the event
	Marker  uint64 // edit marker of that action, when known
	Payload json.RawMessage
}

// NewEvent builds an event with a marshalled payload.
func NewEvent(typ, origin string, marker uint64, payload any) (Event, error) {
	env, err := NewEnvelope(typ, "", origin, payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, Origin: origin, Marker: marker, Payload: env.Payload}, nil
}

// EventFromEnvelope converts a received push envelope.
func EventFromEnvelope(env Envelope) Event {
	return Event{Type: env.Type, Origin: env.Origin, Marker: env.Marker, Payload: env.Payload}
}

// Envelope converts the event back into a wire frame.
func (e Event) Envelope() Envelope {
	return Envelope{Type: e.Type, Origin: e.Origin, Marker: e.Marker, Payload: e.Payload}
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return e.Envelope().Decode(v)
}

// AddRequest proposes a new element.
type AddRequest struct {
	ElementID string            `json:"element_id,omitempty"` // client-chosen id, optional
	Type      state.ElementType `json:"type"`
	Position  grid.Cell         `json:"position"`
	Size      grid.Size         `json:"size"`
	Rotation  float64           `json:"rotation"`
	Marker    uint64            `json:"marker"`
}

// AddResponse carries either the confirmed element or a full room to resync from.
type AddResponse struct {
	Accepted         bool           `json:"accepted"`
	ConfirmedElement *state.Element `json:"confirmed_element,omitempty"`
	UpdatedRoom      *state.Room    `json:"updated_room,omitempty"`
	Reason           string         `json:"reason,omitempty"`
}

// UpdateRequest proposes a move, rotation, retype or removal of one element.
type UpdateRequest struct {
	ElementID string            `json:"element_id"`
	Type      state.ElementType `json:"type,omitempty"`
	Position  grid.Cell         `json:"position"`
	Size      grid.Size         `json:"size"`
	Rotation  float64           `json:"rotation"`
	Remove    bool              `json:"remove,omitempty"`
	Marker    uint64            `json:"marker"`
}

type UpdateResponse struct {
	Accepted    bool        `json:"accepted"`
	UpdatedRoom *state.Room `json:"updated_room,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// ZoneOp names a zone mutation.
type ZoneOp string

const (
	ZoneCreate ZoneOp = "create"
	ZoneUpdate ZoneOp = "update"
	ZoneDelete ZoneOp = "delete"
)

type ZoneRequest struct {
	Op     ZoneOp     `json:"op"`
	Zone   state.Zone `json:"zone"`
	Marker uint64     `json:"marker"`
}

type ZoneResponse struct {
	Accepted bool        `json:"accepted"`
	Zone     *state.Zone `json:"zone,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}

// ZoneDeleted is the payload of a zoneDeleted event.
type ZoneDeleted struct {
	ZoneID string `json:"zone_id"`
}

// WaiterDisconnected is the payload of a waiterDisconnected event.
type WaiterDisconnected struct {
	WaiterID string `json:"waiter_id"`
}

// TableChange is one proposed element change inside a table-update batch.
type TableChange struct {
	ElementID string            `json:"element_id"`
	Type      state.ElementType `json:"type,omitempty"`
	Position  grid.Cell         `json:"position"`
	Rotation  float64           `json:"rotation"`
}

// TableUpdateRequest is a batch of changes proposed by a third party,
// broadcast for approval.
type TableUpdateRequest struct {
	RequestID   string        `json:"request_id"`
	RequesterID string        `json:"requester_id"`
	Changes     []TableChange `json:"changes"`
}

// TableUpdateDecision answers a TableUpdateRequest.
type TableUpdateDecision struct {
	RequestID  string   `json:"request_id"`
	Accepted   bool     `json:"accepted"`
	ElementIDs []string `json:"element_ids"`
}
