package session

import (
	"context"

	"FloorBoard/internal/protocol"
	"FloorBoard/internal/state"
)

// Authority is the remote source of truth for a room. Every call may block
// for as long as ctx allows.
type Authority interface {
	FetchRoom(ctx context.Context) (state.Room, error)
	ProposeAdd(ctx context.Context, req protocol.AddRequest) (protocol.AddResponse, error)
	ProposeUpdate(ctx context.Context, req protocol.UpdateRequest) (protocol.UpdateResponse, error)
	ProposeZone(ctx context.Context, req protocol.ZoneRequest) (protocol.ZoneResponse, error)
	RespondTableUpdate(ctx context.Context, dec protocol.TableUpdateDecision) error
	// Events delivers push events until the connection ends, then closes.
	Events() <-chan protocol.Event
}
