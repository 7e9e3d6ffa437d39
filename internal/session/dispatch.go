package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"FloorBoard/internal/protocol"
	"FloorBoard/internal/state"
)

func (s *Session) dispatch(ctx context.Context, cmd Command) (Result, error) {
	switch c := cmd.(type) {
	case AddElement:
		return s.addElement(ctx, c)
	case BeginEdit:
		err := s.editor.BeginEdit(c.ElementID)
		return Result{}, err
	case MoveElement:
		err := s.editor.ProposeMove(c.ElementID, c.Cell)
		s.syncObject(c.ElementID)
		return Result{}, err
	case RotateElement:
		return Result{}, s.editor.Rotate(c.ElementID, c.Degrees)
	case SubmitEdit:
		req, err := s.editor.Submit(c.ElementID)
		if err != nil {
			return Result{}, err
		}
		s.sendUpdate(ctx, req)
		return Result{}, nil
	case CancelEdit:
		s.editor.Rollback(c.ElementID)
		s.syncObject(c.ElementID)
		return Result{}, nil
	case RemoveElement:
		req, err := s.editor.PrepareRemove(c.ElementID)
		if err != nil {
			return Result{}, err
		}
		s.sendUpdate(ctx, req)
		return Result{}, nil
	case ResizeElement:
		req, err := s.editor.ResizeElement(c.ElementID, c.Width, c.Height)
		if err != nil {
			return Result{}, err
		}
		s.syncObject(c.ElementID)
		s.sendUpdate(ctx, req)
		return Result{}, nil
	case SplitTable:
		return s.splitTable(ctx, c)

	case CreateZone:
		req, err := s.editor.CreateZone(c.Name, c.Cell, c.Size)
		if err != nil {
			return Result{}, err
		}
		s.sendZone(ctx, req)
		return Result{ID: req.Zone.ID}, nil
	case MoveZone:
		return s.zoneEdit(ctx)(s.editor.MoveZone(c.ZoneID, c.Cell))
	case ResizeZone:
		return s.zoneEdit(ctx)(s.editor.ResizeZone(c.ZoneID, c.Width, c.Height))
	case RecolorZone:
		return s.zoneEdit(ctx)(s.editor.RecolorZone(c.ZoneID))
	case RenameZone:
		return s.zoneEdit(ctx)(s.editor.RenameZone(c.ZoneID, c.Name))
	case AssignServer:
		return s.zoneEdit(ctx)(s.editor.AssignServer(c.ZoneID, c.ServerID))
	case UnassignServer:
		return s.zoneEdit(ctx)(s.editor.UnassignServer(c.ZoneID, c.ServerID))
	case DeleteZone:
		return s.zoneEdit(ctx)(s.editor.DeleteZone(c.ZoneID))

	case AcceptTableUpdate:
		dec, err := s.editor.AcceptTableUpdate(c.RequestID)
		if err != nil {
			return Result{}, err
		}
		for _, id := range dec.ElementIDs {
			s.syncObject(id)
		}
		s.sendDecision(ctx, dec)
		return Result{}, nil
	case RejectTableUpdate:
		dec, err := s.editor.RejectTableUpdate(c.RequestID)
		if err != nil {
			return Result{}, err
		}
		s.sendDecision(ctx, dec)
		return Result{}, nil

	case AddGuideline:
		g := s.guides.AddGuideline(c.Orientation, c.Position)
		return Result{ID: g.ID}, nil
	case MoveGuideline:
		return Result{}, s.moveGuideline(ctx, c)
	case DeleteGuideline:
		_, err := s.guides.DeleteGuideline(c.GuidelineID)
		return Result{}, err
	case AttachGuideline:
		if _, ok := s.room.Element(c.ElementID); !ok {
			return Result{}, fmt.Errorf("attach: unknown element %s", c.ElementID)
		}
		s.syncObject(c.ElementID)
		return Result{}, s.guides.Attach(c.ElementID, c.GuidelineID)
	case DetachGuideline:
		s.guides.Detach(c.ElementID)
		return Result{}, nil
	case BeginDrag:
		return Result{}, s.beginDrag(c.ElementIDs)
	case DragBy:
		return s.dragBy(c)
	case EndDrag:
		return s.endDrag(ctx)
	case CancelDrag:
		s.cancelDrag()
		return Result{}, nil

	case GetRoom:
		room := s.room.Clone()
		return Result{Room: &room}, nil
	case GetMergedTables:
		return Result{Merged: s.editor.MergedTables()}, nil
	case GetWaiters:
		return Result{Waiters: s.waiters.List()}, nil
	case GetTableUpdates:
		return Result{Pending: s.editor.PendingTableUpdates()}, nil
	case GetTablePreview:
		p, ok := s.editor.TablePreview(c.RequestID)
		if !ok {
			return Result{}, nil
		}
		return Result{Preview: &p}, nil
	case GetGuidelines:
		return Result{Guidelines: s.guides.Guidelines()}, nil
	case GetElementPhase:
		return Result{Phase: s.editor.Phase(c.ElementID)}, nil
	}
	return Result{}, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
}

func (s *Session) addElement(ctx context.Context, c AddElement) (Result, error) {
	res, err := s.editor.PrepareAdd(c.Type, c.Cell, c.Rotation)
	if err != nil {
		return Result{}, err
	}
	if res.Warning != nil {
		s.log.Warn("element placed without a free cell", zap.Error(res.Warning))
	}
	req := res.Request
	if req.ElementID == "" {
		req.ElementID = uuid.NewString()
	}
	s.sendAdd(ctx, req, nil)
	return Result{ID: req.ElementID, Warning: res.Warning}, nil
}

func (s *Session) splitTable(ctx context.Context, c SplitTable) (Result, error) {
	res, err := s.editor.Split(c.ElementID)
	if err != nil {
		return Result{}, err
	}
	s.syncObject(c.ElementID)
	s.sendUpdate(ctx, res.Update)
	s.sendAdd(ctx, res.Add, func(err error) {
		s.log.Warn("table split left incomplete: original stays two-seat",
			zap.String("element_id", c.ElementID),
			zap.String("new_element_id", res.Add.ElementID),
			zap.Error(err))
	})
	return Result{ID: res.Add.ElementID, Warning: res.Warning}, nil
}

func (s *Session) sendUpdate(ctx context.Context, req protocol.UpdateRequest) {
	var resp protocol.UpdateResponse
	s.request(ctx, req.ElementID, req.Marker, func(ctx context.Context) (err error) {
		resp, err = s.auth.ProposeUpdate(ctx, req)
		return err
	}, func(err error) {
		switch {
		case err != nil:
			s.log.Warn("update not confirmed, rolling back", zap.String("element_id", req.ElementID), zap.Error(err))
			s.editor.Rollback(req.ElementID)
		case !resp.Accepted:
			s.log.Info("update rejected", zap.String("element_id", req.ElementID), zap.String("reason", resp.Reason))
			s.editor.Rollback(req.ElementID)
		default:
			if err := s.editor.Commit(req.ElementID); err != nil {
				s.log.Warn("commit after confirmation failed", zap.String("element_id", req.ElementID), zap.Error(err))
			}
		}
		if resp.UpdatedRoom != nil {
			s.rec.ApplyFullSnapshot(*resp.UpdatedRoom)
		}
		s.syncObject(req.ElementID)
	})
}

// sendAdd proposes a new element. failed, when set, runs after a failure
// or rejection.
func (s *Session) sendAdd(ctx context.Context, req protocol.AddRequest, failed func(error)) {
	var resp protocol.AddResponse
	s.request(ctx, req.ElementID, req.Marker, func(ctx context.Context) (err error) {
		resp, err = s.auth.ProposeAdd(ctx, req)
		return err
	}, func(err error) {
		if err == nil && !resp.Accepted {
			err = fmt.Errorf("add rejected: %s", resp.Reason)
		}
		if err != nil {
			s.log.Warn("add not confirmed", zap.String("element_id", req.ElementID), zap.Error(err))
			if failed != nil {
				failed(err)
			}
		}
		switch {
		case resp.UpdatedRoom != nil:
			s.rec.ApplyFullSnapshot(*resp.UpdatedRoom)
		case err == nil && resp.ConfirmedElement != nil:
			s.editor.ConfirmAdd(*resp.ConfirmedElement)
			s.syncObject(resp.ConfirmedElement.ID)
		}
	})
}

func (s *Session) zoneEdit(ctx context.Context) func(protocol.ZoneRequest, error) (Result, error) {
	return func(req protocol.ZoneRequest, err error) (Result, error) {
		if err != nil {
			return Result{}, err
		}
		s.sendZone(ctx, req)
		return Result{}, nil
	}
}

func (s *Session) sendZone(ctx context.Context, req protocol.ZoneRequest) {
	var resp protocol.ZoneResponse
	id := req.Zone.ID
	s.request(ctx, id, req.Marker, func(ctx context.Context) (err error) {
		resp, err = s.auth.ProposeZone(ctx, req)
		return err
	}, func(err error) {
		if err == nil && resp.Accepted {
			s.editor.ConfirmZone(id, resp.Zone)
			return
		}
		if err == nil {
			err = fmt.Errorf("zone %s rejected: %s", req.Op, resp.Reason)
		}
		s.log.Warn("zone edit not confirmed, rolling back", zap.String("zone_id", id), zap.Error(err))
		s.editor.RejectZone(id)
	})
}

func (s *Session) sendDecision(ctx context.Context, dec protocol.TableUpdateDecision) {
	s.request(ctx, dec.RequestID, 0, func(ctx context.Context) error {
		return s.auth.RespondTableUpdate(ctx, dec)
	}, func(err error) {
		if err != nil {
			s.log.Warn("table update decision not delivered",
				zap.String("request_id", dec.RequestID),
				zap.Bool("accepted", dec.Accepted),
				zap.Error(err))
		}
	})
}

// stateElement is a copy of the element with the given id.
func (s *Session) stateElement(id string) (state.Element, bool) {
	el, ok := s.room.Element(id)
	if !ok {
		return state.Element{}, false
	}
	return *el, true
}
