package session

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"FloorBoard/internal/guide"
)

// moveGuideline moves a guideline and turns every attached element that
// landed on a new cell into an element edit.
func (s *Session) moveGuideline(ctx context.Context, c MoveGuideline) error {
	moved, err := s.guides.MoveGuideline(c.GuidelineID, c.Position)
	if err != nil {
		return err
	}
	for _, m := range moved {
		el, ok := s.stateElement(m.ObjectID)
		if !ok {
			continue
		}
		cell := s.cellAt(el, m.Center)
		if cell == el.Position {
			continue
		}
		if s.editor.IsEditing(el.ID) {
			s.log.Debug("attached element busy, not following guideline", zap.String("element_id", el.ID))
			continue
		}
		if err := s.editor.BeginEdit(el.ID); err != nil {
			return err
		}
		if err := s.editor.ProposeMove(el.ID, cell); err != nil {
			s.log.Info("attached element cannot follow guideline",
				zap.String("element_id", el.ID),
				zap.Stringer("cell", cell),
				zap.Error(err))
			s.editor.Rollback(el.ID)
			continue
		}
		req, err := s.editor.Submit(el.ID)
		if err != nil {
			return err
		}
		s.sendUpdate(ctx, req)
	}
	return nil
}

func (s *Session) beginDrag(ids []string) error {
	if err := s.guides.BeginDrag(ids...); err != nil {
		return err
	}
	for i, id := range ids {
		if err := s.editor.BeginEdit(id); err != nil {
			for _, begun := range ids[:i] {
				s.editor.Rollback(begun)
			}
			s.guides.CancelDrag()
			return err
		}
	}
	s.dragging = append([]string(nil), ids...)
	return nil
}

func (s *Session) dragBy(c DragBy) (Result, error) {
	res, err := s.guides.DragBy(c.Delta, s.now())
	if err != nil {
		return Result{}, err
	}
	s.follow(res)
	return Result{Drag: &res}, nil
}

// follow moves each dragged element to the cell under its snapped center.
// Members of a group may need each other's old cells, so failed moves are
// retried while any move succeeds. A cell that stays taken or off the grid
// leaves the element where its edit began.
func (s *Session) follow(res guide.DragResult) {
	pending := make([]string, 0, len(res.Centers))
	for id := range res.Centers {
		pending = append(pending, id)
	}
	sort.Strings(pending)
	for len(pending) > 0 {
		var failed []string
		var lastErr error
		for _, id := range pending {
			el, ok := s.stateElement(id)
			if !ok {
				continue
			}
			if err := s.editor.ProposeMove(id, s.cellAt(el, res.Centers[id])); err != nil {
				failed = append(failed, id)
				lastErr = err
			}
		}
		if len(failed) == len(pending) {
			s.log.Debug("drag step over illegal cells", zap.Strings("element_ids", failed), zap.Error(lastErr))
			return
		}
		pending = failed
	}
}

func (s *Session) endDrag(ctx context.Context) (Result, error) {
	res, err := s.guides.EndDrag()
	if err != nil {
		return Result{}, err
	}
	s.follow(res)
	ids := s.dragging
	s.dragging = nil
	var errs []error
	for _, id := range ids {
		req, err := s.editor.Submit(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.syncObject(id)
		s.sendUpdate(ctx, req)
	}
	return Result{Drag: &res}, errors.Join(errs...)
}

// cancelDrag puts the dragged selection back. Safe without a drag.
func (s *Session) cancelDrag() {
	s.guides.CancelDrag()
	ids := s.dragging
	s.dragging = nil
	for _, id := range ids {
		s.editor.Rollback(id)
		s.syncObject(id)
	}
}
