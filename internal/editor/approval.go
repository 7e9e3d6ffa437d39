package editor

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"FloorBoard/internal/protocol"
	"FloorBoard/internal/state"
)

type approval struct {
	req     protocol.TableUpdateRequest
	changes map[string]protocol.TableChange
}

// TablePreview is the non-committing view of a proposed batch.
type TablePreview struct {
	RequestID string
	Proposed  []state.Element
	// Skipped lists elements left out because they were unknown or already
	// being edited.
	Skipped []string
}

// PreviewTableUpdate flags every element of a third-party batch as being
// edited on behalf of the requester and returns how the elements would
// look. Nothing in the room moves until the batch is accepted. A repeated
// broadcast of the same request returns the existing preview.
func (ed *Editor) PreviewTableUpdate(req protocol.TableUpdateRequest) TablePreview {
	if a, ok := ed.approval[req.RequestID]; ok {
		return ed.preview(a, nil)
	}
	a := &approval{req: req, changes: make(map[string]protocol.TableChange, len(req.Changes))}
	var skipped []string
	for _, ch := range req.Changes {
		if err := ed.begin(ch.ElementID, req.RequesterID); err != nil {
			skipped = append(skipped, ch.ElementID)
			ed.log.Debug("table update change skipped",
				zap.String("request_id", req.RequestID),
				zap.String("element_id", ch.ElementID),
				zap.Error(err))
			continue
		}
		ed.edits[ch.ElementID].Phase = PendingConfirm
		a.changes[ch.ElementID] = ch
	}
	ed.approval[req.RequestID] = a
	return ed.preview(a, skipped)
}

func (ed *Editor) preview(a *approval, skipped []string) TablePreview {
	p := TablePreview{RequestID: a.req.RequestID, Skipped: skipped}
	for _, id := range a.ids() {
		el, ok := ed.room.Element(id)
		if !ok {
			continue
		}
		p.Proposed = append(p.Proposed, applyChange(*el, a.changes[id]))
	}
	return p
}

// TablePreview returns the preview of a batch awaiting a decision.
func (ed *Editor) TablePreview(requestID string) (TablePreview, bool) {
	a, ok := ed.approval[requestID]
	if !ok {
		return TablePreview{}, false
	}
	return ed.preview(a, nil), true
}

// PendingTableUpdates returns the ids of batches awaiting a decision.
func (ed *Editor) PendingTableUpdates() []string {
	ids := make([]string, 0, len(ed.approval))
	for id := range ed.approval {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AcceptTableUpdate commits every change of a batch whose element is still
// held by the batch and returns the confirmation to send.
func (ed *Editor) AcceptTableUpdate(requestID string) (protocol.TableUpdateDecision, error) {
	a, ok := ed.approval[requestID]
	if !ok {
		return protocol.TableUpdateDecision{}, fmt.Errorf("%w: %s", ErrUnknownApproval, requestID)
	}
	delete(ed.approval, requestID)

	dec := protocol.TableUpdateDecision{RequestID: requestID, Accepted: true}
	for _, id := range a.ids() {
		if !ed.heldBy(id, a.req.RequesterID) {
			continue
		}
		delete(ed.edits, id)
		if el, ok := ed.room.Element(id); ok {
			*el = applyChange(*el, a.changes[id])
			el.IsBeingEdited = false
			if err := ed.occ.Register(el.Position, id); err != nil {
				ed.log.Warn("accepted change overlaps another element", zap.String("element_id", id), zap.Error(err))
			}
		}
		dec.ElementIDs = append(dec.ElementIDs, id)
		ed.resolved(id, true)
	}
	return dec, nil
}

// RejectTableUpdate discards a batch and returns the rejection to send.
func (ed *Editor) RejectTableUpdate(requestID string) (protocol.TableUpdateDecision, error) {
	a, ok := ed.approval[requestID]
	if !ok {
		return protocol.TableUpdateDecision{}, fmt.Errorf("%w: %s", ErrUnknownApproval, requestID)
	}
	delete(ed.approval, requestID)

	dec := protocol.TableUpdateDecision{RequestID: requestID}
	for _, id := range a.ids() {
		if !ed.heldBy(id, a.req.RequesterID) {
			continue
		}
		ed.Rollback(id)
		dec.ElementIDs = append(dec.ElementIDs, id)
	}
	return dec, nil
}

// SettleTableUpdate forgets a batch decided by another client. Elements
// the batch still holds are released untouched; the authority sends the
// accepted changes as element updates. It reports false for an unknown
// batch.
func (ed *Editor) SettleTableUpdate(requestID string) ([]string, bool) {
	a, ok := ed.approval[requestID]
	if !ok {
		return nil, false
	}
	delete(ed.approval, requestID)
	var released []string
	for _, id := range a.ids() {
		if ed.heldBy(id, a.req.RequesterID) {
			ed.Forget(id)
			released = append(released, id)
		}
	}
	return released, true
}

// DropTableUpdates settles every batch awaiting a decision and returns
// their ids.
func (ed *Editor) DropTableUpdates() []string {
	ids := ed.PendingTableUpdates()
	for _, id := range ids {
		ed.SettleTableUpdate(id)
	}
	return ids
}

func (ed *Editor) heldBy(id, initiator string) bool {
	e, ok := ed.edits[id]
	return ok && e.Initiator == initiator
}

func (a *approval) ids() []string {
	ids := make([]string, 0, len(a.changes))
	for id := range a.changes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func applyChange(el state.Element, ch protocol.TableChange) state.Element {
	el.Position = ch.Position
	el.Rotation = state.NormalizeRotation(ch.Rotation)
	if ch.Type != "" {
		el.Type = ch.Type
	}
	return el
}
