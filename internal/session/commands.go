package session

import (
	"fyne.io/fyne/v2"

	"FloorBoard/internal/editor"
	"FloorBoard/internal/grid"
	"FloorBoard/internal/guide"
	"FloorBoard/internal/state"
)

// Command is an intent issued by the presentation layer.
type Command interface {
	command()
}

// Element commands.
type (
	AddElement struct {
		Type     state.ElementType
		Cell     grid.Cell
		Rotation float64
	}
	BeginEdit struct {
		ElementID string
	}
	MoveElement struct {
		ElementID string
		Cell      grid.Cell
	}
	RotateElement struct {
		ElementID string
		Degrees   float64
	}
	// SubmitEdit sends the dragged element's new placement to the authority.
	SubmitEdit struct {
		ElementID string
	}
	// CancelEdit undoes a local edit. Unknown or idle elements are ignored.
	CancelEdit struct {
		ElementID string
	}
	RemoveElement struct {
		ElementID string
	}
	ResizeElement struct {
		ElementID     string
		Width, Height float64 // in cells, before rounding
	}
	SplitTable struct {
		ElementID string
	}
)

// Zone commands.
type (
	CreateZone struct {
		Name string
		Cell grid.Cell
		Size grid.Size
	}
	MoveZone struct {
		ZoneID string
		Cell   grid.Cell
	}
	ResizeZone struct {
		ZoneID        string
		Width, Height float64
	}
	RecolorZone struct {
		ZoneID string
	}
	RenameZone struct {
		ZoneID string
		Name   string
	}
	AssignServer struct {
		ZoneID   string
		ServerID string
	}
	UnassignServer struct {
		ZoneID   string
		ServerID string
	}
	DeleteZone struct {
		ZoneID string
	}
)

// Table-update approval commands.
type (
	AcceptTableUpdate struct {
		RequestID string
	}
	RejectTableUpdate struct {
		RequestID string
	}
)

// Guideline commands.
type (
	AddGuideline struct {
		Orientation guide.Orientation
		Position    float32
	}
	MoveGuideline struct {
		GuidelineID string
		Position    float32
	}
	DeleteGuideline struct {
		GuidelineID string
	}
	AttachGuideline struct {
		ElementID   string
		GuidelineID string
	}
	DetachGuideline struct {
		ElementID string
	}
	// BeginDrag starts a snapping drag of one element or a group.
	BeginDrag struct {
		ElementIDs []string
	}
	// DragBy moves the dragged selection by Delta canvas units from where
	// the drag began.
	DragBy struct {
		Delta fyne.Position
	}
	EndDrag    struct{}
	CancelDrag struct{}
)

// Queries.
type (
	GetRoom         struct{}
	GetMergedTables struct{}
	GetWaiters      struct{}
	GetTableUpdates struct{}
	GetTablePreview struct{ RequestID string }
	GetGuidelines   struct{}
	GetElementPhase struct{ ElementID string }
)

func (AddElement) command()        {}
func (BeginEdit) command()         {}
func (MoveElement) command()       {}
func (RotateElement) command()     {}
func (SubmitEdit) command()        {}
func (CancelEdit) command()        {}
func (RemoveElement) command()     {}
func (ResizeElement) command()     {}
func (SplitTable) command()        {}
func (CreateZone) command()        {}
func (MoveZone) command()          {}
func (ResizeZone) command()        {}
func (RecolorZone) command()       {}
func (RenameZone) command()        {}
func (AssignServer) command()      {}
func (UnassignServer) command()    {}
func (DeleteZone) command()        {}
func (AcceptTableUpdate) command() {}
func (RejectTableUpdate) command() {}
func (AddGuideline) command()      {}
func (MoveGuideline) command()     {}
func (DeleteGuideline) command()   {}
func (AttachGuideline) command()   {}
func (DetachGuideline) command()   {}
func (BeginDrag) command()         {}
func (DragBy) command()            {}
func (EndDrag) command()           {}
func (CancelDrag) command()        {}
func (GetRoom) command()           {}
func (GetMergedTables) command()   {}
func (GetWaiters) command()        {}
func (GetTableUpdates) command()   {}
func (GetTablePreview) command()   {}
func (GetGuidelines) command()     {}
func (GetElementPhase) command()   {}

// Result is what a command produced besides an error.
type Result struct {
	// ID of the entity the command created, when it created one.
	ID string
	// Warning is a soft failure, such as editor.ErrNoFreeCell.
	Warning error

	Room       *state.Room
	Merged     []editor.MergedTableView
	Waiters    []state.Waiter
	Pending    []string
	Preview    *editor.TablePreview
	Guidelines []guide.Guideline
	Drag       *guide.DragResult
	Phase      editor.Phase
}
