package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"fyne.io/fyne/v2"

	"FloorBoard/internal/export"
	"FloorBoard/internal/grid"
	"FloorBoard/internal/guide"
	"FloorBoard/internal/session"
	"FloorBoard/internal/state"
)

var errUsage = errors.New("usage")

// exportCommand is handled by the console rather than the session.
type exportCommand struct{ path string }

// runConsole reads one command per line from in until it is exhausted or
// ctx ends. Command errors are printed, not returned.
func runConsole(ctx context.Context, s *session.Session, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmd, err := parseCommand(line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		if ex, ok := cmd.(exportCommand); ok {
			err = exportRoom(ctx, s, ex.path)
		} else {
			var res session.Result
			res, err = s.Dispatch(ctx, cmd.(session.Command))
			if err == nil {
				err = printResult(enc, out, cmd, res)
			}
		}
		if errors.Is(err, session.ErrStopped) || ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return sc.Err()
}

func exportRoom(ctx context.Context, s *session.Session, path string) error {
	res, err := s.Dispatch(ctx, session.GetRoom{})
	if err != nil {
		return err
	}
	return export.ExportPDF(path, *res.Room, s.Grid())
}

func printResult(enc *json.Encoder, out io.Writer, cmd any, res session.Result) error {
	if res.Warning != nil {
		fmt.Fprintf(out, "warning: %v\n", res.Warning)
	}
	if _, ok := cmd.(session.GetElementPhase); ok {
		fmt.Fprintln(out, res.Phase)
		return nil
	}
	var v any
	switch {
	case res.Room != nil:
		v = res.Room
	case res.Merged != nil:
		v = res.Merged
	case res.Waiters != nil:
		v = res.Waiters
	case res.Pending != nil:
		v = res.Pending
	case res.Preview != nil:
		v = res.Preview
	case res.Guidelines != nil:
		v = res.Guidelines
	case res.Drag != nil:
		v = res.Drag
	case res.ID != "":
		v = map[string]string{"id": res.ID}
	default:
		fmt.Fprintln(out, "ok")
		return nil
	}
	return enc.Encode(v)
}

// parseCommand turns one console line into a session command or an
// exportCommand.
func parseCommand(line string) (any, error) {
	f := strings.Fields(line)
	name, args := f[0], f[1:]
	p := &argParser{args: args}

	var cmd any
	switch name {
	case "add":
		cmd = session.AddElement{Type: state.ElementType(p.str()), Cell: p.cell(), Rotation: p.optFloat()}
	case "edit":
		cmd = session.BeginEdit{ElementID: p.str()}
	case "move":
		cmd = session.MoveElement{ElementID: p.str(), Cell: p.cell()}
	case "rotate":
		cmd = session.RotateElement{ElementID: p.str(), Degrees: p.float()}
	case "submit":
		cmd = session.SubmitEdit{ElementID: p.str()}
	case "cancel":
		cmd = session.CancelEdit{ElementID: p.str()}
	case "remove":
		cmd = session.RemoveElement{ElementID: p.str()}
	case "resize":
		cmd = session.ResizeElement{ElementID: p.str(), Width: p.float(), Height: p.float()}
	case "split":
		cmd = session.SplitTable{ElementID: p.str()}

	case "zone":
		cmd = session.CreateZone{Name: p.str(), Cell: p.cell(), Size: grid.Size{W: p.int(), H: p.int()}}
	case "zmove":
		cmd = session.MoveZone{ZoneID: p.str(), Cell: p.cell()}
	case "zresize":
		cmd = session.ResizeZone{ZoneID: p.str(), Width: p.float(), Height: p.float()}
	case "recolor":
		cmd = session.RecolorZone{ZoneID: p.str()}
	case "rename":
		cmd = session.RenameZone{ZoneID: p.str(), Name: p.rest()}
	case "assign":
		cmd = session.AssignServer{ZoneID: p.str(), ServerID: p.str()}
	case "unassign":
		cmd = session.UnassignServer{ZoneID: p.str(), ServerID: p.str()}
	case "zdelete":
		cmd = session.DeleteZone{ZoneID: p.str()}

	case "accept":
		cmd = session.AcceptTableUpdate{RequestID: p.str()}
	case "reject":
		cmd = session.RejectTableUpdate{RequestID: p.str()}

	case "guide":
		cmd = session.AddGuideline{Orientation: p.orientation(), Position: float32(p.float())}
	case "gmove":
		cmd = session.MoveGuideline{GuidelineID: p.str(), Position: float32(p.float())}
	case "gdelete":
		cmd = session.DeleteGuideline{GuidelineID: p.str()}
	case "attach":
		cmd = session.AttachGuideline{ElementID: p.str(), GuidelineID: p.str()}
	case "detach":
		cmd = session.DetachGuideline{ElementID: p.str()}
	case "drag":
		cmd = session.BeginDrag{ElementIDs: p.all()}
	case "dragby":
		cmd = session.DragBy{Delta: fyne.NewPos(float32(p.float()), float32(p.float()))}
	case "drop":
		cmd = session.EndDrag{}
	case "undrag":
		cmd = session.CancelDrag{}

	case "room":
		cmd = session.GetRoom{}
	case "merged":
		cmd = session.GetMergedTables{}
	case "waiters":
		cmd = session.GetWaiters{}
	case "pending":
		cmd = session.GetTableUpdates{}
	case "preview":
		cmd = session.GetTablePreview{RequestID: p.str()}
	case "guides":
		cmd = session.GetGuidelines{}
	case "phase":
		cmd = session.GetElementPhase{ElementID: p.str()}
	case "export":
		cmd = exportCommand{path: p.str()}
	default:
		return nil, fmt.Errorf("unknown command %q", name)
	}
	if p.err != nil {
		return nil, fmt.Errorf("%s: %w", name, p.err)
	}
	return cmd, nil
}

// argParser consumes positional arguments, remembering the first error.
type argParser struct {
	args []string
	err  error
}

func (p *argParser) next() (string, bool) {
	if len(p.args) == 0 {
		if p.err == nil {
			p.err = fmt.Errorf("%w: missing argument", errUsage)
		}
		return "", false
	}
	a := p.args[0]
	p.args = p.args[1:]
	return a, true
}

func (p *argParser) str() string {
	a, _ := p.next()
	return a
}

func (p *argParser) rest() string {
	if len(p.args) == 0 {
		return p.str()
	}
	s := strings.Join(p.args, " ")
	p.args = nil
	return s
}

func (p *argParser) all() []string {
	if len(p.args) == 0 {
		p.str()
		return nil
	}
	out := p.args
	p.args = nil
	return out
}

func (p *argParser) int() int {
	a, ok := p.next()
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(a)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%w: %q is not an integer", errUsage, a)
	}
	return n
}

func (p *argParser) float() float64 {
	a, ok := p.next()
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(a, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%w: %q is not a number", errUsage, a)
	}
	return f
}

func (p *argParser) optFloat() float64 {
	if len(p.args) == 0 {
		return 0
	}
	return p.float()
}

func (p *argParser) cell() grid.Cell {
	return grid.Cell{Col: p.int(), Row: p.int()}
}

func (p *argParser) orientation() guide.Orientation {
	switch a := p.str(); a {
	case "v", "vertical":
		return guide.Vertical
	case "h", "horizontal":
		return guide.Horizontal
	default:
		if p.err == nil {
			p.err = fmt.Errorf("%w: orientation must be v or h, got %q", errUsage, a)
		}
		return guide.Vertical
	}
}
