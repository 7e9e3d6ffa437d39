package state

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"FloorBoard/internal/grid"
)

func TestNormalizeRotation(t *testing.T) {
	assert.Equal(t, 0.0, NormalizeRotation(360))
	assert.Equal(t, 270.0, NormalizeRotation(-90))
	assert.Equal(t, 45.0, NormalizeRotation(765))
	assert.Equal(t, 12.5, NormalizeRotation(12.5))
}

func TestRoom_UpsertAndRemoveElement(t *testing.T) {
	r := Room{ID: "r1", GridSize: 10}
	assert.True(t, r.UpsertElement(Element{ID: "a", Type: TableRect2, Rotation: -90}))
	assert.True(t, r.UpsertElement(Element{ID: "b", Type: TableRect4}))
	assert.False(t, r.UpsertElement(Element{ID: "a", Type: TableRect2, Position: grid.Cell{Col: 2, Row: 2}}))

	a, ok := r.Element("a")
	assert.True(t, ok)
	assert.Equal(t, grid.Cell{Col: 2, Row: 2}, a.Position)
	assert.Equal(t, "a", r.Elements[0].ID, "upsert keeps order")

	assert.True(t, r.RemoveElement("a"))
	assert.False(t, r.RemoveElement("a"))
	assert.Len(t, r.Elements, 1)
}

func TestElement_Footprint(t *testing.T) {
	assert.Equal(t, grid.Unit, Element{}.Footprint())
	assert.Equal(t, grid.Size{W: 2, H: 1}, Element{Size: grid.Size{W: 2, H: 1}}.Footprint())
}

func TestZone_AssignIsASet(t *testing.T) {
	z := Zone{ID: "z"}
	assert.True(t, z.Assign("w2"))
	assert.True(t, z.Assign("w1"))
	assert.False(t, z.Assign("w2"))
	assert.Equal(t, []string{"w1", "w2"}, z.AssignedServerIDs)

	assert.True(t, z.Unassign("w1"))
	assert.False(t, z.Unassign("w1"))
	assert.Equal(t, []string{"w2"}, z.AssignedServerIDs)
}

func TestRoom_UpsertZoneNormalizesServers(t *testing.T) {
	r := Room{}
	r.UpsertZone(Zone{ID: "z", AssignedServerIDs: []string{"b", "a", "b"}})
	z, ok := r.Zone("z")
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, z.AssignedServerIDs)
	assert.True(t, r.RemoveZone("z"))
	assert.False(t, r.RemoveZone("z"))
}

func TestRoom_CloneIsDeep(t *testing.T) {
	r := Room{
		ID:       "r",
		Elements: []Element{{ID: "a"}},
		Zones:    []Zone{{ID: "z", AssignedServerIDs: []string{"w"}}},
	}
	c := r.Clone()
	c.Elements[0].ID = "changed"
	c.Zones[0].AssignedServerIDs[0] = "other"
	assert.Equal(t, "a", r.Elements[0].ID)
	assert.Equal(t, "w", r.Zones[0].AssignedServerIDs[0])
}
