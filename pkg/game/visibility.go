package game

import "github.com/sessamekesh/spanreed-snapserver/pkg/snapshot"

// AllVisible sends every entity except the client's own, which travels in
// the player state.
type AllVisible struct{}

func (AllVisible) Visible(clientNum int, _ *snapshot.PlayerState, ents []snapshot.EntityState) ([]snapshot.EntityState, []byte) {
	out := make([]snapshot.EntityState, 0, len(ents))
	for _, e := range ents {
		if e.Number == int32(clientNum) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// RadiusVisibility sends entities whose trajectory base lies within Radius
// of the viewer.
type RadiusVisibility struct {
	Radius float32
}

func (v RadiusVisibility) Visible(clientNum int, viewer *snapshot.PlayerState, ents []snapshot.EntityState) ([]snapshot.EntityState, []byte) {
	r2 := v.Radius * v.Radius
	out := make([]snapshot.EntityState, 0, len(ents))
	for _, e := range ents {
		if e.Number == int32(clientNum) {
			continue
		}
		var d2 float32
		for i := 0; i < 3; i++ {
			d := e.Pos.Base[i] - viewer.Origin[i]
			d2 += d * d
		}
		if d2 <= r2 {
			out = append(out, e)
		}
	}
	return out, nil
}
