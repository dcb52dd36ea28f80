package snapshot

import (
	"fmt"
	"sort"

	"github.com/sessamekesh/spanreed-snapserver/pkg/bitmsg"
)

type EntityOrderError struct {
	Index    int
	Previous int32
	Number   int32
}

func (e *EntityOrderError) Error() string {
	return fmt.Sprintf("Entity list not strictly increasing at index %d: %d after %d", e.Index, e.Number, e.Previous)
}

// Baselines holds the reference state of every entity number, used when a
// client has no prior copy of an entity.
type Baselines struct {
	states [MaxGEntities]EntityState
	set    [MaxGEntities]bool
}

func NewBaselines() *Baselines {
	return &Baselines{}
}

// Get returns the baseline for number, or the zero state carrying that number.
func (b *Baselines) Get(number int32) EntityState {
	if b == nil || number < 0 || number >= MaxGEntities || !b.set[number] {
		return EntityState{Number: number}
	}
	return b.states[number]
}

func (b *Baselines) Set(s EntityState) error {
	if err := checkEntityNumber(s.Number); err != nil {
		return err
	}
	b.states[s.Number] = QuantizeEntity(s)
	b.set[s.Number] = true
	return nil
}

func (b *Baselines) Clear() {
	b.set = [MaxGEntities]bool{}
	b.states = [MaxGEntities]EntityState{}
}

// Each calls fn for every set baseline in entity number order.
func (b *Baselines) Each(fn func(EntityState)) {
	for i := range b.set {
		if b.set[i] {
			fn(b.states[i])
		}
	}
}

func (b *Baselines) Len() int {
	n := 0
	for _, ok := range b.set {
		if ok {
			n++
		}
	}
	return n
}

// SortEntities orders ents by number and drops duplicate numbers, keeping
// the first occurrence.
func SortEntities(ents []EntityState) []EntityState {
	sort.SliceStable(ents, func(i, j int) bool { return ents[i].Number < ents[j].Number })
	out := ents[:0]
	for i := range ents {
		if len(out) > 0 && out[len(out)-1].Number == ents[i].Number {
			continue
		}
		out = append(out, ents[i])
	}
	return out
}

func CheckOrder(ents []EntityState) error {
	for i := 1; i < len(ents); i++ {
		if ents[i].Number <= ents[i-1].Number {
			return &EntityOrderError{Index: i, Previous: ents[i-1].Number, Number: ents[i].Number}
		}
	}
	return nil
}

// WriteEntities walks the base and new entity lists in number order. Shared
// entities are delta coded against their previous state, new ones against
// their baseline, and vanished ones get a removal record. The list ends with
// EntityNumNone.
func WriteEntities(w *bitmsg.Writer, from, to []EntityState, baselines *Baselines) error {
	if err := CheckOrder(to); err != nil {
		return err
	}

	oldIndex, newIndex := 0, 0
	for newIndex < len(to) || oldIndex < len(from) {
		newNum := int32(1 << 30)
		if newIndex < len(to) {
			newNum = to[newIndex].Number
		}
		oldNum := int32(1 << 30)
		if oldIndex < len(from) {
			oldNum = from[oldIndex].Number
		}

		switch {
		case newNum == oldNum:
			if err := WriteDeltaEntity(w, &from[oldIndex], &to[newIndex], false); err != nil {
				return err
			}
			oldIndex++
			newIndex++
		case newNum < oldNum:
			base := baselines.Get(newNum)
			if err := WriteDeltaEntity(w, &base, &to[newIndex], true); err != nil {
				return err
			}
			newIndex++
		default:
			if err := WriteDeltaEntity(w, &from[oldIndex], nil, true); err != nil {
				return err
			}
			oldIndex++
		}
	}

	w.WriteBits(EntityNumNone, GEntityNumBits)
	return nil
}

// ReadEntities is the inverse of WriteEntities.
func ReadEntities(r *bitmsg.Reader, from []EntityState, baselines *Baselines) []EntityState {
	out := make([]EntityState, 0, len(from)+8)
	oldIndex := 0

	for {
		newNum := int32(r.ReadBits(GEntityNumBits))
		if r.Err() != nil || newNum == EntityNumNone {
			break
		}

		for oldIndex < len(from) && from[oldIndex].Number < newNum {
			out = append(out, from[oldIndex])
			oldIndex++
		}

		if oldIndex < len(from) && from[oldIndex].Number == newNum {
			to, removed := ReadDeltaEntity(r, &from[oldIndex], newNum)
			if !removed {
				out = append(out, to)
			}
			oldIndex++
			continue
		}

		base := baselines.Get(newNum)
		to, removed := ReadDeltaEntity(r, &base, newNum)
		if !removed {
			out = append(out, to)
		}
	}

	out = append(out, from[oldIndex:]...)
	return out
}
