package snapshot

import (
	"fmt"

	"github.com/sessamekesh/spanreed-snapserver/pkg/bitmsg"
	"github.com/sessamekesh/spanreed-snapserver/pkg/errors"
)

type BadFieldCountError struct {
	Message string
	Count   int
	Max     int
}

func (e *BadFieldCountError) Error() string {
	return fmt.Sprintf("%s: field count %d exceeds %d", e.Message, e.Count, e.Max)
}

func checkEntityNumber(n int32) error {
	if n < 0 || n >= EntityNumNone {
		return &errors.OutOfRange{Context: "entity number", Value: int(n), Min: 0, Max: EntityNumNone - 1}
	}
	return nil
}

// WriteDeltaEntity emits the changes from from to to. A nil to emits a
// removal of from. When nothing changed nothing is written unless force is
// set, in which case a bare "no change" record is emitted.
func WriteDeltaEntity(w *bitmsg.Writer, from, to *EntityState, force bool) error {
	if to == nil {
		if from == nil {
			return nil
		}
		if err := checkEntityNumber(from.Number); err != nil {
			return err
		}
		w.WriteBits(uint32(from.Number), GEntityNumBits)
		w.WriteBool(true)
		return nil
	}

	if err := checkEntityNumber(to.Number); err != nil {
		return err
	}

	base := EntityState{Number: to.Number}
	if from != nil {
		base = *from
	}

	lc := 0
	for i := range entityFields {
		if !entityFields[i].equal(&base, to) {
			lc = i + 1
		}
	}

	if lc == 0 {
		if !force {
			return nil
		}
		w.WriteBits(uint32(to.Number), GEntityNumBits)
		w.WriteBool(false)
		w.WriteBool(false)
		return nil
	}

	w.WriteBits(uint32(to.Number), GEntityNumBits)
	w.WriteBool(false)
	w.WriteBool(true)
	w.WriteUint8(uint8(lc))

	for i := 0; i < lc; i++ {
		fd := &entityFields[i]
		if fd.equal(&base, to) {
			w.WriteBool(false)
			continue
		}
		w.WriteBool(true)
		fd.write(w, to, true)
	}
	return nil
}

// ReadDeltaEntity decodes the record for entity number that follows the
// number already consumed by the caller.
func ReadDeltaEntity(r *bitmsg.Reader, from *EntityState, number int32) (to EntityState, removed bool) {
	if r.ReadBool() {
		return EntityState{Number: EntityNumNone}, true
	}

	if from != nil {
		to = *from
	}
	to.Number = number

	if !r.ReadBool() {
		return to, false
	}

	lc := int(r.ReadUint8())
	if lc > len(entityFields) {
		r.Fail(&BadFieldCountError{Message: "EntityDelta", Count: lc, Max: len(entityFields)})
		return to, false
	}
	for i := 0; i < lc; i++ {
		if !r.ReadBool() {
			continue
		}
		entityFields[i].read(r, &to, true)
	}
	return to, false
}

// WriteDeltaPlayerState emits to relative to from; a nil from means the zero
// state.
func WriteDeltaPlayerState(w *bitmsg.Writer, from, to *PlayerState) {
	var zero PlayerState
	if from == nil {
		from = &zero
	}

	lc := 0
	for i := range playerFields {
		if !playerFields[i].equal(from, to) {
			lc = i + 1
		}
	}

	w.WriteUint8(uint8(lc))
	for i := 0; i < lc; i++ {
		fd := &playerFields[i]
		if fd.equal(from, to) {
			w.WriteBool(false)
			continue
		}
		w.WriteBool(true)
		fd.write(w, to, false)
	}

	statsBits := arrayMask(from.Stats[:], to.Stats[:])
	persistantBits := arrayMask(from.Persistant[:], to.Persistant[:])
	ammoBits := arrayMask(from.Ammo[:], to.Ammo[:])
	powerupBits := arrayMask(from.Powerups[:], to.Powerups[:])

	if statsBits == 0 && persistantBits == 0 && ammoBits == 0 && powerupBits == 0 {
		w.WriteBool(false)
		return
	}
	w.WriteBool(true)

	writeArray(w, statsBits, to.Stats[:], 16)
	writeArray(w, persistantBits, to.Persistant[:], 16)
	writeArray(w, ammoBits, to.Ammo[:], 16)
	writeArray(w, powerupBits, to.Powerups[:], 32)
}

func ReadDeltaPlayerState(r *bitmsg.Reader, from *PlayerState) PlayerState {
	var to PlayerState
	if from != nil {
		to = *from
	}

	lc := int(r.ReadUint8())
	if lc > len(playerFields) {
		r.Fail(&BadFieldCountError{Message: "PlayerStateDelta", Count: lc, Max: len(playerFields)})
		return to
	}
	for i := 0; i < lc; i++ {
		if r.ReadBool() {
			playerFields[i].read(r, &to, false)
		}
	}

	if !r.ReadBool() {
		return to
	}
	readArray(r, to.Stats[:], 16)
	readArray(r, to.Persistant[:], 16)
	readArray(r, to.Ammo[:], 16)
	readArray(r, to.Powerups[:], 32)
	return to
}

func arrayMask(from, to []int32) uint16 {
	var mask uint16
	for i := range to {
		if from[i] != to[i] {
			mask |= 1 << i
		}
	}
	return mask
}

func writeArray(w *bitmsg.Writer, mask uint16, values []int32, bits int) {
	if mask == 0 {
		w.WriteBool(false)
		return
	}
	w.WriteBool(true)
	w.WriteUint16(mask)
	for i := range values {
		if mask&(1<<i) != 0 {
			w.WriteSignedBits(values[i], bits)
		}
	}
}

func readArray(r *bitmsg.Reader, values []int32, bits int) {
	if !r.ReadBool() {
		return
	}
	mask := r.ReadUint16()
	for i := range values {
		if mask&(1<<i) != 0 {
			values[i] = r.ReadSignedBits(bits)
		}
	}
}
