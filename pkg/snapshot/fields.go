package snapshot

import (
	"math"

	"github.com/sessamekesh/spanreed-snapserver/pkg/bitmsg"
)

const (
	floatIntBits = 13
	floatIntBias = 1 << (floatIntBits - 1)
)

type fieldKind uint8

const (
	kindInt fieldKind = iota
	kindFloat
	kindAngle16
)

// field describes one delta coded member of T. Negative bits mark a signed
// integer.
type field[T any] struct {
	name string
	kind fieldKind
	bits int
	i    func(*T) *int32
	f    func(*T) *float32
}

func intField[T any](name string, bits int, get func(*T) *int32) field[T] {
	return field[T]{name: name, kind: kindInt, bits: bits, i: get}
}

func floatField[T any](name string, get func(*T) *float32) field[T] {
	return field[T]{name: name, kind: kindFloat, f: get}
}

func angleField[T any](name string, get func(*T) *float32) field[T] {
	return field[T]{name: name, kind: kindAngle16, bits: 16, f: get}
}

func (fd *field[T]) equal(a, b *T) bool {
	if fd.kind == kindInt {
		return *fd.i(a) == *fd.i(b)
	}
	return math.Float32bits(*fd.f(a)) == math.Float32bits(*fd.f(b))
}

func (fd *field[T]) isZero(s *T) bool {
	if fd.kind == kindInt {
		return *fd.i(s) == 0
	}
	return *fd.f(s) == 0
}

func (fd *field[T]) width() int {
	if fd.bits < 0 {
		return -fd.bits
	}
	return fd.bits
}

// write emits the value of the field. With zeroBit a single bit first says
// whether the value is zero.
func (fd *field[T]) write(w *bitmsg.Writer, s *T, zeroBit bool) {
	if zeroBit {
		if fd.isZero(s) {
			w.WriteBool(false)
			return
		}
		w.WriteBool(true)
	}

	switch fd.kind {
	case kindInt:
		w.WriteBits(uint32(*fd.i(s)), fd.width())
	case kindFloat:
		writeFloat(w, *fd.f(s))
	case kindAngle16:
		w.WriteBits(uint32(AngleToShort(*fd.f(s))), 16)
	}
}

func (fd *field[T]) read(r *bitmsg.Reader, s *T, zeroBit bool) {
	if zeroBit && !r.ReadBool() {
		if fd.kind == kindInt {
			*fd.i(s) = 0
		} else {
			*fd.f(s) = 0
		}
		return
	}

	switch fd.kind {
	case kindInt:
		if fd.bits < 0 {
			*fd.i(s) = r.ReadSignedBits(fd.width())
		} else {
			*fd.i(s) = int32(r.ReadBits(fd.width()))
		}
	case kindFloat:
		*fd.f(s) = readFloat(r)
	case kindAngle16:
		*fd.f(s) = ShortToAngle(uint16(r.ReadBits(16)))
	}
}

func (fd *field[T]) quantize(s *T) {
	switch fd.kind {
	case kindInt:
		p := fd.i(s)
		n := fd.width()
		if n >= 32 {
			return
		}
		if fd.bits < 0 {
			*p = int32(uint32(*p)<<(32-n)) >> (32 - n)
		} else {
			*p &= (1 << n) - 1
		}
	case kindFloat:
		p := fd.f(s)
		if *p != *p || *p == 0 {
			*p = 0
		}
	case kindAngle16:
		p := fd.f(s)
		*p = ShortToAngle(AngleToShort(*p))
	}
}

// Integral floats within the bias range go out as 13 bit integers, anything
// else as raw IEEE-754 bits.
func writeFloat(w *bitmsg.Writer, v float32) {
	if v >= -floatIntBias && v < floatIntBias && float32(math.Trunc(float64(v))) == v {
		w.WriteBool(false)
		w.WriteBits(uint32(int32(v)+floatIntBias), floatIntBits)
		return
	}
	w.WriteBool(true)
	w.WriteFloat(v)
}

func readFloat(r *bitmsg.Reader) float32 {
	if !r.ReadBool() {
		return float32(int32(r.ReadBits(floatIntBits)) - floatIntBias)
	}
	return r.ReadFloat()
}

func AngleToShort(a float32) uint16 {
	if math.IsNaN(float64(a)) || math.IsInf(float64(a), 0) {
		return 0
	}
	return uint16(int64(math.Round(float64(a)*65536/360)) & 0xFFFF)
}

func ShortToAngle(s uint16) float32 {
	return float32(float64(s) * 360 / 65536)
}

// Field order puts the most frequently changing fields first so the
// "last changed" count stays small.
var entityFields = []field[EntityState]{
	intField("pos.trTime", 32, func(s *EntityState) *int32 { return &s.Pos.Time }),
	floatField("pos.trBase[0]", func(s *EntityState) *float32 { return &s.Pos.Base[0] }),
	floatField("pos.trBase[1]", func(s *EntityState) *float32 { return &s.Pos.Base[1] }),
	floatField("pos.trDelta[0]", func(s *EntityState) *float32 { return &s.Pos.Delta[0] }),
	floatField("pos.trDelta[1]", func(s *EntityState) *float32 { return &s.Pos.Delta[1] }),
	floatField("pos.trBase[2]", func(s *EntityState) *float32 { return &s.Pos.Base[2] }),
	floatField("apos.trBase[1]", func(s *EntityState) *float32 { return &s.APos.Base[1] }),
	floatField("pos.trDelta[2]", func(s *EntityState) *float32 { return &s.Pos.Delta[2] }),
	floatField("apos.trBase[0]", func(s *EntityState) *float32 { return &s.APos.Base[0] }),
	intField("event", 10, func(s *EntityState) *int32 { return &s.Event }),
	angleField("angles2[1]", func(s *EntityState) *float32 { return &s.Angles2[1] }),
	intField("eType", 8, func(s *EntityState) *int32 { return &s.EType }),
	intField("torsoAnim", 8, func(s *EntityState) *int32 { return &s.TorsoAnim }),
	intField("eventParm", 8, func(s *EntityState) *int32 { return &s.EventParm }),
	intField("legsAnim", 8, func(s *EntityState) *int32 { return &s.LegsAnim }),
	intField("groundEntityNum", GEntityNumBits, func(s *EntityState) *int32 { return &s.GroundEntityNum }),
	intField("pos.trType", 8, func(s *EntityState) *int32 { return (*int32)(&s.Pos.Type) }),
	intField("eFlags", 19, func(s *EntityState) *int32 { return &s.EFlags }),
	intField("otherEntityNum", GEntityNumBits, func(s *EntityState) *int32 { return &s.OtherEntityNum }),
	intField("weapon", 8, func(s *EntityState) *int32 { return &s.Weapon }),
	intField("clientNum", 8, func(s *EntityState) *int32 { return &s.ClientNum }),
	angleField("angles[1]", func(s *EntityState) *float32 { return &s.Angles[1] }),
	intField("pos.trDuration", 32, func(s *EntityState) *int32 { return &s.Pos.Duration }),
	intField("apos.trType", 8, func(s *EntityState) *int32 { return (*int32)(&s.APos.Type) }),
	floatField("origin[0]", func(s *EntityState) *float32 { return &s.Origin[0] }),
	floatField("origin[1]", func(s *EntityState) *float32 { return &s.Origin[1] }),
	floatField("origin[2]", func(s *EntityState) *float32 { return &s.Origin[2] }),
	intField("solid", 24, func(s *EntityState) *int32 { return &s.Solid }),
	intField("powerups", MaxPowerups, func(s *EntityState) *int32 { return &s.Powerups }),
	intField("modelindex", 8, func(s *EntityState) *int32 { return &s.ModelIndex }),
	intField("otherEntityNum2", GEntityNumBits, func(s *EntityState) *int32 { return &s.OtherEntityNum2 }),
	intField("loopSound", 8, func(s *EntityState) *int32 { return &s.LoopSound }),
	intField("generic1", 8, func(s *EntityState) *int32 { return &s.Generic1 }),
	floatField("origin2[2]", func(s *EntityState) *float32 { return &s.Origin2[2] }),
	floatField("origin2[0]", func(s *EntityState) *float32 { return &s.Origin2[0] }),
	floatField("origin2[1]", func(s *EntityState) *float32 { return &s.Origin2[1] }),
	intField("modelindex2", 8, func(s *EntityState) *int32 { return &s.ModelIndex2 }),
	angleField("angles[0]", func(s *EntityState) *float32 { return &s.Angles[0] }),
	intField("time", 32, func(s *EntityState) *int32 { return &s.Time }),
	intField("apos.trTime", 32, func(s *EntityState) *int32 { return &s.APos.Time }),
	intField("apos.trDuration", 32, func(s *EntityState) *int32 { return &s.APos.Duration }),
	floatField("apos.trBase[2]", func(s *EntityState) *float32 { return &s.APos.Base[2] }),
	floatField("apos.trDelta[0]", func(s *EntityState) *float32 { return &s.APos.Delta[0] }),
	floatField("apos.trDelta[1]", func(s *EntityState) *float32 { return &s.APos.Delta[1] }),
	floatField("apos.trDelta[2]", func(s *EntityState) *float32 { return &s.APos.Delta[2] }),
	intField("time2", 32, func(s *EntityState) *int32 { return &s.Time2 }),
	angleField("angles[2]", func(s *EntityState) *float32 { return &s.Angles[2] }),
	angleField("angles2[0]", func(s *EntityState) *float32 { return &s.Angles2[0] }),
	angleField("angles2[2]", func(s *EntityState) *float32 { return &s.Angles2[2] }),
	intField("constantLight", 32, func(s *EntityState) *int32 { return &s.ConstantLight }),
	intField("frame", 16, func(s *EntityState) *int32 { return &s.Frame }),
}

var playerFields = []field[PlayerState]{
	intField("commandTime", 32, func(s *PlayerState) *int32 { return &s.CommandTime }),
	floatField("origin[0]", func(s *PlayerState) *float32 { return &s.Origin[0] }),
	floatField("origin[1]", func(s *PlayerState) *float32 { return &s.Origin[1] }),
	intField("bobCycle", 8, func(s *PlayerState) *int32 { return &s.BobCycle }),
	floatField("velocity[0]", func(s *PlayerState) *float32 { return &s.Velocity[0] }),
	floatField("velocity[1]", func(s *PlayerState) *float32 { return &s.Velocity[1] }),
	floatField("viewangles[1]", func(s *PlayerState) *float32 { return &s.ViewAngles[1] }),
	floatField("viewangles[0]", func(s *PlayerState) *float32 { return &s.ViewAngles[0] }),
	intField("weaponTime", -16, func(s *PlayerState) *int32 { return &s.WeaponTime }),
	floatField("origin[2]", func(s *PlayerState) *float32 { return &s.Origin[2] }),
	floatField("velocity[2]", func(s *PlayerState) *float32 { return &s.Velocity[2] }),
	intField("legsTimer", 8, func(s *PlayerState) *int32 { return &s.LegsTimer }),
	intField("pm_time", -16, func(s *PlayerState) *int32 { return &s.PMTime }),
	intField("eventSequence", 16, func(s *PlayerState) *int32 { return &s.EventSequence }),
	intField("torsoAnim", 8, func(s *PlayerState) *int32 { return &s.TorsoAnim }),
	intField("movementDir", 4, func(s *PlayerState) *int32 { return &s.MovementDir }),
	intField("events[0]", 8, func(s *PlayerState) *int32 { return &s.Events[0] }),
	intField("legsAnim", 8, func(s *PlayerState) *int32 { return &s.LegsAnim }),
	intField("events[1]", 8, func(s *PlayerState) *int32 { return &s.Events[1] }),
	intField("pm_flags", 16, func(s *PlayerState) *int32 { return &s.PMFlags }),
	intField("groundEntityNum", GEntityNumBits, func(s *PlayerState) *int32 { return &s.GroundEntityNum }),
	intField("weaponstate", 4, func(s *PlayerState) *int32 { return &s.WeaponState }),
	intField("eFlags", 16, func(s *PlayerState) *int32 { return &s.EFlags }),
	intField("externalEvent", 10, func(s *PlayerState) *int32 { return &s.ExternalEvent }),
	intField("gravity", 16, func(s *PlayerState) *int32 { return &s.Gravity }),
	intField("speed", 16, func(s *PlayerState) *int32 { return &s.Speed }),
	intField("delta_angles[1]", 16, func(s *PlayerState) *int32 { return &s.DeltaAngles[1] }),
	intField("externalEventParm", 8, func(s *PlayerState) *int32 { return &s.ExternalEventParm }),
	intField("viewheight", -8, func(s *PlayerState) *int32 { return &s.ViewHeight }),
	intField("damageEvent", 8, func(s *PlayerState) *int32 { return &s.DamageEvent }),
	intField("damageYaw", 8, func(s *PlayerState) *int32 { return &s.DamageYaw }),
	intField("damagePitch", 8, func(s *PlayerState) *int32 { return &s.DamagePitch }),
	intField("damageCount", 8, func(s *PlayerState) *int32 { return &s.DamageCount }),
	intField("generic1", 8, func(s *PlayerState) *int32 { return &s.Generic1 }),
	intField("pm_type", 8, func(s *PlayerState) *int32 { return &s.PMType }),
	intField("delta_angles[0]", 16, func(s *PlayerState) *int32 { return &s.DeltaAngles[0] }),
	intField("delta_angles[2]", 16, func(s *PlayerState) *int32 { return &s.DeltaAngles[2] }),
	intField("torsoTimer", 12, func(s *PlayerState) *int32 { return &s.TorsoTimer }),
	intField("eventParms[0]", 8, func(s *PlayerState) *int32 { return &s.EventParms[0] }),
	intField("eventParms[1]", 8, func(s *PlayerState) *int32 { return &s.EventParms[1] }),
	intField("clientNum", 8, func(s *PlayerState) *int32 { return &s.ClientNum }),
	intField("weapon", 5, func(s *PlayerState) *int32 { return &s.Weapon }),
	floatField("viewangles[2]", func(s *PlayerState) *float32 { return &s.ViewAngles[2] }),
	floatField("grapplePoint[0]", func(s *PlayerState) *float32 { return &s.GrapplePoint[0] }),
	floatField("grapplePoint[1]", func(s *PlayerState) *float32 { return &s.GrapplePoint[1] }),
	floatField("grapplePoint[2]", func(s *PlayerState) *float32 { return &s.GrapplePoint[2] }),
	intField("jumppad_ent", GEntityNumBits, func(s *PlayerState) *int32 { return &s.JumppadEnt }),
	intField("loopSound", 16, func(s *PlayerState) *int32 { return &s.LoopSound }),
}
