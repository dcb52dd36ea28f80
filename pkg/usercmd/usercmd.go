// Package usercmd holds client input commands and their delta coding.
package usercmd

import "github.com/sessamekesh/spanreed-snapserver/pkg/bitmsg"

const (
	MaxPacketUsercmds = 32

	AngleBits   = 16
	ButtonsBits = 16
)

// UserCmd is one frame of client input. Angles are 16 bit fixed point
// (65536 units per turn).
type UserCmd struct {
	ServerTime  int32
	Angles      [3]int32
	Buttons     int32
	Weapon      uint8
	ForwardMove int8
	RightMove   int8
	UpMove      int8
}

func writeDeltaField(w *bitmsg.Writer, from, to uint32, bits int) {
	if from == to {
		w.WriteBool(false)
		return
	}
	w.WriteBool(true)
	w.WriteBits(to, bits)
}

func readDeltaField(r *bitmsg.Reader, from uint32, bits int) uint32 {
	if r.ReadBool() {
		return r.ReadBits(bits)
	}
	return from
}

// WriteDelta encodes to relative to from. A command that only advances time
// costs two bits plus the time delta.
func WriteDelta(w *bitmsg.Writer, from, to UserCmd) {
	if dt := to.ServerTime - from.ServerTime; dt >= 0 && dt < 256 {
		w.WriteBool(true)
		w.WriteBits(uint32(dt), 8)
	} else {
		w.WriteBool(false)
		w.WriteInt32(to.ServerTime)
	}

	if from.Angles == to.Angles && from.Buttons == to.Buttons && from.Weapon == to.Weapon &&
		from.ForwardMove == to.ForwardMove && from.RightMove == to.RightMove && from.UpMove == to.UpMove {
		w.WriteBool(false)
		return
	}
	w.WriteBool(true)

	for i := 0; i < 3; i++ {
		writeDeltaField(w, uint32(from.Angles[i])&0xFFFF, uint32(to.Angles[i])&0xFFFF, AngleBits)
	}
	writeDeltaField(w, uint32(uint8(from.ForwardMove)), uint32(uint8(to.ForwardMove)), 8)
	writeDeltaField(w, uint32(uint8(from.RightMove)), uint32(uint8(to.RightMove)), 8)
	writeDeltaField(w, uint32(uint8(from.UpMove)), uint32(uint8(to.UpMove)), 8)
	writeDeltaField(w, uint32(from.Buttons)&0xFFFF, uint32(to.Buttons)&0xFFFF, ButtonsBits)
	writeDeltaField(w, uint32(from.Weapon), uint32(to.Weapon), 8)
}

func ReadDelta(r *bitmsg.Reader, from UserCmd) UserCmd {
	to := from
	if r.ReadBool() {
		to.ServerTime = from.ServerTime + int32(r.ReadBits(8))
	} else {
		to.ServerTime = r.ReadInt32()
	}

	if !r.ReadBool() {
		return to
	}

	for i := 0; i < 3; i++ {
		to.Angles[i] = int32(readDeltaField(r, uint32(from.Angles[i])&0xFFFF, AngleBits))
	}
	to.ForwardMove = int8(readDeltaField(r, uint32(uint8(from.ForwardMove)), 8))
	to.RightMove = int8(readDeltaField(r, uint32(uint8(from.RightMove)), 8))
	to.UpMove = int8(readDeltaField(r, uint32(uint8(from.UpMove)), 8))
	to.Buttons = int32(readDeltaField(r, uint32(from.Buttons)&0xFFFF, ButtonsBits))
	to.Weapon = uint8(readDeltaField(r, uint32(from.Weapon), 8))
	return to
}

// Normalize truncates fields to their transmitted widths so that a command
// compares equal to its own decoded copy.
func (c UserCmd) Normalize() UserCmd {
	for i := range c.Angles {
		c.Angles[i] &= 0xFFFF
	}
	c.Buttons &= 0xFFFF
	return c
}
