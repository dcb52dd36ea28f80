package snapshot

import (
	"github.com/sessamekesh/spanreed-snapserver/pkg/bitmsg"
	"github.com/sessamekesh/spanreed-snapserver/pkg/errors"
)

const (
	SnapFlagRateDelayed = 1 << 0
	SnapFlagNotActive   = 1 << 1
	SnapFlagServerCount = 1 << 2
)

// Snapshot is the decoded form of one snapshot message.
type Snapshot struct {
	MessageNum  int32
	ServerTime  int32
	DeltaNum    uint8
	Flags       uint8
	AreaBits    []byte
	PlayerState PlayerState
	Entities    []EntityState
}

// SnapshotBase is what the encoder deltas against. A nil *SnapshotBase means
// a full encode.
type SnapshotBase struct {
	MessageNum  int32
	PlayerState PlayerState
	Entities    []EntityState
}

// WriteSnapshot writes the snapshot body: header, area bits, player state and
// entity list. deltaNum is 0 for a full encode.
func WriteSnapshot(w *bitmsg.Writer, messageNum, serverTime int32, flags uint8, areaBits []byte, ps *PlayerState, ents []EntityState, base *SnapshotBase, baselines *Baselines) error {
	if len(areaBits) > MaxMapAreaBytes {
		return &errors.Overflow{MessageName: "Snapshot::AreaBits", Size: len(areaBits), MaxSize: MaxMapAreaBytes}
	}

	var deltaNum uint8
	var fromPS *PlayerState
	var fromEnts []EntityState
	if base != nil {
		distance := messageNum - base.MessageNum
		if distance <= 0 || distance > 255 {
			return &errors.OutOfRange{Context: "snapshot delta distance", Value: int(distance), Min: 1, Max: 255}
		}
		deltaNum = uint8(distance)
		fromPS = &base.PlayerState
		fromEnts = base.Entities
	}

	w.WriteInt32(serverTime)
	w.WriteUint8(deltaNum)
	w.WriteUint8(flags)
	w.WriteUint8(uint8(len(areaBits)))
	w.WriteData(areaBits)

	WriteDeltaPlayerState(w, fromPS, ps)
	if err := WriteEntities(w, fromEnts, ents, baselines); err != nil {
		return err
	}
	return w.OverflowError("Snapshot")
}

// SnapshotHeader is read first so the caller can find the base frame named
// by DeltaNum before decoding the rest.
type SnapshotHeader struct {
	ServerTime int32
	DeltaNum   uint8
	Flags      uint8
	AreaBits   []byte
}

func ReadSnapshotHeader(r *bitmsg.Reader) SnapshotHeader {
	h := SnapshotHeader{
		ServerTime: r.ReadInt32(),
		DeltaNum:   r.ReadUint8(),
		Flags:      r.ReadUint8(),
	}
	n := int(r.ReadUint8())
	if n > MaxMapAreaBytes {
		r.Fail(&errors.Overflow{MessageName: "Snapshot::AreaBits", Size: n, MaxSize: MaxMapAreaBytes})
		return h
	}
	h.AreaBits = r.ReadData(n)
	return h
}

// ReadSnapshotBody decodes player state and entities against base, which
// must be nil exactly when the header's DeltaNum is 0.
func ReadSnapshotBody(r *bitmsg.Reader, messageNum int32, h SnapshotHeader, base *Snapshot, baselines *Baselines) *Snapshot {
	var fromPS *PlayerState
	var fromEnts []EntityState
	if base != nil {
		fromPS = &base.PlayerState
		fromEnts = base.Entities
	}
	return &Snapshot{
		MessageNum:  messageNum,
		ServerTime:  h.ServerTime,
		DeltaNum:    h.DeltaNum,
		Flags:       h.Flags,
		AreaBits:    h.AreaBits,
		PlayerState: ReadDeltaPlayerState(r, fromPS),
		Entities:    ReadEntities(r, fromEnts, baselines),
	}
}
