// Package protocol holds the message opcodes and the framing shared by the
// server and the client: the client message header, the gamestate and the
// usercmd block.
package protocol

import (
	"fmt"

	"github.com/sessamekesh/spanreed-snapserver/pkg/bitmsg"
	"github.com/sessamekesh/spanreed-snapserver/pkg/errors"
	"github.com/sessamekesh/spanreed-snapserver/pkg/snapshot"
	"github.com/sessamekesh/spanreed-snapserver/pkg/usercmd"
)

const (
	DefaultVersion = 71

	MaxClients       = 64
	MaxConfigstrings = 1024

	CSServerInfo = 0
	CSSystemInfo = 1
)

// ServerOp tags each block of a server to client message.
type ServerOp uint8

const (
	SvcBad ServerOp = iota
	SvcNop
	SvcGamestate
	SvcConfigstring
	SvcBaseline
	SvcServerCommand
	SvcDownload
	SvcSnapshot
	SvcEOF
)

// ClientOp tags each block of a client to server message.
type ClientOp uint8

const (
	ClcBad ClientOp = iota
	ClcNop
	ClcMove
	ClcMoveNoDelta
	ClcClientCommand
	ClcEOF
)

type BadConfigstringIndexError struct {
	Index int
}

func (e *BadConfigstringIndexError) Error() string {
	return fmt.Sprintf("Configstring index %d out of range", e.Index)
}

// ClientHeader starts every sequenced client message.
type ClientHeader struct {
	ServerID            int32
	MessageAcknowledge  int32
	ReliableAcknowledge int32
}

func (h ClientHeader) Write(w *bitmsg.Writer) {
	w.WriteInt32(h.ServerID)
	w.WriteInt32(h.MessageAcknowledge)
	w.WriteInt32(h.ReliableAcknowledge)
}

func ReadClientHeader(r *bitmsg.Reader) ClientHeader {
	return ClientHeader{
		ServerID:            r.ReadInt32(),
		MessageAcknowledge:  r.ReadInt32(),
		ReliableAcknowledge: r.ReadInt32(),
	}
}

// Gamestate is everything a client needs before it can decode snapshots.
type Gamestate struct {
	CommandSequence int32
	Configstrings   map[int]string
	Baselines       []snapshot.EntityState
	ClientNum       int32
	ChecksumFeed    int32
}

// WriteGamestate writes the svcGamestate block, opcode included.
// Configstrings go out in index order and empty ones are skipped.
func WriteGamestate(w *bitmsg.Writer, g *Gamestate) error {
	w.WriteUint8(uint8(SvcGamestate))
	w.WriteInt32(g.CommandSequence)

	for i := 0; i < MaxConfigstrings; i++ {
		cs, ok := g.Configstrings[i]
		if !ok || cs == "" {
			continue
		}
		w.WriteUint8(uint8(SvcConfigstring))
		w.WriteInt16(int16(i))
		w.WriteBigString(cs)
	}

	for i := range g.Baselines {
		w.WriteUint8(uint8(SvcBaseline))
		if err := snapshot.WriteDeltaEntity(w, nil, &g.Baselines[i], true); err != nil {
			return err
		}
	}

	w.WriteUint8(uint8(SvcEOF))
	w.WriteInt32(g.ClientNum)
	w.WriteInt32(g.ChecksumFeed)
	return w.OverflowError("Gamestate")
}

// ReadGamestate reads the block after its opcode.
func ReadGamestate(r *bitmsg.Reader) (*Gamestate, error) {
	g := &Gamestate{
		CommandSequence: r.ReadInt32(),
		Configstrings:   make(map[int]string),
	}

	for r.Err() == nil {
		op := ServerOp(r.ReadUint8())
		if r.Err() != nil {
			break
		}
		switch op {
		case SvcEOF:
			g.ClientNum = r.ReadInt32()
			g.ChecksumFeed = r.ReadInt32()
			return g, r.Err()
		case SvcConfigstring:
			i := int(r.ReadInt16())
			if i < 0 || i >= MaxConfigstrings {
				return nil, &BadConfigstringIndexError{Index: i}
			}
			g.Configstrings[i] = r.ReadBigString()
		case SvcBaseline:
			number := int32(r.ReadBits(snapshot.GEntityNumBits))
			if number < 0 || number >= snapshot.EntityNumNone {
				return nil, &errors.OutOfRange{Context: "baseline entity number", Value: int(number), Min: 0, Max: snapshot.EntityNumNone - 1}
			}
			base, _ := snapshot.ReadDeltaEntity(r, nil, number)
			g.Baselines = append(g.Baselines, base)
		default:
			return nil, &errors.InvalidEnumValue{EnumName: "Gamestate::ServerOp", IntValue: uint8(op)}
		}
	}
	return nil, r.Err()
}

// WriteMove writes a clcMove (or clcMoveNoDelta) block. Commands are delta
// coded against each other, the first against the zero command.
func WriteMove(w *bitmsg.Writer, cmds []usercmd.UserCmd, delta bool) error {
	if len(cmds) < 1 || len(cmds) > usercmd.MaxPacketUsercmds {
		return &errors.OutOfRange{Context: "usercmd count", Value: len(cmds), Min: 1, Max: usercmd.MaxPacketUsercmds}
	}
	if delta {
		w.WriteUint8(uint8(ClcMove))
	} else {
		w.WriteUint8(uint8(ClcMoveNoDelta))
	}
	w.WriteUint8(uint8(len(cmds)))
	var from usercmd.UserCmd
	for _, cmd := range cmds {
		usercmd.WriteDelta(w, from, cmd)
		from = cmd
	}
	return nil
}

// ReadMove reads the usercmds of a move block after its opcode.
func ReadMove(r *bitmsg.Reader) ([]usercmd.UserCmd, error) {
	count := int(r.ReadUint8())
	if count < 1 || count > usercmd.MaxPacketUsercmds {
		return nil, &errors.OutOfRange{Context: "usercmd count", Value: count, Min: 1, Max: usercmd.MaxPacketUsercmds}
	}
	cmds := make([]usercmd.UserCmd, count)
	var from usercmd.UserCmd
	for i := range cmds {
		cmds[i] = usercmd.ReadDelta(r, from)
		from = cmds[i]
	}
	return cmds, r.Err()
}
