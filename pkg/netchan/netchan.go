// Package netchan sequences messages over an unreliable datagram transport,
// splits oversized messages into fragments, reassembles them on the far side
// and paces queued messages behind any fragmented message still in flight.
package netchan

import (
	"encoding/binary"
	"fmt"

	"github.com/sessamekesh/spanreed-snapserver/pkg/errors"
)

const (
	FragmentBit  uint32 = 1 << 31
	FragmentSize        = 1300
	MaxPacketLen        = 1400
	MaxMsgLen           = 16384

	DefaultMaxQueuedMessages = 64
)

// Role decides which header layout a channel writes. Client packets carry the
// qport so the server can find a connection whose source port changed.
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

type StaleSequenceError struct {
	Sequence int32
	Incoming int32
}

func (e *StaleSequenceError) Error() string {
	return fmt.Sprintf("Out of order packet %d at %d", e.Sequence, e.Incoming)
}

type FragmentGapError struct {
	Sequence int32
	Expected int
	Start    int
}

func (e *FragmentGapError) Error() string {
	return fmt.Sprintf("Dropped a message fragment of sequence %d: expected start %d, got %d", e.Sequence, e.Expected, e.Start)
}

type QueueOverflowError struct {
	Queued int
	Limit  int
}

func (e *QueueOverflowError) Error() string {
	return fmt.Sprintf("Outgoing message queue overflowed: %d messages queued, limit %d", e.Queued, e.Limit)
}

type ChannelParams struct {
	Role  Role
	QPort uint16

	// Messages waiting behind an unsent fragmented message. Zero uses
	// DefaultMaxQueuedMessages.
	MaxQueuedMessages int
}

type Channel struct {
	role      Role
	qport     uint16
	maxQueued int

	// Packets lost before the most recently accepted one.
	Dropped int

	IncomingSequence int32
	OutgoingSequence int32

	fragmentSequence int32
	fragmentBuffer   []byte

	unsentFragments     bool
	unsentFragmentStart int
	unsentBuffer        []byte

	LastSentTime int64
	LastSentSize int
	sentAtLast   int

	queue [][]byte
}

func CreateChannel(params ChannelParams) *Channel {
	maxQueued := DefaultMaxQueuedMessages
	if params.MaxQueuedMessages > 0 {
		maxQueued = params.MaxQueuedMessages
	}
	return &Channel{
		role:             params.Role,
		qport:            params.QPort,
		maxQueued:        maxQueued,
		OutgoingSequence: 1,
		fragmentBuffer:   make([]byte, 0, FragmentSize),
	}
}

func (c *Channel) QPort() uint16 {
	return c.qport
}

func (c *Channel) headerLen(fragmented bool) int {
	n := 4
	if c.role == RoleClient {
		n += 2
	}
	if fragmented {
		n += 4
	}
	return n
}

// Pending reports whether fragments or whole messages still wait to go out.
func (c *Channel) Pending() bool {
	return c.unsentFragments || len(c.queue) > 0
}

func (c *Channel) UnsentFragments() bool {
	return c.unsentFragments
}

func (c *Channel) QueueLen() int {
	return len(c.queue)
}

// DiscardQueue drops everything not yet handed to the transport, including
// the rest of a partially sent message.
func (c *Channel) DiscardQueue() {
	c.queue = nil
	if c.unsentFragments {
		c.unsentFragments = false
		c.unsentBuffer = nil
		c.unsentFragmentStart = 0
		c.OutgoingSequence++
	}
}

// Send hands payload to the channel. When nothing is pending the returned
// packet is the message itself or its first fragment. Otherwise payload is
// queued and the returned packet continues whatever is already in flight.
func (c *Channel) Send(now int64, payload []byte) ([]byte, error) {
	if len(payload) > MaxMsgLen {
		return nil, &errors.Overflow{MessageName: "Netchan", Size: len(payload), MaxSize: MaxMsgLen}
	}

	if c.Pending() {
		if len(c.queue) >= c.maxQueued {
			return nil, &QueueOverflowError{Queued: len(c.queue) + 1, Limit: c.maxQueued}
		}
		c.queue = append(c.queue, append([]byte(nil), payload...))
		return c.NextPacket(now), nil
	}

	return c.transmit(now, payload), nil
}

// NextPacket returns the next fragment of the message in flight, or starts
// the next queued message, or returns nil when nothing is pending.
func (c *Channel) NextPacket(now int64) []byte {
	if c.unsentFragments {
		return c.transmitNextFragment(now)
	}
	if len(c.queue) > 0 {
		next := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		return c.transmit(now, next)
	}
	return nil
}

// SendImmediate abandons anything pending and returns every packet of payload
// at once.
func (c *Channel) SendImmediate(now int64, payload []byte) [][]byte {
	c.DiscardQueue()
	first, err := c.Send(now, payload)
	if err != nil || first == nil {
		return nil
	}
	packets := [][]byte{first}
	for c.unsentFragments {
		packets = append(packets, c.transmitNextFragment(now))
	}
	return packets
}

func (c *Channel) transmit(now int64, payload []byte) []byte {
	if len(payload) >= FragmentSize {
		c.unsentFragments = true
		c.unsentFragmentStart = 0
		c.unsentBuffer = append(c.unsentBuffer[:0], payload...)
		return c.transmitNextFragment(now)
	}

	hdr := c.headerLen(false)
	packet := make([]byte, hdr+len(payload))
	binary.LittleEndian.PutUint32(packet[0:4], uint32(c.OutgoingSequence))
	if c.role == RoleClient {
		binary.LittleEndian.PutUint16(packet[4:6], c.qport)
	}
	copy(packet[hdr:], payload)

	c.OutgoingSequence++
	c.markSent(now, len(packet))
	return packet
}

func (c *Channel) markSent(now int64, size int) {
	if now != c.LastSentTime {
		c.sentAtLast = 0
	}
	c.sentAtLast++
	c.LastSentTime = now
	c.LastSentSize = size
}

// SentAt reports how many packets, whole messages and fragments alike, went
// out at time now.
func (c *Channel) SentAt(now int64) int {
	if now != c.LastSentTime {
		return 0
	}
	return c.sentAtLast
}

func (c *Channel) transmitNextFragment(now int64) []byte {
	fragmentLength := FragmentSize
	if c.unsentFragmentStart+fragmentLength > len(c.unsentBuffer) {
		fragmentLength = len(c.unsentBuffer) - c.unsentFragmentStart
	}

	hdr := c.headerLen(true)
	packet := make([]byte, hdr+fragmentLength)
	binary.LittleEndian.PutUint32(packet[0:4], uint32(c.OutgoingSequence)|FragmentBit)
	off := 4
	if c.role == RoleClient {
		binary.LittleEndian.PutUint16(packet[off:off+2], c.qport)
		off += 2
	}
	binary.LittleEndian.PutUint16(packet[off:off+2], uint16(c.unsentFragmentStart))
	binary.LittleEndian.PutUint16(packet[off+2:off+4], uint16(fragmentLength))
	copy(packet[hdr:], c.unsentBuffer[c.unsentFragmentStart:c.unsentFragmentStart+fragmentLength])

	c.markSent(now, len(packet))
	c.unsentFragmentStart += fragmentLength

	// A message whose length is a multiple of FragmentSize ends with an empty
	// fragment so the receiver can tell no more follow.
	if c.unsentFragmentStart == len(c.unsentBuffer) && fragmentLength != FragmentSize {
		c.OutgoingSequence++
		c.unsentFragments = false
		c.unsentBuffer = c.unsentBuffer[:0]
	}
	return packet
}

// Process accepts one sequenced packet. It returns the message payload once a
// whole message is available; ready is false while fragments are still
// outstanding. Errors mean the packet was dropped and the channel unchanged
// beyond fragment bookkeeping.
func (c *Channel) Process(packet []byte) (payload []byte, ready bool, err error) {
	hdr := 4
	if c.role == RoleServer {
		hdr += 2
	}
	if len(packet) < hdr {
		return nil, false, &errors.Underflow{MessageName: "Netchan::Header", MsgSize: len(packet), MinimumSize: hdr}
	}

	raw := binary.LittleEndian.Uint32(packet[0:4])
	fragmented := raw&FragmentBit != 0
	sequence := int32(raw &^ FragmentBit)

	var fragmentStart, fragmentLength int
	if fragmented {
		if len(packet) < hdr+4 {
			return nil, false, &errors.Underflow{MessageName: "Netchan::FragmentHeader", MsgSize: len(packet), MinimumSize: hdr + 4}
		}
		fragmentStart = int(binary.LittleEndian.Uint16(packet[hdr : hdr+2]))
		fragmentLength = int(binary.LittleEndian.Uint16(packet[hdr+2 : hdr+4]))
		hdr += 4
	}

	if sequence <= c.IncomingSequence {
		return nil, false, &StaleSequenceError{Sequence: sequence, Incoming: c.IncomingSequence}
	}

	dropped := int(sequence - (c.IncomingSequence + 1))

	if !fragmented {
		c.Dropped = dropped
		c.IncomingSequence = sequence
		return append([]byte(nil), packet[hdr:]...), true, nil
	}

	if sequence != c.fragmentSequence {
		c.fragmentSequence = sequence
		c.fragmentBuffer = c.fragmentBuffer[:0]
	}

	if fragmentStart != len(c.fragmentBuffer) {
		return nil, false, &FragmentGapError{Sequence: sequence, Expected: len(c.fragmentBuffer), Start: fragmentStart}
	}

	if fragmentLength > FragmentSize || len(packet)-hdr < fragmentLength ||
		len(c.fragmentBuffer)+fragmentLength > MaxMsgLen {
		return nil, false, &errors.Overflow{MessageName: "Netchan::Fragment", Size: len(c.fragmentBuffer) + fragmentLength, MaxSize: MaxMsgLen}
	}

	c.fragmentBuffer = append(c.fragmentBuffer, packet[hdr:hdr+fragmentLength]...)

	if fragmentLength == FragmentSize {
		return nil, false, nil
	}

	payload = append([]byte(nil), c.fragmentBuffer...)
	c.fragmentBuffer = c.fragmentBuffer[:0]
	c.Dropped = dropped
	c.IncomingSequence = sequence
	return payload, true, nil
}

// PeekHeader reads the sequence, fragment flag and (for client packets) the
// qport without touching any channel state.
func PeekHeader(packet []byte, fromClient bool) (sequence int32, fragmented bool, qport uint16, err error) {
	need := 4
	if fromClient {
		need += 2
	}
	if len(packet) < need {
		return 0, false, 0, &errors.Underflow{MessageName: "Netchan::Header", MsgSize: len(packet), MinimumSize: need}
	}
	raw := binary.LittleEndian.Uint32(packet[0:4])
	if fromClient {
		qport = binary.LittleEndian.Uint16(packet[4:6])
	}
	return int32(raw &^ FragmentBit), raw&FragmentBit != 0, qport, nil
}
