// Package reliable delivers ordered text commands on top of the unreliable
// message stream. Outgoing commands sit in a fixed ring until the peer
// acknowledges them; incoming commands are accepted strictly in order.
package reliable

import (
	"fmt"
	"time"

	"github.com/sessamekesh/spanreed-snapserver/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	MaxReliableCommands = 64
	MaxCommandLength    = 1022
)

// OverflowError means the peer stopped acknowledging and the ring is full.
// The ring is left untouched; the connection cannot be recovered.
type OverflowError struct {
	Sequence    int32
	Acknowledge int32
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("Reliable command ring overflow: sequence %d, acknowledged %d, capacity %d", e.Sequence, e.Acknowledge, MaxReliableCommands)
}

type Command struct {
	Sequence int32
	Text     string
}

type Verdict uint8

const (
	// Accept: the command is next in order and should be executed.
	Accept Verdict = iota
	// Duplicate: already seen, ignore silently.
	Duplicate
	// Flooded: in order but over the rate cap. The sequence still advances so
	// the peer stops resending it; the command is not executed.
	Flooded
	// Lost: commands were skipped. The stream cannot be repaired.
	Lost
	// Abuse: flooding continued past the drop threshold.
	Abuse
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Duplicate:
		return "duplicate"
	case Flooded:
		return "flooded"
	case Lost:
		return "lost"
	case Abuse:
		return "abuse"
	}
	return fmt.Sprintf("Verdict(%d)", uint8(v))
}

type ChannelParams struct {
	// Accepted inbound commands per second and burst when flood limiting
	// applies. Zero disables the limiter.
	CommandsPerSecond float64
	CommandBurst      int

	// Consecutive flooded commands tolerated before Abuse is reported.
	// Zero never reports Abuse.
	FloodDropThreshold int
}

type Channel struct {
	commands [MaxReliableCommands]string

	// Outgoing bookkeeping: Acknowledged <= Sent <= Sequence.
	Sequence     int32
	Acknowledged int32
	Sent         int32

	// Highest inbound command sequence consumed.
	LastReceived int32

	limiter        *rate.Limiter
	floodThreshold int
	floodStrikes   int
}

func CreateChannel(params ChannelParams) *Channel {
	c := &Channel{floodThreshold: params.FloodDropThreshold}
	if params.CommandsPerSecond > 0 {
		burst := params.CommandBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(params.CommandsPerSecond), burst)
	}
	return c
}

// Reset clears all sequencing, as on a fresh gamestate.
func (c *Channel) Reset() {
	c.commands = [MaxReliableCommands]string{}
	c.Sequence, c.Acknowledged, c.Sent, c.LastReceived = 0, 0, 0, 0
	c.floodStrikes = 0
}

// Enqueue appends text to the ring.
func (c *Channel) Enqueue(text string) error {
	if len(text) > MaxCommandLength {
		return &errors.OutOfRange{Context: "reliable command length", Value: len(text), Min: 0, Max: MaxCommandLength}
	}
	if c.Sequence-c.Acknowledged >= MaxReliableCommands {
		return &OverflowError{Sequence: c.Sequence + 1, Acknowledge: c.Acknowledged}
	}
	c.Sequence++
	c.commands[c.Sequence&(MaxReliableCommands-1)] = text
	return nil
}

// Text returns the queued command with the given sequence, if it is still in
// the ring.
func (c *Channel) Text(sequence int32) (string, bool) {
	if sequence <= c.Sequence-MaxReliableCommands || sequence > c.Sequence || sequence <= 0 {
		return "", false
	}
	return c.commands[sequence&(MaxReliableCommands-1)], true
}

// Outgoing lists every unacknowledged command, oldest first, and marks them
// sent. Commands are repeated until acknowledged since any single message
// may be lost.
func (c *Channel) Outgoing() []Command {
	out := c.Pending()
	c.MarkSent(c.Sequence)
	return out
}

// Pending lists every unacknowledged command, oldest first, without marking
// anything sent. A caller that can only fit a prefix in its message reports
// the last one it wrote with MarkSent.
func (c *Channel) Pending() []Command {
	out := make([]Command, 0, c.Sequence-c.Acknowledged)
	for seq := c.Acknowledged + 1; seq <= c.Sequence; seq++ {
		out = append(out, Command{Sequence: seq, Text: c.commands[seq&(MaxReliableCommands-1)]})
	}
	return out
}

// MarkSent records that every command through sequence has gone out at
// least once. Sent never moves backwards or past Sequence.
func (c *Channel) MarkSent(sequence int32) {
	if sequence > c.Sequence {
		sequence = c.Sequence
	}
	if sequence > c.Sent {
		c.Sent = sequence
	}
}

// Unsent counts commands queued since the last Outgoing call.
func (c *Channel) Unsent() int {
	return int(c.Sequence - c.Sent)
}

func (c *Channel) Unacknowledged() int {
	return int(c.Sequence - c.Acknowledged)
}

// Acknowledge advances the acknowledged sequence. Regressions and claims for
// commands never sent are ignored.
func (c *Channel) Acknowledge(ack int32) bool {
	if ack < c.Acknowledged || ack > c.Sent {
		return false
	}
	c.Acknowledged = ack
	return true
}

// Receive classifies an inbound command sequence. When limited is set the
// flood limiter is consulted at now.
func (c *Channel) Receive(sequence int32, now time.Time, limited bool) Verdict {
	if sequence <= c.LastReceived {
		return Duplicate
	}
	if sequence > c.LastReceived+1 {
		return Lost
	}
	c.LastReceived = sequence

	if limited && c.limiter != nil && !c.limiter.AllowN(now, 1) {
		c.floodStrikes++
		if c.floodThreshold > 0 && c.floodStrikes > c.floodThreshold {
			return Abuse
		}
		return Flooded
	}

	if c.floodStrikes > 0 {
		c.floodStrikes--
	}
	return Accept
}
