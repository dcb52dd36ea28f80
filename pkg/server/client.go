package server

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sessamekesh/spanreed-snapserver/internal"
	"github.com/sessamekesh/spanreed-snapserver/pkg/bitmsg"
	"github.com/sessamekesh/spanreed-snapserver/pkg/handlers"
	"github.com/sessamekesh/spanreed-snapserver/pkg/infostring"
	"github.com/sessamekesh/spanreed-snapserver/pkg/message/connectionless"
	"github.com/sessamekesh/spanreed-snapserver/pkg/netadr"
	"github.com/sessamekesh/spanreed-snapserver/pkg/netchan"
	"github.com/sessamekesh/spanreed-snapserver/pkg/protocol"
	"github.com/sessamekesh/spanreed-snapserver/pkg/reliable"
	"github.com/sessamekesh/spanreed-snapserver/pkg/transport"
	"github.com/sessamekesh/spanreed-snapserver/pkg/usercmd"
	"go.uber.org/zap"
)

func (s *Server) handlePacket(d transport.Datagram, now int64) {
	s.metrics.BytesReceived.Add(float64(len(d.Data)))

	if connectionless.IsConnectionless(d.Data) {
		s.metrics.PacketsReceived.WithLabelValues("connectionless").Inc()
		s.connectionlessPacket(d, now)
		return
	}
	s.metrics.PacketsReceived.WithLabelValues("sequenced").Inc()

	_, _, qport, err := netchan.PeekHeader(d.Data, true)
	if err != nil {
		s.metrics.PacketsDropped.WithLabelValues("short").Inc()
		return
	}

	c := s.clients.FindByQPort(d.From, qport)
	if c == nil {
		// Tell a peer we have forgotten to stop sending.
		s.metrics.PacketsDropped.WithLabelValues("unknown_peer").Inc()
		if s.limiter.Admit(d.From, now, addressBurst, addressPeriod) {
			s.reply(d, s.serializer.Disconnect())
		}
		return
	}

	if c.Address.Port != d.From.Port {
		s.log.Debug("Fixing up a translated port", zap.Int("clientNum", c.Slot), zap.Stringer("was", c.Address), zap.Stringer("now", d.From))
		c.Address = d.From
	}
	c.Via = d.Via

	payload, ready, err := c.Netchan.Process(d.Data)
	if err != nil {
		s.log.Debug("Dropped sequenced packet", zap.Int("clientNum", c.Slot), zap.Error(err))
		s.metrics.PacketsDropped.WithLabelValues(netchanDropReason(err)).Inc()
		return
	}
	if !ready {
		return
	}

	// Zombies keep their channel in step but are otherwise ignored.
	if c.State == internal.StateZombie {
		return
	}
	c.LastPacketTime = now
	s.executeClientMessage(c, payload, now)
}

func netchanDropReason(err error) string {
	var stale *netchan.StaleSequenceError
	var gap *netchan.FragmentGapError
	switch {
	case errors.As(err, &stale):
		return "stale_sequence"
	case errors.As(err, &gap):
		return "fragment_gap"
	}
	return "malformed"
}

func (s *Server) executeClientMessage(c *internal.Connection, payload []byte, now int64) {
	r := bitmsg.NewReader("ClientMessage", payload)
	h := protocol.ReadClientHeader(r)
	if r.Err() != nil {
		s.log.Debug("Short client message", zap.Int("clientNum", c.Slot), zap.Error(r.Err()))
		return
	}

	c.MessageAcknowledge = h.MessageAcknowledge
	if c.MessageAcknowledge < 0 {
		return
	}
	c.Reliable.Acknowledge(h.ReliableAcknowledge)

	if h.ServerID != s.serverID {
		// The client is still on an older gamestate. Once it has acknowledged
		// a message sent after the last gamestate, that gamestate was lost.
		if c.State != internal.StateActive && c.MessageAcknowledge > c.GamestateMessageNum {
			s.sendGamestate(c, now)
		}
		return
	}

	for r.Err() == nil {
		op := protocol.ClientOp(r.ReadUint8())
		if r.Err() != nil {
			break
		}
		switch op {
		case protocol.ClcClientCommand:
			if !s.clientCommand(c, r, now) {
				return
			}
		case protocol.ClcMove, protocol.ClcMoveNoDelta:
			s.userMove(c, r, op == protocol.ClcMove, now)
			return
		case protocol.ClcEOF:
			return
		default:
			s.log.Debug("Bad client op", zap.Int("clientNum", c.Slot), zap.Uint8("op", uint8(op)))
			return
		}
	}
	s.log.Debug("Illegible client message", zap.Int("clientNum", c.Slot), zap.Error(r.Err()))
}

// clientCommand reads and runs one reliable command. It reports false when
// the client was dropped.
func (s *Server) clientCommand(c *internal.Connection, r *bitmsg.Reader, now int64) bool {
	seq := r.ReadInt32()
	text := r.ReadString()
	if r.Err() != nil {
		return false
	}

	limited := c.State == internal.StateActive && s.config.FloodProtect
	verdict := c.Reliable.Receive(seq, s.wallTime(now), limited)
	s.metrics.ReliableCommands.WithLabelValues(verdict.String()).Inc()

	switch verdict {
	case reliable.Duplicate:
		return true
	case reliable.Lost:
		s.log.Info("Client lost reliable commands", zap.Int("clientNum", c.Slot), zap.Int32("sequence", seq), zap.Int32("last", c.Reliable.LastReceived))
		s.dropClient(c, "Lost reliable commands", "lost_commands")
		return false
	case reliable.Abuse:
		s.dropClient(c, "Client command flood", "flood")
		return false
	}

	s.executeClientCommand(c, text, verdict == reliable.Accept)
	return c.State >= internal.StateConnected
}

// executeClientCommand runs the built in commands and passes anything else
// to the game. Game commands are only run for clients in the world and
// within the flood limit.
func (s *Server) executeClientCommand(c *internal.Connection, text string, clientOK bool) {
	args := connectionless.Tokenize(text)
	if len(args) == 0 {
		return
	}

	switch args[0] {
	case "userinfo":
		userinfo := ""
		if len(args) > 1 {
			userinfo = args[1]
		}
		s.updateUserinfo(c, userinfo)
		return
	case "disconnect":
		s.dropClient(c, "disconnected", "disconnect")
		return
	}

	if clientOK && c.State == internal.StateActive {
		s.game.ClientCommand(c.Slot, text)
	}
}

func (s *Server) userMove(c *internal.Connection, r *bitmsg.Reader, delta bool, now int64) {
	if delta {
		c.DeltaMessage = c.MessageAcknowledge
	} else {
		c.DeltaMessage = -1
	}

	cmds, err := protocol.ReadMove(r)
	if err != nil {
		s.log.Debug("Bad usercmd block", zap.Int("clientNum", c.Slot), zap.Error(err))
		return
	}

	c.History.MarkAcknowledged(c.MessageAcknowledge, now)

	if c.State == internal.StatePrimed {
		if c.MessageAcknowledge < c.GamestateMessageNum {
			return
		}
		s.enterWorld(c, cmds[0], now)
	}

	if c.State != internal.StateActive {
		c.DeltaMessage = -1
		return
	}

	last := cmds[len(cmds)-1].ServerTime
	for _, cmd := range cmds {
		if cmd.ServerTime > last || cmd.ServerTime <= c.LastUsercmd.ServerTime {
			continue
		}
		s.game.ClientThink(c.Slot, cmd)
		c.LastUsercmd = cmd
	}
}

func (s *Server) enterWorld(c *internal.Connection, first usercmd.UserCmd, now int64) {
	if err := s.clients.Transition(c, internal.StateActive, now); err != nil {
		s.log.DPanic("Could not enter world", zap.Error(err))
		return
	}
	c.DeltaMessage = -1
	c.LastSnapshotTime = 0
	c.LastUsercmd = first

	s.game.ClientBegin(c.Slot)

	pending := make([]int, 0, len(c.PendingConfigstrings))
	for index := range c.PendingConfigstrings {
		pending = append(pending, index)
	}
	sort.Ints(pending)
	c.PendingConfigstrings = make(map[int]struct{})
	for _, index := range pending {
		s.sendConfigstring(c, index)
	}

	s.log.Info("Client entered the world", zap.Int("clientNum", c.Slot), zap.String("name", c.Name))
	s.publish(c, handlers.EventEnteredWorld, "")
}

// sendGamestate sends everything a client needs before snapshots make sense
// to it and leaves it Primed.
func (s *Server) sendGamestate(c *internal.Connection, now int64) {
	if c.State == internal.StateConnected || c.State == internal.StateActive {
		if err := s.clients.Transition(c, internal.StatePrimed, now); err != nil {
			s.log.DPanic("Could not prime client", zap.Error(err))
			return
		}
	}
	c.PendingConfigstrings = make(map[int]struct{})
	c.GamestateMessageNum = c.Netchan.OutgoingSequence

	gamestate := &protocol.Gamestate{
		CommandSequence: c.Reliable.Sequence,
		Configstrings:   s.configstringMap(),
		Baselines:       s.baselineList(),
		ClientNum:       int32(c.Slot),
		ChecksumFeed:    s.checksumFeed,
	}

	// Size the gamestate alone first; pending commands get the room it leaves.
	sizer := bitmsg.NewWriter(bitmsg.MaxMsgLen)
	err := protocol.WriteGamestate(sizer, gamestate)
	if err == nil {
		err = sizer.OverflowError("Gamestate")
	}
	w := bitmsg.NewWriter(bitmsg.MaxMsgLen)
	if err == nil {
		w.WriteInt32(c.Reliable.LastReceived)
		writeServerCommands(w, c.Reliable.Pending(), bitmsg.MaxMsgLen-sizer.Len()-1)
		err = protocol.WriteGamestate(w, gamestate)
		w.WriteUint8(uint8(protocol.SvcEOF))
	}
	if err == nil {
		err = w.OverflowError("Gamestate")
	}
	if err != nil {
		s.log.Warn("Gamestate does not fit in a message", zap.Int("clientNum", c.Slot), zap.Error(err))
		s.dropClient(c, "Gamestate overflow", "overflow")
		return
	}

	s.log.Debug("Sending gamestate", zap.Int("clientNum", c.Slot), zap.Int32("messageNum", c.GamestateMessageNum), zap.Int("bytes", w.Len()))
	if s.netchanTransmit(c, w.Bytes(), now) {
		// The client takes its command sequence from the gamestate, so any
		// commands that did not fit are superseded by it.
		c.Reliable.MarkSent(c.Reliable.Sequence)
	}
}

// netchanTransmit hands a message to the client's channel and sends
// whatever packet it releases.
func (s *Server) netchanTransmit(c *internal.Connection, payload []byte, now int64) bool {
	packet, err := c.Netchan.Send(now, payload)
	if err != nil {
		var overflow *netchan.QueueOverflowError
		if errors.As(err, &overflow) {
			s.log.Warn("Outgoing queue overflow", zap.Int("clientNum", c.Slot), zap.Error(err))
			s.dropClient(c, "timed out", "queue_overflow")
			return false
		}
		s.log.Warn("Could not send message", zap.Int("clientNum", c.Slot), zap.Error(err))
		return false
	}
	s.sendPacket(c, packet)
	return true
}

// writeServerCommands writes cmds in order until the next one would take the
// message past limit bytes, and returns how many it wrote.
func writeServerCommands(w *bitmsg.Writer, cmds []reliable.Command, limit int) int {
	for i, cmd := range cmds {
		text := cmd.Text
		if len(text) >= bitmsg.MaxStringChars {
			text = ""
		}
		bits := w.BitsWritten() + 8 + 32 + 8*(len(text)+1)
		if (bits+7)/8 > limit {
			return i
		}
		w.WriteUint8(uint8(protocol.SvcServerCommand))
		w.WriteInt32(cmd.Sequence)
		w.WriteString(text)
	}
	return len(cmds)
}

// markCommandsSent records the commands of a message that went out.
func markCommandsSent(c *internal.Connection, cmds []reliable.Command, written int) {
	if written > 0 {
		c.Reliable.MarkSent(cmds[written-1].Sequence)
	}
}

// sendCommandBacklog sends as much of the unacknowledged backlog as fits in
// one message, without a snapshot. The rest follows once the client has
// acknowledged this part.
func (s *Server) sendCommandBacklog(c *internal.Connection, cmds []reliable.Command, now int64) {
	w := bitmsg.NewWriter(bitmsg.MaxMsgLen)
	w.WriteInt32(c.Reliable.LastReceived)
	written := writeServerCommands(w, cmds, bitmsg.MaxMsgLen-1)
	if written == 0 {
		s.log.Warn("Server command does not fit in a message", zap.Int("clientNum", c.Slot))
		s.dropClient(c, "Server command overflow", "command_overflow")
		return
	}
	w.WriteUint8(uint8(protocol.SvcEOF))

	s.log.Debug("Sending server command backlog",
		zap.Int("clientNum", c.Slot),
		zap.Int("commands", written),
		zap.Int("pending", len(cmds)))
	if s.netchanTransmit(c, w.Bytes(), now) {
		markCommandsSent(c, cmds, written)
	}
}

func (s *Server) updateUserinfo(c *internal.Connection, userinfo string) {
	c.Userinfo = userinfo
	s.userinfoChanged(c)
	s.game.ClientUserinfoChanged(c.Slot, c.Userinfo)
}

// userinfoChanged pulls the transmission settings out of the userinfo.
func (s *Server) userinfoChanged(c *internal.Connection) {
	c.Name = infostring.ValueForKey(c.Userinfo, "name")

	rate, _ := strconv.Atoi(infostring.ValueForKey(c.Userinfo, "rate"))
	if rate <= 0 {
		rate = s.config.DefaultRate
	}
	c.Rate = min(max(rate, s.config.MinRate), s.config.MaxRate)

	snaps := DefaultSnaps
	if v := infostring.ValueForKey(c.Userinfo, "snaps"); v != "" {
		snaps, _ = strconv.Atoi(v)
	}
	snaps = min(max(snaps, 1), s.config.FPS)
	c.SnapshotMsec = 1000 / snaps

	// The ip key is always the server's view of the address.
	if userinfo, err := infostring.SetValueForKey(c.Userinfo, "ip", addressForUserinfo(c.Address), infostring.MaxInfoString); err == nil {
		c.Userinfo = userinfo
	}
}

// dropClient disconnects c, sends it one final message carrying reason and
// leaves the slot in quarantine.
func (s *Server) dropClient(c *internal.Connection, reason, cause string) {
	if c.State < internal.StateConnected {
		return
	}
	now := s.time

	s.challenges.Forget(c.Address)

	// Mark the slot first so the broadcast and anything it triggers skip it.
	prev := c.State
	if err := s.clients.Transition(c, internal.StateZombie, now); err != nil {
		s.log.DPanic("Could not drop client", zap.Error(err))
		return
	}
	c.DropReason = reason

	s.SendServerCommand(nil, fmt.Sprintf("print \"%s %s\n\"", c.Name, reason))
	s.game.ClientDisconnect(c.Slot)
	s.sendFinalMessage(c, reason, now)

	s.log.Info("Client dropped",
		zap.Int("clientNum", c.Slot),
		zap.Stringer("address", c.Address),
		zap.String("name", c.Name),
		zap.Stringer("state", prev),
		zap.String("reason", reason))
	s.metrics.ClientDrops.WithLabelValues(cause).Inc()
	s.publish(c, handlers.EventDisconnected, reason)
}

// sendFinalMessage skips any queued messages and sends the unacknowledged
// commands plus a disconnect command in one go. The disconnect is numbered
// past the ring so a full ring cannot refuse it.
func (s *Server) sendFinalMessage(c *internal.Connection, reason string, now int64) {
	disconnect := []reliable.Command{{
		Sequence: c.Reliable.Sequence + 1,
		Text:     fmt.Sprintf("disconnect \"%s\"", strings.ReplaceAll(reason, "\"", "'")),
	}}

	// The disconnect always goes out; older commands fill what room is left.
	w := bitmsg.NewWriter(bitmsg.MaxMsgLen)
	w.WriteInt32(c.Reliable.LastReceived)
	writeServerCommands(w, c.Reliable.Pending(), bitmsg.MaxMsgLen-1-(5+len(disconnect[0].Text)+1))
	writeServerCommands(w, disconnect, bitmsg.MaxMsgLen-1)
	w.WriteUint8(uint8(protocol.SvcEOF))
	if w.Overflowed() {
		s.log.Warn("Final message overflowed", zap.Int("clientNum", c.Slot))
		return
	}

	for _, packet := range c.Netchan.SendImmediate(now, w.Bytes()) {
		s.sendPacket(c, packet)
	}
}

func (s *Server) publish(c *internal.Connection, t handlers.LifecycleEventType, reason string) {
	missed := s.events.Publish(handlers.LifecycleEvent{
		Type:      t,
		ClientNum: c.Slot,
		Address:   c.Address.String(),
		Name:      c.Name,
		Reason:    reason,
		Time:      s.time,
	})
	if missed > 0 {
		s.log.Debug("Lifecycle listeners missed an event", zap.Int("missed", missed), zap.Stringer("type", t))
	}
}

// SendServerCommand queues a reliable command for c, or for every client
// that has a gamestate when c is nil. A client whose ring overflows is
// dropped.
func (s *Server) SendServerCommand(c *internal.Connection, text string) {
	if c != nil {
		s.addServerCommand(c, text)
		return
	}
	s.clients.Each(func(c *internal.Connection) {
		if c.State >= internal.StatePrimed {
			s.addServerCommand(c, text)
		}
	})
}

func (s *Server) addServerCommand(c *internal.Connection, text string) {
	if c.State < internal.StateConnected {
		return
	}
	err := c.Reliable.Enqueue(text)
	if err == nil {
		return
	}
	var overflow *reliable.OverflowError
	if errors.As(err, &overflow) {
		s.log.Warn("Server command overflow", zap.Int("clientNum", c.Slot), zap.Error(err))
		s.dropClient(c, "Server command overflow", "command_overflow")
		return
	}
	s.log.Warn("Server command not queued", zap.Int("clientNum", c.Slot), zap.Error(err))
}

func (s *Server) isBanned(a netadr.Address) bool {
	_, found := s.bans.Get(a.LimitKey().String())
	return found
}
