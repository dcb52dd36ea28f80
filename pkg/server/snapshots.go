package server

import (
	"github.com/sessamekesh/spanreed-snapserver/internal"
	"github.com/sessamekesh/spanreed-snapserver/pkg/bitmsg"
	"github.com/sessamekesh/spanreed-snapserver/pkg/netadr"
	"github.com/sessamekesh/spanreed-snapserver/pkg/protocol"
	"github.com/sessamekesh/spanreed-snapserver/pkg/snapshot"
	"go.uber.org/zap"
)

const (
	udpIPHeaderSize  = 28
	udpIP6HeaderSize = 48

	maxRatedMessage = 1500

	unknownPing = 999
)

// rateMsec is how long c must still wait before its last message has gone
// through the line at its rate.
func rateMsec(c *internal.Connection, now int64) int64 {
	size := min(c.Netchan.LastSentSize, maxRatedMessage)
	if c.Address.Kind == netadr.KindV6 {
		size += udpIP6HeaderSize
	} else {
		size += udpIPHeaderSize
	}
	rate := max(c.Rate, 1)

	msec := int64(size) * 1000 / int64(rate)
	elapsed := now - c.Netchan.LastSentTime
	if elapsed > msec {
		return 0
	}
	return msec - elapsed
}

func rateExempt(c *internal.Connection) bool {
	return c.Address.Kind == netadr.KindLoopback
}

// sendQueuedFragments pushes out the rest of messages that did not fit in
// one packet, a few fragments per frame. Packets already sent this frame,
// such as the head of a gamestate, count against the burst.
func (s *Server) sendQueuedFragments(now int64) {
	s.clients.Each(func(c *internal.Connection) {
		if c.State < internal.StateConnected || !c.Netchan.Pending() {
			return
		}
		for c.Netchan.SentAt(now) < s.config.FragmentBurst && c.Netchan.Pending() {
			if !rateExempt(c) && rateMsec(c, now) > 0 {
				return
			}
			s.sendPacket(c, c.Netchan.NextPacket(now))
		}
	})
}

func (s *Server) sendClientMessages(now int64) {
	s.clients.Each(func(c *internal.Connection) {
		if c.State < internal.StatePrimed {
			return
		}
		if now-c.LastSnapshotTime < int64(c.SnapshotMsec) {
			return
		}
		// A new message behind a half sent one would break delta chains.
		if c.Netchan.Pending() {
			c.RateDelayed = true
			return
		}
		if !rateExempt(c) && rateMsec(c, now) > 0 {
			c.RateDelayed = true
			return
		}

		s.sendClientSnapshot(c, now)
		c.LastSnapshotTime = now
		c.RateDelayed = false
	})
}

func (s *Server) sendClientSnapshot(c *internal.Connection, now int64) {
	messageNum := c.Netchan.OutgoingSequence

	ps := snapshot.QuantizePlayer(s.game.PlayerState(c.Slot))
	visible, areaBits := s.visibility.Visible(c.Slot, &ps, s.game.Entities())
	ents := make([]snapshot.EntityState, 0, len(visible))
	for _, e := range visible {
		if e.Number < 0 || e.Number >= snapshot.EntityNumWorld {
			continue
		}
		ents = append(ents, snapshot.QuantizeEntity(e))
	}
	ents = snapshot.SortEntities(ents)
	if len(ents) > snapshot.MaxSnapshotEntities {
		s.log.Debug("Too many visible entities", zap.Int("clientNum", c.Slot), zap.Int("visible", len(ents)))
		ents = ents[:snapshot.MaxSnapshotEntities]
	}

	var base *snapshot.SnapshotBase
	if c.State == internal.StateActive {
		frame, result := snapshot.SelectBase(&c.History, s.pool, c.DeltaMessage, messageNum, snapshot.PacketBackup)
		if frame != nil {
			base = &snapshot.SnapshotBase{
				MessageNum:  frame.MessageNum,
				PlayerState: frame.PlayerState,
				Entities:    s.pool.Entities(frame.FirstEntity, frame.NumEntities),
			}
		} else if result != snapshot.BaseNoAck {
			s.log.Debug("Full snapshot", zap.Int("clientNum", c.Slot), zap.Stringer("reason", result), zap.Int32("deltaMessage", c.DeltaMessage))
		}
	}

	frame := snapshot.Frame{
		MessageNum:  messageNum,
		ServerTime:  int32(now),
		AreaBits:    areaBits,
		PlayerState: ps,
		FirstEntity: s.pool.Append(ents),
		NumEntities: len(ents),
		SentTime:    now,
		AckTime:     -1,
	}

	flags := s.snapFlags
	if c.RateDelayed {
		flags |= snapshot.SnapFlagRateDelayed
	}
	if c.State != internal.StateActive {
		flags |= snapshot.SnapFlagNotActive
	}

	cmds := c.Reliable.Pending()
	w := bitmsg.NewWriter(bitmsg.MaxMsgLen)
	w.WriteInt32(c.Reliable.LastReceived)
	written := writeServerCommands(w, cmds, bitmsg.MaxMsgLen-1)
	if written < len(cmds) {
		s.sendCommandBacklog(c, cmds, now)
		return
	}

	w.WriteUint8(uint8(protocol.SvcSnapshot))
	err := snapshot.WriteSnapshot(w, messageNum, frame.ServerTime, flags, areaBits, &ps, ents, base, s.baselines)
	w.WriteUint8(uint8(protocol.SvcEOF))
	if err == nil {
		err = w.OverflowError("ServerMessage")
	}
	if err != nil {
		if len(cmds) > 0 {
			// The snapshot waits; the commands must not.
			s.log.Debug("Snapshot does not fit behind the server commands", zap.Int("clientNum", c.Slot), zap.Error(err))
			s.sendCommandBacklog(c, cmds, now)
			return
		}
		s.log.Warn("Could not write snapshot", zap.Int("clientNum", c.Slot), zap.Error(err))
		return
	}

	frame.MessageSize = w.Len()
	c.History.Record(frame)

	encoding := "full"
	if base != nil {
		encoding = "delta"
	}
	s.metrics.SnapshotBytes.WithLabelValues(encoding).Observe(float64(w.Len()))

	if s.netchanTransmit(c, w.Bytes(), now) {
		markCommandsSent(c, cmds, written)
	}
}

func (s *Server) calcPings() {
	s.clients.Each(func(c *internal.Connection) {
		if c.State != internal.StateActive {
			c.Ping = unknownPing
			return
		}
		ping, ok := c.History.AveragePing()
		if !ok {
			c.Ping = unknownPing
			return
		}
		c.Ping = ping
	})
}

// checkTimeouts drops clients that went silent and frees zombies whose
// quarantine is over.
func (s *Server) checkTimeouts(now int64) {
	droppoint := now - s.config.TimeoutMsec
	zombiepoint := now - s.config.ZombieMsec

	for _, slot := range s.clients.GetExpiredZombieList(zombiepoint) {
		c, err := s.clients.Get(slot)
		if err != nil {
			continue
		}
		if err := s.clients.Transition(c, internal.StateFree, now); err != nil {
			s.log.DPanic("Could not free zombie", zap.Error(err))
			continue
		}
		s.log.Debug("Going from zombie to free", zap.Int("clientNum", slot))
	}

	s.clients.Each(func(c *internal.Connection) {
		// A clock that moved backwards must not time everyone out.
		if c.LastPacketTime > now {
			c.LastPacketTime = now
		}
		if c.LastPacketTime >= droppoint {
			c.TimeoutCount = 0
		}
	})

	for _, slot := range s.clients.GetTimeoutClientList(droppoint) {
		c, err := s.clients.Get(slot)
		if err != nil {
			continue
		}
		c.TimeoutCount++
		if c.TimeoutCount > timeoutFrames {
			c.TimeoutCount = 0
			s.dropClient(c, "timed out", "timeout")
		}
	}
}
