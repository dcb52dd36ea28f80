package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/sessamekesh/spanreed-snapserver/internal"
	"github.com/sessamekesh/spanreed-snapserver/pkg/challenge"
	perrors "github.com/sessamekesh/spanreed-snapserver/pkg/errors"
	"github.com/sessamekesh/spanreed-snapserver/pkg/handlers"
	"github.com/sessamekesh/spanreed-snapserver/pkg/infostring"
	"github.com/sessamekesh/spanreed-snapserver/pkg/message/connectionless"
	"github.com/sessamekesh/spanreed-snapserver/pkg/netadr"
	"github.com/sessamekesh/spanreed-snapserver/pkg/protocol"
	"github.com/sessamekesh/spanreed-snapserver/pkg/reliable"
	"github.com/sessamekesh/spanreed-snapserver/pkg/transport"
	"go.uber.org/zap"
)

const (
	addressBurst  = 10
	addressPeriod = 1000

	outboundBurst  = 10
	outboundPeriod = 100

	rconBurst  = 10
	rconPeriod = 1000
)

func (s *Server) connectionlessPacket(d transport.Datagram, now int64) {
	msg, err := s.serializer.Parse(d.Data)
	if err != nil {
		s.log.Debug("Bad connectionless packet", zap.Stringer("from", d.From), zap.Error(err))
		s.metrics.PacketsDropped.WithLabelValues("bad_connectionless").Inc()
		return
	}

	command := string(msg.Command)
	if !s.limiter.Admit(d.From, now, addressBurst, addressPeriod) {
		s.log.Debug("Connectionless request rate limited", zap.Stringer("from", d.From), zap.String("command", command))
		s.metrics.ConnectionlessRequests.WithLabelValues(command, "rate_limited").Inc()
		return
	}

	var outcome string
	switch msg.Command {
	case connectionless.CommandGetChallenge:
		outcome = s.getChallenge(d, msg.GetChallenge, now)
	case connectionless.CommandConnect:
		outcome = s.directConnect(d, msg.Connect, now)
	case connectionless.CommandGetInfo:
		outcome = s.getInfo(d, msg)
	case connectionless.CommandGetStatus:
		outcome = s.getStatus(d, msg)
	case connectionless.CommandRcon:
		outcome = s.remoteCommand(d, msg.Rcon, now)
	default:
		s.log.Debug("Unknown connectionless command", zap.Stringer("from", d.From), zap.String("command", command))
		command, outcome = "unknown", "ignored"
	}
	s.metrics.ConnectionlessRequests.WithLabelValues(command, outcome).Inc()
}

func (s *Server) reply(d transport.Datagram, packet []byte) {
	s.send(d.Via, d.From, packet)
}

func (s *Server) replyPrint(d transport.Datagram, text string) {
	s.reply(d, s.serializer.Print(text+"\n"))
}

func (s *Server) getChallenge(d transport.Datagram, req *connectionless.GetChallenge, now int64) string {
	if !s.outboundBucket.Admit(now, outboundBurst, outboundPeriod) {
		return "outbound_limited"
	}
	if s.isBanned(d.From) {
		s.replyPrint(d, "You are banned from this server.")
		return "banned"
	}

	record := s.challenges.Issue(d.From, req.ClientChallenge, now)
	s.reply(d, s.serializer.ChallengeResponse(record.Challenge, record.ClientChallenge, s.config.ProtocolVersion))
	return "ok"
}

// directConnect admits a client that echoed its challenge. Checks run
// cheapest first; each refusal is answered with a print unless noted.
func (s *Server) directConnect(d transport.Datagram, req *connectionless.Connect, now int64) string {
	from := d.From

	if s.isBanned(from) {
		s.replyPrint(d, "You are banned from this server.")
		return "banned"
	}

	if req.Protocol != s.config.ProtocolVersion {
		s.log.Debug("Connect refused", zap.Stringer("from", from),
			zap.Error(&perrors.InvalidHeaderVersion{ExpectedVersion: s.config.ProtocolVersion, ActualVersion: req.Protocol}))
		s.replyPrint(d, fmt.Sprintf("Server uses protocol version %d (yours is %d).", s.config.ProtocolVersion, req.Protocol))
		return "bad_protocol"
	}

	existing := s.clients.FindReconnecting(from, req.QPort)
	if existing != nil && existing.State >= internal.StateConnected {
		if now-existing.LastConnectTime < s.config.ReconnectLimitMsec {
			s.log.Debug("Reconnect rejected: too soon", zap.Stringer("from", from), zap.Int("clientNum", existing.Slot))
			return "reconnect_too_soon"
		}
		if !s.config.AllowReconnect {
			s.replyPrint(d, "Already connected from this address.")
			return "already_connected"
		}
	}

	if from.Kind != netadr.KindLoopback {
		count := s.clients.CountFromIP(from)
		if existing != nil && existing.State >= internal.StateConnected {
			count--
		}
		if count >= s.config.ClientsPerIP {
			s.replyPrint(d, "Too many connections from the same IP.")
			return "too_many_from_ip"
		}
	}

	handle, record, err := s.challenges.Validate(from, req.Challenge, now)
	if err != nil {
		var refused *challenge.RefusedError
		if errors.As(err, &refused) {
			return "refused"
		}
		var expired *challenge.ExpiredError
		if errors.As(err, &expired) {
			s.replyPrint(d, "Challenge expired, reconnect.")
			return "challenge_expired"
		}
		s.replyPrint(d, "No or bad challenge for your address.")
		return "bad_challenge"
	}

	userinfo, err := infostring.SetValueForKey(req.Userinfo, "ip", addressForUserinfo(from), infostring.MaxInfoString)
	if err != nil {
		s.replyPrint(d, "Userinfo string length exceeded.")
		s.challenges.Refuse(handle)
		return "bad_userinfo"
	}

	slot := existing
	if slot == nil {
		slot, err = s.clients.AllocateSlot()
		if err != nil {
			s.replyPrint(d, "Server is full.")
			s.challenges.Refuse(handle)
			return "server_full"
		}
	}

	if slot.State >= internal.StateConnected {
		s.log.Info("Client reconnecting", zap.Int("clientNum", slot.Slot), zap.Stringer("from", from))
		s.game.ClientDisconnect(slot.Slot)
		if err := s.clients.Transition(slot, internal.StateZombie, now); err != nil {
			s.log.DPanic("Reconnect could not retire the old slot", zap.Error(err))
			return "internal_error"
		}
		s.publish(slot, handlers.EventDisconnected, "reconnect")
	}

	if denied := s.game.ClientConnect(slot.Slot, userinfo, true); denied != "" {
		s.replyPrint(d, denied)
		s.challenges.Refuse(handle)
		return "denied"
	}

	err = s.clients.Connect(slot, internal.ConnectParams{
		Address:   from,
		Via:       d.Via,
		QPort:     req.QPort,
		Challenge: record.Challenge,
		Userinfo:  userinfo,
		Name:      infostring.ValueForKey(userinfo, "name"),
		Now:       now,
		Reliable: reliable.ChannelParams{
			CommandsPerSecond:  max(s.config.FloodCommandsPerSecond, 0),
			CommandBurst:       s.config.FloodBurst,
			FloodDropThreshold: s.config.FloodDropThreshold,
		},
		MaxQueuedMessages: s.config.MaxQueuedMessages,
	})
	if err != nil {
		s.log.DPanic("Could not connect slot", zap.Int("clientNum", slot.Slot), zap.Error(err))
		return "internal_error"
	}

	s.challenges.MarkConnected(handle)
	s.userinfoChanged(slot)

	s.reply(d, s.serializer.ConnectResponse(record.Challenge, slot.Slot))

	s.log.Info("Client connected",
		zap.Int("clientNum", slot.Slot),
		zap.Stringer("from", from),
		zap.String("name", slot.Name),
		zap.Int64("challengePing", now-record.PingTime))
	s.publish(slot, handlers.EventConnected, "")
	return "ok"
}

func addressForUserinfo(a netadr.Address) string {
	if a.Kind == netadr.KindLoopback {
		return "localhost"
	}
	return a.String()
}

func (s *Server) getInfo(d transport.Datagram, msg *connectionless.Message) string {
	if !s.outboundBucket.Admit(s.time, outboundBurst, outboundPeriod) {
		return "outbound_limited"
	}
	token := msg.Arg(1)
	if !infostring.ValidText(token) {
		return "bad_token"
	}

	info := infostring.Build(
		infostring.Pair{Key: "challenge", Value: token},
		infostring.Pair{Key: "protocol", Value: fmt.Sprint(s.config.ProtocolVersion)},
		infostring.Pair{Key: "hostname", Value: s.config.Hostname},
		infostring.Pair{Key: "clients", Value: fmt.Sprint(s.clients.CountInState(internal.StateConnected, internal.StatePrimed, internal.StateActive))},
		infostring.Pair{Key: "sv_maxclients", Value: fmt.Sprint(s.config.MaxClients)},
	)
	s.reply(d, s.serializer.InfoResponse(info))
	return "ok"
}

func (s *Server) getStatus(d transport.Datagram, msg *connectionless.Message) string {
	if !s.outboundBucket.Admit(s.time, outboundBurst, outboundPeriod) {
		return "outbound_limited"
	}
	token := msg.Arg(1)
	if !infostring.ValidText(token) {
		return "bad_token"
	}

	info, err := infostring.SetValueForKey(s.configstrings[protocol.CSServerInfo], "challenge", token, infostring.BigInfoString)
	if err != nil {
		info = s.configstrings[protocol.CSServerInfo]
	}

	players := []string{}
	s.clients.Each(func(c *internal.Connection) {
		if c.State < internal.StateConnected {
			return
		}
		players = append(players, fmt.Sprintf("%d %d \"%s\"", 0, c.Ping, c.Name))
	})
	s.reply(d, s.serializer.StatusResponse(info, players))
	return "ok"
}

func (s *Server) remoteCommand(d transport.Datagram, req *connectionless.Rcon, now int64) string {
	password := s.config.RconPassword
	valid := password != "" && subtle.ConstantTimeCompare([]byte(req.Password), []byte(password)) == 1
	if !valid && !s.rconBucket.Admit(now, rconBurst, rconPeriod) {
		return "rcon_limited"
	}

	switch {
	case password == "":
		s.replyPrint(d, "No rconpassword set on the server.")
		return "no_password"
	case !valid:
		s.log.Info("Bad rcon", zap.Stringer("from", d.From))
		s.replyPrint(d, "Bad rconpassword.")
		return "bad_password"
	}

	s.log.Info("Rcon", zap.Stringer("from", d.From), zap.String("command", req.Command))
	out := s.operator.Execute(d.From, req.Command)
	s.reply(d, s.serializer.Print(strings.TrimSuffix(out, "\n")+"\n"))
	return "ok"
}
