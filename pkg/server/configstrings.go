package server

import (
	"fmt"

	"github.com/sessamekesh/spanreed-snapserver/internal"
	"github.com/sessamekesh/spanreed-snapserver/pkg/bitmsg"
	"github.com/sessamekesh/spanreed-snapserver/pkg/infostring"
	"github.com/sessamekesh/spanreed-snapserver/pkg/protocol"
	"github.com/sessamekesh/spanreed-snapserver/pkg/snapshot"
	"go.uber.org/zap"
)

// Longer configstrings are sent as bcs0/bcs1/bcs2 chunks.
const maxConfigstringChunk = bitmsg.MaxStringChars - 24

func (s *Server) Configstring(index int) string {
	if index < 0 || index >= protocol.MaxConfigstrings {
		return ""
	}
	return s.configstrings[index]
}

// SetConfigstring changes a configstring and sends the change to every
// client in the world. Clients still loading get it when they enter.
func (s *Server) SetConfigstring(index int, value string) error {
	if index < 0 || index >= protocol.MaxConfigstrings {
		return &protocol.BadConfigstringIndexError{Index: index}
	}
	if s.configstrings[index] == value {
		return nil
	}
	s.configstrings[index] = value

	s.clients.Each(func(c *internal.Connection) {
		switch c.State {
		case internal.StatePrimed:
			c.PendingConfigstrings[index] = struct{}{}
		case internal.StateActive:
			s.sendConfigstring(c, index)
		}
	})
	return nil
}

func (s *Server) sendConfigstring(c *internal.Connection, index int) {
	cs := s.configstrings[index]
	if len(cs) < maxConfigstringChunk {
		s.SendServerCommand(c, fmt.Sprintf("cs %d \"%s\"", index, cs))
		return
	}

	chunk := maxConfigstringChunk - 1
	for sent := 0; sent < len(cs) && c.State >= internal.StateConnected; sent += chunk {
		remaining := len(cs) - sent
		cmd := "bcs1"
		switch {
		case sent == 0:
			cmd = "bcs0"
		case remaining <= chunk:
			cmd = "bcs2"
		}
		s.SendServerCommand(c, fmt.Sprintf("%s %d \"%s\"", cmd, index, cs[sent:sent+min(chunk, remaining)]))
	}
}

func (s *Server) configstringMap() map[int]string {
	out := make(map[int]string)
	for i, cs := range s.configstrings {
		if cs != "" {
			out[i] = cs
		}
	}
	return out
}

func (s *Server) baselineList() []snapshot.EntityState {
	out := []snapshot.EntityState{}
	s.baselines.Each(func(e snapshot.EntityState) {
		out = append(out, e)
	})
	return out
}

// CreateBaseline records every current entity as the reference state new
// clients delta from.
func (s *Server) CreateBaseline() error {
	s.baselines.Clear()
	for _, e := range s.game.Entities() {
		if err := s.baselines.Set(e); err != nil {
			return err
		}
	}
	s.log.Debug("Baselines created", zap.Int("entities", s.baselines.Len()))
	return nil
}

// RestartGamestate starts a new server id. Every client that already has a
// gamestate is sent a fresh one and has to enter the world again.
func (s *Server) RestartGamestate() {
	s.serverID = s.nonces.Nonce()
	s.checksumFeed = s.nonces.Nonce()
	s.snapFlags ^= snapshot.SnapFlagServerCount

	if systeminfo, err := infostring.SetValueForKey(s.configstrings[protocol.CSSystemInfo], "sv_serverid", fmt.Sprint(s.serverID), infostring.BigInfoString); err == nil {
		s.configstrings[protocol.CSSystemInfo] = systeminfo
	}

	s.log.Info("Gamestate restarted", zap.Int32("serverId", s.serverID))

	s.clients.Each(func(c *internal.Connection) {
		if c.State >= internal.StatePrimed {
			s.sendGamestate(c, s.time)
		}
	})
}
