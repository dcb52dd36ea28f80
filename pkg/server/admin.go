package server

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sessamekesh/spanreed-snapserver/internal"
	"github.com/sessamekesh/spanreed-snapserver/pkg/netadr"
	"go.uber.org/zap"
)

type NotConnectedError struct {
	ClientNum int
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("Client %d is not connected", e.ClientNum)
}

type BadBanAddressError struct {
	Address string
}

func (e *BadBanAddressError) Error() string {
	return fmt.Sprintf("Cannot ban %q: not an IP address", e.Address)
}

// The methods below implement game.Admin. Like every other exported method
// that touches clients they must run on the frame goroutine; see Exec.

func (s *Server) Status() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "hostname: %s\n", s.config.Hostname)
	fmt.Fprintf(&sb, "serverid: %d\n", s.serverID)
	sb.WriteString("num ping state     name             address\n")
	s.clients.Each(func(c *internal.Connection) {
		fmt.Fprintf(&sb, "%3d %4d %-9s %-16s %s\n", c.Slot, c.Ping, c.State, c.Name, c.Address)
	})
	return sb.String()
}

func (s *Server) Kick(clientNum int, reason string) error {
	c, err := s.clients.Get(clientNum)
	if err != nil {
		return err
	}
	if c.State < internal.StateConnected {
		return &NotConnectedError{ClientNum: clientNum}
	}
	s.dropClient(c, reason, "kick")
	return nil
}

// Ban refuses the address (IPv4 host or IPv6 /64) for d, forever when d is
// not positive, and drops anyone already connected from it.
func (s *Server) Ban(address string, d time.Duration) error {
	a, err := parseBanAddress(address)
	if err != nil {
		return err
	}
	key := a.LimitKey()

	expiry := d
	if expiry <= 0 {
		expiry = cache.NoExpiration
	}
	s.bans.Set(key.String(), time.Now(), expiry)
	s.log.Info("Address banned", zap.Stringer("address", key), zap.Duration("duration", d))

	s.clients.Each(func(c *internal.Connection) {
		if c.State >= internal.StateConnected && c.Address.LimitKey() == key {
			s.dropClient(c, "Banned", "ban")
		}
	})
	return nil
}

func (s *Server) Unban(address string) error {
	a, err := parseBanAddress(address)
	if err != nil {
		return err
	}
	s.bans.Delete(a.LimitKey().String())
	return nil
}

func parseBanAddress(address string) (netadr.Address, error) {
	if ap, err := netip.ParseAddrPort(address); err == nil {
		return netadr.FromAddrPort(ap), nil
	}
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return netadr.Address{}, &BadBanAddressError{Address: address}
	}
	return netadr.FromAddrPort(netip.AddrPortFrom(addr, 0)), nil
}

func (s *Server) Broadcast(text string) {
	s.SendServerCommand(nil, fmt.Sprintf("print \"%s\n\"", strings.ReplaceAll(text, "\"", "'")))
}
