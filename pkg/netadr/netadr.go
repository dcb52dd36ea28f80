// Package netadr holds the normalized peer address used as a key by the rate
// limiter, the challenge table and the connection slots.
package netadr

import (
	"fmt"
	"hash/fnv"
	"net"
	"net/netip"
)

type Kind uint8

const (
	KindBad Kind = iota
	KindLoopback
	KindV4
	KindV6
)

func (k Kind) String() string {
	switch k {
	case KindLoopback:
		return "loopback"
	case KindV4:
		return "ipv4"
	case KindV6:
		return "ipv6"
	}
	return "bad"
}

// Address is comparable and can be used directly as a map key. Only the byte
// array that matches Kind is meaningful; the other one is always zero.
type Address struct {
	Kind Kind
	V4   [4]byte
	V6   [16]byte
	Port uint16
}

func FromAddrPort(ap netip.AddrPort) Address {
	addr := ap.Addr().Unmap()
	switch {
	case !addr.IsValid():
		return Address{Kind: KindBad}
	case addr.Is4():
		return Address{Kind: KindV4, V4: addr.As4(), Port: ap.Port()}
	default:
		return Address{Kind: KindV6, V6: addr.As16(), Port: ap.Port()}
	}
}

func FromUDPAddr(addr *net.UDPAddr) Address {
	if addr == nil {
		return Address{Kind: KindBad}
	}
	return FromAddrPort(addr.AddrPort())
}

// FromNetAddr accepts UDP and TCP addresses (the latter for stream transports).
func FromNetAddr(addr net.Addr) Address {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return FromUDPAddr(a)
	case *net.TCPAddr:
		return FromAddrPort(a.AddrPort())
	}
	if addr == nil {
		return Address{Kind: KindBad}
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return Address{Kind: KindBad}
	}
	return FromAddrPort(ap)
}

func Parse(s string) (Address, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Address{Kind: KindBad}, err
	}
	return FromAddrPort(ap), nil
}

// Loopback builds an in-process address; port distinguishes peers.
func Loopback(port uint16) Address {
	return Address{Kind: KindLoopback, Port: port}
}

func (a Address) AddrPort() netip.AddrPort {
	switch a.Kind {
	case KindV4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.V4), a.Port)
	case KindV6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.V6), a.Port)
	case KindLoopback:
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), a.Port)
	}
	return netip.AddrPort{}
}

func (a Address) UDPAddr() *net.UDPAddr {
	if a.Kind == KindBad {
		return nil
	}
	return net.UDPAddrFromAddrPort(a.AddrPort())
}

func (a Address) IsLAN() bool {
	switch a.Kind {
	case KindLoopback:
		return true
	case KindV4, KindV6:
		addr := a.AddrPort().Addr()
		return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
	}
	return false
}

func (a Address) String() string {
	switch a.Kind {
	case KindLoopback:
		return fmt.Sprintf("loopback:%d", a.Port)
	case KindV4, KindV6:
		return a.AddrPort().String()
	}
	return "bad"
}

// Equal compares address and port.
func (a Address) Equal(b Address) bool {
	return a.EqualBase(b) && a.Port == b.Port
}

// EqualBase compares addresses ignoring the port.
func (a Address) EqualBase(b Address) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindV4:
		return a.V4 == b.V4
	case KindV6:
		return a.V6 == b.V6
	case KindBad, KindLoopback:
		return true
	}
	return false
}

// Subnet masks the address to its /24 (IPv4) or /64 (IPv6) network and drops
// the port.
func (a Address) Subnet() Address {
	out := Address{Kind: a.Kind}
	switch a.Kind {
	case KindV4:
		copy(out.V4[:3], a.V4[:3])
	case KindV6:
		copy(out.V6[:8], a.V6[:8])
	}
	return out
}

// LimitKey is the identity used by per-address rate limiting: the full IPv4
// address or the IPv6 /64, never the port.
func (a Address) LimitKey() Address {
	switch a.Kind {
	case KindV4:
		return Address{Kind: KindV4, V4: a.V4}
	case KindV6:
		return a.Subnet()
	}
	return Address{Kind: a.Kind}
}

// Hash mixes every field that Equal compares.
func (a Address) Hash() uint32 {
	h := fnv.New32a()
	h.Write([]byte{byte(a.Kind)})
	switch a.Kind {
	case KindV4:
		h.Write(a.V4[:])
	case KindV6:
		h.Write(a.V6[:])
	}
	h.Write([]byte{byte(a.Port), byte(a.Port >> 8)})
	return h.Sum32()
}
