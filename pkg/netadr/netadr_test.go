package netadr

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFromUDPAddr(t *testing.T) {
	tests := []struct {
		name string
		addr *net.UDPAddr
		want Address
	}{
		{
			name: "ipv4",
			addr: &net.UDPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 27960},
			want: Address{Kind: KindV4, V4: [4]byte{10, 1, 2, 3}, Port: 27960},
		},
		{
			name: "ipv4 mapped in ipv6",
			addr: &net.UDPAddr{IP: net.ParseIP("::ffff:192.168.0.9"), Port: 1},
			want: Address{Kind: KindV4, V4: [4]byte{192, 168, 0, 9}, Port: 1},
		},
		{
			name: "ipv6",
			addr: &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 5},
			want: Address{Kind: KindV6, V6: [16]byte{0x20, 0x01, 0x0d, 0xb8, 15: 1}, Port: 5},
		},
		{
			name: "nil",
			addr: nil,
			want: Address{Kind: KindBad},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, FromUDPAddr(tt.addr)); diff != "" {
				t.Errorf("FromUDPAddr() diff:\n%s", diff)
			}
		})
	}
}

func TestAddress_Comparisons(t *testing.T) {
	a, _ := Parse("10.0.0.1:1000")
	b, _ := Parse("10.0.0.1:2000")
	c, _ := Parse("10.0.0.2:1000")
	v6a, _ := Parse("[2001:db8:1:2::1]:1000")
	v6b, _ := Parse("[2001:db8:1:2::ffff]:1000")

	if a.Equal(b) {
		t.Errorf("addresses with different ports should not be Equal")
	}
	if !a.EqualBase(b) {
		t.Errorf("addresses with different ports should be EqualBase")
	}
	if a.EqualBase(c) {
		t.Errorf("different hosts should not be EqualBase")
	}
	if a.Subnet() != c.Subnet() {
		t.Errorf("hosts in the same /24 should share a subnet")
	}
	if a.LimitKey() != b.LimitKey() {
		t.Errorf("limit key should ignore port")
	}
	if a.LimitKey() == c.LimitKey() {
		t.Errorf("ipv4 limit key should be per host")
	}
	if v6a.LimitKey() != v6b.LimitKey() {
		t.Errorf("ipv6 limit key should be per /64")
	}
	if v6a.EqualBase(a) {
		t.Errorf("ipv6 and ipv4 should never compare equal")
	}
	if a.Hash() == b.Hash() {
		t.Errorf("hash should include the port")
	}
}

func TestAddress_EqualIsReflexive(t *testing.T) {
	v4, _ := Parse("10.0.0.1:1000")
	v6, _ := Parse("[2001:db8::1]:1000")
	tests := []struct {
		name string
		addr Address
	}{
		{name: "bad", addr: Address{Kind: KindBad}},
		{name: "nil udp", addr: FromUDPAddr(nil)},
		{name: "loopback", addr: Loopback(3)},
		{name: "ipv4", addr: v4},
		{name: "ipv6", addr: v6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.addr.Equal(tt.addr) {
				t.Errorf("%s is not Equal to itself", tt.addr)
			}
			if !tt.addr.EqualBase(tt.addr) {
				t.Errorf("%s is not EqualBase to itself", tt.addr)
			}
		})
	}

	if (Address{Kind: KindBad}).EqualBase(v4) {
		t.Errorf("bad address compared equal to %s", v4)
	}
}

func TestAddress_RoundTrip(t *testing.T) {
	a, err := Parse("127.0.0.1:27960")
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if got := FromUDPAddr(a.UDPAddr()); got != a {
		t.Errorf("round trip = %v, want %v", got, a)
	}
	if a.String() != "127.0.0.1:27960" {
		t.Errorf("String() = %s", a.String())
	}
	if !a.IsLAN() {
		t.Errorf("loopback address should be LAN")
	}
}
