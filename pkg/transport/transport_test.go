package transport

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/sessamekesh/spanreed-snapserver/pkg/netadr"
	"go.uber.org/zap"
)

func receive(t *testing.T, incoming <-chan Datagram) Datagram {
	t.Helper()
	select {
	case d := <-incoming:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for datagram")
	}
	return Datagram{}
}

func TestPeerRouter(t *testing.T) {
	r := createPeerRouter(PeerRouterParams{OutgoingMessageQueueLength: 1}, zap.NewNop())
	a := netadr.Loopback(1)

	var unknown *UnknownPeerError
	if err := r.Route(a, []byte("x")); !errors.As(err, &unknown) {
		t.Fatalf("Route() to unknown peer: err %v", err)
	}

	ch, err := r.Open(a)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	var dup *DuplicatePeerError
	if _, err := r.Open(a); !errors.As(err, &dup) {
		t.Errorf("second Open() err = %v", err)
	}

	if err := r.Route(a, []byte("one")); err != nil {
		t.Fatalf("Route() error: %v", err)
	}
	var full *PeerQueueFullError
	if err := r.Route(a, []byte("two")); !errors.As(err, &full) {
		t.Errorf("Route() into full queue: err %v", err)
	}
	if got := string(<-ch.outgoing); got != "one" {
		t.Errorf("routed %q", got)
	}

	r.Remove(a)
	select {
	case <-ch.closed:
	default:
		t.Errorf("Remove() did not close the peer")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d", r.Len())
	}
}

func TestMemoryTransport(t *testing.T) {
	m := CreateMemoryTransport("mem", 4, nil)
	peer := netadr.Loopback(7)

	if _, err := m.Inject(peer, []byte("early")); err == nil {
		t.Errorf("Inject() before Start should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	incoming := make(chan Datagram, 4)
	done := make(chan struct{})
	go func() {
		m.Start(ctx, incoming)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		ok, err := m.Inject(peer, []byte("hello"))
		if err == nil && ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transport never started")
		}
		time.Sleep(time.Millisecond)
	}

	d := receive(t, incoming)
	if d.Via != Transport(m) || !d.From.Equal(peer) || string(d.Data) != "hello" {
		t.Errorf("received %+v", d)
	}

	out, err := m.Attach(peer)
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}
	if err := m.Send(peer, []byte("reply")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if got := string(<-out); got != "reply" {
		t.Errorf("peer got %q", got)
	}

	m.Detach(peer)
	var unknown *UnknownPeerError
	if err := m.Send(peer, []byte("gone")); !errors.As(err, &unknown) {
		t.Errorf("Send() after Detach err = %v", err)
	}

	cancel()
	<-done
}

func TestUdpTransport_RoundTrip(t *testing.T) {
	u := CreateUdpTransport(UdpTransportParams{ListenAddress: "127.0.0.1:0", Logger: zap.NewNop()})
	if err := u.Listen(); err != nil {
		t.Fatalf("Listen() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	incoming := make(chan Datagram, 4)
	go u.Start(ctx, incoming)

	client, err := net.DialUDP("udp", nil, u.LocalAddr().UDPAddr())
	if err != nil {
		t.Fatalf("DialUDP() error: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	d := receive(t, incoming)
	if string(d.Data) != "ping" {
		t.Errorf("server got %q", d.Data)
	}
	if want := netadr.FromNetAddr(client.LocalAddr()); !d.From.Equal(want) {
		t.Errorf("From = %s, want %s", d.From, want)
	}

	if err := d.Via.Send(d.From, []byte("pong")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if string(buf[:n]) != "pong" {
		t.Errorf("client got %q", buf[:n])
	}
}

func TestWebsocketTransport_RoundTrip(t *testing.T) {
	ws := CreateWebsocketTransport(WebsocketTransportParams{AllowAllHosts: true, Logger: zap.NewNop()})
	incoming := make(chan Datagram, 4)
	ws.Attach(incoming)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(ws.Handler(ctx))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ignored")); err != nil {
		t.Fatalf("WriteMessage() error: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteMessage() error: %v", err)
	}

	d := receive(t, incoming)
	if diff := cmp.Diff([]byte{1, 2, 3}, d.Data); diff != "" {
		t.Errorf("datagram diff:\n%s", diff)
	}

	if err := ws.Send(d.From, []byte{9}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error: %v", err)
	}
	if msgType != websocket.BinaryMessage || len(payload) != 1 || payload[0] != 9 {
		t.Errorf("client got type %d payload %v", msgType, payload)
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name   string
		params WebsocketTransportParams
		origin string
		want   bool
	}{
		{name: "allow all", params: WebsocketTransportParams{AllowAllHosts: true}, origin: "https://a.example", want: true},
		{name: "denylisted wins", params: WebsocketTransportParams{AllowAllHosts: true, DenylistedHosts: []string{"https://a.example"}}, origin: "https://a.example", want: false},
		{name: "allowlisted", params: WebsocketTransportParams{AllowlistedHosts: []string{"https://b.example"}}, origin: "https://b.example", want: true},
		{name: "not listed", params: WebsocketTransportParams{AllowlistedHosts: []string{"https://b.example"}}, origin: "https://c.example", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			r.Header.Set("Origin", tt.origin)
			if got := checkOrigin(r, tt.params); got != tt.want {
				t.Errorf("checkOrigin() = %v, want %v", got, tt.want)
			}
		})
	}
}
