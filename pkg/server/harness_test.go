package server

import (
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/sessamekesh/spanreed-snapserver/internal"
	"github.com/sessamekesh/spanreed-snapserver/pkg/client"
	"github.com/sessamekesh/spanreed-snapserver/pkg/message/connectionless"
	"github.com/sessamekesh/spanreed-snapserver/pkg/netadr"
	"github.com/sessamekesh/spanreed-snapserver/pkg/snapshot"
	"github.com/sessamekesh/spanreed-snapserver/pkg/transport"
	"github.com/sessamekesh/spanreed-snapserver/pkg/usercmd"
	"go.uber.org/zap"
)

type fakeGame struct {
	entities []snapshot.EntityState
	deny     string

	connects    []int
	begins      []int
	disconnects []int
	commands    map[int][]string
	thinks      map[int][]usercmd.UserCmd
	userinfos   map[int]string
	frames      int
}

func newFakeGame(entities int) *fakeGame {
	g := &fakeGame{
		commands:  make(map[int][]string),
		thinks:    make(map[int][]usercmd.UserCmd),
		userinfos: make(map[int]string),
	}
	for i := 0; i < entities; i++ {
		g.entities = append(g.entities, snapshot.EntityState{
			Number:     int32(100 + i),
			EType:      4,
			ModelIndex: int32(1 + i%7),
			Pos: snapshot.Trajectory{
				Type: snapshot.TrLinear,
				Base: [3]float32{float32(i) + 0.5, float32(-i) * 1.25, 17.75},
			},
		})
	}
	return g
}

func (g *fakeGame) ClientConnect(clientNum int, userinfo string, firstTime bool) string {
	if g.deny != "" {
		return g.deny
	}
	g.connects = append(g.connects, clientNum)
	g.userinfos[clientNum] = userinfo
	return ""
}

func (g *fakeGame) ClientUserinfoChanged(clientNum int, userinfo string) {
	g.userinfos[clientNum] = userinfo
}

func (g *fakeGame) ClientBegin(clientNum int) {
	g.begins = append(g.begins, clientNum)
}

func (g *fakeGame) ClientCommand(clientNum int, text string) {
	g.commands[clientNum] = append(g.commands[clientNum], text)
}

func (g *fakeGame) ClientThink(clientNum int, cmd usercmd.UserCmd) {
	g.thinks[clientNum] = append(g.thinks[clientNum], cmd)
}

func (g *fakeGame) ClientDisconnect(clientNum int) {
	g.disconnects = append(g.disconnects, clientNum)
}

func (g *fakeGame) RunFrame(serverTime int32) {
	g.frames++
}

func (g *fakeGame) Entities() []snapshot.EntityState {
	return append([]snapshot.EntityState(nil), g.entities...)
}

func (g *fakeGame) PlayerState(clientNum int) snapshot.PlayerState {
	return snapshot.PlayerState{ClientNum: int32(clientNum), Origin: [3]float32{1, 2, 3}}
}

// expectedEntities is what a client should decode for the fake world.
func (g *fakeGame) expectedEntities() []snapshot.EntityState {
	out := make([]snapshot.EntityState, 0, len(g.entities))
	for _, e := range g.entities {
		out = append(out, snapshot.QuantizeEntity(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	if len(out) > snapshot.MaxSnapshotEntities {
		out = out[:snapshot.MaxSnapshotEntities]
	}
	return out
}

type harness struct {
	t    *testing.T
	srv  *Server
	mem  *transport.MemoryTransport
	game *fakeGame
	now  int64
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	g, _ := config.Game.(*fakeGame)
	if config.Game == nil {
		g = newFakeGame(3)
		config.Game = g
	}
	config.Logger = zap.NewNop()

	srv, err := CreateServer(config)
	if err != nil {
		t.Fatalf("CreateServer() error: %v", err)
	}
	return &harness{
		t:    t,
		srv:  srv,
		mem:  transport.CreateMemoryTransport("memory", 256, zap.NewNop()),
		game: g,
		now:  1000,
	}
}

func (h *harness) frame() {
	h.now += 50
	h.srv.Frame(h.now)
}

func (h *harness) frames(n int) {
	for i := 0; i < n; i++ {
		h.frame()
	}
}

type peer struct {
	h      *harness
	addr   netadr.Address
	out    <-chan []byte
	client *client.Client
}

func (h *harness) peer(addr string, qport uint16, userinfo string) *peer {
	h.t.Helper()
	return h.peerWith(addr, client.ClientParams{QPort: qport, Userinfo: userinfo})
}

func (h *harness) peerWith(addr string, params client.ClientParams) *peer {
	h.t.Helper()
	a, err := netadr.Parse(addr)
	if err != nil {
		h.t.Fatalf("Parse(%s): %v", addr, err)
	}
	return h.peerAt(a, params)
}

func (h *harness) peerAt(a netadr.Address, params client.ClientParams) *peer {
	h.t.Helper()
	out, err := h.mem.Attach(a)
	if err != nil {
		h.t.Fatalf("Attach(%s): %v", a, err)
	}
	p := &peer{h: h, addr: a, out: out}
	p.restart(params)
	return p
}

// restart gives the peer a fresh client, as if the process restarted.
func (p *peer) restart(params client.ClientParams) {
	if params.ClientChallenge == 0 {
		params.ClientChallenge = int32(params.QPort) + 7000
	}
	params.Logger = zap.NewNop()
	p.client = client.CreateClient(params)
}

func (p *peer) send(packets ...[]byte) {
	for _, packet := range packets {
		if !p.h.srv.Deliver(transport.Datagram{Via: p.h.mem, From: p.addr, Data: packet}) {
			p.h.t.Fatalf("server queue full")
		}
	}
}

// drain feeds everything the server sent to the client.
func (p *peer) drain() {
	p.h.t.Helper()
	for {
		select {
		case packet := <-p.out:
			if err := p.client.HandlePacket(packet); err != nil {
				p.h.t.Fatalf("HandlePacket() error: %v", err)
			}
		default:
			return
		}
	}
}

// raw returns the connectionless replies the server sent, parsed.
func (p *peer) raw() []*connectionless.Message {
	p.h.t.Helper()
	out := []*connectionless.Message{}
	for {
		select {
		case packet := <-p.out:
			msg, err := connectionless.MessageSerializer{}.Parse(packet)
			if err != nil {
				p.h.t.Fatalf("reply is not connectionless: %v", err)
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func (p *peer) conn() *internal.Connection {
	p.h.t.Helper()
	c := p.h.srv.Clients().FindByQPort(p.addr, p.client.QPort())
	if c == nil {
		p.h.t.Fatalf("no server slot for %s", p.addr)
	}
	return c
}

// tryConnect runs the handshake and reports whether the server admitted
// the client.
func (p *peer) tryConnect() bool {
	p.h.t.Helper()
	p.send(p.client.GetChallenge())
	p.h.frame()
	p.drain()

	packet, err := p.client.Connect()
	if err != nil {
		return false
	}
	p.send(packet)
	p.h.frame()
	p.drain()
	return p.client.State() == client.StateConnected
}

func (p *peer) connect() {
	p.h.t.Helper()
	if !p.tryConnect() {
		p.h.t.Fatalf("%s not admitted: state %s, prints %v", p, p.client.State(), p.client.Prints())
	}
}

// lastPrint is the most recent connectionless print, without the newline.
func (p *peer) lastPrint() string {
	prints := p.client.Prints()
	if len(prints) == 0 {
		return ""
	}
	return strings.TrimSpace(prints[len(prints)-1])
}

func (p *peer) message(cmds ...usercmd.UserCmd) {
	p.h.t.Helper()
	packets, err := p.client.BuildMessage(cmds)
	if err != nil {
		p.h.t.Fatalf("BuildMessage() error: %v", err)
	}
	p.send(packets...)
}

func (p *peer) prime() {
	p.h.t.Helper()
	p.message()
	// A large gamestate may take a few frames of fragments.
	for i := 0; i < 5 && p.client.State() != client.StatePrimed; i++ {
		p.h.frame()
		p.drain()
	}
	if p.client.State() != client.StatePrimed {
		p.h.t.Fatalf("client state after gamestate = %s", p.client.State())
	}
}

func (p *peer) move() {
	p.message(usercmd.UserCmd{ServerTime: int32(p.h.now)})
}

func (p *peer) activate() {
	p.h.t.Helper()
	p.move()
	p.h.frame()
	p.drain()
	if got := p.conn().State; got != internal.StateActive {
		p.h.t.Fatalf("server state after first move = %s", got)
	}
}

// step sends one move, runs a frame and reads the reply.
func (p *peer) step() {
	p.h.t.Helper()
	p.move()
	p.h.frame()
	p.drain()
}

func (p *peer) String() string {
	return fmt.Sprintf("peer(%s)", p.addr)
}
