// Package server runs the frame loop: it admits clients through the
// connectionless handshake, executes their sequenced messages, and sends
// each of them delta compressed snapshots at its own rate.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sessamekesh/spanreed-snapserver/internal"
	"github.com/sessamekesh/spanreed-snapserver/pkg/challenge"
	"github.com/sessamekesh/spanreed-snapserver/pkg/errors"
	"github.com/sessamekesh/spanreed-snapserver/pkg/game"
	"github.com/sessamekesh/spanreed-snapserver/pkg/handlers"
	"github.com/sessamekesh/spanreed-snapserver/pkg/infostring"
	"github.com/sessamekesh/spanreed-snapserver/pkg/message/connectionless"
	"github.com/sessamekesh/spanreed-snapserver/pkg/metrics"
	"github.com/sessamekesh/spanreed-snapserver/pkg/netadr"
	"github.com/sessamekesh/spanreed-snapserver/pkg/protocol"
	"github.com/sessamekesh/spanreed-snapserver/pkg/ratelimit"
	"github.com/sessamekesh/spanreed-snapserver/pkg/snapshot"
	"github.com/sessamekesh/spanreed-snapserver/pkg/transport"
	utils "github.com/sessamekesh/spanreed-snapserver/pkg/util"
	"go.uber.org/zap"
)

const execQueueLen = 64

type Server struct {
	config  Config
	log     *zap.Logger
	metrics *metrics.Metrics

	clients    *internal.ClientStore
	challenges *challenge.Table
	serializer connectionless.MessageSerializer

	limiter        *ratelimit.Table
	outboundBucket ratelimit.Bucket
	rconBucket     ratelimit.Bucket
	bans           *cache.Cache

	game       game.Game
	visibility game.Visibility
	operator   game.Operator
	events     *handlers.Broadcaster

	pool          *snapshot.EntityPool
	baselines     *snapshot.Baselines
	configstrings [protocol.MaxConfigstrings]string

	serverID     int32
	checksumFeed int32
	snapFlags    uint8
	nonces       *utils.RandomStringGenerator

	// Milliseconds on the frame clock. epoch anchors it to wall time for the
	// flood limiter.
	time      int64
	epoch     time.Time
	lastSweep int64

	incoming chan transport.Datagram
	exec     chan func()

	mut_transports sync.RWMutex
	transports     []transport.Transport
}

func CreateServer(config Config) (*Server, error) {
	if config.Game == nil {
		return nil, &errors.MissingFieldError{MessageName: "server.Config", FieldName: "Game"}
	}
	config = config.withDefaults()

	nonces := utils.CreateSecureRandomGenerator()

	s := &Server{
		config:  config,
		log:     config.Logger.With(zap.String("handler", "server")),
		metrics: config.Metrics,

		clients: internal.CreateClientStore(config.MaxClients),
		challenges: challenge.CreateTable(challenge.TableParams{
			Size:        config.MaxChallenges,
			TimeoutMsec: config.ChallengeTimeoutMsec,
			Nonces:      nonces,
		}),
		serializer: connectionless.MessageSerializer{},

		limiter: ratelimit.CreateTable(ratelimit.DefaultTableCapacity),
		bans:    cache.New(cache.NoExpiration, time.Minute),

		game:       config.Game,
		visibility: config.Visibility,
		operator:   config.Operator,
		events:     handlers.CreateBroadcaster(),

		pool:      snapshot.NewEntityPool(config.SnapshotPoolEntities),
		baselines: snapshot.NewBaselines(),

		serverID:     nonces.Nonce(),
		checksumFeed: nonces.Nonce(),
		nonces:       nonces,

		epoch: time.Now(),

		incoming: make(chan transport.Datagram, config.IncomingQueueLen),
		exec:     make(chan func(), execQueueLen),
	}

	if s.operator == nil {
		console := game.CreateConsole(config.Logger)
		console.Attach(s)
		s.operator = console
	}

	s.configstrings[protocol.CSServerInfo] = s.serverInfo()
	s.configstrings[protocol.CSSystemInfo] = s.systemInfo()

	return s, nil
}

func (s *Server) serverInfo() string {
	return infostring.Build(
		infostring.Pair{Key: "hostname", Value: s.config.Hostname},
		infostring.Pair{Key: "protocol", Value: fmt.Sprint(s.config.ProtocolVersion)},
		infostring.Pair{Key: "sv_maxclients", Value: fmt.Sprint(s.config.MaxClients)},
		infostring.Pair{Key: "sv_fps", Value: fmt.Sprint(s.config.FPS)},
	)
}

func (s *Server) systemInfo() string {
	return infostring.Build(
		infostring.Pair{Key: "sv_serverid", Value: fmt.Sprint(s.serverID)},
	)
}

func (s *Server) ServerID() int32 {
	return s.serverID
}

// Clients exposes the slot table. Slots must only be mutated from the frame.
func (s *Server) Clients() *internal.ClientStore {
	return s.clients
}

func (s *Server) AddTransport(t transport.Transport) {
	s.mut_transports.Lock()
	defer s.mut_transports.Unlock()
	s.transports = append(s.transports, t)
}

// CreateLifecycleListener subscribes to connect, enter and disconnect events.
func (s *Server) CreateLifecycleListener(name string, bufferLength int) (*handlers.LifecycleListener, error) {
	return s.events.Subscribe(name, bufferLength)
}

// Deliver queues a received datagram for the next frame. It reports false
// when the queue is full and the datagram was dropped.
func (s *Server) Deliver(d transport.Datagram) bool {
	select {
	case s.incoming <- d:
		return true
	default:
		s.metrics.PacketsDropped.WithLabelValues("queue_full").Inc()
		return false
	}
}

// Exec runs fn on the frame goroutine before the next frame's packets are
// read. Anything touching clients or configstrings from another goroutine
// goes through here.
func (s *Server) Exec(fn func()) bool {
	select {
	case s.exec <- fn:
		return true
	default:
		return false
	}
}

// Start runs every transport and the frame loop until ctx is done, then
// sends every client a final message.
func (s *Server) Start(ctx context.Context) error {
	s.mut_transports.RLock()
	transports := append([]transport.Transport(nil), s.transports...)
	s.mut_transports.RUnlock()

	wg := sync.WaitGroup{}
	for _, t := range transports {
		wg.Add(1)
		go func(t transport.Transport) {
			defer wg.Done()
			if err := t.Start(ctx, s.incoming); err != nil {
				s.log.Error("Transport stopped with error", zap.String("transport", t.Name()), zap.Error(err))
			}
		}(t)
	}

	frameMsec := 1000 / s.config.FPS
	ticker := time.NewTicker(time.Duration(frameMsec) * time.Millisecond)
	defer ticker.Stop()

	s.log.Info("Server started",
		zap.Int("fps", s.config.FPS),
		zap.Int("maxClients", s.config.MaxClients),
		zap.Int("transports", len(transports)))

	for {
		select {
		case <-ctx.Done():
			s.Shutdown("Server shutdown")
			wg.Wait()
			s.log.Info("Server stopped")
			return nil
		case <-ticker.C:
			s.Frame(time.Since(s.epoch).Milliseconds())
		}
	}
}

// Shutdown drops every client with reason. Call it from the frame goroutine.
func (s *Server) Shutdown(reason string) {
	s.clients.Each(func(c *internal.Connection) {
		if c.State >= internal.StateConnected {
			s.dropClient(c, reason, "shutdown")
		}
	})
}

// Frame runs one server frame at now milliseconds.
func (s *Server) Frame(now int64) {
	start := time.Now()
	if now < s.time {
		s.log.Warn("Frame clock went backwards", zap.Int64("was", s.time), zap.Int64("now", now))
	}
	s.time = now

	s.runExec()
	s.readPackets(now)

	s.game.RunFrame(int32(now))

	s.calcPings()
	s.checkTimeouts(now)
	s.sendQueuedFragments(now)
	s.sendClientMessages(now)

	if now-s.lastSweep >= 1000 {
		s.lastSweep = now
		s.challenges.Sweep(now)
	}

	s.updateClientGauges()
	s.metrics.FrameSeconds.Observe(time.Since(start).Seconds())
}

func (s *Server) runExec() {
	for {
		select {
		case fn := <-s.exec:
			fn()
		default:
			return
		}
	}
}

func (s *Server) readPackets(now int64) {
	for i := 0; i < s.config.MaxPacketsPerFrame; i++ {
		select {
		case d := <-s.incoming:
			s.handlePacket(d, now)
		default:
			return
		}
	}
}

func (s *Server) wallTime(now int64) time.Time {
	return s.epoch.Add(time.Duration(now) * time.Millisecond)
}

func (s *Server) send(via transport.Transport, to netadr.Address, packet []byte) {
	if packet == nil || via == nil {
		return
	}
	if err := via.Send(to, packet); err != nil {
		s.log.Debug("Send failed", zap.String("transport", via.Name()), zap.Stringer("to", to), zap.Error(err))
		s.metrics.PacketsDropped.WithLabelValues("send_failed").Inc()
		return
	}
	s.metrics.BytesSent.Add(float64(len(packet)))
}

func (s *Server) sendPacket(c *internal.Connection, packet []byte) {
	s.send(c.Via, c.Address, packet)
}

func (s *Server) updateClientGauges() {
	for _, state := range []internal.ClientState{internal.StateZombie, internal.StateConnected, internal.StatePrimed, internal.StateActive} {
		s.metrics.Clients.WithLabelValues(state.String()).Set(float64(s.clients.CountInState(state)))
	}
}
