package transport

import (
	"context"
	"sync"

	"github.com/sessamekesh/spanreed-snapserver/pkg/netadr"
	"go.uber.org/zap"
)

// MemoryTransport connects in-process peers to the server. Peers attach with
// an address and read what the server sends them from the returned channel.
type MemoryTransport struct {
	name   string
	router *peerRouter

	mut_incoming sync.RWMutex
	incoming     chan<- Datagram
}

func CreateMemoryTransport(name string, queueLength int, logger *zap.Logger) *MemoryTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryTransport{
		name:   name,
		router: createPeerRouter(PeerRouterParams{OutgoingMessageQueueLength: queueLength}, logger),
	}
}

func (m *MemoryTransport) Name() string {
	return m.name
}

func (m *MemoryTransport) Attach(addr netadr.Address) (<-chan []byte, error) {
	channels, err := m.router.Open(addr)
	if err != nil {
		return nil, err
	}
	return channels.outgoing, nil
}

func (m *MemoryTransport) Detach(addr netadr.Address) {
	m.router.Remove(addr)
}

func (m *MemoryTransport) Start(ctx context.Context, incoming chan<- Datagram) error {
	m.mut_incoming.Lock()
	m.incoming = incoming
	m.mut_incoming.Unlock()

	<-ctx.Done()

	m.mut_incoming.Lock()
	m.incoming = nil
	m.mut_incoming.Unlock()
	return nil
}

// Inject delivers data to the server as if it came from addr. It reports
// false when the server's queue is full.
func (m *MemoryTransport) Inject(from netadr.Address, data []byte) (bool, error) {
	m.mut_incoming.RLock()
	defer m.mut_incoming.RUnlock()

	if m.incoming == nil {
		return false, &NotStartedError{Transport: m.name}
	}
	return offer(m.incoming, Datagram{Via: m, From: from, Data: append([]byte(nil), data...)}), nil
}

func (m *MemoryTransport) Send(to netadr.Address, data []byte) error {
	return m.router.Route(to, append([]byte(nil), data...))
}
