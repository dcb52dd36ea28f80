package transport

import (
	"fmt"
	"sync"

	"github.com/sessamekesh/spanreed-snapserver/pkg/netadr"
	"go.uber.org/zap"
)

type DuplicatePeerError struct {
	Address netadr.Address
}

func (e *DuplicatePeerError) Error() string {
	return fmt.Sprintf("Attempted to open a second connection for peer %s", e.Address)
}

type peerChannels struct {
	outgoing chan []byte
	closed   chan struct{}
}

type PeerRouterParams struct {
	OutgoingMessageQueueLength int
}

// peerRouter maps peer addresses onto the outgoing queues of stream based
// connections, so datagrams addressed by netadr.Address reach the right
// connection writer.
type peerRouter struct {
	params PeerRouterParams

	mut_peers sync.RWMutex
	peers     map[netadr.Address]*peerChannels

	log *zap.Logger
}

func createPeerRouter(params PeerRouterParams, logger *zap.Logger) *peerRouter {
	log := logger
	if log == nil {
		log = zap.Must(zap.NewDevelopment())
	}
	if params.OutgoingMessageQueueLength <= 0 {
		params.OutgoingMessageQueueLength = 64
	}
	return &peerRouter{
		params:    params,
		mut_peers: sync.RWMutex{},
		peers:     make(map[netadr.Address]*peerChannels),
		log:       log.With(zap.String("handlerBase", "PeerRouter")),
	}
}

func (r *peerRouter) Open(addr netadr.Address) (*peerChannels, error) {
	r.mut_peers.Lock()
	defer r.mut_peers.Unlock()

	if _, has := r.peers[addr]; has {
		return nil, &DuplicatePeerError{Address: addr}
	}

	channels := &peerChannels{
		outgoing: make(chan []byte, r.params.OutgoingMessageQueueLength),
		closed:   make(chan struct{}),
	}
	r.peers[addr] = channels
	r.log.Debug("Added peer to router", zap.Stringer("addr", addr))
	return channels, nil
}

func (r *peerRouter) Remove(addr netadr.Address) {
	r.mut_peers.Lock()
	defer r.mut_peers.Unlock()

	if channels, has := r.peers[addr]; has {
		close(channels.closed)
		delete(r.peers, addr)
		r.log.Debug("Removed peer from router", zap.Stringer("addr", addr))
	}
}

// Route queues data for addr without blocking.
func (r *peerRouter) Route(addr netadr.Address, data []byte) error {
	r.mut_peers.RLock()
	defer r.mut_peers.RUnlock()

	route, has := r.peers[addr]
	if !has {
		return &UnknownPeerError{Address: addr}
	}

	select {
	case route.outgoing <- data:
		return nil
	default:
		return &PeerQueueFullError{Address: addr}
	}
}

func (r *peerRouter) Len() int {
	r.mut_peers.RLock()
	defer r.mut_peers.RUnlock()
	return len(r.peers)
}
