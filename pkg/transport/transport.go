// Package transport moves whole datagrams between the server and its peers.
// Every transport hands received datagrams to one shared channel and accepts
// outbound datagrams addressed by netadr.Address.
package transport

import (
	"context"
	"fmt"

	"github.com/sessamekesh/spanreed-snapserver/pkg/netadr"
)

// Datagram is one received packet together with the transport to answer on.
type Datagram struct {
	Via  Transport
	From netadr.Address
	Data []byte
}

type Transport interface {
	Name() string

	// Start pushes received datagrams into incoming until ctx is done. It
	// never blocks on a full channel; datagrams that do not fit are dropped.
	Start(ctx context.Context, incoming chan<- Datagram) error

	Send(to netadr.Address, data []byte) error
}

type NotStartedError struct {
	Transport string
}

func (e *NotStartedError) Error() string {
	return fmt.Sprintf("Transport %s has not been started", e.Transport)
}

type UnknownPeerError struct {
	Address netadr.Address
}

func (e *UnknownPeerError) Error() string {
	return fmt.Sprintf("No open connection to peer %s", e.Address)
}

type PeerQueueFullError struct {
	Address netadr.Address
}

func (e *PeerQueueFullError) Error() string {
	return fmt.Sprintf("Outgoing queue for peer %s is full", e.Address)
}

type NonBinaryMessage struct{}

func (m *NonBinaryMessage) Error() string {
	return "Non binary message received"
}

func offer(incoming chan<- Datagram, d Datagram) bool {
	select {
	case incoming <- d:
		return true
	default:
		return false
	}
}
