package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sessamekesh/spanreed-snapserver/pkg/netadr"
	"github.com/sessamekesh/spanreed-snapserver/pkg/netchan"
	"go.uber.org/zap"
)

const DefaultUdpPort = 27960

type UdpTransportParams struct {
	Name string
	// Zero binds DefaultUdpPort; use ListenAddress ":0" for an ephemeral port.
	Port          int
	ListenAddress string

	ReadBufferSize  int
	WriteBufferSize int

	Logger *zap.Logger
}

type UdpTransport struct {
	params UdpTransportParams
	log    *zap.Logger

	mut_conn sync.RWMutex
	conn     *net.UDPConn
}

func CreateUdpTransport(params UdpTransportParams) *UdpTransport {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.Name == "" {
		params.Name = "udp"
	}
	return &UdpTransport{
		params: params,
		log:    logger.With(zap.String("handler", "udpTransport")),
	}
}

func (s *UdpTransport) Name() string {
	return s.params.Name
}

// Listen binds the socket. Start calls it if it has not been called yet.
func (s *UdpTransport) Listen() error {
	s.mut_conn.Lock()
	defer s.mut_conn.Unlock()

	if s.conn != nil {
		return nil
	}

	listenAddress := s.params.ListenAddress
	if listenAddress == "" {
		port := s.params.Port
		if port == 0 {
			port = DefaultUdpPort
		}
		listenAddress = fmt.Sprintf(":%d", port)
	}

	hostAddr, hostAddrErr := net.ResolveUDPAddr("udp", listenAddress)
	if hostAddrErr != nil {
		return hostAddrErr
	}

	conn, listenErr := net.ListenUDP("udp", hostAddr)
	if listenErr != nil {
		return listenErr
	}

	if s.params.ReadBufferSize > 0 {
		conn.SetReadBuffer(s.params.ReadBufferSize)
	}
	if s.params.WriteBufferSize > 0 {
		conn.SetWriteBuffer(s.params.WriteBufferSize)
	}

	s.conn = conn
	return nil
}

func (s *UdpTransport) LocalAddr() netadr.Address {
	s.mut_conn.RLock()
	defer s.mut_conn.RUnlock()

	if s.conn == nil {
		return netadr.Address{}
	}
	return netadr.FromNetAddr(s.conn.LocalAddr())
}

func (s *UdpTransport) Start(ctx context.Context, incoming chan<- Datagram) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mut_conn.RLock()
	conn := s.conn
	s.mut_conn.RUnlock()

	wg := sync.WaitGroup{}

	//
	// Connection closing goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		conn.Close()
	}()

	//
	// Datagram listening goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.log.Info("Listening for UDP datagrams", zap.Stringer("addr", conn.LocalAddr()))

		// One byte past the limit so oversized datagrams can be detected.
		var buf [netchan.MaxPacketLen + 1]byte
		for {
			bytesRead, clientAddr, err := conn.ReadFromUDPAddrPort(buf[0:])
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					s.log.Info("UDP server connection close requested - exiting datagram listening goroutine")
					return
				}
				s.log.Error("Error reading UDP datagram from connection, closing!", zap.Error(err))
				return
			}

			if bytesRead > netchan.MaxPacketLen {
				s.log.Debug("Dropping oversized datagram", zap.Stringer("from", clientAddr), zap.Int("size", bytesRead))
				continue
			}

			d := Datagram{
				Via:  s,
				From: netadr.FromAddrPort(clientAddr),
				Data: append([]byte(nil), buf[0:bytesRead]...),
			}
			if !offer(incoming, d) {
				s.log.Debug("Incoming datagram queue full, dropping", zap.Stringer("from", clientAddr))
			}
		}
	}()

	wg.Wait()

	s.mut_conn.Lock()
	s.conn = nil
	s.mut_conn.Unlock()
	return nil
}

func (s *UdpTransport) Send(to netadr.Address, data []byte) error {
	s.mut_conn.RLock()
	defer s.mut_conn.RUnlock()

	if s.conn == nil {
		return &NotStartedError{Transport: s.params.Name}
	}
	_, err := s.conn.WriteToUDPAddrPort(data, to.AddrPort())
	return err
}
