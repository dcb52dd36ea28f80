package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sessamekesh/spanreed-snapserver/pkg/netadr"
	"github.com/sessamekesh/spanreed-snapserver/pkg/netchan"
	utils "github.com/sessamekesh/spanreed-snapserver/pkg/util"
	"go.uber.org/zap"
)

// WebsocketTransport carries datagrams to browser clients. One binary
// WebSocket message is one datagram, and the peer is addressed by the
// remote address of its HTTP connection.
type WebsocketTransport struct {
	upgrader *websocket.Upgrader

	params WebsocketTransportParams
	router *peerRouter

	mut_incoming sync.RWMutex
	incoming     chan<- Datagram

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator
}

type WebsocketTransportParams struct {
	Name             string
	ListenAddress    string
	ListenEndpoint   string
	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	OutgoingMessageQueueLength int

	Logger *zap.Logger
}

func checkOrigin(r *http.Request, params WebsocketTransportParams) bool {
	origin := r.Header.Get("Origin")
	if utils.Contains(origin, params.DenylistedHosts) {
		return false
	}

	if params.AllowAllHosts {
		return true
	}

	return utils.Contains(origin, params.AllowlistedHosts)
}

func CreateWebsocketTransport(params WebsocketTransportParams) *WebsocketTransport {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.Name == "" {
		params.Name = "websocket"
	}
	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/ws"
	}

	return &WebsocketTransport{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params)
			},
			ReadBufferSize:  netchan.MaxPacketLen,
			WriteBufferSize: netchan.MaxPacketLen,
		},
		params: params,
		router: createPeerRouter(PeerRouterParams{OutgoingMessageQueueLength: params.OutgoingMessageQueueLength}, logger),

		log:       logger.With(zap.String("handler", "WebSocket")),
		stringGen: utils.CreateRandomstringGenerator(time.Now().UnixMicro()),
	}
}

func (ws *WebsocketTransport) Name() string {
	return ws.params.Name
}

// Handler serves the WebSocket endpoint. Start mounts it on its own server;
// it can also be mounted on an existing mux.
func (ws *WebsocketTransport) Handler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.onWsRequest(ctx, w, r)
	})
}

func (ws *WebsocketTransport) onWsRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	log := ws.log.With(
		zap.String("wsConnId", ws.stringGen.GetRandomString(6)),
	)

	addr, addrErr := netadr.Parse(r.RemoteAddr)
	if addrErr != nil {
		log.Warn("Cannot parse remote address of WebSocket request", zap.String("remoteAddr", r.RemoteAddr), zap.Error(addrErr))
		http.Error(w, "bad remote address", http.StatusBadRequest)
		return
	}
	log = log.With(zap.Stringer("addr", addr))

	log.Info("New WebSocket request")
	c, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}
	defer c.Close()

	c.SetReadLimit(netchan.MaxPacketLen)

	channels, err := ws.router.Open(addr)
	if err != nil {
		log.Error("Failed to establish Go channels for new peer", zap.Error(err))
		return
	}
	defer ws.router.Remove(addr)

	wg := sync.WaitGroup{}
	readDone := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Debug("Starting WebSocket writer goroutine")
		for {
			select {
			case <-ctx.Done():
				c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), time.Now().Add(time.Second))
				c.Close()
				return
			case <-readDone:
				return
			case <-channels.closed:
				c.Close()
				return
			case packet := <-channels.outgoing:
				if err := c.WriteMessage(websocket.BinaryMessage, packet); err != nil {
					log.Debug("WebSocket write failed", zap.Error(err))
					c.Close()
					return
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(readDone)
		expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}
		for {
			msgType, payload, msgErr := c.ReadMessage()
			if msgErr != nil {
				if websocket.IsCloseError(msgErr, expectedCloseErrors...) {
					log.Info("Received close request from client")
					return
				}
				if errors.Is(msgErr, websocket.ErrReadLimit) {
					log.Warn("Client sent an oversized message, closing")
					return
				}
				log.Debug("WebSocket read ended", zap.Error(msgErr))
				return
			}

			if msgType != websocket.BinaryMessage {
				log.Info("Ignoring message", zap.Int("size", len(payload)), zap.Error(&NonBinaryMessage{}))
				continue
			}

			if !ws.offer(Datagram{Via: ws, From: addr, Data: payload}) {
				log.Debug("Incoming datagram queue full, dropping")
			}
		}
	}()

	wg.Wait()
}

func (ws *WebsocketTransport) offer(d Datagram) bool {
	ws.mut_incoming.RLock()
	defer ws.mut_incoming.RUnlock()
	if ws.incoming == nil {
		return false
	}
	return offer(ws.incoming, d)
}

func (ws *WebsocketTransport) Start(ctx context.Context, incoming chan<- Datagram) error {
	ws.mut_incoming.Lock()
	ws.incoming = incoming
	ws.mut_incoming.Unlock()

	mux := http.NewServeMux()
	mux.Handle(ws.params.ListenEndpoint, ws.Handler(ctx))

	server := &http.Server{
		Addr:              ws.params.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		ws.log.Sugar().Infof("Starting WebSocket server at %s", ws.params.ListenAddress)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			ws.log.Error("Unexpected WebSocket server close!", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()

		shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownRelease()
		ws.log.Info("Attempting to trigger shutdown of WebSocket server")

		if err := server.Shutdown(shutdownCtx); err != nil {
			ws.log.Error("Failed to gracefully shut down WebSocket server", zap.Error(err))
			return
		}
		ws.log.Info("Successfully shutdown WebSocket server")
	}()

	wg.Wait()

	ws.mut_incoming.Lock()
	ws.incoming = nil
	ws.mut_incoming.Unlock()

	ws.log.Info("All WebSocket server goroutines finished. Exiting gracefully!")
	return nil
}

// Attach lets a test or embedding program feed the transport without Start.
func (ws *WebsocketTransport) Attach(incoming chan<- Datagram) {
	ws.mut_incoming.Lock()
	defer ws.mut_incoming.Unlock()
	ws.incoming = incoming
}

func (ws *WebsocketTransport) Send(to netadr.Address, data []byte) error {
	return ws.router.Route(to, append([]byte(nil), data...))
}
