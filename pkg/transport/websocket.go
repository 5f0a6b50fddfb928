package transport

import (
	"context"
	goerrs "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opentraffic/tracihub/pkg/storage"
	utils "github.com/opentraffic/tracihub/pkg/util"
)

// WebSocket clients exchange protocol messages as binary WS messages, one
// message per frame; the WS layer supplies the message boundary that the
// TCP transport gets from its length prefix.

type wsConn struct {
	conn *websocket.Conn
	log  *zap.Logger
}

func (c *wsConn) SendExact(s *storage.Storage) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, s.Bytes())
}

func (c *wsConn) ReceiveExact(s *storage.Storage) error {
	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.BinaryMessage {
			c.log.Info("Received non-binary message, ignoring", zap.Int("size", len(payload)))
			continue
		}

		s.Reset()
		s.WriteBytes(payload)
		return nil
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

type wsListener struct {
	ln       net.Listener
	endpoint string
	accepted bool

	upgrader  *websocket.Upgrader
	log       *zap.Logger
	stringGen *utils.RandomStringGenerator
}

type WebSocketListenerParams struct {
	Port     int
	Endpoint string

	Logger *zap.Logger
}

// NewWebSocketListener opens a listening socket whose single accepted peer
// arrives as a WebSocket upgrade on the configured HTTP endpoint.
func NewWebSocketListener(params WebSocketListenerParams) (Listener, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	endpoint := params.Endpoint
	if endpoint == "" {
		endpoint = "/traci"
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", params.Port))
	if err != nil {
		return nil, err
	}

	return &wsListener{
		ln:       ln,
		endpoint: endpoint,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:       logger.With(zap.String("handler", "WebSocket"), zap.Int("port", ln.Addr().(*net.TCPAddr).Port)),
		stringGen: utils.CreateRandomStringGenerator(time.Now().UnixMicro()),
	}, nil
}

func (l *wsListener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

func (l *wsListener) Accept() (Conn, error) {
	if l.accepted {
		return nil, net.ErrClosed
	}

	accepted := make(chan *websocket.Conn, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(l.endpoint, func(w http.ResponseWriter, r *http.Request) {
		log := l.log.With(zap.String("wsConnId", l.stringGen.GetRandomString(6)))
		log.Info("New WebSocket request")

		c, err := l.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
			return
		}

		select {
		case accepted <- c:
		default:
			// A peer already claimed this session.
			log.Warn("Rejecting second WebSocket connection on single-client port")
			c.Close()
		}
	})

	server := &http.Server{Handler: mux}
	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(l.ln); !goerrs.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var conn *websocket.Conn
	select {
	case conn = <-accepted:
	case err := <-serveErr:
		return nil, err
	}
	l.accepted = true

	// One peer per port; stop serving upgrades once it arrives.
	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownRelease()
	if err := server.Shutdown(shutdownCtx); err != nil {
		l.log.Error("Failed to gracefully shut down WebSocket server", zap.Error(err))
	}

	return &wsConn{conn: conn, log: l.log}, nil
}

func (l *wsListener) Close() error {
	return l.ln.Close()
}
