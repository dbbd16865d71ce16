package events

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/avdm/gop2pd/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
)

// WebSocketServer exposes the event bus to UI subscribers. Clients
// connect to /ws?account=<id> to additionally join an account room;
// everyone joins the user room.
type WebSocketServer struct {
	bus      *Bus
	logger   logging.Logger
	upgrader websocket.Upgrader
}

// NewWebSocketServer wires a server onto the bus.
func NewWebSocketServer(bus *Bus, logger logging.Logger) *WebSocketServer {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &WebSocketServer{
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and streams bus events until the
// client goes away.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	rooms := []Room{UserRoom}
	if acc := r.URL.Query().Get("account"); acc != "" {
		rooms = append(rooms, AccountRoom(acc))
	}
	ch, cancel := s.bus.Subscribe(rooms...)

	connID := uuid.NewString()
	s.logger.Info("websocket subscriber connected", "conn", connID, "rooms", len(rooms))

	go s.readLoop(conn, cancel)
	s.writeLoop(conn, ch, cancel, connID)
}

// readLoop discards inbound frames; it exists to notice closes and to
// keep pong handling alive.
func (s *WebSocketServer) readLoop(conn *websocket.Conn, cancel func()) {
	defer cancel()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *WebSocketServer) writeLoop(conn *websocket.Conn, ch <-chan []byte, cancel func(), connID string) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
		s.logger.Info("websocket subscriber disconnected", "conn", connID)
	}()

	for {
		select {
		case payload, ok := <-ch:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
