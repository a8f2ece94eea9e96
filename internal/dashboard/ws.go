package dashboard

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"unlockflow/logger"
)

const wsWriteTimeout = 5 * time.Second

// wsHub tracks connected websocket clients and pushes a refresh notification
// whenever a new dataset goes live. Clients react by re-fetching the REST
// endpoints; the dataset itself is not pushed over the socket.
type wsHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	log     *logger.Log

	upgrader websocket.Upgrader
}

func newWSHub(log *logger.Log) *wsHub {
	return &wsHub{
		clients: make(map[*websocket.Conn]struct{}),
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served from the same process; cross-origin
			// viewers are allowed, same as the REST endpoints.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *wsHub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithComponent("dashboard").WithError(err).Warn("websocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	// Drain reads so control frames are processed; any read error drops the
	// client.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *wsHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// broadcast sends the payload to every connected client, dropping clients
// whose writes fail.
func (h *wsHub) broadcast(payload interface{}) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(payload); err != nil {
			h.drop(conn)
		}
	}
}

func (h *wsHub) close() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(wsWriteTimeout))
		conn.Close()
	}
}

func (h *wsHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
