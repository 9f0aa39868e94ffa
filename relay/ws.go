package relay

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var wsPushesSent = promauto.NewCounter(prometheus.CounterOpts{
	Name: "relayer_ws_pushes_sent_total",
	Help: "New-message events pushed over WebSocket.",
})

var upgrader = websocket.Upgrader{
	// Browser clients connect cross-origin; payloads are ciphertext and every
	// mutation is signature-checked, so origin filtering adds nothing.
	CheckOrigin: func(*http.Request) bool { return true },
}

// pushEvent is the server-to-client notification for a fresh delivery.
type pushEvent struct {
	Event     string `json:"event"`
	CID       string `json:"cid"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Timestamp int64  `json:"timestamp"`
	RootID    string `json:"rootId"`
	SessionID string `json:"sessionId"`
	ID        uint64 `json:"id"`
}

// wsConn serializes writes to one WebSocket connection.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// hub tracks which recipients are connected, keyed by lowercased address.
// A new connection for an address replaces the previous one.
type hub struct {
	mu    sync.Mutex
	conns map[string]*wsConn
}

func newHub() *hub {
	return &hub{conns: make(map[string]*wsConn)}
}

func (h *hub) add(address string, ws *websocket.Conn) *wsConn {
	conn := &wsConn{ws: ws}
	h.mu.Lock()
	prev := h.conns[strings.ToLower(address)]
	h.conns[strings.ToLower(address)] = conn
	h.mu.Unlock()
	if prev != nil {
		_ = prev.ws.Close()
	}
	return conn
}

// remove drops the entry only if conn is still the registered connection.
func (h *hub) remove(address string, conn *wsConn) {
	key := strings.ToLower(address)
	h.mu.Lock()
	if h.conns[key] == conn {
		delete(h.conns, key)
	}
	h.mu.Unlock()
}

func (h *hub) get(address string) *wsConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[strings.ToLower(address)]
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, conn := range h.conns {
		_ = conn.ws.Close()
		delete(h.conns, key)
	}
}

// push sends a new-message event to the recipient if connected. Returns true
// when the write succeeded; a failed write tears the connection down.
func (h *hub) push(recipient string, ev *pushEvent) bool {
	conn := h.get(recipient)
	if conn == nil {
		return false
	}
	if err := conn.writeJSON(ev); err != nil {
		log.WithError(err).WithField("recipient", recipient).Debug("WebSocket push failed")
		h.remove(recipient, conn)
		_ = conn.ws.Close()
		return false
	}
	wsPushesSent.Inc()
	return true
}

// wsHandler upgrades /ws/{address} and parks the connection in the hub until
// the client goes away. Inbound frames are drained and discarded; the channel
// is push-only.
func (s *Service) wsHandler(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if address == "" {
		writeError(w, http.StatusBadRequest, "missing address")
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	conn := s.hub.add(address, ws)
	log.WithField("address", address).Debug("WebSocket connected")
	defer func() {
		s.hub.remove(address, conn)
		_ = ws.Close()
		log.WithField("address", address).Debug("WebSocket disconnected")
	}()
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
