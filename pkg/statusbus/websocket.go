package statusbus

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Hub is a supplementary, loopback-only websocket push of the same
// snapshot the file publisher just wrote — never the sole source of
// truth, since status.json remains authoritative and UIs must tolerate
// its absence. Grounded on the teacher-adjacent example's websocket
// server: a package-level Upgrader and a write-deadline/ping-period
// constant block. Broadcast writes to each client in turn on the caller's
// goroutine and drops a client whose write fails or misses the deadline;
// no pings are sent.
//
// It is also the daemon's only inbound IPC channel: the same connection a
// UI opens to receive status pushes is where it reports Done/Snooze/Dismiss
// back (spec.md §6: "action callbacks arrive asynchronously and are fed to
// the policy as user-action events").
type Hub struct {
	mu       sync.Mutex
	clients  map[*websocket.Conn]struct{}
	onAction func(action string)
}

// actionMessage is the wire format a connected client sends to report a
// user action: {"action":"done"|"snooze"|"dismiss"}.
type actionMessage struct {
	Action string `json:"action"`
}

const (
	wsWriteWait  = 2 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	// Loopback-only: the HTTP server this hub is mounted on must already
	// bind 127.0.0.1, so no cross-origin check is needed here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHub creates an empty push hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]struct{})}
}

// OnAction registers the callback invoked for every well-formed action
// message a connected client sends. Replaces any previously registered
// callback.
func (h *Hub) OnAction(fn func(action string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onAction = fn
}

// ServeHTTP upgrades the request to a websocket and registers the
// connection until it errors or closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("statusbus: websocket upgrade: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	go h.readPump(conn)
}

// readPump decodes every client message as an action report until the
// client disconnects, then unregisters the connection. A message that
// doesn't decode as JSON closes the connection, the same as any other
// protocol violation.
func (h *Hub) readPump(conn *websocket.Conn) {
	defer h.unregister(conn)
	for {
		var msg actionMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Action == "" {
			continue
		}
		h.mu.Lock()
		onAction := h.onAction
		h.mu.Unlock()
		if onAction != nil {
			onAction(msg.Action)
		}
	}
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// Broadcast pushes a status snapshot to every connected client. A client
// whose write doesn't clear the deadline is dropped rather than allowed to
// stall the others.
func (h *Hub) Broadcast(snap StatusSnapshot) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(snap); err != nil {
			h.unregister(conn)
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHub binds a listener on addr exposing hub at /ws; it does not itself
// restrict addr to loopback (the daemon's --ws-addr default is
// 127.0.0.1:8787). Returns the
// bound address (useful when port 0 was requested) and a close function,
// mirroring the telemetry package's ServeDiagnostics.
func ServeHub(addr string, hub *Hub) (boundAddr string, close func() error, err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("binding websocket listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	server := &http.Server{Handler: mux}

	go server.Serve(ln)

	return ln.Addr().String(), func() error { return server.Close() }, nil
}
