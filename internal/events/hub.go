// Package events broadcasts build progress to UI subscribers over
// websockets. Subscribers join a room per plan id and receive phase and
// session state transitions as they happen.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"phaseforge/internal/logging"
	"phaseforge/internal/phases"
	"phaseforge/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The UI and API share an origin; same-origin is enforced upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one progress message sent to subscribers
type Event struct {
	Type      string      `json:"type"` // phase_update, session_update
	PlanID    string      `json:"plan_id"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// phaseUpdate is the wire form of a phase transition
type phaseUpdate struct {
	Number       int      `json:"number"`
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	BuiltSummary string   `json:"built_summary,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

// sessionUpdate is the wire form of a session state transition
type sessionUpdate struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// Hub maintains subscriber connections grouped by plan id
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*client]bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*client]bool)}
}

// NotifyPhase implements session.Notifier.
func (h *Hub) NotifyPhase(planID string, phase *phases.DynamicPhase) {
	h.broadcast(planID, Event{
		Type:   "phase_update",
		PlanID: planID,
		Payload: phaseUpdate{
			Number:       phase.Number,
			Name:         phase.Name,
			Status:       string(phase.Status),
			BuiltSummary: phase.BuiltSummary,
			Errors:       phase.Errors,
		},
		Timestamp: time.Now().UTC(),
	})
}

// NotifySession implements session.Notifier.
func (h *Hub) NotifySession(planID string, state session.State, detail string) {
	h.broadcast(planID, Event{
		Type:      "session_update",
		PlanID:    planID,
		Payload:   sessionUpdate{State: string(state), Detail: detail},
		Timestamp: time.Now().UTC(),
	})
}

func (h *Hub) broadcast(planID string, event Event) {
	raw, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[planID] {
		select {
		case c.send <- raw:
		default:
			// Slow consumer; drop the message rather than block the build.
		}
	}
}

// HandleWS upgrades a request to a websocket subscription for a plan.
// GET /ws/plans/:id
func (h *Hub) HandleWS(c *gin.Context) {
	planID := c.Param("id")
	if planID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "plan id required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.S().Warnw("Events: websocket upgrade failed", "error", err)
		return
	}

	cl := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.join(planID, cl)

	go cl.writePump()
	go func() {
		cl.readPump()
		h.leave(planID, cl)
	}()
}

func (h *Hub) join(planID string, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[planID] == nil {
		h.rooms[planID] = make(map[*client]bool)
	}
	h.rooms[planID][cl] = true
}

func (h *Hub) leave(planID string, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[planID]; ok {
		delete(room, cl)
		if len(room) == 0 {
			delete(h.rooms, planID)
		}
	}
	close(cl.send)
	_ = cl.conn.Close()
}

// readPump drains the connection until the client disconnects.
// Subscribers are read-only; inbound messages are discarded.
func (cl *client) readPump() {
	cl.conn.SetReadLimit(maxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (cl *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
