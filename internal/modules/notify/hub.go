// README: WebSocket hub; each connection joins its user room and may join ride rooms.
package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"ridecore/internal/types"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Frame is the wire shape of every server-to-client message.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type clientMessage struct {
	Type   string `json:"type"`
	RideID int64  `json:"ride_id"`
}

// RideAccess reports whether a user may watch a ride room.
type RideAccess func(ctx context.Context, userID types.ID, rideID int64) bool

type client struct {
	hub    *Hub
	userID types.ID
	conn   *websocket.Conn
	send   chan []byte
	rooms  map[string]struct{}
	dead   bool
}

type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*client]struct{}
	closed bool
	access RideAccess
	log    *slog.Logger
}

func NewHub(access RideAccess, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		rooms:  map[string]map[*client]struct{}{},
		access: access,
		log:    log,
	}
}

// ServeWS upgrades an authenticated request and joins the caller's own room.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, self Target) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:    h,
		userID: types.ID(self.ID),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		rooms:  map[string]struct{}{},
	}
	if !h.join(c, self.Room()) {
		_ = conn.Close()
		return
	}
	c.enqueue(Frame{Event: "connected", Data: map[string]string{"room": self.Room()}})

	go c.writePump()
	go c.readPump()
}

func (h *Hub) Emit(ctx context.Context, target Target, event string, payload any) error {
	msg, err := json.Marshal(Frame{Event: event, Data: payload})
	if err != nil {
		return err
	}
	var slow []*client
	h.mu.RLock()
	for c := range h.rooms[target.Room()] {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("ws client too slow, dropping", slog.String("user_id", string(c.userID)))
		h.drop(c)
	}
	return nil
}

// Connections returns the number of sessions in a room.
func (h *Hub) Connections(target Target) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[target.Room()])
}

// Close disconnects every session; later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	seen := map[*client]struct{}{}
	for _, members := range h.rooms {
		for c := range members {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				all = append(all, c)
			}
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		h.drop(c)
	}
}

func (h *Hub) join(c *client, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || c.dead {
		return false
	}
	members, ok := h.rooms[room]
	if !ok {
		members = map[*client]struct{}{}
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
	return true
}

func (h *Hub) leave(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, room)
}

func (h *Hub) removeLocked(c *client, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// drop detaches c from every room and closes its send queue, which ends
// the write pump. Sends happen under the read lock, so closing under the
// write lock cannot race them.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.dead {
		return
	}
	c.dead = true
	for room := range c.rooms {
		h.removeLocked(c, room)
	}
	close(c.send)
}

func (c *client) enqueue(f Frame) {
	msg, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.dead {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.drop(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("ws read failed", slog.String("error", err.Error()))
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.enqueue(Frame{Event: "error", Data: map[string]string{"error": "malformed message"}})
			continue
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg clientMessage) {
	room := Ride(msg.RideID).Room()
	switch msg.Type {
	case "join":
		if c.hub.access != nil && !c.hub.access(context.Background(), c.userID, msg.RideID) {
			c.enqueue(Frame{Event: "error", Data: map[string]string{"error": "forbidden"}})
			return
		}
		if c.hub.join(c, room) {
			c.enqueue(Frame{Event: "joined", Data: map[string]string{"room": room}})
		}
	case "leave":
		c.hub.leave(c, room)
	default:
		c.enqueue(Frame{Event: "error", Data: map[string]string{"error": "unknown type"}})
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
