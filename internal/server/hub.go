package server

import (
	"sync"
	"time"

	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 16
)

type client struct {
	conn     *websocket.Conn
	mechanic types.MechanicID
	send     chan []byte
}

// Hub fans frames out to connected mechanics. Each client has its own
// writer goroutine so one slow socket cannot stall a broadcast.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]bool)}
}

// Add registers conn and starts its reader and writer. It returns at once.
func (h *Hub) Add(conn *websocket.Conn, mechanic types.MechanicID) {
	c := &client{conn: conn, mechanic: mechanic, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	log.Info("Mechanic connected", "mechanic_id", mechanic, "clients", n)

	go h.writeLoop(c)
	go func() {
		defer h.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()
	log.Info("Mechanic disconnected", "mechanic_id", c.mechanic, "clients", n)
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Warn("Write to mechanic failed", "mechanic_id", c.mechanic, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast queues frame for every client accepted by to (nil means all).
// A client whose buffer is full is dropped.
func (h *Hub) Broadcast(frame []byte, to func(types.MechanicID) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	sent := 0
	for c := range h.clients {
		if to != nil && !to(c.mechanic) {
			continue
		}
		select {
		case c.send <- frame:
			sent++
		default:
			log.Warn("Dropping slow mechanic", "mechanic_id", c.mechanic)
			delete(h.clients, c)
			close(c.send)
		}
	}
	return sent
}

// Kick closes every connection of mechanic. Used to simulate drops.
func (h *Hub) Kick(mechanic types.MechanicID) int {
	h.mu.Lock()
	var conns []*websocket.Conn
	for c := range h.clients {
		if c.mechanic == mechanic {
			conns = append(conns, c.conn)
		}
	}
	h.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
	return len(conns)
}

// Close drops every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
