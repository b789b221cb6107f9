// Package ws streams bus events to websocket clients as JSON.
package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dccfetch/dccfetch/internal/events"
	"github.com/dccfetch/dccfetch/internal/session"
)

var ErrTooManyClients = errors.New("ws: too many clients")

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			// Drain so RemoveClient's close ends the loop.
			for range c.send {
			}
			return
		}
	}
}

// Broadcaster fans events out to connected clients. A client that cannot
// keep up is disconnected rather than allowed to stall the bus consumer.
type Broadcaster struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	session    *session.Session
	maxClients int
	logger     *zap.Logger
	now        func() time.Time
}

func NewBroadcaster(s *session.Session, maxClients int, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		clients:    make(map[*client]bool),
		session:    s,
		maxClients: maxClients,
		logger:     logger.Named("ws"),
		now:        time.Now,
	}
}

// AddClient registers conn and queues the current session snapshot to it.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{conn: conn, b: b, send: make(chan []byte, clientBuffer)}

	// The snapshot is queued before registration so it precedes any event.
	if b.session != nil {
		data, err := json.Marshal(WSMessage{
			Type:    MsgSnapshot,
			Payload: SnapshotPayload{Session: b.session.Snapshot()},
		})
		if err == nil {
			c.send <- data
		}
	}

	b.mu.Lock()
	if b.maxClients > 0 && len(b.clients) >= b.maxClients {
		b.mu.Unlock()
		return nil, ErrTooManyClients
	}
	b.clients[c] = true
	b.mu.Unlock()

	go c.writePump()
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

// Handler returns the bus handler that broadcasts each event.
func (b *Broadcaster) Handler() events.Handler {
	return b.Broadcast
}

func (b *Broadcaster) Broadcast(ev events.Event) {
	data, err := json.Marshal(WSMessage{
		Type:    MsgEvent,
		Payload: EventPayload{Type: ev.Type, Data: ev.Data, Time: b.now()},
	})
	if err != nil {
		b.logger.Warn("broadcast marshal error", zap.String("type", ev.Type), zap.Error(err))
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		b.mu.RLock()
		live := b.clients[c]
		if live {
			select {
			case c.send <- data:
			default:
				live = false
			}
		}
		b.mu.RUnlock()
		if !live && b.isRegistered(c) {
			b.logger.Info("ws client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

func (b *Broadcaster) isRegistered(c *client) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.clients[c]
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
}
