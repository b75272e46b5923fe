package notify

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"veridraw/internal/domain"
)

const (
	writeWait   = 5 * time.Second
	readWait    = 60 * time.Second
	pingPeriod  = readWait * 9 / 10
	clientQueue = 64
)

// Hub is a sink that pushes notifications to connected websocket clients
// subscribed in a recipient role.
type Hub struct {
	Logger *log.Logger
	// PingInterval must stay below the 60s read deadline; zero means 54s.
	PingInterval time.Duration
	upgrader     websocket.Upgrader

	mu      sync.Mutex
	clients map[*subscriber]struct{}
}

type subscriber struct {
	actor domain.Actor
	out   chan []byte
}

func NewHub() *Hub {
	return &Hub{
		Logger: log.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*subscriber]struct{}),
	}
}

func (h *Hub) Name() string { return "websocket" }

// Deliver fans n out to matching subscribers. A subscriber whose queue is
// full is dropped rather than stalling the dispatcher.
func (h *Hub) Deliver(_ context.Context, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.clients {
		if !n.AddressedTo(sub.actor.Role) {
			continue
		}
		select {
		case sub.out <- data:
		default:
			delete(h.clients, sub)
			close(sub.out)
		}
	}
	return nil
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) join(actor domain.Actor) *subscriber {
	sub := &subscriber{actor: actor, out: make(chan []byte, clientQueue)}
	h.mu.Lock()
	h.clients[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) leave(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.clients[sub]; ok {
		delete(h.clients, sub)
		close(sub.out)
	}
	h.mu.Unlock()
}

// Serve upgrades the request and streams notifications for actor until the
// client disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := h.join(actor)
	defer h.leave(sub)

	interval := h.PingInterval
	if interval <= 0 {
		interval = pingPeriod
	}
	writeErr := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case data, ok := <-sub.out:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
					writeErr <- nil
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					writeErr <- err
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					writeErr <- err
					return
				}
			}
		}
	}()

	// Clients only send control frames; each pong pushes the read deadline out.
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
	}
	h.leave(sub)
	select {
	case err := <-writeErr:
		if err != nil && h.Logger != nil {
			h.Logger.Printf("notify: websocket %s: %v", actor.ID, err)
		}
	case <-time.After(500 * time.Millisecond):
	}
}
