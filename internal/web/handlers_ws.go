package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"radar-go-home/internal/radar"
	"radar-go-home/internal/store"
)

// wsMessage is the envelope for every frame sent to a WebSocket client.
type wsMessage struct {
	Type string `json:"type"` // "state", "command", "snapshot" or "result"

	// state and command
	Entity string     `json:"entity,omitempty"`
	Value  any        `json:"value,omitempty"`
	Time   *time.Time `json:"time,omitempty"`

	// snapshot
	States []store.EntityState `json:"states,omitempty"`

	// result
	Ref   string `json:"ref,omitempty"`
	Error string `json:"error,omitempty"`
}

// wsCommand is a client request to set an entity.
type wsCommand struct {
	Ref    string `json:"ref"`
	Entity string `json:"entity"`
	Value  any    `json:"value"`
}

func eventMessage(ev radar.Event) wsMessage {
	t := ev.Time
	return wsMessage{Type: ev.Type, Entity: ev.Entity, Value: ev.Value, Time: &t, Error: ev.Error}
}

// WSHub manages WebSocket connections and broadcasts radar events.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan wsMessage

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan wsMessage, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("ws marshal", "err", err)
				continue
			}
			h.mu.Lock()
			var slow []*wsClient
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				delete(h.clients, client)
				close(client.send)
				h.logger.Warn("ws client evicted (too slow)")
			}
			h.mu.Unlock()
		}
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues a radar event for every connected client. It never blocks;
// events are dropped when the queue is full.
func (h *WSHub) Broadcast(ev radar.Event) {
	select {
	case h.broadcast <- eventMessage(ev):
	default:
		h.logger.Warn("ws broadcast channel full, dropping event", "entity", ev.Entity)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	conn.SetReadLimit(4096)

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// The snapshot is queued before registration so it precedes any live event.
	if s.states != nil {
		if data, err := json.Marshal(wsMessage{Type: "snapshot", States: s.states.Snapshot()}); err == nil {
			client.send <- data
		}
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	var pending sync.WaitGroup
	defer func() {
		pending.Wait()
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		typ, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Entity == "" {
			s.wsReply(client, wsMessage{Type: "result", Ref: cmd.Ref, Error: "invalid command"})
			continue
		}
		pending.Add(1)
		go func() {
			defer pending.Done()
			s.wsExec(ctx, client, cmd)
		}()
	}
}

// wsExec runs one client command and replies with its outcome.
func (s *Server) wsExec(ctx context.Context, client *wsClient, cmd wsCommand) {
	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()
	reply := wsMessage{Type: "result", Ref: cmd.Ref, Entity: cmd.Entity}
	if err := s.radar.Set(ctx, cmd.Entity, cmd.Value); err != nil {
		reply.Error = err.Error()
	}
	s.wsReply(client, reply)
}

// wsReply sends msg to one client. The hub may close client.send at any
// time, so the send holds the hub lock and checks membership first.
func (s *Server) wsReply(client *wsClient, msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.wsHub.mu.RLock()
	defer s.wsHub.mu.RUnlock()
	if _, ok := s.wsHub.clients[client]; !ok {
		return
	}
	select {
	case client.send <- data:
	default:
		s.logger.Warn("ws reply dropped", "entity", msg.Entity)
	}
}
