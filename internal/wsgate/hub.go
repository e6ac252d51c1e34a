package wsgate

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/session"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Controller accepts control commands.
type Controller interface {
	Handle(ctx context.Context, cmd protocol.ControlCommand) protocol.ControlReply
}

// Hub is the browser-facing surface: it pushes session events to every
// connected WebSocket and applies the commands clients send back.
type Hub struct {
	ctrl     Controller
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

func NewHub(ctrl Controller, log *slog.Logger) *Hub {
	return &Hub{
		ctrl:    ctrl,
		log:     log.With(slog.String("component", "wsgate")),
		clients: make(map[*client]struct{}),
	}
}

// OnEvent broadcasts the event. Clients that cannot keep up are dropped.
func (h *Hub) OnEvent(_ context.Context, event session.Event) {
	wire := event.Wire()
	data, err := json.Marshal(protocol.Envelope{Event: &wire})
	if err != nil {
		h.log.Error("failed to encode event", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("dropping slow websocket client", slog.String("remote", c.conn.RemoteAddr().String()))
			delete(h.clients, c)
			c.close()
		}
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("websocket client connected", slog.String("remote", conn.RemoteAddr().String()))

	go h.writeLoop(c)

	h.reply(c, h.ctrl.Handle(r.Context(), protocol.ControlCommand{Cmd: protocol.CmdStatus}))
	h.readLoop(r.Context(), c)
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		var cmd protocol.ControlCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.reply(c, protocol.ControlReply{Error: "invalid command: " + err.Error()})
			continue
		}
		h.reply(c, h.ctrl.Handle(context.WithoutCancel(ctx), cmd))
	}
}

func (h *Hub) reply(c *client, reply protocol.ControlReply) {
	data, err := json.Marshal(protocol.Envelope{Reply: &reply})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}
