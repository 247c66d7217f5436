package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is the HTTP layer's problem
		return true
	},
}

// wsRequest is the client's subscription control message, in the
// exchange's native shape: {"method":"SUBSCRIBE","params":[...],"id":1}
type wsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// wsAck answers a control message
type wsAck struct {
	Result interface{} `json:"result"`
	ID     int64       `json:"id"`
}

// streamMessage is the combined-stream envelope all data goes out in
type streamMessage struct {
	Stream string      `json:"stream"`
	Data   interface{} `json:"data"`
}

// Hub maintains active websocket connections and routes stream payloads
// to the clients subscribed to them.
type Hub struct {
	log *zap.SugaredLogger

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex
}

// NewHub creates an empty hub
func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run owns client registration for the life of the server
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debugw("ws_client_connected", "client", client.id, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debugw("ws_client_disconnected", "client", client.id, "total", total)
		}
	}
}

// BroadcastStream sends one payload to every client subscribed to stream
func (h *Hub) BroadcastStream(stream string, data interface{}) {
	message, err := json.Marshal(streamMessage{Stream: stream, Data: data})
	if err != nil {
		h.log.Errorw("ws_marshal_failed", "stream", stream, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.IsSubscribed(stream) {
			continue
		}
		select {
		case client.send <- message:
		default:
			// Buffer full, drop for this client
		}
	}
}

// Client is one websocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subscriptions map[string]bool
	subsMu        sync.RWMutex
}

// IsSubscribed checks a stream subscription
func (c *Client) IsSubscribed(stream string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[stream]
}

// Subscribe adds a stream subscription
func (c *Client) Subscribe(stream string) {
	c.subsMu.Lock()
	c.subscriptions[stream] = true
	c.subsMu.Unlock()
}

// Unsubscribe removes a stream subscription
func (c *Client) Unsubscribe(stream string) {
	c.subsMu.Lock()
	delete(c.subscriptions, stream)
	c.subsMu.Unlock()
}

// readPump consumes control messages until the connection drops
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debugw("ws_read_error", "client", c.id, "err", err)
			}
			break
		}

		var req wsRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.log.Debugw("ws_bad_message", "client", c.id, "err", err)
			continue
		}

		switch req.Method {
		case "SUBSCRIBE":
			for _, stream := range req.Params {
				c.Subscribe(stream)
			}
			c.ack(req.ID)
		case "UNSUBSCRIBE":
			for _, stream := range req.Params {
				c.Unsubscribe(stream)
			}
			c.ack(req.ID)
		case "LIST_SUBSCRIPTIONS":
			c.subsMu.RLock()
			subs := make([]string, 0, len(c.subscriptions))
			for s := range c.subscriptions {
				subs = append(subs, s)
			}
			c.subsMu.RUnlock()
			if data, err := json.Marshal(wsAck{Result: subs, ID: req.ID}); err == nil {
				c.send <- data
			}
		default:
			c.hub.log.Debugw("ws_unknown_method", "client", c.id, "method", req.Method)
		}
	}
}

func (c *Client) ack(id int64) {
	data, err := json.Marshal(wsAck{Result: nil, ID: id})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump drains the send buffer onto the wire
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Fold queued messages into the same write
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebSocket upgrades the connection and starts the pumps
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	client := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		id:            uuid.NewString(),
		subscriptions: make(map[string]bool),
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}
