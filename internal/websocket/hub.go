// Package websocket pushes task and account status changes to connected
// frontends. Clients authenticate with the same JWT the REST API uses.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tgsuite/backend/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS handled at the gin layer
	},
}

// Message represents a WebSocket message
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Client represents one connected frontend
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	orgID  string
	rooms  map[string]bool
}

// Hub maintains the set of active clients and broadcasts messages
type Hub struct {
	clients    map[*Client]bool
	userMap    map[string][]*Client        // userID -> clients
	rooms      map[string]map[*Client]bool // room -> clients
	broadcast  chan *BroadcastMessage
	register   chan *Client
	unregister chan *Client
	log        zerolog.Logger
	mu         sync.RWMutex
}

type BroadcastMessage struct {
	Target  string // "all", "user:<id>", "room:<name>"
	Type    string
	Payload interface{}
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		userMap:    make(map[string][]*Client),
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan *BroadcastMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log.With().Str("component", "ws-hub").Logger(),
	}
}

// Run starts the Hub main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if client.userID != "" {
				h.userMap[client.userID] = append(h.userMap[client.userID], client)
			}
			h.mu.Unlock()
			h.log.Debug().Str("user_id", client.userID).Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)

				if clients, ok := h.userMap[client.userID]; ok {
					for i, c := range clients {
						if c == client {
							h.userMap[client.userID] = append(clients[:i], clients[i+1:]...)
							break
						}
					}
				}

				for room := range client.rooms {
					if roomClients, ok := h.rooms[room]; ok {
						delete(roomClients, client)
					}
				}
			}
			h.mu.Unlock()
			h.log.Debug().Str("user_id", client.userID).Msg("client disconnected")

		case msg := <-h.broadcast:
			h.handleBroadcast(msg)
		}
	}
}

func (h *Hub) handleBroadcast(msg *BroadcastMessage) {
	data, err := json.Marshal(Message{
		Type:    msg.Type,
		Payload: msg.Payload,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("marshal broadcast")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	switch {
	case msg.Target == "all":
		for client := range h.clients {
			select {
			case client.send <- data:
			default:
			}
		}
	case len(msg.Target) > 5 && msg.Target[:5] == "user:":
		userID := msg.Target[5:]
		for _, client := range h.userMap[userID] {
			select {
			case client.send <- data:
			default:
			}
		}
	case len(msg.Target) > 5 && msg.Target[:5] == "room:":
		roomName := msg.Target[5:]
		for client := range h.rooms[roomName] {
			select {
			case client.send <- data:
			default:
			}
		}
	}
}

// BroadcastToAll sends a message to all connected clients
func (h *Hub) BroadcastToAll(msgType string, payload interface{}) {
	h.broadcast <- &BroadcastMessage{Target: "all", Type: msgType, Payload: payload}
}

// BroadcastToUser sends a message to a specific user
func (h *Hub) BroadcastToUser(userID, msgType string, payload interface{}) {
	h.broadcast <- &BroadcastMessage{Target: "user:" + userID, Type: msgType, Payload: payload}
}

// BroadcastToOrg sends a message to every client of an organization
func (h *Hub) BroadcastToOrg(orgID, msgType string, payload interface{}) {
	h.broadcast <- &BroadcastMessage{Target: "room:org:" + orgID, Type: msgType, Payload: payload}
}

// JoinRoom adds a client to a room
func (h *Hub) JoinRoom(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][client] = true
	client.rooms[room] = true
}

// LeaveRoom removes a client from a room
func (h *Hub) LeaveRoom(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if roomClients, ok := h.rooms[room]; ok {
		delete(roomClients, client)
	}
	delete(client.rooms, room)
}

// TaskStatusUpdate is the payload of a task status push
type TaskStatusUpdate struct {
	TaskID    string `json:"task_id"`
	AccountID string `json:"account_id,omitempty"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Error     string `json:"error,omitempty"`
}

// BroadcastTaskUpdate sends a task status transition to its owner
func (h *Hub) BroadcastTaskUpdate(userID string, update TaskStatusUpdate) {
	h.BroadcastToUser(userID, "task:status", update)
}

// AccountStatusUpdate is the payload of an account status push
type AccountStatusUpdate struct {
	AccountID string `json:"account_id"`
	Status    string `json:"status"`
}

// BroadcastAccountUpdate notifies an organization that one of its accounts
// changed state
func (h *Hub) BroadcastAccountUpdate(orgID string, update AccountStatusUpdate) {
	h.BroadcastToOrg(orgID, "account:status", update)
}

// ServeWs upgrades an HTTP request to a websocket connection. The token
// arrives as a query parameter because browser websockets cannot set
// headers; an invalid token is rejected before the upgrade.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, jwtSecret string) {
	token := r.URL.Query().Get("token")
	claims, err := auth.ParseAccessToken(token, jwtSecret)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Error().Err(err).Msg("websocket upgrade")
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: claims.UserID.String(),
		orgID:  claims.OrganizationID.String(),
		rooms:  make(map[string]bool),
	}

	hub.register <- client
	hub.JoinRoom(client, "org:"+client.orgID)

	go client.writePump()
	go client.readPump()
}

// readPump pumps messages from the websocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Msg("websocket read")
			}
			break
		}
		c.handleMessage(message)
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
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

			// Fold queued messages into the same frame
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

func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "ping":
		c.send <- []byte(`{"type":"pong"}`)

	case "join_room":
		if room, ok := msg.Payload.(string); ok {
			c.hub.JoinRoom(c, room)
		}

	case "leave_room":
		if room, ok := msg.Payload.(string); ok {
			c.hub.LeaveRoom(c, room)
		}
	}
}
