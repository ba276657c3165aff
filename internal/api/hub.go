package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the upgrade request is already authenticated
	},
}

const (
	writeWait = 5 * time.Second
	sendQueue = 16
)

// wsClient owns one connection. Only writePump writes data frames to it.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan []byte, sendQueue),
		done: make(chan struct{}),
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) writePump() {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// TradeEvent is pushed to a user's open connections after each executed trade
type TradeEvent struct {
	Type        string              `json:"type"`
	Transaction transactionResponse `json:"transaction"`
	CashUSD     string              `json:"cash_usd"`
}

// Hub fans trade events out to the websocket connections of each user
type Hub struct {
	mu      sync.RWMutex
	clients map[int]map[*wsClient]struct{}
	log     zerolog.Logger
}

// NewHub creates an empty hub
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[int]map[*wsClient]struct{}),
		log:     log.With().Str("component", "ws").Logger(),
	}
}

func (h *Hub) add(userID int, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*wsClient]struct{})
	}
	h.clients[userID][c] = struct{}{}
}

func (h *Hub) remove(userID int, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[userID], c)
	if len(h.clients[userID]) == 0 {
		delete(h.clients, userID)
	}
}

func (h *Hub) subscribers(userID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Publish queues event for every connection of userID without waiting on
// the network. Connections whose queue is full are dropped.
func (h *Hub) Publish(userID int, event TradeEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal trade event")
		return
	}

	h.mu.RLock()
	var slow []*wsClient
	for c := range h.clients[userID] {
		select {
		case c.send <- data:
		case <-c.done:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Debug().Int("user_id", userID).Msg("Dropping slow websocket client")
		h.remove(userID, c)
		c.close()
	}
}

// ServeWS upgrades an authenticated request and keeps the connection
// registered until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := newWSClient(conn)
	h.add(userID, client)
	defer func() {
		h.remove(userID, client)
		client.close()
	}()
	go client.writePump()

	// Clients only listen; reading drives pong and close handling.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, conns := range h.clients {
		for c := range conns {
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			c.close()
		}
		delete(h.clients, userID)
	}
}
