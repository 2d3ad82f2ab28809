package realtime

import (
	"net/http"
	"sync"
	"time"

	"wingo/models"
	"wingo/utils"

	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/socket"
)

// Hub pushes engine events to connected socket.io clients. It is the
// engine's notification sink: publishing is fire-and-forget and a lost
// event is recovered by the client's next poll.
type Hub struct {
	io *socketio.Server

	mu       sync.Mutex
	clients  map[socketio.SocketId]*socketio.Socket
	accounts map[socketio.SocketId]string
}

// NewHub creates the hub and wires its connection events.
func NewHub() *Hub {
	h := &Hub{
		clients:  make(map[socketio.SocketId]*socketio.Socket),
		accounts: make(map[socketio.SocketId]string),
	}

	io := socketio.NewServer(nil, nil)
	io.On("connection", func(conn ...any) {
		if len(conn) == 0 {
			return
		}
		socket := conn[0].(*socketio.Socket)
		clientID := socket.Id()

		h.mu.Lock()
		h.clients[clientID] = socket
		total := len(h.clients)
		h.mu.Unlock()
		logrus.Infof("socket connected: %s | total: %d", clientID, total)

		socket.Emit("connected", map[string]interface{}{
			"id":        clientID,
			"timestamp": time.Now().Unix(),
		})

		socket.On("ping", func(data ...any) {
			socket.Emit("pong", map[string]interface{}{
				"message":   "pong",
				"timestamp": time.Now().Unix(),
				"id":        clientID,
			})
		})

		// Clients authenticate with their bearer token to receive their
		// own balance events.
		socket.On("auth", func(data ...any) {
			token := extractToken(data)
			if token == "" {
				socket.Emit("error", map[string]interface{}{
					"Status":        false,
					"StatusCode":    1,
					"StatusMessage": "missing token",
				})
				return
			}

			claims, err := utils.VerifyJWTToken(token)
			if err != nil {
				socket.Emit("error", map[string]interface{}{
					"Status":        false,
					"StatusCode":    1,
					"StatusMessage": err.Error(),
				})
				return
			}

			accountID := claims["sub"].(string)
			h.mu.Lock()
			h.accounts[clientID] = accountID
			h.mu.Unlock()

			socket.Emit("authed", map[string]interface{}{
				"Status":        200,
				"StatusCode":    0,
				"StatusMessage": "Success",
			})
		})

		socket.On("disconnect", func(reason ...any) {
			h.mu.Lock()
			delete(h.clients, clientID)
			delete(h.accounts, clientID)
			remaining := len(h.clients)
			h.mu.Unlock()
			logrus.Infof("socket disconnected: %s | remaining: %d", clientID, remaining)
		})
	})
	h.io = io
	return h
}

// Publish pushes one event. Round events broadcast to every client;
// balance events go only to the owning account's sockets. Never blocks
// settlement and never returns an error to the caller.
func (h *Hub) Publish(topic string, payload interface{}) {
	var accountID string
	if m, ok := payload.(models.H); ok {
		if id, ok := m["account_id"].(string); ok {
			accountID = id
		}
	}

	h.mu.Lock()
	targets := make([]*socketio.Socket, 0, len(h.clients))
	for id, socket := range h.clients {
		if accountID != "" && h.accounts[id] != accountID {
			continue
		}
		targets = append(targets, socket)
	}
	h.mu.Unlock()

	for _, socket := range targets {
		socket.Emit(topic, payload)
	}
}

// Handler exposes the socket.io transport for mounting on an HTTP mux.
func (h *Hub) Handler() http.Handler {
	return h.io.ServeHandler(nil)
}

// ClientCount reports connected clients, for the health endpoint.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close shuts the socket server down.
func (h *Hub) Close() {
	h.io.Close(nil)
}

func extractToken(data []any) string {
	if len(data) == 0 {
		return ""
	}
	switch v := data[0].(type) {
	case map[string]interface{}:
		if token, ok := v["token"].(string); ok {
			return token
		}
	case string:
		return v
	}
	return ""
}
