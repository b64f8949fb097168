package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/powershare/energymatch/shared/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	clientSendSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSClient represents a WebSocket client
type WSClient struct {
	ID    uuid.UUID
	Conn  *websocket.Conn
	types map[string]bool // empty means every type

	Send chan []byte
	Done chan struct{}
	once sync.Once
}

func (c *WSClient) wants(eventType string) bool {
	return len(c.types) == 0 || c.types[eventType]
}

func (c *WSClient) close() {
	c.once.Do(func() { close(c.Done) })
}

// Hub is a messaging.Sink that forwards events to websocket clients. A client
// that cannot keep up is disconnected rather than slowing publishers down.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*WSClient
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[uuid.UUID]*WSClient), logger: logger}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish implements messaging.Sink.
func (h *Hub) Publish(_ context.Context, evs []events.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return nil
	}

	for i := range evs {
		payload, err := json.Marshal(&evs[i])
		if err != nil {
			return err
		}
		for _, client := range h.clients {
			if !client.wants(evs[i].Type) {
				continue
			}
			select {
			case client.Send <- payload:
			default:
				h.logger.Warn("dropping slow websocket client", zap.Stringer("client_id", client.ID))
				client.close()
			}
		}
	}
	return nil
}

// ServeWS upgrades the connection. The optional "types" query parameter is a
// comma separated list of event types to receive.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &WSClient{
		ID:    uuid.New(),
		Conn:  conn,
		types: make(map[string]bool),
		Send:  make(chan []byte, clientSendSize),
		Done:  make(chan struct{}),
	}
	for _, t := range strings.Split(c.Query("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			client.types[t] = true
		}
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	go h.readPump(client)
	go h.writePump(client)
}

func (h *Hub) remove(client *WSClient) {
	h.mu.Lock()
	delete(h.clients, client.ID)
	h.mu.Unlock()
}

func (h *Hub) readPump(client *WSClient) {
	defer client.close()

	client.Conn.SetReadLimit(512)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(client *WSClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.remove(client)
		client.Conn.Close()
	}()

	for {
		select {
		case message := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.Done:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			client.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
