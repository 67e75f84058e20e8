// Package websocket provides real-time notification push over WebSockets.
// It implements a hub-and-spoke pattern where clients subscribe to event
// types and receive matching events as they happen. There is no replay:
// a client only sees events published while it is connected.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Event types pushed to connected clients.
const (
	EventFileProgress        = "file_progress"
	EventRiskScoreCalculated = "risk_score_calculated"
	EventEpisodeLinked       = "episode_linked"
	EventJobUpdate           = "job_update"
)

// sendBufferSize is the per-client outbound queue depth. When the queue is
// saturated the oldest queued message is dropped to make room.
const sendBufferSize = 256

// Event is the JSON envelope delivered to WebSocket clients.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// NewEvent builds an Event of the given type, marshaling data as the
// payload. A nil data leaves the payload empty.
func NewEvent(eventType string, data interface{}, message string) (Event, error) {
	ev := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Message:   message,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, err
		}
		ev.Data = raw
	}
	return ev, nil
}

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Types  []string `json:"types"`
}

// EventPublisher defines the interface services use to push events without
// depending on the concrete hub.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client represents a single WebSocket connection. A client with no type
// filter receives every event; a filtered client receives only the event
// types it subscribed to.
type Client struct {
	ID    string
	Types []string
	Send  chan []byte
	hub   *Hub
	conn  Conn
}

// filtered reports whether the client has narrowed its subscription.
func (c *Client) filtered() bool {
	return len(c.Types) > 0
}

// Hub is the central connection manager that tracks clients and their event
// type subscriptions. All operations are safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // event type -> set of clients
	all     map[*Client]struct{}            // all connected clients
	logger  zerolog.Logger
}

// NewHub creates a new Hub ready to manage WebSocket clients.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub and subscribes it to its initial types.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}

	for _, eventType := range client.Types {
		if h.clients[eventType] == nil {
			h.clients[eventType] = make(map[*Client]struct{})
		}
		h.clients[eventType][client] = struct{}{}
	}
}

// Unregister removes a client from the hub, all type subscriptions, and
// closes the client's Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}

	for _, eventType := range client.Types {
		if subscribers, ok := h.clients[eventType]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, eventType)
			}
		}
	}

	delete(h.all, client)
	close(client.Send)
}

// Subscribe dynamically adds event types to an already-registered client.
func (h *Hub) Subscribe(client *Client, types []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, eventType := range types {
		if h.clients[eventType] == nil {
			h.clients[eventType] = make(map[*Client]struct{})
		}
		h.clients[eventType][client] = struct{}{}
	}
	client.Types = append(client.Types, types...)
}

// Unsubscribe dynamically removes event types from a client. A client whose
// last filter is removed reverts to receiving everything.
func (h *Hub) Unsubscribe(client *Client, types []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(types))
	for _, t := range types {
		removeSet[t] = struct{}{}
	}

	for _, eventType := range types {
		if subscribers, ok := h.clients[eventType]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, eventType)
			}
		}
	}

	remaining := make([]string, 0, len(client.Types))
	for _, t := range client.Types {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Types = remaining
}

// ProcessMessage handles an inbound ClientMessage, dispatching to Subscribe
// or Unsubscribe as appropriate.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Types)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Types)
	}
}

// Broadcast sends an event to every client subscribed to its type, plus all
// unfiltered clients.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("event_type", event.Type).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[event.Type] {
		h.deliver(client, data, event.Type)
	}
	for client := range h.all {
		if !client.filtered() {
			h.deliver(client, data, event.Type)
		}
	}
}

// deliver enqueues a message on the client's send buffer, dropping the
// oldest queued message when the buffer is saturated.
func (h *Hub) deliver(client *Client, data []byte, eventType string) {
	select {
	case client.Send <- data:
		return
	default:
	}

	// Buffer full: evict the oldest message and retry once. The second
	// attempt can still race with the write pump draining the channel.
	select {
	case <-client.Send:
		h.logger.Warn().
			Str("client_id", client.ID).
			Str("event_type", eventType).
			Msg("subscriber buffer saturated, dropped oldest message")
	default:
	}
	select {
	case client.Send <- data:
	default:
	}
}

// Publish implements EventPublisher by broadcasting the event to all
// matching subscribers.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event)
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TypeCount returns the number of clients filtering on a specific event type.
func (h *Hub) TypeCount(eventType string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[eventType])
}

// ---------------------------------------------------------------------------
// Handler — Echo HTTP handler for WebSocket connections
// ---------------------------------------------------------------------------

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin enforcement happens at the CORS layer.
	},
}

// Handler handles HTTP-to-WebSocket upgrades and message routing.
type Handler struct {
	hub *Hub
}

// NewHandler creates a new handler bound to the given Hub.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (wsh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", wsh.HandleConnect)
}

// HandleConnect upgrades an HTTP connection to WebSocket, registers the
// client with the hub, and starts read/write pumps.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:    uuid.New().String(),
		Types: []string{},
		Send:  make(chan []byte, sendBufferSize),
		hub:   wsh.hub,
		conn:  &gorillaConnAdapter{ws},
	}

	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)

	return nil
}

// readPump reads messages from the WebSocket connection and processes them.
func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue // Ignore malformed messages.
		}

		wsh.hub.ProcessMessage(client, msg)
	}
}

// writePump writes messages from the Send channel to the WebSocket connection.
func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			break
		}
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy the Conn interface.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
