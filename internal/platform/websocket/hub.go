// Package websocket is the real-time adapter behind the core's notifier
// hook. Clients subscribe to resource-type topics and receive an event
// for every committed create, update, and delete. Delivery is best
// effort: a slow client's buffer overflows and the event is dropped.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhird/fhird/internal/platform/fhir"
)

// Event is the wire payload sent to subscribed clients.
type Event struct {
	Action       string          `json:"action"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId"`
	Timestamp    time.Time       `json:"timestamp"`
	Resource     json.RawMessage `json:"resource,omitempty"`
}

// ClientMessage is an inbound subscription change from a client.
type ClientMessage struct {
	Action string   `json:"action"` // subscribe, unsubscribe
	Topics []string `json:"topics"` // resource types, or "*" for all
}

// Client is one WebSocket connection.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
}

// Hub tracks clients and their resource-type subscriptions and fans
// committed events out to them. All operations are safe for concurrent
// use.
type Hub struct {
	mu      sync.RWMutex
	byTopic map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	log     zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		byTopic: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		log:     log,
	}
}

// Register adds a client and its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.subscribeLocked(client, topic)
	}
}

// Unregister removes a client from every topic and closes its channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.unsubscribeLocked(client, topic)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) subscribeLocked(client *Client, topic string) {
	if h.byTopic[topic] == nil {
		h.byTopic[topic] = make(map[*Client]struct{})
	}
	h.byTopic[topic][client] = struct{}{}
}

func (h *Hub) unsubscribeLocked(client *Client, topic string) {
	if subs, ok := h.byTopic[topic]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.byTopic, topic)
		}
	}
}

// ProcessMessage applies a subscription change.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, topic := range msg.Topics {
			h.subscribeLocked(client, topic)
		}
		client.Topics = append(client.Topics, msg.Topics...)
	case "unsubscribe":
		remove := make(map[string]struct{}, len(msg.Topics))
		for _, topic := range msg.Topics {
			h.unsubscribeLocked(client, topic)
			remove[topic] = struct{}{}
		}
		kept := client.Topics[:0]
		for _, t := range client.Topics {
			if _, rm := remove[t]; !rm {
				kept = append(kept, t)
			}
		}
		client.Topics = kept
	}
}

// Broadcast delivers an event to subscribers of its resource type and to
// "*" subscribers. Full client buffers are skipped, never waited on.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket: marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := make(map[*Client]struct{})
	for _, topic := range []string{event.ResourceType, "*"} {
		for client := range h.byTopic[topic] {
			if _, done := delivered[client]; done {
				continue
			}
			delivered[client] = struct{}{}
			select {
			case client.Send <- data:
			default:
				// Buffer full; drop rather than block the publisher.
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byTopic[topic])
}

// Notify implements fhir.Notifier, bridging committed mutations into the
// hub.
func (h *Hub) Notify(_ context.Context, e fhir.Event) {
	event := Event{
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ID,
		Timestamp:    time.Now().UTC(),
	}
	if e.Resource != nil {
		if data, err := json.Marshal(e.Resource); err == nil {
			event.Resource = data
		}
	}
	h.Broadcast(event)
}

// ---------------------------------------------------------------------------
// HTTP upgrade handling
// ---------------------------------------------------------------------------

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Handler upgrades HTTP connections and pumps messages between the
// socket and the hub.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes mounts the WebSocket endpoint on the group.
func (wsh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

func (wsh *Handler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:     uuid.New().String(),
		Topics: []string{},
		Send:   make(chan []byte, 256),
	}
	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()
	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}
