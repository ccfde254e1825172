package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/interfaces"
)

// Message types sent to websocket clients
const (
	MessageHello   = "hello"
	MessageSession = "session"
	MessageScan    = "scan"
	MessageSweep   = "sweep"
	MessageStatus  = "status"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WebSocketHandler fans bus events out to connected clients.
// Writes to one connection are serialised by its own mutex.
type WebSocketHandler struct {
	logger           arbor.ILogger
	clients          map[*websocket.Conn]*sync.Mutex
	mu               sync.RWMutex
	eventService     interfaces.EventService
	sessions         SessionStatusProvider
	statusThrottler  *rate.Limiter   // nil = unthrottled
	allowedEvents    map[string]bool // empty = allow all
	serverInstanceID string          // clients use it to detect a restart
}

func NewWebSocketHandler(
	eventService interfaces.EventService,
	sessions SessionStatusProvider,
	logger arbor.ILogger,
	config *common.WebSocketConfig,
) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*websocket.Conn]*sync.Mutex),
		eventService:     eventService,
		sessions:         sessions,
		allowedEvents:    make(map[string]bool),
		serverInstanceID: uuid.New().String(),
	}

	if config != nil {
		for _, eventType := range config.AllowedEvents {
			h.allowedEvents[eventType] = true
		}
		if config.StatusInterval > 0 {
			h.statusThrottler = rate.NewLimiter(rate.Every(config.StatusInterval), 1)
		}
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized")

	if eventService != nil {
		h.subscribe()
	}

	return h
}

// HandleWebSocket handles WebSocket connections
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	mutex := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = mutex
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client connected")

	h.sendHello(conn, mutex)

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Int("clients", remaining).Msg("WebSocket client disconnected")
	}()

	// Read until the client goes away; inbound messages are ignored
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHandler) sendHello(conn *websocket.Conn, mutex *sync.Mutex) {
	payload := map[string]interface{}{
		"server_instance_id": h.serverInstanceID,
		"version":            common.GetVersion(),
	}
	if h.sessions != nil {
		payload["session"] = h.sessions.Status()
	}

	data, err := json.Marshal(WSMessage{Type: MessageHello, Payload: payload})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal hello message")
		return
	}

	mutex.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	mutex.Unlock()
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to send hello to client")
	}
}

// Broadcast sends one message to every connected client
func (h *WebSocketHandler) Broadcast(msgType string, payload interface{}) {
	if len(h.allowedEvents) > 0 && !h.allowedEvents[msgType] {
		return
	}

	data, err := json.Marshal(WSMessage{Type: msgType, Payload: payload})
	if err != nil {
		h.logger.Error().Err(err).Str("type", msgType).Msg("Failed to marshal websocket message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn, mutex := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, mutex)
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Str("type", msgType).Msg("Failed to send message to client")
		}
	}
}

// subscribe maps bus events onto client message types
func (h *WebSocketHandler) subscribe() {
	forward := func(msgType, phase string) interfaces.EventHandler {
		return func(_ context.Context, event interfaces.Event) error {
			payload := make(map[string]interface{}, len(event.Payload)+1)
			for k, v := range event.Payload {
				payload[k] = v
			}
			if phase != "" {
				payload["phase"] = phase
			}
			h.Broadcast(msgType, payload)
			return nil
		}
	}

	subscriptions := []struct {
		eventType interfaces.EventType
		handler   interfaces.EventHandler
	}{
		{interfaces.EventSessionChanged, forward(MessageSession, "")},
		{interfaces.EventScanStarted, forward(MessageScan, "started")},
		{interfaces.EventScanCompleted, forward(MessageScan, "completed")},
		{interfaces.EventSweepCompleted, forward(MessageSweep, "")},
		{interfaces.EventStatusChanged, h.onStatusChanged},
	}

	for _, sub := range subscriptions {
		if err := h.eventService.Subscribe(sub.eventType, sub.handler); err != nil {
			h.logger.Warn().Err(err).Str("event_type", string(sub.eventType)).Msg("Failed to subscribe websocket handler")
		}
	}
}

func (h *WebSocketHandler) onStatusChanged(_ context.Context, event interfaces.Event) error {
	if h.statusThrottler != nil && !h.statusThrottler.Allow() {
		return nil
	}
	h.Broadcast(MessageStatus, event.Payload)
	return nil
}
