package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/interfaces"
	"github.com/ternarybob/marketfinder/internal/models"
	"github.com/ternarybob/marketfinder/internal/services/events"
)

func dialHandler(t *testing.T, handler *WebSocketHandler) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocket_HelloCarriesSession(t *testing.T) {
	sessions := &fakeSessions{status: models.AuthStatus{Authenticated: true, Message: "Logged in (session found)"}}
	handler := NewWebSocketHandler(nil, sessions, arbor.NewLogger(), nil)
	conn := dialHandler(t, handler)

	msg := readMessage(t, conn)
	assert.Equal(t, MessageHello, msg.Type)

	payload, ok := msg.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, payload["server_instance_id"])
	session, ok := payload["session"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, session["authenticated"])
	assert.Equal(t, 1, handler.ClientCount())
}

func TestWebSocket_ForwardsBusEvents(t *testing.T) {
	bus := events.NewService(arbor.NewLogger())
	handler := NewWebSocketHandler(bus, nil, arbor.NewLogger(), &common.WebSocketConfig{})
	conn := dialHandler(t, handler)
	readMessage(t, conn) // hello

	ctx := context.Background()
	require.NoError(t, bus.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventScanCompleted,
		Payload: map[string]interface{}{"scan_id": "scan_1", "total": 3},
	}))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageScan, msg.Type)
	payload := msg.Payload.(map[string]interface{})
	assert.Equal(t, "completed", payload["phase"])
	assert.Equal(t, "scan_1", payload["scan_id"])
	assert.Equal(t, float64(3), payload["total"])

	require.NoError(t, bus.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventSessionChanged,
		Payload: map[string]interface{}{"authenticated": false},
	}))
	msg = readMessage(t, conn)
	assert.Equal(t, MessageSession, msg.Type)
	assert.Equal(t, false, msg.Payload.(map[string]interface{})["authenticated"])
}

func TestWebSocket_AllowedEventsFilter(t *testing.T) {
	bus := events.NewService(arbor.NewLogger())
	handler := NewWebSocketHandler(bus, nil, arbor.NewLogger(), &common.WebSocketConfig{
		AllowedEvents: []string{MessageHello, MessageSession},
	})
	conn := dialHandler(t, handler)
	readMessage(t, conn)

	ctx := context.Background()
	require.NoError(t, bus.PublishSync(ctx, interfaces.Event{Type: interfaces.EventScanStarted, Payload: map[string]interface{}{"scan_id": "scan_1"}}))
	require.NoError(t, bus.PublishSync(ctx, interfaces.Event{Type: interfaces.EventSessionChanged, Payload: map[string]interface{}{"authenticated": true}}))

	msg := readMessage(t, conn)
	assert.Equal(t, MessageSession, msg.Type)
}

func TestWebSocket_StatusIsThrottled(t *testing.T) {
	bus := events.NewService(arbor.NewLogger())
	handler := NewWebSocketHandler(bus, nil, arbor.NewLogger(), &common.WebSocketConfig{StatusInterval: time.Hour})
	conn := dialHandler(t, handler)
	readMessage(t, conn)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.PublishSync(ctx, interfaces.Event{Type: interfaces.EventStatusChanged, Payload: map[string]interface{}{"seq": i}}))
	}
	require.NoError(t, bus.PublishSync(ctx, interfaces.Event{Type: interfaces.EventSweepCompleted, Payload: map[string]interface{}{"notified": 1}}))

	first := readMessage(t, conn)
	assert.Equal(t, MessageStatus, first.Type)
	assert.Equal(t, float64(0), first.Payload.(map[string]interface{})["seq"])

	// The next two status messages were dropped
	second := readMessage(t, conn)
	assert.Equal(t, MessageSweep, second.Type)
}

func TestWebSocket_DisconnectRemovesClient(t *testing.T) {
	handler := NewWebSocketHandler(nil, nil, arbor.NewLogger(), nil)
	conn := dialHandler(t, handler)
	readMessage(t, conn)
	require.Equal(t, 1, handler.ClientCount())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return handler.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
