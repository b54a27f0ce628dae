package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventMemoryIndexed is broadcast after the watcher indexes a conversation.
const EventMemoryIndexed = "memory.indexed"

// EventBroadcaster handles broadcasting events to all authenticated clients
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to all authenticated clients and returns how many
// received it.
func (b *EventBroadcaster) Broadcast(event string, data interface{}) int {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       int64(atomic.AddUint64(&b.seq, 1)),
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return 0
	}

	clients := b.clients.GetAuthenticatedClients()
	if len(clients) == 0 {
		b.logger.Debug().Str("event", event).Msg("No authenticated clients to broadcast to")
		return 0
	}

	delivered := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, jsonData); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", event).
				Msg("Failed to broadcast to client")
			continue
		}
		delivered++
	}

	b.logger.Debug().
		Str("event", event).
		Int64("seq", msg.Seq).
		Int("success", delivered).
		Int("failed", len(clients)-delivered).
		Msg("Event broadcast complete")
	return delivered
}
