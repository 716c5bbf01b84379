package server

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/harun/troupe/pkg/events"
	"github.com/rs/zerolog"
)

// EventBroadcaster forwards dispatcher events to feed clients.
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

// HandleEvent queues ev for every client subscribed to its agent. It never
// blocks: a client whose queue is full misses the event.
func (b *EventBroadcaster) HandleEvent(ev events.Event) {
	msg := NewEventMessage(ev)
	msg.Seq = b.nextSeq()
	msg.Timestamp = time.Now().UnixMilli()

	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("kind", string(msg.Kind)).
			Str("agent_id", msg.AgentID).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return
	}

	clients := b.clients.Subscribers(msg.AgentID)
	if len(clients) == 0 {
		return
	}

	delivered := 0
	for _, client := range clients {
		select {
		case client.send <- jsonData:
			delivered++
		default:
			atomic.AddInt64(&client.dropped, 1)
			b.logger.Warn().
				Str("clientId", client.ID).
				Str("kind", string(msg.Kind)).
				Str("agent_id", msg.AgentID).
				Int64("seq", msg.Seq).
				Msg("Client queue full, dropping event")
		}
	}

	b.logger.Debug().
		Str("kind", string(msg.Kind)).
		Str("agent_id", msg.AgentID).
		Int64("seq", msg.Seq).
		Int("delivered", delivered).
		Int("dropped", len(clients)-delivered).
		Msg("Event broadcast complete")
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
