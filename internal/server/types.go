package server

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/troupe/pkg/events"
)

// EventMessage is one agent event as sent to feed clients.
type EventMessage struct {
	Type      string      `json:"type"`
	Kind      events.Kind `json:"kind"`
	AgentID   string      `json:"agent_id"`
	Chunk     string      `json:"chunk,omitempty"`
	Text      string      `json:"text,omitempty"`
	Message   string      `json:"message,omitempty"`
	Seq       int64       `json:"seq"`
	Timestamp int64       `json:"timestamp"`
}

// NewEventMessage converts ev to its wire form.
func NewEventMessage(ev events.Event) EventMessage {
	msg := EventMessage{
		Type:    "event",
		Kind:    ev.Kind(),
		AgentID: ev.Agent(),
	}
	switch e := ev.(type) {
	case events.Streaming:
		msg.Chunk = e.Chunk
	case events.Completed:
		msg.Text = e.Text
	case events.Errored:
		msg.Message = e.Message
	}
	return msg
}

// SendRequest is the body of POST /agents/{id}/messages.
type SendRequest struct {
	Message string `json:"message"`
}

// SendResponse acknowledges an accepted message.
type SendResponse struct {
	AgentID string `json:"agent_id"`
	TraceID string `json:"trace_id"`
}

// AgentInfo describes a registered agent.
type AgentInfo struct {
	ID    string `json:"id"`
	Model string `json:"model,omitempty"`
	Busy  bool   `json:"busy"`
}

// ErrorResponse is returned for failed HTTP requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID          string    `json:"id"`
	AgentFilter string    `json:"agentFilter,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	IPAddress   string    `json:"ipAddress"`
	Dropped     int64     `json:"dropped"`
}

// Client is a connected feed subscriber. Writes happen on its own goroutine
// so a slow client never blocks a publishing agent.
type Client struct {
	ID          string
	Conn        *websocket.Conn
	AgentFilter string
	ConnectedAt time.Time
	IPAddress   string

	send    chan []byte
	done    chan struct{}
	dropped int64
}

// Wants reports whether the client subscribed to agentID's events.
func (c *Client) Wants(agentID string) bool {
	return c.AgentFilter == "" || c.AgentFilter == agentID
}
