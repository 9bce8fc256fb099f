package monitor

import (
	"context"
	"time"
)

// EntityKind orders monitored entities the way status consumers expect:
// supergroups first, then channels, plain groups, users.
type EntityKind string

const (
	KindSupergroup EntityKind = "supergroup"
	KindChannel    EntityKind = "channel"
	KindGroup      EntityKind = "group"
	KindUser       EntityKind = "user"
)

func kindRank(k EntityKind) int {
	switch k {
	case KindSupergroup:
		return 0
	case KindChannel:
		return 1
	case KindGroup:
		return 2
	case KindUser:
		return 3
	}
	return 4
}

// MonitoredEntity is the status view of one resolved entity.
type MonitoredEntity struct {
	ID   int64      `json:"id"`
	Name string     `json:"name"`
	Type EntityKind `json:"type"`
}

// Message is the processed form broadcast to subscribers.
type Message struct {
	MessageID  int               `json:"message_id"`
	ChatID     int64             `json:"chat_id"`
	ChatName   string            `json:"chat_name"`
	SenderID   int64             `json:"sender_id"`
	SenderName string            `json:"sender_name"`
	Text       string            `json:"text"`
	Date       time.Time         `json:"date"`
	HasMedia   bool              `json:"has_media"`
	MediaType  string            `json:"media_type,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	ParsedType ContentType       `json:"parsed_type"`
	ParsedData map[string]string `json:"parsed_data,omitempty"`
}

// Status is the snapshot returned by Status() and the /status endpoint.
type Status struct {
	IsRunning         bool              `json:"is_running"`
	MonitoredCount    int               `json:"monitored_count"`
	MessageCount      uint64            `json:"message_count"`
	Uptime            float64           `json:"uptime"`
	ConnectionStatus  string            `json:"connection_status"`
	MonitoredEntities []MonitoredEntity `json:"monitored_entities"`
}

// Frame is the envelope written to every subscriber stream.
type Frame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	FrameMessage = "message"
	FrameStatus  = "status"
	FrameError   = "error"
	FramePong    = "pong"
	FrameWelcome = "connected"
)

func newFrame(typ string, data any, msg string) Frame {
	return Frame{Type: typ, Data: data, Message: msg, Timestamp: time.Now().UTC()}
}

// Stream is one subscriber sink. Implementations must be safe for concurrent
// Send calls.
type Stream interface {
	ID() string
	Send(ctx context.Context, f Frame) error
	Close(ctx context.Context) error
}
