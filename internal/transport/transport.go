// Package transport defines the real-time messaging boundary. Adapters
// bridge a chat platform to the orchestrator's event model.
package transport

import (
	"context"
	"time"
)

// EventType classifies inbound transport events.
type EventType string

const (
	// EventMessage is a message-received event; Event.Message is set.
	EventMessage EventType = "message"
	// EventMemberAdded fires when a member joins a channel; Event.ChannelID
	// and Event.UserID are set.
	EventMemberAdded EventType = "member_added"
)

// Message is an inbound or delivered chat message. ID is the
// transport-assigned message identifier, unique per transport.
type Message struct {
	ID        string
	ChannelID string
	SenderID  string
	Text      string
	Timestamp time.Time
}

// Event is one inbound transport event.
type Event struct {
	Type      EventType
	Message   *Message // set for EventMessage
	ChannelID string   // set for EventMemberAdded
	UserID    string   // set for EventMemberAdded
}

// Transport is the interface platform adapters must satisfy.
type Transport interface {
	// Connect establishes the platform connection.
	Connect(ctx context.Context) error

	// Events returns the inbound event stream. The channel is closed when
	// the context is cancelled or the adapter is closed. Must only be
	// called after Connect.
	Events(ctx context.Context) (<-chan Event, error)

	// CreateChannel creates a channel with the given identifier and
	// initial members.
	CreateChannel(ctx context.Context, channelID string, members []string) error

	// AddMembers adds members to an existing channel.
	AddMembers(ctx context.Context, channelID string, members []string) error

	// SendMessage delivers text to a channel authored by senderID and
	// returns the transport-assigned message id.
	SendMessage(ctx context.Context, channelID, senderID, text string) (string, error)

	// BotUserID is the orchestrator's own transport identity, available
	// after Connect. Used for self-message filtering.
	BotUserID() string

	// Close shuts down the adapter.
	Close() error
}
