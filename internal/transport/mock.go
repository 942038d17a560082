package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SentMessage records one outbound send through the mock.
type SentMessage struct {
	ChannelID string
	SenderID  string
	Text      string
	ID        string
}

// Mock is an in-memory Transport for tests. Inbound events are injected
// with Deliver; outbound sends are recorded and assigned sequential ids.
type Mock struct {
	selfID string

	mu       sync.Mutex
	channels map[string][]string // channel id -> members
	sent     []SentMessage
	nextID   int
	events   chan Event
	closed   bool

	// SendErr, when set, makes SendMessage fail once with this error.
	SendErr error
}

// NewMock creates a mock transport with the given bot identity.
func NewMock(selfID string) *Mock {
	return &Mock{
		selfID:   selfID,
		channels: make(map[string][]string),
		events:   make(chan Event, 64),
	}
}

func (m *Mock) Connect(ctx context.Context) error { return nil }

func (m *Mock) Events(ctx context.Context) (<-chan Event, error) {
	return m.events, nil
}

// Deliver injects an inbound event, as the platform would.
func (m *Mock) Deliver(ev Event) {
	m.events <- ev
}

func (m *Mock) CreateChannel(ctx context.Context, channelID string, members []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[channelID]; exists {
		return fmt.Errorf("transport: mock: channel %s already exists", channelID)
	}
	m.channels[channelID] = append([]string{}, members...)
	return nil
}

func (m *Mock) AddMembers(ctx context.Context, channelID string, members []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[channelID]; !exists {
		return fmt.Errorf("transport: mock: channel %s not found", channelID)
	}
	m.channels[channelID] = append(m.channels[channelID], members...)
	return nil
}

func (m *Mock) SendMessage(ctx context.Context, channelID, senderID, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		err := m.SendErr
		m.SendErr = nil
		return "", err
	}
	m.nextID++
	id := fmt.Sprintf("m%d", m.nextID)
	m.sent = append(m.sent, SentMessage{ChannelID: channelID, SenderID: senderID, Text: text, ID: id})
	return id, nil
}

func (m *Mock) BotUserID() string { return m.selfID }

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}

// Sent returns a copy of all recorded outbound messages.
func (m *Mock) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Members returns the member list of a channel.
func (m *Mock) Members(channelID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.channels[channelID]...)
}

// WaitSent blocks until at least n messages were sent or the timeout
// elapses, returning the recorded sends.
func (m *Mock) WaitSent(n int, timeout time.Duration) []SentMessage {
	deadline := time.Now().Add(timeout)
	for {
		if sent := m.Sent(); len(sent) >= n || time.Now().After(deadline) {
			return sent
		}
		time.Sleep(5 * time.Millisecond)
	}
}
