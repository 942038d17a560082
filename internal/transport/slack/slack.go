// Package slack implements the transport.Transport interface over Slack
// Socket Mode. Character channels are Slack conversations whose names
// carry the composite channel identifier.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"

	"github.com/noctualabs/hearth/internal/transport"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	CreateConversation(params slackapi.CreateConversationParams) (*slackapi.Channel, error)
	InviteUsersToConversation(channelID string, users ...string) (*slackapi.Channel, error)
	GetConversationInfo(input *slackapi.GetConversationInfoInput) (*slackapi.Channel, error)
	SetTopicOfConversation(channelID, topic string) (*slackapi.Channel, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements transport.Transport for Slack Socket Mode.
type Adapter struct {
	client    slackClient
	socket    socketClient
	log       *zap.Logger
	appToken  string
	botToken  string
	botUserID string

	mu         sync.Mutex
	connected  bool
	closed     bool
	inbound    chan transport.Event
	cancelFunc context.CancelFunc
	// Slack assigns opaque conversation ids; the composite channel id is
	// the conversation name. Both directions are cached.
	nameToID map[string]string
	idToName map[string]string
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken string // xapp-... Slack app-level token for Socket Mode
	BotToken string // xoxb-... Slack bot token
	Logger   *zap.Logger
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("transport: slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("transport: slack: app token is required for socket mode")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		client:   opts.Client,
		socket:   opts.Socket,
		log:      log,
		appToken: opts.AppToken,
		botToken: opts.BotToken,
		inbound:  make(chan transport.Event, 100),
		nameToID: make(map[string]string),
		idToName: make(map[string]string),
	}, nil
}

// Connect establishes the Socket Mode connection and resolves the bot's
// own user id for self-message filtering.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("transport: slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("transport: slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.connected = true
	return nil
}

// Events starts the Socket Mode pump and returns the inbound stream.
func (a *Adapter) Events(ctx context.Context) (<-chan transport.Event, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("transport: slack: not connected")
	}
	a.mu.Unlock()

	listenCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancelFunc = cancel
	a.mu.Unlock()

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)

	return a.inbound, nil
}

// CreateChannel creates a Slack conversation named with the composite
// channel id and invites the initial members. Slack lowercases channel
// names, so the original-case id is stored in the conversation topic and
// restored from there when the name caches are cold.
func (a *Adapter) CreateChannel(ctx context.Context, channelID string, members []string) error {
	if err := a.requireConnected(); err != nil {
		return err
	}

	var channel *slackapi.Channel
	err := retryOnRateLimit(ctx, func() error {
		var apiErr error
		channel, apiErr = a.client.CreateConversation(slackapi.CreateConversationParams{
			ChannelName: strings.ToLower(channelID),
		})
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("transport: slack: create conversation: %w", err)
	}

	err = retryOnRateLimit(ctx, func() error {
		_, apiErr := a.client.SetTopicOfConversation(channel.ID, channelID)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("transport: slack: set topic: %w", err)
	}

	a.mu.Lock()
	a.nameToID[channelID] = channel.ID
	a.idToName[channel.ID] = channelID
	a.mu.Unlock()

	if len(members) > 0 {
		return a.AddMembers(ctx, channelID, members)
	}
	return nil
}

// AddMembers invites members to the named channel.
func (a *Adapter) AddMembers(ctx context.Context, channelID string, members []string) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	id, err := a.conversationID(ctx, channelID)
	if err != nil {
		return err
	}
	err = retryOnRateLimit(ctx, func() error {
		_, apiErr := a.client.InviteUsersToConversation(id, members...)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("transport: slack: invite members: %w", err)
	}
	return nil
}

// SendMessage posts text to the named channel. The sender identity is
// carried as the display username; the Slack timestamp serves as the
// transport message id.
func (a *Adapter) SendMessage(ctx context.Context, channelID, senderID, text string) (string, error) {
	if err := a.requireConnected(); err != nil {
		return "", err
	}
	id, err := a.conversationID(ctx, channelID)
	if err != nil {
		return "", err
	}

	options := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if senderID != "" && senderID != a.botUserID {
		options = append(options, slackapi.MsgOptionUsername(senderID))
	}

	var ts string
	err = retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = a.client.PostMessage(id, options...)
		return postErr
	})
	if err != nil {
		return "", fmt.Errorf("transport: slack: post message: %w", err)
	}
	return ts, nil
}

// BotUserID returns the bot's Slack user id (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// Close shuts down the adapter and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	close(a.inbound)
	return nil
}

func (a *Adapter) requireConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("transport: slack: not connected")
	}
	return nil
}

// conversationID resolves a composite channel id to the Slack
// conversation id, cache-first.
func (a *Adapter) conversationID(ctx context.Context, channelID string) (string, error) {
	a.mu.Lock()
	if id, ok := a.nameToID[channelID]; ok {
		a.mu.Unlock()
		return id, nil
	}
	a.mu.Unlock()
	// Accept raw Slack ids too so non-character channels remain reachable.
	if strings.HasPrefix(channelID, "C") && !strings.Contains(channelID, "_") {
		return channelID, nil
	}
	return "", fmt.Errorf("transport: slack: unknown channel %q", channelID)
}

// channelName resolves a Slack conversation id to the composite channel
// name, querying the API on a cache miss. The topic carries the
// original-case id; the lowercased conversation name is only a fallback
// for channels created before the topic convention.
func (a *Adapter) channelName(id string) string {
	a.mu.Lock()
	if name, ok := a.idToName[id]; ok {
		a.mu.Unlock()
		return name
	}
	a.mu.Unlock()

	info, err := a.client.GetConversationInfo(&slackapi.GetConversationInfoInput{ChannelID: id})
	if err != nil {
		return id
	}
	name := info.Name
	if _, ok := transport.ParseChannelID(info.Topic.Value); ok {
		name = info.Topic.Value
	}
	a.mu.Lock()
	a.idToName[id] = name
	a.nameToID[name] = id
	a.mu.Unlock()
	return name
}

// runWithReconnect runs the Socket Mode client and retries with
// exponential backoff when Run() returns an error.
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return // clean shutdown
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * baseBackoff
		if wait > maxBackoff {
			wait = maxBackoff
		}
		a.log.Warn("socket mode disconnected, reconnecting",
			zap.Int("attempt", attempt+1), zap.Error(err), zap.Duration("wait", wait))

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	a.log.Error("socket mode exhausted reconnection attempts",
		zap.Int("attempts", maxReconnectAttempts))
}

// pumpEvents reads Socket Mode events and converts them to transport
// events.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleEventsAPI(eventsAPIEvent)

	case socketmode.EventTypeConnecting:
		a.log.Debug("connecting to socket mode")

	case socketmode.EventTypeConnected:
		a.log.Info("connected to socket mode")

	case socketmode.EventTypeConnectionError:
		a.log.Warn("socket mode connection error")

	case socketmode.EventTypeDisconnect:
		a.log.Debug("server requested disconnect")
	}
}

func (a *Adapter) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		a.handleMessage(ev)
	case *slackevents.MemberJoinedChannelEvent:
		a.inbound <- transport.Event{
			Type:      transport.EventMemberAdded,
			ChannelID: a.channelName(ev.Channel),
			UserID:    ev.User,
		}
	}
}

func (a *Adapter) handleMessage(ev *slackevents.MessageEvent) {
	// Drop message subtypes (edits, deletes, joins rendered as messages).
	if ev.SubType != "" {
		return
	}
	a.inbound <- transport.Event{
		Type: transport.EventMessage,
		Message: &transport.Message{
			ID:        ev.TimeStamp,
			ChannelID: a.channelName(ev.Channel),
			SenderID:  ev.User,
			Text:      ev.Text,
			Timestamp: parseSlackTimestamp(ev.TimeStamp),
		},
	}
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit
// errors, respecting the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// parseSlackTimestamp converts a Slack timestamp ("1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	if len(parts) == 0 {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
