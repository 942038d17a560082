// Package orchestrator routes transport events to character sessions:
// deduplication, channel resolution, reply delivery, and the non-blocking
// audit and metrics side paths.
package orchestrator

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noctualabs/hearth/internal/transport"
	"github.com/noctualabs/hearth/internal/types"
)

const (
	// processedCapacity bounds the dedup window to the most recent ids.
	processedCapacity = 1000

	fallbackText = "Sorry, something went wrong on my end. Please try again."
	welcomeText  = "Your conversation is ready. Say hello!"

	// sideEffectTimeout bounds the fire-and-forget audit and metrics
	// writes so they never linger past a stuck store.
	sideEffectTimeout = 10 * time.Second
)

// Sessions is the character session surface the orchestrator drives.
// Implemented by session.Service.
type Sessions interface {
	InitializeSession(ctx context.Context, characterID string, forceGreeting bool) (bool, error)
	SendMessage(ctx context.Context, characterID, text string, meta map[string]string) (string, error)
}

// Characters resolves display names for outbound authoring.
type Characters interface {
	GetByID(ctx context.Context, id string) (*types.Character, error)
}

// Conversations records completed exchanges. Implemented by
// storage.ConversationRepo.
type Conversations interface {
	Append(ctx context.Context, conversation *types.Conversation) error
}

// Metrics is the insight pipeline's state producer. Implemented by
// metrics.Engine.
type Metrics interface {
	CalculateUserMetrics(ctx context.Context, userID string, activities []types.Activity) (*types.UserMetrics, error)
}

// Orchestrator subscribes to transport events and routes messages to the
// owning character. Failures are contained per message; nothing here
// crashes the process.
type Orchestrator struct {
	transport     transport.Transport
	sessions      Sessions
	characters    Characters
	conversations Conversations
	metrics       Metrics
	log           *zap.Logger

	processed *processedSet
	selfID    string
}

// New creates an Orchestrator. conversations and metrics may be nil to
// disable the corresponding side paths.
func New(tr transport.Transport, sessions Sessions, characters Characters, conversations Conversations, metrics Metrics, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		transport:     tr,
		sessions:      sessions,
		characters:    characters,
		conversations: conversations,
		metrics:       metrics,
		log:           log,
		processed:     newProcessedSet(processedCapacity),
	}
}

// Run connects the transport and consumes events until the context ends
// or the event stream closes. Events for different channels are handled
// concurrently; per-character serialization happens in the session layer.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.transport.Connect(ctx); err != nil {
		return err
	}
	o.selfID = o.transport.BotUserID()

	events, err := o.transport.Events(ctx)
	if err != nil {
		return err
	}
	o.log.Info("orchestrator running", zap.String("self_id", o.selfID))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			go o.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent dispatches a single transport event.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Type {
	case transport.EventMessage:
		o.handleMessage(ctx, ev.Message)
	case transport.EventMemberAdded:
		o.handleMemberAdded(ctx, ev.ChannelID, ev.UserID)
	}
}

// handleMessage routes one inbound message. The message id is marked
// processed before any asynchronous work to close the race window
// against duplicate delivery.
func (o *Orchestrator) handleMessage(ctx context.Context, msg *transport.Message) {
	if msg == nil {
		return
	}
	if msg.SenderID == o.selfID {
		return
	}
	if !o.processed.Add(msg.ID) {
		return
	}

	ref, ok := transport.ParseChannelID(msg.ChannelID)
	if !ok {
		// Not a character channel.
		return
	}

	reply, err := o.sessions.SendMessage(ctx, ref.CharacterID, msg.Text, map[string]string{
		"user_id":    ref.UserID,
		"channel_id": msg.ChannelID,
	})
	if err != nil {
		o.log.Warn("character turn failed",
			zap.String("character_id", ref.CharacterID),
			zap.String("channel_id", msg.ChannelID),
			zap.Error(err))
		o.sendFallback(ctx, msg.ChannelID)
		return
	}

	replyID, err := o.transport.SendMessage(ctx, msg.ChannelID, o.authorFor(ctx, ref.CharacterID), reply)
	if err != nil {
		o.log.Warn("reply delivery failed",
			zap.String("channel_id", msg.ChannelID), zap.Error(err))
		o.sendFallback(ctx, msg.ChannelID)
		return
	}
	// Own replies must never be re-ingested.
	o.processed.Add(replyID)

	go o.recordConversation(ref, msg.ChannelID, msg.Text, reply)
	go o.updateMetrics(ref.UserID, msg.Text)
}

// handleMemberAdded triggers the greeting protocol when a character
// joins its own channel.
func (o *Orchestrator) handleMemberAdded(ctx context.Context, channelID, userID string) {
	ref, ok := transport.ParseChannelID(channelID)
	if !ok || ref.CharacterID != userID {
		return
	}
	if _, err := o.sessions.InitializeSession(ctx, ref.CharacterID, false); err != nil {
		o.log.Warn("greeting on member add failed",
			zap.String("character_id", ref.CharacterID), zap.Error(err))
	}
}

// CreateCharacterChannel builds a fresh channel for a user/character
// pair, runs the greeting protocol and sends a welcome message. Returns
// the new channel id.
func (o *Orchestrator) CreateCharacterChannel(ctx context.Context, userID, characterID string) (string, error) {
	if o.selfID == "" {
		o.selfID = o.transport.BotUserID()
	}
	channelID := transport.NewChannelID(userID, characterID, time.Now())

	if err := o.transport.CreateChannel(ctx, channelID, []string{userID, o.selfID}); err != nil {
		return "", err
	}
	if err := o.transport.AddMembers(ctx, channelID, []string{characterID}); err != nil {
		return "", err
	}

	if ok, err := o.sessions.InitializeSession(ctx, characterID, true); err != nil || !ok {
		o.log.Warn("forced greeting did not complete",
			zap.String("character_id", characterID), zap.Error(err))
	}

	if id, err := o.transport.SendMessage(ctx, channelID, o.authorFor(ctx, characterID), welcomeText); err != nil {
		o.log.Warn("welcome send failed", zap.String("channel_id", channelID), zap.Error(err))
	} else {
		o.processed.Add(id)
	}
	return channelID, nil
}

// sendFallback delivers a best-effort error message authored by the
// orchestrator itself.
func (o *Orchestrator) sendFallback(ctx context.Context, channelID string) {
	id, err := o.transport.SendMessage(ctx, channelID, o.selfID, fallbackText)
	if err != nil {
		o.log.Warn("fallback send failed", zap.String("channel_id", channelID), zap.Error(err))
		return
	}
	o.processed.Add(id)
}

// recordConversation persists the completed exchange for audit. Failures
// are logged only; this path never blocks or fails message delivery.
func (o *Orchestrator) recordConversation(ref transport.ChannelRef, channelID, message, response string) {
	if o.conversations == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	err := o.conversations.Append(ctx, &types.Conversation{
		ID:          uuid.NewString(),
		UserID:      ref.UserID,
		CharacterID: ref.CharacterID,
		ChannelID:   channelID,
		Message:     message,
		Response:    response,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		o.log.Warn("conversation record failed",
			zap.String("channel_id", channelID), zap.Error(err))
	}
}

// updateMetrics feeds the message into the metrics pipeline,
// fire-and-forget.
func (o *Orchestrator) updateMetrics(userID, text string) {
	if o.metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if _, err := o.metrics.CalculateUserMetrics(ctx, userID, []types.Activity{conversationActivity(text)}); err != nil {
		o.log.Warn("metrics update failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// authorFor resolves the character's display name for outbound
// authoring, falling back to the raw id.
func (o *Orchestrator) authorFor(ctx context.Context, characterID string) string {
	if o.characters == nil {
		return characterID
	}
	character, err := o.characters.GetByID(ctx, characterID)
	if err != nil || character.Name == "" {
		return characterID
	}
	return character.Name
}

// conversationActivity derives depth and reflection scalars from the
// message text. Deliberately crude; the scoring table downstream is the
// replaceable part.
func conversationActivity(text string) types.Activity {
	words := float64(len(strings.Fields(text)))
	activity := types.Activity{
		Type:       "conversation",
		Depth:      math.Min(words/25, 3),
		Reflection: 0.5,
	}
	if strings.Contains(text, "?") {
		activity.Reflection = 1.5
	}
	return activity
}
