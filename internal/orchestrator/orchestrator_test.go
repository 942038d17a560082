package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noctualabs/hearth/internal/transport"
	"github.com/noctualabs/hearth/internal/types"
)

type initCall struct {
	characterID string
	force       bool
}

type fakeSessions struct {
	mu        sync.Mutex
	initCalls []initCall
	sent      []string
	reply     string
	sendErr   error
}

func (f *fakeSessions) InitializeSession(ctx context.Context, characterID string, forceGreeting bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls = append(f.initCalls, initCall{characterID: characterID, force: forceGreeting})
	return true, nil
}

func (f *fakeSessions) SendMessage(ctx context.Context, characterID, text string, meta map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, text)
	return f.reply, nil
}

func (f *fakeSessions) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSessions) inits() []initCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]initCall{}, f.initCalls...)
}

type fakeCharacters struct{}

func (fakeCharacters) GetByID(ctx context.Context, id string) (*types.Character, error) {
	return &types.Character{ID: id, Name: "Lyra"}, nil
}

type fakeConversations struct {
	mu      sync.Mutex
	records []*types.Conversation
}

func (f *fakeConversations) Append(ctx context.Context, c *types.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, c)
	return nil
}

func (f *fakeConversations) wait(n int, timeout time.Duration) []*types.Conversation {
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		if len(f.records) >= n || time.Now().After(deadline) {
			out := append([]*types.Conversation{}, f.records...)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeMetrics struct {
	mu    sync.Mutex
	users []string
}

func (f *fakeMetrics) CalculateUserMetrics(ctx context.Context, userID string, activities []types.Activity) (*types.UserMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	return &types.UserMetrics{UserID: userID}, nil
}

type fixture struct {
	mock     *transport.Mock
	sessions *fakeSessions
	convs    *fakeConversations
	mets     *fakeMetrics
	orch     *Orchestrator
	cancel   context.CancelFunc
}

func startOrchestrator(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mock:     transport.NewMock("BOT"),
		sessions: &fakeSessions{reply: "nice to meet you"},
		convs:    &fakeConversations{},
		mets:     &fakeMetrics{},
	}
	f.orch = New(f.mock, f.sessions, fakeCharacters{}, f.convs, f.mets, nil)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { _ = f.orch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = f.mock.Close()
	})

	// Run connects synchronously before consuming events, but give the
	// goroutine a beat to reach the loop.
	time.Sleep(10 * time.Millisecond)
	return f
}

func messageEvent(id, channelID, senderID, text string) transport.Event {
	return transport.Event{
		Type: transport.EventMessage,
		Message: &transport.Message{
			ID:        id,
			ChannelID: channelID,
			SenderID:  senderID,
			Text:      text,
			Timestamp: time.Now(),
		},
	}
}

func TestMessageRoutedToCharacter(t *testing.T) {
	f := startOrchestrator(t)

	f.mock.Deliver(messageEvent("evt1", "u1_c1_1700000000000", "u1", "Hello!"))

	sent := f.mock.WaitSent(1, time.Second)
	require.Len(t, sent, 1)
	assert.Equal(t, "nice to meet you", sent[0].Text)
	assert.Equal(t, "Lyra", sent[0].SenderID, "replies are authored as the character")
	assert.Equal(t, "u1_c1_1700000000000", sent[0].ChannelID)

	records := f.convs.wait(1, time.Second)
	require.Len(t, records, 1)
	assert.Equal(t, "u1", records[0].UserID)
	assert.Equal(t, "c1", records[0].CharacterID)
	assert.Equal(t, "Hello!", records[0].Message)
	assert.Equal(t, "nice to meet you", records[0].Response)
}

func TestDuplicateDeliveryHandledOnce(t *testing.T) {
	f := startOrchestrator(t)

	ev := messageEvent("evt1", "u1_c1_1700000000000", "u1", "Hello!")
	f.mock.Deliver(ev)
	f.mock.Deliver(ev)

	f.mock.WaitSent(1, time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.mock.Sent(), 1)
	assert.Equal(t, 1, f.sessions.sendCount())
}

func TestOwnMessagesIgnored(t *testing.T) {
	f := startOrchestrator(t)

	f.mock.Deliver(messageEvent("evt1", "u1_c1_1700000000000", "BOT", "echo of my own reply"))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.mock.Sent())
	assert.Zero(t, f.sessions.sendCount())
}

func TestNonCharacterChannelIgnored(t *testing.T) {
	f := startOrchestrator(t)

	f.mock.Deliver(messageEvent("evt1", "general", "u1", "hi everyone"))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.mock.Sent())
	assert.Zero(t, f.sessions.sendCount())
}

func TestFallbackOnSessionFailure(t *testing.T) {
	f := startOrchestrator(t)
	f.sessions.sendErr = errors.New("backend down")

	f.mock.Deliver(messageEvent("evt1", "u1_c1_1700000000000", "u1", "Hello!"))

	sent := f.mock.WaitSent(1, time.Second)
	require.Len(t, sent, 1)
	assert.Equal(t, fallbackText, sent[0].Text)
	assert.Equal(t, "BOT", sent[0].SenderID, "the fallback speaks as the bot, not the character")
}

func TestFallbackOnDeliveryFailure(t *testing.T) {
	f := startOrchestrator(t)
	f.mock.SendErr = errors.New("channel archived")

	f.mock.Deliver(messageEvent("evt1", "u1_c1_1700000000000", "u1", "Hello!"))

	sent := f.mock.WaitSent(1, time.Second)
	require.Len(t, sent, 1)
	assert.Equal(t, fallbackText, sent[0].Text)
}

func TestMemberAddedTriggersGreetingForCharacterOnly(t *testing.T) {
	f := startOrchestrator(t)

	f.mock.Deliver(transport.Event{
		Type:      transport.EventMemberAdded,
		ChannelID: "u1_c1_1700000000000",
		UserID:    "u1", // the human joining is not a greeting trigger
	})
	f.mock.Deliver(transport.Event{
		Type:      transport.EventMemberAdded,
		ChannelID: "u1_c1_1700000000000",
		UserID:    "c1",
	})

	time.Sleep(50 * time.Millisecond)
	inits := f.sessions.inits()
	require.Len(t, inits, 1)
	assert.Equal(t, initCall{characterID: "c1", force: false}, inits[0])
}

func TestCreateCharacterChannel(t *testing.T) {
	f := startOrchestrator(t)

	channelID, err := f.orch.CreateCharacterChannel(context.Background(), "u1", "c1")
	require.NoError(t, err)

	ref, ok := transport.ParseChannelID(channelID)
	require.True(t, ok)
	assert.Equal(t, "u1", ref.UserID)
	assert.Equal(t, "c1", ref.CharacterID)

	members := f.mock.Members(channelID)
	assert.ElementsMatch(t, []string{"u1", "BOT", "c1"}, members)

	inits := f.sessions.inits()
	require.Len(t, inits, 1)
	assert.Equal(t, initCall{characterID: "c1", force: true}, inits[0])

	sent := f.mock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, welcomeText, sent[0].Text)

	// The welcome message must never be re-ingested as user input.
	f.mock.Deliver(messageEvent(sent[0].ID, channelID, "Lyra", welcomeText))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.sessions.sendCount())
}

func TestMetricsFedFromConversation(t *testing.T) {
	f := startOrchestrator(t)

	f.mock.Deliver(messageEvent("evt1", "u1_c1_1700000000000", "u1", "What should I build next?"))

	f.mock.WaitSent(1, time.Second)
	deadline := time.Now().Add(time.Second)
	for {
		f.mets.mu.Lock()
		n := len(f.mets.users)
		f.mets.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.mets.mu.Lock()
	defer f.mets.mu.Unlock()
	require.NotEmpty(t, f.mets.users)
	assert.Equal(t, "u1", f.mets.users[0])
}

func TestConversationActivityScalars(t *testing.T) {
	short := conversationActivity("hi")
	assert.Equal(t, "conversation", short.Type)
	assert.InDelta(t, 0.04, short.Depth, 0.001)
	assert.Equal(t, 0.5, short.Reflection)

	question := conversationActivity("What do you think about all of this?")
	assert.Equal(t, 1.5, question.Reflection)

	long := conversationActivity(repeatWords("word", 200))
	assert.Equal(t, 3.0, long.Depth, "depth caps at 3")
}

func repeatWords(w string, n int) string {
	out := w
	for i := 1; i < n; i++ {
		out += " " + w
	}
	return out
}
