// Package session runs one stateful AI conversation per character, gated
// by the greeting protocol.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noctualabs/hearth/internal/ai"
	"github.com/noctualabs/hearth/internal/state"
	"github.com/noctualabs/hearth/internal/types"
)

const (
	// identityWindow bounds identity establishment to the start of the
	// conversation. The first completed reply leaves identity unset; a
	// completed reply at interaction count two establishes it, and past the
	// window it is never established. Checked only after a turn completes;
	// once established it is never re-evaluated.
	identityWindow = 2

	defaultGreetingWait = 10 * time.Second
	defaultReplyWait    = 15 * time.Second
)

// Characters resolves character profiles. Implemented by
// storage.CharacterRepo.
type Characters interface {
	GetByID(ctx context.Context, id string) (*types.Character, error)
}

// StateStore is the character state surface the service drives.
// Implemented by state.Store.
type StateStore interface {
	Get(ctx context.Context, characterID string) (*types.CharacterState, error)
	Initialize(ctx context.Context, characterID string, seed state.Seed) (*types.CharacterState, error)
	MarkGreetingCompleted(ctx context.Context, characterID string) error
	MarkIdentityEstablished(ctx context.Context, characterID string) error
	RecordInteraction(ctx context.Context, characterID, activity string) error
	BuildAugmentedInstructions(ctx context.Context, characterID, baseInstructions string) string
}

// Metadata carries caller context for a message turn.
type Metadata = map[string]string

// Options tunes the service's bounded waits.
type Options struct {
	GreetingWait time.Duration
	ReplyWait    time.Duration
}

// Service owns the per-character backend sessions. All operations for one
// character are serialized behind a per-character mutex; different
// characters proceed in parallel.
type Service struct {
	characters Characters
	states     StateStore
	backend    ai.Backend
	log        *zap.Logger

	greetingWait time.Duration
	replyWait    time.Duration

	mu       sync.Mutex
	sessions map[string]liveSession
	locks    map[string]*sync.Mutex
}

// liveSession pairs a connected backend session with the group its
// instructions were built for. A group mismatch on the next turn forces a
// reconnect with freshly augmented instructions.
type liveSession struct {
	sess  ai.Session
	group string
}

// New creates a Service.
func New(characters Characters, states StateStore, backend ai.Backend, log *zap.Logger, opts Options) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.GreetingWait <= 0 {
		opts.GreetingWait = defaultGreetingWait
	}
	if opts.ReplyWait <= 0 {
		opts.ReplyWait = defaultReplyWait
	}
	return &Service{
		characters:   characters,
		states:       states,
		backend:      backend,
		log:          log,
		greetingWait: opts.GreetingWait,
		replyWait:    opts.ReplyWait,
		sessions:     make(map[string]liveSession),
		locks:        make(map[string]*sync.Mutex),
	}
}

// InitializeSession runs the greeting protocol for a character. When the
// greeting is already completed and forceGreeting is false, it returns
// success without touching the backend. A greeting that does not complete
// within the bounded wait resolves unsuccessful but leaves the state
// retryable.
func (s *Service) InitializeSession(ctx context.Context, characterID string, forceGreeting bool) (bool, error) {
	lock := s.lockFor(characterID)
	lock.Lock()
	defer lock.Unlock()

	character, err := s.characters.GetByID(ctx, characterID)
	if err != nil {
		return false, err
	}

	st, err := s.states.Initialize(ctx, characterID, state.Seed{Group: character.Group})
	if err != nil {
		return false, err
	}
	if st.GreetingCompleted && !forceGreeting {
		return true, nil
	}

	sess, err := s.ensureSessionLocked(ctx, character)
	if err != nil {
		return false, err
	}

	directive := fmt.Sprintf(
		"Greet the user now, in your own voice. Use this greeting as your guide:\n%s",
		character.Greeting)

	// The turn context is cancelled once collection stops, so an abandoned
	// stream never outlives its bounded wait.
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := sess.Send(turnCtx, directive, true)
	if err != nil {
		return false, err
	}
	_, completed, err := ai.CollectTurn(events, s.greetingWait)
	if err != nil || !completed {
		s.log.Warn("greeting did not complete",
			zap.String("character_id", characterID), zap.Error(err))
		return false, nil
	}

	if err := s.states.MarkGreetingCompleted(ctx, characterID); err != nil {
		return false, err
	}
	s.log.Info("greeting completed", zap.String("character_id", characterID))
	return true, nil
}

// SendMessage runs one conversational turn. The interaction is recorded
// before the backend is invoked. On reply timeout, accumulated partial
// text is returned as the result; with nothing accumulated the turn fails
// with ai.ErrTimeout. A completed second turn establishes identity,
// provided the greeting protocol has completed.
func (s *Service) SendMessage(ctx context.Context, characterID, text string, meta Metadata) (string, error) {
	lock := s.lockFor(characterID)
	lock.Lock()
	defer lock.Unlock()

	activity := meta["activity"]
	if activity == "" {
		activity = "message"
	}
	if err := s.states.RecordInteraction(ctx, characterID, activity); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return "", err
		}
		// Side-effect persistence failures must not block delivery.
		s.log.Error("record interaction failed",
			zap.String("character_id", characterID), zap.Error(err))
	}

	character, err := s.characters.GetByID(ctx, characterID)
	if err != nil {
		return "", err
	}
	sess, err := s.ensureSessionLocked(ctx, character)
	if err != nil {
		return "", err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := sess.Send(turnCtx, text, false)
	if err != nil {
		return "", err
	}
	reply, completed, err := ai.CollectTurn(events, s.replyWait)
	if err != nil {
		return "", err
	}

	if completed {
		if st, serr := s.states.Get(ctx, characterID); serr == nil {
			if !st.IdentityEstablished && st.GreetingCompleted &&
				st.InteractionCount >= 2 && st.InteractionCount <= identityWindow {
				if merr := s.states.MarkIdentityEstablished(ctx, characterID); merr != nil {
					s.log.Warn("mark identity established failed",
						zap.String("character_id", characterID), zap.Error(merr))
				}
			}
		}
	}
	return reply, nil
}

// RunTurn runs a one-off directive turn through the character's session
// with the standard bounded wait. It does not count as a user
// interaction and never touches identity state. Used for insight
// generation.
func (s *Service) RunTurn(ctx context.Context, characterID, prompt string) (string, error) {
	lock := s.lockFor(characterID)
	lock.Lock()
	defer lock.Unlock()

	character, err := s.characters.GetByID(ctx, characterID)
	if err != nil {
		return "", err
	}
	sess, err := s.ensureSessionLocked(ctx, character)
	if err != nil {
		return "", err
	}
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := sess.Send(turnCtx, prompt, true)
	if err != nil {
		return "", err
	}
	text, _, err := ai.CollectTurn(events, s.replyWait)
	return text, err
}

// Refresh drops the cached backend session so the next turn reconnects
// with freshly augmented instructions. Call after a group change.
func (s *Service) Refresh(characterID string) {
	lock := s.lockFor(characterID)
	lock.Lock()
	defer lock.Unlock()
	s.dropSession(characterID)
}

// Remove tears down the character's session entirely. Used on character
// deletion.
func (s *Service) Remove(characterID string) {
	s.Refresh(characterID)
	s.mu.Lock()
	delete(s.locks, characterID)
	s.mu.Unlock()
}

// Close shuts down every live session.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.sessions {
		if err := entry.sess.Close(); err != nil {
			s.log.Warn("close session", zap.String("character_id", id), zap.Error(err))
		}
		delete(s.sessions, id)
	}
}

// ensureSessionLocked returns the live session for the character,
// connecting if needed. A cached session whose group no longer matches
// the current state is dropped and reconnected, so durable group changes
// reach the session without an explicit Refresh. Every connect rebuilds
// the instruction text from the current state; the raw template is never
// used directly.
func (s *Service) ensureSessionLocked(ctx context.Context, character *types.Character) (ai.Session, error) {
	group := character.Group
	if st, err := s.states.Get(ctx, character.ID); err == nil {
		group = st.Group
	}

	s.mu.Lock()
	entry, ok := s.sessions[character.ID]
	s.mu.Unlock()
	if ok && entry.group == group {
		return entry.sess, nil
	}
	if ok {
		s.log.Info("session instructions stale, reconnecting",
			zap.String("character_id", character.ID), zap.String("group", group))
		s.dropSession(character.ID)
	}

	instructions := s.states.BuildAugmentedInstructions(ctx, character.ID, character.Instructions)
	sess, err := s.backend.Connect(ctx, ai.SessionConfig{SystemInstruction: instructions})
	if err != nil {
		return nil, fmt.Errorf("session: connect %s: %w", character.ID, err)
	}

	s.mu.Lock()
	s.sessions[character.ID] = liveSession{sess: sess, group: group}
	s.mu.Unlock()
	return sess, nil
}

func (s *Service) dropSession(characterID string) {
	s.mu.Lock()
	entry, ok := s.sessions[characterID]
	delete(s.sessions, characterID)
	s.mu.Unlock()
	if ok {
		if err := entry.sess.Close(); err != nil {
			s.log.Warn("close session", zap.String("character_id", characterID), zap.Error(err))
		}
	}
}

func (s *Service) lockFor(characterID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[characterID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[characterID] = lock
	}
	return lock
}
