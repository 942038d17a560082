// Package state owns per-character conversational state: the durable
// record, an in-process cache, and the ephemeral conversation flags that
// drive instruction augmentation.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noctualabs/hearth/internal/types"
)

// ErrNotFound is returned when a character's state was referenced before
// initialization.
var ErrNotFound = errors.New("state: not found")

// ErrGreetingRequired is returned when identity establishment is
// attempted before the greeting protocol has completed. Identity may only
// be true while the greeting is.
var ErrGreetingRequired = errors.New("state: greeting not completed")

// FlagResetRequired is armed by a group change and consumed at most once
// by the next instruction build.
const FlagResetRequired = "resetRequired"

// stateCacheTTL bounds how long a cached state may serve reads before it
// is revalidated against the repo, so durable changes made by another
// process (the admin CLI) reach a long-running server.
const stateCacheTTL = 30 * time.Second

// Repo is the durable backing for character state. Implemented by
// storage.StateRepo.
type Repo interface {
	GetState(ctx context.Context, characterID string) (*types.CharacterState, error)
	CreateState(ctx context.Context, st *types.CharacterState) error
	UpdateState(ctx context.Context, characterID string, up Update) error
	AppendInteraction(ctx context.Context, entry *types.Interaction) error
}

// Update is a merge-write: only non-nil fields are persisted.
type Update struct {
	Group               *string
	GreetingCompleted   *bool
	IdentityEstablished *bool
	InteractionCount    *int
	LastInteraction     *time.Time
	LastGroupChange     *time.Time
	ContextReset        *time.Time
	LastUpdated         *time.Time
}

// Seed supplies initial values for state creation.
type Seed struct {
	Group string
}

// Store is the character state store: durable repo behind a cache, plus
// process-local conversation flags. Flags are lost on restart by design.
//
// The store serializes access to its own maps only; per-character
// read-modify-write serialization is the session layer's responsibility.
type Store struct {
	repo Repo
	log  *zap.Logger
	now  func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
	flags map[string]map[string]bool
}

type cacheEntry struct {
	st       *types.CharacterState
	loadedAt time.Time
}

// New creates a Store over the given repo.
func New(repo Repo, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		repo:  repo,
		log:   log,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
		flags: make(map[string]map[string]bool),
	}
}

// Get returns the character's state, cache-first. A cache miss or an
// entry past its TTL loads from the repo and repopulates the cache.
// Returns ErrNotFound if the state was never initialized.
func (s *Store) Get(ctx context.Context, characterID string) (*types.CharacterState, error) {
	if cached := s.cached(characterID); cached != nil {
		return cached, nil
	}
	st, err := s.repo.GetState(ctx, characterID)
	if err != nil {
		return nil, err
	}
	s.observeExternalChange(st)
	s.storeCache(st)
	return st.Clone(), nil
}

// Initialize creates state with invariant defaults merged with the seed.
// If state already exists the call is a pure read returning it unchanged.
func (s *Store) Initialize(ctx context.Context, characterID string, seed Seed) (*types.CharacterState, error) {
	existing, err := s.Get(ctx, characterID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	st := &types.CharacterState{
		CharacterID:         characterID,
		Group:               seed.Group,
		GreetingCompleted:   false,
		IdentityEstablished: false,
		InteractionCount:    0,
		CreatedAt:           s.now(),
	}
	if err := s.repo.CreateState(ctx, st); err != nil {
		return nil, err
	}
	s.storeCache(st)
	return st.Clone(), nil
}

// SetGroup assigns the character to a group. A change of group stamps
// lastGroupChange and contextReset, clears identityEstablished and arms
// the resetRequired flag. greetingCompleted is deliberately left
// untouched by this transition. Fails with ErrNotFound if state is absent.
func (s *Store) SetGroup(ctx context.Context, characterID, groupID string) (*types.CharacterState, error) {
	st, err := s.Get(ctx, characterID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	isChange := st.Group != groupID

	up := Update{LastUpdated: &now}
	st.LastUpdated = &now
	if isChange {
		cleared := false
		up.Group = &groupID
		up.LastGroupChange = &now
		up.ContextReset = &now
		up.IdentityEstablished = &cleared
		st.Group = groupID
		st.LastGroupChange = &now
		st.ContextReset = &now
		st.IdentityEstablished = false
	}

	if err := s.repo.UpdateState(ctx, characterID, up); err != nil {
		return nil, err
	}
	s.storeCache(st)
	if isChange {
		s.setFlag(characterID, FlagResetRequired)
		s.log.Info("character group changed",
			zap.String("character_id", characterID),
			zap.String("group", groupID))
	}
	return st.Clone(), nil
}

// MarkGreetingCompleted records greeting completion. Idempotent.
func (s *Store) MarkGreetingCompleted(ctx context.Context, characterID string) error {
	return s.markFlag(ctx, characterID, func(st *types.CharacterState) *bool {
		if st.GreetingCompleted {
			return nil
		}
		st.GreetingCompleted = true
		return &st.GreetingCompleted
	}, func(up *Update, v *bool) { up.GreetingCompleted = v })
}

// MarkIdentityEstablished records that the character has introduced
// itself. Idempotent. Fails with ErrGreetingRequired while the greeting
// protocol is incomplete.
func (s *Store) MarkIdentityEstablished(ctx context.Context, characterID string) error {
	st, err := s.Get(ctx, characterID)
	if err != nil {
		return err
	}
	if !st.GreetingCompleted {
		return fmt.Errorf("state: identity for %s: %w", characterID, ErrGreetingRequired)
	}
	return s.markFlag(ctx, characterID, func(st *types.CharacterState) *bool {
		if st.IdentityEstablished {
			return nil
		}
		st.IdentityEstablished = true
		return &st.IdentityEstablished
	}, func(up *Update, v *bool) { up.IdentityEstablished = v })
}

func (s *Store) markFlag(ctx context.Context, characterID string, apply func(*types.CharacterState) *bool, set func(*Update, *bool)) error {
	st, err := s.Get(ctx, characterID)
	if err != nil {
		return err
	}
	v := apply(st)
	if v == nil {
		return nil
	}
	now := s.now()
	st.LastUpdated = &now
	up := Update{LastUpdated: &now}
	set(&up, v)
	if err := s.repo.UpdateState(ctx, characterID, up); err != nil {
		return err
	}
	s.storeCache(st)
	return nil
}

// RecordInteraction appends an immutable log entry and bumps the
// interaction counters. A log-append failure is reported to the caller
// but the counter update is still attempted.
func (s *Store) RecordInteraction(ctx context.Context, characterID, activity string) error {
	st, err := s.Get(ctx, characterID)
	if err != nil {
		return err
	}

	now := s.now()
	var logErr error
	if err := s.repo.AppendInteraction(ctx, &types.Interaction{
		ID:          uuid.NewString(),
		CharacterID: characterID,
		Activity:    activity,
		CreatedAt:   now,
	}); err != nil {
		logErr = fmt.Errorf("state: interaction log: %w", err)
		s.log.Warn("interaction log append failed",
			zap.String("character_id", characterID), zap.Error(err))
	}

	count := st.InteractionCount + 1
	st.InteractionCount = count
	st.LastInteraction = &now
	st.LastUpdated = &now
	counterErr := s.repo.UpdateState(ctx, characterID, Update{
		InteractionCount: &count,
		LastInteraction:  &now,
		LastUpdated:      &now,
	})
	if counterErr == nil {
		s.storeCache(st)
	}
	return errors.Join(logErr, counterErr)
}

// Forget drops the cached state and flags for a character. Used on
// character deletion.
func (s *Store) Forget(characterID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, characterID)
	delete(s.flags, characterID)
}

func (s *Store) cached(characterID string) *types.CharacterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[characterID]
	if !ok || s.now().Sub(entry.loadedAt) >= stateCacheTTL {
		return nil
	}
	return entry.st.Clone()
}

func (s *Store) storeCache(st *types.CharacterState) {
	if st == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[st.CharacterID] = cacheEntry{st: st.Clone(), loadedAt: s.now()}
}

// observeExternalChange compares a freshly loaded state against the stale
// cache entry it replaces. A group changed by another process arms the
// reset flag here, mirroring SetGroup, so the next instruction build
// emits the reset clause.
func (s *Store) observeExternalChange(fresh *types.CharacterState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[fresh.CharacterID]
	if !ok || entry.st.Group == fresh.Group {
		return
	}
	if s.flags[fresh.CharacterID] == nil {
		s.flags[fresh.CharacterID] = make(map[string]bool)
	}
	s.flags[fresh.CharacterID][FlagResetRequired] = true
	s.log.Info("external group change observed",
		zap.String("character_id", fresh.CharacterID),
		zap.String("group", fresh.Group))
}

func (s *Store) setFlag(characterID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flags[characterID] == nil {
		s.flags[characterID] = make(map[string]bool)
	}
	s.flags[characterID][name] = true
}

// consumeFlag reads and clears a flag in one step.
func (s *Store) consumeFlag(characterID, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.flags[characterID][name]
	if set {
		delete(s.flags[characterID], name)
	}
	return set
}
