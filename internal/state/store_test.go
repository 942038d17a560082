package state

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noctualabs/hearth/internal/types"
)

// fakeRepo is an in-memory Repo for tests.
type fakeRepo struct {
	mu           sync.Mutex
	states       map[string]*types.CharacterState
	interactions []*types.Interaction
	updates      int
	appendErr    error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{states: make(map[string]*types.CharacterState)}
}

func (r *fakeRepo) GetState(ctx context.Context, characterID string) (*types.CharacterState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[characterID]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

func (r *fakeRepo) CreateState(ctx context.Context, st *types.CharacterState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[st.CharacterID] = st.Clone()
	return nil
}

func (r *fakeRepo) UpdateState(ctx context.Context, characterID string, up Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[characterID]
	if !ok {
		return ErrNotFound
	}
	r.updates++
	if up.Group != nil {
		st.Group = *up.Group
	}
	if up.GreetingCompleted != nil {
		st.GreetingCompleted = *up.GreetingCompleted
	}
	if up.IdentityEstablished != nil {
		st.IdentityEstablished = *up.IdentityEstablished
	}
	if up.InteractionCount != nil {
		st.InteractionCount = *up.InteractionCount
	}
	if up.LastInteraction != nil {
		st.LastInteraction = up.LastInteraction
	}
	if up.LastGroupChange != nil {
		st.LastGroupChange = up.LastGroupChange
	}
	if up.ContextReset != nil {
		st.ContextReset = up.ContextReset
	}
	if up.LastUpdated != nil {
		st.LastUpdated = up.LastUpdated
	}
	return nil
}

func (r *fakeRepo) AppendInteraction(ctx context.Context, entry *types.Interaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	r.interactions = append(r.interactions, entry)
	return nil
}

func (r *fakeRepo) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}

func TestInitializeIdempotent(t *testing.T) {
	ctx := context.Background()
	store := New(newFakeRepo(), nil)

	first, err := store.Initialize(ctx, "c1", Seed{Group: types.GroupEmber})
	require.NoError(t, err)
	assert.Equal(t, types.GroupEmber, first.Group)
	assert.False(t, first.GreetingCompleted)
	assert.Zero(t, first.InteractionCount)

	require.NoError(t, store.MarkGreetingCompleted(ctx, "c1"))

	// A second initialize must return the existing state untouched.
	again, err := store.Initialize(ctx, "c1", Seed{Group: types.GroupDrift})
	require.NoError(t, err)
	assert.Equal(t, types.GroupEmber, again.Group)
	assert.True(t, again.GreetingCompleted)
}

func TestGetUnknownCharacter(t *testing.T) {
	store := New(newFakeRepo(), nil)
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetGroupResetsIdentityNotGreeting(t *testing.T) {
	ctx := context.Background()
	store := New(newFakeRepo(), nil)

	_, err := store.Initialize(ctx, "c1", Seed{Group: types.GroupEmber})
	require.NoError(t, err)
	require.NoError(t, store.MarkGreetingCompleted(ctx, "c1"))
	require.NoError(t, store.MarkIdentityEstablished(ctx, "c1"))

	st, err := store.SetGroup(ctx, "c1", types.GroupSage)
	require.NoError(t, err)

	assert.Equal(t, types.GroupSage, st.Group)
	assert.False(t, st.IdentityEstablished)
	assert.True(t, st.GreetingCompleted, "group change must not unwind the greeting")
	require.NotNil(t, st.LastGroupChange)
	require.NotNil(t, st.ContextReset)
}

func TestSetGroupSameGroupIsNotAChange(t *testing.T) {
	ctx := context.Background()
	store := New(newFakeRepo(), nil)

	_, err := store.Initialize(ctx, "c1", Seed{Group: types.GroupEmber})
	require.NoError(t, err)
	require.NoError(t, store.MarkGreetingCompleted(ctx, "c1"))
	require.NoError(t, store.MarkIdentityEstablished(ctx, "c1"))

	st, err := store.SetGroup(ctx, "c1", types.GroupEmber)
	require.NoError(t, err)

	assert.True(t, st.IdentityEstablished)
	assert.Nil(t, st.LastGroupChange)
	assert.NotContains(t,
		store.BuildAugmentedInstructions(ctx, "c1", "base"),
		"group affiliation has just changed")
}

func TestSetGroupUnknownCharacter(t *testing.T) {
	store := New(newFakeRepo(), nil)
	_, err := store.SetGroup(context.Background(), "missing", types.GroupSage)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkFlagsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	store := New(repo, nil)

	_, err := store.Initialize(ctx, "c1", Seed{})
	require.NoError(t, err)

	require.NoError(t, store.MarkGreetingCompleted(ctx, "c1"))
	afterFirst := repo.updateCount()
	require.NoError(t, store.MarkGreetingCompleted(ctx, "c1"))
	assert.Equal(t, afterFirst, repo.updateCount(), "second mark must not write")

	require.NoError(t, store.MarkIdentityEstablished(ctx, "c1"))
	afterIdentity := repo.updateCount()
	require.NoError(t, store.MarkIdentityEstablished(ctx, "c1"))
	assert.Equal(t, afterIdentity, repo.updateCount())
}

func TestMarkIdentityRequiresGreeting(t *testing.T) {
	ctx := context.Background()
	store := New(newFakeRepo(), nil)

	_, err := store.Initialize(ctx, "c1", Seed{})
	require.NoError(t, err)

	err = store.MarkIdentityEstablished(ctx, "c1")
	assert.ErrorIs(t, err, ErrGreetingRequired)

	st, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, st.IdentityEstablished)

	require.NoError(t, store.MarkGreetingCompleted(ctx, "c1"))
	require.NoError(t, store.MarkIdentityEstablished(ctx, "c1"))
}

func TestGetObservesExternalGroupChange(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	store := New(repo, nil)
	current := time.Now()
	store.now = func() time.Time { return current }

	_, err := store.Initialize(ctx, "c1", Seed{Group: types.GroupEmber})
	require.NoError(t, err)

	// Another process moves the durable group under us.
	repo.mu.Lock()
	repo.states["c1"].Group = types.GroupSage
	repo.mu.Unlock()

	st, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.GroupEmber, st.Group, "fresh cache still serves the old group")

	current = current.Add(stateCacheTTL + time.Second)
	st, err = store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.GroupSage, st.Group, "expired cache revalidates against the repo")

	first := store.BuildAugmentedInstructions(ctx, "c1", "base")
	assert.Contains(t, first, "group affiliation has just changed",
		"an observed external group change arms the reset clause")
	second := store.BuildAugmentedInstructions(ctx, "c1", "base")
	assert.NotContains(t, second, "group affiliation has just changed")
}

func TestRecordInteraction(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	store := New(repo, nil)

	_, err := store.Initialize(ctx, "c1", Seed{})
	require.NoError(t, err)

	require.NoError(t, store.RecordInteraction(ctx, "c1", "message"))
	require.NoError(t, store.RecordInteraction(ctx, "c1", "message"))

	st, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.InteractionCount)
	assert.NotNil(t, st.LastInteraction)
	assert.Len(t, repo.interactions, 2)
}

func TestRecordInteractionLogFailureStillCounts(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	repo.appendErr = errors.New("log table down")
	store := New(repo, nil)

	_, err := store.Initialize(ctx, "c1", Seed{})
	require.NoError(t, err)

	err = store.RecordInteraction(ctx, "c1", "message")
	require.Error(t, err)

	st, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.InteractionCount, "counter update must survive a log-append failure")
}

func TestRecordInteractionUnknownCharacter(t *testing.T) {
	store := New(newFakeRepo(), nil)
	err := store.RecordInteraction(context.Background(), "missing", "message")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBuildAugmentedInstructionsClauseOrder(t *testing.T) {
	ctx := context.Background()
	store := New(newFakeRepo(), nil)

	_, err := store.Initialize(ctx, "c1", Seed{Group: types.GroupSage})
	require.NoError(t, err)

	out := store.BuildAugmentedInstructions(ctx, "c1", "You are Lyra.")

	base := strings.Index(out, "You are Lyra.")
	group := strings.Index(out, "permanent member")
	greeting := strings.Index(out, "first interaction")
	require.GreaterOrEqual(t, base, 0)
	require.Greater(t, group, base)
	require.Greater(t, greeting, group)
	assert.NotContains(t, out, "already introduced yourself")
}

func TestBuildAugmentedInstructionsAfterGreeting(t *testing.T) {
	ctx := context.Background()
	store := New(newFakeRepo(), nil)

	_, err := store.Initialize(ctx, "c1", Seed{Group: types.GroupSage})
	require.NoError(t, err)
	require.NoError(t, store.MarkGreetingCompleted(ctx, "c1"))
	require.NoError(t, store.MarkIdentityEstablished(ctx, "c1"))

	out := store.BuildAugmentedInstructions(ctx, "c1", "base")
	assert.Contains(t, out, "already introduced yourself")
	assert.NotContains(t, out, "first interaction")
}

func TestBuildAugmentedInstructionsResetClauseConsumedOnce(t *testing.T) {
	ctx := context.Background()
	store := New(newFakeRepo(), nil)

	_, err := store.Initialize(ctx, "c1", Seed{Group: types.GroupEmber})
	require.NoError(t, err)
	_, err = store.SetGroup(ctx, "c1", types.GroupHaven)
	require.NoError(t, err)

	first := store.BuildAugmentedInstructions(ctx, "c1", "base")
	assert.Contains(t, first, "group affiliation has just changed")

	second := store.BuildAugmentedInstructions(ctx, "c1", "base")
	assert.NotContains(t, second, "group affiliation has just changed",
		"reset clause is one-shot")
	assert.Contains(t, second, "Haven", "group clause persists after the reset clause is spent")
}

func TestBuildAugmentedInstructionsNoState(t *testing.T) {
	store := New(newFakeRepo(), nil)
	out := store.BuildAugmentedInstructions(context.Background(), "missing", "just the base")
	assert.Equal(t, "just the base", out)
}

func TestForgetDropsFlags(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	store := New(repo, nil)

	_, err := store.Initialize(ctx, "c1", Seed{Group: types.GroupEmber})
	require.NoError(t, err)
	_, err = store.SetGroup(ctx, "c1", types.GroupSage)
	require.NoError(t, err)

	store.Forget("c1")

	// The flag is gone with the cache; the durable record still loads.
	out := store.BuildAugmentedInstructions(ctx, "c1", "base")
	assert.NotContains(t, out, "group affiliation has just changed")
	st, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.GroupSage, st.Group)
}
