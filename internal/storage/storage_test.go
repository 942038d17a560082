package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noctualabs/hearth/internal/state"
	"github.com/noctualabs/hearth/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	store, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestCharacterLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	character := &types.Character{
		ID:           "c1",
		Name:         "Lyra",
		Traits:       []string{"curious", "patient"},
		Group:        types.GroupSage,
		Instructions: "You are Lyra.",
		Greeting:     "Hello.",
	}
	require.NoError(t, store.Characters.Create(ctx, character))
	require.NoError(t, store.States.CreateState(ctx, &types.CharacterState{
		CharacterID: "c1",
		Group:       types.GroupSage,
		CreatedAt:   time.Now(),
	}))

	got, err := store.Characters.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Lyra", got.Name)
	assert.Equal(t, []string{"curious", "patient"}, got.Traits)
	assert.Equal(t, types.GroupSage, got.Group)

	list, err := store.Characters.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, store.Characters.Delete(ctx, "c1"))
	_, err = store.Characters.GetByID(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.States.GetState(ctx, "c1")
	assert.ErrorIs(t, err, state.ErrNotFound, "deleting a character removes its state")
}

func TestCharacterUpdateGroup(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Characters.Create(ctx, &types.Character{
		ID:           "c1",
		Name:         "Lyra",
		Group:        types.GroupSage,
		Instructions: "You are Lyra.",
	}))

	require.NoError(t, store.Characters.UpdateGroup(ctx, "c1", types.GroupHaven))
	got, err := store.Characters.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.GroupHaven, got.Group)

	err = store.Characters.UpdateGroup(ctx, "ghost", types.GroupHaven)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStateMergeWrite(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.States.CreateState(ctx, &types.CharacterState{
		CharacterID:      "c1",
		Group:            types.GroupEmber,
		InteractionCount: 3,
		CreatedAt:        time.Now(),
	}))

	completed := true
	require.NoError(t, store.States.UpdateState(ctx, "c1", state.Update{
		GreetingCompleted: &completed,
	}))

	got, err := store.States.GetState(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.GreetingCompleted)
	assert.Equal(t, types.GroupEmber, got.Group, "untouched columns survive a merge write")
	assert.Equal(t, 3, got.InteractionCount)
}

func TestUpdateStateMissingCharacter(t *testing.T) {
	store := openTestStore(t)
	count := 1
	err := store.States.UpdateState(context.Background(), "ghost", state.Update{InteractionCount: &count})
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestConversationRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, text := range []string{"first", "second", "third"} {
		require.NoError(t, store.Conversations.Append(ctx, &types.Conversation{
			ID:          text,
			UserID:      "u1",
			CharacterID: "c1",
			ChannelID:   "u1_c1_1",
			Message:     text,
			Response:    "ok",
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	recent, err := store.Conversations.Recent(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "third", recent[0].Message)
	assert.Equal(t, "second", recent[1].Message)
}

func TestMetricsUpsert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	missing, err := store.Metrics.GetMetrics(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	first := &types.UserMetrics{
		UserID:       "u1",
		Categories:   map[string]float64{types.GroupSage: 4},
		PrimaryGroup: types.GroupSage,
		Timestamp:    time.Now(),
	}
	require.NoError(t, store.Metrics.SaveMetrics(ctx, first))

	second := &types.UserMetrics{
		UserID:       "u1",
		Categories:   map[string]float64{types.GroupHaven: 6},
		PrimaryGroup: types.GroupHaven,
		History:      []types.MetricsSnapshot{first.Snapshot()},
		Timestamp:    time.Now(),
	}
	require.NoError(t, store.Metrics.SaveMetrics(ctx, second))

	got, err := store.Metrics.GetMetrics(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.GroupHaven, got.PrimaryGroup)
	assert.Equal(t, 6.0, got.Categories[types.GroupHaven])
	require.Len(t, got.History, 1)
	assert.Equal(t, types.GroupSage, got.History[0].PrimaryGroup)
}

func TestInsightLatest(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	none, err := store.Insights.LatestInsight(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, none)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"i1", "i2"} {
		require.NoError(t, store.Insights.SaveInsight(ctx, &types.Insight{
			ID:        id,
			UserID:    "u1",
			Group:     types.GroupSage,
			Character: "Lyra",
			Text:      id,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	latest, err := store.Insights.LatestInsight(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "i2", latest.ID)
}
