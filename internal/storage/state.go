package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/noctualabs/hearth/internal/state"
	"github.com/noctualabs/hearth/internal/types"
)

type stateModel struct {
	CharacterID         string `gorm:"primaryKey"`
	GroupID             string `gorm:"column:group_id"`
	GreetingCompleted   bool
	IdentityEstablished bool
	InteractionCount    int
	LastInteraction     *time.Time
	LastGroupChange     *time.Time
	ContextReset        *time.Time
	LastUpdated         *time.Time
	CreatedAt           time.Time
}

func (stateModel) TableName() string {
	return "character_states"
}

type interactionModel struct {
	ID          string `gorm:"primaryKey"`
	CharacterID string `gorm:"index"`
	Activity    string
	CreatedAt   time.Time
}

func (interactionModel) TableName() string {
	return "interactions"
}

// StateRepo persists per-character state and the interaction log.
type StateRepo struct {
	db *gorm.DB
}

func (r *StateRepo) GetState(ctx context.Context, characterID string) (*types.CharacterState, error) {
	var model stateModel
	if err := r.db.WithContext(ctx).First(&model, "character_id = ?", characterID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("storage: state for %s: %w", characterID, state.ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get state: %w", err)
	}
	return stateFromModel(model), nil
}

func (r *StateRepo) CreateState(ctx context.Context, st *types.CharacterState) error {
	if st == nil {
		return fmt.Errorf("storage: state cannot be nil")
	}
	record := stateModel{
		CharacterID:         st.CharacterID,
		GroupID:             st.Group,
		GreetingCompleted:   st.GreetingCompleted,
		IdentityEstablished: st.IdentityEstablished,
		InteractionCount:    st.InteractionCount,
		LastInteraction:     st.LastInteraction,
		LastGroupChange:     st.LastGroupChange,
		ContextReset:        st.ContextReset,
		LastUpdated:         st.LastUpdated,
		CreatedAt:           st.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("storage: insert state: %w", err)
	}
	return nil
}

// UpdateState merge-writes only the fields set on the update, leaving all
// other columns untouched.
func (r *StateRepo) UpdateState(ctx context.Context, characterID string, up state.Update) error {
	fields := map[string]any{}
	if up.Group != nil {
		fields["group_id"] = *up.Group
	}
	if up.GreetingCompleted != nil {
		fields["greeting_completed"] = *up.GreetingCompleted
	}
	if up.IdentityEstablished != nil {
		fields["identity_established"] = *up.IdentityEstablished
	}
	if up.InteractionCount != nil {
		fields["interaction_count"] = *up.InteractionCount
	}
	if up.LastInteraction != nil {
		fields["last_interaction"] = *up.LastInteraction
	}
	if up.LastGroupChange != nil {
		fields["last_group_change"] = *up.LastGroupChange
	}
	if up.ContextReset != nil {
		fields["context_reset"] = *up.ContextReset
	}
	if up.LastUpdated != nil {
		fields["last_updated"] = *up.LastUpdated
	}
	if len(fields) == 0 {
		return nil
	}

	result := r.db.WithContext(ctx).
		Model(&stateModel{}).
		Where("character_id = ?", characterID).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("storage: update state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("storage: state for %s: %w", characterID, state.ErrNotFound)
	}
	return nil
}

func (r *StateRepo) AppendInteraction(ctx context.Context, entry *types.Interaction) error {
	if entry == nil {
		return fmt.Errorf("storage: interaction cannot be nil")
	}
	record := interactionModel{
		ID:          entry.ID,
		CharacterID: entry.CharacterID,
		Activity:    entry.Activity,
		CreatedAt:   entry.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("storage: append interaction: %w", err)
	}
	return nil
}

func stateFromModel(model stateModel) *types.CharacterState {
	return &types.CharacterState{
		CharacterID:         model.CharacterID,
		Group:               model.GroupID,
		GreetingCompleted:   model.GreetingCompleted,
		IdentityEstablished: model.IdentityEstablished,
		InteractionCount:    model.InteractionCount,
		LastInteraction:     model.LastInteraction,
		LastGroupChange:     model.LastGroupChange,
		ContextReset:        model.ContextReset,
		LastUpdated:         model.LastUpdated,
		CreatedAt:           model.CreatedAt,
	}
}
