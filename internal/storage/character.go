package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/noctualabs/hearth/internal/types"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("storage: not found")

type characterModel struct {
	ID           string   `gorm:"primaryKey"`
	Name         string   `gorm:"index"`
	Traits       []string `gorm:"serializer:json"`
	Voice        string
	GroupID      string `gorm:"column:group_id"`
	Instructions string
	Greeting     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (characterModel) TableName() string {
	return "characters"
}

// CharacterRepo accesses character profiles.
type CharacterRepo struct {
	db *gorm.DB
}

func (r *CharacterRepo) Create(ctx context.Context, character *types.Character) error {
	if character == nil {
		return fmt.Errorf("storage: character cannot be nil")
	}
	record := characterModel{
		ID:           character.ID,
		Name:         character.Name,
		Traits:       character.Traits,
		Voice:        character.Voice,
		GroupID:      character.Group,
		Instructions: character.Instructions,
		Greeting:     character.Greeting,
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("storage: insert character: %w", err)
	}
	return nil
}

func (r *CharacterRepo) GetByID(ctx context.Context, id string) (*types.Character, error) {
	var model characterModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("storage: character %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get character: %w", err)
	}
	return characterFromModel(model), nil
}

func (r *CharacterRepo) List(ctx context.Context) ([]types.Character, error) {
	var models []characterModel
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("storage: list characters: %w", err)
	}
	characters := make([]types.Character, 0, len(models))
	for _, model := range models {
		characters = append(characters, *characterFromModel(model))
	}
	return characters, nil
}

// UpdateGroup sets the character's group so listings and future state
// seeds reflect the assignment. The state transition itself is the state
// store's job.
func (r *CharacterRepo) UpdateGroup(ctx context.Context, id, group string) error {
	result := r.db.WithContext(ctx).
		Model(&characterModel{}).
		Where("id = ?", id).
		Update("group_id", group)
	if result.Error != nil {
		return fmt.Errorf("storage: update character group: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("storage: character %s: %w", id, ErrNotFound)
	}
	return nil
}

// Delete removes the character and its state. The caller is responsible
// for tearing down any live session first.
func (r *CharacterRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&characterModel{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("storage: delete character: %w", err)
		}
		if err := tx.Delete(&stateModel{}, "character_id = ?", id).Error; err != nil {
			return fmt.Errorf("storage: delete character state: %w", err)
		}
		return nil
	})
}

func characterFromModel(model characterModel) *types.Character {
	return &types.Character{
		ID:           model.ID,
		Name:         model.Name,
		Traits:       model.Traits,
		Voice:        model.Voice,
		Group:        model.GroupID,
		Instructions: model.Instructions,
		Greeting:     model.Greeting,
		CreatedAt:    model.CreatedAt,
		UpdatedAt:    model.UpdatedAt,
	}
}
