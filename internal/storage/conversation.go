package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/noctualabs/hearth/internal/types"
)

type conversationModel struct {
	ID          string `gorm:"primaryKey"`
	UserID      string `gorm:"index"`
	CharacterID string `gorm:"index"`
	ChannelID   string
	Message     string
	Response    string
	CreatedAt   time.Time
}

func (conversationModel) TableName() string {
	return "conversations"
}

// ConversationRepo records completed message/response pairs.
type ConversationRepo struct {
	db *gorm.DB
}

func (r *ConversationRepo) Append(ctx context.Context, conversation *types.Conversation) error {
	if conversation == nil {
		return fmt.Errorf("storage: conversation cannot be nil")
	}
	record := conversationModel{
		ID:          conversation.ID,
		UserID:      conversation.UserID,
		CharacterID: conversation.CharacterID,
		ChannelID:   conversation.ChannelID,
		Message:     conversation.Message,
		Response:    conversation.Response,
		CreatedAt:   conversation.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("storage: append conversation: %w", err)
	}
	return nil
}

// Recent returns the newest pairs for a user, newest first.
func (r *ConversationRepo) Recent(ctx context.Context, userID string, limit int) ([]types.Conversation, error) {
	var models []conversationModel
	query := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	if err := query.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("storage: query conversations: %w", err)
	}
	conversations := make([]types.Conversation, 0, len(models))
	for _, model := range models {
		conversations = append(conversations, types.Conversation{
			ID:          model.ID,
			UserID:      model.UserID,
			CharacterID: model.CharacterID,
			ChannelID:   model.ChannelID,
			Message:     model.Message,
			Response:    model.Response,
			CreatedAt:   model.CreatedAt,
		})
	}
	return conversations, nil
}
