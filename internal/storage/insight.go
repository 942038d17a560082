package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/noctualabs/hearth/internal/types"
)

type insightModel struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	GroupID   string `gorm:"column:group_id"`
	Character string
	Text      string
	Metrics   types.MetricsSnapshot `gorm:"serializer:json"`
	CreatedAt time.Time
}

func (insightModel) TableName() string {
	return "insights"
}

// InsightRepo stores generated insights, append-only.
type InsightRepo struct {
	db *gorm.DB
}

func (r *InsightRepo) SaveInsight(ctx context.Context, insight *types.Insight) error {
	if insight == nil {
		return fmt.Errorf("storage: insight cannot be nil")
	}
	record := insightModel{
		ID:        insight.ID,
		UserID:    insight.UserID,
		GroupID:   insight.Group,
		Character: insight.Character,
		Text:      insight.Text,
		Metrics:   insight.Metrics,
		CreatedAt: insight.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("storage: save insight: %w", err)
	}
	return nil
}

// LatestInsight returns the newest insight for the user, or nil.
func (r *InsightRepo) LatestInsight(ctx context.Context, userID string) (*types.Insight, error) {
	var model insightModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(1).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: latest insight: %w", err)
	}
	return insightFromModel(model), nil
}

func insightFromModel(model insightModel) *types.Insight {
	return &types.Insight{
		ID:        model.ID,
		UserID:    model.UserID,
		Group:     model.GroupID,
		Character: model.Character,
		Text:      model.Text,
		Metrics:   model.Metrics,
		CreatedAt: model.CreatedAt,
	}
}
