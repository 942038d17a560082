package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noctualabs/hearth/internal/types"
)

type userMetricsModel struct {
	UserID       string                  `gorm:"primaryKey"`
	Categories   map[string]float64      `gorm:"serializer:json"`
	PrimaryGroup string                  `gorm:"column:primary_group"`
	History      []types.MetricsSnapshot `gorm:"serializer:json"`
	Timestamp    time.Time
}

func (userMetricsModel) TableName() string {
	return "user_metrics"
}

// MetricsRepo stores one metrics snapshot per user, replaced on every
// computation.
type MetricsRepo struct {
	db *gorm.DB
}

func (r *MetricsRepo) GetMetrics(ctx context.Context, userID string) (*types.UserMetrics, error) {
	var model userMetricsModel
	if err := r.db.WithContext(ctx).First(&model, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get metrics: %w", err)
	}
	return &types.UserMetrics{
		UserID:       model.UserID,
		Categories:   model.Categories,
		PrimaryGroup: model.PrimaryGroup,
		History:      model.History,
		Timestamp:    model.Timestamp,
	}, nil
}

// SaveMetrics replaces the stored snapshot for the user.
func (r *MetricsRepo) SaveMetrics(ctx context.Context, metrics *types.UserMetrics) error {
	if metrics == nil {
		return fmt.Errorf("storage: metrics cannot be nil")
	}
	record := userMetricsModel{
		UserID:       metrics.UserID,
		Categories:   metrics.Categories,
		PrimaryGroup: metrics.PrimaryGroup,
		History:      metrics.History,
		Timestamp:    metrics.Timestamp,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("storage: save metrics: %w", err)
	}
	return nil
}
