// Package storage implements the durable document store on gorm.
package storage

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store holds the DB handle and repositories.
type Store struct {
	db            *gorm.DB
	Characters    *CharacterRepo
	States        *StateRepo
	Conversations *ConversationRepo
	Metrics       *MetricsRepo
	Insights      *InsightRepo
}

// Open connects to the database named by dsn and prepares repositories.
// A postgres:// DSN opens PostgreSQL; anything else is treated as a
// SQLite path for local use.
func Open(ctx context.Context, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("storage: get sql db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("storage: ping database: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(
		&characterModel{},
		&stateModel{},
		&interactionModel{},
		&conversationModel{},
		&userMetricsModel{},
		&insightModel{},
	); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	return &Store{
		db:            db,
		Characters:    &CharacterRepo{db: db},
		States:        &StateRepo{db: db},
		Conversations: &ConversationRepo{db: db},
		Metrics:       &MetricsRepo{db: db},
		Insights:      &InsightRepo{db: db},
	}, nil
}

// DB exposes the underlying gorm handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases the database connection.
func (s *Store) Close() {
	if s.db == nil {
		return
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return
	}
	_ = sqlDB.Close()
}
