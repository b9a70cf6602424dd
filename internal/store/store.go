package store

import (
	"context"
	"time"

	"e2ee-messages/internal/domain"

	"gorm.io/gorm"
)

type Store struct {
	DB  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) *Store { return &Store{DB: db, now: time.Now} }

// WithClock returns a copy of the store reading time from now. Expiry
// filtering and purging compare against this clock.
func (s *Store) WithClock(now func() time.Time) *Store {
	return &Store{DB: s.DB, now: now}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx, now: s.now})
	})
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.DB.WithContext(ctx).AutoMigrate(&domain.Party{}, &domain.Message{})
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}
