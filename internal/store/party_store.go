package store

import (
	"context"
	"errors"
	"fmt"

	"e2ee-messages/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PartyStore is the local directory of parties and their issued public keys.
type PartyStore struct {
	db *gorm.DB
}

func (s *Store) Parties() *PartyStore { return &PartyStore{db: s.DB} }

func (p *PartyStore) Upsert(ctx context.Context, party domain.Party) error {
	if party.ID == uuid.Nil || party.PublicKey == "" {
		return fmt.Errorf("%w: party id and public key are required", domain.ErrInvalidRequest)
	}
	if party.Retention == "" {
		party.Retention = domain.DefaultRetention
	}
	err := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"public_key":       party.PublicKey,
				"retention_period": party.Retention,
				"updated_at":       gorm.Expr("CURRENT_TIMESTAMP"),
			}),
		}).
		Create(&party).Error
	return wrapErr("upsert party", err)
}

func (p *PartyStore) GetParty(ctx context.Context, id uuid.UUID) (domain.Party, error) {
	var party domain.Party
	if err := p.db.WithContext(ctx).First(&party, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Party{}, fmt.Errorf("%w: %s", domain.ErrInvalidParty, id)
		}
		return domain.Party{}, wrapErr("get party", err)
	}
	return party, nil
}

func (p *PartyStore) SetRetentionPeriod(ctx context.Context, id uuid.UUID, period domain.RetentionPeriod) error {
	res := p.db.WithContext(ctx).
		Model(&domain.Party{}).
		Where("id = ?", id).
		Update("retention_period", period)
	if res.Error != nil {
		return wrapErr("set retention period", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidParty, id)
	}
	return nil
}
