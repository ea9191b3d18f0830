package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atvirokodosprendimai/tripintake/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
)

type credentialModel struct {
	TokenHash string    `gorm:"column:token_hash;primaryKey"`
	Identity  string    `gorm:"column:identity;not null"`
	Role      string    `gorm:"column:role;not null"`
	Active    bool      `gorm:"column:active;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (credentialModel) TableName() string {
	return "credentials"
}

type CredentialRepository struct {
	db *gormsqlite.DB
}

func NewCredentialRepository(db *gormsqlite.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

func (r *CredentialRepository) FindByTokenHash(ctx context.Context, tokenHash string) (domain.Credential, error) {
	var model credentialModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("token_hash = ?", tokenHash).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Credential{}, domain.ErrNotFound
		}
		return domain.Credential{}, fmt.Errorf("find credential: %w", err)
	}

	return domain.Credential{
		TokenHash: model.TokenHash,
		Identity:  model.Identity,
		Role:      model.Role,
		Active:    model.Active,
		CreatedAt: model.CreatedAt,
	}, nil
}

func (r *CredentialRepository) Upsert(ctx context.Context, cred domain.Credential) error {
	role := cred.Role
	if role == "" {
		role = domain.RoleTraveler
	}
	model := credentialModel{
		TokenHash: cred.TokenHash,
		Identity:  cred.Identity,
		Role:      role,
		Active:    cred.Active,
		CreatedAt: cred.CreatedAt,
	}

	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "token_hash"}},
			DoUpdates: clause.AssignmentColumns([]string{"identity", "role", "active"}),
		}).Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}
