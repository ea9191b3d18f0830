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
	"github.com/atvirokodosprendimai/tripintake/internal/core/ports"
)

type rateLimitModel struct {
	Identity           string    `gorm:"column:identity;primaryKey"`
	LastSubmissionDate string    `gorm:"column:last_submission_date;not null"`
	SubmissionCount    int       `gorm:"column:submission_count;not null"`
	UpdatedAt          time.Time `gorm:"column:updated_at;not null"`
}

func (rateLimitModel) TableName() string {
	return "rate_limits"
}

type RateLimitStore struct {
	db *gormsqlite.DB
}

var _ ports.RateLimitStore = (*RateLimitStore)(nil)

func NewRateLimitStore(db *gormsqlite.DB) *RateLimitStore {
	return &RateLimitStore{db: db}
}

func (s *RateLimitStore) Get(ctx context.Context, identity string) (domain.RateLimitRecord, bool, error) {
	var model rateLimitModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("identity = ?", identity).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.RateLimitRecord{}, false, nil
		}
		return domain.RateLimitRecord{}, false, fmt.Errorf("get rate limit: %w", err)
	}
	return domain.RateLimitRecord{
		LastSubmissionDate: model.LastSubmissionDate,
		SubmissionCount:    model.SubmissionCount,
	}, true, nil
}

func (s *RateLimitStore) Set(ctx context.Context, identity string, rec domain.RateLimitRecord) error {
	model := rateLimitModel{
		Identity:           identity,
		LastSubmissionDate: rec.LastSubmissionDate,
		SubmissionCount:    rec.SubmissionCount,
		UpdatedAt:          time.Now().UTC(),
	}
	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "identity"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_submission_date", "submission_count", "updated_at"}),
		}).Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("set rate limit: %w", err)
	}
	return nil
}

// CompareAndSwap inserts when prev is nil and the row is absent, otherwise
// updates only the row still matching prev.
func (s *RateLimitStore) CompareAndSwap(ctx context.Context, identity string, prev *domain.RateLimitRecord, next domain.RateLimitRecord) (bool, error) {
	now := time.Now().UTC()
	var affected int64
	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		if prev == nil {
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rateLimitModel{
				Identity:           identity,
				LastSubmissionDate: next.LastSubmissionDate,
				SubmissionCount:    next.SubmissionCount,
				UpdatedAt:          now,
			})
			affected = res.RowsAffected
			return res.Error
		}
		res := tx.Model(&rateLimitModel{}).
			Where("identity = ? AND last_submission_date = ? AND submission_count = ?",
				identity, prev.LastSubmissionDate, prev.SubmissionCount).
			Updates(map[string]any{
				"last_submission_date": next.LastSubmissionDate,
				"submission_count":     next.SubmissionCount,
				"updated_at":           now,
			})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return false, fmt.Errorf("swap rate limit: %w", err)
	}
	return affected == 1, nil
}
