package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atvirokodosprendimai/tripintake/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
	"github.com/atvirokodosprendimai/tripintake/internal/core/ports"
)

type documentModel struct {
	Key       string    `gorm:"column:key;primaryKey"`
	Body      string    `gorm:"column:body;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (documentModel) TableName() string {
	return "documents"
}

// DocumentStore keeps JSON documents keyed by path-like keys
// (trips/<id>).
type DocumentStore struct {
	db *gormsqlite.DB
}

var _ ports.DocumentStore = (*DocumentStore)(nil)

func NewDocumentStore(db *gormsqlite.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) Get(ctx context.Context, key string) (domain.Document, error) {
	var model documentModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("key = ?", key).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, domain.ErrNotFound
		}
		return domain.Document{}, fmt.Errorf("get document: %w", err)
	}
	return toDocument(model), nil
}

func (s *DocumentStore) Set(ctx context.Context, doc domain.Document) (domain.Document, error) {
	if err := doc.Validate(); err != nil {
		return domain.Document{}, err
	}
	now := time.Now().UTC()
	model := documentModel{
		Key:       doc.Key,
		Body:      string(doc.Body),
		CreatedAt: now,
		UpdatedAt: now,
	}

	var stored documentModel
	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"body", "updated_at"}),
		}).Create(&model).Error
		if err != nil {
			return err
		}
		return tx.Where("key = ?", doc.Key).First(&stored).Error
	})
	if err != nil {
		return domain.Document{}, fmt.Errorf("set document: %w", err)
	}
	return toDocument(stored), nil
}

// Update runs mutate against the current body inside the write transaction.
// An error from mutate is returned unchanged and nothing is written.
func (s *DocumentStore) Update(ctx context.Context, key string, mutate ports.MutateFunc) (domain.Document, error) {
	var stored documentModel
	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		var current documentModel
		if err := tx.Where("key = ?", key).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("load document: %w", err)
		}

		next, err := mutate(json.RawMessage(current.Body))
		if err != nil {
			return err
		}
		if !json.Valid(next) {
			return errors.New("document body must be valid json")
		}

		current.Body = string(next)
		current.UpdatedAt = time.Now().UTC()
		if err := tx.Model(&documentModel{}).
			Where("key = ?", key).
			Updates(map[string]any{"body": current.Body, "updated_at": current.UpdatedAt}).Error; err != nil {
			return fmt.Errorf("write document: %w", err)
		}
		stored = current
		return nil
	})
	if err != nil {
		return domain.Document{}, err
	}
	return toDocument(stored), nil
}

func toDocument(model documentModel) domain.Document {
	return domain.Document{
		Key:       model.Key,
		Body:      json.RawMessage(model.Body),
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}
}
