package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
)

const (
	// DefaultRecentLimit is used when Recent is called without a positive limit.
	DefaultRecentLimit = 10
	// MaxRecentLimit caps a single Recent read.
	MaxRecentLimit = 100
)

// PredictionRecord is one append-only ledger entry. Confidence is the
// probability the classifier assigned to Label, Probabilities the full
// distribution in label order.
type PredictionRecord struct {
	ID            uint      `gorm:"primaryKey"`
	UserID        uint      `gorm:"column:user_id;not null;index:idx_predictions_user_created,priority:1"`
	Label         string    `gorm:"column:label;size:64;not null"`
	ClassIndex    int       `gorm:"column:class_index;not null"`
	Confidence    float64   `gorm:"column:confidence;not null"`
	Probabilities []float64 `gorm:"column:probabilities;serializer:json"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;index:idx_predictions_user_created,priority:2"`
}

// TableName overrides the default table name.
func (PredictionRecord) TableName() string {
	return "predictions"
}

// PredictionRepository is the append-only prediction ledger.
type PredictionRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewPredictionRepository creates a new repository instance.
func NewPredictionRepository(db *gorm.DB) *PredictionRepository {
	return &PredictionRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Append inserts record as a single row and fills in its ID. CreatedAt is
// stamped when unset.
func (r *PredictionRepository) Append(ctx context.Context, record *PredictionRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = r.now()
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return storageError("ledger.append", err)
	}
	return nil
}

// Recent returns up to limit records for userID, newest first. Records created
// at the same instant are ordered by insertion, latest first.
func (r *PredictionRepository) Recent(ctx context.Context, userID uint, limit int) ([]PredictionRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}

	var records []PredictionRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, storageError("ledger.recent", err)
	}
	return records, nil
}

// LabelCount is the number of predictions a user has for one label.
type LabelCount struct {
	Label string
	Count int64
}

// CountByLabel aggregates a user's predictions per label.
func (r *PredictionRepository) CountByLabel(ctx context.Context, userID uint) ([]LabelCount, error) {
	var counts []LabelCount
	err := r.db.WithContext(ctx).
		Model(&PredictionRecord{}).
		Select("label, COUNT(*) AS count").
		Where("user_id = ?", userID).
		Group("label").
		Order("label").
		Scan(&counts).Error
	if err != nil {
		return nil, storageError("ledger.count_by_label", err)
	}
	return counts, nil
}
