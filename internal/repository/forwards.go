package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/blockedby/wa-relay/internal/logger"
	"github.com/blockedby/wa-relay/internal/models"
	"github.com/blockedby/wa-relay/internal/relay"
)

// ForwardsRepository stores the delivery ledger.
type ForwardsRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewForwardsRepository creates a new ForwardsRepository.
func NewForwardsRepository(db *gorm.DB, log *logger.Logger) *ForwardsRepository {
	return &ForwardsRepository{db: db, log: log}
}

// Migrate creates or updates the ledger table.
func (r *ForwardsRepository) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&models.Forward{}); err != nil {
		return fmt.Errorf("migrate forwards: %w", err)
	}
	return nil
}

// Record inserts one ledger row.
func (r *ForwardsRepository) Record(ctx context.Context, f *models.Forward) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	if err := r.db.WithContext(ctx).Create(f).Error; err != nil {
		return fmt.Errorf("record forward: %w", err)
	}
	return nil
}

// Totals returns delivered and failed counts.
func (r *ForwardsRepository) Totals(ctx context.Context) (delivered, failed int64, err error) {
	var rows []struct {
		Status models.ForwardStatus
		Count  int64
	}
	err = r.db.WithContext(ctx).
		Model(&models.Forward{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return 0, 0, fmt.Errorf("count forwards: %w", err)
	}

	for _, row := range rows {
		switch row.Status {
		case models.ForwardDelivered:
			delivered = row.Count
		case models.ForwardFailed:
			failed = row.Count
		}
	}
	return delivered, failed, nil
}

// Recent returns the latest ledger rows, newest first.
func (r *ForwardsRepository) Recent(ctx context.Context, limit int) ([]models.Forward, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []models.Forward
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list forwards: %w", err)
	}
	return out, nil
}

// LastForward returns when the newest row was written, zero when the ledger is empty.
func (r *ForwardsRepository) LastForward(ctx context.Context) (time.Time, error) {
	rows, err := r.Recent(ctx, 1)
	if err != nil || len(rows) == 0 {
		return time.Time{}, err
	}
	return rows[0].CreatedAt, nil
}

// Prune deletes rows older than cutoff and returns how many went away.
func (r *ForwardsRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.Forward{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune forwards: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Hook returns a delivery hook that records each attempt. Failures to write
// the ledger are logged and never affect delivery.
func (r *ForwardsRepository) Hook() relay.DeliveryHook {
	return func(ctx context.Context, res relay.DeliveryResult) {
		f := &models.Forward{
			ID:         res.ID,
			MessageID:  res.MessageID,
			ChatID:     res.ChatID,
			ChannelID:  res.ChannelID,
			Status:     models.ForwardDelivered,
			Historical: res.Historical,
			CreatedAt:  res.At,
		}
		if res.Err != nil {
			f.Status = models.ForwardFailed
			f.Error = res.Err.Error()
		}
		if err := r.Record(ctx, f); err != nil {
			r.log.Warn().Err(err).Str("message_id", res.MessageID).Msg("repository: ledger write failed")
		}
	}
}
