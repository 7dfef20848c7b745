package db

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InsertIdempotency inserts a fresh ledger row. An existing row for the key
// is reported as ErrDuplicate; any other error is returned as-is. The
// conflict is absorbed in SQL so an enclosing transaction stays usable.
func (s *Store) InsertIdempotency(ctx context.Context, rec *IdempotencyRecord) error {
	if rec.BillingState == "" {
		rec.BillingState = BillingAccepted
	}
	res := s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

// MarkNonBillable flips billable to false. It is the only update besides
// MarkOverage that the ledger allows.
func (s *Store) MarkNonBillable(ctx context.Context, siteID string, id uint) error {
	return s.conn(ctx).
		Model(&IdempotencyRecord{}).
		Where("site_id = ? AND id = ?", siteID, id).
		Update("billable", false).Error
}

// MarkOverage records that an admitted event was billed as overage.
func (s *Store) MarkOverage(ctx context.Context, siteID string, id uint) error {
	return s.conn(ctx).
		Model(&IdempotencyRecord{}).
		Where("site_id = ? AND id = ?", siteID, id).
		Update("billing_state", BillingOverage).Error
}

// UsageCount returns the metered counter for the month, zero when absent.
func (s *Store) UsageCount(ctx context.Context, siteID, yearMonth string) (int64, error) {
	var counter UsageCounter
	err := s.conn(ctx).
		Where("site_id = ? AND year_month = ?", siteID, yearMonth).
		Limit(1).
		Find(&counter).Error
	if err != nil {
		return 0, err
	}
	return counter.Count, nil
}

// IncrementUsageChecked atomically increments the metered counter only when
// the new value stays below hardCap, returning that value. ErrLimitReached
// means the increment would reach hardCap and nothing changed.
func (s *Store) IncrementUsageChecked(ctx context.Context, siteID, yearMonth string, hardCap int64, now time.Time) (int64, error) {
	var newCount int64
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		seed := UsageCounter{SiteID: siteID, YearMonth: yearMonth, Count: 0, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}

		var rows []UsageCounter
		err := tx.Raw(`UPDATE usage_counters SET count = count + 1, updated_at = ?
WHERE site_id = ? AND year_month = ? AND count + 1 < ?
RETURNING site_id, year_month, count, updated_at`, now, siteID, yearMonth, hardCap).
			Scan(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return ErrLimitReached
		}
		newCount = rows[0].Count
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newCount, nil
}
