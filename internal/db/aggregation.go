package db

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
)

// CountBillable recomputes a site's usage for the month straight from the
// ledger: billable rows, and the subset of those billed as overage.
func (s *Store) CountBillable(ctx context.Context, siteID, yearMonth string) (billable int64, overage int64, err error) {
	var row struct {
		Billable int64
		Overage  int64
	}
	err = s.db.WithContext(ctx).Raw(`SELECT
	count(*) AS billable,
	count(*) FILTER (WHERE billing_state = ?) AS overage
FROM idempotency_records
WHERE site_id = ? AND year_month = ? AND billable = true`, BillingOverage, siteID, yearMonth).
		Scan(&row).Error
	if err != nil {
		return 0, 0, err
	}
	return row.Billable, row.Overage, nil
}

// UpsertMonthlyUsage overwrites the month's usage with recomputed counts.
func (s *Store) UpsertMonthlyUsage(ctx context.Context, u MonthlyUsage) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "site_id"}, {Name: "year_month"}},
			DoUpdates: clause.AssignmentColumns([]string{"event_count", "overage_count", "last_synced_at"}),
		}).
		Create(&u).Error
}

// SiteMonth names one reconciliation target.
type SiteMonth struct {
	SiteID    string
	YearMonth string
}

// ActiveSiteMonths lists (site, month) pairs with ledger activity in the
// given months, plus the current month of any site active since `since`.
func (s *Store) ActiveSiteMonths(ctx context.Context, months []string, currentMonth string, since time.Time) ([]SiteMonth, error) {
	var out []SiteMonth
	err := s.db.WithContext(ctx).Raw(`SELECT DISTINCT site_id, year_month FROM idempotency_records WHERE year_month IN ?
UNION
SELECT DISTINCT site_id, ? AS year_month FROM idempotency_records WHERE created_at >= ?
ORDER BY site_id, year_month`, months, currentMonth, since).
		Scan(&out).Error
	return out, err
}

// EnqueueReconciliation inserts a PENDING job unless one is already pending
// for the same key. Reports whether a row was inserted.
func (s *Store) EnqueueReconciliation(ctx context.Context, siteID, yearMonth string) (bool, error) {
	job := ReconciliationJob{SiteID: siteID, YearMonth: yearMonth, Status: ReconcilePending}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&job)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ClaimReconciliationJobs moves up to limit PENDING jobs to PROCESSING.
func (s *Store) ClaimReconciliationJobs(ctx context.Context, limit int, now time.Time) ([]ReconciliationJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	var jobs []ReconciliationJob
	err := s.db.WithContext(ctx).Raw(`UPDATE reconciliation_jobs
SET status = 'PROCESSING', updated_at = ?
WHERE id IN (
	SELECT id FROM reconciliation_jobs
	WHERE status = 'PENDING'
	ORDER BY created_at ASC, id ASC
	LIMIT ?
	FOR UPDATE SKIP LOCKED
)
AND status = 'PENDING'
RETURNING *`, now, limit).
		Scan(&jobs).Error
	return jobs, err
}

// FinishReconciliationJob records the terminal state of a claimed job.
func (s *Store) FinishReconciliationJob(ctx context.Context, id uint, status, lastErr string, now time.Time) error {
	return s.db.WithContext(ctx).
		Model(&ReconciliationJob{}).
		Where("id = ? AND status = ?", id, ReconcileProcessing).
		Updates(map[string]any{
			"status":     status,
			"last_error": truncate(lastErr, 1024),
			"updated_at": now,
		}).Error
}
