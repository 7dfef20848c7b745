package db

import (
	"context"
	"time"
)

// CleanupResult reports how many rows a retention pass removed.
type CleanupResult struct {
	IdempotencyDeleted   int64 `json:"idempotency_deleted"`
	QueueDeleted         int64 `json:"queue_deleted"`
	ReconcileJobsDeleted int64 `json:"reconcile_jobs_deleted"`
}

// RunRetention performs a single pass of retention cleanup. Idempotency rows
// go once older than idemDays and outside the current and previous billing
// months, so reconciliation still sees every row it counts. Terminal queue
// and reconciliation rows go once older than queueDays.
func (s *Store) RunRetention(ctx context.Context, now time.Time, idemDays, queueDays int) (CleanupResult, error) {
	var res CleanupResult
	current := YearMonth(now)
	previous := PreviousYearMonth(now)

	if idemDays > 0 {
		cutoff := now.Add(-time.Duration(idemDays) * 24 * time.Hour)
		r := s.db.WithContext(ctx).
			Where("created_at < ? AND year_month NOT IN ?", cutoff, []string{current, previous}).
			Delete(&IdempotencyRecord{})
		if r.Error != nil {
			return res, r.Error
		}
		res.IdempotencyDeleted = r.RowsAffected
	}

	if queueDays > 0 {
		cutoff := now.Add(-time.Duration(queueDays) * 24 * time.Hour)
		r := s.db.WithContext(ctx).
			Where("status IN ? AND updated_at < ?", []string{JobCompleted, JobFailed}, cutoff).
			Delete(&ConversionQueueJob{})
		if r.Error != nil {
			return res, r.Error
		}
		res.QueueDeleted = r.RowsAffected

		r = s.db.WithContext(ctx).
			Where("status IN ? AND updated_at < ?", []string{ReconcileCompleted, ReconcileFailed}, cutoff).
			Delete(&ReconciliationJob{})
		if r.Error != nil {
			return res, r.Error
		}
		res.ReconcileJobsDeleted = r.RowsAffected
	}

	return res, nil
}
