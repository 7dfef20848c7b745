package db

import (
	"context"
	"sort"
	"time"
	"unicode/utf8"

	"gorm.io/gorm/clause"
)

// Privilege identifies the caller of privileged ledger operations.
type Privilege int

const (
	PrivilegeTenant Privilege = iota
	PrivilegeService
)

// QueueGroup is one (site, provider) backlog with eligible rows.
type QueueGroup struct {
	SiteID      string
	ProviderKey string
	QueuedCount int64
	OldestAt    time.Time
}

const eligibleClause = `(status = 'QUEUED' OR (status = 'RETRY' AND (next_retry_at IS NULL OR next_retry_at <= ?)))`

// InsertQueueJob inserts a dispatch job. An existing (site, call, provider)
// row yields ErrDuplicate without touching it.
func (s *Store) InsertQueueJob(ctx context.Context, job *ConversionQueueJob) error {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "site_id"}, {Name: "call_id"}, {Name: "provider_key"}},
			DoNothing: true,
		}).
		Create(job)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

// ListEligibleGroups lists every (site, provider) with claimable rows,
// oldest backlog first.
func (s *Store) ListEligibleGroups(ctx context.Context, now time.Time) ([]QueueGroup, error) {
	var groups []QueueGroup
	err := s.db.WithContext(ctx).Raw(`SELECT site_id, provider_key, count(*) AS queued_count, min(created_at) AS oldest_at
FROM conversion_queue_jobs
WHERE `+eligibleClause+`
GROUP BY site_id, provider_key
ORDER BY oldest_at ASC, site_id ASC, provider_key ASC`, now).
		Scan(&groups).Error
	return groups, err
}

// ClaimJobs atomically moves up to limit eligible rows of one group to
// PROCESSING, oldest first. Concurrent claimers never receive the same row:
// the outer status predicate is re-checked under the row lock and locked
// rows are skipped.
func (s *Store) ClaimJobs(ctx context.Context, siteID, providerKey string, limit int, now time.Time) ([]ConversionQueueJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	var jobs []ConversionQueueJob
	err := s.db.WithContext(ctx).Raw(`UPDATE conversion_queue_jobs
SET status = 'PROCESSING', claimed_at = ?, updated_at = ?
WHERE id IN (
	SELECT id FROM conversion_queue_jobs
	WHERE site_id = ? AND provider_key = ? AND `+eligibleClause+`
	ORDER BY created_at ASC, id ASC
	LIMIT ?
	FOR UPDATE SKIP LOCKED
)
AND status IN ('QUEUED', 'RETRY')
RETURNING *`, now, now, siteID, providerKey, now, limit).
		Scan(&jobs).Error
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// MarkJobCompleted resolves a PROCESSING row as delivered.
func (s *Store) MarkJobCompleted(ctx context.Context, id uint, now time.Time) error {
	return s.db.WithContext(ctx).
		Model(&ConversionQueueJob{}).
		Where("id = ? AND status = ?", id, JobProcessing).
		Updates(map[string]any{
			"status":         JobCompleted,
			"completed_at":   now,
			"last_error":     "",
			"error_category": "",
			"updated_at":     now,
		}).Error
}

// MarkJobRetry schedules another attempt for a PROCESSING row.
func (s *Store) MarkJobRetry(ctx context.Context, id uint, attemptCount int, nextRetryAt time.Time, lastErr string, now time.Time) error {
	return s.db.WithContext(ctx).
		Model(&ConversionQueueJob{}).
		Where("id = ? AND status = ?", id, JobProcessing).
		Updates(map[string]any{
			"status":         JobRetry,
			"attempt_count":  attemptCount,
			"next_retry_at":  nextRetryAt,
			"last_error":     truncate(lastErr, 1024),
			"error_category": CategoryTransient,
			"claimed_at":     nil,
			"updated_at":     now,
		}).Error
}

// MarkJobFailed terminally fails a PROCESSING row.
func (s *Store) MarkJobFailed(ctx context.Context, id uint, attemptCount int, category, lastErr string, now time.Time) error {
	return s.db.WithContext(ctx).
		Model(&ConversionQueueJob{}).
		Where("id = ? AND status = ?", id, JobProcessing).
		Updates(map[string]any{
			"status":         JobFailed,
			"attempt_count":  attemptCount,
			"last_error":     truncate(lastErr, 1024),
			"error_category": category,
			"updated_at":     now,
		}).Error
}

// RecoverStuck returns PROCESSING rows claimed before cutoff to RETRY.
// Only the service privilege may run it.
func (s *Store) RecoverStuck(ctx context.Context, priv Privilege, cutoff, now time.Time) (int64, error) {
	if priv != PrivilegeService {
		return 0, ErrForbidden
	}
	res := s.db.WithContext(ctx).
		Model(&ConversionQueueJob{}).
		Where("status = ? AND COALESCE(claimed_at, updated_at) < ?", JobProcessing, cutoff).
		Updates(map[string]any{
			"status":        JobRetry,
			"next_retry_at": now,
			"claimed_at":    nil,
			"last_error":    "recovered: processing exceeded cutoff",
			"updated_at":    now,
		})
	return res.RowsAffected, res.Error
}

// AckJobs completes PROCESSING rows of the site by external id. Rows in any
// other state are left untouched, so repeated acks are no-ops.
func (s *Store) AckJobs(ctx context.Context, siteID string, externalIDs []string, now time.Time) (int64, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&ConversionQueueJob{}).
		Where("site_id = ? AND external_id IN ? AND status = ?", siteID, externalIDs, JobProcessing).
		Updates(map[string]any{
			"status":       JobCompleted,
			"completed_at": now,
			"updated_at":   now,
		})
	return res.RowsAffected, res.Error
}

// AckJobsFailed fails PROCESSING rows of the site by external id with an
// explicit category. Rows not in PROCESSING are never touched.
func (s *Store) AckJobsFailed(ctx context.Context, siteID string, externalIDs []string, category, msg string, now time.Time) (int64, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&ConversionQueueJob{}).
		Where("site_id = ? AND external_id IN ? AND status = ?", siteID, externalIDs, JobProcessing).
		Updates(map[string]any{
			"status":         JobFailed,
			"error_category": category,
			"last_error":     truncate(msg, 1024),
			"updated_at":     now,
		})
	return res.RowsAffected, res.Error
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
