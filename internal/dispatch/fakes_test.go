package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"callsignal/internal/db"
)

// memQueue mirrors the ledger's queue semantics in memory.
type memQueue struct {
	mu     sync.Mutex
	jobs   []*db.ConversionQueueJob
	nextID uint
}

func (q *memQueue) add(siteID, providerKey string, createdAt time.Time) *db.ConversionQueueJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	j := &db.ConversionQueueJob{
		ID:          q.nextID,
		ExternalID:  uuid.NewString(),
		SiteID:      siteID,
		CallID:      uuid.NewString(),
		ProviderKey: providerKey,
		Status:      db.JobQueued,
		ValueCents:  1000,
		Currency:    "USD",
		Gclid:       "g",
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	q.jobs = append(q.jobs, j)
	return j
}

func (q *memQueue) byID(id uint) *db.ConversionQueueJob {
	for _, j := range q.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func eligible(j *db.ConversionQueueJob, now time.Time) bool {
	return j.Status == db.JobQueued || (j.Status == db.JobRetry && (j.NextRetryAt == nil || !j.NextRetryAt.After(now)))
}

func (q *memQueue) ListEligibleGroups(_ context.Context, now time.Time) ([]db.QueueGroup, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := map[string]*db.QueueGroup{}
	var order []string
	for _, j := range q.jobs {
		if !eligible(j, now) {
			continue
		}
		k := j.SiteID + "|" + j.ProviderKey
		g, ok := idx[k]
		if !ok {
			g = &db.QueueGroup{SiteID: j.SiteID, ProviderKey: j.ProviderKey, OldestAt: j.CreatedAt}
			idx[k] = g
			order = append(order, k)
		}
		g.QueuedCount++
		if j.CreatedAt.Before(g.OldestAt) {
			g.OldestAt = j.CreatedAt
		}
	}
	out := make([]db.QueueGroup, 0, len(order))
	for _, k := range order {
		out = append(out, *idx[k])
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].OldestAt.Before(out[b].OldestAt) })
	return out, nil
}

func (q *memQueue) ClaimJobs(_ context.Context, siteID, providerKey string, limit int, now time.Time) ([]db.ConversionQueueJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var candidates []*db.ConversionQueueJob
	for _, j := range q.jobs {
		if j.SiteID == siteID && j.ProviderKey == providerKey && eligible(j, now) {
			candidates = append(candidates, j)
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool { return candidates[a].CreatedAt.Before(candidates[b].CreatedAt) })
	var out []db.ConversionQueueJob
	for _, j := range candidates {
		if len(out) == limit {
			break
		}
		t := now
		j.Status = db.JobProcessing
		j.ClaimedAt = &t
		j.UpdatedAt = now
		out = append(out, *j)
	}
	return out, nil
}

func (q *memQueue) MarkJobCompleted(_ context.Context, id uint, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j := q.byID(id); j != nil && j.Status == db.JobProcessing {
		j.Status = db.JobCompleted
		j.CompletedAt = &now
	}
	return nil
}

func (q *memQueue) MarkJobRetry(_ context.Context, id uint, attempts int, next time.Time, lastErr string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j := q.byID(id); j != nil && j.Status == db.JobProcessing {
		j.Status = db.JobRetry
		j.AttemptCount = attempts
		j.NextRetryAt = &next
		j.LastError = lastErr
		j.ErrorCategory = db.CategoryTransient
		j.ClaimedAt = nil
		j.UpdatedAt = now
	}
	return nil
}

func (q *memQueue) MarkJobFailed(_ context.Context, id uint, attempts int, category, lastErr string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j := q.byID(id); j != nil && j.Status == db.JobProcessing {
		j.Status = db.JobFailed
		j.AttemptCount = attempts
		j.ErrorCategory = category
		j.LastError = lastErr
		j.UpdatedAt = now
	}
	return nil
}

func (q *memQueue) RecoverStuck(_ context.Context, priv db.Privilege, cutoff, now time.Time) (int64, error) {
	if priv != db.PrivilegeService {
		return 0, db.ErrForbidden
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, j := range q.jobs {
		if j.Status != db.JobProcessing {
			continue
		}
		ref := j.UpdatedAt
		if j.ClaimedAt != nil {
			ref = *j.ClaimedAt
		}
		if ref.Before(cutoff) {
			j.Status = db.JobRetry
			j.NextRetryAt = &now
			j.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (q *memQueue) resolve(siteID string, ids []string, fn func(*db.ConversionQueueJob)) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var n int64
	for _, j := range q.jobs {
		if j.SiteID == siteID && want[j.ExternalID] && j.Status == db.JobProcessing {
			fn(j)
			n++
		}
	}
	return n
}

func (q *memQueue) AckJobs(_ context.Context, siteID string, ids []string, now time.Time) (int64, error) {
	return q.resolve(siteID, ids, func(j *db.ConversionQueueJob) {
		j.Status = db.JobCompleted
		j.CompletedAt = &now
	}), nil
}

func (q *memQueue) AckJobsFailed(_ context.Context, siteID string, ids []string, category, msg string, _ time.Time) (int64, error) {
	return q.resolve(siteID, ids, func(j *db.ConversionQueueJob) {
		j.Status = db.JobFailed
		j.ErrorCategory = category
		j.LastError = msg
	}), nil
}

func (q *memQueue) status(id uint) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.byID(id).Status
}

// scriptedUploader returns queued errors per call id, then succeeds.
type scriptedUploader struct {
	mu      sync.Mutex
	results map[string][]error
	calls   map[string]int
}

func newScriptedUploader() *scriptedUploader {
	return &scriptedUploader{results: map[string][]error{}, calls: map[string]int{}}
}

func (u *scriptedUploader) fail(callID string, errs ...error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.results[callID] = append(u.results[callID], errs...)
}

func (u *scriptedUploader) Upload(_ context.Context, job db.ConversionQueueJob) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls[job.CallID]++
	if rs := u.results[job.CallID]; len(rs) > 0 {
		u.results[job.CallID] = rs[1:]
		return rs[0]
	}
	return nil
}
