package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsignal/internal/cache"
	"callsignal/internal/db"
	"callsignal/internal/metrics"
)

var now = time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)

var errBoom = errors.New("boom")

type memStore struct {
	counts   map[string][2]int64
	countErr map[string]error
	usage    map[string]db.MonthlyUsage
	active   []db.SiteMonth
	pending  map[string]bool
	jobs     []db.ReconciliationJob
	finished map[uint]string

	gotMonths  []string
	gotCurrent string
	gotSince   time.Time
}

func newMemStore() *memStore {
	return &memStore{
		counts:   map[string][2]int64{},
		countErr: map[string]error{},
		usage:    map[string]db.MonthlyUsage{},
		pending:  map[string]bool{},
		finished: map[uint]string{},
	}
}

func key(siteID, ym string) string { return siteID + "|" + ym }

func (s *memStore) CountBillable(_ context.Context, siteID, ym string) (int64, int64, error) {
	if err := s.countErr[key(siteID, ym)]; err != nil {
		return 0, 0, err
	}
	c := s.counts[key(siteID, ym)]
	return c[0], c[1], nil
}

func (s *memStore) UpsertMonthlyUsage(_ context.Context, u db.MonthlyUsage) error {
	s.usage[key(u.SiteID, u.YearMonth)] = u
	return nil
}

func (s *memStore) ActiveSiteMonths(_ context.Context, months []string, current string, since time.Time) ([]db.SiteMonth, error) {
	s.gotMonths, s.gotCurrent, s.gotSince = months, current, since
	return s.active, nil
}

func (s *memStore) EnqueueReconciliation(_ context.Context, siteID, ym string) (bool, error) {
	if s.pending[key(siteID, ym)] {
		return false, nil
	}
	s.pending[key(siteID, ym)] = true
	s.jobs = append(s.jobs, db.ReconciliationJob{ID: uint(len(s.jobs) + 1), SiteID: siteID, YearMonth: ym, Status: db.ReconcilePending})
	return true, nil
}

func (s *memStore) ClaimReconciliationJobs(_ context.Context, limit int, _ time.Time) ([]db.ReconciliationJob, error) {
	var out []db.ReconciliationJob
	for i := range s.jobs {
		if len(out) == limit {
			break
		}
		if s.jobs[i].Status == db.ReconcilePending {
			s.jobs[i].Status = db.ReconcileProcessing
			delete(s.pending, key(s.jobs[i].SiteID, s.jobs[i].YearMonth))
			out = append(out, s.jobs[i])
		}
	}
	return out, nil
}

func (s *memStore) FinishReconciliationJob(_ context.Context, id uint, status, _ string, _ time.Time) error {
	s.finished[id] = status
	return nil
}

type brokenCache struct{ readErr, writeErr error }

func (c brokenCache) GetUsage(context.Context, string, string) (int64, bool, error) {
	return 500, true, c.readErr
}

func (c brokenCache) SetUsage(context.Context, string, string, int64, time.Time) error {
	return c.writeErr
}

func newRedisCache(t *testing.T) (*cache.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewFromClient(client), mr
}

func newReconciler(store Store, c UsageCache) (*Reconciler, *metrics.Metrics) {
	m := metrics.New(prometheus.NewRegistry())
	r := New(store, c, m, zerolog.Nop())
	r.now = func() time.Time { return now }
	return r, m
}

func TestDriftThreshold(t *testing.T) {
	assert.Equal(t, 10.0, DriftThreshold(0))
	assert.Equal(t, 10.0, DriftThreshold(1000))
	assert.Equal(t, 50.0, DriftThreshold(5000))
}

func TestReconcileOverwritesDriftedCache(t *testing.T) {
	store := newMemStore()
	store.counts[key("s1", "2026-05")] = [2]int64{100, 3}
	rc, mr := newRedisCache(t)
	ctx := context.Background()
	require.NoError(t, rc.SetUsage(ctx, "s1", "2026-05", 120, db.MonthEnd(now)))

	r, m := newReconciler(store, rc)
	rep, err := r.Reconcile(ctx, "s1", "2026-05")
	require.NoError(t, err)

	assert.Equal(t, int64(100), rep.Billable)
	assert.Equal(t, int64(3), rep.Overage)
	require.NotNil(t, rep.Drift)
	assert.Equal(t, int64(20), *rep.Drift)
	assert.True(t, rep.CacheCorrected)
	assert.Equal(t, "ok", rep.CacheStatus)

	got, found, err := rc.GetUsage(ctx, "s1", "2026-05")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(100), got)
	assert.Positive(t, mr.TTL("usage:s1:2026-05"))

	stored := store.usage[key("s1", "2026-05")]
	assert.Equal(t, int64(100), stored.EventCount)
	assert.Equal(t, int64(3), stored.OverageCount)
	assert.Equal(t, now, stored.LastSyncedAt)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheCorrections))
}

func TestReconcileToleratesSmallDrift(t *testing.T) {
	store := newMemStore()
	store.counts[key("s1", "2026-05")] = [2]int64{100, 0}
	rc, _ := newRedisCache(t)
	ctx := context.Background()
	require.NoError(t, rc.SetUsage(ctx, "s1", "2026-05", 110, db.MonthEnd(now)))

	r, m := newReconciler(store, rc)
	rep, err := r.Reconcile(ctx, "s1", "2026-05")
	require.NoError(t, err)
	require.NotNil(t, rep.Drift)
	assert.Equal(t, int64(10), *rep.Drift)
	assert.False(t, rep.CacheCorrected)

	got, _, _ := rc.GetUsage(ctx, "s1", "2026-05")
	assert.Equal(t, int64(110), got)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CacheCorrections))
}

func TestReconcileSkipsMissingCacheKey(t *testing.T) {
	store := newMemStore()
	store.counts[key("s1", "2026-05")] = [2]int64{7, 0}
	rc, _ := newRedisCache(t)

	r, _ := newReconciler(store, rc)
	rep, err := r.Reconcile(context.Background(), "s1", "2026-05")
	require.NoError(t, err)
	assert.Nil(t, rep.Drift)
	assert.False(t, rep.CacheCorrected)
	assert.Equal(t, int64(7), store.usage[key("s1", "2026-05")].EventCount)
}

func TestReconcileWithoutCache(t *testing.T) {
	store := newMemStore()
	store.counts[key("s1", "2026-05")] = [2]int64{4, 1}

	r, _ := newReconciler(store, nil)
	rep, err := r.Reconcile(context.Background(), "s1", "2026-05")
	require.NoError(t, err)
	assert.Equal(t, int64(4), rep.Billable)
	assert.Equal(t, "ok", rep.CacheStatus)
}

func TestReconcileCacheErrorsDegrade(t *testing.T) {
	tests := []struct {
		name      string
		cache     brokenCache
		reason    string
		wantDrift bool
	}{
		{"read error", brokenCache{readErr: errBoom}, "cache_read", false},
		{"write error", brokenCache{writeErr: errBoom}, "cache_write", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.counts[key("s1", "2026-05")] = [2]int64{100, 0}

			r, m := newReconciler(store, tt.cache)
			rep, err := r.Reconcile(context.Background(), "s1", "2026-05")
			require.NoError(t, err)
			assert.Equal(t, "degraded", rep.CacheStatus)
			assert.False(t, rep.CacheCorrected)
			assert.Equal(t, tt.wantDrift, rep.Drift != nil)
			assert.Equal(t, int64(100), store.usage[key("s1", "2026-05")].EventCount)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.DegradedTotal.WithLabelValues("reconcile", tt.reason)))
		})
	}
}

func TestReconcileRejectsBadMonth(t *testing.T) {
	r, _ := newReconciler(newMemStore(), nil)
	_, err := r.Reconcile(context.Background(), "s1", "May 2026")
	require.Error(t, err)
}

func TestEnqueueCoversCurrentAndPreviousMonth(t *testing.T) {
	store := newMemStore()
	store.active = []db.SiteMonth{
		{SiteID: "s1", YearMonth: "2026-04"},
		{SiteID: "s1", YearMonth: "2026-05"},
		{SiteID: "s2", YearMonth: "2026-05"},
	}
	store.pending[key("s2", "2026-05")] = true

	r, _ := newReconciler(store, nil)
	sum, err := r.Enqueue(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"2026-05", "2026-04"}, store.gotMonths)
	assert.Equal(t, "2026-05", store.gotCurrent)
	assert.Equal(t, now.Add(-24*time.Hour), store.gotSince)
	assert.Equal(t, EnqueueSummary{Candidates: 3, Inserted: 2}, sum)
}

func TestRunBatchContinuesPastFailures(t *testing.T) {
	store := newMemStore()
	store.counts[key("s1", "2026-05")] = [2]int64{10, 0}
	store.counts[key("s3", "2026-05")] = [2]int64{30, 0}
	store.countErr[key("s2", "2026-05")] = errBoom
	for _, s := range []string{"s1", "s2", "s3"} {
		_, _ = store.EnqueueReconciliation(context.Background(), s, "2026-05")
	}

	r, m := newReconciler(store, nil)
	sum, err := r.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, RunSummary{Claimed: 3, Completed: 2, Failed: 1}, sum)

	assert.Equal(t, db.ReconcileCompleted, store.finished[1])
	assert.Equal(t, db.ReconcileFailed, store.finished[2])
	assert.Equal(t, db.ReconcileCompleted, store.finished[3])
	assert.Equal(t, int64(30), store.usage[key("s3", "2026-05")].EventCount)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReconcileRuns.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileRuns.WithLabelValues("failed")))
}

func TestRunBatchRespectsLimit(t *testing.T) {
	store := newMemStore()
	for _, s := range []string{"s1", "s2", "s3"} {
		_, _ = store.EnqueueReconciliation(context.Background(), s, "2026-05")
	}
	r, _ := newReconciler(store, nil)
	sum, err := r.RunBatch(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Claimed)
	assert.Equal(t, db.ReconcilePending, store.jobs[2].Status)
}
