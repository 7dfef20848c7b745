// Package reconcile recomputes monthly usage from the idempotency ledger
// and corrects the fast usage cache when it drifts.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"callsignal/internal/db"
	"callsignal/internal/metrics"
	"callsignal/internal/outcome"
)

// MinDriftThreshold is the absolute drift tolerated before the cache is
// overwritten; above 1000 events the 1% relative bound takes over.
const MinDriftThreshold = 10

type Store interface {
	CountBillable(ctx context.Context, siteID, yearMonth string) (billable int64, overage int64, err error)
	UpsertMonthlyUsage(ctx context.Context, u db.MonthlyUsage) error
	ActiveSiteMonths(ctx context.Context, months []string, currentMonth string, since time.Time) ([]db.SiteMonth, error)
	EnqueueReconciliation(ctx context.Context, siteID, yearMonth string) (bool, error)
	ClaimReconciliationJobs(ctx context.Context, limit int, now time.Time) ([]db.ReconciliationJob, error)
	FinishReconciliationJob(ctx context.Context, id uint, status, lastErr string, now time.Time) error
}

// UsageCache is the fast counter the ingestion gate reads. Optional.
type UsageCache interface {
	GetUsage(ctx context.Context, siteID, yearMonth string) (int64, bool, error)
	SetUsage(ctx context.Context, siteID, yearMonth string, value int64, expireAt time.Time) error
}

// Report is the result of reconciling one (site, month).
type Report struct {
	SiteID         string `json:"site_id"`
	YearMonth      string `json:"year_month"`
	Billable       int64  `json:"billable"`
	Overage        int64  `json:"overage"`
	Drift          *int64 `json:"drift,omitempty"`
	CacheCorrected bool   `json:"cache_corrected"`
	CacheStatus    string `json:"cache_status"`
}

type Reconciler struct {
	store   Store
	cache   UsageCache
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func New(store Store, cache UsageCache, m *metrics.Metrics, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:   store,
		cache:   cache,
		metrics: m,
		log:     log.With().Str("component", "reconcile").Logger(),
		now:     time.Now,
	}
}

// DriftThreshold is max(10, 1% of the authoritative count).
func DriftThreshold(authoritative int64) float64 {
	return max(float64(MinDriftThreshold), float64(authoritative)*0.01)
}

// Reconcile recounts the ledger, stores the result and then, best effort,
// corrects the cache. Cache problems never fail the reconciliation.
func (r *Reconciler) Reconcile(ctx context.Context, siteID, yearMonth string) (Report, error) {
	month, err := time.Parse("2006-01", yearMonth)
	if err != nil {
		return Report{}, fmt.Errorf("invalid year_month %q: %w", yearMonth, err)
	}

	billable, overage, err := r.store.CountBillable(ctx, siteID, yearMonth)
	if err != nil {
		return Report{}, fmt.Errorf("count billable: %w", err)
	}
	err = r.store.UpsertMonthlyUsage(ctx, db.MonthlyUsage{
		SiteID:       siteID,
		YearMonth:    yearMonth,
		EventCount:   billable,
		OverageCount: overage,
		LastSyncedAt: r.now().UTC(),
	})
	if err != nil {
		return Report{}, fmt.Errorf("upsert monthly usage: %w", err)
	}

	rep := Report{SiteID: siteID, YearMonth: yearMonth, Billable: billable, Overage: overage}
	res := r.correctCache(ctx, siteID, yearMonth, billable, db.MonthEnd(month))
	res.Log(r.log, "reconcile")
	if !res.IsOK() {
		r.metrics.Degraded("reconcile", res.Reason)
	}
	rep.CacheStatus = res.Status.String()
	if res.Value.drift != nil {
		rep.Drift = res.Value.drift
		r.metrics.ReconcileDrift.Observe(float64(*res.Value.drift))
	}
	rep.CacheCorrected = res.Value.corrected
	return rep, nil
}

type cacheCheck struct {
	drift     *int64
	corrected bool
}

func (r *Reconciler) correctCache(ctx context.Context, siteID, yearMonth string, authoritative int64, expireAt time.Time) outcome.Result[cacheCheck] {
	if r.cache == nil {
		return outcome.Ok(cacheCheck{})
	}
	cached, found, err := r.cache.GetUsage(ctx, siteID, yearMonth)
	if err != nil {
		return outcome.Degraded(cacheCheck{}, "cache_read", err)
	}
	if !found {
		return outcome.Ok(cacheCheck{})
	}

	drift := cached - authoritative
	if drift < 0 {
		drift = -drift
	}
	check := cacheCheck{drift: &drift}
	if float64(drift) <= DriftThreshold(authoritative) {
		return outcome.Ok(check)
	}

	if err := r.cache.SetUsage(ctx, siteID, yearMonth, authoritative, expireAt); err != nil {
		return outcome.Degraded(check, "cache_write", err)
	}
	check.corrected = true
	r.metrics.CacheCorrections.Inc()
	r.log.Info().
		Str("site_id", siteID).
		Str("year_month", yearMonth).
		Int64("cached", cached).
		Int64("authoritative", authoritative).
		Msg("usage cache corrected")
	return outcome.Ok(check)
}

// EnqueueSummary reports one enqueuer pass.
type EnqueueSummary struct {
	Candidates int `json:"candidates"`
	Inserted   int `json:"inserted"`
	Errors     int `json:"errors"`
}

// Enqueue schedules reconciliation for every site active in the current or
// previous month, or within the last 24 hours.
func (r *Reconciler) Enqueue(ctx context.Context) (EnqueueSummary, error) {
	now := r.now().UTC()
	current := db.YearMonth(now)
	pairs, err := r.store.ActiveSiteMonths(ctx, []string{current, db.PreviousYearMonth(now)}, current, now.Add(-24*time.Hour))
	if err != nil {
		return EnqueueSummary{}, fmt.Errorf("list active sites: %w", err)
	}

	s := EnqueueSummary{Candidates: len(pairs)}
	for _, p := range pairs {
		inserted, err := r.store.EnqueueReconciliation(ctx, p.SiteID, p.YearMonth)
		if err != nil {
			s.Errors++
			r.log.Error().Err(err).Str("site_id", p.SiteID).Str("year_month", p.YearMonth).Msg("enqueue reconciliation failed")
			continue
		}
		if inserted {
			s.Inserted++
		}
	}
	return s, nil
}

// RunSummary reports one runner pass.
type RunSummary struct {
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// RunBatch claims up to limit pending jobs and reconciles each. A failing
// site is marked FAILED and the rest of the batch still runs.
func (r *Reconciler) RunBatch(ctx context.Context, limit int) (RunSummary, error) {
	jobs, err := r.store.ClaimReconciliationJobs(ctx, limit, r.now().UTC())
	if err != nil {
		return RunSummary{}, fmt.Errorf("claim reconciliation jobs: %w", err)
	}

	s := RunSummary{Claimed: len(jobs)}
	for _, job := range jobs {
		status, lastErr := db.ReconcileCompleted, ""
		if _, err := r.Reconcile(ctx, job.SiteID, job.YearMonth); err != nil {
			status, lastErr = db.ReconcileFailed, err.Error()
			r.log.Error().Err(err).Str("site_id", job.SiteID).Str("year_month", job.YearMonth).Msg("reconciliation failed")
		}
		if err := r.store.FinishReconciliationJob(ctx, job.ID, status, lastErr, r.now().UTC()); err != nil {
			r.log.Error().Err(err).Uint("job_id", job.ID).Msg("failed to finish reconciliation job")
		}
		if status == db.ReconcileCompleted {
			s.Completed++
			r.metrics.ReconcileRuns.WithLabelValues("completed").Inc()
		} else {
			s.Failed++
			r.metrics.ReconcileRuns.WithLabelValues("failed").Inc()
		}
	}
	return s, nil
}
