// Package dispatch drains the conversion queue: it claims jobs with
// conditional updates, uploads them, and records each outcome with
// bounded, backed-off retries.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"callsignal/internal/db"
	"callsignal/internal/metrics"
	"callsignal/internal/provider"
)

// Store is the queue ledger as seen by the worker and the pull flow.
type Store interface {
	ListEligibleGroups(ctx context.Context, now time.Time) ([]db.QueueGroup, error)
	ClaimJobs(ctx context.Context, siteID, providerKey string, limit int, now time.Time) ([]db.ConversionQueueJob, error)
	MarkJobCompleted(ctx context.Context, id uint, now time.Time) error
	MarkJobRetry(ctx context.Context, id uint, attemptCount int, nextRetryAt time.Time, lastErr string, now time.Time) error
	MarkJobFailed(ctx context.Context, id uint, attemptCount int, category, lastErr string, now time.Time) error
	RecoverStuck(ctx context.Context, priv db.Privilege, cutoff, now time.Time) (int64, error)
	AckJobs(ctx context.Context, siteID string, externalIDs []string, now time.Time) (int64, error)
	AckJobsFailed(ctx context.Context, siteID string, externalIDs []string, category, msg string, now time.Time) (int64, error)
}

type Config struct {
	BatchSize   int
	Concurrency int
	MaxAttempts int
	Timeout     time.Duration
	StuckCutoff time.Duration
}

// Summary reports one worker invocation.
type Summary struct {
	Groups    int `json:"groups"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Errors    int `json:"errors"`
}

type Worker struct {
	store    Store
	uploader provider.Uploader
	cfg      Config
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

func NewWorker(store Store, uploader provider.Uploader, cfg Config, m *metrics.Metrics, log zerolog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 50 * time.Second
	}
	if cfg.StuckCutoff <= 0 {
		cfg.StuckCutoff = 15 * time.Minute
	}
	return &Worker{
		store:    store,
		uploader: uploader,
		cfg:      cfg,
		metrics:  m,
		log:      log.With().Str("component", "dispatch").Logger(),
		now:      time.Now,
	}
}

// Run claims one bounded batch, dispatches it and returns. Per-job
// failures are recorded on the job and never abort the batch. Jobs not
// started before the timeout stay PROCESSING for the recovery sweep.
func (w *Worker) Run(ctx context.Context) (Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	now := w.now().UTC()
	groups, err := w.store.ListEligibleGroups(ctx, now)
	if err != nil {
		return Summary{}, err
	}
	alloc := AllocateBudget(groups, w.cfg.BatchSize)

	sum := Summary{Groups: len(groups)}
	var jobs []db.ConversionQueueJob
	for i, g := range groups {
		if alloc[i] == 0 {
			continue
		}
		claimed, err := w.store.ClaimJobs(ctx, g.SiteID, g.ProviderKey, alloc[i], now)
		if err != nil {
			w.log.Error().Err(err).Str("site_id", g.SiteID).Str("provider", g.ProviderKey).Msg("claim failed")
			sum.Errors++
			continue
		}
		w.metrics.DispatchClaimed.WithLabelValues(g.ProviderKey).Add(float64(len(claimed)))
		jobs = append(jobs, claimed...)
	}
	sum.Claimed = len(jobs)

	var mu sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(w.cfg.Concurrency)
	for _, job := range jobs {
		job := job
		if ctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			result := w.dispatch(context.WithoutCancel(ctx), job)
			mu.Lock()
			defer mu.Unlock()
			switch result {
			case resultCompleted:
				sum.Completed++
			case resultRetry:
				sum.Retried++
			case resultFailed:
				sum.Failed++
			default:
				sum.Errors++
			}
			return nil
		})
	}
	_ = eg.Wait()

	w.log.Info().
		Int("groups", sum.Groups).
		Int("claimed", sum.Claimed).
		Int("completed", sum.Completed).
		Int("retried", sum.Retried).
		Int("failed", sum.Failed).
		Msg("dispatch run finished")
	return sum, nil
}

const (
	resultCompleted = "completed"
	resultRetry     = "retry"
	resultFailed    = "failed"
	resultError     = "error"
)

// dispatch uploads one job and records the outcome on its row.
func (w *Worker) dispatch(ctx context.Context, job db.ConversionQueueJob) string {
	uploadErr := w.uploader.Upload(ctx, job)
	now := w.now().UTC()
	log := w.log.With().Uint("job_id", job.ID).Str("site_id", job.SiteID).Str("provider", job.ProviderKey).Logger()

	if uploadErr == nil {
		if err := w.store.MarkJobCompleted(ctx, job.ID, now); err != nil {
			log.Error().Err(err).Msg("failed to mark job completed")
			return resultError
		}
		w.metrics.DispatchOutcomes.WithLabelValues(job.ProviderKey, resultCompleted).Inc()
		return resultCompleted
	}

	category := provider.CategoryOf(uploadErr)
	attempts := job.AttemptCount + 1
	result := resultFailed
	var err error
	if category == db.CategoryTransient && attempts < w.cfg.MaxAttempts {
		result = resultRetry
		next := now.Add(NextRetryDelay(job.AttemptCount))
		err = w.store.MarkJobRetry(ctx, job.ID, attempts, next, uploadErr.Error(), now)
	} else {
		err = w.store.MarkJobFailed(ctx, job.ID, attempts, category, uploadErr.Error(), now)
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to record job outcome")
		return resultError
	}

	log.Warn().Err(uploadErr).Str("category", category).Int("attempts", attempts).Str("outcome", result).Msg("upload failed")
	w.metrics.DispatchOutcomes.WithLabelValues(job.ProviderKey, result).Inc()
	return result
}

// RecoverStuck returns abandoned PROCESSING rows to RETRY. It runs with
// service privilege.
func (w *Worker) RecoverStuck(ctx context.Context) (int64, error) {
	now := w.now().UTC()
	n, err := w.store.RecoverStuck(ctx, db.PrivilegeService, now.Add(-w.cfg.StuckCutoff), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.metrics.StuckRecovered.Add(float64(n))
		w.log.Warn().Int64("recovered", n).Msg("recovered stuck jobs")
	}
	return n, nil
}
