// Package scheduler runs the named batch jobs under a short-lived mutex,
// either on demand from the /cron endpoints or on an in-process crontab.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mileusna/crontab"
	"github.com/rs/zerolog"

	"callsignal/internal/cache"
	"callsignal/internal/metrics"
)

// Job names.
const (
	JobDispatch         = "dispatch"
	JobRecover          = "recover"
	JobReconcileEnqueue = "reconcile-enqueue"
	JobReconcileRun     = "reconcile-run"
	JobCleanup          = "cleanup"
)

// SkipLockHeld is reported when another invocation owns the job mutex.
const SkipLockHeld = "lock_held"

var ErrUnknownJob = errors.New("unknown job")

// Locker acquires a named mutex without waiting. Implementations return
// cache.ErrLockHeld when the mutex is owned elsewhere.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (func(), error)
}

// JobFunc performs one bounded batch and returns a JSON-friendly summary.
type JobFunc func(ctx context.Context) (any, error)

type Job struct {
	Name string
	// Spec is the crontab expression used by the in-process scheduler.
	// Empty means the job only runs on demand.
	Spec    string
	Timeout time.Duration
	Run     JobFunc
}

// Skipped is the summary of an invocation that did not run.
type Skipped struct {
	Skipped string `json:"skipped"`
}

type Scheduler struct {
	locker  Locker
	lockTTL time.Duration
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu   sync.RWMutex
	jobs map[string]Job
}

func New(locker Locker, lockTTL time.Duration, m *metrics.Metrics, log zerolog.Logger) *Scheduler {
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &Scheduler{
		locker:  locker,
		lockTTL: lockTTL,
		metrics: m,
		log:     log.With().Str("component", "scheduler").Logger(),
		jobs:    map[string]Job{},
	}
}

func (s *Scheduler) Register(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
}

// Names lists the registered jobs in name order.
func (s *Scheduler) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes the named job once. When the job mutex is held the call
// returns Skipped{"lock_held"} and no error.
func (s *Scheduler) Run(ctx context.Context, name string) (any, error) {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	release, err := s.locker.TryLock(ctx, "job:"+name, s.lockTTL)
	if errors.Is(err, cache.ErrLockHeld) {
		s.metrics.JobSkips.WithLabelValues(name).Inc()
		s.log.Info().Str("job", name).Msg("job skipped, lock held")
		return Skipped{Skipped: SkipLockHeld}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	defer release()

	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	summary, err := job.Run(ctx)
	ev := s.log.Info()
	if err != nil {
		ev = s.log.Error().Err(err)
	}
	ev.Str("job", name).Dur("took", time.Since(start)).Interface("summary", summary).Msg("job finished")
	return summary, err
}

// Start schedules every job that has a Spec and blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	ctab := crontab.New()
	for _, name := range s.Names() {
		name := name
		s.mu.RLock()
		job := s.jobs[name]
		s.mu.RUnlock()
		if job.Spec == "" {
			continue
		}
		if err := ctab.AddJob(job.Spec, func() {
			if _, err := s.Run(ctx, name); err != nil {
				s.log.Error().Err(err).Str("job", name).Msg("scheduled job failed")
			}
		}); err != nil {
			ctab.Shutdown()
			return fmt.Errorf("schedule %s (%q): %w", name, job.Spec, err)
		}
		s.log.Info().Str("job", name).Str("spec", job.Spec).Msg("job scheduled")
	}

	<-ctx.Done()
	ctab.Shutdown()
	return nil
}
