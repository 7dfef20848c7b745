package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"callsignal/internal/apperr"
	"callsignal/internal/db"
	"callsignal/internal/metrics"
	"callsignal/internal/security"
)

// ReasonNoConsent marks events dropped before the gate because the visitor
// did not grant analytics consent.
const ReasonNoConsent = "no_consent"

type SiteStore interface {
	SiteByPublicID(ctx context.Context, publicID string) (*db.Site, error)
}

type EventStore interface {
	RecordEvent(ctx context.Context, in db.NewEvent) (*db.Event, error)
}

// TxRunner runs the gate's ledger writes and the event insert as one unit,
// so an event that cannot be stored is neither billed nor deduplicated.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RateLimiter is the per-site request window. Optional.
type RateLimiter interface {
	AllowRate(ctx context.Context, siteID string, limit int, window time.Duration, now time.Time) (bool, time.Duration, error)
}

// Result is what the ingestion endpoint reports back.
type Result struct {
	Decision
	Stored    bool
	SessionID string
}

// Service is the full ingestion path in front of the gate: site
// resolution, entitlements, consent, rate window, then storage.
type Service struct {
	sites         SiteStore
	events        EventStore
	tx            TxRunner
	gate          *Gate
	rate          RateLimiter
	ratePerMinute int
	metrics       *metrics.Metrics
	log           zerolog.Logger
	now           func() time.Time
}

type ServiceOptions struct {
	Sites         SiteStore
	Events        EventStore
	Tx            TxRunner
	Gate          *Gate
	Rate          RateLimiter
	RatePerMinute int
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
	Now           func() time.Time
}

func NewService(opts ServiceOptions) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		sites:         opts.Sites,
		events:        opts.Events,
		tx:            opts.Tx,
		gate:          opts.Gate,
		rate:          opts.Rate,
		ratePerMinute: opts.RatePerMinute,
		metrics:       opts.Metrics,
		log:           opts.Logger.With().Str("component", "ingest").Logger(),
		now:           now,
	}
}

// Ingest admits and stores one event. Rejections carry an *apperr.Error;
// the Result is still filled so callers can expose quota headers.
func (s *Service) Ingest(ctx context.Context, p Payload) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	site, err := s.resolveSite(ctx, p.Site)
	if err != nil {
		return Result{}, err
	}
	if !site.Plan.CanIngest {
		return Result{}, apperr.Auth("forbidden")
	}
	if !p.Consent.Analytics {
		return Result{Decision: Decision{Reason: ReasonNoConsent}}, nil
	}

	now := s.now().UTC()
	if s.rate != nil {
		allowed, retry, err := s.rate.AllowRate(ctx, site.ID, s.ratePerMinute, time.Minute, now)
		if err != nil {
			s.log.Warn().Err(err).Str("site_id", site.ID).Msg("rate window unavailable, allowing")
			s.metrics.Degraded("ingest", "rate_window")
		} else if !allowed {
			return Result{}, apperr.QuotaExceeded("rate_limited", retry)
		}
	}

	tenant := Tenant{
		ID:       site.ID,
		PublicID: site.PublicID,
		Limits: Limits{
			MonthlyLimit:      site.Plan.MonthlyLimit,
			SoftLimitEnabled:  site.Plan.SoftLimitEnabled,
			HardCapMultiplier: site.Plan.HardCapMultiplier,
		},
	}
	var res Result
	err = s.inTx(ctx, func(ctx context.Context) error {
		d, err := s.gate.Admit(ctx, tenant, p, now)
		res.Decision = d
		if err != nil {
			return err
		}
		if !d.OK {
			return nil
		}

		ev, err := s.events.RecordEvent(ctx, db.NewEvent{
			SiteID:          site.ID,
			SessionID:       p.SessionID,
			Fingerprint:     p.Fingerprint,
			Category:        p.Category,
			Action:          p.Action,
			URL:             p.URL,
			Score:           p.Score,
			Attribution:     p.AttributionJSON(),
			DurationSeconds: p.DurationSeconds,
			ScrollDepth:     p.ScrollDepth,
			At:              now,
		})
		if err != nil {
			s.log.Error().Err(err).Str("site_id", site.ID).Msg("failed to store admitted event, rolling back admission")
			return apperr.Internal("event_store", err)
		}
		res.Stored = true
		res.SessionID = ev.SessionID
		return nil
	})
	if err != nil {
		return Result{Decision: res.Decision}, err
	}

	switch res.Reason {
	case ReasonQuotaReject, ReasonEntitlements:
		return res, apperr.QuotaExceeded(res.Reason, res.RetryAfter)
	}
	s.gate.Settle(ctx, tenant, res.Decision, now)
	return res, nil
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return s.tx.InTx(ctx, fn)
}

func (s *Service) resolveSite(ctx context.Context, publicID string) (*db.Site, error) {
	if err := security.CheckPublicID(publicID); err != nil {
		if errors.Is(err, security.ErrIdentityBoundary) {
			return nil, apperr.Validation("identity_boundary")
		}
		return nil, apperr.Validation("invalid_site")
	}
	site, err := s.sites.SiteByPublicID(ctx, publicID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.Auth("unknown_site")
	}
	if err != nil {
		return nil, apperr.Internal("site_lookup", err)
	}
	return site, nil
}
