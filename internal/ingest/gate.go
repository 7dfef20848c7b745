// Package ingest admits visitor events: it deduplicates them against the
// idempotency ledger, applies the site's quota and meters billable usage.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"callsignal/internal/apperr"
	"callsignal/internal/db"
	"callsignal/internal/metrics"
	"callsignal/internal/outcome"
)

// Gate outcome reasons.
const (
	ReasonAdmitted      = "admitted"
	ReasonNonBillable   = "non_billable"
	ReasonOverage       = "overage"
	ReasonDuplicate     = "duplicate"
	ReasonQuotaReject   = "quota_reject"
	ReasonEntitlements  = "entitlements_reject"
	ReasonInternalError = "internal_error"
)

// Ledger is the slice of the store the gate writes to.
type Ledger interface {
	InsertIdempotency(ctx context.Context, rec *db.IdempotencyRecord) error
	MarkNonBillable(ctx context.Context, siteID string, id uint) error
	MarkOverage(ctx context.Context, siteID string, id uint) error
	UsageCount(ctx context.Context, siteID, yearMonth string) (int64, error)
	IncrementUsageChecked(ctx context.Context, siteID, yearMonth string, hardCap int64, now time.Time) (int64, error)
}

// UsageCache is the fast usage counter. Optional.
type UsageCache interface {
	GetUsage(ctx context.Context, siteID, yearMonth string) (int64, bool, error)
	IncrUsage(ctx context.Context, siteID, yearMonth string, expireAt time.Time) (int64, error)
}

// Tenant is what the gate needs to know about a site.
type Tenant struct {
	ID       string
	PublicID string
	Limits   Limits
}

// Decision is the gate's answer for one event. OK is false for duplicates
// and rejections; Reason names the outcome either way. Remaining is only
// meaningful when QuotaKnown is set.
type Decision struct {
	OK         bool
	Billable   bool
	Overage    bool
	Reason     string
	QuotaKnown bool
	Remaining  int64
	RetryAfter time.Duration
	RecordID   uint
}

type Gate struct {
	ledger  Ledger
	cache   UsageCache
	metrics *metrics.Metrics
	log     zerolog.Logger
	bucket  time.Duration
}

func NewGate(ledger Ledger, cache UsageCache, m *metrics.Metrics, log zerolog.Logger, bucket time.Duration) *Gate {
	return &Gate{
		ledger:  ledger,
		cache:   cache,
		metrics: m,
		log:     log.With().Str("component", "ingest_gate").Logger(),
		bucket:  bucket,
	}
}

// Admit runs one event through the gate. The returned error is non-nil only
// when the gate failed closed; the event is then not admitted. The fast
// usage cache is left alone until Settle, so Admit can run inside a store
// transaction that may still roll back.
func (g *Gate) Admit(ctx context.Context, t Tenant, p Payload, now time.Time) (Decision, error) {
	d, err := g.admit(ctx, t, p, now)
	g.metrics.IngestOutcomes.WithLabelValues(t.PublicID, d.Reason).Inc()
	return d, err
}

func (g *Gate) admit(ctx context.Context, t Tenant, p Payload, now time.Time) (Decision, error) {
	key, err := IdempotencyKey(t.ID, p, now, g.bucket)
	if err != nil {
		return Decision{Reason: ReasonInternalError}, apperr.Internal("idempotency_key", err)
	}

	ym := db.YearMonth(now)
	rec := &db.IdempotencyRecord{
		SiteID:       t.ID,
		Key:          key,
		Billable:     p.Billable(),
		BillingState: db.BillingAccepted,
		YearMonth:    ym,
		CreatedAt:    now,
	}
	if err := g.ledger.InsertIdempotency(ctx, rec); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return Decision{Reason: ReasonDuplicate}, nil
		}
		g.log.Error().Err(err).Str("site_id", t.ID).Msg("idempotency insert failed, rejecting event")
		return Decision{Reason: ReasonInternalError}, apperr.Internal("ledger_unavailable", err)
	}

	if !rec.Billable {
		return Decision{OK: true, Reason: ReasonNonBillable, RecordID: rec.ID}, nil
	}

	current, err := g.currentUsage(ctx, t.ID, ym)
	if err != nil {
		g.closeRecord(ctx, t.ID, rec.ID)
		return Decision{Reason: ReasonInternalError}, apperr.Internal("usage_unavailable", err)
	}

	q := EvaluateQuota(t.Limits, current+1)
	if !q.Allowed {
		g.closeRecord(ctx, t.ID, rec.ID)
		return Decision{
			Reason:     ReasonQuotaReject,
			QuotaKnown: true,
			Remaining:  q.Remaining,
			RecordID:   rec.ID,
			RetryAfter: SecondsToMonthRollover(now),
		}, nil
	}

	metered, err := g.ledger.IncrementUsageChecked(ctx, t.ID, ym, t.Limits.HardCap(), now)
	if errors.Is(err, db.ErrLimitReached) {
		g.closeRecord(ctx, t.ID, rec.ID)
		return Decision{
			Reason:     ReasonEntitlements,
			QuotaKnown: true,
			RecordID:   rec.ID,
			RetryAfter: SecondsToMonthRollover(now),
		}, nil
	}
	if err != nil {
		g.closeRecord(ctx, t.ID, rec.ID)
		return Decision{Reason: ReasonInternalError}, apperr.Internal("usage_increment", err)
	}

	// The counter may have moved since the read; judge the value we got.
	q = EvaluateQuota(t.Limits, metered)
	overage := t.Limits.SoftLimitEnabled && metered > t.Limits.MonthlyLimit
	if overage {
		if err := g.ledger.MarkOverage(ctx, t.ID, rec.ID); err != nil {
			r := outcome.Degraded(false, "mark_overage", err)
			r.Log(g.log, "ingest_gate")
			g.metrics.Degraded("ingest_gate", r.Reason)
		}
	}
	reason := ReasonAdmitted
	if overage {
		reason = ReasonOverage
	}
	return Decision{
		OK:         true,
		Billable:   true,
		Overage:    overage,
		Reason:     reason,
		QuotaKnown: true,
		Remaining:  q.Remaining,
		RecordID:   rec.ID,
	}, nil
}

// currentUsage prefers the fast cache and falls back to the metered
// counter in the ledger.
func (g *Gate) currentUsage(ctx context.Context, siteID, ym string) (int64, error) {
	if g.cache != nil {
		v, found, err := g.cache.GetUsage(ctx, siteID, ym)
		switch {
		case err != nil:
			r := outcome.Degraded(int64(0), "cache_read", err)
			r.Log(g.log, "ingest_gate")
			g.metrics.Degraded("ingest_gate", r.Reason)
		case found:
			return v, nil
		}
	}
	return g.ledger.UsageCount(ctx, siteID, ym)
}

func (g *Gate) closeRecord(ctx context.Context, siteID string, id uint) {
	if err := g.ledger.MarkNonBillable(ctx, siteID, id); err != nil {
		g.log.Error().Err(err).Str("site_id", siteID).Uint("record_id", id).Msg("failed to mark record non-billable")
	}
}

// Settle bumps the fast usage counter for a committed billable admission.
func (g *Gate) Settle(ctx context.Context, t Tenant, d Decision, now time.Time) {
	if g.cache == nil || !d.OK || !d.Billable {
		return
	}
	if _, err := g.cache.IncrUsage(ctx, t.ID, db.YearMonth(now), db.MonthEnd(now)); err != nil {
		r := outcome.Degraded(int64(0), "cache_incr", err)
		r.Log(g.log, "ingest_gate")
		g.metrics.Degraded("ingest_gate", r.Reason)
	}
}
