// Package conversion turns an operator's stage or seal action on a call
// into a valued conversion queued for delivery.
package conversion

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"callsignal/internal/apperr"
	"callsignal/internal/attribution"
	"callsignal/internal/db"
	"callsignal/internal/metrics"
)

// Skip reasons. A skip is a normal outcome, not an error.
const (
	ReasonNoClickID       = "no_click_id"
	ReasonConsentRequired = "marketing_consent_required"
	ReasonStarBelow       = "star_below_threshold"
	ReasonJunkStage       = "junk_stage"
	ReasonZeroValue       = "zero_value"
	ReasonDuplicate       = "duplicate"
	ReasonNotEntitled     = "dispatch_not_entitled"
	ReasonEnqueued        = "enqueued"
)

// DefaultProvider receives conversions of sites without a provider list.
const DefaultProvider = "google_ads"

const sealStatus = db.CallConfirmed

type Store interface {
	SiteByID(ctx context.Context, siteID string) (*db.Site, error)
	CallByID(ctx context.Context, siteID, callID string) (*db.Call, error)
	SessionByID(ctx context.Context, siteID, sessionID, month string) (*db.Session, error)
	UpdateCallVersioned(ctx context.Context, siteID, callID string, expected int64, ch db.CallChanges, now time.Time) (int64, error)
	InsertQueueJob(ctx context.Context, job *db.ConversionQueueJob) error
}

// Action is an operator's stage move or seal. Stage empty means the legacy
// star-rated seal.
type Action struct {
	Stage           string `json:"stage"`
	Star            *int   `json:"star"`
	AmountCents     *int64 `json:"amount_cents"`
	ExpectedVersion int64  `json:"version"`
}

// Result reports whether a job was queued and the call's new version.
type Result struct {
	Enqueued bool   `json:"enqueued"`
	Reason   string `json:"reason,omitempty"`
	Version  int64  `json:"version"`
}

type Service struct {
	store   Store
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func NewService(store Store, m *metrics.Metrics, log zerolog.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:   store,
		metrics: m,
		log:     log.With().Str("component", "conversion").Logger(),
		now:     now,
	}
}

// plan is the valuation decided before anything is written.
type plan struct {
	changes db.CallChanges
	skip    string
	value   int64
	clicks  attribution.ClickIDs
}

// Enqueue applies the operator action to the call under optimistic
// concurrency and, when the call carries a click id, marketing consent and
// a positive value, queues one job per enabled provider.
func (s *Service) Enqueue(ctx context.Context, siteID, callID string, a Action) (Result, error) {
	res, err := s.enqueue(ctx, siteID, callID, a)
	label := res.Reason
	if err != nil {
		label = apperr.ReasonOf(err)
	}
	s.metrics.EnqueueOutcomes.WithLabelValues(label).Inc()
	return res, err
}

func (s *Service) enqueue(ctx context.Context, siteID, callID string, a Action) (Result, error) {
	if err := validate(a); err != nil {
		return Result{}, err
	}

	site, err := s.store.SiteByID(ctx, siteID)
	if errors.Is(err, db.ErrNotFound) {
		return Result{}, apperr.Auth("unknown_site")
	}
	if err != nil {
		return Result{}, apperr.Internal("site_lookup", err)
	}
	call, err := s.store.CallByID(ctx, siteID, callID)
	if errors.Is(err, db.ErrNotFound) {
		return Result{}, apperr.Validation("call_not_found")
	}
	if err != nil {
		return Result{}, apperr.Internal("call_lookup", err)
	}

	p, err := s.plan(ctx, site, call, a)
	if err != nil {
		return Result{}, err
	}

	now := s.now().UTC()
	version, err := s.store.UpdateCallVersioned(ctx, siteID, callID, a.ExpectedVersion, p.changes, now)
	switch {
	case errors.Is(err, db.ErrVersionConflict):
		return Result{}, apperr.Conflict("version_conflict")
	case errors.Is(err, db.ErrNotFound):
		return Result{}, apperr.Validation("call_not_found")
	case err != nil:
		return Result{}, apperr.Internal("call_update", err)
	}

	if p.skip != "" {
		return Result{Reason: p.skip, Version: version}, nil
	}

	currency := call.Currency
	if currency == "" {
		currency = site.Currency
	}
	providers := []string(site.Providers)
	if len(providers) == 0 {
		providers = []string{DefaultProvider}
	}

	inserted := 0
	for _, provider := range providers {
		job := &db.ConversionQueueJob{
			SiteID:         siteID,
			CallID:         callID,
			ProviderKey:    provider,
			Status:         db.JobQueued,
			Stage:          p.changes.Status,
			ValueCents:     p.value,
			Currency:       currency,
			Gclid:          p.clicks.Gclid,
			Wbraid:         p.clicks.Wbraid,
			Gbraid:         p.clicks.Gbraid,
			ConversionTime: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		err := s.store.InsertQueueJob(ctx, job)
		if errors.Is(err, db.ErrDuplicate) {
			continue
		}
		if err != nil {
			s.log.Error().Err(err).Str("site_id", siteID).Str("call_id", callID).Str("provider", provider).Msg("failed to queue conversion")
			return Result{Version: version}, apperr.Internal("queue_insert", err)
		}
		inserted++
	}
	if inserted == 0 {
		return Result{Reason: ReasonDuplicate, Version: version}, nil
	}
	return Result{Enqueued: true, Reason: ReasonEnqueued, Version: version}, nil
}

func validate(a Action) error {
	if a.ExpectedVersion <= 0 {
		return apperr.Validation("version_required")
	}
	if a.AmountCents != nil && *a.AmountCents < 0 {
		return apperr.Validation("invalid_amount")
	}
	if a.Star != nil && (*a.Star < 1 || *a.Star > 5) {
		return apperr.Validation("invalid_star")
	}
	return nil
}

// plan decides the call changes and either a skip reason or a value.
func (s *Service) plan(ctx context.Context, site *db.Site, call *db.Call, a Action) (plan, error) {
	p := plan{changes: db.CallChanges{Status: sealStatus, Star: a.Star}}
	if a.AmountCents != nil && *a.AmountCents > 0 {
		p.changes.SaleAmountCents = a.AmountCents
	}

	var stage *Stage
	if name := strings.TrimSpace(a.Stage); name != "" {
		stages, err := ParseStages(site.Plan.Stages)
		if err != nil {
			return plan{}, apperr.Internal("plan_config", err)
		}
		st, ok := FindStage(stages, name)
		if !ok {
			return plan{}, apperr.Validation("unknown_stage")
		}
		stage = &st
		p.changes.Status = st.Name
		p.changes.Stage = st.Name
		if st.IsJunk() {
			p.changes.Status = db.CallJunk
			p.skip = ReasonJunkStage
			return p, nil
		}
	}

	if !site.Plan.CanDispatch {
		p.skip = ReasonNotEntitled
		return p, nil
	}

	p.clicks = s.resolveClickIDs(ctx, site.ID, call)
	if !p.clicks.HasClickID() {
		p.skip = ReasonNoClickID
		return p, nil
	}
	if !call.MarketingConsent {
		p.skip = ReasonConsentRequired
		return p, nil
	}

	switch {
	case p.changes.SaleAmountCents != nil:
		p.value = *p.changes.SaleAmountCents
	case stage != nil:
		p.value = stage.ValueCents
	default:
		if a.Star == nil || *a.Star < site.Plan.MinStar {
			p.skip = ReasonStarBelow
			return p, nil
		}
		weights, err := ParseStarWeights(site.Plan.StarWeights)
		if err != nil {
			return plan{}, apperr.Internal("plan_config", err)
		}
		p.value = SealValue(site.Plan.BaseValueCents, weights, *a.Star)
	}
	if p.value <= 0 {
		p.skip = ReasonZeroValue
	}
	return p, nil
}

// resolveClickIDs prefers click ids captured on the call itself over the
// matched session's landing attribution.
func (s *Service) resolveClickIDs(ctx context.Context, siteID string, call *db.Call) attribution.ClickIDs {
	direct, _, err := attribution.ParseClickIDs(call.ClickIDs)
	if err == nil && direct.HasClickID() {
		return direct
	}
	if err != nil {
		s.log.Warn().Err(err).Str("call_id", call.ID).Msg("unreadable call click ids")
		s.metrics.Degraded("conversion", "call_click_ids")
	}
	if call.MatchedSessionID == nil {
		return attribution.ClickIDs{}
	}

	session, err := s.store.SessionByID(ctx, siteID, *call.MatchedSessionID, call.MatchedSessionMonth)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			s.log.Warn().Err(err).Str("call_id", call.ID).Msg("matched session lookup failed")
			s.metrics.Degraded("conversion", "session_lookup")
		}
		return attribution.ClickIDs{}
	}
	clicks, _, err := attribution.ParseClickIDs(session.Attribution)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", session.ID).Msg("unreadable session attribution")
		s.metrics.Degraded("conversion", "session_click_ids")
	}
	return clicks
}
