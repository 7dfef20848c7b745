package attribution

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"callsignal/internal/apperr"
	"callsignal/internal/db"
	"callsignal/internal/metrics"
	"callsignal/internal/security"
)

// Outcomes of a call event, also used as metric labels.
const (
	OutcomeMatched   = "matched"
	OutcomeNoMatch   = "no_match"
	OutcomeNoConsent = "no_consent"
	OutcomeReplay    = "replay"
	OutcomeDegraded  = "degraded"
)

type SiteStore interface {
	SiteByPublicID(ctx context.Context, publicID string) (*db.Site, error)
}

type CallStore interface {
	CreateCall(ctx context.Context, call *db.Call) error
}

// ReplayGuard remembers signatures already accepted. Forget drops a claim
// whose request failed so the sender's retry is processed.
type ReplayGuard interface {
	FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, key string) error
}

// CallEvent is a signed call notification as received.
type CallEvent struct {
	Site      string
	Timestamp string
	Signature string
	Body      []byte
}

type callBody struct {
	Fingerprint string `json:"fingerprint"`
	Phone       string `json:"phone"`
	Channel     string `json:"channel"`
	Gclid       string `json:"gclid"`
	Wbraid      string `json:"wbraid"`
	Gbraid      string `json:"gbraid"`
	Consent     struct {
		Analytics bool `json:"analytics"`
		Marketing bool `json:"marketing"`
	} `json:"consent"`
}

// CallResult is what the call-event endpoint reports. Silent results are
// answered with 204 whether the call went unmatched or was not allowed.
type CallResult struct {
	Outcome    string
	Silent     bool
	CallID     string
	LeadScore  int
	Confidence int
	Status     string
}

type Service struct {
	sites   SiteStore
	calls   CallStore
	matcher *Matcher
	replay  ReplayGuard
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
	skew    time.Duration
}

type ServiceOptions struct {
	Sites   SiteStore
	Calls   CallStore
	Matcher *Matcher
	Replay  ReplayGuard
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	Now     func() time.Time
}

func NewService(opts ServiceOptions) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		sites:   opts.Sites,
		calls:   opts.Calls,
		matcher: opts.Matcher,
		replay:  opts.Replay,
		metrics: opts.Metrics,
		log:     opts.Logger.With().Str("component", "attribution").Logger(),
		now:     now,
		skew:    security.DefaultSkew,
	}
}

// HandleCallEvent verifies, deduplicates and attributes one call event. A
// request that fails after claiming its signature releases the claim.
func (s *Service) HandleCallEvent(ctx context.Context, ev CallEvent) (_ CallResult, retErr error) {
	if err := security.CheckPublicID(ev.Site); err != nil {
		if errors.Is(err, security.ErrIdentityBoundary) {
			return CallResult{}, apperr.Validation("identity_boundary")
		}
		return CallResult{}, apperr.Auth("invalid_signature")
	}
	site, err := s.sites.SiteByPublicID(ctx, ev.Site)
	if errors.Is(err, db.ErrNotFound) {
		return CallResult{}, apperr.Auth("invalid_signature")
	}
	if err != nil {
		return CallResult{}, apperr.Internal("site_lookup", err)
	}

	now := s.now().UTC()
	if err := security.VerifyCallEvent([]byte(site.CallSigningSecret), ev.Timestamp, ev.Body, ev.Signature, now, s.skew); err != nil {
		if errors.Is(err, security.ErrMissingSecret) {
			s.log.Error().Str("site_id", site.ID).Msg("call signing secret not configured, rejecting")
		}
		return CallResult{}, apperr.Auth("invalid_signature")
	}

	if s.replay != nil {
		key := site.ID + ":" + ev.Signature
		first, err := s.replay.FirstSeen(ctx, key, 2*s.skew)
		switch {
		case err != nil:
			s.log.Warn().Err(err).Str("site_id", site.ID).Msg("replay guard unavailable")
			s.metrics.Degraded("attribution", "replay_guard")
		case !first:
			s.metrics.AttributionMatches.WithLabelValues(OutcomeReplay).Inc()
			return CallResult{Outcome: OutcomeReplay}, nil
		default:
			defer func() {
				if retErr != nil {
					s.forget(ctx, site.ID, key)
				}
			}()
		}
	}

	var body callBody
	if err := json.Unmarshal(ev.Body, &body); err != nil {
		return CallResult{}, apperr.Validation("invalid_body")
	}
	body.Fingerprint = strings.TrimSpace(body.Fingerprint)
	if body.Fingerprint == "" {
		return CallResult{}, apperr.Validation("fingerprint_required")
	}
	if body.Channel == "" {
		body.Channel = "phone"
	}

	if !site.Plan.CanAttribute || !body.Consent.Analytics {
		s.metrics.AttributionMatches.WithLabelValues(OutcomeNoConsent).Inc()
		return CallResult{Outcome: OutcomeNoConsent, Silent: true}, nil
	}

	callClicks := ClickIDs{Gclid: body.Gclid, Wbraid: body.Wbraid, Gbraid: body.Gbraid}.trimmed()
	res := s.matcher.Match(ctx, site.ID, body.Fingerprint, now, callClicks)
	res.Log(s.log, "attribution")
	if !res.IsOK() {
		s.metrics.Degraded("attribution", res.Reason)
	}

	call := &db.Call{
		SiteID:           site.ID,
		Fingerprint:      body.Fingerprint,
		Phone:            body.Phone,
		Channel:          body.Channel,
		ClickIDs:         callClicks.Encode(),
		Status:           db.CallIntent,
		Currency:         site.Currency,
		AnalyticsConsent: body.Consent.Analytics,
		MarketingConsent: body.Consent.Marketing,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	match := res.Value
	if match != nil {
		breakdown, err := json.Marshal(match.Breakdown)
		if err != nil {
			return CallResult{}, apperr.Internal("score_breakdown", err)
		}
		sessionID := match.SessionID
		call.MatchedSessionID = &sessionID
		call.MatchedSessionMonth = match.SessionMonth
		call.Status = match.Status
		call.LeadScore = match.LeadScore
		call.Confidence = match.Confidence
		call.ScoreBreakdown = breakdown
	}

	if err := s.calls.CreateCall(ctx, call); err != nil {
		return CallResult{}, apperr.Internal("call_store", err)
	}

	if match == nil {
		label := OutcomeNoMatch
		if !res.IsOK() {
			label = OutcomeDegraded
		}
		s.metrics.AttributionMatches.WithLabelValues(label).Inc()
		return CallResult{Outcome: OutcomeNoMatch, Silent: true, CallID: call.ID}, nil
	}

	s.metrics.AttributionMatches.WithLabelValues(OutcomeMatched).Inc()
	return CallResult{
		Outcome:    OutcomeMatched,
		CallID:     call.ID,
		LeadScore:  call.LeadScore,
		Confidence: call.Confidence,
		Status:     call.Status,
	}, nil
}

func (s *Service) forget(ctx context.Context, siteID, key string) {
	if err := s.replay.Forget(context.WithoutCancel(ctx), key); err != nil {
		s.log.Warn().Err(err).Str("site_id", siteID).Msg("failed to release replay claim")
		s.metrics.Degraded("attribution", "replay_release")
	}
}
