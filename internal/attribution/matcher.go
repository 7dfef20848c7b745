// Package attribution links calls to the browsing session that preceded
// them and scores the lead.
package attribution

import (
	"context"
	"errors"
	"time"

	"callsignal/internal/db"
	"callsignal/internal/outcome"
)

// Store reads session history. Every method is scoped by site id and must
// never return rows of another site.
type Store interface {
	LatestEventByFingerprint(ctx context.Context, siteID, fingerprint string, since, until time.Time) (*db.Event, error)
	SessionByID(ctx context.Context, siteID, sessionID, month string) (*db.Session, error)
	SessionEvents(ctx context.Context, siteID, sessionID, month string) ([]db.Event, error)
}

// Match is a call attributed to a session.
type Match struct {
	SessionID    string
	SessionMonth string
	ClickIDs     ClickIDs
	Score
}

type Matcher struct {
	store    Store
	lookback time.Duration
}

func NewMatcher(store Store) *Matcher {
	return &Matcher{store: store, lookback: AttributionLookback}
}

// Match finds the session owning the most recent event with fingerprint
// in the lookback window before asOf. A nil Value with StatusOK means no
// session matched, which is a normal outcome. callClickIDs are the click
// ids carried by the call itself and count toward confidence.
func (m *Matcher) Match(ctx context.Context, siteID, fingerprint string, asOf time.Time, callClickIDs ClickIDs) outcome.Result[*Match] {
	if siteID == "" || fingerprint == "" {
		return outcome.Ok[*Match](nil)
	}

	ev, err := m.store.LatestEventByFingerprint(ctx, siteID, fingerprint, asOf.Add(-m.lookback), asOf)
	if errors.Is(err, db.ErrNotFound) {
		return outcome.Ok[*Match](nil)
	}
	if err != nil {
		return outcome.Degraded[*Match](nil, "event_lookup", err)
	}
	if ev.SiteID != siteID {
		return outcome.Degraded[*Match](nil, "tenant_mismatch", errors.New("store returned a foreign event"))
	}

	session, err := m.store.SessionByID(ctx, siteID, ev.SessionID, ev.SessionMonth)
	if errors.Is(err, db.ErrNotFound) {
		return outcome.Ok[*Match](nil)
	}
	if err != nil {
		return outcome.Degraded[*Match](nil, "session_lookup", err)
	}
	if session.SiteID != siteID {
		return outcome.Degraded[*Match](nil, "tenant_mismatch", errors.New("store returned a foreign session"))
	}

	events, err := m.store.SessionEvents(ctx, siteID, session.ID, session.CreatedMonth)
	if err != nil {
		return outcome.Degraded[*Match](nil, "session_events", err)
	}
	owned := make([]db.Event, 0, len(events))
	for _, e := range events {
		if e.SiteID == siteID {
			owned = append(owned, e)
		}
	}

	clickIDs, shape, parseErr := ParseClickIDs(session.Attribution)
	match := &Match{
		SessionID:    session.ID,
		SessionMonth: session.CreatedMonth,
		ClickIDs:     clickIDs,
		Score: Compute(Input{
			Events:       owned,
			SessionStart: session.CreatedAt,
			AsOf:         asOf,
			HasClickID:   clickIDs.HasClickID() || callClickIDs.HasClickID(),
		}),
	}
	if parseErr != nil {
		return outcome.Degraded(match, "attribution_shape_"+shape.String(), parseErr)
	}
	return outcome.Ok(match)
}
