package attribution

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"callsignal/internal/db"
)

// memStore is an in-memory Store holding rows of several sites.
type memStore struct {
	mu       sync.Mutex
	events   []db.Event
	sessions []db.Session
	calls    []*db.Call
	err      error

	// createFailures makes the next n CreateCall calls fail.
	createFailures int
}

func (m *memStore) addSession(s db.Session, evs ...db.Event) {
	m.sessions = append(m.sessions, s)
	for _, e := range evs {
		e.ID = uint(len(m.events) + 1)
		e.SiteID = s.SiteID
		e.SessionID = s.ID
		e.SessionMonth = s.CreatedMonth
		if e.Fingerprint == "" {
			e.Fingerprint = s.Fingerprint
		}
		m.events = append(m.events, e)
	}
}

func (m *memStore) LatestEventByFingerprint(_ context.Context, siteID, fp string, since, until time.Time) (*db.Event, error) {
	if m.err != nil {
		return nil, m.err
	}
	var hits []db.Event
	for _, e := range m.events {
		if e.SiteID == siteID && e.Fingerprint == fp && !e.CreatedAt.Before(since) && !e.CreatedAt.After(until) {
			hits = append(hits, e)
		}
	}
	if len(hits) == 0 {
		return nil, db.ErrNotFound
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
			return hits[i].ID > hits[j].ID
		}
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
	return &hits[0], nil
}

func (m *memStore) SessionByID(_ context.Context, siteID, sessionID, month string) (*db.Session, error) {
	for i := range m.sessions {
		s := m.sessions[i]
		if s.SiteID == siteID && s.ID == sessionID && s.CreatedMonth == month {
			return &s, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *memStore) SessionEvents(_ context.Context, siteID, sessionID, month string) ([]db.Event, error) {
	var out []db.Event
	for _, e := range m.events {
		if e.SiteID == siteID && e.SessionID == sessionID && e.SessionMonth == month {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) CreateCall(_ context.Context, call *db.Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createFailures > 0 {
		m.createFailures--
		return errors.New("db down")
	}
	if call.ID == "" {
		call.ID = "call-" + string(rune('a'+len(m.calls)))
	}
	m.calls = append(m.calls, call)
	return nil
}

type memSites map[string]*db.Site

func (m memSites) SiteByPublicID(_ context.Context, publicID string) (*db.Site, error) {
	if s, ok := m[publicID]; ok {
		return s, nil
	}
	return nil, db.ErrNotFound
}

type memReplay struct {
	seen map[string]bool
	err  error
}

func (r *memReplay) FirstSeen(_ context.Context, key string, _ time.Duration) (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	if r.seen == nil {
		r.seen = map[string]bool{}
	}
	if r.seen[key] {
		return false, nil
	}
	r.seen[key] = true
	return true, nil
}

func (r *memReplay) Forget(_ context.Context, key string) error {
	delete(r.seen, key)
	return nil
}
