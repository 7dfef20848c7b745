package conversion

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"callsignal/internal/apperr"
	"callsignal/internal/db"
	"callsignal/internal/metrics"
)

var enqueueNow = time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)

type memStore struct {
	sites    map[string]*db.Site
	calls    map[string]*db.Call
	sessions map[string]*db.Session
	jobs     []*db.ConversionQueueJob
	keys     map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		sites:    map[string]*db.Site{},
		calls:    map[string]*db.Call{},
		sessions: map[string]*db.Session{},
		keys:     map[string]bool{},
	}
}

func (m *memStore) SiteByID(_ context.Context, siteID string) (*db.Site, error) {
	if s, ok := m.sites[siteID]; ok {
		return s, nil
	}
	return nil, db.ErrNotFound
}

func (m *memStore) CallByID(_ context.Context, siteID, callID string) (*db.Call, error) {
	c, ok := m.calls[callID]
	if !ok || c.SiteID != siteID {
		return nil, db.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) SessionByID(_ context.Context, siteID, sessionID, month string) (*db.Session, error) {
	s, ok := m.sessions[sessionID]
	if !ok || s.SiteID != siteID || s.CreatedMonth != month {
		return nil, db.ErrNotFound
	}
	return s, nil
}

func (m *memStore) UpdateCallVersioned(_ context.Context, siteID, callID string, expected int64, ch db.CallChanges, _ time.Time) (int64, error) {
	c, ok := m.calls[callID]
	if !ok || c.SiteID != siteID {
		return 0, db.ErrNotFound
	}
	if c.Version != expected {
		return 0, db.ErrVersionConflict
	}
	c.Version++
	if ch.Status != "" {
		c.Status = ch.Status
	}
	if ch.Stage != "" {
		c.Stage = ch.Stage
	}
	if ch.Star != nil {
		c.Star = ch.Star
	}
	if ch.SaleAmountCents != nil {
		c.SaleAmountCents = ch.SaleAmountCents
	}
	return c.Version, nil
}

func (m *memStore) InsertQueueJob(_ context.Context, job *db.ConversionQueueJob) error {
	k := job.SiteID + "|" + job.CallID + "|" + job.ProviderKey
	if m.keys[k] {
		return db.ErrDuplicate
	}
	m.keys[k] = true
	m.jobs = append(m.jobs, job)
	return nil
}

func ptr[T any](v T) *T { return &v }

func fixture() (*Service, *memStore, *metrics.Metrics) {
	store := newMemStore()
	store.sites["site-a"] = &db.Site{
		ID:       "site-a",
		Currency: "EUR",
		Plan: db.SitePlan{
			CanDispatch:    true,
			BaseValueCents: 10000,
			MinStar:        3,
			Stages:         datatypes.JSON(`[{"name":"qualified","value_cents":1500},{"name":"booked","value_cents":0},{"name":"junk","terminal":true}]`),
		},
	}
	sessionID := "sess-1"
	store.sessions[sessionID] = &db.Session{ID: sessionID, SiteID: "site-a", CreatedMonth: "2026-03", Attribution: datatypes.JSON(`{"gclid":"session-gclid"}`)}
	store.calls["call-1"] = &db.Call{ID: "call-1", SiteID: "site-a", Version: 1, MarketingConsent: true, MatchedSessionID: &sessionID, MatchedSessionMonth: "2026-03"}

	m := metrics.New(prometheus.NewRegistry())
	svc := NewService(store, m, zerolog.Nop(), func() time.Time { return enqueueNow })
	return svc, store, m
}

func TestEnqueueSealWithStarWeight(t *testing.T) {
	svc, store, m := fixture()

	res, err := svc.Enqueue(context.Background(), "site-a", "call-1", Action{Star: ptr(4), ExpectedVersion: 1})
	require.NoError(t, err)
	assert.True(t, res.Enqueued)
	assert.Equal(t, int64(2), res.Version)

	require.Len(t, store.jobs, 1)
	job := store.jobs[0]
	assert.Equal(t, int64(15000), job.ValueCents)
	assert.Equal(t, "EUR", job.Currency)
	assert.Equal(t, "session-gclid", job.Gclid)
	assert.Equal(t, DefaultProvider, job.ProviderKey)
	assert.Equal(t, db.JobQueued, job.Status)
	assert.Equal(t, db.CallConfirmed, store.calls["call-1"].Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EnqueueOutcomes.WithLabelValues(ReasonEnqueued)))
}

func TestEnqueueExplicitAmountWins(t *testing.T) {
	svc, store, _ := fixture()

	res, err := svc.Enqueue(context.Background(), "site-a", "call-1", Action{Stage: "qualified", AmountCents: ptr(int64(99900)), ExpectedVersion: 1})
	require.NoError(t, err)
	assert.True(t, res.Enqueued)
	assert.Equal(t, int64(99900), store.jobs[0].ValueCents)
	assert.Equal(t, "qualified", store.jobs[0].Stage)
	assert.Equal(t, int64(99900), *store.calls["call-1"].SaleAmountCents)
}

func TestEnqueueDynamicStageValue(t *testing.T) {
	svc, store, _ := fixture()

	res, err := svc.Enqueue(context.Background(), "site-a", "call-1", Action{Stage: "Qualified", ExpectedVersion: 1})
	require.NoError(t, err)
	assert.True(t, res.Enqueued)
	assert.Equal(t, int64(1500), store.jobs[0].ValueCents)
	assert.Equal(t, "qualified", store.calls["call-1"].Status)
}

func TestEnqueueDirectCallClickIDPreferred(t *testing.T) {
	svc, store, _ := fixture()
	store.calls["call-1"].ClickIDs = datatypes.JSON(`{"gclid":"call-gclid"}`)

	_, err := svc.Enqueue(context.Background(), "site-a", "call-1", Action{Star: ptr(5), ExpectedVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, "call-gclid", store.jobs[0].Gclid)
}

func TestEnqueueSkips(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(*memStore)
		action  Action
		reason  string
		status  string
	}{
		{
			name:   "zero amount and no star",
			action: Action{AmountCents: ptr(int64(0)), ExpectedVersion: 1},
			reason: ReasonStarBelow,
			status: db.CallConfirmed,
		},
		{
			name:   "star below minimum",
			action: Action{Star: ptr(2), ExpectedVersion: 1},
			reason: ReasonStarBelow,
			status: db.CallConfirmed,
		},
		{
			name: "no click id anywhere",
			prepare: func(m *memStore) {
				m.calls["call-1"].MatchedSessionID = nil
			},
			action: Action{Star: ptr(5), ExpectedVersion: 1},
			reason: ReasonNoClickID,
			status: db.CallConfirmed,
		},
		{
			name: "marketing consent missing",
			prepare: func(m *memStore) {
				m.calls["call-1"].MarketingConsent = false
			},
			action: Action{Star: ptr(5), ExpectedVersion: 1},
			reason: ReasonConsentRequired,
			status: db.CallConfirmed,
		},
		{
			name:   "junk stage",
			action: Action{Stage: "junk", AmountCents: ptr(int64(5000)), ExpectedVersion: 1},
			reason: ReasonJunkStage,
			status: db.CallJunk,
		},
		{
			name:   "zero valued stage",
			action: Action{Stage: "booked", ExpectedVersion: 1},
			reason: ReasonZeroValue,
			status: "booked",
		},
		{
			name: "dispatch not entitled",
			prepare: func(m *memStore) {
				m.sites["site-a"].Plan.CanDispatch = false
			},
			action: Action{Star: ptr(5), ExpectedVersion: 1},
			reason: ReasonNotEntitled,
			status: db.CallConfirmed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := fixture()
			if tt.prepare != nil {
				tt.prepare(store)
			}
			res, err := svc.Enqueue(context.Background(), "site-a", "call-1", tt.action)
			require.NoError(t, err)
			assert.False(t, res.Enqueued)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Empty(t, store.jobs, "no queue row on skip")
			assert.Equal(t, tt.status, store.calls["call-1"].Status, "operator action is still recorded")
			assert.Equal(t, int64(2), res.Version)
		})
	}
}

func TestEnqueueVersionConflict(t *testing.T) {
	svc, store, _ := fixture()
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, "site-a", "call-1", Action{Star: ptr(5), ExpectedVersion: 1})
	require.NoError(t, err)

	_, err = svc.Enqueue(ctx, "site-a", "call-1", Action{Star: ptr(4), ExpectedVersion: 1})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConcurrencyConflict, apperr.KindOf(err))
	assert.Len(t, store.jobs, 1, "a conflicting action never queues")
	assert.Equal(t, 5, *store.calls["call-1"].Star)
}

func TestEnqueueDuplicateIsNoop(t *testing.T) {
	svc, store, _ := fixture()
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, "site-a", "call-1", Action{Star: ptr(5), ExpectedVersion: 1})
	require.NoError(t, err)
	res, err := svc.Enqueue(ctx, "site-a", "call-1", Action{Star: ptr(5), ExpectedVersion: 2})
	require.NoError(t, err)
	assert.False(t, res.Enqueued)
	assert.Equal(t, ReasonDuplicate, res.Reason)
	assert.Equal(t, int64(3), res.Version)
	assert.Len(t, store.jobs, 1)
}

func TestEnqueueOnePerProvider(t *testing.T) {
	svc, store, _ := fixture()
	store.sites["site-a"].Providers = datatypes.JSONSlice[string]{"google_ads", "meta_capi"}

	res, err := svc.Enqueue(context.Background(), "site-a", "call-1", Action{Star: ptr(3), ExpectedVersion: 1})
	require.NoError(t, err)
	assert.True(t, res.Enqueued)
	require.Len(t, store.jobs, 2)
	assert.Equal(t, "meta_capi", store.jobs[1].ProviderKey)
}

func TestEnqueueValidation(t *testing.T) {
	tests := []struct {
		name   string
		callID string
		action Action
		reason string
	}{
		{"missing version", "call-1", Action{Star: ptr(5)}, "version_required"},
		{"negative amount", "call-1", Action{AmountCents: ptr(int64(-1)), ExpectedVersion: 1}, "invalid_amount"},
		{"star out of range", "call-1", Action{Star: ptr(9), ExpectedVersion: 1}, "invalid_star"},
		{"unknown stage", "call-1", Action{Stage: "teleported", ExpectedVersion: 1}, "unknown_stage"},
		{"unknown call", "call-404", Action{Star: ptr(5), ExpectedVersion: 1}, "call_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := fixture()
			_, err := svc.Enqueue(context.Background(), "site-a", tt.callID, tt.action)
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
			assert.Equal(t, tt.reason, apperr.ReasonOf(err))
			assert.Equal(t, int64(1), store.calls["call-1"].Version)
		})
	}
}

func TestEnqueueIsTenantScoped(t *testing.T) {
	svc, store, _ := fixture()
	store.sites["site-b"] = &db.Site{ID: "site-b", Plan: db.SitePlan{CanDispatch: true, MinStar: 1}}

	_, err := svc.Enqueue(context.Background(), "site-b", "call-1", Action{Star: ptr(5), ExpectedVersion: 1})
	require.Error(t, err)
	assert.Equal(t, "call_not_found", apperr.ReasonOf(err))
	assert.Empty(t, store.jobs)
}
