package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"callsignal/internal/db"
)

type fakeLedger struct {
	mu        sync.Mutex
	records   map[string]*db.IdempotencyRecord
	nextID    uint
	counter   map[string]int64
	insertErr error
	incrErr   error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: map[string]*db.IdempotencyRecord{}, counter: map[string]int64{}}
}

func (f *fakeLedger) InsertIdempotency(_ context.Context, rec *db.IdempotencyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	k := rec.SiteID + "|" + rec.Key
	if _, ok := f.records[k]; ok {
		return db.ErrDuplicate
	}
	f.nextID++
	rec.ID = f.nextID
	cp := *rec
	f.records[k] = &cp
	return nil
}

func (f *fakeLedger) find(siteID string, id uint) *db.IdempotencyRecord {
	for _, r := range f.records {
		if r.SiteID == siteID && r.ID == id {
			return r
		}
	}
	return nil
}

func (f *fakeLedger) MarkNonBillable(_ context.Context, siteID string, id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r := f.find(siteID, id); r != nil {
		r.Billable = false
	}
	return nil
}

func (f *fakeLedger) MarkOverage(_ context.Context, siteID string, id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r := f.find(siteID, id); r != nil {
		r.BillingState = db.BillingOverage
	}
	return nil
}

func (f *fakeLedger) UsageCount(_ context.Context, siteID, ym string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter[siteID+"|"+ym], nil
}

func (f *fakeLedger) IncrementUsageChecked(_ context.Context, siteID, ym string, hardCap int64, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incrErr != nil {
		return 0, f.incrErr
	}
	k := siteID + "|" + ym
	if f.counter[k]+1 >= hardCap {
		return 0, db.ErrLimitReached
	}
	f.counter[k]++
	return f.counter[k], nil
}

func (f *fakeLedger) billable(siteID string) (billable, overage int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.SiteID != siteID || !r.Billable {
			continue
		}
		billable++
		if r.BillingState == db.BillingOverage {
			overage++
		}
	}
	return billable, overage
}

type fakeCache struct {
	values  map[string]int64
	readErr error
	incrs   int
}

func (c *fakeCache) GetUsage(_ context.Context, siteID, ym string) (int64, bool, error) {
	if c.readErr != nil {
		return 0, false, c.readErr
	}
	v, ok := c.values[siteID+"|"+ym]
	return v, ok, nil
}

func (c *fakeCache) IncrUsage(_ context.Context, siteID, ym string, _ time.Time) (int64, error) {
	c.incrs++
	if c.values == nil {
		c.values = map[string]int64{}
	}
	c.values[siteID+"|"+ym]++
	return c.values[siteID+"|"+ym], nil
}

type fakeSites map[string]*db.Site

func (f fakeSites) SiteByPublicID(_ context.Context, publicID string) (*db.Site, error) {
	if s, ok := f[publicID]; ok {
		return s, nil
	}
	return nil, db.ErrNotFound
}

type fakeEvents struct {
	stored []db.NewEvent
	err    error

	// failures makes the next n RecordEvent calls fail.
	failures int
}

func (f *fakeEvents) RecordEvent(_ context.Context, in db.NewEvent) (*db.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.failures > 0 {
		f.failures--
		return nil, errBoom
	}
	f.stored = append(f.stored, in)
	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = "generated-session"
	}
	return &db.Event{SiteID: in.SiteID, SessionID: sessionID, Fingerprint: in.Fingerprint}, nil
}

type fakeRate struct {
	allow bool
	retry time.Duration
	err   error
}

func (f fakeRate) AllowRate(context.Context, string, int, time.Duration, time.Time) (bool, time.Duration, error) {
	return f.allow, f.retry, f.err
}

var errBoom = errors.New("boom")

// fakeTx restores the ledger when fn fails, like a rolled back transaction.
type fakeTx struct {
	ledger *fakeLedger
}

func (f fakeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.ledger.mu.Lock()
	records := make(map[string]*db.IdempotencyRecord, len(f.ledger.records))
	for k, r := range f.ledger.records {
		cp := *r
		records[k] = &cp
	}
	counter := make(map[string]int64, len(f.ledger.counter))
	for k, v := range f.ledger.counter {
		counter[k] = v
	}
	nextID := f.ledger.nextID
	f.ledger.mu.Unlock()

	err := fn(ctx)
	if err != nil {
		f.ledger.mu.Lock()
		f.ledger.records, f.ledger.counter, f.ledger.nextID = records, counter, nextID
		f.ledger.mu.Unlock()
	}
	return err
}
