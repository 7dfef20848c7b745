package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// YearMonth is the partition and billing key format (UTC, YYYY-MM).
func YearMonth(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// PreviousYearMonth is the billing month before t's.
func PreviousYearMonth(t time.Time) string {
	t = t.UTC()
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return YearMonth(first.AddDate(0, -1, 0))
}

// MonthEnd is the first instant of the month after t's.
func MonthEnd(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// NewEvent is an admitted interaction ready to be stored.
type NewEvent struct {
	SiteID      string
	SessionID   string
	Fingerprint string
	Category    string
	Action      string
	URL         string
	Score       int
	Attribution datatypes.JSON

	DurationSeconds int
	ScrollDepth     int

	At time.Time
}

// RecordEvent stores the event and creates or rolls up its session. An
// unknown session id starts a new session under that id; an id already
// taken outside the site starts one under a fresh id, so foreign session
// ids are neither joined nor revealed.
func (s *Store) RecordEvent(ctx context.Context, in NewEvent) (*Event, error) {
	var stored Event
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		session, found, err := findSession(tx, in.SiteID, in.SessionID)
		if err != nil {
			return err
		}

		if !found {
			id := in.SessionID
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.NewString()
			}
			session, found, err = createSession(tx, in, id)
			if err != nil {
				return err
			}
		}
		if found {
			err := tx.Model(&Session{}).
				Where("site_id = ? AND id = ? AND created_month = ?", in.SiteID, session.ID, session.CreatedMonth).
				Updates(map[string]any{
					"duration_seconds": gorm.Expr("GREATEST(duration_seconds, ?)", in.DurationSeconds),
					"max_scroll_depth": gorm.Expr("GREATEST(max_scroll_depth, ?)", in.ScrollDepth),
					"event_count":      gorm.Expr("event_count + 1"),
					"updated_at":       in.At,
				}).Error
			if err != nil {
				return err
			}
		}

		stored = Event{
			SiteID:       in.SiteID,
			SessionID:    session.ID,
			SessionMonth: session.CreatedMonth,
			Fingerprint:  in.Fingerprint,
			Category:     in.Category,
			Action:       in.Action,
			Score:        in.Score,
			URL:          in.URL,
			CreatedAt:    in.At,
		}
		return tx.Create(&stored).Error
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func findSession(tx *gorm.DB, siteID, sessionID string) (Session, bool, error) {
	var session Session
	if sessionID == "" {
		return session, false, nil
	}
	res := tx.Where("site_id = ? AND id = ?", siteID, sessionID).Limit(1).Find(&session)
	if res.Error != nil {
		return session, false, res.Error
	}
	return session, res.RowsAffected > 0, nil
}

// createSession inserts the first-event session under id. existing is true
// when a concurrent first event of the same site created it meanwhile; the
// caller then rolls this event into it. An id held by another site is
// replaced with a fresh one.
func createSession(tx *gorm.DB, in NewEvent, id string) (session Session, existing bool, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		session = Session{
			ID:              id,
			SiteID:          in.SiteID,
			CreatedMonth:    YearMonth(in.At),
			Fingerprint:     in.Fingerprint,
			Attribution:     in.Attribution,
			DurationSeconds: in.DurationSeconds,
			MaxScrollDepth:  in.ScrollDepth,
			EventCount:      1,
			CreatedAt:       in.At,
			UpdatedAt:       in.At,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&session)
		if res.Error != nil {
			return session, false, res.Error
		}
		if res.RowsAffected > 0 {
			return session, false, nil
		}

		own, found, err := findSession(tx, in.SiteID, id)
		if err != nil {
			return session, false, err
		}
		if found {
			return own, true, nil
		}
		id = uuid.NewString()
	}
	return session, false, errors.New("session id collision")
}

// LatestEventByFingerprint returns the newest event of the site carrying
// fingerprint within [since, until], ties broken by id. ErrNotFound when
// there is none.
func (s *Store) LatestEventByFingerprint(ctx context.Context, siteID, fingerprint string, since, until time.Time) (*Event, error) {
	var ev Event
	err := s.db.WithContext(ctx).
		Where("site_id = ? AND fingerprint = ? AND created_at >= ? AND created_at <= ?", siteID, fingerprint, since, until).
		Order("created_at DESC").
		Order("id DESC").
		First(&ev).Error
	if err != nil {
		return nil, translate(err)
	}
	return &ev, nil
}

// SessionByID loads a session scoped by site and partition month.
func (s *Store) SessionByID(ctx context.Context, siteID, sessionID, month string) (*Session, error) {
	var session Session
	err := s.db.WithContext(ctx).
		Where("site_id = ? AND id = ? AND created_month = ?", siteID, sessionID, month).
		First(&session).Error
	if err != nil {
		return nil, translate(err)
	}
	return &session, nil
}

// SessionEvents lists a session's events oldest first.
func (s *Store) SessionEvents(ctx context.Context, siteID, sessionID, month string) ([]Event, error) {
	var events []Event
	err := s.db.WithContext(ctx).
		Where("site_id = ? AND session_id = ? AND session_month = ?", siteID, sessionID, month).
		Order("created_at ASC").
		Order("id ASC").
		Find(&events).Error
	return events, err
}
