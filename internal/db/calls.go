package db

import (
	"context"
	"time"
)

// CreateCall inserts a new call row.
func (s *Store) CreateCall(ctx context.Context, call *Call) error {
	return translate(s.db.WithContext(ctx).Create(call).Error)
}

// CallByID loads a call scoped by site.
func (s *Store) CallByID(ctx context.Context, siteID, callID string) (*Call, error) {
	var call Call
	err := s.db.WithContext(ctx).Where("site_id = ? AND id = ?", siteID, callID).First(&call).Error
	if err != nil {
		return nil, translate(err)
	}
	return &call, nil
}

// CallChanges is the operator-controlled subset of a call.
type CallChanges struct {
	Status          string
	Stage           string
	Star            *int
	SaleAmountCents *int64
}

// UpdateCallVersioned applies changes only when the stored version equals
// expected, bumping it by one. ErrVersionConflict when another writer got
// there first; ErrNotFound when the call does not exist for the site.
func (s *Store) UpdateCallVersioned(ctx context.Context, siteID, callID string, expected int64, ch CallChanges, now time.Time) (int64, error) {
	updates := map[string]any{
		"version":    expected + 1,
		"updated_at": now,
	}
	if ch.Status != "" {
		updates["status"] = ch.Status
	}
	if ch.Stage != "" {
		updates["stage"] = ch.Stage
	}
	if ch.Star != nil {
		updates["star"] = *ch.Star
	}
	if ch.SaleAmountCents != nil {
		updates["sale_amount_cents"] = *ch.SaleAmountCents
	}

	res := s.db.WithContext(ctx).
		Model(&Call{}).
		Where("site_id = ? AND id = ? AND version = ?", siteID, callID, expected).
		Updates(updates)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 1 {
		return expected + 1, nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&Call{}).Where("site_id = ? AND id = ?", siteID, callID).Count(&count).Error; err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, ErrNotFound
	}
	return 0, ErrVersionConflict
}
