package db

import (
	"context"
)

// SiteByPublicID resolves an external site identifier to the active tenant
// row with its plan.
func (s *Store) SiteByPublicID(ctx context.Context, publicID string) (*Site, error) {
	var site Site
	err := s.db.WithContext(ctx).
		Where("public_id = ? AND active = ?", publicID, true).
		Preload("Plan").
		First(&site).Error
	if err != nil {
		return nil, translate(err)
	}
	return &site, nil
}

// SiteByID loads a site by its internal id.
func (s *Store) SiteByID(ctx context.Context, siteID string) (*Site, error) {
	var site Site
	err := s.db.WithContext(ctx).
		Where("id = ?", siteID).
		Preload("Plan").
		First(&site).Error
	if err != nil {
		return nil, translate(err)
	}
	return &site, nil
}
