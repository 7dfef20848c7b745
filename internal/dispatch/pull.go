package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"callsignal/internal/apperr"
	"callsignal/internal/db"
)

const (
	defaultExportLimit = 50
	maxExportLimit     = 500
	maxAckIDs          = 500
)

// ExportedJob is a claimed job as handed to a pull consumer.
type ExportedJob struct {
	ID             string    `json:"id"`
	CallID         string    `json:"call_id"`
	Provider       string    `json:"provider"`
	Stage          string    `json:"stage,omitempty"`
	ValueCents     int64     `json:"value_cents"`
	Currency       string    `json:"currency"`
	Gclid          string    `json:"gclid,omitempty"`
	Wbraid         string    `json:"wbraid,omitempty"`
	Gbraid         string    `json:"gbraid,omitempty"`
	ConversionTime time.Time `json:"conversion_time"`
	Attempt        int       `json:"attempt"`
}

// Pull is the two-phase delivery flow: export claims rows, ack and
// ack-failed resolve them. All calls are scoped to one site.
type Pull struct {
	store Store
	now   func() time.Time
}

func NewPull(store Store) *Pull {
	return &Pull{store: store, now: time.Now}
}

// Export claims up to limit eligible jobs of the site and provider.
func (p *Pull) Export(ctx context.Context, siteID, providerKey string, limit int) ([]ExportedJob, error) {
	providerKey = strings.TrimSpace(providerKey)
	if providerKey == "" {
		return nil, apperr.Validation("provider_required")
	}
	if limit <= 0 {
		limit = defaultExportLimit
	}
	if limit > maxExportLimit {
		limit = maxExportLimit
	}

	jobs, err := p.store.ClaimJobs(ctx, siteID, providerKey, limit, p.now().UTC())
	if err != nil {
		return nil, apperr.Internal("claim", err)
	}
	out := make([]ExportedJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, ExportedJob{
			ID:             j.ExternalID,
			CallID:         j.CallID,
			Provider:       j.ProviderKey,
			Stage:          j.Stage,
			ValueCents:     j.ValueCents,
			Currency:       j.Currency,
			Gclid:          j.Gclid,
			Wbraid:         j.Wbraid,
			Gbraid:         j.Gbraid,
			ConversionTime: j.ConversionTime,
			Attempt:        j.AttemptCount + 1,
		})
	}
	return out, nil
}

// Ack completes exported jobs. Unknown, foreign or already resolved ids
// are ignored, so repeating an ack is harmless.
func (p *Pull) Ack(ctx context.Context, siteID string, ids []string) (int64, error) {
	if err := validateIDs(ids); err != nil {
		return 0, err
	}
	n, err := p.store.AckJobs(ctx, siteID, ids, p.now().UTC())
	if err != nil {
		return 0, apperr.Internal("ack", err)
	}
	return n, nil
}

// AckFailed fails exported jobs that are still PROCESSING.
func (p *Pull) AckFailed(ctx context.Context, siteID string, ids []string, category, code string) (int64, error) {
	if err := validateIDs(ids); err != nil {
		return 0, err
	}
	category = strings.ToUpper(strings.TrimSpace(category))
	switch category {
	case db.CategoryValidation, db.CategoryAuth, db.CategoryTransient:
	case "":
		category = db.CategoryValidation
	default:
		return 0, apperr.Validation("invalid_category")
	}
	n, err := p.store.AckJobsFailed(ctx, siteID, ids, category, code, p.now().UTC())
	if err != nil {
		return 0, apperr.Internal("ack_failed", err)
	}
	return n, nil
}

func validateIDs(ids []string) error {
	if len(ids) == 0 {
		return apperr.Validation("ids_required")
	}
	if len(ids) > maxAckIDs {
		return apperr.Validation("too_many_ids")
	}
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return apperr.Validation("invalid_id")
		}
	}
	return nil
}
