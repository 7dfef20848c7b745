package ingest

import (
	"encoding/json"
	"strings"

	"callsignal/internal/apperr"
)

// Event categories. Heartbeats keep sessions alive but are never billed.
const (
	CategoryConversion  = "conversion"
	CategoryInteraction = "interaction"
	CategoryPageview    = "pageview"
	CategoryHeartbeat   = "heartbeat"
)

type Consent struct {
	Analytics bool `json:"analytics"`
	Marketing bool `json:"marketing"`
}

// Payload is one visitor interaction as posted by the tracking script.
type Payload struct {
	Site            string            `json:"site"`
	SessionID       string            `json:"session_id,omitempty"`
	Fingerprint     string            `json:"fingerprint"`
	Category        string            `json:"category"`
	Action          string            `json:"action,omitempty"`
	Score           int               `json:"score,omitempty"`
	URL             string            `json:"url,omitempty"`
	Attribution     map[string]string `json:"attribution,omitempty"`
	Consent         Consent           `json:"consent"`
	DurationSeconds int               `json:"duration_seconds,omitempty"`
	ScrollDepth     int               `json:"scroll_depth,omitempty"`
}

// Validate rejects payloads the gate cannot key or store.
func (p *Payload) Validate() error {
	p.Site = strings.TrimSpace(p.Site)
	p.Fingerprint = strings.TrimSpace(p.Fingerprint)
	p.Category = strings.ToLower(strings.TrimSpace(p.Category))

	switch {
	case p.Site == "":
		return apperr.Validation("site_required")
	case p.Fingerprint == "":
		return apperr.Validation("fingerprint_required")
	case len(p.Fingerprint) > 128:
		return apperr.Validation("fingerprint_too_long")
	case len(p.URL) > 2048:
		return apperr.Validation("url_too_long")
	case p.DurationSeconds < 0 || p.ScrollDepth < 0 || p.ScrollDepth > 100:
		return apperr.Validation("invalid_counters")
	}
	switch p.Category {
	case CategoryConversion, CategoryInteraction, CategoryPageview, CategoryHeartbeat:
	default:
		return apperr.Validation("invalid_category")
	}
	return nil
}

// Billable reports whether the event class counts toward usage.
func (p Payload) Billable() bool {
	return p.Category != CategoryHeartbeat
}

// normalized drops fields that must not split otherwise identical events.
func (p Payload) normalized() Payload {
	p.Site = ""
	p.Action = strings.TrimSpace(p.Action)
	p.URL = strings.TrimSpace(p.URL)
	if len(p.Attribution) == 0 {
		p.Attribution = nil
	}
	return p
}

// AttributionJSON encodes the landing attribution for the session row.
func (p Payload) AttributionJSON() []byte {
	if len(p.Attribution) == 0 {
		return nil
	}
	raw, _ := json.Marshal(p.Attribution)
	return raw
}
