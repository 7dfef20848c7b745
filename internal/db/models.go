package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Billing states of an IdempotencyRecord.
const (
	BillingAccepted = "ACCEPTED"
	BillingOverage  = "OVERAGE"
)

// Queue job states. QUEUED is initial; COMPLETED and FAILED are terminal.
const (
	JobQueued     = "QUEUED"
	JobProcessing = "PROCESSING"
	JobRetry      = "RETRY"
	JobCompleted  = "COMPLETED"
	JobFailed     = "FAILED"
)

// Error categories recorded on failed or retried queue jobs.
const (
	CategoryValidation = "VALIDATION"
	CategoryTransient  = "TRANSIENT"
	CategoryAuth       = "AUTH"
)

// Reconciliation job states.
const (
	ReconcilePending    = "PENDING"
	ReconcileProcessing = "PROCESSING"
	ReconcileCompleted  = "COMPLETED"
	ReconcileFailed     = "FAILED"
)

// Call statuses. Dynamic stage names are stored verbatim in Status as well.
const (
	CallIntent     = "intent"
	CallSuspicious = "suspicious"
	CallConfirmed  = "confirmed"
	CallJunk       = "junk"
)

// Site is a tenant. It is addressed externally only by PublicID; ID never
// leaves the service.
type Site struct {
	ID string `gorm:"primaryKey;size:36"`

	CreatedAt time.Time
	UpdatedAt time.Time

	PublicID string `gorm:"uniqueIndex;size:64;not null"`
	Name     string `gorm:"size:128;not null"`

	// APIKeyHash is the bcrypt hash of the shared key used by the
	// export/ack integration during the handshake.
	APIKeyHash string `gorm:"size:255"`

	// CallSigningSecret verifies HMAC signatures on call events. An empty
	// secret rejects every signed call event for the site.
	CallSigningSecret string `gorm:"size:255"`

	Currency  string                      `gorm:"size:3;not null;default:USD"`
	Providers datatypes.JSONSlice[string] `gorm:"type:json"`
	Active    bool                        `gorm:"default:true"`

	Plan SitePlan `gorm:"foreignKey:SiteID"`
}

func (s *Site) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// SitePlan carries per-tenant entitlements. Read-only to the pipeline.
type SitePlan struct {
	SiteID string `gorm:"primaryKey;size:36"`

	MonthlyLimit      int64   `gorm:"not null;default:10000"`
	SoftLimitEnabled  bool    `gorm:"not null;default:false"`
	HardCapMultiplier float64 `gorm:"not null;default:2"`

	CanIngest    bool `gorm:"not null;default:true"`
	CanAttribute bool `gorm:"not null;default:true"`
	CanDispatch  bool `gorm:"not null;default:true"`

	// Legacy seal valuation: BaseValueCents x StarWeights[star] when
	// star >= MinStar.
	BaseValueCents int64          `gorm:"not null;default:0"`
	MinStar        int            `gorm:"not null;default:3"`
	StarWeights    datatypes.JSON `gorm:"type:json"`

	// Stages is the configurable playbook: a list of {name, value_cents,
	// terminal} objects.
	Stages datatypes.JSON `gorm:"type:json"`
}

// IdempotencyRecord is the billing ledger. At most one row per (site, key).
type IdempotencyRecord struct {
	ID uint `gorm:"primaryKey"`

	SiteID string `gorm:"size:36;not null;uniqueIndex:idx_idem_key,priority:1;index:idx_idem_usage,priority:1"`
	Key    string `gorm:"size:64;not null;uniqueIndex:idx_idem_key,priority:2"`

	Billable     bool   `gorm:"not null;default:true;index:idx_idem_usage,priority:3"`
	BillingState string `gorm:"size:16;not null;default:ACCEPTED"`
	YearMonth    string `gorm:"size:7;not null;index:idx_idem_usage,priority:2"`

	CreatedAt time.Time `gorm:"index"`
}

// Session is a browsing session. Only the rolling counters change after
// creation.
type Session struct {
	ID     string `gorm:"primaryKey;size:36"`
	SiteID string `gorm:"size:36;not null;index:idx_session_site_month,priority:1"`

	// CreatedMonth is the partition key (YYYY-MM).
	CreatedMonth string `gorm:"size:7;not null;index:idx_session_site_month,priority:2"`
	Fingerprint  string `gorm:"size:128;index"`

	// Attribution holds click ids and UTM terms as captured on landing.
	Attribution datatypes.JSON `gorm:"type:json"`

	DurationSeconds int `gorm:"not null;default:0"`
	MaxScrollDepth  int `gorm:"not null;default:0"`
	EventCount      int `gorm:"not null;default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is one admitted visitor interaction.
type Event struct {
	ID uint `gorm:"primaryKey"`

	SiteID       string `gorm:"size:36;not null;index:idx_event_fp,priority:1;index:idx_event_session,priority:1"`
	SessionID    string `gorm:"size:36;not null;index:idx_event_session,priority:2"`
	SessionMonth string `gorm:"size:7;not null"`
	Fingerprint  string `gorm:"size:128;index:idx_event_fp,priority:2"`

	Category string `gorm:"size:32;not null"`
	Action   string `gorm:"size:64"`
	Score    int    `gorm:"not null;default:0"`
	URL      string `gorm:"size:2048"`

	CreatedAt time.Time `gorm:"index:idx_event_fp,priority:3"`
}

// Call is a phone/WhatsApp intent or an operator-confirmed sale. Never hard
// deleted. Version is the optimistic concurrency token.
type Call struct {
	ID     string `gorm:"primaryKey;size:36"`
	SiteID string `gorm:"size:36;not null;index"`

	// MatchedSessionID is a weak reference, not ownership.
	MatchedSessionID    *string `gorm:"size:36"`
	MatchedSessionMonth string  `gorm:"size:7"`

	Fingerprint string `gorm:"size:128"`
	Phone       string `gorm:"size:64"`
	Channel     string `gorm:"size:32"`

	// ClickIDs captured directly on the call event, if any.
	ClickIDs datatypes.JSON `gorm:"type:json"`

	Status string `gorm:"size:32;not null;default:intent"`
	Stage  string `gorm:"size:64"`
	Star   *int

	LeadScore      int            `gorm:"not null;default:0"`
	Confidence     int            `gorm:"not null;default:0"`
	ScoreBreakdown datatypes.JSON `gorm:"type:json"`

	Version int64 `gorm:"not null;default:1"`

	SaleAmountCents *int64
	Currency        string `gorm:"size:3"`

	AnalyticsConsent bool `gorm:"not null;default:false"`
	MarketingConsent bool `gorm:"not null;default:false"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c *Call) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Version == 0 {
		c.Version = 1
	}
	return nil
}

// ConversionQueueJob is one pending delivery of a conversion to a provider.
// Unique per (site, call, provider); transitions belong to the dispatch
// worker and the export/ack flow.
type ConversionQueueJob struct {
	ID uint `gorm:"primaryKey"`

	// ExternalID is the entity id handed to pull consumers for ack.
	ExternalID string `gorm:"size:36;not null;uniqueIndex"`

	SiteID      string `gorm:"size:36;not null;uniqueIndex:idx_queue_call,priority:1;index:idx_queue_eligible,priority:1"`
	CallID      string `gorm:"size:36;not null;uniqueIndex:idx_queue_call,priority:2"`
	ProviderKey string `gorm:"size:32;not null;uniqueIndex:idx_queue_call,priority:3;index:idx_queue_eligible,priority:2"`

	Status string `gorm:"size:16;not null;default:QUEUED;index:idx_queue_eligible,priority:3"`
	Stage  string `gorm:"size:64"`

	ValueCents int64  `gorm:"not null"`
	Currency   string `gorm:"size:3;not null"`
	Gclid      string `gorm:"size:255"`
	Wbraid     string `gorm:"size:255"`
	Gbraid     string `gorm:"size:255"`

	ConversionTime time.Time `gorm:"not null"`

	AttemptCount  int `gorm:"not null;default:0"`
	NextRetryAt   *time.Time
	ClaimedAt     *time.Time
	LastError     string `gorm:"size:1024"`
	ErrorCategory string `gorm:"size:16"`
	CompletedAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (j *ConversionQueueJob) BeforeCreate(_ *gorm.DB) error {
	if j.ExternalID == "" {
		j.ExternalID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = JobQueued
	}
	return nil
}

// MonthlyUsage is written only by the reconciler; its counts are always
// recomputed from IdempotencyRecord.
type MonthlyUsage struct {
	SiteID    string `gorm:"primaryKey;size:36"`
	YearMonth string `gorm:"primaryKey;size:7"`

	EventCount   int64 `gorm:"not null;default:0"`
	OverageCount int64 `gorm:"not null;default:0"`
	LastSyncedAt time.Time
}

// UsageCounter is the metered counter the ingestion gate increments with a
// server-side compare against the entitlement limit.
type UsageCounter struct {
	SiteID    string `gorm:"primaryKey;size:36"`
	YearMonth string `gorm:"primaryKey;size:7"`

	Count     int64 `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

// ReconciliationJob is one (site, month) reconciliation request. At most one
// PENDING row exists per key.
type ReconciliationJob struct {
	ID uint `gorm:"primaryKey"`

	SiteID    string `gorm:"size:36;not null;uniqueIndex:idx_recon_pending,where:status = 'PENDING'"`
	YearMonth string `gorm:"size:7;not null;uniqueIndex:idx_recon_pending,where:status = 'PENDING'"`

	Status    string `gorm:"size:16;not null;default:PENDING;index"`
	LastError string `gorm:"size:1024"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
