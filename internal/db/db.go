package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"callsignal/internal/config"
)

// Connect opens a GORM database connection using APP_DATABASE_URL (PostgreSQL URL).
func Connect(cfg *config.Config) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn == "" {
		return nil, errors.New("APP_DATABASE_URL is required (PostgreSQL URL)")
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return nil, errors.New("APP_DATABASE_URL must be a postgres:// or postgresql:// URL")
	}

	// PrepareStmt: true prevents the GORM postgres migrator from forcing simple protocol
	// for "SELECT * FROM table LIMIT 1", which would otherwise trigger "insufficient arguments".
	// TranslateError maps unique violations onto gorm.ErrDuplicatedKey.
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate auto-migrates the ledger tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Site{},
		&SitePlan{},
		&IdempotencyRecord{},
		&Session{},
		&Event{},
		&Call{},
		&ConversionQueueJob{},
		&MonthlyUsage{},
		&UsageCounter{},
		&ReconciliationJob{},
	)
}

// Store is the gorm-backed ledger. Every query is scoped by site id.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

type txKey struct{}

// conn returns the transaction carried by ctx, or the pool.
func (s *Store) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

// InTx runs fn in one transaction. Store calls made with the context handed
// to fn join it; an error from fn rolls all of them back.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// BootstrapSite describes a tenant to create at startup when it does not
// exist yet. Used for local development and smoke tests.
type BootstrapSite struct {
	PublicID          string
	Name              string
	APIKey            string
	CallSigningSecret string
	MonthlyLimit      int64
}

// EnsureBootstrapSite makes sure a site with the given public id exists. If
// it already exists it is left as-is.
func (s *Store) EnsureBootstrapSite(ctx context.Context, b BootstrapSite) error {
	if b.PublicID == "" {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&Site{}).Where("public_id = ?", b.PublicID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	var hash []byte
	if b.APIKey != "" {
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(b.APIKey), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
	}
	limit := b.MonthlyLimit
	if limit <= 0 {
		limit = 10000
	}

	site := &Site{
		PublicID:          b.PublicID,
		Name:              b.Name,
		APIKeyHash:        string(hash),
		CallSigningSecret: b.CallSigningSecret,
		Currency:          "USD",
		Active:            true,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Plan").Create(site).Error; err != nil {
			return fmt.Errorf("create site: %w", err)
		}
		plan := &SitePlan{
			SiteID:            site.ID,
			MonthlyLimit:      limit,
			HardCapMultiplier: 2,
			CanIngest:         true,
			CanAttribute:      true,
			CanDispatch:       true,
			MinStar:           3,
		}
		return tx.Create(plan).Error
	})
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	default:
		return err
	}
}
