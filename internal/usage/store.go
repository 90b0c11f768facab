package usage

import (
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store handles ledger database operations.
type Store struct {
	db *gorm.DB
}

// Open connects to Postgres and migrates the ledger schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewStore(db)
}

// NewStore wraps an existing gorm handle and migrates the schema. Tests use
// this with an in-memory database.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record appends one metered request. The unique request ID makes retried
// writes no-ops rather than duplicate revenue.
func (s *Store) Record(e *Entry) error {
	err := s.db.Create(e).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

// ByPaymentHash lists every entry charged against one session.
func (s *Store) ByPaymentHash(paymentHash string) ([]Entry, error) {
	var entries []Entry
	if err := s.db.Where("payment_hash = ?", paymentHash).Order("created_at ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// ListRecent returns the newest entries, capped at limit.
func (s *Store) ListRecent(limit int) ([]Entry, error) {
	var entries []Entry
	if err := s.db.Order("created_at DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// SummaryFor aggregates the ledger for one provider; pass "" for all.
func (s *Store) SummaryFor(provider string) (*Summary, error) {
	q := s.db.Model(&Entry{})
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}
	var sum Summary
	err := q.Select(
		"COUNT(*) AS requests, " +
			"COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens, " +
			"COALESCE(SUM(completion_tokens), 0) AS completion_tokens, " +
			"COALESCE(SUM(sats), 0) AS sats").
		Scan(&sum).Error
	if err != nil {
		return nil, err
	}
	return &sum, nil
}
