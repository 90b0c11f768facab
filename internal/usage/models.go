// Package usage is the durable billing ledger. Redis holds the hot
// per-session counters; this package writes the permanent per-request record
// to Postgres so revenue survives a cache flush.
package usage

import (
	"time"
)

// Entry is one metered request.
type Entry struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentHash      string    `gorm:"index;not null" json:"payment_hash"`
	RequestID        string    `gorm:"uniqueIndex;not null" json:"request_id"`
	Provider         string    `gorm:"index;not null" json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `gorm:"not null" json:"prompt_tokens"`
	CompletionTokens int       `gorm:"not null" json:"completion_tokens"`
	Sats             int64     `gorm:"not null" json:"sats"`
	CreatedAt        time.Time `json:"created_at"`
}

// Summary aggregates the ledger for reporting.
type Summary struct {
	Requests         int64 `json:"requests"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	Sats             int64 `json:"sats"`
}
