package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserBalance is the materialized per-user balance projection. It is only
// ever written in the same transaction as the ledger entry that changed it.
type UserBalance struct {
	UserID         string    `gorm:"primaryKey"`
	BalanceCredits int64     `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (UserBalance) TableName() string { return "user_balances" }

// LedgerEntry mirrors the ledger_entries table. Rows are append-only.
type LedgerEntry struct {
	EntryID           string         `gorm:"type:uuid;primaryKey"`
	UserID            string         `gorm:"not null;index:idx_ledger_user_created,priority:1"`
	Kind              string         `gorm:"not null"`
	AmountCredits     int64          `gorm:"not null"`
	Reason            string         `gorm:""`
	ExternalReference *string        `gorm:"index:uniq_ledger_external_reference,unique"`
	RequestID         *string        `gorm:"index"`
	Metadata          datatypes.JSON `gorm:"not null"`
	CreatedAt         time.Time      `gorm:"not null;index:idx_ledger_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// TuningRequest mirrors the tuning_requests table.
type TuningRequest struct {
	RequestID        string    `gorm:"type:uuid;primaryKey"`
	UserID           string    `gorm:"not null;index;index:uniq_request_user_idem,unique,priority:1"`
	ManufacturerID   string    `gorm:"not null"`
	ModelID          string    `gorm:"not null"`
	ProductionYear   int       `gorm:"not null"`
	OriginalFileRef  string    `gorm:"not null"`
	ProcessedFileRef *string   `gorm:""`
	Status           string    `gorm:"not null;index"`
	Priority         int       `gorm:"not null;default:0"`
	CreditsCharged   int64     `gorm:"not null"`
	AdminMessage     *string   `gorm:""`
	IdempotencyKey   *string   `gorm:"index:uniq_request_user_idem,unique,priority:2"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (TuningRequest) TableName() string { return "tuning_requests" }

func (request *TuningRequest) BeforeCreate(tx *gorm.DB) error {
	if request.RequestID == "" {
		request.RequestID = uuid.NewString()
	}
	return nil
}

// RequestOption is the request/option join, fixed at submission time.
type RequestOption struct {
	RequestID  string `gorm:"type:uuid;primaryKey"`
	OptionID   string `gorm:"primaryKey"`
	CreditCost int64  `gorm:"not null"`
}

func (RequestOption) TableName() string { return "request_options" }

// TuningOption mirrors the read-mostly option catalog.
type TuningOption struct {
	OptionID    string `gorm:"primaryKey"`
	Name        string `gorm:"not null"`
	Description string `gorm:""`
	CreditCost  int64  `gorm:"not null"`
}

func (TuningOption) TableName() string { return "tuning_options" }

// Models lists every table for schema migration.
func Models() []any {
	return []any{
		&UserBalance{},
		&LedgerEntry{},
		&TuningRequest{},
		&RequestOption{},
		&TuningOption{},
	}
}
