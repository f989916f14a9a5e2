package gormstore

import (
	"context"
	"errors"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/ecuworks/tuneportal/internal/catalog"
	"github.com/ecuworks/tuneportal/internal/submission"
	"github.com/ecuworks/tuneportal/internal/tuningreq"
	"github.com/ecuworks/tuneportal/pkg/credits"
)

const (
	constraintLedgerExternalReference = "uniq_ledger_external_reference"
	constraintRequestUserIdempotency  = "uniq_request_user_idem"
	pgUniqueViolationCode             = "23505"
	sqliteConstraintCode              = 19

	errorOperationStore  = "store"
	errorSubjectBalance  = "balance"
	errorSubjectEntry    = "entry"
	errorSubjectRequest  = "request"
	errorSubjectOption   = "option"
	errorCodeApplyDelta  = "apply_delta"
	errorCodeDuplicate   = "duplicate"
	errorCodeGet         = "get"
	errorCodeInsert      = "insert"
	errorCodeList        = "list"
	errorCodeLookup      = "lookup"
	errorCodeUpdate      = "update"
)

// Store is the unit-of-work root over one gorm.DB. It hands out
// transaction-scoped views of the ledger, request, and catalog tables so a
// submission can commit all of its writes together.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction spanning every table view.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore submission.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// Ledger returns the credit-ledger view sharing this store's connection.
func (store *Store) Ledger() credits.Store {
	return &LedgerStore{db: store.db}
}

// Requests returns the tuning-request view sharing this store's connection.
func (store *Store) Requests() tuningreq.Store {
	return &RequestStore{db: store.db}
}

// Catalog returns the read-only option catalog view.
func (store *Store) Catalog() catalog.Source {
	return &CatalogStore{db: store.db}
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func uniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
