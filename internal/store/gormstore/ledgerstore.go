package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ecuworks/tuneportal/pkg/credits"
)

// LedgerStore implements credits.Store using GORM.
type LedgerStore struct {
	db *gorm.DB
}

// NewLedgerStore returns a ledger view over the given connection.
func NewLedgerStore(db *gorm.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *LedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &LedgerStore{db: transaction})
	})
}

func (store *LedgerStore) Balance(ctx context.Context, userID string) (credits.Credits, bool, error) {
	return store.readBalance(ctx, userID, false)
}

func (store *LedgerStore) BalanceForUpdate(ctx context.Context, userID string) (credits.Credits, bool, error) {
	return store.readBalance(ctx, userID, true)
}

func (store *LedgerStore) readBalance(ctx context.Context, userID string, lock bool) (credits.Credits, bool, error) {
	query := store.db.WithContext(ctx)
	if lock {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row UserBalance
	err := query.Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return credits.Credits(row.BalanceCredits), true, nil
}

func (store *LedgerStore) ApplyBalanceDelta(ctx context.Context, userID string, delta credits.Credits, atUnixUTC int64) error {
	row := UserBalance{
		UserID:         userID,
		BalanceCredits: delta.Int64(),
		UpdatedAt:      time.Unix(atUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"balance_credits": clause.Expr{SQL: "user_balances.balance_credits + excluded.balance_credits"},
				"updated_at":      clause.Expr{SQL: "excluded.updated_at"},
			}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, err)
	}
	return nil
}

func (store *LedgerStore) InsertEntry(ctx context.Context, entry credits.Entry) (credits.Entry, error) {
	var externalReference *string
	if entry.ExternalReference != "" {
		value := entry.ExternalReference
		externalReference = &value
	}
	var requestID *string
	if entry.RequestID != "" {
		value := entry.RequestID
		requestID = &value
	}
	row := LedgerEntry{
		EntryID:           entry.EntryID,
		UserID:            entry.UserID,
		Kind:              entry.Kind.String(),
		AmountCredits:     entry.Amount.Int64(),
		Reason:            entry.Reason,
		ExternalReference: externalReference,
		RequestID:         requestID,
		Metadata:          datatypesJSON(entry.MetadataJSON),
		CreatedAt:         time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if uniqueViolation(err, constraintLedgerExternalReference) {
		return credits.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, credits.ErrDuplicateCharge)
	}
	if err != nil {
		return credits.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return mapLedgerEntry(row), nil
}

func (store *LedgerStore) ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]credits.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]credits.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapLedgerEntry(row))
	}
	return entries, nil
}

func mapLedgerEntry(row LedgerEntry) credits.Entry {
	externalReference := ""
	if row.ExternalReference != nil {
		externalReference = *row.ExternalReference
	}
	requestID := ""
	if row.RequestID != nil {
		requestID = *row.RequestID
	}
	return credits.Entry{
		EntryID:           row.EntryID,
		UserID:            row.UserID,
		Kind:              credits.EntryKind(row.Kind),
		Amount:            credits.Credits(row.AmountCredits),
		Reason:            row.Reason,
		ExternalReference: externalReference,
		RequestID:         requestID,
		MetadataJSON:      string(row.Metadata),
		CreatedUnixUTC:    row.CreatedAt.Unix(),
	}
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON([]byte(raw))
}
