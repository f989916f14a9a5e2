package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a signed amount of prepaid tuning credits.
type Credits int64

// Int64 returns the raw credit amount.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	KindPurchase   EntryKind = "purchase"
	KindUsage      EntryKind = "usage"
	KindAdjustment EntryKind = "adjustment"
)

// ParseEntryKind validates a raw kind string.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch EntryKind(raw) {
	case KindPurchase, KindUsage, KindAdjustment:
		return EntryKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
}

// String returns the kind as stored.
func (kind EntryKind) String() string {
	return string(kind)
}

// A single immutable line in the credit ledger.
type Entry struct {
	EntryID           string
	UserID            string
	Kind              EntryKind
	Amount            Credits
	Reason            string
	ExternalReference string
	RequestID         string
	MetadataJSON      string
	CreatedUnixUTC    int64
}

// AppendInput carries the caller-supplied fields of a new entry.
type AppendInput struct {
	UserID            string
	Kind              EntryKind
	Amount            Credits
	Reason            string
	ExternalReference string
	RequestID         string
	MetadataJSON      string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return trimmed, nil
}

// NewMetadataJSON validates a metadata blob (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (string, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return "", fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return normalized, nil
}

// Store is the persistence contract used by Service.
// All mutations inside one WithTx callback commit or roll back together.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// Balance reads the materialized balance row without locking it.
	Balance(ctx context.Context, userID string) (Credits, bool, error)
	// BalanceForUpdate reads the materialized balance row holding a row lock
	// until the enclosing transaction ends. Only the given user's row is locked.
	BalanceForUpdate(ctx context.Context, userID string) (Credits, bool, error)
	// ApplyBalanceDelta upserts the materialized balance row by the signed delta.
	ApplyBalanceDelta(ctx context.Context, userID string, delta Credits, atUnixUTC int64) error
	// InsertEntry persists the entry and returns it with its assigned id.
	// A purchase whose external reference was already recorded fails with
	// ErrDuplicateCharge.
	InsertEntry(ctx context.Context, entry Entry) (Entry, error)
	ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]Entry, error)
}
