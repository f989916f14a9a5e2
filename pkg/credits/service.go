package credits

import (
	"context"
	"fmt"
	"strings"
)

// Service contains the ledger domain logic over a Store.
//
// The materialized balance row is the single serialization point per user:
// every append locks it (when present) and updates it in the same transaction
// as the entry insert, so the balance never diverges from the entry sum.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the materialized balance for a user.
// A user with no ledger history fails with ErrNoBalance; callers that want
// "zero until first credit" semantics treat that as 0.
func (service *Service) Balance(ctx context.Context, rawUserID string) (Credits, error) {
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return 0, err
	}
	balance, found, err := service.store.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: user %s", ErrNoBalance, userID)
	}
	return balance, nil
}

// Append validates and persists one ledger entry in its own transaction,
// returning the stored entry and the resulting balance.
func (service *Service) Append(ctx context.Context, input AppendInput) (Entry, Credits, error) {
	var (
		stored    Entry
		remaining Credits
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		stored, remaining, err = service.AppendIn(ctx, transactionStore, input)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:         operationForKind(input.Kind),
		UserID:            input.UserID,
		Kind:              input.Kind,
		Amount:            input.Amount,
		Reason:            input.Reason,
		ExternalReference: input.ExternalReference,
		RequestID:         input.RequestID,
		Error:             operationError,
	})
	if operationError != nil {
		return Entry{}, 0, operationError
	}
	return stored, remaining, nil
}

// AppendIn performs the append against an already-open transaction store.
// Callers composing a larger unit of work (submission) use this so the entry,
// the balance update, and their own writes commit or roll back together.
func (service *Service) AppendIn(ctx context.Context, transactionStore Store, input AppendInput) (Entry, Credits, error) {
	userID, err := NewUserID(input.UserID)
	if err != nil {
		return Entry{}, 0, err
	}
	kind, err := ParseEntryKind(string(input.Kind))
	if err != nil {
		return Entry{}, 0, err
	}
	if err := validateAmount(kind, input.Amount, input.Reason); err != nil {
		return Entry{}, 0, err
	}
	metadata, err := NewMetadataJSON(input.MetadataJSON)
	if err != nil {
		return Entry{}, 0, err
	}

	balance, found, err := transactionStore.BalanceForUpdate(ctx, userID)
	if err != nil {
		return Entry{}, 0, err
	}
	if !found {
		balance = 0
	}
	next := balance + input.Amount
	// Usage debits are balance-checked under the row lock; purchase and
	// adjustment entries may create the first balance row or correct a
	// prior error, so they are not.
	if kind == KindUsage && next < 0 {
		return Entry{}, 0, &InsufficientBalanceError{
			Required:  -input.Amount,
			Available: balance,
		}
	}

	nowUnixUTC := service.nowFn()
	stored, err := transactionStore.InsertEntry(ctx, Entry{
		UserID:            userID,
		Kind:              kind,
		Amount:            input.Amount,
		Reason:            strings.TrimSpace(input.Reason),
		ExternalReference: strings.TrimSpace(input.ExternalReference),
		RequestID:         strings.TrimSpace(input.RequestID),
		MetadataJSON:      metadata,
		CreatedUnixUTC:    nowUnixUTC,
	})
	if err != nil {
		return Entry{}, 0, err
	}
	if err := transactionStore.ApplyBalanceDelta(ctx, userID, input.Amount, nowUnixUTC); err != nil {
		return Entry{}, 0, err
	}
	return stored, next, nil
}

// ListEntries lists ledger entries for a user before a cutoff time, newest first.
func (service *Service) ListEntries(ctx context.Context, rawUserID string, beforeUnixUTC int64, limit int) ([]Entry, error) {
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, userID, beforeUnixUTC, limit)
}

func validateAmount(kind EntryKind, amount Credits, reason string) error {
	switch kind {
	case KindPurchase:
		if amount <= 0 {
			return fmt.Errorf("%w: purchase must be positive, got %d", ErrInvalidAmount, amount)
		}
	case KindUsage:
		if amount >= 0 {
			return fmt.Errorf("%w: usage must be negative, got %d", ErrInvalidAmount, amount)
		}
	case KindAdjustment:
		if amount == 0 {
			return fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidAmount)
		}
		if strings.TrimSpace(reason) == "" {
			return fmt.Errorf("%w: adjustment requires a reason", ErrInvalidAmount)
		}
	}
	return nil
}

func operationForKind(kind EntryKind) string {
	switch kind {
	case KindPurchase:
		return operationPurchase
	case KindUsage:
		return operationUsage
	case KindAdjustment:
		return operationAdjustment
	}
	return string(kind)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
