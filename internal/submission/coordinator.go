package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ecuworks/tuneportal/internal/catalog"
	"github.com/ecuworks/tuneportal/internal/tuningreq"
	"github.com/ecuworks/tuneportal/pkg/credits"
)

// Error values returned by the coordinator.
var (
	// ErrInsufficientCredits aliases the ledger sentinel so callers can match
	// either name for the same condition.
	ErrInsufficientCredits = credits.ErrInsufficientBalance
	ErrInvalidSelection    = errors.New("invalid option selection")
	ErrStorageFailure      = errors.New("file reference could not be recorded")
	ErrInvalidCoordinator  = errors.New("invalid coordinator config")
)

// Store is the unit-of-work contract: one transaction spanning the request
// row, its option associations, and the usage ledger entry.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	Ledger() credits.Store
	Requests() tuningreq.Store
}

// SubmitInput carries one upload-and-charge attempt.
type SubmitInput struct {
	UserID          string
	Vehicle         tuningreq.Vehicle
	OriginalFileRef string
	OptionIDs       []string
	// IdempotencyKey, when supplied, collapses retries of the same logical
	// submission to the previously created request instead of re-debiting.
	IdempotencyKey string
}

// Result is the outcome of a successful submission.
type Result struct {
	Request          tuningreq.Request
	ChargedEntry     credits.Entry
	RemainingCredits credits.Credits
	// Replayed reports that an idempotency key matched a prior submission and
	// no new debit occurred.
	Replayed bool
}

// Coordinator orchestrates price, balance-checked debit, and request
// persistence as one atomic unit of work.
type Coordinator struct {
	store   Store
	pricing *catalog.Resolver
	ledger  *credits.Service
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(store Store, pricing *catalog.Resolver, ledger *credits.Service) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidCoordinator)
	}
	if pricing == nil {
		return nil, fmt.Errorf("%w: pricing dependency is nil", ErrInvalidCoordinator)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidCoordinator)
	}
	return &Coordinator{store: store, pricing: pricing, ledger: ledger}, nil
}

// Submit prices the selection, then atomically creates the pending request,
// its option associations, and the usage debit. If any step fails nothing is
// persisted.
func (coordinator *Coordinator) Submit(ctx context.Context, input SubmitInput) (Result, error) {
	userID, err := credits.NewUserID(input.UserID)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(input.OriginalFileRef) == "" {
		return Result{}, fmt.Errorf("%w: missing original file reference", ErrStorageFailure)
	}
	if err := input.Vehicle.Validate(); err != nil {
		return Result{}, err
	}

	// Pricing is pure computation; it runs outside the transaction.
	quote, err := coordinator.pricing.Price(ctx, input.OptionIDs)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidSelection, err)
	}

	idempotencyKey := strings.TrimSpace(input.IdempotencyKey)
	if idempotencyKey != "" {
		prior, replayed, err := coordinator.findPrior(ctx, userID, idempotencyKey)
		if err != nil {
			return Result{}, err
		}
		if replayed {
			return prior, nil
		}
	}

	var result Result
	err = coordinator.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		request, err := transactionStore.Requests().InsertRequest(ctx, tuningreq.Request{
			UserID:          userID,
			Vehicle:         input.Vehicle,
			OriginalFileRef: strings.TrimSpace(input.OriginalFileRef),
			Status:          tuningreq.StatusPending,
			CreditsCharged:  quote.TotalCredits,
			IdempotencyKey:  idempotencyKey,
		})
		if err != nil {
			return err
		}
		selections := make([]tuningreq.OptionSelection, 0, len(quote.Lines))
		for _, line := range quote.Lines {
			selections = append(selections, tuningreq.OptionSelection{
				OptionID:   line.OptionID,
				CreditCost: line.CreditCost,
			})
		}
		if err := transactionStore.Requests().InsertSelections(ctx, request.RequestID, selections); err != nil {
			return err
		}
		entry, remaining, err := coordinator.ledger.AppendIn(ctx, transactionStore.Ledger(), credits.AppendInput{
			UserID:       userID,
			Kind:         credits.KindUsage,
			Amount:       -quote.TotalCredits,
			RequestID:    request.RequestID,
			MetadataJSON: submissionMetadata(input.Vehicle),
		})
		if err != nil {
			return err
		}
		result = Result{
			Request:          request,
			ChargedEntry:     entry,
			RemainingCredits: remaining,
		}
		return nil
	})
	if err != nil {
		// A racing retry with the same key committed first; hand back its result.
		if idempotencyKey != "" && errors.Is(err, tuningreq.ErrDuplicateSubmission) {
			prior, replayed, findErr := coordinator.findPrior(ctx, userID, idempotencyKey)
			if findErr == nil && replayed {
				return prior, nil
			}
		}
		return Result{}, err
	}
	return result, nil
}

func (coordinator *Coordinator) findPrior(ctx context.Context, userID string, idempotencyKey string) (Result, bool, error) {
	prior, found, err := coordinator.store.Requests().FindByIdempotencyKey(ctx, userID, idempotencyKey)
	if err != nil {
		return Result{}, false, err
	}
	if !found {
		return Result{}, false, nil
	}
	remaining, err := coordinator.ledger.Balance(ctx, userID)
	if err != nil && !errors.Is(err, credits.ErrNoBalance) {
		return Result{}, false, err
	}
	return Result{
		Request:          prior,
		RemainingCredits: remaining,
		Replayed:         true,
	}, true, nil
}

func submissionMetadata(vehicle tuningreq.Vehicle) string {
	raw, err := json.Marshal(map[string]any{
		"manufacturer_id": vehicle.ManufacturerID,
		"model_id":        vehicle.ModelID,
		"production_year": vehicle.ProductionYear,
	})
	if err != nil {
		return "{}"
	}
	return string(raw)
}
