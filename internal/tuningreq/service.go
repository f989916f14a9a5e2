package tuningreq

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Service drives the request lifecycle over a Store.
type Service struct {
	store Store
	nowFn func() int64
}

// NewService wires a Service.
func NewService(store Store, now func() int64) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &Service{store: store, nowFn: now}, nil
}

// Get returns one request by id.
func (service *Service) Get(ctx context.Context, requestID string) (Request, error) {
	request, found, err := service.store.GetRequest(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if !found {
		return Request{}, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	return request, nil
}

// Selections returns the option associations fixed at submission time.
func (service *Service) Selections(ctx context.Context, requestID string) ([]OptionSelection, error) {
	return service.store.ListSelections(ctx, requestID)
}

// Transition moves a request along the lifecycle table. The row is locked for
// the duration of the check, and the status write is a compare-and-swap, so a
// concurrent administrator whose precondition no longer holds fails with
// ErrInvalidTransition instead of clobbering the first writer.
func (service *Service) Transition(ctx context.Context, requestID string, to Status, adminMessage string, processedFileRef string) (Request, error) {
	if _, err := ParseStatus(to.String()); err != nil {
		return Request{}, err
	}
	message := strings.TrimSpace(adminMessage)
	processedRef := strings.TrimSpace(processedFileRef)

	var updated Request
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		request, found, err := transactionStore.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
		}
		if request.Status == to {
			return &InvalidTransitionError{From: request.Status, To: to, Reason: "no-op transition"}
		}
		if !request.Status.canTransition(to) {
			return &InvalidTransitionError{From: request.Status, To: to}
		}
		if to == StatusCompleted && processedRef == "" {
			return &InvalidTransitionError{From: request.Status, To: to, Reason: "processed file reference required"}
		}
		if to == StatusFailed && message == "" {
			return &InvalidTransitionError{From: request.Status, To: to, Reason: "admin message required"}
		}

		nowUnixUTC := service.nowFn()
		applied, err := transactionStore.UpdateStatus(ctx, requestID, request.Status, to, StatusUpdate{
			AdminMessage:     message,
			ProcessedFileRef: processedRef,
			UpdatedUnixUTC:   nowUnixUTC,
		})
		if err != nil {
			return err
		}
		if !applied {
			return &InvalidTransitionError{From: request.Status, To: to, Reason: "request changed concurrently"}
		}
		updated = request
		updated.Status = to
		updated.UpdatedUnixUTC = nowUnixUTC
		if message != "" {
			updated.AdminMessage = message
		}
		if processedRef != "" {
			updated.ProcessedFileRef = processedRef
		}
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	return updated, nil
}

// SetPriority updates the retrieval priority of a non-terminal request.
// Priority only shapes ListByPriority ordering, never ledger correctness.
func (service *Service) SetPriority(ctx context.Context, requestID string, priority int) (Request, error) {
	if priority < 0 {
		return Request{}, fmt.Errorf("%w: must be >= 0, got %d", ErrInvalidPriority, priority)
	}
	var updated Request
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		request, found, err := transactionStore.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
		}
		if request.Status.IsTerminal() {
			return fmt.Errorf("%w: request is %s", ErrInvalidState, request.Status)
		}
		nowUnixUTC := service.nowFn()
		if err := transactionStore.UpdatePriority(ctx, requestID, priority, nowUnixUTC); err != nil {
			return err
		}
		updated = request
		updated.Priority = priority
		updated.UpdatedUnixUTC = nowUnixUTC
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	return updated, nil
}

// ListByPriority returns requests ordered for the work queue: descending
// priority, then waiting statuses first, then oldest submissions first.
// The order is recomputed from the current snapshot on every call.
func (service *Service) ListByPriority(ctx context.Context, filter *Status) ([]Request, error) {
	if filter != nil {
		if _, err := ParseStatus(filter.String()); err != nil {
			return nil, err
		}
	}
	requests, err := service.store.ListRequests(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(requests, func(left, right int) bool {
		if requests[left].Priority != requests[right].Priority {
			return requests[left].Priority > requests[right].Priority
		}
		leftRank := requests[left].Status.queueRank()
		rightRank := requests[right].Status.queueRank()
		if leftRank != rightRank {
			return leftRank < rightRank
		}
		if requests[left].CreatedUnixUTC != requests[right].CreatedUnixUTC {
			return requests[left].CreatedUnixUTC < requests[right].CreatedUnixUTC
		}
		return requests[left].RequestID < requests[right].RequestID
	})
	return requests, nil
}
