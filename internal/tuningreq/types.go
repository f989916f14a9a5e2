package tuningreq

import (
	"context"
	"fmt"
	"strings"

	"github.com/ecuworks/tuneportal/pkg/credits"
)

// Status enumerates tuning request lifecycle states.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return Status(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// String returns the status as stored.
func (status Status) String() string {
	return string(status)
}

// IsTerminal reports whether no further transition is permitted.
func (status Status) IsTerminal() bool {
	return status == StatusCompleted || status == StatusFailed
}

// canTransition encodes the lifecycle table:
// pending -> processing | failed, processing -> completed | failed.
// No-op transitions and exits from terminal states are rejected.
func (status Status) canTransition(to Status) bool {
	switch status {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// queueRank orders statuses for retrieval: waiting work first.
func (status Status) queueRank() int {
	switch status {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted:
		return 2
	case StatusFailed:
		return 3
	}
	return 4
}

// Vehicle identifies the ECU donor vehicle for a submission.
type Vehicle struct {
	ManufacturerID string
	ModelID        string
	ProductionYear int
}

// Validate checks the vehicle fields.
func (vehicle Vehicle) Validate() error {
	if strings.TrimSpace(vehicle.ManufacturerID) == "" {
		return fmt.Errorf("%w: manufacturer id is required", ErrInvalidVehicle)
	}
	if strings.TrimSpace(vehicle.ModelID) == "" {
		return fmt.Errorf("%w: model id is required", ErrInvalidVehicle)
	}
	if vehicle.ProductionYear < minProductionYear || vehicle.ProductionYear > maxProductionYear {
		return fmt.Errorf("%w: production year %d out of range", ErrInvalidVehicle, vehicle.ProductionYear)
	}
	return nil
}

const (
	minProductionYear = 1950
	maxProductionYear = 2100
)

// Request is one submitted ECU file tracked through the lifecycle.
// Rows are never deleted; terminal requests stay queryable for support.
type Request struct {
	RequestID        string
	UserID           string
	Vehicle          Vehicle
	OriginalFileRef  string
	ProcessedFileRef string
	Status           Status
	Priority         int
	CreditsCharged   credits.Credits
	AdminMessage     string
	IdempotencyKey   string
	CreatedUnixUTC   int64
	UpdatedUnixUTC   int64
}

// OptionSelection is one option association fixed at submission time,
// carrying the cost that was actually charged.
type OptionSelection struct {
	OptionID   string
	CreditCost credits.Credits
}

// StatusUpdate carries the optional fields attached to a transition.
type StatusUpdate struct {
	AdminMessage     string
	ProcessedFileRef string
	UpdatedUnixUTC   int64
}

// Store is the persistence contract used by Service and the submission
// coordinator. Mutations inside one WithTx callback commit or roll back together.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// InsertRequest persists the request and returns it with its assigned id.
	// A repeated (user, idempotency key) pair fails with ErrDuplicateSubmission.
	InsertRequest(ctx context.Context, request Request) (Request, error)
	InsertSelections(ctx context.Context, requestID string, selections []OptionSelection) error
	GetRequest(ctx context.Context, requestID string) (Request, bool, error)
	// GetRequestForUpdate locks the request row until the transaction ends.
	GetRequestForUpdate(ctx context.Context, requestID string) (Request, bool, error)
	FindByIdempotencyKey(ctx context.Context, userID string, idempotencyKey string) (Request, bool, error)
	ListSelections(ctx context.Context, requestID string) ([]OptionSelection, error)
	// UpdateStatus applies a compare-and-swap on the status column and reports
	// whether a row was updated. A concurrent transition that committed first
	// leaves nothing to update.
	UpdateStatus(ctx context.Context, requestID string, from Status, to Status, update StatusUpdate) (bool, error)
	UpdatePriority(ctx context.Context, requestID string, priority int, atUnixUTC int64) error
	// ListRequests returns requests, optionally filtered by status. Ordering is
	// the caller's concern; no stored ordering is maintained.
	ListRequests(ctx context.Context, filter *Status) ([]Request, error)
}
