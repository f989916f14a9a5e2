package adminops

import (
	"context"
	"errors"
	"fmt"

	"github.com/ecuworks/tuneportal/internal/tuningreq"
	"github.com/ecuworks/tuneportal/pkg/credits"
)

// Error values returned by administrative operations.
var (
	// ErrForbidden is deliberately generic: it never reveals whether the
	// target resource exists.
	ErrForbidden            = errors.New("forbidden")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// Role names an identity-provider role attached to a verified caller.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleCustomer Role = "customer"
)

// Actor is the verified identity performing an operation.
type Actor struct {
	UserID string
	Role   Role
}

// AdminAction describes one administrative mutation for the audit trail.
type AdminAction struct {
	Action       string
	ActorUserID  string
	TargetUserID string
	RequestID    string
	Priority     int
	Amount       credits.Credits
	Reason       string
	NewStatus    string
	Status       string
	Error        error
}

// AuditLogger records administrative actions.
type AuditLogger interface {
	LogAdminAction(ctx context.Context, action AdminAction)
}

const (
	actionAdjustCredits    = "adjust_credits"
	actionSetPriority      = "set_priority"
	actionTransitionStatus = "transition_status"

	actionStatusOK    = "ok"
	actionStatusError = "error"
)

// Service exposes the administrative surface: thin callers into the ledger
// and request services with their own authorization and audit obligations.
type Service struct {
	ledger   *credits.Service
	requests *tuningreq.Service
	audit    AuditLogger
}

// NewService wires a Service. The audit logger is optional.
func NewService(ledger *credits.Service, requests *tuningreq.Service, audit AuditLogger) (*Service, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if requests == nil {
		return nil, fmt.Errorf("%w: requests dependency is nil", ErrInvalidServiceConfig)
	}
	return &Service{ledger: ledger, requests: requests, audit: audit}, nil
}

// AdjustCredits appends an adjustment entry with a mandatory audit reason.
func (service *Service) AdjustCredits(ctx context.Context, actor Actor, targetUserID string, amount credits.Credits, reason string) (credits.Entry, error) {
	if err := requireAdmin(actor); err != nil {
		return credits.Entry{}, err
	}
	entry, _, err := service.ledger.Append(ctx, credits.AppendInput{
		UserID: targetUserID,
		Kind:   credits.KindAdjustment,
		Amount: amount,
		Reason: reason,
	})
	service.logAction(ctx, AdminAction{
		Action:       actionAdjustCredits,
		ActorUserID:  actor.UserID,
		TargetUserID: targetUserID,
		Amount:       amount,
		Reason:       reason,
		Error:        err,
	})
	if err != nil {
		return credits.Entry{}, err
	}
	return entry, nil
}

// SetPriority reorders a non-terminal request in the work queue.
func (service *Service) SetPriority(ctx context.Context, actor Actor, requestID string, priority int) (tuningreq.Request, error) {
	if err := requireAdmin(actor); err != nil {
		return tuningreq.Request{}, err
	}
	request, err := service.requests.SetPriority(ctx, requestID, priority)
	service.logAction(ctx, AdminAction{
		Action:      actionSetPriority,
		ActorUserID: actor.UserID,
		RequestID:   requestID,
		Priority:    priority,
		Error:       err,
	})
	if err != nil {
		return tuningreq.Request{}, err
	}
	return request, nil
}

// TransitionStatus applies the lifecycle table to a request.
func (service *Service) TransitionStatus(ctx context.Context, actor Actor, requestID string, to tuningreq.Status, adminMessage string, processedFileRef string) (tuningreq.Request, error) {
	if err := requireAdmin(actor); err != nil {
		return tuningreq.Request{}, err
	}
	request, err := service.requests.Transition(ctx, requestID, to, adminMessage, processedFileRef)
	service.logAction(ctx, AdminAction{
		Action:      actionTransitionStatus,
		ActorUserID: actor.UserID,
		RequestID:   requestID,
		Reason:      adminMessage,
		NewStatus:   to.String(),
		Error:       err,
	})
	if err != nil {
		return tuningreq.Request{}, err
	}
	return request, nil
}

// ListByPriority returns the work queue ordered from the current snapshot.
func (service *Service) ListByPriority(ctx context.Context, actor Actor, filter *tuningreq.Status) ([]tuningreq.Request, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return service.requests.ListByPriority(ctx, filter)
}

// requireAdmin runs before any lookup so a role mismatch leaks nothing about
// the target.
func requireAdmin(actor Actor) error {
	if actor.Role != RoleAdmin {
		return ErrForbidden
	}
	return nil
}

func (service *Service) logAction(ctx context.Context, action AdminAction) {
	if service.audit == nil {
		return
	}
	if action.Status == "" {
		if action.Error != nil {
			action.Status = actionStatusError
		} else {
			action.Status = actionStatusOK
		}
	}
	service.audit.LogAdminAction(ctx, action)
}
