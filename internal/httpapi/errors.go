package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ecuworks/tuneportal/internal/adminops"
	"github.com/ecuworks/tuneportal/internal/catalog"
	"github.com/ecuworks/tuneportal/internal/submission"
	"github.com/ecuworks/tuneportal/internal/tuningreq"
	"github.com/ecuworks/tuneportal/pkg/credits"
)

const (
	errorCodeInsufficientCredits = "insufficient_credits"
	errorCodeInvalidTransition   = "invalid_transition"
	errorCodeInvalidState        = "invalid_state"
	errorCodeInvalidSelection    = "invalid_selection"
	errorCodeInvalidAmount       = "invalid_amount"
	errorCodeInvalidPayload      = "invalid_payload"
	errorCodeDuplicateCharge     = "duplicate_charge"
	errorCodeForbidden           = "forbidden"
	errorCodeNotFound            = "not_found"
	errorCodeStorageFailure      = "storage_failure"
	errorCodeInternal            = "internal_error"
)

// respondError maps a domain error to an HTTP status and a stable code.
func respondError(ctx *gin.Context, err error) {
	var insufficientBalance *credits.InsufficientBalanceError
	if errors.As(err, &insufficientBalance) {
		ctx.JSON(http.StatusConflict, gin.H{
			"error": gin.H{
				"code":              errorCodeInsufficientCredits,
				"message":           insufficientBalance.Error(),
				"required_credits":  insufficientBalance.Required.Int64(),
				"available_credits": insufficientBalance.Available.Int64(),
			},
		})
		return
	}
	var invalidTransition *tuningreq.InvalidTransitionError
	if errors.As(err, &invalidTransition) {
		ctx.JSON(http.StatusConflict, gin.H{
			"error": gin.H{
				"code":          errorCodeInvalidTransition,
				"message":       invalidTransition.Error(),
				"current_state": invalidTransition.From.String(),
			},
		})
		return
	}
	switch {
	case errors.Is(err, adminops.ErrForbidden):
		// Deliberately generic: reveals nothing about the target resource.
		ctx.JSON(http.StatusForbidden, errorResponse(errorCodeForbidden, "forbidden"))
	case errors.Is(err, credits.ErrInsufficientBalance):
		ctx.JSON(http.StatusConflict, errorResponse(errorCodeInsufficientCredits, err.Error()))
	case errors.Is(err, credits.ErrDuplicateCharge):
		ctx.JSON(http.StatusConflict, errorResponse(errorCodeDuplicateCharge, "charge already recorded"))
	case errors.Is(err, tuningreq.ErrInvalidTransition):
		ctx.JSON(http.StatusConflict, errorResponse(errorCodeInvalidTransition, err.Error()))
	case errors.Is(err, tuningreq.ErrInvalidState):
		ctx.JSON(http.StatusConflict, errorResponse(errorCodeInvalidState, err.Error()))
	case errors.Is(err, tuningreq.ErrUnknownRequest):
		ctx.JSON(http.StatusNotFound, errorResponse(errorCodeNotFound, "request not found"))
	case errors.Is(err, submission.ErrInvalidSelection),
		errors.Is(err, catalog.ErrEmptySelection),
		errors.Is(err, catalog.ErrUnknownOption):
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidSelection, err.Error()))
	case errors.Is(err, credits.ErrInvalidAmount):
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidAmount, err.Error()))
	case errors.Is(err, credits.ErrInvalidUserID),
		errors.Is(err, credits.ErrInvalidMetadataJSON),
		errors.Is(err, credits.ErrInvalidEntryKind),
		errors.Is(err, tuningreq.ErrInvalidVehicle),
		errors.Is(err, tuningreq.ErrInvalidPriority),
		errors.Is(err, tuningreq.ErrInvalidStatus):
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, err.Error()))
	case errors.Is(err, submission.ErrStorageFailure):
		ctx.JSON(http.StatusBadGateway, errorResponse(errorCodeStorageFailure, "file storage unavailable"))
	default:
		ctx.JSON(http.StatusInternalServerError, errorResponse(errorCodeInternal, "internal error"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
