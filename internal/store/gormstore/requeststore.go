package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ecuworks/tuneportal/internal/tuningreq"
	"github.com/ecuworks/tuneportal/pkg/credits"
)

// RequestStore implements tuningreq.Store using GORM.
type RequestStore struct {
	db *gorm.DB
}

// NewRequestStore returns a request view over the given connection.
func NewRequestStore(db *gorm.DB) *RequestStore {
	return &RequestStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *RequestStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore tuningreq.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &RequestStore{db: transaction})
	})
}

func (store *RequestStore) InsertRequest(ctx context.Context, request tuningreq.Request) (tuningreq.Request, error) {
	row := requestToRow(request)
	err := store.db.WithContext(ctx).Create(&row).Error
	if uniqueViolation(err, constraintRequestUserIdempotency) {
		return tuningreq.Request{}, wrapStoreError(errorSubjectRequest, errorCodeDuplicate, tuningreq.ErrDuplicateSubmission)
	}
	if err != nil {
		return tuningreq.Request{}, wrapStoreError(errorSubjectRequest, errorCodeInsert, err)
	}
	return rowToRequest(row), nil
}

func (store *RequestStore) InsertSelections(ctx context.Context, requestID string, selections []tuningreq.OptionSelection) error {
	if len(selections) == 0 {
		return nil
	}
	rows := make([]RequestOption, 0, len(selections))
	for _, selection := range selections {
		rows = append(rows, RequestOption{
			RequestID:  requestID,
			OptionID:   selection.OptionID,
			CreditCost: selection.CreditCost.Int64(),
		})
	}
	if err := store.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return wrapStoreError(errorSubjectOption, errorCodeInsert, err)
	}
	return nil
}

func (store *RequestStore) GetRequest(ctx context.Context, requestID string) (tuningreq.Request, bool, error) {
	return store.readRequest(ctx, requestID, false)
}

func (store *RequestStore) GetRequestForUpdate(ctx context.Context, requestID string) (tuningreq.Request, bool, error) {
	return store.readRequest(ctx, requestID, true)
}

func (store *RequestStore) readRequest(ctx context.Context, requestID string, lock bool) (tuningreq.Request, bool, error) {
	query := store.db.WithContext(ctx)
	if lock {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row TuningRequest
	err := query.Where("request_id = ?", requestID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tuningreq.Request{}, false, nil
	}
	if err != nil {
		return tuningreq.Request{}, false, wrapStoreError(errorSubjectRequest, errorCodeGet, err)
	}
	return rowToRequest(row), true, nil
}

func (store *RequestStore) FindByIdempotencyKey(ctx context.Context, userID string, idempotencyKey string) (tuningreq.Request, bool, error) {
	var row TuningRequest
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, idempotencyKey).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tuningreq.Request{}, false, nil
	}
	if err != nil {
		return tuningreq.Request{}, false, wrapStoreError(errorSubjectRequest, errorCodeLookup, err)
	}
	return rowToRequest(row), true, nil
}

func (store *RequestStore) ListSelections(ctx context.Context, requestID string) ([]tuningreq.OptionSelection, error) {
	var rows []RequestOption
	err := store.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("option_id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectOption, errorCodeList, err)
	}
	selections := make([]tuningreq.OptionSelection, 0, len(rows))
	for _, row := range rows {
		selections = append(selections, tuningreq.OptionSelection{
			OptionID:   row.OptionID,
			CreditCost: credits.Credits(row.CreditCost),
		})
	}
	return selections, nil
}

func (store *RequestStore) UpdateStatus(ctx context.Context, requestID string, from tuningreq.Status, to tuningreq.Status, update tuningreq.StatusUpdate) (bool, error) {
	assignments := map[string]interface{}{
		"status":     to.String(),
		"updated_at": time.Unix(update.UpdatedUnixUTC, 0).UTC(),
	}
	if update.AdminMessage != "" {
		assignments["admin_message"] = update.AdminMessage
	}
	if update.ProcessedFileRef != "" {
		assignments["processed_file_ref"] = update.ProcessedFileRef
	}
	result := store.db.WithContext(ctx).
		Model(&TuningRequest{}).
		Where("request_id = ? AND status = ?", requestID, from.String()).
		Updates(assignments)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectRequest, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *RequestStore) UpdatePriority(ctx context.Context, requestID string, priority int, atUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&TuningRequest{}).
		Where("request_id = ?", requestID).
		Updates(map[string]interface{}{
			"priority":   priority,
			"updated_at": time.Unix(atUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectRequest, errorCodeUpdate, result.Error)
	}
	return nil
}

func (store *RequestStore) ListRequests(ctx context.Context, filter *tuningreq.Status) ([]tuningreq.Request, error) {
	query := store.db.WithContext(ctx)
	if filter != nil {
		query = query.Where("status = ?", filter.String())
	}
	var rows []TuningRequest
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectRequest, errorCodeList, err)
	}
	requests := make([]tuningreq.Request, 0, len(rows))
	for _, row := range rows {
		requests = append(requests, rowToRequest(row))
	}
	return requests, nil
}

func requestToRow(request tuningreq.Request) TuningRequest {
	var processedFileRef *string
	if request.ProcessedFileRef != "" {
		value := request.ProcessedFileRef
		processedFileRef = &value
	}
	var adminMessage *string
	if request.AdminMessage != "" {
		value := request.AdminMessage
		adminMessage = &value
	}
	var idempotencyKey *string
	if request.IdempotencyKey != "" {
		value := request.IdempotencyKey
		idempotencyKey = &value
	}
	return TuningRequest{
		RequestID:        request.RequestID,
		UserID:           request.UserID,
		ManufacturerID:   request.Vehicle.ManufacturerID,
		ModelID:          request.Vehicle.ModelID,
		ProductionYear:   request.Vehicle.ProductionYear,
		OriginalFileRef:  request.OriginalFileRef,
		ProcessedFileRef: processedFileRef,
		Status:           request.Status.String(),
		Priority:         request.Priority,
		CreditsCharged:   request.CreditsCharged.Int64(),
		AdminMessage:     adminMessage,
		IdempotencyKey:   idempotencyKey,
	}
}

func rowToRequest(row TuningRequest) tuningreq.Request {
	processedFileRef := ""
	if row.ProcessedFileRef != nil {
		processedFileRef = *row.ProcessedFileRef
	}
	adminMessage := ""
	if row.AdminMessage != nil {
		adminMessage = *row.AdminMessage
	}
	idempotencyKey := ""
	if row.IdempotencyKey != nil {
		idempotencyKey = *row.IdempotencyKey
	}
	return tuningreq.Request{
		RequestID: row.RequestID,
		UserID:    row.UserID,
		Vehicle: tuningreq.Vehicle{
			ManufacturerID: row.ManufacturerID,
			ModelID:        row.ModelID,
			ProductionYear: row.ProductionYear,
		},
		OriginalFileRef:  row.OriginalFileRef,
		ProcessedFileRef: processedFileRef,
		Status:           tuningreq.Status(row.Status),
		Priority:         row.Priority,
		CreditsCharged:   credits.Credits(row.CreditsCharged),
		AdminMessage:     adminMessage,
		IdempotencyKey:   idempotencyKey,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
		UpdatedUnixUTC:   row.UpdatedAt.Unix(),
	}
}
