package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/ecuworks/tuneportal/internal/adminops"
	"github.com/ecuworks/tuneportal/internal/filestore"
	"github.com/ecuworks/tuneportal/internal/submission"
	"github.com/ecuworks/tuneportal/internal/tuningreq"
	"github.com/ecuworks/tuneportal/pkg/credits"
)

const (
	contextKeyClaims     = "auth_claims"
	headerIdempotencyKey = "Idempotency-Key"
	uploadFieldName      = "ecu_file"
	adminRoleName        = "admin"
)

// Server exposes the portal core over HTTP.
type Server struct {
	logger      *zap.Logger
	cfg         Config
	coordinator *submission.Coordinator
	ledger      *credits.Service
	requests    *tuningreq.Service
	admin       *adminops.Service
	files       filestore.Store
}

// NewServer wires a Server.
func NewServer(logger *zap.Logger, cfg Config, coordinator *submission.Coordinator, ledger *credits.Service, requests *tuningreq.Service, admin *adminops.Service, files filestore.Store) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if coordinator == nil || ledger == nil || requests == nil || admin == nil || files == nil {
		return nil, errors.New("httpapi: nil dependency")
	}
	return &Server{
		logger:      logger,
		cfg:         cfg,
		coordinator: coordinator,
		ledger:      ledger,
		requests:    requests,
		admin:       admin,
		files:       files,
	}, nil
}

// Run serves until the context is cancelled, then drains in-flight requests.
func (server *Server) Run(ctx context.Context) error {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(server.cfg.SessionSigningKey),
		Issuer:     server.cfg.SessionIssuer,
		CookieName: server.cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	router := server.Router(validator)
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("portal api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Router assembles the gin engine.
func (server *Server) Router(validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", headerIdempotencyKey},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.MaxMultipartMemory = server.cfg.MaxUploadBytes

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(contextKeyClaims))

	api.GET("/balance", server.handleBalance)
	api.GET("/ledger", server.handleLedgerHistory)
	api.POST("/requests", server.handleSubmit)
	api.GET("/requests/:id", server.handleGetRequest)
	api.POST("/payments/confirmations", server.handleConfirmPayment)

	admin := api.Group("/admin")
	admin.POST("/adjustments", server.handleAdjustCredits)
	admin.GET("/requests", server.handleListQueue)
	admin.POST("/requests/:id/status", server.handleTransitionStatus)
	admin.POST("/requests/:id/priority", server.handleSetPriority)

	return router
}

func (server *Server) handleBalance(ctx *gin.Context) {
	actor, ok := server.actorFrom(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	balance, err := server.ledger.Balance(requestCtx, actor.UserID)
	if err != nil && !errors.Is(err, credits.ErrNoBalance) {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance_credits": balance.Int64()})
}

func (server *Server) handleLedgerHistory(ctx *gin.Context) {
	actor, ok := server.actorFrom(ctx)
	if !ok {
		return
	}
	limit, err := normalizeListLimit(ctx.Query("limit"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "invalid limit"))
		return
	}
	before, err := parseUnixQuery(ctx.Query("before"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "invalid before timestamp"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	entries, err := server.ledger.ListEntries(requestCtx, actor.UserID, before, limit)
	if err != nil {
		respondError(ctx, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryToPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (server *Server) handleSubmit(ctx *gin.Context) {
	actor, ok := server.actorFrom(ctx)
	if !ok {
		return
	}
	fileHeader, err := ctx.FormFile(uploadFieldName)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "ecu_file upload is required"))
		return
	}
	productionYear, err := strconv.Atoi(strings.TrimSpace(ctx.PostForm("production_year")))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "production_year must be an integer"))
		return
	}
	optionIDs := collectOptionIDs(ctx)

	content, err := fileHeader.Open()
	if err != nil {
		respondError(ctx, fmt.Errorf("%w: %v", submission.ErrStorageFailure, err))
		return
	}
	defer content.Close()

	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	fileRef, err := server.files.Save(requestCtx, content)
	if err != nil {
		// The file must be durably recorded before any ledger mutation.
		respondError(ctx, fmt.Errorf("%w: %v", submission.ErrStorageFailure, err))
		return
	}

	result, err := server.coordinator.Submit(requestCtx, submission.SubmitInput{
		UserID: actor.UserID,
		Vehicle: tuningreq.Vehicle{
			ManufacturerID: strings.TrimSpace(ctx.PostForm("manufacturer_id")),
			ModelID:        strings.TrimSpace(ctx.PostForm("model_id")),
			ProductionYear: productionYear,
		},
		OriginalFileRef: fileRef,
		OptionIDs:       optionIDs,
		IdempotencyKey:  ctx.GetHeader(headerIdempotencyKey),
	})
	if err != nil {
		respondError(ctx, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	ctx.JSON(status, gin.H{
		"request":           requestToPayload(result.Request),
		"remaining_credits": result.RemainingCredits.Int64(),
		"replayed":          result.Replayed,
	})
}

func (server *Server) handleGetRequest(ctx *gin.Context) {
	actor, ok := server.actorFrom(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	request, err := server.requests.Get(requestCtx, ctx.Param("id"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	// Non-owners get the same answer as a missing request.
	if actor.Role != adminops.RoleAdmin && request.UserID != actor.UserID {
		ctx.JSON(http.StatusNotFound, errorResponse(errorCodeNotFound, "request not found"))
		return
	}
	selections, err := server.requests.Selections(requestCtx, request.RequestID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"request": requestToPayload(request),
		"options": selectionsToPayload(selections),
	})
}

func (server *Server) handleConfirmPayment(ctx *gin.Context) {
	actor, ok := server.actorFrom(ctx)
	if !ok {
		return
	}
	// Gateway confirmations arrive through an integration session that
	// carries the admin role.
	if actor.Role != adminops.RoleAdmin {
		respondError(ctx, adminops.ErrForbidden)
		return
	}
	var request confirmPaymentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	entry, balance, err := server.ledger.Append(requestCtx, credits.AppendInput{
		UserID:            request.UserID,
		Kind:              credits.KindPurchase,
		Amount:            credits.Credits(request.AmountCredits),
		ExternalReference: request.ExternalTransactionID,
		MetadataJSON:      request.MetadataJSON,
	})
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"entry":           entryToPayload(entry),
		"balance_credits": balance.Int64(),
	})
}

func (server *Server) handleAdjustCredits(ctx *gin.Context) {
	actor, ok := server.actorFrom(ctx)
	if !ok {
		return
	}
	var request adjustCreditsRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	entry, err := server.admin.AdjustCredits(requestCtx, actor, request.UserID, credits.Credits(request.AmountCredits), request.Reason)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"entry": entryToPayload(entry)})
}

func (server *Server) handleListQueue(ctx *gin.Context) {
	actor, ok := server.actorFrom(ctx)
	if !ok {
		return
	}
	var filter *tuningreq.Status
	if raw := strings.TrimSpace(ctx.Query("status")); raw != "" {
		status, err := tuningreq.ParseStatus(raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "invalid status filter"))
			return
		}
		filter = &status
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	requests, err := server.admin.ListByPriority(requestCtx, actor, filter)
	if err != nil {
		respondError(ctx, err)
		return
	}
	payload := make([]requestPayload, 0, len(requests))
	for _, request := range requests {
		payload = append(payload, requestToPayload(request))
	}
	ctx.JSON(http.StatusOK, gin.H{"requests": payload})
}

func (server *Server) handleTransitionStatus(ctx *gin.Context) {
	actor, ok := server.actorFrom(ctx)
	if !ok {
		return
	}
	var request transitionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	status, err := tuningreq.ParseStatus(request.Status)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "invalid status"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	updated, err := server.admin.TransitionStatus(requestCtx, actor, ctx.Param("id"), status, request.AdminMessage, request.ProcessedFileRef)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"request": requestToPayload(updated)})
}

func (server *Server) handleSetPriority(ctx *gin.Context) {
	actor, ok := server.actorFrom(ctx)
	if !ok {
		return
	}
	var request priorityRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	updated, err := server.admin.SetPriority(requestCtx, actor, ctx.Param("id"), request.Priority)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"request": requestToPayload(updated)})
}

func (server *Server) actorFrom(ctx *gin.Context) (adminops.Actor, bool) {
	claims := getClaims(ctx)
	if claims == nil || claims.GetUserID() == "" {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return adminops.Actor{}, false
	}
	role := adminops.RoleCustomer
	for _, name := range claims.GetUserRoles() {
		if name == adminRoleName {
			role = adminops.RoleAdmin
			break
		}
	}
	return adminops.Actor{UserID: claims.GetUserID(), Role: role}, true
}

func (server *Server) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(contextKeyClaims)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func collectOptionIDs(ctx *gin.Context) []string {
	values := ctx.PostFormArray("option_ids")
	optionIDs := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				optionIDs = append(optionIDs, trimmed)
			}
		}
	}
	return optionIDs
}

func normalizeListLimit(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultHistoryListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if limit > maxHistoryListLimit {
		return 0, fmt.Errorf("limit exceeds maximum: %d > %d", limit, maxHistoryListLimit)
	}
	return limit, nil
}

func parseUnixQuery(raw string) (int64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

type confirmPaymentRequest struct {
	UserID                string `json:"user_id"`
	AmountCredits         int64  `json:"amount_credits"`
	ExternalTransactionID string `json:"external_transaction_id"`
	MetadataJSON          string `json:"metadata_json"`
}

type adjustCreditsRequest struct {
	UserID        string `json:"user_id"`
	AmountCredits int64  `json:"amount_credits"`
	Reason        string `json:"reason"`
}

type transitionRequest struct {
	Status           string `json:"status"`
	AdminMessage     string `json:"admin_message"`
	ProcessedFileRef string `json:"processed_file_ref"`
}

type priorityRequest struct {
	Priority int `json:"priority"`
}

type requestPayload struct {
	RequestID        string `json:"request_id"`
	UserID           string `json:"user_id"`
	ManufacturerID   string `json:"manufacturer_id"`
	ModelID          string `json:"model_id"`
	ProductionYear   int    `json:"production_year"`
	OriginalFileRef  string `json:"original_file_ref"`
	ProcessedFileRef string `json:"processed_file_ref,omitempty"`
	Status           string `json:"status"`
	Priority         int    `json:"priority"`
	CreditsCharged   int64  `json:"credits_charged"`
	AdminMessage     string `json:"admin_message,omitempty"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
	UpdatedUnixUTC   int64  `json:"updated_unix_utc"`
}

type entryPayload struct {
	EntryID           string `json:"entry_id"`
	Kind              string `json:"kind"`
	AmountCredits     int64  `json:"amount_credits"`
	Reason            string `json:"reason,omitempty"`
	ExternalReference string `json:"external_reference,omitempty"`
	RequestID         string `json:"request_id,omitempty"`
	CreatedUnixUTC    int64  `json:"created_unix_utc"`
}

type selectionPayload struct {
	OptionID   string `json:"option_id"`
	CreditCost int64  `json:"credit_cost"`
}

func requestToPayload(request tuningreq.Request) requestPayload {
	return requestPayload{
		RequestID:        request.RequestID,
		UserID:           request.UserID,
		ManufacturerID:   request.Vehicle.ManufacturerID,
		ModelID:          request.Vehicle.ModelID,
		ProductionYear:   request.Vehicle.ProductionYear,
		OriginalFileRef:  request.OriginalFileRef,
		ProcessedFileRef: request.ProcessedFileRef,
		Status:           request.Status.String(),
		Priority:         request.Priority,
		CreditsCharged:   request.CreditsCharged.Int64(),
		AdminMessage:     request.AdminMessage,
		CreatedUnixUTC:   request.CreatedUnixUTC,
		UpdatedUnixUTC:   request.UpdatedUnixUTC,
	}
}

func entryToPayload(entry credits.Entry) entryPayload {
	return entryPayload{
		EntryID:           entry.EntryID,
		Kind:              entry.Kind.String(),
		AmountCredits:     entry.Amount.Int64(),
		Reason:            entry.Reason,
		ExternalReference: entry.ExternalReference,
		RequestID:         entry.RequestID,
		CreatedUnixUTC:    entry.CreatedUnixUTC,
	}
}

func selectionsToPayload(selections []tuningreq.OptionSelection) []selectionPayload {
	payload := make([]selectionPayload, 0, len(selections))
	for _, selection := range selections {
		payload = append(payload, selectionPayload{
			OptionID:   selection.OptionID,
			CreditCost: selection.CreditCost.Int64(),
		})
	}
	return payload
}
