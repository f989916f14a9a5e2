package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ecuworks/tuneportal/internal/adminops"
	"github.com/ecuworks/tuneportal/internal/catalog"
	"github.com/ecuworks/tuneportal/internal/filestore"
	"github.com/ecuworks/tuneportal/internal/store/gormstore"
	"github.com/ecuworks/tuneportal/internal/submission"
	"github.com/ecuworks/tuneportal/internal/tuningreq"
	"github.com/ecuworks/tuneportal/pkg/credits"
)

func TestPortalSubmissionLifecycle(t *testing.T) {
	env := startTestServer(t)
	customer := env.sessionCookie(t, "customer-1", nil)
	admin := env.sessionCookie(t, "admin-1", []string{"admin"})

	// Payment confirmation funds the customer wallet.
	payment := env.doJSON(t, admin, http.MethodPost, "/api/payments/confirmations", map[string]any{
		"user_id":                 "customer-1",
		"amount_credits":          20,
		"external_transaction_id": "txn-100",
	}, http.StatusCreated)
	if payment["balance_credits"].(float64) != 20 {
		t.Fatalf("expected balance 20 after purchase, got %v", payment["balance_credits"])
	}

	// A replayed confirmation must not double-credit.
	env.doJSON(t, admin, http.MethodPost, "/api/payments/confirmations", map[string]any{
		"user_id":                 "customer-1",
		"amount_credits":          20,
		"external_transaction_id": "txn-100",
	}, http.StatusConflict)

	balance := env.doJSON(t, customer, http.MethodGet, "/api/balance", nil, http.StatusOK)
	if balance["balance_credits"].(float64) != 20 {
		t.Fatalf("expected balance 20, got %v", balance["balance_credits"])
	}

	// Submit a tuning request for stage1 (8) + dpf-off (4).
	submitted := env.submit(t, customer, []string{"stage1", "dpf-off"}, "", http.StatusCreated)
	if submitted["remaining_credits"].(float64) != 8 {
		t.Fatalf("expected 8 remaining, got %v", submitted["remaining_credits"])
	}
	request := submitted["request"].(map[string]any)
	requestID := request["request_id"].(string)
	if request["status"].(string) != "pending" {
		t.Fatalf("expected pending request, got %v", request["status"])
	}
	if request["credits_charged"].(float64) != 12 {
		t.Fatalf("expected 12 credits charged, got %v", request["credits_charged"])
	}

	// The owner sees the request with its fixed option costs.
	fetched := env.doJSON(t, customer, http.MethodGet, "/api/requests/"+requestID, nil, http.StatusOK)
	options := fetched["options"].([]any)
	if len(options) != 2 {
		t.Fatalf("expected 2 selections, got %d", len(options))
	}

	// Another customer gets the not-found answer, not a forbidden hint.
	stranger := env.sessionCookie(t, "customer-2", nil)
	env.doJSON(t, stranger, http.MethodGet, "/api/requests/"+requestID, nil, http.StatusNotFound)

	// A second identical selection exceeds the remaining 8 credits.
	rejection := env.submit(t, customer, []string{"stage1", "dpf-off"}, "", http.StatusConflict)
	errorBody := rejection["error"].(map[string]any)
	if errorBody["code"].(string) != "insufficient_credits" {
		t.Fatalf("expected insufficient_credits, got %v", errorBody["code"])
	}
	if errorBody["required_credits"].(float64) != 12 || errorBody["available_credits"].(float64) != 8 {
		t.Fatalf("unexpected required/available: %v/%v", errorBody["required_credits"], errorBody["available_credits"])
	}

	// The failed attempt must not have debited anything.
	balance = env.doJSON(t, customer, http.MethodGet, "/api/balance", nil, http.StatusOK)
	if balance["balance_credits"].(float64) != 8 {
		t.Fatalf("expected balance still 8, got %v", balance["balance_credits"])
	}

	// Admin walks the lifecycle: pending -> processing -> completed.
	env.doJSON(t, admin, http.MethodPost, "/api/admin/requests/"+requestID+"/status", map[string]any{
		"status": "processing",
	}, http.StatusOK)
	completed := env.doJSON(t, admin, http.MethodPost, "/api/admin/requests/"+requestID+"/status", map[string]any{
		"status":             "completed",
		"processed_file_ref": "tuned.bin",
	}, http.StatusOK)
	completedRequest := completed["request"].(map[string]any)
	if completedRequest["processed_file_ref"].(string) != "tuned.bin" {
		t.Fatalf("expected processed file recorded, got %v", completedRequest["processed_file_ref"])
	}

	// Terminal requests reject further transitions.
	conflict := env.doJSON(t, admin, http.MethodPost, "/api/admin/requests/"+requestID+"/status", map[string]any{
		"status":        "failed",
		"admin_message": "too late",
	}, http.StatusConflict)
	conflictError := conflict["error"].(map[string]any)
	if conflictError["current_state"].(string) != "completed" {
		t.Fatalf("expected current_state completed, got %v", conflictError["current_state"])
	}

	// The ledger history records purchase and usage, newest first.
	history := env.doJSON(t, customer, http.MethodGet, "/api/ledger", nil, http.StatusOK)
	entries := history["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}
}

func TestPortalIdempotentSubmission(t *testing.T) {
	env := startTestServer(t)
	customer := env.sessionCookie(t, "customer-3", nil)
	admin := env.sessionCookie(t, "admin-1", []string{"admin"})

	env.doJSON(t, admin, http.MethodPost, "/api/payments/confirmations", map[string]any{
		"user_id":                 "customer-3",
		"amount_credits":          30,
		"external_transaction_id": "txn-200",
	}, http.StatusCreated)

	first := env.submit(t, customer, []string{"stage1"}, "retry-key-1", http.StatusCreated)
	second := env.submit(t, customer, []string{"stage1"}, "retry-key-1", http.StatusOK)
	if second["replayed"].(bool) != true {
		t.Fatal("expected replayed submission")
	}
	firstID := first["request"].(map[string]any)["request_id"].(string)
	secondID := second["request"].(map[string]any)["request_id"].(string)
	if firstID != secondID {
		t.Fatalf("expected same request, got %s and %s", firstID, secondID)
	}
	if second["remaining_credits"].(float64) != 22 {
		t.Fatalf("expected single 8 credit debit, got remaining %v", second["remaining_credits"])
	}
}

func TestPortalAdminBoundary(t *testing.T) {
	env := startTestServer(t)
	customer := env.sessionCookie(t, "customer-4", nil)

	// Customers cannot reach administrative operations.
	env.doJSON(t, customer, http.MethodPost, "/api/admin/adjustments", map[string]any{
		"user_id":        "customer-4",
		"amount_credits": 100,
		"reason":         "self-service",
	}, http.StatusForbidden)
	env.doJSON(t, customer, http.MethodGet, "/api/admin/requests", nil, http.StatusForbidden)
	env.doJSON(t, customer, http.MethodPost, "/api/payments/confirmations", map[string]any{
		"user_id":                 "customer-4",
		"amount_credits":          100,
		"external_transaction_id": "txn-300",
	}, http.StatusForbidden)

	// No session at all is rejected before any handler runs.
	request, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/balance", nil)
	if err != nil {
		t.Fatalf("request init failed: %v", err)
	}
	response, err := env.server.Client().Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", response.StatusCode)
	}
}

func TestPortalAdminQueueAndAdjustments(t *testing.T) {
	env := startTestServer(t)
	customer := env.sessionCookie(t, "customer-5", nil)
	admin := env.sessionCookie(t, "admin-1", []string{"admin"})

	adjusted := env.doJSON(t, admin, http.MethodPost, "/api/admin/adjustments", map[string]any{
		"user_id":        "customer-5",
		"amount_credits": 16,
		"reason":         "support grant",
	}, http.StatusCreated)
	entry := adjusted["entry"].(map[string]any)
	if entry["kind"].(string) != "adjustment" {
		t.Fatalf("expected adjustment entry, got %v", entry["kind"])
	}

	first := env.submit(t, customer, []string{"stage1"}, "", http.StatusCreated)
	second := env.submit(t, customer, []string{"stage1"}, "", http.StatusCreated)
	firstID := first["request"].(map[string]any)["request_id"].(string)
	secondID := second["request"].(map[string]any)["request_id"].(string)

	// Raising the second request's priority moves it ahead of the older one.
	env.doJSON(t, admin, http.MethodPost, "/api/admin/requests/"+secondID+"/priority", map[string]any{
		"priority": 5,
	}, http.StatusOK)

	queue := env.doJSON(t, admin, http.MethodGet, "/api/admin/requests?status=pending", nil, http.StatusOK)
	listed := queue["requests"].([]any)
	if len(listed) != 2 {
		t.Fatalf("expected 2 queued requests, got %d", len(listed))
	}
	if listed[0].(map[string]any)["request_id"].(string) != secondID {
		t.Fatalf("expected prioritized request first, got %v", listed[0])
	}
	if listed[1].(map[string]any)["request_id"].(string) != firstID {
		t.Fatalf("expected older request second, got %v", listed[1])
	}
}

type testEnv struct {
	server *httptest.Server
	cfg    Config
}

func startTestServer(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(t.TempDir()+"/portal.db"), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open failed: %v", err)
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		t.Fatalf("automigrate failed: %v", err)
	}

	catalogStore := gormstore.NewCatalogStore(db)
	if err := catalogStore.SeedOptions(context.Background(), []catalog.Option{
		{OptionID: "stage1", Name: "Stage 1", CreditCost: 8},
		{OptionID: "dpf-off", Name: "DPF Off", CreditCost: 4},
	}); err != nil {
		t.Fatalf("seed options failed: %v", err)
	}

	store := gormstore.New(db)
	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := credits.NewService(store.Ledger(), clock)
	if err != nil {
		t.Fatalf("ledger service init failed: %v", err)
	}
	requestService, err := tuningreq.NewService(store.Requests(), clock)
	if err != nil {
		t.Fatalf("request service init failed: %v", err)
	}
	pricing, err := catalog.NewResolver(store.Catalog())
	if err != nil {
		t.Fatalf("resolver init failed: %v", err)
	}
	coordinator, err := submission.NewCoordinator(store, pricing, ledgerService)
	if err != nil {
		t.Fatalf("coordinator init failed: %v", err)
	}
	adminService, err := adminops.NewService(ledgerService, requestService, nil)
	if err != nil {
		t.Fatalf("admin service init failed: %v", err)
	}
	files, err := filestore.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store init failed: %v", err)
	}

	cfg := Config{
		ListenAddr:        ":0",
		AllowedOrigins:    []string{"http://localhost:3000"},
		SessionSigningKey: "secret-key",
		SessionIssuer:     "tauth",
		SessionCookieName: "portal_session",
	}
	server, err := NewServer(zap.NewNop(), cfg, coordinator, ledgerService, requestService, adminService, files)
	if err != nil {
		t.Fatalf("server init failed: %v", err)
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		t.Fatalf("validator init failed: %v", err)
	}

	httpServer := httptest.NewServer(server.Router(validator))
	t.Cleanup(httpServer.Close)
	return &testEnv{server: httpServer, cfg: cfg}
}

func (env *testEnv) sessionCookie(t *testing.T, userID string, roles []string) *http.Cookie {
	t.Helper()
	claims := &sessionvalidator.Claims{
		UserID:    userID,
		UserEmail: userID + "@example.com",
		UserRoles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    env.cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(env.cfg.SessionSigningKey))
	if err != nil {
		t.Fatalf("token signing failed: %v", err)
	}
	return &http.Cookie{Name: env.cfg.SessionCookieName, Value: signed}
}

func (env *testEnv) doJSON(t *testing.T, cookie *http.Cookie, method, path string, payload map[string]any, wantStatus int) map[string]any {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	request, err := http.NewRequest(method, env.server.URL+path, body)
	if err != nil {
		t.Fatalf("request init failed: %v", err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.AddCookie(cookie)
	response, err := env.server.Client().Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != wantStatus {
		raw, _ := io.ReadAll(response.Body)
		t.Fatalf("%s %s: expected status %d, got %d (%s)", method, path, wantStatus, response.StatusCode, raw)
	}
	decoded := map[string]any{}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil && err != io.EOF {
		t.Fatalf("decode failed: %v", err)
	}
	return decoded
}

func (env *testEnv) submit(t *testing.T, cookie *http.Cookie, optionIDs []string, idempotencyKey string, wantStatus int) map[string]any {
	t.Helper()
	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)
	filePart, err := writer.CreateFormFile("ecu_file", "stock.bin")
	if err != nil {
		t.Fatalf("form file failed: %v", err)
	}
	if _, err := filePart.Write([]byte("ecu-dump-bytes")); err != nil {
		t.Fatalf("file write failed: %v", err)
	}
	fields := map[string]string{
		"manufacturer_id": "vw",
		"model_id":        "golf-7",
		"production_year": "2016",
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("field write failed: %v", err)
		}
	}
	for _, optionID := range optionIDs {
		if err := writer.WriteField("option_ids", optionID); err != nil {
			t.Fatalf("option field failed: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("writer close failed: %v", err)
	}

	request, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/requests", &buffer)
	if err != nil {
		t.Fatalf("request init failed: %v", err)
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())
	if idempotencyKey != "" {
		request.Header.Set("Idempotency-Key", idempotencyKey)
	}
	request.AddCookie(cookie)
	response, err := env.server.Client().Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != wantStatus {
		raw, _ := io.ReadAll(response.Body)
		t.Fatalf("submit: expected status %d, got %d (%s)", wantStatus, response.StatusCode, raw)
	}
	decoded := map[string]any{}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return decoded
}
