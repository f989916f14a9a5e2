package adminops

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ecuworks/tuneportal/internal/tuningreq"
	"github.com/ecuworks/tuneportal/pkg/credits"
)

func TestAdjustCreditsRequiresAdminRole(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)

	_, err := fixture.service.AdjustCredits(context.Background(), Actor{UserID: "user-1", Role: RoleCustomer}, "user-2", 10, "goodwill")
	if !errors.Is(err, ErrForbidden) {
		test.Fatalf("expected ErrForbidden, got %v", err)
	}
	if fixture.ledgerStore.calls != 0 {
		test.Fatalf("role check must run before any store access, got %d calls", fixture.ledgerStore.calls)
	}
	if len(fixture.audit.actions) != 0 {
		test.Fatalf("forbidden attempts are not audited as actions, got %d", len(fixture.audit.actions))
	}
}

func TestAdjustCreditsAppendsAdjustment(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)

	entry, err := fixture.service.AdjustCredits(context.Background(), adminActor(), "user-2", -15, "refund dispute")
	if err != nil {
		test.Fatalf("adjust: %v", err)
	}
	if entry.Kind != credits.KindAdjustment || entry.Amount != -15 {
		test.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Reason != "refund dispute" {
		test.Fatalf("expected reason recorded, got %q", entry.Reason)
	}
	if len(fixture.audit.actions) != 1 {
		test.Fatalf("expected 1 audit action, got %d", len(fixture.audit.actions))
	}
	action := fixture.audit.actions[0]
	if action.Action != "adjust_credits" || action.Status != "ok" || action.TargetUserID != "user-2" {
		test.Fatalf("unexpected audit action: %+v", action)
	}
}

func TestAdjustCreditsWithoutReasonFailsAndIsAudited(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)

	_, err := fixture.service.AdjustCredits(context.Background(), adminActor(), "user-2", 5, "")
	if !errors.Is(err, credits.ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if len(fixture.audit.actions) != 1 || fixture.audit.actions[0].Status != "error" {
		test.Fatalf("expected audited failure, got %+v", fixture.audit.actions)
	}
}

func TestSetPriorityForbiddenForCustomer(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	requestID := fixture.requestStore.seed("user-2", tuningreq.StatusPending)

	_, err := fixture.service.SetPriority(context.Background(), Actor{UserID: "user-2", Role: RoleCustomer}, requestID, 3)
	if !errors.Is(err, ErrForbidden) {
		test.Fatalf("expected ErrForbidden, got %v", err)
	}
	if fixture.requestStore.requests[requestID].Priority != 0 {
		test.Fatal("priority must not change for forbidden caller")
	}
}

func TestSetPriorityUpdatesAndAudits(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	requestID := fixture.requestStore.seed("user-2", tuningreq.StatusPending)

	updated, err := fixture.service.SetPriority(context.Background(), adminActor(), requestID, 9)
	if err != nil {
		test.Fatalf("set priority: %v", err)
	}
	if updated.Priority != 9 {
		test.Fatalf("expected priority 9, got %d", updated.Priority)
	}
	if len(fixture.audit.actions) != 1 || fixture.audit.actions[0].Action != "set_priority" || fixture.audit.actions[0].Priority != 9 {
		test.Fatalf("unexpected audit trail: %+v", fixture.audit.actions)
	}
}

func TestTransitionStatusAppliesLifecycle(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	requestID := fixture.requestStore.seed("user-2", tuningreq.StatusPending)

	updated, err := fixture.service.TransitionStatus(context.Background(), adminActor(), requestID, tuningreq.StatusProcessing, "", "")
	if err != nil {
		test.Fatalf("transition: %v", err)
	}
	if updated.Status != tuningreq.StatusProcessing {
		test.Fatalf("expected processing, got %s", updated.Status)
	}
	if len(fixture.audit.actions) != 1 || fixture.audit.actions[0].NewStatus != "processing" {
		test.Fatalf("unexpected audit trail: %+v", fixture.audit.actions)
	}
}

func TestTransitionStatusFailureIsAudited(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	requestID := fixture.requestStore.seed("user-2", tuningreq.StatusCompleted)

	_, err := fixture.service.TransitionStatus(context.Background(), adminActor(), requestID, tuningreq.StatusProcessing, "", "")
	if !errors.Is(err, tuningreq.ErrInvalidTransition) {
		test.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if len(fixture.audit.actions) != 1 || fixture.audit.actions[0].Status != "error" {
		test.Fatalf("expected audited failure, got %+v", fixture.audit.actions)
	}
}

func TestListByPriorityForbidden(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)

	_, err := fixture.service.ListByPriority(context.Background(), Actor{UserID: "user-1", Role: RoleCustomer}, nil)
	if !errors.Is(err, ErrForbidden) {
		test.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func adminActor() Actor {
	return Actor{UserID: "admin-1", Role: RoleAdmin}
}

type fixture struct {
	service      *Service
	ledgerStore  *adminLedgerStub
	requestStore *adminRequestStub
	audit        *capturingAudit
}

func newFixture(test *testing.T) *fixture {
	test.Helper()
	ledgerStore := &adminLedgerStub{balances: make(map[string]credits.Credits)}
	requestStore := &adminRequestStub{requests: make(map[string]*tuningreq.Request)}
	audit := &capturingAudit{}

	ledgerService, err := credits.NewService(ledgerStore, func() int64 { return 100 })
	if err != nil {
		test.Fatalf("new ledger service: %v", err)
	}
	requestService, err := tuningreq.NewService(requestStore, func() int64 { return 100 })
	if err != nil {
		test.Fatalf("new request service: %v", err)
	}
	service, err := NewService(ledgerService, requestService, audit)
	if err != nil {
		test.Fatalf("new admin service: %v", err)
	}
	return &fixture{
		service:      service,
		ledgerStore:  ledgerStore,
		requestStore: requestStore,
		audit:        audit,
	}
}

type capturingAudit struct {
	actions []AdminAction
}

func (audit *capturingAudit) LogAdminAction(_ context.Context, action AdminAction) {
	audit.actions = append(audit.actions, action)
}

type adminLedgerStub struct {
	balances map[string]credits.Credits
	entries  []credits.Entry
	calls    int
}

func (store *adminLedgerStub) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	store.calls++
	return fn(ctx, store)
}

func (store *adminLedgerStub) Balance(ctx context.Context, userID string) (credits.Credits, bool, error) {
	store.calls++
	balance, found := store.balances[userID]
	return balance, found, nil
}

func (store *adminLedgerStub) BalanceForUpdate(ctx context.Context, userID string) (credits.Credits, bool, error) {
	return store.Balance(ctx, userID)
}

func (store *adminLedgerStub) ApplyBalanceDelta(ctx context.Context, userID string, delta credits.Credits, atUnixUTC int64) error {
	store.calls++
	store.balances[userID] += delta
	return nil
}

func (store *adminLedgerStub) InsertEntry(ctx context.Context, entry credits.Entry) (credits.Entry, error) {
	store.calls++
	entry.EntryID = "entry-1"
	store.entries = append(store.entries, entry)
	return entry, nil
}

func (store *adminLedgerStub) ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]credits.Entry, error) {
	store.calls++
	return append([]credits.Entry(nil), store.entries...), nil
}

type adminRequestStub struct {
	requests map[string]*tuningreq.Request
	nextID   int
}

func (store *adminRequestStub) seed(userID string, status tuningreq.Status) string {
	store.nextID++
	requestID := fmt.Sprintf("req-%d", store.nextID)
	store.requests[requestID] = &tuningreq.Request{
		RequestID:      requestID,
		UserID:         userID,
		Status:         status,
		CreatedUnixUTC: 50,
		UpdatedUnixUTC: 50,
	}
	return requestID
}

func (store *adminRequestStub) WithTx(ctx context.Context, fn func(ctx context.Context, txStore tuningreq.Store) error) error {
	return fn(ctx, store)
}

func (store *adminRequestStub) InsertRequest(ctx context.Context, request tuningreq.Request) (tuningreq.Request, error) {
	store.nextID++
	request.RequestID = "req-new"
	stored := request
	store.requests[request.RequestID] = &stored
	return request, nil
}

func (store *adminRequestStub) InsertSelections(ctx context.Context, requestID string, selections []tuningreq.OptionSelection) error {
	return nil
}

func (store *adminRequestStub) GetRequest(ctx context.Context, requestID string) (tuningreq.Request, bool, error) {
	request, found := store.requests[requestID]
	if !found {
		return tuningreq.Request{}, false, nil
	}
	return *request, true, nil
}

func (store *adminRequestStub) GetRequestForUpdate(ctx context.Context, requestID string) (tuningreq.Request, bool, error) {
	return store.GetRequest(ctx, requestID)
}

func (store *adminRequestStub) FindByIdempotencyKey(ctx context.Context, userID string, idempotencyKey string) (tuningreq.Request, bool, error) {
	return tuningreq.Request{}, false, nil
}

func (store *adminRequestStub) ListSelections(ctx context.Context, requestID string) ([]tuningreq.OptionSelection, error) {
	return nil, nil
}

func (store *adminRequestStub) UpdateStatus(ctx context.Context, requestID string, from tuningreq.Status, to tuningreq.Status, update tuningreq.StatusUpdate) (bool, error) {
	request, found := store.requests[requestID]
	if !found || request.Status != from {
		return false, nil
	}
	request.Status = to
	request.UpdatedUnixUTC = update.UpdatedUnixUTC
	return true, nil
}

func (store *adminRequestStub) UpdatePriority(ctx context.Context, requestID string, priority int, atUnixUTC int64) error {
	request, found := store.requests[requestID]
	if !found {
		return tuningreq.ErrUnknownRequest
	}
	request.Priority = priority
	request.UpdatedUnixUTC = atUnixUTC
	return nil
}

func (store *adminRequestStub) ListRequests(ctx context.Context, filter *tuningreq.Status) ([]tuningreq.Request, error) {
	requests := make([]tuningreq.Request, 0, len(store.requests))
	for _, request := range store.requests {
		if filter != nil && request.Status != *filter {
			continue
		}
		requests = append(requests, *request)
	}
	return requests, nil
}
