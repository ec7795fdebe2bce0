package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rosterhq/integrations/pkg/entitlement"
	memstore "github.com/rosterhq/integrations/storage/memory"
)

const testUserID = "user123"

func newTestHandler(t *testing.T) (*Handler, entitlement.Store) {
	t.Helper()
	store := memstore.New()
	handler, err := NewHandler(Config{
		Store:     store,
		GetUserID: FromHeader("X-User-ID"),
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return handler, store
}

func seedProRecord(t *testing.T, store entitlement.Store) {
	t.Helper()
	periodEnd := time.Date(2026, time.September, 30, 0, 0, 0, 0, time.UTC)
	err := store.Merge(context.Background(), testUserID, map[string]interface{}{
		entitlement.FieldTier:                  entitlement.TierPro,
		entitlement.FieldBillingCycle:          entitlement.CycleMonthly,
		entitlement.FieldReviewCredits:         20,
		entitlement.FieldReviewCreditsUsed:     6,
		entitlement.FieldSubscriptionStatus:    entitlement.StatusActive,
		entitlement.FieldSubscriptionPeriodEnd: &periodEnd,
		entitlement.FieldUpdatedAt:             time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func getUsage(t *testing.T, handler *Handler, userID, target string) (*httptest.ResponseRecorder, UsageResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	recorder := httptest.NewRecorder()
	handler.GetUsage(recorder, req)

	var response UsageResponse
	if recorder.Code == http.StatusOK {
		if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return recorder, response
}

func TestGetUsageActiveSubscription(t *testing.T) {
	handler, store := newTestHandler(t)
	seedProRecord(t, store)

	tx := entitlement.Transaction{ID: "t1", EventID: "evt_1", Type: entitlement.TxCreditPack, Quantity: 10, Timestamp: time.Now().UTC()}
	if err := store.AddPurchasedCredits(context.Background(), testUserID, 10, tx); err != nil {
		t.Fatalf("AddPurchasedCredits: %v", err)
	}

	recorder, response := getUsage(t, handler, testUserID, "/entitlements")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if response.Tier != entitlement.TierPro {
		t.Errorf("expected tier pro, got %s", response.Tier)
	}
	if response.Status != "active" {
		t.Errorf("expected status active, got %s", response.Status)
	}
	if response.Credits.Granted != 20 || response.Credits.Used != 6 {
		t.Errorf("unexpected grant usage: %+v", response.Credits)
	}
	if response.Credits.Purchased != 10 {
		t.Errorf("expected 10 purchased credits, got %d", response.Credits.Purchased)
	}
	if response.Credits.Available != 24 {
		t.Errorf("expected 24 available (14 remaining + 10 purchased), got %d", response.Credits.Available)
	}
	if response.SubscriptionPeriodEnd == nil {
		t.Error("expected subscription period end")
	}
	if len(response.History) != 0 {
		t.Errorf("history should be omitted without ?history=1, got %d entries", len(response.History))
	}
}

func TestGetUsageUnknownUserDefaultsToFree(t *testing.T) {
	handler, _ := newTestHandler(t)

	recorder, response := getUsage(t, handler, "stranger", "/entitlements")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if response.Tier != entitlement.TierFree {
		t.Errorf("expected free tier default, got %s", response.Tier)
	}
	if response.Status != statusNone {
		t.Errorf("expected status none, got %s", response.Status)
	}
	if response.Credits.Available != 0 {
		t.Errorf("expected zero credits, got %d", response.Credits.Available)
	}
}

func TestGetUsageIncludesHistoryOnRequest(t *testing.T) {
	handler, store := newTestHandler(t)
	seedProRecord(t, store)
	tx := entitlement.Transaction{ID: "t1", Type: entitlement.TxSubscriptionStart, Timestamp: time.Now().UTC()}
	if err := store.AppendTransaction(context.Background(), testUserID, tx); err != nil {
		t.Fatalf("AppendTransaction: %v", err)
	}

	_, response := getUsage(t, handler, testUserID, "/entitlements?history=1")
	if len(response.History) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(response.History))
	}
	if response.History[0].Type != entitlement.TxSubscriptionStart {
		t.Errorf("unexpected history entry: %+v", response.History[0])
	}
}

func TestGetUsageRejectsMissingAndInvalidUser(t *testing.T) {
	handler, _ := newTestHandler(t)

	recorder, _ := getUsage(t, handler, "", "/entitlements")
	if recorder.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without user id, got %d", recorder.Code)
	}

	recorder, _ = getUsage(t, handler, entitlement.AnonymousUserID, "/entitlements")
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for anonymous user, got %d", recorder.Code)
	}

	recorder, _ = getUsage(t, handler, strings.Repeat("x", maxUserIDLen+1), "/entitlements")
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for oversized user id, got %d", recorder.Code)
	}
}

func postGrant(t *testing.T, handler *Handler, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/entitlements/credits", strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	recorder := httptest.NewRecorder()
	handler.GrantCredits(recorder, req)
	return recorder
}

func TestGrantCreditsAddsBalance(t *testing.T) {
	handler, store := newTestHandler(t)

	recorder := postGrant(t, handler, testUserID, `{"credits":15,"event_id":"comp_1","reason":"support comp"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	record, err := store.Get(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.PurchasedCredits != 15 {
		t.Errorf("expected 15 purchased credits, got %d", record.PurchasedCredits)
	}
	if len(record.Transactions) != 1 || record.Transactions[0].EventID != "comp_1" {
		t.Errorf("unexpected audit trail: %+v", record.Transactions)
	}
}

func TestGrantCreditsIdempotentOnEventID(t *testing.T) {
	handler, store := newTestHandler(t)

	for i := 0; i < 2; i++ {
		recorder := postGrant(t, handler, testUserID, `{"credits":15,"event_id":"comp_1"}`)
		if recorder.Code != http.StatusOK {
			t.Fatalf("expected 200 on attempt %d, got %d", i, recorder.Code)
		}
	}

	record, err := store.Get(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.PurchasedCredits != 15 {
		t.Errorf("replayed grant should not double-apply, got %d credits", record.PurchasedCredits)
	}
}

func TestGrantCreditsValidation(t *testing.T) {
	handler, _ := newTestHandler(t)

	if recorder := postGrant(t, handler, testUserID, `{"credits":0}`); recorder.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero credits, got %d", recorder.Code)
	}
	if recorder := postGrant(t, handler, testUserID, `not json`); recorder.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", recorder.Code)
	}
	if recorder := postGrant(t, handler, "", `{"credits":5}`); recorder.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without user id, got %d", recorder.Code)
	}
}

func TestNewHandlerValidatesConfig(t *testing.T) {
	if _, err := NewHandler(Config{}); err == nil {
		t.Error("expected error for missing store and getUserID")
	}
	if _, err := NewHandler(Config{Store: memstore.New()}); err == nil {
		t.Error("expected error for missing getUserID")
	}
}
