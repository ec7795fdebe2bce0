package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stripe/stripe-go/v83"

	"github.com/rosterhq/integrations/pkg/billing"
	"github.com/rosterhq/integrations/pkg/entitlement"
	"github.com/rosterhq/integrations/storage/memory"
)

// recordingMetrics captures tier transitions for assertions.
type recordingMetrics struct {
	billing.NoopMetrics
	mu          sync.Mutex
	tierChanges []string
}

func (m *recordingMetrics) RecordTierChange(provider, fromTier, toTier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tierChanges = append(m.tierChanges, fmt.Sprintf("%s:%s->%s", provider, fromTier, toTier))
}

func (m *recordingMetrics) changes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tierChanges...)
}

// newAPITestProvider builds a provider whose Stripe client talks to the given
// handler instead of the live API.
func newAPITestProvider(t *testing.T, metrics billing.Metrics, resolver func(context.Context, string) (string, error), handler http.Handler) (*Provider, *memory.Store) {
	t.Helper()
	store := memory.New()
	reconciler, err := entitlement.NewReconciler(entitlement.ReconcilerConfig{Store: store})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	provider, err := NewProvider(Config{
		Config:             billing.Config{Reconciler: reconciler, Metrics: metrics},
		StripeAPIKey:       testAPIKey,
		CustomerIDResolver: resolver,
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL: stripe.String(server.URL),
	})
	provider.stripeClient = stripe.NewClient(testAPIKey, stripe.WithBackends(&stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	}))
	return provider, store
}

func jsonResponse(t *testing.T, w http.ResponseWriter, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func emptyCustomerSearch(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/customers/search", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(t, w, map[string]interface{}{
			"object":   "search_result",
			"url":      "/v1/customers/search",
			"has_more": false,
			"data":     []interface{}{},
		})
	})
	return mux
}

func activeSubscriptionList(t *testing.T, unitAmount int64) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(t, w, map[string]interface{}{
			"object":   "list",
			"url":      "/v1/subscriptions",
			"has_more": false,
			"data": []interface{}{
				map[string]interface{}{
					"id":                   "sub_1",
					"object":               "subscription",
					"status":               "active",
					"created":              1700000000,
					"cancel_at_period_end": false,
					"metadata":             map[string]string{"user_id": "u1"},
					"items": map[string]interface{}{
						"object": "list",
						"data": []interface{}{
							map[string]interface{}{
								"id":                 "si_1",
								"object":             "subscription_item",
								"current_period_end": 1735689600,
								"price": map[string]interface{}{
									"id":          "price_live",
									"object":      "price",
									"unit_amount": unitAmount,
									"recurring":   map[string]interface{}{"interval": "month"},
								},
							},
						},
					},
				},
			},
		})
	})
	return mux
}

func TestSyncUserRejectsAnonymousUser(t *testing.T) {
	provider, _ := newTestProvider(t, "")

	tier, err := provider.SyncUser(context.Background(), entitlement.AnonymousUserID)
	if !errors.Is(err, entitlement.ErrUnresolvableUser) {
		t.Fatalf("err = %v, want ErrUnresolvableUser", err)
	}
	if tier != "" {
		t.Errorf("tier = %q, want empty", tier)
	}
}

func TestSyncUserDowngradesUnknownCustomerToFree(t *testing.T) {
	metrics := &recordingMetrics{}
	provider, store := newAPITestProvider(t, metrics, nil, emptyCustomerSearch(t))

	ctx := context.Background()
	if err := store.Merge(ctx, "u1", map[string]interface{}{entitlement.FieldTier: entitlement.TierPro}); err != nil {
		t.Fatal(err)
	}

	tier, err := provider.SyncUser(ctx, "u1")
	if err != nil {
		t.Fatalf("SyncUser: %v", err)
	}
	if tier != string(entitlement.TierFree) {
		t.Errorf("tier = %q, want free", tier)
	}

	rec, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Tier != entitlement.TierFree {
		t.Errorf("stored tier = %s, want free", rec.Tier)
	}

	want := []string{"stripe:pro->free"}
	if got := metrics.changes(); len(got) != 1 || got[0] != want[0] {
		t.Errorf("tier changes = %v, want %v", got, want)
	}
}

func TestSyncUserAppliesActiveSubscription(t *testing.T) {
	metrics := &recordingMetrics{}
	resolver := func(ctx context.Context, userID string) (string, error) {
		return "cus_1", nil
	}
	provider, store := newAPITestProvider(t, metrics, resolver, activeSubscriptionList(t, 7900))

	ctx := context.Background()
	tier, err := provider.SyncUser(ctx, "u1")
	if err != nil {
		t.Fatalf("SyncUser: %v", err)
	}
	if tier != string(entitlement.TierPro) {
		t.Errorf("tier = %q, want pro", tier)
	}

	rec, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Tier != entitlement.TierPro {
		t.Errorf("stored tier = %s, want pro", rec.Tier)
	}
	if rec.ExternalSubscriptionID != "sub_1" {
		t.Errorf("subscription id = %q, want sub_1", rec.ExternalSubscriptionID)
	}

	want := []string{"stripe:free->pro"}
	if got := metrics.changes(); len(got) != 1 || got[0] != want[0] {
		t.Errorf("tier changes = %v, want %v", got, want)
	}
}

func TestSyncUserKeepsTierWhenUnchanged(t *testing.T) {
	metrics := &recordingMetrics{}
	resolver := func(ctx context.Context, userID string) (string, error) {
		return "cus_1", nil
	}
	provider, store := newAPITestProvider(t, metrics, resolver, activeSubscriptionList(t, 7900))

	ctx := context.Background()
	if err := store.Merge(ctx, "u1", map[string]interface{}{entitlement.FieldTier: entitlement.TierPro}); err != nil {
		t.Fatal(err)
	}

	tier, err := provider.SyncUser(ctx, "u1")
	if err != nil {
		t.Fatalf("SyncUser: %v", err)
	}
	if tier != string(entitlement.TierPro) {
		t.Errorf("tier = %q, want pro", tier)
	}
	if got := metrics.changes(); len(got) != 0 {
		t.Errorf("tier changes = %v, want none for an unchanged tier", got)
	}
}
