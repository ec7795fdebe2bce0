package entitlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rosterhq/integrations/pkg/entitlement"
	"github.com/rosterhq/integrations/storage/memory"
)

func newTestReconciler(t *testing.T) (*entitlement.Reconciler, *memory.Store) {
	t.Helper()
	store := memory.New()
	r, err := entitlement.NewReconciler(entitlement.ReconcilerConfig{Store: store})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	return r, store
}

func mustGet(t *testing.T, store *memory.Store, userID string) *entitlement.Record {
	t.Helper()
	rec, err := store.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("Get(%s): %v", userID, err)
	}
	return rec
}

func activateSubscription(t *testing.T, r *entitlement.Reconciler, userID string, tier entitlement.Tier, cycle entitlement.BillingCycle) {
	t.Helper()
	err := r.ApplyCheckoutCompleted(context.Background(), entitlement.Checkout{
		EventID:        "evt_checkout_" + userID,
		UserID:         userID,
		Kind:           entitlement.CheckoutSubscription,
		CustomerID:     "cus_" + userID,
		SubscriptionID: "sub_" + userID,
		Plan:           &entitlement.Plan{Tier: tier, Cycle: cycle},
	})
	if err != nil {
		t.Fatalf("ApplyCheckoutCompleted: %v", err)
	}
}

func TestSubscriptionCheckoutActivates(t *testing.T) {
	r, store := newTestReconciler(t)
	activateSubscription(t, r, "u1", entitlement.TierPro, entitlement.CycleMonthly)

	rec := mustGet(t, store, "u1")
	if rec.Tier != entitlement.TierPro {
		t.Errorf("tier = %s, want pro", rec.Tier)
	}
	if rec.SubscriptionStatus != entitlement.StatusActive {
		t.Errorf("status = %s, want active", rec.SubscriptionStatus)
	}
	if rec.ReviewCredits != 20 {
		t.Errorf("reviewCredits = %d, want 20", rec.ReviewCredits)
	}
	if rec.ReviewCreditsUsed != 0 {
		t.Errorf("reviewCreditsUsed = %d, want 0", rec.ReviewCreditsUsed)
	}
	if rec.ExternalSubscriptionID != "sub_u1" {
		t.Errorf("subscription id = %q, want sub_u1", rec.ExternalSubscriptionID)
	}
	if rec.ExternalCustomerID != "cus_u1" {
		t.Errorf("customer id = %q, want cus_u1", rec.ExternalCustomerID)
	}
	if len(rec.Transactions) != 1 || rec.Transactions[0].Type != entitlement.TxSubscriptionStart {
		t.Fatalf("transactions = %+v, want one subscription_start", rec.Transactions)
	}
}

func TestSubscriptionCheckoutIdempotentReplay(t *testing.T) {
	r, store := newTestReconciler(t)
	checkout := entitlement.Checkout{
		EventID:        "evt_1",
		UserID:         "u1",
		Kind:           entitlement.CheckoutSubscription,
		SubscriptionID: "sub_1",
		Plan:           &entitlement.Plan{Tier: entitlement.TierStarter, Cycle: entitlement.CycleMonthly},
	}
	ctx := context.Background()
	if err := r.ApplyCheckoutCompleted(ctx, checkout); err != nil {
		t.Fatal(err)
	}
	first := mustGet(t, store, "u1")

	// Redelivery of the same event converges on the same state.
	if err := r.ApplyCheckoutCompleted(ctx, checkout); err != nil {
		t.Fatal(err)
	}
	second := mustGet(t, store, "u1")

	if second.Tier != first.Tier || second.ReviewCredits != first.ReviewCredits ||
		second.SubscriptionStatus != first.SubscriptionStatus {
		t.Errorf("replay changed state: first=%+v second=%+v", first, second)
	}
	if second.LastTransaction != "evt_1" {
		t.Errorf("lastTransaction = %q, want evt_1", second.LastTransaction)
	}
}

func TestCheckoutWithoutPlanKeepsStored(t *testing.T) {
	r, store := newTestReconciler(t)
	activateSubscription(t, r, "u1", entitlement.TierBusiness, entitlement.CycleMonthly)

	err := r.ApplyCheckoutCompleted(context.Background(), entitlement.Checkout{
		EventID: "evt_2",
		UserID:  "u1",
		Kind:    entitlement.CheckoutSubscription,
		Plan:    nil, // resolution failed
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := mustGet(t, store, "u1")
	if rec.Tier != entitlement.TierBusiness {
		t.Errorf("tier = %s, want business retained", rec.Tier)
	}
	if rec.ReviewCredits != 50 {
		t.Errorf("reviewCredits = %d, want 50", rec.ReviewCredits)
	}
}

func TestAnonymousCheckoutSkipped(t *testing.T) {
	r, store := newTestReconciler(t)
	err := r.ApplyCheckoutCompleted(context.Background(), entitlement.Checkout{
		EventID: "evt_anon",
		UserID:  entitlement.AnonymousUserID,
		Kind:    entitlement.CheckoutSubscription,
		Plan:    &entitlement.Plan{Tier: entitlement.TierPro, Cycle: entitlement.CycleMonthly},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(context.Background(), entitlement.AnonymousUserID); err != entitlement.ErrRecordNotFound {
		t.Errorf("expected no record for anonymous user, got err=%v", err)
	}
}

func TestCreditPackAddsToPurchasedBalance(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()

	err := r.ApplyCheckoutCompleted(ctx, entitlement.Checkout{
		EventID: "evt_pack_1",
		UserID:  "u1",
		Kind:    entitlement.CheckoutCreditPack,
		Credits: 10,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := mustGet(t, store, "u1")
	if rec.PurchasedCredits != 10 {
		t.Errorf("purchasedCredits = %d, want 10", rec.PurchasedCredits)
	}

	// Replay of the same event id must not double-grant.
	err = r.ApplyCheckoutCompleted(ctx, entitlement.Checkout{
		EventID: "evt_pack_1",
		UserID:  "u1",
		Kind:    entitlement.CheckoutCreditPack,
		Credits: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec := mustGet(t, store, "u1"); rec.PurchasedCredits != 10 {
		t.Errorf("purchasedCredits after replay = %d, want 10", rec.PurchasedCredits)
	}
}

func TestCreditPackRejectsNonPositiveAmount(t *testing.T) {
	r, _ := newTestReconciler(t)
	err := r.ApplyCheckoutCompleted(context.Background(), entitlement.Checkout{
		EventID: "evt_bad",
		UserID:  "u1",
		Kind:    entitlement.CheckoutCreditPack,
		Credits: 0,
	})
	if err == nil {
		t.Fatal("expected error for zero-credit pack")
	}
}

func TestConcurrentCreditPacksSumExactly(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, eventID := range []string{"evt_a", "evt_b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = r.ApplyCheckoutCompleted(ctx, entitlement.Checkout{
				EventID: id,
				UserID:  "u1",
				Kind:    entitlement.CheckoutCreditPack,
				Credits: 10,
			})
		}(eventID)
	}
	wg.Wait()

	if rec := mustGet(t, store, "u1"); rec.PurchasedCredits != 20 {
		t.Errorf("purchasedCredits = %d, want exactly 20", rec.PurchasedCredits)
	}
}

func TestConsultationRecordsTransactionOnly(t *testing.T) {
	r, store := newTestReconciler(t)
	err := r.ApplyCheckoutCompleted(context.Background(), entitlement.Checkout{
		EventID: "evt_consult",
		UserID:  "u1",
		Kind:    entitlement.CheckoutConsultation,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := mustGet(t, store, "u1")
	if rec.ReviewCredits != 0 || rec.PurchasedCredits != 0 {
		t.Errorf("consultation changed credits: %+v", rec)
	}
	if len(rec.Transactions) != 1 || rec.Transactions[0].Type != entitlement.TxConsultation {
		t.Fatalf("transactions = %+v, want one consultation entry", rec.Transactions)
	}
}

func TestInvoicePaidSkipsInitialInvoice(t *testing.T) {
	r, store := newTestReconciler(t)
	err := r.ApplyInvoicePaid(context.Background(), entitlement.Renewal{
		EventID:       "evt_inv",
		UserID:        "u1",
		BillingReason: entitlement.BillingReasonSubscriptionCreate,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(context.Background(), "u1"); err != entitlement.ErrRecordNotFound {
		t.Errorf("initial invoice should not create a record, got err=%v", err)
	}
}

func TestRenewalResetsUsageAndReactivates(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()
	activateSubscription(t, r, "u1", entitlement.TierPro, entitlement.CycleMonthly)

	// Simulate mid-cycle usage and a failed payment.
	if err := store.Merge(ctx, "u1", map[string]interface{}{
		entitlement.FieldReviewCreditsUsed: 15,
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.ApplyPaymentFailed(ctx, entitlement.PaymentFailure{
		EventID: "evt_fail", UserID: "u1", SubscriptionID: "sub_u1",
	}); err != nil {
		t.Fatal(err)
	}
	if rec := mustGet(t, store, "u1"); rec.SubscriptionStatus != entitlement.StatusPastDue {
		t.Fatalf("status = %s, want past_due", rec.SubscriptionStatus)
	}

	periodEnd := time.Now().UTC().AddDate(0, 1, 0)
	err := r.ApplyInvoicePaid(ctx, entitlement.Renewal{
		EventID:   "evt_renew",
		UserID:    "u1",
		PeriodEnd: &periodEnd,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := mustGet(t, store, "u1")
	if rec.SubscriptionStatus != entitlement.StatusActive {
		t.Errorf("status = %s, want active after renewal", rec.SubscriptionStatus)
	}
	if rec.ReviewCredits != 20 {
		t.Errorf("reviewCredits = %d, want 20", rec.ReviewCredits)
	}
	if rec.ReviewCreditsUsed != 0 {
		t.Errorf("reviewCreditsUsed = %d, want reset to 0", rec.ReviewCreditsUsed)
	}
	if rec.SubscriptionPeriodEnd == nil || !rec.SubscriptionPeriodEnd.Equal(periodEnd) {
		t.Errorf("periodEnd = %v, want %v", rec.SubscriptionPeriodEnd, periodEnd)
	}
	if rec.LastPaymentFailedAt == nil {
		t.Error("lastPaymentFailedAt should survive renewal (merge never clears it)")
	}
}

func TestRenewalForUnknownRecordIsNoop(t *testing.T) {
	r, store := newTestReconciler(t)
	err := r.ApplyInvoicePaid(context.Background(), entitlement.Renewal{
		EventID: "evt_renew", UserID: "ghost",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(context.Background(), "ghost"); err != entitlement.ErrRecordNotFound {
		t.Errorf("renewal should not create a record, got err=%v", err)
	}
}

func TestRenewalUsesStoredPlanNotEventData(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()
	activateSubscription(t, r, "u1", entitlement.TierBusiness, entitlement.CycleAnnual)

	if err := r.ApplyInvoicePaid(ctx, entitlement.Renewal{EventID: "evt_r", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}

	if rec := mustGet(t, store, "u1"); rec.ReviewCredits != 600 {
		t.Errorf("annual business renewal granted %d, want 600", rec.ReviewCredits)
	}
}

func TestPaymentFailedKeepsCredits(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()
	activateSubscription(t, r, "u1", entitlement.TierStarter, entitlement.CycleMonthly)

	failedAt := time.Now().UTC().Add(-time.Hour)
	err := r.ApplyPaymentFailed(ctx, entitlement.PaymentFailure{
		EventID: "evt_pf", UserID: "u1", FailedAt: failedAt,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := mustGet(t, store, "u1")
	if rec.SubscriptionStatus != entitlement.StatusPastDue {
		t.Errorf("status = %s, want past_due", rec.SubscriptionStatus)
	}
	if rec.ReviewCredits != 5 {
		t.Errorf("reviewCredits = %d, want untouched 5", rec.ReviewCredits)
	}
	if rec.LastPaymentFailedAt == nil || !rec.LastPaymentFailedAt.Equal(failedAt) {
		t.Errorf("lastPaymentFailedAt = %v, want %v", rec.LastPaymentFailedAt, failedAt)
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	called []string
}

func (n *recordingNotifier) SubscriptionCanceled(_ context.Context, userID string, _ *entitlement.Record) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.called = append(n.called, userID)
	return nil
}

func TestCancellationClearsSubscriptionState(t *testing.T) {
	store := memory.New()
	notifier := &recordingNotifier{}
	r, err := entitlement.NewReconciler(entitlement.ReconcilerConfig{Store: store, Notifier: notifier})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	activateSubscription(t, r, "u1", entitlement.TierPro, entitlement.CycleMonthly)

	// Purchased credits must survive cancellation.
	if err := r.ApplyCheckoutCompleted(ctx, entitlement.Checkout{
		EventID: "evt_pack", UserID: "u1", Kind: entitlement.CheckoutCreditPack, Credits: 7,
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.ApplySubscriptionCanceled(ctx, entitlement.Cancellation{
		EventID: "evt_cancel", UserID: "u1", SubscriptionID: "sub_u1",
	}); err != nil {
		t.Fatal(err)
	}

	rec := mustGet(t, store, "u1")
	if rec.Tier != entitlement.TierFree {
		t.Errorf("tier = %s, want free", rec.Tier)
	}
	if rec.SubscriptionStatus != entitlement.StatusCanceled {
		t.Errorf("status = %s, want canceled", rec.SubscriptionStatus)
	}
	if rec.ReviewCredits != 0 || rec.ReviewCreditsUsed != 0 {
		t.Errorf("credits = %d/%d, want 0/0", rec.ReviewCredits, rec.ReviewCreditsUsed)
	}
	if rec.ExternalSubscriptionID != "" {
		t.Errorf("subscription id = %q, want cleared", rec.ExternalSubscriptionID)
	}
	if rec.ExternalCustomerID != "cus_u1" {
		t.Errorf("customer id = %q, want retained for re-subscribe", rec.ExternalCustomerID)
	}
	if rec.PurchasedCredits != 7 {
		t.Errorf("purchasedCredits = %d, want 7 surviving cancellation", rec.PurchasedCredits)
	}
	if len(notifier.called) != 1 || notifier.called[0] != "u1" {
		t.Errorf("notifier calls = %v, want [u1]", notifier.called)
	}
}

func TestCancellationForUnknownUserIsNoop(t *testing.T) {
	r, _ := newTestReconciler(t)
	if err := r.ApplySubscriptionCanceled(context.Background(), entitlement.Cancellation{
		EventID: "evt_cancel", UserID: "ghost",
	}); err != nil {
		t.Fatal(err)
	}
}

func TestScheduledCancellationAndRevert(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()
	activateSubscription(t, r, "u1", entitlement.TierPro, entitlement.CycleMonthly)

	periodEnd := time.Now().UTC().AddDate(0, 1, 0)
	err := r.ApplySubscriptionUpdated(ctx, entitlement.SubscriptionUpdate{
		EventID:           "evt_sched",
		UserID:            "u1",
		Status:            entitlement.StatusActive,
		CancelAtPeriodEnd: true,
		PeriodEnd:         &periodEnd,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := mustGet(t, store, "u1")
	if rec.SubscriptionStatus != entitlement.StatusCanceling || !rec.CancelAtPeriodEnd {
		t.Fatalf("after schedule: status=%s cancelAtPeriodEnd=%v", rec.SubscriptionStatus, rec.CancelAtPeriodEnd)
	}
	if rec.ReviewCredits != 20 {
		t.Errorf("credits = %d, want unchanged 20 during wind-down", rec.ReviewCredits)
	}

	err = r.ApplySubscriptionUpdated(ctx, entitlement.SubscriptionUpdate{
		EventID: "evt_revert",
		UserID:  "u1",
		Status:  entitlement.StatusActive,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec = mustGet(t, store, "u1")
	if rec.SubscriptionStatus != entitlement.StatusActive || rec.CancelAtPeriodEnd {
		t.Fatalf("after revert: status=%s cancelAtPeriodEnd=%v", rec.SubscriptionStatus, rec.CancelAtPeriodEnd)
	}

	types := []string{}
	for _, tx := range rec.Transactions {
		types = append(types, tx.Type)
	}
	want := []string{entitlement.TxSubscriptionStart, entitlement.TxCancelScheduled, entitlement.TxCancelReverted}
	if len(types) != len(want) {
		t.Fatalf("transaction types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("transaction types = %v, want %v", types, want)
		}
	}
}

func TestPlanUpgradeProMonthlyToBusinessAnnual(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()
	activateSubscription(t, r, "u1", entitlement.TierPro, entitlement.CycleMonthly)

	err := r.ApplySubscriptionUpdated(ctx, entitlement.SubscriptionUpdate{
		EventID: "evt_upgrade",
		UserID:  "u1",
		Status:  entitlement.StatusActive,
		Plan:    &entitlement.Plan{Tier: entitlement.TierBusiness, Cycle: entitlement.CycleAnnual},
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := mustGet(t, store, "u1")
	if rec.Tier != entitlement.TierBusiness || rec.BillingCycle != entitlement.CycleAnnual {
		t.Fatalf("plan = %s/%s, want business/annual", rec.Tier, rec.BillingCycle)
	}
	if rec.ReviewCredits != 600 {
		t.Errorf("reviewCredits = %d, want 600", rec.ReviewCredits)
	}
	if rec.ReviewCreditsUsed != 0 {
		t.Errorf("reviewCreditsUsed = %d, want reset to 0", rec.ReviewCreditsUsed)
	}

	last := rec.Transactions[len(rec.Transactions)-1]
	if last.Type != entitlement.TxPlanUpgrade {
		t.Errorf("tx type = %s, want plan_upgrade", last.Type)
	}
	if last.OldCredits != 20 || last.NewCredits != 600 {
		t.Errorf("tx credits = %d -> %d, want 20 -> 600", last.OldCredits, last.NewCredits)
	}
}

func TestPlanDowngradeRecordsDowngrade(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()
	activateSubscription(t, r, "u1", entitlement.TierBusiness, entitlement.CycleMonthly)

	err := r.ApplySubscriptionUpdated(ctx, entitlement.SubscriptionUpdate{
		EventID: "evt_downgrade",
		UserID:  "u1",
		Status:  entitlement.StatusActive,
		Plan:    &entitlement.Plan{Tier: entitlement.TierStarter, Cycle: entitlement.CycleMonthly},
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := mustGet(t, store, "u1")
	if rec.ReviewCredits != 5 {
		t.Errorf("reviewCredits = %d, want 5", rec.ReviewCredits)
	}
	last := rec.Transactions[len(rec.Transactions)-1]
	if last.Type != entitlement.TxPlanDowngrade {
		t.Errorf("tx type = %s, want plan_downgrade", last.Type)
	}
}

func TestSamePlanUpdateIsNoop(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()
	activateSubscription(t, r, "u1", entitlement.TierPro, entitlement.CycleMonthly)
	before := mustGet(t, store, "u1")

	err := r.ApplySubscriptionUpdated(ctx, entitlement.SubscriptionUpdate{
		EventID: "evt_same",
		UserID:  "u1",
		Status:  entitlement.StatusActive,
		Plan:    &entitlement.Plan{Tier: entitlement.TierPro, Cycle: entitlement.CycleMonthly},
	})
	if err != nil {
		t.Fatal(err)
	}

	after := mustGet(t, store, "u1")
	if len(after.Transactions) != len(before.Transactions) {
		t.Errorf("same-plan update appended a transaction: %+v", after.Transactions)
	}
}

func TestDelinquencyStatusPassthrough(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()
	activateSubscription(t, r, "u1", entitlement.TierPro, entitlement.CycleMonthly)

	err := r.ApplySubscriptionUpdated(ctx, entitlement.SubscriptionUpdate{
		EventID: "evt_unpaid",
		UserID:  "u1",
		Status:  entitlement.StatusUnpaid,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := mustGet(t, store, "u1")
	if rec.SubscriptionStatus != entitlement.StatusUnpaid {
		t.Errorf("status = %s, want unpaid", rec.SubscriptionStatus)
	}
	if rec.ReviewCredits != 20 {
		t.Errorf("reviewCredits = %d, want untouched 20", rec.ReviewCredits)
	}
}
