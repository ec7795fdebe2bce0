package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Notifier delivers out-of-band alerts for entitlement transitions. Delivery
// is best-effort: a Notifier failure is logged and never fails reconciliation.
type Notifier interface {
	SubscriptionCanceled(ctx context.Context, userID string, rec *Record) error
}

// NoopNotifier discards all notifications.
type NoopNotifier struct{}

func (NoopNotifier) SubscriptionCanceled(context.Context, string, *Record) error { return nil }

// CheckoutKind distinguishes what a completed checkout session paid for.
type CheckoutKind string

const (
	CheckoutSubscription CheckoutKind = "subscription"
	CheckoutCreditPack   CheckoutKind = "credit_pack"
	CheckoutConsultation CheckoutKind = "consultation"
)

// Checkout is a decoded "checkout completed" event.
type Checkout struct {
	EventID        string
	UserID         string
	Kind           CheckoutKind
	CustomerID     string
	SubscriptionID string
	PeriodEnd      *time.Time

	// Plan is the resolved tier and cycle for subscription checkouts.
	// Nil means resolution failed; the stored plan is retained.
	Plan *Plan

	// Credits is the pack size for credit-pack checkouts.
	Credits int
}

// Renewal is a decoded "invoice paid" event.
type Renewal struct {
	EventID        string
	UserID         string
	SubscriptionID string
	BillingReason  string
	PeriodEnd      *time.Time
}

// BillingReasonSubscriptionCreate marks the initial invoice of a new
// subscription, which is already handled by the checkout-completed routine.
const BillingReasonSubscriptionCreate = "subscription_create"

// PaymentFailure is a decoded "payment failed" event.
type PaymentFailure struct {
	EventID        string
	UserID         string
	SubscriptionID string
	FailedAt       time.Time
}

// Cancellation is a decoded terminal "subscription cancelled" event.
type Cancellation struct {
	EventID        string
	UserID         string
	SubscriptionID string
}

// SubscriptionUpdate is a decoded "subscription updated" event.
type SubscriptionUpdate struct {
	EventID           string
	UserID            string
	SubscriptionID    string
	Status            SubscriptionStatus
	CancelAtPeriodEnd bool
	PeriodEnd         *time.Time

	// Plan is resolved from the provider's current price object at update
	// time, not trusted from cached event metadata. Nil keeps the stored
	// plan (no destructive default).
	Plan *Plan
}

// Reconciler maps decoded payment-provider events onto idempotent,
// merge-based updates of the per-user entitlement record. All collaborators
// are injected; there is no package-level state.
type Reconciler struct {
	store    Store
	plans    *PlanTable
	notifier Notifier
	logger   Logger
	now      func() time.Time
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Store    Store
	Plans    *PlanTable // defaults to DefaultPlanTable
	Notifier Notifier   // defaults to NoopNotifier
	Logger   Logger     // defaults to NoopLogger
}

// NewReconciler creates a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("entitlement: store is required")
	}
	plans := cfg.Plans
	if plans == nil {
		plans = DefaultPlanTable()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &Reconciler{
		store:    cfg.Store,
		plans:    plans,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Plans returns the injected plan table.
func (r *Reconciler) Plans() *PlanTable { return r.plans }

// Record reads the stored entitlement record for a user. It returns
// ErrRecordNotFound for users that have never completed a checkout.
func (r *Reconciler) Record(ctx context.Context, userID string) (*Record, error) {
	return r.store.Get(ctx, userID)
}

// skippableUser reports whether the event should be acknowledged without any
// state change because no real user can be resolved.
func skippableUser(userID string) bool {
	return userID == "" || userID == AnonymousUserID
}

// ApplyCheckoutCompleted handles a completed checkout session. Subscription
// checkouts activate the subscription and grant the plan's credits; credit
// packs add to the purchased balance; consultations are recorded log-only.
func (r *Reconciler) ApplyCheckoutCompleted(ctx context.Context, c Checkout) error {
	if skippableUser(c.UserID) {
		r.logger.Debug("checkout skipped, unresolvable user", Field{"eventId", c.EventID})
		return nil
	}

	switch c.Kind {
	case CheckoutCreditPack:
		return r.applyCreditPack(ctx, c)
	case CheckoutConsultation:
		return r.applyConsultation(ctx, c)
	default:
		return r.applySubscriptionCheckout(ctx, c)
	}
}

func (r *Reconciler) applySubscriptionCheckout(ctx context.Context, c Checkout) error {
	rec, err := r.getOrEmpty(ctx, c.UserID)
	if err != nil {
		return err
	}

	// Resolution failure keeps the stored plan rather than forcing a default.
	tier, cycle := rec.Tier, rec.BillingCycle
	if c.Plan != nil {
		tier, cycle = c.Plan.Tier, c.Plan.Cycle
	}
	if cycle == "" {
		cycle = CycleMonthly
	}
	credits := r.plans.Credits(tier, cycle)

	now := r.now()
	fields := map[string]interface{}{
		FieldTier:               tier,
		FieldBillingCycle:       cycle,
		FieldReviewCredits:      credits,
		FieldReviewCreditsUsed:  0,
		FieldSubscriptionStatus: StatusActive,
		FieldCancelAtPeriodEnd:  false,
		FieldLastTransaction:    c.EventID,
		FieldUpdatedAt:          now,
	}
	if c.SubscriptionID != "" {
		fields[FieldExternalSubscriptionID] = c.SubscriptionID
	}
	if c.CustomerID != "" {
		fields[FieldExternalCustomerID] = c.CustomerID
	}
	if c.PeriodEnd != nil {
		fields[FieldSubscriptionPeriodEnd] = *c.PeriodEnd
	}
	if err := r.store.Merge(ctx, c.UserID, fields); err != nil {
		return fmt.Errorf("merge subscription checkout: %w", err)
	}

	tx := Transaction{
		ID:         uuid.NewString(),
		EventID:    c.EventID,
		Type:       TxSubscriptionStart,
		Tier:       tier,
		Cycle:      cycle,
		OldCredits: rec.ReviewCredits,
		NewCredits: credits,
		Timestamp:  now,
	}
	if err := r.store.AppendTransaction(ctx, c.UserID, tx); err != nil {
		return fmt.Errorf("append checkout transaction: %w", err)
	}

	r.logger.Info("subscription activated",
		Field{"userId", c.UserID},
		Field{"tier", tier},
		Field{"cycle", cycle},
		Field{"credits", credits})
	return nil
}

func (r *Reconciler) applyCreditPack(ctx context.Context, c Checkout) error {
	if c.Credits <= 0 {
		return fmt.Errorf("credit pack for user %s: %w", c.UserID, ErrInvalidAmount)
	}
	tx := Transaction{
		ID:        uuid.NewString(),
		EventID:   c.EventID,
		Type:      TxCreditPack,
		Quantity:  c.Credits,
		Timestamp: r.now(),
	}
	// Additive by contract: the store increments inside a transaction so
	// concurrent pack purchases never clobber one another.
	if err := r.store.AddPurchasedCredits(ctx, c.UserID, c.Credits, tx); err != nil {
		return fmt.Errorf("add purchased credits: %w", err)
	}
	r.logger.Info("credit pack applied",
		Field{"userId", c.UserID},
		Field{"credits", c.Credits})
	return nil
}

func (r *Reconciler) applyConsultation(ctx context.Context, c Checkout) error {
	tx := Transaction{
		ID:        uuid.NewString(),
		EventID:   c.EventID,
		Type:      TxConsultation,
		Timestamp: r.now(),
	}
	if err := r.store.AppendTransaction(ctx, c.UserID, tx); err != nil {
		return fmt.Errorf("append consultation transaction: %w", err)
	}
	return nil
}

// ApplyInvoicePaid handles a paid invoice. Initial invoices are skipped
// (checkout-completed already granted); renewals recompute the grant from the
// currently stored tier and cycle, not from cached event metadata, and reset
// the usage counter.
func (r *Reconciler) ApplyInvoicePaid(ctx context.Context, ren Renewal) error {
	if ren.BillingReason == BillingReasonSubscriptionCreate {
		r.logger.Debug("initial invoice skipped", Field{"eventId", ren.EventID})
		return nil
	}
	if skippableUser(ren.UserID) {
		r.logger.Debug("renewal skipped, unresolvable user", Field{"eventId", ren.EventID})
		return nil
	}

	rec, err := r.store.Get(ctx, ren.UserID)
	if err != nil {
		if err == ErrRecordNotFound {
			r.logger.Warn("renewal for unknown record", Field{"userId", ren.UserID})
			return nil
		}
		return err
	}

	credits := r.plans.Credits(rec.Tier, rec.BillingCycle)
	now := r.now()
	fields := map[string]interface{}{
		FieldSubscriptionStatus: StatusActive,
		FieldReviewCredits:      credits,
		FieldReviewCreditsUsed:  0,
		FieldLastTransaction:    ren.EventID,
		FieldUpdatedAt:          now,
	}
	if ren.PeriodEnd != nil {
		fields[FieldSubscriptionPeriodEnd] = *ren.PeriodEnd
	}
	if err := r.store.Merge(ctx, ren.UserID, fields); err != nil {
		return fmt.Errorf("merge renewal: %w", err)
	}

	tx := Transaction{
		ID:         uuid.NewString(),
		EventID:    ren.EventID,
		Type:       TxRenewal,
		Tier:       rec.Tier,
		Cycle:      rec.BillingCycle,
		OldCredits: rec.ReviewCredits,
		NewCredits: credits,
		Timestamp:  now,
	}
	if err := r.store.AppendTransaction(ctx, ren.UserID, tx); err != nil {
		return fmt.Errorf("append renewal transaction: %w", err)
	}

	r.logger.Info("subscription renewed",
		Field{"userId", ren.UserID},
		Field{"tier", rec.Tier},
		Field{"credits", credits})
	return nil
}

// ApplyPaymentFailed marks the subscription past_due. Credits are untouched;
// the subscription stays usable until the provider cancels it.
func (r *Reconciler) ApplyPaymentFailed(ctx context.Context, pf PaymentFailure) error {
	if skippableUser(pf.UserID) {
		return nil
	}
	rec, err := r.store.Get(ctx, pf.UserID)
	if err != nil {
		if err == ErrRecordNotFound {
			return nil
		}
		return err
	}

	failedAt := pf.FailedAt
	if failedAt.IsZero() {
		failedAt = r.now()
	}
	now := r.now()
	fields := map[string]interface{}{
		FieldSubscriptionStatus:  StatusPastDue,
		FieldLastPaymentFailedAt: failedAt,
		FieldLastTransaction:     pf.EventID,
		FieldUpdatedAt:           now,
	}
	if err := r.store.Merge(ctx, pf.UserID, fields); err != nil {
		return fmt.Errorf("merge payment failure: %w", err)
	}

	tx := Transaction{
		ID:         uuid.NewString(),
		EventID:    pf.EventID,
		Type:       TxPaymentFailed,
		Tier:       rec.Tier,
		OldCredits: rec.ReviewCredits,
		NewCredits: rec.ReviewCredits,
		Timestamp:  now,
	}
	if err := r.store.AppendTransaction(ctx, pf.UserID, tx); err != nil {
		return fmt.Errorf("append payment-failed transaction: %w", err)
	}

	r.logger.Warn("payment failed",
		Field{"userId", pf.UserID},
		Field{"subscriptionId", pf.SubscriptionID})
	return nil
}

// ApplySubscriptionCanceled handles a terminal cancellation: subscription
// credits are zeroed and the external subscription id is cleared, while the
// customer id is retained so the user can re-subscribe. Purchased credits
// survive cancellation.
func (r *Reconciler) ApplySubscriptionCanceled(ctx context.Context, c Cancellation) error {
	if skippableUser(c.UserID) {
		return nil
	}
	rec, err := r.store.Get(ctx, c.UserID)
	if err != nil {
		if err == ErrRecordNotFound {
			return nil
		}
		return err
	}

	now := r.now()
	fields := map[string]interface{}{
		FieldTier:                   TierFree,
		FieldSubscriptionStatus:     StatusCanceled,
		FieldReviewCredits:          0,
		FieldReviewCreditsUsed:      0,
		FieldCancelAtPeriodEnd:      false,
		FieldExternalSubscriptionID: "",
		FieldSubscriptionPeriodEnd:  nil,
		FieldLastTransaction:        c.EventID,
		FieldUpdatedAt:              now,
	}
	if err := r.store.Merge(ctx, c.UserID, fields); err != nil {
		return fmt.Errorf("merge cancellation: %w", err)
	}

	tx := Transaction{
		ID:         uuid.NewString(),
		EventID:    c.EventID,
		Type:       TxCancellation,
		Tier:       rec.Tier,
		Cycle:      rec.BillingCycle,
		OldCredits: rec.ReviewCredits,
		NewCredits: 0,
		Timestamp:  now,
	}
	if err := r.store.AppendTransaction(ctx, c.UserID, tx); err != nil {
		return fmt.Errorf("append cancellation transaction: %w", err)
	}

	if err := r.notifier.SubscriptionCanceled(ctx, c.UserID, rec); err != nil {
		r.logger.Warn("cancellation notification failed",
			Field{"userId", c.UserID},
			Field{"error", err.Error()})
	}

	r.logger.Info("subscription canceled", Field{"userId", c.UserID})
	return nil
}

// ApplySubscriptionUpdated handles an update event: scheduled cancellation
// and its reversal, delinquency statuses from the provider, and plan switches
// detected from the provider's current price.
func (r *Reconciler) ApplySubscriptionUpdated(ctx context.Context, u SubscriptionUpdate) error {
	if skippableUser(u.UserID) {
		return nil
	}
	rec, err := r.store.Get(ctx, u.UserID)
	if err != nil {
		if err == ErrRecordNotFound {
			return nil
		}
		return err
	}

	now := r.now()

	// Delinquency statuses pass through as-is, no credit change.
	if u.Status == StatusPastDue || u.Status == StatusUnpaid {
		fields := map[string]interface{}{
			FieldSubscriptionStatus: u.Status,
			FieldLastTransaction:    u.EventID,
			FieldUpdatedAt:          now,
		}
		if err := r.store.Merge(ctx, u.UserID, fields); err != nil {
			return fmt.Errorf("merge status change: %w", err)
		}
		tx := Transaction{
			ID:         uuid.NewString(),
			EventID:    u.EventID,
			Type:       TxStatusChange,
			Tier:       rec.Tier,
			OldCredits: rec.ReviewCredits,
			NewCredits: rec.ReviewCredits,
			Timestamp:  now,
		}
		return r.store.AppendTransaction(ctx, u.UserID, tx)
	}

	// Cancellation scheduled at period end.
	if u.CancelAtPeriodEnd && !rec.CancelAtPeriodEnd {
		fields := map[string]interface{}{
			FieldSubscriptionStatus: StatusCanceling,
			FieldCancelAtPeriodEnd:  true,
			FieldLastTransaction:    u.EventID,
			FieldUpdatedAt:          now,
		}
		if u.PeriodEnd != nil {
			fields[FieldSubscriptionPeriodEnd] = *u.PeriodEnd
		}
		if err := r.store.Merge(ctx, u.UserID, fields); err != nil {
			return fmt.Errorf("merge cancel schedule: %w", err)
		}
		tx := Transaction{
			ID:         uuid.NewString(),
			EventID:    u.EventID,
			Type:       TxCancelScheduled,
			Tier:       rec.Tier,
			OldCredits: rec.ReviewCredits,
			NewCredits: rec.ReviewCredits,
			Timestamp:  now,
		}
		if err := r.store.AppendTransaction(ctx, u.UserID, tx); err != nil {
			return err
		}
		r.logger.Info("cancellation scheduled",
			Field{"userId", u.UserID},
			Field{"periodEnd", u.PeriodEnd})
		return nil
	}

	// Scheduled cancellation reverted while still in the paid period.
	if !u.CancelAtPeriodEnd && rec.SubscriptionStatus == StatusCanceling {
		fields := map[string]interface{}{
			FieldSubscriptionStatus: StatusActive,
			FieldCancelAtPeriodEnd:  false,
			FieldLastTransaction:    u.EventID,
			FieldUpdatedAt:          now,
		}
		if err := r.store.Merge(ctx, u.UserID, fields); err != nil {
			return fmt.Errorf("merge cancel revert: %w", err)
		}
		tx := Transaction{
			ID:         uuid.NewString(),
			EventID:    u.EventID,
			Type:       TxCancelReverted,
			Tier:       rec.Tier,
			OldCredits: rec.ReviewCredits,
			NewCredits: rec.ReviewCredits,
			Timestamp:  now,
		}
		if err := r.store.AppendTransaction(ctx, u.UserID, tx); err != nil {
			return err
		}
		r.logger.Info("cancellation reverted", Field{"userId", u.UserID})
		return nil
	}

	// Plan switch while the subscription is active and not winding down.
	if u.Plan != nil && rec.SubscriptionStatus == StatusActive && !rec.CancelAtPeriodEnd &&
		(u.Plan.Tier != rec.Tier || u.Plan.Cycle != rec.BillingCycle) {
		return r.applyPlanSwitch(ctx, u, rec, now)
	}

	return nil
}

func (r *Reconciler) applyPlanSwitch(ctx context.Context, u SubscriptionUpdate, rec *Record, now time.Time) error {
	oldGrant := r.plans.Credits(rec.Tier, rec.BillingCycle)
	newCredits := r.plans.Credits(u.Plan.Tier, u.Plan.Cycle)

	txType := TxPlanUpgrade
	if newCredits < oldGrant {
		txType = TxPlanDowngrade
	}

	fields := map[string]interface{}{
		FieldTier:              u.Plan.Tier,
		FieldBillingCycle:      u.Plan.Cycle,
		FieldReviewCredits:     newCredits,
		FieldReviewCreditsUsed: 0,
		FieldLastTransaction:   u.EventID,
		FieldUpdatedAt:         now,
	}
	if u.PeriodEnd != nil {
		fields[FieldSubscriptionPeriodEnd] = *u.PeriodEnd
	}
	if err := r.store.Merge(ctx, u.UserID, fields); err != nil {
		return fmt.Errorf("merge plan switch: %w", err)
	}

	tx := Transaction{
		ID:         uuid.NewString(),
		EventID:    u.EventID,
		Type:       txType,
		Tier:       u.Plan.Tier,
		Cycle:      u.Plan.Cycle,
		OldCredits: rec.ReviewCredits,
		NewCredits: newCredits,
		Timestamp:  now,
	}
	if err := r.store.AppendTransaction(ctx, u.UserID, tx); err != nil {
		return fmt.Errorf("append plan-switch transaction: %w", err)
	}

	r.logger.Info("plan switched",
		Field{"userId", u.UserID},
		Field{"fromTier", rec.Tier},
		Field{"toTier", u.Plan.Tier},
		Field{"type", txType})
	return nil
}

// getOrEmpty reads the record or returns a zero-valued one for first-time
// users; records are created implicitly on the first checkout event.
func (r *Reconciler) getOrEmpty(ctx context.Context, userID string) (*Record, error) {
	rec, err := r.store.Get(ctx, userID)
	if err == ErrRecordNotFound {
		return &Record{UserID: userID, Tier: TierFree, BillingCycle: CycleMonthly}, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}
