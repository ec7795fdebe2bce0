package entitlement

import "strings"

// Plan pairs a tier with a billing cycle. It is what a payment-provider price
// resolves to.
type Plan struct {
	Tier  Tier
	Cycle BillingCycle
}

// PlanTable maps payment-provider prices to plans and defines the credit
// grant per tier and cycle. One table is loaded at startup and injected
// everywhere a price needs resolving; handlers never carry their own copies.
type PlanTable struct {
	// Version identifies the table revision in logs and audit entries.
	Version string

	prices  map[string]Plan // price id -> plan
	amounts map[int64]Plan  // exact unit amount in cents -> plan
	grants  map[Tier]int    // monthly review-credit grant
}

// PlanTableConfig configures a PlanTable.
type PlanTableConfig struct {
	Version string

	// PriceIDs maps provider price ids to plans.
	PriceIDs map[string]Plan

	// Amounts maps exact price amounts in cents to plans. Used as the last
	// resolution fallback when a price carries no usable metadata.
	Amounts map[int64]Plan

	// MonthlyGrants maps tiers to their monthly review-credit grant.
	// Annual cycles always grant 12x the monthly amount.
	MonthlyGrants map[Tier]int
}

// NewPlanTable builds a PlanTable from config, applying defaults for any
// section left empty.
func NewPlanTable(cfg PlanTableConfig) *PlanTable {
	t := DefaultPlanTable()
	if cfg.Version != "" {
		t.Version = cfg.Version
	}
	if cfg.PriceIDs != nil {
		t.prices = make(map[string]Plan, len(cfg.PriceIDs))
		for id, p := range cfg.PriceIDs {
			t.prices[strings.ToLower(strings.TrimSpace(id))] = p
		}
	}
	if cfg.Amounts != nil {
		t.amounts = cfg.Amounts
	}
	if cfg.MonthlyGrants != nil {
		t.grants = cfg.MonthlyGrants
	}
	return t
}

// DefaultPlanTable returns the canonical plan table.
func DefaultPlanTable() *PlanTable {
	return &PlanTable{
		Version: "2025-08",
		prices:  map[string]Plan{},
		amounts: map[int64]Plan{
			2900:   {TierStarter, CycleMonthly},
			29000:  {TierStarter, CycleAnnual},
			7900:   {TierPro, CycleMonthly},
			79000:  {TierPro, CycleAnnual},
			19900:  {TierBusiness, CycleMonthly},
			199000: {TierBusiness, CycleAnnual},
		},
		grants: map[Tier]int{
			TierFree:     0,
			TierStarter:  5,
			TierPro:      20,
			TierBusiness: 50,
		},
	}
}

// Credits returns the review-credit grant for a tier and cycle. Annual grants
// are 12x the monthly grant for the same tier.
func (t *PlanTable) Credits(tier Tier, cycle BillingCycle) int {
	monthly := t.grants[tier]
	if cycle == CycleAnnual {
		return monthly * 12
	}
	return monthly
}

// KnowsPrices reports whether any provider price ids are configured.
// A table without price ids resolves plans from amounts or metadata only.
func (t *PlanTable) KnowsPrices() bool {
	return len(t.prices) > 0
}

// ByPriceID resolves a provider price id to a plan.
func (t *PlanTable) ByPriceID(id string) (Plan, bool) {
	p, ok := t.prices[strings.ToLower(strings.TrimSpace(id))]
	return p, ok
}

// ByAmount resolves an exact price amount in cents to a plan. Amounts are
// unique across cycles, so no interval hint is needed.
func (t *PlanTable) ByAmount(cents int64) (Plan, bool) {
	p, ok := t.amounts[cents]
	return p, ok
}

// ByMetadata resolves explicit tier/cycle metadata strings to a plan.
// The cycle defaults to monthly when absent or unrecognized.
func (t *PlanTable) ByMetadata(tier, cycle string) (Plan, bool) {
	tr := Tier(strings.ToLower(strings.TrimSpace(tier)))
	if !ValidTier(tr) {
		return Plan{}, false
	}
	cy := BillingCycle(strings.ToLower(strings.TrimSpace(cycle)))
	switch cy {
	case "year", "yearly", CycleAnnual:
		cy = CycleAnnual
	default:
		cy = CycleMonthly
	}
	return Plan{Tier: tr, Cycle: cy}, true
}
