package entitlement_test

import (
	"testing"

	"github.com/rosterhq/integrations/pkg/entitlement"
)

func TestAnnualGrantIsTwelveTimesMonthly(t *testing.T) {
	table := entitlement.DefaultPlanTable()
	for _, tier := range []entitlement.Tier{
		entitlement.TierFree,
		entitlement.TierStarter,
		entitlement.TierPro,
		entitlement.TierBusiness,
	} {
		monthly := table.Credits(tier, entitlement.CycleMonthly)
		annual := table.Credits(tier, entitlement.CycleAnnual)
		if annual != monthly*12 {
			t.Errorf("%s: annual = %d, want %d", tier, annual, monthly*12)
		}
	}
}

func TestDefaultGrants(t *testing.T) {
	table := entitlement.DefaultPlanTable()
	cases := []struct {
		tier entitlement.Tier
		want int
	}{
		{entitlement.TierFree, 0},
		{entitlement.TierStarter, 5},
		{entitlement.TierPro, 20},
		{entitlement.TierBusiness, 50},
	}
	for _, tc := range cases {
		if got := table.Credits(tc.tier, entitlement.CycleMonthly); got != tc.want {
			t.Errorf("%s monthly grant = %d, want %d", tc.tier, got, tc.want)
		}
	}
}

func TestByAmountFallbackTable(t *testing.T) {
	table := entitlement.DefaultPlanTable()
	cases := []struct {
		cents int64
		tier  entitlement.Tier
		cycle entitlement.BillingCycle
	}{
		{2900, entitlement.TierStarter, entitlement.CycleMonthly},
		{29000, entitlement.TierStarter, entitlement.CycleAnnual},
		{7900, entitlement.TierPro, entitlement.CycleMonthly},
		{79000, entitlement.TierPro, entitlement.CycleAnnual},
		{19900, entitlement.TierBusiness, entitlement.CycleMonthly},
		{199000, entitlement.TierBusiness, entitlement.CycleAnnual},
	}
	for _, tc := range cases {
		plan, ok := table.ByAmount(tc.cents)
		if !ok {
			t.Errorf("ByAmount(%d): not found", tc.cents)
			continue
		}
		if plan.Tier != tc.tier || plan.Cycle != tc.cycle {
			t.Errorf("ByAmount(%d) = %s/%s, want %s/%s", tc.cents, plan.Tier, plan.Cycle, tc.tier, tc.cycle)
		}
	}

	if _, ok := table.ByAmount(1234); ok {
		t.Error("ByAmount(1234): expected no match for unknown amount")
	}
}

func TestByMetadata(t *testing.T) {
	table := entitlement.DefaultPlanTable()

	plan, ok := table.ByMetadata("Pro", "annual")
	if !ok || plan.Tier != entitlement.TierPro || plan.Cycle != entitlement.CycleAnnual {
		t.Errorf("ByMetadata(Pro, annual) = %+v ok=%v", plan, ok)
	}

	// Cycle defaults to monthly when absent.
	plan, ok = table.ByMetadata("starter", "")
	if !ok || plan.Cycle != entitlement.CycleMonthly {
		t.Errorf("ByMetadata(starter, ``) = %+v ok=%v", plan, ok)
	}

	// Interval-style hints.
	plan, ok = table.ByMetadata("business", "year")
	if !ok || plan.Cycle != entitlement.CycleAnnual {
		t.Errorf("ByMetadata(business, year) = %+v ok=%v", plan, ok)
	}

	if _, ok := table.ByMetadata("platinum", "monthly"); ok {
		t.Error("ByMetadata(platinum): expected no match for unknown tier")
	}
}

func TestByPriceIDFromConfig(t *testing.T) {
	table := entitlement.NewPlanTable(entitlement.PlanTableConfig{
		PriceIDs: map[string]entitlement.Plan{
			"price_pro_monthly": {Tier: entitlement.TierPro, Cycle: entitlement.CycleMonthly},
		},
	})

	plan, ok := table.ByPriceID("PRICE_PRO_MONTHLY")
	if !ok || plan.Tier != entitlement.TierPro {
		t.Errorf("ByPriceID lookup failed: %+v ok=%v", plan, ok)
	}
	if _, ok := table.ByPriceID("price_unknown"); ok {
		t.Error("expected no match for unknown price id")
	}
}
