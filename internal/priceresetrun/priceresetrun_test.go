package priceresetrun

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"catalogsyncd/internal/freightrun"
	"catalogsyncd/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, ":memory:", 5000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func decPtr(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func freightRates() store.Product {
	return store.Product{
		FreightACT: decPtr("10.00"), FreightNSWM: decPtr("10.00"), FreightNSWR: decPtr("12.00"),
		FreightQLDM: decPtr("11.00"), FreightQLDR: decPtr("13.00"), Remote: decPtr("15.00"),
		FreightSAM: decPtr("11.00"), FreightSAR: decPtr("13.00"),
		FreightTASM: decPtr("12.00"), FreightTASR: decPtr("14.00"),
		FreightVICM: decPtr("9.00"), FreightVICR: decPtr("11.00"),
		FreightWAM: decPtr("13.00"), FreightWAR: decPtr("15.00"), FreightNZ: decPtr("20.00"),
	}
}

// TestRunResetsExpiredSpecialPrice seeds a SKU whose special price expired
// yesterday, runs freightrun once to populate a baseline fee row computed
// with the (stale) special price, then runs the rollback orchestrator and
// checks the persisted selling_price moved to reflect the regular price.
func TestRunResetsExpiredSpecialPrice(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	yesterday := time.Now().AddDate(0, 0, -1)
	p := &store.Product{
		SkuCode: "SKU-RESET-1",
		Price:   decPtr("49.99"), SpecialPrice: decPtr("19.99"), SpecialPriceEndDate: &yesterday,
		Weight: decPtr("2.0"), CBM: decPtr("0.05"),
		Length: decPtr("10"), Width: decPtr("10"), Height: decPtr("10"),
	}
	rates := freightRates()
	p.FreightACT, p.FreightNSWM, p.FreightNSWR = rates.FreightACT, rates.FreightNSWM, rates.FreightNSWR
	p.FreightQLDM, p.FreightQLDR, p.Remote = rates.FreightQLDM, rates.FreightQLDR, rates.Remote
	p.FreightSAM, p.FreightSAR = rates.FreightSAM, rates.FreightSAR
	p.FreightTASM, p.FreightTASR = rates.FreightTASM, rates.FreightTASR
	p.FreightVICM, p.FreightVICR = rates.FreightVICM, rates.FreightVICR
	p.FreightWAM, p.FreightWAR, p.FreightNZ = rates.FreightWAM, rates.FreightWAR, rates.FreightNZ

	if err := st.UpsertProduct(ctx, p); err != nil {
		t.Fatalf("upsert product: %v", err)
	}

	fr := freightrun.New(st)
	if _, err := fr.Run(ctx, freightrun.TriggeredByAuto, nil); err != nil {
		t.Fatalf("baseline freight run: %v", err)
	}

	before, err := st.LoadFeeRowsBySKUs(ctx, []string{"SKU-RESET-1"})
	if err != nil {
		t.Fatalf("load before fees: %v", err)
	}
	beforeFee := before["SKU-RESET-1"]
	if beforeFee == nil || beforeFee.SellingPrice == nil {
		t.Fatalf("expected a baseline fee row with a selling price, got %+v", beforeFee)
	}

	o := New(st, "Australia/Melbourne")
	res, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Processed != 1 {
		t.Errorf("processed = %d, want 1", res.Processed)
	}
	if res.Changed != 1 {
		t.Errorf("changed = %d, want 1", res.Changed)
	}

	after, err := st.LoadFeeRowsBySKUs(ctx, []string{"SKU-RESET-1"})
	if err != nil {
		t.Fatalf("load after fees: %v", err)
	}
	afterFee := after["SKU-RESET-1"]
	if afterFee == nil || afterFee.SellingPrice == nil {
		t.Fatal("expected an updated fee row with a selling price")
	}
	if afterFee.SellingPrice.Equal(*beforeFee.SellingPrice) {
		t.Errorf("expected selling price to change once the special price expired, stayed at %s", afterFee.SellingPrice)
	}
	if afterFee.LastChangedSource == nil || *afterFee.LastChangedSource != Source {
		t.Errorf("expected last_changed_source = %q, got %v", Source, afterFee.LastChangedSource)
	}
	if !afterFee.KoganDirtyAU || !afterFee.KoganDirtyNZ {
		t.Errorf("expected both dirty flags set after reset, got AU=%v NZ=%v", afterFee.KoganDirtyAU, afterFee.KoganDirtyNZ)
	}
}

// TestRunSkipsSKUsWithoutExpiredPromotion confirms a SKU whose promotion is
// still active (end date in the future) is never selected as a candidate.
func TestRunSkipsSKUsWithoutExpiredPromotion(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	future := time.Now().AddDate(0, 1, 0)
	p := &store.Product{
		SkuCode: "SKU-ACTIVE-1",
		Price:   decPtr("49.99"), SpecialPrice: decPtr("19.99"), SpecialPriceEndDate: &future,
		Weight: decPtr("1.0"),
	}
	if err := st.UpsertProduct(ctx, p); err != nil {
		t.Fatalf("upsert product: %v", err)
	}

	o := New(st, "Australia/Melbourne")
	res, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Processed != 0 {
		t.Errorf("processed = %d, want 0 for a still-active promotion", res.Processed)
	}
}

// TestRunWithNoCandidatesIsANoop confirms an empty catalog produces a
// zero-value result without error and without touching any fee rows.
func TestRunWithNoCandidatesIsANoop(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	o := New(st, "Australia/Melbourne")
	res, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Processed != 0 || res.Changed != 0 {
		t.Errorf("expected a no-op result, got %+v", res)
	}
}
