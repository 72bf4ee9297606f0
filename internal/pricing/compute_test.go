package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dp(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func fullFreight() StateFreight {
	return StateFreight{
		ACT: dp("12.0"), NSWM: dp("10.0"), NSWR: dp("15.0"),
		QLDM: dp("11.0"), QLDR: dp("16.0"),
		SAM: dp("13.0"), SAR: dp("18.0"),
		TASM: dp("14.0"), TASR: dp("19.0"),
		VICM: dp("9.0"), VICR: dp("14.0"),
		WAM: dp("20.0"), WAR: dp("25.0"),
		Remote: dp("30.0"), NZ: dp("22.0"),
	}
}

func TestComputeAll_Deterministic(t *testing.T) {
	cfg := DefaultConfig()
	in := Inputs{
		Price:   dp("50.00"),
		Weight:  dp("5.0"),
		CBM:     dp("0.05"),
		Freight: fullFreight(),
	}

	out1 := ComputeAll(in, cfg)
	out2 := ComputeAll(in, cfg)

	if out1.ShippingType != out2.ShippingType {
		t.Fatalf("non-deterministic shipping type: %s vs %s", out1.ShippingType, out2.ShippingType)
	}
	if !out1.SellingPrice.Equal(*out2.SellingPrice) {
		t.Fatalf("non-deterministic selling price")
	}
	if out1.ShopifyPrice == nil || out2.ShopifyPrice == nil || !out1.ShopifyPrice.Equal(*out2.ShopifyPrice) {
		t.Fatalf("non-deterministic shopify price")
	}
}

func TestComputeSellingPrice_SpecialPriceWins(t *testing.T) {
	cfg := DefaultConfig()
	in := Inputs{
		Price:        dp("100.00"),
		SpecialPrice: dp("80.00"),
		Freight:      fullFreight(),
	}
	out := ComputeAll(in, cfg)
	if !out.SellingPrice.Equal(decimal.RequireFromString("80.00")) {
		t.Fatalf("expected special price to win, got %s", out.SellingPrice)
	}
}

func TestComputeSellingPrice_FallsBackToPrice(t *testing.T) {
	cfg := DefaultConfig()
	in := Inputs{Price: dp("42.00"), Freight: fullFreight()}
	out := ComputeAll(in, cfg)
	if !out.SellingPrice.Equal(decimal.RequireFromString("42.00")) {
		t.Fatalf("expected price fallback, got %s", out.SellingPrice)
	}
}

func TestComputeAdjust_BelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	in := Inputs{Price: dp("20.00"), Freight: fullFreight()}
	out := ComputeAll(in, cfg)
	if out.Adjust == nil {
		t.Fatal("expected adjust to be set below threshold")
	}
	want := decimal.RequireFromString("20.00").Mul(cfg.AdjustRate).Round(2)
	if !out.Adjust.Equal(want) {
		t.Fatalf("adjust = %s, want %s", out.Adjust, want)
	}
}

func TestComputeAdjust_AtOrAboveThreshold(t *testing.T) {
	cfg := DefaultConfig()
	in := Inputs{Price: dp("25.00"), Freight: fullFreight()}
	out := ComputeAll(in, cfg)
	if out.Adjust != nil {
		t.Fatalf("expected no adjust at/above threshold, got %s", out.Adjust)
	}
}

func TestComputeRemoteCheck_TriggersOnSentinels(t *testing.T) {
	cfg := DefaultConfig()
	fr := fullFreight()
	fr.Remote = dp("999")
	in := Inputs{Price: dp("50.00"), Freight: fr}
	out := ComputeAll(in, cfg)
	if !out.RemoteCheck {
		t.Fatal("expected remote check true for remote=999")
	}
}

func TestComputeCubicWeight_NilWhenOverLimit(t *testing.T) {
	cfg := DefaultConfig()
	in := Inputs{
		Price:   dp("50.00"),
		Weight:  dp("1000.0"),
		CBM:     dp("0.01"),
		Freight: fullFreight(),
	}
	out := ComputeAll(in, cfg)
	if out.CubicWeight != nil {
		t.Fatalf("expected nil cubic weight when weight exceeds cbm*factor-headroom, got %s", out.CubicWeight)
	}
}

func TestComputeCubicWeight_NilWhenInputsMissing(t *testing.T) {
	cfg := DefaultConfig()
	in := Inputs{Price: dp("50.00"), Freight: fullFreight()}
	out := ComputeAll(in, cfg)
	if out.CubicWeight != nil {
		t.Fatalf("expected nil cubic weight with no weight/cbm, got %s", out.CubicWeight)
	}
}

func TestComputeShippingType_FallsBackToExtra3WhenDataSparse(t *testing.T) {
	cfg := DefaultConfig()
	in := Inputs{
		Price:   dp("50.00"),
		Freight: StateFreight{ACT: dp("12.0")},
	}
	out := ComputeAll(in, cfg)
	if out.ShippingType != ShippingTypeExtra3 {
		t.Fatalf("expected Extra3 fallback with sparse freight data, got %s", out.ShippingType)
	}
}

func TestComputeShippingType_PriceRatioUsesRegularPrice(t *testing.T) {
	cfg := DefaultConfig()
	in := Inputs{
		Price:        dp("100.00"),
		SpecialPrice: dp("20.00"),
		Freight:      fullFreight(),
	}
	out := ComputeAll(in, cfg)

	if out.SellingPrice == nil || !out.SellingPrice.Equal(decimal.RequireFromString("20.00")) {
		t.Fatalf("selling price = %v, want 20.00", out.SellingPrice)
	}
	// rural_ave = mean(remote 30, wa_r 25) = 27.5. The ratio divides by the
	// regular price (27.5/100 = 0.275), not the discounted selling price
	// (27.5/20 = 1.375, which would fail the price-ratio condition and
	// push the SKU out of the "20" bucket).
	if out.PriceRatio == nil || !out.PriceRatio.Equal(decimal.RequireFromString("0.275")) {
		t.Fatalf("price ratio = %v, want 0.275 (rural_ave over regular price)", out.PriceRatio)
	}
	if out.ShippingType != ShippingType20 {
		t.Fatalf("shipping type = %s, want %s (a promotion must not move the shipping-type bucket)", out.ShippingType, ShippingType20)
	}
}

func TestComputeKoganNZPrice_NilOnServiceSentinel(t *testing.T) {
	cfg := DefaultConfig()
	fr := fullFreight()
	fr.NZ = dp("9999")
	in := Inputs{Price: dp("50.00"), Freight: fr}
	out := ComputeAll(in, cfg)
	if out.KoganNZPrice != nil {
		t.Fatalf("expected nil NZ price on service-unavailable sentinel, got %s", out.KoganNZPrice)
	}
}

func TestComputeKoganNZPrice_NilWhenNoNZValue(t *testing.T) {
	cfg := DefaultConfig()
	fr := fullFreight()
	fr.NZ = nil
	in := Inputs{Price: dp("50.00"), Freight: fr}
	out := ComputeAll(in, cfg)
	if out.KoganNZPrice != nil {
		t.Fatalf("expected nil NZ price with no NZ freight value, got %s", out.KoganNZPrice)
	}
}

func TestComputeK1Price_DiscountAboveThreshold(t *testing.T) {
	cfg := DefaultConfig()
	auPrice := decimal.RequireFromString("100.00")
	k1 := computeK1Price(&auPrice, cfg)
	want := auPrice.Mul(cfg.K1DiscountMultiplier).Round(2)
	if k1 == nil || !k1.Equal(want) {
		t.Fatalf("k1 = %v, want %s", k1, want)
	}
}

func TestComputeK1Price_FlatMinusBelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	auPrice := decimal.RequireFromString("40.00")
	k1 := computeK1Price(&auPrice, cfg)
	want := auPrice.Sub(cfg.K1OtherwiseMinus).Round(2)
	if k1 == nil || !k1.Equal(want) {
		t.Fatalf("k1 = %v, want %s", k1, want)
	}
}

func TestComputeSameShipping_NotRounded(t *testing.T) {
	fr := StateFreight{
		ACT: dp("0.000"), NSWM: dp("10.095"), NSWR: dp("5"),
		QLDM: dp("5"), QLDR: dp("5"), SAM: dp("5"), SAR: dp("5"),
		TASM: dp("5"), TASR: dp("5"), VICM: dp("5"), VICR: dp("5"), WAM: dp("5"),
	}
	got := computeSameShipping(fr)
	if got == nil {
		t.Fatal("computeSameShipping returned nil")
	}
	want := decimal.RequireFromString("10.095")
	if !got.Equal(want) {
		t.Fatalf("computeSameShipping = %s, want raw %s (rounding would flip the same_shipping_10 boundary comparison)", got, want)
	}
}

func TestNTFieldsNeverConsumed(t *testing.T) {
	cfg := DefaultConfig()
	base := Inputs{Price: dp("50.00"), Weight: dp("5.0"), CBM: dp("0.05"), Freight: fullFreight()}
	withNT := base
	withNT.Freight.NTM = dp("999999")
	withNT.Freight.NTR = dp("999999")

	outBase := ComputeAll(base, cfg)
	outNT := ComputeAll(withNT, cfg)

	if outBase.ShippingType != outNT.ShippingType {
		t.Fatalf("NT fields affected shipping type: %s vs %s", outBase.ShippingType, outNT.ShippingType)
	}
	if !outBase.ShippingAve.Equal(*outNT.ShippingAve) {
		t.Fatalf("NT fields affected shipping average")
	}
}
