package attrhash

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCalc_Deterministic(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	snap := Snapshot{
		"price":        decimal.RequireFromString("49.99"),
		"length":       decimal.RequireFromString("10"),
		"freight_act":  decimal.RequireFromString("12.50"),
		"freight_nt_m": decimal.RequireFromString("8.00"),
	}

	h1 := Calc(snap, now)
	h2 := Calc(snap, now)
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestCalc_NTFieldsChangeHash(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	base := Snapshot{"price": decimal.RequireFromString("10.00")}
	withNT := Snapshot{"price": decimal.RequireFromString("10.00"), "freight_nt_m": decimal.RequireFromString("5.00")}

	if Calc(base, now) == Calc(withNT, now) {
		t.Fatal("expected NT field presence to change the attribute hash")
	}
}

func TestCalc_DoesNotMutateInput(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	past := now.AddDate(0, 0, -5)
	snap := Snapshot{
		"price":                  decimal.RequireFromString("100.00"),
		"special_price":          decimal.RequireFromString("80.00"),
		"special_price_end_date": past,
	}

	Calc(snap, now)

	sp, ok := snap["special_price"].(decimal.Decimal)
	if !ok || !sp.Equal(decimal.RequireFromString("80.00")) {
		t.Fatalf("expected caller's snapshot to be untouched, got %v", snap["special_price"])
	}
}

func TestCalc_ExpiredSpecialPriceRollsBackToPrice(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	past := now.AddDate(0, 0, -5)

	expired := Snapshot{
		"price":                  decimal.RequireFromString("100.00"),
		"special_price":          decimal.RequireFromString("80.00"),
		"special_price_end_date": past,
	}
	// The end date itself stays in the hash input; only special_price rolls
	// back once it has passed.
	rolledBack := Snapshot{
		"price":                  decimal.RequireFromString("100.00"),
		"special_price":          decimal.RequireFromString("100.00"),
		"special_price_end_date": past,
	}

	if Calc(expired, now) != Calc(rolledBack, now) {
		t.Fatal("expected expired special_price to roll back to price before hashing")
	}
}

func TestCalc_SpecialPriceValidOnExpiryDay(t *testing.T) {
	now := time.Date(2026, 7, 31, 23, 0, 0, 0, time.UTC)
	expiresToday := now

	snap := Snapshot{
		"price":                  decimal.RequireFromString("100.00"),
		"special_price":          decimal.RequireFromString("80.00"),
		"special_price_end_date": expiresToday,
	}
	unchanged := Snapshot{
		"price":                  decimal.RequireFromString("100.00"),
		"special_price":          decimal.RequireFromString("80.00"),
		"special_price_end_date": expiresToday,
	}

	if Calc(snap, now) != Calc(unchanged, now) {
		t.Fatal("expected special_price to remain valid on its own expiry day")
	}
}

func TestNormalize_SixSigFigs(t *testing.T) {
	if got := normalize(123456789.0); got != "1.23457e+08" {
		t.Fatalf("normalize(123456789.0) = %s", got)
	}
	if got := normalize(nil); got != "" {
		t.Fatalf("normalize(nil) = %q, want empty", got)
	}
}
