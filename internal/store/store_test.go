package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, ":memory:", 5000)
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

func TestUpsertProduct_RoundTrips(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	p := &Product{
		SkuCode:     "SKU-001",
		Price:       decPtr("49.99"),
		Weight:      decPtr("2.500"),
		FreightACT:  decPtr("10.00"),
		FreightNTM:  decPtr("7.00"),
		ProductTags: []string{"new", "sale"},
	}
	if err := s.UpsertProduct(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetProductBySKU(ctx, "SKU-001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected product, got nil")
	}
	if !got.Price.Equal(decimal.RequireFromString("49.99")) {
		t.Errorf("price = %s", got.Price)
	}
	if !got.FreightNTM.Equal(decimal.RequireFromString("7.00")) {
		t.Errorf("freight_nt_m not round-tripped: %v", got.FreightNTM)
	}
	if len(got.ProductTags) != 2 {
		t.Errorf("product_tags = %v", got.ProductTags)
	}
}

func TestUpsertProduct_PreservesUnsetColumnsOnReupsert(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	first := &Product{SkuCode: "SKU-002", Price: decPtr("10.00"), Weight: decPtr("1.0")}
	if err := s.UpsertProduct(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := &Product{SkuCode: "SKU-002", Weight: decPtr("3.0")}
	if err := s.UpsertProduct(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := s.GetProductBySKU(ctx, "SKU-002")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Price == nil || !got.Price.Equal(decimal.RequireFromString("10.00")) {
		t.Errorf("expected price to survive partial re-upsert, got %v", got.Price)
	}
	if !got.Weight.Equal(decimal.RequireFromString("3.0")) {
		t.Errorf("expected weight to be updated, got %v", got.Weight)
	}
}

func TestLoadFreightCalcConfig_SeedsDefaults(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	cfg, err := s.LoadFreightCalcConfig(ctx)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.PriceRatioLimit.Equal(decimal.RequireFromString("0.3")) {
		t.Errorf("expected seeded price_ratio default 0.3, got %s", cfg.PriceRatioLimit)
	}

	cfg2, err := s.LoadFreightCalcConfig(ctx)
	if err != nil {
		t.Fatalf("second load config: %v", err)
	}
	if !cfg.AdjustRate.Equal(cfg2.AdjustRate) {
		t.Fatal("expected idempotent seeding to return the same config")
	}
}

func TestScheduleUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	e := &ScheduleEntry{Key: "price_reset", Enabled: true, DayOfWeek: "SUN", Hour: 2, Minute: 30, Every2Weeks: true, Timezone: "Australia/Sydney"}
	if err := s.UpsertSchedule(ctx, e); err != nil {
		t.Fatalf("upsert schedule: %v", err)
	}

	got, err := s.GetSchedule(ctx, "price_reset")
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got == nil || !got.Enabled || got.Hour != 2 || got.Minute != 30 {
		t.Fatalf("unexpected schedule: %+v", got)
	}
}

func TestFreightFeeDirtyFlagsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	fee := &FreightFee{SkuCode: "SKU-003", KoganDirtyAU: true, KoganDirtyNZ: false}
	if err := s.UpsertFreightFee(ctx, fee); err != nil {
		t.Fatalf("upsert fee: %v", err)
	}

	dirty, err := s.IterDirtySKUs(ctx, "AU")
	if err != nil {
		t.Fatalf("iter dirty: %v", err)
	}
	if len(dirty) != 1 || dirty[0] != "SKU-003" {
		t.Fatalf("expected SKU-003 dirty for AU, got %v", dirty)
	}

	if err := s.ClearDirtyFlags(ctx, "AU", []string{"SKU-003"}); err != nil {
		t.Fatalf("clear dirty: %v", err)
	}
	dirty, err = s.IterDirtySKUs(ctx, "AU")
	if err != nil {
		t.Fatalf("iter dirty after clear: %v", err)
	}
	if len(dirty) != 0 {
		t.Fatalf("expected no dirty skus after clear, got %v", dirty)
	}
}

func TestRecordBulkCompletionAndWebhookAreFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.CreateSyncRun(ctx, "full_sync")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := s.RecordBulkOperation(ctx, id, "gid://shopify/BulkOperation/1", "RUNNING"); err != nil {
		t.Fatalf("record bulk op: %v", err)
	}

	if err := s.RecordBulkCompletion(ctx, id, "https://example.com/a.jsonl", 42); err != nil {
		t.Fatalf("record completion: %v", err)
	}
	// A duplicate completion signal must not overwrite the first URL.
	if err := s.RecordBulkCompletion(ctx, id, "https://example.com/b.jsonl", 42); err != nil {
		t.Fatalf("record duplicate completion: %v", err)
	}

	run, err := s.GetSyncRun(ctx, id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.ShopifyBulkURL == nil || *run.ShopifyBulkURL != "https://example.com/a.jsonl" {
		t.Errorf("shopify_bulk_url = %v, want the first recorded url", run.ShopifyBulkURL)
	}
	if run.TotalShopifySKUs == nil || *run.TotalShopifySKUs != 42 {
		t.Errorf("total_shopify_skus = %v, want 42", run.TotalShopifySKUs)
	}

	first := time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC)
	if err := s.RecordWebhookReceived(ctx, "gid://shopify/BulkOperation/1", first); err != nil {
		t.Fatalf("record webhook: %v", err)
	}
	if err := s.RecordWebhookReceived(ctx, "gid://shopify/BulkOperation/1", first.Add(time.Hour)); err != nil {
		t.Fatalf("record duplicate webhook: %v", err)
	}
	var got string
	if err := s.DB.QueryRowContext(ctx,
		`SELECT webhook_received_at FROM product_sync_runs WHERE id = ?`, id.String(),
	).Scan(&got); err != nil {
		t.Fatalf("read webhook_received_at: %v", err)
	}
	stamp, err := time.Parse(time.RFC3339Nano, got)
	if err != nil {
		t.Fatalf("parse webhook_received_at: %v", err)
	}
	if !stamp.Equal(first) {
		t.Errorf("webhook_received_at = %v, want the first arrival %v", stamp, first)
	}
}

func TestUpdateChangedPrices_OnlyBumpsLastChangedAtWhenValueDiffers(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	sku := "SKU-004"
	changed := map[string]any{"selling_price": decPtr("19.99")}
	if err := s.UpdateChangedPrices(ctx, sku, changed, "seed", "run-1"); err != nil {
		t.Fatalf("seed update: %v", err)
	}

	rows, err := s.LoadFeeRowsBySKUs(ctx, []string{sku})
	if err != nil {
		t.Fatalf("load fee rows: %v", err)
	}
	first := rows[sku]
	if first == nil || first.LastChangedAt == nil {
		t.Fatalf("expected a seeded last_changed_at, got %+v", first)
	}

	// Backdate the seeded stamp so a same-millisecond re-write can't hide a
	// bug that bumps it unconditionally; a real bump is then unmistakable.
	firstStamp := first.LastChangedAt.Add(-time.Hour)
	if _, err := s.DB.ExecContext(ctx,
		`UPDATE kogan_sku_freight_fee SET last_changed_at = ? WHERE sku_code = ?`,
		firstStamp.UTC().Format(time.RFC3339Nano), sku,
	); err != nil {
		t.Fatalf("backdate last_changed_at: %v", err)
	}

	// Re-applying the same value must not disturb last_changed_at: nothing
	// actually changed even though the write still touches dirty flags.
	if err := s.UpdateChangedPrices(ctx, sku, changed, "recompute", "run-2"); err != nil {
		t.Fatalf("no-op update: %v", err)
	}
	rows, err = s.LoadFeeRowsBySKUs(ctx, []string{sku})
	if err != nil {
		t.Fatalf("load fee rows after no-op update: %v", err)
	}
	unchanged := rows[sku]
	if unchanged.LastChangedAt == nil || !unchanged.LastChangedAt.Equal(firstStamp) {
		t.Errorf("last_changed_at moved on a no-op write: before=%v after=%v", firstStamp, unchanged.LastChangedAt)
	}
	// last_changed_run_id/source always reflect the most recent write even
	// when the value itself didn't change — only last_changed_at is gated.
	if unchanged.LastChangedSource == nil || *unchanged.LastChangedSource != "recompute" ||
		unchanged.LastChangedRunID == nil || *unchanged.LastChangedRunID != "run-2" {
		t.Errorf("expected last_changed_run_id/source to reflect the no-op write itself, got source=%v run_id=%v",
			unchanged.LastChangedSource, unchanged.LastChangedRunID)
	}

	// A genuinely different value must still bump the timestamp.
	if err := s.UpdateChangedPrices(ctx, sku, map[string]any{"selling_price": decPtr("24.99")}, "recompute", "run-3"); err != nil {
		t.Fatalf("real update: %v", err)
	}
	rows, err = s.LoadFeeRowsBySKUs(ctx, []string{sku})
	if err != nil {
		t.Fatalf("load fee rows after real update: %v", err)
	}
	changedRow := rows[sku]
	if changedRow.LastChangedAt == nil || !changedRow.LastChangedAt.After(firstStamp) {
		t.Errorf("expected last_changed_at to advance on an actual value change, got before=%v after=%v", firstStamp, changedRow.LastChangedAt)
	}
	if changedRow.LastChangedRunID == nil || *changedRow.LastChangedRunID != "run-3" {
		t.Errorf("expected last_changed_run_id to update to run-3, got %v", changedRow.LastChangedRunID)
	}
}
