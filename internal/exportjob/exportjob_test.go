package exportjob

import (
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"catalogsyncd/internal/apperr"
	"catalogsyncd/internal/freightrun"
	"catalogsyncd/internal/pricing"
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

func strPtr(v string) *string { return &v }

func seedProduct(t *testing.T, ctx context.Context, st *store.Store, sku string) {
	t.Helper()
	p := &store.Product{
		SkuCode: sku, Price: decPtr("49.99"), RRPPrice: decPtr("69.99"),
		Weight: decPtr("2.0"), Length: decPtr("10"), Width: decPtr("10"), Height: decPtr("10"),
		EANCode: strPtr("9312345678901"), Brand: strPtr("Acme"), StockQty: 12,
		FreightACT: decPtr("10.00"), FreightNSWM: decPtr("10.00"), FreightNSWR: decPtr("12.00"),
		FreightQLDM: decPtr("11.00"), FreightQLDR: decPtr("13.00"), Remote: decPtr("15.00"),
		FreightSAM: decPtr("11.00"), FreightSAR: decPtr("13.00"),
		FreightTASM: decPtr("12.00"), FreightTASR: decPtr("14.00"),
		FreightVICM: decPtr("9.00"), FreightVICR: decPtr("11.00"),
		FreightWAM: decPtr("13.00"), FreightWAR: decPtr("15.00"), FreightNZ: decPtr("20.00"),
	}
	if err := st.UpsertProduct(ctx, p); err != nil {
		t.Fatalf("upsert product: %v", err)
	}
	fr := freightrun.New(st)
	if _, err := fr.Run(ctx, freightrun.TriggeredByAuto, nil); err != nil {
		t.Fatalf("freight run: %v", err)
	}
}

func TestCreateProducesDiffAgainstEmptyBaseline(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	seedProduct(t, ctx, st, "SKU-EXP-1")

	e := New(st)
	job, err := e.Create(ctx, "AU", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.SKUCount != 1 {
		t.Fatalf("sku count = %d, want 1", job.SKUCount)
	}
	if job.Status != store.ExportJobStatusExported {
		t.Errorf("status = %q, want exported", job.Status)
	}
	if !strings.HasPrefix(job.FileName, "diff_AU_") || !strings.HasSuffix(job.FileName, ".csv") {
		t.Errorf("unexpected file name %q", job.FileName)
	}

	records, err := csv.NewReader(strings.NewReader(string(job.FileBlob))).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected header + 1 row, got %d records", len(records))
	}
	if records[0][0] != "SKU" {
		t.Errorf("expected SKU as first header column, got %q", records[0][0])
	}
	if records[1][0] != "SKU-EXP-1" {
		t.Errorf("expected sku cell populated, got %q", records[1][0])
	}

	rows, err := st.ListExportJobSKUs(ctx, job.ID)
	if err != nil {
		t.Fatalf("list export job skus: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 export job sku row, got %d", len(rows))
	}
	if len(rows[0].ChangedColumns) == 0 {
		t.Error("expected at least one changed column against an empty baseline")
	}
}

func TestFreshRowShippingCellMapping(t *testing.T) {
	fee := &store.FreightFee{SkuCode: "SKU-S", Outputs: pricing.Outputs{ShippingType: pricing.ShippingTypeFree}}

	row := freshRow("AU", "SKU-S", nil, fee)
	if row["shipping"] != "FreeShipping" {
		t.Errorf("AU shipping for type %q = %v, want FreeShipping", pricing.ShippingTypeFree, row["shipping"])
	}

	for _, typ := range []string{pricing.ShippingType1, pricing.ShippingType10, pricing.ShippingType20, pricing.ShippingTypeExtra3, pricing.ShippingTypeExtra5} {
		fee.ShippingType = typ
		row = freshRow("AU", "SKU-S", nil, fee)
		if row["shipping"] != "variable" {
			t.Errorf("AU shipping for type %q = %v, want variable", typ, row["shipping"])
		}
	}

	// The NZ template's shipping cell is a constant, regardless of the
	// computed classification.
	for _, typ := range []string{pricing.ShippingTypeFree, pricing.ShippingTypeExtra4} {
		fee.ShippingType = typ
		row = freshRow("NZ", "SKU-S", nil, fee)
		if row["shipping"] != "0" {
			t.Errorf("NZ shipping for type %q = %v, want 0", typ, row["shipping"])
		}
	}

	fee.ShippingType = ""
	row = freshRow("AU", "SKU-S", nil, fee)
	if _, ok := row["shipping"]; ok {
		t.Errorf("expected no shipping cell for a row with no classification, got %v", row["shipping"])
	}
}

func TestCreateWithNoDirtySKUsReturnsErrNoDirtySku(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	e := New(st)
	_, err := e.Create(ctx, "AU", nil)
	if !errors.Is(err, apperr.ErrNoDirtySku) {
		t.Fatalf("expected ErrNoDirtySku, got %v", err)
	}
}

func TestApplyUpdatesBaselineAndClearsDirtyFlags(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	seedProduct(t, ctx, st, "SKU-EXP-2")

	e := New(st)
	job, err := e.Create(ctx, "AU", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := e.Apply(ctx, job.ID, "operator-1"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	applied, err := st.GetExportJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get export job: %v", err)
	}
	if applied.Status != store.ExportJobStatusApplied {
		t.Errorf("status = %q, want applied", applied.Status)
	}
	if applied.AppliedBy == nil || *applied.AppliedBy != "operator-1" {
		t.Errorf("applied_by = %v, want operator-1", applied.AppliedBy)
	}

	baseline, err := st.LoadKoganBaselineMap(ctx, "AU", []string{"SKU-EXP-2"})
	if err != nil {
		t.Fatalf("load baseline: %v", err)
	}
	if _, ok := baseline["SKU-EXP-2"]["price"]; !ok {
		t.Error("expected price column copied into baseline")
	}

	dirty, err := st.IterDirtySKUsPage(ctx, "AU", "", 100)
	if err != nil {
		t.Fatalf("iter dirty skus: %v", err)
	}
	if len(dirty) != 0 {
		t.Errorf("expected no dirty skus after apply, got %v", dirty)
	}

	// Re-applying an already-applied job is rejected; only
	// exported/apply_failed jobs are applicable.
	if err := e.Apply(ctx, job.ID, "operator-1"); !errors.Is(err, apperr.ErrExportJobNotApplicable) {
		t.Errorf("expected ErrExportJobNotApplicable on re-apply of an applied job, got %v", err)
	}
}

func TestApplyUnknownJobReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	e := New(st)
	if err := e.Apply(ctx, "does-not-exist", "operator-1"); !errors.Is(err, apperr.ErrExportJobNotFound) {
		t.Fatalf("expected ErrExportJobNotFound, got %v", err)
	}
}

func TestGetFileReturnsNotFoundForUnknownJob(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	e := New(st)
	if _, err := e.GetFile(ctx, "missing"); !errors.Is(err, apperr.ErrExportJobNotFound) {
		t.Fatalf("expected ErrExportJobNotFound, got %v", err)
	}
}
