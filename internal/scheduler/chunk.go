package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"catalogsyncd/internal/attrhash"
	"catalogsyncd/internal/logger"
	"catalogsyncd/internal/ndjson"
	"catalogsyncd/internal/pricing"
	"catalogsyncd/internal/store"
	"catalogsyncd/internal/supplier"
)

// runChunk fetches supplier data for one chunk's SKUs, normalizes and
// diffs each SKU against the master table, upserts the merged row, and
// records a sync candidate for anything that changed. Any failure marks
// the manifest row failed (with truncated error text) and returns; the
// caller folds the failure into the run's gap count rather than aborting.
// Returns the candidate count and the chunk carrying its supplier health
// counters.
func (o *Orchestrator) runChunk(ctx context.Context, c store.Chunk, variants map[string]ndjson.Variant) (int, store.Chunk, error) {
	if err := o.Store.MarkChunkRunning(ctx, c.RunID, c.ChunkIdx); err != nil {
		return 0, c, fmt.Errorf("mark chunk %d running: %w", c.ChunkIdx, err)
	}

	changedCount, err := o.enrichChunk(ctx, &c, variants)
	if err != nil {
		_ = o.Store.MarkChunkResult(ctx, c.RunID, c.ChunkIdx, "failed", c, truncateErr(err))
		return 0, c, fmt.Errorf("chunk %d: %w", c.ChunkIdx, err)
	}

	if err := o.Store.MarkChunkResult(ctx, c.RunID, c.ChunkIdx, "succeeded", c, ""); err != nil {
		return changedCount, c, fmt.Errorf("mark chunk %d succeeded: %w", c.ChunkIdx, err)
	}
	logger.Info(logTag, fmt.Sprintf("chunk %d: %d/%d changed", c.ChunkIdx, changedCount, len(c.SKUCodes)))
	return changedCount, c, nil
}

// errTextCap bounds the last_error column, matching the manifest's
// truncated-error-text contract.
const errTextCap = 500

func truncateErr(err error) string {
	s := err.Error()
	if len(s) > errTextCap {
		return s[:errTextCap]
	}
	return s
}

func (o *Orchestrator) enrichChunk(ctx context.Context, c *store.Chunk, variants map[string]ndjson.Variant) (int, error) {
	products, stats, err := o.Supplier.FetchProducts(ctx, c.SKUCodes)
	if err != nil {
		return 0, fmt.Errorf("fetch products: %w", err)
	}
	zoneRates, err := o.Supplier.FetchZoneRates(ctx, c.SKUCodes)
	if err != nil {
		return 0, fmt.Errorf("fetch zone rates: %w", err)
	}

	existing, err := o.Store.LoadExistingBySKUs(ctx, c.SKUCodes)
	if err != nil {
		return 0, fmt.Errorf("load existing: %w", err)
	}
	variantIDs, err := o.Store.LoadVariantIDsBySKUs(ctx, c.SKUCodes)
	if err != nil {
		return 0, fmt.Errorf("load variant ids: %w", err)
	}

	now := time.Now().UTC()
	changedCount := 0
	c.DSZMissing, c.DSZFailedBatches, c.DSZFailedSKUs = stats.MissingCount, stats.FailedBatchesCount, stats.FailedSKUsCount
	c.DSZRequestedTotal, c.DSZReturnedTotal = stats.RequestedTotal, stats.ReturnedTotal
	c.DSZMissingSample, c.DSZFailedSample, c.DSZExtraSample = stats.MissingSample, stats.FailedSample, stats.ExtraSample

	for _, sku := range c.SKUCodes {
		rec, haveRec := products[sku]
		if !haveRec {
			continue
		}

		p := buildProduct(sku, rec, zoneRates[sku], variants[sku], variantIDs[sku])
		snap := productSnapshot(p)
		p.AttrsHashCurrent = attrhash.Calc(snap, now)

		prior := existing[sku]
		mask := diffProduct(prior, &p)
		if prior != nil && p.AttrsHashCurrent == prior.AttrsHashCurrent && len(mask) == 0 {
			continue
		}

		if err := o.Store.UpsertProduct(ctx, &p); err != nil {
			return changedCount, fmt.Errorf("upsert product %s: %w", sku, err)
		}
		if len(mask) > 0 {
			if err := o.Store.UpsertCandidate(ctx, c.RunID, sku, mask, snap); err != nil {
				return changedCount, fmt.Errorf("upsert candidate %s: %w", sku, err)
			}
			changedCount++
		}
	}
	return changedCount, nil
}

// buildProduct merges one supplier record, its zone rates, and the
// matching storefront variant (if this process streamed the bulk file
// itself) into a master-table row, normalizing the supplier's string
// fields to decimal/time values.
func buildProduct(sku string, rec supplier.ProductRecord, zone pricing.StateFreight, v ndjson.Variant, variantID string) store.Product {
	p := store.Product{
		SkuCode:  sku,
		StockQty: rec.StockQty,

		Price:               parseDecimal(rec.Price),
		RRPPrice:            parseDecimal(rec.RRPPrice),
		SpecialPrice:        parseDecimal(rec.SpecialPrice),
		SpecialPriceEndDate: parseDate(rec.SpecialPriceEndDate),

		Brand:    nonEmptyPtr(rec.Brand),
		Weight:   parseDecimal(rec.Weight),
		CBM:      parseDecimal(rec.CBM),
		Length:   parseDecimal(rec.Length),
		Width:    parseDecimal(rec.Width),
		Height:   parseDecimal(rec.Height),
		EANCode:  nonEmptyPtr(rec.EANCode),
		Supplier: nonEmptyPtr(rec.Supplier),

		FreightACT: zone.ACT, FreightNSWM: zone.NSWM, FreightNSWR: zone.NSWR,
		FreightNTM: zone.NTM, FreightNTR: zone.NTR,
		FreightQLDM: zone.QLDM, FreightQLDR: zone.QLDR, Remote: zone.Remote,
		FreightSAM: zone.SAM, FreightSAR: zone.SAR,
		FreightTASM: zone.TASM, FreightTASR: zone.TASR,
		FreightVICM: zone.VICM, FreightVICR: zone.VICR,
		FreightWAM: zone.WAM, FreightWAR: zone.WAR, FreightNZ: zone.NZ,
	}

	if v.SKU != "" {
		p.ShopifyVariantID = nonEmptyPtr(v.VariantID)
		if v.HasPrice {
			p.ShopifyPrice = parseDecimal(v.ShopifyPrice)
		}
		if v.HasTags {
			p.ProductTags = v.ProductTags
		}
	} else if variantID != "" {
		p.ShopifyVariantID = nonEmptyPtr(variantID)
	}
	return p
}

func parseDecimal(s string) *decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" || s == "<nil>" {
		return nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &v
}

func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if len(s) > 10 {
		s = s[:10]
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil
	}
	return &t
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// productSnapshot renders a product row into the attrhash.Snapshot shape,
// matching the field set and key names attrhash.Fields expects.
func productSnapshot(p store.Product) attrhash.Snapshot {
	return attrhash.Snapshot{
		"price":                   p.Price,
		"special_price":           p.SpecialPrice,
		"special_price_end_date":  p.SpecialPriceEndDate,
		"length":                  p.Length,
		"width":                   p.Width,
		"height":                  p.Height,
		"weight":                  p.Weight,
		"freight_act":             p.FreightACT,
		"freight_nsw_m":           p.FreightNSWM,
		"freight_nsw_r":           p.FreightNSWR,
		"freight_nt_m":            p.FreightNTM,
		"freight_nt_r":            p.FreightNTR,
		"freight_qld_m":           p.FreightQLDM,
		"freight_qld_r":           p.FreightQLDR,
		"remote":                  p.Remote,
		"freight_sa_m":            p.FreightSAM,
		"freight_sa_r":            p.FreightSAR,
		"freight_tas_m":           p.FreightTASM,
		"freight_tas_r":           p.FreightTASR,
		"freight_vic_m":           p.FreightVICM,
		"freight_vic_r":           p.FreightVICR,
		"freight_wa_m":            p.FreightWAM,
		"freight_wa_r":            p.FreightWAR,
		"freight_nz":              p.FreightNZ,
	}
}

// diffProduct compares the incoming normalized row against the previously
// stored one, returning a change_mask of field->changed for every field
// that differs. A nil prior (first time this SKU is seen) reports every
// populated field as changed.
func diffProduct(prior *store.Product, next *store.Product) map[string]bool {
	mask := map[string]bool{}
	check := func(field string, changed bool) {
		if changed {
			mask[field] = true
		}
	}

	if prior == nil {
		prior = &store.Product{}
	}

	check("price", !decimalEqual(prior.Price, next.Price))
	check("rrp_price", !decimalEqual(prior.RRPPrice, next.RRPPrice))
	check("special_price", !decimalEqual(prior.SpecialPrice, next.SpecialPrice))
	check("special_price_end_date", !timeEqual(prior.SpecialPriceEndDate, next.SpecialPriceEndDate))
	check("shopify_price", !decimalEqual(prior.ShopifyPrice, next.ShopifyPrice))
	check("weight", !decimalEqual(prior.Weight, next.Weight))
	check("cbm", !decimalEqual(prior.CBM, next.CBM))
	check("length", !decimalEqual(prior.Length, next.Length))
	check("width", !decimalEqual(prior.Width, next.Width))
	check("height", !decimalEqual(prior.Height, next.Height))
	check("brand", !strPtrEqual(prior.Brand, next.Brand))
	check("ean_code", !strPtrEqual(prior.EANCode, next.EANCode))
	check("supplier", !strPtrEqual(prior.Supplier, next.Supplier))
	check("stock_qty", prior.StockQty != next.StockQty)
	check("product_tags", !tagsEqual(prior.ProductTags, next.ProductTags))
	check("shopify_variant_id", next.ShopifyVariantID != nil && !strPtrEqual(prior.ShopifyVariantID, next.ShopifyVariantID))

	freightPairs := []struct {
		name string
		a, b *decimal.Decimal
	}{
		{"freight_act", prior.FreightACT, next.FreightACT},
		{"freight_nsw_m", prior.FreightNSWM, next.FreightNSWM},
		{"freight_nsw_r", prior.FreightNSWR, next.FreightNSWR},
		{"freight_nt_m", prior.FreightNTM, next.FreightNTM},
		{"freight_nt_r", prior.FreightNTR, next.FreightNTR},
		{"freight_qld_m", prior.FreightQLDM, next.FreightQLDM},
		{"freight_qld_r", prior.FreightQLDR, next.FreightQLDR},
		{"remote", prior.Remote, next.Remote},
		{"freight_sa_m", prior.FreightSAM, next.FreightSAM},
		{"freight_sa_r", prior.FreightSAR, next.FreightSAR},
		{"freight_tas_m", prior.FreightTASM, next.FreightTASM},
		{"freight_tas_r", prior.FreightTASR, next.FreightTASR},
		{"freight_vic_m", prior.FreightVICM, next.FreightVICM},
		{"freight_vic_r", prior.FreightVICR, next.FreightVICR},
		{"freight_wa_m", prior.FreightWAM, next.FreightWAM},
		{"freight_wa_r", prior.FreightWAR, next.FreightWAR},
		{"freight_nz", prior.FreightNZ, next.FreightNZ},
	}
	for _, fp := range freightPairs {
		check(fp.name, !decimalEqual(fp.a, fp.b))
	}
	return mask
}

func decimalEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func tagsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
