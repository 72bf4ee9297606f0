package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"catalogsyncd/internal/pricing"
)

// FreightFee is the persisted calculator output for one SKU plus the
// per-country dirty flags marking it for export.
type FreightFee struct {
	SkuCode string
	pricing.Outputs

	AttrsHashLastCalc string
	LastChangedRunID  *string
	LastChangedSource *string
	LastChangedAt     *time.Time
	KoganDirtyAU      bool
	KoganDirtyNZ      bool
}

// UpsertFreightFee writes (or replaces) one SKU's calculator outputs,
// storing both country dirty flags exactly as set on f.
func (s *Store) UpsertFreightFee(ctx context.Context, f *FreightFee) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO kogan_sku_freight_fee (
			sku_code, adjust, same_shipping, shipping_ave, shipping_ave_m, shipping_ave_r,
			shipping_med, remote_check, rural_ave, weighted_ave_s, shipping_med_dif,
			weight, cubic_weight, shipping_type, price_ratio, selling_price,
			shopify_price, kogan_au_price, kogan_k1_price, kogan_nz_price,
			attrs_hash_last_calc, last_changed_run_id, last_changed_source, last_changed_at,
			kogan_dirty_au, kogan_dirty_nz, updated_at
		) VALUES (
			?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now')
		)
		ON CONFLICT(sku_code) DO UPDATE SET
			adjust               = excluded.adjust,
			same_shipping        = excluded.same_shipping,
			shipping_ave         = excluded.shipping_ave,
			shipping_ave_m       = excluded.shipping_ave_m,
			shipping_ave_r       = excluded.shipping_ave_r,
			shipping_med         = excluded.shipping_med,
			remote_check         = excluded.remote_check,
			rural_ave            = excluded.rural_ave,
			weighted_ave_s       = excluded.weighted_ave_s,
			shipping_med_dif     = excluded.shipping_med_dif,
			weight               = excluded.weight,
			cubic_weight         = excluded.cubic_weight,
			shipping_type        = excluded.shipping_type,
			price_ratio          = excluded.price_ratio,
			selling_price        = excluded.selling_price,
			shopify_price        = excluded.shopify_price,
			kogan_au_price       = excluded.kogan_au_price,
			kogan_k1_price       = excluded.kogan_k1_price,
			kogan_nz_price       = excluded.kogan_nz_price,
			attrs_hash_last_calc = excluded.attrs_hash_last_calc,
			last_changed_run_id  = excluded.last_changed_run_id,
			last_changed_source  = excluded.last_changed_source,
			last_changed_at      = excluded.last_changed_at,
			kogan_dirty_au       = excluded.kogan_dirty_au,
			kogan_dirty_nz       = excluded.kogan_dirty_nz,
			updated_at           = strftime('%Y-%m-%dT%H:%M:%fZ','now')
	`,
		f.SkuCode, nullDecimal(f.Adjust), nullDecimal(f.SameShipping), nullDecimal(f.ShippingAve),
		nullDecimal(f.ShippingAveM), nullDecimal(f.ShippingAveR),
		nullDecimal(f.ShippingMed), boolToInt(f.RemoteCheck), nullDecimal(f.RuralAve), nullDecimal(f.WeightedAveS),
		nullDecimal(f.ShippingMedDif),
		nullDecimal(f.Weight), nullDecimal(f.CubicWeight), f.ShippingType, nullDecimal(f.PriceRatio), nullDecimal(f.SellingPrice),
		nullDecimal(f.ShopifyPrice), nullDecimal(f.KoganAUPrice), nullDecimal(f.KoganK1Price), nullDecimal(f.KoganNZPrice),
		f.AttrsHashLastCalc, f.LastChangedRunID, f.LastChangedSource, nullTime(f.LastChangedAt),
		boolToInt(f.KoganDirtyAU), boolToInt(f.KoganDirtyNZ),
	)
	if err != nil {
		return fmt.Errorf("store: upsert freight fee %s: %w", f.SkuCode, err)
	}
	return nil
}

var freightFeeColumns = []string{
	"adjust", "same_shipping", "shipping_ave", "shipping_ave_m", "shipping_ave_r",
	"shipping_med", "remote_check", "rural_ave", "weighted_ave_s", "shipping_med_dif",
	"weight", "cubic_weight", "shipping_type", "price_ratio", "selling_price",
	"shopify_price", "kogan_au_price", "kogan_k1_price", "kogan_nz_price",
}

// LoadFeeRowsBySKUs returns existing kogan_sku_freight_fee rows keyed by
// sku_code; SKUs with no row yet are absent from the map (a lookup yields
// nil) —
// query_existing_results_map / load_fee_rows_by_skus in the repository.
func (s *Store) LoadFeeRowsBySKUs(ctx context.Context, skus []string) (map[string]*FreightFee, error) {
	out := make(map[string]*FreightFee, len(skus))
	if len(skus) == 0 {
		return out, nil
	}
	for _, batch := range chunkStrings(skus, 500) {
		placeholders, args := inClause(batch)
		rows, err := s.DB.QueryContext(ctx, `
			SELECT sku_code, adjust, same_shipping, shipping_ave, shipping_ave_m, shipping_ave_r,
				shipping_med, remote_check, rural_ave, weighted_ave_s, shipping_med_dif,
				weight, cubic_weight, shipping_type, price_ratio, selling_price,
				shopify_price, kogan_au_price, kogan_k1_price, kogan_nz_price,
				attrs_hash_last_calc, last_changed_run_id, last_changed_source, last_changed_at,
				kogan_dirty_au, kogan_dirty_nz
			FROM kogan_sku_freight_fee WHERE sku_code IN (`+placeholders+`)
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("store: load fee rows by skus: %w", err)
		}
		if err := func() error {
			defer rows.Close()
			for rows.Next() {
				f, err := scanFreightFee(rows)
				if err != nil {
					return err
				}
				out[f.SkuCode] = f
			}
			return rows.Err()
		}(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanFreightFee(row scannable) (*FreightFee, error) {
	var f FreightFee
	var adjust, sameShipping, shipAve, shipAveM, shipAveR, shipMed sql.NullString
	var remoteCheck int
	var ruralAve, weightedAveS, shipMedDif, weight, cubicWeight, priceRatio, sellingPrice sql.NullString
	var shippingType sql.NullString
	var shopifyPrice, koganAU, koganK1, koganNZ sql.NullString
	var attrsHash, lastRunID, lastSource, lastAt sql.NullString
	var dirtyAU, dirtyNZ int

	if err := row.Scan(
		&f.SkuCode, &adjust, &sameShipping, &shipAve, &shipAveM, &shipAveR,
		&shipMed, &remoteCheck, &ruralAve, &weightedAveS, &shipMedDif,
		&weight, &cubicWeight, &shippingType, &priceRatio, &sellingPrice,
		&shopifyPrice, &koganAU, &koganK1, &koganNZ,
		&attrsHash, &lastRunID, &lastSource, &lastAt,
		&dirtyAU, &dirtyNZ,
	); err != nil {
		return nil, err
	}

	assign := func(dst **decimal.Decimal, v sql.NullString) error {
		d, err := scanDecimal(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
	for dst, v := range map[**decimal.Decimal]sql.NullString{
		&f.Adjust: adjust, &f.SameShipping: sameShipping, &f.ShippingAve: shipAve,
		&f.ShippingAveM: shipAveM, &f.ShippingAveR: shipAveR, &f.ShippingMed: shipMed,
		&f.RuralAve: ruralAve, &f.WeightedAveS: weightedAveS, &f.ShippingMedDif: shipMedDif,
		&f.Weight: weight, &f.CubicWeight: cubicWeight, &f.PriceRatio: priceRatio,
		&f.SellingPrice: sellingPrice, &f.ShopifyPrice: shopifyPrice,
		&f.KoganAUPrice: koganAU, &f.KoganK1Price: koganK1, &f.KoganNZPrice: koganNZ,
	} {
		if err := assign(dst, v); err != nil {
			return nil, err
		}
	}

	f.RemoteCheck = remoteCheck != 0
	f.ShippingType = shippingType.String
	f.AttrsHashLastCalc = attrsHash.String
	f.LastChangedRunID = nullStringPtr(lastRunID)
	f.LastChangedSource = nullStringPtr(lastSource)
	t, err := scanTime(lastAt)
	if err != nil {
		return nil, err
	}
	f.LastChangedAt = t
	f.KoganDirtyAU = dirtyAU != 0
	f.KoganDirtyNZ = dirtyNZ != 0
	return &f, nil
}

// UpdateChangedPrices is a column-level partial upsert: only the columns
// present in `changed` are written; every other column is preserved via
// COALESCE(excluded.col, table.col), so two concurrent calls touching
// disjoint columns for the same SKU leave the union of both writes.
// Values in `changed` must already be storable (string,
// *decimal.Decimal, bool) keyed by the DB column name. last_changed_at only
// advances when at least one provided column's resolved value actually
// differs from the stored row — a no-op write (e.g. a recompute that lands
// on the same price) must not disturb it. Both country dirty flags are
// still set true on any write.
func (s *Store) UpdateChangedPrices(ctx context.Context, skuCode string, changed map[string]any, source, runID string) error {
	if len(changed) == 0 {
		return nil
	}
	cols := make([]string, 0, len(changed))
	for _, c := range freightFeeColumns {
		if _, ok := changed[c]; ok {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 {
		return fmt.Errorf("store: update changed prices %s: no recognized columns in change set", skuCode)
	}

	insertCols := append([]string{"sku_code"}, cols...)
	placeholders := strings.Repeat("?,", len(insertCols))
	placeholders = placeholders[:len(placeholders)-1]

	var anyChanged []string
	for _, c := range cols {
		anyChanged = append(anyChanged, fmt.Sprintf("(excluded.%s IS NOT NULL AND excluded.%s IS NOT kogan_sku_freight_fee.%s)", c, c, c))
	}
	changedExpr := strings.Join(anyChanged, " OR ")

	var setClauses []string
	for _, c := range cols {
		setClauses = append(setClauses, fmt.Sprintf("%s = COALESCE(excluded.%s, kogan_sku_freight_fee.%s)", c, c, c))
	}
	setClauses = append(setClauses,
		"last_changed_run_id = excluded.last_changed_run_id",
		"last_changed_source = excluded.last_changed_source",
		fmt.Sprintf("last_changed_at = CASE WHEN %s THEN strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now') ELSE kogan_sku_freight_fee.last_changed_at END", changedExpr),
		"kogan_dirty_au = 1",
		"kogan_dirty_nz = 1",
		"updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')",
	)

	query := fmt.Sprintf(`
		INSERT INTO kogan_sku_freight_fee (%s, last_changed_run_id, last_changed_source, last_changed_at, kogan_dirty_au, kogan_dirty_nz)
		VALUES (%s, ?, ?, strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now'), 1, 1)
		ON CONFLICT(sku_code) DO UPDATE SET %s
	`, strings.Join(insertCols, ", "), placeholders, strings.Join(setClauses, ", "))

	args := make([]any, 0, len(insertCols)+2)
	args = append(args, skuCode)
	for _, c := range cols {
		args = append(args, toSQLValue(changed[c]))
	}
	args = append(args, runID, source)

	if _, err := s.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: update changed prices %s: %w", skuCode, err)
	}
	return nil
}

func toSQLValue(v any) any {
	switch t := v.(type) {
	case *decimal.Decimal:
		return nullDecimal(t)
	case decimal.Decimal:
		return t.String()
	case bool:
		return boolToInt(t)
	default:
		return v
	}
}

// ClearDirtyFlags resets the per-country dirty markers for the given SKUs
// after an export job has successfully applied them.
func (s *Store) ClearDirtyFlags(ctx context.Context, country string, skus []string) error {
	if len(skus) == 0 {
		return nil
	}
	col := "kogan_dirty_au"
	if country == "NZ" {
		col = "kogan_dirty_nz"
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin clear dirty flags: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`UPDATE kogan_sku_freight_fee SET %s = 0 WHERE sku_code = ?`, col))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sku := range skus {
		if _, err := stmt.ExecContext(ctx, sku); err != nil {
			return fmt.Errorf("store: clear dirty flag for %s: %w", sku, err)
		}
	}
	return tx.Commit()
}

// IterDirtySKUsPage returns up to limit dirty SKU codes for a country
// with sku_code strictly greater than afterSKU. Keyset pagination stays
// flat as the dirty set grows where an OFFSET cursor would re-scan
// skipped rows on every page.
func (s *Store) IterDirtySKUsPage(ctx context.Context, country, afterSKU string, limit int) ([]string, error) {
	col := "kogan_dirty_au"
	if country == "NZ" {
		col = "kogan_dirty_nz"
	}
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT sku_code FROM kogan_sku_freight_fee
		WHERE %s = 1 AND sku_code > ? ORDER BY sku_code LIMIT ?
	`, col), afterSKU, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sku string
		if err := rows.Scan(&sku); err != nil {
			return nil, err
		}
		out = append(out, sku)
	}
	return out, rows.Err()
}

// IterDirtySKUs returns every SKU code currently dirty for the given
// country.
func (s *Store) IterDirtySKUs(ctx context.Context, country string) ([]string, error) {
	col := "kogan_dirty_au"
	if country == "NZ" {
		col = "kogan_dirty_nz"
	}
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`SELECT sku_code FROM kogan_sku_freight_fee WHERE %s = 1 ORDER BY sku_code`, col))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sku string
		if err := rows.Scan(&sku); err != nil {
			return nil, err
		}
		out = append(out, sku)
	}
	return out, rows.Err()
}
