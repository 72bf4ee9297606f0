package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Product is the master catalog row per SKU, carrying both commercial
// fields and the 17 freight-rate columns. NT fields feed the attribute
// hash but never the freight math.
type Product struct {
	ID               uuid.UUID
	SkuCode          string
	ShopifyVariantID *string
	StockQty         int

	Price               *decimal.Decimal
	RRPPrice            *decimal.Decimal
	SpecialPrice        *decimal.Decimal
	SpecialPriceEndDate *time.Time
	ShopifyPrice        *decimal.Decimal

	ProductTags []string
	Brand       *string
	Weight      *decimal.Decimal
	CBM         *decimal.Decimal
	Length      *decimal.Decimal
	Width       *decimal.Decimal
	Height      *decimal.Decimal
	EANCode     *string
	Supplier    *string

	FreightACT  *decimal.Decimal
	FreightNSWM *decimal.Decimal
	FreightNSWR *decimal.Decimal
	FreightNTM  *decimal.Decimal
	FreightNTR  *decimal.Decimal
	FreightQLDM *decimal.Decimal
	FreightQLDR *decimal.Decimal
	Remote      *decimal.Decimal
	FreightSAM  *decimal.Decimal
	FreightSAR  *decimal.Decimal
	FreightTASM *decimal.Decimal
	FreightTASR *decimal.Decimal
	FreightVICM *decimal.Decimal
	FreightVICR *decimal.Decimal
	FreightWAM  *decimal.Decimal
	FreightWAR  *decimal.Decimal
	FreightNZ   *decimal.Decimal

	AttrsHashCurrent string

	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastChangedAt time.Time
}

// UpsertProduct inserts or updates a product row by sku_code, preserving
// any column not present in the supplied snapshot via
// COALESCE(EXCLUDED.col, table.col).
func (s *Store) UpsertProduct(ctx context.Context, p *Product) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	tagsJSON, err := json.Marshal(p.ProductTags)
	if err != nil {
		return fmt.Errorf("store: marshal product_tags: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO sku_info (
			id, sku_code, shopify_variant_id, stock_qty,
			price, rrp_price, special_price, special_price_end_date, shopify_price,
			product_tags, brand, weight, cbm, length, width, height, ean_code, supplier,
			freight_act, freight_nsw_m, freight_nsw_r, freight_nt_m, freight_nt_r,
			freight_qld_m, freight_qld_r, remote, freight_sa_m, freight_sa_r,
			freight_tas_m, freight_tas_r, freight_vic_m, freight_vic_r,
			freight_wa_m, freight_wa_r, freight_nz,
			attrs_hash_current, last_changed_at
		) VALUES (
			?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?, ?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?,
			?, strftime('%Y-%m-%dT%H:%M:%fZ','now')
		)
		ON CONFLICT(sku_code) DO UPDATE SET
			shopify_variant_id     = COALESCE(excluded.shopify_variant_id, sku_info.shopify_variant_id),
			stock_qty              = excluded.stock_qty,
			price                  = COALESCE(excluded.price, sku_info.price),
			rrp_price              = COALESCE(excluded.rrp_price, sku_info.rrp_price),
			special_price          = COALESCE(excluded.special_price, sku_info.special_price),
			special_price_end_date = COALESCE(excluded.special_price_end_date, sku_info.special_price_end_date),
			shopify_price          = COALESCE(excluded.shopify_price, sku_info.shopify_price),
			product_tags           = excluded.product_tags,
			brand                  = COALESCE(excluded.brand, sku_info.brand),
			weight                 = COALESCE(excluded.weight, sku_info.weight),
			cbm                    = COALESCE(excluded.cbm, sku_info.cbm),
			length                 = COALESCE(excluded.length, sku_info.length),
			width                  = COALESCE(excluded.width, sku_info.width),
			height                 = COALESCE(excluded.height, sku_info.height),
			ean_code               = COALESCE(excluded.ean_code, sku_info.ean_code),
			supplier               = COALESCE(excluded.supplier, sku_info.supplier),
			freight_act            = COALESCE(excluded.freight_act, sku_info.freight_act),
			freight_nsw_m          = COALESCE(excluded.freight_nsw_m, sku_info.freight_nsw_m),
			freight_nsw_r          = COALESCE(excluded.freight_nsw_r, sku_info.freight_nsw_r),
			freight_nt_m           = COALESCE(excluded.freight_nt_m, sku_info.freight_nt_m),
			freight_nt_r           = COALESCE(excluded.freight_nt_r, sku_info.freight_nt_r),
			freight_qld_m          = COALESCE(excluded.freight_qld_m, sku_info.freight_qld_m),
			freight_qld_r          = COALESCE(excluded.freight_qld_r, sku_info.freight_qld_r),
			remote                 = COALESCE(excluded.remote, sku_info.remote),
			freight_sa_m           = COALESCE(excluded.freight_sa_m, sku_info.freight_sa_m),
			freight_sa_r           = COALESCE(excluded.freight_sa_r, sku_info.freight_sa_r),
			freight_tas_m          = COALESCE(excluded.freight_tas_m, sku_info.freight_tas_m),
			freight_tas_r          = COALESCE(excluded.freight_tas_r, sku_info.freight_tas_r),
			freight_vic_m          = COALESCE(excluded.freight_vic_m, sku_info.freight_vic_m),
			freight_vic_r          = COALESCE(excluded.freight_vic_r, sku_info.freight_vic_r),
			freight_wa_m           = COALESCE(excluded.freight_wa_m, sku_info.freight_wa_m),
			freight_wa_r           = COALESCE(excluded.freight_wa_r, sku_info.freight_wa_r),
			freight_nz             = COALESCE(excluded.freight_nz, sku_info.freight_nz),
			attrs_hash_current     = excluded.attrs_hash_current,
			last_changed_at        = strftime('%Y-%m-%dT%H:%M:%fZ','now'),
			updated_at             = strftime('%Y-%m-%dT%H:%M:%fZ','now')
	`,
		p.ID.String(), p.SkuCode, p.ShopifyVariantID, p.StockQty,
		nullDecimal(p.Price), nullDecimal(p.RRPPrice), nullDecimal(p.SpecialPrice), nullTime(p.SpecialPriceEndDate), nullDecimal(p.ShopifyPrice),
		string(tagsJSON), p.Brand, nullDecimal(p.Weight), nullDecimal(p.CBM), nullDecimal(p.Length), nullDecimal(p.Width), nullDecimal(p.Height), p.EANCode, p.Supplier,
		nullDecimal(p.FreightACT), nullDecimal(p.FreightNSWM), nullDecimal(p.FreightNSWR), nullDecimal(p.FreightNTM), nullDecimal(p.FreightNTR),
		nullDecimal(p.FreightQLDM), nullDecimal(p.FreightQLDR), nullDecimal(p.Remote), nullDecimal(p.FreightSAM), nullDecimal(p.FreightSAR),
		nullDecimal(p.FreightTASM), nullDecimal(p.FreightTASR), nullDecimal(p.FreightVICM), nullDecimal(p.FreightVICR),
		nullDecimal(p.FreightWAM), nullDecimal(p.FreightWAR), nullDecimal(p.FreightNZ),
		p.AttrsHashCurrent,
	)
	if err != nil {
		return fmt.Errorf("store: upsert product %s: %w", p.SkuCode, err)
	}
	return nil
}

// GetProductBySKU fetches one product row, or (nil, nil) if absent.
func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*Product, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, sku_code, shopify_variant_id, stock_qty,
			price, rrp_price, special_price, special_price_end_date, shopify_price,
			product_tags, brand, weight, cbm, length, width, height, ean_code, supplier,
			freight_act, freight_nsw_m, freight_nsw_r, freight_nt_m, freight_nt_r,
			freight_qld_m, freight_qld_r, remote, freight_sa_m, freight_sa_r,
			freight_tas_m, freight_tas_r, freight_vic_m, freight_vic_r,
			freight_wa_m, freight_wa_r, freight_nz,
			attrs_hash_current, created_at, updated_at, last_changed_at
		FROM sku_info WHERE sku_code = ?
	`, sku)
	return scanProduct(row)
}

// LoadExistingBySKUs returns the master rows for the given SKUs, keyed by
// sku_code. SKUs with no existing row are simply absent from the result
// map.
func (s *Store) LoadExistingBySKUs(ctx context.Context, skus []string) (map[string]*Product, error) {
	out := make(map[string]*Product, len(skus))
	if len(skus) == 0 {
		return out, nil
	}
	for _, batch := range chunkStrings(skus, 500) {
		placeholders, args := inClause(batch)
		rows, err := s.DB.QueryContext(ctx, `
			SELECT id, sku_code, shopify_variant_id, stock_qty,
				price, rrp_price, special_price, special_price_end_date, shopify_price,
				product_tags, brand, weight, cbm, length, width, height, ean_code, supplier,
				freight_act, freight_nsw_m, freight_nsw_r, freight_nt_m, freight_nt_r,
				freight_qld_m, freight_qld_r, remote, freight_sa_m, freight_sa_r,
				freight_tas_m, freight_tas_r, freight_vic_m, freight_vic_r,
				freight_wa_m, freight_wa_r, freight_nz,
				attrs_hash_current, created_at, updated_at, last_changed_at
			FROM sku_info WHERE sku_code IN (`+placeholders+`)
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("store: load existing by skus: %w", err)
		}
		if err := func() error {
			defer rows.Close()
			for rows.Next() {
				p, err := scanProduct(rows)
				if err != nil {
					return err
				}
				if p != nil {
					out[p.SkuCode] = p
				}
			}
			return rows.Err()
		}(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LoadVariantIDsBySKUs is the short convenience read chunk workers use to
// merge storefront ids into normalized snapshots without pulling whole
// master rows.
func (s *Store) LoadVariantIDsBySKUs(ctx context.Context, skus []string) (map[string]string, error) {
	out := make(map[string]string, len(skus))
	if len(skus) == 0 {
		return out, nil
	}
	for _, batch := range chunkStrings(skus, 500) {
		placeholders, args := inClause(batch)
		rows, err := s.DB.QueryContext(ctx, `
			SELECT sku_code, shopify_variant_id FROM sku_info
			WHERE sku_code IN (`+placeholders+`) AND shopify_variant_id IS NOT NULL
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("store: load variant ids by skus: %w", err)
		}
		if err := func() error {
			defer rows.Close()
			for rows.Next() {
				var sku, variantID string
				if err := rows.Scan(&sku, &variantID); err != nil {
					return err
				}
				out[sku] = variantID
			}
			return rows.Err()
		}(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListAllSKUsPage returns up to limit tracked sku_codes with sku_code
// strictly greater than afterSKU, the keyset cursor a schedule-triggered
// full recalculation walks to touch every tracked SKU rather than only
// ones already flagged dirty for export.
func (s *Store) ListAllSKUsPage(ctx context.Context, afterSKU string, limit int) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT sku_code FROM sku_info WHERE sku_code > ? ORDER BY sku_code LIMIT ?
	`, afterSKU, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list all skus page: %w", err)
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

// ListPriceResetCandidatesPage returns up to limit sku_codes (sku_code
// strictly greater than afterSKU) whose promotion expires on or before
// targetDate and whose regular price is known, on the same keyset cursor
// ListAllSKUsPage uses.
func (s *Store) ListPriceResetCandidatesPage(ctx context.Context, targetDate time.Time, afterSKU string, limit int) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT sku_code FROM sku_info
		WHERE special_price_end_date IS NOT NULL
			AND special_price_end_date <= ?
			AND price IS NOT NULL
			AND sku_code > ?
		ORDER BY sku_code LIMIT ?
	`, targetDate.UTC().Format(time.RFC3339Nano), afterSKU, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list price reset candidates page: %w", err)
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

func chunkStrings(in []string, size int) [][]string {
	var out [][]string
	for i := 0; i < len(in); i += size {
		end := i + size
		if end > len(in) {
			end = len(in)
		}
		out = append(out, in[i:end])
	}
	return out
}

func inClause(vals []string) (string, []any) {
	placeholders := make([]byte, 0, len(vals)*2)
	args := make([]any, len(vals))
	for i, v := range vals {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = v
	}
	return string(placeholders), args
}

type scannable interface {
	Scan(dest ...any) error
}

func scanProduct(row scannable) (*Product, error) {
	var p Product
	var id string
	var variantID, brand, eanCode, supplier sql.NullString
	var price, rrp, special, shopifyPrice, weight, cbm, length, width, height sql.NullString
	var specialEnd sql.NullString
	var freightFields [17]sql.NullString
	var tagsJSON string
	var createdAt, updatedAt, lastChangedAt string

	err := row.Scan(
		&id, &p.SkuCode, &variantID, &p.StockQty,
		&price, &rrp, &special, &specialEnd, &shopifyPrice,
		&tagsJSON, &brand, &weight, &cbm, &length, &width, &height, &eanCode, &supplier,
		&freightFields[0], &freightFields[1], &freightFields[2], &freightFields[3], &freightFields[4],
		&freightFields[5], &freightFields[6], &freightFields[7], &freightFields[8], &freightFields[9],
		&freightFields[10], &freightFields[11], &freightFields[12], &freightFields[13],
		&freightFields[14], &freightFields[15], &freightFields[16],
		&p.AttrsHashCurrent, &createdAt, &updatedAt, &lastChangedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("store: parse product id: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &p.ProductTags); err != nil {
		return nil, fmt.Errorf("store: unmarshal product_tags: %w", err)
	}
	p.ShopifyVariantID = nullStringPtr(variantID)
	p.Brand = nullStringPtr(brand)
	p.EANCode = nullStringPtr(eanCode)
	p.Supplier = nullStringPtr(supplier)

	assign := func(dst **decimal.Decimal, v sql.NullString) error {
		d, err := scanDecimal(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
	for dst, v := range map[**decimal.Decimal]sql.NullString{
		&p.Price: price, &p.RRPPrice: rrp, &p.SpecialPrice: special, &p.ShopifyPrice: shopifyPrice,
		&p.Weight: weight, &p.CBM: cbm, &p.Length: length, &p.Width: width, &p.Height: height,
		&p.FreightACT: freightFields[0], &p.FreightNSWM: freightFields[1], &p.FreightNSWR: freightFields[2],
		&p.FreightNTM: freightFields[3], &p.FreightNTR: freightFields[4],
		&p.FreightQLDM: freightFields[5], &p.FreightQLDR: freightFields[6], &p.Remote: freightFields[7],
		&p.FreightSAM: freightFields[8], &p.FreightSAR: freightFields[9],
		&p.FreightTASM: freightFields[10], &p.FreightTASR: freightFields[11],
		&p.FreightVICM: freightFields[12], &p.FreightVICR: freightFields[13],
		&p.FreightWAM: freightFields[14], &p.FreightWAR: freightFields[15], &p.FreightNZ: freightFields[16],
	} {
		if err := assign(dst, v); err != nil {
			return nil, err
		}
	}

	p.SpecialPriceEndDate, err = scanTime(specialEnd)
	if err != nil {
		return nil, err
	}
	p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, err
	}
	p.LastChangedAt, err = time.Parse(time.RFC3339Nano, lastChangedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
