package store

import (
	"context"
	"database/sql"
	"fmt"

	"catalogsyncd/internal/pricing"

	"github.com/shopspring/decimal"
)

// LoadFreightCalcConfig reads the single-row calculator tunables, seeding
// the row with pricing.DefaultConfig()'s values on first use so a row is
// always present.
func (s *Store) LoadFreightCalcConfig(ctx context.Context) (pricing.Config, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM freight_calc_config`)
	var n int
	if err := row.Scan(&n); err != nil {
		return pricing.Config{}, err
	}
	if n == 0 {
		if err := s.seedDefaultFreightCalcConfig(ctx); err != nil {
			return pricing.Config{}, err
		}
	}

	row = s.DB.QueryRowContext(ctx, `
		SELECT adjust_threshold, adjust_rate, remote_1, remote_2, wa_r,
			weighted_ave_shipping_weights, weighted_ave_rural_weights,
			cubic_factor, cubic_headroom,
			price_ratio, med_dif_10, med_dif_20, med_dif_40,
			same_shipping_0, same_shipping_10, same_shipping_20, same_shipping_30,
			same_shipping_50, same_shipping_100,
			shopify_threshold, shopify_config1, shopify_config2,
			kogan_au_normal_low_denom, kogan_au_normal_high_denom,
			kogan_au_extra5_discount, kogan_au_vic_half_factor,
			k1_threshold, k1_discount_multiplier, k1_otherwise_minus,
			kogan_nz_service_no, kogan_nz_config1, kogan_nz_config2, kogan_nz_config3,
			weight_calc_divisor, weight_tolerance_ratio
		FROM freight_calc_config ORDER BY id LIMIT 1
	`)
	return scanFreightCalcConfig(row)
}

func (s *Store) seedDefaultFreightCalcConfig(ctx context.Context) error {
	cfg := pricing.DefaultConfig()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO freight_calc_config (
			adjust_threshold, adjust_rate, remote_1, remote_2, wa_r,
			weighted_ave_shipping_weights, weighted_ave_rural_weights,
			cubic_factor, cubic_headroom,
			price_ratio, med_dif_10, med_dif_20, med_dif_40,
			same_shipping_0, same_shipping_10, same_shipping_20, same_shipping_30,
			same_shipping_50, same_shipping_100,
			shopify_threshold, shopify_config1, shopify_config2,
			kogan_au_normal_low_denom, kogan_au_normal_high_denom,
			kogan_au_extra5_discount, kogan_au_vic_half_factor,
			k1_threshold, k1_discount_multiplier, k1_otherwise_minus,
			kogan_nz_service_no, kogan_nz_config1, kogan_nz_config2, kogan_nz_config3,
			weight_calc_divisor, weight_tolerance_ratio
		) VALUES (
			?, ?, ?, ?, ?,
			?, ?,
			?, ?,
			?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?,
			?, ?, ?,
			?, ?,
			?, ?,
			?, ?, ?,
			?, ?, ?, ?,
			?, ?
		)
	`,
		cfg.AdjustThreshold.String(), cfg.AdjustRate.String(), cfg.Remote1.String(), cfg.Remote2.String(), cfg.WARSentinel.String(),
		cfg.WeightedAveShippingWeight.String(), cfg.WeightedAveRuralWeight.String(),
		cfg.CubicFactor.String(), cfg.CubicHeadroom.String(),
		cfg.PriceRatioLimit.String(), cfg.MedDif10.String(), cfg.MedDif20.String(), cfg.MedDif40.String(),
		cfg.SameShipping0.String(), cfg.SameShipping10.String(), cfg.SameShipping20.String(), cfg.SameShipping30.String(),
		cfg.SameShipping50.String(), cfg.SameShipping100.String(),
		cfg.ShopifyThreshold.String(), cfg.ShopifyConfig1.String(), cfg.ShopifyConfig2.String(),
		cfg.KoganAUNormalLowDenom.String(), cfg.KoganAUNormalHighDenom.String(),
		cfg.KoganAUExtra5Discount.String(), cfg.KoganAUVicHalfFactor.String(),
		cfg.K1Threshold.String(), cfg.K1DiscountMultiplier.String(), cfg.K1OtherwiseMinus.String(),
		cfg.KoganNZServiceNo.String(), cfg.KoganNZConfig1.String(), cfg.KoganNZConfig2.String(), cfg.KoganNZConfig3.String(),
		cfg.WeightCalcDivisor.String(), cfg.WeightToleranceRatio.String(),
	)
	return err
}

func scanFreightCalcConfig(row *sql.Row) (pricing.Config, error) {
	var raw [35]string
	dest := make([]any, len(raw))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := row.Scan(dest...); err != nil {
		return pricing.Config{}, fmt.Errorf("store: scan freight_calc_config: %w", err)
	}

	parsed := make([]decimal.Decimal, len(raw))
	for i, s := range raw {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return pricing.Config{}, fmt.Errorf("store: parse freight_calc_config column %d: %w", i, err)
		}
		parsed[i] = v
	}

	return pricing.Config{
		AdjustThreshold:           parsed[0],
		AdjustRate:                parsed[1],
		Remote1:                   parsed[2],
		Remote2:                   parsed[3],
		WARSentinel:               parsed[4],
		WeightedAveShippingWeight: parsed[5],
		WeightedAveRuralWeight:    parsed[6],
		CubicFactor:               parsed[7],
		CubicHeadroom:             parsed[8],
		PriceRatioLimit:           parsed[9],
		MedDif10:                  parsed[10],
		MedDif20:                  parsed[11],
		MedDif40:                  parsed[12],
		SameShipping0:             parsed[13],
		SameShipping10:            parsed[14],
		SameShipping20:            parsed[15],
		SameShipping30:            parsed[16],
		SameShipping50:            parsed[17],
		SameShipping100:           parsed[18],
		ShopifyThreshold:          parsed[19],
		ShopifyConfig1:            parsed[20],
		ShopifyConfig2:            parsed[21],
		KoganAUNormalLowDenom:     parsed[22],
		KoganAUNormalHighDenom:    parsed[23],
		KoganAUExtra5Discount:     parsed[24],
		KoganAUVicHalfFactor:      parsed[25],
		K1Threshold:               parsed[26],
		K1DiscountMultiplier:      parsed[27],
		K1OtherwiseMinus:          parsed[28],
		KoganNZServiceNo:          parsed[29],
		KoganNZConfig1:            parsed[30],
		KoganNZConfig2:            parsed[31],
		KoganNZConfig3:            parsed[32],
		WeightCalcDivisor:         parsed[33],
		WeightToleranceRatio:      parsed[34],
	}, nil
}
