package pricing

import "github.com/shopspring/decimal"

// Config holds the single-row tunable parameters the calculator
// consumes. A Config row is always loaded before a calculation batch
// runs; DefaultConfig seeds the row on first use.
type Config struct {
	AdjustThreshold decimal.Decimal
	AdjustRate      decimal.Decimal

	Remote1     decimal.Decimal
	Remote2     decimal.Decimal
	WARSentinel decimal.Decimal

	WeightedAveShippingWeight decimal.Decimal
	WeightedAveRuralWeight    decimal.Decimal

	CubicFactor   decimal.Decimal
	CubicHeadroom decimal.Decimal

	PriceRatioLimit decimal.Decimal
	MedDif10        decimal.Decimal
	MedDif20        decimal.Decimal
	MedDif40        decimal.Decimal
	SameShipping0   decimal.Decimal
	SameShipping10  decimal.Decimal
	SameShipping20  decimal.Decimal
	SameShipping30  decimal.Decimal
	SameShipping50  decimal.Decimal
	SameShipping100 decimal.Decimal

	ShopifyThreshold decimal.Decimal
	ShopifyConfig1   decimal.Decimal
	ShopifyConfig2   decimal.Decimal

	KoganAUNormalLowDenom  decimal.Decimal
	KoganAUNormalHighDenom decimal.Decimal
	KoganAUExtra5Discount  decimal.Decimal
	KoganAUVicHalfFactor   decimal.Decimal

	K1Threshold          decimal.Decimal
	K1DiscountMultiplier decimal.Decimal
	K1OtherwiseMinus     decimal.Decimal

	KoganNZServiceNo decimal.Decimal
	KoganNZConfig1   decimal.Decimal
	KoganNZConfig2   decimal.Decimal
	KoganNZConfig3   decimal.Decimal

	WeightCalcDivisor    decimal.Decimal
	WeightToleranceRatio decimal.Decimal
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// DefaultConfig returns the calculator's stock tunables.
func DefaultConfig() Config {
	return Config{
		AdjustThreshold: d("25.0"),
		AdjustRate:      d("0.04"),

		Remote1:     d("999"),
		Remote2:     d("9999"),
		WARSentinel: d("9999"),

		WeightedAveShippingWeight: d("0.95"),
		WeightedAveRuralWeight:    d("0.05"),

		CubicFactor:   d("250.0"),
		CubicHeadroom: d("1.0"),

		PriceRatioLimit: d("0.3"),
		MedDif10:        d("10.0"),
		MedDif20:        d("20.0"),
		MedDif40:        d("40.0"),
		SameShipping0:   d("0.0"),
		SameShipping10:  d("10.1"),
		SameShipping20:  d("20.1"),
		SameShipping30:  d("30.1"),
		SameShipping50:  d("50.0"),
		SameShipping100: d("100.0"),

		ShopifyThreshold: d("25.0"),
		ShopifyConfig1:   d("1.26"),
		ShopifyConfig2:   d("1.22"),

		KoganAUNormalLowDenom:  d("0.79"),
		KoganAUNormalHighDenom: d("0.82"),
		KoganAUExtra5Discount:  d("0.969"),
		KoganAUVicHalfFactor:   d("0.5"),

		K1Threshold:          d("66.7"),
		K1DiscountMultiplier: d("0.969"),
		K1OtherwiseMinus:     d("2.01"),

		KoganNZServiceNo: d("9999"),
		KoganNZConfig1:   d("0.08"),
		KoganNZConfig2:   d("0.12"),
		KoganNZConfig3:   d("0.90"),

		WeightCalcDivisor:    d("1.5"),
		WeightToleranceRatio: d("0.15"),
	}
}
