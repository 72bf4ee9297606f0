// Package pricing is the deterministic freight & pricing calculator.
// ComputeAll is a pure function: the same Inputs and Config always yield
// identical Outputs. All arithmetic uses github.com/shopspring/decimal
// with half-up rounding; floating point never touches a monetary or
// dimensional value.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// StateFreight is the set of zonal freight rates a SKU carries. NT fields
// are accepted (and fold into the attribute hash, see internal/attrhash)
// for schema parity with the upstream catalog, but they are never read by
// any aggregation in this package.
type StateFreight struct {
	ACT    *decimal.Decimal
	NSWM   *decimal.Decimal
	NSWR   *decimal.Decimal
	NTM    *decimal.Decimal
	NTR    *decimal.Decimal
	QLDM   *decimal.Decimal
	QLDR   *decimal.Decimal
	Remote *decimal.Decimal
	SAM    *decimal.Decimal
	SAR    *decimal.Decimal
	TASM   *decimal.Decimal
	TASR   *decimal.Decimal
	VICM   *decimal.Decimal
	VICR   *decimal.Decimal
	WAM    *decimal.Decimal
	WAR    *decimal.Decimal
	NZ     *decimal.Decimal
}

// Inputs is the full set of per-SKU values compute_all consumes.
type Inputs struct {
	Price               *decimal.Decimal
	SpecialPrice        *decimal.Decimal
	SpecialPriceEndDate *time.Time

	Length *decimal.Decimal
	Width  *decimal.Decimal
	Height *decimal.Decimal
	Weight *decimal.Decimal
	CBM    *decimal.Decimal

	Freight StateFreight
}

// Outputs is the full set of calculator results for one SKU.
type Outputs struct {
	Adjust         *decimal.Decimal
	SameShipping   *decimal.Decimal
	ShippingAve    *decimal.Decimal
	ShippingAveM   *decimal.Decimal
	ShippingAveR   *decimal.Decimal
	ShippingMed    *decimal.Decimal
	RemoteCheck    bool
	RuralAve       *decimal.Decimal
	WeightedAveS   *decimal.Decimal
	ShippingMedDif *decimal.Decimal
	CubicWeight    *decimal.Decimal
	ShippingType   string
	Weight         *decimal.Decimal
	PriceRatio     *decimal.Decimal
	SellingPrice   *decimal.Decimal
	ShopifyPrice   *decimal.Decimal
	KoganAUPrice   *decimal.Decimal
	KoganK1Price   *decimal.Decimal
	KoganNZPrice   *decimal.Decimal
}

// Shipping type classification values, ordered from free shipping through
// the extra tiers.
const (
	ShippingTypeFree   = "0"
	ShippingType1      = "1"
	ShippingType10     = "10"
	ShippingType20     = "20"
	ShippingTypeExtra2 = "Extra2"
	ShippingTypeExtra3 = "Extra3"
	ShippingTypeExtra4 = "Extra4"
	ShippingTypeExtra5 = "Extra5"
)
