package pricing

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// The 12-zone aggregation set. NT is deliberately absent — NT fields are
// hashed for change detection (internal/attrhash) but never enter any of
// these aggregations.
var statesAll = []func(StateFreight) *decimal.Decimal{
	func(f StateFreight) *decimal.Decimal { return f.ACT },
	func(f StateFreight) *decimal.Decimal { return f.NSWM },
	func(f StateFreight) *decimal.Decimal { return f.NSWR },
	func(f StateFreight) *decimal.Decimal { return f.QLDM },
	func(f StateFreight) *decimal.Decimal { return f.QLDR },
	func(f StateFreight) *decimal.Decimal { return f.SAM },
	func(f StateFreight) *decimal.Decimal { return f.SAR },
	func(f StateFreight) *decimal.Decimal { return f.TASM },
	func(f StateFreight) *decimal.Decimal { return f.TASR },
	func(f StateFreight) *decimal.Decimal { return f.VICM },
	func(f StateFreight) *decimal.Decimal { return f.VICR },
	func(f StateFreight) *decimal.Decimal { return f.WAM },
}

var statesMetro = []func(StateFreight) *decimal.Decimal{
	func(f StateFreight) *decimal.Decimal { return f.ACT },
	func(f StateFreight) *decimal.Decimal { return f.NSWM },
	func(f StateFreight) *decimal.Decimal { return f.QLDM },
	func(f StateFreight) *decimal.Decimal { return f.SAM },
	func(f StateFreight) *decimal.Decimal { return f.TASM },
	func(f StateFreight) *decimal.Decimal { return f.VICM },
	func(f StateFreight) *decimal.Decimal { return f.WAM },
}

var statesRural = []func(StateFreight) *decimal.Decimal{
	func(f StateFreight) *decimal.Decimal { return f.NSWR },
	func(f StateFreight) *decimal.Decimal { return f.QLDR },
	func(f StateFreight) *decimal.Decimal { return f.SAR },
	func(f StateFreight) *decimal.Decimal { return f.TASR },
	func(f StateFreight) *decimal.Decimal { return f.VICR },
	func(f StateFreight) *decimal.Decimal { return f.WAR },
}

func values(fr StateFreight, states []func(StateFreight) *decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(states))
	for _, get := range states {
		if v := get(fr); v != nil {
			out = append(out, *v)
		}
	}
	return out
}

func avg(vals []decimal.Decimal) *decimal.Decimal {
	if len(vals) == 0 {
		return nil
	}
	sum := decimal.Zero
	for _, v := range vals {
		sum = sum.Add(v)
	}
	r := sum.Div(decimal.NewFromInt(int64(len(vals))))
	return &r
}

func median(vals []decimal.Decimal) *decimal.Decimal {
	if len(vals) == 0 {
		return nil
	}
	sorted := make([]decimal.Decimal, len(vals))
	copy(sorted, vals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	n := len(sorted)
	if n%2 == 1 {
		r := sorted[n/2]
		return &r
	}
	r := sorted[n/2-1].Add(sorted[n/2]).Div(decimal.NewFromInt(2))
	return &r
}

func round(v decimal.Decimal, places int32) *decimal.Decimal {
	r := v.Round(places)
	return &r
}

func roundP(v *decimal.Decimal, places int32) *decimal.Decimal {
	if v == nil {
		return nil
	}
	return round(*v, places)
}

func maxDec(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// ComputeAll is the deterministic port of compute_all: given one SKU's
// Inputs and the calculator Config, it returns the full set of freight and
// pricing Outputs. Pure function — no I/O, no clock reads.
func ComputeAll(in Inputs, cfg Config) Outputs {
	var out Outputs

	sellingPrice := computeSellingPrice(in.Price, in.SpecialPrice)
	out.SellingPrice = sellingPrice

	out.Adjust = computeAdjust(sellingPrice, cfg)

	out.SameShipping = computeSameShipping(in.Freight)
	out.ShippingAve = computeShippingAve(in.Freight)
	out.ShippingAveM = computeAve(in.Freight, statesMetro)
	out.ShippingAveR = computeAve(in.Freight, statesRural)
	out.ShippingMed = computeShippingMed(in.Freight)
	out.RemoteCheck = computeRemoteCheck(in.Freight, cfg)
	out.RuralAve = computeRuralAve(out.RemoteCheck, in.Freight, out.ShippingAve)
	out.WeightedAveS = computeWeightedAveS(out.RemoteCheck, out.ShippingAve, out.RuralAve, cfg)
	out.ShippingMedDif = computeShippingMedDif(in.Freight, out.ShippingMed)
	out.CubicWeight = computeCubicWeight(in.Weight, in.CBM, cfg)

	// Classification divides by the regular price, not the (possibly
	// discounted) selling price — a promotion must not move a SKU between
	// shipping-type buckets.
	shippingType, priceRatio := computeShippingType(
		out.ShippingAve, out.SameShipping, out.ShippingMed, out.RuralAve,
		out.ShippingMedDif, out.RemoteCheck, in.Price, cfg,
	)
	out.ShippingType = shippingType
	out.PriceRatio = priceRatio

	out.Weight = computeWeight(shippingType, in.Weight, out.CubicWeight, out.ShippingMed, cfg)

	out.ShopifyPrice = computeShopifyPrice(sellingPrice, cfg)
	out.KoganAUPrice = computeKoganAUPrice(sellingPrice, shippingType, in.Freight.VICM, out.ShippingMed, out.WeightedAveS, cfg)
	out.KoganK1Price = computeK1Price(out.KoganAUPrice, cfg)
	out.KoganNZPrice = computeKoganNZPrice(sellingPrice, in.Freight.NZ, cfg)

	return out
}

func computeSellingPrice(price, specialPrice *decimal.Decimal) *decimal.Decimal {
	if specialPrice != nil {
		v := *specialPrice
		return &v
	}
	if price != nil {
		v := *price
		return &v
	}
	return nil
}

func computeAdjust(sellingPrice *decimal.Decimal, cfg Config) *decimal.Decimal {
	if sellingPrice == nil {
		return nil
	}
	if sellingPrice.LessThan(cfg.AdjustThreshold) {
		return round(sellingPrice.Mul(cfg.AdjustRate), 2)
	}
	return nil
}

func computeSameShipping(fr StateFreight) *decimal.Decimal {
	vals := values(fr, statesAll)
	if len(vals) < 2 {
		return nil
	}
	min, max := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v.LessThan(min) {
			min = v
		}
		if v.GreaterThan(max) {
			max = v
		}
	}
	diff := max.Sub(min)
	return &diff
}

func computeShippingAve(fr StateFreight) *decimal.Decimal {
	return roundP(avg(values(fr, statesAll)), 1)
}

func computeAve(fr StateFreight, states []func(StateFreight) *decimal.Decimal) *decimal.Decimal {
	return roundP(avg(values(fr, states)), 1)
}

func computeShippingMed(fr StateFreight) *decimal.Decimal {
	return median(values(fr, statesAll))
}

func computeRemoteCheck(fr StateFreight, cfg Config) bool {
	if fr.Remote != nil && (fr.Remote.Equal(cfg.Remote1) || fr.Remote.Equal(cfg.Remote2)) {
		return true
	}
	if fr.WAR != nil && fr.WAR.Equal(cfg.WARSentinel) {
		return true
	}
	return false
}

func computeRuralAve(remoteCheck bool, fr StateFreight, shippingAve *decimal.Decimal) *decimal.Decimal {
	if remoteCheck {
		return shippingAve
	}
	var vals []decimal.Decimal
	if fr.Remote != nil {
		vals = append(vals, *fr.Remote)
	}
	if fr.WAR != nil {
		vals = append(vals, *fr.WAR)
	}
	return roundP(avg(vals), 1)
}

func computeWeightedAveS(remoteCheck bool, shippingAve, ruralAve *decimal.Decimal, cfg Config) *decimal.Decimal {
	if shippingAve == nil {
		return nil
	}
	if remoteCheck {
		return shippingAve
	}
	if ruralAve == nil {
		return nil
	}
	weighted := shippingAve.Mul(cfg.WeightedAveShippingWeight).Add(ruralAve.Mul(cfg.WeightedAveRuralWeight))
	return round(weighted, 1)
}

func computeShippingMedDif(fr StateFreight, shippingMed *decimal.Decimal) *decimal.Decimal {
	if shippingMed == nil {
		return nil
	}
	var candidates []decimal.Decimal
	if fr.Remote != nil {
		candidates = append(candidates, fr.Remote.Sub(*shippingMed))
	}
	if fr.WAM != nil {
		candidates = append(candidates, fr.WAM.Sub(*shippingMed))
	}
	if len(candidates) == 0 {
		return nil
	}
	m := candidates[0]
	for _, c := range candidates[1:] {
		m = maxDec(m, c)
	}
	return &m
}

func computeCubicWeight(weight, cbm *decimal.Decimal, cfg Config) *decimal.Decimal {
	if weight == nil || cbm == nil {
		return nil
	}
	limit := cbm.Mul(cfg.CubicFactor).Sub(cfg.CubicHeadroom)
	if weight.GreaterThan(limit) {
		return nil
	}
	return round(cbm.Mul(cfg.CubicFactor), 2)
}

// computeShippingType is the direct port of compute_shipping_type: it
// returns the classification string and, when applicable, the price ratio
// used to reach it.
func computeShippingType(
	shippingAve, sameShipping, shippingMed, ruralAve, shippingMedDif *decimal.Decimal,
	remoteCheck bool,
	price *decimal.Decimal,
	cfg Config,
) (string, *decimal.Decimal) {
	priceRatioFor := func() *decimal.Decimal {
		if ruralAve == nil || price == nil || price.IsZero() {
			return nil
		}
		r := ruralAve.Div(*price)
		return &r
	}

	if sameShipping == nil || ruralAve == nil {
		return ShippingTypeExtra3, priceRatioFor()
	}

	priceRatio := priceRatioFor()

	meetsRuralCondition := (shippingMedDif != nil && shippingMedDif.LessThan(cfg.MedDif40)) || remoteCheck
	meetsPriceRatio := priceRatio != nil && priceRatio.LessThan(cfg.PriceRatioLimit)
	conditionGroup1 := shippingMedDif != nil && shippingMedDif.LessThan(cfg.MedDif10)
	conditionGroup2 := shippingMedDif != nil && shippingMedDif.LessThan(cfg.MedDif20)

	switch {
	case ruralAve.IsZero():
		return ShippingTypeFree, priceRatio
	case sameShipping.Equal(cfg.SameShipping0) && meetsRuralCondition:
		return ShippingType1, priceRatio
	case sameShipping.LessThan(cfg.SameShipping10) && meetsRuralCondition && conditionGroup1:
		return ShippingType10, priceRatio
	case sameShipping.LessThan(cfg.SameShipping20) && meetsRuralCondition && meetsPriceRatio && conditionGroup2:
		return ShippingType20, priceRatio
	case sameShipping.LessThan(cfg.SameShipping30) && meetsRuralCondition && meetsPriceRatio:
		return ShippingTypeExtra2, priceRatio
	case sameShipping.LessThan(cfg.SameShipping50):
		return ShippingTypeExtra3, priceRatio
	case sameShipping.LessThan(cfg.SameShipping100):
		return ShippingTypeExtra4, priceRatio
	default:
		return ShippingTypeExtra5, priceRatio
	}
}

func computeWeight(shippingType string, weight, cubicWeight, shippingMed *decimal.Decimal, cfg Config) *decimal.Decimal {
	if !strings.Contains(shippingType, "Extra3") &&
		!strings.Contains(shippingType, "Extra4") &&
		!strings.Contains(shippingType, "Extra5") {
		return nil
	}

	zero := decimal.Zero
	w := zero
	if weight != nil {
		w = *weight
	}
	cw := zero
	if cubicWeight != nil {
		cw = *cubicWeight
	}
	maxWeight := maxDec(w, cw)

	med := zero
	if shippingMed != nil {
		med = *shippingMed
	}

	var result *decimal.Decimal
	if maxWeight.IsZero() || med.IsZero() {
		if med.IsZero() {
			return nil
		}
		r := med.Div(cfg.WeightCalcDivisor)
		result = &r
	} else {
		calcWeight := med.Div(cfg.WeightCalcDivisor)
		ratioDiff := calcWeight.Sub(maxWeight).Abs().Div(maxWeight)
		if ratioDiff.LessThanOrEqual(cfg.WeightToleranceRatio) {
			result = &maxWeight
		} else {
			result = &calcWeight
		}
	}

	if result == nil || result.IsZero() {
		return nil
	}
	return round(*result, 2)
}

func computeShopifyPrice(sellingPrice *decimal.Decimal, cfg Config) *decimal.Decimal {
	if sellingPrice == nil {
		return nil
	}
	mult := cfg.ShopifyConfig2
	if sellingPrice.LessThan(cfg.ShopifyThreshold) {
		mult = cfg.ShopifyConfig1
	}
	return round(sellingPrice.Mul(mult), 2)
}

func computeKoganAUPrice(sellingPrice *decimal.Decimal, shippingType string, vicM, shippingMed, weightedAveS *decimal.Decimal, cfg Config) *decimal.Decimal {
	if sellingPrice == nil {
		return nil
	}
	zero := decimal.Zero
	vic := zero
	if vicM != nil {
		vic = *vicM
	}
	medM := zero
	if shippingMed != nil {
		medM = *shippingMed
	}
	wAS := zero
	if weightedAveS != nil {
		wAS = *weightedAveS
	}

	var base decimal.Decimal
	switch {
	case shippingType == ShippingTypeExtra2:
		base = sellingPrice.Add(wAS).Div(cfg.KoganAUNormalHighDenom)
	case shippingType == ShippingTypeExtra3 || shippingType == ShippingTypeExtra4:
		if vic.IsZero() {
			base = sellingPrice.Div(cfg.KoganAUNormalHighDenom)
		} else {
			base = sellingPrice.Add(vic.Mul(cfg.KoganAUVicHalfFactor)).Div(cfg.KoganAUNormalHighDenom)
		}
	case shippingType == ShippingTypeExtra5:
		if vic.IsZero() {
			base = sellingPrice.Div(cfg.KoganAUNormalHighDenom)
		} else {
			base = sellingPrice.Add(vic.Mul(cfg.KoganAUVicHalfFactor)).Div(cfg.KoganAUNormalHighDenom)
		}
		base = base.Div(cfg.KoganAUExtra5Discount)
	default:
		denom := cfg.KoganAUNormalLowDenom
		if !sellingPrice.LessThan(cfg.ShopifyThreshold) {
			denom = cfg.KoganAUNormalHighDenom
		}
		base = sellingPrice.Add(medM).Div(denom)
	}
	return round(base, 2)
}

func computeK1Price(koganAUPrice *decimal.Decimal, cfg Config) *decimal.Decimal {
	if koganAUPrice == nil {
		return nil
	}
	if koganAUPrice.GreaterThan(cfg.K1Threshold) {
		return round(koganAUPrice.Mul(cfg.K1DiscountMultiplier), 2)
	}
	return round(koganAUPrice.Sub(cfg.K1OtherwiseMinus), 2)
}

func computeKoganNZPrice(sellingPrice, nz *decimal.Decimal, cfg Config) *decimal.Decimal {
	if sellingPrice == nil {
		return nil
	}
	if nz == nil || nz.Equal(cfg.KoganNZServiceNo) {
		return nil
	}
	denom := decimal.NewFromInt(1).Sub(cfg.KoganNZConfig1).Sub(cfg.KoganNZConfig2)
	if denom.IsZero() || cfg.KoganNZConfig3.IsZero() {
		return nil
	}
	v := sellingPrice.Add(*nz).Div(denom).Div(cfg.KoganNZConfig3)
	return round(v, 2)
}
