package exportjob

import (
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"catalogsyncd/internal/pricing"
	"catalogsyncd/internal/store"
)

// kind distinguishes how a column's fresh-vs-baseline comparison and CSV
// rendering behave.
type kind int

const (
	kindString kind = iota
	kindDecimal
	kindNumeric
	// kindUnsupported marks a column this module has no fresh source for
	// (the marketing-copy fields: title/description/subtitle/
	// what's-in-the-box/category, plus handling_days) — it is carried in
	// the header for template-layout fidelity but never diffed, so its
	// cells always render empty.
	kindUnsupported
)

// column is one CSV/template field: its display header, its baseline JSON
// key (the same key ApplyKoganTemplateUpdates merges by), and how it is
// compared/rendered.
type column struct {
	header string
	key    string
	kind   kind
	places int32 // decimal rendering precision; unused for other kinds
}

// auColumns is the AU marketplace template's header order.
var auColumns = []column{
	{header: "SKU", key: "sku", kind: kindString},
	{header: "Price", key: "price", kind: kindDecimal, places: 2},
	{header: "RRP", key: "rrp", kind: kindDecimal, places: 2},
	{header: "Kogan First Price", key: "kogan_first_price", kind: kindDecimal, places: 2},
	{header: "Handling Days", key: "handling_days", kind: kindUnsupported},
	{header: "Barcode", key: "barcode", kind: kindString},
	{header: "Stock", key: "stock", kind: kindNumeric},
	{header: "Shipping", key: "shipping", kind: kindString},
	{header: "Weight", key: "weight", kind: kindDecimal, places: 3},
	{header: "Brand", key: "brand", kind: kindString},
	{header: "Title", key: "title", kind: kindUnsupported},
	{header: "Description", key: "description", kind: kindUnsupported},
	{header: "Subtitle", key: "subtitle", kind: kindUnsupported},
	{header: "What's in the Box", key: "whats_in_the_box", kind: kindUnsupported},
	{header: "Category", key: "category", kind: kindUnsupported},
}

// nzColumns is the NZ marketplace template's shorter header order.
var nzColumns = []column{
	{header: "SKU", key: "sku", kind: kindString},
	{header: "Price", key: "price", kind: kindDecimal, places: 2},
	{header: "RRP", key: "rrp", kind: kindDecimal, places: 2},
	{header: "Kogan First Price", key: "kogan_first_price", kind: kindDecimal, places: 2},
	{header: "Shipping", key: "shipping", kind: kindString},
	{header: "Handling Days", key: "handling_days", kind: kindUnsupported},
}

func columnsFor(country string) []column {
	if country == "NZ" {
		return nzColumns
	}
	return auColumns
}

// decimalEpsilon is the fixed tolerance for decimal comparisons; a cell
// within half a cent of the baseline is not a change.
const decimalEpsilon = 0.005

// freshRow builds the full set of values this module can compute for one
// SKU — product master fields plus the freight-calculation outputs — keyed
// by the same baseline column names used above. Columns this module has no
// fresh source for (kindUnsupported) are simply absent from the map.
func freshRow(country, sku string, p *store.Product, f *store.FreightFee) map[string]any {
	row := map[string]any{"sku": sku}

	if p != nil {
		if p.RRPPrice != nil {
			row["rrp"] = p.RRPPrice.InexactFloat64()
		}
		if p.EANCode != nil {
			row["barcode"] = *p.EANCode
		}
		row["stock"] = float64(p.StockQty)
		if p.Brand != nil {
			row["brand"] = *p.Brand
		}
	}

	if f != nil {
		price := f.KoganAUPrice
		if country == "NZ" {
			price = f.KoganNZPrice
		}
		if price != nil {
			row["price"] = price.InexactFloat64()
		}
		if f.KoganK1Price != nil {
			row["kogan_first_price"] = f.KoganK1Price.InexactFloat64()
		}
		if cell := shippingCell(country, f.ShippingType); cell != "" {
			row["shipping"] = cell
		}
		if f.Weight != nil {
			row["weight"] = f.Weight.InexactFloat64()
		}
	}

	return row
}

// shippingCell maps the computed shipping_type classification onto the
// template's Shipping column. AU exports free shipping as "FreeShipping"
// and every other classification as "variable"; the NZ template always
// carries "0". A row with no classification yet emits no cell.
func shippingCell(country, shippingType string) string {
	if country == "NZ" {
		return "0"
	}
	switch shippingType {
	case "":
		return ""
	case pricing.ShippingTypeFree:
		return "FreeShipping"
	}
	return "variable"
}

// diffRow compares fresh against baseline for every supported column and
// returns the changed column keys (sku excluded — it is always present,
// never itself a "change").
func diffRow(cols []column, fresh, baseline map[string]any) []string {
	var changed []string
	for _, c := range cols {
		if c.key == "sku" || c.kind == kindUnsupported {
			continue
		}
		fv, hasFresh := fresh[c.key]
		if !hasFresh {
			continue
		}
		bv := baseline[c.key]
		if !valuesEqual(c.kind, fv, bv) {
			changed = append(changed, c.key)
		}
	}
	return changed
}

func valuesEqual(k kind, fresh, baseline any) bool {
	switch k {
	case kindString:
		return normalizeString(fresh) == normalizeString(baseline)
	case kindDecimal:
		a, aok := toFloat64(fresh)
		b, bok := toFloat64(baseline)
		if !aok || !bok {
			return aok == bok
		}
		return math.Abs(a-b) <= decimalEpsilon
	case kindNumeric:
		a, aok := toFloat64(fresh)
		b, bok := toFloat64(baseline)
		if !aok || !bok {
			return aok == bok
		}
		return roundTo(a, 3) == roundTo(b, 3)
	default:
		return true
	}
}

func normalizeString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func toFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		if t == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case decimal.Decimal:
		return t.InexactFloat64(), true
	case *decimal.Decimal:
		if t == nil {
			return 0, false
		}
		return t.InexactFloat64(), true
	default:
		return 0, false
	}
}

func roundTo(v float64, places int) float64 {
	m := math.Pow(10, float64(places))
	return math.Round(v*m) / m
}

// formatCell renders one changed cell's value for the CSV row.
func formatCell(c column, v any) string {
	switch c.kind {
	case kindString:
		s, _ := v.(string)
		return strings.TrimSpace(s)
	case kindDecimal, kindNumeric:
		f, ok := toFloat64(v)
		if !ok {
			return ""
		}
		return strconv.FormatFloat(roundTo(f, int(c.places)), 'f', int(c.places), 64)
	default:
		return ""
	}
}
