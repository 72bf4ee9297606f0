// Package attrhash computes the attribute fingerprint used to decide
// whether a SKU's freight- and price-relevant inputs changed enough to
// warrant recomputation.
package attrhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	_ "time/tzdata"

	"github.com/shopspring/decimal"
)

// Fields lists the hash input fields in their fixed serialization order.
// NT fields are present — freight_nt_m/freight_nt_r are part of the
// upstream catalog's schema and do change the hash — but internal/pricing
// never reads them.
var Fields = []string{
	"price", "special_price", "special_price_end_date",
	"length", "width", "height", "weight",
	"freight_act",
	"freight_nsw_m", "freight_nsw_r",
	"freight_nt_m", "freight_nt_r",
	"freight_qld_m", "freight_qld_r",
	"remote",
	"freight_sa_m", "freight_sa_r",
	"freight_tas_m", "freight_tas_r",
	"freight_vic_m", "freight_vic_r",
	"freight_wa_m", "freight_wa_r",
	"freight_nz",
}

// Snapshot is the set of hash-relevant input values for one SKU, keyed by
// the field names in Fields. A nil interface entry (or an absent key)
// normalizes to the empty string.
type Snapshot map[string]any

var melbourne *time.Location

func init() {
	loc, err := time.LoadLocation("Australia/Melbourne")
	if err != nil {
		panic(fmt.Sprintf("attrhash: load Australia/Melbourne: %v", err))
	}
	melbourne = loc
}

// Calc computes the current attribute hash for a snapshot: the
// special-price-validity rollback first, then hex-encoded SHA-256 over the
// pipe-joined "field=value" parts in Fields order.
func Calc(snap Snapshot, now time.Time) string {
	working := make(Snapshot, len(snap))
	for k, v := range snap {
		working[k] = v
	}
	applySpecialPriceValidity(working, now)

	var b strings.Builder
	for i, field := range Fields {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(field)
		b.WriteByte('=')
		b.WriteString(normalize(working[field]))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// applySpecialPriceValidity rolls special_price back to price once
// special_price_end_date is strictly before today in Australia/Melbourne
// (the expiry day itself still counts as valid). A value it cannot parse
// as a date is left alone rather than failing the whole hash.
func applySpecialPriceValidity(snap Snapshot, now time.Time) {
	end, ok := snap["special_price_end_date"]
	if !ok || end == nil {
		return
	}

	var endDate time.Time
	switch v := end.(type) {
	case time.Time:
		endDate = v.In(melbourne)
	case string:
		s := v
		if len(s) > 10 {
			s = s[:10]
		}
		parsed, err := time.ParseInLocation("2006-01-02", s, melbourne)
		if err != nil {
			return
		}
		endDate = parsed
	default:
		return
	}

	today := now.In(melbourne)
	if dateOnly(endDate).Before(dateOnly(today)) {
		snap["special_price"] = snap["price"]
	}
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// normalize renders one value as a stable string: dates as YYYY-MM-DD in
// Australia/Melbourne, decimals to 2dp, other numbers to 6 significant
// figures, everything else trimmed.
func normalize(v any) string {
	if v == nil {
		return ""
	}
	switch x := v.(type) {
	case time.Time:
		return x.In(melbourne).Format("2006-01-02")
	case decimal.Decimal:
		return x.Round(2).StringFixed(2)
	case *decimal.Decimal:
		if x == nil {
			return ""
		}
		return x.Round(2).StringFixed(2)
	case float64:
		return sixSigFigs(x)
	case float32:
		return sixSigFigs(float64(x))
	case int:
		return sixSigFigs(float64(x))
	case int64:
		return sixSigFigs(float64(x))
	case string:
		return strings.TrimSpace(x)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", x))
	}
}

// sixSigFigs matches Python's f"{v:.6g}" formatting: six significant
// figures, trailing zeros and a trailing decimal point stripped.
func sixSigFigs(v float64) string {
	s := fmt.Sprintf("%.6g", v)
	return s
}
