// Package priceresetrun rolls back expired promotions: for every SKU
// whose promotion expires on or before "tomorrow" in the configured
// timezone, selling_price is forced back to the regular price, the
// downstream pricing columns are recomputed, and only the columns that
// actually moved are persisted.
package priceresetrun

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"catalogsyncd/internal/logger"
	"catalogsyncd/internal/pricing"
	"catalogsyncd/internal/store"
)

const logTag = "PRICERESET"

// Source is the last_changed_source tag this orchestrator stamps on every
// row it touches, distinguishing its writes from internal/freightrun's.
const Source = "price_reset"

// Orchestrator recomputes pricing for SKUs whose special price has expired.
type Orchestrator struct {
	Store *store.Store

	// Timezone is the IANA zone "tomorrow" is computed in, the same zone
	// internal/attrhash uses for special-price-validity checks.
	Timezone string
	// BatchSize is how many candidate SKUs are loaded and recomputed per
	// DB round-trip.
	BatchSize int
}

// New builds an Orchestrator bound to one store.
func New(st *store.Store, timezone string) *Orchestrator {
	return &Orchestrator{Store: st, Timezone: timezone, BatchSize: 500}
}

// Result summarizes one invocation.
type Result struct {
	TargetDate string
	Processed  int
	Changed    int

	changedSKUs []string
}

// ChangedSKUs lists every SKU this run actually rewrote. Storefront
// metafield propagation is a downstream collaborator outside this
// package's scope; this hook is what a metafield-writer would consume to
// learn what moved.
func (r Result) ChangedSKUs() []string {
	return r.changedSKUs
}

// Run executes one price-rollback pass: every SKU whose
// special_price_end_date is on or before tomorrow (in Orchestrator.
// Timezone) has its selling price forced back to the regular price and its
// downstream pricing columns recomputed. Produces no persistent run
// record — source="price_reset" plus a generated epoch-ms run id tag every
// mutated row instead.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	loc, err := time.LoadLocation(o.Timezone)
	if err != nil {
		return Result{}, fmt.Errorf("priceresetrun: load location %q: %w", o.Timezone, err)
	}
	target := tomorrowLocal(time.Now(), loc)
	runID := fmt.Sprintf("%d", time.Now().In(loc).UnixMilli())

	cfg, err := o.Store.LoadFreightCalcConfig(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("priceresetrun: load calc config: %w", err)
	}

	batchSize := o.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	res := Result{TargetDate: target.Format("2006-01-02")}
	after := ""
	for {
		page, err := o.Store.ListPriceResetCandidatesPage(ctx, target, after, batchSize)
		if err != nil {
			return res, fmt.Errorf("priceresetrun: list candidates: %w", err)
		}
		if len(page) == 0 {
			break
		}
		after = page[len(page)-1]

		changedSKUs, err := o.processBatch(ctx, page, cfg, runID)
		if err != nil {
			return res, fmt.Errorf("priceresetrun: process batch: %w", err)
		}
		res.Processed += len(page)
		res.Changed += len(changedSKUs)
		res.changedSKUs = append(res.changedSKUs, changedSKUs...)

		if len(page) < batchSize {
			break
		}
	}

	logger.Success(logTag, fmt.Sprintf("date=%s processed=%d changed=%d", res.TargetDate, res.Processed, res.Changed))
	return res, nil
}

// tomorrowLocal is (now in loc) + 1 day, truncated to midnight.
func tomorrowLocal(now time.Time, loc *time.Location) time.Time {
	n := now.In(loc)
	y, m, d := n.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).AddDate(0, 0, 1)
}

// processBatch loads the master rows and existing freight-result rows for
// one batch, recomputes every SKU with special_price forced nil, and
// writes only the output columns that changed.
func (o *Orchestrator) processBatch(ctx context.Context, skus []string, cfg pricing.Config, runID string) ([]string, error) {
	products, err := o.Store.LoadExistingBySKUs(ctx, skus)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	fees, err := o.Store.LoadFeeRowsBySKUs(ctx, skus)
	if err != nil {
		return nil, fmt.Errorf("load fee rows: %w", err)
	}

	var changed []string
	for _, sku := range skus {
		p, ok := products[sku]
		if !ok || p.Price == nil {
			continue
		}

		in := pricing.Inputs{
			Price:        p.Price,
			SpecialPrice: nil, // force-return to regular price
			Length:       p.Length, Width: p.Width, Height: p.Height, Weight: p.Weight, CBM: p.CBM,
			Freight: pricing.StateFreight{
				ACT: p.FreightACT, NSWM: p.FreightNSWM, NSWR: p.FreightNSWR,
				NTM: p.FreightNTM, NTR: p.FreightNTR,
				QLDM: p.FreightQLDM, QLDR: p.FreightQLDR, Remote: p.Remote,
				SAM: p.FreightSAM, SAR: p.FreightSAR,
				TASM: p.FreightTASM, TASR: p.FreightTASR,
				VICM: p.FreightVICM, VICR: p.FreightVICR,
				WAM: p.FreightWAM, WAR: p.FreightWAR, NZ: p.FreightNZ,
			},
		}
		out := pricing.ComputeAll(in, cfg)

		diff := diffOutputs(fees[sku], out)
		if len(diff) == 0 {
			continue
		}
		if err := o.Store.UpdateChangedPrices(ctx, sku, diff, Source, runID); err != nil {
			return changed, fmt.Errorf("update changed prices %s: %w", sku, err)
		}
		changed = append(changed, sku)
	}
	return changed, nil
}

// diffOutputs compares every recomputed output column against the prior
// freight-result row (nil prior counts every populated column as changed)
// and returns only the columns whose value actually moved.
func diffOutputs(prior *store.FreightFee, next pricing.Outputs) map[string]any {
	out := map[string]any{}

	check := func(name string, a, b *decimal.Decimal) {
		if !decimalEqual(a, b) {
			out[name] = b
		}
	}
	var p pricing.Outputs
	if prior != nil {
		p = prior.Outputs
	}

	check("adjust", p.Adjust, next.Adjust)
	check("same_shipping", p.SameShipping, next.SameShipping)
	check("shipping_ave", p.ShippingAve, next.ShippingAve)
	check("shipping_ave_m", p.ShippingAveM, next.ShippingAveM)
	check("shipping_ave_r", p.ShippingAveR, next.ShippingAveR)
	check("shipping_med", p.ShippingMed, next.ShippingMed)
	check("rural_ave", p.RuralAve, next.RuralAve)
	check("weighted_ave_s", p.WeightedAveS, next.WeightedAveS)
	check("shipping_med_dif", p.ShippingMedDif, next.ShippingMedDif)
	check("weight", p.Weight, next.Weight)
	check("cubic_weight", p.CubicWeight, next.CubicWeight)
	check("price_ratio", p.PriceRatio, next.PriceRatio)
	check("selling_price", p.SellingPrice, next.SellingPrice)
	check("shopify_price", p.ShopifyPrice, next.ShopifyPrice)
	check("kogan_au_price", p.KoganAUPrice, next.KoganAUPrice)
	check("kogan_k1_price", p.KoganK1Price, next.KoganK1Price)
	check("kogan_nz_price", p.KoganNZPrice, next.KoganNZPrice)

	if prior == nil || prior.RemoteCheck != next.RemoteCheck {
		out["remote_check"] = next.RemoteCheck
	}
	if prior == nil || prior.ShippingType != next.ShippingType {
		out["shipping_type"] = next.ShippingType
	}
	return out
}

func decimalEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
