// Package freightrun orchestrates freight/pricing recalculation: it pulls
// the sync candidates a product sync run left behind (or every tracked
// SKU, for a scheduled full recompute), runs each through
// internal/pricing.ComputeAll, and persists only the rows whose attribute
// hash actually moved since the last calculation.
package freightrun

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"catalogsyncd/internal/logger"
	"catalogsyncd/internal/pricing"
	"catalogsyncd/internal/store"
)

const logTag = "FREIGHTRUN"

// TriggeredBy values this orchestrator records on the run row and stamps
// into last_changed_source on every row it rewrites.
const (
	TriggeredByPostSync = "post-sync"
	TriggeredByAuto     = "auto"
	TriggeredByManual   = "manual"
)

// Orchestrator computes and persists freight/pricing outputs for a batch
// of candidate SKUs.
type Orchestrator struct {
	Store *store.Store

	// ComputeConcurrency bounds concurrent compute batches — pricing.
	// ComputeAll is pure CPU work, so this is sized to the batch count
	// rather than any I/O budget. Defaults to 4.
	ComputeConcurrency int
	// BatchSize is how many SKUs are grouped per errgroup task.
	BatchSize int
}

// New builds an Orchestrator bound to one store.
func New(st *store.Store) *Orchestrator {
	return &Orchestrator{Store: st, ComputeConcurrency: 4, BatchSize: 1000}
}

// Run executes one freight calculation pass: if productRunID is non-nil,
// its recorded sync candidates are the input set (the normal trigger,
// right after a full sync finds changed SKUs); otherwise every SKU
// currently tracked is recomputed, as a schedule-triggered full
// recalculation does. Returns the finished run's id.
func (o *Orchestrator) Run(ctx context.Context, triggeredBy string, productRunID *uuid.UUID) (uuid.UUID, error) {
	runID, err := o.Store.CreateFreightRun(ctx, triggeredBy, productRunID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("freightrun: create run: %w", err)
	}

	skus, err := o.candidateSKUs(ctx, productRunID)
	if err != nil {
		_ = o.Store.FinishFreightRun(ctx, runID, store.FreightRunStatusFailed, 0, err.Error())
		return runID, fmt.Errorf("freightrun: resolve candidates: %w", err)
	}
	if err := o.Store.MarkFreightRunRunning(ctx, runID, len(skus)); err != nil {
		return runID, fmt.Errorf("freightrun: mark running: %w", err)
	}
	if len(skus) == 0 {
		_ = o.Store.FinishFreightRun(ctx, runID, store.FreightRunStatusCompleted, 0, "no candidates")
		return runID, nil
	}

	cfg, err := o.Store.LoadFreightCalcConfig(ctx)
	if err != nil {
		_ = o.Store.FinishFreightRun(ctx, runID, store.FreightRunStatusFailed, 0, err.Error())
		return runID, fmt.Errorf("freightrun: load calc config: %w", err)
	}

	changed, err := o.computeBatches(ctx, runID, triggeredBy, skus, cfg)
	if err != nil {
		_ = o.Store.FinishFreightRun(ctx, runID, store.FreightRunStatusFailed, changed, err.Error())
		return runID, err
	}

	if err := o.Store.FinishFreightRun(ctx, runID, store.FreightRunStatusCompleted, changed, ""); err != nil {
		return runID, fmt.Errorf("freightrun: finish run: %w", err)
	}
	logger.Success(logTag, fmt.Sprintf("run %s: %d/%d skus recomputed", runID, changed, len(skus)))
	return runID, nil
}

func (o *Orchestrator) candidateSKUs(ctx context.Context, productRunID *uuid.UUID) ([]string, error) {
	if productRunID != nil {
		return o.Store.ListCandidates(ctx, *productRunID)
	}
	var all []string
	after := ""
	for {
		page, err := o.Store.ListAllSKUsPage(ctx, after, 2000)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		after = page[len(page)-1]
		if len(page) < 2000 {
			break
		}
	}
	return all, nil
}

// computeBatches groups skus into fixed-size batches and runs each batch's
// compute-and-persist step concurrently, bounded by ComputeConcurrency.
func (o *Orchestrator) computeBatches(ctx context.Context, runID uuid.UUID, triggeredBy string, skus []string, cfg pricing.Config) (int, error) {
	batchSize := o.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	var batches [][]string
	for i := 0; i < len(skus); i += batchSize {
		end := i + batchSize
		if end > len(skus) {
			end = len(skus)
		}
		batches = append(batches, skus[i:end])
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency())

	results := make([]int, len(batches))
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			n, err := o.computeBatch(gctx, runID, triggeredBy, batch, cfg)
			results[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	total := 0
	for _, n := range results {
		total += n
	}
	return total, nil
}

func (o *Orchestrator) concurrency() int {
	if o.ComputeConcurrency > 0 {
		return o.ComputeConcurrency
	}
	return 4
}

// computeBatch loads the master rows and any existing fee rows for one
// batch, recomputes outputs for every SKU whose attribute hash moved since
// the last calculation, and writes them via UpdateChangedPrices so
// concurrent batches touching disjoint SKUs never clobber each other.
func (o *Orchestrator) computeBatch(ctx context.Context, runID uuid.UUID, triggeredBy string, skus []string, cfg pricing.Config) (int, error) {
	products, err := o.Store.LoadExistingBySKUs(ctx, skus)
	if err != nil {
		return 0, fmt.Errorf("load products: %w", err)
	}
	fees, err := o.Store.LoadFeeRowsBySKUs(ctx, skus)
	if err != nil {
		return 0, fmt.Errorf("load fee rows: %w", err)
	}

	now := time.Now().UTC()
	changed := 0
	for _, sku := range skus {
		p, ok := products[sku]
		if !ok {
			continue
		}
		prior := fees[sku]
		if prior != nil && prior.AttrsHashLastCalc == p.AttrsHashCurrent {
			continue
		}

		in := pricing.Inputs{
			Price: p.Price, SpecialPrice: p.SpecialPrice, SpecialPriceEndDate: p.SpecialPriceEndDate,
			Length: p.Length, Width: p.Width, Height: p.Height, Weight: p.Weight, CBM: p.CBM,
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

		changeSet := outputsToChangeSet(out)
		if err := o.Store.UpdateChangedPrices(ctx, sku, changeSet, triggeredBy, runID.String()); err != nil {
			return changed, fmt.Errorf("update changed prices %s: %w", sku, err)
		}

		fee := &store.FreightFee{SkuCode: sku, Outputs: out, AttrsHashLastCalc: p.AttrsHashCurrent}
		runIDStr := runID.String()
		source := triggeredBy
		fee.LastChangedRunID = &runIDStr
		fee.LastChangedSource = &source
		fee.LastChangedAt = &now
		fee.KoganDirtyAU = true
		fee.KoganDirtyNZ = true
		if err := o.Store.UpsertFreightFee(ctx, fee); err != nil {
			return changed, fmt.Errorf("upsert freight fee %s: %w", sku, err)
		}
		changed++
	}
	return changed, nil
}

// outputsToChangeSet renders every computed output field into the
// generic column-keyed map UpdateChangedPrices consumes.
func outputsToChangeSet(o pricing.Outputs) map[string]any {
	return map[string]any{
		"adjust": o.Adjust, "same_shipping": o.SameShipping,
		"shipping_ave": o.ShippingAve, "shipping_ave_m": o.ShippingAveM, "shipping_ave_r": o.ShippingAveR,
		"shipping_med": o.ShippingMed, "remote_check": o.RemoteCheck, "rural_ave": o.RuralAve,
		"weighted_ave_s": o.WeightedAveS, "shipping_med_dif": o.ShippingMedDif,
		"weight": o.Weight, "cubic_weight": o.CubicWeight, "shipping_type": o.ShippingType,
		"price_ratio": o.PriceRatio, "selling_price": o.SellingPrice, "shopify_price": o.ShopifyPrice,
		"kogan_au_price": o.KoganAUPrice, "kogan_k1_price": o.KoganK1Price, "kogan_nz_price": o.KoganNZPrice,
	}
}
