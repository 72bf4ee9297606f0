// Package scheduler drives the full catalog sync and the schedule tick:
// a Shopify bulk export is started, polled, downloaded, partitioned into
// chunk manifests, and each chunk is enriched against the supplier with
// every changed SKU recorded as a candidate for recalculation. The tick
// half gates DB-defined schedules by day-of-week, a ten-minute trigger
// window, and an every-other-week parity check.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"catalogsyncd/internal/config"
	"catalogsyncd/internal/logger"
	"catalogsyncd/internal/ndjson"
	"catalogsyncd/internal/shopify"
	"catalogsyncd/internal/store"
	"catalogsyncd/internal/supplier"
)

const logTag = "SCHEDULER"

// RunType values this orchestrator records on product_sync_runs.
const (
	RunTypeFull        = "full_sync"
	RunTypeWebhookPush = "webhook"
)

// bulkFilter builds the storefront export filter
// ("tag:<configured tag> status:active"), also used as the query marker
// StartBulkQuery compares a conflicting bulk operation against for
// adoption.
func bulkFilter(cfg *config.Config) string {
	return fmt.Sprintf("tag:%s status:active", cfg.Storefront.SyncTag)
}

// Orchestrator wires the store and the two upstream clients together for
// one daemon process.
type Orchestrator struct {
	Store      *store.Store
	Supplier   *supplier.Client
	Storefront *shopify.Client
	Cfg        *config.Config

	// ChunkConcurrency bounds how many chunks are dispatched to the
	// supplier concurrently. Defaults to 4 if unset.
	ChunkConcurrency int
}

// New builds an Orchestrator from its collaborators.
func New(st *store.Store, sup *supplier.Client, sf *shopify.Client, cfg *config.Config) *Orchestrator {
	return &Orchestrator{Store: st, Supplier: sup, Storefront: sf, Cfg: cfg, ChunkConcurrency: 4}
}

// RunFullSync drives one full-sync run to completion: resuming an
// in-flight run if one exists, otherwise starting a fresh bulk export,
// streaming its NDJSON result into chunk manifests, dispatching each chunk
// against the supplier, and recording every changed SKU as a candidate
// for the freight calculation pass that follows.
func (o *Orchestrator) RunFullSync(ctx context.Context) (uuid.UUID, error) {
	run, err := o.Store.GetRunningRun(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("scheduler: check running run: %w", err)
	}

	variants := make(map[string]ndjson.Variant)

	if run == nil {
		id, err := o.Store.CreateSyncRun(ctx, RunTypeFull)
		if err != nil {
			return uuid.Nil, fmt.Errorf("scheduler: create sync run: %w", err)
		}
		run, err = o.Store.GetSyncRun(ctx, id)
		if err != nil || run == nil {
			return uuid.Nil, fmt.Errorf("scheduler: reload created sync run: %w", err)
		}
	}

	if run.ShopifyBulkID == nil {
		bulkID, err := o.Storefront.StartBulkQuery(ctx, bulkFilter(o.Cfg))
		if err != nil {
			_ = o.Store.FinishSyncRun(ctx, run.ID, "failed", 0, fmt.Sprintf("start bulk query: %v", err))
			return run.ID, fmt.Errorf("scheduler: start bulk query: %w", err)
		}
		if err := o.Store.RecordBulkOperation(ctx, run.ID, bulkID, "CREATED"); err != nil {
			return run.ID, fmt.Errorf("scheduler: record bulk operation: %w", err)
		}
		run, _ = o.Store.GetSyncRun(ctx, run.ID)
	}

	var bulkURL string
	if run.ShopifyBulkURL != nil {
		// Resumed run whose export already completed: never re-poll.
		bulkURL = *run.ShopifyBulkURL
	} else {
		bulkURL, err = o.awaitBulkCompletion(ctx, run.ID)
		if err != nil {
			_ = o.Store.FinishSyncRun(ctx, run.ID, "failed", 0, fmt.Sprintf("await bulk completion: %v", err))
			return run.ID, err
		}
	}

	existingChunks, err := o.Store.CountManifestRows(ctx, run.ID)
	if err != nil {
		return run.ID, fmt.Errorf("scheduler: count manifest rows: %w", err)
	}
	if existingChunks == 0 && bulkURL != "" {
		n, err := o.streamIntoChunks(ctx, run.ID, bulkURL, variants)
		if err != nil {
			_ = o.Store.FinishSyncRun(ctx, run.ID, "failed", 0, fmt.Sprintf("stream bulk result: %v", err))
			return run.ID, err
		}
		logger.Info(logTag, fmt.Sprintf("run %s: built %d chunk manifests", run.ID, n))
	}

	changed, health, err := o.dispatchChunks(ctx, run.ID, variants)
	if err != nil {
		_ = o.Store.FinishSyncRun(ctx, run.ID, "failed", changed, fmt.Sprintf("dispatch chunks: %v", err))
		return run.ID, err
	}

	for _, msg := range alertMessages(health, o.Cfg.Alerts) {
		logger.Warn(logTag, fmt.Sprintf("run %s: %s", run.ID, msg))
	}

	status, note := "completed", ""
	if health.FailedChunks > 0 {
		status = "completed_with_gaps"
		note = fmt.Sprintf("%d chunk(s) failed; operator resume re-dispatches them", health.FailedChunks)
	}
	if err := o.Store.FinishSyncRun(ctx, run.ID, status, changed, note); err != nil {
		return run.ID, fmt.Errorf("scheduler: finish sync run: %w", err)
	}
	logger.Success(logTag, fmt.Sprintf("run %s %s, %d changed skus", run.ID, status, changed))
	return run.ID, nil
}

// awaitBulkCompletion polls currentBulkOperation at cfg.Storefront.
// BulkPollInterval until it leaves the running states, returning the
// download URL on success.
func (o *Orchestrator) awaitBulkCompletion(ctx context.Context, runID uuid.UUID) (string, error) {
	ticker := time.NewTicker(o.Cfg.Storefront.BulkPollInterval)
	defer ticker.Stop()

	for {
		op, err := o.Storefront.PollBulkOperation(ctx)
		if err != nil {
			return "", fmt.Errorf("poll bulk operation: %w", err)
		}
		if op != nil {
			_ = o.Store.RecordBulkOperation(ctx, runID, op.ID, op.Status)
			switch op.Status {
			case "COMPLETED":
				if err := o.Store.RecordBulkCompletion(ctx, runID, op.URL, op.ObjectCount); err != nil {
					return "", fmt.Errorf("record bulk completion: %w", err)
				}
				return op.URL, nil
			case "FAILED", "CANCELED":
				return "", fmt.Errorf("bulk operation ended in status %s (%s)", op.Status, op.ErrorCode)
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// streamIntoChunks downloads the bulk NDJSON result and partitions its
// variant lines into fixed-size chunk manifests (cfg.Batch.ChunkSize SKUs
// per chunk). The
// decoded variants are kept in the caller-supplied map for the current
// process's chunk dispatch pass only — on a resumed run in a fresh process
// this map starts empty and chunk workers fall back to the last persisted
// shopify_variant_id instead of re-deriving it from the bulk file, which is
// never re-downloaded once its manifests exist.
func (o *Orchestrator) streamIntoChunks(ctx context.Context, runID uuid.UUID, url string, variants map[string]ndjson.Variant) (int, error) {
	body, err := o.Storefront.DownloadBulkResult(ctx, url)
	if err != nil {
		return 0, fmt.Errorf("download bulk result: %w", err)
	}
	defer body.Close()

	chunkSize := o.Cfg.Batch.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 5000
	}

	var current []string
	chunkIdx := 0
	flush := func() error {
		if len(current) == 0 {
			return nil
		}
		c := &store.Chunk{RunID: runID, ChunkIdx: chunkIdx, SKUCodes: current}
		if err := o.Store.UpsertChunkManifest(ctx, c); err != nil {
			return err
		}
		chunkIdx++
		current = nil
		return nil
	}

	_, err = ndjson.Scan(body, func(v ndjson.Variant) {
		variants[v.SKU] = v
		current = append(current, v.SKU)
		if len(current) >= chunkSize {
			_ = flush()
		}
	})
	if err != nil {
		return 0, fmt.Errorf("scan ndjson: %w", err)
	}
	if err := flush(); err != nil {
		return 0, err
	}
	return chunkIdx, nil
}

// runHealth aggregates supplier health counters across every chunk of one
// run, feeding both the completed/completed_with_gaps decision and the
// alert thresholds.
type runHealth struct {
	FailedChunks  int
	Requested     int
	Missing       int
	FailedBatches int
	FailedSKUs    int
}

// alertMessages returns one message per breached alert threshold. A zero
// requested-count run never alerts on the missing ratio.
func alertMessages(h runHealth, a config.Alerts) []string {
	var out []string
	if h.Requested > 0 {
		ratio := float64(h.Missing) / float64(h.Requested)
		if ratio > a.MissingRatio {
			out = append(out, fmt.Sprintf("supplier missing ratio %.4f exceeds threshold %.4f (%d/%d skus)", ratio, a.MissingRatio, h.Missing, h.Requested))
		}
	}
	if h.FailedBatches > a.FailedBatches {
		out = append(out, fmt.Sprintf("supplier failed batches %d exceeds threshold %d", h.FailedBatches, a.FailedBatches))
	}
	if h.FailedSKUs > a.FailedSKUs {
		out = append(out, fmt.Sprintf("supplier failed skus %d exceeds threshold %d", h.FailedSKUs, a.FailedSKUs))
	}
	return out
}

// dispatchChunks fans out every pending/running/failed chunk manifest to
// the supplier, bounded at ChunkConcurrency concurrent chunks. A chunk
// that fails is recorded on its manifest row and folded into the health
// aggregate — it never aborts the run, which finalizes as
// completed_with_gaps instead. Only infrastructure errors (the manifest
// listing itself) surface as an error.
func (o *Orchestrator) dispatchChunks(ctx context.Context, runID uuid.UUID, variants map[string]ndjson.Variant) (int, runHealth, error) {
	chunks, err := o.Store.ListChunksByStatus(ctx, runID, []string{"pending", "running", "failed"})
	if err != nil {
		return 0, runHealth{}, fmt.Errorf("list chunks to dispatch: %w", err)
	}

	changed := make([]int, len(chunks))
	outcomes := make([]store.Chunk, len(chunks))
	failed := make([]bool, len(chunks))

	// Very large manifests fan out in waves so each wave converges (and
	// logs) before the next begins, keeping a crashed process's re-dispatch
	// surface bounded.
	splitAt := o.Cfg.Batch.ChordSplitAt
	if splitAt <= 0 {
		splitAt = len(chunks)
	}
	for waveStart := 0; waveStart < len(chunks); waveStart += splitAt {
		waveEnd := waveStart + splitAt
		if waveEnd > len(chunks) {
			waveEnd = len(chunks)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.concurrency())
		for i := waveStart; i < waveEnd; i++ {
			i, c := i, chunks[i]
			g.Go(func() error {
				n, out, err := o.runChunk(gctx, c, variants)
				changed[i], outcomes[i] = n, out
				if err != nil {
					failed[i] = true
					logger.Error(logTag, fmt.Sprintf("chunk %d failed: %v", c.ChunkIdx, err))
				}
				return nil
			})
		}
		_ = g.Wait()
		if len(chunks) > splitAt {
			logger.Info(logTag, fmt.Sprintf("chunk wave %d-%d of %d converged", waveStart, waveEnd-1, len(chunks)))
		}
	}

	total := 0
	var health runHealth
	for i := range chunks {
		total += changed[i]
		if failed[i] {
			health.FailedChunks++
		}
		health.Requested += outcomes[i].DSZRequestedTotal
		health.Missing += outcomes[i].DSZMissing
		health.FailedBatches += outcomes[i].DSZFailedBatches
		health.FailedSKUs += outcomes[i].DSZFailedSKUs
	}
	return total, health, nil
}

func (o *Orchestrator) concurrency() int {
	if o.ChunkConcurrency > 0 {
		return o.ChunkConcurrency
	}
	return 4
}
