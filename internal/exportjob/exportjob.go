// Package exportjob builds and applies marketplace export jobs: the
// latest per-SKU freight calculation is diffed against a per-country
// baseline, a CSV of only the changed cells is materialized, and — on
// explicit apply — those diffs are committed back into the baseline and
// the per-country dirty flags cleared.
package exportjob

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"time"

	"github.com/google/uuid"

	"catalogsyncd/internal/apperr"
	"catalogsyncd/internal/logger"
	"catalogsyncd/internal/store"
)

const logTag = "EXPORTJOB"

// Engine builds and applies export jobs against one store.
type Engine struct {
	Store *store.Store

	// BatchSize bounds how many dirty SKUs are loaded and diffed per DB
	// round-trip.
	BatchSize int
}

// New builds an Engine bound to one store.
func New(st *store.Store) *Engine {
	return &Engine{Store: st, BatchSize: 5000}
}

// Create streams every dirty SKU for the country, diffs its fresh
// computed row against the country baseline, and persists an export job
// holding only the SKUs with at least one changed column. Returns
// apperr.ErrNoDirtySku if nothing is dirty.
func (e *Engine) Create(ctx context.Context, country string, createdBy *string) (*store.ExportJob, error) {
	cols := columnsFor(country)
	batchSize := e.BatchSize
	if batchSize <= 0 {
		batchSize = 5000
	}

	var rows []store.ExportJobSKU
	var skuOrder []string
	freshBySKU := map[string]map[string]any{}

	after := ""
	for {
		skus, err := e.Store.IterDirtySKUsPage(ctx, country, after, batchSize)
		if err != nil {
			return nil, fmt.Errorf("exportjob: list dirty skus: %w", err)
		}
		if len(skus) == 0 {
			break
		}
		after = skus[len(skus)-1]

		products, err := e.Store.LoadExistingBySKUs(ctx, skus)
		if err != nil {
			return nil, fmt.Errorf("exportjob: load products: %w", err)
		}
		fees, err := e.Store.LoadFeeRowsBySKUs(ctx, skus)
		if err != nil {
			return nil, fmt.Errorf("exportjob: load fee rows: %w", err)
		}
		baselines, err := e.Store.LoadKoganBaselineMap(ctx, country, skus)
		if err != nil {
			return nil, fmt.Errorf("exportjob: load baseline: %w", err)
		}

		for _, sku := range skus {
			fresh := freshRow(country, sku, products[sku], fees[sku])
			changed := diffRow(cols, fresh, baselines[sku])
			if len(changed) == 0 {
				continue
			}

			payload := make(map[string]any, len(changed))
			for _, key := range changed {
				payload[key] = fresh[key]
			}

			rows = append(rows, store.ExportJobSKU{
				SKUCode:         sku,
				TemplatePayload: payload,
				ChangedColumns:  changed,
			})
			skuOrder = append(skuOrder, sku)
			freshBySKU[sku] = fresh
		}

		if len(skus) < batchSize {
			break
		}
	}

	if len(rows) == 0 {
		return nil, apperr.ErrNoDirtySku
	}

	changedSets := make(map[string]map[string]bool, len(rows))
	for _, r := range rows {
		set := make(map[string]bool, len(r.ChangedColumns))
		for _, k := range r.ChangedColumns {
			set[k] = true
		}
		changedSets[r.SKUCode] = set
	}
	blob := renderCSV(cols, skuOrder, freshBySKU, changedSets)

	ts, suffix := jobStamp()
	job := &store.ExportJob{
		ID:        fmt.Sprintf("%s_%s_%s", country, ts, suffix),
		Country:   country,
		FileName:  fmt.Sprintf("diff_%s_%s_%s.csv", country, ts, suffix),
		FileBlob:  blob,
		CreatedBy: createdBy,
	}
	for i := range rows {
		rows[i].JobID = job.ID
	}

	if err := e.Store.CreateExportJob(ctx, job, rows); err != nil {
		return nil, fmt.Errorf("exportjob: create export job: %w", err)
	}
	job.Status = store.ExportJobStatusExported
	job.SKUCount = len(rows)

	logger.Success(logTag, fmt.Sprintf("%s: job %s, %d skus", country, job.ID, job.SKUCount))
	return job, nil
}

// jobStamp generates the UTC-timestamp + random-suffix pair shared by the
// job id and file name.
func jobStamp() (ts, suffix string) {
	return time.Now().UTC().Format("20060102T150405Z"), uuid.New().String()[:8]
}

// renderCSV materializes the header plus one row per emitted SKU, with
// only each SKU's changed cells populated; unchanged cells stay empty.
func renderCSV(cols []column, skus []string, fresh map[string]map[string]any, changed map[string]map[string]bool) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := make([]string, len(cols))
	for i, c := range cols {
		header[i] = c.header
	}
	_ = w.Write(header)

	for _, sku := range skus {
		row := make([]string, len(cols))
		changedSet := changed[sku]
		rowFresh := fresh[sku]
		for i, c := range cols {
			if c.key == "sku" {
				row[i] = sku
				continue
			}
			if changedSet[c.key] {
				row[i] = formatCell(c, rowFresh[c.key])
			}
		}
		_ = w.Write(row)
	}

	w.Flush()
	return buf.Bytes()
}

// GetFile returns one job's metadata and CSV blob.
func (e *Engine) GetFile(ctx context.Context, jobID string) (*store.ExportJob, error) {
	job, err := e.Store.GetExportJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("exportjob: get export job: %w", err)
	}
	if job == nil {
		return nil, apperr.ErrExportJobNotFound
	}
	return job, nil
}

// Apply replays every child row's changed columns into the country
// baseline, clears the per-country dirty flag for each SKU, and marks the
// job applied — all as one logical unit. A missing job returns
// apperr.ErrExportJobNotFound; a job in any state other than `exported`
// or `apply_failed` (re-applying after a failed apply is permitted)
// returns apperr.ErrExportJobNotApplicable. A failure while replaying the
// rows or clearing dirty flags marks the job `apply_failed` with the error
// text before propagating; a failure to list the job's rows or to mark it
// applied is returned without changing its status.
func (e *Engine) Apply(ctx context.Context, jobID, applierID string) error {
	job, err := e.Store.GetExportJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("exportjob: get export job: %w", err)
	}
	if job == nil {
		return apperr.ErrExportJobNotFound
	}
	if job.Status != store.ExportJobStatusExported && job.Status != store.ExportJobStatusApplyFailed {
		return apperr.ErrExportJobNotApplicable
	}

	rows, err := e.Store.ListExportJobSKUs(ctx, jobID)
	if err != nil {
		return fmt.Errorf("exportjob: list export job skus: %w", err)
	}

	if err := e.applyRows(ctx, job.Country, rows); err != nil {
		_ = e.Store.MarkJobStatus(ctx, jobID, store.ExportJobStatusApplyFailed, err.Error(), applierID)
		return fmt.Errorf("exportjob: apply: %w", err)
	}

	if err := e.Store.MarkJobStatus(ctx, jobID, store.ExportJobStatusApplied, "", applierID); err != nil {
		return fmt.Errorf("exportjob: mark applied: %w", err)
	}
	logger.Success(logTag, fmt.Sprintf("%s: job %s applied by %s", job.Country, jobID, applierID))
	return nil
}

func (e *Engine) applyRows(ctx context.Context, country string, rows []store.ExportJobSKU) error {
	if err := e.Store.ApplyKoganTemplateUpdates(ctx, country, rows); err != nil {
		return fmt.Errorf("apply template updates: %w", err)
	}
	skus := make([]string, len(rows))
	for i, r := range rows {
		skus[i] = r.SKUCode
	}
	if err := e.Store.ClearDirtyFlags(ctx, country, skus); err != nil {
		return fmt.Errorf("clear dirty flags: %w", err)
	}
	return nil
}
