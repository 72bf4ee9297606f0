package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncRun is the top-level record of one full/incremental sync's
// lifecycle.
type SyncRun struct {
	ID                uuid.UUID
	RunType           string
	Status            string
	ShopifyBulkID     *string
	ShopifyBulkStatus *string
	ShopifyBulkURL    *string
	TotalShopifySKUs  *int
	ChangedCount      *int
	Note              *string
	StartedAt         time.Time
	FinishedAt        *time.Time
}

// GetSyncRun fetches one run by id, or (nil, nil) if absent.
func (s *Store) GetSyncRun(ctx context.Context, id uuid.UUID) (*SyncRun, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, run_type, status, shopify_bulk_id, shopify_bulk_status, shopify_bulk_url,
			total_shopify_skus, changed_count, note, started_at, finished_at
		FROM product_sync_runs WHERE id = ?
	`, id.String())
	return scanSyncRun(row)
}

// GetRunningRun returns the most recently started run still in state
// "running" — the resume entry point — or (nil, nil) if none exists.
func (s *Store) GetRunningRun(ctx context.Context) (*SyncRun, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, run_type, status, shopify_bulk_id, shopify_bulk_status, shopify_bulk_url,
			total_shopify_skus, changed_count, note, started_at, finished_at
		FROM product_sync_runs WHERE status = 'running' ORDER BY started_at DESC LIMIT 1
	`)
	return scanSyncRun(row)
}

func scanSyncRun(row *sql.Row) (*SyncRun, error) {
	var r SyncRun
	var id string
	var bulkID, bulkStatus, bulkURL, note sql.NullString
	var totalSKUs, changedCount sql.NullInt64
	var startedAt string
	var finishedAt sql.NullString

	err := row.Scan(&id, &r.RunType, &r.Status, &bulkID, &bulkStatus, &bulkURL,
		&totalSKUs, &changedCount, &note, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("store: parse sync run id: %w", err)
	}
	r.ShopifyBulkID = nullStringPtr(bulkID)
	r.ShopifyBulkStatus = nullStringPtr(bulkStatus)
	r.ShopifyBulkURL = nullStringPtr(bulkURL)
	r.Note = nullStringPtr(note)
	if totalSKUs.Valid {
		v := int(totalSKUs.Int64)
		r.TotalShopifySKUs = &v
	}
	if changedCount.Valid {
		v := int(changedCount.Int64)
		r.ChangedCount = &v
	}
	r.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, err
	}
	if t, err := scanTime(finishedAt); err != nil {
		return nil, err
	} else {
		r.FinishedAt = t
	}
	return &r, nil
}

// CreateSyncRun inserts a new run row and returns its generated ID.
func (s *Store) CreateSyncRun(ctx context.Context, runType string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO product_sync_runs (id, run_type, status) VALUES (?, ?, 'running')
	`, id.String(), runType)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: create sync run: %w", err)
	}
	return id, nil
}

// FinishSyncRun marks a run terminal and records the total changed count.
func (s *Store) FinishSyncRun(ctx context.Context, id uuid.UUID, status string, changedCount int, note string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE product_sync_runs
		SET status = ?, changed_count = ?, note = ?, finished_at = strftime('%Y-%m-%dT%H:%M:%fZ','now'),
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, status, changedCount, note, id.String())
	return err
}

// RecordBulkOperation stamps a run with its Shopify bulk-operation ID once
// the storefront client has started one.
func (s *Store) RecordBulkOperation(ctx context.Context, id uuid.UUID, bulkID, status string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE product_sync_runs
		SET shopify_bulk_id = ?, shopify_bulk_status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, bulkID, status, id.String())
	return err
}

// RecordBulkCompletion persists the completed bulk operation's download
// URL and root object count. The URL only ever transitions from NULL to a
// value, so a duplicate completion signal (poll race, repeated webhook) is
// a no-op.
func (s *Store) RecordBulkCompletion(ctx context.Context, id uuid.UUID, url string, totalSKUs int) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE product_sync_runs
		SET shopify_bulk_url = COALESCE(shopify_bulk_url, ?), total_shopify_skus = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, nullableString(url), totalSKUs, id.String())
	return err
}

// RecordWebhookReceived stamps the first webhook arrival on the run that
// owns bulkID; later duplicates leave the original timestamp.
func (s *Store) RecordWebhookReceived(ctx context.Context, bulkID string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE product_sync_runs
		SET webhook_received_at = COALESCE(webhook_received_at, ?),
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE shopify_bulk_id = ?
	`, nullTime(&at), bulkID)
	return err
}

// UpsertCandidate records (or overwrites) one SKU's changed-field snapshot
// for a run, keyed by (run_id, sku_code).
func (s *Store) UpsertCandidate(ctx context.Context, runID uuid.UUID, sku string, changeMask map[string]bool, newSnapshot map[string]any) error {
	maskJSON, err := json.Marshal(changeMask)
	if err != nil {
		return fmt.Errorf("store: marshal change_mask: %w", err)
	}
	snapJSON, err := json.Marshal(newSnapshot)
	if err != nil {
		return fmt.Errorf("store: marshal new_snapshot: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO product_sync_candidates (run_id, sku_code, change_mask, new_snapshot, change_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, sku_code) DO UPDATE SET
			change_mask  = excluded.change_mask,
			new_snapshot = excluded.new_snapshot,
			change_count = excluded.change_count,
			updated_at   = strftime('%Y-%m-%dT%H:%M:%fZ','now')
	`, runID.String(), sku, string(maskJSON), string(snapJSON), len(changeMask))
	if err != nil {
		return fmt.Errorf("store: upsert candidate %s: %w", sku, err)
	}
	return nil
}

// ListCandidates returns every changed-SKU row for a run, newest first —
// the input set internal/freightrun iterates over.
func (s *Store) ListCandidates(ctx context.Context, runID uuid.UUID) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT sku_code FROM product_sync_candidates WHERE run_id = ? ORDER BY created_at DESC
	`, runID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sku string
		if err := rows.Scan(&sku); err != nil {
			return nil, err
		}
		out = append(out, sku)
	}
	return out, rows.Err()
}

// Chunk is one dispatch unit's manifest: its SKU slice plus per-chunk
// supplier health counters.
type Chunk struct {
	RunID    uuid.UUID
	ChunkIdx int
	Status   string
	SKUCodes []string
	SKUCount int

	DSZMissing        int
	DSZFailedBatches  int
	DSZFailedSKUs     int
	DSZRequestedTotal int
	DSZReturnedTotal  int

	// Bounded (<=20 element) diagnostic samples: concrete SKUs behind the
	// counters above, enough to troubleshoot a bad batch without storing
	// thousands of codes.
	DSZMissingSample []string
	DSZFailedSample  []string
	DSZExtraSample   []string
}

const diagnosticSampleCap = 20

func boundedSample(skus []string) []string {
	if len(skus) > diagnosticSampleCap {
		return skus[:diagnosticSampleCap]
	}
	return skus
}

// UpsertChunkManifest idempotently writes a chunk's SKU list, keyed by
// (run_id, chunk_idx) — safe to re-dispatch without duplicating rows.
func (s *Store) UpsertChunkManifest(ctx context.Context, c *Chunk) error {
	skuJSON, err := json.Marshal(c.SKUCodes)
	if err != nil {
		return fmt.Errorf("store: marshal sku_codes: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO product_sync_chunks (run_id, chunk_idx, status, sku_codes, sku_count)
		VALUES (?, ?, 'pending', ?, ?)
		ON CONFLICT(run_id, chunk_idx) DO UPDATE SET
			sku_codes = excluded.sku_codes,
			sku_count = excluded.sku_count,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
	`, c.RunID.String(), c.ChunkIdx, string(skuJSON), len(c.SKUCodes))
	if err != nil {
		return fmt.Errorf("store: upsert chunk manifest %d: %w", c.ChunkIdx, err)
	}
	return nil
}

// MarkChunkRunning transitions a manifest row from pending to running,
// stamping started_at. MarkChunkResult covers the terminal half.
func (s *Store) MarkChunkRunning(ctx context.Context, runID uuid.UUID, chunkIdx int) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE product_sync_chunks
		SET status = 'running', started_at = strftime('%Y-%m-%dT%H:%M:%fZ','now'),
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE run_id = ? AND chunk_idx = ?
	`, runID.String(), chunkIdx)
	return err
}

// MarkChunkResult records a chunk's terminal status and DSZ health
// counters once its supplier fetch completes.
func (s *Store) MarkChunkResult(ctx context.Context, runID uuid.UUID, chunkIdx int, status string, c Chunk, lastErr string) error {
	missingJSON, err := json.Marshal(boundedSample(c.DSZMissingSample))
	if err != nil {
		return fmt.Errorf("store: marshal dsz_missing_sku_list: %w", err)
	}
	failedJSON, err := json.Marshal(boundedSample(c.DSZFailedSample))
	if err != nil {
		return fmt.Errorf("store: marshal dsz_failed_sku_list: %w", err)
	}
	extraJSON, err := json.Marshal(boundedSample(c.DSZExtraSample))
	if err != nil {
		return fmt.Errorf("store: marshal dsz_extra_sku_list: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		UPDATE product_sync_chunks
		SET status = ?, dsz_missing = ?, dsz_failed_batches = ?, dsz_failed_skus = ?,
			dsz_requested_total = ?, dsz_returned_total = ?, last_error = ?,
			finished_at = strftime('%Y-%m-%dT%H:%M:%fZ','now'),
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now'),
			dsz_missing_sku_list = ?, dsz_failed_sku_list = ?, dsz_extra_sku_list = ?
		WHERE run_id = ? AND chunk_idx = ?
	`, status, c.DSZMissing, c.DSZFailedBatches, c.DSZFailedSKUs, c.DSZRequestedTotal, c.DSZReturnedTotal,
		nullableString(lastErr), string(missingJSON), string(failedJSON), string(extraJSON), runID.String(), chunkIdx)
	return err
}

// ListChunksByStatus returns manifest rows for a run matching any of the
// given statuses, ordered by chunk_idx — used by resumption to re-dispatch
// only pending|running|failed rows.
func (s *Store) ListChunksByStatus(ctx context.Context, runID uuid.UUID, statuses []string) ([]Chunk, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(statuses)
	args = append([]any{runID.String()}, args...)
	rows, err := s.DB.QueryContext(ctx, `
		SELECT run_id, chunk_idx, status, sku_codes, sku_count,
			dsz_missing, dsz_failed_batches, dsz_failed_skus, dsz_requested_total, dsz_returned_total
		FROM product_sync_chunks WHERE run_id = ? AND status IN (`+placeholders+`)
		ORDER BY chunk_idx
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list chunks by status: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		var runIDStr, skuJSON string
		if err := rows.Scan(&runIDStr, &c.ChunkIdx, &c.Status, &skuJSON, &c.SKUCount,
			&c.DSZMissing, &c.DSZFailedBatches, &c.DSZFailedSKUs, &c.DSZRequestedTotal, &c.DSZReturnedTotal); err != nil {
			return nil, err
		}
		c.RunID, err = uuid.Parse(runIDStr)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(skuJSON), &c.SKUCodes); err != nil {
			return nil, fmt.Errorf("store: unmarshal sku_codes: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountManifestRows returns how many manifest rows exist for a run.
// Fewer rows than ceil(total/chunk_size) means the stream needs
// re-running.
func (s *Store) CountManifestRows(ctx context.Context, runID uuid.UUID) (int, error) {
	var n int
	row := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM product_sync_chunks WHERE run_id = ?`, runID.String())
	err := row.Scan(&n)
	return n, err
}

// CollectShopifySKUsForRun returns the union of sku_codes across every
// manifest row for a run, matching collect_shopify_skus_for_run.
func (s *Store) CollectShopifySKUsForRun(ctx context.Context, runID uuid.UUID) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT sku_codes FROM product_sync_chunks WHERE run_id = ?`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("store: collect shopify skus for run: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var out []string
	for rows.Next() {
		var skuJSON string
		if err := rows.Scan(&skuJSON); err != nil {
			return nil, err
		}
		var skus []string
		if err := json.Unmarshal([]byte(skuJSON), &skus); err != nil {
			return nil, fmt.Errorf("store: unmarshal sku_codes: %w", err)
		}
		for _, sku := range skus {
			if !seen[sku] {
				seen[sku] = true
				out = append(out, sku)
			}
		}
	}
	return out, rows.Err()
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
