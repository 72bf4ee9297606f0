package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Export job status enum.
const (
	ExportJobStatusPending     = "pending"
	ExportJobStatusExported    = "exported"
	ExportJobStatusFailed      = "failed"
	ExportJobStatusApplied     = "applied"
	ExportJobStatusApplyFailed = "apply_failed"
)

// ExportJob is the persisted diff-CSV artifact and its apply-lifecycle
// state.
type ExportJob struct {
	ID         string
	Country    string
	Status     string
	SKUCount   int
	FileName   string
	FileBlob   []byte
	Error      *string
	CreatedBy  *string
	AppliedBy  *string
	CreatedAt  time.Time
	AppliedAt  *time.Time
}

// ExportJobSKU is one SKU's row within an export job, carrying the
// changed-column payload and the explicit changed-column list, which is
// never empty.
type ExportJobSKU struct {
	JobID           string
	SKUCode         string
	TemplatePayload map[string]any
	ChangedColumns  []string
}

// CreateExportJob persists a new export job (status "exported") and its
// child SKU rows in one transaction.
func (s *Store) CreateExportJob(ctx context.Context, job *ExportJob, rows []ExportJobSKU) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin create export job: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kogan_export_jobs (id, country, status, sku_count, file_name, file_blob, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Country, ExportJobStatusExported, len(rows), job.FileName, job.FileBlob, job.CreatedBy); err != nil {
		return fmt.Errorf("store: insert export job: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO kogan_export_job_skus (job_id, sku_code, template_payload, changed_columns)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: prepare export job sku insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if len(r.ChangedColumns) == 0 {
			return fmt.Errorf("store: export job sku %s: changed_columns must be non-empty", r.SKUCode)
		}
		payloadJSON, err := json.Marshal(r.TemplatePayload)
		if err != nil {
			return fmt.Errorf("store: marshal template_payload for %s: %w", r.SKUCode, err)
		}
		columnsJSON, err := json.Marshal(r.ChangedColumns)
		if err != nil {
			return fmt.Errorf("store: marshal changed_columns for %s: %w", r.SKUCode, err)
		}
		if _, err := stmt.ExecContext(ctx, job.ID, r.SKUCode, string(payloadJSON), string(columnsJSON)); err != nil {
			return fmt.Errorf("store: insert export job sku %s: %w", r.SKUCode, err)
		}
	}

	return tx.Commit()
}

// GetExportJob fetches one job's metadata and file blob by id, or
// (nil, nil) if absent.
func (s *Store) GetExportJob(ctx context.Context, id string) (*ExportJob, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, country, status, sku_count, file_name, file_blob, error, created_by, applied_by, created_at, applied_at
		FROM kogan_export_jobs WHERE id = ?
	`, id)
	return scanExportJob(row)
}

// FetchLatestExportJob returns the most recently created job for a
// country, or (nil, nil) if none exists yet.
func (s *Store) FetchLatestExportJob(ctx context.Context, country string) (*ExportJob, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, country, status, sku_count, file_name, file_blob, error, created_by, applied_by, created_at, applied_at
		FROM kogan_export_jobs WHERE country = ? ORDER BY created_at DESC LIMIT 1
	`, country)
	return scanExportJob(row)
}

func scanExportJob(row *sql.Row) (*ExportJob, error) {
	var j ExportJob
	var fileName, errText, createdBy, appliedBy, appliedAt sql.NullString
	var createdAt string
	err := row.Scan(&j.ID, &j.Country, &j.Status, &j.SKUCount, &fileName, &j.FileBlob,
		&errText, &createdBy, &appliedBy, &createdAt, &appliedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.FileName = fileName.String
	j.Error = nullStringPtr(errText)
	j.CreatedBy = nullStringPtr(createdBy)
	j.AppliedBy = nullStringPtr(appliedBy)
	j.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	t, err := scanTime(appliedAt)
	if err != nil {
		return nil, err
	}
	j.AppliedAt = t
	return &j, nil
}

// ListExportJobSKUs returns every child SKU row for a job, the rows
// apply_export_job replays into the baseline.
func (s *Store) ListExportJobSKUs(ctx context.Context, jobID string) ([]ExportJobSKU, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT job_id, sku_code, template_payload, changed_columns
		FROM kogan_export_job_skus WHERE job_id = ?
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: list export job skus: %w", err)
	}
	defer rows.Close()

	var out []ExportJobSKU
	for rows.Next() {
		var r ExportJobSKU
		var payloadJSON, columnsJSON string
		if err := rows.Scan(&r.JobID, &r.SKUCode, &payloadJSON, &columnsJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payloadJSON), &r.TemplatePayload); err != nil {
			return nil, fmt.Errorf("store: unmarshal template_payload: %w", err)
		}
		if err := json.Unmarshal([]byte(columnsJSON), &r.ChangedColumns); err != nil {
			return nil, fmt.Errorf("store: unmarshal changed_columns: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkJobStatus transitions a job's status, recording an error message and
// (for terminal apply states) the applier identity and timestamp. Safe to
// call more than once; re-marking "applied" after a prior "apply_failed"
// succeeds.
func (s *Store) MarkJobStatus(ctx context.Context, id, status string, errMsg, applier string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE kogan_export_jobs
		SET status = ?, error = ?, applied_by = COALESCE(?, applied_by),
			applied_at = CASE WHEN ? = 'applied' THEN strftime('%Y-%m-%dT%H:%M:%fZ','now') ELSE applied_at END,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, status, nullableString(errMsg), nullableString(applier), status, id)
	return err
}

// LoadKoganBaselineMap returns the current baseline template row (as a
// generic column->value map) for each of the given SKUs in a country —
// the rows an export job's diff is computed against.
func (s *Store) LoadKoganBaselineMap(ctx context.Context, country string, skus []string) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, len(skus))
	if len(skus) == 0 {
		return out, nil
	}
	for _, batch := range chunkStrings(skus, 500) {
		placeholders, args := inClause(batch)
		args = append([]any{country}, args...)
		rows, err := s.DB.QueryContext(ctx, `
			SELECT sku_code, payload FROM kogan_template_baseline
			WHERE country = ? AND sku_code IN (`+placeholders+`)
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("store: load kogan baseline map: %w", err)
		}
		if err := func() error {
			defer rows.Close()
			for rows.Next() {
				var sku, payloadJSON string
				if err := rows.Scan(&sku, &payloadJSON); err != nil {
					return err
				}
				var payload map[string]any
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("store: unmarshal baseline payload for %s: %w", sku, err)
				}
				out[sku] = payload
			}
			return rows.Err()
		}(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ApplyKoganTemplateUpdates copies each row's changed columns into the
// country baseline. Upsert-by-sku, so retrying after a failed apply is
// safe.
func (s *Store) ApplyKoganTemplateUpdates(ctx context.Context, country string, updates []ExportJobSKU) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin apply kogan template updates: %w", err)
	}
	defer tx.Rollback()

	selectStmt, err := tx.PrepareContext(ctx, `
		SELECT payload FROM kogan_template_baseline WHERE country = ? AND sku_code = ?
	`)
	if err != nil {
		return err
	}
	defer selectStmt.Close()

	upsertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO kogan_template_baseline (country, sku_code, payload, updated_at)
		VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(country, sku_code) DO UPDATE SET
			payload = excluded.payload, updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer upsertStmt.Close()

	for _, u := range updates {
		baseline := map[string]any{}
		var payloadJSON string
		err := selectStmt.QueryRowContext(ctx, country, u.SKUCode).Scan(&payloadJSON)
		if err == nil {
			if err := json.Unmarshal([]byte(payloadJSON), &baseline); err != nil {
				return fmt.Errorf("store: unmarshal existing baseline for %s: %w", u.SKUCode, err)
			}
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("store: read baseline for %s: %w", u.SKUCode, err)
		}

		for _, col := range u.ChangedColumns {
			if v, ok := u.TemplatePayload[col]; ok {
				baseline[col] = v
			}
		}

		merged, err := json.Marshal(baseline)
		if err != nil {
			return fmt.Errorf("store: marshal merged baseline for %s: %w", u.SKUCode, err)
		}
		if _, err := upsertStmt.ExecContext(ctx, country, u.SKUCode, string(merged)); err != nil {
			return fmt.Errorf("store: upsert baseline for %s: %w", u.SKUCode, err)
		}
	}

	return tx.Commit()
}
