package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FreightRun is the freight calculation orchestrator's own run record,
// carrying the full status enum (including "canceled") and a free-text
// message column for failure diagnostics.
type FreightRun struct {
	ID             uuid.UUID
	Status         string
	TriggeredBy    string
	ProductRunID   *uuid.UUID
	CandidateCount int
	ChangedCount   int
	Message        *string
	FinishedAt     *time.Time
}

const (
	FreightRunStatusPending   = "pending"
	FreightRunStatusRunning   = "running"
	FreightRunStatusCompleted = "completed"
	FreightRunStatusFailed    = "failed"
	FreightRunStatusCanceled  = "canceled"
)

// CreateFreightRun inserts a freight-run row in "pending" status,
// returning its generated id.
func (s *Store) CreateFreightRun(ctx context.Context, triggeredBy string, productRunID *uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	var productRunStr any
	if productRunID != nil {
		productRunStr = productRunID.String()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO freight_runs (id, status, triggered_by, product_run_id, candidate_count, changed_count)
		VALUES (?, 'pending', ?, ?, 0, 0)
	`, id.String(), triggeredBy, productRunStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: create freight run: %w", err)
	}
	return id, nil
}

// MarkFreightRunRunning transitions a freight run to running and records
// the candidate count the "run" phase determined.
func (s *Store) MarkFreightRunRunning(ctx context.Context, id uuid.UUID, candidateCount int) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE freight_runs SET status = 'running', candidate_count = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, candidateCount, id.String())
	return err
}

// FinishFreightRun marks a freight run terminal with its final changed
// count and, on failure, a diagnostic message.
func (s *Store) FinishFreightRun(ctx context.Context, id uuid.UUID, status string, changedCount int, message string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE freight_runs SET status = ?, changed_count = ?, message = ?,
			finished_at = strftime('%Y-%m-%dT%H:%M:%fZ','now'),
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, status, changedCount, nullableString(message), id.String())
	return err
}

// GetFreightRun fetches one freight run by id, or (nil, nil) if absent.
func (s *Store) GetFreightRun(ctx context.Context, id uuid.UUID) (*FreightRun, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, status, triggered_by, product_run_id, candidate_count, changed_count, message, finished_at
		FROM freight_runs WHERE id = ?
	`, id.String())

	var r FreightRun
	var idStr string
	var productRunID, message, finishedAt sql.NullString
	err := row.Scan(&idStr, &r.Status, &r.TriggeredBy, &productRunID, &r.CandidateCount, &r.ChangedCount, &message, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	if productRunID.Valid {
		pid, err := uuid.Parse(productRunID.String)
		if err != nil {
			return nil, err
		}
		r.ProductRunID = &pid
	}
	r.Message = nullStringPtr(message)
	t, err := scanTime(finishedAt)
	if err != nil {
		return nil, err
	}
	r.FinishedAt = t
	return &r, nil
}
