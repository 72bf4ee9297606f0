// Package ratelimit provides the token bucket that meters supplier API
// calls. Bucket state (token count, last-refill timestamp) lives in a
// SQLite table so every process sharing the same database file draws from
// one quota; the refill-and-deduct cycle runs under the database's
// transaction isolation, so concurrent acquirers serialize on the row. A
// Pacer fallback covers the case where the shared store is unavailable.
package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Limiter is a token bucket whose state (tokens, last-refill timestamp)
// lives in a shared SQLite table, so that every process sharing the same
// database file draws from the same quota.
type Limiter struct {
	db         *sql.DB
	key        string
	capacity   float64
	ratePerSec float64
}

// FromAccount builds a limiter keyed per (vendor, account):
// {prefix}:{vendor}:{account}:v2 — so each upstream account carries its
// own quota.
func FromAccount(db *sql.DB, prefix, vendor, account string, ratePerMin float64, burst float64) *Limiter {
	key := fmt.Sprintf("%s:%s:%s:v2", prefix, vendor, account)
	return &Limiter{
		db:         db,
		key:        key,
		capacity:   burst,
		ratePerSec: ratePerMin / 60.0,
	}
}

// EnsureSchema creates the backing table. Safe to call repeatedly.
func (l *Limiter) EnsureSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rate_limit_buckets (
			key    TEXT PRIMARY KEY,
			tokens REAL NOT NULL,
			ts     REAL NOT NULL
		)`)
	return err
}

// AcquireOnce attempts to deduct one token. It reports whether the request
// may proceed and, if not, the minimum wait in milliseconds before the next
// attempt might succeed. The read-refill-deduct-write cycle runs inside a
// single SQLite transaction so concurrent callers across processes
// serialize on the same row.
func (l *Limiter) AcquireOnce(ctx context.Context) (allowed bool, waitMs int64, err error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := float64(time.Now().UnixNano()) / 1e9

	var tokens, ts float64
	row := tx.QueryRowContext(ctx, `SELECT tokens, ts FROM rate_limit_buckets WHERE key = ?`, l.key)
	switch scanErr := row.Scan(&tokens, &ts); scanErr {
	case sql.ErrNoRows:
		tokens, ts = l.capacity, now
	case nil:
		// existing row
	default:
		return false, 0, fmt.Errorf("ratelimit: read bucket: %w", scanErr)
	}

	elapsed := now - ts
	if elapsed > 0 {
		tokens += elapsed * l.ratePerSec
		if tokens > l.capacity {
			tokens = l.capacity
		}
	}

	if tokens >= 1 {
		tokens -= 1
		allowed = true
	} else {
		deficit := 1 - tokens
		waitMs = int64((deficit / l.ratePerSec) * 1000)
	}
	ts = now

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rate_limit_buckets (key, tokens, ts) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET tokens = excluded.tokens, ts = excluded.ts
	`, l.key, tokens, ts); err != nil {
		return false, 0, fmt.Errorf("ratelimit: write bucket: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("ratelimit: commit: %w", err)
	}
	return allowed, waitMs, nil
}

// Acquire blocks (sleeping between attempts) until a token is available or
// maxAttempts is exhausted, then takes one final 1s backoff before the
// last try.
func (l *Limiter) Acquire(ctx context.Context, maxAttempts int) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		allowed, waitMs, err := l.AcquireOnce(ctx)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(waitMs) * time.Millisecond):
		}
	}
	// Final bounded backoff, then give the caller one last try.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second):
	}
	allowed, _, err := l.AcquireOnce(ctx)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("ratelimit: exhausted %d attempts for key %s", maxAttempts, l.key)
	}
	return nil
}

// Pacer is the degraded in-process fallback used when the shared store is
// unavailable: a fixed minimum interval between sends, computed as
// 60/rpm seconds.
type Pacer struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

// NewPacer builds a Pacer for the given requests-per-minute rate.
func NewPacer(ratePerMin float64) *Pacer {
	return &Pacer{interval: time.Duration(float64(time.Minute) / ratePerMin)}
}

// Wait blocks until at least Pacer.interval has elapsed since the last call
// that returned, then records the new "last send" time.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if !p.last.IsZero() {
		elapsed := now.Sub(p.last)
		if remaining := p.interval - elapsed; remaining > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(remaining):
			}
			now = time.Now()
		}
	}
	p.last = now
	return nil
}
