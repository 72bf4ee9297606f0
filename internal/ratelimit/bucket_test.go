package ratelimit

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLimiter_BurstThenDeny(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	l := FromAccount(db, "supplier:rl", "dsz", "acct@example.com", 60, 2)
	if err := l.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	allowed1, _, err := l.AcquireOnce(ctx)
	if err != nil || !allowed1 {
		t.Fatalf("first acquire: allowed=%v err=%v", allowed1, err)
	}
	allowed2, _, err := l.AcquireOnce(ctx)
	if err != nil || !allowed2 {
		t.Fatalf("second acquire (within burst): allowed=%v err=%v", allowed2, err)
	}
	allowed3, waitMs, err := l.AcquireOnce(ctx)
	if err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if allowed3 {
		t.Fatal("third acquire should be denied, burst exhausted")
	}
	if waitMs <= 0 {
		t.Errorf("expected positive wait, got %d", waitMs)
	}
}

func TestLimiter_SharedAcrossInstances(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	l1 := FromAccount(db, "supplier:rl", "dsz", "acct@example.com", 60, 1)
	l2 := FromAccount(db, "supplier:rl", "dsz", "acct@example.com", 60, 1)
	if err := l1.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	allowed1, _, _ := l1.AcquireOnce(ctx)
	if !allowed1 {
		t.Fatal("expected first caller to acquire the only token")
	}
	allowed2, _, _ := l2.AcquireOnce(ctx)
	if allowed2 {
		t.Fatal("expected second instance to see the shared bucket as empty")
	}
}
