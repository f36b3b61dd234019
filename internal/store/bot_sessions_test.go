package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpsertRoundTrip(t *testing.T) {
	repo := NewBotSessionRepository(openTestDB(t))
	ctx := context.Background()

	modelName := "sonnet"
	betas := []string{"context-1m"}
	if err := repo.Upsert(ctx, "42", "sess-1", "/w/p", &modelName, betas); err != nil {
		t.Fatal(err)
	}

	rec, err := repo.GetByUser(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("record not found after upsert")
	}
	if rec.SessionID != "sess-1" || rec.Directory != "/w/p" {
		t.Errorf("rec = %+v", rec)
	}
	if rec.Model == nil || *rec.Model != "sonnet" {
		t.Errorf("model = %v, want sonnet", rec.Model)
	}
	if len(rec.Betas) != 1 || rec.Betas[0] != "context-1m" {
		t.Errorf("betas = %v", rec.Betas)
	}
	if rec.LastActive.IsZero() {
		t.Error("last_active not set")
	}
}

func TestUpsertPreservesNils(t *testing.T) {
	repo := NewBotSessionRepository(openTestDB(t))
	ctx := context.Background()

	if err := repo.Upsert(ctx, "42", "sess-1", "/w/p", nil, nil); err != nil {
		t.Fatal(err)
	}
	rec, err := repo.GetByUser(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Model != nil {
		t.Errorf("model = %v, want nil preserved", rec.Model)
	}
	if rec.Betas != nil {
		t.Errorf("betas = %v, want nil preserved", rec.Betas)
	}
}

func TestUpsertReplacesWholeRow(t *testing.T) {
	repo := NewBotSessionRepository(openTestDB(t))
	ctx := context.Background()

	m := "opus"
	if err := repo.Upsert(ctx, "42", "sess-1", "/a", &m, []string{"b"}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Upsert(ctx, "42", "sess-2", "/b", nil, nil); err != nil {
		t.Fatal(err)
	}

	rec, err := repo.GetByUser(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if rec.SessionID != "sess-2" || rec.Directory != "/b" || rec.Model != nil || rec.Betas != nil {
		t.Errorf("second upsert must replace the whole row: %+v", rec)
	}
}

func TestGetByUserMissing(t *testing.T) {
	repo := NewBotSessionRepository(openTestDB(t))
	rec, err := repo.GetByUser(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Errorf("rec = %+v, want nil", rec)
	}
}

func TestDelete(t *testing.T) {
	repo := NewBotSessionRepository(openTestDB(t))
	ctx := context.Background()

	if err := repo.Upsert(ctx, "42", "s", "/w", nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := repo.Delete(ctx, "42"); err != nil {
		t.Fatal(err)
	}
	rec, err := repo.GetByUser(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Error("record survived delete")
	}

	// Deleting a missing row is fine.
	if err := repo.Delete(ctx, "42"); err != nil {
		t.Errorf("second delete errored: %v", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	db := openTestDB(t)
	repo := NewBotSessionRepository(db)
	ctx := context.Background()

	if err := repo.Upsert(ctx, "fresh", "s1", "/w", nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := repo.Upsert(ctx, "stale", "s2", "/w", nil, nil); err != nil {
		t.Fatal(err)
	}
	// Age the stale row two days into the past.
	old := time.Now().Add(-48 * time.Hour).Unix()
	if _, err := db.sql.Exec(`UPDATE bot_sessions SET last_active = ? WHERE user_id = 'stale'`, old); err != nil {
		t.Fatal(err)
	}

	n, err := repo.CleanupExpired(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed %d rows, want 1", n)
	}

	if rec, _ := repo.GetByUser(ctx, "stale"); rec != nil {
		t.Error("stale row survived GC")
	}
	if rec, _ := repo.GetByUser(ctx, "fresh"); rec == nil {
		t.Error("fresh row was removed by GC")
	}
}

func TestUserDirectoryStore(t *testing.T) {
	db := openTestDB(t)
	dirs := NewUserDirectoryStore(db)
	ctx := context.Background()

	if _, ok, err := dirs.Get(ctx, "42"); err != nil || ok {
		t.Fatalf("unset directory: ok=%v err=%v", ok, err)
	}

	if err := dirs.Set(ctx, "42", "/w/p"); err != nil {
		t.Fatal(err)
	}
	dir, ok, err := dirs.Get(ctx, "42")
	if err != nil || !ok || dir != "/w/p" {
		t.Fatalf("got %q ok=%v err=%v", dir, ok, err)
	}

	if err := dirs.Set(ctx, "42", "/w/q"); err != nil {
		t.Fatal(err)
	}
	if dir, _, _ := dirs.Get(ctx, "42"); dir != "/w/q" {
		t.Errorf("directory = %q, want updated value", dir)
	}
}
