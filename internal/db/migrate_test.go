package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"firehall/internal/models"
	"firehall/internal/store"
)

func TestApplyMigrationFileIsIdempotent(t *testing.T) {
	sqdb, err := OpenSQLite(filepath.Join(t.TempDir(), "app.db"), 1, 1, time.Minute)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqdb.Close() })

	migration := filepath.Join("..", "..", "migrations", "001_init.sql")
	if err := ApplyMigrationFile(sqdb, migration); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := ApplyMigrationFile(sqdb, migration); err != nil {
		t.Fatalf("second apply should be a no-op: %v", err)
	}

	st := store.New(sqdb)
	u, err := st.CreateUser(context.Background(), "chief@example.com", "Chief Example", "admin", models.AuthMagicLink, nil, true)
	if err != nil {
		t.Fatalf("create user on migrated schema: %v", err)
	}
	got, err := st.GetUserByEmail(context.Background(), "chief@example.com")
	if err != nil {
		t.Fatalf("read back user: %v", err)
	}
	if got.ID != u.ID || !got.EmailVerified {
		t.Fatalf("unexpected user after migration: %+v", got)
	}
}
