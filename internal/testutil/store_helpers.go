package testutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/wesm/mailsync/internal/provider"
	"github.com/wesm/mailsync/internal/store"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewTestStore creates a temporary database at the current schema.
// The database is automatically closed when the test completes.
func NewTestStore(t testing.TB) *store.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(context.Background(), dbPath, store.WithLogger(DiscardLogger()))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewTestAccount registers an account in st and returns it.
func NewTestAccount(t testing.TB, st *store.Store, email string, kind provider.Kind) provider.Account {
	t.Helper()
	a := provider.Account{Email: email, Provider: kind}
	MustNoErr(t, st.PutAccount(context.Background(), a), "PutAccount")
	return a
}
