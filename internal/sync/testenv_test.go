package sync

import (
	"context"
	"testing"

	"github.com/wesm/mailsync/internal/events"
	"github.com/wesm/mailsync/internal/gmail"
	"github.com/wesm/mailsync/internal/outlook"
	"github.com/wesm/mailsync/internal/provider"
	"github.com/wesm/mailsync/internal/store"
	"github.com/wesm/mailsync/internal/testutil"
)

const testAccount = "me@example.com"

// TestEnv bundles a store, a provider mock and an engine.
type TestEnv struct {
	Store   *store.Store
	Engine  *Engine
	Bus     *events.Bus
	Context context.Context
	t       *testing.T
}

// GmailEnv is a TestEnv backed by the Gmail mock.
type GmailEnv struct {
	*TestEnv
	Mock *gmail.MockAPI
}

// OutlookEnv is a TestEnv backed by the Graph mock.
type OutlookEnv struct {
	*TestEnv
	Mock *outlook.MockAPI
}

func newEnv(t *testing.T, adapter provider.Adapter, opts *Options) *TestEnv {
	t.Helper()
	st := testutil.NewTestStore(t)
	testutil.NewTestAccount(t, st, adapter.Account(), adapter.Kind())
	bus := events.NewBus(testutil.DiscardLogger())
	eng := New(adapter, st, opts).WithLogger(testutil.DiscardLogger()).WithEvents(bus)
	return &TestEnv{Store: st, Engine: eng, Bus: bus, Context: context.Background(), t: t}
}

func newGmailEnv(t *testing.T) *GmailEnv {
	t.Helper()
	mock := gmail.NewMockAPI(testAccount)
	adapter := gmail.NewAdapter(mock, testAccount, testutil.DiscardLogger())
	return &GmailEnv{TestEnv: newEnv(t, adapter, nil), Mock: mock}
}

func newGmailEnvWithOptions(t *testing.T, opts *Options) *GmailEnv {
	t.Helper()
	mock := gmail.NewMockAPI(testAccount)
	adapter := gmail.NewAdapter(mock, testAccount, testutil.DiscardLogger())
	return &GmailEnv{TestEnv: newEnv(t, adapter, opts), Mock: mock}
}

func newOutlookEnv(t *testing.T) *OutlookEnv {
	t.Helper()
	mock := outlook.NewMockAPI()
	adapter := outlook.NewAdapter(mock, testAccount, testutil.DiscardLogger())
	return &OutlookEnv{TestEnv: newEnv(t, adapter, nil), Mock: mock}
}

// SetHistoryID stores a Gmail checkpoint.
func (e *TestEnv) SetHistoryID(id uint64) {
	e.t.Helper()
	_, err := e.Store.AdvanceCheckpoint(e.Context, testAccount, provider.GmailCheckpoint(id))
	testutil.MustNoErr(e.t, err, "AdvanceCheckpoint")
}

// Checkpoint reads the stored checkpoint.
func (e *TestEnv) Checkpoint(kind provider.Kind) provider.Checkpoint {
	e.t.Helper()
	cp, err := e.Store.Checkpoint(e.Context, testAccount, kind)
	testutil.MustNoErr(e.t, err, "Checkpoint")
	return cp
}

// AssertHistoryID checks the stored Gmail checkpoint.
func (e *TestEnv) AssertHistoryID(want uint64) {
	e.t.Helper()
	if got := e.Checkpoint(provider.Google).HistoryID; got != want {
		e.t.Errorf("checkpoint history id = %d, want %d", got, want)
	}
}

// AssertThread checks whether a thread is cached.
func (e *TestEnv) AssertThread(id string, want bool) {
	e.t.Helper()
	_, err := e.Store.GetThread(e.Context, testAccount, id)
	switch {
	case want && err != nil:
		e.t.Errorf("thread %s missing: %v", id, err)
	case !want && err == nil:
		e.t.Errorf("thread %s present, want absent", id)
	}
}

// ThreadCount returns the number of cached threads.
func (e *TestEnv) ThreadCount() int {
	e.t.Helper()
	stats, err := e.Store.GetStats(e.Context, testAccount)
	testutil.MustNoErr(e.t, err, "GetStats")
	return int(stats.Threads)
}

// FailThreadWrites makes every thread insert abort until the returned
// func is called.
func (e *TestEnv) FailThreadWrites() func() {
	e.t.Helper()
	_, err := e.Store.DB().ExecContext(e.Context, `CREATE TRIGGER fail_thread_insert BEFORE INSERT ON threads
		BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`)
	testutil.MustNoErr(e.t, err, "create trigger")
	return func() {
		_, err := e.Store.DB().ExecContext(e.Context, `DROP TRIGGER fail_thread_insert`)
		testutil.MustNoErr(e.t, err, "drop trigger")
	}
}
