package session

import (
	"context"
	"errors"
	"testing"

	"github.com/wesm/mailsync/internal/events"
	"github.com/wesm/mailsync/internal/provider"
	"github.com/wesm/mailsync/internal/store"
	"github.com/wesm/mailsync/internal/testutil"
)

func TestSelectAndSwitch(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	testutil.NewTestAccount(t, st, "a@gmail.com", provider.Google)
	testutil.NewTestAccount(t, st, "b@outlook.com", provider.Outlook)
	bus := events.NewBus(testutil.DiscardLogger())
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	s := New(st, bus)
	if _, err := s.Selected(); !errors.Is(err, ErrNoAccount) {
		t.Fatalf("Selected() before select = %v", err)
	}

	acct, err := s.Select(ctx, "B@Outlook.com")
	testutil.MustNoErr(t, err, "Select")
	if acct.Email != "b@outlook.com" || acct.Provider != provider.Outlook {
		t.Errorf("selected = %+v", acct)
	}
	if _, err := s.Select(ctx, "b@outlook.com"); err != nil {
		t.Fatal(err)
	}
	if len(ch) != 1 {
		t.Errorf("events = %d, want 1 (reselecting is not a change)", len(ch))
	}

	if _, err := s.Select(ctx, "nobody@example.com"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Select unknown = %v", err)
	}
	got, err := s.Selected()
	testutil.MustNoErr(t, err, "Selected")
	if got.Email != "b@outlook.com" {
		t.Errorf("failed select changed selection to %s", got.Email)
	}
}

func TestRestoreAndForget(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	s := New(st, nil)

	testutil.MustNoErr(t, s.Restore(ctx, "gone@gmail.com"), "Restore with no accounts")
	if _, err := s.Selected(); !errors.Is(err, ErrNoAccount) {
		t.Errorf("Selected() = %v", err)
	}

	testutil.NewTestAccount(t, st, "a@gmail.com", provider.Google)
	testutil.NewTestAccount(t, st, "b@outlook.com", provider.Outlook)

	testutil.MustNoErr(t, s.Restore(ctx, "gone@gmail.com"), "Restore")
	got, _ := s.Selected()
	if got.Email != "a@gmail.com" {
		t.Errorf("restored = %s, want first account", got.Email)
	}

	testutil.MustNoErr(t, st.RemoveAccount(ctx, "a@gmail.com"), "RemoveAccount")
	testutil.MustNoErr(t, s.Forget(ctx, "a@gmail.com"), "Forget")
	got, _ = s.Selected()
	if got.Email != "b@outlook.com" {
		t.Errorf("after forget = %s", got.Email)
	}
	testutil.MustNoErr(t, s.Forget(ctx, "someone-else@gmail.com"), "Forget other")
	got, _ = s.Selected()
	if got.Email != "b@outlook.com" {
		t.Errorf("forgetting another account changed selection to %s", got.Email)
	}
}
