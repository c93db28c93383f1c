package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/wesm/mailsync/internal/folder"
	"github.com/wesm/mailsync/internal/mutation"
	"github.com/wesm/mailsync/internal/provider"
	"github.com/wesm/mailsync/internal/scheduler"
	"github.com/wesm/mailsync/internal/store"
	"github.com/wesm/mailsync/internal/testutil"
)

const gmailBase = "/api/v1/accounts/" + gmailAccount

func TestListAccounts(t *testing.T) {
	e := newTestEnv(t, "")
	e.sched.statuses = []AccountStatus{{Email: gmailAccount, Schedule: "*/5 * * * *", LastError: "boom"}}
	_, err := e.session.Select(e.ctx, outlookAccount)
	testutil.MustNoErr(t, err, "Select")

	w := e.do(t, "GET", "/api/v1/accounts", nil)
	wantStatus(t, w, http.StatusOK)
	resp := decode[map[string][]AccountInfo](t, w)
	accts := resp["accounts"]
	if len(accts) != 2 {
		t.Fatalf("accounts = %d, want 2", len(accts))
	}
	for _, a := range accts {
		switch a.Email {
		case gmailAccount:
			if a.Selected || a.Schedule != "*/5 * * * *" || a.LastError != "boom" {
				t.Errorf("gmail account = %+v", a)
			}
		case outlookAccount:
			if !a.Selected || a.Provider != provider.Outlook {
				t.Errorf("outlook account = %+v", a)
			}
		default:
			t.Errorf("unexpected account %q", a.Email)
		}
	}
}

func TestSession(t *testing.T) {
	e := newTestEnv(t, "")

	wantStatus(t, e.do(t, "GET", "/api/v1/session", nil), http.StatusNotFound)

	w := e.do(t, "PUT", "/api/v1/session", SelectRequest{Email: gmailAccount})
	wantStatus(t, w, http.StatusOK)
	w = e.do(t, "GET", "/api/v1/session", nil)
	wantStatus(t, w, http.StatusOK)
	if acct := decode[provider.Account](t, w); acct.Email != gmailAccount {
		t.Errorf("selected = %q", acct.Email)
	}

	wantStatus(t, e.do(t, "PUT", "/api/v1/session", SelectRequest{Email: "nobody@example.com"}), http.StatusNotFound)
	wantStatus(t, e.do(t, "PUT", "/api/v1/session", map[string]string{"bogus": "x"}), http.StatusBadRequest)
}

func TestSchedulerAndPushStatus(t *testing.T) {
	e := newTestEnv(t, "")
	e.sched.statuses = []scheduler.AccountStatus{{Email: gmailAccount, Running: true}}

	w := e.do(t, "GET", "/api/v1/scheduler/status", nil)
	wantStatus(t, w, http.StatusOK)
	resp := decode[SchedulerStatusResponse](t, w)
	if !resp.Running || len(resp.Accounts) != 1 || !resp.Accounts[0].Running {
		t.Errorf("scheduler status = %+v", resp)
	}

	_, err := e.push.Register(e.ctx, gmailAccount)
	testutil.MustNoErr(t, err, "Register")
	w = e.do(t, "GET", "/api/v1/push", nil)
	wantStatus(t, w, http.StatusOK)
	subs := decode[map[string][]map[string]any](t, w)["subscriptions"]
	if len(subs) != 1 {
		t.Errorf("subscriptions = %v", subs)
	}
}

func TestTriggerSync(t *testing.T) {
	e := newTestEnv(t, "")

	wantStatus(t, e.do(t, "POST", gmailBase+"/sync", nil), http.StatusAccepted)
	testutil.AssertStrings(t, e.sched.triggered, gmailAccount)

	e.sched.triggerFn = func(string) error { return errors.New("already running") }
	wantStatus(t, e.do(t, "POST", gmailBase+"/sync", nil), http.StatusConflict)

	wantStatus(t, e.do(t, "POST", "/api/v1/accounts/nobody@example.com/sync", nil), http.StatusNotFound)
}

func TestSyncRunsAndStats(t *testing.T) {
	e := newTestEnv(t, "")
	e.seedGmail(t)

	w := e.do(t, "GET", gmailBase+"/sync/runs", nil)
	wantStatus(t, w, http.StatusOK)
	runs := decode[map[string][]SyncRunInfo](t, w)["runs"]
	if len(runs) == 0 {
		t.Fatal("no sync runs recorded")
	}
	for _, run := range runs {
		if run.Status == "" || run.StartedAt == "" {
			t.Errorf("run = %+v", run)
		}
	}

	w = e.do(t, "GET", gmailBase+"/stats", nil)
	wantStatus(t, w, http.StatusOK)
	stats := decode[store.Stats](t, w)
	if stats.Threads != 1 || stats.Messages != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestListThreadsPaging(t *testing.T) {
	e := newTestEnv(t, "")
	err := e.store.Update(e.ctx, func(tx *store.Tx) error {
		for i, id := range []string{"a", "b", "c"} {
			d := testutil.NewThread(gmailAccount, id).
				WithLabels(folder.Inbox).
				WithLastActivity(testutil.BaseTime.Add(-time.Duration(i) * time.Hour)).
				WithMessages(id + "-m1").
				Build()
			if err := tx.PutThreadData(e.ctx, d); err != nil {
				return err
			}
		}
		return nil
	})
	testutil.MustNoErr(t, err, "seed threads")

	w := e.do(t, "GET", gmailBase+"/threads?limit=2", nil)
	wantStatus(t, w, http.StatusOK)
	page := decode[ThreadList](t, w)
	if page.Folder != folder.Inbox || len(page.Threads) != 2 || page.NextBefore == "" {
		t.Fatalf("first page = %+v", page)
	}
	if page.Threads[0].ID != "a" || page.Threads[1].ID != "b" {
		t.Errorf("order = %s, %s", page.Threads[0].ID, page.Threads[1].ID)
	}

	w = e.do(t, "GET", gmailBase+"/threads?limit=2&before="+page.NextBefore, nil)
	wantStatus(t, w, http.StatusOK)
	page = decode[ThreadList](t, w)
	if len(page.Threads) != 1 || page.Threads[0].ID != "c" || page.NextBefore != "" {
		t.Errorf("second page = %+v", page)
	}

	w = e.do(t, "GET", gmailBase+"/threads?folder="+folder.Trash, nil)
	wantStatus(t, w, http.StatusOK)
	if page := decode[ThreadList](t, w); page.Threads == nil || len(page.Threads) != 0 {
		t.Errorf("empty folder = %+v", page)
	}

	wantStatus(t, e.do(t, "GET", gmailBase+"/threads?before=yesterday", nil), http.StatusBadRequest)
}

func TestGetThread(t *testing.T) {
	e := newTestEnv(t, "")
	e.gmail.AddThread("t9", 50, "Fetched on demand", []string{folder.Inbox}, "m9")

	w := e.do(t, "GET", gmailBase+"/threads/t9", nil)
	wantStatus(t, w, http.StatusOK)
	data := decode[provider.ThreadData](t, w)
	if data.Thread.Subject != "Fetched on demand" || len(data.Messages) != 1 {
		t.Fatalf("thread = %+v", data)
	}
	if _, err := e.store.GetThread(e.ctx, gmailAccount, "t9"); err != nil {
		t.Errorf("fetched thread not cached: %v", err)
	}

	calls := len(e.gmail.GetThreadCalls)
	wantStatus(t, e.do(t, "GET", gmailBase+"/threads/t9", nil), http.StatusOK)
	if len(e.gmail.GetThreadCalls) != calls {
		t.Error("cached thread was fetched again")
	}
	wantStatus(t, e.do(t, "GET", gmailBase+"/threads/t9?refresh=true", nil), http.StatusOK)
	if len(e.gmail.GetThreadCalls) != calls+1 {
		t.Error("refresh did not fetch")
	}

	wantStatus(t, e.do(t, "GET", gmailBase+"/threads/missing", nil), http.StatusNotFound)
	wantStatus(t, e.do(t, "GET", gmailBase+"/threads/"+provider.LocalIDPrefix+"x", nil), http.StatusNotFound)
}

func TestGetThreadLoadsMissingBodies(t *testing.T) {
	e := newTestEnv(t, "")
	e.gmail.AddThread("t9", 50, "Listed", []string{folder.Inbox}, "m9")
	meta := testutil.NewThread(gmailAccount, "t9").WithLabels(folder.Inbox).WithMessages("m9").Build()
	meta.Messages[0].Text = ""
	err := e.store.Update(e.ctx, func(tx *store.Tx) error {
		return tx.PutThreadData(e.ctx, meta)
	})
	testutil.MustNoErr(t, err, "PutThreadData")

	w := e.do(t, "GET", gmailBase+"/threads/t9", nil)
	wantStatus(t, w, http.StatusOK)
	data := decode[provider.ThreadData](t, w)
	if len(data.Messages) != 1 || data.Messages[0].Text != "body of m9" {
		t.Fatalf("messages = %+v", data.Messages)
	}
	if got := e.gmail.ThreadFormats; len(got) != 1 || got[0] != "full" {
		t.Errorf("fetch formats = %v, want [full]", got)
	}

	wantStatus(t, e.do(t, "GET", gmailBase+"/threads/t9", nil), http.StatusOK)
	if len(e.gmail.ThreadFormats) != 1 {
		t.Error("thread with cached bodies was fetched again")
	}
}

func TestThreadActions(t *testing.T) {
	e := newTestEnv(t, "")
	e.seedGmail(t)

	wantStatus(t, e.do(t, "POST", gmailBase+"/threads/t1/star", nil), http.StatusNoContent)
	th, err := e.store.GetThread(e.ctx, gmailAccount, "t1")
	testutil.MustNoErr(t, err, "GetThread")
	if !th.HasLabel(folder.Starred) {
		t.Errorf("labels after star = %v", th.Labels)
	}

	wantStatus(t, e.do(t, "POST", gmailBase+"/threads/t1/archive", nil), http.StatusNoContent)
	th, err = e.store.GetThread(e.ctx, gmailAccount, "t1")
	testutil.MustNoErr(t, err, "GetThread")
	if th.HasLabel(folder.Inbox) {
		t.Errorf("labels after archive = %v", th.Labels)
	}

	wantStatus(t, e.do(t, "POST", gmailBase+"/threads/t1/explode", nil), http.StatusNotFound)
}

func TestThreadActionRemoteFailureRollsBack(t *testing.T) {
	e := newTestEnv(t, "")
	e.seedGmail(t)
	e.gmail.ModifyError = &provider.FetchError{Status: http.StatusInternalServerError, Op: "modify"}

	w := e.do(t, "POST", gmailBase+"/threads/t1/star", nil)
	wantStatus(t, w, http.StatusBadGateway)
	resp := decode[ErrorResponse](t, w)
	if resp.Error != "remote_error" || resp.Message == "" {
		t.Errorf("error response = %+v", resp)
	}
	th, err := e.store.GetThread(e.ctx, gmailAccount, "t1")
	testutil.MustNoErr(t, err, "GetThread")
	if th.HasLabel(folder.Starred) {
		t.Error("failed star was not rolled back")
	}
}

func TestModifyLabels(t *testing.T) {
	e := newTestEnv(t, "")
	e.seedGmail(t)

	w := e.do(t, "POST", gmailBase+"/threads/t1/labels", LabelsRequest{Add: []string{"Label_7"}, Remove: []string{folder.Unread}})
	wantStatus(t, w, http.StatusNoContent)
	th, err := e.store.GetThread(e.ctx, gmailAccount, "t1")
	testutil.MustNoErr(t, err, "GetThread")
	if !th.HasLabel("Label_7") || th.Unread {
		t.Errorf("thread after label change = %+v", th)
	}

	wantStatus(t, e.do(t, "POST", gmailBase+"/threads/t1/labels", LabelsRequest{}), http.StatusBadRequest)
}

func TestAttachmentDownload(t *testing.T) {
	e := newTestEnv(t, "")
	e.seedGmail(t)
	e.gmail.Attachments["att1"] = []byte("%PDF-1.4")

	err := e.store.Update(e.ctx, func(tx *store.Tx) error {
		m, err := tx.GetMessage(e.ctx, gmailAccount, "m1")
		if err != nil {
			return err
		}
		m.Attachments = []provider.Attachment{{AttachmentID: "att1", MimeType: "application/pdf", Filename: "q3.pdf", Size: 8}}
		return tx.PutMessage(e.ctx, *m)
	})
	testutil.MustNoErr(t, err, "attach")

	w := e.do(t, "GET", gmailBase+"/messages/m1/attachments/att1", nil)
	wantStatus(t, w, http.StatusOK)
	if got := w.Body.String(); got != "%PDF-1.4" {
		t.Errorf("body = %q", got)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); cd != `attachment; filename="q3.pdf"` {
		t.Errorf("Content-Disposition = %q", cd)
	}

	wantStatus(t, e.do(t, "GET", gmailBase+"/messages/m1/attachments/other", nil), http.StatusNotFound)
	wantStatus(t, e.do(t, "GET", gmailBase+"/messages/nope/attachments/att1", nil), http.StatusNotFound)
}

func TestDraftLifecycle(t *testing.T) {
	e := newTestEnv(t, "")

	w := e.do(t, "POST", gmailBase+"/drafts", ComposeRequest{Subject: "Lunch?"})
	wantStatus(t, w, http.StatusCreated)
	d := decode[provider.Draft](t, w)
	if !provider.IsLocalID(d.ID) || d.Status != provider.DraftActive {
		t.Fatalf("created draft = %+v", d)
	}
	path := gmailBase + "/drafts/" + d.ID

	wantStatus(t, e.do(t, "POST", path+"/send", nil), http.StatusBadRequest)

	to := "friend@example.com"
	w = e.do(t, "PATCH", path, EditRequest{To: &to})
	wantStatus(t, w, http.StatusOK)
	if got := decode[provider.Draft](t, w); got.To != to || got.Subject != "Lunch?" {
		t.Errorf("edited draft = %+v", got)
	}

	w = e.do(t, "POST", path+"/save", nil)
	wantStatus(t, w, http.StatusOK)
	if saved := decode[provider.Draft](t, w); saved.RemoteID == "" {
		t.Errorf("saved draft has no remote id: %+v", saved)
	}

	w = e.do(t, "GET", gmailBase+"/drafts", nil)
	wantStatus(t, w, http.StatusOK)
	if drafts := decode[map[string][]provider.Draft](t, w)["drafts"]; len(drafts) != 1 {
		t.Errorf("active drafts = %d, want 1", len(drafts))
	}

	w = e.do(t, "POST", path+"/send", nil)
	wantStatus(t, w, http.StatusOK)
	if len(e.gmail.SentDrafts) != 1 {
		t.Errorf("sent drafts = %v", e.gmail.SentDrafts)
	}

	wantStatus(t, e.do(t, "POST", path+"/save", nil), http.StatusConflict)

	w = e.do(t, "GET", gmailBase+"/drafts?status=sent", nil)
	wantStatus(t, w, http.StatusOK)
	if drafts := decode[map[string][]provider.Draft](t, w)["drafts"]; len(drafts) != 1 {
		t.Errorf("sent drafts listed = %d, want 1", len(drafts))
	}
}

func TestSendMessageWithoutDraft(t *testing.T) {
	e := newTestEnv(t, "")

	w := e.do(t, "POST", gmailBase+"/messages/send", ComposeRequest{To: "friend@example.com", Subject: "Quick note", HTML: "<p>hi</p>"})
	wantStatus(t, w, http.StatusOK)
	if len(e.gmail.SentMessages) != 1 || len(e.gmail.DraftCalls) != 0 {
		t.Errorf("sent = %d, draft calls = %v", len(e.gmail.SentMessages), e.gmail.DraftCalls)
	}

	wantStatus(t, e.do(t, "POST", gmailBase+"/messages/send", ComposeRequest{Subject: "nobody"}), http.StatusBadRequest)
}

func TestDiscardDraft(t *testing.T) {
	e := newTestEnv(t, "")

	w := e.do(t, "POST", gmailBase+"/drafts", ComposeRequest{To: "a@example.com", Subject: "Never mind"})
	wantStatus(t, w, http.StatusCreated)
	d := decode[provider.Draft](t, w)

	wantStatus(t, e.do(t, "DELETE", gmailBase+"/drafts/"+d.ID, nil), http.StatusNoContent)
	got, err := e.store.GetDraft(e.ctx, d.ID)
	testutil.MustNoErr(t, err, "GetDraft")
	if got.Status == provider.DraftActive {
		t.Errorf("discarded draft still active")
	}
}

func TestDraftBelongsToAccount(t *testing.T) {
	e := newTestEnv(t, "")

	w := e.do(t, "POST", gmailBase+"/drafts", ComposeRequest{To: "a@example.com"})
	wantStatus(t, w, http.StatusCreated)
	d := decode[provider.Draft](t, w)

	wantStatus(t, e.do(t, "GET", gmailBase+"/drafts/"+d.ID, nil), http.StatusOK)
	wantStatus(t, e.do(t, "GET", "/api/v1/accounts/"+outlookAccount+"/drafts/"+d.ID, nil), http.StatusNotFound)
	wantStatus(t, e.do(t, "DELETE", "/api/v1/accounts/"+outlookAccount+"/drafts/"+d.ID, nil), http.StatusNotFound)
}

func TestContacts(t *testing.T) {
	e := newTestEnv(t, "")

	w := e.do(t, "POST", gmailBase+"/contacts", ContactRequest{Email: " Ada@Example.com ", Name: "Ada"})
	wantStatus(t, w, http.StatusCreated)
	wantStatus(t, e.do(t, "POST", gmailBase+"/contacts", ContactRequest{Name: "No Address"}), http.StatusBadRequest)

	w = e.do(t, "GET", gmailBase+"/contacts?q=ad", nil)
	wantStatus(t, w, http.StatusOK)
	contacts := decode[map[string][]provider.Contact](t, w)["contacts"]
	if len(contacts) != 1 || contacts[0].Email != "ada@example.com" || !contacts[0].Saved {
		t.Errorf("contacts = %+v", contacts)
	}

	w = e.do(t, "GET", "/api/v1/accounts/"+outlookAccount+"/contacts?q=ad", nil)
	wantStatus(t, w, http.StatusOK)
	if contacts := decode[map[string][]provider.Contact](t, w)["contacts"]; len(contacts) != 0 {
		t.Errorf("contacts leaked across accounts: %+v", contacts)
	}
}

func TestFailMapsErrors(t *testing.T) {
	e := newTestEnv(t, "")
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", store.ErrNotFound, http.StatusNotFound, "not_found"},
		{"sign in", provider.ErrSignInRequired, http.StatusUnauthorized, "sign_in_required"},
		{"remote", &mutation.RemoteError{Op: "archive", Err: errors.New("503")}, http.StatusBadGateway, "remote_error"},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			e.srv.fail(w, tt.err, "archive")
			wantStatus(t, w, tt.status)
			if resp := decode[ErrorResponse](t, w); resp.Error != tt.code {
				t.Errorf("code = %q, want %q", resp.Error, tt.code)
			}
		})
	}
}

func TestThreadActionsCoverMutations(t *testing.T) {
	want := []string{"archive", "delete", "read", "star", "trash", "unread", "unstar"}
	var got []string
	for name := range threadActions {
		got = append(got, name)
	}
	slices.Sort(got)
	testutil.AssertStrings(t, got, want...)
}
