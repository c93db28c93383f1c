package outlook

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wesm/mailsync/internal/folder"
	"github.com/wesm/mailsync/internal/provider"
)

const testAccount = "me@outlook.example"

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestAdapter() (*Adapter, *MockAPI) {
	api := NewMockAPI()
	a := NewAdapter(api, testAccount, nil)
	a.now = func() time.Time { return t0.Add(time.Hour) }
	return a, api
}

func TestListThreadPageDedupesConversations(t *testing.T) {
	a, api := newTestAdapter()
	for i := range 25 {
		conv := "c" + string(rune('a'+i%12))
		api.AddMessage("m"+string(rune('a'+i)), conv, "inbox", "s", t0.Add(time.Duration(i)*time.Minute), true)
	}

	ctx := context.Background()
	page, err := a.ListThreadPage(ctx, provider.Target{Folder: folder.Inbox}, "")
	if err != nil {
		t.Fatalf("ListThreadPage: %v", err)
	}
	if page.NextCursor == "" {
		t.Fatal("expected a next link")
	}
	if len(page.ThreadRefs) != 12 {
		t.Errorf("thread refs = %d, want 12 distinct conversations", len(page.ThreadRefs))
	}

	page, err = a.ListThreadPage(ctx, provider.Target{Folder: folder.Inbox}, page.NextCursor)
	if err != nil {
		t.Fatalf("ListThreadPage next: %v", err)
	}
	if page.NextCursor != "" || len(page.ThreadRefs) != 5 {
		t.Errorf("second page = %+v", page)
	}
	if len(api.NextLinks) != 1 {
		t.Errorf("next links followed = %v", api.NextLinks)
	}
}

func TestListThreadPageStarredUsesFlagFilter(t *testing.T) {
	a, api := newTestAdapter()
	if _, err := a.ListThreadPage(context.Background(), provider.Target{Folder: folder.Starred}, ""); err != nil {
		t.Fatalf("ListThreadPage: %v", err)
	}
	q := api.ListCalls[0]
	if !q.Flagged || q.Folder != "" {
		t.Errorf("query = %+v, want flagged across all mail", q)
	}
}

func TestListThreadPageTranslatesQuery(t *testing.T) {
	tests := []struct {
		query      string
		wantSearch string
	}{
		{"budget", "budget"},
		{"from:Boss@Example.com has:attachment", "from:boss@example.com hasAttachments:true"},
		{"newer_than:1d", "received>=2024-04-30"},
		{"label:Work", ""},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			a, api := newTestAdapter()
			if _, err := a.ListThreadPage(context.Background(), provider.Target{Query: tt.query}, ""); err != nil {
				t.Fatalf("ListThreadPage: %v", err)
			}
			q := api.ListCalls[0]
			if q.Search != tt.wantSearch {
				t.Errorf("search = %q, want %q", q.Search, tt.wantSearch)
			}
			if q.Newest != (tt.wantSearch == "") {
				t.Errorf("newest = %v with search %q", q.Newest, q.Search)
			}
		})
	}
}

func TestBaselineAndChanges(t *testing.T) {
	a, api := newTestAdapter()
	api.AddMessage("m1", "c1", "inbox", "old", t0, true)
	ctx := context.Background()

	cp, err := a.Baseline(ctx)
	if err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	if got := cp.Folders[folder.Inbox].Watermark; !got.Equal(t0) {
		t.Errorf("inbox watermark = %v, want %v", got, t0)
	}
	if got := cp.Folders[folder.Sent].Watermark; !got.Equal(t0.Add(time.Hour)) {
		t.Errorf("empty folder watermark = %v, want now", got)
	}

	api.AddMessage("m2", "c2", "inbox", "new", t0.Add(5*time.Minute), false)
	api.AddMessage("m3", "c1", "inbox", "reply", t0.Add(6*time.Minute), false)

	changes, err := a.ListChangesSince(ctx, cp)
	if err != nil {
		t.Fatalf("ListChangesSince: %v", err)
	}
	got := slices.Sorted(slices.Values(changes.ChangedThreadIDs))
	if diff := cmp.Diff([]string{"c1", "c2"}, got); diff != "" {
		t.Errorf("changed threads mismatch (-want +got):\n%s", diff)
	}
	if w := changes.NewCheckpoint.Folders[folder.Inbox].Watermark; !w.Equal(t0.Add(6 * time.Minute)) {
		t.Errorf("new inbox watermark = %v", w)
	}
	if cp.Advance(changes.NewCheckpoint).Compare(cp) != 1 {
		t.Error("advanced checkpoint is not newer")
	}
}

func TestListChangesSinceIncludesWatermarkSecond(t *testing.T) {
	a, api := newTestAdapter()
	api.AddMessage("m1", "c1", "inbox", "first", t0, true)
	ctx := context.Background()
	cp, err := a.Baseline(ctx)
	if err != nil {
		t.Fatalf("Baseline: %v", err)
	}

	api.AddMessage("m2", "c2", "inbox", "same second", t0, false)
	changes, err := a.ListChangesSince(ctx, cp)
	if err != nil {
		t.Fatalf("ListChangesSince: %v", err)
	}
	if !slices.Contains(changes.ChangedThreadIDs, "c2") {
		t.Errorf("changed threads = %v, want c2 included", changes.ChangedThreadIDs)
	}
	if w := changes.NewCheckpoint.Folders[folder.Inbox].Watermark; !w.Equal(t0) {
		t.Errorf("new inbox watermark = %v, want %v", w, t0)
	}
}

func TestListChangesSinceZeroCheckpoint(t *testing.T) {
	a, _ := newTestAdapter()
	_, err := a.ListChangesSince(context.Background(), provider.Checkpoint{Kind: provider.Outlook})
	if !errors.Is(err, provider.ErrChangesUnavailable) {
		t.Errorf("err = %v, want ErrChangesUnavailable", err)
	}
}

func TestFetchThreadFullWithAttachments(t *testing.T) {
	a, api := newTestAdapter()
	api.AddMessage("m2", "c1", "sentitems", "Re: Plans", t0.Add(time.Minute), true)
	api.AddMessage("m1", "c1", "inbox", "Plans", t0, false)
	api.AddAttachment("m1", "att-1", "plan.pdf", "application/pdf", []byte("%PDF"))

	data, err := a.FetchThread(context.Background(), "c1", provider.FormatFull)
	if err != nil {
		t.Fatalf("FetchThread: %v", err)
	}
	if data.Thread.Subject != "Plans" || len(data.Messages) != 2 || data.Messages[0].ID != "m1" {
		t.Fatalf("thread = %+v", data.Thread)
	}
	if diff := cmp.Diff([]string{folder.Inbox, folder.Sent, folder.Unread}, data.Thread.Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	if !data.Thread.Unread || !data.Thread.HasAttachments {
		t.Errorf("flags unread=%v attachments=%v", data.Thread.Unread, data.Thread.HasAttachments)
	}
	want := []provider.Attachment{{AttachmentID: "att-1", MimeType: "application/pdf", Filename: "plan.pdf", Size: 4}}
	if diff := cmp.Diff(want, data.Messages[0].Attachments); diff != "" {
		t.Errorf("attachments mismatch (-want +got):\n%s", diff)
	}
	if data.Messages[0].HTML != "<p>body of m1</p>" || data.Messages[0].Text != "body of m1" {
		t.Errorf("bodies = %q / %q", data.Messages[0].HTML, data.Messages[0].Text)
	}

	content, err := a.GetAttachment(context.Background(), "m1", "att-1")
	if err != nil || string(content) != "%PDF" {
		t.Errorf("GetAttachment = %q, %v", content, err)
	}
}

func TestFetchThreadMissing(t *testing.T) {
	a, _ := newTestAdapter()
	_, err := a.FetchThread(context.Background(), "nope", provider.FormatMetadata)
	if !provider.IsNotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestModifyLabels(t *testing.T) {
	tests := []struct {
		name       string
		add        []string
		remove     []string
		wantLabels []string
		wantMoves  int
	}{
		{"archive", nil, []string{folder.Inbox}, []string{folder.Done}, 2},
		{"star", []string{folder.Starred}, nil, []string{folder.Inbox, folder.Starred}, 0},
		{"trash", []string{folder.Trash}, []string{folder.Inbox}, []string{folder.Trash}, 2},
		{"category", []string{"Travel"}, nil, []string{folder.Inbox, "Travel"}, 0},
		{"mark unread", []string{folder.Unread}, nil, []string{folder.Inbox, folder.Unread}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, api := newTestAdapter()
			api.AddMessage("m1", "c1", "inbox", "x", t0, true)
			api.AddMessage("m2", "c1", "inbox", "x", t0.Add(time.Minute), true)
			ctx := context.Background()

			if err := a.ModifyLabels(ctx, "c1", tt.add, tt.remove); err != nil {
				t.Fatalf("ModifyLabels: %v", err)
			}
			data, err := a.FetchThread(ctx, "c1", provider.FormatMetadata)
			if err != nil {
				t.Fatalf("FetchThread: %v", err)
			}
			if diff := cmp.Diff(tt.wantLabels, data.Thread.Labels); diff != "" {
				t.Errorf("labels mismatch (-want +got):\n%s", diff)
			}
			if len(api.MoveCalls) != tt.wantMoves {
				t.Errorf("moves = %v, want %d", api.MoveCalls, tt.wantMoves)
			}
		})
	}
}

func TestDeleteThread(t *testing.T) {
	a, api := newTestAdapter()
	api.AddMessage("m1", "c1", "inbox", "x", t0, true)
	api.AddMessage("m2", "c1", "inbox", "x", t0, true)

	if err := a.DeleteThread(context.Background(), "c1"); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	if len(api.Messages) != 0 {
		t.Errorf("messages left = %d", len(api.Messages))
	}
}

func TestSaveDraftReplyAndSend(t *testing.T) {
	a, api := newTestAdapter()
	api.AddMessage("m1", "c1", "inbox", "Plans", t0, true)
	ctx := context.Background()

	saved, err := a.SaveDraft(ctx, provider.Draft{
		ID:        "local-1",
		ReplyType: provider.Reply,
		InReplyTo: "m1",
		To:        "sender@example.com",
		Subject:   "RE: Plans",
		HTML:      "<p>ok</p>",
	})
	if err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}
	if saved.ThreadID != "c1" || saved.RemoteID == "" || saved.MessageID != saved.RemoteID {
		t.Errorf("saved = %+v", saved)
	}

	drafts, err := a.ListDrafts(ctx)
	if err != nil {
		t.Fatalf("ListDrafts: %v", err)
	}
	if len(drafts) != 1 || drafts[0].HTML != "<p>ok</p>" || drafts[0].To != "sender@example.com" {
		t.Errorf("drafts = %+v", drafts)
	}

	if err := a.SendDraft(ctx, saved.RemoteID); err != nil {
		t.Fatalf("SendDraft: %v", err)
	}
	if drafts, _ := a.ListDrafts(ctx); len(drafts) != 0 {
		t.Errorf("drafts after send = %d", len(drafts))
	}
}

func TestSaveDraftStandaloneThenUpdate(t *testing.T) {
	a, api := newTestAdapter()
	ctx := context.Background()

	d := provider.Draft{ID: "local-2", ThreadID: "local-t", Subject: "New", ReplyType: provider.Standalone}
	saved, err := a.SaveDraft(ctx, d)
	if err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}
	d.RemoteID, d.Subject = saved.RemoteID, "New v2"
	if _, err := a.SaveDraft(ctx, d); err != nil {
		t.Fatalf("SaveDraft update: %v", err)
	}
	if diff := cmp.Diff([]string{saved.RemoteID}, api.UpdateCalls); diff != "" {
		t.Errorf("update calls mismatch (-want +got):\n%s", diff)
	}
	if got := str(api.Messages[saved.RemoteID].GetSubject()); got != "New v2" {
		t.Errorf("subject = %q", got)
	}
}

func TestSubscribe(t *testing.T) {
	a, api := newTestAdapter()
	exp := t0.Add(48 * time.Hour)
	id, gotExp, err := a.Subscribe(context.Background(), "https://hooks.example/graph", "secret", exp)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if id == "" || !gotExp.Equal(exp) {
		t.Errorf("subscription = %q %v", id, gotExp)
	}
	if _, ok := api.Subscription[id]; !ok {
		t.Error("subscription not recorded")
	}
}
