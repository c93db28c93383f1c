package gmail

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/wesm/mailsync/internal/folder"
	"github.com/wesm/mailsync/internal/mime"
	"github.com/wesm/mailsync/internal/provider"
)

const testAccount = "me@example.com"

func newTestAdapter() (*Adapter, *MockAPI) {
	api := NewMockAPI(testAccount)
	return NewAdapter(api, testAccount, nil), api
}

func TestListChangesSinceAdvancesToNewestRecord(t *testing.T) {
	a, api := newTestAdapter()
	api.AddThread("t1", 90, "hello", []string{"INBOX"})
	api.AddHistoryPage(MessageAdded(105, "t1", "m2"))
	api.HistoryID = 0 // force the checkpoint to come from the records

	changes, err := a.ListChangesSince(context.Background(), provider.GmailCheckpoint(100))
	if err != nil {
		t.Fatalf("ListChangesSince: %v", err)
	}
	if diff := cmp.Diff([]string{"t1"}, changes.ChangedThreadIDs); diff != "" {
		t.Errorf("ChangedThreadIDs mismatch (-want +got):\n%s", diff)
	}
	if changes.NewCheckpoint.HistoryID != 105 {
		t.Errorf("NewCheckpoint = %d, want 105", changes.NewCheckpoint.HistoryID)
	}
	if changes.FirstChange["t1"] != 105 {
		t.Errorf("FirstChange[t1] = %d, want 105", changes.FirstChange["t1"])
	}
	if got := api.HistoryCalls; len(got) != 1 || got[0] != 100 {
		t.Errorf("HistoryCalls = %v, want [100]", got)
	}
}

func TestListChangesSinceMultiplePages(t *testing.T) {
	a, api := newTestAdapter()
	api.AddHistoryPage(MessageAdded(101, "t1", "m1"), MessageAdded(102, "t2", "m2"))
	api.AddHistoryPage(MessageAdded(103, "t1", "m3"), &gmailv1.History{
		Id:            104,
		LabelsRemoved: []*gmailv1.HistoryLabelRemoved{{Message: &gmailv1.Message{Id: "m4", ThreadId: "t3"}}},
	})

	changes, err := a.ListChangesSince(context.Background(), provider.GmailCheckpoint(100))
	if err != nil {
		t.Fatalf("ListChangesSince: %v", err)
	}
	if diff := cmp.Diff([]string{"t1", "t2", "t3"}, changes.ChangedThreadIDs); diff != "" {
		t.Errorf("ChangedThreadIDs mismatch (-want +got):\n%s", diff)
	}
	want := map[string]uint64{"t1": 101, "t2": 102, "t3": 104}
	if diff := cmp.Diff(want, changes.FirstChange); diff != "" {
		t.Errorf("FirstChange mismatch (-want +got):\n%s", diff)
	}
	if changes.NewCheckpoint.HistoryID != 104 {
		t.Errorf("NewCheckpoint = %d, want 104", changes.NewCheckpoint.HistoryID)
	}
}

func TestListChangesSinceExpired(t *testing.T) {
	a, api := newTestAdapter()
	api.HistoryExpired = true

	_, err := a.ListChangesSince(context.Background(), provider.GmailCheckpoint(5))
	if !errors.Is(err, provider.ErrChangesUnavailable) {
		t.Fatalf("err = %v, want ErrChangesUnavailable", err)
	}

	_, err = a.ListChangesSince(context.Background(), provider.Checkpoint{Kind: provider.Google})
	if !errors.Is(err, provider.ErrChangesUnavailable) {
		t.Errorf("zero checkpoint err = %v, want ErrChangesUnavailable", err)
	}
}

func TestListThreadPageFolders(t *testing.T) {
	a, api := newTestAdapter()
	api.PageSize = 2
	api.AddThread("t1", 1, "a", []string{"INBOX", "UNREAD"})
	api.AddThread("t2", 2, "b", []string{"INBOX"})
	api.AddThread("t3", 3, "c", []string{"INBOX"})
	api.AddThread("t4", 4, "d", []string{"SENT"})
	api.AddThread("t5", 5, "e", []string{"DRAFT"})
	api.AddThread("t6", 6, "f", []string{"TRASH"})

	ctx := context.Background()
	page, err := a.ListThreadPage(ctx, provider.Target{Folder: folder.Inbox}, "")
	if err != nil {
		t.Fatalf("ListThreadPage: %v", err)
	}
	if len(page.ThreadRefs) != 2 || page.NextCursor == "" {
		t.Fatalf("first page = %+v", page)
	}
	page, err = a.ListThreadPage(ctx, provider.Target{Folder: folder.Inbox}, page.NextCursor)
	if err != nil {
		t.Fatalf("ListThreadPage second: %v", err)
	}
	if len(page.ThreadRefs) != 1 || page.ThreadRefs[0].ID != "t3" || page.NextCursor != "" {
		t.Errorf("second page = %+v", page)
	}

	page, err = a.ListThreadPage(ctx, provider.Target{Folder: folder.Done}, "")
	if err != nil {
		t.Fatalf("ListThreadPage done: %v", err)
	}
	if len(page.ThreadRefs) != 1 || page.ThreadRefs[0].ID != "t4" {
		t.Errorf("done page = %+v", page)
	}
	last := api.ListCalls[len(api.ListCalls)-1]
	if last.Query != doneQuery || len(last.LabelIDs) != 0 {
		t.Errorf("done listing call = %+v", last)
	}
}

func TestFetchThreadConvertsLabelsAndBodies(t *testing.T) {
	a, api := newTestAdapter()
	th := api.AddThread("t1", 42, "Quarterly", []string{"INBOX", "UNREAD", "Label_7"}, "m1", "m2")
	th.Messages[1].LabelIds = []string{"INBOX", "STARRED"}
	th.Messages[1].Payload = &gmailv1.MessagePart{
		MimeType: "multipart/mixed",
		Headers:  []*gmailv1.MessagePartHeader{{Name: "From", Value: "Bob <bob@example.com>"}},
		Parts: []*gmailv1.MessagePart{
			{MimeType: "text/html", Body: &gmailv1.MessagePartBody{Data: mime.EncodeBase64URL([]byte("<p>hi</p>"))}},
			{MimeType: "application/pdf", Filename: "report.pdf", Body: &gmailv1.MessagePartBody{AttachmentId: "A1", Size: 1234}},
		},
	}

	data, err := a.FetchThread(context.Background(), "t1", provider.FormatFull)
	if err != nil {
		t.Fatalf("FetchThread: %v", err)
	}
	want := []string{"INBOX", "Label_7", "STARRED", "UNREAD"}
	if diff := cmp.Diff(want, data.Thread.Labels); diff != "" {
		t.Errorf("thread labels mismatch (-want +got):\n%s", diff)
	}
	if !data.Thread.Unread || !data.Thread.HasAttachments {
		t.Errorf("thread flags = unread %v attachments %v", data.Thread.Unread, data.Thread.HasAttachments)
	}
	if data.Thread.Subject != "Quarterly" || data.Thread.From != "Bob <bob@example.com>" {
		t.Errorf("subject/from = %q / %q", data.Thread.Subject, data.Thread.From)
	}
	if got := data.Messages[0].Text; got != "body of m1" {
		t.Errorf("message text = %q", got)
	}
	m2 := data.Messages[1]
	if m2.HTML != "<p>hi</p>" {
		t.Errorf("message html = %q", m2.HTML)
	}
	wantAtt := []provider.Attachment{{AttachmentID: "A1", MimeType: "application/pdf", Filename: "report.pdf", Size: 1234}}
	if diff := cmp.Diff(wantAtt, m2.Attachments); diff != "" {
		t.Errorf("attachments mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchThreadSynthesizesDone(t *testing.T) {
	a, api := newTestAdapter()
	api.AddThread("t1", 1, "archived", []string{"CATEGORY_UPDATES"})

	data, err := a.FetchThread(context.Background(), "t1", provider.FormatMetadata)
	if err != nil {
		t.Fatalf("FetchThread: %v", err)
	}
	if diff := cmp.Diff([]string{"CATEGORY_UPDATES", folder.Done}, data.Thread.Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchThreadNotFound(t *testing.T) {
	a, _ := newTestAdapter()
	_, err := a.FetchThread(context.Background(), "missing", provider.FormatFull)
	if !provider.IsNotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestModifyLabelsTranslatesCanonicalIDs(t *testing.T) {
	a, api := newTestAdapter()
	api.AddThread("t1", 1, "x", []string{"INBOX"})

	if err := a.ModifyLabels(context.Background(), "t1", []string{folder.Done, folder.Starred}, []string{folder.Inbox}); err != nil {
		t.Fatalf("ModifyLabels: %v", err)
	}
	want := []ModifyCall{{ThreadID: "t1", Add: []string{"STARRED"}, Remove: []string{"INBOX"}}}
	if diff := cmp.Diff(want, api.ModifyCalls); diff != "" {
		t.Errorf("ModifyCalls mismatch (-want +got):\n%s", diff)
	}

	if err := a.ModifyLabels(context.Background(), "t1", []string{folder.Done}, nil); err != nil {
		t.Fatalf("ModifyLabels done only: %v", err)
	}
	if len(api.ModifyCalls) != 1 {
		t.Errorf("DONE-only change reached the API: %+v", api.ModifyCalls)
	}
}

func TestSaveDraftAndListDrafts(t *testing.T) {
	a, api := newTestAdapter()
	ctx := context.Background()

	d := provider.Draft{
		ID:       "local-1",
		ThreadID: "local-thread-1",
		To:       "Alice <alice@example.com>",
		Subject:  "Plans",
		HTML:     "<p>See you</p>",
	}
	saved, err := a.SaveDraft(ctx, d)
	if err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}
	if saved.RemoteID == "" || saved.MessageID == "" || saved.ThreadID == "" || provider.IsLocalID(saved.ThreadID) {
		t.Fatalf("saved = %+v", saved)
	}

	d.RemoteID = saved.RemoteID
	d.Subject = "Plans v2"
	if _, err := a.SaveDraft(ctx, d); err != nil {
		t.Fatalf("SaveDraft update: %v", err)
	}
	if diff := cmp.Diff([]string{"create", "update " + saved.RemoteID}, api.DraftCalls); diff != "" {
		t.Errorf("DraftCalls mismatch (-want +got):\n%s", diff)
	}

	drafts, err := a.ListDrafts(ctx)
	if err != nil {
		t.Fatalf("ListDrafts: %v", err)
	}
	if len(drafts) != 1 {
		t.Fatalf("drafts = %d, want 1", len(drafts))
	}
	got := drafts[0]
	if got.RemoteID != saved.RemoteID || got.Subject != "Plans v2" || got.To != "Alice <alice@example.com>" {
		t.Errorf("listed draft = %+v", got)
	}
	if got.HTML != "<p>See you</p>" {
		t.Errorf("listed html = %q", got.HTML)
	}
}

func TestDeleteDraftMissingIsNotError(t *testing.T) {
	a, _ := newTestAdapter()
	if err := a.DeleteDraft(context.Background(), "gone"); err != nil {
		t.Errorf("DeleteDraft: %v", err)
	}
}

func TestMarkRead(t *testing.T) {
	a, api := newTestAdapter()
	api.AddThread("t1", 1, "x", []string{"INBOX", "UNREAD"})

	if err := a.MarkRead(context.Background(), "t1", true); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	data, err := a.FetchThread(context.Background(), "t1", provider.FormatMetadata)
	if err != nil {
		t.Fatalf("FetchThread: %v", err)
	}
	if data.Thread.Unread {
		t.Error("thread still unread")
	}
}
