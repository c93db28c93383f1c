package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/wesm/mailsync/internal/folder"
	"github.com/wesm/mailsync/internal/mime"
	"github.com/wesm/mailsync/internal/provider"
)

const (
	// PageSize is the number of threads requested per listing page.
	PageSize = 20

	// doneQuery selects archived mail; Gmail has no label for it.
	doneQuery = "-in:inbox -in:trash -in:draft"

	draftFetchConcurrency = 5
)

// Adapter binds a Gmail API to one account and implements provider.Adapter.
type Adapter struct {
	api     API
	account string
	logger  *slog.Logger
}

// NewAdapter returns an adapter for account backed by api.
func NewAdapter(api API, account string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{api: api, account: account, logger: logger.With("provider", "gmail", "account", account)}
}

// Kind returns provider.Google.
func (a *Adapter) Kind() provider.Kind { return provider.Google }

// Account returns the bound account email.
func (a *Adapter) Account() string { return a.account }

// API exposes the underlying client for settings calls.
func (a *Adapter) API() API { return a.api }

// Baseline returns a checkpoint at the mailbox's latest history id.
func (a *Adapter) Baseline(ctx context.Context) (provider.Checkpoint, error) {
	p, err := a.api.GetProfile(ctx)
	if err != nil {
		return provider.Checkpoint{}, err
	}
	return provider.GmailCheckpoint(p.HistoryId), nil
}

// ListThreadPage lists one page of threads for a folder or query.
func (a *Adapter) ListThreadPage(ctx context.Context, target provider.Target, cursor string) (*provider.ThreadPage, error) {
	var labels []string
	query := target.Query
	if query == "" && target.Folder != "" {
		if native := folder.ToNative(provider.Google, target.Folder); native != "" {
			labels = []string{native}
		} else if target.Folder == folder.Done {
			query = doneQuery
		} else {
			// Unknown ids are user labels and pass through.
			labels = []string{target.Folder}
		}
	}
	resp, err := a.api.ListThreads(ctx, labels, query, cursor, PageSize)
	if err != nil {
		return nil, err
	}
	page := &provider.ThreadPage{NextCursor: resp.NextPageToken}
	for _, th := range resp.Threads {
		if th == nil || th.Id == "" {
			continue
		}
		page.ThreadRefs = append(page.ThreadRefs, provider.ThreadRef{ID: th.Id, HistoryID: th.HistoryId})
	}
	return page, nil
}

// ListChangesSince pages through the history feed starting at cp. An
// expired history id yields provider.ErrChangesUnavailable.
func (a *Adapter) ListChangesSince(ctx context.Context, cp provider.Checkpoint) (*provider.Changes, error) {
	if cp.HistoryID == 0 {
		return nil, provider.ErrChangesUnavailable
	}
	changes := &provider.Changes{
		FirstChange:   make(map[string]uint64),
		NewCheckpoint: provider.GmailCheckpoint(cp.HistoryID),
	}
	note := func(threadID string, id uint64) {
		if threadID == "" {
			return
		}
		first, seen := changes.FirstChange[threadID]
		if !seen {
			changes.ChangedThreadIDs = append(changes.ChangedThreadIDs, threadID)
		}
		if !seen || (id != 0 && id < first) {
			changes.FirstChange[threadID] = id
		}
	}

	pageToken := ""
	for {
		resp, err := a.api.ListHistory(ctx, cp.HistoryID, pageToken)
		if err != nil {
			if IsHistoryExpired(err) {
				a.logger.Info("history expired", "start_history_id", cp.HistoryID)
				return nil, fmt.Errorf("%w: %w", provider.ErrChangesUnavailable, err)
			}
			return nil, err
		}
		for _, h := range resp.History {
			if h == nil {
				continue
			}
			for _, m := range h.MessagesAdded {
				if m.Message != nil {
					note(m.Message.ThreadId, h.Id)
				}
			}
			for _, m := range h.MessagesDeleted {
				if m.Message != nil {
					note(m.Message.ThreadId, h.Id)
				}
			}
			for _, m := range h.LabelsAdded {
				if m.Message != nil {
					note(m.Message.ThreadId, h.Id)
				}
			}
			for _, m := range h.LabelsRemoved {
				if m.Message != nil {
					note(m.Message.ThreadId, h.Id)
				}
			}
			if h.Id > changes.NewCheckpoint.HistoryID {
				changes.NewCheckpoint.HistoryID = h.Id
			}
		}
		if resp.HistoryId > changes.NewCheckpoint.HistoryID {
			changes.NewCheckpoint.HistoryID = resp.HistoryId
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return changes, nil
}

// FetchThread fetches and converts one thread.
func (a *Adapter) FetchThread(ctx context.Context, id string, format provider.Format) (*provider.ThreadData, error) {
	th, err := a.api.GetThread(ctx, id, string(format))
	if err != nil {
		return nil, err
	}
	if th == nil {
		return nil, &provider.FetchError{Op: "GetThread " + id, Status: http.StatusNotFound, Reason: "empty response"}
	}
	return convertThread(a.account, th), nil
}

// ModifyLabels applies canonical or raw label changes to a thread. DONE
// is not a Gmail label; archiving is expressed by removing INBOX.
func (a *Adapter) ModifyLabels(ctx context.Context, threadID string, add, remove []string) error {
	nativeAdd, nativeRemove := toNativeLabels(add), toNativeLabels(remove)
	if len(nativeAdd) == 0 && len(nativeRemove) == 0 {
		return nil
	}
	return a.api.ModifyThread(ctx, threadID, nativeAdd, nativeRemove)
}

func toNativeLabels(ids []string) []string {
	var out []string
	for _, id := range ids {
		if id == folder.Done {
			continue
		}
		if n := folder.ToNative(provider.Google, id); n != "" {
			out = append(out, n)
			continue
		}
		out = append(out, id)
	}
	return out
}

// TrashThread moves a thread to trash.
func (a *Adapter) TrashThread(ctx context.Context, threadID string) error {
	return a.api.TrashThread(ctx, threadID)
}

// DeleteThread permanently deletes a thread.
func (a *Adapter) DeleteThread(ctx context.Context, threadID string) error {
	return a.api.DeleteThread(ctx, threadID)
}

// MarkRead toggles the UNREAD label on every message of the thread.
func (a *Adapter) MarkRead(ctx context.Context, threadID string, read bool) error {
	if read {
		return a.api.ModifyThread(ctx, threadID, nil, []string{folder.Unread})
	}
	return a.api.ModifyThread(ctx, threadID, []string{folder.Unread}, nil)
}

// ListDrafts returns every remote draft with its content.
func (a *Adapter) ListDrafts(ctx context.Context) ([]provider.RemoteDraft, error) {
	var ids []string
	pageToken := ""
	for {
		resp, err := a.api.ListDrafts(ctx, pageToken)
		if err != nil {
			return nil, err
		}
		for _, d := range resp.Drafts {
			if d != nil && d.Id != "" {
				ids = append(ids, d.Id)
			}
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	out := make([]provider.RemoteDraft, len(ids))
	found := make([]bool, len(ids))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(draftFetchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			d, err := a.api.GetDraft(gctx, id, "raw")
			if err != nil {
				if provider.IsNotFound(err) {
					return nil
				}
				return err
			}
			rd, err := convertDraft(d)
			if err != nil {
				a.logger.Warn("skipping undecodable draft", "draft_id", id, "error", err)
				return nil
			}
			mu.Lock()
			out[i], found[i] = *rd, true
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	drafts := out[:0]
	for i := range out {
		if found[i] {
			drafts = append(drafts, out[i])
		}
	}
	return drafts, nil
}

// SaveDraft creates or updates a remote draft from d.
func (a *Adapter) SaveDraft(ctx context.Context, d provider.Draft) (*provider.RemoteDraft, error) {
	raw, err := mime.Compose(outgoing(a.account, d))
	if err != nil {
		return nil, fmt.Errorf("compose draft: %w", err)
	}
	threadID := d.ThreadID
	if provider.IsLocalID(threadID) {
		threadID = ""
	}
	var saved *gmailv1.Draft
	if d.RemoteID == "" {
		saved, err = a.api.CreateDraft(ctx, raw, threadID)
	} else {
		saved, err = a.api.UpdateDraft(ctx, d.RemoteID, raw, threadID)
	}
	if err != nil {
		return nil, err
	}
	rd := &provider.RemoteDraft{
		RemoteID:  saved.Id,
		To:        d.To,
		Cc:        d.Cc,
		Bcc:       d.Bcc,
		Subject:   d.Subject,
		HTML:      d.HTML,
		UpdatedAt: d.UpdatedAt,
	}
	if saved.Message != nil {
		rd.MessageID = saved.Message.Id
		rd.ThreadID = saved.Message.ThreadId
	}
	return rd, nil
}

func outgoing(account string, d provider.Draft) mime.Outgoing {
	o := mime.Outgoing{
		From:    account,
		Subject: d.Subject,
		HTML:    d.HTML,
		Date:    d.UpdatedAt,
	}
	if d.To != "" {
		o.To = []string{d.To}
	}
	if d.Cc != "" {
		o.Cc = []string{d.Cc}
	}
	if d.Bcc != "" {
		o.Bcc = []string{d.Bcc}
	}
	if d.InReplyTo != "" {
		o.InReplyTo = d.InReplyTo
		o.References = []string{d.InReplyTo}
	}
	return o
}

// DeleteDraft deletes a remote draft. A draft that is already gone is
// not an error.
func (a *Adapter) DeleteDraft(ctx context.Context, remoteID string) error {
	err := a.api.DeleteDraft(ctx, remoteID)
	if provider.IsNotFound(err) {
		return nil
	}
	return err
}

// SendDraft sends a saved remote draft.
func (a *Adapter) SendDraft(ctx context.Context, remoteID string) error {
	_, err := a.api.SendDraft(ctx, remoteID)
	return err
}

// SendMessage composes d and sends it directly, skipping the drafts
// collection.
func (a *Adapter) SendMessage(ctx context.Context, d provider.Draft) error {
	raw, err := mime.Compose(outgoing(a.account, d))
	if err != nil {
		return fmt.Errorf("compose message: %w", err)
	}
	threadID := d.ThreadID
	if provider.IsLocalID(threadID) {
		threadID = ""
	}
	_, err = a.api.SendMessage(ctx, raw, threadID)
	return err
}

// GetAttachment downloads attachment content.
func (a *Adapter) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	return a.api.GetAttachment(ctx, messageID, attachmentID)
}

// CreateForwardingAddress registers email as a forwarding address and
// returns its verification status.
func (a *Adapter) CreateForwardingAddress(ctx context.Context, email string) (string, error) {
	fa, err := a.api.CreateForwardingAddress(ctx, email)
	if err != nil {
		var fe *provider.FetchError
		if errors.As(err, &fe) && fe.Status == http.StatusConflict {
			return "accepted", nil
		}
		return "", err
	}
	return fa.VerificationStatus, nil
}

// Watch starts push notifications for the inbox on a Pub/Sub topic and
// returns when the watch expires.
func (a *Adapter) Watch(ctx context.Context, topic string) (time.Time, error) {
	resp, err := a.api.Watch(ctx, topic, []string{"INBOX"})
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(resp.Expiration).UTC(), nil
}

// StopWatch ends push notifications.
func (a *Adapter) StopWatch(ctx context.Context) error {
	return a.api.StopWatch(ctx)
}

var _ provider.Adapter = (*Adapter)(nil)
