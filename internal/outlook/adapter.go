package outlook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"golang.org/x/sync/errgroup"

	"github.com/wesm/mailsync/internal/folder"
	"github.com/wesm/mailsync/internal/provider"
	"github.com/wesm/mailsync/internal/search"
)

const (
	// PageSize is the number of messages requested per listing page.
	PageSize = 20

	changesPageSize       = 50
	attachmentConcurrency = 4
)

// TrackedFolders are the canonical folders followed by delta queries.
var TrackedFolders = []string{folder.Inbox, folder.Sent, folder.Drafts, folder.Done, folder.Spam, folder.Trash}

// Adapter binds a Graph API to one account and implements provider.Adapter.
type Adapter struct {
	api     API
	account string
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	folderIDs map[string]string // Graph folder id -> canonical id
}

// NewAdapter returns an adapter for account backed by api.
func NewAdapter(api API, account string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		api:     api,
		account: account,
		logger:  logger.With("provider", "outlook", "account", account),
		now:     time.Now,
	}
}

// Kind returns provider.Outlook.
func (a *Adapter) Kind() provider.Kind { return provider.Outlook }

// Account returns the bound account email.
func (a *Adapter) Account() string { return a.account }

// API exposes the underlying client for subscription calls.
func (a *Adapter) API() API { return a.api }

// folders resolves well-known folder ids once per adapter. Folders the
// mailbox does not have are skipped.
func (a *Adapter) folders(ctx context.Context) (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.folderIDs != nil {
		return a.folderIDs, nil
	}
	ids := make(map[string]string)
	for _, id := range TrackedFolders {
		f, err := a.api.GetFolder(ctx, folder.ToNative(provider.Outlook, id))
		if err != nil {
			if provider.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		ids[str(f.GetId())] = id
	}
	a.folderIDs = ids
	return ids, nil
}

func (a *Adapter) targetQuery(target provider.Target) MessageQuery {
	q := MessageQuery{Top: PageSize, Newest: true}
	switch {
	case target.Query != "":
		parsed := search.Parse(target.Query, a.now())
		if len(parsed.Unsupported) > 0 || parsed.Unread != nil {
			a.logger.Warn("search operators not supported by Graph, ignoring",
				"query", target.Query, "ignored", parsed.Unsupported)
		}
		if kql := parsed.KQL(); kql != "" {
			q.Search, q.Newest = kql, false
		}
	case target.Folder == folder.Starred:
		q.Flagged = true
	case target.Folder != "":
		q.Folder = folder.ToNative(provider.Outlook, target.Folder)
		if q.Folder == "" {
			q.Folder = target.Folder
		}
	}
	return q
}

// ListThreadPage lists one page of conversations. cursor is a Graph next
// link and is requested verbatim.
func (a *Adapter) ListThreadPage(ctx context.Context, target provider.Target, cursor string) (*provider.ThreadPage, error) {
	page, err := a.api.ListMessages(ctx, a.targetQuery(target), cursor)
	if err != nil {
		return nil, err
	}
	out := &provider.ThreadPage{NextCursor: page.NextLink}
	seen := make(map[string]bool)
	for _, m := range page.Messages {
		id := str(m.GetConversationId())
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out.ThreadRefs = append(out.ThreadRefs, provider.ThreadRef{ID: id})
	}
	return out, nil
}

// Baseline returns per-folder watermarks at each folder's newest message.
// Empty folders take the current time.
func (a *Adapter) Baseline(ctx context.Context) (provider.Checkpoint, error) {
	cp := provider.Checkpoint{Kind: provider.Outlook, Folders: make(map[string]provider.FolderCursor)}
	for _, id := range TrackedFolders {
		page, err := a.api.ListMessages(ctx, MessageQuery{Folder: folder.ToNative(provider.Outlook, id), Top: 1, Newest: true}, "")
		if err != nil {
			if provider.IsNotFound(err) {
				continue
			}
			return provider.Checkpoint{}, err
		}
		mark := a.now().UTC().Truncate(time.Second)
		if len(page.Messages) > 0 {
			mark = timeOf(page.Messages[0].GetReceivedDateTime())
		}
		cp.Folders[id] = provider.FolderCursor{Watermark: mark}
	}
	return cp, nil
}

// ListChangesSince finds conversations with messages received after each
// folder's watermark. Graph filters cannot express label edits, so those
// are picked up by full syncs.
func (a *Adapter) ListChangesSince(ctx context.Context, cp provider.Checkpoint) (*provider.Changes, error) {
	if cp.Kind != provider.Outlook || cp.IsZero() {
		return nil, provider.ErrChangesUnavailable
	}
	changes := &provider.Changes{
		NewCheckpoint: provider.Checkpoint{Kind: provider.Outlook, Folders: make(map[string]provider.FolderCursor)},
	}
	seen := make(map[string]bool)
	for _, id := range TrackedFolders {
		cur, ok := cp.Folders[id]
		if !ok || cur.Watermark.IsZero() {
			continue
		}
		mark := cur.Watermark
		q := MessageQuery{Folder: folder.ToNative(provider.Outlook, id), ReceivedSince: cur.Watermark, Top: changesPageSize}
		next := ""
		for {
			page, err := a.api.ListMessages(ctx, q, next)
			if err != nil {
				if provider.IsNotFound(err) {
					break
				}
				return nil, err
			}
			for _, m := range page.Messages {
				if t := timeOf(m.GetReceivedDateTime()); t.After(mark) {
					mark = t
				}
				conv := str(m.GetConversationId())
				if conv != "" && !seen[conv] {
					seen[conv] = true
					changes.ChangedThreadIDs = append(changes.ChangedThreadIDs, conv)
				}
			}
			if page.NextLink == "" {
				break
			}
			next = page.NextLink
		}
		changes.NewCheckpoint.Folders[id] = provider.FolderCursor{Watermark: mark}
	}
	return changes, nil
}

func (a *Adapter) conversation(ctx context.Context, id string, full bool) ([]models.Messageable, error) {
	var msgs []models.Messageable
	next := ""
	for {
		page, err := a.api.ListMessages(ctx, MessageQuery{ConversationID: id, Full: full, Top: changesPageSize}, next)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, page.Messages...)
		if page.NextLink == "" {
			break
		}
		next = page.NextLink
	}
	if len(msgs) == 0 {
		return nil, &provider.FetchError{Op: "conversation " + id, Status: http.StatusNotFound, Reason: "conversation has no messages"}
	}
	return msgs, nil
}

// FetchThread fetches a conversation. Full format also lists each
// message's attachments.
func (a *Adapter) FetchThread(ctx context.Context, id string, format provider.Format) (*provider.ThreadData, error) {
	folders, err := a.folders(ctx)
	if err != nil {
		return nil, err
	}
	full := format == provider.FormatFull
	msgs, err := a.conversation(ctx, id, full)
	if err != nil {
		return nil, err
	}
	data := convertConversation(a.account, id, msgs, folders)
	if !full {
		return data, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(attachmentConcurrency)
	for i, m := range msgs {
		if h := m.GetHasAttachments(); h == nil || !*h {
			continue
		}
		g.Go(func() error {
			atts, err := a.api.ListAttachments(gctx, data.Messages[i].ID)
			if err != nil {
				return err
			}
			data.Messages[i].Attachments = convertAttachments(atts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return data, nil
}

// ModifyLabels applies label changes to every message of a conversation.
// Folder ids move messages; STARRED flags; UNREAD toggles read state;
// anything else is a category.
func (a *Adapter) ModifyLabels(ctx context.Context, threadID string, add, remove []string) error {
	msgs, err := a.conversation(ctx, threadID, false)
	if err != nil {
		return err
	}
	dest := moveDestination(add, remove)
	for _, m := range msgs {
		id := str(m.GetId())
		if patch, ok := labelPatch(m, add, remove); ok {
			if _, err := a.api.UpdateMessage(ctx, id, patch); err != nil {
				return err
			}
		}
		if dest != "" {
			if _, err := a.api.MoveMessage(ctx, id, folder.ToNative(provider.Outlook, dest)); err != nil {
				return err
			}
		}
	}
	return nil
}

func isFolderID(id string) bool {
	return id != folder.Starred && folder.IsCanonical(id)
}

// moveDestination picks where a label change moves a conversation.
// Removing INBOX without a new folder archives; removing any other folder
// returns mail to INBOX.
func moveDestination(add, remove []string) string {
	for _, id := range add {
		if isFolderID(id) {
			return id
		}
	}
	for _, id := range remove {
		if id == folder.Inbox {
			return folder.Done
		}
		if isFolderID(id) {
			return folder.Inbox
		}
	}
	return ""
}

func labelPatch(m models.Messageable, add, remove []string) (models.Messageable, bool) {
	patch := models.NewMessage()
	changed := false

	flag := func(status models.FollowupFlagStatus) {
		f := models.NewFollowupFlag()
		f.SetFlagStatus(&status)
		patch.SetFlag(f)
		changed = true
	}
	read := func(v bool) {
		patch.SetIsRead(&v)
		changed = true
	}
	switch {
	case slices.Contains(add, folder.Starred):
		flag(models.FLAGGED_FOLLOWUPFLAGSTATUS)
	case slices.Contains(remove, folder.Starred):
		flag(models.NOTFLAGGED_FOLLOWUPFLAGSTATUS)
	}
	switch {
	case slices.Contains(add, folder.Unread):
		read(false)
	case slices.Contains(remove, folder.Unread):
		read(true)
	}

	cats := slices.Clone(m.GetCategories())
	before := len(cats)
	cats = slices.DeleteFunc(cats, func(c string) bool { return slices.Contains(remove, c) })
	removed := len(cats) != before
	added := false
	for _, id := range add {
		if id == folder.Unread || folder.IsCanonical(id) || slices.Contains(cats, id) {
			continue
		}
		cats = append(cats, id)
		added = true
	}
	if removed || added {
		if cats == nil {
			cats = []string{}
		}
		patch.SetCategories(cats)
		changed = true
	}
	return patch, changed
}

// TrashThread moves every message of the conversation to Deleted Items.
func (a *Adapter) TrashThread(ctx context.Context, threadID string) error {
	return a.ModifyLabels(ctx, threadID, []string{folder.Trash}, nil)
}

// DeleteThread permanently deletes every message of the conversation.
func (a *Adapter) DeleteThread(ctx context.Context, threadID string) error {
	msgs, err := a.conversation(ctx, threadID, false)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := a.api.DeleteMessage(ctx, str(m.GetId())); err != nil && !provider.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// MarkRead sets isRead on every message of the conversation.
func (a *Adapter) MarkRead(ctx context.Context, threadID string, read bool) error {
	if read {
		return a.ModifyLabels(ctx, threadID, nil, []string{folder.Unread})
	}
	return a.ModifyLabels(ctx, threadID, []string{folder.Unread}, nil)
}

// ListDrafts returns every message in the Drafts folder.
func (a *Adapter) ListDrafts(ctx context.Context) ([]provider.RemoteDraft, error) {
	var out []provider.RemoteDraft
	q := MessageQuery{Folder: folder.ToNative(provider.Outlook, folder.Drafts), Full: true, Top: changesPageSize}
	next := ""
	for {
		page, err := a.api.ListMessages(ctx, q, next)
		if err != nil {
			return nil, err
		}
		for _, m := range page.Messages {
			out = append(out, convertDraft(m))
		}
		if page.NextLink == "" {
			return out, nil
		}
		next = page.NextLink
	}
}

// SaveDraft creates or updates a draft. A new reply is created from the
// message it answers so Graph threads it into the conversation.
func (a *Adapter) SaveDraft(ctx context.Context, d provider.Draft) (*provider.RemoteDraft, error) {
	msg, err := draftMessage(d)
	if err != nil {
		return nil, fmt.Errorf("build draft: %w", err)
	}
	var saved models.Messageable
	switch {
	case d.RemoteID != "":
		saved, err = a.api.UpdateMessage(ctx, d.RemoteID, msg)
	case d.ReplyType != "" && d.ReplyType != provider.Standalone && d.InReplyTo != "" && !provider.IsLocalID(d.InReplyTo):
		var created models.Messageable
		created, err = a.api.CreateReply(ctx, d.InReplyTo, d.ReplyType)
		if err == nil {
			saved, err = a.api.UpdateMessage(ctx, str(created.GetId()), msg)
		}
	default:
		saved, err = a.api.CreateMessage(ctx, msg)
	}
	if err != nil {
		return nil, err
	}
	rd := convertDraft(saved)
	if rd.UpdatedAt.IsZero() {
		rd.UpdatedAt = d.UpdatedAt
	}
	return &rd, nil
}

// DeleteDraft deletes a draft. A draft that is already gone is not an error.
func (a *Adapter) DeleteDraft(ctx context.Context, remoteID string) error {
	err := a.api.DeleteMessage(ctx, remoteID)
	if provider.IsNotFound(err) {
		return nil
	}
	return err
}

// SendDraft sends a saved draft.
func (a *Adapter) SendDraft(ctx context.Context, remoteID string) error {
	return a.api.SendMessage(ctx, remoteID)
}

// GetAttachment downloads a file attachment's content.
func (a *Adapter) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	att, err := a.api.GetAttachment(ctx, messageID, attachmentID)
	if err != nil {
		return nil, err
	}
	file, ok := att.(models.FileAttachmentable)
	if !ok {
		return nil, errors.New("attachment has no file content")
	}
	return file.GetContentBytes(), nil
}

// Subscribe registers a change notification subscription on the inbox.
func (a *Adapter) Subscribe(ctx context.Context, notificationURL, clientState string, expiry time.Time) (string, time.Time, error) {
	s := models.NewSubscription()
	changeType, resource := "created,updated,deleted", "me/mailFolders('inbox')/messages"
	s.SetChangeType(&changeType)
	s.SetResource(&resource)
	s.SetNotificationUrl(&notificationURL)
	s.SetClientState(&clientState)
	s.SetExpirationDateTime(&expiry)
	created, err := a.api.CreateSubscription(ctx, s)
	if err != nil {
		return "", time.Time{}, err
	}
	return str(created.GetId()), timeOf(created.GetExpirationDateTime()), nil
}

// Renew extends a subscription's expiry.
func (a *Adapter) Renew(ctx context.Context, subscriptionID string, expiry time.Time) error {
	return a.api.RenewSubscription(ctx, subscriptionID, expiry)
}

// Unsubscribe removes a subscription.
func (a *Adapter) Unsubscribe(ctx context.Context, subscriptionID string) error {
	return a.api.DeleteSubscription(ctx, subscriptionID)
}

var _ provider.Adapter = (*Adapter)(nil)
