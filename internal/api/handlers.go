package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wesm/mailsync/internal/draft"
	"github.com/wesm/mailsync/internal/folder"
	"github.com/wesm/mailsync/internal/mailbox"
	"github.com/wesm/mailsync/internal/mutation"
	"github.com/wesm/mailsync/internal/provider"
	"github.com/wesm/mailsync/internal/push"
	"github.com/wesm/mailsync/internal/session"
	"github.com/wesm/mailsync/internal/store"
)

const maxBodyBytes = 1 << 20

// AccountInfo represents an account in list responses.
type AccountInfo struct {
	Email       string        `json:"email"`
	Provider    provider.Kind `json:"provider"`
	DisplayName string        `json:"displayName,omitempty"`
	Selected    bool          `json:"selected"`
	Schedule    string        `json:"schedule,omitempty"`
	Running     bool          `json:"running"`
	LastSyncAt  string        `json:"lastSyncAt,omitempty"`
	NextSyncAt  string        `json:"nextSyncAt,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
}

// SchedulerStatusResponse represents scheduler status.
type SchedulerStatusResponse struct {
	Running  bool            `json:"running"`
	Accounts []AccountStatus `json:"accounts"`
}

// SyncRunInfo is one recorded sync pass.
type SyncRunInfo struct {
	ID               int64  `json:"id"`
	Type             string `json:"type"`
	Target           string `json:"target,omitempty"`
	Status           string `json:"status"`
	StartedAt        string `json:"startedAt"`
	CompletedAt      string `json:"completedAt,omitempty"`
	ThreadsProcessed int64  `json:"threadsProcessed"`
	ThreadsUpdated   int64  `json:"threadsUpdated"`
	ThreadsDeleted   int64  `json:"threadsDeleted"`
	Errors           int64  `json:"errors"`
	Error            string `json:"error,omitempty"`
}

// ThreadList is a page of threads in one folder.
type ThreadList struct {
	Folder     string            `json:"folder"`
	Threads    []provider.Thread `json:"threads"`
	NextBefore string            `json:"nextBefore,omitempty"`
}

// ComposeRequest starts a draft.
type ComposeRequest struct {
	ThreadID  string             `json:"threadId"`
	To        string             `json:"to"`
	Cc        string             `json:"cc"`
	Bcc       string             `json:"bcc"`
	Subject   string             `json:"subject"`
	HTML      string             `json:"html"`
	ReplyType provider.ReplyType `json:"replyType"`
	InReplyTo string             `json:"inReplyTo"`
}

func (c ComposeRequest) compose() draft.Compose {
	return draft.Compose{
		ThreadID:  c.ThreadID,
		To:        c.To,
		Cc:        c.Cc,
		Bcc:       c.Bcc,
		Subject:   c.Subject,
		HTML:      c.HTML,
		ReplyType: c.ReplyType,
		InReplyTo: c.InReplyTo,
	}
}

// EditRequest changes the fields present in the body.
type EditRequest struct {
	To      *string `json:"to"`
	Cc      *string `json:"cc"`
	Bcc     *string `json:"bcc"`
	Subject *string `json:"subject"`
	HTML    *string `json:"html"`
}

// LabelsRequest adds and removes labels on a thread.
type LabelsRequest struct {
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

// ContactRequest saves a contact.
type ContactRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// SelectRequest switches the selected account.
type SelectRequest struct {
	Email string `json:"email"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Request body is not valid JSON: "+err.Error())
		return false
	}
	return true
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// fail maps err to a status and a short message. Unexpected errors are
// logged with the operation name.
func (s *Server) fail(w http.ResponseWriter, err error, op string) {
	var re *mutation.RemoteError
	var rbe *mutation.RollbackError
	var fe *provider.FetchError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Not found")
	case errors.Is(err, session.ErrNoAccount):
		writeError(w, http.StatusNotFound, "no_account", "No account selected")
	case errors.Is(err, draft.ErrNotActive):
		writeError(w, http.StatusConflict, "draft_not_active", "Draft was already sent or discarded")
	case errors.Is(err, draft.ErrNoRecipients):
		writeError(w, http.StatusBadRequest, "no_recipients", "Add at least one recipient")
	case provider.IsUnauthorized(err):
		writeError(w, http.StatusUnauthorized, "sign_in_required", provider.UserMessage(err))
	case errors.As(err, &rbe):
		s.logger.Error(op+" failed and could not be undone", "error", err)
		writeError(w, http.StatusBadGateway, "remote_error", mutation.UserMessage(err))
	case errors.As(err, &re):
		writeError(w, http.StatusBadGateway, "remote_error", mutation.UserMessage(err))
	case errors.As(err, &fe):
		writeError(w, http.StatusBadGateway, "remote_error", provider.UserMessage(err))
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "Request timed out")
	default:
		s.logger.Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not "+op)
	}
}

// openMailbox opens the {account} mailbox, writing the error response on
// failure.
func (s *Server) openMailbox(w http.ResponseWriter, r *http.Request) (*mailbox.Mailbox, bool) {
	mb, err := s.mailboxes.Open(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		s.fail(w, err, "open mailbox")
		return nil, false
	}
	return mb, true
}

// account resolves {account} to a stored account.
func (s *Server) account(w http.ResponseWriter, r *http.Request) (*provider.Account, bool) {
	acct, err := s.store.GetAccount(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		s.fail(w, err, "load account")
		return nil, false
	}
	return acct, true
}

// handleListAccounts returns stored accounts with their sync status.
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		s.fail(w, err, "list accounts")
		return
	}
	statuses := make(map[string]AccountStatus)
	if s.scheduler != nil {
		for _, st := range s.scheduler.Status() {
			statuses[st.Email] = st
		}
	}
	var selected string
	if s.session != nil {
		if acct, err := s.session.Selected(); err == nil {
			selected = acct.Email
		}
	}

	out := make([]AccountInfo, 0, len(accts))
	for _, a := range accts {
		info := AccountInfo{
			Email:       a.Email,
			Provider:    a.Provider,
			DisplayName: a.DisplayName,
			Selected:    a.Email == selected,
		}
		if st, ok := statuses[a.Email]; ok {
			info.Schedule = st.Schedule
			info.Running = st.Running
			info.LastSyncAt = formatTime(st.LastRun)
			info.NextSyncAt = formatTime(st.NextRun)
			info.LastError = st.LastError
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	acct, err := s.session.Selected()
	if err != nil {
		s.fail(w, err, "load session")
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleSelectAccount(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	acct, err := s.session.Select(r.Context(), req.Email)
	if err != nil {
		s.fail(w, err, "select account")
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// handleStats returns cache statistics for an account.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.account(w, r)
	if !ok {
		return
	}
	stats, err := s.store.GetStats(r.Context(), acct.Email)
	if err != nil {
		s.fail(w, err, "load statistics")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleTriggerSync queues a partial sync for an account.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.account(w, r)
	if !ok {
		return
	}
	if err := s.scheduler.Trigger(acct.Email); err != nil {
		s.logger.Error("failed to trigger sync", "account", acct.Email, "error", err)
		writeError(w, http.StatusConflict, "sync_error", err.Error())
		return
	}
	s.logger.Info("sync triggered via API", "account", acct.Email)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"message": "Sync started for " + acct.Email,
	})
}

func (s *Server) handleSyncRuns(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.account(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}
	runs, err := s.store.ListSyncRuns(r.Context(), acct.Email, limit)
	if err != nil {
		s.fail(w, err, "list sync runs")
		return
	}
	out := make([]SyncRunInfo, 0, len(runs))
	for _, run := range runs {
		info := SyncRunInfo{
			ID:               run.ID,
			Type:             run.SyncType,
			Target:           run.Target,
			Status:           run.Status,
			StartedAt:        formatTime(run.StartedAt),
			ThreadsProcessed: run.ThreadsProcessed,
			ThreadsUpdated:   run.ThreadsUpdated,
			ThreadsDeleted:   run.ThreadsDeleted,
			Errors:           run.ErrorsCount,
			Error:            run.ErrorMessage.String,
		}
		if run.CompletedAt.Valid {
			info.CompletedAt = formatTime(run.CompletedAt.Time)
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// handleSchedulerStatus returns the scheduler status.
func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SchedulerStatusResponse{
		Running:  s.scheduler.IsRunning(),
		Accounts: s.scheduler.Status(),
	})
}

func (s *Server) handlePushStatus(w http.ResponseWriter, r *http.Request) {
	subs := []push.Subscription{}
	if s.push != nil {
		subs = s.push.Subscriptions()
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

// handleListThreads pages through one folder, newest first. Pass the
// returned nextBefore as ?before= for the next page.
func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.account(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	label := q.Get("folder")
	if label == "" {
		label = folder.Inbox
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 50
	}
	var before time.Time
	if b := q.Get("before"); b != "" {
		t, err := time.Parse(time.RFC3339, b)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_before", "before must be an RFC 3339 time")
			return
		}
		before = t
	}

	threads, err := s.store.ListThreads(r.Context(), store.ThreadQuery{
		Account: acct.Email,
		Label:   label,
		Before:  before,
		Limit:   limit,
	})
	if err != nil {
		s.fail(w, err, "list threads")
		return
	}
	resp := ThreadList{Folder: label, Threads: threads}
	if resp.Threads == nil {
		resp.Threads = []provider.Thread{}
	}
	if len(threads) == limit {
		resp.NextBefore = formatTime(threads[len(threads)-1].LastActivity)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetThread returns a cached thread with its messages, fetching it
// in full from the provider when it is not cached, when a cached message
// has no body yet, or when ?refresh=true.
func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	mb, ok := s.openMailbox(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))

	var data *provider.ThreadData
	var err error
	if !refresh {
		data, err = s.store.GetThreadData(r.Context(), mb.Account.Email, id)
	}
	if err == nil && missingBodies(data) {
		refresh = true
	}
	if refresh || errors.Is(err, store.ErrNotFound) {
		if provider.IsLocalID(id) && !refresh {
			s.fail(w, err, "load thread")
			return
		}
		data, err = mb.Engine.Thread(r.Context(), id, provider.FormatFull)
		if err == nil && data == nil {
			err = fmt.Errorf("thread %s: %w", id, store.ErrNotFound)
		}
	}
	if err != nil {
		s.fail(w, err, "load thread")
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// missingBodies reports whether a remote message was cached from a
// metadata fetch.
func missingBodies(d *provider.ThreadData) bool {
	for _, m := range d.Messages {
		if !provider.IsLocalID(m.ID) && m.Text == "" && m.HTML == "" {
			return true
		}
	}
	return false
}

// threadActions are the one-step mutations addressable by name.
var threadActions = map[string]func(m *mutation.Mutations, ctx context.Context, threadID string) error{
	"star":    (*mutation.Mutations).Star,
	"unstar":  (*mutation.Mutations).Unstar,
	"archive": (*mutation.Mutations).Archive,
	"trash":   (*mutation.Mutations).Trash,
	"delete":  (*mutation.Mutations).DeletePermanently,
	"read":    (*mutation.Mutations).MarkRead,
	"unread":  (*mutation.Mutations).MarkUnread,
}

// handleThreadAction applies a mutation. The cache is updated before the
// provider call and restored if the call fails.
func (s *Server) handleThreadAction(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	fn, ok := threadActions[action]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_action", "Unknown action "+action)
		return
	}
	mb, ok := s.openMailbox(w, r)
	if !ok {
		return
	}
	if err := fn(mb.Mutations, r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err, action)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleModifyLabels(w http.ResponseWriter, r *http.Request) {
	var req LabelsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Add) == 0 && len(req.Remove) == 0 {
		writeError(w, http.StatusBadRequest, "no_labels", "Nothing to add or remove")
		return
	}
	mb, ok := s.openMailbox(w, r)
	if !ok {
		return
	}
	if err := mb.Mutations.ModifyLabels(r.Context(), chi.URLParam(r, "id"), req.Add, req.Remove); err != nil {
		s.fail(w, err, "update labels")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAttachment streams attachment content from the provider.
func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request) {
	mb, ok := s.openMailbox(w, r)
	if !ok {
		return
	}
	messageID, attachmentID := chi.URLParam(r, "id"), chi.URLParam(r, "attachmentID")

	msg, err := s.store.GetMessage(r.Context(), mb.Account.Email, messageID)
	if err != nil {
		s.fail(w, err, "load message")
		return
	}
	var meta *provider.Attachment
	for i := range msg.Attachments {
		if msg.Attachments[i].AttachmentID == attachmentID {
			meta = &msg.Attachments[i]
			break
		}
	}
	if meta == nil {
		writeError(w, http.StatusNotFound, "not_found", "Attachment not found")
		return
	}

	data, err := mb.Adapter.GetAttachment(r.Context(), messageID, attachmentID)
	if err != nil {
		s.fail(w, err, "download attachment")
		return
	}
	contentType := meta.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if meta.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Filename))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.account(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	status := provider.DraftStatus(q.Get("status"))
	if status == "" {
		status = provider.DraftActive
	}
	drafts, err := s.store.ListDrafts(r.Context(), store.DraftQuery{
		Account:  acct.Email,
		ThreadID: q.Get("thread"),
		Status:   status,
	})
	if err != nil {
		s.fail(w, err, "list drafts")
		return
	}
	if drafts == nil {
		drafts = []provider.Draft{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"drafts": drafts})
}

// draftFor loads {id} and checks it belongs to {account}.
func (s *Server) draftFor(w http.ResponseWriter, r *http.Request, account string) (*provider.Draft, bool) {
	d, err := s.store.GetDraft(r.Context(), chi.URLParam(r, "id"))
	if err == nil && d.AccountEmail != account {
		err = store.ErrNotFound
	}
	if err != nil {
		s.fail(w, err, "load draft")
		return nil, false
	}
	return d, true
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.account(w, r)
	if !ok {
		return
	}
	if d, ok := s.draftFor(w, r, acct.Email); ok {
		writeJSON(w, http.StatusOK, d)
	}
}

func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	var req ComposeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	mb, ok := s.openMailbox(w, r)
	if !ok {
		return
	}
	d, err := mb.Drafts.Create(r.Context(), req.compose())
	if err != nil {
		s.fail(w, err, "create draft")
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// handleEditDraft updates the cached draft at once; the provider copy
// follows after the edit quiet period.
func (s *Server) handleEditDraft(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if !decodeBody(w, r, &req) {
		return
	}
	mb, ok := s.openMailbox(w, r)
	if !ok {
		return
	}
	if _, ok := s.draftFor(w, r, mb.Account.Email); !ok {
		return
	}
	d, err := mb.Drafts.Edit(r.Context(), chi.URLParam(r, "id"), draft.Changes{
		To:      req.To,
		Cc:      req.Cc,
		Bcc:     req.Bcc,
		Subject: req.Subject,
		HTML:    req.HTML,
	})
	if err != nil {
		s.fail(w, err, "edit draft")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	mb, ok := s.openMailbox(w, r)
	if !ok {
		return
	}
	if _, ok := s.draftFor(w, r, mb.Account.Email); !ok {
		return
	}
	d, err := mb.Drafts.Save(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err, "save draft")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleSendDraft(w http.ResponseWriter, r *http.Request) {
	mb, ok := s.openMailbox(w, r)
	if !ok {
		return
	}
	if _, ok := s.draftFor(w, r, mb.Account.Email); !ok {
		return
	}
	if err := mb.Drafts.Send(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err, "send")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// handleSendMessage sends a composed message without keeping a draft.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req ComposeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	mb, ok := s.openMailbox(w, r)
	if !ok {
		return
	}
	if err := mb.Drafts.SendNow(r.Context(), req.compose()); err != nil {
		s.fail(w, err, "send")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleDiscardDraft(w http.ResponseWriter, r *http.Request) {
	mb, ok := s.openMailbox(w, r)
	if !ok {
		return
	}
	if _, ok := s.draftFor(w, r, mb.Account.Email); !ok {
		return
	}
	if err := mb.Drafts.Discard(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err, "discard draft")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearchContacts(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.account(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	contacts, err := s.store.SearchContacts(r.Context(), acct.Email, r.URL.Query().Get("q"), limit)
	if err != nil {
		s.fail(w, err, "search contacts")
		return
	}
	if contacts == nil {
		contacts = []provider.Contact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": contacts})
}

func (s *Server) handleSaveContact(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.account(w, r)
	if !ok {
		return
	}
	var req ContactRequest
	if !decodeBody(w, r, &req) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !strings.Contains(email, "@") {
		writeError(w, http.StatusBadRequest, "invalid_email", "A contact needs an email address")
		return
	}
	c := provider.Contact{
		AccountEmail:    acct.Email,
		Email:           email,
		Name:            strings.TrimSpace(req.Name),
		Saved:           true,
		LastInteraction: time.Now().UTC(),
	}
	if err := s.store.SaveContact(r.Context(), c); err != nil {
		s.fail(w, err, "save contact")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// handleEvents upgrades to a websocket that receives change events.
// ?account= limits the stream to one account.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "events_unavailable", "Event stream not available")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	c := s.hub.Register(conn, strings.ToLower(r.URL.Query().Get("account")))
	if c == nil {
		return
	}
	s.hub.ReadLoop(c)
}

// handleGraphWebhook answers Graph's validation handshake and dispatches
// change notifications.
func (s *Server) handleGraphWebhook(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token)
		return
	}
	if s.push == nil {
		writeError(w, http.StatusNotFound, "push_disabled", "Push notifications are disabled")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	emails, err := s.push.HandleGraph(body)
	if err != nil && len(emails) == 0 && !errors.Is(err, push.ErrUnknownSubscription) {
		s.logger.Warn("graph webhook rejected", "error", err)
		writeError(w, http.StatusBadRequest, "invalid_notification", "Could not read notification")
		return
	}
	if err != nil {
		s.logger.Warn("graph webhook partially handled", "error", err)
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleGmailWebhook receives Pub/Sub pushes. When an API key is set the
// push subscription must carry it as ?token=.
func (s *Server) handleGmailWebhook(w http.ResponseWriter, r *http.Request) {
	if key := s.cfg.Server.APIKey; key != "" {
		if subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("token")), []byte(key)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid push token")
			return
		}
	}
	if s.push == nil {
		writeError(w, http.StatusNotFound, "push_disabled", "Push notifications are disabled")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if _, err := s.push.HandleGmail(body); err != nil {
		if errors.Is(err, push.ErrUnknownSubscription) {
			// Acknowledge so Pub/Sub stops redelivering.
			s.logger.Info("gmail push for unregistered account", "error", err)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.logger.Warn("gmail webhook rejected", "error", err)
		writeError(w, http.StatusBadRequest, "invalid_notification", "Could not read notification")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
