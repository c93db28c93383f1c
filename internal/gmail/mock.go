package gmail

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"

	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/wesm/mailsync/internal/mime"
	"github.com/wesm/mailsync/internal/provider"
)

// MockAPI is an in-memory Gmail for tests and local development.
type MockAPI struct {
	mu sync.Mutex

	Email     string
	HistoryID uint64

	// Threads indexed by id. ThreadOrder is the listing order.
	Threads     map[string]*gmailv1.Thread
	ThreadOrder []string

	// History records returned by ListHistory, one page per slice entry.
	HistoryPages [][]*gmailv1.History
	// HistoryExpired makes ListHistory answer 404.
	HistoryExpired bool

	Drafts      map[string]*gmailv1.Draft
	DraftOrder  []string
	Attachments map[string][]byte

	// PageSize overrides the caller's maxResults when positive.
	PageSize int

	// Error injection
	ProfileError     error
	ListThreadsError error
	GetThreadError   map[string]error
	HistoryError     error
	ModifyError      error
	TrashError       error
	DeleteError      error
	DraftError       error
	SendError        error

	// Call tracking for assertions
	ProfileCalls   int
	ListCalls      []ListCall
	GetThreadCalls []string
	ThreadFormats  []string
	HistoryCalls   []uint64
	ModifyCalls    []ModifyCall
	TrashCalls     []string
	DeleteCalls    []string
	DraftCalls     []string
	SentDrafts     []string
	SentMessages   []SentMessage
	WatchCalls     []string

	nextID int
}

// ListCall records one ListThreads invocation.
type ListCall struct {
	LabelIDs  []string
	Query     string
	PageToken string
}

// ModifyCall records one ModifyThread invocation.
type ModifyCall struct {
	ThreadID string
	Add      []string
	Remove   []string
}

// SentMessage records a message sent without a draft.
type SentMessage struct {
	Raw      []byte
	ThreadID string
}

// NewMockAPI creates a mock with empty state.
func NewMockAPI(email string) *MockAPI {
	return &MockAPI{
		Email:          email,
		Threads:        make(map[string]*gmailv1.Thread),
		GetThreadError: make(map[string]error),
		Drafts:         make(map[string]*gmailv1.Draft),
		Attachments:    make(map[string][]byte),
	}
}

func notFound(op string) error {
	return &provider.FetchError{Op: op, Status: http.StatusNotFound, Reason: "Requested entity was not found."}
}

// AddThread adds a thread whose messages carry labels. Each message gets
// a text/plain body and the thread's history id.
func (m *MockAPI) AddThread(id string, historyID uint64, subject string, labels []string, messageIDs ...string) *gmailv1.Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(messageIDs) == 0 {
		messageIDs = []string{id + "-m1"}
	}
	th := &gmailv1.Thread{Id: id, HistoryId: historyID, Snippet: subject}
	for i, mid := range messageIDs {
		th.Messages = append(th.Messages, &gmailv1.Message{
			Id:           mid,
			ThreadId:     id,
			HistoryId:    historyID,
			LabelIds:     slices.Clone(labels),
			InternalDate: 1704067200000 + int64(i)*60000,
			Snippet:      subject,
			Payload: &gmailv1.MessagePart{
				MimeType: "text/plain",
				Headers: []*gmailv1.MessagePartHeader{
					{Name: "From", Value: "sender@example.com"},
					{Name: "To", Value: m.Email},
					{Name: "Subject", Value: subject},
				},
				Body: &gmailv1.MessagePartBody{Data: mime.EncodeBase64URL([]byte("body of " + mid))},
			},
		})
	}
	if _, ok := m.Threads[id]; !ok {
		m.ThreadOrder = append(m.ThreadOrder, id)
	}
	m.Threads[id] = th
	if historyID > m.HistoryID {
		m.HistoryID = historyID
	}
	return th
}

// AddHistoryPage appends a page of history records.
func (m *MockAPI) AddHistoryPage(records ...*gmailv1.History) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HistoryPages = append(m.HistoryPages, records)
	for _, r := range records {
		if r.Id > m.HistoryID {
			m.HistoryID = r.Id
		}
	}
}

// MessageAdded builds a history record noting a new message in threadID.
func MessageAdded(historyID uint64, threadID, messageID string) *gmailv1.History {
	return &gmailv1.History{
		Id: historyID,
		MessagesAdded: []*gmailv1.HistoryMessageAdded{
			{Message: &gmailv1.Message{Id: messageID, ThreadId: threadID}},
		},
	}
}

// GetProfile returns a profile at the current history id.
func (m *MockAPI) GetProfile(_ context.Context) (*gmailv1.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProfileCalls++
	if m.ProfileError != nil {
		return nil, m.ProfileError
	}
	return &gmailv1.Profile{
		EmailAddress:  m.Email,
		HistoryId:     m.HistoryID,
		ThreadsTotal:  int64(len(m.Threads)),
		MessagesTotal: int64(m.messageCount()),
	}, nil
}

func (m *MockAPI) messageCount() int {
	n := 0
	for _, th := range m.Threads {
		n += len(th.Messages)
	}
	return n
}

func threadLabels(th *gmailv1.Thread) []string {
	var out []string
	for _, msg := range th.Messages {
		out = append(out, msg.LabelIds...)
	}
	return out
}

// ListThreads pages through ThreadOrder, filtered by label. Queries other
// than the archive query are ignored.
func (m *MockAPI) ListThreads(_ context.Context, labelIDs []string, query, pageToken string, maxResults int) (*gmailv1.ListThreadsResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListCalls = append(m.ListCalls, ListCall{LabelIDs: labelIDs, Query: query, PageToken: pageToken})
	if m.ListThreadsError != nil {
		return nil, m.ListThreadsError
	}

	var matched []string
	for _, id := range m.ThreadOrder {
		th, ok := m.Threads[id]
		if !ok {
			continue
		}
		labels := threadLabels(th)
		keep := true
		for _, l := range labelIDs {
			if !slices.Contains(labels, l) {
				keep = false
			}
		}
		if query == doneQuery {
			for _, l := range []string{"INBOX", "TRASH", "DRAFT"} {
				if slices.Contains(labels, l) {
					keep = false
				}
			}
		}
		if keep {
			matched = append(matched, id)
		}
	}

	size := maxResults
	if m.PageSize > 0 {
		size = m.PageSize
	}
	if size <= 0 {
		size = len(matched)
	}
	start := 0
	if pageToken != "" {
		if _, err := fmt.Sscanf(pageToken, "page_%d", &start); err != nil {
			return nil, &provider.FetchError{Op: "ListThreads", Status: http.StatusBadRequest, Reason: "Invalid pageToken"}
		}
	}
	if start > len(matched) {
		start = len(matched)
	}
	end := min(start+size, len(matched))

	resp := &gmailv1.ListThreadsResponse{ResultSizeEstimate: int64(len(matched))}
	for _, id := range matched[start:end] {
		resp.Threads = append(resp.Threads, &gmailv1.Thread{Id: id, HistoryId: m.Threads[id].HistoryId})
	}
	if end < len(matched) {
		resp.NextPageToken = fmt.Sprintf("page_%d", end)
	}
	return resp, nil
}

// GetThread returns a copy of a stored thread.
func (m *MockAPI) GetThread(_ context.Context, threadID, format string) (*gmailv1.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetThreadCalls = append(m.GetThreadCalls, threadID)
	m.ThreadFormats = append(m.ThreadFormats, format)
	if err := m.GetThreadError[threadID]; err != nil {
		return nil, err
	}
	th, ok := m.Threads[threadID]
	if !ok {
		return nil, notFound("GetThread " + threadID)
	}
	cp := *th
	cp.Messages = nil
	for _, msg := range th.Messages {
		mc := *msg
		mc.LabelIds = slices.Clone(msg.LabelIds)
		cp.Messages = append(cp.Messages, &mc)
	}
	return &cp, nil
}

// ListHistory returns HistoryPages in order; records not newer than
// startHistoryID are filtered out.
func (m *MockAPI) ListHistory(_ context.Context, startHistoryID uint64, pageToken string) (*gmailv1.ListHistoryResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HistoryCalls = append(m.HistoryCalls, startHistoryID)
	if m.HistoryError != nil {
		return nil, m.HistoryError
	}
	if m.HistoryExpired {
		return nil, notFound("ListHistory")
	}
	page := 0
	if pageToken != "" {
		if _, err := fmt.Sscanf(pageToken, "history_%d", &page); err != nil {
			return nil, &provider.FetchError{Op: "ListHistory", Status: http.StatusBadRequest, Reason: "Invalid pageToken"}
		}
	}
	resp := &gmailv1.ListHistoryResponse{HistoryId: m.HistoryID}
	if page < len(m.HistoryPages) {
		for _, h := range m.HistoryPages[page] {
			if h.Id > startHistoryID {
				resp.History = append(resp.History, h)
			}
		}
		if page+1 < len(m.HistoryPages) {
			resp.NextPageToken = fmt.Sprintf("history_%d", page+1)
		}
	}
	return resp, nil
}

// GetAttachment returns bytes registered under attachmentID.
func (m *MockAPI) GetAttachment(_ context.Context, _, attachmentID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.Attachments[attachmentID]
	if !ok {
		return nil, notFound("GetAttachment " + attachmentID)
	}
	return data, nil
}

func (m *MockAPI) bumpHistory(th *gmailv1.Thread) {
	m.HistoryID++
	th.HistoryId = m.HistoryID
}

// ModifyThread edits labels on every message of a thread.
func (m *MockAPI) ModifyThread(_ context.Context, threadID string, add, remove []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ModifyCalls = append(m.ModifyCalls, ModifyCall{ThreadID: threadID, Add: add, Remove: remove})
	if m.ModifyError != nil {
		return m.ModifyError
	}
	th, ok := m.Threads[threadID]
	if !ok {
		return notFound("ModifyThread " + threadID)
	}
	for _, msg := range th.Messages {
		msg.LabelIds = slices.DeleteFunc(msg.LabelIds, func(l string) bool { return slices.Contains(remove, l) })
		for _, l := range add {
			if !slices.Contains(msg.LabelIds, l) {
				msg.LabelIds = append(msg.LabelIds, l)
			}
		}
	}
	m.bumpHistory(th)
	return nil
}

// TrashThread swaps INBOX for TRASH.
func (m *MockAPI) TrashThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	m.TrashCalls = append(m.TrashCalls, threadID)
	err := m.TrashError
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.modifyQuiet(threadID, []string{"TRASH"}, []string{"INBOX"})
}

func (m *MockAPI) modifyQuiet(threadID string, add, remove []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.Threads[threadID]
	if !ok {
		return notFound("thread " + threadID)
	}
	for _, msg := range th.Messages {
		msg.LabelIds = slices.DeleteFunc(msg.LabelIds, func(l string) bool { return slices.Contains(remove, l) })
		msg.LabelIds = append(msg.LabelIds, add...)
	}
	m.bumpHistory(th)
	return nil
}

// DeleteThread removes a thread.
func (m *MockAPI) DeleteThread(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls = append(m.DeleteCalls, threadID)
	if m.DeleteError != nil {
		return m.DeleteError
	}
	if _, ok := m.Threads[threadID]; !ok {
		return notFound("DeleteThread " + threadID)
	}
	delete(m.Threads, threadID)
	m.ThreadOrder = slices.DeleteFunc(m.ThreadOrder, func(id string) bool { return id == threadID })
	m.HistoryID++
	return nil
}

// ListDrafts lists draft ids in creation order in a single page.
func (m *MockAPI) ListDrafts(_ context.Context, _ string) (*gmailv1.ListDraftsResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DraftError != nil {
		return nil, m.DraftError
	}
	resp := &gmailv1.ListDraftsResponse{}
	for _, id := range m.DraftOrder {
		if d, ok := m.Drafts[id]; ok {
			resp.Drafts = append(resp.Drafts, &gmailv1.Draft{Id: d.Id, Message: &gmailv1.Message{Id: d.Message.Id, ThreadId: d.Message.ThreadId}})
		}
	}
	return resp, nil
}

// GetDraft returns a stored draft.
func (m *MockAPI) GetDraft(_ context.Context, draftID, _ string) (*gmailv1.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.Drafts[draftID]
	if !ok {
		return nil, notFound("GetDraft " + draftID)
	}
	cp := *d
	msg := *d.Message
	cp.Message = &msg
	return &cp, nil
}

func (m *MockAPI) newID(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s%d", prefix, m.nextID)
}

// CreateDraft stores raw as a new draft. Without threadID the draft opens
// a new thread.
func (m *MockAPI) CreateDraft(_ context.Context, raw []byte, threadID string) (*gmailv1.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DraftCalls = append(m.DraftCalls, "create")
	if m.DraftError != nil {
		return nil, m.DraftError
	}
	if threadID == "" {
		threadID = m.newID("thread-")
	}
	d := &gmailv1.Draft{
		Id: m.newID("r-"),
		Message: &gmailv1.Message{
			Id:       m.newID("msg-"),
			ThreadId: threadID,
			LabelIds: []string{"DRAFT"},
			Raw:      mime.EncodeBase64URL(raw),
		},
	}
	m.Drafts[d.Id] = d
	m.DraftOrder = append(m.DraftOrder, d.Id)
	m.HistoryID++
	cp := *d
	return &cp, nil
}

// UpdateDraft replaces a draft's content. The message id changes, as it
// does on Gmail.
func (m *MockAPI) UpdateDraft(_ context.Context, draftID string, raw []byte, threadID string) (*gmailv1.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DraftCalls = append(m.DraftCalls, "update "+draftID)
	if m.DraftError != nil {
		return nil, m.DraftError
	}
	d, ok := m.Drafts[draftID]
	if !ok {
		return nil, notFound("UpdateDraft " + draftID)
	}
	if threadID == "" {
		threadID = d.Message.ThreadId
	}
	d.Message = &gmailv1.Message{
		Id:       m.newID("msg-"),
		ThreadId: threadID,
		LabelIds: []string{"DRAFT"},
		Raw:      mime.EncodeBase64URL(raw),
	}
	m.HistoryID++
	cp := *d
	return &cp, nil
}

// DeleteDraft removes a draft.
func (m *MockAPI) DeleteDraft(_ context.Context, draftID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DraftCalls = append(m.DraftCalls, "delete "+draftID)
	if m.DraftError != nil {
		return m.DraftError
	}
	if _, ok := m.Drafts[draftID]; !ok {
		return notFound("DeleteDraft " + draftID)
	}
	delete(m.Drafts, draftID)
	m.DraftOrder = slices.DeleteFunc(m.DraftOrder, func(id string) bool { return id == draftID })
	return nil
}

// SendDraft removes the draft and records it as sent.
func (m *MockAPI) SendDraft(_ context.Context, draftID string) (*gmailv1.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendError != nil {
		return nil, m.SendError
	}
	d, ok := m.Drafts[draftID]
	if !ok {
		return nil, notFound("SendDraft " + draftID)
	}
	delete(m.Drafts, draftID)
	m.DraftOrder = slices.DeleteFunc(m.DraftOrder, func(id string) bool { return id == draftID })
	m.SentDrafts = append(m.SentDrafts, draftID)
	m.HistoryID++
	return &gmailv1.Message{Id: d.Message.Id, ThreadId: d.Message.ThreadId, LabelIds: []string{"SENT"}}, nil
}

// SendMessage records raw as sent.
func (m *MockAPI) SendMessage(_ context.Context, raw []byte, threadID string) (*gmailv1.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendError != nil {
		return nil, m.SendError
	}
	m.SentMessages = append(m.SentMessages, SentMessage{Raw: raw, ThreadID: threadID})
	if threadID == "" {
		threadID = m.newID("thread-")
	}
	m.HistoryID++
	return &gmailv1.Message{Id: m.newID("msg-"), ThreadId: threadID, LabelIds: []string{"SENT"}}, nil
}

// CreateForwardingAddress accepts any address.
func (m *MockAPI) CreateForwardingAddress(_ context.Context, email string) (*gmailv1.ForwardingAddress, error) {
	return &gmailv1.ForwardingAddress{ForwardingEmail: email, VerificationStatus: "accepted"}, nil
}

// Watch records the topic and returns a watch expiring in a week.
func (m *MockAPI) Watch(_ context.Context, topicName string, _ []string) (*gmailv1.WatchResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WatchCalls = append(m.WatchCalls, topicName)
	return &gmailv1.WatchResponse{HistoryId: m.HistoryID, Expiration: 1704067200000 + 7*24*3600*1000}, nil
}

// StopWatch records a stop.
func (m *MockAPI) StopWatch(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WatchCalls = append(m.WatchCalls, "stop")
	return nil
}

var _ API = (*MockAPI)(nil)
