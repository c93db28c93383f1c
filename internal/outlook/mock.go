package outlook

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/wesm/mailsync/internal/folder"
	"github.com/wesm/mailsync/internal/provider"
)

// MockAPI is an in-memory Graph mailbox for tests and local development.
type MockAPI struct {
	mu sync.Mutex

	Messages     map[string]models.Messageable
	Attachments  map[string][]models.Attachmentable
	FolderIDs    map[string]string // well-known name -> folder id
	Subscription map[string]time.Time
	ClientStates map[string]string // subscription id -> client state

	// Error injection
	ListError   error
	UpdateError error
	MoveError   error
	DeleteError error
	CreateError error
	SendError   error

	// Call tracking for assertions
	ListCalls   []MessageQuery
	NextLinks   []string
	UpdateCalls []string
	MoveCalls   []string
	DeleteCalls []string
	SentIDs     []string

	links  map[string]pageState
	nextID int
}

type pageState struct {
	q      MessageQuery
	offset int
}

// NewMockAPI creates a mock with the well-known folders and no mail.
func NewMockAPI() *MockAPI {
	m := &MockAPI{
		Messages:     make(map[string]models.Messageable),
		Attachments:  make(map[string][]models.Attachmentable),
		FolderIDs:    make(map[string]string),
		Subscription: make(map[string]time.Time),
		ClientStates: make(map[string]string),
		links:        make(map[string]pageState),
	}
	for _, id := range TrackedFolders {
		name := folder.ToNative(provider.Outlook, id)
		m.FolderIDs[name] = "folder-" + name
	}
	return m
}

func notFound(op string) error {
	return &provider.FetchError{Op: op, Status: http.StatusNotFound, Reason: "ErrorItemNotFound: The specified object was not found in the store."}
}

func ptr[T any](v T) *T { return &v }

// AddMessage stores a message in the well-known folder name.
func (m *MockAPI) AddMessage(id, conversationID, folderName, subject string, received time.Time, read bool) models.Messageable {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := models.NewMessage()
	msg.SetId(ptr(id))
	msg.SetConversationId(ptr(conversationID))
	msg.SetParentFolderId(ptr(m.FolderIDs[folderName]))
	msg.SetSubject(ptr(subject))
	msg.SetBodyPreview(ptr("preview of " + id))
	msg.SetReceivedDateTime(ptr(received.UTC()))
	msg.SetLastModifiedDateTime(ptr(received.UTC()))
	msg.SetIsRead(ptr(read))
	msg.SetHasAttachments(ptr(false))
	msg.SetCategories([]string{})

	ea := models.NewEmailAddress()
	ea.SetAddress(ptr("sender@example.com"))
	ea.SetName(ptr("Sender"))
	from := models.NewRecipient()
	from.SetEmailAddress(ea)
	msg.SetFrom(from)

	body := models.NewItemBody()
	body.SetContentType(ptr(models.HTML_BODYTYPE))
	body.SetContent(ptr("<p>body of " + id + "</p>"))
	msg.SetBody(body)

	m.Messages[id] = msg
	return msg
}

// AddAttachment attaches a file to a stored message.
func (m *MockAPI) AddAttachment(messageID, attachmentID, name, contentType string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := models.NewFileAttachment()
	a.SetId(ptr(attachmentID))
	a.SetName(ptr(name))
	a.SetContentType(ptr(contentType))
	a.SetSize(ptr(int32(len(content))))
	a.SetIsInline(ptr(false))
	a.SetContentBytes(content)
	m.Attachments[messageID] = append(m.Attachments[messageID], a)
	if msg, ok := m.Messages[messageID]; ok {
		msg.SetHasAttachments(ptr(true))
	}
}

func (m *MockAPI) folderID(name string) string {
	if id, ok := m.FolderIDs[name]; ok {
		return id
	}
	return name
}

func (m *MockAPI) matches(q MessageQuery, msg models.Messageable) bool {
	if q.Folder != "" && str(msg.GetParentFolderId()) != m.folderID(q.Folder) {
		return false
	}
	if q.ConversationID != "" && str(msg.GetConversationId()) != q.ConversationID {
		return false
	}
	if q.Flagged && !isFlagged(msg) {
		return false
	}
	if !q.ReceivedSince.IsZero() && timeOf(msg.GetReceivedDateTime()).Before(q.ReceivedSince) {
		return false
	}
	if q.Search != "" && !strings.Contains(strings.ToLower(str(msg.GetSubject())), strings.ToLower(q.Search)) {
		return false
	}
	return true
}

// ListMessages filters stored messages. Next links are opaque URLs that
// must be passed back verbatim.
func (m *MockAPI) ListMessages(_ context.Context, q MessageQuery, nextLink string) (*MessagePage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListError != nil {
		return nil, m.ListError
	}
	offset := 0
	if nextLink != "" {
		m.NextLinks = append(m.NextLinks, nextLink)
		st, ok := m.links[nextLink]
		if !ok {
			return nil, &provider.FetchError{Op: "ListMessages", Status: http.StatusBadRequest, Reason: "invalid skip token"}
		}
		q, offset = st.q, st.offset
	} else {
		m.ListCalls = append(m.ListCalls, q)
	}

	var matched []models.Messageable
	for _, msg := range m.Messages {
		if m.matches(q, msg) {
			matched = append(matched, msg)
		}
	}
	slices.SortFunc(matched, func(a, b models.Messageable) int {
		c := timeOf(a.GetReceivedDateTime()).Compare(timeOf(b.GetReceivedDateTime()))
		if q.Newest {
			c = -c
		}
		if c == 0 {
			c = strings.Compare(str(a.GetId()), str(b.GetId()))
		}
		return c
	})

	top := q.Top
	if top <= 0 {
		top = 10
	}
	offset = min(offset, len(matched))
	end := min(offset+top, len(matched))
	page := &MessagePage{Messages: matched[offset:end]}
	if end < len(matched) {
		m.nextID++
		link := fmt.Sprintf("https://graph.mock/v1.0/me/messages?$skiptoken=%d", m.nextID)
		m.links[link] = pageState{q: q, offset: end}
		page.NextLink = link
	}
	return page, nil
}

// ListAttachments returns a message's attachments.
func (m *MockAPI) ListAttachments(_ context.Context, messageID string) ([]models.Attachmentable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Messages[messageID]; !ok {
		return nil, notFound("ListAttachments " + messageID)
	}
	return m.Attachments[messageID], nil
}

// GetAttachment returns one attachment.
func (m *MockAPI) GetAttachment(_ context.Context, messageID, attachmentID string) (models.Attachmentable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.Attachments[messageID] {
		if str(a.GetId()) == attachmentID {
			return a, nil
		}
	}
	return nil, notFound("GetAttachment " + attachmentID)
}

// GetFolder resolves a well-known name.
func (m *MockAPI) GetFolder(_ context.Context, name string) (models.MailFolderable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.FolderIDs[name]
	if !ok {
		return nil, notFound("GetFolder " + name)
	}
	f := models.NewMailFolder()
	f.SetId(ptr(id))
	f.SetDisplayName(ptr(name))
	return f, nil
}

// ListFolders lists the well-known folders.
func (m *MockAPI) ListFolders(_ context.Context) ([]models.MailFolderable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.MailFolderable
	for name, id := range m.FolderIDs {
		f := models.NewMailFolder()
		f.SetId(ptr(id))
		f.SetDisplayName(ptr(name))
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b models.MailFolderable) int {
		return strings.Compare(str(a.GetDisplayName()), str(b.GetDisplayName()))
	})
	return out, nil
}

// UpdateMessage applies the set fields of patch.
func (m *MockAPI) UpdateMessage(_ context.Context, id string, patch models.Messageable) (models.Messageable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpdateCalls = append(m.UpdateCalls, id)
	if m.UpdateError != nil {
		return nil, m.UpdateError
	}
	msg, ok := m.Messages[id]
	if !ok {
		return nil, notFound("UpdateMessage " + id)
	}
	if v := patch.GetIsRead(); v != nil {
		msg.SetIsRead(ptr(*v))
	}
	if f := patch.GetFlag(); f != nil {
		msg.SetFlag(f)
	}
	if c := patch.GetCategories(); c != nil {
		msg.SetCategories(slices.Clone(c))
	}
	if s := patch.GetSubject(); s != nil {
		msg.SetSubject(ptr(*s))
	}
	if b := patch.GetBody(); b != nil {
		msg.SetBody(b)
	}
	if r := patch.GetToRecipients(); r != nil {
		msg.SetToRecipients(r)
	}
	if r := patch.GetCcRecipients(); r != nil {
		msg.SetCcRecipients(r)
	}
	if r := patch.GetBccRecipients(); r != nil {
		msg.SetBccRecipients(r)
	}
	msg.SetLastModifiedDateTime(ptr(time.Now().UTC()))
	return msg, nil
}

// MoveMessage changes a message's folder. Unlike Graph, the id is kept.
func (m *MockAPI) MoveMessage(_ context.Context, id, destination string) (models.Messageable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MoveCalls = append(m.MoveCalls, id+"->"+destination)
	if m.MoveError != nil {
		return nil, m.MoveError
	}
	msg, ok := m.Messages[id]
	if !ok {
		return nil, notFound("MoveMessage " + id)
	}
	msg.SetParentFolderId(ptr(m.folderID(destination)))
	return msg, nil
}

// DeleteMessage removes a message.
func (m *MockAPI) DeleteMessage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls = append(m.DeleteCalls, id)
	if m.DeleteError != nil {
		return m.DeleteError
	}
	if _, ok := m.Messages[id]; !ok {
		return notFound("DeleteMessage " + id)
	}
	delete(m.Messages, id)
	return nil
}

func (m *MockAPI) newDraft(conversationID string) models.Messageable {
	m.nextID++
	id := fmt.Sprintf("draft-%d", m.nextID)
	if conversationID == "" {
		conversationID = fmt.Sprintf("conv-%d", m.nextID)
	}
	msg := models.NewMessage()
	now := time.Now().UTC()
	msg.SetId(ptr(id))
	msg.SetConversationId(ptr(conversationID))
	msg.SetParentFolderId(ptr(m.folderID("drafts")))
	msg.SetIsDraft(ptr(true))
	msg.SetIsRead(ptr(true))
	msg.SetReceivedDateTime(ptr(now))
	msg.SetLastModifiedDateTime(ptr(now))
	m.Messages[id] = msg
	return msg
}

// CreateMessage creates a standalone draft.
func (m *MockAPI) CreateMessage(_ context.Context, in models.Messageable) (models.Messageable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateError != nil {
		return nil, m.CreateError
	}
	msg := m.newDraft("")
	msg.SetSubject(in.GetSubject())
	msg.SetBody(in.GetBody())
	msg.SetToRecipients(in.GetToRecipients())
	msg.SetCcRecipients(in.GetCcRecipients())
	msg.SetBccRecipients(in.GetBccRecipients())
	return msg, nil
}

// CreateReply creates a draft in the conversation of id.
func (m *MockAPI) CreateReply(_ context.Context, id string, _ provider.ReplyType) (models.Messageable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateError != nil {
		return nil, m.CreateError
	}
	orig, ok := m.Messages[id]
	if !ok {
		return nil, notFound("CreateReply " + id)
	}
	msg := m.newDraft(str(orig.GetConversationId()))
	msg.SetSubject(ptr("RE: " + str(orig.GetSubject())))
	return msg, nil
}

// SendMessage moves a draft to Sent Items.
func (m *MockAPI) SendMessage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendError != nil {
		return m.SendError
	}
	msg, ok := m.Messages[id]
	if !ok {
		return notFound("SendMessage " + id)
	}
	msg.SetParentFolderId(ptr(m.folderID("sentitems")))
	msg.SetIsDraft(ptr(false))
	m.SentIDs = append(m.SentIDs, id)
	return nil
}

// CreateSubscription records a subscription.
func (m *MockAPI) CreateSubscription(_ context.Context, s models.Subscriptionable) (models.Subscriptionable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("00000000-0000-0000-0000-%012d", m.nextID)
	exp := timeOf(s.GetExpirationDateTime())
	m.Subscription[id] = exp
	if cs := s.GetClientState(); cs != nil {
		m.ClientStates[id] = *cs
	}
	out := models.NewSubscription()
	out.SetId(ptr(id))
	out.SetExpirationDateTime(ptr(exp))
	return out, nil
}

// RenewSubscription updates a subscription's expiry.
func (m *MockAPI) RenewSubscription(_ context.Context, id string, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Subscription[id]; !ok {
		return notFound("RenewSubscription " + id)
	}
	m.Subscription[id] = expiry
	return nil
}

// DeleteSubscription removes a subscription.
func (m *MockAPI) DeleteSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Subscription, id)
	return nil
}

var _ API = (*MockAPI)(nil)
