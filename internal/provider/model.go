package provider

import (
	"slices"
	"strings"
	"time"
)

// Thread is a provider conversation as stored locally.
type Thread struct {
	ID           string    `json:"id"`
	AccountEmail string    `json:"accountEmail"`
	HistoryID    uint64    `json:"historyId,string"`
	From         string    `json:"from"`
	Subject      string    `json:"subject"`
	Snippet      string    `json:"snippet"`
	LastActivity time.Time `json:"lastActivity"`
	Unread       bool      `json:"unread"`
	// Labels holds canonical folder ids plus any provider labels that
	// have no canonical equivalent, verbatim.
	Labels         []string `json:"labels"`
	HasAttachments bool     `json:"hasAttachments"`
	ActionItem     string   `json:"actionItem,omitempty"`
	Completed      bool     `json:"completed,omitempty"`
}

// HasLabel reports whether the thread carries label.
func (t *Thread) HasLabel(label string) bool {
	return slices.Contains(t.Labels, label)
}

// Header is one raw header line. Order and duplicates are preserved.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Attachment describes a remote attachment without its content.
type Attachment struct {
	AttachmentID string `json:"attachmentId"`
	MimeType     string `json:"mimeType"`
	Filename     string `json:"filename"`
	Size         int64  `json:"size"`
}

// Message is one email within a Thread. Bodies are stored decoded.
type Message struct {
	ID           string       `json:"id"`
	ThreadID     string       `json:"threadId"`
	AccountEmail string       `json:"accountEmail"`
	HistoryID    uint64       `json:"historyId,string"`
	Labels       []string     `json:"labels"`
	From         string       `json:"from"`
	To           []string     `json:"to"`
	Cc           []string     `json:"cc,omitempty"`
	Snippet      string       `json:"snippet"`
	Headers      []Header     `json:"headers"`
	Text         string       `json:"text"`
	HTML         string       `json:"html"`
	Date         time.Time    `json:"date"`
	Attachments  []Attachment `json:"attachments"`
}

// ThreadData is a thread together with its messages.
type ThreadData struct {
	Thread   Thread    `json:"thread"`
	Messages []Message `json:"messages"`
}

// MaxHistoryID returns the largest history id on the thread or its messages.
func (d *ThreadData) MaxHistoryID() uint64 {
	max := d.Thread.HistoryID
	for _, m := range d.Messages {
		if m.HistoryID > max {
			max = m.HistoryID
		}
	}
	return max
}

// ReplyType classifies how a draft relates to an existing thread.
type ReplyType string

const (
	Standalone ReplyType = "standalone"
	Reply      ReplyType = "reply"
	ReplyAll   ReplyType = "reply-all"
	Forward    ReplyType = "forward"
)

// DraftStatus is the user-facing lifecycle of a draft row.
type DraftStatus string

const (
	DraftActive    DraftStatus = "active"
	DraftDiscarded DraftStatus = "discarded"
	DraftSent      DraftStatus = "sent"
)

// DraftState tracks how far a draft has been persisted remotely.
type DraftState string

const (
	LocalOnly       DraftState = "LOCAL_ONLY"
	RemotePending   DraftState = "REMOTE_PENDING"
	RemoteConfirmed DraftState = "REMOTE_CONFIRMED"
)

// Draft is a locally authored message pending remote persistence.
type Draft struct {
	ID           string      `db:"id" json:"id"`
	AccountEmail string      `db:"account_email" json:"accountEmail"`
	Provider     Kind        `db:"provider" json:"provider"`
	RemoteID     string      `db:"remote_id" json:"remoteId,omitempty"`
	MessageID    string      `db:"message_id" json:"messageId"`
	ThreadID     string      `db:"thread_id" json:"threadId,omitempty"`
	To           string      `db:"to_addrs" json:"to"`
	Cc           string      `db:"cc_addrs" json:"cc"`
	Bcc          string      `db:"bcc_addrs" json:"bcc"`
	Subject      string      `db:"subject" json:"subject"`
	HTML         string      `db:"html" json:"html"`
	ReplyType    ReplyType   `db:"reply_type" json:"replyType"`
	InReplyTo    string      `db:"in_reply_to" json:"inReplyTo,omitempty"`
	Status       DraftStatus `db:"status" json:"status"`
	State        DraftState  `db:"state" json:"state"`
	UpdatedAt    time.Time   `db:"updated_at" json:"updatedAt"`
}

// RemoteDraft is a draft as the provider reports it.
type RemoteDraft struct {
	RemoteID  string
	MessageID string
	ThreadID  string
	To        string
	Cc        string
	Bcc       string
	Subject   string
	HTML      string
	UpdatedAt time.Time
}

// Contact is an address-book entry used for autocomplete.
type Contact struct {
	AccountEmail    string    `db:"account_email" json:"accountEmail"`
	Email           string    `db:"email" json:"email"`
	Name            string    `db:"name" json:"name"`
	Saved           bool      `db:"saved" json:"saved"`
	LastInteraction time.Time `db:"last_interaction" json:"lastInteraction"`
}

// LocalIDPrefix marks ids generated locally that the provider has never seen.
const LocalIDPrefix = "local-"

// IsLocalID reports whether id was generated locally.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}
