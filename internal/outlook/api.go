// Package outlook provides a Microsoft Graph mail client guarded by a
// rate limiter and a circuit breaker, and an adapter onto the provider
// contract. Graph conversations are exposed as threads.
package outlook

import (
	"context"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/wesm/mailsync/internal/provider"
)

// MessageQuery selects messages for a listing call.
type MessageQuery struct {
	// Folder is a well-known folder name or a folder id. Empty lists all mail.
	Folder         string
	ConversationID string
	// Flagged restricts to flagged messages.
	Flagged bool
	// Search is a free-text $search; it cannot be combined with Newest.
	Search string
	// ReceivedSince keeps messages received at or after it when non-zero.
	ReceivedSince time.Time
	// Full includes bodies and headers.
	Full bool
	Top  int
	// Newest orders by receivedDateTime descending.
	Newest bool
}

// MessagePage is one page of a message listing. NextLink is the opaque
// continuation URL Graph returned, or empty on the last page.
type MessagePage struct {
	Messages []models.Messageable
	NextLink string
}

// MessageReader lists and reads messages.
type MessageReader interface {
	// ListMessages runs q, or follows nextLink verbatim when it is set.
	ListMessages(ctx context.Context, q MessageQuery, nextLink string) (*MessagePage, error)
	ListAttachments(ctx context.Context, messageID string) ([]models.Attachmentable, error)
	GetAttachment(ctx context.Context, messageID, attachmentID string) (models.Attachmentable, error)
}

// FolderReader resolves mail folders.
type FolderReader interface {
	GetFolder(ctx context.Context, name string) (models.MailFolderable, error)
	ListFolders(ctx context.Context) ([]models.MailFolderable, error)
}

// MessageWriter changes messages and drafts.
type MessageWriter interface {
	UpdateMessage(ctx context.Context, id string, patch models.Messageable) (models.Messageable, error)
	// MoveMessage moves a message and returns it under its new id.
	MoveMessage(ctx context.Context, id, destination string) (models.Messageable, error)
	// DeleteMessage deletes permanently.
	DeleteMessage(ctx context.Context, id string) error
	CreateMessage(ctx context.Context, m models.Messageable) (models.Messageable, error)
	// CreateReply creates a reply, reply-all or forward draft of id.
	CreateReply(ctx context.Context, id string, kind provider.ReplyType) (models.Messageable, error)
	SendMessage(ctx context.Context, id string) error
}

// SubscriptionWriter manages change notification subscriptions.
type SubscriptionWriter interface {
	CreateSubscription(ctx context.Context, s models.Subscriptionable) (models.Subscriptionable, error)
	RenewSubscription(ctx context.Context, id string, expiry time.Time) error
	DeleteSubscription(ctx context.Context, id string) error
}

// API defines the Graph operations the adapter needs. It is implemented
// by Client and by MockAPI.
type API interface {
	MessageReader
	FolderReader
	MessageWriter
	SubscriptionWriter
}
