// Package gmail provides a Gmail REST client with quota-aware rate
// limiting and retry logic, and an adapter onto the provider contract.
package gmail

import (
	"context"

	gmailv1 "google.golang.org/api/gmail/v1"
)

// AccountReader provides read access to account-level data.
type AccountReader interface {
	GetProfile(ctx context.Context) (*gmailv1.Profile, error)
}

// ThreadReader provides read access to threads and history.
type ThreadReader interface {
	// ListThreads returns one page of threads. labelIDs and query may both
	// be empty; pageToken is passed through verbatim.
	ListThreads(ctx context.Context, labelIDs []string, query, pageToken string, maxResults int) (*gmailv1.ListThreadsResponse, error)

	// GetThread fetches a thread in "metadata" or "full" format.
	GetThread(ctx context.Context, threadID, format string) (*gmailv1.Thread, error)

	// ListHistory returns changes since startHistoryID. A 404 means the
	// history window has expired.
	ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) (*gmailv1.ListHistoryResponse, error)

	// GetAttachment returns decoded attachment bytes.
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// ThreadModifier changes thread labels and lifecycle.
type ThreadModifier interface {
	ModifyThread(ctx context.Context, threadID string, add, remove []string) error
	TrashThread(ctx context.Context, threadID string) error
	DeleteThread(ctx context.Context, threadID string) error
}

// DraftWriter manages drafts and sending.
type DraftWriter interface {
	ListDrafts(ctx context.Context, pageToken string) (*gmailv1.ListDraftsResponse, error)
	// GetDraft fetches a draft; format "raw" returns the RFC 822 source.
	GetDraft(ctx context.Context, draftID, format string) (*gmailv1.Draft, error)
	CreateDraft(ctx context.Context, raw []byte, threadID string) (*gmailv1.Draft, error)
	UpdateDraft(ctx context.Context, draftID string, raw []byte, threadID string) (*gmailv1.Draft, error)
	DeleteDraft(ctx context.Context, draftID string) error
	SendDraft(ctx context.Context, draftID string) (*gmailv1.Message, error)
	SendMessage(ctx context.Context, raw []byte, threadID string) (*gmailv1.Message, error)
}

// SettingsWriter covers account settings and push registration.
type SettingsWriter interface {
	CreateForwardingAddress(ctx context.Context, email string) (*gmailv1.ForwardingAddress, error)
	Watch(ctx context.Context, topicName string, labelIDs []string) (*gmailv1.WatchResponse, error)
	StopWatch(ctx context.Context) error
}

// API defines the Gmail operations the adapter needs. It is implemented
// by Client and by MockAPI.
type API interface {
	AccountReader
	ThreadReader
	ThreadModifier
	DraftWriter
	SettingsWriter
}
