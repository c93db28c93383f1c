// Package provider defines the provider-neutral mailbox model and the
// adapter contract that Gmail and Outlook implementations satisfy.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Kind identifies a remote mail provider.
type Kind string

const (
	Google  Kind = "google"
	Outlook Kind = "outlook"
)

// ParseKind accepts the provider names used in config and on the wire.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "google", "gmail":
		return Google, nil
	case "outlook", "microsoft", "graph":
		return Outlook, nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// Format selects how much of a thread the provider returns.
type Format string

const (
	// FormatMetadata returns headers and snippets only (list views).
	FormatMetadata Format = "metadata"
	// FormatFull returns the complete payload including bodies.
	FormatFull Format = "full"
)

// ParseFormat parses a configured format name. Empty means metadata.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "metadata":
		return FormatMetadata, nil
	case "full":
		return FormatFull, nil
	}
	return "", fmt.Errorf("unknown format %q", s)
}

// Target is what a full sync enumerates: a canonical folder or a
// provider search query. Query wins when both are set.
type Target struct {
	Folder string
	Query  string
}

// Key names the target in page-token maps and logs.
func (t Target) Key() string {
	if t.Query != "" {
		return "q:" + t.Query
	}
	return t.Folder
}

// ThreadRef identifies a thread returned by a listing call.
type ThreadRef struct {
	ID        string
	HistoryID uint64
}

// ThreadPage is one page of a thread listing.
type ThreadPage struct {
	ThreadRefs []ThreadRef
	// NextCursor is empty on the last page. For Gmail it is a page token;
	// for Outlook it is the complete next request URL.
	NextCursor string
}

// Changes is the result of a delta query.
type Changes struct {
	ChangedThreadIDs []string
	// FirstChange maps a thread to the smallest change id that touched it.
	// Populated only by providers with ordered change ids.
	FirstChange   map[string]uint64
	NewCheckpoint Checkpoint
}

// Lister enumerates threads and changes.
type Lister interface {
	ListThreadPage(ctx context.Context, target Target, cursor string) (*ThreadPage, error)
	ListChangesSince(ctx context.Context, cp Checkpoint) (*Changes, error)
	// Baseline returns the mailbox's current position. A full sync takes
	// it before listing and advances to it only once the listing is
	// durably applied.
	Baseline(ctx context.Context) (Checkpoint, error)
}

// Fetcher materializes a single thread.
type Fetcher interface {
	FetchThread(ctx context.Context, id string, format Format) (*ThreadData, error)
}

// Mutator applies label and lifecycle changes remotely. Label arguments
// are canonical folder ids or raw provider labels such as UNREAD.
type Mutator interface {
	ModifyLabels(ctx context.Context, threadID string, add, remove []string) error
	TrashThread(ctx context.Context, threadID string) error
	DeleteThread(ctx context.Context, threadID string) error
	MarkRead(ctx context.Context, threadID string, read bool) error
}

// Drafter manages remote drafts.
type Drafter interface {
	ListDrafts(ctx context.Context) ([]RemoteDraft, error)
	// SaveDraft creates the draft when d.RemoteID is empty and updates it otherwise.
	SaveDraft(ctx context.Context, d Draft) (*RemoteDraft, error)
	DeleteDraft(ctx context.Context, remoteID string) error
	SendDraft(ctx context.Context, remoteID string) error
}

// MessageSender sends a composed message without keeping a remote draft.
type MessageSender interface {
	SendMessage(ctx context.Context, d Draft) error
}

// AttachmentGetter downloads attachment content.
type AttachmentGetter interface {
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// Adapter is the full per-account provider surface. An Adapter is bound
// to exactly one account.
type Adapter interface {
	Kind() Kind
	Account() string
	Lister
	Fetcher
	Mutator
	Drafter
	AttachmentGetter
}

// TokenFunc returns a current access token for an account.
type TokenFunc func(ctx context.Context, account string) (string, error)

// Account is one authenticated mailbox identity.
type Account struct {
	Email       string    `db:"email" json:"email"`
	Provider    Kind      `db:"provider" json:"provider"`
	DisplayName string    `db:"display_name" json:"displayName"`
	AccessToken string    `db:"access_token" json:"-"`
	TokenExpiry time.Time `db:"token_expiry" json:"tokenExpiry"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}
