package testutil

import (
	"fmt"
	"time"

	"github.com/wesm/mailsync/internal/provider"
)

// BaseTime is the timestamp builders start from.
var BaseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// ThreadBuilder provides a fluent API for constructing provider.ThreadData in tests.
type ThreadBuilder struct {
	d provider.ThreadData
}

// NewThread creates a builder for a thread with sensible defaults.
func NewThread(account, id string) *ThreadBuilder {
	return &ThreadBuilder{d: provider.ThreadData{Thread: provider.Thread{
		ID:           id,
		AccountEmail: account,
		From:         "Sender <sender@example.com>",
		Subject:      "Test Subject",
		Snippet:      "snippet",
		LastActivity: BaseTime,
		Labels:       []string{"INBOX"},
	}}}
}

func (b *ThreadBuilder) WithSubject(s string) *ThreadBuilder {
	b.d.Thread.Subject = s
	return b
}

func (b *ThreadBuilder) WithLabels(labels ...string) *ThreadBuilder {
	b.d.Thread.Labels = labels
	return b
}

func (b *ThreadBuilder) WithHistoryID(h uint64) *ThreadBuilder {
	b.d.Thread.HistoryID = h
	return b
}

func (b *ThreadBuilder) WithLastActivity(t time.Time) *ThreadBuilder {
	b.d.Thread.LastActivity = t
	return b
}

// WithMessages appends one message per id, a minute apart.
func (b *ThreadBuilder) WithMessages(ids ...string) *ThreadBuilder {
	for _, id := range ids {
		n := len(b.d.Messages)
		date := BaseTime.Add(time.Duration(n) * time.Minute)
		b.d.Messages = append(b.d.Messages, provider.Message{
			ID:           id,
			ThreadID:     b.d.Thread.ID,
			AccountEmail: b.d.Thread.AccountEmail,
			HistoryID:    b.d.Thread.HistoryID,
			Labels:       b.d.Thread.Labels,
			From:         b.d.Thread.From,
			To:           []string{"me@example.com"},
			Snippet:      fmt.Sprintf("snippet of %s", id),
			Headers:      []provider.Header{{Name: "Subject", Value: b.d.Thread.Subject}},
			Text:         fmt.Sprintf("body of %s", id),
			Date:         date,
		})
		if date.After(b.d.Thread.LastActivity) {
			b.d.Thread.LastActivity = date
		}
	}
	return b
}

// Build returns the constructed thread data.
func (b *ThreadBuilder) Build() *provider.ThreadData {
	d := b.d
	d.Messages = append([]provider.Message(nil), b.d.Messages...)
	return &d
}
