package gmail

import (
	"html"
	"strings"
	"time"

	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/wesm/mailsync/internal/folder"
	"github.com/wesm/mailsync/internal/mime"
	"github.com/wesm/mailsync/internal/provider"
	"github.com/wesm/mailsync/internal/textutil"
)

func convertPart(p *gmailv1.MessagePart) *mime.Part {
	if p == nil {
		return nil
	}
	out := &mime.Part{
		MimeType: p.MimeType,
		Filename: p.Filename,
		Headers:  convertHeaders(p.Headers),
	}
	if p.Body != nil {
		out.Data = p.Body.Data
		out.AttachmentID = p.Body.AttachmentId
		out.Size = p.Body.Size
	}
	for _, child := range p.Parts {
		if c := convertPart(child); c != nil {
			out.Parts = append(out.Parts, c)
		}
	}
	return out
}

func convertHeaders(hs []*gmailv1.MessagePartHeader) []provider.Header {
	out := make([]provider.Header, 0, len(hs))
	for _, h := range hs {
		if h == nil {
			continue
		}
		out = append(out, provider.Header{Name: h.Name, Value: h.Value})
	}
	return out
}

// convertMessage turns a Gmail message into the provider model. Bodies
// are only present for messages fetched in full format.
func convertMessage(account string, m *gmailv1.Message) provider.Message {
	msg := provider.Message{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		AccountEmail: account,
		HistoryID:    m.HistoryId,
		Labels:       folder.Canonicalize(provider.Google, m.LabelIds),
		Snippet:      html.UnescapeString(m.Snippet),
	}
	if m.Payload != nil {
		msg.Headers = convertHeaders(m.Payload.Headers)
		msg.From = mime.HeaderValue(msg.Headers, "From")
		msg.To = mime.SplitAddresses(mime.HeaderValue(msg.Headers, "To"))
		msg.Cc = mime.SplitAddresses(mime.HeaderValue(msg.Headers, "Cc"))

		content := mime.Walk(convertPart(m.Payload))
		msg.Text = textutil.SanitizeUTF8(content.Text)
		msg.HTML = textutil.SanitizeUTF8(content.HTML)
		msg.Attachments = content.Attachments
	}
	switch {
	case m.InternalDate > 0:
		msg.Date = time.UnixMilli(m.InternalDate).UTC()
	default:
		msg.Date = mime.ParseDate(mime.HeaderValue(msg.Headers, "Date"))
	}
	if msg.Labels == nil {
		msg.Labels = []string{}
	}
	return msg
}

// convertThread builds ThreadData from a fetched Gmail thread. The thread
// label set is the union of its messages' labels; it is unread when any
// message is unread.
func convertThread(account string, th *gmailv1.Thread) *provider.ThreadData {
	data := &provider.ThreadData{
		Thread: provider.Thread{
			ID:           th.Id,
			AccountEmail: account,
			HistoryID:    th.HistoryId,
			Snippet:      html.UnescapeString(th.Snippet),
		},
	}
	var native []string
	for _, m := range th.Messages {
		if m == nil {
			continue
		}
		msg := convertMessage(account, m)
		native = append(native, m.LabelIds...)
		if msg.Date.After(data.Thread.LastActivity) {
			data.Thread.LastActivity = msg.Date
		}
		if len(msg.Attachments) > 0 {
			data.Thread.HasAttachments = true
		}
		data.Messages = append(data.Messages, msg)
	}
	data.Thread.Labels = folder.Canonicalize(provider.Google, native)
	data.Thread.Unread = data.Thread.HasLabel(folder.Unread)

	if n := len(data.Messages); n > 0 {
		first, last := data.Messages[0], data.Messages[n-1]
		data.Thread.Subject = mime.HeaderValue(first.Headers, "Subject")
		data.Thread.From = last.From
		if data.Thread.Snippet == "" {
			data.Thread.Snippet = last.Snippet
		}
	}
	if data.Thread.HistoryID == 0 {
		data.Thread.HistoryID = data.MaxHistoryID()
	}
	return data
}

// convertDraft turns a raw-format draft into a RemoteDraft.
func convertDraft(d *gmailv1.Draft) (*provider.RemoteDraft, error) {
	rd := &provider.RemoteDraft{RemoteID: d.Id}
	if d.Message == nil {
		return rd, nil
	}
	rd.MessageID = d.Message.Id
	rd.ThreadID = d.Message.ThreadId
	if d.Message.InternalDate > 0 {
		rd.UpdatedAt = time.UnixMilli(d.Message.InternalDate).UTC()
	}
	if d.Message.Raw == "" {
		return rd, nil
	}
	raw, err := mime.DecodeBase64URL(d.Message.Raw)
	if err != nil {
		return nil, err
	}
	parsed, err := mime.ParseRaw(raw)
	if err != nil {
		return nil, err
	}
	rd.To = mime.JoinAddresses(parsed.To)
	rd.Cc = mime.JoinAddresses(parsed.Cc)
	rd.Bcc = mime.JoinAddresses(parsed.Bcc)
	rd.Subject = parsed.Subject
	rd.HTML = parsed.BodyHTML
	if rd.HTML == "" && parsed.BodyText != "" {
		rd.HTML = "<p>" + html.EscapeString(strings.TrimSpace(parsed.BodyText)) + "</p>"
	}
	if rd.UpdatedAt.IsZero() {
		rd.UpdatedAt = parsed.Date
	}
	return rd, nil
}
