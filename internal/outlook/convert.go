package outlook

import (
	"slices"
	"strings"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/wesm/mailsync/internal/folder"
	"github.com/wesm/mailsync/internal/mime"
	"github.com/wesm/mailsync/internal/provider"
	"github.com/wesm/mailsync/internal/textutil"
)

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func timeOf(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return p.UTC()
}

func recipientAddress(r models.Recipientable) mime.Address {
	if r == nil || r.GetEmailAddress() == nil {
		return mime.Address{}
	}
	ea := r.GetEmailAddress()
	return mime.Address{Name: str(ea.GetName()), Email: strings.ToLower(str(ea.GetAddress()))}
}

func recipientEmails(rs []models.Recipientable) []string {
	var out []string
	for _, r := range rs {
		if a := recipientAddress(r); a.Email != "" {
			out = append(out, a.Email)
		}
	}
	return out
}

func recipientList(rs []models.Recipientable) string {
	var addrs []mime.Address
	for _, r := range rs {
		if a := recipientAddress(r); a.Email != "" {
			addrs = append(addrs, a)
		}
	}
	return mime.JoinAddresses(addrs)
}

// toRecipients parses a serialized address list into Graph recipients.
func toRecipients(s string) ([]models.Recipientable, error) {
	list, err := mime.ParseAddresses(s)
	if err != nil {
		return nil, err
	}
	out := make([]models.Recipientable, 0, len(list))
	for _, a := range list {
		ea := models.NewEmailAddress()
		addr, name := a.Address, a.Name
		ea.SetAddress(&addr)
		if name != "" {
			ea.SetName(&name)
		}
		r := models.NewRecipient()
		r.SetEmailAddress(ea)
		out = append(out, r)
	}
	return out, nil
}

func isFlagged(m models.Messageable) bool {
	f := m.GetFlag()
	if f == nil || f.GetFlagStatus() == nil {
		return false
	}
	return *f.GetFlagStatus() == models.FLAGGED_FOLLOWUPFLAGSTATUS
}

// messageLabels derives the stored label set of one message: its folder,
// UNREAD, STARRED for a flag, and categories verbatim.
func messageLabels(m models.Messageable, folders map[string]string) []string {
	var labels []string
	if id, ok := folders[str(m.GetParentFolderId())]; ok {
		labels = append(labels, id)
	}
	if r := m.GetIsRead(); r != nil && !*r {
		labels = append(labels, folder.Unread)
	}
	if isFlagged(m) {
		labels = append(labels, folder.Starred)
	}
	labels = append(labels, m.GetCategories()...)
	return labels
}

func convertMessage(account string, m models.Messageable, folders map[string]string) provider.Message {
	msg := provider.Message{
		ID:           str(m.GetId()),
		ThreadID:     str(m.GetConversationId()),
		AccountEmail: account,
		Labels:       folder.Normalize(provider.Outlook, messageLabels(m, folders)),
		From:         recipientAddress(m.GetFrom()).String(),
		To:           recipientEmails(m.GetToRecipients()),
		Cc:           recipientEmails(m.GetCcRecipients()),
		Snippet:      strings.TrimSpace(str(m.GetBodyPreview())),
		Date:         timeOf(m.GetReceivedDateTime()),
	}
	for _, h := range m.GetInternetMessageHeaders() {
		msg.Headers = append(msg.Headers, provider.Header{Name: str(h.GetName()), Value: str(h.GetValue())})
	}
	if subject := str(m.GetSubject()); subject != "" && mime.HeaderValue(msg.Headers, "Subject") == "" {
		msg.Headers = append(msg.Headers, provider.Header{Name: "Subject", Value: subject})
	}
	if body := m.GetBody(); body != nil {
		content := textutil.SanitizeUTF8(str(body.GetContent()))
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			msg.HTML = content
			msg.Text = mime.StripHTML(content)
		} else {
			msg.Text = content
		}
	}
	return msg
}

func convertAttachments(atts []models.Attachmentable) []provider.Attachment {
	var out []provider.Attachment
	for _, a := range atts {
		if inline := a.GetIsInline(); inline != nil && *inline {
			continue
		}
		att := provider.Attachment{
			AttachmentID: str(a.GetId()),
			MimeType:     str(a.GetContentType()),
			Filename:     str(a.GetName()),
		}
		if s := a.GetSize(); s != nil {
			att.Size = int64(*s)
		}
		out = append(out, att)
	}
	return out
}

// convertConversation assembles a thread from a conversation's messages.
func convertConversation(account, conversationID string, msgs []models.Messageable, folders map[string]string) *provider.ThreadData {
	slices.SortStableFunc(msgs, func(a, b models.Messageable) int {
		return timeOf(a.GetReceivedDateTime()).Compare(timeOf(b.GetReceivedDateTime()))
	})
	data := &provider.ThreadData{Thread: provider.Thread{ID: conversationID, AccountEmail: account}}
	var labels []string
	for _, m := range msgs {
		msg := convertMessage(account, m, folders)
		labels = append(labels, messageLabels(m, folders)...)
		if msg.Date.After(data.Thread.LastActivity) {
			data.Thread.LastActivity = msg.Date
		}
		if h := m.GetHasAttachments(); h != nil && *h {
			data.Thread.HasAttachments = true
		}
		data.Messages = append(data.Messages, msg)
	}
	data.Thread.Labels = folder.Normalize(provider.Outlook, labels)
	data.Thread.Unread = data.Thread.HasLabel(folder.Unread)
	if n := len(msgs); n > 0 {
		data.Thread.Subject = str(msgs[0].GetSubject())
		data.Thread.From = data.Messages[n-1].From
		data.Thread.Snippet = data.Messages[n-1].Snippet
	}
	return data
}

func convertDraft(m models.Messageable) provider.RemoteDraft {
	rd := provider.RemoteDraft{
		RemoteID:  str(m.GetId()),
		MessageID: str(m.GetId()),
		ThreadID:  str(m.GetConversationId()),
		To:        recipientList(m.GetToRecipients()),
		Cc:        recipientList(m.GetCcRecipients()),
		Bcc:       recipientList(m.GetBccRecipients()),
		Subject:   str(m.GetSubject()),
		UpdatedAt: timeOf(m.GetLastModifiedDateTime()),
	}
	if body := m.GetBody(); body != nil {
		rd.HTML = str(body.GetContent())
	}
	return rd
}

// draftMessage builds the Graph message body for a draft save.
func draftMessage(d provider.Draft) (models.Messageable, error) {
	m := models.NewMessage()
	subject := d.Subject
	m.SetSubject(&subject)

	body := models.NewItemBody()
	html, ct := d.HTML, models.HTML_BODYTYPE
	body.SetContent(&html)
	body.SetContentType(&ct)
	m.SetBody(body)

	for _, f := range []struct {
		list string
		set  func([]models.Recipientable)
	}{
		{d.To, m.SetToRecipients},
		{d.Cc, m.SetCcRecipients},
		{d.Bcc, m.SetBccRecipients},
	} {
		rs, err := toRecipients(f.list)
		if err != nil {
			return nil, err
		}
		f.set(rs)
	}
	return m, nil
}
