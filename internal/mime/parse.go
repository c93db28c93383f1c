// Package mime decodes provider payloads and raw RFC 822 messages, and
// composes outgoing messages.
package mime

import (
	"bytes"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/wesm/mailsync/internal/provider"
)

// Message is a parsed raw RFC 822 message.
type Message struct {
	Subject     string
	Date        time.Time
	From        []Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	MessageID   string
	InReplyTo   string
	References  []string
	Headers     []provider.Header
	BodyText    string
	BodyHTML    string
	Attachments []provider.Attachment
	Errors      []string
}

// Address is an email address with an optional display name.
type Address struct {
	Name  string
	Email string
}

// String formats the address for a header or a serialized list.
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return a.Name + " <" + a.Email + ">"
}

// JoinAddresses serializes addresses as a comma-separated list.
func JoinAddresses(addrs []Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

// ParseRaw parses raw MIME bytes, such as a draft fetched in raw format.
func ParseRaw(raw []byte) (*Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Subject:   env.GetHeader("Subject"),
		MessageID: strings.Trim(env.GetHeader("Message-ID"), "<>"),
		InReplyTo: strings.Trim(env.GetHeader("In-Reply-To"), "<>"),
		BodyText:  env.Text,
		BodyHTML:  env.HTML,
		From:      addressList(env, "From"),
		To:        addressList(env, "To"),
		Cc:        addressList(env, "Cc"),
		Bcc:       addressList(env, "Bcc"),
	}
	if d := env.GetHeader("Date"); d != "" {
		msg.Date = ParseDate(d)
	}
	if refs := env.GetHeader("References"); refs != "" {
		for _, ref := range strings.Fields(refs) {
			if ref = strings.Trim(ref, "<>"); ref != "" {
				msg.References = append(msg.References, ref)
			}
		}
	}
	for _, key := range env.GetHeaderKeys() {
		for _, v := range env.GetHeaderValues(key) {
			msg.Headers = append(msg.Headers, provider.Header{Name: key, Value: v})
		}
	}
	for _, p := range append(env.Attachments, env.Inlines...) {
		if isBodyPart(p) {
			continue
		}
		msg.Attachments = append(msg.Attachments, provider.Attachment{
			MimeType: p.ContentType,
			Filename: p.FileName,
			Size:     int64(len(p.Content)),
		})
	}
	for _, e := range env.Errors {
		msg.Errors = append(msg.Errors, e.Error())
	}
	return msg, nil
}

func addressList(env *enmime.Envelope, header string) []Address {
	list, err := env.AddressList(header)
	if err != nil {
		return nil
	}
	out := make([]Address, 0, len(list))
	for _, a := range list {
		if a.Address == "" {
			continue
		}
		out = append(out, Address{Name: a.Name, Email: strings.ToLower(a.Address)})
	}
	return out
}

// isBodyPart reports whether an inline or attachment part is really body
// text: text/plain or text/html without a filename and not explicitly
// disposed as an attachment.
func isBodyPart(p *enmime.Part) bool {
	ct := strings.ToLower(p.ContentType)
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct != "text/plain" && ct != "text/html" {
		return false
	}
	if p.FileName != "" {
		return false
	}
	disp := strings.ToLower(p.Disposition)
	if i := strings.Index(disp, ";"); i >= 0 {
		disp = strings.TrimSpace(disp[:i])
	}
	return disp != "attachment"
}

var dateFormats = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	"02 Jan 2006 15:04:05 -0700",
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	time.ANSIC,
	time.UnixDate,
	time.RFC3339,
	"2006-01-02 15:04:05 -0700",
}

// ParseDate parses a Date header in any of the formats seen in the wild.
// It returns the zero time when nothing matches.
func ParseDate(s string) time.Time {
	s = strings.Join(strings.Fields(s), " ")
	// Drop a trailing "(UTC)" style comment.
	if i := strings.LastIndex(s, "("); i > 0 {
		s = strings.TrimSpace(s[:i])
	}
	for _, f := range dateFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

var (
	blockTagRe  = regexp.MustCompile(`(?i)<(/?)(p|div|br|hr|h[1-6]|li|tr|td|th|blockquote|pre|table|ul|ol)[^>]*>`)
	scriptTagRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleTagRe  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	headTagRe   = regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`)
	htmlTagRe   = regexp.MustCompile(`<[^>]*>`)
)

// StripHTML reduces HTML to readable plain text for snippets and the text
// alternative of composed messages.
func StripHTML(rawHTML string) string {
	text := scriptTagRe.ReplaceAllString(rawHTML, "")
	text = styleTagRe.ReplaceAllString(text, "")
	text = headTagRe.ReplaceAllString(text, "")
	text = blockTagRe.ReplaceAllString(text, "\n")
	text = htmlTagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\u00A0", " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	text = strings.Join(lines, "\n")
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}
