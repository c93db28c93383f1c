package mime

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Outgoing is a message to be serialized for a draft save or a send.
type Outgoing struct {
	From       string
	To         []string
	Cc         []string
	Bcc        []string
	Subject    string
	Text       string
	HTML       string
	InReplyTo  string
	References []string
	Date       time.Time
}

// Compose serializes o as an RFC 822 multipart/alternative message.
// Drafts may legitimately have no recipients or subject.
func Compose(o Outgoing) ([]byte, error) {
	var h mail.Header
	date := o.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetSubject(o.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	for _, f := range []struct {
		key   string
		addrs []string
	}{
		{"From", []string{o.From}},
		{"To", o.To},
		{"Cc", o.Cc},
		{"Bcc", o.Bcc},
	} {
		list, err := ParseAddresses(strings.Join(f.addrs, ", "))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.key, err)
		}
		h.SetAddressList(f.key, list)
	}
	if o.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{strings.Trim(o.InReplyTo, "<>")})
	}
	if len(o.References) > 0 {
		h.SetMsgIDList("References", o.References)
	}

	text := o.Text
	if text == "" && o.HTML != "" {
		text = StripHTML(o.HTML)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline: %w", err)
	}
	if err := writePart(iw, "text/plain", text); err != nil {
		return nil, err
	}
	if o.HTML != "" {
		if err := writePart(iw, "text/html", o.HTML); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("close inline: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(iw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := iw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		w.Close()
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return w.Close()
}

// ParseAddresses parses a serialized address list. Blank input yields an
// empty list rather than an error.
func ParseAddresses(s string) ([]*mail.Address, error) {
	s = strings.Trim(strings.TrimSpace(s), ",")
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return mail.ParseAddressList(s)
}

// SplitAddresses parses a serialized list into bare lowercased emails,
// skipping entries that do not parse.
func SplitAddresses(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	list, err := ParseAddresses(s)
	if err != nil {
		var out []string
		for _, p := range strings.Split(s, ",") {
			if a, err := mail.ParseAddress(strings.TrimSpace(p)); err == nil {
				out = append(out, strings.ToLower(a.Address))
			}
		}
		return out
	}
	var out []string
	for _, a := range list {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}
