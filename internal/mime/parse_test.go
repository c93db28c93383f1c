package mime

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wesm/mailsync/internal/provider"
)

func b64(s string) string { return EncodeBase64URL([]byte(s)) }

func TestWalkAttachmentSeparateFromBody(t *testing.T) {
	root := &Part{
		MimeType: "multipart/mixed",
		Parts: []*Part{
			{MimeType: "text/plain", Data: b64("see attached")},
			{MimeType: "text/html", Data: b64("<p>see attached</p>")},
			{MimeType: "application/pdf", Filename: "report.pdf", AttachmentID: "A1", Size: 2048},
		},
	}

	got := Walk(root)

	if got.Text != "see attached" {
		t.Errorf("Text = %q", got.Text)
	}
	if got.HTML != "<p>see attached</p>" {
		t.Errorf("HTML = %q", got.HTML)
	}
	want := []provider.Attachment{{AttachmentID: "A1", MimeType: "application/pdf", Filename: "report.pdf", Size: 2048}}
	if diff := cmp.Diff(want, got.Attachments); diff != "" {
		t.Errorf("attachments mismatch (-want +got):\n%s", diff)
	}
}

func TestWalkPrefersAlternative(t *testing.T) {
	// A text/plain sibling of the alternative block (e.g. an unnamed
	// forwarded note) must not beat the alternative's own body.
	root := &Part{
		MimeType: "multipart/mixed",
		Parts: []*Part{
			{MimeType: "text/plain", Data: b64("stray note")},
			{
				MimeType: "multipart/related",
				Parts: []*Part{
					{
						MimeType: "multipart/alternative",
						Parts: []*Part{
							{MimeType: "text/plain", Data: b64("real body")},
							{MimeType: "text/html", Data: b64("<b>real body</b>")},
						},
					},
					{MimeType: "image/png", Filename: "logo.png", AttachmentID: "IMG"},
				},
			},
		},
	}

	got := Walk(root)
	if got.Text != "real body" {
		t.Errorf("Text = %q, want %q", got.Text, "real body")
	}
	if got.HTML != "<b>real body</b>" {
		t.Errorf("HTML = %q", got.HTML)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].AttachmentID != "IMG" {
		t.Errorf("Attachments = %+v", got.Attachments)
	}
}

func TestWalkSinglePartAndCharset(t *testing.T) {
	latin1 := string([]byte{'c', 'a', 'f', 0xe9})
	root := &Part{
		MimeType: "text/plain",
		Headers:  []provider.Header{{Name: "content-type", Value: `text/plain; charset="ISO-8859-1"`}},
		Data:     b64(latin1),
	}
	got := Walk(root)
	if got.Text != "café" {
		t.Errorf("Text = %q, want café", got.Text)
	}
	if got.HTML != "" {
		t.Errorf("HTML = %q, want empty", got.HTML)
	}
}

func TestWalkBadData(t *testing.T) {
	got := Walk(&Part{MimeType: "text/html", Data: "!!not base64!!"})
	if got.HTML != "" {
		t.Errorf("HTML = %q, want empty", got.HTML)
	}
	if len(got.Errors) != 1 {
		t.Errorf("Errors = %v, want one", got.Errors)
	}
	if got := Walk(nil); got.Text != "" || got.Attachments != nil {
		t.Errorf("Walk(nil) = %+v", got)
	}
}

func TestDecodeBase64URL(t *testing.T) {
	want := "subjects?>>~~ and more"
	tests := map[string]string{
		"raw url":   "c3ViamVjdHM_Pj5-fiBhbmQgbW9yZQ",
		"padded":    "c3ViamVjdHM_Pj5-fiBhbmQgbW9yZQ==",
		"std alpha": "c3ViamVjdHM/Pj5+fiBhbmQgbW9yZQ==",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := DecodeBase64URL(in)
			if err != nil {
				t.Fatalf("DecodeBase64URL: %v", err)
			}
			if string(got) != want {
				t.Errorf("got %q, want %q", got, want)
			}
		})
	}
	if enc := EncodeBase64URL([]byte(want)); strings.ContainsAny(enc, "+/=") {
		t.Errorf("EncodeBase64URL = %q, contains std alphabet or padding", enc)
	}
}

func TestHeaderValueCaseInsensitive(t *testing.T) {
	headers := []provider.Header{
		{Name: "FROM", Value: "a@example.com"},
		{Name: "Received", Value: "first"},
		{Name: "received", Value: "second"},
	}
	if got := HeaderValue(headers, "From"); got != "a@example.com" {
		t.Errorf("HeaderValue(From) = %q", got)
	}
	if got := HeaderValues(headers, "Received"); !cmp.Equal(got, []string{"first", "second"}) {
		t.Errorf("HeaderValues(Received) = %v", got)
	}
	if got := HeaderValue(headers, "Subject"); got != "" {
		t.Errorf("HeaderValue(Subject) = %q", got)
	}
}

func TestComposeThenParseRaw(t *testing.T) {
	raw, err := Compose(Outgoing{
		From:       "Me <me@example.com>",
		To:         []string{"Alice <alice@example.com>", "bob@example.com"},
		Cc:         []string{"carol@example.com"},
		Subject:    "Quarterly numbers",
		HTML:       "<p>Hello &amp; welcome</p>",
		InReplyTo:  "<orig@example.com>",
		References: []string{"root@example.com", "orig@example.com"},
		Date:       time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	msg, err := ParseRaw(raw)
	if err != nil {
		t.Fatalf("ParseRaw: %v", err)
	}
	if msg.Subject != "Quarterly numbers" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if got := JoinAddresses(msg.To); got != "Alice <alice@example.com>, bob@example.com" {
		t.Errorf("To = %q", got)
	}
	if len(msg.Cc) != 1 || msg.Cc[0].Email != "carol@example.com" {
		t.Errorf("Cc = %+v", msg.Cc)
	}
	if msg.InReplyTo != "orig@example.com" {
		t.Errorf("InReplyTo = %q", msg.InReplyTo)
	}
	if !strings.Contains(msg.BodyHTML, "Hello &amp; welcome") {
		t.Errorf("BodyHTML = %q", msg.BodyHTML)
	}
	if strings.TrimSpace(msg.BodyText) != "Hello & welcome" {
		t.Errorf("BodyText = %q", msg.BodyText)
	}
	if !msg.Date.Equal(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)) {
		t.Errorf("Date = %v", msg.Date)
	}
}

func TestComposeEmptyDraft(t *testing.T) {
	raw, err := Compose(Outgoing{})
	if err != nil {
		t.Fatalf("Compose(empty): %v", err)
	}
	msg, err := ParseRaw(raw)
	if err != nil {
		t.Fatalf("ParseRaw: %v", err)
	}
	if len(msg.To) != 0 || msg.Subject != "" {
		t.Errorf("empty draft parsed as %+v", msg)
	}
}

func TestSplitAddresses(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"Alice <ALICE@example.com>, bob@example.com", []string{"alice@example.com", "bob@example.com"}},
		{"bob@example.com, not an address", []string{"bob@example.com"}},
	}
	for _, tt := range tests {
		got := SplitAddresses(tt.in)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("SplitAddresses(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	for _, in := range []string{
		"Mon, 15 Jan 2024 10:30:00 +0000",
		"Mon, 15 Jan 2024 05:30:00 -0500 (EST)",
		"15 Jan 2024 10:30:00 +0000",
		"2024-01-15T10:30:00Z",
	} {
		if got := ParseDate(in); !got.Equal(want) {
			t.Errorf("ParseDate(%q) = %v, want %v", in, got, want)
		}
	}
	if got := ParseDate("garbage"); !got.IsZero() {
		t.Errorf("ParseDate(garbage) = %v, want zero", got)
	}
}

func TestStripHTML(t *testing.T) {
	in := "<html><head><style>p{}</style></head><body><p>Hi&nbsp;there</p><div>line  two</div><script>x()</script></body></html>"
	if got := StripHTML(in); got != "Hi there\n\nline two" {
		t.Errorf("StripHTML = %q", got)
	}
}
