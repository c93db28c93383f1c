package mime

import (
	stdmime "mime"
	"strings"

	"github.com/wesm/mailsync/internal/provider"
	"github.com/wesm/mailsync/internal/textutil"
)

// Part is a node in a provider payload tree. A part with children is a
// multipart container; a part without children is a leaf whose content is
// either inline (Data, base64url) or remote (AttachmentID).
type Part struct {
	MimeType     string
	Filename     string
	Headers      []provider.Header
	Data         string
	AttachmentID string
	Size         int64
	Parts        []*Part
}

// IsMultipart reports whether p is a container node.
func (p *Part) IsMultipart() bool {
	return len(p.Parts) > 0 || strings.HasPrefix(strings.ToLower(p.MimeType), "multipart/")
}

// Charset returns the charset parameter of the part's Content-Type.
func (p *Part) Charset() string {
	ct := HeaderValue(p.Headers, "Content-Type")
	if ct == "" {
		return ""
	}
	_, params, err := stdmime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return params["charset"]
}

// Content is the result of walking a payload tree.
type Content struct {
	Text        string
	HTML        string
	Attachments []provider.Attachment
	// Errors lists non-fatal decoding problems.
	Errors []string
}

type leaf struct {
	part          *Part
	inAlternative bool
}

// Walk descends the tree rooted at root and returns the decoded text and
// HTML bodies and the attachment descriptors. For each body type, the
// first leaf under a multipart/alternative wins; otherwise the first leaf
// in document order. Any leaf with an AttachmentID is an attachment.
func Walk(root *Part) Content {
	var c Content
	if root == nil {
		return c
	}
	var plain, html []leaf
	var visit func(p *Part, inAlt bool)
	visit = func(p *Part, inAlt bool) {
		if p.IsMultipart() {
			alt := inAlt || strings.EqualFold(p.MimeType, "multipart/alternative")
			for _, child := range p.Parts {
				if child != nil {
					visit(child, alt)
				}
			}
			return
		}
		if p.AttachmentID != "" {
			c.Attachments = append(c.Attachments, provider.Attachment{
				AttachmentID: p.AttachmentID,
				MimeType:     p.MimeType,
				Filename:     p.Filename,
				Size:         p.Size,
			})
			return
		}
		if p.Filename != "" {
			return
		}
		switch strings.ToLower(p.MimeType) {
		case "text/plain":
			plain = append(plain, leaf{p, inAlt})
		case "text/html":
			html = append(html, leaf{p, inAlt})
		}
	}
	visit(root, false)

	if l := pick(plain); l != nil {
		c.Text = c.decode(l)
	}
	if l := pick(html); l != nil {
		c.HTML = c.decode(l)
	}
	return c
}

func pick(leaves []leaf) *Part {
	for _, l := range leaves {
		if l.inAlternative {
			return l.part
		}
	}
	if len(leaves) > 0 {
		return leaves[0].part
	}
	return nil
}

func (c *Content) decode(p *Part) string {
	if p.Data == "" {
		return ""
	}
	raw, err := DecodeBase64URL(p.Data)
	if err != nil {
		c.Errors = append(c.Errors, p.MimeType+": "+err.Error())
		return ""
	}
	return textutil.DecodeCharset(raw, p.Charset())
}
