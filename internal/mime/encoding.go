package mime

import (
	"encoding/base64"
	"strings"

	"github.com/wesm/mailsync/internal/provider"
)

// DecodeBase64URL decodes base64url data with or without padding. Some
// payloads arrive in the standard alphabet, so that is accepted too.
func DecodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "=") {
		if b, err := base64.URLEncoding.DecodeString(s); err == nil {
			return b, nil
		}
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// EncodeBase64URL encodes raw bytes for a Gmail raw upload: the URL
// alphabet with padding stripped.
func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// HeaderValue returns the first value of the named header, matching the
// name case-insensitively.
func HeaderValue(headers []provider.Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// HeaderValues returns every value of the named header in order.
func HeaderValues(headers []provider.Header, name string) []string {
	var out []string
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}
