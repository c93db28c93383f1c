// Package textutil repairs and shortens message text.
package textutil

import (
	"strings"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

// DecodeCharset converts data in the declared charset to UTF-8. An empty,
// unknown or wrong declaration falls back to EnsureUTF8.
func DecodeCharset(data []byte, charset string) string {
	charset = strings.TrimSpace(strings.Trim(charset, `"'`))
	if charset != "" && !strings.EqualFold(charset, "utf-8") && !strings.EqualFold(charset, "us-ascii") {
		if enc := EncodingByName(charset); enc != nil {
			decoded, err := enc.NewDecoder().Bytes(data)
			if err == nil && utf8.Valid(decoded) {
				return string(decoded)
			}
		}
	}
	return EnsureUTF8(string(data))
}

// EnsureUTF8 returns s unchanged when it is valid UTF-8. Otherwise it
// tries charset detection, then common mail encodings, and finally
// replaces invalid bytes.
func EnsureUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	data := []byte(s)

	minConfidence := 30
	if len(data) > 50 {
		minConfidence = 50
	}
	result, err := chardet.NewTextDetector().DetectBest(data)
	if err == nil && result.Confidence >= minConfidence {
		if enc := EncodingByName(result.Charset); enc != nil {
			decoded, err := enc.NewDecoder().Bytes(data)
			if err == nil && utf8.Valid(decoded) {
				return string(decoded)
			}
		}
	}

	for _, enc := range fallbackEncodings {
		decoded, err := enc.NewDecoder().Bytes(data)
		if err == nil && utf8.Valid(decoded) {
			return string(decoded)
		}
	}
	return SanitizeUTF8(s)
}

// Western single-byte encodings first, then CJK.
var fallbackEncodings = []encoding.Encoding{
	charmap.Windows1252,
	charmap.ISO8859_1,
	charmap.ISO8859_15,
	japanese.ShiftJIS,
	japanese.EUCJP,
	korean.EUCKR,
	simplifiedchinese.GBK,
	traditionalchinese.Big5,
}

// SanitizeUTF8 replaces invalid UTF-8 bytes with U+FFFD.
func SanitizeUTF8(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

// EncodingByName resolves an IANA or WHATWG charset label.
func EncodingByName(name string) encoding.Encoding {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil
	}
	return enc
}

// Snippet collapses whitespace and truncates s to maxRunes runes,
// appending "..." when truncated.
func Snippet(s string, maxRunes int) string {
	s = strings.Join(strings.Fields(s), " ")
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}
