// Package search parses Gmail-style search strings so that one query
// syntax selects threads on both providers.
package search

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Query is a parsed search string.
type Query struct {
	Text          []string // bare words and quoted phrases
	From          []string
	To            []string
	Cc            []string
	Subject       []string
	HasAttachment bool
	Before        time.Time
	After         time.Time
	Unread        *bool // is:unread / is:read
	Unsupported   []string
}

// IsEmpty reports whether q selects nothing in particular.
func (q *Query) IsEmpty() bool {
	return len(q.Text) == 0 && len(q.From) == 0 && len(q.To) == 0 &&
		len(q.Cc) == 0 && len(q.Subject) == 0 && !q.HasAttachment &&
		q.Before.IsZero() && q.After.IsZero() && q.Unread == nil
}

var relativeRe = regexp.MustCompile(`^(\d+)([dwmy])$`)

// Parse parses s relative to now. Recognized operators are from:, to:,
// cc:, subject:, has:attachment, before:, after:, older_than:,
// newer_than: and is:read/unread. Any other op:value token is kept in
// Unsupported and otherwise ignored.
func Parse(s string, now time.Time) *Query {
	q := &Query{}
	for _, tok := range tokenize(s) {
		if isPhrase(tok) {
			q.Text = append(q.Text, unquote(tok))
			continue
		}
		op, val, ok := strings.Cut(tok, ":")
		if !ok || op == "" || val == "" {
			q.Text = append(q.Text, tok)
			continue
		}
		val = unquote(val)
		switch strings.ToLower(op) {
		case "from":
			q.From = append(q.From, strings.ToLower(val))
		case "to":
			q.To = append(q.To, strings.ToLower(val))
		case "cc":
			q.Cc = append(q.Cc, strings.ToLower(val))
		case "subject":
			q.Subject = append(q.Subject, val)
		case "has":
			if v := strings.ToLower(val); v == "attachment" || v == "attachments" {
				q.HasAttachment = true
			} else {
				q.Unsupported = append(q.Unsupported, tok)
			}
		case "before":
			if t, ok := parseDate(val); ok {
				q.Before = t
			}
		case "after":
			if t, ok := parseDate(val); ok {
				q.After = t
			}
		case "older_than":
			if t, ok := relative(val, now); ok {
				q.Before = t
			}
		case "newer_than":
			if t, ok := relative(val, now); ok {
				q.After = t
			}
		case "is":
			switch strings.ToLower(val) {
			case "unread":
				v := true
				q.Unread = &v
			case "read":
				v := false
				q.Unread = &v
			default:
				q.Unsupported = append(q.Unsupported, tok)
			}
		default:
			q.Unsupported = append(q.Unsupported, tok)
		}
	}
	return q
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func isPhrase(tok string) bool {
	return len(tok) > 2 && tok[0] == '"' && tok[len(tok)-1] == '"'
}

// tokenize splits on spaces, keeping "quoted phrases" and op:"quoted
// values" whole.
func tokenize(s string) []string {
	var (
		toks   []string
		cur    strings.Builder
		quoted bool
		prev   rune
	)
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r == '"' && !quoted:
			if prev != ':' {
				flush()
			}
			quoted = true
			cur.WriteRune(r)
		case r == '"' && quoted:
			quoted = false
			cur.WriteRune(r)
			flush()
		case r == ' ' && !quoted:
			flush()
		default:
			cur.WriteRune(r)
		}
		prev = r
	}
	if quoted {
		// Unterminated quote: treat the rest as a phrase.
		cur.WriteRune('"')
	}
	flush()
	return toks
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02", "2006/01/02", "2006/1/2"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func relative(s string, now time.Time) (time.Time, bool) {
	m := relativeRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return time.Time{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return time.Time{}, false
	}
	switch m[2] {
	case "d":
		return now.AddDate(0, 0, -n), true
	case "w":
		return now.AddDate(0, 0, -7*n), true
	case "m":
		return now.AddDate(0, -n, 0), true
	default:
		return now.AddDate(-n, 0, 0), true
	}
}
