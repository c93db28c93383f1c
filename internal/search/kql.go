package search

import "strings"

// KQL renders q as a Microsoft Graph $search expression. Graph search
// has no read-state property, so Unread is left to the caller.
func (q *Query) KQL() string {
	var parts []string
	add := func(prop string, vals []string) {
		for _, v := range vals {
			parts = append(parts, prop+":"+kqlValue(v))
		}
	}
	for _, t := range q.Text {
		parts = append(parts, kqlValue(t))
	}
	add("from", q.From)
	add("to", q.To)
	add("cc", q.Cc)
	add("subject", q.Subject)
	if q.HasAttachment {
		parts = append(parts, "hasAttachments:true")
	}
	if !q.After.IsZero() {
		parts = append(parts, "received>="+q.After.UTC().Format("2006-01-02"))
	}
	if !q.Before.IsZero() {
		parts = append(parts, "received<"+q.Before.UTC().Format("2006-01-02"))
	}
	return strings.Join(parts, " ")
}

func kqlValue(v string) string {
	if strings.ContainsAny(v, " \t()") {
		return `"` + strings.ReplaceAll(v, `"`, ``) + `"`
	}
	return v
}
