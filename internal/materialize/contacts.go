package materialize

import (
	"strings"

	"github.com/wesm/mailsync/internal/mime"
	"github.com/wesm/mailsync/internal/provider"
)

// Contacts derives inferred contacts from the senders and recipients of
// materialized threads, excluding the account itself. Each address keeps
// its latest interaction and the first display name seen.
func Contacts(account string, threads []*provider.ThreadData) []provider.Contact {
	byEmail := make(map[string]*provider.Contact)
	var order []string
	add := func(email, name string, m *provider.Message) {
		email = strings.ToLower(strings.TrimSpace(email))
		if email == "" || strings.EqualFold(email, account) {
			return
		}
		c, ok := byEmail[email]
		if !ok {
			c = &provider.Contact{AccountEmail: account, Email: email}
			byEmail[email] = c
			order = append(order, email)
		}
		if c.Name == "" {
			c.Name = name
		}
		if m.Date.After(c.LastInteraction) {
			c.LastInteraction = m.Date
		}
	}
	for _, t := range threads {
		for i := range t.Messages {
			m := &t.Messages[i]
			if list, err := mime.ParseAddresses(m.From); err == nil {
				for _, a := range list {
					add(a.Address, a.Name, m)
				}
			}
			for _, e := range m.To {
				add(e, "", m)
			}
			for _, e := range m.Cc {
				add(e, "", m)
			}
		}
	}
	out := make([]provider.Contact, 0, len(order))
	for _, e := range order {
		out = append(out, *byEmail[e])
	}
	return out
}
