// Package folder maps provider label and folder vocabularies onto the
// canonical folder ids shown by the client.
package folder

import (
	"slices"
	"strings"

	"github.com/wesm/mailsync/internal/provider"
)

// Canonical folder ids.
const (
	Inbox   = "INBOX"
	Sent    = "SENT"
	Drafts  = "DRAFTS"
	Trash   = "TRASH"
	Spam    = "SPAM"
	Starred = "STARRED"
	// Done is archived mail. Gmail has no such label; it is synthesized
	// from the absence of INBOX, TRASH and DRAFT.
	Done = "DONE"
)

// Unread is the raw label carrying unread state for both providers.
const Unread = "UNREAD"

// All lists the canonical ids in display order.
var All = []string{Inbox, Starred, Sent, Drafts, Done, Spam, Trash}

// IsCanonical reports whether id is one of the canonical folder ids.
func IsCanonical(id string) bool {
	return slices.Contains(All, id)
}

var gmailToCanonical = map[string]string{
	"INBOX":   Inbox,
	"SENT":    Sent,
	"DRAFT":   Drafts,
	"TRASH":   Trash,
	"SPAM":    Spam,
	"STARRED": Starred,
}

var canonicalToGmail = map[string]string{
	Inbox:   "INBOX",
	Sent:    "SENT",
	Drafts:  "DRAFT",
	Trash:   "TRASH",
	Spam:    "SPAM",
	Starred: "STARRED",
}

// Outlook well-known folder names. Starred has no folder; it is the
// message flag and is addressed by the pseudo-name "flagged".
var outlookToCanonical = map[string]string{
	"inbox":        Inbox,
	"sentitems":    Sent,
	"drafts":       Drafts,
	"deleteditems": Trash,
	"junkemail":    Spam,
	"flagged":      Starred,
	"archive":      Done,
}

var canonicalToOutlook = map[string]string{
	Inbox:   "inbox",
	Sent:    "sentitems",
	Drafts:  "drafts",
	Trash:   "deleteditems",
	Spam:    "junkemail",
	Starred: "flagged",
	Done:    "archive",
}

// WellKnown returns the provider's well-known native names.
func WellKnown(k provider.Kind) []string {
	var m map[string]string
	switch k {
	case provider.Google:
		m = gmailToCanonical
	case provider.Outlook:
		m = outlookToCanonical
	default:
		return nil
	}
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// ToCanonical maps one native label or folder name to a canonical id.
// Unknown names map to INBOX; callers that keep label sets should use
// Canonicalize, which preserves unknown labels verbatim.
func ToCanonical(k provider.Kind, native string) string {
	if id, ok := lookupCanonical(k, native); ok {
		return id
	}
	return Inbox
}

// ToNative maps a canonical id to the provider's native name. Gmail has
// no native name for DONE and returns "".
func ToNative(k provider.Kind, id string) string {
	switch k {
	case provider.Google:
		return canonicalToGmail[id]
	case provider.Outlook:
		return canonicalToOutlook[id]
	}
	return ""
}

func lookupCanonical(k provider.Kind, native string) (string, bool) {
	switch k {
	case provider.Google:
		id, ok := gmailToCanonical[strings.ToUpper(native)]
		return id, ok
	case provider.Outlook:
		id, ok := outlookToCanonical[outlookKey(native)]
		return id, ok
	}
	return "", false
}

// outlookKey folds display names such as "Sent Items" or "Junk Email"
// onto well-known names.
func outlookKey(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, " ", ""))
}

// Canonicalize converts a native label set into the stored label set:
// recognized labels become canonical ids, unrecognized labels are kept
// verbatim, duplicates are dropped, and the result is normalized. The
// result is sorted so equal inputs produce equal sets.
func Canonicalize(k provider.Kind, native []string) []string {
	out := make([]string, 0, len(native)+1)
	for _, n := range native {
		if n == "" {
			continue
		}
		if id, ok := lookupCanonical(k, n); ok {
			out = append(out, id)
			continue
		}
		out = append(out, n)
	}
	return Normalize(k, out)
}

// Normalize sorts and dedupes a stored label set and re-derives DONE for
// Gmail: a thread is done when it is in none of INBOX, TRASH or DRAFTS.
// For Outlook, a set with no canonical folder falls back to INBOX.
func Normalize(k provider.Kind, labels []string) []string {
	out := slices.Clone(labels)
	slices.Sort(out)
	out = slices.Compact(out)

	if k == provider.Google {
		out = slices.DeleteFunc(out, func(l string) bool { return l == Done })
		if !slices.Contains(out, Inbox) && !slices.Contains(out, Trash) && !slices.Contains(out, Drafts) {
			out = append(out, Done)
			slices.Sort(out)
		}
		return out
	}

	if !slices.ContainsFunc(out, isFolder) {
		out = append(out, Inbox)
		slices.Sort(out)
	}
	return out
}

// isFolder reports whether id names a folder a thread can live in.
// STARRED is an attribute, not a location.
func isFolder(id string) bool {
	return id != Starred && IsCanonical(id)
}

// Apply returns labels with add applied and remove removed, normalized.
func Apply(k provider.Kind, labels, add, remove []string) []string {
	out := slices.DeleteFunc(slices.Clone(labels), func(l string) bool {
		return slices.Contains(remove, l)
	})
	out = append(out, add...)
	return Normalize(k, out)
}
