package provider

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// FolderCursor is the Outlook continuation state for one folder.
type FolderCursor struct {
	// NextLink is an opaque full request URL. It is never compared.
	NextLink string `json:"nextLink,omitempty"`
	// Watermark is the newest receivedDateTime durably applied locally.
	Watermark time.Time `json:"watermark,omitzero"`
}

// Checkpoint is the per-account continuation state, tagged by Kind.
//
// Ordering: Gmail checkpoints order by HistoryID as an unsigned integer.
// Outlook checkpoints order per folder by Watermark. Page tokens and next
// links are resumption hints and take no part in ordering.
type Checkpoint struct {
	Kind       Kind                    `json:"kind"`
	HistoryID  uint64                  `json:"historyId,omitempty,string"`
	PageTokens map[string]string       `json:"pageTokens,omitempty"`
	Folders    map[string]FolderCursor `json:"folders,omitempty"`
}

// GmailCheckpoint returns a Gmail checkpoint at historyID.
func GmailCheckpoint(historyID uint64) Checkpoint {
	return Checkpoint{Kind: Google, HistoryID: historyID}
}

// IsZero reports whether the checkpoint carries no delta position.
func (c Checkpoint) IsZero() bool {
	switch c.Kind {
	case Google:
		return c.HistoryID == 0
	case Outlook:
		for _, f := range c.Folders {
			if !f.Watermark.IsZero() {
				return false
			}
		}
		return true
	}
	return true
}

// Compare orders two checkpoints of the same kind. It returns -1, 0 or 1.
// For Outlook, c is newer than o when at least one folder watermark is
// later and none is earlier; incomparable checkpoints return 0.
func (c Checkpoint) Compare(o Checkpoint) int {
	if c.Kind == Google || o.Kind == Google {
		switch {
		case c.HistoryID < o.HistoryID:
			return -1
		case c.HistoryID > o.HistoryID:
			return 1
		}
		return 0
	}
	newer, older := false, false
	for name, cf := range c.Folders {
		of := o.Folders[name]
		switch {
		case cf.Watermark.After(of.Watermark):
			newer = true
		case cf.Watermark.Before(of.Watermark):
			older = true
		}
	}
	for name, of := range o.Folders {
		if _, ok := c.Folders[name]; !ok && !of.Watermark.IsZero() {
			older = true
		}
	}
	switch {
	case newer && !older:
		return 1
	case older && !newer:
		return -1
	}
	return 0
}

// Advance merges next into c without ever moving backward: the history id
// is the numeric max and each folder keeps the later watermark. Next links
// follow the folder whose watermark wins; page tokens from next replace
// those in c.
func (c Checkpoint) Advance(next Checkpoint) Checkpoint {
	out := c.clone()
	if out.Kind == "" {
		out.Kind = next.Kind
	}
	if next.HistoryID > out.HistoryID {
		out.HistoryID = next.HistoryID
	}
	for k, v := range next.PageTokens {
		if out.PageTokens == nil {
			out.PageTokens = make(map[string]string)
		}
		if v == "" {
			delete(out.PageTokens, k)
			continue
		}
		out.PageTokens[k] = v
	}
	for name, nf := range next.Folders {
		if out.Folders == nil {
			out.Folders = make(map[string]FolderCursor)
		}
		cur, ok := out.Folders[name]
		if !ok || !nf.Watermark.Before(cur.Watermark) {
			out.Folders[name] = nf
		}
	}
	return out
}

// Restrict returns a copy holding only the named folder cursors. The
// history id is dropped, since it spans the whole mailbox.
func (c Checkpoint) Restrict(folders ...string) Checkpoint {
	out := Checkpoint{Kind: c.Kind}
	for _, name := range folders {
		if f, ok := c.Folders[name]; ok {
			if out.Folders == nil {
				out.Folders = make(map[string]FolderCursor)
			}
			out.Folders[name] = f
		}
	}
	return out
}

// WithPageToken returns a copy with the page token for key set, or
// removed when token is empty.
func (c Checkpoint) WithPageToken(key, token string) Checkpoint {
	out := c.clone()
	if token == "" {
		delete(out.PageTokens, key)
		return out
	}
	if out.PageTokens == nil {
		out.PageTokens = make(map[string]string)
	}
	out.PageTokens[key] = token
	return out
}

func (c Checkpoint) clone() Checkpoint {
	out := c
	out.PageTokens = maps.Clone(c.PageTokens)
	out.Folders = maps.Clone(c.Folders)
	return out
}

// Marshal encodes the checkpoint for storage.
func (c Checkpoint) Marshal() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}
	return string(b), nil
}

// ParseCheckpoint decodes a stored checkpoint. Empty input yields a zero
// checkpoint of kind k.
func ParseCheckpoint(k Kind, s string) (Checkpoint, error) {
	cp := Checkpoint{Kind: k}
	if s == "" {
		return cp, nil
	}
	if err := json.Unmarshal([]byte(s), &cp); err != nil {
		return Checkpoint{Kind: k}, fmt.Errorf("parse checkpoint: %w", err)
	}
	if cp.Kind == "" {
		cp.Kind = k
	}
	return cp, nil
}
