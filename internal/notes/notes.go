// Package notes defines the moderation-note model: typed records kept per
// subject, soft-deletable, with optional expiry driving sanction enforcement.
package notes

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a note. The short names are the canonical command-surface
// spellings.
type Kind string

const (
	KindNote   Kind = "note"   // informational
	KindGood   Kind = "good"   // commendation
	KindWatch  Kind = "watch"  // keep an eye on the subject
	KindInt    Kind = "int"    // intervention taken
	KindWarn   Kind = "warn"   // formal warning
	KindTemp   Kind = "temp"   // temporary sanction, drives enforcement
	KindPerma  Kind = "perma"  // permanent sanction
	KindAppeal Kind = "appeal" // appeal record
)

var kinds = map[Kind]string{
	KindNote:   "Note",
	KindGood:   "Good",
	KindWatch:  "Watch",
	KindInt:    "Intervention",
	KindWarn:   "Warning",
	KindTemp:   "Temp Ban",
	KindPerma:  "Perma Ban",
	KindAppeal: "Appeal",
}

// ParseKind resolves a user-supplied kind name, case-insensitively.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := kinds[k]; !ok {
		return "", fmt.Errorf("unknown note kind %q (use one of %s)", raw, KindNames())
	}
	return k, nil
}

// KindNames returns the accepted kind spellings for help text.
func KindNames() string {
	names := []string{
		string(KindNote), string(KindGood), string(KindWatch), string(KindInt),
		string(KindWarn), string(KindTemp), string(KindPerma), string(KindAppeal),
	}
	return strings.Join(names, ", ")
}

// Title returns the display name for a kind.
func (k Kind) Title() string {
	if t, ok := kinds[k]; ok {
		return t
	}
	return string(k)
}

// Note is one moderation record. Removed notes are hidden from normal
// listings and excluded from enforcement but stay recoverable until purged.
type Note struct {
	ID          int64
	Subject     int64
	Author      int64
	Kind        Kind
	Body        string
	Attachments []string
	CreatedAt   time.Time
	Expires     *time.Time // nil = indefinite
	Removed     bool
}

// New builds an active note. The created timestamp may be back-dated by the
// caller; expiry may be nil for an indefinite note.
func New(subject, author int64, kind Kind, body string, createdAt time.Time, expires *time.Time) Note {
	n := Note{
		Subject:   subject,
		Author:    author,
		Kind:      kind,
		Body:      body,
		CreatedAt: createdAt.UTC(),
	}
	if expires != nil {
		e := expires.UTC()
		n.Expires = &e
	}
	return n
}

// ActiveSanction reports whether the note demands an applied sanction at
// the given instant: a non-removed temp note whose expiry is unset or still
// in the future.
func (n *Note) ActiveSanction(now time.Time) bool {
	if n.Removed || n.Kind != KindTemp {
		return false
	}
	return n.Expires == nil || now.Before(*n.Expires)
}

// Expired reports whether the note has an expiry in the past.
func (n *Note) Expired(now time.Time) bool {
	return n.Expires != nil && !now.Before(*n.Expires)
}

// EncodeAttachments renders the attachment list for storage.
func EncodeAttachments(urls []string) (string, error) {
	if len(urls) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(urls)
	if err != nil {
		return "", fmt.Errorf("encode attachments: %w", err)
	}
	return string(b), nil
}

// DecodeAttachments parses a stored attachment list.
func DecodeAttachments(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var urls []string
	if err := json.Unmarshal([]byte(raw), &urls); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	return urls, nil
}

// Describe renders a multi-line human summary for list output.
func (n *Note) Describe(now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d [%s] subject %d by %d at %s",
		n.ID, n.Kind.Title(), n.Subject, n.Author, n.CreatedAt.Format("2006-01-02 15:04"))
	switch {
	case n.Removed:
		b.WriteString(" (removed)")
	case n.Expires != nil && n.Expired(now):
		fmt.Fprintf(&b, " (expired %s)", n.Expires.Format("2006-01-02 15:04"))
	case n.Expires != nil:
		fmt.Fprintf(&b, " (expires %s)", n.Expires.Format("2006-01-02 15:04"))
	}
	if n.Body != "" {
		b.WriteString("\n  ")
		b.WriteString(n.Body)
	}
	for _, a := range n.Attachments {
		b.WriteString("\n  attachment: ")
		b.WriteString(a)
	}
	return b.String()
}
