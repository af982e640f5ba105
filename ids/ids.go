// Package ids generates opaque entity identifiers and the deterministic
// task-name slug used for branch naming (spec §4.1, §8.10).
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a fresh UUID-shaped opaque identifier.
func New() string { return uuid.NewString() }

// NewPrefixed returns a fresh identifier with a human-readable prefix, e.g.
// NewPrefixed("run") -> "run-<uuid>". Prefixes make log lines and traces
// easier to scan without changing the underlying entity identity contract
// (IDs remain opaque strings to callers).
func NewPrefixed(prefix string) string { return prefix + "-" + uuid.NewString() }

const maxSlugLen = 50

// Slug canonicalizes s into a URL/branch-safe form: lowercased,
// non-alphanumeric runs collapsed to a single '-', trimmed of leading/
// trailing '-', and bounded to 50 characters.
//
// Slug is idempotent: Slug(Slug(s)) == Slug(s) for all s, and its output
// always matches [a-z0-9-]*, with no leading/trailing '-' and no "--".
func Slug(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevDash := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			prevDash = false
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
			prevDash = false
		default:
			if !prevDash && b.Len() > 0 {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if len(out) > maxSlugLen {
		out = out[:maxSlugLen]
		out = strings.TrimRight(out, "-")
	}
	return out
}
