package session

import (
	"strings"
	"time"
	"unicode"
)

// Turn roles. Roles are stored explicitly with every turn; nothing in the
// system infers a role from a turn's position in the transcript.
const (
	RoleUser  = "user"
	RoleModel = "model"
	RoleError = "error"
)

// Turn is a single entry in a conversation transcript: a rendered user
// instruction, a model answer, or an in-band generation error.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a named transcript plus the raw timing diagnostics reported by
// the inference engine for its most recent generation.
type Session struct {
	Key     string    `json:"key"`
	Turns   []Turn    `json:"turns"`
	Timings string    `json:"timings,omitempty"`
	SavedAt time.Time `json:"saved_at"`
}

// KeyTimeLayout is the minute-precision prefix of derived session keys.
// Lexicographically descending key order therefore yields most-recent-first.
const KeyTimeLayout = "20060102-1504"

const slugMaxChars = 30

// DeriveKey builds a session key of the form "YYYYMMDD-HHMM_<slug>" from the
// save time and the first turn's user-visible text. stripped must already
// have the prompt template's literal markers removed.
func DeriveKey(now time.Time, stripped string) string {
	slug := Slugify(stripped)
	if slug == "" {
		return now.Format(KeyTimeLayout)
	}
	return now.Format(KeyTimeLayout) + "_" + slug
}

// Slugify lowercases the first 30 characters of text and collapses every run
// of non-alphanumeric characters into a single hyphen, producing a
// filesystem-safe key fragment.
func Slugify(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) > slugMaxChars {
		runes = runes[:slugMaxChars]
	}

	var b strings.Builder
	pendingHyphen := false
	for _, r := range runes {
		r = unicode.ToLower(r)
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
		} else {
			pendingHyphen = true
		}
	}
	return b.String()
}
