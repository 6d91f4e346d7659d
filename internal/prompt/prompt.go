package prompt

import (
	"fmt"
	"strings"
	"sync/atomic"

	"UATChat/internal/session"
)

// Placeholder marks the single substitution point for the user's message in
// an instruction template.
const Placeholder = "{prompt}"

// DefaultTemplate is the Phi-2 instruction format.
const DefaultTemplate Template = "Instruct: {prompt}\nOutput:"

// DefaultSystemPrompt primes the model for UAT work. It is prefixed to every
// assembled prompt until replaced through the settings endpoint.
const DefaultSystemPrompt = "You are an expert in User Acceptance Testing (UAT) and software quality assurance. " +
	"Produce clear, structured test cases with preconditions, numbered steps, and expected results."

// Template is a format string containing exactly one {prompt} placeholder.
type Template string

// Validate rejects templates that do not contain exactly one placeholder.
func (t Template) Validate() error {
	switch n := strings.Count(string(t), Placeholder); n {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("template is missing the %s placeholder", Placeholder)
	default:
		return fmt.Errorf("template contains %d %s placeholders, want exactly 1", n, Placeholder)
	}
}

// Render substitutes message at the placeholder.
func (t Template) Render(message string) string {
	return strings.Replace(string(t), Placeholder, message, 1)
}

// Strip removes the template's literal prefix and suffix from a rendered
// turn, recovering the user-visible message. Text that does not carry the
// markers is returned unchanged.
func (t Template) Strip(text string) string {
	i := strings.Index(string(t), Placeholder)
	if i < 0 {
		return text
	}
	prefix := string(t)[:i]
	suffix := string(t)[i+len(Placeholder):]

	text = strings.TrimPrefix(text, prefix)
	if suffix != "" {
		if j := strings.LastIndex(text, suffix); j >= 0 {
			text = text[:j]
		}
	}
	return text
}

// Assemble builds the full string handed to the model gateway: the system
// prompt (if any), every history turn verbatim in insertion order, then the
// rendered new message, joined by single newlines.
//
// Assemble is a pure function. The caller owns appending the new user turn
// and the eventual answer to the transcript afterwards.
func Assemble(systemPrompt string, history []session.Turn, tmpl Template, newMessage string) string {
	parts := make([]string, 0, len(history)+2)
	if systemPrompt != "" {
		parts = append(parts, systemPrompt)
	}
	for _, turn := range history {
		parts = append(parts, turn.Content)
	}
	parts = append(parts, tmpl.Render(newMessage))
	return strings.Join(parts, "\n")
}

// Settings is the process-wide generation configuration shared by all
// requests. Snapshots are immutable values; a generation in progress keeps
// whatever snapshot it read.
type Settings struct {
	SystemPrompt string
	Template     Template
}

// Store holds the current Settings snapshot behind an atomic pointer so
// concurrent readers never observe a torn update.
type Store struct {
	current atomic.Pointer[Settings]
}

// NewStore returns a Store initialized with the defaults.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(&Settings{
		SystemPrompt: DefaultSystemPrompt,
		Template:     DefaultTemplate,
	})
	return s
}

// Current returns the active snapshot.
func (s *Store) Current() Settings {
	return *s.current.Load()
}

// SetTemplate validates and installs a new instruction template, effective
// for all subsequent generations.
func (s *Store) SetTemplate(t Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	next := s.Current()
	next.Template = t
	s.current.Store(&next)
	return nil
}

// SetSystemPrompt installs a new system prompt, effective for all
// subsequent generations.
func (s *Store) SetSystemPrompt(p string) {
	next := s.Current()
	next.SystemPrompt = p
	s.current.Store(&next)
}
