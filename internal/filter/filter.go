package filter

import (
	"path/filepath"
	"strings"

	"github.com/dyluth/parley/internal/timespec"
	"github.com/dyluth/parley/pkg/forum"
)

// Criteria defines filtering criteria for messages.
// All filters are ANDed together - a message must match ALL criteria to pass.
type Criteria struct {
	Window     timespec.Range // zero = no time filter
	AuthorGlob string         // glob on the author name, case-insensitive, empty = no filter
	Text       string         // substring of the text, case-insensitive, empty = no filter
}

// Matches returns true if the message matches all filter criteria.
// Empty/zero criteria values are treated as "match all" for that criterion.
func (c *Criteria) Matches(m *forum.Message) bool {
	if !c.Window.Contains(m.CreatedAt) {
		return false
	}

	if c.AuthorGlob != "" {
		matched, err := filepath.Match(strings.ToLower(c.AuthorGlob), strings.ToLower(m.AuthorName))
		if err != nil || !matched {
			return false
		}
	}

	if c.Text != "" && !strings.Contains(strings.ToLower(m.Text), strings.ToLower(c.Text)) {
		return false
	}

	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return !c.Window.IsZero() || c.AuthorGlob != "" || c.Text != ""
}

// Validate reports a malformed author glob.
func (c *Criteria) Validate() error {
	if c.AuthorGlob == "" {
		return nil
	}
	_, err := filepath.Match(c.AuthorGlob, "")
	return err
}

// Apply returns the matching messages in their original order.
func (c *Criteria) Apply(messages []forum.Message) []forum.Message {
	if !c.HasFilters() {
		return messages
	}
	out := make([]forum.Message, 0, len(messages))
	for i := range messages {
		if c.Matches(&messages[i]) {
			out = append(out, messages[i])
		}
	}
	return out
}
