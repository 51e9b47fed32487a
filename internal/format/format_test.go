package format

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/parley/pkg/forum"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func pinClock(t *testing.T) {
	t.Helper()
	prev := Now
	Now = func() time.Time { return now }
	t.Cleanup(func() { Now = prev })
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		max      int
		expected string
	}{
		{name: "empty", text: "", max: 10, expected: "-"},
		{name: "short single line", text: "hello", max: 10, expected: "hello"},
		{name: "exactly max", text: strings.Repeat("a", 10), max: 10, expected: strings.Repeat("a", 10)},
		{name: "one over max", text: strings.Repeat("a", 11), max: 10, expected: strings.Repeat("a", 7) + "..."},
		{name: "multi-line keeps first line", text: "First line\nSecond line", max: 40, expected: "First line"},
		{name: "leading blank lines", text: "  \n  hello world  \n  ", max: 40, expected: "hello world"},
		{name: "multibyte runes", text: "привет мир", max: 8, expected: "приве..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, truncate(tt.text, tt.max))
		})
	}
}

func TestAge(t *testing.T) {
	pinClock(t)

	assert.Equal(t, "-", Age(time.Time{}))
	assert.Equal(t, "3 minutes ago", Age(now.Add(-3*time.Minute)))
	assert.Equal(t, "2 hours ago", Age(now.Add(-2*time.Hour)))
	assert.Equal(t, "1 day from now", Age(now.Add(36*time.Hour)))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Table))
	assert.NoError(t, Validate(JSONL))
	assert.NoError(t, Validate(JSON))
	assert.Error(t, Validate("yaml"))
}

func TestCategories(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		assert.Equal(t, 0, Categories(&buf, nil))
		assert.Equal(t, "No categories found\n", buf.String())
	})

	t.Run("rows and count", func(t *testing.T) {
		var buf bytes.Buffer
		n := Categories(&buf, []forum.Category{
			{ID: 1, Title: "General", Description: "Anything goes"},
			{ID: 2, Title: "Go", Description: ""},
		})
		assert.Equal(t, 2, n)

		out := buf.String()
		assert.Contains(t, out, "ID     TITLE")
		assert.Contains(t, out, "1      General")
		assert.Contains(t, out, "Anything goes")
		assert.Contains(t, out, "2 categories found")
	})
}

func TestTopics(t *testing.T) {
	pinClock(t)
	var buf bytes.Buffer
	n := Topics(&buf, []forum.Topic{
		{ID: 7, CategoryID: 1, Title: "Welcome", AuthorName: "ann", CreatedAt: now.Add(-time.Hour)},
	}, 1)

	assert.Equal(t, 1, n)
	assert.Contains(t, buf.String(), "Topics in category 1:")
	assert.Contains(t, buf.String(), "Welcome")
	assert.Contains(t, buf.String(), "1 hour ago")
	assert.Contains(t, buf.String(), "1 topic found")
}

func TestMessages(t *testing.T) {
	pinClock(t)

	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		Messages(&buf, nil, 7)
		assert.Equal(t, "No messages in topic 7\n", buf.String())
	})

	t.Run("keeps order", func(t *testing.T) {
		var buf bytes.Buffer
		Messages(&buf, []forum.Message{
			{ID: 1, AuthorName: "ann", Text: "first", CreatedAt: now.Add(-2 * time.Minute)},
			{ID: 2, AuthorName: "bob", Text: "second\nwith more lines", CreatedAt: now.Add(-time.Minute)},
		}, 7)

		out := buf.String()
		assert.Less(t, strings.Index(out, "first"), strings.Index(out, "second"))
		assert.NotContains(t, out, "with more lines")
		assert.Contains(t, out, "2 messages")
	})
}

func TestUsers(t *testing.T) {
	var buf bytes.Buffer
	Users(&buf, []forum.User{
		{ID: 1, Name: "Ann", Email: "ann@example.com", Role: forum.RoleAdmin},
		{ID: 2, Name: "Bob", Email: "bob@example.com", Role: forum.RoleUser, Blocked: true},
	})

	lines := strings.Split(buf.String(), "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Contains(t, lines[2], "admin")
	assert.Contains(t, lines[2], "active")
	assert.Contains(t, lines[3], "blocked")
}

func TestSessions(t *testing.T) {
	pinClock(t)
	var buf bytes.Buffer
	Sessions(&buf, []forum.Session{
		{ID: 3, UserAgent: "parley/1.0", CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(5 * 24 * time.Hour)},
	})
	assert.Contains(t, buf.String(), "parley/1.0")
	assert.Contains(t, buf.String(), "2 days ago")
	assert.Contains(t, buf.String(), "1 session")
}

func TestUser(t *testing.T) {
	var buf bytes.Buffer
	User(&buf, &forum.User{ID: 5, Name: "Ann", Email: "ann@example.com"})
	assert.Contains(t, buf.String(), "Role:    -")
	assert.NotContains(t, buf.String(), "Status")
	assert.NotContains(t, buf.String(), "Joined")
}

func TestWriteJSONL(t *testing.T) {
	var buf bytes.Buffer
	err := WriteJSONL(&buf, []forum.Category{{ID: 1, Title: "a"}, {ID: 2, Title: "b"}})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var c forum.Category
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &c))
	assert.Equal(t, int64(2), c.ID)
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, forum.Category{ID: 1, Title: "General"}))
	assert.Equal(t, "{\n  \"id\": 1,\n  \"title\": \"General\",\n  \"description\": \"\"\n}\n", buf.String())
}
