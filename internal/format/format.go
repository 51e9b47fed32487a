package format

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dyluth/parley/pkg/forum"
)

// Output formats accepted by --output
const (
	Table = "table"
	JSONL = "jsonl"
	JSON  = "json"
)

// Validate checks an --output value.
func Validate(output string) error {
	switch output {
	case Table, JSONL, JSON:
		return nil
	default:
		return fmt.Errorf("invalid output format: %s (must be '%s', '%s' or '%s')", output, Table, JSONL, JSON)
	}
}

// Now is the clock used for relative ages; tests pin it.
var Now = time.Now

// Categories writes categories as a table. Returns the number of rows.
func Categories(w io.Writer, categories []forum.Category) int {
	if len(categories) == 0 {
		fmt.Fprintln(w, "No categories found")
		return 0
	}

	fmt.Fprintf(w, "%-6s %-30s %s\n", "ID", "TITLE", "DESCRIPTION")
	fmt.Fprintf(w, "%-6s %-30s %s\n", "------", "------------------------------", "----------------------------------------")
	for _, c := range categories {
		fmt.Fprintf(w, "%-6d %-30s %s\n", c.ID, truncate(c.Title, 30), truncate(c.Description, 40))
	}

	fmt.Fprintf(w, "\n%s found\n", count(len(categories), "category", "categories"))
	return len(categories)
}

// Topics writes the topics of one category as a table.
func Topics(w io.Writer, topics []forum.Topic, categoryID int64) int {
	if len(topics) == 0 {
		fmt.Fprintf(w, "No topics found in category %d\n", categoryID)
		return 0
	}

	fmt.Fprintf(w, "Topics in category %d:\n\n", categoryID)
	fmt.Fprintf(w, "%-6s %-30s %-16s %-12s %s\n", "ID", "TITLE", "AUTHOR", "AGE", "DESCRIPTION")
	fmt.Fprintf(w, "%-6s %-30s %-16s %-12s %s\n", "------", "------------------------------", "----------------", "------------", "----------------------------------------")
	for _, t := range topics {
		fmt.Fprintf(w, "%-6d %-30s %-16s %-12s %s\n",
			t.ID,
			truncate(t.Title, 30),
			truncate(t.AuthorName, 16),
			Age(t.CreatedAt),
			truncate(t.Description, 40),
		)
	}

	fmt.Fprintf(w, "\n%s found\n", count(len(topics), "topic", "topics"))
	return len(topics)
}

// Messages writes a channel's messages oldest first.
func Messages(w io.Writer, messages []forum.Message, channelID int64) int {
	if len(messages) == 0 {
		fmt.Fprintf(w, "No messages in topic %d\n", channelID)
		return 0
	}

	fmt.Fprintf(w, "%-8s %-16s %-12s %s\n", "ID", "AUTHOR", "AGE", "TEXT")
	fmt.Fprintf(w, "%-8s %-16s %-12s %s\n", "--------", "----------------", "------------", "------------------------------------------------------------")
	for _, m := range messages {
		fmt.Fprintf(w, "%-8d %-16s %-12s %s\n", m.ID, truncate(m.AuthorName, 16), Age(m.CreatedAt), truncate(m.Text, 60))
	}

	fmt.Fprintf(w, "\n%s\n", count(len(messages), "message", "messages"))
	return len(messages)
}

// Users writes accounts for the admin panel.
func Users(w io.Writer, users []forum.User) int {
	if len(users) == 0 {
		fmt.Fprintln(w, "No users found")
		return 0
	}

	fmt.Fprintf(w, "%-6s %-20s %-30s %-6s %-8s %s\n", "ID", "NAME", "EMAIL", "ROLE", "STATUS", "JOINED")
	fmt.Fprintf(w, "%-6s %-20s %-30s %-6s %-8s %s\n", "------", "--------------------", "------------------------------", "------", "--------", "------------")
	for _, u := range users {
		status := "active"
		if u.Blocked {
			status = "blocked"
		}
		fmt.Fprintf(w, "%-6d %-20s %-30s %-6s %-8s %s\n",
			u.ID, truncate(u.Name, 20), truncate(u.Email, 30), orDash(string(u.Role)), status, Age(u.CreatedAt))
	}

	fmt.Fprintf(w, "\n%s\n", count(len(users), "user", "users"))
	return len(users)
}

// Sessions writes the current user's sessions.
func Sessions(w io.Writer, sessions []forum.Session) int {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No active sessions")
		return 0
	}

	fmt.Fprintf(w, "%-6s %-12s %-14s %s\n", "ID", "CREATED", "EXPIRES", "CLIENT")
	fmt.Fprintf(w, "%-6s %-12s %-14s %s\n", "------", "------------", "--------------", "----------------------------------------")
	for _, s := range sessions {
		fmt.Fprintf(w, "%-6d %-12s %-14s %s\n", s.ID, Age(s.CreatedAt), Age(s.ExpiresAt), truncate(s.UserAgent, 40))
	}

	fmt.Fprintf(w, "\n%s\n", count(len(sessions), "session", "sessions"))
	return len(sessions)
}

// User writes one account as key/value lines.
func User(w io.Writer, u *forum.User) {
	fmt.Fprintf(w, "ID:      %d\n", u.ID)
	fmt.Fprintf(w, "Name:    %s\n", u.Name)
	fmt.Fprintf(w, "Email:   %s\n", u.Email)
	fmt.Fprintf(w, "Role:    %s\n", orDash(string(u.Role)))
	if u.Blocked {
		fmt.Fprintf(w, "Status:  blocked\n")
	}
	if !u.CreatedAt.IsZero() {
		fmt.Fprintf(w, "Joined:  %s\n", Age(u.CreatedAt))
	}
}

// WriteJSONL writes each item as a single-line JSON object.
// This format is ideal for streaming and processing with tools like jq.
func WriteJSONL[T any](w io.Writer, items []T) error {
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// WriteJSON writes v as pretty-printed JSON.
func WriteJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

// Age renders t relative to Now, e.g. "3 minutes ago". Zero times render as "-".
func Age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, Now(), "ago", "from now")
}

// truncate keeps the first non-empty line and cuts it to max runes.
func truncate(text string, max int) string {
	var first string
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			first = trimmed
			break
		}
	}
	if first == "" {
		return "-"
	}

	runes := []rune(first)
	if len(runes) > max {
		return string(runes[:max-3]) + "..."
	}
	return first
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func count(n int, singular, plural string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", singular)
	}
	return fmt.Sprintf("%s %s", humanize.Comma(int64(n)), plural)
}
