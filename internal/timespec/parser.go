package timespec

import (
	"fmt"
	"time"

	"github.com/dyluth/parley/pkg/forum"
)

// Now is the reference for relative specs; tests pin it.
var Now = time.Now

// Parse parses a time specification into an absolute time.
// Supports two formats:
//   - Go duration format: "1h", "30m", "1h30m", "2h45m30s"
//   - RFC3339 timestamps: "2025-10-29T13:00:00Z"
//
// Durations are relative to now, so "1h" means "1 hour ago".
func Parse(spec string) (time.Time, error) {
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t, nil
	}

	if d, err := time.ParseDuration(spec); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("invalid time specification: %s (duration must not be negative)", spec)
		}
		return Now().Add(-d), nil
	}

	return time.Time{}, fmt.Errorf("invalid time specification: %s (use duration like '1h30m' or RFC3339 like '2025-10-29T13:00:00Z')", spec)
}

// Range is a half-open [Since, Until) window. Zero bounds are open.
type Range struct {
	Since time.Time
	Until time.Time
}

// ParseRange parses the --since and --until flags.
func ParseRange(since, until string) (Range, error) {
	var r Range
	var err error

	if since != "" {
		if r.Since, err = Parse(since); err != nil {
			return Range{}, fmt.Errorf("invalid --since: %w", err)
		}
	}

	if until != "" {
		if r.Until, err = Parse(until); err != nil {
			return Range{}, fmt.Errorf("invalid --until: %w", err)
		}
	}

	if !r.Since.IsZero() && !r.Until.IsZero() && !r.Since.Before(r.Until) {
		return Range{}, fmt.Errorf("--since must be before --until")
	}

	return r, nil
}

// IsZero reports whether neither bound is set.
func (r Range) IsZero() bool {
	return r.Since.IsZero() && r.Until.IsZero()
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t time.Time) bool {
	if !r.Since.IsZero() && t.Before(r.Since) {
		return false
	}
	if !r.Until.IsZero() && !t.Before(r.Until) {
		return false
	}
	return true
}

// Filter returns the messages created inside the range, keeping their order.
func (r Range) Filter(messages []forum.Message) []forum.Message {
	if r.IsZero() {
		return messages
	}
	out := make([]forum.Message, 0, len(messages))
	for _, m := range messages {
		if r.Contains(m.CreatedAt) {
			out = append(out, m)
		}
	}
	return out
}
