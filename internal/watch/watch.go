package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/parley/internal/timespec"
	"github.com/dyluth/parley/pkg/forum"
	"github.com/dyluth/parley/pkg/reconcile"
)

// OutputFormat selects how changes are written.
type OutputFormat string

const (
	// OutputFormatDefault is human-readable output with timestamps and emojis
	OutputFormatDefault OutputFormat = "default"
	// OutputFormatJSON is one JSON object per change
	OutputFormatJSON OutputFormat = "json"
)

// ParseFormat validates an --output value.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSON:
		return OutputFormat(s), nil
	default:
		return "", fmt.Errorf("unknown format: %s", s)
	}
}

// Location is the zone timestamps are printed in.
var Location = time.Local

// Source is a live channel. *reconcile.Session satisfies it.
type Source interface {
	ChannelID() int64
	Updates() <-chan reconcile.Change
	Errors() <-chan error
	Err() error
}

// Options tune Stream.
type Options struct {
	Format OutputFormat
	// Range limits which messages of the initial snapshot are printed.
	Range timespec.Range
	// Quiet suppresses the initial snapshot.
	Quiet bool
}

// Stream writes every change of src to w until ctx is done or src ends.
// Non-fatal errors (malformed events, failed resyncs) are written inline.
// Returns src.Err() if the session ended on its own.
func Stream(ctx context.Context, src Source, opts Options, w io.Writer) error {
	if opts.Format == "" {
		opts.Format = OutputFormatDefault
	}
	p := &printer{w: w, format: opts.Format, opts: opts, channel: src.ChannelID()}

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-src.Errors():
			if err := p.error(err); err != nil {
				return err
			}

		case c, ok := <-src.Updates():
			if !ok {
				if err := src.Err(); err != nil {
					return fmt.Errorf("channel %d stream ended: %w", src.ChannelID(), err)
				}
				return nil
			}
			if err := p.change(c); err != nil {
				return err
			}
		}
	}
}

type printer struct {
	w       io.Writer
	format  OutputFormat
	opts    Options
	channel int64
}

// record is the JSON form of a change.
type record struct {
	Kind      string          `json:"kind"`
	Channel   int64           `json:"channel"`
	Action    string          `json:"action,omitempty"`
	Message   *forum.Message  `json:"message,omitempty"`
	MessageID int64           `json:"message_id,omitempty"`
	Messages  []forum.Message `json:"messages,omitempty"`
	Count     int             `json:"count"`
	Follow    string          `json:"follow,omitempty"`
	Unseen    int             `json:"unseen,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (p *printer) change(c reconcile.Change) error {
	if p.format == OutputFormatJSON {
		return p.json(toRecord(p.channel, c, p.opts))
	}

	switch c.Kind {
	case reconcile.ChangeSeeded:
		if p.opts.Quiet {
			return p.line("👀 Watching topic %d (%d messages)", p.channel, len(c.Messages))
		}
		shown := p.opts.Range.Filter(c.Messages)
		for _, m := range shown {
			if err := p.line("%s", FormatMessage(m)); err != nil {
				return err
			}
		}
		return p.line("👀 Watching topic %d (%d messages)", p.channel, len(c.Messages))

	case reconcile.ChangeApplied:
		if err := p.line("%s", FormatEvent(c.Event)); err != nil {
			return err
		}
		if c.Follow == reconcile.FollowIndicate {
			return p.line("⬇️  %s", newMessages(c.NewMessages))
		}
		return nil

	case reconcile.ChangeOlder:
		return p.line("📜 Loaded older history (%d messages)", len(c.Messages))

	case reconcile.ChangeResynced:
		return p.line("🔄 Reconnected, resynced topic %d (%d messages)", p.channel, len(c.Messages))

	default:
		return nil
	}
}

func toRecord(channel int64, c reconcile.Change, opts Options) record {
	r := record{Kind: c.Kind.String(), Channel: channel, Count: len(c.Messages)}
	switch c.Kind {
	case reconcile.ChangeApplied:
		r.Action = string(c.Event.Action)
		r.MessageID = c.Event.TargetID()
		if c.Event.Action != forum.ActionDeleted {
			m := c.Event.Message
			r.Message = &m
		}
		r.Follow = c.Follow.String()
		if c.Follow == reconcile.FollowIndicate {
			r.Unseen = c.NewMessages
		}
	case reconcile.ChangeSeeded:
		if !opts.Quiet {
			r.Messages = opts.Range.Filter(c.Messages)
		}
	}
	return r
}

func (p *printer) error(err error) error {
	if p.format == OutputFormatJSON {
		return p.json(record{Kind: "error", Channel: p.channel, Error: err.Error()})
	}
	if forum.IsDecodeError(err) {
		return p.line("⚠️  Skipped malformed event: %v", err)
	}
	return p.line("⚠️  %v", err)
}

func (p *printer) json(r record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	if _, err := fmt.Fprintf(p.w, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (p *printer) line(format string, a ...any) error {
	if _, err := fmt.Fprintf(p.w, format+"\n", a...); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

// FormatMessage renders one message as "[15:04:05] author: text".
func FormatMessage(m forum.Message) string {
	return fmt.Sprintf("[%s] %s: %s", timestamp(m.CreatedAt), author(m), m.Text)
}

// FormatEvent renders a push event for the default output.
func FormatEvent(ev forum.Event) string {
	switch ev.Action {
	case forum.ActionCreated:
		return "💬 " + FormatMessage(ev.Message)
	case forum.ActionUpdated:
		return fmt.Sprintf("✏️  [%s] %s edited #%d: %s", timestamp(ev.Message.CreatedAt), author(ev.Message), ev.Message.ID, ev.Message.Text)
	case forum.ActionDeleted:
		return fmt.Sprintf("🗑️  Message #%d deleted", ev.MessageID)
	default:
		return fmt.Sprintf("❓ %s", ev)
	}
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.In(Location).Format("15:04:05")
}

func author(m forum.Message) string {
	if m.AuthorName != "" {
		return m.AuthorName
	}
	return fmt.Sprintf("user#%d", m.AuthorID)
}

func newMessages(n int) string {
	if n == 1 {
		return "1 new message"
	}
	return fmt.Sprintf("%d new messages", n)
}
