package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/parley/internal/timespec"
	"github.com/dyluth/parley/pkg/forum"
	"github.com/dyluth/parley/pkg/reconcile"
	"github.com/dyluth/parley/pkg/stream"
)

var t0 = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func init() {
	Location = time.UTC
}

// fakeSource replays scripted changes and errors, then ends.
type fakeSource struct {
	updates chan reconcile.Change
	errs    chan error
	err     error
}

func newFakeSource(changes ...reconcile.Change) *fakeSource {
	f := &fakeSource{
		updates: make(chan reconcile.Change, len(changes)),
		errs:    make(chan error, 4),
	}
	for _, c := range changes {
		f.updates <- c
	}
	close(f.updates)
	return f
}

func (f *fakeSource) ChannelID() int64                  { return 7 }
func (f *fakeSource) Updates() <-chan reconcile.Change { return f.updates }
func (f *fakeSource) Errors() <-chan error             { return f.errs }
func (f *fakeSource) Err() error                       { return f.err }

func msg(id int64, author, text string, offset time.Duration) forum.Message {
	return forum.Message{ID: id, ChannelID: 7, AuthorName: author, Text: text, CreatedAt: t0.Add(offset)}
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name     string
		event    forum.Event
		expected string
	}{
		{
			name:     "created",
			event:    forum.Created(msg(1, "ann", "hello", 0)),
			expected: "💬 [09:30:00] ann: hello",
		},
		{
			name:     "updated",
			event:    forum.Updated(msg(1, "ann", "hello again", 0)),
			expected: "✏️  [09:30:00] ann edited #1: hello again",
		},
		{
			name:     "deleted",
			event:    forum.Deleted(3),
			expected: "🗑️  Message #3 deleted",
		},
		{
			name:     "anonymous author",
			event:    forum.Created(forum.Message{ID: 2, AuthorID: 42, Text: "hi", CreatedAt: t0}),
			expected: "💬 [09:30:00] user#42: hi",
		},
		{
			name:     "missing timestamp",
			event:    forum.Created(forum.Message{ID: 2, AuthorName: "bob", Text: "hi"}),
			expected: "💬 [--:--:--] bob: hi",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatEvent(tt.event))
		})
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, OutputFormatJSON, f)

	_, err = ParseFormat("yaml")
	assert.Error(t, err)
}

func TestStream_Default(t *testing.T) {
	seed := []forum.Message{msg(1, "ann", "first", 0), msg(2, "bob", "second", time.Minute)}
	src := newFakeSource(
		reconcile.Change{Kind: reconcile.ChangeSeeded, Messages: seed},
		reconcile.Change{Kind: reconcile.ChangeApplied, Event: forum.Created(msg(3, "cat", "third", 2*time.Minute)), Follow: reconcile.FollowScroll},
		reconcile.Change{Kind: reconcile.ChangeApplied, Event: forum.Deleted(1), Follow: reconcile.FollowNone},
		reconcile.Change{Kind: reconcile.ChangeResynced, Messages: seed},
	)

	var buf bytes.Buffer
	require.NoError(t, Stream(context.Background(), src, Options{}, &buf))

	assert.Equal(t, strings.Join([]string{
		"[09:30:00] ann: first",
		"[09:31:00] bob: second",
		"👀 Watching topic 7 (2 messages)",
		"💬 [09:32:00] cat: third",
		"🗑️  Message #1 deleted",
		"🔄 Reconnected, resynced topic 7 (2 messages)",
		"",
	}, "\n"), buf.String())
}

func TestStream_Indicator(t *testing.T) {
	// a burst of queued changes each carries the count from when it was applied
	src := newFakeSource(
		reconcile.Change{Kind: reconcile.ChangeSeeded},
		reconcile.Change{Kind: reconcile.ChangeApplied, Event: forum.Created(msg(3, "cat", "hey", 0)), Follow: reconcile.FollowIndicate, NewMessages: 1},
		reconcile.Change{Kind: reconcile.ChangeApplied, Event: forum.Created(msg(4, "cat", "you there?", time.Second)), Follow: reconcile.FollowIndicate, NewMessages: 2},
	)

	var buf bytes.Buffer
	require.NoError(t, Stream(context.Background(), src, Options{}, &buf))

	out := buf.String()
	first := strings.Index(out, "⬇️  1 new message\n")
	second := strings.Index(out, "⬇️  2 new messages\n")
	require.NotEqual(t, -1, first, out)
	require.NotEqual(t, -1, second, out)
	assert.Less(t, first, second)
}

func TestStream_RangeAndQuiet(t *testing.T) {
	seed := []forum.Message{msg(1, "ann", "old", 0), msg(2, "bob", "recent", time.Hour)}

	t.Run("range filters the snapshot", func(t *testing.T) {
		src := newFakeSource(reconcile.Change{Kind: reconcile.ChangeSeeded, Messages: seed})
		var buf bytes.Buffer
		require.NoError(t, Stream(context.Background(), src, Options{Range: timespec.Range{Since: t0.Add(time.Minute)}}, &buf))
		assert.NotContains(t, buf.String(), "old")
		assert.Contains(t, buf.String(), "recent")
		assert.Contains(t, buf.String(), "(2 messages)")
	})

	t.Run("quiet prints only the header", func(t *testing.T) {
		src := newFakeSource(reconcile.Change{Kind: reconcile.ChangeSeeded, Messages: seed})
		var buf bytes.Buffer
		require.NoError(t, Stream(context.Background(), src, Options{Quiet: true}, &buf))
		assert.Equal(t, "👀 Watching topic 7 (2 messages)\n", buf.String())
	})
}

func TestStream_JSON(t *testing.T) {
	src := newFakeSource(
		reconcile.Change{Kind: reconcile.ChangeSeeded, Messages: []forum.Message{msg(1, "ann", "first", 0)}},
		reconcile.Change{Kind: reconcile.ChangeApplied, Event: forum.Updated(msg(1, "ann", "edited", 0)), Messages: []forum.Message{msg(1, "ann", "edited", 0)}, Follow: reconcile.FollowNone},
		reconcile.Change{Kind: reconcile.ChangeApplied, Event: forum.Deleted(1), Follow: reconcile.FollowNone},
	)

	var buf bytes.Buffer
	require.NoError(t, Stream(context.Background(), src, Options{Format: OutputFormatJSON}, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var seeded, updated, deleted record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &seeded))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &updated))
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &deleted))

	assert.Equal(t, "seeded", seeded.Kind)
	assert.Len(t, seeded.Messages, 1)

	assert.Equal(t, "applied", updated.Kind)
	assert.Equal(t, "updated", updated.Action)
	require.NotNil(t, updated.Message)
	assert.Equal(t, "edited", updated.Message.Text)
	assert.Equal(t, "none", updated.Follow)

	assert.Equal(t, "deleted", deleted.Action)
	assert.Equal(t, int64(1), deleted.MessageID)
	assert.Nil(t, deleted.Message)
}

func TestStream_Errors(t *testing.T) {
	t.Run("inline errors keep the stream going", func(t *testing.T) {
		src := &fakeSource{updates: make(chan reconcile.Change), errs: make(chan error, 1)}
		src.errs <- &forum.DecodeError{Kind: "event", Reason: "unknown action"}

		ctx, cancel := context.WithCancel(context.Background())
		var buf bytes.Buffer
		done := make(chan error, 1)
		go func() { done <- Stream(ctx, src, Options{}, &buf) }()

		require.Eventually(t, func() bool { return len(src.errs) == 0 }, time.Second, 5*time.Millisecond)
		cancel()
		require.NoError(t, <-done)
		assert.Contains(t, buf.String(), "Skipped malformed event")
	})

	t.Run("session failure is returned", func(t *testing.T) {
		src := newFakeSource()
		src.err = errors.New("socket closed")

		err := Stream(context.Background(), src, Options{}, &bytes.Buffer{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "channel 7 stream ended")
		assert.ErrorContains(t, err, "socket closed")
	})
}

// staticHistory serves a fixed message list.
type staticHistory struct {
	mu       sync.Mutex
	messages []forum.Message
}

func (h *staticHistory) ListMessages(ctx context.Context, channelID int64, page forum.Page) (forum.MessagePage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return forum.MessagePage{Messages: append([]forum.Message(nil), h.messages...)}, nil
}

func TestStream_LiveSession(t *testing.T) {
	hub := stream.NewHub()
	hist := &staticHistory{messages: []forum.Message{msg(1, "ann", "hello", 0)}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := reconcile.Open(ctx, reconcile.Config{ChannelID: 7, Fetcher: hist, Subscriber: hub})
	require.NoError(t, err)
	defer sess.Close()

	var buf safeBuffer
	done := make(chan error, 1)
	go func() { done <- Stream(ctx, sess, Options{}, &buf) }()

	require.Eventually(t, func() bool { return strings.Contains(buf.String(), "Watching topic 7") }, 2*time.Second, 10*time.Millisecond)
	hub.Publish(7, forum.Created(msg(2, "bob", "hi ann", time.Second)))
	require.Eventually(t, func() bool { return strings.Contains(buf.String(), "💬 [09:30:01] bob: hi ann") }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
