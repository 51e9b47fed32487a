package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dyluth/parley/pkg/forum"
	"github.com/dyluth/parley/pkg/stream"
)

const channel = int64(1)

// history is a fake forum channel: it serves pages newest-first like the server
// and confirms sends with increasing ids.
type history struct {
	mu       sync.Mutex
	messages []forum.Message
	fetchErr error
	sendErr  error
	nextID   int64
	fetches  int

	// onFetch runs during ListMessages, after the session has subscribed
	onFetch func()
}

func newHistory(messages ...forum.Message) *history {
	return &history{messages: messages, nextID: 1000}
}

func (h *history) ListMessages(ctx context.Context, channelID int64, page forum.Page) (forum.MessagePage, error) {
	h.mu.Lock()
	hook := h.onFetch
	h.onFetch = nil
	h.fetches++
	if h.fetchErr != nil {
		err := h.fetchErr
		h.mu.Unlock()
		return forum.MessagePage{}, err
	}
	all := append([]forum.Message(nil), h.messages...)
	h.mu.Unlock()

	if hook != nil {
		hook()
	}

	if page.IsZero() {
		return forum.MessagePage{Messages: all}, nil
	}
	end := len(all) - (page.Number-1)*page.Size
	if end < 0 {
		end = 0
	}
	begin := end - page.Size
	if begin < 0 {
		begin = 0
	}
	out := all[begin:end]
	return forum.MessagePage{Messages: out, HasMore: len(out) >= page.Size}, nil
}

func (h *history) SendMessage(ctx context.Context, channelID int64, draft forum.Draft) (forum.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return forum.Message{}, h.sendErr
	}
	h.nextID++
	m := forum.Message{
		ID:         h.nextID,
		ChannelID:  channelID,
		AuthorID:   42,
		AuthorName: "me",
		Text:       draft.Text,
		CreatedAt:  t0.Add(time.Hour),
	}
	h.messages = append(h.messages, m)
	return m, nil
}

func (h *history) add(messages ...forum.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, messages...)
}

func (h *history) set(messages ...forum.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = messages
}

type recordingObserver struct {
	mu         sync.Mutex
	applied    int
	unchanged  int
	malformed  int
	resyncs    int
	sendFailed int
}

func (o *recordingObserver) Applied(_ int64, _ forum.Event, changed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if changed {
		o.applied++
	} else {
		o.unchanged++
	}
}

func (o *recordingObserver) Malformed(int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.malformed++
}

func (o *recordingObserver) Resynced(int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resyncs++
}

func (o *recordingObserver) SendFailed(int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sendFailed++
}

func (o *recordingObserver) counts() (applied, unchanged, malformed, resyncs, sendFailed int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.applied, o.unchanged, o.malformed, o.resyncs, o.sendFailed
}

func nextChange(t *testing.T, s *Session) Change {
	t.Helper()
	select {
	case c, ok := <-s.Updates():
		require.True(t, ok, "updates closed early")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return Change{}
	}
}

func noChange(t *testing.T, s *Session) {
	t.Helper()
	select {
	case c := <-s.Updates():
		t.Fatalf("unexpected change %s: %v", c.Kind, ids(c.Messages))
	case <-time.After(50 * time.Millisecond):
	}
}

func openSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	seeded := nextChange(t, s)
	require.Equal(t, ChangeSeeded, seeded.Kind)
	return s
}

func TestSession_SeedAndPush(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := stream.NewHub()
	hist := newHistory(msg(1, 0, "hello"))

	s, err := Open(context.Background(), Config{ChannelID: channel, Fetcher: hist, Subscriber: hub})
	require.NoError(t, err)

	seeded := nextChange(t, s)
	assert.Equal(t, ChangeSeeded, seeded.Kind)
	assert.Equal(t, []int64{1}, ids(seeded.Messages))

	hub.Publish(channel, forum.Created(msg(2, time.Second, "world")))
	c := nextChange(t, s)
	assert.Equal(t, ChangeApplied, c.Kind)
	assert.Equal(t, forum.ActionCreated, c.Event.Action)
	assert.Equal(t, []int64{1, 2}, ids(c.Messages))
	assert.Equal(t, FollowScroll, c.Follow)

	hub.Publish(channel, forum.Created(msg(1, 0, "hello")))
	hub.Publish(channel, forum.Deleted(1))
	c = nextChange(t, s)
	assert.Equal(t, forum.Deleted(1), c.Event, "duplicate create produced no change")
	assert.Equal(t, []int64{2}, ids(c.Messages))

	hub.Publish(channel, forum.Updated(msg(2, time.Second, "x")))
	c = nextChange(t, s)
	assert.Equal(t, []forum.Message{msg(2, time.Second, "x")}, c.Messages)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, ok := <-s.Updates()
	assert.False(t, ok, "updates closed after Close")
	assert.Equal(t, 0, hub.Subscribers(channel), "subscription released")
	assert.Equal(t, 0, hub.Publish(channel, forum.Deleted(2)), "late events go nowhere")
	assert.NoError(t, s.Err())
}

func TestSession_SendLocalThenEcho(t *testing.T) {
	hub := stream.NewHub()
	hist := newHistory(msg(1, 0, "hello"))
	obs := &recordingObserver{}
	s := openSession(t, Config{
		ChannelID:  channel,
		Fetcher:    hist,
		Subscriber: hub,
		Sender:     hist,
		Follow:     FollowPolicy{LocalUserID: 42},
		Observer:   obs,
	})
	s.SetViewport(500)

	sent, err := s.SendLocal(context.Background(), "mine")
	require.NoError(t, err)

	c := nextChange(t, s)
	assert.Equal(t, ChangeApplied, c.Kind)
	assert.Equal(t, []int64{1, sent.ID}, ids(c.Messages))
	assert.Equal(t, FollowScroll, c.Follow, "own messages always follow")

	// the push channel echoes the same message
	hub.Publish(channel, forum.Created(sent))
	require.Eventually(t, func() bool {
		_, unchanged, _, _, _ := obs.counts()
		return unchanged == 1
	}, time.Second, 5*time.Millisecond)
	noChange(t, s)
	assert.Equal(t, []int64{1, sent.ID}, ids(s.Messages()))

	applied, _, _, _, _ := obs.counts()
	assert.Equal(t, 1, applied)
}

func TestSession_EchoBeforeConfirmation(t *testing.T) {
	hub := stream.NewHub()
	hist := newHistory()
	s := openSession(t, Config{ChannelID: channel, Fetcher: hist, Subscriber: hub, Sender: hist})

	echo := forum.Message{ID: 1001, ChannelID: channel, AuthorID: 42, Text: "fast", CreatedAt: t0.Add(time.Hour)}
	hub.Publish(channel, forum.Created(echo))
	nextChange(t, s)

	sent, err := s.SendLocal(context.Background(), "fast")
	require.NoError(t, err)
	assert.Equal(t, echo.ID, sent.ID)
	noChange(t, s)
	assert.Len(t, s.Messages(), 1)
}

func TestSession_SendFailureLeavesState(t *testing.T) {
	hub := stream.NewHub()
	hist := newHistory(msg(1, 0, "hello"))
	hist.sendErr = errors.New("503 service unavailable")
	obs := &recordingObserver{}
	s := openSession(t, Config{ChannelID: channel, Fetcher: hist, Subscriber: hub, Sender: hist, Observer: obs})

	_, err := s.SendLocal(context.Background(), "lost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	noChange(t, s)
	assert.Equal(t, []int64{1}, ids(s.Messages()))
	_, _, _, _, sendFailed := obs.counts()
	assert.Equal(t, 1, sendFailed)
}

func TestSession_ReadOnly(t *testing.T) {
	s := openSession(t, Config{ChannelID: channel, Fetcher: newHistory(), Subscriber: stream.NewHub()})
	_, err := s.SendLocal(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestSession_SeedFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := stream.NewHub()
	hist := newHistory()
	hist.fetchErr = errors.New("connection refused")

	s, err := Open(context.Background(), Config{ChannelID: channel, Fetcher: hist, Subscriber: hub})
	require.Error(t, err)
	assert.Nil(t, s)
	assert.Contains(t, err.Error(), "failed to load channel 1")
	assert.Equal(t, 0, hub.Subscribers(channel), "subscription closed on failed seed")
}

func TestSession_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no channel", cfg: Config{Fetcher: newHistory(), Subscriber: stream.NewHub()}},
		{name: "no fetcher", cfg: Config{ChannelID: 1, Subscriber: stream.NewHub()}},
		{name: "no subscriber", cfg: Config{ChannelID: 1, Fetcher: newHistory()}},
		{name: "page too large", cfg: Config{ChannelID: 1, Fetcher: newHistory(), Subscriber: stream.NewHub(), PageSize: forum.MaxPageSize + 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(context.Background(), tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestSession_EventsRacingTheSeed(t *testing.T) {
	hub := stream.NewHub()
	hist := newHistory(msg(1, 0, "a"), msg(2, time.Second, "b"))
	// message 2 is announced after subscribing but before the fetch returns
	hist.onFetch = func() {
		hub.Publish(channel, forum.Created(msg(2, time.Second, "b")))
		hub.Publish(channel, forum.Updated(msg(1, 0, "a (edited)")))
	}

	s := openSession(t, Config{ChannelID: channel, Fetcher: hist, Subscriber: hub})

	c := nextChange(t, s)
	assert.Equal(t, forum.ActionUpdated, c.Event.Action)
	assert.Equal(t, []int64{1, 2}, ids(c.Messages))
	assert.Equal(t, "a (edited)", c.Messages[0].Text)
	noChange(t, s)
}

func TestSession_NewMessagesIndicator(t *testing.T) {
	hub := stream.NewHub()
	s := openSession(t, Config{ChannelID: channel, Fetcher: newHistory(), Subscriber: hub})

	s.SetViewport(200)
	hub.Publish(channel, forum.Created(msg(1, 0, "a")))
	hub.Publish(channel, forum.Created(msg(2, time.Second, "b")))

	c := nextChange(t, s)
	assert.Equal(t, FollowIndicate, c.Follow)
	assert.Equal(t, 1, c.NewMessages)
	c = nextChange(t, s)
	assert.Equal(t, FollowIndicate, c.Follow)
	assert.Equal(t, 2, c.NewMessages)
	assert.Equal(t, 2, s.NewMessages())

	s.SetViewport(10)
	assert.Equal(t, 0, s.NewMessages())

	hub.Publish(channel, forum.Created(msg(3, 2*time.Second, "c")))
	c = nextChange(t, s)
	assert.Equal(t, FollowScroll, c.Follow)
	assert.Zero(t, c.NewMessages)

	s.SetViewport(200)
	hub.Publish(channel, forum.Created(msg(4, 3*time.Second, "d")))
	nextChange(t, s)
	assert.Equal(t, 1, s.NewMessages())
	s.MarkSeen()
	assert.Equal(t, 0, s.NewMessages())
}

func TestSession_LoadOlder(t *testing.T) {
	var all []forum.Message
	for i := int64(1); i <= 5; i++ {
		all = append(all, msg(i, time.Duration(i)*time.Second, "m"))
	}
	hub := stream.NewHub()
	hist := newHistory(all...)

	s := openSession(t, Config{ChannelID: channel, Fetcher: hist, Subscriber: hub, PageSize: 2})
	assert.Equal(t, []int64{4, 5}, ids(s.Messages()))
	assert.True(t, s.HasMore())

	n, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	c := nextChange(t, s)
	assert.Equal(t, ChangeOlder, c.Kind)
	assert.Equal(t, []int64{2, 3, 4, 5}, ids(c.Messages))
	assert.True(t, s.HasMore())

	n, err = s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	nextChange(t, s)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids(s.Messages()))
	assert.False(t, s.HasMore())

	n, err = s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSession_LoadOlderAfterLiveMessages(t *testing.T) {
	var all []forum.Message
	for i := int64(1); i <= 6; i++ {
		all = append(all, msg(i, time.Duration(i)*time.Second, "m"))
	}

	t.Run("pushed messages do not hide older history", func(t *testing.T) {
		hub := stream.NewHub()
		hist := newHistory(all...)
		s := openSession(t, Config{ChannelID: channel, Fetcher: hist, Subscriber: hub, PageSize: 2})
		assert.Equal(t, []int64{5, 6}, ids(s.Messages()))

		for _, m := range []forum.Message{msg(7, 7*time.Second, "live"), msg(8, 8*time.Second, "live")} {
			hist.add(m)
			hub.Publish(channel, forum.Created(m))
			nextChange(t, s)
		}

		n, err := s.LoadOlder(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, []int64{3, 4, 5, 6, 7, 8}, ids(nextChange(t, s).Messages))
		assert.True(t, s.HasMore())

		n, err = s.LoadOlder(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8}, ids(nextChange(t, s).Messages))
	})

	t.Run("odd number of live messages", func(t *testing.T) {
		hub := stream.NewHub()
		hist := newHistory(all...)
		s := openSession(t, Config{ChannelID: channel, Fetcher: hist, Subscriber: hub, PageSize: 2})

		m := msg(7, 7*time.Second, "live")
		hist.add(m)
		hub.Publish(channel, forum.Created(m))
		nextChange(t, s)

		n, err := s.LoadOlder(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n, "the page overlaps one loaded message")
		assert.Equal(t, []int64{4, 5, 6, 7}, ids(nextChange(t, s).Messages))
	})

	t.Run("messages never pushed to the session", func(t *testing.T) {
		hub := stream.NewHub()
		hist := newHistory(all...)
		s := openSession(t, Config{ChannelID: channel, Fetcher: hist, Subscriber: hub, PageSize: 2})

		hist.add(msg(7, 7*time.Second, "missed"), msg(8, 8*time.Second, "missed"))

		n, err := s.LoadOlder(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, []int64{3, 4, 5, 6}, ids(nextChange(t, s).Messages))
	})
}

func TestSession_ResyncAfterReconnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := stream.NewHub()
	hist := newHistory(msg(1, 0, "a"))
	obs := &recordingObserver{}
	sub := &stream.Reconnecting{
		Inner:   hub,
		Backoff: stream.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
	}

	s, err := Open(context.Background(), Config{ChannelID: channel, Fetcher: hist, Subscriber: sub, Observer: obs})
	require.NoError(t, err)
	defer s.Close()
	nextChange(t, s)

	// changes made while the push channel is down are only visible to a refetch
	hist.set(msg(2, time.Second, "b"), msg(3, 2*time.Second, "c"))
	hub.Disconnect(channel)

	c := nextChange(t, s)
	assert.Equal(t, ChangeResynced, c.Kind)
	assert.Equal(t, []int64{2, 3}, ids(c.Messages))

	_, _, _, resyncs, _ := obs.counts()
	assert.Equal(t, 1, resyncs)

	require.Eventually(t, func() bool { return hub.Subscribers(channel) == 1 }, time.Second, 5*time.Millisecond)
	hub.Publish(channel, forum.Created(msg(4, 3*time.Second, "d")))
	assert.Equal(t, []int64{2, 3, 4}, ids(nextChange(t, s).Messages))
}

func TestSession_MalformedEvents(t *testing.T) {
	hub := stream.NewHub()
	obs := &recordingObserver{}
	s := openSession(t, Config{ChannelID: channel, Fetcher: newHistory(), Subscriber: hub, Observer: obs})

	bad := &forum.DecodeError{Kind: "event", Reason: `unknown action "pinned"`}
	hub.Report(channel, bad)

	select {
	case err := <-s.Errors():
		assert.True(t, forum.IsDecodeError(err))
	case <-time.After(2 * time.Second):
		t.Fatal("malformed event not reported")
	}
	_, _, malformed, _, _ := obs.counts()
	assert.Equal(t, 1, malformed)

	hub.Publish(channel, forum.Created(msg(1, 0, "still alive")))
	assert.Equal(t, []int64{1}, ids(nextChange(t, s).Messages))
}

func TestSession_TransportErrorsAreNotMalformed(t *testing.T) {
	hub := stream.NewHub()
	obs := &recordingObserver{}
	s := openSession(t, Config{ChannelID: channel, Fetcher: newHistory(), Subscriber: hub, Observer: obs})

	hub.Report(channel, errors.New("reconnect attempt 1 failed: connection refused"))

	select {
	case err := <-s.Errors():
		assert.False(t, forum.IsDecodeError(err))
		assert.Contains(t, err.Error(), "connection refused")
	case <-time.After(2 * time.Second):
		t.Fatal("transport error not reported")
	}
	_, _, malformed, _, _ := obs.counts()
	assert.Zero(t, malformed)
}

func TestSession_EndsWhenSubscriptionFails(t *testing.T) {
	hub := stream.NewHub()
	s := openSession(t, Config{ChannelID: channel, Fetcher: newHistory(), Subscriber: hub})

	hub.Disconnect(channel)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	assert.ErrorIs(t, s.Err(), stream.ErrDisconnected)
	_, ok := <-s.Updates()
	assert.False(t, ok)
}
