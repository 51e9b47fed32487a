package testutil_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/parley/internal/testutil"
	"github.com/dyluth/parley/pkg/forum"
	"github.com/dyluth/parley/pkg/reconcile"
	"github.com/dyluth/parley/pkg/stream"
)

func nextChange(t *testing.T, sess *reconcile.Session) reconcile.Change {
	t.Helper()
	select {
	case c, ok := <-sess.Updates():
		require.True(t, ok, "session ended: %v", sess.Err())
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a session change")
		return reconcile.Change{}
	}
}

func texts(ms []forum.Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Text)
	}
	return out
}

func TestLiveSessionOverWebSocket(t *testing.T) {
	srv := testutil.NewForum(t)
	ann := srv.AddUser("Ann", "ann@example.com", forum.RoleUser)
	bob := srv.AddUser("Bob", "bob@example.com", forum.RoleUser)
	cat := srv.AddCategory("General", "Anything goes")
	topic := srv.AddTopic(cat.ID, "Welcome", bob)
	srv.Post(topic.ID, bob, "hello")
	srv.Post(topic.ID, bob, "anyone here?")

	client, err := forum.NewClient(forum.Options{
		BaseURL: srv.URL,
		Tokens:  forum.NewMemoryTokenStore(srv.Login(ann.ID)),
	})
	require.NoError(t, err)

	ws, err := stream.NewWebSocketSubscriber(srv.WebSocketURL(), client, nil)
	require.NoError(t, err)

	var reconnects atomic.Int32
	sub := &stream.Reconnecting{
		Inner:   ws,
		Backoff: stream.Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2},
		OnReconnect: func(channelID int64, attempts int) {
			reconnects.Add(1)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := reconcile.Open(ctx, reconcile.Config{
		ChannelID:  topic.ID,
		Fetcher:    client,
		Sender:     client,
		Subscriber: sub,
	})
	require.NoError(t, err)
	defer sess.Close()

	seeded := nextChange(t, sess)
	require.Equal(t, reconcile.ChangeSeeded, seeded.Kind)
	assert.Equal(t, []string{"hello", "anyone here?"}, texts(seeded.Messages))

	require.Eventually(t, func() bool { return srv.Connections() == 1 }, 5*time.Second, 10*time.Millisecond)

	t.Run("push event is applied", func(t *testing.T) {
		srv.Post(topic.ID, bob, "welcome aboard")
		c := nextChange(t, sess)
		require.Equal(t, reconcile.ChangeApplied, c.Kind)
		assert.Equal(t, forum.ActionCreated, c.Event.Action)
		assert.Equal(t, "Bob", c.Event.Message.AuthorName)
		assert.Len(t, c.Messages, 3)
	})

	t.Run("local send and its push echo yield one message", func(t *testing.T) {
		sent, err := sess.SendLocal(ctx, "hi all")
		require.NoError(t, err)
		assert.Equal(t, ann.ID, sent.AuthorID)

		c := nextChange(t, sess)
		require.Equal(t, reconcile.ChangeApplied, c.Kind)
		assert.Equal(t, sent.ID, c.Event.TargetID())

		// the echo produces no change, so the next change is Bob's reply
		srv.Post(topic.ID, bob, "hi ann")
		c = nextChange(t, sess)
		require.Equal(t, reconcile.ChangeApplied, c.Kind)
		assert.Equal(t, "hi ann", c.Event.Message.Text)
		assert.Equal(t, []string{"hello", "anyone here?", "welcome aboard", "hi all", "hi ann"}, texts(c.Messages))
	})

	t.Run("edits and deletes from the server", func(t *testing.T) {
		stored := srv.Messages(topic.ID)
		first := stored[0]

		bobClient, err := forum.NewClient(forum.Options{BaseURL: srv.URL, Tokens: forum.NewMemoryTokenStore(srv.Login(bob.ID))})
		require.NoError(t, err)

		require.NoError(t, bobClient.UpdateMessage(ctx, first.ID, "hello (edited)"))
		c := nextChange(t, sess)
		require.Equal(t, forum.ActionUpdated, c.Event.Action)
		assert.Equal(t, "hello (edited)", c.Messages[0].Text)

		require.NoError(t, bobClient.DeleteMessage(ctx, first.ID))
		c = nextChange(t, sess)
		require.Equal(t, forum.ActionDeleted, c.Event.Action)
		assert.Len(t, c.Messages, 4)
	})

	t.Run("dropped connection resyncs missed messages", func(t *testing.T) {
		srv.DropConnections(topic.ID)
		missed := srv.Post(topic.ID, bob, "did you miss me?")

		deadline := time.After(5 * time.Second)
		for {
			var c reconcile.Change
			select {
			case c = <-sess.Updates():
			case <-deadline:
				t.Fatal("no resync after the connection dropped")
			}
			if c.Kind == reconcile.ChangeResynced {
				assert.Contains(t, texts(c.Messages), missed.Text)
				assert.Len(t, c.Messages, 5)
				break
			}
		}
		assert.GreaterOrEqual(t, reconnects.Load(), int32(1))
		assert.Eventually(t, func() bool { return srv.Connections() == 1 }, 5*time.Second, 10*time.Millisecond)
	})

	require.NoError(t, sess.Close())
	_, ok := <-sess.Updates()
	assert.False(t, ok, "updates are closed after Close")
	assert.NoError(t, sess.Err())
}

func TestPushHandshake(t *testing.T) {
	srv := testutil.NewForum(t)
	ann := srv.AddUser("Ann", "ann@example.com", forum.RoleUser)
	cat := srv.AddCategory("General", "Anything goes")
	topic := srv.AddTopic(cat.ID, "Welcome", ann)
	ctx := context.Background()

	t.Run("anonymous read is allowed", func(t *testing.T) {
		ws, err := stream.NewWebSocketSubscriber(srv.WebSocketURL(), nil, nil)
		require.NoError(t, err)
		sub, err := ws.Subscribe(ctx, topic.ID)
		require.NoError(t, err)
		defer sub.Close()

		require.Eventually(t, func() bool { return srv.Hub.Subscribers(topic.ID) == 1 }, 5*time.Second, 10*time.Millisecond)
		srv.Post(topic.ID, ann, "public")

		select {
		case ev := <-sub.Events():
			assert.Equal(t, "public", ev.Message.Text)
		case <-time.After(5 * time.Second):
			t.Fatal("no event received")
		}
	})

	t.Run("stale token is rejected", func(t *testing.T) {
		client, err := forum.NewClient(forum.Options{BaseURL: srv.URL, Tokens: forum.NewMemoryTokenStore(srv.Login(ann.ID))})
		require.NoError(t, err)
		srv.ExpireTokens()

		ws, err := stream.NewWebSocketSubscriber(srv.WebSocketURL(), client, nil)
		require.NoError(t, err)
		_, err = ws.Subscribe(ctx, topic.ID)
		require.Error(t, err)
		assert.ErrorIs(t, err, forum.ErrNotAuthenticated)
	})
}
