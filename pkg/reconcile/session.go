package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dyluth/parley/pkg/forum"
	"github.com/dyluth/parley/pkg/stream"
)

const (
	updateBuffer = 64
	errorBuffer  = 16
)

// ErrReadOnly is returned by SendLocal on a session opened without a Sender.
var ErrReadOnly = errors.New("session is read-only")

// Fetcher loads a page of channel history. *forum.Client satisfies it.
type Fetcher interface {
	ListMessages(ctx context.Context, channelID int64, page forum.Page) (forum.MessagePage, error)
}

// Sender posts a message and returns the server-confirmed copy. *forum.Client satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, channelID int64, draft forum.Draft) (forum.Message, error)
}

// Observer is told about everything a session does. Implementations must not block.
type Observer interface {
	Applied(channelID int64, ev forum.Event, changed bool)
	Malformed(channelID int64, err error)
	Resynced(channelID int64, err error)
	SendFailed(channelID int64, err error)
}

type nopObserver struct{}

func (nopObserver) Applied(int64, forum.Event, bool) {}
func (nopObserver) Malformed(int64, error)           {}
func (nopObserver) Resynced(int64, error)            {}
func (nopObserver) SendFailed(int64, error)          {}

// Config wires a Session to its collaborators.
type Config struct {
	ChannelID  int64
	Fetcher    Fetcher
	Subscriber stream.Subscriber

	// Sender is optional; without it the session is read-only.
	Sender Sender

	// PageSize > 0 seeds with the newest PageSize messages and enables LoadOlder.
	// Zero seeds with the whole history.
	PageSize int

	Follow   FollowPolicy
	Logger   *zap.Logger
	Observer Observer
}

func (c *Config) validate() error {
	if c.ChannelID <= 0 {
		return fmt.Errorf("channel id must be positive, got %d", c.ChannelID)
	}
	if c.Fetcher == nil {
		return fmt.Errorf("fetcher is required")
	}
	if c.Subscriber == nil {
		return fmt.Errorf("subscriber is required")
	}
	if c.PageSize < 0 || c.PageSize > forum.MaxPageSize {
		return fmt.Errorf("page size must be between 0 and %d, got %d", forum.MaxPageSize, c.PageSize)
	}
	return nil
}

// ChangeKind says why a Change was produced.
type ChangeKind int

const (
	// ChangeSeeded is the first change of every session: the initial fetch.
	ChangeSeeded ChangeKind = iota
	// ChangeApplied follows a push event or a confirmed local send.
	ChangeApplied
	// ChangeOlder follows LoadOlder.
	ChangeOlder
	// ChangeResynced follows a refetch after the push channel reconnected.
	ChangeResynced
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeSeeded:
		return "seeded"
	case ChangeApplied:
		return "applied"
	case ChangeOlder:
		return "older"
	case ChangeResynced:
		return "resynced"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// Change is one state transition of a session.
// Messages is the full snapshot after the change; it is never modified afterwards.
type Change struct {
	Kind     ChangeKind
	Event    forum.Event // set for ChangeApplied
	Messages []forum.Message
	Follow   Follow

	// NewMessages is the unseen count right after this change was applied.
	NewMessages int
}

// op is work executed on the session goroutine.
type op struct {
	fn   func()
	done chan struct{}
}

// Session keeps one channel's message list live: it is seeded by a fetch, fed by
// a push subscription and by confirmed local sends. A single goroutine applies
// every change and publishes it on Updates(), so consumers see changes in the
// order they took effect.
//
// Consumers must drain Updates(); the session waits for them.
type Session struct {
	cfg      Config
	log      *zap.Logger
	observer Observer
	rec      *Reconciler
	sub      *stream.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	ops     chan op
	updates chan Change
	errors  chan error
	done    chan struct{}

	mu       sync.Mutex
	pages    int
	hasMore  bool
	distance int
	unseen   int
	err      error
}

// Open subscribes to the channel and then seeds it. Subscribing first means no
// event can fall between the fetch and the subscription; events that raced the
// fetch are merged after the seed and deduplicated by id.
//
// If the fetch fails the subscription is closed and the error returned; there is
// no session with partial state. ctx bounds the session's whole lifetime.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.Int64("channel", cfg.ChannelID))
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	sctx, cancel := context.WithCancel(ctx)

	sub, err := cfg.Subscriber.Subscribe(sctx, cfg.ChannelID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to channel %d: %w", cfg.ChannelID, err)
	}

	s := &Session{
		cfg:      cfg,
		log:      log,
		observer: observer,
		rec:      New(),
		sub:      sub,
		ctx:      sctx,
		cancel:   cancel,
		ops:      make(chan op),
		updates:  make(chan Change, updateBuffer),
		errors:   make(chan error, errorBuffer),
		done:     make(chan struct{}),
	}

	first, err := cfg.Fetcher.ListMessages(sctx, cfg.ChannelID, s.page(1))
	if err != nil {
		_ = sub.Close()
		cancel()
		return nil, fmt.Errorf("failed to load channel %d: %w", cfg.ChannelID, err)
	}
	s.rec.Seed(first.Messages)
	s.pages = 1
	s.hasMore = first.HasMore

	log.Debug("session opened", zap.Int("messages", s.rec.Len()), zap.Bool("has_more", first.HasMore))

	go s.run()
	return s, nil
}

func (s *Session) page(n int) forum.Page {
	if s.cfg.PageSize == 0 {
		return forum.Page{}
	}
	return forum.Page{Number: n, Size: s.cfg.PageSize}
}

// ChannelID returns the channel this session follows.
func (s *Session) ChannelID() int64 {
	return s.cfg.ChannelID
}

// Updates delivers every change, starting with ChangeSeeded. It is closed when
// the session ends.
func (s *Session) Updates() <-chan Change {
	return s.updates
}

// Errors reports non-fatal problems: malformed push events, failed resyncs.
// It is never closed; errors are dropped when nobody reads them.
func (s *Session) Errors() <-chan error {
	return s.errors
}

// Done is closed when the session goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended on its own (the push subscription failed).
// It is nil while running and after Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Messages returns the current snapshot. Callers must not modify it.
func (s *Session) Messages() []forum.Message {
	return s.rec.Messages()
}

// HasMore reports whether LoadOlder may return more history.
func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.PageSize > 0 && s.hasMore
}

// SetViewport records how far the reader is from the bottom of the list.
// Reaching the follow threshold clears the new-messages indicator.
func (s *Session) SetViewport(distance int) {
	if distance < 0 {
		distance = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.distance = distance
	if distance <= s.cfg.Follow.threshold() {
		s.unseen = 0
	}
}

// NewMessages returns how many messages arrived while the reader was scrolled away.
func (s *Session) NewMessages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unseen
}

// MarkSeen clears the new-messages indicator.
func (s *Session) MarkSeen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unseen = 0
}

// SendLocal posts text to the channel. Nothing changes locally until the server
// confirms; the confirmed message is then merged like a Created event, so the
// push echo of the same message is ignored. A failed send leaves the state as is.
func (s *Session) SendLocal(ctx context.Context, text string) (forum.Message, error) {
	if s.cfg.Sender == nil {
		return forum.Message{}, ErrReadOnly
	}

	m, err := s.cfg.Sender.SendMessage(ctx, s.cfg.ChannelID, forum.Draft{Text: text})
	if err != nil {
		s.observer.SendFailed(s.cfg.ChannelID, err)
		return forum.Message{}, fmt.Errorf("failed to send message: %w", err)
	}

	s.do(func() { s.apply(forum.Created(m)) })
	return m, nil
}

// LoadOlder fetches the messages just before the oldest loaded one and merges
// them. It returns how many messages were added.
//
// The server pages from the newest end, so live messages shift every page. The
// page to ask for is derived from how many messages are loaded right now; that
// page may overlap what is loaded, and the overlap is deduplicated by id.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	if !s.HasMore() {
		return 0, nil
	}

	next := s.rec.Len()/s.cfg.PageSize + 1
	for {
		older, err := s.cfg.Fetcher.ListMessages(ctx, s.cfg.ChannelID, s.page(next))
		if err != nil {
			return 0, fmt.Errorf("failed to load page %d of channel %d: %w", next, s.cfg.ChannelID, err)
		}

		added := 0
		s.do(func() {
			var snapshot []forum.Message
			for _, m := range older.Messages {
				var changed bool
				snapshot, changed = s.rec.Apply(forum.Created(m))
				if changed {
					added++
				}
			}

			s.mu.Lock()
			if next > s.pages {
				s.pages = next
			}
			s.hasMore = older.HasMore
			s.mu.Unlock()

			if added > 0 {
				s.emit(Change{Kind: ChangeOlder, Messages: snapshot, NewMessages: s.NewMessages()})
			}
		})

		select {
		case <-s.done:
			return added, nil
		default:
		}
		// a page made only of loaded messages means the server holds newer
		// messages this session has not merged; keep walking back
		if added > 0 || !older.HasMore {
			return added, nil
		}
		next++
	}
}

// Close stops the session and waits for its goroutine. No change is published
// after Close returns. Safe to call multiple times.
func (s *Session) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

// do runs fn on the session goroutine and waits for it. Dropped if the session has ended.
func (s *Session) do(fn func()) {
	o := op{fn: fn, done: make(chan struct{})}
	select {
	case s.ops <- o:
	case <-s.done:
		return
	}
	select {
	case <-o.done:
	case <-s.done:
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer close(s.updates)
	defer s.rec.Close()
	defer s.sub.Close()
	defer s.cancel()

	if !s.emit(Change{Kind: ChangeSeeded, Messages: s.rec.Messages()}) {
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			return

		case ev, ok := <-s.sub.Events():
			if !ok {
				if err := s.sub.Err(); err != nil && s.ctx.Err() == nil {
					s.log.Warn("push subscription ended", zap.Error(err))
					s.mu.Lock()
					s.err = err
					s.mu.Unlock()
				}
				return
			}
			s.apply(ev)

		case err := <-s.sub.Errors():
			// transport problems share this channel with undecodable frames
			if forum.IsDecodeError(err) {
				s.observer.Malformed(s.cfg.ChannelID, err)
			}
			s.fail(err)

		case <-s.sub.Resync():
			s.resync()

		case o := <-s.ops:
			o.fn()
			close(o.done)
		}
	}
}

// apply merges one event and publishes the change. Session goroutine only.
func (s *Session) apply(ev forum.Event) {
	snapshot, changed := s.rec.Apply(ev)
	s.observer.Applied(s.cfg.ChannelID, ev, changed)
	if !changed {
		s.log.Debug("event had no effect", zap.Stringer("event", ev))
		return
	}

	s.mu.Lock()
	follow := s.cfg.Follow.Decide(ev, s.distance)
	switch follow {
	case FollowScroll:
		s.distance = 0
		s.unseen = 0
	case FollowIndicate:
		s.unseen++
	}
	unseen := s.unseen
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeApplied, Event: ev, Messages: snapshot, Follow: follow, NewMessages: unseen})
}

// resync refetches every loaded page and replaces the state. Events missed while
// the push channel was down are recovered this way.
func (s *Session) resync() {
	s.mu.Lock()
	pages := s.pages
	s.mu.Unlock()
	if size := s.cfg.PageSize; size > 0 {
		if loaded := (s.rec.Len() + size - 1) / size; loaded > pages {
			pages = loaded
		}
	}
	if pages < 1 {
		pages = 1
	}

	var all []forum.Message
	hasMore := false
	for n := 1; n <= pages; n++ {
		mp, err := s.cfg.Fetcher.ListMessages(s.ctx, s.cfg.ChannelID, s.page(n))
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			err = fmt.Errorf("failed to resync channel %d: %w", s.cfg.ChannelID, err)
			s.log.Warn("resync failed, keeping current state", zap.Error(err))
			s.observer.Resynced(s.cfg.ChannelID, err)
			s.fail(err)
			return
		}
		all = append(all, mp.Messages...)
		hasMore = mp.HasMore
		if s.cfg.PageSize == 0 {
			break
		}
	}

	s.rec.Seed(all)
	s.mu.Lock()
	s.hasMore = hasMore
	s.mu.Unlock()

	s.observer.Resynced(s.cfg.ChannelID, nil)
	s.log.Info("channel resynced", zap.Int("messages", s.rec.Len()))
	s.emit(Change{Kind: ChangeResynced, Messages: s.rec.Messages(), NewMessages: s.NewMessages()})
}

func (s *Session) emit(c Change) bool {
	select {
	case s.updates <- c:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) fail(err error) {
	select {
	case s.errors <- err:
	default:
	}
}
