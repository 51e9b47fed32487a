package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/dyluth/parley/pkg/forum"
)

// ErrDisconnected ends subscriptions dropped by Hub.Disconnect.
var ErrDisconnected = errors.New("disconnected by hub")

// Hub is an in-process Subscriber: events handed to Publish are fanned out to
// every subscription of the channel. It backs the local test server and lets a
// process share one upstream feed between several sessions.
type Hub struct {
	mu   sync.Mutex
	subs map[int64]map[*hubSub]struct{}
}

type hubSub struct {
	events chan forum.Event
	errs   chan error
	kill   chan struct{}
	once   sync.Once
}

func (hs *hubSub) disconnect() {
	hs.once.Do(func() { close(hs.kill) })
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int64]map[*hubSub]struct{})}
}

// Subscribe registers a new subscription on channelID. It never fails.
func (h *Hub) Subscribe(ctx context.Context, channelID int64) (*Subscription, error) {
	hs := &hubSub{
		events: make(chan forum.Event, eventBuffer),
		errs:   make(chan error, eventBuffer),
		kill:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.subs[channelID] == nil {
		h.subs[channelID] = make(map[*hubSub]struct{})
	}
	h.subs[channelID][hs] = struct{}{}
	h.mu.Unlock()

	return start(ctx, func(ctx context.Context, out sink) error {
		defer h.remove(channelID, hs)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hs.kill:
				return ErrDisconnected
			case err := <-hs.errs:
				out.fail(err)
			case ev := <-hs.events:
				if !out.emit(ev) {
					return nil
				}
			}
		}
	}), nil
}

func (h *Hub) remove(channelID int64, hs *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[channelID], hs)
	if len(h.subs[channelID]) == 0 {
		delete(h.subs, channelID)
	}
}

func (h *Hub) snapshot(channelID int64) []*hubSub {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*hubSub, 0, len(h.subs[channelID]))
	for hs := range h.subs[channelID] {
		out = append(out, hs)
	}
	return out
}

// Publish delivers ev to every current subscription of channelID and returns how
// many accepted it. A subscription whose buffer is full misses the event.
func (h *Hub) Publish(channelID int64, ev forum.Event) int {
	n := 0
	for _, hs := range h.snapshot(channelID) {
		select {
		case hs.events <- ev:
			n++
		default:
		}
	}
	return n
}

// Report delivers a non-fatal error to every subscription of channelID.
func (h *Hub) Report(channelID int64, err error) {
	for _, hs := range h.snapshot(channelID) {
		select {
		case hs.errs <- err:
		default:
		}
	}
}

// Disconnect ends every subscription of channelID with ErrDisconnected.
func (h *Hub) Disconnect(channelID int64) {
	for _, hs := range h.snapshot(channelID) {
		hs.disconnect()
	}
}

// Subscribers returns the number of live subscriptions on channelID.
func (h *Hub) Subscribers(channelID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[channelID])
}
