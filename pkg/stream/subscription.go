package stream

import (
	"context"
	"sync"

	"github.com/dyluth/parley/pkg/forum"
)

// eventBuffer is the capacity of the events channel of every subscription.
const eventBuffer = 32

// Subscriber opens push subscriptions to a channel's message events.
type Subscriber interface {
	Subscribe(ctx context.Context, channelID int64) (*Subscription, error)
}

// Subscription is an active push subscription to one channel.
// Caller must call Close() when done; context cancellation also stops it.
//
// Events() is closed when the subscription ends. If it ended because the
// underlying source failed (rather than Close or cancellation), Err() reports why.
type Subscription struct {
	events <-chan forum.Event
	errors <-chan error
	resync <-chan struct{}
	done   <-chan struct{}
	cancel func()
	once   sync.Once

	mu  sync.Mutex
	err error
}

// Events returns the channel of decoded push events.
func (s *Subscription) Events() <-chan forum.Event {
	return s.events
}

// Errors returns non-fatal subscription errors, mostly *forum.DecodeError for
// malformed frames. The offending frame is skipped and delivery continues.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Resync fires after the source reconnected and events may have been missed.
// Consumers should refetch their state. Only reconnecting subscriptions ever fire it.
func (s *Subscription) Resync() <-chan struct{} {
	return s.resync
}

// Done is closed once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error of a subscription whose source failed.
// It is nil while running and after a clean Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the subscription and waits for its goroutine to exit, so no
// event is delivered after Close returns. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

// sink is the producer side handed to a subscription's run function.
type sink struct {
	ctx    context.Context
	events chan<- forum.Event
	errors chan<- error
	resync chan<- struct{}
}

// emit delivers an event; false means the subscription is shutting down.
func (s sink) emit(ev forum.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// fail reports a non-fatal error. Errors are dropped when nobody reads them
// so a slow error consumer never stalls event delivery.
func (s sink) fail(err error) {
	select {
	case s.errors <- err:
	default:
	}
}

// signalResync asks the consumer to refetch. Coalesces with a pending signal.
func (s sink) signalResync() {
	select {
	case s.resync <- struct{}{}:
	default:
	}
}

// start runs fn on its own goroutine and wires its output into a Subscription.
// fn returns when ctx is cancelled (return nil) or the source fails (return the cause).
func start(parent context.Context, fn func(ctx context.Context, out sink) error) *Subscription {
	ctx, cancel := context.WithCancel(parent)

	events := make(chan forum.Event, eventBuffer)
	errs := make(chan error, eventBuffer)
	resync := make(chan struct{}, 1)
	done := make(chan struct{})

	sub := &Subscription{
		events: events,
		errors: errs,
		resync: resync,
		done:   done,
		cancel: cancel,
	}

	go func() {
		defer close(done)
		defer close(events)
		defer cancel()

		err := fn(ctx, sink{ctx: ctx, events: events, errors: errs, resync: resync})
		if err != nil && ctx.Err() == nil {
			sub.mu.Lock()
			sub.err = err
			sub.mu.Unlock()
		}
	}()

	return sub
}
