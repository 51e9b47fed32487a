package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/dyluth/parley/pkg/forum"
)

// Backoff configures the delay between reconnect attempts.
type Backoff struct {
	Initial time.Duration // first delay
	Max     time.Duration // upper bound of a single delay
	Factor  float64       // growth per attempt
	Jitter  float64       // randomization, 0.2 means ±20%
}

// DefaultBackoff is used when Reconnecting.Backoff is the zero value.
var DefaultBackoff = Backoff{
	Initial: 500 * time.Millisecond,
	Max:     30 * time.Second,
	Factor:  2,
	Jitter:  0.2,
}

// defaultStableAfter is how long a connection must stay up before the
// backoff sequence starts over.
const defaultStableAfter = 30 * time.Second

func (b Backoff) isZero() bool {
	return b == Backoff{}
}

// Validate checks that the backoff can produce a bounded sequence of delays.
func (b Backoff) Validate() error {
	if b.Initial <= 0 {
		return fmt.Errorf("backoff initial delay must be positive")
	}
	if b.Max < b.Initial {
		return fmt.Errorf("backoff max delay (%s) must be at least the initial delay (%s)", b.Max, b.Initial)
	}
	if b.Factor < 1 {
		return fmt.Errorf("backoff factor must be >= 1, got %g", b.Factor)
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		return fmt.Errorf("backoff jitter must be in [0, 1), got %g", b.Jitter)
	}
	return nil
}

// exponential builds a never-expiring exponential sequence from b.
func (b Backoff) exponential() *backoff.ExponentialBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.Initial
	exp.MaxInterval = b.Max
	exp.Multiplier = b.Factor
	exp.RandomizationFactor = b.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()
	return exp
}

// Reconnecting wraps a Subscriber and transparently re-subscribes when the
// inner subscription ends. After every successful reconnect it fires Resync(),
// because events sent while disconnected are lost.
type Reconnecting struct {
	Inner   Subscriber
	Backoff Backoff

	// MaxAttempts bounds consecutive failed attempts; 0 retries forever.
	MaxAttempts int

	// StableAfter is the uptime after which a dropped connection restarts the
	// backoff sequence from Backoff.Initial. Defaults to 30s.
	StableAfter time.Duration

	Logger *zap.Logger

	// OnReconnect, if set, is called after each successful reconnect.
	OnReconnect func(channelID int64, attempts int)
}

// NewReconnecting wraps inner with DefaultBackoff.
func NewReconnecting(inner Subscriber, logger *zap.Logger) *Reconnecting {
	return &Reconnecting{Inner: inner, Backoff: DefaultBackoff, Logger: logger}
}

// Subscribe opens the first inner subscription synchronously; its failure is
// returned as is. Later failures are retried in the background and reported on
// Errors(). The subscription only ends by Close, cancellation, exhausting
// MaxAttempts, or an authentication failure on reconnect.
func (r *Reconnecting) Subscribe(ctx context.Context, channelID int64) (*Subscription, error) {
	policy := r.Backoff
	if policy.isZero() {
		policy = DefaultBackoff
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	log := r.Logger
	if log == nil {
		log = zap.NewNop()
	}
	stableAfter := r.StableAfter
	if stableAfter <= 0 {
		stableAfter = defaultStableAfter
	}

	first, err := r.Inner.Subscribe(ctx, channelID)
	if err != nil {
		return nil, err
	}

	return start(ctx, func(ctx context.Context, out sink) error {
		cur := first
		defer func() {
			if cur != nil {
				_ = cur.Close()
			}
		}()

		exp := policy.exponential()
		connectedAt := time.Now()

		for {
			relay(ctx, cur, out)
			if ctx.Err() != nil {
				return nil
			}

			cause := cur.Err()
			if cause == nil {
				cause = errors.New("subscription ended")
			}
			_ = cur.Close()
			cur = nil

			if time.Since(connectedAt) >= stableAfter {
				exp.Reset()
			}
			log.Warn("push subscription ended, reconnecting", zap.Int64("channel", channelID), zap.Error(cause))

			attempts := 0
			for cur == nil {
				if r.MaxAttempts > 0 && attempts >= r.MaxAttempts {
					return fmt.Errorf("gave up reconnecting to channel %d after %d attempts: %w", channelID, attempts, cause)
				}

				delay := exp.NextBackOff()
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil
				case <-timer.C:
				}

				attempts++
				next, err := r.Inner.Subscribe(ctx, channelID)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					if errors.Is(err, forum.ErrNotAuthenticated) {
						return fmt.Errorf("reconnect to channel %d rejected: %w", channelID, err)
					}
					cause = err
					log.Debug("reconnect attempt failed",
						zap.Int64("channel", channelID),
						zap.Int("attempt", attempts),
						zap.Duration("delay", delay),
						zap.Error(err))
					out.fail(fmt.Errorf("reconnect attempt %d failed: %w", attempts, err))
					continue
				}
				cur = next
			}

			connectedAt = time.Now()
			log.Info("push subscription restored", zap.Int64("channel", channelID), zap.Int("attempts", attempts))
			out.signalResync()
			if r.OnReconnect != nil {
				r.OnReconnect(channelID, attempts)
			}
		}
	}), nil
}

// relay forwards everything from sub to out until sub's events end or ctx is done.
func relay(ctx context.Context, sub *Subscription, out sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if !out.emit(ev) {
				return
			}
		case err := <-sub.Errors():
			out.fail(err)
		case <-sub.Resync():
			out.signalResync()
		}
	}
}
