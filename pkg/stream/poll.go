package stream

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/parley/pkg/forum"
)

// DefaultPollInterval is used when PollingSubscriber.Interval is unset.
const DefaultPollInterval = 3 * time.Second

// Fetcher reads a page of a channel's history. *forum.Client satisfies it.
type Fetcher interface {
	ListMessages(ctx context.Context, channelID int64, page forum.Page) (forum.MessagePage, error)
}

// PollingSubscriber synthesizes push events by periodically fetching the
// newest page of a channel and diffing it against the previous snapshot.
// It is the fallback for deployments without a push endpoint.
type PollingSubscriber struct {
	fetch Fetcher
	log   *zap.Logger

	// Interval between fetches. Defaults to DefaultPollInterval.
	Interval time.Duration

	// PageSize limits each fetch to the newest PageSize messages.
	// Zero fetches the whole history every time.
	PageSize int
}

// NewPollingSubscriber creates a polling subscriber over fetch.
func NewPollingSubscriber(fetch Fetcher, logger *zap.Logger) *PollingSubscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PollingSubscriber{fetch: fetch, log: logger, Interval: DefaultPollInterval}
}

// Subscribe takes the initial snapshot before returning, so only changes made
// after Subscribe are reported. Fetch failures while running are reported on
// Errors() and the next tick tries again.
func (p *PollingSubscriber) Subscribe(ctx context.Context, channelID int64) (*Subscription, error) {
	page := p.page()
	windowed := !page.IsZero()

	first, err := p.fetch.ListMessages(ctx, channelID, page)
	if err != nil {
		return nil, fmt.Errorf("failed to take initial snapshot of channel %d: %w", channelID, err)
	}

	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	return start(ctx, func(ctx context.Context, out sink) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := first.Messages
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}

			next, err := p.fetch.ListMessages(ctx, channelID, page)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.log.Warn("poll failed", zap.Int64("channel", channelID), zap.Error(err))
				out.fail(fmt.Errorf("failed to poll channel %d: %w", channelID, err))
				continue
			}

			for _, ev := range Diff(prev, next.Messages, windowed) {
				if !out.emit(ev) {
					return nil
				}
			}
			prev = next.Messages
		}
	}), nil
}

func (p *PollingSubscriber) page() forum.Page {
	if p.PageSize <= 0 {
		return forum.Page{}
	}
	return forum.Page{Number: 1, Size: p.PageSize}
}

// Diff returns the events that turn prev into next: deletions first, then
// creations in CreatedAt order, then updates.
//
// With windowed set, next is only the newest slice of the history, so messages of
// prev older than the first message of next are assumed to have scrolled out of
// the window rather than been deleted.
func Diff(prev, next []forum.Message, windowed bool) []forum.Event {
	before := make(map[int64]forum.Message, len(prev))
	for _, m := range prev {
		before[m.ID] = m
	}
	after := make(map[int64]struct{}, len(next))
	for _, m := range next {
		after[m.ID] = struct{}{}
	}

	var events []forum.Event

	for _, m := range prev {
		if _, ok := after[m.ID]; ok {
			continue
		}
		if windowed && len(next) > 0 && m.CreatedAt.Before(next[0].CreatedAt) {
			continue
		}
		events = append(events, forum.Deleted(m.ID))
	}

	var created []forum.Message
	for _, m := range next {
		if _, ok := before[m.ID]; !ok {
			created = append(created, m)
		}
	}
	sort.SliceStable(created, func(i, j int) bool {
		return created[i].CreatedAt.Before(created[j].CreatedAt)
	})
	for _, m := range created {
		events = append(events, forum.Created(m))
	}

	for _, m := range next {
		old, ok := before[m.ID]
		if !ok {
			continue
		}
		if old.Text != m.Text || old.AuthorName != m.AuthorName {
			events = append(events, forum.Updated(m))
		}
	}

	return events
}
