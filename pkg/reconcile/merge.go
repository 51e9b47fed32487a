package reconcile

import (
	"sort"

	"github.com/dyluth/parley/pkg/forum"
)

// Merge applies one event to state and returns the resulting list and whether
// anything changed. state is never modified; when nothing changed the original
// slice is returned.
//
//   - Created: ignored if the id is already present, otherwise inserted after
//     every message with CreatedAt <= the new one.
//   - Updated: replaces the message with the same id in place, ignored if absent.
//   - Deleted: removes the message, ignored if absent.
func Merge(state []forum.Message, ev forum.Event) ([]forum.Message, bool) {
	switch ev.Action {
	case forum.ActionCreated:
		if indexOf(state, ev.Message.ID) >= 0 {
			return state, false
		}
		// first position whose CreatedAt is strictly after the new message
		at := sort.Search(len(state), func(i int) bool {
			return state[i].CreatedAt.After(ev.Message.CreatedAt)
		})
		next := make([]forum.Message, 0, len(state)+1)
		next = append(next, state[:at]...)
		next = append(next, ev.Message)
		next = append(next, state[at:]...)
		return next, true

	case forum.ActionUpdated:
		i := indexOf(state, ev.Message.ID)
		if i < 0 || state[i] == ev.Message {
			return state, false
		}
		next := make([]forum.Message, len(state))
		copy(next, state)
		next[i] = ev.Message
		return next, true

	case forum.ActionDeleted:
		i := indexOf(state, ev.MessageID)
		if i < 0 {
			return state, false
		}
		next := make([]forum.Message, 0, len(state)-1)
		next = append(next, state[:i]...)
		next = append(next, state[i+1:]...)
		return next, true
	}
	return state, false
}

// Normalize returns messages stable-sorted by CreatedAt with later duplicates of
// an id dropped. It is how a fetched page becomes reconciler state.
func Normalize(messages []forum.Message) []forum.Message {
	seen := make(map[int64]struct{}, len(messages))
	out := make([]forum.Message, 0, len(messages))
	for _, m := range messages {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func indexOf(state []forum.Message, id int64) int {
	for i := range state {
		if state[i].ID == id {
			return i
		}
	}
	return -1
}
