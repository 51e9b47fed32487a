package reconcile

import (
	"github.com/dyluth/parley/pkg/forum"
)

// DefaultFollowThreshold is the distance from the bottom within which a reader
// still counts as following the conversation.
const DefaultFollowThreshold = 30

// Follow is what a view should do after a change.
type Follow int

const (
	// FollowNone leaves the viewport alone (nothing visible was added).
	FollowNone Follow = iota

	// FollowScroll moves the viewport to the newest message.
	FollowScroll

	// FollowIndicate keeps the viewport and shows a "new messages" marker.
	FollowIndicate
)

func (f Follow) String() string {
	switch f {
	case FollowScroll:
		return "scroll"
	case FollowIndicate:
		return "indicate"
	default:
		return "none"
	}
}

// FollowPolicy decides whether a new message should pull the viewport down.
type FollowPolicy struct {
	// Threshold is the largest distance from the bottom that still follows.
	// Zero means DefaultFollowThreshold; negative means only an exact bottom follows.
	Threshold int

	// LocalUserID is the signed-in user; their own messages always follow.
	LocalUserID int64
}

func (p FollowPolicy) threshold() int {
	switch {
	case p.Threshold == 0:
		return DefaultFollowThreshold
	case p.Threshold < 0:
		return 0
	default:
		return p.Threshold
	}
}

// Decide returns the follow decision for an applied event, given the current
// distance between the viewport and the bottom of the list.
// Only creations move the viewport; updates and deletions never do.
func (p FollowPolicy) Decide(ev forum.Event, distance int) Follow {
	if ev.Action != forum.ActionCreated {
		return FollowNone
	}
	if distance <= p.threshold() {
		return FollowScroll
	}
	if p.LocalUserID != 0 && ev.Message.AuthorID == p.LocalUserID {
		return FollowScroll
	}
	return FollowIndicate
}
