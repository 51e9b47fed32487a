package forum

import (
	"encoding/json"
	"fmt"
)

// EventAction is the kind of change a push event announces.
type EventAction string

const (
	// ActionCreated announces a new message; Event.Message is set
	ActionCreated EventAction = "created"

	// ActionUpdated announces an edited message; Event.Message is set
	ActionUpdated EventAction = "updated"

	// ActionDeleted announces a removed message; Event.MessageID is set
	ActionDeleted EventAction = "deleted"
)

// Event is a server-initiated change to a channel's message list.
// Exactly one of Message (created/updated) or MessageID (deleted) is meaningful.
type Event struct {
	Action    EventAction
	Message   Message
	MessageID int64
}

// Created builds a created event.
func Created(m Message) Event {
	return Event{Action: ActionCreated, Message: m, MessageID: m.ID}
}

// Updated builds an updated event.
func Updated(m Message) Event {
	return Event{Action: ActionUpdated, Message: m, MessageID: m.ID}
}

// Deleted builds a deleted event.
func Deleted(id int64) Event {
	return Event{Action: ActionDeleted, MessageID: id}
}

// TargetID returns the id of the message the event refers to.
func (e Event) TargetID() int64 {
	if e.Action == ActionDeleted {
		return e.MessageID
	}
	return e.Message.ID
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%d)", e.Action, e.TargetID())
}

type eventDTO struct {
	Action    EventAction     `json:"action"`
	Message   json.RawMessage `json:"message,omitempty"`
	MessageID int64           `json:"message_id,omitempty"`
}

// DecodeEvent parses one push frame. channelID fills in messages that omit topic_id.
// Any deviation from the wire schema yields a *DecodeError.
func DecodeEvent(data []byte, channelID int64) (Event, error) {
	var dto eventDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return Event{}, &DecodeError{Kind: "event", Reason: err.Error(), Raw: data}
	}

	switch dto.Action {
	case ActionCreated, ActionUpdated:
		if len(dto.Message) == 0 || string(dto.Message) == "null" {
			return Event{}, &DecodeError{Kind: "event", Reason: fmt.Sprintf("%s event without message", dto.Action), Raw: data}
		}
		m, err := DecodeMessage(dto.Message, channelID)
		if err != nil {
			return Event{}, &DecodeError{Kind: "event", Reason: err.Error(), Raw: data}
		}
		return Event{Action: dto.Action, Message: m, MessageID: m.ID}, nil

	case ActionDeleted:
		if dto.MessageID == 0 {
			return Event{}, &DecodeError{Kind: "event", Reason: "deleted event without message_id", Raw: data}
		}
		return Deleted(dto.MessageID), nil

	default:
		return Event{}, &DecodeError{Kind: "event", Reason: fmt.Sprintf("unknown action %q", dto.Action), Raw: data}
	}
}

// EncodeEvent renders an event in the wire schema. Used by the Redis relay.
func EncodeEvent(e Event) ([]byte, error) {
	dto := struct {
		Action    EventAction `json:"action"`
		Message   *messageOut `json:"message,omitempty"`
		MessageID int64       `json:"message_id,omitempty"`
	}{Action: e.Action}

	switch e.Action {
	case ActionCreated, ActionUpdated:
		dto.Message = &messageOut{
			ID:         e.Message.ID,
			TopicID:    e.Message.ChannelID,
			AuthorID:   e.Message.AuthorID,
			AuthorName: e.Message.AuthorName,
			Content:    e.Message.Text,
			CreatedAt:  Timestamp{e.Message.CreatedAt},
		}
	case ActionDeleted:
		dto.MessageID = e.MessageID
	default:
		return nil, fmt.Errorf("cannot encode event with action %q", e.Action)
	}
	return json.Marshal(dto)
}

type messageOut struct {
	ID         int64     `json:"id"`
	TopicID    int64     `json:"topic_id"`
	AuthorID   int64     `json:"author_id"`
	AuthorName string    `json:"author_name"`
	Content    string    `json:"content"`
	CreatedAt  Timestamp `json:"created_at"`
}
