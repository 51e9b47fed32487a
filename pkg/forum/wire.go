package forum

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DecodeError reports a payload that does not match the wire schema.
// The client never guesses at alternative field names; drift fails here.
type DecodeError struct {
	Kind   string // payload kind, e.g. "message", "event"
	Reason string
	Raw    []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed %s payload: %s", e.Kind, e.Reason)
}

// unixMillisThreshold separates unix seconds from unix milliseconds.
// Anything below it is treated as seconds.
const unixMillisThreshold = 1_000_000_000_000

// Timestamp decodes the created_at field, which the chat service sends as unix
// seconds over REST and as RFC3339 over the push channel.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON accepts a JSON number (seconds or milliseconds), a numeric string,
// or an RFC3339 string.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("timestamp is null")
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = fromUnix(n)
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		t.Time = parsed.UTC()
		return nil
	}

	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", string(data), err)
	}
	t.Time = fromUnix(n)
	return nil
}

// MarshalJSON always writes RFC3339 with nanoseconds.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

func fromUnix(n int64) time.Time {
	if n >= unixMillisThreshold {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// messageDTO is the canonical wire shape of a message on both REST and push paths.
type messageDTO struct {
	ID         int64      `json:"id"`
	TopicID    int64      `json:"topic_id"`
	AuthorID   int64      `json:"author_id"`
	AuthorName string     `json:"author_name"`
	Content    string     `json:"content"`
	CreatedAt  *Timestamp `json:"created_at"`
}

func (d *messageDTO) toMessage(channelID int64) (Message, error) {
	if d.ID == 0 {
		return Message{}, &DecodeError{Kind: "message", Reason: "missing id"}
	}
	if d.CreatedAt == nil {
		return Message{}, &DecodeError{Kind: "message", Reason: fmt.Sprintf("message %d: missing created_at", d.ID)}
	}
	// REST list responses may omit topic_id; the caller knows the channel
	if d.TopicID == 0 {
		d.TopicID = channelID
	}
	return Message{
		ID:         d.ID,
		ChannelID:  d.TopicID,
		AuthorID:   d.AuthorID,
		AuthorName: d.AuthorName,
		Text:       d.Content,
		CreatedAt:  d.CreatedAt.Time,
	}, nil
}

// DecodeMessage decodes a single canonical message payload.
func DecodeMessage(data []byte, channelID int64) (Message, error) {
	var dto messageDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return Message{}, &DecodeError{Kind: "message", Reason: err.Error(), Raw: data}
	}
	m, err := dto.toMessage(channelID)
	if err != nil {
		if de, ok := err.(*DecodeError); ok {
			de.Raw = data
		}
		return Message{}, err
	}
	return m, nil
}

func decodeMessages(data []byte, channelID int64) ([]Message, error) {
	var dtos []messageDTO
	if err := json.Unmarshal(data, &dtos); err != nil {
		return nil, &DecodeError{Kind: "message list", Reason: err.Error(), Raw: data}
	}
	out := make([]Message, 0, len(dtos))
	for i := range dtos {
		m, err := dtos[i].toMessage(channelID)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

type topicDTO struct {
	ID          int64      `json:"id"`
	CategoryID  int64      `json:"category_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	AuthorID    int64      `json:"author_id"`
	AuthorName  string     `json:"author_name"`
	CreatedAt   *Timestamp `json:"created_at"`
}

func (d *topicDTO) toTopic() (Topic, error) {
	if d.ID == 0 {
		return Topic{}, &DecodeError{Kind: "topic", Reason: "missing id"}
	}
	t := Topic{
		ID:          d.ID,
		CategoryID:  d.CategoryID,
		Title:       d.Title,
		Description: d.Description,
		AuthorID:    d.AuthorID,
		AuthorName:  d.AuthorName,
	}
	if d.CreatedAt != nil {
		t.CreatedAt = d.CreatedAt.Time
	}
	return t, nil
}

type userDTO struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Role      Role       `json:"role"`
	Blocked   bool       `json:"blocked"`
	CreatedAt *Timestamp `json:"created_at"`
}

func (d *userDTO) toUser() (User, error) {
	if d.ID == 0 {
		return User{}, &DecodeError{Kind: "user", Reason: "missing id"}
	}
	u := User{ID: d.ID, Name: d.Name, Email: d.Email, Role: d.Role, Blocked: d.Blocked}
	if d.CreatedAt != nil {
		u.CreatedAt = d.CreatedAt.Time
	}
	return u, nil
}

type sessionDTO struct {
	ID        int64      `json:"id"`
	UserAgent string     `json:"user_agent"`
	CreatedAt *Timestamp `json:"created_at"`
	ExpiresAt *Timestamp `json:"expires_at"`
}

func (d *sessionDTO) toSession() Session {
	s := Session{ID: d.ID, UserAgent: d.UserAgent}
	if d.CreatedAt != nil {
		s.CreatedAt = d.CreatedAt.Time
	}
	if d.ExpiresAt != nil {
		s.ExpiresAt = d.ExpiresAt.Time
	}
	return s
}

type tokenDTO struct {
	AccessToken string `json:"access_token"`
}

type errorDTO struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
