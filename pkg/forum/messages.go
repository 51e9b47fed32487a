package forum

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// ListMessages returns a page of a channel's history, oldest first.
// With a zero Page the whole history is returned and HasMore is false.
func (c *Client) ListMessages(ctx context.Context, channelID int64, page Page) (MessagePage, error) {
	if err := page.Validate(); err != nil {
		return MessagePage{}, fmt.Errorf("invalid page: %w", err)
	}

	r := request{method: http.MethodGet, base: c.baseURL, path: idPath("/topics/%d/messages", channelID)}
	if !page.IsZero() {
		r.query = url.Values{
			"page":  []string{strconv.Itoa(page.Number)},
			"limit": []string{strconv.Itoa(page.Size)},
		}
	}

	resp, err := c.do(ctx, r)
	if err != nil {
		return MessagePage{}, err
	}

	messages, err := decodeMessages(resp.body, channelID)
	if err != nil {
		return MessagePage{}, err
	}

	return MessagePage{
		Messages: messages,
		HasMore:  !page.IsZero() && len(messages) >= page.Size,
	}, nil
}

// SendMessage posts a draft and returns the server-confirmed message.
func (c *Client) SendMessage(ctx context.Context, channelID int64, draft Draft) (Message, error) {
	if err := draft.Validate(); err != nil {
		return Message{}, fmt.Errorf("invalid message: %w", err)
	}

	resp, err := c.do(ctx, request{method: http.MethodPost, base: c.baseURL, path: idPath("/topics/%d/messages", channelID), body: draft})
	if err != nil {
		return Message{}, err
	}
	return DecodeMessage(resp.body, channelID)
}

// UpdateMessage replaces a message's text. The server answers 204; the new
// state arrives through the push channel as an updated event.
func (c *Client) UpdateMessage(ctx context.Context, messageID int64, text string) error {
	draft := Draft{Text: text}
	if err := draft.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	_, err := c.do(ctx, request{method: http.MethodPut, base: c.baseURL, path: idPath("/messages/%d", messageID), body: draft})
	return err
}

// DeleteMessage removes a message. A message that is already gone counts as deleted.
func (c *Client) DeleteMessage(ctx context.Context, messageID int64) error {
	_, err := c.do(ctx, request{method: http.MethodDelete, base: c.baseURL, path: idPath("/messages/%d", messageID)})
	if IsNotFound(err) {
		c.log.Debug("message already deleted")
		return nil
	}
	return err
}
