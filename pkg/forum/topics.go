package forum

import (
	"context"
	"fmt"
	"net/http"
)

// ListTopics returns the topics of a category. Public.
func (c *Client) ListTopics(ctx context.Context, categoryID int64) ([]Topic, error) {
	resp, err := c.do(ctx, request{method: http.MethodGet, base: c.baseURL, path: idPath("/categories/%d/topics", categoryID)})
	if err != nil {
		return nil, err
	}

	var dtos []topicDTO
	if err := decodeJSON(resp, "topic list", &dtos); err != nil {
		return nil, err
	}
	topics := make([]Topic, 0, len(dtos))
	for i := range dtos {
		t, err := dtos[i].toTopic()
		if err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, nil
}

// GetTopic returns one topic. Use IsNotFound to detect a missing id.
func (c *Client) GetTopic(ctx context.Context, id int64) (*Topic, error) {
	resp, err := c.do(ctx, request{method: http.MethodGet, base: c.baseURL, path: idPath("/topics/%d", id)})
	if err != nil {
		return nil, err
	}
	return decodeTopic(resp)
}

// CreateTopic opens a topic in a category; the author comes from the token.
func (c *Client) CreateTopic(ctx context.Context, req CreateTopicRequest) (*Topic, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topic: %w", err)
	}
	resp, err := c.do(ctx, request{method: http.MethodPost, base: c.baseURL, path: "/topics", body: req})
	if err != nil {
		return nil, err
	}
	return decodeTopic(resp)
}

// UpdateTopic edits a topic's title and description.
func (c *Client) UpdateTopic(ctx context.Context, id int64, req UpdateTopicRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid topic: %w", err)
	}
	_, err := c.do(ctx, request{method: http.MethodPut, base: c.baseURL, path: idPath("/topics/%d", id), body: req})
	return err
}

// DeleteTopic removes a topic and its messages.
func (c *Client) DeleteTopic(ctx context.Context, id int64) error {
	_, err := c.do(ctx, request{method: http.MethodDelete, base: c.baseURL, path: idPath("/topics/%d", id)})
	return err
}

func decodeTopic(resp *response) (*Topic, error) {
	var dto topicDTO
	if err := decodeJSON(resp, "topic", &dto); err != nil {
		return nil, err
	}
	t, err := dto.toTopic()
	if err != nil {
		return nil, err
	}
	return &t, nil
}
