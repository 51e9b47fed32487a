package forum

import (
	"context"
	"fmt"
	"net/http"
)

// ListCategories returns every category. Public.
func (c *Client) ListCategories(ctx context.Context) ([]Category, error) {
	resp, err := c.do(ctx, request{method: http.MethodGet, base: c.baseURL, path: "/categories"})
	if err != nil {
		return nil, err
	}

	var categories []Category
	if err := decodeJSON(resp, "category list", &categories); err != nil {
		return nil, err
	}
	for _, cat := range categories {
		if cat.ID == 0 {
			return nil, &DecodeError{Kind: "category list", Reason: "category without id", Raw: resp.body}
		}
	}
	return categories, nil
}

// GetCategory returns one category. Use IsNotFound to detect a missing id.
func (c *Client) GetCategory(ctx context.Context, id int64) (*Category, error) {
	resp, err := c.do(ctx, request{method: http.MethodGet, base: c.baseURL, path: idPath("/categories/%d", id)})
	if err != nil {
		return nil, err
	}
	return decodeCategory(resp)
}

// CreateCategory adds a category. Admin only on the server side.
func (c *Client) CreateCategory(ctx context.Context, req CategoryRequest) (*Category, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid category: %w", err)
	}
	resp, err := c.do(ctx, request{method: http.MethodPost, base: c.baseURL, path: "/categories", body: req})
	if err != nil {
		return nil, err
	}
	return decodeCategory(resp)
}

// UpdateCategory replaces a category's title and description.
func (c *Client) UpdateCategory(ctx context.Context, id int64, req CategoryRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid category: %w", err)
	}
	_, err := c.do(ctx, request{method: http.MethodPut, base: c.baseURL, path: idPath("/categories/%d", id), body: req})
	return err
}

// DeleteCategory removes a category.
func (c *Client) DeleteCategory(ctx context.Context, id int64) error {
	_, err := c.do(ctx, request{method: http.MethodDelete, base: c.baseURL, path: idPath("/categories/%d", id)})
	return err
}

func decodeCategory(resp *response) (*Category, error) {
	var cat Category
	if err := decodeJSON(resp, "category", &cat); err != nil {
		return nil, err
	}
	if cat.ID == 0 {
		return nil, &DecodeError{Kind: "category", Reason: "missing id", Raw: resp.body}
	}
	return &cat, nil
}
