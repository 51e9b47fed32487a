package forum

import (
	"context"
	"fmt"
	"net/http"
)

// ListUsers returns every account. Admin only.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	resp, err := c.do(ctx, request{method: http.MethodGet, base: c.authURL, path: "/users"})
	if err != nil {
		return nil, err
	}

	var dtos []userDTO
	if err := decodeJSON(resp, "user list", &dtos); err != nil {
		return nil, err
	}
	users := make([]User, 0, len(dtos))
	for i := range dtos {
		u, err := dtos[i].toUser()
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

// UpdateUser edits another account's name, email and role. Admin only.
func (c *Client) UpdateUser(ctx context.Context, id int64, req UpdateUserRequest) (*User, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid user update: %w", err)
	}

	resp, err := c.do(ctx, request{method: http.MethodPut, base: c.authURL, path: idPath("/users/%d", id), body: req})
	if err != nil {
		return nil, err
	}

	var dto userDTO
	if err := decodeJSON(resp, "user", &dto); err != nil {
		return nil, err
	}
	u, err := dto.toUser()
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// DeleteUser removes an account. Admin only.
func (c *Client) DeleteUser(ctx context.Context, id int64) error {
	_, err := c.do(ctx, request{method: http.MethodDelete, base: c.authURL, path: idPath("/users/%d", id)})
	return err
}

// BlockUser prevents an account from logging in. Admin only.
func (c *Client) BlockUser(ctx context.Context, id int64) error {
	_, err := c.do(ctx, request{method: http.MethodPost, base: c.authURL, path: idPath("/users/%d/block", id)})
	return err
}

// UnblockUser lifts a block. Admin only.
func (c *Client) UnblockUser(ctx context.Context, id int64) error {
	_, err := c.do(ctx, request{method: http.MethodPost, base: c.authURL, path: idPath("/users/%d/unblock", id)})
	return err
}
