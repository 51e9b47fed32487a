package forum

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Role is the authorization role carried by a user account.
type Role string

const (
	// RoleUser is the default role for registered accounts
	RoleUser Role = "user"

	// RoleAdmin grants access to category management and the user admin panel
	RoleAdmin Role = "admin"
)

// Validate checks that the role is one of the known values.
func (r Role) Validate() error {
	switch r {
	case RoleUser, RoleAdmin:
		return nil
	default:
		return fmt.Errorf("invalid role: %q (must be 'user' or 'admin')", string(r))
	}
}

// Category groups topics on the forum index.
type Category struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Topic is a discussion thread inside a category. Its messages form a channel.
type Topic struct {
	ID          int64     `json:"id"`
	CategoryID  int64     `json:"category_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	AuthorID    int64     `json:"author_id"`
	AuthorName  string    `json:"author_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Message is a single post in a channel (a topic or the general chat).
// ID is assigned by the server and is the dedupe key for reconciliation.
type Message struct {
	ID         int64     `json:"id"`
	ChannelID  int64     `json:"channel_id"`
	AuthorID   int64     `json:"author_id"`
	AuthorName string    `json:"author_name"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// User is an account as seen by the auth service and the admin panel.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	Blocked   bool      `json:"blocked,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsAdmin reports whether the user carries the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// Session is one refresh-token session of the current user.
type Session struct {
	ID        int64     `json:"id"`
	UserAgent string    `json:"user_agent"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MessagePage is one page of a channel's history, oldest first.
type MessagePage struct {
	Messages []Message
	HasMore  bool
}

// Page selects a window of channel history. Number starts at 1.
// A zero Page asks the server for the full history.
type Page struct {
	Number int
	Size   int
}

// IsZero reports whether no pagination was requested.
func (p Page) IsZero() bool {
	return p.Number == 0 && p.Size == 0
}

// Validate checks page bounds.
func (p Page) Validate() error {
	if p.IsZero() {
		return nil
	}
	if p.Number < 1 {
		return fmt.Errorf("page number must be >= 1, got %d", p.Number)
	}
	if p.Size < 1 || p.Size > MaxPageSize {
		return fmt.Errorf("page size must be between 1 and %d, got %d", MaxPageSize, p.Size)
	}
	return nil
}

// MaxPageSize caps the number of messages requested per page.
const MaxPageSize = 200

// LoginRequest carries credentials for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate checks that both fields are present and the email is well formed.
func (r *LoginRequest) Validate() error {
	if err := validateEmail(r.Email); err != nil {
		return err
	}
	if r.Password == "" {
		return fmt.Errorf("password is required")
	}
	return nil
}

// RegisterRequest carries a new account for POST /auth/register.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// MinPasswordLength matches the auth service binding rule.
const MinPasswordLength = 8

// Validate mirrors the auth service binding rules so bad input never leaves the client.
func (r *RegisterRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if err := validateEmail(r.Email); err != nil {
		return err
	}
	if len(r.Password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	return nil
}

// UpdateProfileRequest is a partial update for PATCH /auth/user.
// Nil fields are left unchanged.
type UpdateProfileRequest struct {
	Name     *string `json:"name,omitempty"`
	Email    *string `json:"email,omitempty"`
	Password *string `json:"password,omitempty"`
}

// Validate rejects empty updates and malformed fields.
func (r *UpdateProfileRequest) Validate() error {
	if r.Name == nil && r.Email == nil && r.Password == nil {
		return fmt.Errorf("nothing to update")
	}
	if r.Name != nil && strings.TrimSpace(*r.Name) == "" {
		return fmt.Errorf("name cannot be blank")
	}
	if r.Email != nil {
		if err := validateEmail(*r.Email); err != nil {
			return err
		}
	}
	if r.Password != nil && len(*r.Password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	return nil
}

// CategoryRequest is the body for creating or editing a category.
type CategoryRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Validate requires both fields.
func (r *CategoryRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("category title is required")
	}
	if strings.TrimSpace(r.Description) == "" {
		return fmt.Errorf("category description is required")
	}
	return nil
}

// CreateTopicRequest is the body for POST /topics.
type CreateTopicRequest struct {
	CategoryID  int64  `json:"category_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Validate requires a category and both text fields.
func (r *CreateTopicRequest) Validate() error {
	if r.CategoryID <= 0 {
		return fmt.Errorf("category id must be positive, got %d", r.CategoryID)
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("topic title is required")
	}
	if strings.TrimSpace(r.Description) == "" {
		return fmt.Errorf("topic description is required")
	}
	return nil
}

// UpdateTopicRequest is the body for PUT /topics/{id}.
type UpdateTopicRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Validate requires both fields.
func (r *UpdateTopicRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("topic title is required")
	}
	if strings.TrimSpace(r.Description) == "" {
		return fmt.Errorf("topic description is required")
	}
	return nil
}

// Draft is a message the local user wants to post.
type Draft struct {
	Text string `json:"content"`
}

// Validate rejects blank drafts.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Text) == "" {
		return fmt.Errorf("message text is required")
	}
	return nil
}

// UpdateUserRequest is the admin-panel edit of another account.
type UpdateUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// Validate checks all three fields.
func (r *UpdateUserRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if err := validateEmail(r.Email); err != nil {
		return err
	}
	return r.Role.Validate()
}

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("invalid email address: %s", email)
	}
	return nil
}
