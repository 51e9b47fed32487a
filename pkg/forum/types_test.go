package forum

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func ptr(s string) *string { return &s }

func TestRequestValidation(t *testing.T) {
	tests := []struct {
		name    string
		v       interface{ Validate() error }
		wantErr string
	}{
		{name: "login ok", v: &LoginRequest{Email: "ann@example.com", Password: "x"}},
		{name: "login bad email", v: &LoginRequest{Email: "ann", Password: "x"}, wantErr: "invalid email"},
		{name: "login no password", v: &LoginRequest{Email: "ann@example.com"}, wantErr: "password is required"},

		{name: "register ok", v: &RegisterRequest{Name: "Ann", Email: "ann@example.com", Password: "12345678"}},
		{name: "register short password", v: &RegisterRequest{Name: "Ann", Email: "ann@example.com", Password: "1234567"}, wantErr: "at least 8"},
		{name: "register blank name", v: &RegisterRequest{Name: "  ", Email: "ann@example.com", Password: "12345678"}, wantErr: "name is required"},

		{name: "profile empty", v: &UpdateProfileRequest{}, wantErr: "nothing to update"},
		{name: "profile name", v: &UpdateProfileRequest{Name: ptr("Ann B")}},
		{name: "profile blank name", v: &UpdateProfileRequest{Name: ptr(" ")}, wantErr: "cannot be blank"},
		{name: "profile short password", v: &UpdateProfileRequest{Password: ptr("short")}, wantErr: "at least 8"},

		{name: "category ok", v: &CategoryRequest{Title: "Go", Description: "gophers"}},
		{name: "category no description", v: &CategoryRequest{Title: "Go"}, wantErr: "description is required"},

		{name: "topic ok", v: &CreateTopicRequest{CategoryID: 1, Title: "t", Description: "d"}},
		{name: "topic no category", v: &CreateTopicRequest{Title: "t", Description: "d"}, wantErr: "category id"},
		{name: "topic update blank", v: &UpdateTopicRequest{Title: "t"}, wantErr: "description is required"},

		{name: "user ok", v: &UpdateUserRequest{Name: "Ann", Email: "ann@example.com", Role: RoleUser}},
		{name: "user bad role", v: &UpdateUserRequest{Name: "Ann", Email: "ann@example.com", Role: "root"}, wantErr: "invalid role"},

		{name: "draft ok", v: Draft{Text: "hello"}},
		{name: "draft blank", v: Draft{Text: " \n\t"}, wantErr: "text is required"},

		{name: "page zero", v: Page{}},
		{name: "page ok", v: Page{Number: 2, Size: 50}},
		{name: "page number", v: Page{Number: 0, Size: 50}, wantErr: "page number"},
		{name: "page too big", v: Page{Number: 1, Size: MaxPageSize + 1}, wantErr: "page size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.v.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q should contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestAPIError(t *testing.T) {
	err := &APIError{Status: 404, Method: "GET", Path: "/topics/9"}
	assert.Equal(t, "GET /topics/9: 404 Not Found", err.Error())
	assert.True(t, IsNotFound(err))

	coded := &APIError{Status: 403, Code: "forbidden", Message: "admin role required", Method: "POST", Path: "/categories"}
	assert.Equal(t, "POST /categories: 403 admin role required (forbidden)", coded.Error())
	assert.True(t, IsForbidden(coded))
	assert.False(t, IsUnauthorized(coded))

	assert.True(t, IsUnauthorized(ErrNotAuthenticated))
	assert.True(t, IsForbidden(ErrNotAdmin))
	assert.Equal(t, 0, StatusCode(ErrNotAdmin))
}

func TestUserIsAdmin(t *testing.T) {
	var nobody *User
	assert.False(t, nobody.IsAdmin())
	assert.True(t, (&User{Role: RoleAdmin}).IsAdmin())
	assert.False(t, (&User{Role: RoleUser}).IsAdmin())
}
