package testutil

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dyluth/parley/pkg/forum"
)

func withAccount(r *http.Request, a *account) context.Context {
	return context.WithValue(r.Context(), ctxKey{}, a)
}

// --- auth ---

func (f *Forum) login(w http.ResponseWriter, r *http.Request) {
	var req forum.LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	f.mu.Lock()
	var found *account
	for _, id := range sortedIDs(f.users) {
		if a := f.users[id]; strings.EqualFold(a.Email, req.Email) {
			found = a
			break
		}
	}
	if found == nil || found.password != req.Password {
		f.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
		return
	}
	if found.Blocked {
		f.mu.Unlock()
		writeError(w, http.StatusForbidden, "blocked", "account is blocked")
		return
	}
	access := f.sign(found.ID)
	refresh := f.newSession(found.ID, r.UserAgent())
	f.mu.Unlock()

	setRefreshCookie(w, refresh)
	writeJSON(w, http.StatusOK, map[string]string{"access_token": access})
}

func (f *Forum) register(w http.ResponseWriter, r *http.Request) {
	var req forum.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	f.mu.Lock()
	for _, a := range f.users {
		if strings.EqualFold(a.Email, req.Email) {
			f.mu.Unlock()
			writeError(w, http.StatusConflict, "email_taken", "email already registered")
			return
		}
	}
	u := forum.User{ID: f.id(), Name: req.Name, Email: req.Email, Role: forum.RoleUser, CreatedAt: f.Now()}
	f.users[u.ID] = &account{User: u, password: req.Password}
	f.mu.Unlock()

	writeJSON(w, http.StatusCreated, "User registered successfully")
}

func (f *Forum) refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(forum.RefreshCookieName)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "no_refresh_token", "refresh token missing")
		return
	}

	f.mu.Lock()
	sess := f.sessions[cookie.Value]
	if sess == nil {
		f.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token", "refresh token is not valid")
		return
	}
	delete(f.sessions, cookie.Value)
	rotated := f.newSession(sess.userID, r.UserAgent())
	access := f.sign(sess.userID)
	f.refreshes++
	f.mu.Unlock()

	setRefreshCookie(w, rotated)
	writeJSON(w, http.StatusOK, map[string]string{"access_token": access})
}

func (f *Forum) logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(forum.RefreshCookieName)
	if err != nil {
		writeError(w, http.StatusNotFound, "no_session", "no session")
		return
	}
	f.mu.Lock()
	_, ok := f.sessions[cookie.Value]
	delete(f.sessions, cookie.Value)
	f.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "no_session", "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *Forum) listSessions(w http.ResponseWriter, r *http.Request) {
	me := caller(r)
	f.mu.Lock()
	out := []map[string]any{}
	for _, s := range f.sessions {
		if s.userID == me.ID {
			out = append(out, map[string]any{
				"id":         s.ID,
				"user_agent": s.UserAgent,
				"created_at": s.CreatedAt.Unix(),
				"expires_at": s.ExpiresAt.Unix(),
			})
		}
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (f *Forum) revokeSessions(w http.ResponseWriter, r *http.Request) {
	me := caller(r)
	f.mu.Lock()
	for token, s := range f.sessions {
		if s.userID == me.ID {
			delete(f.sessions, token)
		}
	}
	f.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (f *Forum) me(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	u := caller(r).User
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, toWireUser(u))
}

func (f *Forum) updateProfile(w http.ResponseWriter, r *http.Request) {
	var req forum.UpdateProfileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	a := caller(r)
	if req.Name != nil {
		a.Name = *req.Name
	}
	if req.Email != nil {
		a.Email = *req.Email
	}
	if req.Password != nil {
		a.password = *req.Password
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- categories ---

func (f *Forum) listCategories(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	out := make([]forum.Category, 0, len(f.categories))
	for _, id := range sortedIDs(f.categories) {
		out = append(out, *f.categories[id])
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (f *Forum) getCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	f.mu.Lock()
	c := f.categories[id]
	f.mu.Unlock()
	if c == nil {
		writeError(w, http.StatusNotFound, "not_found", "category not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (f *Forum) createCategory(w http.ResponseWriter, r *http.Request) {
	var req forum.CategoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	f.mu.Lock()
	c := &forum.Category{ID: f.id(), Title: req.Title, Description: req.Description}
	f.categories[c.ID] = c
	f.mu.Unlock()
	writeJSON(w, http.StatusCreated, c)
}

func (f *Forum) updateCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req forum.CategoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.categories[id]
	if c == nil {
		writeError(w, http.StatusNotFound, "not_found", "category not found")
		return
	}
	c.Title, c.Description = req.Title, req.Description
	w.WriteHeader(http.StatusNoContent)
}

func (f *Forum) deleteCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.categories[id] == nil {
		writeError(w, http.StatusNotFound, "not_found", "category not found")
		return
	}
	delete(f.categories, id)
	w.WriteHeader(http.StatusNoContent)
}

// --- topics ---

func (f *Forum) listTopics(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	f.mu.Lock()
	if f.categories[id] == nil {
		f.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "category not found")
		return
	}
	out := []wireTopic{}
	for _, tid := range sortedIDs(f.topics) {
		if t := f.topics[tid]; t.CategoryID == id {
			out = append(out, toWireTopic(*t))
		}
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (f *Forum) getTopic(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	f.mu.Lock()
	t := f.topics[id]
	f.mu.Unlock()
	if t == nil {
		writeError(w, http.StatusNotFound, "not_found", "topic not found")
		return
	}
	writeJSON(w, http.StatusOK, toWireTopic(*t))
}

func (f *Forum) createTopic(w http.ResponseWriter, r *http.Request) {
	var req forum.CreateTopicRequest
	if !decodeBody(w, r, &req) {
		return
	}
	me := caller(r)
	f.mu.Lock()
	if f.categories[req.CategoryID] == nil {
		f.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "category not found")
		return
	}
	t := &forum.Topic{
		ID: f.id(), CategoryID: req.CategoryID, Title: req.Title, Description: req.Description,
		AuthorID: me.ID, AuthorName: me.Name, CreatedAt: f.Now(),
	}
	f.topics[t.ID] = t
	f.mu.Unlock()
	writeJSON(w, http.StatusCreated, toWireTopic(*t))
}

func (f *Forum) updateTopic(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req forum.UpdateTopicRequest
	if !decodeBody(w, r, &req) {
		return
	}
	me := caller(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.topics[id]
	if t == nil {
		writeError(w, http.StatusNotFound, "not_found", "topic not found")
		return
	}
	if t.AuthorID != me.ID && !me.IsAdmin() {
		writeError(w, http.StatusForbidden, "forbidden", "not your topic")
		return
	}
	t.Title, t.Description = req.Title, req.Description
	w.WriteHeader(http.StatusNoContent)
}

func (f *Forum) deleteTopic(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	me := caller(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.topics[id]
	if t == nil {
		writeError(w, http.StatusNotFound, "not_found", "topic not found")
		return
	}
	if t.AuthorID != me.ID && !me.IsAdmin() {
		writeError(w, http.StatusForbidden, "forbidden", "not your topic")
		return
	}
	delete(f.topics, id)
	delete(f.messages, id)
	w.WriteHeader(http.StatusNoContent)
}

// --- messages ---

// listMessages serves ?page=N&limit=M as the N-th newest block of M messages,
// oldest first. Without paging parameters the whole history is returned.
func (f *Forum) listMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	f.mu.Lock()
	if f.topics[id] == nil {
		f.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "topic not found")
		return
	}
	all := append([]forum.Message(nil), f.messages[id]...)
	f.mu.Unlock()

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page > 0 && limit > 0 {
		end := len(all) - (page-1)*limit
		if end < 0 {
			end = 0
		}
		begin := end - limit
		if begin < 0 {
			begin = 0
		}
		all = all[begin:end]
	}

	out := make([]wireMessage, 0, len(all))
	for _, m := range all {
		out = append(out, toWireMessage(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *Forum) postMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var draft forum.Draft
	if !decodeBody(w, r, &draft) {
		return
	}
	if err := draft.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	f.mu.Lock()
	if f.topics[id] == nil {
		f.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "topic not found")
		return
	}
	m := f.addMessage(id, caller(r).User, draft.Text)
	f.mu.Unlock()

	f.Hub.Publish(id, forum.Created(m))
	writeJSON(w, http.StatusCreated, toWireMessage(m))
}

// findMessage returns the topic and index of a message. Caller holds f.mu.
func (f *Forum) findMessage(id int64) (int64, int) {
	for topicID, list := range f.messages {
		for i, m := range list {
			if m.ID == id {
				return topicID, i
			}
		}
	}
	return 0, -1
}

func (f *Forum) editMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var draft forum.Draft
	if !decodeBody(w, r, &draft) {
		return
	}
	me := caller(r)

	f.mu.Lock()
	topicID, i := f.findMessage(id)
	if i < 0 {
		f.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "message not found")
		return
	}
	m := f.messages[topicID][i]
	if m.AuthorID != me.ID && !me.IsAdmin() {
		f.mu.Unlock()
		writeError(w, http.StatusForbidden, "forbidden", "not your message")
		return
	}
	m.Text = draft.Text
	f.messages[topicID][i] = m
	f.mu.Unlock()

	f.Hub.Publish(topicID, forum.Updated(m))
	w.WriteHeader(http.StatusNoContent)
}

func (f *Forum) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	me := caller(r)

	f.mu.Lock()
	topicID, i := f.findMessage(id)
	if i < 0 {
		f.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "message not found")
		return
	}
	list := f.messages[topicID]
	if list[i].AuthorID != me.ID && !me.IsAdmin() {
		f.mu.Unlock()
		writeError(w, http.StatusForbidden, "forbidden", "not your message")
		return
	}
	f.messages[topicID] = append(list[:i:i], list[i+1:]...)
	f.mu.Unlock()

	f.Hub.Publish(topicID, forum.Deleted(id))
	w.WriteHeader(http.StatusNoContent)
}

// --- admin ---

func (f *Forum) listUsers(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	out := make([]wireUser, 0, len(f.users))
	for _, id := range sortedIDs(f.users) {
		out = append(out, toWireUser(f.users[id].User))
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (f *Forum) updateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req forum.UpdateUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	f.mu.Lock()
	a := f.users[id]
	if a == nil {
		f.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}
	a.Name, a.Email, a.Role = req.Name, req.Email, req.Role
	u := a.User
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, toWireUser(u))
}

func (f *Forum) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.users[id] == nil {
		writeError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}
	delete(f.users, id)
	w.WriteHeader(http.StatusNoContent)
}

func (f *Forum) blockUser(blocked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		a := f.users[id]
		if a == nil {
			writeError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		a.Blocked = blocked
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- push ---

// push serves /ws/topics/{id}: every hub event for the topic becomes one text frame.
// Anonymous clients may read; a bad token is rejected before the upgrade.
func (f *Forum) push(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if r.Header.Get("Authorization") != "" && f.authenticate(r) == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub, err := f.Hub.Subscribe(r.Context(), id)
	if err != nil {
		return
	}
	defer sub.Close()

	f.mu.Lock()
	f.wsConns++
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.wsConns--
		f.mu.Unlock()
	}()

	// The read loop answers pings and notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				// hub disconnect: close abruptly so the client sees a lost connection
				return
			}
			data, err := forum.EncodeEvent(ev)
			if err != nil {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
