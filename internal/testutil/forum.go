// Package testutil provides an in-process forum server for tests of the client,
// the stream transports and the CLI.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dyluth/parley/pkg/forum"
	"github.com/dyluth/parley/pkg/stream"
)

// DefaultPassword is the password of users created with AddUser.
const DefaultPassword = "correct-horse"

type account struct {
	forum.User
	password string
}

type refreshSession struct {
	forum.Session
	userID int64
}

// Forum is a fake forum API: auth, categories, topics, messages, admin users
// and the /ws/topics/{id} push channel. Writes through the API publish push
// events, like the real server.
type Forum struct {
	*httptest.Server

	// Hub fans push events out to WebSocket clients.
	Hub *stream.Hub

	// Now stamps created records.
	Now func() time.Time

	// AccessTTL is the lifetime of issued access tokens.
	AccessTTL time.Duration

	secret   []byte
	upgrader websocket.Upgrader

	mu         sync.Mutex
	nextID     int64
	generation int // bumping it invalidates every issued access token
	users      map[int64]*account
	categories map[int64]*forum.Category
	topics     map[int64]*forum.Topic
	messages   map[int64][]forum.Message // by topic, in creation order
	sessions   map[string]*refreshSession
	refreshes  int
	failNext   map[string]int // "METHOD /path" -> status
	wsConns    int
}

// NewForum starts a server that is closed when the test ends.
func NewForum(t testing.TB) *Forum {
	t.Helper()

	f := &Forum{
		Hub:        stream.NewHub(),
		Now:        func() time.Time { return time.Now().UTC().Truncate(time.Second) },
		AccessTTL:  15 * time.Minute,
		secret:     []byte(uuid.NewString()),
		nextID:     100,
		users:      make(map[int64]*account),
		categories: make(map[int64]*forum.Category),
		topics:     make(map[int64]*forum.Topic),
		messages:   make(map[int64][]forum.Message),
		sessions:   make(map[string]*refreshSession),
		failNext:   make(map[string]int),
	}
	f.Server = httptest.NewServer(f.routes())
	t.Cleanup(f.Close)
	return f
}

// WebSocketURL is the push base for stream.NewWebSocketSubscriber.
func (f *Forum) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(f.URL, "http")
}

func (f *Forum) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(f.faults)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", f.login)
		r.Post("/register", f.register)
		r.Post("/refresh", f.refresh)
		r.Group(func(r chi.Router) {
			r.Use(f.requireAuth)
			r.Delete("/session", f.logout)
			r.Get("/sessions", f.listSessions)
			r.Delete("/sessions", f.revokeSessions)
			r.Get("/me", f.me)
			r.Patch("/user", f.updateProfile)
		})
	})

	r.Get("/categories", f.listCategories)
	r.Get("/categories/{id}", f.getCategory)
	r.Get("/categories/{id}/topics", f.listTopics)
	r.Get("/topics/{id}", f.getTopic)
	r.Get("/topics/{id}/messages", f.listMessages)
	r.Get("/ws/topics/{id}", f.push)

	r.Group(func(r chi.Router) {
		r.Use(f.requireAuth)
		r.Post("/topics", f.createTopic)
		r.Put("/topics/{id}", f.updateTopic)
		r.Delete("/topics/{id}", f.deleteTopic)
		r.Post("/topics/{id}/messages", f.postMessage)
		r.Put("/messages/{id}", f.editMessage)
		r.Delete("/messages/{id}", f.deleteMessage)
	})

	r.Group(func(r chi.Router) {
		r.Use(f.requireAuth, f.requireAdmin)
		r.Post("/categories", f.createCategory)
		r.Put("/categories/{id}", f.updateCategory)
		r.Delete("/categories/{id}", f.deleteCategory)
		r.Get("/users", f.listUsers)
		r.Put("/users/{id}", f.updateUser)
		r.Delete("/users/{id}", f.deleteUser)
		r.Post("/users/{id}/block", f.blockUser(true))
		r.Post("/users/{id}/unblock", f.blockUser(false))
	})

	return r
}

// --- fixtures ---

func (f *Forum) id() int64 {
	f.nextID++
	return f.nextID
}

// AddUser creates an account with DefaultPassword.
func (f *Forum) AddUser(name, email string, role forum.Role) forum.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := forum.User{ID: f.id(), Name: name, Email: email, Role: role, CreatedAt: f.Now()}
	f.users[u.ID] = &account{User: u, password: DefaultPassword}
	return u
}

// AddCategory creates a category.
func (f *Forum) AddCategory(title, description string) forum.Category {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := forum.Category{ID: f.id(), Title: title, Description: description}
	f.categories[c.ID] = &c
	return c
}

// AddTopic creates a topic in a category.
func (f *Forum) AddTopic(categoryID int64, title string, author forum.User) forum.Topic {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := forum.Topic{
		ID: f.id(), CategoryID: categoryID, Title: title, Description: title,
		AuthorID: author.ID, AuthorName: author.Name, CreatedAt: f.Now(),
	}
	f.topics[t.ID] = &t
	return t
}

// Post stores a message and pushes a created event, as if another client sent it.
func (f *Forum) Post(topicID int64, author forum.User, text string) forum.Message {
	f.mu.Lock()
	m := f.addMessage(topicID, author, text)
	f.mu.Unlock()
	f.Hub.Publish(topicID, forum.Created(m))
	return m
}

func (f *Forum) addMessage(topicID int64, author forum.User, text string) forum.Message {
	m := forum.Message{
		ID: f.id(), ChannelID: topicID, AuthorID: author.ID, AuthorName: author.Name,
		Text: text, CreatedAt: f.Now(),
	}
	f.messages[topicID] = append(f.messages[topicID], m)
	return m
}

// Messages returns a topic's stored messages.
func (f *Forum) Messages(topicID int64) []forum.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forum.Message(nil), f.messages[topicID]...)
}

// IssueToken mints an access token for userID as if it had logged in.
func (f *Forum) IssueToken(userID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sign(userID)
}

// Login creates a refresh session and returns matching credentials.
func (f *Forum) Login(userID int64) forum.Credentials {
	f.mu.Lock()
	defer f.mu.Unlock()
	return forum.Credentials{AccessToken: f.sign(userID), RefreshToken: f.newSession(userID, "test")}
}

// ExpireTokens invalidates every access token issued so far; refresh tokens stay valid.
func (f *Forum) ExpireTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generation++
}

// Refreshes returns how many successful /auth/refresh calls were served.
func (f *Forum) Refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

// FailNext makes the next request to "METHOD /path" answer status.
func (f *Forum) FailNext(method, path string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[method+" "+path] = status
}

// Connections returns the number of open push connections.
func (f *Forum) Connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wsConns
}

// DropConnections closes every push connection of a topic.
func (f *Forum) DropConnections(topicID int64) {
	f.Hub.Disconnect(topicID)
}

// --- tokens ---

type accessClaims struct {
	Role       forum.Role `json:"role"`
	Generation int        `json:"gen"`
	jwt.RegisteredClaims
}

func (f *Forum) sign(userID int64) string {
	role := forum.RoleUser
	if a, ok := f.users[userID]; ok {
		role = a.Role
	}
	claims := accessClaims{
		Role:       role,
		Generation: f.generation,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(f.Now()),
			ExpiresAt: jwt.NewNumericDate(f.Now().Add(f.AccessTTL)),
			ID:        uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(f.secret)
	if err != nil {
		panic(fmt.Sprintf("failed to sign token: %v", err))
	}
	return token
}

func (f *Forum) newSession(userID int64, userAgent string) string {
	token := uuid.NewString()
	f.sessions[token] = &refreshSession{
		Session: forum.Session{ID: f.id(), UserAgent: userAgent, CreatedAt: f.Now(), ExpiresAt: f.Now().Add(7 * 24 * time.Hour)},
		userID:  userID,
	}
	return token
}

// authenticate returns the account behind the bearer token, or nil.
func (f *Forum) authenticate(r *http.Request) *account {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return nil
	}

	var claims accessClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) { return f.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if claims.Generation != f.generation {
		return nil
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil
	}
	a := f.users[id]
	if a == nil || a.Blocked {
		return nil
	}
	return a
}

type ctxKey struct{}

func caller(r *http.Request) *account {
	a, _ := r.Context().Value(ctxKey{}).(*account)
	return a
}

// --- middleware ---

func (f *Forum) faults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		f.mu.Lock()
		status, ok := f.failNext[key]
		delete(f.failNext, key)
		f.mu.Unlock()
		if ok {
			writeError(w, status, "injected", "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *Forum) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := f.authenticate(r)
		if a == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withAccount(r, a)))
	})
}

func (f *Forum) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !caller(r).IsAdmin() {
			writeError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- wire ---

type wireMessage struct {
	ID         int64  `json:"id"`
	TopicID    int64  `json:"topic_id"`
	AuthorID   int64  `json:"author_id"`
	AuthorName string `json:"author_name"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"created_at"` // unix seconds, as the chat service sends it
}

func toWireMessage(m forum.Message) wireMessage {
	return wireMessage{
		ID: m.ID, TopicID: m.ChannelID, AuthorID: m.AuthorID, AuthorName: m.AuthorName,
		Content: m.Text, CreatedAt: m.CreatedAt.Unix(),
	}
}

type wireTopic struct {
	ID          int64  `json:"id"`
	CategoryID  int64  `json:"category_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	AuthorID    int64  `json:"author_id"`
	AuthorName  string `json:"author_name"`
	CreatedAt   int64  `json:"created_at"`
}

func toWireTopic(t forum.Topic) wireTopic {
	return wireTopic{
		ID: t.ID, CategoryID: t.CategoryID, Title: t.Title, Description: t.Description,
		AuthorID: t.AuthorID, AuthorName: t.AuthorName, CreatedAt: t.CreatedAt.Unix(),
	}
}

type wireUser struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Role      forum.Role `json:"role"`
	Blocked   bool       `json:"blocked"`
	CreatedAt string     `json:"created_at"`
}

func toWireUser(u forum.User) wireUser {
	return wireUser{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role, Blocked: u.Blocked, CreatedAt: u.CreatedAt.Format(time.RFC3339)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid id")
		return 0, false
	}
	return id, true
}

func setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{Name: forum.RefreshCookieName, Value: token, Path: "/auth", HttpOnly: true})
}

func sortedIDs[T any](m map[int64]T) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
