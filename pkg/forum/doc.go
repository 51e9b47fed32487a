// Package forum is a Go client for the forum REST API: authentication, categories,
// topics, channel messages, the general chat and the admin user panel.
//
// # Overview
//
// The forum backend is split into an auth service (accounts, sessions, tokens) and a
// chat service (categories, topics, messages, push channel). Client talks to both;
// when they sit behind one gateway, Options.AuthURL can be left empty.
//
// # Authentication
//
// Login stores an access token and the refresh token (delivered by the server as the
// refresh_token cookie) in a TokenStore. Every authenticated request carries the access
// token as a bearer header. When the server answers 401, the client refreshes the token
// exactly once and retries the request exactly once; concurrent requests that hit the
// same expired token share a single refresh. If the refresh fails the stale access token
// is dropped and the 401 propagates.
//
// # Wire schema
//
// Each entity has one canonical wire shape. Payloads that do not match it fail with a
// *DecodeError instead of being coerced. created_at is accepted as unix seconds, unix
// milliseconds or RFC3339 because the chat service uses different encodings on its REST
// and push paths.
//
// # Push events
//
// DecodeEvent parses frames of the form
//
//	{"action":"created","message":{...}}
//	{"action":"updated","message":{...}}
//	{"action":"deleted","message_id":42}
//
// into Event values, which package reconcile merges into a channel's message list.
//
// # Usage Example
//
//	client, err := forum.NewClient(forum.Options{BaseURL: "https://forum.example.com/api"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if _, err := client.Login(ctx, forum.LoginRequest{Email: "ann@example.com", Password: "secret-pass"}); err != nil {
//		log.Fatal(err)
//	}
//	page, err := client.ListMessages(ctx, topicID, forum.Page{Number: 1, Size: 50})
package forum
