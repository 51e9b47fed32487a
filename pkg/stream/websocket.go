package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dyluth/parley/pkg/forum"
)

const (
	defaultPongWait     = 60 * time.Second
	defaultWriteWait    = 10 * time.Second
	defaultReadLimit    = 1 << 20
	defaultHandshakeTTL = 15 * time.Second
)

// TokenSource yields the bearer token used for the WebSocket handshake.
// *forum.Client satisfies it through AccessToken.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// WebSocketSubscriber subscribes to <base>/ws/topics/{id}.
type WebSocketSubscriber struct {
	base   string
	tokens TokenSource
	dialer *websocket.Dialer
	log    *zap.Logger

	// PongWait is how long the connection may stay silent before it is
	// considered dead. Pings go out at 9/10 of it.
	PongWait time.Duration
}

// NewWebSocketSubscriber builds a subscriber for the ws:// or wss:// base URL.
// tokens may be nil for anonymous read access.
func NewWebSocketSubscriber(base string, tokens TokenSource, logger *zap.Logger) (*WebSocketSubscriber, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid websocket URL %q: scheme must be ws or wss", base)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebSocketSubscriber{
		base:   strings.TrimRight(u.String(), "/"),
		tokens: tokens,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTTL,
		},
		log:      logger,
		PongWait: defaultPongWait,
	}, nil
}

// WebSocketURL derives the push base URL from an http(s) API URL: the scheme
// becomes ws(s) and the path is dropped, since the push endpoint lives at the root.
func WebSocketURL(apiBase string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", fmt.Errorf("invalid API URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid API URL %q: scheme must be http or https", apiBase)
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String(), nil
}

// ChannelURL returns the push endpoint of one channel.
func (w *WebSocketSubscriber) ChannelURL(channelID int64) string {
	return fmt.Sprintf("%s/ws/topics/%d", w.base, channelID)
}

// Subscribe dials the channel endpoint and starts reading frames.
// A failed handshake is returned directly; a connection lost later ends the
// subscription with Err() set.
func (w *WebSocketSubscriber) Subscribe(ctx context.Context, channelID int64) (*Subscription, error) {
	header := http.Header{}
	if w.tokens != nil {
		token, err := w.tokens.AccessToken(ctx)
		switch {
		case err == nil:
			header.Set("Authorization", "Bearer "+token)
		case errors.Is(err, forum.ErrNotAuthenticated):
			// read-only access is allowed without a token
		default:
			return nil, fmt.Errorf("failed to get access token: %w", err)
		}
	}

	target := w.ChannelURL(channelID)
	conn, resp, err := w.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("websocket handshake rejected: %w", forum.ErrNotAuthenticated)
		}
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s: %d %s: %w", target, resp.StatusCode, http.StatusText(resp.StatusCode), err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}

	w.log.Debug("push channel connected", zap.Int64("channel", channelID), zap.String("url", target))

	pongWait := w.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}

	return start(ctx, func(ctx context.Context, out sink) error {
		return w.pump(ctx, conn, channelID, pongWait, out)
	}), nil
}

func (w *WebSocketSubscriber) pump(ctx context.Context, conn *websocket.Conn, channelID int64, pongWait time.Duration, out sink) error {
	conn.SetReadLimit(defaultReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(pongWait * 9 / 10)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				// unblock ReadMessage
				deadline := time.Now().Add(defaultWriteWait)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteWait)); err != nil {
					w.log.Debug("ping failed", zap.Int64("channel", channelID), zap.Error(err))
				}
			}
		}
	}()

	defer func() {
		close(stop)
		wg.Wait()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Warn("push channel lost", zap.Int64("channel", channelID), zap.Error(err))
			return fmt.Errorf("push connection lost: %w", err)
		}

		ev, err := forum.DecodeEvent(data, channelID)
		if err != nil {
			w.log.Warn("dropping malformed push frame", zap.Int64("channel", channelID), zap.Error(err))
			out.fail(err)
			continue
		}

		if !out.emit(ev) {
			return nil
		}
	}
}
