package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itiky/listsync/model"
)

const (
	realtimeMinBackoff = 500 * time.Millisecond
	realtimeMaxBackoff = 30 * time.Second
)

type (
	// cacheRefresher is the part of the Session the realtime adapter drives.
	cacheRefresher interface {
		Echo() *EchoSuppressor
		Forget(listKey model.ListKey)
		RefreshList(ctx context.Context, listKey model.ListKey) error
		RefreshAll(ctx context.Context) error
	}

	// Realtime subscribes to the account broadcast room and keeps the Session cache fresh.
	Realtime struct {
		wsUrl     string
		token     string
		session   cacheRefresher
		transport Transport
		dialer    *websocket.Dialer
		logger    *slog.Logger
		// Test hooks
		minBackoff time.Duration
		maxBackoff time.Duration
	}
)

// Run connects and reads events until the context is cancelled, reconnecting on drop.
func (r *Realtime) Run(ctx context.Context) error {
	monitor.Start()
	defer monitor.Stop()

	backoff := r.minBackoff
	for {
		connected, err := r.connectAndRead(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = r.minBackoff
		}
		r.logger.Warn("connection dropped: reconnecting", "err", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}
}

// connectAndRead serves a single connection; connected reports whether the handshake succeeded.
func (r *Realtime) connectAndRead(ctx context.Context) (connected bool, retErr error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+r.token)

	conn, res, err := r.dialer.DialContext(ctx, r.wsUrl, header)
	if err != nil {
		if res != nil {
			return false, fmt.Errorf("dial: %s: %w", res.Status, err)
		}
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	defer func() {
		// Writes are not excluded by a dropped connection id
		if r.transport != nil {
			r.transport.SetConnectionId("")
		}
	}()

	stopCh := make(chan struct{})
	defer close(stopCh)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stopCh:
		}
	}()

	r.logger.Info("connected", "url", r.wsUrl)

	// Anything could have changed while disconnected
	if err := r.session.RefreshAll(ctx); err != nil {
		r.logger.Warn("refresh on connect failed", "err", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		event, err := model.UnmarshalEvent(data)
		if err != nil {
			r.logger.Warn("malformed event ignored", "err", err)
			continue
		}
		r.HandleEvent(ctx, event)
	}
}

// HandleEvent applies a single broadcast event to the Session cache.
func (r *Realtime) HandleEvent(ctx context.Context, event model.Event) {
	if event.Type == model.HelloEventType {
		connId := event.ConnectionId()
		r.logger.Debug("hello", "connectionId", connId)
		if r.transport != nil && connId != "" {
			r.transport.SetConnectionId(connId)
		}
		return
	}

	listKey := event.ListKey()
	if listKey != "" && r.session.Echo().WasRecentlySaved(listKey) {
		r.logger.Debug("own echo dropped", "type", event.Type, "listKey", listKey)
		monitor.EventReceived(true)
		return
	}
	monitor.EventReceived(false)

	var err error
	switch {
	case event.Type.IsAccountWide():
		if event.Type == model.ListDeletedEventType && listKey != "" {
			r.session.Forget(listKey)
		}
		err = r.session.RefreshAll(ctx)
	default:
		err = r.session.RefreshList(ctx, listKey)
		if errors.Is(err, ErrNotFound) {
			r.session.Forget(listKey)
			err = nil
		}
	}
	if err != nil {
		r.logger.Warn("refresh failed", "type", event.Type, "listKey", listKey, "err", err)
	}
}

// websocketUrl converts the server base URL into the realtime endpoint URL.
func websocketUrl(serverUrl string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverUrl, "/"))
	if err != nil {
		return "", fmt.Errorf("%s: invalid: %w", "serverUrl", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%s: unsupported scheme %q", "serverUrl", u.Scheme)
	}
	u.Path += "/ws"

	return u.String(), nil
}

// NewRealtime creates a new Realtime object.
// The transport (optional) receives the connection id announced by the server.
func NewRealtime(serverUrl, token string, session cacheRefresher, transport Transport, logger *slog.Logger) (*Realtime, error) {
	wsUrl, err := websocketUrl(serverUrl)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("%s: empty", "token")
	}
	if session == nil {
		return nil, fmt.Errorf("%s: nil", "session")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Realtime{
		wsUrl:      wsUrl,
		token:      token,
		session:    session,
		transport:  transport,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:     logger.With("component", "realtime"),
		minBackoff: realtimeMinBackoff,
		maxBackoff: realtimeMaxBackoff,
	}, nil
}
