package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/itiky/listsync/model"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = (wsPongWait * 9) / 10
	wsMaxReadBytes = 4096
)

type (
	// Dispatcher fans change notifications out to the account room connections.
	// Delivery is at-most-once: there is no replay and a slow connection is dropped.
	Dispatcher struct {
		sync.RWMutex
		// Config
		sendBuffer int
		auth       *Authenticator
		upgrader   websocket.Upgrader
		now        func() time.Time
		logger     *slog.Logger
		// State
		started bool
		rooms   map[model.AccountId]map[model.ConnectionId]*wsConn
	}

	// wsConn is a single realtime session connection.
	wsConn struct {
		id        model.ConnectionId
		accountId model.AccountId
		ws        *websocket.Conn
		sendCh    chan []byte
		doneCh    chan struct{}
		closeOnce sync.Once
	}

	emitOptions struct {
		excludeConnId model.ConnectionId
	}

	EmitOption func(o *emitOptions)
)

// WithExcludeConnection skips the connection that caused the change.
func WithExcludeConnection(connId model.ConnectionId) EmitOption {
	return func(o *emitOptions) {
		o.excludeConnId = connId
	}
}

// Emit sends the event to every connection of the account room.
// Returns the number of connections the event was queued for.
func (d *Dispatcher) Emit(eventType model.EventType, accountId model.AccountId, payload map[string]interface{}, opts ...EmitOption) int {
	if d == nil {
		slog.Warn("Dispatcher: emit skipped: not initialized", "type", eventType, "accountId", accountId)
		return 0
	}

	o := emitOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	d.RLock()
	defer d.RUnlock()

	if !d.started {
		d.logger.Warn("emit skipped: not started", "type", eventType, "accountId", accountId)
		return 0
	}

	room := d.rooms[accountId]
	if len(room) == 0 {
		return 0
	}

	data, err := model.NewEvent(eventType, payload, d.now()).Marshal()
	if err != nil {
		d.logger.Error("emit skipped: event marshal", "type", eventType, "err", err)
		return 0
	}

	queued, dropped := 0, 0
	for connId, conn := range room {
		if connId == o.excludeConnId {
			continue
		}

		select {
		case conn.sendCh <- data:
			queued++
		case <-conn.doneCh:
		default:
			// The connection can not keep up: it will resync on reconnect
			d.logger.Warn("slow connection dropped", "connectionId", connId, "accountId", accountId)
			conn.close()
			dropped++
		}
	}
	monitor.EventEmitted(queued, dropped)

	return queued
}

// ServeWS authenticates and upgrades the request, then serves the connection until it is closed.
func (d *Dispatcher) ServeWS(w http.ResponseWriter, r *http.Request) {
	accountId, err := d.auth.AccountFromRequest(r)
	if err != nil {
		writeError(w, d.logger, err)
		return
	}

	d.RLock()
	started := d.started
	d.RUnlock()
	if !started {
		http.Error(w, "dispatcher is not started", http.StatusServiceUnavailable)
		return
	}

	ws, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an error
		d.logger.Warn("upgrade failed", "err", err)
		return
	}

	conn := &wsConn{
		id:        model.ConnectionId(uuid.New().String()),
		accountId: accountId,
		ws:        ws,
		sendCh:    make(chan []byte, d.sendBuffer),
		doneCh:    make(chan struct{}),
	}

	hello, err := model.NewHelloEvent(conn.id, d.now()).Marshal()
	if err != nil {
		d.logger.Error("hello marshal", "err", err)
		conn.close()
		return
	}
	conn.sendCh <- hello

	if !d.register(conn) {
		conn.close()
		return
	}
	defer d.unregister(conn)

	d.logger.Info("connection opened", "connectionId", conn.id, "accountId", accountId)
	go d.writer(conn)
	d.reader(conn)
	d.logger.Info("connection closed", "connectionId", conn.id, "accountId", accountId)
}

// Connections returns the number of live connections of the account room.
func (d *Dispatcher) Connections(accountId model.AccountId) int {
	d.RLock()
	defer d.RUnlock()

	return len(d.rooms[accountId])
}

// Start enables the event delivery.
func (d *Dispatcher) Start() {
	d.Lock()
	defer d.Unlock()

	if d.started {
		return
	}
	d.started = true
	monitor.Start()

	d.logger.Info("started")
}

// Stop closes all connections and disables the event delivery.
func (d *Dispatcher) Stop() {
	d.Lock()
	defer d.Unlock()

	if !d.started {
		return
	}
	d.started = false

	for _, room := range d.rooms {
		for _, conn := range room {
			conn.close()
		}
	}
	monitor.Stop()

	d.logger.Info("stopped")
}

// register adds the connection to the account room.
func (d *Dispatcher) register(conn *wsConn) bool {
	d.Lock()
	defer d.Unlock()

	if !d.started {
		return false
	}

	room, found := d.rooms[conn.accountId]
	if !found {
		room = make(map[model.ConnectionId]*wsConn)
		d.rooms[conn.accountId] = room
	}
	room[conn.id] = conn

	return true
}

// unregister removes the connection from the account room.
func (d *Dispatcher) unregister(conn *wsConn) {
	d.Lock()
	defer d.Unlock()

	conn.close()

	room := d.rooms[conn.accountId]
	delete(room, conn.id)
	if len(room) == 0 {
		delete(d.rooms, conn.accountId)
	}
}

// reader consumes inbound frames to process control messages; clients do not send events.
func (d *Dispatcher) reader(conn *wsConn) {
	conn.ws.SetReadLimit(wsMaxReadBytes)
	_ = conn.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := conn.ws.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				d.logger.Debug("read failed", "connectionId", conn.id, "err", err)
			}
			return
		}
	}
}

// writer is the only goroutine writing data frames to the connection.
func (d *Dispatcher) writer(conn *wsConn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-conn.doneCh:
			return
		case data := <-conn.sendCh:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				d.logger.Debug("write failed", "connectionId", conn.id, "err", err)
				conn.close()
				return
			}
		case <-ticker.C:
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				conn.close()
				return
			}
		}
	}
}

// close terminates the connection; safe to call multiple times.
func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.doneCh)
		_ = c.ws.Close()
	})
}

type DispatcherOption func(d *Dispatcher)

// WithDispatcherClock overrides the clock used for event timestamps.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a new Dispatcher object.
func NewDispatcher(auth *Authenticator, sendBuffer int, logger *slog.Logger, opts ...DispatcherOption) (*Dispatcher, error) {
	if auth == nil {
		return nil, fmt.Errorf("%s: nil", "auth")
	}
	if sendBuffer <= 0 {
		return nil, fmt.Errorf("%s: must be GT 0", "sendBuffer")
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		sendBuffer: sendBuffer,
		auth:       auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Every connection is token authenticated
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "dispatcher"),
		rooms:  make(map[model.AccountId]map[model.ConnectionId]*wsConn),
	}
	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}
