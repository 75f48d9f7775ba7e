// Package websocket keeps the browser views of the preview in sync. Each
// connected page sends editor edits and relayed sandbox messages, and receives
// preview state and source updates.
package websocket

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/conneroisu/previewd/internal/errors"
	"github.com/conneroisu/previewd/internal/logging"
)

const (
	defaultReadLimit    = 1 << 20
	defaultSendBuffer   = 64
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// ErrClosed is returned by sends after Shutdown.
var ErrClosed = stderrors.New("websocket: manager closed")

// Options configure a Manager.
type Options struct {
	OriginValidator OriginValidator
	Handler         Handler
	// Greeting returns the messages a client receives right after connecting.
	Greeting func() []Message
	// MessageRate limits inbound messages per client per second; 0 disables it.
	MessageRate  float64
	MessageBurst int
	ReadLimit    int64
	PingInterval time.Duration
	WriteTimeout time.Duration
	Logger       logging.Logger
	Observer     Observer
}

// Manager handles all WebSocket connection management and broadcasting.
//
// A hub goroutine owns registration and fan-out; every client has a writer
// goroutine and is read from the HTTP handler goroutine that accepted it.
type Manager struct {
	opts   Options
	logger logging.Logger

	clients      map[string]*Client
	clientsMutex sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	ctx          context.Context
	cancel       context.CancelFunc
	hubDone      chan struct{}
	shutdownOnce sync.Once
}

// NewManager creates a manager and starts its hub.
func NewManager(opts Options) *Manager {
	if opts.OriginValidator == nil {
		panic("websocket.Manager: origin validator cannot be nil")
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.MessageRate > 0 && opts.MessageBurst < 1 {
		opts.MessageBurst = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:       opts,
		logger:     opts.Logger.WithComponent("websocket"),
		clients:    make(map[string]*Client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client, 32),
		unregister: make(chan *Client, 32),
		ctx:        ctx,
		cancel:     cancel,
		hubDone:    make(chan struct{}),
	}

	go m.runHub()
	return m
}

func (m *Manager) runHub() {
	defer close(m.hubDone)

	for {
		select {
		case client := <-m.register:
			m.clientsMutex.Lock()
			m.clients[client.id] = client
			m.clientsMutex.Unlock()
			m.observeConnection(1)
			m.logger.Debug(m.ctx, "client connected", "client_id", client.id)

		case client := <-m.unregister:
			m.drop(client)

		case data := <-m.broadcast:
			m.clientsMutex.RLock()
			var slow []*Client
			for _, client := range m.clients {
				if !client.enqueue(data) {
					slow = append(slow, client)
				}
			}
			m.clientsMutex.RUnlock()

			for _, client := range slow {
				m.logger.Warn(m.ctx, nil, "dropping slow client", "client_id", client.id)
				m.drop(client)
			}

		case <-m.ctx.Done():
			m.clientsMutex.Lock()
			for id, client := range m.clients {
				client.close()
				delete(m.clients, id)
				m.observeConnection(-1)
			}
			m.clientsMutex.Unlock()
			return
		}
	}
}

func (m *Manager) drop(client *Client) {
	m.clientsMutex.Lock()
	_, ok := m.clients[client.id]
	delete(m.clients, client.id)
	m.clientsMutex.Unlock()

	client.close()
	if ok {
		m.observeConnection(-1)
		m.logger.Debug(m.ctx, "client disconnected", "client_id", client.id)
	}
}

// HandleWebSocket upgrades the request and serves the connection until the
// client goes away or the manager shuts down.
func (m *Manager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !m.opts.OriginValidator.IsAllowedOrigin(origin) {
		m.logger.Warn(r.Context(), nil, "websocket origin rejected", "origin", origin)
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	select {
	case <-m.ctx.Done():
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// origin is validated above
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		m.logger.Warn(r.Context(), err, "websocket accept failed")
		return
	}
	conn.SetReadLimit(m.opts.ReadLimit)

	client := &Client{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan []byte, defaultSendBuffer),
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
	if m.opts.MessageRate > 0 {
		client.limiter = rate.NewLimiter(rate.Limit(m.opts.MessageRate), m.opts.MessageBurst)
	}

	if m.opts.Greeting != nil {
		for _, msg := range m.opts.Greeting() {
			if data, ok := m.encode(msg); ok {
				client.enqueue(data)
			}
		}
	}

	select {
	case m.register <- client:
	case <-m.ctx.Done():
		_ = conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go m.writePump(client)
	m.readPump(client)

	select {
	case m.unregister <- client:
	case <-m.ctx.Done():
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (m *Manager) readPump(client *Client) {
	for {
		typ, data, err := client.conn.Read(m.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && m.ctx.Err() == nil {
				m.logger.Debug(m.ctx, "websocket read ended", "client_id", client.id, "error", err.Error())
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		if client.limiter != nil && !client.limiter.Allow() {
			m.observeMessage("in", "rate_limited")
			m.reply(client, Message{Type: TypeError, Error: "rate limit exceeded"})
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			m.observeMessage("in", "invalid")
			m.reply(client, Message{Type: TypeError, Error: "malformed message"})
			continue
		}
		m.observeMessage("in", msg.Type)

		if m.opts.Handler == nil {
			continue
		}
		if err := m.opts.Handler.HandleMessage(m.ctx, client.id, msg); err != nil {
			m.reply(client, Message{Type: TypeError, Error: errorText(err)})
		}
	}
}

func (m *Manager) writePump(client *Client) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-client.send:
			ctx, cancel := context.WithTimeout(m.ctx, m.opts.WriteTimeout)
			err := client.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				m.logger.Debug(m.ctx, "websocket write failed", "client_id", client.id, "error", err.Error())
				_ = client.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(m.ctx, m.opts.WriteTimeout)
			err := client.conn.Ping(ctx)
			cancel()
			if err != nil {
				_ = client.conn.Close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}

		case <-client.done:
			if m.ctx.Err() != nil {
				_ = client.conn.Close(websocket.StatusGoingAway, "server shutdown")
			} else {
				_ = client.conn.Close(websocket.StatusNormalClosure, "")
			}
			return

		case <-m.ctx.Done():
			_ = client.conn.Close(websocket.StatusGoingAway, "server shutdown")
			return
		}
	}
}

// Broadcast queues msg for every connected client.
func (m *Manager) Broadcast(msg Message) error {
	if m.ctx.Err() != nil {
		return ErrClosed
	}
	data, ok := m.encode(msg)
	if !ok {
		return errors.NewInternalError(errors.ErrCodeInternalError, "encoding websocket message", nil)
	}

	select {
	case m.broadcast <- data:
		m.observeMessage("out", msg.Type)
		return nil
	case <-m.ctx.Done():
		return ErrClosed
	}
}

// SetContent pushes a new editor source to every client.
func (m *Manager) SetContent(source string) error {
	return m.Broadcast(Message{Type: TypeSource, Source: source})
}

// SendTo queues msg for one client. It reports whether the client was found
// and had room.
func (m *Manager) SendTo(clientID string, msg Message) bool {
	m.clientsMutex.RLock()
	client, ok := m.clients[clientID]
	m.clientsMutex.RUnlock()
	if !ok {
		return false
	}
	return m.reply(client, msg)
}

func (m *Manager) reply(client *Client, msg Message) bool {
	data, ok := m.encode(msg)
	if !ok {
		return false
	}
	if !client.enqueue(data) {
		return false
	}
	m.observeMessage("out", msg.Type)
	return true
}

func (m *Manager) encode(msg Message) ([]byte, bool) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error(m.ctx, err, "failed to encode websocket message", "type", msg.Type)
		return nil, false
	}
	return data, true
}

// ClientCount returns the number of connected clients.
func (m *Manager) ClientCount() int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return len(m.clients)
}

// Shutdown closes every connection and stops the hub.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(m.cancel)

	select {
	case <-m.hubDone:
		m.logger.Info(ctx, "websocket manager shut down")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) observeConnection(delta int) {
	if m.opts.Observer != nil {
		m.opts.Observer.ObserveConnection(delta)
	}
}

func (m *Manager) observeMessage(direction, kind string) {
	if m.opts.Observer != nil {
		m.opts.Observer.ObserveMessage(direction, kind)
	}
}

func errorText(err error) string {
	var pe *errors.PreviewError
	if stderrors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}
