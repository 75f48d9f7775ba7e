package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

// Message types sent by the browser.
const (
	TypeEdit    = "edit"
	TypeSandbox = "sandbox"
	TypeUndo    = "undo"
	TypeRedo    = "redo"
	TypeRetry   = "retry"
	TypeReset   = "reset"
)

// Message types sent to the browser.
const (
	TypeState  = "state"
	TypeSource = "source"
	TypeError  = "error"
)

// Message is the JSON envelope exchanged with browser clients.
type Message struct {
	Type      string          `json:"type"`
	Source    string          `json:"source,omitempty"`
	State     interface{}     `json:"state,omitempty"`
	Payload   json.RawMessage `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler processes inbound client messages. A returned error is reported
// back to the sending client only.
type Handler interface {
	HandleMessage(ctx context.Context, clientID string, msg Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, clientID string, msg Message) error

func (f HandlerFunc) HandleMessage(ctx context.Context, clientID string, msg Message) error {
	return f(ctx, clientID, msg)
}

// OriginValidator decides which browser origins may open a connection.
type OriginValidator interface {
	IsAllowedOrigin(origin string) bool
}

// OriginValidatorFunc adapts a function to OriginValidator.
type OriginValidatorFunc func(origin string) bool

func (f OriginValidatorFunc) IsAllowedOrigin(origin string) bool { return f(origin) }

// Observer receives connection and message counts. monitoring.Metrics
// implements it.
type Observer interface {
	ObserveConnection(delta int)
	ObserveMessage(direction, kind string)
}

// Client represents a WebSocket client connection
type Client struct {
	id           string
	conn         *websocket.Conn
	send         chan []byte
	limiter      *rate.Limiter
	connectedAt  time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the identifier assigned when the client connected.
func (c *Client) ID() string { return c.id }

// enqueue queues data without blocking. It reports false when the client is
// gone or its buffer is full.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
