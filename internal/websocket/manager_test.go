package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/previewd/internal/errors"
)

const testOrigin = "http://localhost:8080"

type recordingHandler struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

func (h *recordingHandler) HandleMessage(_ context.Context, _ string, msg Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
	return h.err
}

func (h *recordingHandler) snapshot() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.messages...)
}

type countingObserver struct {
	mu          sync.Mutex
	connections int
	messages    map[string]int
}

func (o *countingObserver) ObserveConnection(delta int) {
	o.mu.Lock()
	o.connections += delta
	o.mu.Unlock()
}

func (o *countingObserver) ObserveMessage(direction, kind string) {
	o.mu.Lock()
	if o.messages == nil {
		o.messages = map[string]int{}
	}
	o.messages[direction+"/"+kind]++
	o.mu.Unlock()
}

func (o *countingObserver) count(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.messages[key]
}

func newTestManager(t *testing.T, opts Options) (*Manager, *httptest.Server) {
	t.Helper()
	if opts.OriginValidator == nil {
		opts.OriginValidator = OriginValidatorFunc(func(origin string) bool { return origin == testOrigin })
	}
	m := NewManager(opts)
	srv := httptest.NewServer(http.HandlerFunc(m.HandleWebSocket))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		srv.Close()
	})
	return m, srv
}

func dial(t *testing.T, srv *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{origin}},
	})
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var msg Message
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

func write(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, msg))
}

func TestManager_RejectsUnknownOrigin(t *testing.T) {
	_, srv := newTestManager(t, Options{})

	_, resp, err := dial(t, srv, "http://evil.example.com")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestManager_GreetingThenDispatch(t *testing.T) {
	handler := &recordingHandler{}
	observer := &countingObserver{}
	m, srv := newTestManager(t, Options{
		Handler:  handler,
		Observer: observer,
		Greeting: func() []Message {
			return []Message{{Type: TypeSource, Source: "function Component() {}"}}
		},
	})

	conn, _, err := dial(t, srv, testOrigin)
	require.NoError(t, err)
	defer conn.CloseNow()

	greeting := read(t, conn)
	assert.Equal(t, TypeSource, greeting.Type)
	assert.Equal(t, "function Component() {}", greeting.Source)
	assert.False(t, greeting.Timestamp.IsZero())

	require.Eventually(t, func() bool { return m.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	write(t, conn, Message{Type: TypeEdit, Source: "next"})
	require.Eventually(t, func() bool { return len(handler.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "next", handler.snapshot()[0].Source)
	assert.Equal(t, 1, observer.count("in/edit"))
}

func TestManager_BroadcastReachesEveryClient(t *testing.T) {
	m, srv := newTestManager(t, Options{})

	var conns []*websocket.Conn
	for i := 0; i < 3; i++ {
		conn, _, err := dial(t, srv, testOrigin)
		require.NoError(t, err)
		defer conn.CloseNow()
		conns = append(conns, conn)
	}
	require.Eventually(t, func() bool { return m.ClientCount() == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.SetContent("shared"))
	for i, conn := range conns {
		msg := read(t, conn)
		assert.Equal(t, TypeSource, msg.Type, "client %d", i)
		assert.Equal(t, "shared", msg.Source, "client %d", i)
	}
}

func TestManager_HandlerErrorRepliesToSender(t *testing.T) {
	handler := &recordingHandler{err: errors.NewCompileError(errors.ErrCodeMissingEntry, "nothing to undo", nil)}
	_, srv := newTestManager(t, Options{Handler: handler})

	conn, _, err := dial(t, srv, testOrigin)
	require.NoError(t, err)
	defer conn.CloseNow()

	write(t, conn, Message{Type: TypeUndo})
	reply := read(t, conn)
	assert.Equal(t, TypeError, reply.Type)
	assert.Equal(t, "nothing to undo", reply.Error)
}

func TestManager_MalformedMessage(t *testing.T) {
	_, srv := newTestManager(t, Options{Handler: &recordingHandler{}})

	conn, _, err := dial(t, srv, testOrigin)
	require.NoError(t, err)
	defer conn.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))

	reply := read(t, conn)
	assert.Equal(t, TypeError, reply.Type)
	assert.Equal(t, "malformed message", reply.Error)
}

func TestManager_RateLimit(t *testing.T) {
	handler := &recordingHandler{}
	_, srv := newTestManager(t, Options{Handler: handler, MessageRate: 0.001, MessageBurst: 2})

	conn, _, err := dial(t, srv, testOrigin)
	require.NoError(t, err)
	defer conn.CloseNow()

	for i := 0; i < 3; i++ {
		write(t, conn, Message{Type: TypeEdit, Source: fmt.Sprintf("v%d", i)})
	}

	reply := read(t, conn)
	assert.Equal(t, TypeError, reply.Type)
	assert.Equal(t, "rate limit exceeded", reply.Error)
	assert.Len(t, handler.snapshot(), 2)
}

func TestManager_SendTo(t *testing.T) {
	var (
		mu sync.Mutex
		id string
	)
	handler := HandlerFunc(func(_ context.Context, clientID string, _ Message) error {
		mu.Lock()
		id = clientID
		mu.Unlock()
		return nil
	})
	m, srv := newTestManager(t, Options{Handler: handler})

	conn, _, err := dial(t, srv, testOrigin)
	require.NoError(t, err)
	defer conn.CloseNow()

	write(t, conn, Message{Type: TypeRetry})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return id != ""
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	clientID := id
	mu.Unlock()
	assert.True(t, m.SendTo(clientID, Message{Type: TypeState, State: map[string]string{"phase": "idle"}}))
	assert.False(t, m.SendTo("unknown", Message{Type: TypeState}))

	msg := read(t, conn)
	assert.Equal(t, TypeState, msg.Type)
}

func TestManager_Shutdown(t *testing.T) {
	observer := &countingObserver{}
	m, srv := newTestManager(t, Options{Observer: observer})

	conn, _, err := dial(t, srv, testOrigin)
	require.NoError(t, err)
	defer conn.CloseNow()
	require.Eventually(t, func() bool { return m.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	require.NoError(t, m.Shutdown(ctx))

	assert.Equal(t, 0, m.ClientCount())
	assert.ErrorIs(t, m.Broadcast(Message{Type: TypeState}), ErrClosed)

	readCtx, readCancel := context.WithTimeout(context.Background(), time.Second)
	defer readCancel()
	_, _, err = conn.Read(readCtx)
	assert.Error(t, err)

	observer.mu.Lock()
	defer observer.mu.Unlock()
	assert.Equal(t, 0, observer.connections)
}
