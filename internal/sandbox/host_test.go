package sandbox

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu       sync.Mutex
	mounts   int
	messages map[string]int
}

func (o *recordingObserver) ObserveMount() {
	o.mu.Lock()
	o.mounts++
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveSandboxMessage(kind string, delivered bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.messages == nil {
		o.messages = make(map[string]int)
	}
	key := kind + "/stale"
	if delivered {
		key = kind + "/delivered"
	}
	o.messages[key]++
}

const sampleBundle = `var Sandbox = (() => { function Component() { return React.createElement("div", null, "hi"); } return { default: Component }; })();`

func TestHost_MountCreatesFreshInstances(t *testing.T) {
	observer := &recordingObserver{}
	host := NewHost(HostOptions{Observer: observer})

	first, err := host.Mount(context.Background(), sampleBundle)
	require.NoError(t, err)
	second, err := host.Mount(context.Background(), sampleBundle)
	require.NoError(t, err)

	assert.NotEqual(t, first.Key, second.Key, "remounting the same bundle yields a new instance")
	assert.Equal(t, first.Hash, second.Hash)
	assert.True(t, strings.HasPrefix(second.Key, strings.Split(first.Key, "-")[0]))
	assert.Same(t, second, host.Current())

	_, ok := host.Document(first.Key)
	assert.False(t, ok, "replaced instance is torn down")
	doc, ok := host.Document(second.Key)
	require.True(t, ok)
	assert.Contains(t, string(doc.Document), second.Key)
	assert.NotEmpty(t, doc.Policy)
	assert.Equal(t, 2, observer.mounts)
}

func TestHost_DeliverRoutesToCurrentInstance(t *testing.T) {
	host := NewHost(HostOptions{})
	inst, err := host.Mount(context.Background(), sampleBundle)
	require.NoError(t, err)

	var got []Message
	unsubscribe, err := host.Subscribe(inst.Key, func(m Message) { got = append(got, m) })
	require.NoError(t, err)

	require.NoError(t, host.Deliver(inst.Key, Message{Type: MessageResourceError, Error: "cdn down"}))
	require.NoError(t, host.Deliver(inst.Key, Message{Type: MessageLoaded}))

	require.Len(t, got, 2)
	assert.Equal(t, MessageResourceError, got[0].Type)
	assert.Equal(t, inst.Key, got[0].Instance)
	assert.Equal(t, MessageLoaded, got[1].Type)

	unsubscribe()
	require.NoError(t, host.Deliver(inst.Key, Message{Type: MessageLoaded}))
	assert.Len(t, got, 2)
}

func TestHost_StaleMessagesAreDropped(t *testing.T) {
	observer := &recordingObserver{}
	host := NewHost(HostOptions{Observer: observer})
	old, err := host.Mount(context.Background(), "var Sandbox = {};")
	require.NoError(t, err)

	calls := 0
	_, err = host.Subscribe(old.Key, func(Message) { calls++ })
	require.NoError(t, err)

	current, err := host.Mount(context.Background(), sampleBundle)
	require.NoError(t, err)

	assert.ErrorIs(t, host.Deliver(old.Key, Message{Type: MessageError, Error: "late"}), ErrStaleInstance)
	assert.Zero(t, calls)
	assert.Zero(t, host.ListenerCount(), "listeners of the replaced instance are removed")

	_, err = host.Subscribe(old.Key, func(Message) {})
	assert.ErrorIs(t, err, ErrStaleInstance)

	require.NoError(t, host.Deliver(current.Key, Message{Type: MessageLoaded}))
	assert.Equal(t, 1, observer.messages["error/stale"])
	assert.Equal(t, 1, observer.messages["loaded/delivered"])
}

func TestHost_DeliverRejectsUnknownTypes(t *testing.T) {
	host := NewHost(HostOptions{})
	inst, err := host.Mount(context.Background(), sampleBundle)
	require.NoError(t, err)

	assert.ErrorIs(t, host.Deliver(inst.Key, Message{Type: "navigate"}), ErrUnknownMessage)
}

func TestHost_Cleanup(t *testing.T) {
	host := NewHost(HostOptions{})
	inst, err := host.Mount(context.Background(), sampleBundle)
	require.NoError(t, err)
	_, err = host.Subscribe(inst.Key, func(Message) {})
	require.NoError(t, err)

	host.Cleanup()

	assert.Nil(t, host.Current())
	assert.Zero(t, host.ListenerCount())
	assert.ErrorIs(t, host.Deliver(inst.Key, Message{Type: MessageLoaded}), ErrStaleInstance)
}

func TestInstanceKey(t *testing.T) {
	assert.Equal(t, InstanceKey("a", 1), InstanceKey("a", 1))
	assert.NotEqual(t, InstanceKey("a", 1), InstanceKey("a", 2))
	assert.NotEqual(t, InstanceKey("a", 1), InstanceKey("b", 1))
	assert.Regexp(t, `^[0-9a-f]{16}-1$`, InstanceKey("a", 1))
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Message
		wantErr error
	}{
		{
			name:  "loaded",
			input: `{"type":"loaded","instance":"abc-1"}`,
			want:  Message{Type: MessageLoaded, Instance: "abc-1"},
		},
		{
			name:  "resource error",
			input: `{"type":"resourceError","error":"Resource loading error: x.js","instance":"abc-1"}`,
			want:  Message{Type: MessageResourceError, Error: "Resource loading error: x.js", Instance: "abc-1"},
		},
		{
			name:    "unknown type",
			input:   `{"type":"eval","instance":"abc-1"}`,
			wantErr: ErrUnknownMessage,
		},
		{
			name:    "missing instance",
			input:   `{"type":"loaded"}`,
			wantErr: ErrStaleInstance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage([]byte(tt.input))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseMessage([]byte("not json"))
	assert.Error(t, err)
}
