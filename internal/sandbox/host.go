package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"

	"github.com/conneroisu/previewd/internal/logging"
)

// Instance is one isolated execution context for a compiled bundle.
type Instance struct {
	Key       string
	Hash      uint64
	Sequence  uint64
	Document  []byte
	Policy    string
	MountedAt time.Time
}

// Observer receives sandbox activity. monitoring.Metrics implements it.
type Observer interface {
	ObserveMount()
	ObserveSandboxMessage(kind string, delivered bool)
}

// HostOptions configure a Host.
type HostOptions struct {
	Resources     Resources
	GlobalName    string
	EntryFunction string
	Clock         clock.Clock
	Logger        logging.Logger
	Observer      Observer
}

// Host owns the current sandbox instance and routes its messages. At most one
// instance is live; mounting a new one tears the previous one down first.
type Host struct {
	opts   HostOptions
	clock  clock.Clock
	logger logging.Logger

	mu        sync.Mutex
	current   *Instance
	listeners map[int]Listener
	nextID    int
	sequence  uint64
}

// NewHost creates a host with no mounted instance.
func NewHost(opts HostOptions) *Host {
	if opts.Resources == (Resources{}) {
		opts.Resources = DefaultResources()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}

	return &Host{
		opts:      opts,
		clock:     opts.Clock,
		logger:    opts.Logger.WithComponent("sandbox"),
		listeners: make(map[int]Listener),
	}
}

// InstanceKey derives the key for the sequence-th mount of bundle.
func InstanceKey(bundle string, sequence uint64) string {
	return fmt.Sprintf("%016x-%d", xxhash.Sum64String(bundle), sequence)
}

// Mount replaces the current instance with a fresh one running bundle. Even
// an identical bundle gets a new key, so no message from the previous
// instance can reach listeners of the new one.
func (h *Host) Mount(ctx context.Context, bundle string) (*Instance, error) {
	h.mu.Lock()
	h.teardownLocked()
	h.sequence++
	seq := h.sequence
	h.mu.Unlock()

	inst := &Instance{
		Key:      InstanceKey(bundle, seq),
		Hash:     xxhash.Sum64String(bundle),
		Sequence: seq,
	}

	var buf bytes.Buffer
	err := Document(DocumentData{
		InstanceKey:   inst.Key,
		Bundle:        bundle,
		Resources:     h.opts.Resources,
		GlobalName:    h.opts.GlobalName,
		EntryFunction: h.opts.EntryFunction,
	}).Render(ctx, &buf)
	if err != nil {
		return nil, fmt.Errorf("rendering sandbox document: %w", err)
	}
	inst.Document = buf.Bytes()

	policy, err := ContentSecurityPolicy(inst.Document)
	if err != nil {
		return nil, err
	}
	inst.Policy = policy
	inst.MountedAt = h.clock.Now()

	h.mu.Lock()
	if h.sequence != seq {
		// a newer mount started while this document was rendering
		h.mu.Unlock()
		return nil, ErrStaleInstance
	}
	h.current = inst
	h.mu.Unlock()

	if h.opts.Observer != nil {
		h.opts.Observer.ObserveMount()
	}
	h.logger.Debug(ctx, "Mounted sandbox instance", "instance", inst.Key, "bytes", len(inst.Document))

	return inst, nil
}

// Subscribe registers l for messages of the instance named key. The returned
// function removes it.
func (h *Host) Subscribe(key string, l Listener) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current == nil || h.current.Key != key {
		return nil, ErrStaleInstance
	}

	id := h.nextID
	h.nextID++
	h.listeners[id] = l

	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}, nil
}

// Deliver routes msg to the listeners of the instance named key. Messages for
// any other instance are dropped with ErrStaleInstance.
func (h *Host) Deliver(key string, msg Message) error {
	if !msg.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}

	h.mu.Lock()
	if h.current == nil || h.current.Key != key {
		h.mu.Unlock()
		h.observe(msg.Type, false)
		return ErrStaleInstance
	}
	ids := make([]int, 0, len(h.listeners))
	for id := range h.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, h.listeners[id])
	}
	h.mu.Unlock()

	h.observe(msg.Type, true)
	msg.Instance = key
	for _, l := range listeners {
		l(msg)
	}
	return nil
}

// Cleanup clears the current instance and removes all listeners. A mount
// still rendering when Cleanup runs is discarded.
func (h *Host) Cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.teardownLocked()
	h.sequence++
}

// Document returns the instance named key if it is still current.
func (h *Host) Document(key string) (*Instance, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current == nil || h.current.Key != key {
		return nil, false
	}
	return h.current, true
}

// Current returns the mounted instance, or nil.
func (h *Host) Current() *Instance {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// ListenerCount returns the number of listeners on the current instance.
func (h *Host) ListenerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

func (h *Host) teardownLocked() {
	h.current = nil
	h.listeners = make(map[int]Listener)
}

func (h *Host) observe(kind MessageType, delivered bool) {
	if h.opts.Observer != nil {
		h.opts.Observer.ObserveSandboxMessage(string(kind), delivered)
	}
}
