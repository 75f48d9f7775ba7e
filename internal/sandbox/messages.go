package sandbox

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// MessageType is the kind of a sandbox-to-host message.
type MessageType string

const (
	// MessageLoaded means the sandbox document finished loading its resources.
	MessageLoaded MessageType = "loaded"
	// MessageError means an uncaught script error or a failed mount.
	MessageError MessageType = "error"
	// MessageResourceError means an external script or stylesheet failed to load.
	MessageResourceError MessageType = "resourceError"
)

// Message is one sandbox-to-host message. Instance names the sandbox
// instance that produced it.
type Message struct {
	Type     MessageType `json:"type"`
	Error    string      `json:"error,omitempty"`
	Stack    string      `json:"stack,omitempty"`
	Instance string      `json:"instance"`
}

// Listener receives messages for one sandbox instance.
type Listener func(Message)

// ErrStaleInstance is returned when a message or subscription targets an
// instance that is no longer mounted.
var ErrStaleInstance = stderrors.New("sandbox: stale or unknown instance")

// ErrUnknownMessage is returned for messages outside the protocol.
var ErrUnknownMessage = stderrors.New("sandbox: unknown message type")

// Valid reports whether t is part of the protocol.
func (t MessageType) Valid() bool {
	switch t {
	case MessageLoaded, MessageError, MessageResourceError:
		return true
	}
	return false
}

// ParseMessage decodes and validates a relayed sandbox message.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decoding sandbox message: %w", err)
	}
	if !msg.Type.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	if msg.Instance == "" {
		return Message{}, fmt.Errorf("%w: missing instance", ErrStaleInstance)
	}
	return msg, nil
}
