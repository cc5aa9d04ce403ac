// Package protocol defines the wire format for the file synchronization
// channel: a JSON envelope with a message kind, a kind-specific payload,
// and an optional correlation identifier carried by request/response pairs.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/filewire/filewire/internal/delta"
)

// Message type constants
const (
	// MessageTypeConnectionStatus binds a workspace (client to server) or
	// reports connection state (server to client).
	MessageTypeConnectionStatus = "connection_status"

	// File operations
	MessageTypeFileContent      = "file_content"
	MessageTypeSaveRequest      = "save_request"
	MessageTypeSaveConfirmation = "save_confirmation"
	MessageTypeTextChange       = "text_change"

	// MessageTypeFileChanged notifies bound clients that a file was
	// modified outside the protocol. Fire-and-forget, no messageId.
	MessageTypeFileChanged = "file_changed"

	// MessageTypeError reports a protocol, binding, or internal failure.
	// The connection stays open.
	MessageTypeError = "error"
)

// Connection status values
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusReconnecting = "reconnecting"
)

// Envelope is the frame every message travels in. MessageID is present on
// all request/response pairs and absent on notifications; a response
// carries the same MessageID as its request.
type Envelope struct {
	Type      string          `json:"type"`
	MessageID string          `json:"messageId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessageID returns a fresh correlation identifier
func NewMessageID() string {
	return uuid.NewString()
}

// Encode builds an envelope around payload and serializes it
func Encode(msgType, messageID string, payload interface{}) ([]byte, error) {
	env, err := NewEnvelope(msgType, messageID, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// NewEnvelope builds an envelope with a marshaled payload
func NewEnvelope(msgType, messageID string, payload interface{}) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		raw = data
	}
	return &Envelope{Type: msgType, MessageID: messageID, Payload: raw}, nil
}

// Decode parses a raw frame into an envelope
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("malformed message: missing type")
	}
	return &env, nil
}

// Into unmarshals the envelope payload into v
func (e *Envelope) Into(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}

// ConnectionStatus binds a workspace or reports connection state
type ConnectionStatus struct {
	WorkspaceName string `json:"workspaceName,omitempty"`
	Status        string `json:"status,omitempty"`
}

// FileContentRequest asks for the content of a file
type FileContentRequest struct {
	Path          string `json:"path"`
	WorkspaceName string `json:"workspaceName,omitempty"`
}

// FileContentResponse carries file content back to the requester. Path is
// echoed so the requester can discard late responses for a superseded path.
type FileContentResponse struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	MimeType string `json:"mimeType"`
}

// SaveRequest persists content at a path
type SaveRequest struct {
	Path              string `json:"path"`
	Content           string `json:"content"`
	LastKnownModified int64  `json:"lastKnownModified,omitempty"`
	WorkspaceName     string `json:"workspaceName,omitempty"`
}

// SaveConfirmation reports the outcome of a save request
type SaveConfirmation struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// TextChange carries incremental edits for a file
type TextChange struct {
	Path    string        `json:"path"`
	Deltas  []delta.Delta `json:"deltas"`
	Version int           `json:"version"`
}

// TextChangeAck acknowledges a text change. On success Version is the new
// version; on failure it is the unchanged version plus a message.
type TextChangeAck struct {
	Success bool   `json:"success"`
	Version int    `json:"version"`
	Message string `json:"message,omitempty"`
}

// FileChanged notifies that a file was modified on disk
type FileChanged struct {
	Path          string `json:"path"`
	WorkspaceName string `json:"workspaceName"`
}

// ErrorMessage carries a human-readable failure description
type ErrorMessage struct {
	Message string `json:"message"`
}

// NewErrorEnvelope builds an error notification, echoing the failed
// request's messageId when there is one
func NewErrorEnvelope(messageID, message string) *Envelope {
	env, _ := NewEnvelope(MessageTypeError, messageID, ErrorMessage{Message: message})
	return env
}
