package syncserver

import (
	"context"
	"fmt"

	"github.com/filewire/filewire/internal/delta"
	"github.com/filewire/filewire/internal/filestore"
	"github.com/filewire/filewire/internal/logger"
	"github.com/filewire/filewire/internal/protocol"
)

// SessionManager executes file operations for bound connections and
// answers with the matching response message
type SessionManager struct {
	store *filestore.Store
	log   *logger.Logger
}

func NewSessionManager(store *filestore.Store) *SessionManager {
	return &SessionManager{
		store: store,
		log:   logger.Global().WithPrefix("session"),
	}
}

// Handle routes an envelope from a bound connection to its operation
func (m *SessionManager) Handle(c *Conn, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MessageTypeFileContent:
		m.handleFileContent(c, env)
	case protocol.MessageTypeSaveRequest:
		m.handleSaveRequest(c, env)
	case protocol.MessageTypeTextChange:
		m.handleTextChange(c, env)
	default:
		c.Send(protocol.NewErrorEnvelope(env.MessageID, fmt.Sprintf("Unknown message type: %s", env.Type)))
	}
}

func (m *SessionManager) handleFileContent(c *Conn, env *protocol.Envelope) {
	var req protocol.FileContentRequest
	if err := env.Into(&req); err != nil {
		c.Send(protocol.NewErrorEnvelope(env.MessageID, err.Error()))
		return
	}
	if req.Path == "" {
		c.Send(protocol.NewErrorEnvelope(env.MessageID, "File path is required"))
		return
	}

	_, basePath := c.Workspace()
	data, err := m.store.Read(context.Background(), basePath, req.Path)
	if err != nil {
		m.log.Debug("Read %s failed for %s: %v", req.Path, c.ID, err)
		c.Send(protocol.NewErrorEnvelope(env.MessageID, fmt.Sprintf("Failed to read %s: %v", req.Path, err)))
		return
	}

	resp, err := protocol.NewEnvelope(protocol.MessageTypeFileContent, env.MessageID, protocol.FileContentResponse{
		Path:     req.Path,
		Content:  data.Content,
		MimeType: data.MimeType,
	})
	if err != nil {
		c.Send(protocol.NewErrorEnvelope(env.MessageID, err.Error()))
		return
	}
	c.Send(resp)
}

func (m *SessionManager) handleSaveRequest(c *Conn, env *protocol.Envelope) {
	var req protocol.SaveRequest
	if err := env.Into(&req); err != nil {
		c.Send(protocol.NewErrorEnvelope(env.MessageID, err.Error()))
		return
	}
	if req.Path == "" {
		c.Send(protocol.NewErrorEnvelope(env.MessageID, "File path is required"))
		return
	}

	_, basePath := c.Workspace()
	confirmation := protocol.SaveConfirmation{Success: true}
	if err := m.store.Write(context.Background(), basePath, req.Path, req.Content); err != nil {
		m.log.Warn("Save %s failed for %s: %v", req.Path, c.ID, err)
		confirmation = protocol.SaveConfirmation{
			Success: false,
			Message: fmt.Sprintf("Failed to save %s: %v", req.Path, err),
		}
	} else {
		m.log.Info("Saved %s (%d bytes) for %s", req.Path, len(req.Content), c.ID)
	}

	resp, err := protocol.NewEnvelope(protocol.MessageTypeSaveConfirmation, env.MessageID, confirmation)
	if err != nil {
		c.Send(protocol.NewErrorEnvelope(env.MessageID, err.Error()))
		return
	}
	c.Send(resp)
}

// handleTextChange applies incremental edits with a read-modify-write
// against the file on disk. On failure the acknowledged version is the
// client's unchanged version.
func (m *SessionManager) handleTextChange(c *Conn, env *protocol.Envelope) {
	var req protocol.TextChange
	if err := env.Into(&req); err != nil {
		c.Send(protocol.NewErrorEnvelope(env.MessageID, err.Error()))
		return
	}
	if req.Path == "" {
		c.Send(protocol.NewErrorEnvelope(env.MessageID, "File path is required"))
		return
	}

	_, basePath := c.Workspace()
	ctx := context.Background()

	ack := func(success bool, version int, message string) {
		resp, err := protocol.NewEnvelope(protocol.MessageTypeTextChange, env.MessageID, protocol.TextChangeAck{
			Success: success,
			Version: version,
			Message: message,
		})
		if err != nil {
			c.Send(protocol.NewErrorEnvelope(env.MessageID, err.Error()))
			return
		}
		c.Send(resp)
	}

	data, err := m.store.Read(ctx, basePath, req.Path)
	if err != nil {
		ack(false, req.Version, fmt.Sprintf("Failed to read %s: %v", req.Path, err))
		return
	}

	updated, err := delta.Apply(data.Content, req.Deltas)
	if err != nil {
		ack(false, req.Version, fmt.Sprintf("Failed to apply changes to %s: %v", req.Path, err))
		return
	}

	if err := m.store.Write(ctx, basePath, req.Path, updated); err != nil {
		ack(false, req.Version, fmt.Sprintf("Failed to save %s: %v", req.Path, err))
		return
	}

	m.log.Debug("Applied %d deltas to %s for %s", len(req.Deltas), req.Path, c.ID)

	ack(true, req.Version+1, "")
}
