// Package filestore is the file-store adapter: it reads and writes text
// files underneath workspace roots, classifies failures, and reports
// external modifications through a watcher.
package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/filewire/filewire/internal/logger"
)

// Classified adapter errors. Callers collapse these into human-readable
// protocol messages.
var (
	ErrNotFound   = errors.New("file not found")
	ErrPermission = errors.New("permission denied")
	ErrBinary     = errors.New("file is binary")
	ErrTooLarge   = errors.New("file is too large")
	ErrPathEscape = errors.New("path escapes workspace root")
)

// FileData is the result of a successful read
type FileData struct {
	Content  string
	MimeType string
	Size     int64
	ModTime  time.Time
}

// Store reads and writes files beneath base paths
type Store struct {
	maxFileSize int64
	log         *logger.Logger
}

// New creates a store. maxFileSize caps reads and writes in bytes; zero
// means no limit.
func New(maxFileSize int64) *Store {
	return &Store{
		maxFileSize: maxFileSize,
		log:         logger.Global().WithPrefix("store"),
	}
}

// safeJoin joins relPath onto basePath, rejecting anything that would
// resolve outside basePath.
func safeJoin(basePath, relPath string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(relPath))
	if cleaned == "." || cleaned == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathEscape)
	}
	if filepath.IsAbs(cleaned) || !filepath.IsLocal(cleaned) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, relPath)
	}
	return filepath.Join(basePath, cleaned), nil
}

// classifyReadError maps filesystem errors onto adapter error classes
func classifyReadError(path string, err error) error {
	switch {
	case os.IsNotExist(err):
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case os.IsPermission(err):
		return fmt.Errorf("%w: %s", ErrPermission, path)
	default:
		return err
	}
}

// looksBinary reports whether content is not valid text
func looksBinary(data []byte) bool {
	if bytes.IndexByte(data, 0) >= 0 {
		return true
	}
	return !utf8.Valid(data)
}

// mimeTypeFor guesses a mime type from the file extension
func mimeTypeFor(path string) string {
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		return "text/plain"
	}
	// Strip charset parameters; the protocol carries the bare type.
	if idx := strings.IndexByte(mimeType, ';'); idx >= 0 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}
	return mimeType
}

// Read loads the file at relPath under basePath
func (s *Store) Read(ctx context.Context, basePath, relPath string) (*FileData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	absPath, err := safeJoin(basePath, relPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, classifyReadError(relPath, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, relPath)
	}
	if s.maxFileSize > 0 && info.Size() > s.maxFileSize {
		return nil, fmt.Errorf("%w: %s (%d bytes)", ErrTooLarge, relPath, info.Size())
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, classifyReadError(relPath, err)
	}
	if looksBinary(data) {
		return nil, fmt.Errorf("%w: %s", ErrBinary, relPath)
	}

	return &FileData{
		Content:  string(data),
		MimeType: mimeTypeFor(relPath),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
	}, nil
}

// Write persists content at relPath under basePath, creating parent
// directories as needed
func (s *Store) Write(ctx context.Context, basePath, relPath, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	absPath, err := safeJoin(basePath, relPath)
	if err != nil {
		return err
	}

	if s.maxFileSize > 0 && int64(len(content)) > s.maxFileSize {
		return fmt.Errorf("%w: %s (%d bytes)", ErrTooLarge, relPath, len(content))
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	if err := os.WriteFile(absPath, []byte(content), 0644); err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("%w: %s", ErrPermission, relPath)
		}
		return err
	}

	s.log.Debug("Wrote %d bytes to %s", len(content), relPath)

	return nil
}
