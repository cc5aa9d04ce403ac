// Package workspace resolves workspace names to root directories.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned when no workspace is registered under a name
var ErrNotFound = errors.New("workspace not found")

// Resolver maps a workspace name to its root directory
type Resolver interface {
	Resolve(name string) (string, error)
}

// StaticResolver resolves workspace names against a registered set of
// roots, typically loaded from configuration
type StaticResolver struct {
	mu    sync.RWMutex
	roots map[string]string // name -> absolute root path
}

// NewStaticResolver creates a resolver from a name to root-path map.
// Paths are normalized to absolute; roots that do not exist or are not
// directories are rejected.
func NewStaticResolver(roots map[string]string) (*StaticResolver, error) {
	r := &StaticResolver{
		roots: make(map[string]string, len(roots)),
	}

	for name, path := range roots {
		if err := r.Register(name, path); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Register adds or replaces a workspace root
func (r *StaticResolver) Register(name, path string) error {
	if name == "" {
		return fmt.Errorf("workspace name must not be empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace %s path: %w", name, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("workspace %s root %s: %w", name, absPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace %s root %s is not a directory", name, absPath)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.roots[name] = absPath

	return nil
}

// Resolve returns the root directory for a workspace name
func (r *StaticResolver) Resolve(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	path, ok := r.roots[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return path, nil
}

// Names returns the registered workspace names
func (r *StaticResolver) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.roots))
	for name := range r.roots {
		names = append(names, name)
	}
	return names
}
