package collection

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Registry caches open collection handles by path. It only guards the
// handle lifecycle; per-user sync serialization is a separate concern
// handled above it.
type Registry struct {
	mu     sync.RWMutex
	open   map[string]*Store
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		open:   make(map[string]*Store),
		logger: logger,
	}
}

// Open returns the cached handle for path, opening it on first use.
func (r *Registry) Open(path string) (*Store, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}

	r.mu.RLock()
	s, ok := r.open[path]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if s, ok := r.open[path]; ok {
		return s, nil
	}

	s, err := Open(path, r.logger)
	if err != nil {
		return nil, err
	}
	r.open[path] = s
	return s, nil
}

// Close evicts and closes the handle for path, if open.
func (r *Registry) Close(path string) error {
	r.mu.Lock()
	s, ok := r.open[path]
	delete(r.open, path)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return s.Close()
}

// Replace atomically swaps the collection file at path with the validated
// file at newPath. The open handle is closed first so no connection holds
// the old inode.
func (r *Registry) Replace(path, newPath string) error {
	if err := ValidateFile(newPath); err != nil {
		return err
	}
	if err := r.Close(path); err != nil {
		r.logger.Warn("closing collection before replace", "path", path, "error", err)
	}

	// Drop WAL leftovers from the old database.
	os.Remove(path + "-wal")
	os.Remove(path + "-shm")

	if err := os.Rename(newPath, path); err != nil {
		return fmt.Errorf("failed to install uploaded collection: %w", err)
	}
	return nil
}

// CloseAll closes every open handle. Called on server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, s := range r.open {
		if err := s.Close(); err != nil {
			r.logger.Warn("closing collection", "path", path, "error", err)
		}
		delete(r.open, path)
	}
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty collection path")
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("invalid collection path %q", path)
	}
	return nil
}
