package extension

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"dario.cat/mergo"
	"go.uber.org/zap"
)

// Store is the durable manifest of known extensions: a single JSON document
// mapping extension id to Metadata, rewritten in full on every mutation.
//
// The document is read lazily on first access and cached for the process
// lifetime. A missing or unparsable document initializes an empty store so
// the host can always start. All mutating operations run under one mutex,
// serializing the read-merge-write cycle so overlapping updates cannot drop
// each other's writes.
type Store struct {
	path string
	log  *zap.Logger

	mu         sync.Mutex
	loaded     bool
	extensions map[string]*Metadata
}

// NewStore creates a Store backed by the document at path. Nothing is read
// until first use.
func NewStore(path string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{path: path, log: log}
}

// ensureLoaded reads the backing document once. Callers must hold mu.
func (s *Store) ensureLoaded() {
	if s.loaded {
		return
	}
	s.loaded = true
	s.extensions = make(map[string]*Metadata)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("failed to read extension manifest, starting empty",
				zap.String("path", s.path), zap.Error(err))
		}
		return
	}

	var doc map[string]*Metadata
	if err := json.Unmarshal(data, &doc); err != nil {
		s.log.Warn("extension manifest is unparsable, starting empty",
			zap.String("path", s.path), zap.Error(err))
		return
	}
	s.extensions = doc
}

// persistLocked rewrites the whole document. Callers must hold mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.extensions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal extension manifest: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create manifest directory: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write extension manifest: %w", err)
	}
	return nil
}

// GetExtensionConfig returns the stored metadata for id, or nil when the id
// is unknown. Missing ids are not an error; callers must check.
func (s *Store) GetExtensionConfig(id string) *Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	m, ok := s.extensions[id]
	if !ok {
		return nil
	}
	return m.clone()
}

// GetExtensions returns the full id to metadata mapping.
func (s *Store) GetExtensions() map[string]Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	out := make(map[string]Metadata, len(s.extensions))
	for id, m := range s.extensions {
		out[id] = *m.clone()
	}
	return out
}

// UpdateExtensionConfig merges partial into the entry for id, creating the
// entry when absent, and persists the whole document before returning.
//
// Merge semantics: non-zero fields of partial overwrite the stored entry;
// zero fields leave it untouched. Boolean flags therefore cannot be cleared
// through this path; use SetEnabled for the enabled flag.
func (s *Store) UpdateExtensionConfig(id string, partial Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	existing, ok := s.extensions[id]
	if !ok {
		existing = &Metadata{ID: id}
		s.extensions[id] = existing
	}
	if err := mergo.Merge(existing, partial, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge metadata for %s: %w", id, err)
	}
	existing.ID = id

	return s.persistLocked()
}

// SetEnabled flips the enabled flag for id and persists. Unknown ids return
// ErrExtensionNotFound.
func (s *Store) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	m, ok := s.extensions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExtensionNotFound, id)
	}
	m.Enabled = enabled

	return s.persistLocked()
}

// RemoveExtension deletes the entry for id and persists. Removing an id
// that was never present is not an error.
func (s *Store) RemoveExtension(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	if _, ok := s.extensions[id]; !ok {
		return nil
	}
	delete(s.extensions, id)

	return s.persistLocked()
}
