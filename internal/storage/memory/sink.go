package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Sink keeps written objects in memory and returns memory:// URIs.
type Sink struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewSink creates an empty in-memory sink.
func NewSink() *Sink {
	return &Sink{data: make(map[string][]byte)}
}

// Exists reports whether path has been written.
func (s *Sink) Exists(_ context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[path]
	return ok, nil
}

// Write stores the full content of r under path. Nothing is stored when
// reading r fails.
func (s *Sink) Write(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read body for %s: %w", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = body
	return "memory://" + path, nil
}

// Get returns a copy of the bytes stored at path.
func (s *Sink) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.data[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), body...), true
}

// Len is the number of stored objects.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
