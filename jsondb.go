package cadence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// JSONStore is a file-backed JSON document store: one document per key, one
// file per document. Writes go through a temp file and an atomic rename, and
// a per-key mutex serializes writers, so readers never observe a partial
// document.
type JSONStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewJSONStore creates a store rooted at dir, creating it if needed.
func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create json store dir: %w", err)
	}
	return &JSONStore{root: dir, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *JSONStore) lock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *JSONStore) path(key string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(s.root, safe+".json")
}

// Save marshals v and atomically replaces the document at key.
func (s *JSONStore) Save(key string, v any) error {
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", key, err)
	}
	return nil
}

// Load unmarshals the document at key into v. The second return is false
// when no document exists.
func (s *JSONStore) Load(key string, v any) (bool, error) {
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Delete removes the document at key. Missing documents are not an error.
func (s *JSONStore) Delete(key string) error {
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
