// Package filestore keeps open faults in a single JSON file, rewritten
// atomically on every change.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/Sh00ty/uplinkd/internal/faults"
)

type document struct {
	Faults []faults.Fault `json:"faults"`
}

type Store struct {
	path string
	mu   sync.Mutex
}

func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create fault journal dir: %w", err)
	}
	return &Store{path: path}, nil
}

func (s *Store) Open(ctx context.Context, f faults.Fault) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.Faults = slices.DeleteFunc(doc.Faults, func(x faults.Fault) bool {
		return x.Interface == f.Interface
	})
	doc.Faults = append(doc.Faults, f)
	return s.save(doc)
}

func (s *Store) Clear(ctx context.Context, iface string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	n := len(doc.Faults)
	doc.Faults = slices.DeleteFunc(doc.Faults, func(x faults.Fault) bool {
		return x.Interface == iface
	})
	if len(doc.Faults) == n {
		return nil
	}
	return s.save(doc)
}

func (s *Store) ListOpen(ctx context.Context) ([]faults.Fault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	slices.SortFunc(doc.Faults, func(a, b faults.Fault) int {
		return strings.Compare(a.Interface, b.Interface)
	})
	return doc.Faults, nil
}

func (s *Store) load() (document, error) {
	var doc document
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("failed to read fault journal: %w", err)
	}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("failed to decode fault journal %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *Store) save(doc document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode fault journal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o640); err != nil {
		return fmt.Errorf("failed to write fault journal: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace fault journal: %w", err)
	}
	return nil
}
