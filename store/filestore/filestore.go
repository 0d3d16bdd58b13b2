// Package filestore persists recoverable node sources in a YAML file.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gammadia/warden/rm"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

type document struct {
	NodeSources []rm.RecoveredNodeSource `yaml:"node-sources"`
}

// Store rewrites the whole file on every change. The file is replaced
// atomically so a crash never leaves it half written.
type Store struct {
	path  string
	mutex sync.Mutex
}

// Store implements rm.Store
var _ rm.Store = (*Store)(nil)

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) SaveNodeSource(_ context.Context, definition rm.NodeSourceDefinition) error {
	return s.update(func(doc *document) {
		if i := s.find(doc, definition.Name); i >= 0 {
			doc.NodeSources[i].Definition = definition
			return
		}
		doc.NodeSources = append(doc.NodeSources, rm.RecoveredNodeSource{Definition: definition})
	})
}

func (s *Store) DeleteNodeSource(_ context.Context, name string) error {
	return s.update(func(doc *document) {
		doc.NodeSources = slices.DeleteFunc(doc.NodeSources, func(r rm.RecoveredNodeSource) bool {
			return r.Definition.Name == name
		})
	})
}

func (s *Store) SaveNode(_ context.Context, source string, url string) error {
	var err error
	updateErr := s.update(func(doc *document) {
		i := s.find(doc, source)
		if i < 0 {
			err = fmt.Errorf("node source '%s' is not stored", source)
			return
		}
		if !slices.Contains(doc.NodeSources[i].Nodes, url) {
			doc.NodeSources[i].Nodes = append(doc.NodeSources[i].Nodes, url)
		}
	})
	return errors.Join(err, updateErr)
}

func (s *Store) DeleteNode(_ context.Context, source string, url string) error {
	return s.update(func(doc *document) {
		if i := s.find(doc, source); i >= 0 {
			doc.NodeSources[i].Nodes = lo.Without(doc.NodeSources[i].Nodes, url)
		}
	})
}

func (s *Store) Load(context.Context) ([]rm.RecoveredNodeSource, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc.NodeSources, nil
}

func (s *Store) find(doc *document, name string) int {
	return slices.IndexFunc(doc.NodeSources, func(r rm.RecoveredNodeSource) bool {
		return r.Definition.Name == name
	})
}

func (s *Store) update(f func(doc *document)) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	f(&doc)
	slices.SortFunc(doc.NodeSources, func(a, b rm.RecoveredNodeSource) int {
		return strings.Compare(a.Definition.Name, b.Definition.Name)
	})
	return s.write(doc)
}

func (s *Store) read() (document, error) {
	var doc document

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("failed to read store: %w", err)
	}

	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("failed to parse store '%s': %w", s.path, err)
	}
	return doc, nil
}

func (s *Store) write(doc document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace store: %w", err)
	}
	return nil
}
