/*
Copyright 2026 openUKR Contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/openukr/certpublisher/pkg/publish"
)

var (
	// ErrNotFound is returned when a publisher does not exist.
	ErrNotFound = errors.New("publisher not found")

	// ErrAlreadyExists is returned when an id or name is already taken.
	ErrAlreadyExists = errors.New("publisher already exists")

	// ErrIDExists is the id flavour of ErrAlreadyExists.
	ErrIDExists = fmt.Errorf("%w: id in use", ErrAlreadyExists)

	// ErrNameExists is the name flavour of ErrAlreadyExists.
	ErrNameExists = fmt.Errorf("%w: name in use", ErrAlreadyExists)

	// ErrAuthorizationDenied is returned by privileged queries.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrInvalidName is returned for names that fail validation.
	ErrInvalidName = errors.New("invalid publisher name")

	// ErrIDSpaceExhausted is returned when the allocator gives up.
	ErrIDSpaceExhausted = errors.New("no free publisher id")

	// ErrInvalidID is returned for explicit ids in the reserved range.
	ErrInvalidID = errors.New("invalid publisher id")
)

// Entry is a named, uniquely identified publisher configuration.
type Entry struct {
	ID     int32
	Name   string
	Config publish.Config
	// UpdateCounter changes on every config write. Consumers poll it to
	// detect configuration changes.
	UpdateCounter int64
	// Generation is assigned by the store on insert and on every config
	// write. It is never reused, not even for a row re-added under a
	// previous id, so it identifies the stored config across registries.
	Generation int64
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Config = e.Config.Clone()
	return &c
}

// Store persists registry entries. Uniqueness of id and name is enforced by
// the store, atomically with the write.
type Store interface {
	// Insert adds e and sets e.Generation. It fails with ErrIDExists or
	// ErrNameExists.
	Insert(ctx context.Context, e *Entry) error
	// GetByName returns ErrNotFound when absent.
	GetByName(ctx context.Context, name string) (*Entry, error)
	// GetByID returns ErrNotFound when absent.
	GetByID(ctx context.Context, id int32) (*Entry, error)
	// UpdateConfig replaces the config, increments the update counter and
	// assigns a new generation. It returns the updated entry, or ErrNotFound.
	UpdateConfig(ctx context.Context, name string, cfg publish.Config) (*Entry, error)
	// Rename fails with ErrNotFound or ErrNameExists.
	Rename(ctx context.Context, oldName, newName string) error
	// Delete removes the named entry and returns it, or nil when absent.
	Delete(ctx context.Context, name string) (*Entry, error)
	// List returns every entry ordered by id.
	List(ctx context.Context) ([]*Entry, error)
}

// MemoryStore is a Store backed by maps. A single mutex makes every
// operation atomic.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[int32]*Entry
	byName     map[string]int32
	generation int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[int32]*Entry),
		byName: make(map[string]int32),
	}
}

func (s *MemoryStore) Insert(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[e.ID]; ok {
		return fmt.Errorf("%w: %d", ErrIDExists, e.ID)
	}
	if _, ok := s.byName[e.Name]; ok {
		return fmt.Errorf("%w: %q", ErrNameExists, e.Name)
	}
	s.generation++
	e.Generation = s.generation
	s.byID[e.ID] = e.Clone()
	s.byName[e.Name] = e.ID
	return nil
}

func (s *MemoryStore) GetByName(_ context.Context, name string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryStore) GetByID(_ context.Context, id int32) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return e.Clone(), nil
}

func (s *MemoryStore) UpdateConfig(_ context.Context, name string, cfg publish.Config) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	e := s.byID[id]
	e.Config = cfg.Clone()
	e.UpdateCounter++
	s.generation++
	e.Generation = s.generation
	return e.Clone(), nil
}

func (s *MemoryStore) Rename(_ context.Context, oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[newName]; ok {
		return fmt.Errorf("%w: %q", ErrNameExists, newName)
	}
	id, ok := s.byName[oldName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, oldName)
	}
	delete(s.byName, oldName)
	s.byName[newName] = id
	s.byID[id].Name = newName
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byName[name]
	if !ok {
		return nil, nil
	}
	e := s.byID[id]
	delete(s.byName, name)
	delete(s.byID, id)
	return e, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
