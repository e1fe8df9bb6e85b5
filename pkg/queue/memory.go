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

package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It loses its content on restart and is
// meant for tests and single-replica development setups.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
	seq     map[uuid.UUID]uint64
	next    uint64
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[uuid.UUID]*Entry),
		seq:     make(map[uuid.UUID]uint64),
		now:     time.Now,
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := Prepare(e, s.now().UTC()); err != nil {
		return err
	}
	if _, ok := s.entries[e.ID]; ok {
		return fmt.Errorf("queue entry %s already exists", e.ID)
	}
	c := *e
	s.entries[e.ID] = &c
	s.seq[e.ID] = s.next
	s.next++
	return nil
}

func (s *MemoryStore) ListPending(_ context.Context, publisherID int32, limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Entry
	for id, e := range s.entries {
		if e.PublisherID != publisherID || e.Status == StatusSuccess {
			continue
		}
		c := *s.entries[id]
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c := *e
	return &c, nil
}

func (s *MemoryStore) MarkSuccess(_ context.Context, id uuid.UUID) error {
	return s.transition(id, StatusSuccess)
}

func (s *MemoryStore) MarkFailed(_ context.Context, id uuid.UUID) error {
	return s.transition(id, StatusFailed)
}

func (s *MemoryStore) transition(id uuid.UUID, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	e.Status = to
	if to == StatusFailed {
		e.TryCounter++
	}
	e.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) Count(_ context.Context, publisherID int32, status Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.PublisherID == publisherID && e.Status == status {
			n++
		}
	}
	return n, nil
}

// Len returns the total number of entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries returns every entry in enqueue order.
func (s *MemoryStore) Entries() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out
}
