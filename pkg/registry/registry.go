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

// Package registry stores named publisher configurations and resolves them
// into ready to use publisher variants.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"github.com/openukr/certpublisher/pkg/audit"
	"github.com/openukr/certpublisher/pkg/authz"
	"github.com/openukr/certpublisher/pkg/metrics"
	"github.com/openukr/certpublisher/pkg/publish"
	"github.com/openukr/certpublisher/pkg/validation"
)

// DefaultMaxIDAttempts bounds the random id allocator.
const DefaultMaxIDAttempts = 64

// Registry is the CRUD front of the publisher store. It owns the cache of
// resolved variants; a cached variant is reused only while the stored
// generation matches the one it was built from.
type Registry struct {
	store      Store
	factory    *publish.Factory
	audit      audit.Sink
	authorizer authz.Authorizer
	log        logr.Logger

	nextID        func() int32
	maxIDAttempts int

	mu     sync.Mutex
	cache  map[int32]*cachedPublisher
	builds singleflight.Group
}

type cachedPublisher struct {
	generation int64
	pub        publish.Publisher
}

// Option configures a Registry.
type Option func(*Registry)

// WithIDSource replaces the random id source. Ids must be greater than 1.
func WithIDSource(next func() int32) Option {
	return func(r *Registry) { r.nextID = next }
}

// WithMaxIDAttempts bounds how many ids the allocator draws before giving up.
func WithMaxIDAttempts(n int) Option {
	return func(r *Registry) { r.maxIDAttempts = n }
}

// New creates a Registry over store.
func New(store Store, factory *publish.Factory, sink audit.Sink, authorizer authz.Authorizer, log logr.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:         store,
		factory:       factory,
		audit:         sink,
		authorizer:    authorizer,
		log:           log.WithName("registry"),
		nextID:        randomID,
		maxIDAttempts: DefaultMaxIDAttempts,
		cache:         make(map[int32]*cachedPublisher),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// randomID draws from [2, MaxInt32]; ids 0 and 1 are reserved.
func randomID() int32 {
	return rand.Int32N(math.MaxInt32-1) + 2
}

// Add stores cfg under name with a freshly allocated id.
func (r *Registry) Add(ctx context.Context, admin authz.Subject, name string, cfg publish.Config) (*Entry, error) {
	return r.add(ctx, admin, nil, name, cfg, audit.EventPublisherCreation, nil)
}

// AddWithID stores cfg under an explicit id. An id or name collision fails
// with ErrAlreadyExists and leaves the registry unchanged.
func (r *Registry) AddWithID(ctx context.Context, admin authz.Subject, id int32, name string, cfg publish.Config) (*Entry, error) {
	return r.add(ctx, admin, &id, name, cfg, audit.EventPublisherCreation, nil)
}

func (r *Registry) add(ctx context.Context, admin authz.Subject, id *int32, name string, cfg publish.Config, event audit.EventType, details map[string]string) (*Entry, error) {
	log := r.log.WithValues("publisher", name)
	if details == nil {
		details = map[string]string{}
	}
	details["name"] = name

	if err := validation.ValidatePublisherName(name); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidName, err)
		r.record(ctx, admin, event, err, "", details)
		return nil, err
	}

	if id != nil && *id <= 1 {
		err := fmt.Errorf("%w: %d, ids 0 and 1 are reserved", ErrInvalidID, *id)
		r.record(ctx, admin, event, err, "", details)
		return nil, err
	}

	e := &Entry{Name: name, Config: cfg.Clone()}
	var err error
	if id != nil {
		e.ID = *id
		err = r.store.Insert(ctx, e)
	} else {
		err = r.insertWithRandomID(ctx, e)
	}
	if err != nil {
		log.Info("failed to add publisher", "error", err.Error())
		r.record(ctx, admin, event, err, "", details)
		return nil, fmt.Errorf("add publisher %q: %w", name, err)
	}

	log.Info("added publisher", "id", e.ID, "type", string(cfg.Type()))
	details["type"] = string(cfg.Type())
	r.record(ctx, admin, event, nil, strconv.Itoa(int(e.ID)), details)
	return e.Clone(), nil
}

// insertWithRandomID retries only on id collisions. The store re-checks
// existence atomically with the insert, so concurrent allocations racing on
// the same id are safe.
func (r *Registry) insertWithRandomID(ctx context.Context, e *Entry) error {
	for attempt := 0; attempt < r.maxIDAttempts; attempt++ {
		e.ID = r.nextID()
		err := r.store.Insert(ctx, e)
		if errors.Is(err, ErrIDExists) {
			r.log.V(1).Info("publisher id collision, retrying", "id", e.ID)
			continue
		}
		return err
	}
	return fmt.Errorf("%w after %d attempts", ErrIDSpaceExhausted, r.maxIDAttempts)
}

// Rename moves an entry to a new name. A taken target name fails with
// ErrAlreadyExists; an absent source is logged and ignored.
func (r *Registry) Rename(ctx context.Context, admin authz.Subject, oldName, newName string) error {
	details := map[string]string{"name": oldName, "newName": newName}

	if err := validation.ValidatePublisherName(newName); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidName, err)
		r.record(ctx, admin, audit.EventPublisherRename, err, "", details)
		return err
	}

	err := r.store.Rename(ctx, oldName, newName)
	switch {
	case errors.Is(err, ErrNotFound):
		r.log.Info("publisher to rename does not exist", "publisher", oldName)
		r.record(ctx, admin, audit.EventPublisherRename, err, "", details)
		return nil
	case err != nil:
		r.record(ctx, admin, audit.EventPublisherRename, err, "", details)
		return fmt.Errorf("rename publisher %q to %q: %w", oldName, newName, err)
	}

	r.log.Info("renamed publisher", "publisher", oldName, "newName", newName)
	r.record(ctx, admin, audit.EventPublisherRename, nil, "", details)
	return nil
}

// Change replaces the config of name. The cached variant is rebuilt on next
// resolution. An absent name is logged and ignored.
func (r *Registry) Change(ctx context.Context, admin authz.Subject, name string, cfg publish.Config) error {
	prev, err := r.store.GetByName(ctx, name)
	if errors.Is(err, ErrNotFound) {
		r.log.Info("publisher to change does not exist", "publisher", name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("change publisher %q: %w", name, err)
	}

	details := map[string]string{"name": name, "changed": strings.Join(changedKeys(prev.Config, cfg), ",")}
	updated, err := r.store.UpdateConfig(ctx, name, cfg)
	if errors.Is(err, ErrNotFound) {
		r.log.Info("publisher to change disappeared", "publisher", name)
		return nil
	}
	if err != nil {
		r.record(ctx, admin, audit.EventPublisherChange, err, strconv.Itoa(int(prev.ID)), details)
		return fmt.Errorf("change publisher %q: %w", name, err)
	}

	r.invalidate(updated.ID)
	r.log.Info("changed publisher", "publisher", name, "id", updated.ID, "updateCounter", updated.UpdateCounter)
	r.record(ctx, admin, audit.EventPublisherChange, nil, strconv.Itoa(int(updated.ID)), details)
	return nil
}

// Clone adds the resolved configuration of oldName under newName.
func (r *Registry) Clone(ctx context.Context, admin authz.Subject, oldName, newName string) error {
	details := map[string]string{"sourceName": oldName}

	src, err := r.Get(ctx, oldName)
	if err != nil {
		return err
	}
	if src == nil {
		err := fmt.Errorf("%w: %q", ErrNotFound, oldName)
		r.record(ctx, admin, audit.EventPublisherClone, err, "", details)
		return err
	}

	pub, err := r.Resolve(ctx, src)
	if err != nil {
		r.record(ctx, admin, audit.EventPublisherClone, err, strconv.Itoa(int(src.ID)), details)
		return fmt.Errorf("clone publisher %q: %w", oldName, err)
	}

	_, err = r.add(ctx, admin, nil, newName, pub.Config(), audit.EventPublisherClone, details)
	return err
}

// Remove deletes name. Removing an absent name is a no-op.
func (r *Registry) Remove(ctx context.Context, admin authz.Subject, name string) error {
	removed, err := r.store.Delete(ctx, name)
	if err != nil {
		r.record(ctx, admin, audit.EventPublisherRemoval, err, "", map[string]string{"name": name})
		return fmt.Errorf("remove publisher %q: %w", name, err)
	}
	if removed == nil {
		r.log.V(1).Info("publisher to remove does not exist", "publisher", name)
		return nil
	}

	r.invalidate(removed.ID)
	r.log.Info("removed publisher", "publisher", name, "id", removed.ID)
	r.record(ctx, admin, audit.EventPublisherRemoval, nil, strconv.Itoa(int(removed.ID)), map[string]string{"name": name})
	return nil
}

// Get returns the named entry, or nil when absent.
func (r *Registry) Get(ctx context.Context, name string) (*Entry, error) {
	e, err := r.store.GetByName(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// GetByID returns the entry with id, or nil when absent.
func (r *Registry) GetByID(ctx context.Context, id int32) (*Entry, error) {
	e, err := r.store.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// List returns every entry ordered by id.
func (r *Registry) List(ctx context.Context) ([]*Entry, error) {
	return r.store.List(ctx)
}

// Resolve returns the variant for e, building it when the cache holds none
// for e's generation. Concurrent builds of the same generation share one
// factory call.
func (r *Registry) Resolve(_ context.Context, e *Entry) (publish.Publisher, error) {
	if pub, ok := r.cached(e.ID, e.Generation); ok {
		return pub, nil
	}

	key := strconv.Itoa(int(e.ID)) + "/" + strconv.FormatInt(e.Generation, 10)
	v, err, _ := r.builds.Do(key, func() (interface{}, error) {
		if pub, ok := r.cached(e.ID, e.Generation); ok {
			return pub, nil
		}

		pub, err := r.factory.New(e.Config)
		if err != nil {
			return nil, fmt.Errorf("resolve publisher %q (id %d): %w", e.Name, e.ID, err)
		}

		r.mu.Lock()
		prev := r.cache[e.ID]
		if prev != nil && prev.generation > e.Generation {
			// A newer config has been cached meanwhile; never downgrade.
			r.mu.Unlock()
			closePublisher(r.log, pub)
			return prev.pub, nil
		}
		r.cache[e.ID] = &cachedPublisher{generation: e.Generation, pub: pub}
		r.mu.Unlock()

		if prev != nil {
			closePublisher(r.log, prev.pub)
		}
		return pub, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(publish.Publisher), nil
}

// ResolveID loads the entry with id and resolves it. An absent id fails with
// ErrNotFound.
func (r *Registry) ResolveID(ctx context.Context, id int32) (*Entry, publish.Publisher, error) {
	e, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	pub, err := r.Resolve(ctx, e)
	if err != nil {
		return e, nil, err
	}
	return e, pub, nil
}

// Publisher resolves the named entry. An absent name fails with ErrNotFound.
func (r *Registry) Publisher(ctx context.Context, name string) (publish.Publisher, error) {
	e, err := r.store.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, e)
}

// ListIDs returns every publisher id. The caller needs the super
// administrator role.
func (r *Registry) ListIDs(ctx context.Context, admin authz.Subject) ([]int32, error) {
	if !r.authorizer.IsAuthorized(ctx, admin, authz.RoleSuperAdministrator) {
		return nil, fmt.Errorf("%w: %s may not list publishers", ErrAuthorizationDenied, admin.Name)
	}
	entries, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int32, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids, nil
}

// IDToNameMap maps every publisher id to its name.
func (r *Registry) IDToNameMap(ctx context.Context) (map[int32]string, error) {
	entries, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int32]string, len(entries))
	for _, e := range entries {
		out[e.ID] = e.Name
	}
	return out, nil
}

// UpdateCount returns the update counter of id, or 0 when absent.
func (r *Registry) UpdateCount(ctx context.Context, id int32) (int64, error) {
	e, err := r.GetByID(ctx, id)
	if err != nil || e == nil {
		return 0, err
	}
	return e.UpdateCounter, nil
}

// ID returns the id of name, or 0 when absent.
func (r *Registry) ID(ctx context.Context, name string) (int32, error) {
	e, err := r.Get(ctx, name)
	if err != nil || e == nil {
		return 0, err
	}
	return e.ID, nil
}

// Name returns the name of id, or "" when absent.
func (r *Registry) Name(ctx context.Context, id int32) (string, error) {
	e, err := r.GetByID(ctx, id)
	if err != nil || e == nil {
		return "", err
	}
	return e.Name, nil
}

// Close releases every cached variant.
func (r *Registry) Close() {
	r.mu.Lock()
	cache := r.cache
	r.cache = make(map[int32]*cachedPublisher)
	r.mu.Unlock()

	for _, c := range cache {
		closePublisher(r.log, c.pub)
	}
}

func (r *Registry) cached(id int32, generation int64) (publish.Publisher, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cache[id]
	if !ok || c.generation != generation {
		return nil, false
	}
	return c.pub, true
}

func (r *Registry) invalidate(id int32) {
	r.mu.Lock()
	c := r.cache[id]
	delete(r.cache, id)
	r.mu.Unlock()

	if c != nil {
		closePublisher(r.log, c.pub)
	}
}

func (r *Registry) record(ctx context.Context, admin authz.Subject, event audit.EventType, err error, subjectID string, details map[string]string) {
	status := audit.StatusSuccess
	if err != nil {
		status = audit.StatusFailure
		details["error"] = err.Error()
	}
	metrics.RegistryMutationsTotal.WithLabelValues(string(event), metrics.Result(err)).Inc()
	r.audit.Log(ctx, audit.Event{
		Type:      event,
		Status:    status,
		Actor:     admin.String(),
		SubjectID: subjectID,
		Details:   details,
	})
}

func closePublisher(log logr.Logger, pub publish.Publisher) {
	c, ok := pub.(interface{ Close() error })
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		log.Error(err, "failed to close publisher", "type", string(pub.Type()))
	}
}

// changedKeys lists keys whose values differ between a and b. Values are
// left out since configs hold credentials.
func changedKeys(a, b publish.Config) []string {
	var keys []string
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			keys = append(keys, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
