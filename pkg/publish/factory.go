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

package publish

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds Publisher variants from stored configuration.
type Factory struct {
	mu      sync.RWMutex
	plugins map[string]CustomPublisherFactory

	dialLDAP ldapDialer
	dialNATS natsDialer
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithCustomPublisher registers a named plugin for the custom variant.
func WithCustomPublisher(name string, ctor CustomPublisherFactory) FactoryOption {
	return func(f *Factory) {
		f.plugins[name] = ctor
	}
}

// NewFactory creates a Factory with the built-in custom plugins
// (filesystem, http) registered.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		plugins: map[string]CustomPublisherFactory{
			FilesystemPublisherName: NewFilesystemPublisher,
			HTTPPublisherName:       NewHTTPPublisher,
		},
		dialLDAP: dialLDAP,
		dialNATS: dialNATS,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register adds or replaces a named custom plugin after construction.
func (f *Factory) Register(name string, ctor CustomPublisherFactory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plugins[name] = ctor
}

// Plugins returns the registered custom plugin names, sorted.
func (f *Factory) Plugins() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.plugins))
	for name := range f.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New decodes cfg into its concrete variant.
// A missing or unrecognised discriminator fails with ErrUnknownPublisherType.
func (f *Factory) New(cfg Config) (Publisher, error) {
	var (
		pub Publisher
		err error
	)

	switch t := cfg.Type(); t {
	case TypeLDAP:
		var p *ldapPublisher
		if p, err = newLDAPPublisher(cfg, f.dialLDAP); err == nil {
			pub = p
		}
	case TypeLDAPSearch:
		var p *ldapPublisher
		if p, err = newLDAPSearchPublisher(cfg, f.dialLDAP); err == nil {
			pub = p
		}
	case TypeActiveDirectory:
		var p *ldapPublisher
		if p, err = newActiveDirectoryPublisher(cfg, f.dialLDAP); err == nil {
			pub = p
		}
	case TypeCustom:
		var p *customPublisher
		if p, err = f.newCustomPublisher(cfg); err == nil {
			pub = p
		}
	case TypeVA:
		var p *vaPublisher
		if p, err = newVAPublisher(cfg, f.dialNATS); err == nil {
			pub = p
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPublisherType, t)
	}

	if err != nil {
		return nil, err
	}
	return pub, nil
}

func (f *Factory) plugin(name string) (CustomPublisherFactory, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ctor, ok := f.plugins[name]
	return ctor, ok
}
