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
	"context"
	"fmt"
)

// Custom variant config keys.
const (
	KeyClassName  = "className"
	KeyProperties = "properties"
)

// CustomPublisher is user supplied delivery logic, addressed by name from a
// custom publisher config.
type CustomPublisher interface {
	// StoreCertificate publishes a certificate. The implementation MUST be idempotent.
	StoreCertificate(ctx context.Context, cert *Certificate) error
	// StoreCRL publishes a CRL. The implementation MUST be idempotent.
	StoreCRL(ctx context.Context, crl *CRL) error
	// TestConnection checks the target is reachable.
	TestConnection(ctx context.Context) error
}

// CustomPublisherFactory builds a plugin instance from the parsed
// "properties" of its config.
type CustomPublisherFactory func(props map[string]string) (CustomPublisher, error)

// customPublisher is the container variant wrapping a named plugin.
type customPublisher struct {
	base
	className string
	plugin    CustomPublisher
}

func (f *Factory) newCustomPublisher(cfg Config) (*customPublisher, error) {
	b, err := newBase(TypeCustom, cfg)
	if err != nil {
		return nil, err
	}

	className := cfg.String(KeyClassName, "")
	if className == "" {
		return nil, fmt.Errorf("%w: custom publisher requires %q", ErrInvalidConfig, KeyClassName)
	}

	ctor, ok := f.plugin(className)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCustomPublisher, className)
	}

	plugin, err := ctor(ParseProperties(cfg[KeyProperties]))
	if err != nil {
		return nil, fmt.Errorf("custom publisher %s: %w", className, err)
	}

	return &customPublisher{base: b, className: className, plugin: plugin}, nil
}

func (p *customPublisher) StoreCertificate(ctx context.Context, cert *Certificate) error {
	if err := p.plugin.StoreCertificate(ctx, cert); err != nil {
		return NewError(fmt.Errorf("%s: %w", p.className, err))
	}
	return nil
}

func (p *customPublisher) StoreCRL(ctx context.Context, crl *CRL) error {
	if err := p.plugin.StoreCRL(ctx, crl); err != nil {
		return NewError(fmt.Errorf("%s: %w", p.className, err))
	}
	return nil
}

func (p *customPublisher) TestConnection(ctx context.Context) error {
	return p.plugin.TestConnection(ctx)
}

// Close releases the plugin when it holds resources.
func (p *customPublisher) Close() error {
	if c, ok := p.plugin.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
