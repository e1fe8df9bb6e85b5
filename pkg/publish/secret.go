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

	"k8s.io/apimachinery/pkg/types"

	"github.com/openukr/certpublisher/pkg/crypto"
	"github.com/openukr/certpublisher/pkg/output"
)

// SecretPublisherName is the className of the Kubernetes Secret plugin.
const SecretPublisherName = "secret"

// SecretPublisher keeps a Kubernetes Secret holding a PEM bundle, and
// optionally a JKS truststore, of the published certificates plus the latest
// CRL.
//
// Properties: "namespace" and "name" (required), "format" (pem-bundle or
// jks), "password" (JKS store password) and "removeRevoked" (default true).
type SecretPublisher struct {
	writer        output.SecretWriter
	key           types.NamespacedName
	opts          output.RenderOptions
	removeRevoked bool
}

// NewSecretPublisherFactory returns the plugin constructor bound to writer.
// Register it with WithCustomPublisher(SecretPublisherName, ...).
func NewSecretPublisherFactory(writer output.SecretWriter) CustomPublisherFactory {
	return func(props map[string]string) (CustomPublisher, error) {
		cfg := Config(props)
		key := types.NamespacedName{
			Namespace: cfg.String("namespace", ""),
			Name:      cfg.String("name", ""),
		}
		if key.Namespace == "" || key.Name == "" {
			return nil, fmt.Errorf("%w: secret publisher requires 'namespace' and 'name' properties", ErrInvalidConfig)
		}

		format := cfg.String("format", output.FormatPEMBundle)
		switch format {
		case output.FormatPEMBundle, output.FormatJKS:
		default:
			return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidConfig, format)
		}

		removeRevoked, err := cfg.Bool("removeRevoked", true)
		if err != nil {
			return nil, err
		}

		return &SecretPublisher{
			writer:        writer,
			key:           key,
			opts:          output.RenderOptions{Format: format, Password: cfg.String("password", "")},
			removeRevoked: removeRevoked,
		}, nil
	}
}

func (p *SecretPublisher) StoreCertificate(ctx context.Context, cert *Certificate) error {
	alias, err := crypto.SerialNumber(cert.DER)
	if err != nil {
		return err
	}
	return p.writer.Update(ctx, p.key, p.opts, func(b *output.Bundle) error {
		if cert.Revoked() {
			if p.removeRevoked {
				delete(b.Certificates, alias)
			}
			return nil
		}
		b.Certificates[alias] = cert.DER
		return nil
	})
}

func (p *SecretPublisher) StoreCRL(ctx context.Context, crl *CRL) error {
	return p.writer.Update(ctx, p.key, p.opts, func(b *output.Bundle) error {
		if crl.Delta {
			b.DeltaCRL = crl.DER
		} else {
			b.CRL = crl.DER
		}
		return nil
	})
}

func (p *SecretPublisher) TestConnection(ctx context.Context) error {
	return p.writer.Check(ctx, p.key)
}
