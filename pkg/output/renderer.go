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

// Package output renders published certificates and CRLs into Kubernetes
// Secret data and keeps that Secret up to date.
package output

import (
	"bytes"
	"encoding/pem"
	"fmt"
	"sort"
	"strings"
	"time"

	keystore "github.com/pavlo-v-chernykh/keystore-go/v4"

	"github.com/openukr/certpublisher/pkg/crypto"
)

// Format constants
const (
	FormatPEMBundle = "pem-bundle"
	FormatJKS       = "jks"
)

// Secret data keys.
const (
	KeyBundle     = "bundle.pem"
	KeyCRL        = "crl.pem"
	KeyDeltaCRL   = "delta-crl.pem"
	KeyTruststore = "truststore.jks"

	certKeySuffix = ".pem"
)

// DefaultTruststorePassword is the JKS store password used when none is configured.
const DefaultTruststorePassword = "changeit"

// RenderOptions specifies parameters for rendering the bundle.
type RenderOptions struct {
	// Format is the output format (pem-bundle, jks).
	Format string

	// Password is used for JKS integrity. Defaults to DefaultTruststorePassword.
	Password string
}

// Bundle is the decoded content of a managed Secret: certificates keyed by
// alias plus the latest full and delta CRL.
type Bundle struct {
	Certificates map[string][]byte
	CRL          []byte
	DeltaCRL     []byte
}

// NewBundle returns an empty Bundle.
func NewBundle() *Bundle {
	return &Bundle{Certificates: make(map[string][]byte)}
}

// Aliases returns the certificate aliases, sorted.
func (b *Bundle) Aliases() []string {
	aliases := make([]string, 0, len(b.Certificates))
	for alias := range b.Certificates {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// FormatRenderer converts a Bundle into a map of files ready for Secret storage.
type FormatRenderer interface {
	Render(b *Bundle, opts RenderOptions) (map[string][]byte, error)
}

// NewRenderer creates a new FormatRenderer.
func NewRenderer() FormatRenderer {
	return &defaultRenderer{}
}

type defaultRenderer struct{}

func (r *defaultRenderer) Render(b *Bundle, opts RenderOptions) (map[string][]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("cannot render nil Bundle")
	}

	data := make(map[string][]byte, len(b.Certificates)+3)
	var combined []byte
	for _, alias := range b.Aliases() {
		certPEM := crypto.EncodeCertificatePEM(b.Certificates[alias])
		data[alias+certKeySuffix] = certPEM
		combined = append(combined, certPEM...)
	}
	data[KeyBundle] = combined
	if len(b.CRL) > 0 {
		data[KeyCRL] = crypto.EncodeCRLPEM(b.CRL)
	}
	if len(b.DeltaCRL) > 0 {
		data[KeyDeltaCRL] = crypto.EncodeCRLPEM(b.DeltaCRL)
	}

	switch opts.Format {
	case "", FormatPEMBundle:
		return data, nil

	case FormatJKS:
		jks, err := r.renderJKS(b, opts)
		if err != nil {
			return nil, err
		}
		data[KeyTruststore] = jks
		return data, nil

	default:
		return nil, fmt.Errorf("unsupported output format: %s", opts.Format)
	}
}

// renderJKS creates a Java truststore holding every certificate of the bundle
// as a trusted certificate entry.
func (r *defaultRenderer) renderJKS(b *Bundle, opts RenderOptions) ([]byte, error) {
	password := opts.Password
	if password == "" {
		password = DefaultTruststorePassword
	}

	ks := keystore.New()
	for _, alias := range b.Aliases() {
		entry := keystore.TrustedCertificateEntry{
			CreationTime: time.Now(),
			Certificate: keystore.Certificate{
				Type:    "X509",
				Content: b.Certificates[alias],
			},
		}
		if err := ks.SetTrustedCertificateEntry(strings.ToLower(alias), entry); err != nil {
			return nil, fmt.Errorf("failed to set trusted entry %s in JKS: %w", alias, err)
		}
	}

	var buf bytes.Buffer
	if err := ks.Store(&buf, []byte(password)); err != nil {
		return nil, fmt.Errorf("failed to store JKS: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBundle rebuilds a Bundle from Secret data written by Render.
// Unknown keys are ignored.
func DecodeBundle(data map[string][]byte) (*Bundle, error) {
	b := NewBundle()
	for key, value := range data {
		switch key {
		case KeyBundle, KeyTruststore:
			continue
		case KeyCRL:
			der, err := decodePEM(value, "X509 CRL")
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			b.CRL = der
		case KeyDeltaCRL:
			der, err := decodePEM(value, "X509 CRL")
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			b.DeltaCRL = der
		default:
			alias, ok := strings.CutSuffix(key, certKeySuffix)
			if !ok {
				continue
			}
			der, err := decodePEM(value, "CERTIFICATE")
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			b.Certificates[alias] = der
		}
	}
	return b, nil
}

func decodePEM(data []byte, blockType string) ([]byte, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if block.Type != blockType {
		return nil, fmt.Errorf("unexpected PEM block %q, want %q", block.Type, blockType)
	}
	return block.Bytes, nil
}
