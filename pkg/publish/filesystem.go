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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openukr/certpublisher/pkg/crypto"
)

// FilesystemPublisherName is the className of the filesystem plugin.
const FilesystemPublisherName = "filesystem"

// FilesystemPublisher writes certificates and CRLs into a local directory.
//
// Properties: "path" (absolute directory, required), "encoding" (PEM or DER).
// Certificates are written to {path}/{serial}.{ext}, CRLs to
// {path}/crl-{number}.{ext}. Revoked certificates are removed.
type FilesystemPublisher struct {
	dir     string
	encoder crypto.ArtifactEncoder
}

// NewFilesystemPublisher creates a filesystem plugin from its properties.
func NewFilesystemPublisher(props map[string]string) (CustomPublisher, error) {
	path := props["path"]
	if path == "" {
		return nil, fmt.Errorf("%w: missing 'path' property", ErrInvalidConfig)
	}

	// [SEC:S-3] Path traversal protection
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("%w: publish path must not contain '..': %s", ErrInvalidConfig, path)
	}
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		return nil, fmt.Errorf("%w: publish path must be absolute, got: %s", ErrInvalidConfig, path)
	}

	encoder, err := crypto.NewArtifactEncoder(props["encoding"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &FilesystemPublisher{dir: cleanPath, encoder: encoder}, nil
}

func (p *FilesystemPublisher) StoreCertificate(_ context.Context, cert *Certificate) error {
	serial, err := crypto.SerialNumber(cert.DER)
	if err != nil {
		return err
	}
	filename := filepath.Join(p.dir, fmt.Sprintf("%s.%s", serial, p.encoder.Extension(false)))

	if cert.Revoked() {
		if err := os.Remove(filename); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", filename, err)
		}
		return nil
	}

	data, err := p.encoder.EncodeCertificate(cert.DER)
	if err != nil {
		return fmt.Errorf("failed to encode certificate: %w", err)
	}
	return p.writeAtomic(filename, data)
}

func (p *FilesystemPublisher) StoreCRL(_ context.Context, crl *CRL) error {
	data, err := p.encoder.EncodeCRL(crl.DER)
	if err != nil {
		return fmt.Errorf("failed to encode CRL: %w", err)
	}
	prefix := "crl"
	if crl.Delta {
		prefix = "delta-crl"
	}
	filename := filepath.Join(p.dir, fmt.Sprintf("%s-%d.%s", prefix, crl.Number, p.encoder.Extension(true)))
	return p.writeAtomic(filename, data)
}

// TestConnection checks the directory exists or can be created.
func (p *FilesystemPublisher) TestConnection(context.Context) error {
	if err := os.MkdirAll(p.dir, 0750); err != nil {
		return fmt.Errorf("failed to ensure directory %s: %w", p.dir, err)
	}
	info, err := os.Stat(p.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", p.dir)
	}
	return nil
}

func (p *FilesystemPublisher) writeAtomic(filename string, data []byte) error {
	// 0750: owner rwx, group rx, others none
	if err := os.MkdirAll(p.dir, 0750); err != nil {
		return fmt.Errorf("failed to ensure directory %s: %w", p.dir, err)
	}

	// [SEC:S-3] Atomic write: write to temp file, then rename.
	tmpFile := filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file %s: %w", tmpFile, err)
	}
	if err := os.Rename(tmpFile, filename); err != nil {
		_ = os.Remove(tmpFile) // Best-effort cleanup
		return fmt.Errorf("failed to rename %s to %s: %w", tmpFile, filename, err)
	}
	return nil
}
