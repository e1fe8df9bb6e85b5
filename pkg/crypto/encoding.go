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

// Package crypto provides the artifact helpers used around publication:
// fingerprints, serial numbers, distinguished names and PEM/DER encoding.
// All operations use exclusively the Go standard library.
package crypto

import (
	"encoding/pem"
	"fmt"
)

// Supported encodings.
const (
	EncodingPEM = "PEM"
	EncodingDER = "DER"
)

// PEM block types.
const (
	pemTypeCertificate = "CERTIFICATE"
	pemTypeCRL         = "X509 CRL"
)

// ArtifactEncoder encodes certificates and CRLs into an on-the-wire format.
type ArtifactEncoder interface {
	// EncodeCertificate encodes a DER certificate.
	EncodeCertificate(der []byte) ([]byte, error)
	// EncodeCRL encodes a DER CRL.
	EncodeCRL(der []byte) ([]byte, error)
	// Extension returns the conventional file extension, without the dot.
	Extension(crl bool) string
}

// NewArtifactEncoder creates an ArtifactEncoder for the given encoding format.
// An empty encoding defaults to PEM.
func NewArtifactEncoder(encoding string) (ArtifactEncoder, error) {
	switch encoding {
	case EncodingPEM, "":
		return &pemEncoder{}, nil
	case EncodingDER:
		return &derEncoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}

// EncodeCertificatePEM wraps a DER certificate in a PEM block.
func EncodeCertificatePEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: der})
}

// EncodeCRLPEM wraps a DER CRL in a PEM block.
func EncodeCRLPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCRL, Bytes: der})
}

// --- PEM Encoder ---

type pemEncoder struct{}

func (e *pemEncoder) EncodeCertificate(der []byte) ([]byte, error) {
	if len(der) == 0 {
		return nil, fmt.Errorf("empty certificate")
	}
	return EncodeCertificatePEM(der), nil
}

func (e *pemEncoder) EncodeCRL(der []byte) ([]byte, error) {
	if len(der) == 0 {
		return nil, fmt.Errorf("empty CRL")
	}
	return EncodeCRLPEM(der), nil
}

func (e *pemEncoder) Extension(crl bool) string {
	if crl {
		return "crl.pem"
	}
	return "pem"
}

// --- DER Encoder ---

type derEncoder struct{}

func (e *derEncoder) EncodeCertificate(der []byte) ([]byte, error) {
	if len(der) == 0 {
		return nil, fmt.Errorf("empty certificate")
	}
	return der, nil
}

func (e *derEncoder) EncodeCRL(der []byte) ([]byte, error) {
	if len(der) == 0 {
		return nil, fmt.Errorf("empty CRL")
	}
	return der, nil
}

func (e *derEncoder) Extension(crl bool) string {
	if crl {
		return "crl"
	}
	return "der"
}
