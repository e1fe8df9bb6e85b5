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

package crypto

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
)

// FingerprintPrefix is the canonical prefix for fingerprints.
// This format is FIXED and must NEVER change: queue rows and audit records
// written by older versions are correlated by it.
const FingerprintPrefix = "SHA256:"

// Fingerprint computes the correlation fingerprint of a DER encoded
// certificate or CRL.
// Format: "SHA256:{base64url(SHA-256(DER))}"
//
// Fingerprints are used for log and queue keys only, never for semantic
// decisions.
func Fingerprint(der []byte) string {
	hash := sha256.Sum256(der)
	return FingerprintPrefix + base64.RawURLEncoding.EncodeToString(hash[:])
}

// SerialNumber returns the certificate serial number as upper-case hex.
func SerialNumber(der []byte) (string, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return "", fmt.Errorf("parse certificate: %w", err)
	}
	return strings.ToUpper(cert.SerialNumber.Text(16)), nil
}

// SubjectDN returns the certificate subject in RFC 2253 form.
func SubjectDN(der []byte) (string, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return "", fmt.Errorf("parse certificate: %w", err)
	}
	return cert.Subject.String(), nil
}

// IssuerDN returns the issuer of a DER encoded CRL in RFC 2253 form.
func IssuerDN(crlDER []byte) (string, error) {
	crl, err := x509.ParseRevocationList(crlDER)
	if err != nil {
		return "", fmt.Errorf("parse CRL: %w", err)
	}
	return crl.Issuer.String(), nil
}
