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

// Package publish implements the publisher variants certificates and CRLs are
// pushed to, and the factory that turns a stored configuration into one.
package publish

import (
	"context"
	"time"
)

// Type is the discriminator stored under the "type" config key.
type Type string

// Publisher variants.
const (
	TypeLDAP            Type = "ldap"
	TypeLDAPSearch      Type = "ldap-search"
	TypeActiveDirectory Type = "active-directory"
	TypeCustom          Type = "custom"
	TypeVA              Type = "va"
)

// Types returns every publisher discriminator the factory understands.
func Types() []Type {
	return []Type{TypeLDAP, TypeLDAPSearch, TypeActiveDirectory, TypeCustom, TypeVA}
}

// QueuePolicy holds the four flags the dispatch engine reads before and after
// a delivery attempt.
type QueuePolicy struct {
	// OnlyUseQueue skips immediate delivery; artifacts only go to the queue.
	OnlyUseQueue bool
	// KeepPublishedInQueue also queues successful deliveries, as an audit trail.
	KeepPublishedInQueue bool
	// UseQueueForCertificates enables the queue for certificates.
	UseQueueForCertificates bool
	// UseQueueForCRLs enables the queue for CRLs.
	UseQueueForCRLs bool
}

// Publisher is a resolved publication target.
//
// The set of implementations is closed: only the variants built by Factory
// satisfy it. User supplied delivery logic plugs in through CustomPublisher.
type Publisher interface {
	// Type returns the variant discriminator.
	Type() Type
	// StoreCertificate delivers a certificate (active or revoked) to the target.
	StoreCertificate(ctx context.Context, cert *Certificate) error
	// StoreCRL delivers a CRL to the target.
	StoreCRL(ctx context.Context, crl *CRL) error
	// TestConnection performs a lightweight liveness probe.
	TestConnection(ctx context.Context) error
	// QueuePolicy returns the retry queue flags of the target.
	QueuePolicy() QueuePolicy
	// Config returns a copy of the configuration the variant was built from.
	Config() Config

	sealed()
}

// CertStatus is the lifecycle status of a published certificate.
type CertStatus string

// Certificate statuses.
const (
	CertStatusActive  CertStatus = "ACTIVE"
	CertStatusRevoked CertStatus = "REVOKED"
)

// RevocationReasonNotRevoked marks a certificate that is not revoked.
const RevocationReasonNotRevoked = -1

// Certificate is a certificate together with the volatile issuance context
// needed to publish it, or to publish it again from the retry queue.
type Certificate struct {
	DER                  []byte            `json:"der"`
	Username             string            `json:"username,omitempty"`
	Password             string            `json:"password,omitempty"`
	UserDN               string            `json:"userDN,omitempty"`
	CAFingerprint        string            `json:"caFingerprint,omitempty"`
	Status               CertStatus        `json:"status"`
	CertType             int               `json:"certType,omitempty"`
	RevocationDate       time.Time         `json:"revocationDate,omitempty"`
	RevocationReason     int               `json:"revocationReason"`
	Tag                  string            `json:"tag,omitempty"`
	CertificateProfileID int               `json:"certificateProfileID,omitempty"`
	LastUpdate           time.Time         `json:"lastUpdate,omitempty"`
	ExtendedInfo         map[string]string `json:"extendedInfo,omitempty"`
}

// Revoked reports whether the certificate carries revoked status.
func (c *Certificate) Revoked() bool {
	return c.Status == CertStatusRevoked
}

// CRL is a DER encoded CRL with its issuing context.
type CRL struct {
	DER           []byte `json:"der"`
	CAFingerprint string `json:"caFingerprint,omitempty"`
	Number        int64  `json:"number"`
	IssuerDN      string `json:"issuerDN,omitempty"`
	Delta         bool   `json:"delta,omitempty"`
}
