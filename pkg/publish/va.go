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
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/openukr/certpublisher/pkg/crypto"
)

// VA variant config keys.
const (
	KeyURL                = "url"
	KeySubject            = "subject"
	KeyCRLSubject         = "crlSubject"
	KeyStoreCertificate   = "storeCert"
	KeyOnlyPublishRevoked = "onlyPublishRevoked"
)

const (
	defaultVASubject    = "pki.va.certificates"
	defaultVACRLSubject = "pki.va.crls"
	defaultVATimeout    = 5 * time.Second
)

// natsConn is the subset of *nats.Conn the VA variant uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	IsConnected() bool
	Close()
}

type natsDialer func(url, name string, timeout time.Duration) (natsConn, error)

func dialNATS(url, name string, timeout time.Duration) (natsConn, error) {
	nc, err := nats.Connect(url, nats.Name(name), nats.Timeout(timeout))
	if err != nil {
		return nil, err
	}
	return nc, nil
}

// StatusRecord is the message a VA publisher emits per certificate. A
// validation authority consumes it to answer OCSP requests.
type StatusRecord struct {
	Fingerprint      string     `json:"fingerprint"`
	CAFingerprint    string     `json:"caFingerprint,omitempty"`
	SerialNumber     string     `json:"serialNumber"`
	SubjectDN        string     `json:"subjectDN,omitempty"`
	Status           CertStatus `json:"status"`
	RevocationDate   *time.Time `json:"revocationDate,omitempty"`
	RevocationReason int        `json:"revocationReason"`
	Username         string     `json:"username,omitempty"`
	CertificateDER   []byte     `json:"certificate,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// CRLRecord is the message a VA publisher emits per CRL.
type CRLRecord struct {
	CAFingerprint string `json:"caFingerprint,omitempty"`
	IssuerDN      string `json:"issuerDN,omitempty"`
	Number        int64  `json:"number"`
	Delta         bool   `json:"delta"`
	DER           []byte `json:"crl"`
}

// vaPublisher pushes certificate status records to a validation authority
// over NATS. The connection is opened on first use and reused.
type vaPublisher struct {
	base
	dial natsDialer

	url                string
	subject            string
	crlSubject         string
	timeout            time.Duration
	storeCert          bool
	onlyPublishRevoked bool

	mu   sync.Mutex
	conn natsConn
}

func newVAPublisher(cfg Config, dial natsDialer) (*vaPublisher, error) {
	b, err := newBase(TypeVA, cfg)
	if err != nil {
		return nil, err
	}

	p := &vaPublisher{
		base:       b,
		dial:       dial,
		url:        cfg.String(KeyURL, ""),
		subject:    cfg.String(KeySubject, defaultVASubject),
		crlSubject: cfg.String(KeyCRLSubject, defaultVACRLSubject),
	}
	if p.url == "" {
		return nil, fmt.Errorf("%w: va publisher requires %q", ErrInvalidConfig, KeyURL)
	}
	if p.timeout, err = cfg.Duration(KeyTimeout, defaultVATimeout); err != nil {
		return nil, err
	}
	if p.storeCert, err = cfg.Bool(KeyStoreCertificate, true); err != nil {
		return nil, err
	}
	if p.onlyPublishRevoked, err = cfg.Bool(KeyOnlyPublishRevoked, false); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *vaPublisher) StoreCertificate(ctx context.Context, c *Certificate) error {
	if p.onlyPublishRevoked && !c.Revoked() {
		return nil
	}

	serial, err := crypto.SerialNumber(c.DER)
	if err != nil {
		return NewError(err)
	}
	subject, err := crypto.SubjectDN(c.DER)
	if err != nil {
		return NewError(err)
	}

	rec := StatusRecord{
		Fingerprint:      crypto.Fingerprint(c.DER),
		CAFingerprint:    c.CAFingerprint,
		SerialNumber:     serial,
		SubjectDN:        subject,
		Status:           c.Status,
		RevocationReason: c.RevocationReason,
		Username:         c.Username,
		UpdatedAt:        c.LastUpdate,
	}
	if c.Revoked() && !c.RevocationDate.IsZero() {
		d := c.RevocationDate
		rec.RevocationDate = &d
	}
	if p.storeCert {
		rec.CertificateDER = c.DER
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	return p.send(ctx, p.subject, rec)
}

func (p *vaPublisher) StoreCRL(ctx context.Context, crl *CRL) error {
	return p.send(ctx, p.crlSubject, CRLRecord{
		CAFingerprint: crl.CAFingerprint,
		IssuerDN:      crl.IssuerDN,
		Number:        crl.Number,
		Delta:         crl.Delta,
		DER:           crl.DER,
	})
}

func (p *vaPublisher) TestConnection(ctx context.Context) error {
	conn, err := p.connection()
	if err != nil {
		return err
	}
	return conn.FlushTimeout(p.flushTimeout(ctx))
}

// Close drops the cached connection.
func (p *vaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	return nil
}

func (p *vaPublisher) send(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return NewError(fmt.Errorf("encode record: %w", err))
	}
	conn, err := p.connection()
	if err != nil {
		return NewError(err)
	}
	if err := conn.Publish(subject, data); err != nil {
		return NewError(fmt.Errorf("publish to %s: %w", subject, err))
	}
	// Flush so a failed delivery surfaces here and not on a later call.
	if err := conn.FlushTimeout(p.flushTimeout(ctx)); err != nil {
		return NewError(fmt.Errorf("flush %s: %w", subject, err))
	}
	return nil
}

func (p *vaPublisher) connection() (natsConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil && p.conn.IsConnected() {
		return p.conn, nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}

	conn, err := p.dial(p.url, "certpublisher-va", p.timeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", p.url, err)
	}
	if conn == nil {
		return nil, errors.New("connect returned no connection")
	}
	p.conn = conn
	return conn, nil
}

func (p *vaPublisher) flushTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < p.timeout {
			return remaining
		}
	}
	return p.timeout
}
