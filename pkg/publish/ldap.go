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
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// LDAP config keys, shared by the ldap, ldap-search and active-directory variants.
const (
	KeyHostnames                 = "hostnames"
	KeyPort                      = "port"
	KeyUseTLS                    = "useTLS"
	KeyInsecureSkipVerify        = "insecureSkipVerify"
	KeyBaseDN                    = "baseDN"
	KeyLoginDN                   = "loginDN"
	KeyLoginPassword             = "loginPassword"
	KeyTimeout                   = "timeout"
	KeyCreateNonexistingUsers    = "createNonexistingUsers"
	KeyModifyExistingUsers       = "modifyExistingUsers"
	KeyRemoveRevokedCertificates = "removeRevokedCertificates"
	KeyUserObjectClass           = "userObjectClass"
	KeyCAObjectClass             = "caObjectClass"
	KeyUserCertAttribute         = "userCertAttribute"
	KeyCACertAttribute           = "caCertAttribute"
	KeyCRLAttribute              = "crlAttribute"
	KeyDeltaCRLAttribute         = "deltaCRLAttribute"
)

const defaultLDAPTimeout = 5 * time.Second

// ldapConn is the subset of *ldap.Conn the LDAP variants use.
type ldapConn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
	Close()
}

type ldapDialer func(ctx context.Context, url string, tlsConfig *tls.Config, timeout time.Duration) (ldapConn, error)

type ldapClient struct {
	conn *ldap.Conn
}

func (c *ldapClient) Bind(username, password string) error { return c.conn.Bind(username, password) }

func (c *ldapClient) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	return c.conn.Search(req)
}

func (c *ldapClient) Add(req *ldap.AddRequest) error       { return c.conn.Add(req) }
func (c *ldapClient) Modify(req *ldap.ModifyRequest) error { return c.conn.Modify(req) }
func (c *ldapClient) Close()                               { c.conn.Close() }

func dialLDAP(ctx context.Context, url string, tlsConfig *tls.Config, timeout time.Duration) (ldapConn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	opts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: timeout})}
	if tlsConfig != nil {
		opts = append(opts, ldap.DialWithTLSConfig(tlsConfig))
	}

	conn, err := ldap.DialURL(url, opts...)
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(timeout)
	return &ldapClient{conn: conn}, nil
}

// ldapDefaults are the per-variant defaults applied while hydrating.
type ldapDefaults struct {
	port            int
	useTLS          bool
	userObjectClass string
	caObjectClass   string
	userCertAttr    string
	caCertAttr      string
}

var plainLDAPDefaults = ldapDefaults{
	port:            389,
	userObjectClass: "top;person;organizationalPerson;inetOrgPerson",
	caObjectClass:   "top;applicationProcess;certificationAuthority-V2",
	userCertAttr:    "userCertificate;binary",
	caCertAttr:      "cACertificate;binary",
}

// ldapPublisher implements the ldap, ldap-search and active-directory variants.
// The variants differ in defaults, in how the target entry is located, and in
// the attributes written when an entry is created.
type ldapPublisher struct {
	base
	dial ldapDialer

	hosts              []string
	port               int
	useTLS             bool
	insecureSkipVerify bool
	baseDN             string
	loginDN            string
	loginPassword      string
	timeout            time.Duration

	createNonexisting bool
	modifyExisting    bool
	removeRevoked     bool

	userObjectClass []string
	caObjectClass   []string
	userCertAttr    string
	caCertAttr      string
	crlAttr         string
	deltaCRLAttr    string

	// locate returns the DN of the entry a certificate belongs to.
	locate func(conn ldapConn, cert *x509.Certificate, c *Certificate) (string, error)
	// extraAttributes adds variant specific attributes to new user entries.
	extraAttributes func(cert *x509.Certificate, c *Certificate) []ldap.Attribute
}

func newLDAPPublisher(cfg Config, dial ldapDialer) (*ldapPublisher, error) {
	return newLDAPCore(TypeLDAP, cfg, dial, plainLDAPDefaults)
}

func newLDAPCore(typ Type, cfg Config, dial ldapDialer, def ldapDefaults) (*ldapPublisher, error) {
	b, err := newBase(typ, cfg)
	if err != nil {
		return nil, err
	}

	p := &ldapPublisher{
		base:            b,
		dial:            dial,
		hosts:           cfg.List(KeyHostnames),
		baseDN:          cfg.String(KeyBaseDN, ""),
		loginDN:         cfg.String(KeyLoginDN, ""),
		loginPassword:   cfg[KeyLoginPassword],
		userObjectClass: splitObjectClass(cfg.String(KeyUserObjectClass, def.userObjectClass)),
		caObjectClass:   splitObjectClass(cfg.String(KeyCAObjectClass, def.caObjectClass)),
		userCertAttr:    cfg.String(KeyUserCertAttribute, def.userCertAttr),
		caCertAttr:      cfg.String(KeyCACertAttribute, def.caCertAttr),
		crlAttr:         cfg.String(KeyCRLAttribute, "certificateRevocationList;binary"),
		deltaCRLAttr:    cfg.String(KeyDeltaCRLAttribute, "deltaRevocationList;binary"),
	}
	if len(p.hosts) == 0 {
		return nil, fmt.Errorf("%w: %s publisher requires %q", ErrInvalidConfig, typ, KeyHostnames)
	}

	if p.useTLS, err = cfg.Bool(KeyUseTLS, def.useTLS); err != nil {
		return nil, err
	}
	defPort := def.port
	if p.useTLS {
		defPort = 636
	}
	if p.port, err = cfg.Int(KeyPort, defPort); err != nil {
		return nil, err
	}
	if p.port <= 0 || p.port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, p.port)
	}
	if p.insecureSkipVerify, err = cfg.Bool(KeyInsecureSkipVerify, false); err != nil {
		return nil, err
	}
	if p.timeout, err = cfg.Duration(KeyTimeout, defaultLDAPTimeout); err != nil {
		return nil, err
	}
	if p.createNonexisting, err = cfg.Bool(KeyCreateNonexistingUsers, true); err != nil {
		return nil, err
	}
	if p.modifyExisting, err = cfg.Bool(KeyModifyExistingUsers, true); err != nil {
		return nil, err
	}
	if p.removeRevoked, err = cfg.Bool(KeyRemoveRevokedCertificates, true); err != nil {
		return nil, err
	}

	p.locate = func(_ ldapConn, cert *x509.Certificate, c *Certificate) (string, error) {
		return p.deriveDN(cert, c), nil
	}
	p.extraAttributes = func(*x509.Certificate, *Certificate) []ldap.Attribute { return nil }

	return p, nil
}

func (p *ldapPublisher) StoreCertificate(ctx context.Context, c *Certificate) error {
	cert, err := x509.ParseCertificate(c.DER)
	if err != nil {
		return NewError(fmt.Errorf("parse certificate: %w", err))
	}

	conn, err := p.connect(ctx)
	if err != nil {
		return NewError(err)
	}
	defer conn.Close()

	dn, err := p.locate(conn, cert, c)
	if err != nil {
		return NewError(err)
	}

	attr, objectClass := p.userCertAttr, p.userObjectClass
	if cert.IsCA {
		attr, objectClass = p.caCertAttr, p.caObjectClass
	}

	exists, err := p.exists(conn, dn)
	if err != nil {
		return NewError(err)
	}

	if c.Revoked() {
		if !p.removeRevoked || !exists {
			return nil
		}
		req := ldap.NewModifyRequest(dn, nil)
		req.Delete(attr, []string{string(c.DER)})
		if err := conn.Modify(req); err != nil && !ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchAttribute) {
			return NewError(fmt.Errorf("remove certificate from %s: %w", dn, err))
		}
		return nil
	}

	if exists {
		if !p.modifyExisting {
			return nil
		}
		req := ldap.NewModifyRequest(dn, nil)
		req.Replace(attr, []string{string(c.DER)})
		if err := conn.Modify(req); err != nil {
			return NewError(fmt.Errorf("modify %s: %w", dn, err))
		}
		return nil
	}

	if !p.createNonexisting {
		return nil
	}
	req := ldap.NewAddRequest(dn, nil)
	req.Attribute("objectClass", objectClass)
	for _, a := range p.entryAttributes(cert, c) {
		req.Attribute(a.Type, a.Vals)
	}
	req.Attribute(attr, []string{string(c.DER)})
	if err := conn.Add(req); err != nil {
		return NewError(fmt.Errorf("add %s: %w", dn, err))
	}
	return nil
}

func (p *ldapPublisher) StoreCRL(ctx context.Context, crl *CRL) error {
	issuer := crl.IssuerDN
	if issuer == "" {
		parsed, err := x509.ParseRevocationList(crl.DER)
		if err != nil {
			return NewError(fmt.Errorf("parse CRL: %w", err))
		}
		issuer = parsed.Issuer.String()
	}

	conn, err := p.connect(ctx)
	if err != nil {
		return NewError(err)
	}
	defer conn.Close()

	dn := p.reroot(issuer)
	attr := p.crlAttr
	if crl.Delta {
		attr = p.deltaCRLAttr
	}

	exists, err := p.exists(conn, dn)
	if err != nil {
		return NewError(err)
	}

	if exists {
		req := ldap.NewModifyRequest(dn, nil)
		req.Replace(attr, []string{string(crl.DER)})
		if err := conn.Modify(req); err != nil {
			return NewError(fmt.Errorf("modify %s: %w", dn, err))
		}
		return nil
	}

	if !p.createNonexisting {
		return nil
	}
	req := ldap.NewAddRequest(dn, nil)
	req.Attribute("objectClass", p.caObjectClass)
	if cn := firstRDNValue(issuer, "CN"); cn != "" {
		req.Attribute("cn", []string{cn})
	}
	req.Attribute(attr, []string{string(crl.DER)})
	if err := conn.Add(req); err != nil {
		return NewError(fmt.Errorf("add %s: %w", dn, err))
	}
	return nil
}

func (p *ldapPublisher) TestConnection(ctx context.Context) error {
	conn, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if p.baseDN == "" {
		return nil
	}
	if _, err := p.exists(conn, p.baseDN); err != nil {
		return err
	}
	return nil
}

// connect dials the configured hosts in order and binds to the first one
// that answers.
func (p *ldapPublisher) connect(ctx context.Context) (ldapConn, error) {
	var errs []error
	for _, host := range p.hosts {
		conn, err := p.dial(ctx, p.url(host), p.tlsConfig(host), p.timeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("connect %s: %w", host, err))
			continue
		}
		if p.loginDN != "" {
			if err := conn.Bind(p.loginDN, p.loginPassword); err != nil {
				conn.Close()
				errs = append(errs, fmt.Errorf("bind %s as %s: %w", host, p.loginDN, err))
				continue
			}
		}
		return conn, nil
	}
	return nil, errors.Join(errs...)
}

func (p *ldapPublisher) url(host string) string {
	scheme := "ldap"
	if p.useTLS {
		scheme = "ldaps"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(p.port)))
}

func (p *ldapPublisher) tlsConfig(host string) *tls.Config {
	if !p.useTLS {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         host,
		InsecureSkipVerify: p.insecureSkipVerify, //nolint:gosec // operator opt-in
	}
}

func (p *ldapPublisher) exists(conn ldapConn, dn string) (bool, error) {
	req := ldap.NewSearchRequest(dn, ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		1, int(p.timeout/time.Second), false, "(objectClass=*)", []string{"dn"}, nil)
	res, err := conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return false, nil
		}
		return false, fmt.Errorf("lookup %s: %w", dn, err)
	}
	return len(res.Entries) > 0, nil
}

// deriveDN builds the entry DN from the user DN or certificate subject,
// re-rooted under the base DN.
func (p *ldapPublisher) deriveDN(cert *x509.Certificate, c *Certificate) string {
	dn := c.UserDN
	if dn == "" {
		dn = cert.Subject.String()
	}
	return p.reroot(dn)
}

func (p *ldapPublisher) reroot(dn string) string {
	if p.baseDN == "" || strings.HasSuffix(strings.ToLower(dn), strings.ToLower(p.baseDN)) {
		return dn
	}
	if dn == "" {
		return p.baseDN
	}
	return dn + "," + p.baseDN
}

func (p *ldapPublisher) entryAttributes(cert *x509.Certificate, c *Certificate) []ldap.Attribute {
	var attrs []ldap.Attribute
	if cn := cert.Subject.CommonName; cn != "" {
		attrs = append(attrs, ldap.Attribute{Type: "cn", Vals: []string{cn}})
		if !cert.IsCA {
			attrs = append(attrs, ldap.Attribute{Type: "sn", Vals: []string{cn}})
		}
	}
	if !cert.IsCA && len(cert.EmailAddresses) > 0 {
		attrs = append(attrs, ldap.Attribute{Type: "mail", Vals: []string{cert.EmailAddresses[0]}})
	}
	if !cert.IsCA {
		attrs = append(attrs, p.extraAttributes(cert, c)...)
	}
	return attrs
}

func splitObjectClass(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ";") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// firstRDNValue returns the value of the first attribute named typ in dn.
func firstRDNValue(dn, typ string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return ""
	}
	for _, rdn := range parsed.RDNs {
		for _, a := range rdn.Attributes {
			if strings.EqualFold(a.Type, typ) {
				return a.Value
			}
		}
	}
	return ""
}
