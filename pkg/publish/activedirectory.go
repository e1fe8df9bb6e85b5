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
	"crypto/x509"
	"fmt"
	"strconv"

	"github.com/go-ldap/ldap/v3"
)

// Active Directory variant config keys.
const (
	KeyUserAccountControl = "userAccountControl"
	KeySAMAccountName     = "sAMAccountName"
)

// sAMAccountName sources.
const (
	SAMAccountNameFromUsername   = "username"
	SAMAccountNameFromCommonName = "cn"
)

const (
	defaultUserAccountControl = 512
	maxSAMAccountNameLength   = 20
)

var activeDirectoryDefaults = ldapDefaults{
	port:            636,
	useTLS:          true,
	userObjectClass: "top;person;organizationalPerson;user",
	caObjectClass:   "top;certificationAuthority",
	userCertAttr:    "userCertificate",
	caCertAttr:      "cACertificate",
}

// newActiveDirectoryPublisher builds the LDAP publisher with Active Directory
// defaults. New user entries carry sAMAccountName and userAccountControl.
func newActiveDirectoryPublisher(cfg Config, dial ldapDialer) (*ldapPublisher, error) {
	p, err := newLDAPCore(TypeActiveDirectory, cfg, dial, activeDirectoryDefaults)
	if err != nil {
		return nil, err
	}

	uac, err := cfg.Int(KeyUserAccountControl, defaultUserAccountControl)
	if err != nil {
		return nil, err
	}
	source := cfg.String(KeySAMAccountName, SAMAccountNameFromUsername)
	switch source {
	case SAMAccountNameFromUsername, SAMAccountNameFromCommonName:
	default:
		return nil, fmt.Errorf("%w: %s=%q", ErrInvalidConfig, KeySAMAccountName, source)
	}

	p.extraAttributes = func(cert *x509.Certificate, c *Certificate) []ldap.Attribute {
		name := c.Username
		if source == SAMAccountNameFromCommonName || name == "" {
			name = cert.Subject.CommonName
		}
		if len(name) > maxSAMAccountNameLength {
			name = name[:maxSAMAccountNameLength]
		}
		attrs := []ldap.Attribute{{Type: "userAccountControl", Vals: []string{strconv.Itoa(uac)}}}
		if name != "" {
			attrs = append(attrs, ldap.Attribute{Type: "sAMAccountName", Vals: []string{name}})
		}
		return attrs
	}

	return p, nil
}
