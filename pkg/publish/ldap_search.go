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
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// LDAP search variant config keys.
const (
	KeySearchBaseDN = "searchBaseDN"
	KeySearchFilter = "searchFilter"
)

const defaultSearchFilter = "(cn=$CN)"

// newLDAPSearchPublisher builds an LDAP publisher that locates existing
// entries with a search before falling back to the derived DN.
//
// The filter may reference $USERNAME, $CN and $EMAIL; substituted values are
// filter-escaped.
func newLDAPSearchPublisher(cfg Config, dial ldapDialer) (*ldapPublisher, error) {
	p, err := newLDAPCore(TypeLDAPSearch, cfg, dial, plainLDAPDefaults)
	if err != nil {
		return nil, err
	}

	searchBase := cfg.String(KeySearchBaseDN, p.baseDN)
	if searchBase == "" {
		return nil, fmt.Errorf("%w: ldap-search publisher requires %q or %q", ErrInvalidConfig, KeySearchBaseDN, KeyBaseDN)
	}
	filter := cfg.String(KeySearchFilter, defaultSearchFilter)
	if _, err := ldap.CompileFilter(expandSearchFilter(filter, "x", "x", "x")); err != nil {
		return nil, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, KeySearchFilter, filter, err)
	}

	p.locate = func(conn ldapConn, cert *x509.Certificate, c *Certificate) (string, error) {
		email := ""
		if len(cert.EmailAddresses) > 0 {
			email = cert.EmailAddresses[0]
		}
		f := expandSearchFilter(filter, c.Username, cert.Subject.CommonName, email)
		req := ldap.NewSearchRequest(searchBase, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
			1, int(p.timeout/time.Second), false, f, []string{"dn"}, nil)
		res, err := conn.Search(req)
		if err != nil && !ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
			return "", fmt.Errorf("search %s under %s: %w", f, searchBase, err)
		}
		if res != nil && len(res.Entries) > 0 {
			return res.Entries[0].DN, nil
		}
		return p.deriveDN(cert, c), nil
	}

	return p, nil
}

func expandSearchFilter(filter, username, cn, email string) string {
	return strings.NewReplacer(
		"$USERNAME", ldap.EscapeFilter(username),
		"$CN", ldap.EscapeFilter(cn),
		"$EMAIL", ldap.EscapeFilter(email),
	).Replace(filter)
}
