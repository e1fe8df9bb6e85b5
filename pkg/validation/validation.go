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

// Package validation provides shared validation functions used by the
// admission webhook, the controller reconciler and the registry, so the
// rules exist in exactly one place.
package validation

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// MaxPublisherNameLength bounds publisher names.
const MaxPublisherNameLength = 250

// Publish timeout bounds.
const (
	MinPublishTimeout = 100 * time.Millisecond
	MaxPublishTimeout = 5 * time.Minute
)

// ValidatePublisherName checks a registry name: non-empty, bounded, no
// surrounding whitespace and no control characters.
func ValidatePublisherName(name string) error {
	if name == "" {
		return fmt.Errorf("publisher name must not be empty")
	}
	if len(name) > MaxPublisherNameLength {
		return fmt.Errorf("publisher name is %d characters, maximum is %d", len(name), MaxPublisherNameLength)
	}
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("publisher name %q has leading or trailing whitespace", name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("publisher name %q contains a control character", name)
		}
	}
	return nil
}

// ValidateNamespaceMatch ensures a Secret referenced by a Publisher lives in
// the Publisher's own namespace. This prevents cross-namespace writes.
// [SEC:S-1]
func ValidateNamespaceMatch(objectNamespace, targetNamespace string) error {
	if objectNamespace != targetNamespace {
		return fmt.Errorf(
			"target namespace %q must match Publisher namespace %q",
			targetNamespace, objectNamespace,
		)
	}
	return nil
}

// ValidatePublishTimeout checks the per-target delivery timeout.
func ValidatePublishTimeout(timeout time.Duration) error {
	if timeout < MinPublishTimeout {
		return fmt.Errorf("publish timeout %s is below minimum %s", timeout, MinPublishTimeout)
	}
	if timeout > MaxPublishTimeout {
		return fmt.Errorf("publish timeout %s exceeds maximum %s", timeout, MaxPublishTimeout)
	}
	return nil
}
