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

// Package authz decides whether an administrator may perform a privileged
// registry operation.
package authz

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	authorizationv1 "k8s.io/api/authorization/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Role is a named privilege.
type Role string

// RoleSuperAdministrator gates listing every publisher id.
const RoleSuperAdministrator Role = "superadministrator"

// Subject is the administrator on whose behalf an operation runs.
type Subject struct {
	Name   string
	Groups []string
}

// System is the subject used for operations the process runs on its own
// behalf, such as reconciling Publisher resources.
var System = Subject{Name: "system:certpublisher"}

// Authorizer answers role checks.
type Authorizer interface {
	IsAuthorized(ctx context.Context, subject Subject, role Role) bool
}

// StaticAuthorizer grants roles by user name or group membership.
type StaticAuthorizer struct {
	Users  map[Role][]string
	Groups map[Role][]string
}

// NewStaticAuthorizer grants the super administrator role to the given groups.
func NewStaticAuthorizer(superAdminGroups ...string) *StaticAuthorizer {
	return &StaticAuthorizer{
		Groups: map[Role][]string{RoleSuperAdministrator: superAdminGroups},
	}
}

func (a *StaticAuthorizer) IsAuthorized(_ context.Context, subject Subject, role Role) bool {
	for _, u := range a.Users[role] {
		if u == subject.Name {
			return true
		}
	}
	for _, g := range a.Groups[role] {
		for _, sg := range subject.Groups {
			if g == sg {
				return true
			}
		}
	}
	return false
}

// AccessReviewAuthorizer delegates role checks to the Kubernetes API server
// through SubjectAccessReview. Each role maps to a verb on the publishers
// resource.
type AccessReviewAuthorizer struct {
	client client.Client
	log    logr.Logger
	verbs  map[Role]string
}

// PublisherResource identifies the resource access reviews are made against.
var PublisherResource = authorizationv1.ResourceAttributes{
	Group:    "certpublisher.openukr.io",
	Resource: "publishers",
}

// NewAccessReviewAuthorizer creates an authorizer backed by SubjectAccessReview.
// The super administrator role maps to "list" on all namespaces.
func NewAccessReviewAuthorizer(c client.Client, log logr.Logger) *AccessReviewAuthorizer {
	return &AccessReviewAuthorizer{
		client: c,
		log:    log.WithName("authz"),
		verbs:  map[Role]string{RoleSuperAdministrator: "list"},
	}
}

func (a *AccessReviewAuthorizer) IsAuthorized(ctx context.Context, subject Subject, role Role) bool {
	verb, ok := a.verbs[role]
	if !ok {
		return false
	}

	attrs := PublisherResource
	attrs.Verb = verb
	review := &authorizationv1.SubjectAccessReview{
		Spec: authorizationv1.SubjectAccessReviewSpec{
			User:               subject.Name,
			Groups:             subject.Groups,
			ResourceAttributes: &attrs,
		},
	}
	if err := a.client.Create(ctx, review); err != nil {
		a.log.Error(err, "access review failed, denying", "user", subject.Name, "role", string(role))
		return false
	}
	if !review.Status.Allowed {
		a.log.V(1).Info("access denied", "user", subject.Name, "role", string(role), "reason", review.Status.Reason)
	}
	return review.Status.Allowed
}

// String renders a subject for logs and audit records.
func (s Subject) String() string {
	if len(s.Groups) == 0 {
		return s.Name
	}
	return fmt.Sprintf("%s%v", s.Name, s.Groups)
}
