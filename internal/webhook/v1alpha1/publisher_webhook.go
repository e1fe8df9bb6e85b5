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

package v1alpha1

import (
	"context"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/webhook"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	certpublisherv1alpha1 "github.com/openukr/certpublisher/api/v1alpha1"
	"github.com/openukr/certpublisher/pkg/publish"
	"github.com/openukr/certpublisher/pkg/validation"
)

var publisherlog = logf.Log.WithName("publisher-webhook")

// SetupPublisherWebhookWithManager registers the webhook for Publisher in the manager.
// Configs are validated by building them with factory.
func SetupPublisherWebhookWithManager(mgr ctrl.Manager, factory *publish.Factory) error {
	return ctrl.NewWebhookManagedBy(mgr).For(&certpublisherv1alpha1.Publisher{}).
		WithValidator(&PublisherCustomValidator{Factory: factory}).
		WithDefaulter(&PublisherCustomDefaulter{}).
		Complete()
}

// +kubebuilder:webhook:path=/mutate-certpublisher-openukr-io-v1alpha1-publisher,mutating=true,failurePolicy=fail,sideEffects=None,groups=certpublisher.openukr.io,resources=publishers,verbs=create;update,versions=v1alpha1,name=mpublisher-v1alpha1.kb.io,admissionReviewVersions=v1

// PublisherCustomDefaulter sets defaults on Publisher resources.
type PublisherCustomDefaulter struct{}

var _ webhook.CustomDefaulter = &PublisherCustomDefaulter{}

// Default sets default values for Publisher fields.
func (d *PublisherCustomDefaulter) Default(_ context.Context, obj runtime.Object) error {
	pub, ok := obj.(*certpublisherv1alpha1.Publisher)
	if !ok {
		return fmt.Errorf("webhook defaulter: expected Publisher but got %T", obj)
	}

	if pub.Spec.PublisherName == "" {
		pub.Spec.PublisherName = pub.Name
	}
	pub.Spec.Type = strings.ToLower(strings.TrimSpace(pub.Spec.Type))

	if ref := pub.Spec.CredentialsSecretRef; ref != nil && ref.Key == "" {
		ref.Key = certpublisherv1alpha1.DefaultCredentialsKey
	}

	// Secret plugin targets default to the Publisher's own namespace.
	if isSecretPlugin(pub) {
		props := publish.ParseProperties(pub.Spec.Config[publish.KeyProperties])
		if _, ok := props["namespace"]; !ok {
			raw := strings.TrimRight(pub.Spec.Config[publish.KeyProperties], "\n")
			if raw != "" {
				raw += "\n"
			}
			pub.Spec.Config[publish.KeyProperties] = raw + "namespace=" + pub.Namespace
		}
	}
	return nil
}

// +kubebuilder:webhook:path=/validate-certpublisher-openukr-io-v1alpha1-publisher,mutating=false,failurePolicy=fail,sideEffects=None,groups=certpublisher.openukr.io,resources=publishers,verbs=create;update,versions=v1alpha1,name=vpublisher-v1alpha1.kb.io,admissionReviewVersions=v1

// PublisherCustomValidator validates Publisher resources.
type PublisherCustomValidator struct {
	Factory *publish.Factory
}

var _ webhook.CustomValidator = &PublisherCustomValidator{}

// ValidateCreate validates a Publisher upon creation.
func (v *PublisherCustomValidator) ValidateCreate(_ context.Context, obj runtime.Object) (admission.Warnings, error) {
	pub, ok := obj.(*certpublisherv1alpha1.Publisher)
	if !ok {
		return nil, fmt.Errorf("webhook validator: expected Publisher but got %T", obj)
	}
	return v.validatePublisher(pub)
}

// ValidateUpdate validates a Publisher upon update.
func (v *PublisherCustomValidator) ValidateUpdate(_ context.Context, oldObj, newObj runtime.Object) (admission.Warnings, error) {
	pub, ok := newObj.(*certpublisherv1alpha1.Publisher)
	if !ok {
		return nil, fmt.Errorf("webhook validator: expected Publisher but got %T", newObj)
	}
	old, ok := oldObj.(*certpublisherv1alpha1.Publisher)
	if !ok {
		return nil, fmt.Errorf("webhook validator: expected Publisher but got %T", oldObj)
	}

	// The registry id is the key queued artifacts refer to.
	if old.Spec.ID != nil && (pub.Spec.ID == nil || *pub.Spec.ID != *old.Spec.ID) {
		return nil, fmt.Errorf("validation failed: spec.id is immutable once set (was %d)", *old.Spec.ID)
	}
	return v.validatePublisher(pub)
}

// ValidateDelete validates a Publisher upon deletion.
func (v *PublisherCustomValidator) ValidateDelete(_ context.Context, _ runtime.Object) (admission.Warnings, error) {
	// No validation needed on delete
	return nil, nil
}

// validatePublisher runs all validation rules against a Publisher.
// Names and namespaces are checked by pkg/validation, the variant config by
// building it with the same factory the registry uses.
func (v *PublisherCustomValidator) validatePublisher(pub *certpublisherv1alpha1.Publisher) (admission.Warnings, error) {
	var warnings admission.Warnings

	if err := validation.ValidatePublisherName(pub.RegistryName()); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	if pub.Spec.ID != nil && *pub.Spec.ID <= 1 {
		return nil, fmt.Errorf("validation failed: spec.id must be greater than 1, got %d", *pub.Spec.ID)
	}

	cfg := pub.Spec.PublisherConfig()
	if _, ok := cfg[publish.KeyLoginPassword]; ok {
		return nil, fmt.Errorf("validation failed: %s must not be set inline, use credentialsSecretRef", publish.KeyLoginPassword)
	}

	// [SEC:S-1] Secret plugin writes stay in the Publisher's namespace
	if isSecretPlugin(pub) {
		props := publish.ParseProperties(cfg[publish.KeyProperties])
		if err := validation.ValidateNamespaceMatch(pub.Namespace, props["namespace"]); err != nil {
			return nil, fmt.Errorf("validation failed: %w", err)
		}
	}

	if v.Factory != nil {
		p, err := v.Factory.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("validation failed: %w", err)
		}
		if c, ok := p.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				publisherlog.V(1).Info("failed to release validation build", "publisher", pub.RegistryName(), "error", err.Error())
			}
		}
	}

	// [SEC:T-2] Transport security warnings
	if strings.EqualFold(cfg[publish.KeyInsecureSkipVerify], "true") {
		warnings = append(warnings, "config.insecureSkipVerify=true disables TLS verification, not recommended for production")
	}
	if props := publish.ParseProperties(cfg[publish.KeyProperties]); strings.EqualFold(props["insecureSkipVerify"], "true") {
		warnings = append(warnings, "properties insecureSkipVerify=true disables TLS verification, not recommended for production")
	}
	if isLDAPFamily(pub.Spec.Type) && pub.Spec.CredentialsSecretRef != nil && strings.EqualFold(cfg[publish.KeyUseTLS], "false") {
		warnings = append(warnings, "config.useTLS=false sends the bind password in clear text")
	}
	if pub.Spec.Queue.OnlyUseQueue && !pub.Spec.Queue.UseQueueForCertificates && !pub.Spec.Queue.UseQueueForCRLs {
		warnings = append(warnings, "queue.onlyUseQueue=true without a queue enabled for certificates or CRLs drops every artifact")
	}

	return warnings, nil
}

func isSecretPlugin(pub *certpublisherv1alpha1.Publisher) bool {
	return publish.Type(pub.Spec.Type) == publish.TypeCustom &&
		pub.Spec.Config[publish.KeyClassName] == publish.SecretPublisherName
}

func isLDAPFamily(t string) bool {
	switch publish.Type(t) {
	case publish.TypeLDAP, publish.TypeLDAPSearch, publish.TypeActiveDirectory:
		return true
	}
	return false
}
