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
	"strconv"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/openukr/certpublisher/pkg/publish"
)

// Publisher phases.
const (
	PhaseReady = "Ready"
	PhaseError = "Error"
)

// Condition types.
const (
	// ConditionRegistered reports whether the publisher is in the registry
	// with the current spec.
	ConditionRegistered = "Registered"
	// ConditionReachable reports the outcome of the last connection test.
	ConditionReachable = "Reachable"
)

// PublisherSpec defines a publication target for certificates and CRLs.
type PublisherSpec struct {
	// PublisherName is the unique registry name. Defaults to the object name.
	// +kubebuilder:validation:MaxLength=250
	// +optional
	PublisherName string `json:"publisherName,omitempty"`

	// ID pins the registry id. A random id above 1 is allocated when unset.
	// Immutable once set.
	// +kubebuilder:validation:Minimum=2
	// +optional
	ID *int32 `json:"id,omitempty"`

	// Type selects the publisher variant.
	// +kubebuilder:validation:Enum=ldap;ldap-search;active-directory;custom;va
	Type string `json:"type"`

	// Description is free text shown to operators.
	// +optional
	Description string `json:"description,omitempty"`

	// Queue defines how the retry queue is used for this target.
	// +optional
	Queue QueuePolicy `json:"queue,omitempty"`

	// Config holds variant-specific settings.
	// For ldap: {"hostnames": "ldap1,ldap2", "baseDN": "dc=example,dc=org", ...}
	// For custom: {"className": "filesystem", "properties": "path=/var/pki"}
	// For va: {"url": "nats://nats:4222"}
	// +optional
	Config map[string]string `json:"config,omitempty"`

	// CredentialsSecretRef references a Secret in the same namespace whose key
	// holds the LDAP bind password.
	// +optional
	CredentialsSecretRef *SecretKeyReference `json:"credentialsSecretRef,omitempty"`

	// TestConnection enables a periodic connection test reported in the
	// Reachable condition.
	// +optional
	TestConnection bool `json:"testConnection,omitempty"`
}

// QueuePolicy mirrors the four queue flags of a publisher.
type QueuePolicy struct {
	// OnlyUseQueue skips immediate delivery.
	// +optional
	OnlyUseQueue bool `json:"onlyUseQueue,omitempty"`

	// KeepPublishedInQueue also queues successful deliveries.
	// +optional
	KeepPublishedInQueue bool `json:"keepPublishedInQueue,omitempty"`

	// UseQueueForCertificates enables the queue for certificates.
	// +optional
	UseQueueForCertificates bool `json:"useQueueForCertificates,omitempty"`

	// UseQueueForCRLs enables the queue for CRLs.
	// +optional
	UseQueueForCRLs bool `json:"useQueueForCRLs,omitempty"`
}

// SecretKeyReference selects a key of a Secret in the Publisher's namespace.
type SecretKeyReference struct {
	// +kubebuilder:validation:MinLength=1
	Name string `json:"name"`

	// Key defaults to "password".
	// +optional
	Key string `json:"key,omitempty"`
}

// DefaultCredentialsKey is the Secret key read when a reference names none.
const DefaultCredentialsKey = "password"

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:storageversion
// +kubebuilder:printcolumn:name="Type",type=string,JSONPath=`.spec.type`
// +kubebuilder:printcolumn:name="ID",type=integer,JSONPath=`.status.id`
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// Publisher is the Schema for the publishers API.
// It declares a target that certificates and CRLs are published to.
type Publisher struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   PublisherSpec   `json:"spec,omitempty"`
	Status PublisherStatus `json:"status,omitempty"`
}

// PublisherStatus defines the observed state of a Publisher.
type PublisherStatus struct {
	// Phase is Ready once registered, Error otherwise.
	// +kubebuilder:validation:Enum=Ready;Error
	// +optional
	Phase string `json:"phase,omitempty"`

	// ID is the registry id.
	// +optional
	ID int32 `json:"id,omitempty"`

	// RegisteredName is the registry name the publisher is stored under.
	// +optional
	RegisteredName string `json:"registeredName,omitempty"`

	// UpdateCounter is the registry's config update counter.
	// +optional
	UpdateCounter int64 `json:"updateCounter,omitempty"`

	// ObservedGeneration is the generation last written to the registry.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// LastConnectionTest is when the connection was last tested.
	// +optional
	LastConnectionTest *metav1.Time `json:"lastConnectionTest,omitempty"`

	// Conditions represent the latest available observations of the Publisher's state.
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true

// PublisherList contains a list of Publisher.
type PublisherList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Publisher `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Publisher{}, &PublisherList{})
}

// RegistryName returns the registry name of p.
func (p *Publisher) RegistryName() string {
	if p.Spec.PublisherName != "" {
		return p.Spec.PublisherName
	}
	return p.Name
}

// PublisherConfig flattens the spec into a registry config. Credentials are
// not included; the controller resolves them from the referenced Secret.
func (s *PublisherSpec) PublisherConfig() publish.Config {
	cfg := make(publish.Config, len(s.Config)+6)
	for k, v := range s.Config {
		cfg[k] = v
	}
	cfg[publish.KeyType] = s.Type
	if s.Description != "" {
		cfg[publish.KeyDescription] = s.Description
	}
	cfg[publish.KeyOnlyUseQueue] = strconv.FormatBool(s.Queue.OnlyUseQueue)
	cfg[publish.KeyKeepPublishedInQueue] = strconv.FormatBool(s.Queue.KeepPublishedInQueue)
	cfg[publish.KeyUseQueueForCertificates] = strconv.FormatBool(s.Queue.UseQueueForCertificates)
	cfg[publish.KeyUseQueueForCRLs] = strconv.FormatBool(s.Queue.UseQueueForCRLs)
	return cfg
}
