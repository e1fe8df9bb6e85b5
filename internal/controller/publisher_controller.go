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

package controller

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	certpublisherv1alpha1 "github.com/openukr/certpublisher/api/v1alpha1"
	"github.com/openukr/certpublisher/pkg/authz"
	"github.com/openukr/certpublisher/pkg/dispatch"
	"github.com/openukr/certpublisher/pkg/publish"
	"github.com/openukr/certpublisher/pkg/registry"
)

// RegistryFinalizer keeps a Publisher until its registry entry is removed.
const RegistryFinalizer = "certpublisher.openukr.io/registry"

// DefaultProbeInterval is how often a Publisher with connection testing
// enabled is probed.
const DefaultProbeInterval = 10 * time.Minute

// Condition reasons.
const (
	ReasonRegistered      = "Registered"
	ReasonConflict        = "Conflict"
	ReasonInvalidConfig   = "InvalidConfig"
	ReasonRegistryError   = "RegistryError"
	ReasonCredentials     = "CredentialsUnavailable"
	ReasonConnected       = "Connected"
	ReasonConnectionError = "ConnectionFailed"
)

// PublisherReconciler keeps the publisher registry in line with Publisher
// objects.
type PublisherReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Registry *registry.Registry
	// Tester is optional; without it connection testing is skipped.
	Tester        *dispatch.Tester
	Recorder      record.EventRecorder
	ProbeInterval time.Duration
}

// +kubebuilder:rbac:groups=certpublisher.openukr.io,resources=publishers,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=certpublisher.openukr.io,resources=publishers/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=certpublisher.openukr.io,resources=publishers/finalizers,verbs=update
// +kubebuilder:rbac:groups="",resources=secrets,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch
// +kubebuilder:rbac:groups=authorization.k8s.io,resources=subjectaccessreviews,verbs=create

// Reconcile writes the Publisher's spec to the registry and reports the
// outcome in its status.
func (r *PublisherReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := logf.FromContext(ctx)

	// 1. Fetch Publisher
	var pub certpublisherv1alpha1.Publisher
	if err := r.Get(ctx, req.NamespacedName, &pub); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	// 2. Handle deletion
	if !pub.DeletionTimestamp.IsZero() {
		return ctrl.Result{}, r.finalize(ctx, &pub)
	}
	if controllerutil.AddFinalizer(&pub, RegistryFinalizer) {
		if err := r.Update(ctx, &pub); err != nil {
			return ctrl.Result{}, err
		}
	}

	// 3. Register
	entry, err := r.register(ctx, &pub)
	if err != nil {
		log.Error(err, "Failed to register publisher", "publisher", pub.RegistryName())
		r.Recorder.Event(&pub, corev1.EventTypeWarning, "RegistrationFailed", err.Error())
		pub.Status.Phase = certpublisherv1alpha1.PhaseError
		meta.SetStatusCondition(&pub.Status.Conditions, metav1.Condition{
			Type:               certpublisherv1alpha1.ConditionRegistered,
			Status:             metav1.ConditionFalse,
			Reason:             reasonFor(err),
			Message:            err.Error(),
			ObservedGeneration: pub.Generation,
		})
		if uerr := r.Status().Update(ctx, &pub); uerr != nil {
			return ctrl.Result{}, uerr
		}
		if reasonFor(err) == ReasonConflict || reasonFor(err) == ReasonInvalidConfig {
			// Retrying does not help until the spec changes.
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	pub.Status.Phase = certpublisherv1alpha1.PhaseReady
	pub.Status.ID = entry.ID
	pub.Status.RegisteredName = entry.Name
	pub.Status.UpdateCounter = entry.UpdateCounter
	pub.Status.ObservedGeneration = pub.Generation
	meta.SetStatusCondition(&pub.Status.Conditions, metav1.Condition{
		Type:               certpublisherv1alpha1.ConditionRegistered,
		Status:             metav1.ConditionTrue,
		Reason:             ReasonRegistered,
		Message:            fmt.Sprintf("registered as %q with id %d", entry.Name, entry.ID),
		ObservedGeneration: pub.Generation,
	})

	// 4. Connection test
	var result ctrl.Result
	if pub.Spec.TestConnection && r.Tester != nil {
		r.testConnection(ctx, &pub)
		result.RequeueAfter = r.probeInterval()
	} else {
		meta.RemoveStatusCondition(&pub.Status.Conditions, certpublisherv1alpha1.ConditionReachable)
	}

	// 5. Update Status
	if err := r.Status().Update(ctx, &pub); err != nil {
		log.Error(err, "Failed to update Publisher status")
		return ctrl.Result{}, err
	}
	return result, nil
}

// register creates, renames or changes the registry entry of pub and checks
// that its config builds.
func (r *PublisherReconciler) register(ctx context.Context, pub *certpublisherv1alpha1.Publisher) (*registry.Entry, error) {
	name := pub.RegistryName()
	cfg, err := r.desiredConfig(ctx, pub)
	if err != nil {
		return nil, err
	}

	if old := pub.Status.RegisteredName; old != "" && old != name {
		if err := r.Registry.Rename(ctx, authz.System, old, name); err != nil {
			return nil, err
		}
	}

	entry, err := r.Registry.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	switch {
	case entry == nil && pinnedID(pub) != 0:
		entry, err = r.Registry.AddWithID(ctx, authz.System, pinnedID(pub), name, cfg)
	case entry == nil:
		entry, err = r.Registry.Add(ctx, authz.System, name, cfg)
	case !r.owns(pub, entry):
		return nil, fmt.Errorf("%w: publisher %q is registered with id %d by another object", registry.ErrAlreadyExists, name, entry.ID)
	case !maps.Equal(entry.Config, cfg):
		if err = r.Registry.Change(ctx, authz.System, name, cfg); err == nil {
			entry, err = r.Registry.Get(ctx, name)
			if err == nil && entry == nil {
				err = fmt.Errorf("%w: publisher %q was removed concurrently", registry.ErrNotFound, name)
			}
		}
	}
	if err != nil {
		return nil, err
	}

	if _, err := r.Registry.Resolve(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// pinnedID is the id pub must be registered under: spec.id, else the id it
// held before, so queued artifacts keep resolving after an in-memory
// registry is rebuilt.
func pinnedID(pub *certpublisherv1alpha1.Publisher) int32 {
	if pub.Spec.ID != nil {
		return *pub.Spec.ID
	}
	if pub.Status.ID > 1 {
		return pub.Status.ID
	}
	return 0
}

// owns reports whether entry belongs to pub rather than to another object
// claiming the same name.
func (r *PublisherReconciler) owns(pub *certpublisherv1alpha1.Publisher, entry *registry.Entry) bool {
	if pub.Spec.ID != nil && *pub.Spec.ID != entry.ID {
		return false
	}
	return pub.Status.ID == 0 || pub.Status.ID == entry.ID
}

func (r *PublisherReconciler) desiredConfig(ctx context.Context, pub *certpublisherv1alpha1.Publisher) (publish.Config, error) {
	cfg := pub.Spec.PublisherConfig()

	ref := pub.Spec.CredentialsSecretRef
	if ref == nil {
		return cfg, nil
	}
	key := ref.Key
	if key == "" {
		key = certpublisherv1alpha1.DefaultCredentialsKey
	}

	var secret corev1.Secret
	if err := r.Get(ctx, types.NamespacedName{Namespace: pub.Namespace, Name: ref.Name}, &secret); err != nil {
		return nil, &credentialsError{fmt.Errorf("failed to read credentials secret %s: %w", ref.Name, err)}
	}
	password, ok := secret.Data[key]
	if !ok {
		return nil, &credentialsError{fmt.Errorf("credentials secret %s has no key %q", ref.Name, key)}
	}
	cfg[publish.KeyLoginPassword] = string(password)
	return cfg, nil
}

func (r *PublisherReconciler) testConnection(ctx context.Context, pub *certpublisherv1alpha1.Publisher) {
	now := metav1.Now()
	pub.Status.LastConnectionTest = &now

	cond := metav1.Condition{
		Type:               certpublisherv1alpha1.ConditionReachable,
		Status:             metav1.ConditionTrue,
		Reason:             ReasonConnected,
		Message:            "connection test passed",
		ObservedGeneration: pub.Generation,
	}
	if err := r.Tester.TestOne(ctx, pub.Status.ID); err != nil {
		cond.Status = metav1.ConditionFalse
		cond.Reason = ReasonConnectionError
		cond.Message = err.Error()
		if !meta.IsStatusConditionFalse(pub.Status.Conditions, certpublisherv1alpha1.ConditionReachable) {
			r.Recorder.Event(pub, corev1.EventTypeWarning, ReasonConnectionError, err.Error())
		}
	}
	meta.SetStatusCondition(&pub.Status.Conditions, cond)
}

func (r *PublisherReconciler) finalize(ctx context.Context, pub *certpublisherv1alpha1.Publisher) error {
	if !controllerutil.ContainsFinalizer(pub, RegistryFinalizer) {
		return nil
	}

	name := pub.Status.RegisteredName
	if name == "" {
		name = pub.RegistryName()
	}
	entry, err := r.Registry.Get(ctx, name)
	if err != nil {
		return err
	}
	if entry != nil && r.owns(pub, entry) {
		if err := r.Registry.Remove(ctx, authz.System, name); err != nil {
			return err
		}
		logf.FromContext(ctx).Info("Removed publisher from registry", "publisher", name, "id", entry.ID)
	}

	controllerutil.RemoveFinalizer(pub, RegistryFinalizer)
	return r.Update(ctx, pub)
}

func (r *PublisherReconciler) probeInterval() time.Duration {
	if r.ProbeInterval > 0 {
		return r.ProbeInterval
	}
	return DefaultProbeInterval
}

type credentialsError struct{ err error }

func (e *credentialsError) Error() string { return e.err.Error() }
func (e *credentialsError) Unwrap() error { return e.err }

func reasonFor(err error) string {
	var ce *credentialsError
	switch {
	case errors.As(err, &ce):
		return ReasonCredentials
	case errors.Is(err, registry.ErrAlreadyExists):
		return ReasonConflict
	case errors.Is(err, publish.ErrInvalidConfig),
		errors.Is(err, publish.ErrUnknownPublisherType),
		errors.Is(err, publish.ErrUnknownCustomPublisher),
		errors.Is(err, registry.ErrInvalidName),
		errors.Is(err, registry.ErrInvalidID):
		return ReasonInvalidConfig
	default:
		return ReasonRegistryError
	}
}

// SetupWithManager sets up the controller with the Manager.
func (r *PublisherReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&certpublisherv1alpha1.Publisher{}).
		Named("publisher").
		Complete(r)
}
