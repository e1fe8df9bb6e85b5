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

package output

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
)

// Labels and annotations set on managed Secrets.
const (
	LabelManagedBy       = "app.kubernetes.io/managed-by"
	ManagedByValue       = "certpublisher"
	AnnotationLastUpdate = "certpublisher.openukr.io/last-update"
)

// SecretWriter manages the lifecycle of Kubernetes Secrets holding published
// certificates and CRLs.
type SecretWriter interface {
	// Update applies fn to the Bundle decoded from the Secret (an empty one
	// if it does not exist yet), renders the result and writes it back.
	Update(ctx context.Context, key types.NamespacedName, opts RenderOptions, fn func(*Bundle) error) error
	// Check verifies the Secret can be read. A missing Secret passes.
	Check(ctx context.Context, key types.NamespacedName) error
}

// NewSecretWriter creates a new SecretWriter.
func NewSecretWriter(c client.Client, renderer FormatRenderer) SecretWriter {
	return &kubeSecretWriter{
		client:   c,
		renderer: renderer,
	}
}

type kubeSecretWriter struct {
	client   client.Client
	renderer FormatRenderer
}

func (w *kubeSecretWriter) Update(ctx context.Context, key types.NamespacedName, opts RenderOptions, fn func(*Bundle) error) error {
	if key.Name == "" || key.Namespace == "" {
		return fmt.Errorf("secret name and namespace are required")
	}

	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      key.Name,
			Namespace: key.Namespace,
		},
	}

	_, err := controllerutil.CreateOrUpdate(ctx, w.client, secret, func() error {
		if len(secret.Data) > 0 {
			if managed := secret.Labels[LabelManagedBy]; managed != ManagedByValue {
				return fmt.Errorf("secret %s exists and is not managed by %s", key, ManagedByValue)
			}
		}

		bundle, err := DecodeBundle(secret.Data)
		if err != nil {
			return fmt.Errorf("failed to decode existing secret: %w", err)
		}
		if err := fn(bundle); err != nil {
			return err
		}
		data, err := w.renderer.Render(bundle, opts)
		if err != nil {
			return fmt.Errorf("failed to render bundle: %w", err)
		}

		if secret.Labels == nil {
			secret.Labels = make(map[string]string)
		}
		secret.Labels[LabelManagedBy] = ManagedByValue

		if secret.Annotations == nil {
			secret.Annotations = make(map[string]string)
		}
		secret.Annotations[AnnotationLastUpdate] = time.Now().UTC().Format(time.RFC3339)

		secret.Type = corev1.SecretTypeOpaque
		secret.Data = data
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply secret %s: %w", key, err)
	}
	return nil
}

func (w *kubeSecretWriter) Check(ctx context.Context, key types.NamespacedName) error {
	var secret corev1.Secret
	if err := w.client.Get(ctx, key, &secret); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to read secret %s: %w", key, err)
	}
	return nil
}
