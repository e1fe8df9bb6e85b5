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
	"os"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	certpublisherv1alpha1 "github.com/openukr/certpublisher/api/v1alpha1"
	"github.com/openukr/certpublisher/pkg/audit"
	"github.com/openukr/certpublisher/pkg/authz"
	"github.com/openukr/certpublisher/pkg/dispatch"
	"github.com/openukr/certpublisher/pkg/publish"
	"github.com/openukr/certpublisher/pkg/registry"
)

var _ = Describe("PublisherReconciler", func() {
	const namespace = "pki"

	var (
		ctx        context.Context
		k8sClient  client.Client
		reg        *registry.Registry
		recorder   *record.FakeRecorder
		reconciler *PublisherReconciler
		dir        string
	)

	filesystemPublisher := func(name string) *certpublisherv1alpha1.Publisher {
		return &certpublisherv1alpha1.Publisher{
			ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
			Spec: certpublisherv1alpha1.PublisherSpec{
				Type:        string(publish.TypeCustom),
				Description: "local archive",
				Queue:       certpublisherv1alpha1.QueuePolicy{UseQueueForCertificates: true},
				Config: map[string]string{
					publish.KeyClassName:  publish.FilesystemPublisherName,
					publish.KeyProperties: "path=" + dir,
				},
			},
		}
	}

	reconcile := func(name string) (ctrl.Result, error) {
		return reconciler.Reconcile(ctx, ctrl.Request{NamespacedName: types.NamespacedName{Namespace: namespace, Name: name}})
	}

	fetch := func(name string) *certpublisherv1alpha1.Publisher {
		var pub certpublisherv1alpha1.Publisher
		Expect(k8sClient.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &pub)).To(Succeed())
		return &pub
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		dir, err = os.MkdirTemp("", "certpublisher-controller")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, dir)

		k8sClient = fake.NewClientBuilder().
			WithScheme(scheme).
			WithStatusSubresource(&certpublisherv1alpha1.Publisher{}).
			Build()
		reg = registry.New(registry.NewMemoryStore(), publish.NewFactory(), &audit.Recorder{}, authz.NewStaticAuthorizer(), logr.Discard())
		recorder = record.NewFakeRecorder(16)
		reconciler = &PublisherReconciler{
			Client:        k8sClient,
			Scheme:        scheme,
			Registry:      reg,
			Tester:        dispatch.NewTester(reg, logr.Discard(), time.Second, 1),
			Recorder:      recorder,
			ProbeInterval: time.Minute,
		}
	})

	It("registers a new publisher and reports it in the status", func() {
		Expect(k8sClient.Create(ctx, filesystemPublisher("archive"))).To(Succeed())

		_, err := reconcile("archive")
		Expect(err).NotTo(HaveOccurred())

		pub := fetch("archive")
		Expect(pub.Finalizers).To(ContainElement(RegistryFinalizer))
		Expect(pub.Status.Phase).To(Equal(certpublisherv1alpha1.PhaseReady))
		Expect(pub.Status.ID).To(BeNumerically(">", 1))
		Expect(pub.Status.RegisteredName).To(Equal("archive"))
		Expect(meta.IsStatusConditionTrue(pub.Status.Conditions, certpublisherv1alpha1.ConditionRegistered)).To(BeTrue())

		entry, err := reg.Get(ctx, "archive")
		Expect(err).NotTo(HaveOccurred())
		Expect(entry.ID).To(Equal(pub.Status.ID))
		Expect(entry.Config).To(HaveKeyWithValue(publish.KeyUseQueueForCertificates, "true"))
		Expect(entry.Config).To(HaveKeyWithValue(publish.KeyDescription, "local archive"))
	})

	It("honours a pinned id and applies spec changes", func() {
		pub := filesystemPublisher("archive")
		pub.Spec.ID = ptrTo(int32(4711))
		Expect(k8sClient.Create(ctx, pub)).To(Succeed())
		_, err := reconcile("archive")
		Expect(err).NotTo(HaveOccurred())

		pub = fetch("archive")
		Expect(pub.Status.ID).To(Equal(int32(4711)))
		Expect(pub.Status.UpdateCounter).To(BeZero())

		pub.Spec.Queue.OnlyUseQueue = true
		Expect(k8sClient.Update(ctx, pub)).To(Succeed())
		_, err = reconcile("archive")
		Expect(err).NotTo(HaveOccurred())

		pub = fetch("archive")
		Expect(pub.Status.UpdateCounter).To(Equal(int64(1)))
		p, err := reg.Publisher(ctx, "archive")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.QueuePolicy().OnlyUseQueue).To(BeTrue())

		// An unchanged spec leaves the counter alone.
		_, err = reconcile("archive")
		Expect(err).NotTo(HaveOccurred())
		Expect(fetch("archive").Status.UpdateCounter).To(Equal(int64(1)))
	})

	It("keeps the recorded id when an in-memory registry is rebuilt", func() {
		Expect(k8sClient.Create(ctx, filesystemPublisher("archive"))).To(Succeed())
		_, err := reconcile("archive")
		Expect(err).NotTo(HaveOccurred())
		id := fetch("archive").Status.ID

		reg = registry.New(registry.NewMemoryStore(), publish.NewFactory(), &audit.Recorder{}, authz.NewStaticAuthorizer(), logr.Discard())
		reconciler.Registry = reg
		_, err = reconcile("archive")
		Expect(err).NotTo(HaveOccurred())

		rebuilt, err := reg.ID(ctx, "archive")
		Expect(err).NotTo(HaveOccurred())
		Expect(rebuilt).To(Equal(id))
		Expect(fetch("archive").Status.Phase).To(Equal(certpublisherv1alpha1.PhaseReady))
	})

	It("renames the registry entry when the publisher name changes", func() {
		Expect(k8sClient.Create(ctx, filesystemPublisher("archive"))).To(Succeed())
		_, err := reconcile("archive")
		Expect(err).NotTo(HaveOccurred())
		id := fetch("archive").Status.ID

		pub := fetch("archive")
		pub.Spec.PublisherName = "archive-eu"
		Expect(k8sClient.Update(ctx, pub)).To(Succeed())
		_, err = reconcile("archive")
		Expect(err).NotTo(HaveOccurred())

		name, err := reg.Name(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(name).To(Equal("archive-eu"))
		Expect(fetch("archive").Status.RegisteredName).To(Equal("archive-eu"))
	})

	It("reports a name conflict without retrying", func() {
		Expect(k8sClient.Create(ctx, filesystemPublisher("first"))).To(Succeed())
		second := filesystemPublisher("second")
		second.Spec.PublisherName = "first"
		Expect(k8sClient.Create(ctx, second)).To(Succeed())

		_, err := reconcile("first")
		Expect(err).NotTo(HaveOccurred())
		_, err = reconcile("second")
		Expect(err).NotTo(HaveOccurred())

		got := fetch("second")
		Expect(got.Status.Phase).To(Equal(certpublisherv1alpha1.PhaseError))
		cond := meta.FindStatusCondition(got.Status.Conditions, certpublisherv1alpha1.ConditionRegistered)
		Expect(cond).NotTo(BeNil())
		Expect(cond.Reason).To(Equal(ReasonConflict))
		Expect(recorder.Events).To(Receive(ContainSubstring("RegistrationFailed")))
	})

	It("reports an unbuildable configuration", func() {
		pub := filesystemPublisher("relative")
		pub.Spec.Config[publish.KeyProperties] = "path=relative/dir"
		Expect(k8sClient.Create(ctx, pub)).To(Succeed())

		_, err := reconcile("relative")
		Expect(err).NotTo(HaveOccurred())

		cond := meta.FindStatusCondition(fetch("relative").Status.Conditions, certpublisherv1alpha1.ConditionRegistered)
		Expect(cond.Status).To(Equal(metav1.ConditionFalse))
		Expect(cond.Reason).To(Equal(ReasonInvalidConfig))
	})

	It("reports a reserved id without retrying", func() {
		pub := filesystemPublisher("reserved")
		pub.Spec.ID = ptrTo(int32(1))
		Expect(k8sClient.Create(ctx, pub)).To(Succeed())

		_, err := reconcile("reserved")
		Expect(err).NotTo(HaveOccurred())

		cond := meta.FindStatusCondition(fetch("reserved").Status.Conditions, certpublisherv1alpha1.ConditionRegistered)
		Expect(cond.Reason).To(Equal(ReasonInvalidConfig))
		entry, err := reg.Get(ctx, "reserved")
		Expect(err).NotTo(HaveOccurred())
		Expect(entry).To(BeNil())
	})

	It("reads the bind password from the referenced secret", func() {
		Expect(k8sClient.Create(ctx, &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: "ldap-bind", Namespace: namespace},
			Data:       map[string][]byte{"bindPassword": []byte("s3cret")},
		})).To(Succeed())

		pub := &certpublisherv1alpha1.Publisher{
			ObjectMeta: metav1.ObjectMeta{Name: "directory", Namespace: namespace},
			Spec: certpublisherv1alpha1.PublisherSpec{
				Type: string(publish.TypeLDAP),
				Config: map[string]string{
					publish.KeyHostnames: "ldap.example.org",
					publish.KeyBaseDN:    "dc=example,dc=org",
					publish.KeyLoginDN:   "cn=admin,dc=example,dc=org",
				},
				CredentialsSecretRef: &certpublisherv1alpha1.SecretKeyReference{Name: "ldap-bind", Key: "bindPassword"},
			},
		}
		Expect(k8sClient.Create(ctx, pub)).To(Succeed())

		_, err := reconcile("directory")
		Expect(err).NotTo(HaveOccurred())

		entry, err := reg.Get(ctx, "directory")
		Expect(err).NotTo(HaveOccurred())
		Expect(entry.Config).To(HaveKeyWithValue(publish.KeyLoginPassword, "s3cret"))
	})

	It("reports a missing credentials secret", func() {
		pub := filesystemPublisher("archive")
		pub.Spec.CredentialsSecretRef = &certpublisherv1alpha1.SecretKeyReference{Name: "absent"}
		Expect(k8sClient.Create(ctx, pub)).To(Succeed())

		_, err := reconcile("archive")
		Expect(err).To(HaveOccurred())
		cond := meta.FindStatusCondition(fetch("archive").Status.Conditions, certpublisherv1alpha1.ConditionRegistered)
		Expect(cond.Reason).To(Equal(ReasonCredentials))
	})

	It("tests the connection when asked to and requeues", func() {
		pub := filesystemPublisher("archive")
		pub.Spec.TestConnection = true
		Expect(k8sClient.Create(ctx, pub)).To(Succeed())

		res, err := reconcile("archive")
		Expect(err).NotTo(HaveOccurred())
		Expect(res.RequeueAfter).To(Equal(time.Minute))

		got := fetch("archive")
		Expect(meta.IsStatusConditionTrue(got.Status.Conditions, certpublisherv1alpha1.ConditionReachable)).To(BeTrue())
		Expect(got.Status.LastConnectionTest).NotTo(BeNil())
	})

	It("removes the registry entry when the publisher is deleted", func() {
		Expect(k8sClient.Create(ctx, filesystemPublisher("archive"))).To(Succeed())
		_, err := reconcile("archive")
		Expect(err).NotTo(HaveOccurred())

		Expect(k8sClient.Delete(ctx, fetch("archive"))).To(Succeed())
		_, err = reconcile("archive")
		Expect(err).NotTo(HaveOccurred())

		entry, err := reg.Get(ctx, "archive")
		Expect(err).NotTo(HaveOccurred())
		Expect(entry).To(BeNil())

		var gone certpublisherv1alpha1.Publisher
		err = k8sClient.Get(ctx, types.NamespacedName{Namespace: namespace, Name: "archive"}, &gone)
		Expect(apierrors.IsNotFound(err)).To(BeTrue())
	})

	It("ignores publishers that no longer exist", func() {
		res, err := reconcile("ghost")
		Expect(err).NotTo(HaveOccurred())
		Expect(res).To(Equal(ctrl.Result{}))
	})
})

func ptrTo[T any](v T) *T { return &v }
