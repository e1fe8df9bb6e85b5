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

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	certpublisherv1alpha1 "github.com/openukr/certpublisher/api/v1alpha1"
	"github.com/openukr/certpublisher/internal/controller"
	webhookv1alpha1 "github.com/openukr/certpublisher/internal/webhook/v1alpha1"
	"github.com/openukr/certpublisher/pkg/audit"
	"github.com/openukr/certpublisher/pkg/authz"
	"github.com/openukr/certpublisher/pkg/dispatch"
	"github.com/openukr/certpublisher/pkg/output"
	"github.com/openukr/certpublisher/pkg/publish"
	"github.com/openukr/certpublisher/pkg/registry"
	"github.com/openukr/certpublisher/pkg/store/postgres"
	"github.com/openukr/certpublisher/pkg/validation"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(certpublisherv1alpha1.AddToScheme(scheme))
}

func main() {
	var metricsAddr string
	var probeAddr string
	var enableLeaderElection bool
	var enableWebhooks bool
	var databaseURL string
	var publishTimeout time.Duration
	var publishParallelism int
	var probeInterval time.Duration
	var superAdminGroups string

	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false, "Enable leader election for controller manager.")
	flag.BoolVar(&enableWebhooks, "enable-webhooks", true, "Serve the Publisher defaulting and validating webhooks.")
	flag.StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"),
		"PostgreSQL URL for the publisher registry. Empty keeps the registry in memory.")
	flag.DurationVar(&publishTimeout, "publish-timeout", dispatch.DefaultTimeout, "Upper bound for a single publisher call.")
	flag.IntVar(&publishParallelism, "publish-parallelism", dispatch.DefaultParallelism, "Publishers probed concurrently.")
	flag.DurationVar(&probeInterval, "probe-interval", controller.DefaultProbeInterval,
		"How often Publishers with testConnection set are probed.")
	flag.StringVar(&superAdminGroups, "superadmin-group", "",
		"Comma separated groups granted the super administrator role. Empty delegates to SubjectAccessReview.")

	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	if err := validation.ValidatePublishTimeout(publishTimeout); err != nil {
		setupLog.Error(err, "invalid flag", "flag", "publish-timeout")
		os.Exit(1)
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: metricsAddr},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "registry.certpublisher.openukr.io",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	store, err := registryStore(databaseURL)
	if err != nil {
		setupLog.Error(err, "unable to set up registry store")
		os.Exit(1)
	}

	factory := publish.NewFactory(
		publish.WithCustomPublisher(publish.SecretPublisherName,
			publish.NewSecretPublisherFactory(output.NewSecretWriter(mgr.GetClient(), output.NewRenderer()))),
	)

	var authorizer authz.Authorizer
	if groups := splitGroups(superAdminGroups); len(groups) > 0 {
		authorizer = authz.NewStaticAuthorizer(groups...)
	} else {
		authorizer = authz.NewAccessReviewAuthorizer(mgr.GetClient(), ctrl.Log)
	}

	reg := registry.New(store, factory, audit.NewLogSink(ctrl.Log.WithName("audit")), authorizer, ctrl.Log.WithName("registry"))
	if err := mgr.Add(manager.RunnableFunc(func(ctx context.Context) error {
		<-ctx.Done()
		reg.Close()
		return nil
	})); err != nil {
		setupLog.Error(err, "unable to register registry shutdown")
		os.Exit(1)
	}

	if err := (&controller.PublisherReconciler{
		Client:        mgr.GetClient(),
		Scheme:        mgr.GetScheme(),
		Registry:      reg,
		Tester:        dispatch.NewTester(reg, ctrl.Log, publishTimeout, publishParallelism),
		Recorder:      mgr.GetEventRecorderFor("certpublisher"),
		ProbeInterval: probeInterval,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Publisher")
		os.Exit(1)
	}

	if enableWebhooks {
		if err := webhookv1alpha1.SetupPublisherWebhookWithManager(mgr, factory); err != nil {
			setupLog.Error(err, "unable to create webhook", "webhook", "Publisher")
			os.Exit(1)
		}
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", func(req *http.Request) error {
		_, err := store.List(req.Context())
		return err
	}); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager", "publishTimeout", publishTimeout, "plugins", factory.Plugins())
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}

// registryStore opens the PostgreSQL store when url is set and brings its
// schema up to date. Without a url entries live in memory and are rebuilt
// from Publisher resources on restart.
func registryStore(url string) (registry.Store, error) {
	if url == "" {
		setupLog.Info("no database url, keeping the registry in memory")
		return registry.NewMemoryStore(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := postgres.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(db, setupLog); err != nil {
		_ = db.Close()
		return nil, err
	}
	return postgres.NewRegistryStore(db), nil
}

func splitGroups(raw string) []string {
	var groups []string
	for _, g := range strings.Split(raw, ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}
