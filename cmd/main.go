/*
Copyright 2024.

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
	"crypto/tls"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/apptrail-sh/orchestrator/internal/api"
	"github.com/apptrail-sh/orchestrator/internal/buildinfo"
	"github.com/apptrail-sh/orchestrator/internal/cluster"
	"github.com/apptrail-sh/orchestrator/internal/configstore"
	"github.com/apptrail-sh/orchestrator/internal/engine"
	"github.com/apptrail-sh/orchestrator/internal/flags"
	"github.com/apptrail-sh/orchestrator/internal/health"
	"github.com/apptrail-sh/orchestrator/internal/heartbeat"
	"github.com/apptrail-sh/orchestrator/internal/hooks"
	"github.com/apptrail-sh/orchestrator/internal/hooks/controlplane"
	"github.com/apptrail-sh/orchestrator/internal/hooks/pubsub"
	"github.com/apptrail-sh/orchestrator/internal/hooks/slack"
	notifywebhook "github.com/apptrail-sh/orchestrator/internal/hooks/webhook"
	"github.com/apptrail-sh/orchestrator/internal/model"
	"github.com/apptrail-sh/orchestrator/internal/probe"
	"github.com/apptrail-sh/orchestrator/internal/provision"
	"github.com/apptrail-sh/orchestrator/internal/reconciler"
	"github.com/apptrail-sh/orchestrator/internal/rollback"
	"github.com/apptrail-sh/orchestrator/internal/store"
	"github.com/apptrail-sh/orchestrator/internal/strategy"
	"github.com/apptrail-sh/orchestrator/internal/telemetry"
	"k8s.io/utils/clock"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/metrics/filters"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/controller-runtime/pkg/webhook"

	orchestratorv1alpha1 "github.com/apptrail-sh/orchestrator/api/v1alpha1"
	// +kubebuilder:scaffold:imports
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

// config holds all command-line configuration
type config struct {
	metricsAddr          string
	enableLeaderElection bool
	probeAddr            string
	secureMetrics        bool
	enableHTTP2          bool
	apiAddr              string
	configDir            string
	namespace            string
	provisioner          string
	prometheusURL        string
	slackWebhookURL      string
	slackChannel         string
	slackSeverities      string
	controlPlaneURL      string
	clusterID            string
	pubsubTopic          string
	persistRecords       bool
	heartbeatInterval    time.Duration
	shutdownTimeout      time.Duration
}

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(orchestratorv1alpha1.AddToScheme(scheme))
	// +kubebuilder:scaffold:scheme
}

func main() {
	cfg := parseFlags()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zap.Options{Development: true})))

	mgr := setupManager(cfg)
	version := buildinfo.Version()
	namespace := getControllerNamespace(cfg)
	cfg.clusterID = resolveClusterID(cfg)

	flagStore := flags.NewStore(nil)
	configs := configstore.NewStore(nil, configstore.WithFlagRegistry(flagStore))
	loadManifests(cfg, configs, flagStore)

	// Setup channels for event publishing
	eventChan := make(chan model.EventMessage, 100)
	batchChan := make(chan model.EventMessage, 1000)

	publishers, batchPublishers, heartbeatPublishers := setupPublishers(cfg, version)
	startPublisherQueues(mgr, eventChan, batchChan, publishers, batchPublishers)

	sinks := []hooks.EventSink{hooks.NewDispatcher(queueFor(eventChan, len(publishers)), queueFor(batchChan, len(batchPublishers)))}
	engineOpts := []engine.Option{engine.WithShutdownTimeout(cfg.shutdownTimeout)}

	var records *store.RecordStore
	if cfg.persistRecords {
		records = store.NewRecordStore(mgr.GetClient(), mgr.GetEventRecorderFor("deployment-orchestrator"), namespace)
		sinks = append(sinks, records)
		engineOpts = append(engineOpts, engine.WithStateStore(records))
		setupLog.Info("Rollout records enabled", "namespace", namespace)
	}
	engineOpts = append(engineOpts, engine.WithEventSinks(sinks...))

	provisioner := setupProvisioner(mgr, cfg, namespace)
	if cfg.provisioner == "kubernetes" {
		setupVariantReconciler(mgr)
	}
	executors := setupExecutors(cfg, provisioner)
	rollbacks := rollback.NewController(provisioner, nil, rollback.DefaultConfig())
	eng := engine.New(configs, executors, rollbacks, engineOpts...)

	addRunnable(mgr, eng, "engine")
	if records != nil {
		addRunnable(mgr, restoreRunnable(eng, records), "restore")
	}

	apiConfig := api.DefaultConfig()
	apiConfig.BindAddress = cfg.apiAddr
	addRunnable(mgr, api.NewServer(apiConfig, eng, configs, flagStore), "api")

	if len(heartbeatPublishers) > 0 {
		hbConfig := heartbeat.DefaultConfig()
		hbConfig.Interval = cfg.heartbeatInterval
		hbConfig.ClusterID = cfg.clusterID
		hbConfig.OrchestratorVersion = version
		addRunnable(mgr, heartbeat.NewSender(hbConfig, eng, heartbeatPublishers), "heartbeat")
		setupLog.Info("Heartbeat sender enabled", "interval", cfg.heartbeatInterval)
	}

	// +kubebuilder:scaffold:builder

	setupHealthChecks(mgr)

	setupLog.Info("starting manager", "version", version)
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}

func parseFlags() config {
	var cfg config

	flag.StringVar(&cfg.metricsAddr, "metrics-bind-address", ":8080", "The address the metrics endpoint binds to. "+
		"Use :8443 for HTTPS or :8080 for HTTP, or leave as 0 to disable the metrics service.")
	flag.StringVar(&cfg.probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&cfg.enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	flag.BoolVar(&cfg.secureMetrics, "metrics-secure", false,
		"If set, the metrics endpoint is served securely via HTTPS. Use --metrics-secure=false to use HTTP instead.")
	flag.BoolVar(&cfg.enableHTTP2, "enable-http2", false,
		"If set, HTTP/2 will be enabled for the metrics and webhook servers")
	flag.StringVar(&cfg.apiAddr, "api-bind-address", ":8090", "The address the admin API binds to.")
	flag.StringVar(&cfg.configDir, "config-dir", os.Getenv("CONFIG_DIR"),
		"Directory of YAML/JSON manifests with deployment configs and feature flags to load at startup")
	flag.StringVar(&cfg.namespace, "namespace", os.Getenv("POD_NAMESPACE"),
		"Namespace for provisioned workloads and rollout records")
	flag.StringVar(&cfg.provisioner, "provisioner", "noop",
		"Where versions are provisioned: noop, memory or kubernetes")
	flag.StringVar(&cfg.prometheusURL, "prometheus-url", os.Getenv("PROMETHEUS_URL"),
		"Prometheus base URL used to sample error rate and latency. Empty disables threshold sampling")
	flag.StringVar(&cfg.slackWebhookURL, "slack-webhook-url", "", "The URL to send slack notifications to")
	flag.StringVar(&cfg.slackChannel, "slack-channel", "", "Default Slack channel override")
	flag.StringVar(&cfg.slackSeverities, "slack-severities", "warning,error,success",
		"Comma-separated event severities sent to the default Slack webhook")
	flag.StringVar(&cfg.controlPlaneURL, "controlplane-url", "",
		"The URL of the AppTrail Control Plane (e.g., http://controlplane:3000)")
	flag.StringVar(&cfg.clusterID, "cluster-id", os.Getenv("CLUSTER_ID"),
		"Unique identifier for this cluster (e.g., staging.stg01)")
	flag.StringVar(&cfg.pubsubTopic, "pubsub-topic", os.Getenv("PUBSUB_TOPIC"),
		"Google Cloud Pub/Sub topic path (projects/<project>/topics/<topic>)")
	flag.BoolVar(&cfg.persistRecords, "persist-records", false,
		"Persist deployment state as RolloutRecord resources and restore it on startup")
	flag.DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", heartbeat.DefaultConfig().Interval,
		"Interval between status reports sent to the control plane")
	flag.DurationVar(&cfg.shutdownTimeout, "shutdown-timeout", 30*time.Second,
		"How long to wait for running deployments on shutdown")

	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	return cfg
}

func setupManager(cfg config) ctrl.Manager {
	var tlsOpts []func(*tls.Config)

	if !cfg.enableHTTP2 {
		disableHTTP2 := func(c *tls.Config) {
			setupLog.Info("disabling http/2")
			c.NextProtos = []string{"http/1.1"}
		}
		tlsOpts = append(tlsOpts, disableHTTP2)
	}

	webhookServer := webhook.NewServer(webhook.Options{
		TLSOpts: tlsOpts,
	})

	metricsServerOptions := metricsserver.Options{
		BindAddress:   cfg.metricsAddr,
		SecureServing: cfg.secureMetrics,
		TLSOpts:       tlsOpts,
	}

	if cfg.secureMetrics {
		metricsServerOptions.FilterProvider = filters.WithAuthenticationAndAuthorization
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsServerOptions,
		WebhookServer:          webhookServer,
		HealthProbeBindAddress: cfg.probeAddr,
		LeaderElection:         cfg.enableLeaderElection,
		LeaderElectionID:       "f3a1c9e2.orchestrator.apptrail.sh",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	return mgr
}

func loadManifests(cfg config, configs *configstore.Store, flagStore *flags.Store) {
	if cfg.configDir == "" {
		return
	}
	manifest, err := configstore.LoadDir(cfg.configDir)
	if err != nil {
		setupLog.Error(err, "unable to load manifests", "dir", cfg.configDir)
		os.Exit(1)
	}

	ctx := context.Background()
	// Top-level flags go first so they win over flags embedded in configs.
	for _, ff := range manifest.FeatureFlags {
		if _, err := flagStore.Create(ctx, ff); err != nil {
			setupLog.Error(err, "unable to load feature flag", "key", ff.Key)
			os.Exit(1)
		}
	}
	for _, dc := range manifest.DeploymentConfigs {
		if _, err := configs.Create(ctx, dc); err != nil {
			setupLog.Error(err, "unable to load deployment config", "id", dc.ID, "application", dc.Application.Name)
			os.Exit(1)
		}
	}
	setupLog.Info("Manifests loaded",
		"dir", cfg.configDir,
		"deploymentConfigs", len(manifest.DeploymentConfigs),
		"featureFlags", len(manifest.FeatureFlags))
}

func setupPublishers(cfg config, version string) (
	[]hooks.EventPublisher,
	[]hooks.BatchPublisher,
	[]hooks.HeartbeatPublisher,
) {
	var publishers []hooks.EventPublisher
	var batchPublishers []hooks.BatchPublisher
	var heartbeatPublishers []hooks.HeartbeatPublisher

	slackConfig := slack.DefaultConfig()
	slackConfig.DefaultWebhookURL = cfg.slackWebhookURL
	slackConfig.DefaultChannel = cfg.slackChannel
	slackConfig.Severities = parseSeverities(cfg.slackSeverities)
	publishers = append(publishers, slack.NewPublisher(slackConfig))
	if cfg.slackWebhookURL != "" {
		setupLog.Info("Slack default webhook enabled", "channel", cfg.slackChannel)
	}

	publishers = append(publishers, notifywebhook.NewPublisher(cfg.clusterID, version))

	if cfg.controlPlaneURL != "" {
		if cfg.clusterID == "" {
			setupLog.Error(nil, "cluster-id is required when controlplane-url is set")
			os.Exit(1)
		}
		cpPublisher := controlplane.NewHTTPPublisher(cfg.controlPlaneURL, cfg.clusterID, version)
		batchPublishers = append(batchPublishers, cpPublisher)
		heartbeatPublishers = append(heartbeatPublishers, cpPublisher)
		setupLog.Info("Control Plane publisher enabled",
			"endpoint", cfg.controlPlaneURL,
			"clusterID", cfg.clusterID)
	}

	if cfg.pubsubTopic != "" {
		if cfg.clusterID == "" {
			setupLog.Error(nil, "cluster-id is required when pubsub is enabled")
			os.Exit(1)
		}
		ctx := context.Background()
		pubsubPublisher, err := pubsub.NewPubSubPublisher(ctx, cfg.pubsubTopic, cfg.clusterID, version)
		if err != nil {
			setupLog.Error(err, "unable to create Pub/Sub publisher",
				"hint", "Ensure valid credentials via Workload Identity, GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth")
			os.Exit(1)
		}
		publishers = append(publishers, pubsubPublisher)
		setupLog.Info("Google Pub/Sub publisher enabled",
			"topic", cfg.pubsubTopic,
			"clusterID", cfg.clusterID)
	}

	return publishers, batchPublishers, heartbeatPublishers
}

func startPublisherQueues(
	mgr ctrl.Manager,
	eventChan chan model.EventMessage,
	batchChan chan model.EventMessage,
	publishers []hooks.EventPublisher,
	batchPublishers []hooks.BatchPublisher,
) {
	if len(publishers) > 0 {
		publisherQueue := hooks.NewEventPublisherQueue(eventChan, publishers)
		addRunnable(mgr, manager.RunnableFunc(func(ctx context.Context) error {
			go publisherQueue.Loop(context.WithoutCancel(ctx))
			<-ctx.Done()
			return nil
		}), "event-queue")
	}

	if len(batchPublishers) > 0 {
		batchQueue := hooks.NewBatchPublisherQueue(batchChan, batchPublishers, hooks.DefaultBatchConfig())
		addRunnable(mgr, manager.RunnableFunc(func(ctx context.Context) error {
			done := make(chan struct{})
			go func() {
				defer close(done)
				batchQueue.Loop(context.WithoutCancel(ctx))
			}()
			<-ctx.Done()
			// Stop flushes what is buffered.
			batchQueue.Stop()
			<-done
			return nil
		}), "batch-queue")
		setupLog.Info("Batch publisher queue started")
	}
}

// queueFor returns ch only when something drains it.
func queueFor(ch chan model.EventMessage, consumers int) chan<- model.EventMessage {
	if consumers == 0 {
		return nil
	}
	return ch
}

func setupExecutors(cfg config, provisioner provision.Provisioner) *strategy.Registry {
	router := probe.NewRouter(probe.DefaultConfig())

	var metrics telemetry.Source
	if cfg.prometheusURL != "" {
		metrics = telemetry.NewPrometheusSource(telemetry.DefaultPrometheusConfig(cfg.prometheusURL))
		setupLog.Info("Prometheus metrics source enabled", "url", cfg.prometheusURL)
	} else {
		setupLog.Info("No metrics source configured, rollback thresholds are not sampled")
	}

	return strategy.DefaultRegistry(strategy.Deps{
		Health:      health.NewChecker(router, nil),
		Metrics:     metrics,
		Provisioner: provisioner,
		Clock:       clock.RealClock{},
	})
}

// setupProvisioner returns the provisioner shared by the executors and the
// rollback controller.
func setupProvisioner(mgr ctrl.Manager, cfg config, namespace string) provision.Provisioner {
	var provisioner provision.Provisioner
	switch cfg.provisioner {
	case "kubernetes":
		provisioner = provision.NewKubernetesProvisioner(mgr.GetClient(), provision.DefaultKubernetesConfig(namespace))
	case "memory":
		provisioner = provision.NewMemory()
	case "noop", "":
		provisioner = provision.Noop{}
	default:
		setupLog.Error(nil, "unknown provisioner", "provisioner", cfg.provisioner)
		os.Exit(1)
	}
	setupLog.Info("Provisioner selected", "provisioner", cfg.provisioner)
	return provisioner
}

func setupVariantReconciler(mgr ctrl.Manager) {
	variantReconciler := reconciler.NewVariantReconciler(mgr.GetClient(), mgr.GetEventRecorderFor("deployment-orchestrator"))
	if err := variantReconciler.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Variant")
		os.Exit(1)
	}
	setupLog.Info("Variant reconciler enabled")
}

// restoreRunnable reloads persisted deployments once the cache is ready.
func restoreRunnable(eng *engine.Engine, records *store.RecordStore) manager.Runnable {
	return manager.RunnableFunc(func(ctx context.Context) error {
		deployments, err := records.List(ctx)
		if err != nil {
			setupLog.Error(err, "unable to list rollout records, starting empty")
			return nil
		}
		restored := eng.Restore(ctx, deployments)
		setupLog.Info("Deployments restored", "count", restored)
		return nil
	})
}

func addRunnable(mgr ctrl.Manager, r manager.Runnable, name string) {
	if err := mgr.Add(r); err != nil {
		setupLog.Error(err, "unable to add runnable", "runnable", name)
		os.Exit(1)
	}
}

// resolveClusterID detects the cluster from platform metadata when a
// publisher needs an ID and none was given.
func resolveClusterID(cfg config) string {
	if cfg.clusterID != "" || (cfg.controlPlaneURL == "" && cfg.pubsubTopic == "") {
		return cfg.clusterID
	}
	resolver := cluster.NewResolver(cluster.DefaultConfig())
	id := resolver.ClusterID(context.Background(), "", "")
	if id != "" {
		setupLog.Info("Cluster ID resolved from platform metadata", "clusterID", id)
	}
	return id
}

func getControllerNamespace(cfg config) string {
	if cfg.namespace != "" {
		return cfg.namespace
	}
	setupLog.Info("POD_NAMESPACE not set, using default", "namespace", "apptrail-system")
	return "apptrail-system"
}

func setupHealthChecks(mgr ctrl.Manager) {
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}
}

func parseSeverities(s string) []model.EventSeverity {
	var out []model.EventSeverity
	for _, p := range splitAndTrim(s) {
		out = append(out, model.EventSeverity(p))
	}
	return out
}

// splitAndTrim splits a comma-separated string and trims whitespace from each element
func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
