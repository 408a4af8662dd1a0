package main

import (
	"crypto/tls"
	"flag"
	"os"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/controller-runtime/pkg/webhook"

	materializev1alpha1 "github.com/materializeinc/environmentd-operator/api/v1alpha1"
	"github.com/materializeinc/environmentd-operator/pkg/config"
	"github.com/materializeinc/environmentd-operator/pkg/controllers"
	"github.com/materializeinc/environmentd-operator/pkg/logging"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(materializev1alpha1.AddToScheme(scheme))
}

func main() {
	var metricsAddr string
	var probeAddr string
	var enableLeaderElection bool
	var enableHTTP2 bool
	var enableWebhooks bool
	var configFile string
	var rolloutHealthTimeout time.Duration

	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metrics endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	flag.BoolVar(&enableHTTP2, "enable-http2", false,
		"If set, HTTP/2 will be enabled for the metrics and webhook servers")
	flag.BoolVar(&enableWebhooks, "enable-webhooks", true,
		"Serve the defaulting and validating admission webhooks.")
	flag.StringVar(&configFile, "config", "",
		"Path to a YAML operator configuration file. Flags set on the command line override file values.")
	flag.DurationVar(&rolloutHealthTimeout, "rollout-health-timeout", 10*time.Minute,
		"How long a rollout may wait for the replacement workload to become healthy before failing.")

	// The file overlay has to land before flag.Parse so explicitly set
	// flags win, which means peeking at the arguments for --config first.
	// The controller-runtime logger is not configured at this point, so
	// configuration loading reports through the bootstrap logger.
	bootLog := logging.NewStructuredLogger(logging.Config{
		Level:     logging.LevelInfo,
		Format:    "json",
		Component: "bootstrap",
	})
	operatorCfg := &config.OperatorConfig{}
	if path := configFlagValue(os.Args[1:]); path != "" {
		cfgLog := bootLog.WithComponent("config")
		if err := operatorCfg.LoadFromFile(path); err != nil {
			cfgLog.Error("unable to load configuration file", "path", path, "error", err.Error())
			os.Exit(1)
		}
		cfgLog.Info("loaded operator configuration file", "path", path)
	}
	operatorCfg.BindFlags(flag.CommandLine)

	opts := zap.Options{
		Development: false,
		TimeEncoder: zapcore.ISO8601TimeEncoder,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	if err := operatorCfg.Validate(); err != nil {
		setupLog.Error(err, "invalid operator configuration")
		os.Exit(1)
	}

	// http/2 stays off unless asked for; the webhook and metrics servers
	// only need http/1.1 and this closes off rapid-reset style attacks.
	tlsOpts := []func(*tls.Config){}
	if !enableHTTP2 {
		tlsOpts = append(tlsOpts, func(c *tls.Config) {
			setupLog.Info("disabling http/2")
			c.NextProtos = []string{"http/1.1"}
		})
	}

	webhookServer := webhook.NewServer(webhook.Options{
		TLSOpts: tlsOpts,
	})

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress: metricsAddr,
			TLSOpts:     tlsOpts,
		},
		WebhookServer:           webhookServer,
		HealthProbeBindAddress:  probeAddr,
		LeaderElection:          enableLeaderElection,
		LeaderElectionID:        "environmentd-operator.materialize.cloud",
		GracefulShutdownTimeout: &[]time.Duration{30 * time.Second}[0],
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	reconciler := controllers.NewEnvironmentReconciler(
		mgr.GetClient(),
		mgr.GetScheme(),
		mgr.GetEventRecorderFor("environmentd-operator"),
		operatorCfg,
	)
	reconciler.RolloutHealthTimeout = rolloutHealthTimeout
	if err := reconciler.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "MaterializeEnvironment")
		os.Exit(1)
	}

	if enableWebhooks {
		if err := (&materializev1alpha1.MaterializeEnvironment{}).SetupWebhookWithManager(mgr); err != nil {
			setupLog.Error(err, "unable to create webhook", "webhook", "MaterializeEnvironment")
			os.Exit(1)
		}
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}

// configFlagValue extracts the --config value from raw arguments, accepting
// the -config, --config, -config=PATH, and --config=PATH spellings.
func configFlagValue(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(arg, "=")
		name = strings.TrimLeft(name, "-")
		if name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
