package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime/pprof"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-gcs/daemon"
	"github.com/couchbase/stellar-gcs/gcs/protocol"
	"github.com/couchbase/stellar-gcs/pkg/version"
	"github.com/couchbase/stellar-gcs/pkg/webapi"
	"github.com/couchbase/stellar-gcs/utils/secretsmanager"
	"github.com/couchbase/stellar-gcs/utils/selfsignedcert"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var buildVersion string = version.Get("github.com/couchbase/stellar-gcs")

var rootCmd = &cobra.Command{
	Version: buildVersion,

	Use:   "gcsnode",
	Short: "A group communication node coordinated through etcd",

	Run: func(cmd *cobra.Command, args []string) {
		if autoRestart && !autoRestartProc {
			startNodeWatchdog()
			return
		}

		startNode()
	},
}

var cfgFile string
var watchCfgFile bool
var daemonMode bool
var autoRestart bool
var autoRestartProc bool

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")
	rootCmd.Flags().BoolVar(&daemonMode, "daemon", false, "in daemon mode, gcsnode keeps retrying to join instead of exiting")
	rootCmd.Flags().BoolVar(&autoRestart, "auto-restart", false, "in auto-restart mode, we run in a child process to auto-restart on failure")
	rootCmd.Flags().BoolVar(&autoRestartProc, "auto-restart-proc", false, "in auto-restart mode, indicates we are the child process")
	_ = rootCmd.Flags().MarkHidden("auto-restart-proc")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("group", "", "the name of the group to join")
	configFlags.String("peers", "", "connection string of existing members, eg. gcs://node-a,node-b:7600")
	configFlags.Bool("bootstrap", false, "bootstrap the group if it does not exist yet")
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	configFlags.String("advertise-host", "", "the host other members reach this node at")
	configFlags.Int("system-port", daemon.DefaultSystemPort, "the system grpc port")
	configFlags.Int("web-port", 9091, "the web metrics/health port")
	configFlags.Bool("self-sign", false, "specifies to allow a self-signed certificate")
	configFlags.String("cert", "", "path to system tls cert")
	configFlags.String("key", "", "path to system private tls key")
	configFlags.String("etcd-endpoints", "localhost:2379", "comma separated list of etcd endpoints")
	configFlags.String("etcd-user", "", "the etcd username")
	configFlags.String("etcd-pass", "", "the etcd password")
	configFlags.String("etcd-prefix", "/gcs", "the etcd key prefix the group lives under")
	configFlags.Duration("lease-period", 0, "how long a node stays alive in etcd without contact")
	configFlags.Int("protocol-version", int(protocol.VersionHighest), "the initial communication protocol version")
	configFlags.Duration("member-expel-timeout", 5*time.Second, "how long an unreachable member is suspected before expulsion")
	configFlags.Duration("non-member-expel-timeout", 5*time.Second, "how long an unreachable non-member is suspected before removal")
	configFlags.Duration("suspicions-period", 15*time.Second, "how often suspicions are re-checked")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	configFlags.Bool("disable-otlp-traces", false, "disable sending traces to otlp")
	configFlags.Bool("disable-otlp-metrics", false, "disable sending metrics to otlp")
	configFlags.Bool("trace-everything", false, "enables tracing of all components")
	configFlags.Bool("debug", false, "enable debug mode")
	configFlags.String("cpuprofile", "", "write cpu profile to a file")
	configFlags.String("etcd-creds-aws-id", "", "id of secret in aws sm storing etcd credentials")
	configFlags.String("etcd-creds-aws-region", "", "region of etcd-creds-aws-id secret")
	configFlags.String("etcd-creds-azure-id", "", "id of secret in azure kv storing etcd credentials")
	configFlags.String("etcd-creds-azure-vault-name", "", "name of key vault storing etcd-creds-azure-id")
	configFlags.String("etcd-creds-gcp-id", "", "id of secret in gcp sm storing etcd credentials")
	configFlags.String("etcd-creds-gcp-project-id", "", "id of project containing etcd-creds-gcp-id")
	rootCmd.Flags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("gcs")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

type telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// initTelemetry builds the meter provider, always exporting to prometheus and
// additionally to otlp when an endpoint is configured. Traces are only
// produced when sent to otlp.
func initTelemetry(ctx context.Context, logger *zap.Logger, config *config) (*telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("couchbase-gcs-node"),
			semconv.ServiceVersionKey.String(buildVersion),
		),
	)
	if err != nil {
		if res == nil {
			return nil, err
		}

		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	meterOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	}
	if config.otlpEndpoint != "" && !config.disableOtlpMetrics {
		metricExp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithEndpoint(config.otlpEndpoint))
		if err != nil {
			return nil, err
		}

		meterOpts = append(meterOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	}

	t := &telemetry{
		meterProvider: sdkmetric.NewMeterProvider(meterOpts...),
	}

	if config.otlpEndpoint != "" && !config.disableOtlpTraces {
		traceExp, err := otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(config.otlpEndpoint)))
		if err != nil {
			return nil, err
		}

		baseSampler := sdktrace.NeverSample()
		if config.traceEverything {
			baseSampler = sdktrace.AlwaysSample()
		}

		t.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(baseSampler)),
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(traceExp),
		)
	}

	return t, nil
}

func (t *telemetry) install() {
	if t.tracerProvider != nil {
		otel.SetTracerProvider(t.tracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}
	otel.SetMeterProvider(t.meterProvider)
}

// shutdown flushes pending spans and metrics.
func (t *telemetry) shutdown(logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if t.tracerProvider != nil {
		err := t.tracerProvider.Shutdown(ctx)
		if err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}
	err := t.meterProvider.Shutdown(ctx)
	if err != nil {
		logger.Warn("failed to flush metrics", zap.Error(err))
	}
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

type config struct {
	logLevelStr             string
	group                   string
	peers                   string
	bootstrap               bool
	bindAddress             string
	advertiseHost           string
	systemPort              int
	webPort                 int
	selfSign                bool
	certPath                string
	keyPath                 string
	etcdEndpoints           string
	etcdUser                string
	etcdPass                string
	etcdPrefix              string
	leasePeriod             time.Duration
	protocolVersion         int
	memberExpelTimeout      time.Duration
	nonMemberExpelTimeout   time.Duration
	suspicionsPeriod        time.Duration
	otlpEndpoint            string
	disableOtlpTraces       bool
	disableOtlpMetrics      bool
	traceEverything         bool
	debug                   bool
	cpuprofile              string
	etcdCredsAwsId          string
	etcdCredsAwsRegion      string
	etcdCredsAzureId        string
	etcdCredsAzureVaultName string
	etcdCredsGcpId          string
	etcdCredsGcpProjectId   string
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:             viper.GetString("log-level"),
		group:                   viper.GetString("group"),
		peers:                   viper.GetString("peers"),
		bootstrap:               viper.GetBool("bootstrap"),
		bindAddress:             viper.GetString("bind-address"),
		advertiseHost:           viper.GetString("advertise-host"),
		systemPort:              viper.GetInt("system-port"),
		webPort:                 viper.GetInt("web-port"),
		selfSign:                viper.GetBool("self-sign"),
		certPath:                viper.GetString("cert"),
		keyPath:                 viper.GetString("key"),
		etcdEndpoints:           viper.GetString("etcd-endpoints"),
		etcdUser:                viper.GetString("etcd-user"),
		etcdPass:                viper.GetString("etcd-pass"),
		etcdPrefix:              viper.GetString("etcd-prefix"),
		leasePeriod:             viper.GetDuration("lease-period"),
		protocolVersion:         viper.GetInt("protocol-version"),
		memberExpelTimeout:      viper.GetDuration("member-expel-timeout"),
		nonMemberExpelTimeout:   viper.GetDuration("non-member-expel-timeout"),
		suspicionsPeriod:        viper.GetDuration("suspicions-period"),
		otlpEndpoint:            viper.GetString("otlp-endpoint"),
		disableOtlpTraces:       viper.GetBool("disable-otlp-traces"),
		disableOtlpMetrics:      viper.GetBool("disable-otlp-metrics"),
		traceEverything:         viper.GetBool("trace-everything"),
		debug:                   viper.GetBool("debug"),
		cpuprofile:              viper.GetString("cpuprofile"),
		etcdCredsAwsId:          viper.GetString("etcd-creds-aws-id"),
		etcdCredsAwsRegion:      viper.GetString("etcd-creds-aws-region"),
		etcdCredsAzureId:        viper.GetString("etcd-creds-azure-id"),
		etcdCredsAzureVaultName: viper.GetString("etcd-creds-azure-vault-name"),
		etcdCredsGcpId:          viper.GetString("etcd-creds-gcp-id"),
		etcdCredsGcpProjectId:   viper.GetString("etcd-creds-gcp-project-id"),
	}

	logger.Info("parsed node configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.String("group", config.group),
		zap.String("peers", config.peers),
		zap.Bool("bootstrap", config.bootstrap),
		zap.String("bindAddress", config.bindAddress),
		zap.String("advertiseHost", config.advertiseHost),
		zap.Int("systemPort", config.systemPort),
		zap.Int("webPort", config.webPort),
		zap.Bool("selfSign", config.selfSign),
		zap.String("certPath", config.certPath),
		zap.String("keyPath", config.keyPath),
		zap.String("etcdEndpoints", config.etcdEndpoints),
		zap.String("etcdUser", config.etcdUser),
		zap.String("etcdPrefix", config.etcdPrefix),
		zap.Duration("leasePeriod", config.leasePeriod),
		zap.Int("protocolVersion", config.protocolVersion),
		zap.Duration("memberExpelTimeout", config.memberExpelTimeout),
		zap.Duration("nonMemberExpelTimeout", config.nonMemberExpelTimeout),
		zap.Duration("suspicionsPeriod", config.suspicionsPeriod),
		zap.String("otlpEndpoint", config.otlpEndpoint),
		zap.Bool("disableOtlpTraces", config.disableOtlpTraces),
		zap.Bool("disableOtlpMetrics", config.disableOtlpMetrics),
		zap.Bool("traceEverything", config.traceEverything),
		zap.Bool("debug", config.debug),
		zap.String("cpuprofile", config.cpuprofile),
		zap.String("etcdCredsAwsId", config.etcdCredsAwsId),
		zap.String("etcdCredsAwsRegion", config.etcdCredsAwsRegion),
		zap.String("etcdCredsAzureId", config.etcdCredsAzureId),
		zap.String("etcdCredsAzureVaultName", config.etcdCredsAzureVaultName),
		zap.String("etcdCredsGcpId", config.etcdCredsGcpId),
		zap.String("etcdCredsGcpProjectId", config.etcdCredsGcpProjectId))

	return config
}

// fetchEtcdCredentials replaces the etcd credentials with ones held in a
// cloud secret store, when one is configured.
func fetchEtcdCredentials(logger *zap.Logger, config *config) error {
	type secretSource struct {
		provider secretsmanager.Provider
		id       string
		location string
		missing  string
	}
	sources := []secretSource{
		{secretsmanager.ProviderAWS, config.etcdCredsAwsId, config.etcdCredsAwsRegion,
			"must specify region and id when fetching secrets from aws"},
		{secretsmanager.ProviderAzure, config.etcdCredsAzureId, config.etcdCredsAzureVaultName,
			"must specify key vault name and id when fetching secrets from azure"},
		{secretsmanager.ProviderGCP, config.etcdCredsGcpId, config.etcdCredsGcpProjectId,
			"must specify project and secret ids when fetching secrets from gcp"},
	}

	for _, source := range sources {
		if source.id == "" {
			continue
		}

		if config.etcdUser != "" || config.etcdPass != "" {
			return fmt.Errorf("cannot use etcd-user or etcd-pass when fetching creds from cloud provider")
		}
		if source.location == "" {
			return fmt.Errorf("%s", source.missing)
		}

		logger.Info("fetching etcd credentials from secret store",
			zap.String("provider", string(source.provider)))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		creds, err := secretsmanager.Fetch(ctx, source.provider, source.id, source.location)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to fetch etcd credentials from %s: %w", source.provider, err)
		}

		config.etcdUser = creds.Username
		config.etcdPass = creds.Password
	}

	return nil
}

func splitEndpoints(endpoints string) []string {
	var out []string
	for _, endpoint := range strings.Split(endpoints, ",") {
		endpoint = strings.TrimSpace(endpoint)
		if endpoint != "" {
			out = append(out, endpoint)
		}
	}
	return out
}

func startNode() {
	// initialize the logger
	logLevel, logger := getLogger()

	logger.Info("starting gcsnode", zap.String("version", buildVersion))

	logger.Info("parsed launch configuration",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile),
		zap.Bool("daemon", daemonMode))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			logger.Panic("failed to load specified config file", zap.Error(err))
		}
	}

	config := readConfig(logger)

	parsedLogLevel, err := zapcore.ParseLevel(config.logLevelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		parsedLogLevel = zapcore.InfoLevel
	}
	logLevel.SetLevel(parsedLogLevel)

	// setup profiling
	if config.cpuprofile != "" {
		f, err := os.Create(config.cpuprofile)
		if err != nil {
			logger.Error("failed to create cpu profile file", zap.Error(err))
			os.Exit(1)
		}

		err = pprof.StartCPUProfile(f)
		if err != nil {
			logger.Error("failed to start cpu profiling", zap.Error(err))
			os.Exit(1)
		}

		defer pprof.StopCPUProfile()
	}

	// setup telemetry
	tel, err := initTelemetry(context.Background(), logger, config)
	if err != nil {
		logger.Error("failed to initialize opentelemetry", zap.Error(err))
		os.Exit(1)
	}
	tel.install()
	defer tel.shutdown(logger)

	var systemCertificate *tls.Certificate
	if config.certPath != "" || config.keyPath != "" {
		if config.certPath == "" || config.keyPath == "" {
			logger.Error("must specify both cert and key")
			os.Exit(1)
		}

		loadedTlsCertificate, err := tls.LoadX509KeyPair(config.certPath, config.keyPath)
		if err != nil {
			logger.Error("failed to load tls certificate", zap.Error(err))
			os.Exit(1)
		}

		systemCertificate = &loadedTlsCertificate
	} else if config.selfSign {
		hosts := []string{"localhost"}
		if config.advertiseHost != "" {
			hosts = append(hosts, config.advertiseHost)
		}

		generatedCert, err := selfsignedcert.GenerateCertificate(selfsignedcert.Options{Hosts: hosts})
		if err != nil {
			logger.Error("failed to generate a self-signed certificate", zap.Error(err))
			os.Exit(1)
		}

		systemCertificate = generatedCert
	}

	err = fetchEtcdCredentials(logger, config)
	if err != nil {
		logger.Error("failed to resolve etcd credentials", zap.Error(err))
		os.Exit(1)
	}

	protocolVersion := protocol.Version(config.protocolVersion)
	if !protocolVersion.Valid() {
		logger.Error("unsupported protocol version specified",
			zap.Int("protocolVersion", config.protocolVersion))
		os.Exit(1)
	}

	daemonConfig := &daemon.Config{
		Logger:                logger.Named("daemon"),
		Group:                 config.group,
		Peers:                 config.peers,
		Bootstrap:             config.bootstrap,
		BindAddress:           config.bindAddress,
		AdvertiseHost:         config.advertiseHost,
		BindSystemPort:        config.systemPort,
		SystemCertificate:     systemCertificate,
		EtcdEndpoints:         splitEndpoints(config.etcdEndpoints),
		EtcdUsername:          config.etcdUser,
		EtcdPassword:          config.etcdPass,
		EtcdPrefix:            config.etcdPrefix,
		LeasePeriod:           config.leasePeriod,
		ProtocolVersion:       protocolVersion,
		NonMemberExpelTimeout: config.nonMemberExpelTimeout,
		MemberExpelTimeout:    config.memberExpelTimeout,
		SuspicionsPeriod:      config.suspicionsPeriod,
		Daemon:                daemonMode,
		Debug:                 config.debug,
		StartupCallback: func(m *daemon.StartupInfo) {
			logger.Info("node is a group member",
				zap.String("memberId", m.MemberID),
				zap.String("address", m.Address),
				zap.Int("systemPort", m.SystemPort))
		},
	}

	d, err := daemon.NewDaemon(daemonConfig)
	if err != nil {
		logger.Error("failed to initialize the node", zap.Error(err))
		os.Exit(1)
	}

	// setup the web service
	webListenAddress := fmt.Sprintf("%s:%v", config.bindAddress, config.webPort)
	webapi.InitializeWebServer(webapi.WebServerOptions{
		Logger:        logger.Named("webapi"),
		LogLevel:      &logLevel,
		ListenAddress: webListenAddress,
		Node:          d.Node(),
	})

	var configLock sync.Mutex
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		err := viper.ReadInConfig()
		if err != nil {
			logger.Warn("failed to parse configuration file",
				zap.Error(err))
		}

		newConfig := readConfig(logger)

		if newConfig.group != config.group ||
			newConfig.peers != config.peers ||
			newConfig.bootstrap != config.bootstrap {
			logger.Warn("config changes for group, peers, or bootstrap require a restart")
		}

		if newConfig.bindAddress != config.bindAddress ||
			newConfig.advertiseHost != config.advertiseHost ||
			newConfig.systemPort != config.systemPort ||
			newConfig.webPort != config.webPort {
			logger.Warn("config changes for bindAddress, advertiseHost, systemPort, or webPort require a restart")
		}

		if newConfig.selfSign != config.selfSign ||
			newConfig.certPath != config.certPath ||
			newConfig.keyPath != config.keyPath {
			logger.Warn("config changes for selfSign, certPath, or keyPath require a restart")
		}

		if newConfig.etcdEndpoints != config.etcdEndpoints ||
			newConfig.etcdPrefix != config.etcdPrefix ||
			newConfig.leasePeriod != config.leasePeriod {
			logger.Warn("config changes for etcdEndpoints, etcdPrefix, or leasePeriod require a restart")
		}

		if newConfig.protocolVersion != config.protocolVersion {
			logger.Warn("config changes for protocolVersion require a restart")
		}

		if newConfig.otlpEndpoint != config.otlpEndpoint ||
			newConfig.disableOtlpTraces != config.disableOtlpTraces ||
			newConfig.disableOtlpMetrics != config.disableOtlpMetrics ||
			newConfig.traceEverything != config.traceEverything {
			logger.Warn("config changes for otlpEndpoint, disableOtlpTraces, disableOtlpMetrics, or traceEverything require a restart")
		}

		if newConfig.debug != config.debug {
			logger.Warn("config changes for debug require a restart")
		}

		if newConfig.cpuprofile != config.cpuprofile {
			logger.Warn("config changes for cpuprofile require a restart")
		}

		if newConfig.logLevelStr != config.logLevelStr {
			newParsedLogLevel, err := zapcore.ParseLevel(newConfig.logLevelStr)
			if err != nil {
				logger.Warn("invalid log level specified, using INFO instead")
				newParsedLogLevel = zapcore.InfoLevel
			}

			logLevel.SetLevel(newParsedLogLevel)

			logger.Info("updated log level",
				zap.String("newLevel", newParsedLogLevel.String()))
		}

		if newConfig.memberExpelTimeout != config.memberExpelTimeout ||
			newConfig.nonMemberExpelTimeout != config.nonMemberExpelTimeout ||
			newConfig.suspicionsPeriod != config.suspicionsPeriod {
			err := d.Reconfigure(&daemon.ReconfigureOptions{
				NonMemberExpelTimeout: newConfig.nonMemberExpelTimeout,
				MemberExpelTimeout:    newConfig.memberExpelTimeout,
				SuspicionsPeriod:      newConfig.suspicionsPeriod,
			})
			if err != nil {
				logger.Warn("failed to reconfigure failure detection", zap.Error(err))
			}
		}

		// secrets fetched at startup are kept
		newConfig.etcdUser = config.etcdUser
		newConfig.etcdPass = config.etcdPass

		config = newConfig
	}

	if watchCfgFile {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected", zap.String("file", in.Name))
			reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		beginGracefulShutdown := func() {
			d.Shutdown()
		}

		hasReceivedSigInt := false
		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("Received SIGINT, leaving the group...")
					hasReceivedSigInt = true
					beginGracefulShutdown()
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("Received SIGTERM, leaving the group...")
				beginGracefulShutdown()
			} else if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading configuration...")
				reloadConfiguration()
			}
		}
	}()

	err = d.Run(context.Background())
	if err != nil {
		logger.Error("failed to run the node", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("node left the group and shut down gracefully")
}

// startNodeWatchdog re-executes this binary as a child process and restarts
// it whenever it exits, until an interrupt is received.
func startNodeWatchdog() {
	_, logger := getLogger()
	logger = logger.Named("watchdog")

	execProc := os.Args[0]
	execArgs := append([]string{"--auto-restart-proc"}, os.Args[1:]...)

	var stopping atomic.Bool
	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		for sig := range sigCh {
			switch {
			case sig == syscall.SIGINT && stopping.Load():
				logger.Info("received sigint a second time, terminating...")
				os.Exit(1)
			case sig == syscall.SIGINT:
				logger.Info("received sigint, waiting for the node to leave...")
				stopping.Store(true)
			case sig == syscall.SIGTERM:
				logger.Info("received sigterm, waiting for the node to leave...")
			}
		}
	}()

	restartBackoff := backoff.NewExponentialBackOff()
	restartBackoff.InitialInterval = 1 * time.Second
	restartBackoff.MaxInterval = 30 * time.Second
	restartBackoff.MaxElapsedTime = 0

	for {
		logger.Info("starting sub-process")
		startTime := time.Now()

		cmd := exec.Command(execProc, execArgs...)
		cmd.Stderr = os.Stderr
		cmd.Stdout = os.Stdout

		err := cmd.Run()
		if err != nil {
			logger.Info("sub-process exited with error", zap.Error(err))
		}

		if stopping.Load() {
			break
		}

		// a child which stayed up for a while is not crash looping
		if time.Since(startTime) > restartBackoff.MaxInterval {
			restartBackoff.Reset()
		}

		delayTime := restartBackoff.NextBackOff()
		logger.Info("crash detected, restarting", zap.Duration("delay", delayTime))
		time.Sleep(delayTime)
	}
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
