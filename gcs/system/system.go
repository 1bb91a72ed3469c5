package system

import (
	"context"
	"crypto/tls"
	"errors"
	"runtime"

	"github.com/couchbase/stellar-gcs/pkg/interceptors"
	"github.com/couchbase/stellar-gcs/pkg/metrics"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

type SystemOptions struct {
	Logger  *zap.Logger
	Node    NodeStatus
	Metrics *metrics.GcsMetrics

	// TlsConfig enables TLS on the system port. Nil serves plaintext.
	TlsConfig *tls.Config
	Debug     bool
}

// System is the node's gRPC endpoint used by orchestration to probe group
// membership.
type System struct {
	logger       *zap.Logger
	node         NodeStatus
	server       *grpc.Server
	healthServer *health.Server
}

func NewSystem(opts *SystemOptions) (*System, error) {
	if opts.Node == nil {
		return nil, errors.New("node must be specified")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gcsMetrics := opts.Metrics
	if gcsMetrics == nil {
		gcsMetrics = metrics.GetGcsMetrics()
	}

	debugInterceptor := interceptors.NewDebugInterceptor(logger.Named("grpc-debug"))
	metricsInterceptor := interceptors.NewMetricsInterceptor(gcsMetrics)

	recoveryHandler := func(p any) (err error) {
		logger.Error("a panic has been triggered", zap.Any("error: ", p))
		return status.Errorf(codes.Internal, "An internal error occurred.")
	}

	var unaryInterceptors []grpc.UnaryServerInterceptor
	unaryInterceptors = append(unaryInterceptors, metricsInterceptor.UnaryInterceptor())
	if opts.Debug {
		unaryInterceptors = append(unaryInterceptors, debugInterceptor.UnaryInterceptor())
	}
	unaryInterceptors = append(unaryInterceptors, recovery.UnaryServerInterceptor(
		recovery.WithRecoveryHandler(recoveryHandler),
	))

	var streamInterceptors []grpc.StreamServerInterceptor
	streamInterceptors = append(streamInterceptors, metricsInterceptor.StreamInterceptor())
	if opts.Debug {
		streamInterceptors = append(streamInterceptors, debugInterceptor.StreamInterceptor())
	}
	streamInterceptors = append(streamInterceptors, recovery.StreamServerInterceptor(
		recovery.WithRecoveryHandler(recoveryHandler),
	))

	creds := insecure.NewCredentials()
	if opts.TlsConfig != nil {
		creds = credentials.NewTLS(opts.TlsConfig)
	}

	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unaryInterceptors...),
		grpc.ChainStreamInterceptor(streamInterceptors...),
		grpc.Creds(creds),
		grpc.NumStreamWorkers(uint32(runtime.NumCPU())),
	}

	switch otel.GetMeterProvider().(type) {
	case noop.MeterProvider:
	default:
		serverOpts = append(serverOpts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}

	srv := grpc.NewServer(serverOpts...)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, healthServer)

	return &System{
		logger:       logger,
		node:         opts.Node,
		server:       srv,
		healthServer: healthServer,
	}, nil
}

// Serve runs the system server until ctx is cancelled.
func (s *System) Serve(ctx context.Context, l *Listeners) error {
	if l.systemListener == nil {
		<-ctx.Done()
		return nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchHealth(watchCtx, s.logger, s.node, s.healthServer)

	go func() {
		<-ctx.Done()
		s.healthServer.Shutdown()
		s.server.Stop()
	}()

	err := s.server.Serve(l.systemListener)
	if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		s.logger.Warn("system server serve failed", zap.Error(err))
		return err
	}

	return nil
}
