package interceptors

import (
	"context"

	"github.com/couchbase/stellar-gcs/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc"
)

type MetricsInterceptor struct {
	metrics *metrics.GcsMetrics
}

func NewMetricsInterceptor(metrics *metrics.GcsMetrics) *MetricsInterceptor {
	return &MetricsInterceptor{
		metrics: metrics,
	}
}

func (mi *MetricsInterceptor) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (response interface{}, err error) {
		methodAttr := metric.WithAttributes(attribute.String("method", info.FullMethod))
		mi.metrics.SystemRequests.Add(ctx, 1, methodAttr)
		mi.metrics.SystemActiveRequests.Add(ctx, 1)

		resp, err := handler(ctx, req)

		mi.metrics.SystemActiveRequests.Add(ctx, -1)

		return resp, err
	}
}

func (mi *MetricsInterceptor) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		methodAttr := metric.WithAttributes(attribute.String("method", info.FullMethod))
		mi.metrics.SystemRequests.Add(ss.Context(), 1, methodAttr)
		mi.metrics.SystemActiveRequests.Add(ss.Context(), 1)

		err := handler(srv, ss)

		mi.metrics.SystemActiveRequests.Add(ss.Context(), -1)

		return err
	}
}
