package interceptors

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// DebugInterceptor logs every request together with its caller.
type DebugInterceptor struct {
	logger *zap.Logger
}

func NewDebugInterceptor(logger *zap.Logger) *DebugInterceptor {
	return &DebugInterceptor{
		logger: logger,
	}
}

func (di *DebugInterceptor) callerFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		fields = append(fields, zap.String("ip", p.Addr.String()))
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		fields = append(fields, zap.Strings("user-agent", md.Get("user-agent")))
	}
	return fields
}

func (di *DebugInterceptor) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		stime := time.Now()
		resp, err := handler(ctx, req)

		fields := append(di.callerFields(ctx),
			zap.String("method", info.FullMethod),
			zap.Duration("elapsed", time.Since(stime)),
			zap.Stringer("code", status.Code(err)))
		di.logger.Debug("handled unary request", fields...)

		return resp, err
	}
}

func (di *DebugInterceptor) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		fields := append(di.callerFields(ss.Context()), zap.String("method", info.FullMethod))
		di.logger.Debug("stream opened", fields...)

		err := handler(srv, ss)

		di.logger.Debug("stream closed", append(fields, zap.Stringer("code", status.Code(err)))...)
		return err
	}
}
