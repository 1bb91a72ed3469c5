package system

import (
	"context"

	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/couchbase/stellar-gcs/gcs/view"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is reported SERVING while the node is a group member.
const HealthServiceName = "couchbase.gcs.v1"

// NodeStatus is the part of a group node the system server reports on.
type NodeStatus interface {
	WatchViews(ctx context.Context) <-chan *view.View
	LocalMember() nodes.Member
}

func servingStatus(v *view.View, local nodes.Member) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if v != nil && v.Error == view.ErrorCodeOK && v.HasMember(local) {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_NOT_SERVING
}

// watchHealth follows the node's views until ctx is done or the node stops.
func watchHealth(ctx context.Context, logger *zap.Logger, node NodeStatus, hs *health.Server) {
	setStatus := func(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
		hs.SetServingStatus("", status)
		hs.SetServingStatus(HealthServiceName, status)
	}

	setStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	viewsCh := node.WatchViews(ctx)
	for v := range viewsCh {
		status := servingStatus(v, node.LocalMember())
		logger.Debug("updating health status",
			zap.Stringer("viewId", v.ID),
			zap.Stringer("status", status))
		setStatus(status)
	}

	setStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}
