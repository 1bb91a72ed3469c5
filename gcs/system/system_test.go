package system

import (
	"context"
	"testing"
	"time"

	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/couchbase/stellar-gcs/gcs/view"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

type fakeNode struct {
	local   nodes.Member
	viewsCh chan *view.View
}

func (n *fakeNode) WatchViews(ctx context.Context) <-chan *view.View {
	return n.viewsCh
}

func (n *fakeNode) LocalMember() nodes.Member {
	return n.local
}

func TestServingStatus(t *testing.T) {
	local := nodes.Member{Address: "node-a", UUID: "u1"}
	other := nodes.Member{Address: "node-b", UUID: "u2"}

	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, servingStatus(nil, local))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, servingStatus(&view.View{
		Members: []nodes.Member{local, other},
	}, local))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, servingStatus(&view.View{
		Members: []nodes.Member{other},
		Left:    []nodes.Member{local},
		Error:   view.ErrorCodeMemberExpelled,
	}, local))
}

func TestSystemHealth(t *testing.T) {
	local := nodes.Member{Address: "node-a", UUID: "u1"}
	node := &fakeNode{local: local, viewsCh: make(chan *view.View, 1)}

	sys, err := NewSystem(&SystemOptions{
		Logger: zaptest.NewLogger(t),
		Node:   node,
		Debug:  true,
	})
	require.NoError(t, err)

	l, err := NewListeners(&ListenersOptions{Address: "127.0.0.1", SystemPort: 0})
	require.NoError(t, err)
	defer l.Close()
	port := l.BoundSystemPort()
	require.NotZero(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	serveDoneCh := make(chan error, 1)
	go func() {
		serveDoneCh <- sys.Serve(ctx, l)
	}()

	conn, err := grpc.NewClient(l.systemListener.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := grpc_health_v1.NewHealthClient(conn)

	checkStatus := func(want grpc_health_v1.HealthCheckResponse_ServingStatus) {
		require.Eventually(t, func() bool {
			resp, err := client.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{
				Service: HealthServiceName,
			})
			return err == nil && resp.Status == want
		}, 5*time.Second, 10*time.Millisecond)
	}

	checkStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	node.viewsCh <- &view.View{ID: view.NewViewID(), Members: []nodes.Member{local}}
	checkStatus(grpc_health_v1.HealthCheckResponse_SERVING)

	node.viewsCh <- &view.View{ID: view.NewViewID(), Left: []nodes.Member{local}}
	checkStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	cancel()
	select {
	case err := <-serveDoneCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.Fail(t, "system server did not stop")
	}
}
