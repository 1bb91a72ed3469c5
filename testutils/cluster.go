package testutils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-gcs/contrib/inproccore"
	"github.com/couchbase/stellar-gcs/gcs"
	"github.com/couchbase/stellar-gcs/gcs/protocol"
	"github.com/couchbase/stellar-gcs/gcs/view"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type ClusterOptions struct {
	Group           string
	Addresses       []string
	ProtocolVersion protocol.Version

	MemberExpelTimeout    time.Duration
	NonMemberExpelTimeout time.Duration
	SuspicionsPeriod      time.Duration
	LeaveTimeout          time.Duration
	CacheSize             uint64
}

type ClusterNode struct {
	Address  string
	Node     *gcs.Node
	Listener *RecordingListener

	cancel context.CancelFunc
	doneCh chan struct{}
}

// Cluster is a group of nodes sharing one in-process consensus core.
type Cluster struct {
	Core  *inproccore.Group
	Nodes []*ClusterNode

	t      *testing.T
	logger *zap.Logger
	opts   ClusterOptions
}

// StartCluster boots a group on the first address and joins the rest to it.
func StartCluster(t *testing.T, opts ClusterOptions) *Cluster {
	if opts.Group == "" {
		opts.Group = "test-group"
	}
	if opts.MemberExpelTimeout == 0 {
		opts.MemberExpelTimeout = 200 * time.Millisecond
	}
	if opts.NonMemberExpelTimeout == 0 {
		opts.NonMemberExpelTimeout = 200 * time.Millisecond
	}
	if opts.SuspicionsPeriod == 0 {
		opts.SuspicionsPeriod = 20 * time.Millisecond
	}
	if opts.LeaveTimeout == 0 {
		opts.LeaveTimeout = 2 * time.Second
	}

	logger := zaptest.NewLogger(t)
	c := &Cluster{
		Core: inproccore.NewGroup(inproccore.GroupOptions{
			Logger:    logger.Named("core"),
			CacheSize: opts.CacheSize,
		}),
		t:      t,
		logger: logger,
		opts:   opts,
	}
	t.Cleanup(c.Stop)

	for i, addr := range opts.Addresses {
		n := c.StartNode(addr)
		if i == 0 {
			require.NoError(t, n.Join(gcs.JoinOptions{Bootstrap: true}))
		} else {
			require.NoError(t, n.Join(gcs.JoinOptions{Peers: []string{opts.Addresses[0]}}))
		}
	}

	for _, n := range c.Nodes {
		c.WaitForMembers(n, len(opts.Addresses))
	}

	return c
}

// StartNode runs a node which has not joined the group yet.
func (c *Cluster) StartNode(address string) *ClusterNode {
	listener := &RecordingListener{}
	node, err := gcs.NewNode(&gcs.Config{
		Logger:                c.logger.Named(address),
		Listener:              listener,
		Group:                 c.opts.Group,
		LocalAddress:          address,
		NewCore:               c.Core.CoreFactory(address),
		StatePayload:          func() []byte { return []byte("state:" + address) },
		ProtocolVersion:       c.opts.ProtocolVersion,
		FragmentSize:          256,
		CompressionThreshold:  128,
		MemberExpelTimeout:    c.opts.MemberExpelTimeout,
		NonMemberExpelTimeout: c.opts.NonMemberExpelTimeout,
		SuspicionsPeriod:      c.opts.SuspicionsPeriod,
		LeaveTimeout:          c.opts.LeaveTimeout,
		JoinBackoff:           func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) },
	})
	require.NoError(c.t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cn := &ClusterNode{
		Address:  address,
		Node:     node,
		Listener: listener,
		cancel:   cancel,
		doneCh:   make(chan struct{}),
	}
	go func() {
		_ = node.Run(ctx)
		close(cn.doneCh)
	}()

	c.Nodes = append(c.Nodes, cn)
	return cn
}

// Join joins the group, retrying while the node's event loop is starting.
func (n *ClusterNode) Join(opts gcs.JoinOptions) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return backoff.Retry(func() error {
		err := n.Node.Join(ctx, opts)
		if errors.Is(err, gcs.ErrNotInitialized) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(backoff.NewConstantBackOff(5*time.Millisecond), ctx))
}

func (n *ClusterNode) Leave() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return n.Node.Leave(ctx)
}

// Node finds a running node by address.
func (c *Cluster) Node(address string) *ClusterNode {
	for _, n := range c.Nodes {
		if n.Address == address {
			return n
		}
	}
	return nil
}

// WaitForMembers waits until the node has installed a view of the given size.
func (c *Cluster) WaitForMembers(n *ClusterNode, members int) *view.View {
	return c.WaitForView(n, func(v *view.View) bool {
		return v.Error == view.ErrorCodeOK && len(v.Members) == members
	})
}

// WaitForView waits until the node's current view satisfies pred.
func (c *Cluster) WaitForView(n *ClusterNode, pred func(v *view.View) bool) *view.View {
	var found *view.View
	require.Eventually(c.t, func() bool {
		v := n.Node.CurrentView()
		if v != nil && pred(v) {
			found = v
			return true
		}
		return false
	}, 10*time.Second, 5*time.Millisecond, "node %s never installed the expected view", n.Address)
	return found
}

func (c *Cluster) Stop() {
	for _, n := range c.Nodes {
		n.cancel()
	}
	for _, n := range c.Nodes {
		select {
		case <-n.doneCh:
		case <-time.After(5 * time.Second):
			c.t.Errorf("node %s did not stop", n.Address)
		}
	}
	c.Nodes = nil
}
