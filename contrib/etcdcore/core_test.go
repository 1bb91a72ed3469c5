package etcdcore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/couchbase/stellar-gcs/gcs/consensus"
	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/couchbase/stellar-gcs/testutils"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"
)

var globalTestEtcdClient *etcd.Client
var globalEtcdDisabled bool

func getTestEtcdClient(t *testing.T) *etcd.Client {
	if globalEtcdDisabled {
		t.Skip("etcd unavailable: previous connect attempt failed")
	}
	if globalTestEtcdClient != nil {
		return globalTestEtcdClient
	}

	testConfig := testutils.GetTestConfig(t)
	connectTimeout := 2 * time.Second

	etcdClient, err := etcd.New(etcd.Config{
		Endpoints:   testConfig.EtcdEndpoints,
		DialTimeout: connectTimeout,
	})
	if err != nil {
		globalEtcdDisabled = true
		t.Skipf("failed to connect to etcd: %s", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), connectTimeout)
	_, err = etcdClient.Get(waitCtx, "invalid-key")
	waitCancel()
	if err != nil {
		globalEtcdDisabled = true
		t.Skipf("failed to connect to etcd: %s", err)
	}

	globalTestEtcdClient = etcdClient
	return etcdClient
}

func genTestPrefix(t *testing.T) string {
	return testutils.GetTestConfig(t).EtcdPrefix + "/" + uuid.NewString()
}

type recordingSink struct {
	lock    sync.Mutex
	globals []*consensus.GlobalView
	locals  []*consensus.LocalView
	data    []*consensus.Data
}

func (s *recordingSink) DeliverGlobalView(n *consensus.GlobalView) bool {
	s.lock.Lock()
	s.globals = append(s.globals, n)
	s.lock.Unlock()
	return true
}

func (s *recordingSink) DeliverLocalView(n *consensus.LocalView) bool {
	s.lock.Lock()
	s.locals = append(s.locals, n)
	s.lock.Unlock()
	return true
}

func (s *recordingSink) DeliverData(n *consensus.Data) bool {
	s.lock.Lock()
	s.data = append(s.data, n)
	s.lock.Unlock()
	return true
}

func (s *recordingSink) lastGlobal() *consensus.GlobalView {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.globals) == 0 {
		return nil
	}
	return s.globals[len(s.globals)-1]
}

func (s *recordingSink) payloads() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []string
	for _, d := range s.data {
		out = append(out, string(d.Payload))
	}
	return out
}

func allAlive(size int) func(g *consensus.GlobalView) bool {
	return func(g *consensus.GlobalView) bool {
		alive, failed := g.Nodes.Partition()
		return len(alive) == size && len(failed) == 0
	}
}

func waitForGlobal(t *testing.T, s *recordingSink, pred func(g *consensus.GlobalView) bool) *consensus.GlobalView {
	var found *consensus.GlobalView
	require.Eventually(t, func() bool {
		g := s.lastGlobal()
		if g != nil && pred(g) {
			found = g
			return true
		}
		return false
	}, 10*time.Second, 10*time.Millisecond)
	return found
}

func newTestCore(t *testing.T, prefix, address string) (*Core, *recordingSink) {
	sink := &recordingSink{}
	core, err := NewCore(Options{
		Logger:     zaptest.NewLogger(t).Named(address),
		EtcdClient: getTestEtcdClient(t),
		KeyPrefix:  prefix,
		Address:    address,
	}, sink)
	require.NoError(t, err)
	t.Cleanup(core.Exit)
	return core, sink
}

func TestNewCoreValidation(t *testing.T) {
	_, err := NewCore(Options{Address: "a"}, &recordingSink{})
	assert.Error(t, err)

	_, err = NewCore(Options{
		EtcdClient:  &etcd.Client{},
		Address:     "a",
		LeasePeriod: time.Second,
	}, &recordingSink{})
	assert.Error(t, err)
}

func TestBootJoinPropose(t *testing.T) {
	prefix := genTestPrefix(t)
	groupHash := consensus.GroupHash("etcd-test")

	coreA, sinkA := newTestCore(t, prefix, "node-a")
	coreB, sinkB := newTestCore(t, prefix, "node-b")

	a := nodes.NewIncarnation("node-a")
	b := nodes.NewIncarnation("node-b")

	require.True(t, coreA.Boot(nodes.NewNodeSet(a), groupHash))
	waitForGlobal(t, sinkA, allAlive(1))

	// a second boot of the same group is refused
	coreC, _ := newTestCore(t, prefix, "node-c")
	assert.False(t, coreC.Boot(nodes.NewNodeSet(nodes.NewIncarnation("node-c")), groupHash))

	assert.False(t, coreB.AddNode(context.Background(), "node-missing", b, groupHash))
	require.True(t, coreB.AddNode(context.Background(), "node-a", b, groupHash))

	gA := waitForGlobal(t, sinkA, allAlive(2))
	gB := waitForGlobal(t, sinkB, allAlive(2))
	assert.Equal(t, gA.ConfigID, gB.ConfigID)
	assert.True(t, gA.Nodes.Contains(b.Member()))

	require.True(t, coreA.Propose([]byte("one"), groupHash))
	require.True(t, coreB.Propose([]byte("two"), groupHash))
	require.True(t, coreA.Propose([]byte("three"), groupHash))

	for _, s := range []*recordingSink{sinkA, sinkB} {
		s := s
		require.Eventually(t, func() bool {
			return len(s.payloads()) == 3
		}, 10*time.Second, 10*time.Millisecond)
	}
	assert.Equal(t, sinkA.payloads(), sinkB.payloads())
	assert.Equal(t, groupHash, coreA.MaxSeenSynod().GroupID)
}

func TestExitMakesNodeUnreachable(t *testing.T) {
	prefix := genTestPrefix(t)
	groupHash := consensus.GroupHash("etcd-test")

	coreA, sinkA := newTestCore(t, prefix, "node-a")
	coreB, _ := newTestCore(t, prefix, "node-b")

	a := nodes.NewIncarnation("node-a")
	b := nodes.NewIncarnation("node-b")

	require.True(t, coreA.Boot(nodes.NewNodeSet(a), groupHash))
	waitForGlobal(t, sinkA, allAlive(1))
	require.True(t, coreB.AddNode(context.Background(), "node-a", b, groupHash))
	waitForGlobal(t, sinkA, allAlive(2))

	coreB.Exit()
	<-coreB.Done()

	g := waitForGlobal(t, sinkA, func(g *consensus.GlobalView) bool {
		_, failed := g.Nodes.Partition()
		return len(failed) == 1
	})
	n, ok := g.Nodes.Get("node-b")
	require.True(t, ok)
	assert.False(t, n.IsAlive)

	assert.False(t, coreB.Propose([]byte("late"), groupHash))

	require.True(t, coreA.RemoveNodes(nodes.NewNodeSet(b), groupHash))
	waitForGlobal(t, sinkA, func(g *consensus.GlobalView) bool {
		return g.Nodes.Size() == 1
	})
}

func TestLeaveDeliversFinalView(t *testing.T) {
	prefix := genTestPrefix(t)
	groupHash := consensus.GroupHash("etcd-test")

	coreA, sinkA := newTestCore(t, prefix, "node-a")
	a := nodes.NewIncarnation("node-a")

	require.True(t, coreA.Boot(nodes.NewNodeSet(a), groupHash))
	waitForGlobal(t, sinkA, allAlive(1))

	require.True(t, coreA.RemoveNodes(nodes.NewNodeSet(a), groupHash))
	waitForGlobal(t, sinkA, func(g *consensus.GlobalView) bool {
		return !g.Nodes.Contains(a.Member())
	})

	// the group was dissolved, so it can be booted again
	coreB, sinkB := newTestCore(t, prefix, "node-b")
	require.True(t, coreB.Boot(nodes.NewNodeSet(nodes.NewIncarnation("node-b")), groupHash))
	waitForGlobal(t, sinkB, allAlive(1))
}
