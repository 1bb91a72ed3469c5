package inproccore

import (
	"context"
	"sync"
	"testing"

	"github.com/couchbase/stellar-gcs/gcs/consensus"
	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingSink struct {
	lock   sync.Mutex
	global []*consensus.GlobalView
	local  []*consensus.LocalView
	data   []*consensus.Data
}

func (s *recordingSink) DeliverGlobalView(n *consensus.GlobalView) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.global = append(s.global, n)
	return true
}

func (s *recordingSink) DeliverLocalView(n *consensus.LocalView) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.local = append(s.local, n)
	return true
}

func (s *recordingSink) DeliverData(n *consensus.Data) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.data = append(s.data, n)
	return true
}

func (s *recordingSink) lastGlobal() *consensus.GlobalView {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.global) == 0 {
		return nil
	}
	return s.global[len(s.global)-1]
}

const testHash = 42

type testNode struct {
	core *Core
	sink *recordingSink
	info nodes.NodeInfo
}

func attachNode(t *testing.T, g *Group, address string) *testNode {
	sink := &recordingSink{}
	core, err := g.CoreFactory(address)(sink)
	require.NoError(t, err)
	return &testNode{core: core.(*Core), sink: sink, info: nodes.NewIncarnation(address)}
}

func formGroup(t *testing.T, g *Group, addresses ...string) []*testNode {
	var out []*testNode
	for i, addr := range addresses {
		n := attachNode(t, g, addr)
		if i == 0 {
			require.True(t, n.core.Boot(nodes.NewNodeSet(n.info), testHash))
		} else {
			require.True(t, n.core.AddNode(context.Background(), addresses[0], n.info, testHash))
		}
		out = append(out, n)
	}
	return out
}

func TestGroupFormation(t *testing.T) {
	g := NewGroup(GroupOptions{Logger: zaptest.NewLogger(t)})
	ns := formGroup(t, g, "a:1", "b:1", "c:1")

	for _, n := range ns {
		v := n.sink.lastGlobal()
		require.NotNil(t, v)
		assert.Equal(t, 3, v.Nodes.Size())
		assert.Equal(t, uint32(testHash), v.ConfigID.GroupID)
	}
	assert.Len(t, ns[0].sink.global, 3)
	assert.Len(t, ns[2].sink.global, 1)

	// same configuration id everywhere
	assert.Equal(t, ns[0].sink.lastGlobal().ConfigID, ns[2].sink.lastGlobal().ConfigID)

	// a second boot is refused
	assert.False(t, ns[1].core.Boot(nodes.NewNodeSet(ns[1].info), testHash))
}

func TestAddNodeRequiresLivePeer(t *testing.T) {
	g := NewGroup(GroupOptions{})
	formGroup(t, g, "a:1")

	n := attachNode(t, g, "b:1")
	assert.False(t, n.core.AddNode(context.Background(), "z:1", n.info, testHash))
	assert.False(t, n.core.AddNode(context.Background(), "a:1", n.info, testHash+1))
	assert.True(t, n.core.AddNode(context.Background(), "a:1", n.info, testHash))

	// the same address cannot be added twice
	again := attachNode(t, g, "b:1")
	assert.False(t, again.core.AddNode(context.Background(), "a:1", again.info, testHash))
}

func TestProposeTotalOrder(t *testing.T) {
	g := NewGroup(GroupOptions{})
	ns := formGroup(t, g, "a:1", "b:1")

	require.True(t, ns[0].core.Propose([]byte("one"), testHash))
	require.True(t, ns[1].core.Propose([]byte("two"), testHash))
	assert.False(t, ns[1].core.Propose([]byte("x"), testHash+1))

	for _, n := range ns {
		require.Len(t, n.sink.data, 2)
		assert.Equal(t, "one", string(n.sink.data[0].Payload))
		assert.Equal(t, uint32(0), n.sink.data[0].Origin)
		assert.Equal(t, "two", string(n.sink.data[1].Payload))
		assert.Equal(t, uint32(1), n.sink.data[1].Origin)
		assert.True(t, n.sink.data[0].MessageID.Less(n.sink.data[1].MessageID))
	}
}

func TestUnreachableNodeIsReportedAndExpelled(t *testing.T) {
	g := NewGroup(GroupOptions{})
	ns := formGroup(t, g, "a:1", "b:1", "c:1")
	a, b, c := ns[0], ns[1], ns[2]

	bGlobals := len(b.sink.global)
	g.SetReachable("b:1", false)

	v := a.sink.lastGlobal()
	info, ok := v.Nodes.Get("b:1")
	require.True(t, ok)
	assert.False(t, info.IsAlive)
	assert.Len(t, b.sink.global, bGlobals)

	// the cut off node only reaches itself
	require.NotEmpty(t, b.sink.local)
	alive, failed := b.sink.local[len(b.sink.local)-1].Nodes.Partition()
	assert.Equal(t, []nodes.Member{b.info.Member()}, nodes.MembersOf(alive))
	assert.Len(t, failed, 2)

	assert.False(t, b.core.Propose([]byte("lost"), testHash))

	require.True(t, a.core.RemoveNodes(nodes.NewNodeSet(b.info), testHash))
	assert.Equal(t, 2, c.sink.lastGlobal().Nodes.Size())
	assert.Len(t, b.sink.global, bGlobals)

	g.SetReachable("b:1", true)
	last := b.sink.lastGlobal()
	assert.False(t, last.Nodes.Contains(b.info.Member()))
}

func TestExitMarksNodeUnreachable(t *testing.T) {
	g := NewGroup(GroupOptions{})
	ns := formGroup(t, g, "a:1", "b:1")

	ns[1].core.Exit()
	<-ns[1].core.Done()

	info, ok := ns[0].sink.lastGlobal().Nodes.Get("b:1")
	require.True(t, ok)
	assert.False(t, info.IsAlive)
	assert.False(t, ns[1].core.Propose([]byte("x"), testHash))
}

func TestLastRemoved(t *testing.T) {
	g := NewGroup(GroupOptions{CacheSize: 2})
	ns := formGroup(t, g, "a:1")
	assert.True(t, ns[0].core.LastRemoved().IsNull())

	for i := 0; i < 5; i++ {
		require.True(t, ns[0].core.Propose([]byte("m"), testHash))
	}
	max := ns[0].core.MaxSeenSynod()
	assert.Equal(t, max.MsgNo-2, ns[0].core.LastRemoved().MsgNo)
}
