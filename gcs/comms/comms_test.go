package comms

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/couchbase/stellar-gcs/gcs/consensus"
	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/couchbase/stellar-gcs/gcs/pipeline"
	"github.com/couchbase/stellar-gcs/gcs/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type queueCore struct {
	lock     sync.Mutex
	reject   bool
	proposed [][]byte
}

func (q *queueCore) Propose(data []byte, groupHash uint32) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.reject {
		return false
	}
	q.proposed = append(q.proposed, data)
	return true
}

func (q *queueCore) take() [][]byte {
	q.lock.Lock()
	defer q.lock.Unlock()
	out := q.proposed
	q.proposed = nil
	return out
}

var testNodes = nodes.NewNodeSet(
	nodes.NodeInfo{Address: "self:1", UUID: "s", Index: 0, IsAlive: true},
)

func newTestComms(t *testing.T, version protocol.Version) (*Communication, *queueCore, *protocol.Changer) {
	logger := zaptest.NewLogger(t)
	pl, err := pipeline.New(&pipeline.Options{Logger: logger, Version: version, FragmentSize: 64})
	require.NoError(t, err)

	changer, err := protocol.NewChanger(&protocol.ChangerOptions{
		Logger:       logger,
		Pipeline:     pl,
		LocalAddress: "self:1",
	})
	require.NoError(t, err)

	core := &queueCore{}
	c, err := New(&Options{Logger: logger, Core: core, Pipeline: pl, Changer: changer})
	require.NoError(t, err)
	return c, core, changer
}

func deliver(c *Communication, packets [][]byte) {
	for _, pkt := range packets {
		c.HandleData(&consensus.Data{Origin: 0, Nodes: testNodes, Payload: pkt})
	}
}

func TestSendAndDeliver(t *testing.T) {
	c, core, changer := newTestComms(t, protocol.Version3)

	var got [][]byte
	c.SetHandlers(nil, func(origin nodes.Member, payload []byte) {
		assert.Equal(t, "self:1", origin.Address)
		got = append(got, payload)
	})

	msg := bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7}, 100)
	require.NoError(t, c.Send(context.Background(), protocol.CargoUserData, msg))

	packets := core.take()
	require.Greater(t, len(packets), 1)
	assert.Equal(t, int64(len(packets)), changer.InTransit())

	deliver(c, packets)
	require.Len(t, got, 1)
	assert.Equal(t, msg, got[0])
	assert.Equal(t, int64(0), changer.InTransit())
}

func TestSendWaitsForVersionChange(t *testing.T) {
	c, core, changer := newTestComms(t, protocol.Version1)
	c.SetHandlers(nil, func(nodes.Member, []byte) {})

	require.NoError(t, c.Send(context.Background(), protocol.CargoUserData, []byte("first")))
	done, err := changer.SetVersion(protocol.Version2)
	require.NoError(t, err)

	sent := make(chan error, 1)
	go func() {
		sent <- c.Send(context.Background(), protocol.CargoUserData, []byte("second"))
	}()

	// state exchange is not held back by the change
	require.NoError(t, c.Send(context.Background(), protocol.CargoStateExchange, []byte("{}")))

	select {
	case <-sent:
		t.Fatalf("send completed during a protocol change")
	case <-time.After(50 * time.Millisecond):
	}

	deliver(c, core.take())
	<-done
	require.NoError(t, <-sent)

	packets := core.take()
	require.Len(t, packets, 1)
	pkt, err := pipeline.Decode(packets[0], 0)
	require.NoError(t, err)
	assert.Equal(t, protocol.Version2, pkt.Header.Version)
}

func TestSendRollsBackWhenCoreRejects(t *testing.T) {
	c, core, changer := newTestComms(t, protocol.Version3)
	core.reject = true

	err := c.Send(context.Background(), protocol.CargoUserData, []byte("x"))
	assert.ErrorIs(t, err, ErrCoreUnavailable)
	assert.Equal(t, int64(0), changer.InTransit())
}

func TestHandleDataDispatchesStateExchange(t *testing.T) {
	c, core, _ := newTestComms(t, protocol.Version3)

	var states []string
	c.SetHandlers(func(origin nodes.NodeInfo, payload []byte) {
		states = append(states, string(payload))
	}, nil)

	require.NoError(t, c.Send(context.Background(), protocol.CargoStateExchange, []byte("state")))
	deliver(c, core.take())
	assert.Equal(t, []string{"state"}, states)

	assert.False(t, c.HandleData(&consensus.Data{Nodes: testNodes, Payload: []byte{0}}))
}

func TestHandleDataKeysFragmentsByMember(t *testing.T) {
	c, _, _ := newTestComms(t, protocol.Version3)

	departed := nodes.NodeInfo{Address: "a:1", UUID: "old", Index: 0, IsAlive: true}
	joined := nodes.NodeInfo{Address: "b:1", UUID: "new", Index: 0, IsAlive: true}
	self := nodes.NodeInfo{Address: "self:1", UUID: "s", Index: 1, IsAlive: true}
	before := nodes.NewNodeSet(departed, self)
	after := nodes.NewNodeSet(joined, self)

	var origins []nodes.Member
	var got [][]byte
	c.SetHandlers(nil, func(origin nodes.Member, payload []byte) {
		origins = append(origins, origin)
		got = append(got, payload)
	})

	encode := func(payload []byte) [][]byte {
		pl, err := pipeline.New(&pipeline.Options{Version: protocol.Version3, FragmentSize: 64})
		require.NoError(t, err)
		packets, err := pl.Encode(protocol.CargoUserData, payload)
		require.NoError(t, err)
		require.Greater(t, len(packets), 1)
		return packets
	}
	oldMsg := bytes.Repeat([]byte("OLD"), 60)
	newMsg := bytes.Repeat([]byte("NEW"), 60)

	oldPackets := encode(oldMsg)
	assert.True(t, c.HandleData(&consensus.Data{Origin: 0, Nodes: before, Payload: oldPackets[0]}))
	require.Empty(t, got)

	for _, pkt := range encode(newMsg) {
		assert.True(t, c.HandleData(&consensus.Data{Origin: 0, Nodes: after, Payload: pkt}))
	}
	require.Len(t, got, 1)
	assert.Equal(t, newMsg, got[0])
	assert.Equal(t, joined.Member(), origins[0])
	assert.Equal(t, 1, c.PendingReassembly())

	c.RetainOrigins([]nodes.Member{joined.Member(), self.Member()})
	assert.Equal(t, 0, c.PendingReassembly())
}
