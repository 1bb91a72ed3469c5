package protocol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakePipeline struct {
	lock    sync.Mutex
	version Version
}

func (p *fakePipeline) SetOutgoingVersion(v Version) {
	p.lock.Lock()
	p.version = v
	p.lock.Unlock()
}

func (p *fakePipeline) OutgoingVersion() Version {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.version
}

type fakePacket struct {
	cargo  CargoKind
	origin uint32
}

func (p fakePacket) Kind() CargoKind     { return p.cargo }
func (p fakePacket) OriginIndex() uint32 { return p.origin }

var testNodes = nodes.NewNodeSet(
	nodes.NodeInfo{Address: "self:1", UUID: "s", Index: 0, IsAlive: true},
	nodes.NodeInfo{Address: "peer:1", UUID: "p", Index: 1, IsAlive: true},
)

func newTestChanger(t *testing.T) (*Changer, *fakePipeline) {
	pipeline := &fakePipeline{version: Version1}
	c, err := NewChanger(&ChangerOptions{
		Logger:       zaptest.NewLogger(t),
		Pipeline:     pipeline,
		LocalAddress: "self:1",
	})
	require.NoError(t, err)
	return c, pipeline
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestChangerCommitsImmediatelyWhenIdle(t *testing.T) {
	c, pipeline := newTestChanger(t)

	done, err := c.SetVersion(Version2)
	require.NoError(t, err)
	assert.True(t, isClosed(done))
	assert.False(t, c.IsChangeInProgress())
	assert.Equal(t, Version2, c.ActiveVersion())
	assert.Equal(t, Version2, pipeline.OutgoingVersion())
}

func TestChangerCommitsOnLastReceive(t *testing.T) {
	c, pipeline := newTestChanger(t)

	for i := 0; i < 3; i++ {
		_, ok := c.AccountSend(CargoUserData)
		require.True(t, ok)
	}
	require.Equal(t, int64(3), c.InTransit())

	done, err := c.SetVersion(Version3)
	require.NoError(t, err)
	assert.True(t, c.IsChangeInProgress())
	assert.Equal(t, Version3, pipeline.OutgoingVersion())
	assert.Equal(t, Version1, c.ActiveVersion())

	_, err = c.SetVersion(Version2)
	assert.ErrorIs(t, err, ErrChangeInProgress)

	// packets sent by other nodes do not count
	c.AccountReceive(fakePacket{cargo: CargoUserData, origin: 1}, testNodes)
	assert.Equal(t, int64(3), c.InTransit())

	c.AccountReceive(fakePacket{cargo: CargoUserData, origin: 0}, testNodes)
	c.AccountReceive(fakePacket{cargo: CargoUserData, origin: 0}, testNodes)
	assert.False(t, isClosed(done))

	c.AccountReceive(fakePacket{cargo: CargoUserData, origin: 0}, testNodes)
	assert.True(t, isClosed(done))
	assert.False(t, c.IsChangeInProgress())
	assert.Equal(t, Version3, c.ActiveVersion())
	assert.Equal(t, int64(0), c.InTransit())
}

func TestChangerSendFailsDuringChange(t *testing.T) {
	c, _ := newTestChanger(t)

	_, ok := c.AccountSend(CargoUserData)
	require.True(t, ok)

	done, err := c.SetVersion(Version2)
	require.NoError(t, err)

	_, ok = c.AccountSend(CargoUserData)
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.InTransit())

	// state exchange is never held back
	_, ok = c.AccountSend(CargoStateExchange)
	assert.True(t, ok)
	c.AccountReceive(fakePacket{cargo: CargoStateExchange, origin: 0}, testNodes)
	assert.Equal(t, int64(1), c.InTransit())

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- c.WaitForChange(context.Background())
	}()

	c.AccountReceive(fakePacket{cargo: CargoUserData, origin: 0}, testNodes)
	require.NoError(t, <-waitErr)
	assert.True(t, isClosed(done))

	_, ok = c.AccountSend(CargoUserData)
	assert.True(t, ok)
}

func TestChangerRollbackCommits(t *testing.T) {
	c, _ := newTestChanger(t)

	_, ok := c.AccountSend(CargoUserData)
	require.True(t, ok)

	done, err := c.SetVersion(Version2)
	require.NoError(t, err)

	c.AccountFailedSend(CargoUserData, 1)
	assert.True(t, isClosed(done))
}

func TestChangerUnresolvedOriginDoesNotCount(t *testing.T) {
	c, _ := newTestChanger(t)

	_, ok := c.AccountSend(CargoUserData)
	require.True(t, ok)

	c.AccountReceive(fakePacket{cargo: CargoUserData, origin: 9}, testNodes)
	assert.Equal(t, int64(1), c.InTransit())
}

func TestChangerRejectsUnsupportedVersion(t *testing.T) {
	c, _ := newTestChanger(t)
	c.SetMaxSupportedVersion(Version2)

	_, err := c.SetVersion(Version3)
	assert.ErrorIs(t, err, ErrVersionUnsupported)

	_, err = c.SetVersion(VersionUnknown)
	assert.ErrorIs(t, err, ErrVersionUnsupported)
}

func TestChangerWaitRespectsContext(t *testing.T) {
	c, _ := newTestChanger(t)

	_, ok := c.AccountSend(CargoUserData)
	require.True(t, ok)
	_, err := c.SetVersion(Version2)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitForChange(ctx), context.DeadlineExceeded)
}

func TestChangerConcurrentSendReceive(t *testing.T) {
	c, _ := newTestChanger(t)

	const senders = 8
	const perSender = 200

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				for {
					if _, ok := c.AccountSend(CargoUserData); ok {
						break
					}
					_ = c.WaitForChange(context.Background())
				}
				c.AccountReceive(fakePacket{cargo: CargoUserData, origin: 0}, testNodes)
			}
		}()
	}

	versions := []Version{Version2, Version3, Version1}
	for _, v := range versions {
		for {
			done, err := c.SetVersion(v)
			if err == nil {
				<-done
				break
			}
			_ = c.WaitForChange(context.Background())
		}
	}

	wg.Wait()
	assert.Equal(t, int64(0), c.InTransit())
	assert.False(t, c.IsChangeInProgress())
	assert.Equal(t, Version1, c.ActiveVersion())
}

func TestChangerCommitsRequestedVersionUnderLoad(t *testing.T) {
	c, pipeline := newTestChanger(t)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, ok := c.AccountSend(CargoUserData); !ok {
					continue
				}
				if i%2 == 0 {
					c.AccountReceive(fakePacket{cargo: CargoUserData, origin: 0}, testNodes)
				} else {
					c.AccountFailedSend(CargoUserData, 1)
				}
			}
		}(i)
	}

	for i := 0; i < 500; i++ {
		target := Version2
		if i%2 == 1 {
			target = Version3
		}

		var done <-chan struct{}
		for {
			var err error
			done, err = c.SetVersion(target)
			if err == nil {
				break
			}
			require.ErrorIs(t, err, ErrChangeInProgress)
			require.NoError(t, c.WaitForChange(context.Background()))
		}

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("change to %s did not commit", target)
		}

		require.Equal(t, target, c.ActiveVersion())
		require.Equal(t, target, c.TentativeVersion())
		require.Equal(t, target, pipeline.OutgoingVersion())
		require.False(t, c.IsChangeInProgress())
	}

	close(stop)
	wg.Wait()
	assert.Equal(t, int64(0), c.InTransit())
}
