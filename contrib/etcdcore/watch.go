package etcdcore

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-gcs/gcs/consensus"
	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// watchLoop follows every change to the group's keys, re-establishing the
// watch whenever it breaks. While the watch is down this node sees only
// itself as reachable.
func (c *Core) watchLoop() {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	for {
		c.lock.Lock()
		fromRev := c.rev + 1
		keys := c.keys
		c.lock.Unlock()

		watchCtx := etcd.WithRequireLeader(c.ctx)
		watchCh := c.client.Watcher.Watch(watchCtx, keys.prefix(),
			etcd.WithPrefix(),
			etcd.WithRev(fromRev))

		healthy, isolated := false, true
		for watchResp := range watchCh {
			if watchResp.CompactRevision != 0 {
				c.logger.Warn("missed group events to compaction",
					zap.Int64("compactRevision", watchResp.CompactRevision))

				err := c.resync(watchResp.CompactRevision)
				if err != nil {
					c.logger.Warn("failed to reload group state", zap.Error(err))
				} else {
					isolated = false
				}
				break
			}
			if err := watchResp.Err(); err != nil {
				c.logger.Warn("group watch failed", zap.Error(err))
				break
			}

			if !healthy {
				healthy = true
				bo.Reset()
			}
			c.handleWatchResponse(watchResp)
		}

		if c.ctx.Err() != nil {
			return
		}

		if isolated {
			c.deliverIsolated()
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// resync reloads the configuration and liveness after the watch fell behind
// compaction. Messages in the compacted range are lost.
func (c *Core) resync(compactRev int64) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.commandTimeout)
	defer cancel()

	c.lock.Lock()
	keys := c.keys
	c.lock.Unlock()

	resp, err := c.client.KV.Txn(ctx).Then(
		etcd.OpGet(keys.config()),
		etcd.OpGet(keys.alivePrefix(), etcd.WithPrefix()),
	).Commit()
	if err != nil {
		return err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	c.compacted = compactRev - 1
	c.rev = resp.Header.Revision
	c.config = nil
	configKvs := resp.Responses[0].GetResponseRange().Kvs
	if len(configKvs) > 0 {
		config, err := decodeConfig(configKvs[0].Value)
		if err != nil {
			return errors.Wrap(err, "failed to parse group configuration")
		}
		c.config = config
		c.configRev = configKvs[0].ModRevision
	}
	c.alive = make(map[string]string)
	for _, kv := range resp.Responses[1].GetResponseRange().Kvs {
		c.alive[string(kv.Key[len(keys.alivePrefix()):])] = string(kv.Value)
	}

	c.deliverViewsLocked(c.rev)
	return nil
}

func (c *Core) handleWatchResponse(watchResp etcd.WatchResponse) {
	c.lock.Lock()
	defer c.lock.Unlock()

	keys := c.keys
	dirty := false
	dirtyRev := int64(0)

	flush := func() {
		if dirty {
			c.deliverViewsLocked(dirtyRev)
			dirty = false
		}
	}

	for _, ev := range watchResp.Events {
		key := string(ev.Kv.Key)
		rev := ev.Kv.ModRevision

		if dirty && rev != dirtyRev {
			flush()
		}

		switch {
		case key == keys.config():
			if ev.Type == mvccpb.DELETE {
				c.config = nil
			} else {
				config, err := decodeConfig(ev.Kv.Value)
				if err != nil {
					c.logger.Warn("ignoring unparseable configuration", zap.Error(err))
					continue
				}
				c.config = config
			}
			c.configRev = rev
			dirty, dirtyRev = true, rev

		case strings.HasPrefix(key, keys.alivePrefix()):
			address := key[len(keys.alivePrefix()):]
			if ev.Type == mvccpb.DELETE {
				delete(c.alive, address)
			} else {
				c.alive[address] = string(ev.Kv.Value)
			}
			dirty, dirtyRev = true, rev

		case strings.HasPrefix(key, keys.msgPrefix()):
			if ev.Type != mvccpb.PUT {
				continue
			}
			flush()
			c.deliverDataLocked(rev, ev.Kv.Value)
		}

		if rev > c.rev {
			c.rev = rev
		}
	}
	flush()

	if watchResp.Header.Revision > c.rev {
		c.rev = watchResp.Header.Revision
	}
}

func (c *Core) synod(rev int64, node uint32) nodes.Synod {
	return nodes.Synod{GroupID: c.groupHash, MsgNo: uint64(rev), Node: node}
}

func (c *Core) snapshotLocked() *nodes.NodeSet {
	set := nodes.NewNodeSet()
	for _, n := range c.config {
		n.IsAlive = c.isAliveLocked(n)
		set.Add(n)
	}
	return set
}

// deliverViewsLocked reports a configuration or reachability change. A node
// which was just removed gets one last view so it learns of its removal.
func (c *Core) deliverViewsLocked(rev int64) {
	configured := c.isConfiguredLocked()
	if !configured && !c.delivered {
		return
	}
	c.delivered = configured

	messageID := c.synod(rev, 0)
	snapshot := c.snapshotLocked()

	c.sink.DeliverGlobalView(&consensus.GlobalView{
		ConfigID:     c.synod(c.configRev, 0),
		MessageID:    messageID,
		Nodes:        snapshot,
		EventHorizon: DefaultEventHorizon,
		MaxSynod:     messageID,
	})

	if configured {
		c.sink.DeliverLocalView(&consensus.LocalView{
			ConfigID: c.synod(c.configRev, 0),
			Nodes:    snapshot.Clone(),
			MaxSynod: messageID,
		})
	}
}

func (c *Core) deliverDataLocked(rev int64, value []byte) {
	if !c.isConfiguredLocked() {
		return
	}

	msg, err := decodeMessage(value)
	if err != nil {
		c.logger.Warn("ignoring unparseable message", zap.Error(err))
		return
	}

	origin := c.configIndexLocked(msg.Origin)
	if origin < 0 || c.config[origin].UUID != msg.UUID {
		c.logger.Debug("ignoring message from a node outside the configuration",
			zap.String("origin", msg.Origin))
		return
	}

	c.sink.DeliverData(&consensus.Data{
		ConfigID:  c.synod(c.configRev, 0),
		MessageID: c.synod(rev, uint32(origin)),
		Origin:    uint32(origin),
		Nodes:     c.snapshotLocked(),
		Payload:   msg.Payload,
	})
}

// deliverIsolated reports that this node currently reaches nobody else.
func (c *Core) deliverIsolated() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.isConfiguredLocked() {
		return
	}

	set := nodes.NewNodeSet()
	for _, n := range c.config {
		n.IsAlive = n.Address == c.address
		set.Add(n)
	}

	c.sink.DeliverLocalView(&consensus.LocalView{
		ConfigID: c.synod(c.configRev, 0),
		Nodes:    set,
		MaxSynod: c.synod(c.rev, 0),
	})
}
