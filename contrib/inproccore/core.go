package inproccore

import (
	"context"
	"sync"

	"github.com/couchbase/stellar-gcs/gcs/consensus"
	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// Core is one node's session with a Group.
type Core struct {
	group   *Group
	address string
	sink    consensus.Sink

	// guarded by the group lock
	member nodes.Member
	exited bool

	exitOnce sync.Once
	doneCh   chan struct{}
}

var _ consensus.Core = (*Core)(nil)
var _ consensus.LogCache = (*Core)(nil)

// canCommandLocked reports whether the session may issue commands: it must be
// live, part of the configuration and reachable.
func (c *Core) canCommandLocked(groupHash uint32) bool {
	g := c.group
	if c.exited || g.groupHash != groupHash {
		return false
	}
	if g.sessions[c.address] != c || g.unreachable[c.address] {
		return false
	}
	idx := g.configIndexLocked(c.address)
	return idx >= 0 && g.config[idx].Member() == c.member
}

func (c *Core) Boot(set *nodes.NodeSet, groupHash uint32) bool {
	g := c.group
	g.lock.Lock()
	defer g.lock.Unlock()

	if c.exited || len(g.config) > 0 {
		return false
	}
	local, ok := set.Get(c.address)
	if !ok {
		return false
	}

	g.groupHash = groupHash
	c.member = local.Member()
	g.logger.Info("group booted", zap.Stringer("member", c.member))
	g.reconfigureLocked(set.Nodes(), nil)
	return true
}

func (c *Core) AddNode(ctx context.Context, peer string, node nodes.NodeInfo, groupHash uint32) bool {
	g := c.group
	g.lock.Lock()
	defer g.lock.Unlock()

	if c.exited || g.groupHash != groupHash || len(g.config) == 0 {
		return false
	}
	if g.configIndexLocked(peer) < 0 || !g.isAliveLocked(peer) {
		return false
	}
	if g.configIndexLocked(node.Address) >= 0 {
		// the previous incarnation must be expelled first
		return false
	}

	c.member = node.Member()
	config := append(slices.Clone(g.config), node)
	g.logger.Info("node added", zap.Stringer("member", c.member), zap.String("peer", peer))
	g.reconfigureLocked(config, nil)
	return true
}

func (c *Core) RemoveNodes(set *nodes.NodeSet, groupHash uint32) bool {
	g := c.group
	g.lock.Lock()
	defer g.lock.Unlock()

	if !c.canCommandLocked(groupHash) {
		return false
	}

	var removed []*Core
	config := slices.DeleteFunc(slices.Clone(g.config), func(n nodes.NodeInfo) bool {
		if !set.Contains(n.Member()) {
			return false
		}
		if s := g.sessions[n.Address]; s != nil && g.isAliveLocked(n.Address) {
			removed = append(removed, s)
		}
		return true
	})
	if len(config) == len(g.config) {
		return true
	}

	g.reconfigureLocked(config, removed)
	return true
}

func (c *Core) ForceNodes(set *nodes.NodeSet, groupHash uint32) bool {
	g := c.group
	g.lock.Lock()
	defer g.lock.Unlock()

	if c.exited || g.groupHash != groupHash || !set.Contains(c.member) {
		return false
	}

	config := slices.DeleteFunc(slices.Clone(g.config), func(n nodes.NodeInfo) bool {
		return !set.Contains(n.Member())
	})
	g.logger.Warn("configuration forced", zap.Stringers("members", nodes.MembersOf(config)))
	g.reconfigureLocked(config, nil)
	return true
}

func (c *Core) Propose(data []byte, groupHash uint32) bool {
	g := c.group
	g.lock.Lock()
	defer g.lock.Unlock()

	if !c.canCommandLocked(groupHash) {
		return false
	}

	origin := uint32(g.configIndexLocked(c.address))
	messageID := g.nextSynodLocked(origin)
	snapshot := g.snapshotLocked()
	payload := slices.Clone(data)

	for _, n := range g.config {
		if !g.isAliveLocked(n.Address) {
			continue
		}
		g.sessions[n.Address].sink.DeliverData(&consensus.Data{
			ConfigID:  g.configID,
			MessageID: messageID,
			Origin:    origin,
			Nodes:     snapshot.Clone(),
			Payload:   payload,
		})
	}
	return true
}

func (c *Core) MaxSeenSynod() nodes.Synod {
	g := c.group
	g.lock.Lock()
	defer g.lock.Unlock()
	return nodes.Synod{GroupID: g.groupHash, MsgNo: g.msgNo}
}

func (c *Core) LastRemoved() nodes.Synod {
	return c.group.lastRemoved()
}

// Exit detaches the session. If the node is still part of the configuration
// the rest of the group sees it as unreachable.
func (c *Core) Exit() {
	c.exitOnce.Do(func() {
		g := c.group
		g.lock.Lock()
		c.exited = true
		if g.sessions[c.address] == c {
			delete(g.sessions, c.address)
			if g.configIndexLocked(c.address) >= 0 {
				g.deliverGlobalViewLocked(nil)
			}
		}
		g.lock.Unlock()

		close(c.doneCh)
	})
}

func (c *Core) Done() <-chan struct{} {
	return c.doneCh
}
