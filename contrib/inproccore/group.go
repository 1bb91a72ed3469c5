/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package inproccore

import (
	"sync"

	"github.com/couchbase/stellar-gcs/gcs/consensus"
	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const DefaultEventHorizon = 10

type GroupOptions struct {
	Logger       *zap.Logger
	EventHorizon uint32

	// CacheSize is how many decided messages the group keeps for recovery.
	// Zero keeps everything.
	CacheSize uint64
}

// Group is a consensus core shared by several nodes in one process. Every
// command is decided under a single lock, which gives a total order of
// configurations and messages across all attached nodes.
type Group struct {
	logger       *zap.Logger
	eventHorizon uint32
	cacheSize    uint64

	lock        sync.Mutex
	groupHash   uint32
	msgNo       uint64
	configID    nodes.Synod
	config      []nodes.NodeInfo
	sessions    map[string]*Core
	unreachable map[string]bool
}

func NewGroup(opts GroupOptions) *Group {
	g := &Group{
		logger:       opts.Logger,
		eventHorizon: opts.EventHorizon,
		cacheSize:    opts.CacheSize,
		sessions:     make(map[string]*Core),
		unreachable:  make(map[string]bool),
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.eventHorizon == 0 {
		g.eventHorizon = DefaultEventHorizon
	}
	return g
}

// CoreFactory returns a factory creating sessions for the node at address.
func (g *Group) CoreFactory(address string) consensus.NewCoreFunc {
	return func(sink consensus.Sink) (consensus.Core, error) {
		return g.attach(address, sink), nil
	}
}

func (g *Group) attach(address string, sink consensus.Sink) *Core {
	c := &Core{
		group:   g,
		address: address,
		sink:    sink,
		doneCh:  make(chan struct{}),
	}

	g.lock.Lock()
	prev := g.sessions[address]
	g.sessions[address] = c
	g.lock.Unlock()

	if prev != nil {
		prev.Exit()
	}

	return c
}

// Members returns the current configuration.
func (g *Group) Members() []nodes.Member {
	g.lock.Lock()
	defer g.lock.Unlock()
	return nodes.MembersOf(g.config)
}

// SetReachable cuts a node off from the group or reconnects it. The rest of
// the group sees the change in a global view. A node which was removed while
// cut off learns of its removal once reconnected.
func (g *Group) SetReachable(address string, reachable bool) {
	g.lock.Lock()
	defer g.lock.Unlock()

	if reachable {
		delete(g.unreachable, address)
	} else {
		g.unreachable[address] = true
	}

	g.logger.Debug("reachability changed",
		zap.String("address", address),
		zap.Bool("reachable", reachable))

	var extra []*Core
	if reachable && g.configIndexLocked(address) < 0 {
		if s := g.sessions[address]; s != nil && s.member.Address != "" {
			extra = append(extra, s)
		}
	}

	g.deliverGlobalViewLocked(extra)
	g.deliverLocalViewsLocked()
}

func (g *Group) configIndexLocked(address string) int {
	return slices.IndexFunc(g.config, func(n nodes.NodeInfo) bool { return n.Address == address })
}

func (g *Group) isAliveLocked(address string) bool {
	if g.unreachable[address] {
		return false
	}
	s := g.sessions[address]
	return s != nil && !s.exited
}

func (g *Group) nextSynodLocked(node uint32) nodes.Synod {
	g.msgNo++
	return nodes.Synod{GroupID: g.groupHash, MsgNo: g.msgNo, Node: node}
}

func (g *Group) snapshotLocked() *nodes.NodeSet {
	set := nodes.NewNodeSet()
	for i, n := range g.config {
		n.Index = uint32(i)
		n.IsAlive = g.isAliveLocked(n.Address)
		set.Add(n)
	}
	return set
}

func (g *Group) reconfigureLocked(config []nodes.NodeInfo, extra []*Core) {
	g.config = config
	g.configID = g.nextSynodLocked(0)

	g.logger.Debug("configuration changed",
		zap.Stringer("configId", g.configID),
		zap.Stringers("members", nodes.MembersOf(config)))

	g.deliverGlobalViewLocked(extra)
}

// deliverGlobalViewLocked sends the current configuration to every reachable
// member, plus the given extra sessions.
func (g *Group) deliverGlobalViewLocked(extra []*Core) {
	if len(g.config) == 0 {
		return
	}

	messageID := g.nextSynodLocked(0)
	recipients := extra
	for _, n := range g.config {
		if !g.isAliveLocked(n.Address) {
			continue
		}
		recipients = append(recipients, g.sessions[n.Address])
	}

	for _, s := range recipients {
		s.sink.DeliverGlobalView(&consensus.GlobalView{
			ConfigID:     g.configID,
			MessageID:    messageID,
			Nodes:        g.snapshotLocked(),
			EventHorizon: g.eventHorizon,
			MaxSynod:     messageID,
		})
	}
}

// deliverLocalViewsLocked tells each attached member what it can reach.
// Reachable members see the shared reachability; a cut off member sees only
// itself.
func (g *Group) deliverLocalViewsLocked() {
	maxSynod := nodes.Synod{GroupID: g.groupHash, MsgNo: g.msgNo}
	for _, n := range g.config {
		s := g.sessions[n.Address]
		if s == nil || s.exited {
			continue
		}

		set := g.snapshotLocked()
		if g.unreachable[n.Address] {
			set = nodes.NewNodeSet()
			for _, o := range g.snapshotLocked().Nodes() {
				o.IsAlive = o.Address == n.Address
				set.Add(o)
			}
		}

		s.sink.DeliverLocalView(&consensus.LocalView{
			ConfigID: g.configID,
			Nodes:    set,
			MaxSynod: maxSynod,
		})
	}
}

func (g *Group) lastRemoved() nodes.Synod {
	g.lock.Lock()
	defer g.lock.Unlock()

	if g.cacheSize == 0 || g.msgNo <= g.cacheSize {
		return nodes.Synod{}
	}
	return nodes.Synod{GroupID: g.groupHash, MsgNo: g.msgNo - g.cacheSize}
}
