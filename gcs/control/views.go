package control

import (
	"context"

	"github.com/couchbase/stellar-gcs/gcs/consensus"
	"github.com/couchbase/stellar-gcs/gcs/exchange"
	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/couchbase/stellar-gcs/gcs/suspicions"
	"github.com/couchbase/stellar-gcs/gcs/view"
	"go.uber.org/zap"
)

// reachability splits a node set against the installed members.
type reachability struct {
	alive             []nodes.NodeInfo
	failed            []nodes.NodeInfo
	joined            []nodes.Member
	left              []nodes.Member
	memberSuspects    []nodes.NodeInfo
	nonMemberSuspects []nodes.NodeInfo
}

func computeReachability(set *nodes.NodeSet, installed *view.View) *reachability {
	var current []nodes.Member
	if installed != nil {
		current = installed.Members
	}

	r := &reachability{}
	r.alive, r.failed = set.Partition()
	r.joined = nodes.Difference(nodes.MembersOf(r.alive), current)
	r.left = nodes.Difference(current, set.Members())

	for _, n := range r.failed {
		if nodes.ContainsMember(current, n.Member()) {
			r.memberSuspects = append(r.memberSuspects, n)
		} else {
			r.nonMemberSuspects = append(r.nonMemberSuspects, n)
		}
	}

	return r
}

func (r *reachability) delta(configID nodes.Synod, set *nodes.NodeSet, maxSynod nodes.Synod, local nodes.Member) *suspicions.ViewDelta {
	return &suspicions.ViewDelta{
		ConfigID:          configID,
		Nodes:             set,
		Alive:             r.alive,
		Left:              r.left,
		MemberSuspects:    r.memberSuspects,
		NonMemberSuspects: r.nonMemberSuspects,
		IsKiller:          IsKillerNode(r.alive, local),
		MaxSynod:          maxSynod,
	}
}

// activeSession returns the live session and a snapshot of the state needed
// to process a notification for it.
func (c *Coordinator) activeSession() (*session, nodes.NodeInfo, State, *view.View, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.session == nil || c.session.stopped {
		return nil, nodes.NodeInfo{}, c.state, nil, false
	}
	return c.session, c.local, c.state, c.installed, true
}

// HandleGlobalView processes an agreed configuration. Views in which any
// node is unreachable are never installed, but their reachability is still
// handed to the detector so the unreachable nodes can be expelled.
func (c *Coordinator) HandleGlobalView(n *consensus.GlobalView) bool {
	sess, local, state, installed, ok := c.activeSession()
	if !ok {
		c.logger.Debug("dropping global view without an active core",
			zap.Stringer("configId", n.ConfigID))
		return false
	}
	if n.ConfigID.GroupID != c.groupHash {
		c.logger.Warn("dropping global view for another group",
			zap.Stringer("configId", n.ConfigID))
		return false
	}

	r := computeReachability(n.Nodes, installed)
	c.detector.ProcessView(r.delta(n.ConfigID, n.Nodes, n.MaxSynod, local.Member()))

	if !n.Nodes.Contains(local.Member()) || nodes.ContainsMember(r.left, local.Member()) {
		if installed == nil && state == StateJoining {
			c.logger.Debug("ignoring global view which precedes our admission",
				zap.Stringer("configId", n.ConfigID))
			return true
		}

		c.installLeaveView(sess, leaveCodeFor(state))
		return true
	}

	changed := len(r.joined) > 0 || len(r.left) > 0
	if len(r.failed) > 0 || !changed {
		c.metrics.ViewsFiltered.Add(context.Background(), 1)
		c.logger.Debug("global view not installed",
			zap.Stringer("configId", n.ConfigID),
			zap.Bool("changed", changed),
			zap.Int("unreachable", len(r.failed)))
		return true
	}

	if c.exchange.InProgress() {
		c.exchange.Reset()
	}

	round := &exchange.Round{
		MessageID: n.MessageID,
		ConfigID:  n.ConfigID,
		Group:     c.group,
		Local:     local.Member(),
		Nodes:     n.Nodes,
		Members:   nodes.MembersOf(r.alive),
		Left:      r.left,
		Joined:    r.joined,
		Current:   installed,
	}

	c.lock.Lock()
	c.round = n.MessageID
	c.roundActive = true
	c.lock.Unlock()

	if err := c.exchange.Start(round); err != nil {
		c.logger.Warn("failed to start state exchange",
			zap.Stringer("round", n.MessageID),
			zap.Error(err))
	}

	return true
}

// HandleLocalView processes this node's own view of reachability.
func (c *Coordinator) HandleLocalView(n *consensus.LocalView) bool {
	_, local, _, installed, ok := c.activeSession()
	if !ok {
		return false
	}
	if installed == nil {
		return true
	}

	r := computeReachability(n.Nodes, installed)
	c.detector.ProcessView(r.delta(n.ConfigID, n.Nodes, n.MaxSynod, local.Member()))

	unreachable := nodes.Intersect(installed.Members, nodes.MembersOf(r.failed))

	c.lock.Lock()
	notify := len(unreachable) > 0 || len(c.lastUnreachable) > 0
	c.lastUnreachable = unreachable
	c.lock.Unlock()

	if notify {
		c.listener.OnSuspicions(installed.Members, unreachable)
	}
	return true
}

// HandleExchangeComplete installs the view of a finished state exchange.
// Completions of any round other than the latest one are ignored.
func (c *Coordinator) HandleExchangeComplete(res *exchange.Result) {
	c.lock.Lock()
	if c.session == nil || c.session.stopped || !c.roundActive || res.MessageID != c.round {
		c.lock.Unlock()
		c.logger.Debug("ignoring stale state exchange",
			zap.Stringer("round", res.MessageID))
		return
	}
	c.roundActive = false

	installed := c.installed
	local := c.local

	var id view.ViewID
	switch {
	case res.ViewID != nil:
		base := *res.ViewID
		if installed != nil && installed.ID.Compare(base) > 0 {
			base = installed.ID
		}
		id = base.Next()
	case installed != nil:
		id = installed.ID.Next()
	default:
		id = view.NewViewID()
	}

	v := &view.View{
		ID:      id,
		Group:   c.group,
		Members: res.Members,
		Left:    res.Left,
		Joined:  res.Joined,
		Error:   view.ErrorCodeOK,
	}
	if err := view.CheckDelta(installed, v); err != nil {
		c.logger.Error("installing inconsistent view", zap.Error(err))
	}

	c.installed = v
	c.current.Store(v)

	var joined *Waiter
	if c.state == StateJoining && v.HasMember(local.Member()) {
		c.state = StateMember
		c.busy = false
		joined = c.joinWaiter
		c.joinWaiter = nil
	}
	c.lock.Unlock()

	c.metrics.ViewsInstalled.Add(context.Background(), 1)
	c.logger.Info("view installed",
		zap.Stringer("viewId", v.ID),
		zap.Stringers("members", v.Members),
		zap.Stringers("joined", v.Joined),
		zap.Stringers("left", v.Left))

	c.listener.OnViewChanged(v, res.Payloads)
	joined.resolve(nil)
}

// installLeaveView installs the final view of a session, in which this node
// is no longer a member, and stops the core. It runs at most once per
// session.
func (c *Coordinator) installLeaveView(sess *session, code view.ErrorCode) {
	c.lock.Lock()
	if c.session != sess || sess.stopped {
		c.lock.Unlock()
		return
	}
	sess.stopped = true

	local := c.local.Member()
	var id view.ViewID
	var members []nodes.Member
	if c.installed != nil {
		id = c.installed.ID.Next()
		members = nodes.Difference(c.installed.Members, []nodes.Member{local})
	} else if published := c.current.Load(); published != nil {
		id = published.ID.Next()
	} else {
		id = view.NewViewID()
	}

	v := &view.View{
		ID:      id,
		Group:   c.group,
		Members: members,
		Left:    []nodes.Member{local},
		Error:   code,
	}
	c.installed = v
	c.current.Store(v)

	c.state = StateIdle
	c.busy = false
	c.roundActive = false
	c.lastUnreachable = nil
	joinWaiter, leaveWaiter := c.joinWaiter, c.leaveWaiter
	c.joinWaiter, c.leaveWaiter = nil, nil
	c.proxy.Swap(nil)
	c.lock.Unlock()

	c.exchange.Reset()
	c.detector.Clear()
	sess.core.Exit()

	c.metrics.ViewsInstalled.Add(context.Background(), 1)
	c.logger.Info("left group",
		zap.Stringer("viewId", v.ID),
		zap.Stringer("code", code))

	c.listener.OnViewChanged(v, nil)
	if code == view.ErrorCodeMemberExpelled {
		joinWaiter.resolve(ErrExpelled)
	} else {
		joinWaiter.resolve(ErrNotMember)
	}
	leaveWaiter.resolve(nil)
}
