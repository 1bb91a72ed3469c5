/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package etcdcore

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-gcs/gcs/consensus"
	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const (
	DefaultLeasePeriod    = 5 * time.Second
	DefaultMessageTTL     = 60 * time.Second
	DefaultCommandTimeout = 5 * time.Second
	DefaultEventHorizon   = 10

	commandQueueSize = 256
)

var (
	ErrGroupMismatch  = errors.New("core is already bound to another group")
	ErrNotConfigured  = errors.New("local node is not part of the configuration")
	errConfigConflict = errors.New("configuration changed concurrently")
)

type Options struct {
	Logger     *zap.Logger
	EtcdClient *etcd.Client
	KeyPrefix  string
	Address    string

	// LeasePeriod bounds how long a crashed node stays alive to the group.
	LeasePeriod time.Duration

	// MessageTTL is how long proposed messages are retained for members
	// catching up after a watch was interrupted.
	MessageTTL     time.Duration
	CommandTimeout time.Duration
}

// NewCoreFactory returns a factory creating etcd backed sessions for the node
// at opts.Address.
func NewCoreFactory(opts Options) consensus.NewCoreFunc {
	return func(sink consensus.Sink) (consensus.Core, error) {
		return NewCore(opts, sink)
	}
}

// Core orders configurations and messages through etcd revisions. The
// configuration is a single key updated with compare-and-swap, liveness is a
// leased key per node and every message is a key of its own.
type Core struct {
	logger         *zap.Logger
	client         *etcd.Client
	keyPrefix      string
	address        string
	sink           consensus.Sink
	leasePeriod    time.Duration
	messageTTL     time.Duration
	commandTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	cmdCh  chan command

	lock      sync.Mutex
	started   bool
	groupHash uint32
	keys      keyspace
	leaseID   etcd.LeaseID
	member    nodes.Member
	config    []nodes.NodeInfo
	configRev int64
	alive     map[string]string
	rev       int64
	compacted int64
	delivered bool

	// owned by the command worker
	msgLease      etcd.LeaseID
	msgLeaseSince time.Time

	exitOnce sync.Once
	doneCh   chan struct{}
}

var _ consensus.Core = (*Core)(nil)
var _ consensus.LogCache = (*Core)(nil)

type command struct {
	name string
	fn   func(ctx context.Context) error
}

func NewCore(opts Options, sink consensus.Sink) (*Core, error) {
	if opts.EtcdClient == nil {
		return nil, errors.New("etcd client must be specified")
	}
	if opts.Address == "" {
		return nil, errors.New("local address must be specified")
	}

	leasePeriod := DefaultLeasePeriod
	if opts.LeasePeriod != 0 {
		// etcd refuses shorter leases
		if opts.LeasePeriod < 5*time.Second {
			return nil, errors.New("lease period must be at least 5 seconds")
		}
		leasePeriod = opts.LeasePeriod
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		logger:         opts.Logger,
		client:         opts.EtcdClient,
		keyPrefix:      opts.KeyPrefix,
		address:        opts.Address,
		sink:           sink,
		leasePeriod:    leasePeriod,
		messageTTL:     opts.MessageTTL,
		commandTimeout: opts.CommandTimeout,
		ctx:            ctx,
		cancel:         cancel,
		cmdCh:          make(chan command, commandQueueSize),
		alive:          make(map[string]string),
		doneCh:         make(chan struct{}),
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.messageTTL <= 0 {
		c.messageTTL = DefaultMessageTTL
	}
	if c.commandTimeout <= 0 {
		c.commandTimeout = DefaultCommandTimeout
	}

	return c, nil
}

// start binds the session to a group: it takes the liveness lease, loads the
// current configuration and begins watching the group's keys.
func (c *Core) startLocked(groupHash uint32) error {
	if c.started {
		if c.groupHash != groupHash {
			return ErrGroupMismatch
		}
		return nil
	}
	if c.ctx.Err() != nil {
		return c.ctx.Err()
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.commandTimeout)
	defer cancel()

	lease, err := c.client.Lease.Grant(ctx, int64(c.leasePeriod/time.Second))
	if err != nil {
		return errors.Wrap(err, "failed to grant liveness lease")
	}

	keepAliveCh, err := c.client.Lease.KeepAlive(c.ctx, lease.ID)
	if err != nil {
		return errors.Wrap(err, "failed to keep liveness lease alive")
	}

	keys := newKeyspace(c.keyPrefix, groupHash)
	resp, err := c.client.KV.Txn(ctx).Then(
		etcd.OpGet(keys.config()),
		etcd.OpGet(keys.alivePrefix(), etcd.WithPrefix()),
	).Commit()
	if err != nil {
		return errors.Wrap(err, "failed to load group state")
	}

	configKvs := resp.Responses[0].GetResponseRange().Kvs
	if len(configKvs) > 0 {
		c.config, err = decodeConfig(configKvs[0].Value)
		if err != nil {
			return errors.Wrap(err, "failed to parse group configuration")
		}
		c.configRev = configKvs[0].ModRevision
	}
	for _, kv := range resp.Responses[1].GetResponseRange().Kvs {
		c.alive[string(kv.Key[len(keys.alivePrefix()):])] = string(kv.Value)
	}

	c.started = true
	c.groupHash = groupHash
	c.keys = keys
	c.leaseID = lease.ID
	c.rev = resp.Header.Revision

	c.wg.Add(3)
	go c.keepAliveLoop(keepAliveCh)
	go c.watchLoop()
	go c.commandLoop()

	c.logger.Debug("session started",
		zap.String("keys", keys.root),
		zap.Int64("revision", c.rev))

	return nil
}

func (c *Core) keepAliveLoop(keepAliveCh <-chan *etcd.LeaseKeepAliveResponse) {
	defer c.wg.Done()

	for range keepAliveCh {
	}

	if c.ctx.Err() == nil {
		c.logger.Warn("liveness lease lost, the group will see this node as unreachable")
	}
}

func (c *Core) commandLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case cmd := <-c.cmdCh:
			ctx, cancel := context.WithTimeout(c.ctx, c.commandTimeout)
			err := cmd.fn(ctx)
			cancel()
			if err != nil && c.ctx.Err() == nil {
				c.logger.Warn("command failed", zap.String("command", cmd.name), zap.Error(err))
			}
		}
	}
}

func (c *Core) enqueue(name string, fn func(ctx context.Context) error) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	select {
	case c.cmdCh <- command{name: name, fn: fn}:
		return true
	default:
		c.logger.Warn("command queue full", zap.String("command", name))
		return false
	}
}

func (c *Core) configIndexLocked(address string) int {
	return slices.IndexFunc(c.config, func(n nodes.NodeInfo) bool { return n.Address == address })
}

func (c *Core) isAliveLocked(n nodes.NodeInfo) bool {
	return c.alive[n.Address] == n.UUID
}

func (c *Core) isConfiguredLocked() bool {
	idx := c.configIndexLocked(c.address)
	return idx >= 0 && c.config[idx].Member() == c.member
}

func (c *Core) Boot(set *nodes.NodeSet, groupHash uint32) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	local, ok := set.Get(c.address)
	if !ok {
		return false
	}

	err := c.startLocked(groupHash)
	if err != nil {
		c.logger.Warn("failed to start session", zap.Error(err))
		return false
	}

	config := set.Nodes()
	value, err := encodeConfig(config)
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.commandTimeout)
	defer cancel()

	c.member = local.Member()
	resp, err := c.client.KV.Txn(ctx).
		If(etcd.Compare(etcd.CreateRevision(c.keys.config()), "=", 0)).
		Then(
			etcd.OpPut(c.keys.config(), value),
			etcd.OpPut(c.keys.alive(c.address), local.UUID, etcd.WithLease(c.leaseID)),
		).Commit()
	if err != nil {
		c.logger.Warn("failed to boot group", zap.Error(err))
		return false
	}
	if !resp.Succeeded {
		c.logger.Info("group already exists, not booting")
		return false
	}

	c.logger.Info("group booted", zap.Stringer("member", c.member))
	return true
}

func (c *Core) AddNode(ctx context.Context, peer string, node nodes.NodeInfo, groupHash uint32) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if node.Address != c.address {
		return false
	}

	err := c.startLocked(groupHash)
	if err != nil {
		c.logger.Warn("failed to start session", zap.Error(err))
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()

	c.member = node.Member()
	err = c.updateConfig(ctx, func(config []nodes.NodeInfo, alive map[string]string) ([]nodes.NodeInfo, error) {
		peerIdx := slices.IndexFunc(config, func(n nodes.NodeInfo) bool { return n.Address == peer })
		if peerIdx < 0 || alive[peer] != config[peerIdx].UUID {
			return nil, errors.Errorf("peer %s is not an alive member", peer)
		}
		if slices.ContainsFunc(config, func(n nodes.NodeInfo) bool { return n.Address == node.Address }) {
			return nil, errors.New("a previous incarnation is still configured")
		}
		return append(config, node), nil
	}, etcd.OpPut(c.keys.alive(c.address), node.UUID, etcd.WithLease(c.leaseID)))
	if err != nil {
		c.logger.Debug("add node refused", zap.String("peer", peer), zap.Error(err))
		return false
	}

	c.logger.Info("node added", zap.Stringer("member", c.member), zap.String("peer", peer))
	return true
}

// updateConfig applies mutate to the stored configuration with
// compare-and-swap, retrying on concurrent changes. An empty result deletes
// the configuration so the group can be booted again.
func (c *Core) updateConfig(
	ctx context.Context,
	mutate func(config []nodes.NodeInfo, alive map[string]string) ([]nodes.NodeInfo, error),
	extra ...etcd.Op,
) error {
	keys := c.keys

	return backoff.Retry(func() error {
		resp, err := c.client.KV.Txn(ctx).Then(
			etcd.OpGet(keys.config()),
			etcd.OpGet(keys.alivePrefix(), etcd.WithPrefix()),
		).Commit()
		if err != nil {
			return err
		}

		configKvs := resp.Responses[0].GetResponseRange().Kvs
		if len(configKvs) == 0 {
			return backoff.Permanent(errors.New("group does not exist"))
		}
		config, err := decodeConfig(configKvs[0].Value)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "failed to parse group configuration"))
		}
		alive := make(map[string]string)
		for _, kv := range resp.Responses[1].GetResponseRange().Kvs {
			alive[string(kv.Key[len(keys.alivePrefix()):])] = string(kv.Value)
		}

		next, err := mutate(config, alive)
		if err != nil {
			return backoff.Permanent(err)
		}

		ops := slices.Clone(extra)
		if len(next) == 0 {
			ops = append(ops, etcd.OpDelete(keys.config()))
		} else {
			value, err := encodeConfig(next)
			if err != nil {
				return backoff.Permanent(err)
			}
			ops = append(ops, etcd.OpPut(keys.config(), value))
		}

		txn, err := c.client.KV.Txn(ctx).
			If(etcd.Compare(etcd.ModRevision(keys.config()), "=", configKvs[0].ModRevision)).
			Then(ops...).
			Commit()
		if err != nil {
			return err
		}
		if !txn.Succeeded {
			return errConfigConflict
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx))
}

// commandReady reports whether the session may issue group commands.
func (c *Core) commandReady(groupHash uint32) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.started && c.groupHash == groupHash && c.member.Address != ""
}

func (c *Core) RemoveNodes(set *nodes.NodeSet, groupHash uint32) bool {
	if !c.commandReady(groupHash) {
		return false
	}

	c.lock.Lock()
	self := c.member
	c.lock.Unlock()

	return c.enqueue("remove-nodes", func(ctx context.Context) error {
		return c.updateConfig(ctx, func(config []nodes.NodeInfo, alive map[string]string) ([]nodes.NodeInfo, error) {
			if !slices.ContainsFunc(config, func(n nodes.NodeInfo) bool { return n.Member() == self }) {
				return nil, ErrNotConfigured
			}
			return slices.DeleteFunc(config, func(n nodes.NodeInfo) bool {
				return set.Contains(n.Member())
			}), nil
		})
	})
}

func (c *Core) ForceNodes(set *nodes.NodeSet, groupHash uint32) bool {
	if !c.commandReady(groupHash) {
		return false
	}

	c.lock.Lock()
	self := c.member
	c.lock.Unlock()

	if !set.Contains(self) {
		return false
	}

	return c.enqueue("force-nodes", func(ctx context.Context) error {
		err := c.updateConfig(ctx, func(config []nodes.NodeInfo, alive map[string]string) ([]nodes.NodeInfo, error) {
			return slices.DeleteFunc(config, func(n nodes.NodeInfo) bool {
				return !set.Contains(n.Member())
			}), nil
		})
		if err == nil {
			c.logger.Warn("configuration forced", zap.Stringers("members", set.Members()))
		}
		return err
	})
}

func (c *Core) Propose(data []byte, groupHash uint32) bool {
	if !c.commandReady(groupHash) {
		return false
	}

	c.lock.Lock()
	self := c.member
	keys := c.keys
	c.lock.Unlock()

	value, err := encodeMessage(self, data)
	if err != nil {
		return false
	}

	return c.enqueue("propose", func(ctx context.Context) error {
		leaseID, err := c.messageLease(ctx)
		if err != nil {
			return err
		}

		_, err = c.client.KV.Put(ctx, keys.msg(uuid.NewString()), value, etcd.WithLease(leaseID))
		return err
	})
}

// messageLease returns a lease for new messages. Leases are shared between
// the messages proposed within half a TTL of each other.
func (c *Core) messageLease(ctx context.Context) (etcd.LeaseID, error) {
	if c.msgLease != 0 && time.Since(c.msgLeaseSince) < c.messageTTL/2 {
		return c.msgLease, nil
	}

	lease, err := c.client.Lease.Grant(ctx, int64(c.messageTTL/time.Second))
	if err != nil {
		return 0, errors.Wrap(err, "failed to grant message lease")
	}

	c.msgLease = lease.ID
	c.msgLeaseSince = time.Now()
	return lease.ID, nil
}

func (c *Core) MaxSeenSynod() nodes.Synod {
	c.lock.Lock()
	defer c.lock.Unlock()
	return nodes.Synod{GroupID: c.groupHash, MsgNo: uint64(c.rev)}
}

// LastRemoved is the newest revision lost to compaction while watching.
func (c *Core) LastRemoved() nodes.Synod {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.compacted == 0 {
		return nodes.Synod{}
	}
	return nodes.Synod{GroupID: c.groupHash, MsgNo: uint64(c.compacted)}
}

// Exit stops the session and revokes its liveness lease, which the rest of
// the group observes as this node becoming unreachable.
func (c *Core) Exit() {
	c.exitOnce.Do(func() {
		c.cancel()
		c.wg.Wait()

		c.lock.Lock()
		leaseID := c.leaseID
		c.lock.Unlock()

		if leaseID != 0 {
			ctx, cancel := context.WithTimeout(context.Background(), c.commandTimeout)
			_, err := c.client.Lease.Revoke(ctx, leaseID)
			cancel()
			if err != nil {
				c.logger.Debug("failed to revoke liveness lease", zap.Error(err))
			}
		}

		close(c.doneCh)
	})
}

func (c *Core) Done() <-chan struct{} {
	return c.doneCh
}
