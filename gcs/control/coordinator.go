package control

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-gcs/gcs/consensus"
	"github.com/couchbase/stellar-gcs/gcs/exchange"
	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/couchbase/stellar-gcs/gcs/suspicions"
	"github.com/couchbase/stellar-gcs/gcs/view"
	"github.com/couchbase/stellar-gcs/pkg/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultJoinAttempts = 3
	DefaultLeaveTimeout = 10 * time.Second
)

// Listener is told about installed views and about members this node can no
// longer reach. Callbacks run on the engine goroutine and must not block.
type Listener interface {
	OnViewChanged(v *view.View, payloads map[nodes.Member][]byte)
	OnSuspicions(members []nodes.Member, unreachable []nodes.Member)
}

// Enqueuer runs tasks on the engine goroutine.
type Enqueuer interface {
	Enqueue(task func()) error
}

// Detector receives the reachability deltas of every delivered view.
type Detector interface {
	ProcessView(d *suspicions.ViewDelta)
	Clear()
}

type Options struct {
	Logger       *zap.Logger
	Group        string
	LocalAddress string
	Metrics      *metrics.GcsMetrics

	// Core is pointed at the live consensus core of each join. NewCore
	// creates that core delivering to Sink.
	Core    *consensus.Proxy
	NewCore consensus.NewCoreFunc
	Sink    consensus.Sink

	Engine   Enqueuer
	Exchange exchange.Exchange
	Detector Detector
	Listener Listener

	JoinAttempts int
	JoinBackoff  func() backoff.BackOff
	LeaveTimeout time.Duration
}

type JoinOptions struct {
	// Bootstrap forms a new group with this node as its only member.
	Bootstrap bool
	Peers     []string
}

// session is the lifetime of one consensus core, from join to leave.
type session struct {
	core    consensus.Core
	stopped bool
}

// Coordinator turns the global views of the consensus core into installed
// views, runs the state exchange in between and drives join and leave.
type Coordinator struct {
	logger       *zap.Logger
	group        string
	groupHash    uint32
	localAddress string
	metrics      *metrics.GcsMetrics
	proxy        *consensus.Proxy
	newCore      consensus.NewCoreFunc
	sink         consensus.Sink
	engine       Enqueuer
	exchange     exchange.Exchange
	detector     Detector
	listener     Listener
	joinAttempts int
	joinBackoff  func() backoff.BackOff
	leaveTimeout time.Duration

	current atomic.Pointer[view.View]

	lock            sync.Mutex
	ctx             context.Context
	started         bool
	state           State
	busy            bool
	local           nodes.NodeInfo
	session         *session
	installed       *view.View
	round           nodes.Synod
	roundActive     bool
	joinWaiter      *Waiter
	leaveWaiter     *Waiter
	lastUnreachable []nodes.Member
}

func NewCoordinator(opts *Options) (*Coordinator, error) {
	if opts == nil {
		return nil, errors.New("coordinator options must be specified")
	}
	if opts.Group == "" {
		return nil, errors.New("a group name must be specified")
	}
	if opts.LocalAddress == "" {
		return nil, errors.New("a local address must be specified")
	}
	if opts.NewCore == nil || opts.Sink == nil || opts.Engine == nil {
		return nil, errors.New("a core factory, sink and engine must be specified")
	}
	if opts.Exchange == nil || opts.Detector == nil {
		return nil, errors.New("an exchange and a detector must be specified")
	}

	c := &Coordinator{
		logger:       opts.Logger,
		group:        opts.Group,
		groupHash:    consensus.GroupHash(opts.Group),
		localAddress: opts.LocalAddress,
		metrics:      opts.Metrics,
		proxy:        opts.Core,
		newCore:      opts.NewCore,
		sink:         opts.Sink,
		engine:       opts.Engine,
		exchange:     opts.Exchange,
		detector:     opts.Detector,
		listener:     opts.Listener,
		joinAttempts: opts.JoinAttempts,
		joinBackoff:  opts.JoinBackoff,
		leaveTimeout: opts.LeaveTimeout,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.metrics == nil {
		c.metrics = metrics.GetGcsMetrics()
	}
	if c.proxy == nil {
		c.proxy = &consensus.Proxy{}
	}
	if c.listener == nil {
		c.listener = nopListener{}
	}
	if c.joinAttempts <= 0 {
		c.joinAttempts = DefaultJoinAttempts
	}
	if c.joinBackoff == nil {
		c.joinBackoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	if c.leaveTimeout <= 0 {
		c.leaveTimeout = DefaultLeaveTimeout
	}

	return c, nil
}

type nopListener struct{}

func (nopListener) OnViewChanged(*view.View, map[nodes.Member][]byte) {}
func (nopListener) OnSuspicions([]nodes.Member, []nodes.Member)        {}

// Start allows joins. The context bounds the lifetime of every join.
func (c *Coordinator) Start(ctx context.Context) {
	c.lock.Lock()
	c.ctx = ctx
	c.started = true
	c.lock.Unlock()
}

// Stop refuses further joins and stops the live core, if any.
func (c *Coordinator) Stop() {
	c.lock.Lock()
	c.started = false
	sess := c.session
	c.lock.Unlock()

	if sess != nil {
		sess.core.Exit()
	}
}

func (c *Coordinator) GroupHash() uint32 {
	return c.groupHash
}

// CurrentView returns the last installed view, or nil before the first one.
func (c *Coordinator) CurrentView() *view.View {
	return c.current.Load()
}

func (c *Coordinator) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// LocalMember is the identity of the current incarnation of this node.
func (c *Coordinator) LocalMember() nodes.Member {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.local.Member()
}

// Join starts joining the group. The returned waiter completes once the first
// view containing this node is installed.
func (c *Coordinator) Join(opts JoinOptions) (*Waiter, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.started {
		return nil, ErrNotInitialized
	}
	if c.busy {
		return nil, ErrAlreadyJoining
	}
	if c.state == StateMember {
		return nil, ErrAlreadyMember
	}

	var peers []string
	for _, peer := range opts.Peers {
		if peer != c.localAddress {
			peers = append(peers, peer)
		}
	}
	if !opts.Bootstrap && len(peers) == 0 {
		return nil, ErrNoPeers
	}

	core, err := c.newCore(c.sink)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create consensus core")
	}

	sess := &session{core: core}
	local := nodes.NewIncarnation(c.localAddress)
	w := newWaiter()

	err = c.engine.Enqueue(func() {
		c.runJoin(sess, local, peers, opts.Bootstrap)
	})
	if err != nil {
		core.Exit()
		return nil, ErrNotInitialized
	}

	c.session = sess
	c.proxy.Swap(core)
	c.local = local
	c.installed = nil
	c.roundActive = false
	c.lastUnreachable = nil
	c.state = StateJoining
	c.busy = true
	c.joinWaiter = w

	go c.watchSession(sess)

	c.logger.Info("joining group",
		zap.String("group", c.group),
		zap.Stringer("member", local.Member()),
		zap.Bool("bootstrap", opts.Bootstrap),
		zap.Strings("peers", peers))

	return w, nil
}

func (c *Coordinator) runJoin(sess *session, local nodes.NodeInfo, peers []string, bootstrap bool) {
	var ok bool
	if bootstrap {
		ok = sess.core.Boot(nodes.NewNodeSet(local), c.groupHash)
	} else {
		ok = c.addSelf(sess, local, peers)
	}

	if ok {
		c.logger.Debug("join request accepted, waiting for first view")
		return
	}

	c.logger.Warn("failed to join group", zap.String("group", c.group))
	c.failJoin(sess, ErrJoinFailed)
}

func (c *Coordinator) addSelf(sess *session, local nodes.NodeInfo, peers []string) bool {
	c.lock.Lock()
	ctx := c.ctx
	c.lock.Unlock()

	bo := backoff.WithContext(
		backoff.WithMaxRetries(c.joinBackoff(), uint64(c.joinAttempts-1)),
		ctx)

	err := backoff.Retry(func() error {
		for _, peer := range peers {
			if sess.core.AddNode(ctx, peer, local, c.groupHash) {
				c.logger.Info("join request accepted by peer", zap.String("peer", peer))
				return nil
			}
			c.logger.Debug("peer did not accept join request", zap.String("peer", peer))
		}
		return ErrJoinFailed
	}, bo)

	return err == nil
}

func (c *Coordinator) failJoin(sess *session, err error) {
	c.lock.Lock()
	if c.session != sess || sess.stopped {
		c.lock.Unlock()
		return
	}
	sess.stopped = true
	c.state = StateIdle
	c.busy = false
	w := c.joinWaiter
	c.joinWaiter = nil
	c.proxy.Swap(nil)
	c.lock.Unlock()

	sess.core.Exit()
	w.resolve(err)
}

// Leave asks the group to remove this node. The returned waiter completes
// once the leave view is installed.
func (c *Coordinator) Leave() (*Waiter, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.started {
		return nil, ErrNotInitialized
	}
	if c.busy {
		return nil, ErrAlreadyJoining
	}
	if c.state != StateMember {
		return nil, ErrNotMember
	}

	sess := c.session
	local := c.local
	w := newWaiter()

	err := c.engine.Enqueue(func() {
		c.runLeave(sess, local)
	})
	if err != nil {
		return nil, ErrNotInitialized
	}

	c.state = StateLeaving
	c.busy = true
	c.leaveWaiter = w

	c.logger.Info("leaving group", zap.String("group", c.group))

	return w, nil
}

func (c *Coordinator) runLeave(sess *session, local nodes.NodeInfo) {
	if !sess.core.RemoveNodes(nodes.NewNodeSet(local), c.groupHash) {
		c.logger.Warn("could not request removal from the group, stopping core")
		sess.core.Exit()
		return
	}

	go func() {
		select {
		case <-sess.core.Done():
		case <-time.After(c.leaveTimeout):
			c.logger.Warn("timed out waiting to be removed from the group, stopping core",
				zap.Duration("timeout", c.leaveTimeout))
			sess.core.Exit()
		}
	}()
}

func (c *Coordinator) watchSession(sess *session) {
	<-sess.core.Done()

	err := c.engine.Enqueue(func() {
		c.handleCoreStopped(sess)
	})
	if err != nil {
		c.logger.Debug("core stopped after the engine", zap.Error(err))
	}
}

func (c *Coordinator) handleCoreStopped(sess *session) {
	c.lock.Lock()
	if c.session != sess || sess.stopped {
		c.lock.Unlock()
		return
	}
	state := c.state
	hasView := c.installed != nil
	c.lock.Unlock()

	if state == StateJoining && !hasView {
		c.failJoin(sess, ErrJoinFailed)
		return
	}

	c.logger.Info("consensus core stopped")
	c.installLeaveView(sess, leaveCodeFor(state))
}

func leaveCodeFor(state State) view.ErrorCode {
	if state == StateLeaving {
		return view.ErrorCodeOK
	}
	return view.ErrorCodeMemberExpelled
}
