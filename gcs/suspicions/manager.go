package suspicions

import (
	"context"
	"sync"
	"time"

	"github.com/couchbase/stellar-gcs/gcs/expel"
	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/couchbase/stellar-gcs/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const (
	DefaultNonMemberExpelTimeout = 5 * time.Second
	DefaultMemberExpelTimeout    = 5 * time.Second
	DefaultPeriod                = 15 * time.Second
)

// Remover is the part of the consensus core used to expel nodes.
type Remover interface {
	RemoveNodes(set *nodes.NodeSet, groupHash uint32) bool
}

// LogCache reports the oldest message the consensus core can no longer
// replay to a recovering member.
type LogCache interface {
	LastRemoved() (nodes.Synod, bool)
}

type Options struct {
	Logger       *zap.Logger
	Core         Remover
	Cache        LogCache
	Metrics      *metrics.GcsMetrics
	LocalAddress string
	GroupHash    uint32

	NonMemberExpelTimeout time.Duration
	MemberExpelTimeout    time.Duration
	Period                time.Duration

	// Now is the clock used to age suspicions.
	Now func() time.Time
}

// Suspicion is a node which the group currently considers unreachable.
type Suspicion struct {
	Node      nodes.NodeInfo
	IsMember  bool
	CreatedAt time.Time
	MaxSynod  nodes.Synod
}

// ViewDelta is what a delivered view says about reachability relative to the
// installed view.
type ViewDelta struct {
	ConfigID          nodes.Synod
	Nodes             *nodes.NodeSet
	Alive             []nodes.NodeInfo
	Left              []nodes.Member
	MemberSuspects    []nodes.NodeInfo
	NonMemberSuspects []nodes.NodeInfo
	IsKiller          bool
	MaxSynod          nodes.Synod
}

// Manager ages suspicions of unreachable nodes and expels them once they have
// been unreachable long enough, provided this node is in the majority.
type Manager struct {
	logger       *zap.Logger
	core         Remover
	cache        LogCache
	metrics      *metrics.GcsMetrics
	localAddress string
	groupHash    uint32
	now          func() time.Time

	lock             sync.Mutex
	suspicions       map[string]*Suspicion
	expels           expel.Ledger
	configID         nodes.Synod
	isKiller         bool
	hasMajority      bool
	nonMemberTimeout time.Duration
	memberTimeout    time.Duration
	period           time.Duration

	wakeCh chan struct{}
}

func NewManager(opts *Options) (*Manager, error) {
	if opts == nil {
		opts = &Options{}
	}

	m := &Manager{
		logger:           opts.Logger,
		core:             opts.Core,
		cache:            opts.Cache,
		metrics:          opts.Metrics,
		localAddress:     opts.LocalAddress,
		groupHash:        opts.GroupHash,
		now:              opts.Now,
		suspicions:       make(map[string]*Suspicion),
		nonMemberTimeout: opts.NonMemberExpelTimeout,
		memberTimeout:    opts.MemberExpelTimeout,
		period:           opts.Period,
		wakeCh:           make(chan struct{}, 1),
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.metrics == nil {
		m.metrics = metrics.GetGcsMetrics()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.nonMemberTimeout <= 0 {
		m.nonMemberTimeout = DefaultNonMemberExpelTimeout
	}
	if m.memberTimeout <= 0 {
		m.memberTimeout = DefaultMemberExpelTimeout
	}
	if m.period <= 0 {
		m.period = DefaultPeriod
	}

	return m, nil
}

// SetTimeouts changes the expel timeouts. Non-positive values are ignored.
func (m *Manager) SetTimeouts(nonMember, member time.Duration) {
	m.lock.Lock()
	if nonMember > 0 {
		m.nonMemberTimeout = nonMember
	}
	if member > 0 {
		m.memberTimeout = member
	}
	m.lock.Unlock()

	m.Wake()
}

func (m *Manager) SetPeriod(period time.Duration) {
	if period <= 0 {
		return
	}
	m.lock.Lock()
	m.period = period
	m.lock.Unlock()

	m.Wake()
}

func (m *Manager) HasMajority() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.hasMajority
}

// Suspicions returns a snapshot of the current suspicions ordered by address.
func (m *Manager) Suspicions() []Suspicion {
	m.lock.Lock()
	defer m.lock.Unlock()

	out := make([]Suspicion, 0, len(m.suspicions))
	for _, addr := range m.sortedAddressesLocked() {
		out = append(out, *m.suspicions[addr])
	}
	return out
}

func (m *Manager) ExpelRecords() []expel.Record {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.expels.Records()
}

// Clear forgets all state, used when this node leaves the group.
func (m *Manager) Clear() {
	m.lock.Lock()
	clear(m.suspicions)
	m.expels.Clear()
	m.hasMajority = false
	m.isKiller = false
	m.configID = nodes.Synod{}
	m.lock.Unlock()
}

func (m *Manager) sortedAddressesLocked() []string {
	addrs := make([]string, 0, len(m.suspicions))
	for addr := range m.suspicions {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)
	return addrs
}

// ProcessView folds the reachability of a delivered view into the suspicion
// table.
func (m *Manager) ProcessView(d *ViewDelta) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.configID = d.ConfigID
	m.isKiller = d.IsKiller

	if !m.expels.AllStillIn(d.Nodes) {
		gone := m.expels.Missing(d.Nodes)
		m.logger.Debug("expelled members left the configuration",
			zap.Stringer("configId", d.ConfigID),
			zap.Stringers("members", gone))
		m.expels.ForgetResolved(d.ConfigID, gone)
	}

	memberSuspects := nodes.MembersOf(d.MemberSuspects)
	nonMemberSuspects := nodes.MembersOf(d.NonMemberSuspects)
	suspects := len(memberSuspects) + len(nonMemberSuspects) +
		m.expels.CountNotAbout(memberSuspects, nonMemberSuspects)
	m.hasMajority = 2*suspects < d.Nodes.Size()

	for _, n := range d.Alive {
		m.removeSuspicionLocked(n.Address, "node is reachable again")
	}
	for _, l := range d.Left {
		m.removeSuspicionLocked(l.Address, "node left the group")
	}

	now := m.now()
	for _, n := range d.MemberSuspects {
		m.addSuspicionLocked(n, true, now, d.MaxSynod)
	}
	for _, n := range d.NonMemberSuspects {
		m.addSuspicionLocked(n, false, now, d.MaxSynod)
	}

	m.logger.Debug("processed view",
		zap.Stringer("configId", d.ConfigID),
		zap.Int("nodes", d.Nodes.Size()),
		zap.Int("suspicions", len(m.suspicions)),
		zap.Int("expelsInProgress", m.expels.Size()),
		zap.Bool("hasMajority", m.hasMajority),
		zap.Bool("isKiller", m.isKiller))
}

func (m *Manager) removeSuspicionLocked(address, reason string) {
	if _, ok := m.suspicions[address]; !ok {
		return
	}
	delete(m.suspicions, address)
	m.logger.Info("suspicion removed",
		zap.String("address", address),
		zap.String("reason", reason))
}

func (m *Manager) addSuspicionLocked(n nodes.NodeInfo, isMember bool, now time.Time, maxSynod nodes.Synod) {
	if _, ok := m.suspicions[n.Address]; ok {
		return
	}

	n.SuspicionCreated = now
	n.IsMember = isMember
	n.MaxSynod = maxSynod
	m.suspicions[n.Address] = &Suspicion{
		Node:      n,
		IsMember:  isMember,
		CreatedAt: now,
		MaxSynod:  maxSynod,
	}

	m.metrics.SuspicionsCreated.Add(context.Background(), 1)
	m.logger.Info("suspicion created",
		zap.String("address", n.Address),
		zap.String("uuid", n.UUID),
		zap.Bool("member", isMember))
}

// ProcessSuspicions expels every suspect which has been unreachable for
// longer than its timeout. Only the killer node expels others; any node which
// finds itself among the timed-out suspects removes itself. Nothing is
// expelled without a majority.
func (m *Manager) ProcessSuspicions() {
	m.lock.Lock()
	defer m.lock.Unlock()

	if len(m.suspicions) == 0 {
		return
	}

	now := m.now()
	lastRemoved, hasCache := nodes.Synod{}, false
	if m.cache != nil {
		lastRemoved, hasCache = m.cache.LastRemoved()
	}

	var timedOut []*Suspicion
	for _, addr := range m.sortedAddressesLocked() {
		s := m.suspicions[addr]

		timeout := m.nonMemberTimeout
		if s.IsMember {
			timeout = m.memberTimeout
		}

		if s.Node.HasTimedOut(now, timeout) {
			timedOut = append(timedOut, s)
			continue
		}

		if s.IsMember && hasCache && !s.Node.LostMessages && s.MaxSynod.Less(lastRemoved) {
			s.Node.LostMessages = true
			m.logger.Warn("suspected member has missed messages which can no longer be recovered",
				zap.String("address", addr),
				zap.Stringer("maxSynod", s.MaxSynod),
				zap.Stringer("lastRemoved", lastRemoved))
		}
	}

	if len(timedOut) == 0 {
		return
	}

	if !m.hasMajority {
		m.logger.Debug("suspicions timed out but this node is not in the majority",
			zap.Int("timedOut", len(timedOut)))
		return
	}

	if m.isKiller {
		m.expelLocked(timedOut)
		return
	}

	for _, s := range timedOut {
		if s.Node.Address == m.localAddress {
			m.expelLocked([]*Suspicion{s})
			return
		}
	}
}

func (m *Manager) expelLocked(batch []*Suspicion) {
	set := nodes.NewNodeSet()
	var members []nodes.Member
	for _, s := range batch {
		set.Add(s.Node)
		if s.IsMember {
			members = append(members, s.Node.Member())
		}
	}

	if m.core == nil || !m.core.RemoveNodes(set, m.groupHash) {
		m.logger.Debug("could not issue expel, will retry on the next scan",
			zap.Int("nodes", set.Size()))
		return
	}

	for _, s := range batch {
		delete(m.suspicions, s.Node.Address)
	}
	m.expels.Remember(m.configID, members)

	m.metrics.ExpelsIssued.Add(context.Background(), int64(set.Size()))
	m.logger.Info("expel issued",
		zap.Stringers("members", set.Members()),
		zap.Stringer("configId", m.configID))
}

// Wake triggers an immediate scan.
func (m *Manager) Wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// Run scans the suspicions periodically until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.lock.Lock()
	period := m.period
	m.lock.Unlock()

	timer := time.NewTimer(period)
	defer timer.Stop()

MainLoop:
	for {
		select {
		case <-ctx.Done():
			break MainLoop
		case <-timer.C:
		case <-m.wakeCh:
		}

		m.ProcessSuspicions()

		m.lock.Lock()
		period = m.period
		m.lock.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(period)
	}

	m.logger.Debug("suspicion manager stopped")
}
