package protocol

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/couchbase/stellar-gcs/pkg/metrics"
	"go.uber.org/zap"
)

// OutgoingVersionSetter is the part of the packet pipeline the changer drives.
type OutgoingVersionSetter interface {
	SetOutgoingVersion(v Version)
	OutgoingVersion() Version
}

// Packet is the view of a received packet needed for accounting.
type Packet interface {
	Kind() CargoKind
	OriginIndex() uint32
}

type ChangerOptions struct {
	Logger       *zap.Logger
	Pipeline     OutgoingVersionSetter
	LocalAddress string
	Metrics      *metrics.GcsMetrics

	// MaxSupported is the highest version every member can speak. Defaults
	// to the highest version this build supports.
	MaxSupported Version
}

// Changer moves the group from one protocol version to another. While a
// change is in progress new sends are held back, and the change commits once
// every packet this node sent under the old version has been delivered back
// to it.
type Changer struct {
	logger       *zap.Logger
	pipeline     OutgoingVersionSetter
	localAddress string
	metrics      *metrics.GcsMetrics

	lock      TaggedLock
	inTransit atomic.Int64

	tentative    atomic.Uint32
	active       atomic.Uint32
	maxSupported atomic.Uint32

	changeLock sync.Mutex
	held       Tag
	target     Version
	done       chan struct{}
}

func NewChanger(opts *ChangerOptions) (*Changer, error) {
	if opts == nil {
		opts = &ChangerOptions{}
	}

	c := &Changer{
		logger:       opts.Logger,
		pipeline:     opts.Pipeline,
		localAddress: opts.LocalAddress,
		metrics:      opts.Metrics,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.metrics == nil {
		c.metrics = metrics.GetGcsMetrics()
	}

	current := VersionHighest
	if c.pipeline != nil && c.pipeline.OutgoingVersion().Valid() {
		current = c.pipeline.OutgoingVersion()
	}
	c.active.Store(uint32(current))
	c.tentative.Store(uint32(current))

	maxSupported := opts.MaxSupported
	if !maxSupported.Valid() {
		maxSupported = VersionHighest
	}
	c.maxSupported.Store(uint32(maxSupported))

	return c, nil
}

func (c *Changer) IsChangeInProgress() bool {
	return c.lock.IsLocked()
}

// ActiveVersion is the last committed protocol version.
func (c *Changer) ActiveVersion() Version {
	return Version(c.active.Load())
}

// TentativeVersion is the version outgoing packets are encoded with. It only
// differs from the active version while a change is in progress.
func (c *Changer) TentativeVersion() Version {
	return Version(c.tentative.Load())
}

func (c *Changer) MaxSupportedVersion() Version {
	return Version(c.maxSupported.Load())
}

// SetMaxSupportedVersion records the highest version every member of the
// current view supports.
func (c *Changer) SetMaxSupportedVersion(v Version) {
	if !v.Valid() {
		return
	}
	c.maxSupported.Store(uint32(v))
}

func (c *Changer) InTransit() int64 {
	return c.inTransit.Load()
}

// SetVersion starts a change to the given version. The returned channel is
// closed once the change has committed.
func (c *Changer) SetVersion(v Version) (<-chan struct{}, error) {
	if c.IsChangeInProgress() {
		return nil, ErrChangeInProgress
	}
	if !v.Valid() || v > c.MaxSupportedVersion() {
		return nil, ErrVersionUnsupported
	}

	c.changeLock.Lock()
	held, ok := c.lock.TryLock()
	if !ok {
		c.changeLock.Unlock()
		return nil, ErrChangeInProgress
	}
	done := make(chan struct{})
	c.held = held
	c.target = v
	c.done = done
	// commit waits on changeLock, so the switch is visible before it can run.
	c.tentative.Store(uint32(v))
	if c.pipeline != nil {
		c.pipeline.SetOutgoingVersion(v)
	}
	c.changeLock.Unlock()

	c.logger.Info("protocol version change started",
		zap.Stringer("from", c.ActiveVersion()),
		zap.Stringer("to", v),
		zap.Int64("inTransit", c.inTransit.Load()))

	if c.inTransit.Load() == 0 {
		c.commit()
	}

	return done, nil
}

// WaitForChange blocks until no change is in progress.
func (c *Changer) WaitForChange(ctx context.Context) error {
	c.changeLock.Lock()
	done := c.done
	locked := c.lock.IsLocked()
	c.changeLock.Unlock()

	if !locked || done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AccountSend counts one outgoing packet of the given kind. It fails if a
// change is in progress, in which case the caller must wait for the change to
// finish and try again.
func (c *Changer) AccountSend(cargo CargoKind) (Tag, bool) {
	if !cargo.Accounted() {
		return Tag{}, true
	}

	tag := c.lock.OptimisticRead()
	c.inTransit.Add(1)
	c.metrics.PacketsInTransit.Add(context.Background(), 1)

	if c.lock.Validate(tag) {
		return tag, true
	}

	c.release(1)
	return tag, false
}

// AccountSplit counts the extra packets a message was fragmented into after
// its send was already accounted.
func (c *Changer) AccountSplit(cargo CargoKind, extra int) {
	if !cargo.Accounted() || extra <= 0 {
		return
	}
	c.inTransit.Add(int64(extra))
	c.metrics.PacketsInTransit.Add(context.Background(), int64(extra))
}

// AccountFailedSend undoes the accounting of packets that never reached the
// consensus core.
func (c *Changer) AccountFailedSend(cargo CargoKind, count int) {
	if !cargo.Accounted() || count <= 0 {
		return
	}
	c.release(int64(count))
}

// AccountReceive marks one delivered packet as no longer in transit if this
// node sent it. The origin is resolved against the node set the packet was
// delivered with.
func (c *Changer) AccountReceive(p Packet, set *nodes.NodeSet) {
	if !p.Kind().Accounted() {
		return
	}

	origin, ok := set.GetByIndex(p.OriginIndex())
	if !ok {
		fields := []zap.Field{
			zap.Uint32("origin", p.OriginIndex()),
			zap.Stringer("cargo", p.Kind()),
		}
		if c.IsChangeInProgress() {
			c.logger.Warn("could not resolve packet origin during protocol change, change may stall", fields...)
		} else {
			c.logger.Warn("could not resolve packet origin", fields...)
		}
		return
	}

	if origin.Address != c.localAddress {
		return
	}

	c.release(1)
}

func (c *Changer) release(count int64) {
	remaining := c.inTransit.Add(-count)
	c.metrics.PacketsInTransit.Add(context.Background(), -count)

	if remaining < 0 {
		c.logger.Warn("in-transit packet count dropped below zero",
			zap.Int64("remaining", remaining))
		c.inTransit.CompareAndSwap(remaining, 0)
		remaining = 0
	}

	if remaining == 0 && c.IsChangeInProgress() {
		c.commit()
	}
}

// commit finishes the pending change. Only the caller which releases the
// held lock completes it.
func (c *Changer) commit() {
	c.changeLock.Lock()
	if !c.lock.Unlock(c.held) {
		c.changeLock.Unlock()
		return
	}

	from := c.ActiveVersion()
	to := c.target
	done := c.done
	c.held = Tag{}
	c.active.Store(uint32(to))
	c.tentative.Store(uint32(to))
	c.changeLock.Unlock()
	close(done)

	c.metrics.ProtocolChanges.Add(context.Background(), 1)
	c.logger.Info("protocol version change committed",
		zap.Stringer("from", from),
		zap.Stringer("to", to))
}
