package comms

import (
	"context"
	"errors"

	"github.com/couchbase/stellar-gcs/gcs/consensus"
	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/couchbase/stellar-gcs/gcs/pipeline"
	"github.com/couchbase/stellar-gcs/gcs/protocol"
	"go.uber.org/zap"
)

var ErrCoreUnavailable = errors.New("consensus core is not accepting messages")

// Proposer is the part of the consensus core used to broadcast.
type Proposer interface {
	Propose(data []byte, groupHash uint32) bool
}

type Options struct {
	Logger    *zap.Logger
	Core      Proposer
	Pipeline  *pipeline.Pipeline
	Changer   *protocol.Changer
	GroupHash uint32
}

// Communication sends messages through the packet pipeline and the consensus
// core, and dispatches delivered messages by cargo.
type Communication struct {
	logger    *zap.Logger
	core      Proposer
	pipeline  *pipeline.Pipeline
	changer   *protocol.Changer
	groupHash uint32

	reassembler *pipeline.Reassembler

	onStateExchange func(origin nodes.NodeInfo, payload []byte)
	onMessage       func(origin nodes.Member, payload []byte)
}

func New(opts *Options) (*Communication, error) {
	if opts == nil || opts.Core == nil || opts.Pipeline == nil || opts.Changer == nil {
		return nil, errors.New("core, pipeline and changer must be specified")
	}

	c := &Communication{
		logger:      opts.Logger,
		core:        opts.Core,
		pipeline:    opts.Pipeline,
		changer:     opts.Changer,
		groupHash:   opts.GroupHash,
		reassembler: pipeline.NewReassembler(),
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	return c, nil
}

// SetHandlers registers the receivers of delivered messages. It must be
// called before any message is delivered.
func (c *Communication) SetHandlers(
	onStateExchange func(origin nodes.NodeInfo, payload []byte),
	onMessage func(origin nodes.Member, payload []byte),
) {
	c.onStateExchange = onStateExchange
	c.onMessage = onMessage
}

// Send broadcasts a message. Sends other than state exchange wait while a
// protocol version change is in progress.
func (c *Communication) Send(ctx context.Context, cargo protocol.CargoKind, payload []byte) error {
	for {
		if _, ok := c.changer.AccountSend(cargo); ok {
			break
		}
		if err := c.changer.WaitForChange(ctx); err != nil {
			return err
		}
	}

	packets, err := c.pipeline.Encode(cargo, payload)
	if err != nil {
		c.changer.AccountFailedSend(cargo, 1)
		return err
	}
	c.changer.AccountSplit(cargo, len(packets)-1)

	for i, pkt := range packets {
		if !c.core.Propose(pkt, c.groupHash) {
			c.changer.AccountFailedSend(cargo, len(packets)-i)
			return ErrCoreUnavailable
		}
	}

	return nil
}

// HandleData processes a message delivered by the consensus core. It runs on
// the engine goroutine.
func (c *Communication) HandleData(n *consensus.Data) bool {
	pkt, err := pipeline.Decode(n.Payload, n.Origin)
	if err != nil {
		c.logger.Warn("dropping undecodable packet",
			zap.Uint32("origin", n.Origin),
			zap.Error(err))
		return false
	}

	c.changer.AccountReceive(pkt, n.Nodes)

	origin, ok := n.Nodes.GetByIndex(n.Origin)
	if !ok {
		c.logger.Debug("dropping message from an unknown origin",
			zap.Uint32("origin", n.Origin))
		return false
	}

	payload, complete, err := c.reassembler.Add(origin.Member(), pkt)
	if err != nil {
		c.logger.Warn("dropping packet which could not be reassembled",
			zap.Stringer("origin", origin.Member()),
			zap.Error(err))
		return false
	}
	if !complete {
		return true
	}

	switch pkt.Kind() {
	case protocol.CargoStateExchange:
		if c.onStateExchange != nil {
			c.onStateExchange(origin, payload)
		}
	case protocol.CargoUserData:
		if c.onMessage != nil {
			c.onMessage(origin.Member(), payload)
		}
	default:
		c.logger.Debug("dropping message with unhandled cargo",
			zap.Stringer("cargo", pkt.Kind()))
	}

	return true
}

// RetainOrigins drops partially received messages from senders which are not
// among members. It runs on the engine goroutine whenever a view is installed.
func (c *Communication) RetainOrigins(members []nodes.Member) {
	dropped := c.reassembler.Retain(members)
	if dropped > 0 {
		c.logger.Debug("dropped partial messages of departed members",
			zap.Int("dropped", dropped))
	}
}

// PendingReassembly is the number of messages awaiting further fragments.
func (c *Communication) PendingReassembly() int {
	return c.reassembler.Pending()
}
