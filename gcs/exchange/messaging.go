package exchange

import (
	"context"

	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/couchbase/stellar-gcs/gcs/protocol"
	"github.com/couchbase/stellar-gcs/pkg/metrics"
	"go.uber.org/zap"
)

// Sender broadcasts a message through the consensus core.
type Sender interface {
	Send(ctx context.Context, cargo protocol.CargoKind, payload []byte) error
}

// VersionSink receives the highest protocol version the group supports once
// an exchange completes.
type VersionSink interface {
	SetMaxSupportedVersion(v protocol.Version)
}

type MessagingOptions struct {
	Logger      *zap.Logger
	Sender      Sender
	Versions    VersionSink
	Metrics     *metrics.GcsMetrics
	MaxProtocol protocol.Version

	// Payload returns the application state to share with the group.
	Payload func() []byte

	// OnComplete is called on the engine goroutine once every member's
	// state has arrived.
	OnComplete func(res *Result)
}

// MessagingExchange runs the exchange by broadcasting a state exchange
// message and waiting for the one of every member. It must only be used
// from the engine goroutine.
type MessagingExchange struct {
	logger      *zap.Logger
	sender      Sender
	versions    VersionSink
	metrics     *metrics.GcsMetrics
	maxProtocol protocol.Version
	payload     func() []byte
	onComplete  func(res *Result)

	round  *Round
	states map[nodes.Member]*State
}

var _ Exchange = (*MessagingExchange)(nil)

func NewMessagingExchange(opts *MessagingOptions) (*MessagingExchange, error) {
	if opts == nil {
		opts = &MessagingOptions{}
	}

	x := &MessagingExchange{
		logger:      opts.Logger,
		sender:      opts.Sender,
		versions:    opts.Versions,
		metrics:     opts.Metrics,
		maxProtocol: opts.MaxProtocol,
		payload:     opts.Payload,
		onComplete:  opts.OnComplete,
	}
	if x.logger == nil {
		x.logger = zap.NewNop()
	}
	if x.metrics == nil {
		x.metrics = metrics.GetGcsMetrics()
	}
	if !x.maxProtocol.Valid() {
		x.maxProtocol = protocol.VersionHighest
	}

	return x, nil
}

// SetOnComplete replaces the completion callback.
func (x *MessagingExchange) SetOnComplete(fn func(res *Result)) {
	x.onComplete = fn
}

func (x *MessagingExchange) InProgress() bool {
	return x.round != nil
}

func (x *MessagingExchange) Reset() {
	if x.round != nil {
		x.logger.Debug("state exchange abandoned",
			zap.Stringer("round", x.round.MessageID),
			zap.Int("received", len(x.states)))
	}
	x.round = nil
	x.states = nil
}

func (x *MessagingExchange) Start(r *Round) error {
	x.round = r
	x.states = make(map[nodes.Member]*State)

	state := &State{
		Round:       r.MessageID,
		Member:      r.Local,
		MaxProtocol: x.maxProtocol,
	}
	if r.Current != nil {
		id := r.Current.ID
		state.ViewID = &id
	}
	if x.payload != nil {
		state.Payload = x.payload()
	}

	data, err := encodeState(state)
	if err != nil {
		return err
	}

	x.metrics.StateExchanges.Add(context.Background(), 1)
	x.logger.Debug("state exchange started",
		zap.Stringer("round", r.MessageID),
		zap.Int("members", len(r.Members)))

	return x.sender.Send(context.Background(), protocol.CargoStateExchange, data)
}

// HandleState processes a state exchange message delivered by the core.
func (x *MessagingExchange) HandleState(origin nodes.NodeInfo, data []byte) {
	state, err := decodeState(data)
	if err != nil {
		x.logger.Warn("dropping malformed exchange state",
			zap.String("origin", origin.Address),
			zap.Error(err))
		return
	}

	if x.round == nil || state.Round != x.round.MessageID {
		x.logger.Debug("dropping exchange state for another round",
			zap.Stringer("round", state.Round),
			zap.String("origin", origin.Address))
		return
	}

	if state.Member != origin.Member() || !nodes.ContainsMember(x.round.Members, state.Member) {
		x.logger.Debug("dropping exchange state from a non-participant",
			zap.Stringer("member", state.Member))
		return
	}

	x.states[state.Member] = state
	if len(x.states) < len(x.round.Members) {
		return
	}

	res := x.result()
	x.round = nil
	x.states = nil

	if x.versions != nil {
		x.versions.SetMaxSupportedVersion(res.MaxProtocol)
	}
	if x.onComplete != nil {
		x.onComplete(res)
	}
}

func (x *MessagingExchange) result() *Result {
	res := &Result{
		MessageID:   x.round.MessageID,
		Members:     nodes.SortMembers(x.round.Members),
		Left:        nodes.SortMembers(x.round.Left),
		Joined:      nodes.SortMembers(x.round.Joined),
		Payloads:    make(map[nodes.Member][]byte, len(x.states)),
		MaxProtocol: protocol.VersionHighest,
	}

	for member, state := range x.states {
		if state.Payload != nil {
			res.Payloads[member] = state.Payload
		}
		if state.ViewID != nil && (res.ViewID == nil || state.ViewID.Compare(*res.ViewID) > 0) {
			id := *state.ViewID
			res.ViewID = &id
		}
		if state.MaxProtocol.Valid() && state.MaxProtocol < res.MaxProtocol {
			res.MaxProtocol = state.MaxProtocol
		}
	}

	return res
}
