package gcs

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-gcs/gcs/comms"
	"github.com/couchbase/stellar-gcs/gcs/consensus"
	"github.com/couchbase/stellar-gcs/gcs/control"
	"github.com/couchbase/stellar-gcs/gcs/engine"
	"github.com/couchbase/stellar-gcs/gcs/exchange"
	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/couchbase/stellar-gcs/gcs/pipeline"
	"github.com/couchbase/stellar-gcs/gcs/protocol"
	"github.com/couchbase/stellar-gcs/gcs/suspicions"
	"github.com/couchbase/stellar-gcs/gcs/view"
	"github.com/couchbase/stellar-gcs/pkg/metrics"
	"github.com/couchbase/stellar-gcs/utils/latestonlychannel"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

type Config struct {
	Logger   *zap.Logger
	Metrics  *metrics.GcsMetrics
	Listener Listener

	Group        string
	LocalAddress string
	NewCore      consensus.NewCoreFunc

	// StatePayload returns the application state shared with the group
	// during every state exchange.
	StatePayload func() []byte

	ProtocolVersion      protocol.Version
	MaxProtocolVersion   protocol.Version
	CompressionThreshold int
	FragmentSize         int

	NonMemberExpelTimeout time.Duration
	MemberExpelTimeout    time.Duration
	SuspicionsPeriod      time.Duration
	SuspicionsClock       func() time.Time

	JoinAttempts int
	JoinBackoff  func() backoff.BackOff
	LeaveTimeout time.Duration
}

// Node is one participant of a group.
type Node struct {
	logger   *zap.Logger
	listener Listener
	group    string

	proxy       *consensus.Proxy
	engine      *engine.Engine
	pipeline    *pipeline.Pipeline
	changer     *protocol.Changer
	comms       *comms.Communication
	exchange    *exchange.MessagingExchange
	detector    *suspicions.Manager
	coordinator *control.Coordinator

	lock     sync.Mutex
	watchers []chan *view.View
}

var tracer trace.Tracer = otel.Tracer("github.com/couchbase/stellar-gcs/gcs")

var _ engine.Handler = (*Node)(nil)
var _ control.Listener = (*Node)(nil)

func NewNode(cfg *Config) (*Node, error) {
	if cfg == nil {
		return nil, errors.New("node config must be specified")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("group", cfg.Group), zap.String("address", cfg.LocalAddress))

	n := &Node{
		logger:   logger,
		listener: cfg.Listener,
		group:    cfg.Group,
		proxy:    &consensus.Proxy{},
	}
	if n.listener == nil {
		n.listener = NopListener{}
	}

	groupHash := consensus.GroupHash(cfg.Group)

	var err error
	n.engine, err = engine.New(&engine.Options{
		Logger:  logger.Named("engine"),
		Handler: n,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create event engine")
	}

	n.pipeline, err = pipeline.New(&pipeline.Options{
		Logger:               logger.Named("pipeline"),
		Version:              cfg.ProtocolVersion,
		CompressionThreshold: cfg.CompressionThreshold,
		FragmentSize:         cfg.FragmentSize,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create packet pipeline")
	}

	n.changer, err = protocol.NewChanger(&protocol.ChangerOptions{
		Logger:       logger.Named("protocol"),
		Pipeline:     n.pipeline,
		LocalAddress: cfg.LocalAddress,
		Metrics:      cfg.Metrics,
		MaxSupported: cfg.MaxProtocolVersion,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create protocol changer")
	}

	n.comms, err = comms.New(&comms.Options{
		Logger:    logger.Named("comms"),
		Core:      n.proxy,
		Pipeline:  n.pipeline,
		Changer:   n.changer,
		GroupHash: groupHash,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create communication")
	}

	n.exchange, err = exchange.NewMessagingExchange(&exchange.MessagingOptions{
		Logger:      logger.Named("exchange"),
		Sender:      n.comms,
		Versions:    n.changer,
		Metrics:     cfg.Metrics,
		MaxProtocol: cfg.MaxProtocolVersion,
		Payload:     cfg.StatePayload,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create state exchange")
	}

	n.detector, err = suspicions.NewManager(&suspicions.Options{
		Logger:                logger.Named("suspicions"),
		Core:                  n.proxy,
		Cache:                 n.proxy,
		Metrics:               cfg.Metrics,
		LocalAddress:          cfg.LocalAddress,
		GroupHash:             groupHash,
		NonMemberExpelTimeout: cfg.NonMemberExpelTimeout,
		MemberExpelTimeout:    cfg.MemberExpelTimeout,
		Period:                cfg.SuspicionsPeriod,
		Now:                   cfg.SuspicionsClock,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create suspicion manager")
	}

	n.coordinator, err = control.NewCoordinator(&control.Options{
		Logger:       logger.Named("control"),
		Group:        cfg.Group,
		LocalAddress: cfg.LocalAddress,
		Metrics:      cfg.Metrics,
		Core:         n.proxy,
		NewCore:      cfg.NewCore,
		Sink:         n.engine,
		Engine:       n.engine,
		Exchange:     n.exchange,
		Detector:     n.detector,
		Listener:     n,
		JoinAttempts: cfg.JoinAttempts,
		JoinBackoff:  cfg.JoinBackoff,
		LeaveTimeout: cfg.LeaveTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create view coordinator")
	}

	n.exchange.SetOnComplete(n.coordinator.HandleExchangeComplete)
	n.comms.SetHandlers(n.exchange.HandleState, n.listener.OnMessage)

	return n, nil
}

// Run processes events until the context is cancelled. Join and Leave may
// only be used while Run is active.
func (n *Node) Run(ctx context.Context) error {
	n.coordinator.Start(ctx)

	detectorCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go n.detector.Run(detectorCtx)

	err := n.engine.Run(ctx)
	n.coordinator.Stop()

	n.lock.Lock()
	for _, watcher := range n.watchers {
		close(watcher)
	}
	n.watchers = nil
	n.lock.Unlock()

	return err
}

type JoinOptions struct {
	Bootstrap bool
	Peers     []string
}

// Join joins the group and waits for the first view containing this node.
func (n *Node) Join(ctx context.Context, opts JoinOptions) error {
	ctx, span := tracer.Start(ctx, "gcs.join", trace.WithAttributes(
		attribute.String("gcs.group", n.group),
		attribute.Bool("gcs.bootstrap", opts.Bootstrap),
		attribute.Int("gcs.peers", len(opts.Peers))))
	defer span.End()

	w, err := n.coordinator.Join(control.JoinOptions{
		Bootstrap: opts.Bootstrap,
		Peers:     opts.Peers,
	})
	if err == nil {
		err = w.Wait(ctx)
	}
	recordSpanError(span, err)
	return err
}

// Leave leaves the group and waits for the leave view.
func (n *Node) Leave(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "gcs.leave", trace.WithAttributes(
		attribute.String("gcs.group", n.group)))
	defer span.End()

	w, err := n.coordinator.Leave()
	if err == nil {
		err = w.Wait(ctx)
	}
	recordSpanError(span, err)
	return err
}

func recordSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Send broadcasts a message to every member in total order.
func (n *Node) Send(ctx context.Context, payload []byte) error {
	if n.coordinator.State() != control.StateMember {
		return ErrNotMember
	}
	return n.comms.Send(ctx, protocol.CargoUserData, payload)
}

// SetProtocolVersion changes the protocol version of the group's outgoing
// traffic from this node and waits for the change to commit.
func (n *Node) SetProtocolVersion(ctx context.Context, v protocol.Version) error {
	var done <-chan struct{}
	var setErr error
	err := n.engine.Call(ctx, func() {
		done, setErr = n.changer.SetVersion(v)
	})
	if err != nil {
		return err
	}
	if setErr != nil {
		return setErr
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) ProtocolVersion() protocol.Version {
	return n.changer.ActiveVersion()
}

func (n *Node) MaxProtocolVersion() protocol.Version {
	return n.changer.MaxSupportedVersion()
}

type ReconfigureOptions struct {
	NonMemberExpelTimeout time.Duration
	MemberExpelTimeout    time.Duration
	SuspicionsPeriod      time.Duration
}

// Reconfigure applies new failure detection settings. Zero values keep the
// current setting.
func (n *Node) Reconfigure(opts *ReconfigureOptions) {
	n.detector.SetTimeouts(opts.NonMemberExpelTimeout, opts.MemberExpelTimeout)
	n.detector.SetPeriod(opts.SuspicionsPeriod)

	n.logger.Info("failure detection reconfigured",
		zap.Duration("nonMemberExpelTimeout", opts.NonMemberExpelTimeout),
		zap.Duration("memberExpelTimeout", opts.MemberExpelTimeout),
		zap.Duration("suspicionsPeriod", opts.SuspicionsPeriod))
}

func (n *Node) CurrentView() *view.View {
	return n.coordinator.CurrentView()
}

func (n *Node) State() control.State {
	return n.coordinator.State()
}

func (n *Node) LocalMember() nodes.Member {
	return n.coordinator.LocalMember()
}

// WatchViews returns a channel which receives the latest installed view.
// Intermediate views are skipped if the reader falls behind.
func (n *Node) WatchViews(ctx context.Context) <-chan *view.View {
	inputCh := make(chan *view.View, 1)
	if v := n.CurrentView(); v != nil {
		inputCh <- v
	}

	n.lock.Lock()
	n.watchers = append(n.watchers, inputCh)
	n.lock.Unlock()

	go func() {
		<-ctx.Done()

		n.lock.Lock()
		idx := slices.Index(n.watchers, inputCh)
		if idx >= 0 {
			n.watchers = slices.Delete(n.watchers, idx, idx+1)
			close(inputCh)
		}
		n.lock.Unlock()
	}()

	return latestonlychannel.Wrap[*view.View](inputCh)
}

func (n *Node) HandleGlobalView(g *consensus.GlobalView) bool {
	return n.coordinator.HandleGlobalView(g)
}

func (n *Node) HandleLocalView(l *consensus.LocalView) bool {
	return n.coordinator.HandleLocalView(l)
}

func (n *Node) HandleData(d *consensus.Data) bool {
	return n.comms.HandleData(d)
}

func (n *Node) OnViewChanged(v *view.View, payloads map[nodes.Member][]byte) {
	n.comms.RetainOrigins(v.Members)

	n.lock.Lock()
	for _, watcher := range n.watchers {
		select {
		case watcher <- v:
		default:
			// the reader holds an older view; replace it
			select {
			case <-watcher:
			default:
			}
			watcher <- v
		}
	}
	n.lock.Unlock()

	n.listener.OnViewChanged(v, payloads)
}

func (n *Node) OnSuspicions(members []nodes.Member, unreachable []nodes.Member) {
	n.listener.OnSuspicions(members, unreachable)
}
