package consensus

import (
	"context"

	"github.com/couchbase/stellar-gcs/gcs/nodes"
)

// Core is the totally ordered consensus engine a node talks to. Every command
// is fire-and-forget: the boolean result only says whether the command was
// accepted for processing. Its outcome is observed through the notifications
// delivered to the core's Sink.
type Core interface {
	Boot(set *nodes.NodeSet, groupHash uint32) bool
	AddNode(ctx context.Context, peer string, node nodes.NodeInfo, groupHash uint32) bool
	RemoveNodes(set *nodes.NodeSet, groupHash uint32) bool
	ForceNodes(set *nodes.NodeSet, groupHash uint32) bool
	Propose(data []byte, groupHash uint32) bool
	MaxSeenSynod() nodes.Synod

	// Exit stops the core. Done is closed once it has stopped, whether
	// because of Exit or because the core failed.
	Exit()
	Done() <-chan struct{}
}

// LogCache is implemented by cores which retain a bounded log of decided
// messages for recovering members.
type LogCache interface {
	LastRemoved() nodes.Synod
}

// Sink receives the notifications of a core. Implementations must not block
// and must not call back into the core.
type Sink interface {
	DeliverGlobalView(n *GlobalView) bool
	DeliverLocalView(n *LocalView) bool
	DeliverData(n *Data) bool
}

// NewCoreFunc creates a core which delivers its notifications to sink.
type NewCoreFunc func(sink Sink) (Core, error)
