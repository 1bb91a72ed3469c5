package exchange

import (
	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/couchbase/stellar-gcs/gcs/protocol"
	"github.com/couchbase/stellar-gcs/gcs/view"
)

// Round describes one state exchange, started for a delivered global view.
// Rounds are identified by the message id of that view.
type Round struct {
	MessageID nodes.Synod
	ConfigID  nodes.Synod
	Group     string
	Local     nodes.Member
	Nodes     *nodes.NodeSet

	// Members are the reachable nodes of the view; every one of them takes
	// part in the exchange.
	Members []nodes.Member
	Left    []nodes.Member
	Joined  []nodes.Member

	// Current is the view installed at the time the round starts, if any.
	Current *view.View
}

// Result is the outcome of a completed exchange.
type Result struct {
	MessageID nodes.Synod
	Members   []nodes.Member
	Left      []nodes.Member
	Joined    []nodes.Member
	Payloads  map[nodes.Member][]byte

	// ViewID is the highest view id any participant had installed, or nil
	// when nobody had a view yet.
	ViewID *view.ViewID

	// MaxProtocol is the highest protocol version every participant speaks.
	MaxProtocol protocol.Version
}

// Exchange collects the states of all members before a view is installed.
type Exchange interface {
	Start(r *Round) error
	Reset()
	InProgress() bool
}
