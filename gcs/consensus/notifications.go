package consensus

import "github.com/couchbase/stellar-gcs/gcs/nodes"

// GlobalView is the agreed configuration together with the reachability of
// each node as seen by the group.
type GlobalView struct {
	ConfigID     nodes.Synod
	MessageID    nodes.Synod
	Nodes        *nodes.NodeSet
	EventHorizon uint32
	MaxSynod     nodes.Synod
}

// LocalView is this node's own perception of reachability. It is not agreed
// and may differ between nodes.
type LocalView struct {
	ConfigID nodes.Synod
	Nodes    *nodes.NodeSet
	MaxSynod nodes.Synod
}

// Data is one decided message. Origin is the index of the proposer in Nodes.
type Data struct {
	ConfigID  nodes.Synod
	MessageID nodes.Synod
	Origin    uint32
	Nodes     *nodes.NodeSet
	Payload   []byte
}
