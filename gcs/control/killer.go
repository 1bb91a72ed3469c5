package control

import (
	"github.com/couchbase/stellar-gcs/gcs/nodes"
)

// IsKillerNode reports whether local is the node responsible for expelling
// others: the reachable node which sorts first by address. Every reachable
// node of a view computes the same answer.
func IsKillerNode(alive []nodes.NodeInfo, local nodes.Member) bool {
	if len(alive) == 0 {
		return false
	}

	first := alive[0].Member()
	for _, n := range alive[1:] {
		if n.Member().Compare(first) < 0 {
			first = n.Member()
		}
	}
	return first == local
}
