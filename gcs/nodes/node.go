package nodes

import (
	"time"

	"github.com/google/uuid"
)

// NodeInfo is one node's identity and liveness as last reported by the
// consensus core.
type NodeInfo struct {
	Address string `json:"address"`
	UUID    string `json:"uuid"`
	Index   uint32 `json:"index"`

	IsAlive  bool `json:"alive"`
	IsMember bool `json:"member"`

	// SuspicionCreated is zero unless the node is currently suspected.
	SuspicionCreated time.Time `json:"-"`
	LostMessages     bool      `json:"-"`
	MaxSynod         Synod     `json:"-"`
}

// NewIncarnation creates the node information for a fresh process lifetime of
// the node at the given address.
func NewIncarnation(address string) NodeInfo {
	return NodeInfo{
		Address: address,
		UUID:    uuid.NewString(),
		IsAlive: true,
	}
}

func (n NodeInfo) Member() Member {
	return Member{Address: n.Address, UUID: n.UUID}
}

func (n NodeInfo) SameIncarnation(o NodeInfo) bool {
	return n.Address == o.Address && n.UUID == o.UUID
}

// HasTimedOut reports whether the node has been suspected for longer than the
// given timeout.
func (n NodeInfo) HasTimedOut(now time.Time, timeout time.Duration) bool {
	if n.SuspicionCreated.IsZero() {
		return false
	}
	return now.Sub(n.SuspicionCreated) > timeout
}
