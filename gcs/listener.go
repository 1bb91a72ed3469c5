package gcs

import (
	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/couchbase/stellar-gcs/gcs/view"
)

// Listener receives group events. Callbacks run on the node's event
// goroutine and must not block.
type Listener interface {
	OnViewChanged(v *view.View, payloads map[nodes.Member][]byte)
	OnSuspicions(members []nodes.Member, unreachable []nodes.Member)
	OnMessage(origin nodes.Member, payload []byte)
}

// NopListener ignores every event. Embed it to implement only some callbacks.
type NopListener struct{}

func (NopListener) OnViewChanged(*view.View, map[nodes.Member][]byte) {}
func (NopListener) OnSuspicions([]nodes.Member, []nodes.Member)        {}
func (NopListener) OnMessage(nodes.Member, []byte)                     {}
