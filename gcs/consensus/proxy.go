package consensus

import (
	"context"
	"sync/atomic"

	"github.com/couchbase/stellar-gcs/gcs/nodes"
)

// Proxy forwards to the current core session. A node creates a fresh core for
// every join; components holding the proxy always talk to the live one. When
// no session is attached every command is rejected.
type Proxy struct {
	current atomic.Pointer[coreHolder]
}

type coreHolder struct {
	core Core
}

var _ Core = (*Proxy)(nil)

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Swap attaches a new session and returns the previous one.
func (p *Proxy) Swap(core Core) Core {
	var next *coreHolder
	if core != nil {
		next = &coreHolder{core: core}
	}
	prev := p.current.Swap(next)
	if prev == nil {
		return nil
	}
	return prev.core
}

func (p *Proxy) Current() Core {
	h := p.current.Load()
	if h == nil {
		return nil
	}
	return h.core
}

func (p *Proxy) Boot(set *nodes.NodeSet, groupHash uint32) bool {
	if c := p.Current(); c != nil {
		return c.Boot(set, groupHash)
	}
	return false
}

func (p *Proxy) AddNode(ctx context.Context, peer string, node nodes.NodeInfo, groupHash uint32) bool {
	if c := p.Current(); c != nil {
		return c.AddNode(ctx, peer, node, groupHash)
	}
	return false
}

func (p *Proxy) RemoveNodes(set *nodes.NodeSet, groupHash uint32) bool {
	if c := p.Current(); c != nil {
		return c.RemoveNodes(set, groupHash)
	}
	return false
}

func (p *Proxy) ForceNodes(set *nodes.NodeSet, groupHash uint32) bool {
	if c := p.Current(); c != nil {
		return c.ForceNodes(set, groupHash)
	}
	return false
}

func (p *Proxy) Propose(data []byte, groupHash uint32) bool {
	if c := p.Current(); c != nil {
		return c.Propose(data, groupHash)
	}
	return false
}

func (p *Proxy) MaxSeenSynod() nodes.Synod {
	if c := p.Current(); c != nil {
		return c.MaxSeenSynod()
	}
	return nodes.Synod{}
}

func (p *Proxy) Exit() {
	if c := p.Current(); c != nil {
		c.Exit()
	}
}

func (p *Proxy) Done() <-chan struct{} {
	if c := p.Current(); c != nil {
		return c.Done()
	}
	return closedChan
}

// LastRemoved forwards to the current session if it keeps a log cache.
func (p *Proxy) LastRemoved() (nodes.Synod, bool) {
	if c, ok := p.Current().(LogCache); ok {
		return c.LastRemoved(), true
	}
	return nodes.Synod{}, false
}
