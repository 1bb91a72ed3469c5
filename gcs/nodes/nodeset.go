package nodes

import "golang.org/x/exp/slices"

// NodeSet is an ordered list of nodes. Each delivery of a node set carries its
// own copy; callers never share the backing slice.
type NodeSet struct {
	nodes []NodeInfo
}

func NewNodeSet(nodes ...NodeInfo) *NodeSet {
	s := &NodeSet{}
	for _, n := range nodes {
		s.Add(n)
	}
	return s
}

func (s *NodeSet) Size() int {
	if s == nil {
		return 0
	}
	return len(s.nodes)
}

// Nodes returns a copy of the nodes in the set.
func (s *NodeSet) Nodes() []NodeInfo {
	if s == nil {
		return nil
	}
	return slices.Clone(s.nodes)
}

func (s *NodeSet) Members() []Member {
	if s == nil {
		return nil
	}
	return MembersOf(s.nodes)
}

func (s *NodeSet) Clone() *NodeSet {
	if s == nil {
		return &NodeSet{}
	}
	return &NodeSet{nodes: slices.Clone(s.nodes)}
}

// Get finds a node by address.
func (s *NodeSet) Get(address string) (NodeInfo, bool) {
	if s == nil {
		return NodeInfo{}, false
	}
	idx := slices.IndexFunc(s.nodes, func(n NodeInfo) bool { return n.Address == address })
	if idx < 0 {
		return NodeInfo{}, false
	}
	return s.nodes[idx], true
}

// GetMember finds a node by its full identity.
func (s *NodeSet) GetMember(m Member) (NodeInfo, bool) {
	if s == nil {
		return NodeInfo{}, false
	}
	idx := slices.IndexFunc(s.nodes, func(n NodeInfo) bool { return n.Member() == m })
	if idx < 0 {
		return NodeInfo{}, false
	}
	return s.nodes[idx], true
}

func (s *NodeSet) GetByIndex(index uint32) (NodeInfo, bool) {
	if s == nil {
		return NodeInfo{}, false
	}
	idx := slices.IndexFunc(s.nodes, func(n NodeInfo) bool { return n.Index == index })
	if idx < 0 {
		return NodeInfo{}, false
	}
	return s.nodes[idx], true
}

func (s *NodeSet) Contains(m Member) bool {
	_, ok := s.GetMember(m)
	return ok
}

// Add appends a node, replacing any entry for the same incarnation.
func (s *NodeSet) Add(n NodeInfo) {
	idx := slices.IndexFunc(s.nodes, func(o NodeInfo) bool { return o.SameIncarnation(n) })
	if idx >= 0 {
		s.nodes[idx] = n
		return
	}
	s.nodes = append(s.nodes, n)
}

// Remove deletes every node at the given address and reports whether any
// were present.
func (s *NodeSet) Remove(address string) bool {
	before := len(s.nodes)
	s.nodes = slices.DeleteFunc(s.nodes, func(n NodeInfo) bool { return n.Address == address })
	return len(s.nodes) != before
}

func (s *NodeSet) Clear() {
	s.nodes = nil
}

// Partition splits the set into reachable and unreachable nodes.
func (s *NodeSet) Partition() (alive, failed []NodeInfo) {
	if s == nil {
		return nil, nil
	}
	for _, n := range s.nodes {
		if n.IsAlive {
			alive = append(alive, n)
		} else {
			failed = append(failed, n)
		}
	}
	return alive, failed
}
