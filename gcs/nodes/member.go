package nodes

import (
	"strings"

	"golang.org/x/exp/slices"
)

// Member is the identity of one process lifetime of a node. The address names
// the node, the UUID names the incarnation. Two members which share an address
// but not a UUID are different members and are never merged.
type Member struct {
	Address string `json:"address"`
	UUID    string `json:"uuid"`
}

func (m Member) String() string {
	return m.Address + "/" + m.UUID
}

// Compare orders members in the canonical protocol ordering: by address, and
// for equal addresses by incarnation.
func (m Member) Compare(o Member) int {
	if c := strings.Compare(m.Address, o.Address); c != 0 {
		return c
	}
	return strings.Compare(m.UUID, o.UUID)
}

// SortMembers returns a sorted copy of the given members.
func SortMembers(in []Member) []Member {
	out := slices.Clone(in)
	slices.SortFunc(out, func(a, b Member) int { return a.Compare(b) })
	return out
}

func ContainsMember(in []Member, m Member) bool {
	return slices.Contains(in, m)
}

// Difference returns the members of a which are not in b, preserving the order
// of a.
func Difference(a, b []Member) []Member {
	var out []Member
	for _, m := range a {
		if !slices.Contains(b, m) {
			out = append(out, m)
		}
	}
	return out
}

// Intersect returns the members of a which are also in b, preserving the order
// of a.
func Intersect(a, b []Member) []Member {
	var out []Member
	for _, m := range a {
		if slices.Contains(b, m) {
			out = append(out, m)
		}
	}
	return out
}

// MembersOf extracts the identities of a list of nodes.
func MembersOf(in []NodeInfo) []Member {
	out := make([]Member, 0, len(in))
	for _, n := range in {
		out = append(out, n.Member())
	}
	return out
}
