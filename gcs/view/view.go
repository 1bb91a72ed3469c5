package view

import (
	"fmt"
	"time"

	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/pkg/errors"
)

type ErrorCode int

const (
	ErrorCodeOK ErrorCode = iota
	ErrorCodeMemberExpelled
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeOK:
		return "ok"
	case ErrorCodeMemberExpelled:
		return "member_expelled"
	}
	return fmt.Sprintf("unknown(%d)", int(c))
}

func (c ErrorCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ViewID names an installed view. The fixed part is chosen once when a group
// is formed; the monotonic part increases with every installed view.
type ViewID struct {
	Fixed     uint64 `json:"fixed"`
	Monotonic uint32 `json:"monotonic"`
}

func NewViewID() ViewID {
	return ViewID{Fixed: uint64(time.Now().UnixMicro())}
}

func (v ViewID) Next() ViewID {
	return ViewID{Fixed: v.Fixed, Monotonic: v.Monotonic + 1}
}

func (v ViewID) Compare(o ViewID) int {
	switch {
	case v.Fixed < o.Fixed:
		return -1
	case v.Fixed > o.Fixed:
		return +1
	case v.Monotonic < o.Monotonic:
		return -1
	case v.Monotonic > o.Monotonic:
		return +1
	}
	return 0
}

func (v ViewID) String() string {
	return fmt.Sprintf("%d:%d", v.Fixed, v.Monotonic)
}

// View is the application-visible membership of the group. Views are
// immutable once installed.
type View struct {
	ID      ViewID         `json:"id"`
	Group   string         `json:"group"`
	Members []nodes.Member `json:"members"`
	Left    []nodes.Member `json:"left"`
	Joined  []nodes.Member `json:"joined"`
	Error   ErrorCode      `json:"error"`
}

func (v *View) HasMember(m nodes.Member) bool {
	return nodes.ContainsMember(v.Members, m)
}

var ErrInconsistentDelta = errors.New("view delta is inconsistent with the previous view")

// CheckDelta verifies that next follows from prev: the members of next are
// the members of prev without those that left plus those that joined, and no
// member both joined and left.
func CheckDelta(prev, next *View) error {
	if len(nodes.Intersect(next.Joined, next.Left)) > 0 {
		return errors.Wrap(ErrInconsistentDelta, "members both joined and left")
	}

	var prevMembers []nodes.Member
	if prev != nil {
		prevMembers = prev.Members
	}

	expected := nodes.Difference(prevMembers, next.Left)
	for _, m := range next.Joined {
		if !nodes.ContainsMember(expected, m) {
			expected = append(expected, m)
		}
	}

	if len(expected) != len(next.Members) ||
		len(nodes.Difference(expected, next.Members)) > 0 {
		return errors.Wrapf(ErrInconsistentDelta,
			"expected members %v but view has %v", expected, next.Members)
	}

	return nil
}
