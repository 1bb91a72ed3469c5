package nodes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynodOrdering(t *testing.T) {
	a := Synod{GroupID: 7, MsgNo: 10, Node: 2}
	b := Synod{GroupID: 7, MsgNo: 11, Node: 0}
	c := Synod{GroupID: 7, MsgNo: 11, Node: 1}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.Equal(t, 0, a.Compare(Synod{GroupID: 9, MsgNo: 10, Node: 2}))
	assert.True(t, Synod{}.IsNull())
	assert.False(t, a.IsNull())
}

func TestNodeSetLookups(t *testing.T) {
	a := NodeInfo{Address: "a:1", UUID: "u1", Index: 0, IsAlive: true}
	b := NodeInfo{Address: "b:1", UUID: "u2", Index: 1, IsAlive: false}
	set := NewNodeSet(a, b)

	require.Equal(t, 2, set.Size())

	n, ok := set.Get("b:1")
	require.True(t, ok)
	assert.Equal(t, "u2", n.UUID)

	n, ok = set.GetByIndex(0)
	require.True(t, ok)
	assert.Equal(t, "a:1", n.Address)

	_, ok = set.GetMember(Member{Address: "a:1", UUID: "other"})
	assert.False(t, ok)

	alive, failed := set.Partition()
	assert.Equal(t, []Member{a.Member()}, MembersOf(alive))
	assert.Equal(t, []Member{b.Member()}, MembersOf(failed))
}

func TestNodeSetAddReplacesIncarnation(t *testing.T) {
	set := NewNodeSet(NodeInfo{Address: "a:1", UUID: "u1"})
	set.Add(NodeInfo{Address: "a:1", UUID: "u1", IsAlive: true})
	require.Equal(t, 1, set.Size())
	assert.True(t, set.Nodes()[0].IsAlive)

	set.Add(NodeInfo{Address: "a:1", UUID: "u2"})
	assert.Equal(t, 2, set.Size())

	assert.True(t, set.Remove("a:1"))
	assert.Equal(t, 0, set.Size())
	assert.False(t, set.Remove("a:1"))
}

func TestNodeSetCloneIsIndependent(t *testing.T) {
	set := NewNodeSet(NodeInfo{Address: "a:1", UUID: "u1"})
	clone := set.Clone()
	clone.Add(NodeInfo{Address: "b:1", UUID: "u2"})

	assert.Equal(t, 1, set.Size())
	assert.Equal(t, 2, clone.Size())
}

func TestMemberSetOps(t *testing.T) {
	a := Member{Address: "a", UUID: "1"}
	b := Member{Address: "b", UUID: "1"}
	c := Member{Address: "c", UUID: "1"}

	assert.Equal(t, []Member{a}, Difference([]Member{a, b}, []Member{b, c}))
	assert.Equal(t, []Member{b}, Intersect([]Member{a, b}, []Member{b, c}))
	assert.Equal(t, []Member{a, b, c}, SortMembers([]Member{c, a, b}))
	assert.Nil(t, Difference(nil, []Member{a}))
}

func TestHasTimedOut(t *testing.T) {
	now := time.Now()
	n := NodeInfo{Address: "a"}
	assert.False(t, n.HasTimedOut(now, time.Second))

	n.SuspicionCreated = now.Add(-2 * time.Second)
	assert.True(t, n.HasTimedOut(now, time.Second))
	assert.False(t, n.HasTimedOut(now, 5*time.Second))
}
