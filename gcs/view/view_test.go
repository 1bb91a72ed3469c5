package view

import (
	"testing"

	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	memberA = nodes.Member{Address: "a:1", UUID: "a"}
	memberB = nodes.Member{Address: "b:1", UUID: "b"}
	memberC = nodes.Member{Address: "c:1", UUID: "c"}
)

func TestViewIDOrdering(t *testing.T) {
	id := ViewID{Fixed: 100, Monotonic: 4}
	next := id.Next()

	assert.Equal(t, uint32(5), next.Monotonic)
	assert.Equal(t, id.Fixed, next.Fixed)
	assert.Equal(t, -1, id.Compare(next))
	assert.Equal(t, 1, ViewID{Fixed: 101}.Compare(next))
	assert.Equal(t, 0, next.Compare(next))
}

func TestCheckDelta(t *testing.T) {
	prev := &View{Members: []nodes.Member{memberA, memberB}}

	t.Run("Consistent", func(t *testing.T) {
		next := &View{
			Members: []nodes.Member{memberA, memberC},
			Left:    []nodes.Member{memberB},
			Joined:  []nodes.Member{memberC},
		}
		require.NoError(t, CheckDelta(prev, next))
	})

	t.Run("FirstView", func(t *testing.T) {
		next := &View{
			Members: []nodes.Member{memberA},
			Joined:  []nodes.Member{memberA},
		}
		require.NoError(t, CheckDelta(nil, next))
	})

	t.Run("MissingMember", func(t *testing.T) {
		next := &View{
			Members: []nodes.Member{memberA},
		}
		require.ErrorIs(t, CheckDelta(prev, next), ErrInconsistentDelta)
	})

	t.Run("JoinedAndLeft", func(t *testing.T) {
		next := &View{
			Members: []nodes.Member{memberA, memberB},
			Left:    []nodes.Member{memberC},
			Joined:  []nodes.Member{memberC},
		}
		require.ErrorIs(t, CheckDelta(prev, next), ErrInconsistentDelta)
	})
}

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "ok", ErrorCodeOK.String())
	assert.Equal(t, "member_expelled", ErrorCodeMemberExpelled.String())
}
