package netutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsInAddrAny(t *testing.T) {
	assert.True(t, IsInAddrAny(""))
	assert.True(t, IsInAddrAny("0.0.0.0"))
	assert.True(t, IsInAddrAny("::"))
	assert.False(t, IsInAddrAny("10.0.0.1"))
}

func TestGroupAddress(t *testing.T) {
	addr, err := GroupAddress("node-a.local", "0.0.0.0", 7000)
	require.NoError(t, err)
	assert.Equal(t, "node-a.local:7000", addr)

	addr, err = GroupAddress("", "10.0.0.1", 7000)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:7000", addr)

	addr, err = GroupAddress("", "::1", 7000)
	require.NoError(t, err)
	assert.Equal(t, "[::1]:7000", addr)
}
