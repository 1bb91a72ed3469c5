package main

import (
	"strconv"
	"testing"

	"github.com/couchbase/stellar-gcs/gcs/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtocolVersionDefaultsToHighest(t *testing.T) {
	flag := rootCmd.Flags().Lookup("protocol-version")
	require.NotNil(t, flag)

	v, err := strconv.Atoi(flag.DefValue)
	require.NoError(t, err)
	assert.Equal(t, protocol.VersionHighest, protocol.Version(v))
}
