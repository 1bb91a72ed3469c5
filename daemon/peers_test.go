package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeers(t *testing.T) {
	peers, err := ParsePeers("gcs://node-a:7000,node-b", 7600)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a:7000", "node-b:7600"}, peers)

	peers, err = ParsePeers("10.0.0.1,10.0.0.2:7601", 7600)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:7600", "10.0.0.2:7601"}, peers)

	peers, err = ParsePeers("", 7600)
	require.NoError(t, err)
	assert.Empty(t, peers)

	_, err = ParsePeers("couchbase://node-a", 7600)
	assert.Error(t, err)
}

func TestParsePeersGcsScheme(t *testing.T) {
	peers, err := ParsePeers("gcs://node-a", 7600)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a:7600"}, peers)

	peers, err = ParsePeers("gcs://10.0.0.1:7601,10.0.0.2;10.0.0.3:7602", 7600)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:7601", "10.0.0.2:7600", "10.0.0.3:7602"}, peers)

	_, err = ParsePeers("http://node-a", 7600)
	assert.Error(t, err)
}
