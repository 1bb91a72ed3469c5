package daemon

import (
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-gcs/gcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewDaemonRequiresGroup(t *testing.T) {
	_, err := NewDaemon(&Config{
		Logger: zaptest.NewLogger(t),
	})
	require.Error(t, err)
}

func TestClassifyJoinError(t *testing.T) {
	d := &Daemon{}

	var permanent *backoff.PermanentError
	assert.True(t, errors.As(d.classifyJoinError(gcs.ErrAlreadyMember), &permanent))
	assert.True(t, errors.As(d.classifyJoinError(gcs.ErrNoPeers), &permanent))
	assert.False(t, errors.As(d.classifyJoinError(gcs.ErrJoinFailed), &permanent))
}
