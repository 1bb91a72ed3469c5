package gcs

import (
	"github.com/couchbase/stellar-gcs/gcs/control"
	"github.com/couchbase/stellar-gcs/gcs/protocol"
)

var (
	ErrNotInitialized     = control.ErrNotInitialized
	ErrAlreadyJoining     = control.ErrAlreadyJoining
	ErrAlreadyMember      = control.ErrAlreadyMember
	ErrNoPeers            = control.ErrNoPeers
	ErrNotMember          = control.ErrNotMember
	ErrJoinFailed         = control.ErrJoinFailed
	ErrExpelled           = control.ErrExpelled
	ErrChangeInProgress   = protocol.ErrChangeInProgress
	ErrVersionUnsupported = protocol.ErrVersionUnsupported
)
