package protocol

import "errors"

var (
	ErrChangeInProgress   = errors.New("a protocol version change is already in progress")
	ErrVersionUnsupported = errors.New("protocol version is not supported by every member")
)
