package pipeline

import "errors"

var (
	ErrShortPacket      = errors.New("packet is shorter than its header")
	ErrUnknownVersion   = errors.New("packet carries an unknown protocol version")
	ErrInvalidFragment  = errors.New("packet carries an invalid fragment header")
	ErrStageUnsupported = errors.New("packet uses a stage its version does not support")
	ErrTooLarge         = errors.New("message needs more fragments than a packet can describe")
)
