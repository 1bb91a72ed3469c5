package pipeline

import (
	"encoding/binary"

	"github.com/couchbase/stellar-gcs/gcs/protocol"
	"github.com/pkg/errors"
)

const headerLen = 16

const (
	flagCompressed uint8 = 1 << 0
)

// Header precedes every packet on the wire. All fields are big endian.
//
//	version   u16
//	cargo     u8
//	flags     u8
//	messageID u64
//	fragIndex u16
//	fragCount u16
type Header struct {
	Version   protocol.Version
	Cargo     protocol.CargoKind
	Flags     uint8
	MessageID uint64
	FragIndex uint16
	FragCount uint16
}

func (h *Header) Compressed() bool {
	return h.Flags&flagCompressed != 0
}

func (h *Header) encode(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:], uint16(h.Version))
	buf[2] = uint8(h.Cargo)
	buf[3] = h.Flags
	binary.BigEndian.PutUint64(buf[4:], h.MessageID)
	binary.BigEndian.PutUint16(buf[12:], h.FragIndex)
	binary.BigEndian.PutUint16(buf[14:], h.FragCount)
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerLen {
		return Header{}, ErrShortPacket
	}

	h := Header{
		Version:   protocol.Version(binary.BigEndian.Uint16(buf[0:])),
		Cargo:     protocol.CargoKind(buf[2]),
		Flags:     buf[3],
		MessageID: binary.BigEndian.Uint64(buf[4:]),
		FragIndex: binary.BigEndian.Uint16(buf[12:]),
		FragCount: binary.BigEndian.Uint16(buf[14:]),
	}

	if !h.Version.Valid() {
		return Header{}, errors.Wrapf(ErrUnknownVersion, "version %d", uint16(h.Version))
	}
	if h.FragCount == 0 || h.FragIndex >= h.FragCount {
		return Header{}, errors.Wrapf(ErrInvalidFragment, "fragment %d of %d", h.FragIndex, h.FragCount)
	}
	if h.Version < protocol.Version2 && h.Compressed() {
		return Header{}, errors.Wrapf(ErrStageUnsupported, "compression under %s", h.Version)
	}
	if h.Version < protocol.Version3 && h.FragCount > 1 {
		return Header{}, errors.Wrapf(ErrStageUnsupported, "fragmentation under %s", h.Version)
	}

	return h, nil
}
