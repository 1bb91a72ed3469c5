/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package pipeline

import (
	"math"
	"sync/atomic"

	"github.com/couchbase/stellar-gcs/gcs/protocol"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultCompressionThreshold = 1024
	DefaultFragmentSize         = 1024 * 1024
)

type Options struct {
	Logger               *zap.Logger
	Version              protocol.Version
	CompressionThreshold int
	FragmentSize         int
}

// Pipeline encodes outgoing messages with the current outgoing protocol
// version and decodes incoming packets by the version in their header.
type Pipeline struct {
	logger               *zap.Logger
	compressionThreshold int
	fragmentSize         int

	version   atomic.Uint32
	messageID atomic.Uint64
}

var _ protocol.OutgoingVersionSetter = (*Pipeline)(nil)

func New(opts *Options) (*Pipeline, error) {
	if opts == nil {
		opts = &Options{}
	}

	p := &Pipeline{
		logger:               opts.Logger,
		compressionThreshold: opts.CompressionThreshold,
		fragmentSize:         opts.FragmentSize,
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.compressionThreshold <= 0 {
		p.compressionThreshold = DefaultCompressionThreshold
	}
	if p.fragmentSize <= 0 {
		p.fragmentSize = DefaultFragmentSize
	}

	v := opts.Version
	if v == protocol.VersionUnknown {
		v = protocol.VersionHighest
	}
	if !v.Valid() {
		return nil, errors.Wrapf(ErrUnknownVersion, "version %d", uint16(v))
	}
	p.version.Store(uint32(v))

	return p, nil
}

func (p *Pipeline) SetOutgoingVersion(v protocol.Version) {
	p.version.Store(uint32(v))
	p.logger.Debug("outgoing protocol version set", zap.Stringer("version", v))
}

func (p *Pipeline) OutgoingVersion() protocol.Version {
	return protocol.Version(p.version.Load())
}

// Encode turns one message into one or more wire packets.
func (p *Pipeline) Encode(cargo protocol.CargoKind, payload []byte) ([][]byte, error) {
	version := p.OutgoingVersion()

	var flags uint8
	body := payload
	if version >= protocol.Version2 && len(payload) >= p.compressionThreshold {
		body = snappy.Encode(nil, payload)
		flags |= flagCompressed
	}

	chunks := [][]byte{body}
	if version >= protocol.Version3 && len(body) > p.fragmentSize {
		chunks = split(body, p.fragmentSize)
		if len(chunks) > math.MaxUint16 {
			return nil, errors.Wrapf(ErrTooLarge, "%d fragments", len(chunks))
		}
	}

	id := p.messageID.Add(1)
	packets := make([][]byte, 0, len(chunks))
	for i, chunk := range chunks {
		h := Header{
			Version:   version,
			Cargo:     cargo,
			Flags:     flags,
			MessageID: id,
			FragIndex: uint16(i),
			FragCount: uint16(len(chunks)),
		}

		buf := make([]byte, headerLen+len(chunk))
		h.encode(buf)
		copy(buf[headerLen:], chunk)
		packets = append(packets, buf)
	}

	return packets, nil
}

func split(body []byte, size int) [][]byte {
	var chunks [][]byte
	for len(body) > size {
		chunks = append(chunks, body[:size])
		body = body[size:]
	}
	return append(chunks, body)
}

// Packet is a decoded wire packet. Origin is the index of the sending node in
// the configuration the packet was delivered in.
type Packet struct {
	Header  Header
	Origin  uint32
	Payload []byte
}

var _ protocol.Packet = (*Packet)(nil)

func (p *Packet) Kind() protocol.CargoKind {
	return p.Header.Cargo
}

func (p *Packet) OriginIndex() uint32 {
	return p.Origin
}

func Decode(data []byte, origin uint32) (*Packet, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}

	return &Packet{
		Header:  h,
		Origin:  origin,
		Payload: data[headerLen:],
	}, nil
}

func decompress(h Header, body []byte) ([]byte, error) {
	if !h.Compressed() {
		return body, nil
	}

	out, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decompress packet")
	}
	return out, nil
}
