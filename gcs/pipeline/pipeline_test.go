package pipeline

import (
	"bytes"
	"testing"

	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/couchbase/stellar-gcs/gcs/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testOrigin = nodes.Member{Address: "peer:1", UUID: "p"}

func newTestPipeline(t *testing.T, v protocol.Version) *Pipeline {
	p, err := New(&Options{
		Logger:               zaptest.NewLogger(t),
		Version:              v,
		CompressionThreshold: 64,
		FragmentSize:         128,
	})
	require.NoError(t, err)
	return p
}

func roundTrip(t *testing.T, p *Pipeline, payload []byte) ([][]byte, []byte) {
	packets, err := p.Encode(protocol.CargoUserData, payload)
	require.NoError(t, err)

	r := NewReassembler()
	var out []byte
	for i, data := range packets {
		pkt, err := Decode(data, 3)
		require.NoError(t, err)
		assert.Equal(t, uint32(3), pkt.OriginIndex())
		assert.Equal(t, protocol.CargoUserData, pkt.Kind())

		full, complete, err := r.Add(testOrigin, pkt)
		require.NoError(t, err)
		if i < len(packets)-1 {
			require.False(t, complete)
			continue
		}
		require.True(t, complete)
		out = full
	}
	assert.Equal(t, 0, r.Pending())
	return packets, out
}

func TestPipelineVersions(t *testing.T) {
	small := []byte("hello")
	large := bytes.Repeat([]byte("abcdefgh"), 200)

	t.Run("V1", func(t *testing.T) {
		p := newTestPipeline(t, protocol.Version1)
		packets, out := roundTrip(t, p, large)
		require.Len(t, packets, 1)
		assert.Equal(t, large, out)

		h, err := decodeHeader(packets[0])
		require.NoError(t, err)
		assert.False(t, h.Compressed())
	})

	t.Run("V2Compresses", func(t *testing.T) {
		p := newTestPipeline(t, protocol.Version2)
		packets, out := roundTrip(t, p, large)
		require.Len(t, packets, 1)
		assert.Equal(t, large, out)
		assert.Less(t, len(packets[0]), len(large))

		packets, out = roundTrip(t, p, small)
		h, err := decodeHeader(packets[0])
		require.NoError(t, err)
		assert.False(t, h.Compressed())
		assert.Equal(t, small, out)
	})

	t.Run("V3Fragments", func(t *testing.T) {
		p := newTestPipeline(t, protocol.Version3)
		incompressible := make([]byte, 1000)
		for i := range incompressible {
			incompressible[i] = byte(i*7919 + i/3)
		}
		packets, out := roundTrip(t, p, incompressible)
		assert.Greater(t, len(packets), 1)
		assert.Equal(t, incompressible, out)
	})
}

func TestPipelineDecodesByPacketVersion(t *testing.T) {
	sender := newTestPipeline(t, protocol.Version2)
	payload := bytes.Repeat([]byte("z"), 500)
	packets, err := sender.Encode(protocol.CargoUserData, payload)
	require.NoError(t, err)

	// the receiver's own outgoing version is irrelevant to decoding
	sender.SetOutgoingVersion(protocol.Version1)

	pkt, err := Decode(packets[0], 0)
	require.NoError(t, err)
	assert.Equal(t, protocol.Version2, pkt.Header.Version)

	out, complete, err := NewReassembler().Add(testOrigin, pkt)
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, payload, out)
}

func TestDecodeRejectsBadPackets(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3}, 0)
	assert.ErrorIs(t, err, ErrShortPacket)

	buf := make([]byte, headerLen)
	h := Header{Version: 9, FragCount: 1}
	h.encode(buf)
	_, err = Decode(buf, 0)
	assert.ErrorIs(t, err, ErrUnknownVersion)

	h = Header{Version: protocol.Version1, Flags: flagCompressed, FragCount: 1}
	h.encode(buf)
	_, err = Decode(buf, 0)
	assert.ErrorIs(t, err, ErrStageUnsupported)

	h = Header{Version: protocol.Version3, FragIndex: 2, FragCount: 2}
	h.encode(buf)
	_, err = Decode(buf, 0)
	assert.ErrorIs(t, err, ErrInvalidFragment)
}

func TestReassemblerOutOfOrder(t *testing.T) {
	p := newTestPipeline(t, protocol.Version3)
	payload := make([]byte, 400)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	packets, err := p.Encode(protocol.CargoUserData, payload)
	require.NoError(t, err)
	require.Greater(t, len(packets), 1)

	r := NewReassembler()
	var out []byte
	for i := len(packets) - 1; i >= 0; i-- {
		pkt, err := Decode(packets[i], 1)
		require.NoError(t, err)
		full, complete, err := r.Add(testOrigin, pkt)
		require.NoError(t, err)
		if complete {
			out = full
		}
	}
	assert.Equal(t, payload, out)
}

func fragment(id uint64, index, count uint16, origin uint32, payload string) *Packet {
	return &Packet{
		Header: Header{
			Version:   protocol.Version3,
			Cargo:     protocol.CargoUserData,
			MessageID: id,
			FragIndex: index,
			FragCount: count,
		},
		Origin:  origin,
		Payload: []byte(payload),
	}
}

func TestReassemblerSeparatesMembersSharingAnIndex(t *testing.T) {
	departed := nodes.Member{Address: "a:1", UUID: "old"}
	joined := nodes.Member{Address: "b:1", UUID: "new"}
	r := NewReassembler()

	_, complete, err := r.Add(departed, fragment(1, 0, 2, 0, "OLDO"))
	require.NoError(t, err)
	require.False(t, complete)

	// a different member now holds index 0 and reuses the message id
	_, complete, err = r.Add(joined, fragment(1, 0, 2, 0, "NEWN"))
	require.NoError(t, err)
	require.False(t, complete)

	out, complete, err := r.Add(joined, fragment(1, 1, 2, 0, "EWNE"))
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, []byte("NEWNEWNE"), out)
	assert.Equal(t, 1, r.Pending())
}

func TestReassemblerRetainDropsDepartedOrigins(t *testing.T) {
	stays := nodes.Member{Address: "a:1", UUID: "u1"}
	leaves := nodes.Member{Address: "b:1", UUID: "u2"}
	r := NewReassembler()

	_, _, err := r.Add(stays, fragment(7, 0, 2, 0, "keep"))
	require.NoError(t, err)
	_, _, err = r.Add(leaves, fragment(7, 0, 2, 1, "gone"))
	require.NoError(t, err)
	require.Equal(t, 2, r.Pending())

	assert.Equal(t, 1, r.Retain([]nodes.Member{stays}))
	assert.Equal(t, 1, r.Pending())

	out, complete, err := r.Add(stays, fragment(7, 1, 2, 0, "ing"))
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, []byte("keeping"), out)
	assert.Equal(t, 0, r.Pending())
}
