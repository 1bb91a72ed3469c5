package pipeline

import (
	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/pkg/errors"
)

// Node indexes are reused across configurations, so partial messages are
// keyed by the sending member rather than its index.
type fragmentKey struct {
	origin    nodes.Member
	messageID uint64
}

type partialMessage struct {
	header    Header
	fragments [][]byte
	received  int
}

// Reassembler rebuilds fragmented messages. It must only be used from the
// goroutine which delivers packets.
type Reassembler struct {
	partial map[fragmentKey]*partialMessage
}

func NewReassembler() *Reassembler {
	return &Reassembler{
		partial: make(map[fragmentKey]*partialMessage),
	}
}

// Add feeds one packet sent by origin in. Once every fragment of a message has
// arrived the full decompressed payload is returned with complete set to true.
func (r *Reassembler) Add(origin nodes.Member, p *Packet) (payload []byte, complete bool, err error) {
	if p.Header.FragCount == 1 {
		payload, err = decompress(p.Header, p.Payload)
		return payload, err == nil, err
	}

	key := fragmentKey{origin: origin, messageID: p.Header.MessageID}
	msg := r.partial[key]
	if msg == nil {
		msg = &partialMessage{
			header:    p.Header,
			fragments: make([][]byte, p.Header.FragCount),
		}
		r.partial[key] = msg
	}

	if msg.header.FragCount != p.Header.FragCount || msg.header.Flags != p.Header.Flags {
		delete(r.partial, key)
		return nil, false, errors.Wrapf(ErrInvalidFragment,
			"fragment header of message %d changed", p.Header.MessageID)
	}

	if msg.fragments[p.Header.FragIndex] == nil {
		msg.fragments[p.Header.FragIndex] = p.Payload
		msg.received++
	}

	if msg.received < len(msg.fragments) {
		return nil, false, nil
	}
	delete(r.partial, key)

	size := 0
	for _, f := range msg.fragments {
		size += len(f)
	}
	body := make([]byte, 0, size)
	for _, f := range msg.fragments {
		body = append(body, f...)
	}

	payload, err = decompress(msg.header, body)
	return payload, err == nil, err
}

// Pending is the number of messages awaiting further fragments.
func (r *Reassembler) Pending() int {
	return len(r.partial)
}

// Reset drops every partial message.
func (r *Reassembler) Reset() {
	clear(r.partial)
}

// Retain drops the partial messages of every origin not in members, returning
// how many were dropped. The missing fragments of a departed sender never
// arrive.
func (r *Reassembler) Retain(members []nodes.Member) int {
	keep := make(map[nodes.Member]struct{}, len(members))
	for _, m := range members {
		keep[m] = struct{}{}
	}

	dropped := 0
	for key := range r.partial {
		if _, ok := keep[key.origin]; !ok {
			delete(r.partial, key)
			dropped++
		}
	}
	return dropped
}
