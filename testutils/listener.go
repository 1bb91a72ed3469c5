package testutils

import (
	"sync"

	"github.com/couchbase/stellar-gcs/gcs"
	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/couchbase/stellar-gcs/gcs/view"
)

type Message struct {
	Origin  nodes.Member
	Payload []byte
}

// RecordingListener keeps every event it receives.
type RecordingListener struct {
	lock        sync.Mutex
	views       []*view.View
	payloads    []map[nodes.Member][]byte
	unreachable [][]nodes.Member
	messages    []Message
}

var _ gcs.Listener = (*RecordingListener)(nil)

func (l *RecordingListener) OnViewChanged(v *view.View, payloads map[nodes.Member][]byte) {
	l.lock.Lock()
	l.views = append(l.views, v)
	l.payloads = append(l.payloads, payloads)
	l.lock.Unlock()
}

func (l *RecordingListener) OnSuspicions(members []nodes.Member, unreachable []nodes.Member) {
	l.lock.Lock()
	l.unreachable = append(l.unreachable, unreachable)
	l.lock.Unlock()
}

func (l *RecordingListener) OnMessage(origin nodes.Member, payload []byte) {
	l.lock.Lock()
	l.messages = append(l.messages, Message{Origin: origin, Payload: payload})
	l.lock.Unlock()
}

func (l *RecordingListener) Views() []*view.View {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]*view.View(nil), l.views...)
}

func (l *RecordingListener) LastView() *view.View {
	l.lock.Lock()
	defer l.lock.Unlock()
	if len(l.views) == 0 {
		return nil
	}
	return l.views[len(l.views)-1]
}

func (l *RecordingListener) LastPayloads() map[nodes.Member][]byte {
	l.lock.Lock()
	defer l.lock.Unlock()
	if len(l.payloads) == 0 {
		return nil
	}
	return l.payloads[len(l.payloads)-1]
}

func (l *RecordingListener) Unreachable() [][]nodes.Member {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([][]nodes.Member(nil), l.unreachable...)
}

func (l *RecordingListener) Messages() []Message {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]Message(nil), l.messages...)
}
