/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package protocol

import "sync/atomic"

// Tag is a snapshot of a TaggedLock. Every lock or unlock bumps the
// generation, so a tag taken before a transition never validates after it.
type Tag struct {
	Locked     bool
	Generation uint64
}

func (t Tag) pack() uint64 {
	w := t.Generation << 1
	if t.Locked {
		w |= 1
	}
	return w
}

func unpackTag(w uint64) Tag {
	return Tag{
		Locked:     w&1 != 0,
		Generation: w >> 1,
	}
}

// TaggedLock is a single-word lock which supports optimistic readers. A
// reader takes a tag, does its work and then validates that the lock was
// neither held at the time nor taken since.
type TaggedLock struct {
	word atomic.Uint64
}

func (l *TaggedLock) OptimisticRead() Tag {
	return unpackTag(l.word.Load())
}

// Validate reports whether the tag was unlocked and no transition happened
// since it was taken.
func (l *TaggedLock) Validate(t Tag) bool {
	if t.Locked {
		return false
	}
	return l.word.Load() == t.pack()
}

func (l *TaggedLock) IsLocked() bool {
	return l.OptimisticRead().Locked
}

// TryLock takes the lock if it is free and returns the tag of the held lock.
func (l *TaggedLock) TryLock() (Tag, bool) {
	cur := l.OptimisticRead()
	if cur.Locked {
		return cur, false
	}

	next := Tag{Locked: true, Generation: cur.Generation + 1}
	if !l.word.CompareAndSwap(cur.pack(), next.pack()) {
		return l.OptimisticRead(), false
	}
	return next, true
}

// Unlock releases a lock held under the given tag. It fails if the lock was
// already released by someone else.
func (l *TaggedLock) Unlock(held Tag) bool {
	if !held.Locked {
		return false
	}
	next := Tag{Locked: false, Generation: held.Generation + 1}
	return l.word.CompareAndSwap(held.pack(), next.pack())
}
