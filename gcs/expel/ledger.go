/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package expel

import (
	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"golang.org/x/exp/slices"
)

// Record remembers that an expel of Member was issued while the group was in
// configuration ConfigID.
type Record struct {
	Member   nodes.Member
	ConfigID nodes.Synod
}

// Ledger tracks expels which were issued but have not yet been observed in a
// later configuration. Until then the expelled members still count as
// suspects when computing whether this node sits in a majority.
//
// Ledger is not safe for concurrent use; the suspicion manager guards it.
type Ledger struct {
	records []Record
}

func (l *Ledger) Size() int {
	return len(l.records)
}

func (l *Ledger) Records() []Record {
	return slices.Clone(l.records)
}

func (l *Ledger) Contains(m nodes.Member, configID nodes.Synod) bool {
	return slices.Contains(l.records, Record{Member: m, ConfigID: configID})
}

// Remember records an expel of each member in the given configuration. A
// (member, configuration) pair is only ever recorded once.
func (l *Ledger) Remember(configID nodes.Synod, expelled []nodes.Member) {
	for _, m := range expelled {
		if l.Contains(m, configID) {
			continue
		}
		l.records = append(l.records, Record{Member: m, ConfigID: configID})
	}
}

// ForgetResolved drops the records of members that are gone as of a
// configuration later than the one the record was made in.
func (l *Ledger) ForgetResolved(configID nodes.Synod, gone []nodes.Member) {
	l.records = slices.DeleteFunc(l.records, func(r Record) bool {
		return r.ConfigID.Less(configID) && nodes.ContainsMember(gone, r.Member)
	})
}

// CountNotAbout counts the records whose member is not among the given
// suspects, so that nobody is counted twice.
func (l *Ledger) CountNotAbout(memberSuspects, nonMemberSuspects []nodes.Member) int {
	count := 0
	for _, r := range l.records {
		if nodes.ContainsMember(memberSuspects, r.Member) ||
			nodes.ContainsMember(nonMemberSuspects, r.Member) {
			continue
		}
		count++
	}
	return count
}

// AllStillIn reports whether every expelled member is still part of the set.
func (l *Ledger) AllStillIn(set *nodes.NodeSet) bool {
	for _, r := range l.records {
		if !set.Contains(r.Member) {
			return false
		}
	}
	return true
}

// Missing returns the members of outstanding records absent from the set.
func (l *Ledger) Missing(set *nodes.NodeSet) []nodes.Member {
	var out []nodes.Member
	for _, r := range l.records {
		if !set.Contains(r.Member) && !nodes.ContainsMember(out, r.Member) {
			out = append(out, r.Member)
		}
	}
	return out
}

func (l *Ledger) Clear() {
	l.records = nil
}
