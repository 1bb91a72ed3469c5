package nodes

import "fmt"

// Synod identifies a single consensus slot. A configuration id is the synod at
// which a configuration was agreed. Synods are ordered by message number and
// then by the proposing node; the group id only scopes them.
type Synod struct {
	GroupID uint32 `json:"g"`
	MsgNo   uint64 `json:"m"`
	Node    uint32 `json:"n"`
}

// Compare returns -1, 0 or +1 depending on whether s sorts before, equal to or
// after o.
func (s Synod) Compare(o Synod) int {
	switch {
	case s.MsgNo < o.MsgNo:
		return -1
	case s.MsgNo > o.MsgNo:
		return +1
	case s.Node < o.Node:
		return -1
	case s.Node > o.Node:
		return +1
	}
	return 0
}

func (s Synod) Less(o Synod) bool {
	return s.Compare(o) < 0
}

func (s Synod) IsNull() bool {
	return s.GroupID == 0 && s.MsgNo == 0 && s.Node == 0
}

func (s Synod) String() string {
	return fmt.Sprintf("{%x %d %d}", s.GroupID, s.MsgNo, s.Node)
}
