package control

import "fmt"

type State int

const (
	StateIdle State = iota
	StateJoining
	StateMember
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateMember:
		return "member"
	case StateLeaving:
		return "leaving"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
