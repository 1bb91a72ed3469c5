package protocol

import "fmt"

// CargoKind classifies the contents of a packet.
type CargoKind uint8

const (
	CargoUnknown CargoKind = iota
	CargoUserData
	CargoStateExchange
	CargoControl
)

func (c CargoKind) String() string {
	switch c {
	case CargoUserData:
		return "user_data"
	case CargoStateExchange:
		return "state_exchange"
	case CargoControl:
		return "control"
	}
	return fmt.Sprintf("unknown(%d)", uint8(c))
}

// Accounted reports whether packets of this kind take part in the in-transit
// accounting of a protocol change. State exchange packets are always sent,
// even while a change is in progress.
func (c CargoKind) Accounted() bool {
	return c != CargoStateExchange
}
