package consensus

import "github.com/cespare/xxhash/v2"

// GroupHash derives the identifier used to scope every command and synod to
// one group.
func GroupHash(group string) uint32 {
	return uint32(xxhash.Sum64String(group))
}
