package ring

import (
	"fmt"

	"github.com/meshdb/meshdb/internal/transport"
)

// M is the number of finger table entries; identifiers live on the
// mod-2^32 ring.
const M = 32

// Member is a node's position on the ring: its network identity plus its
// uniform-random 32-bit chord id.
type Member struct {
	Node    transport.NodeID
	ChordID uint32
}

// Equal compares members on both fields.
func (m Member) Equal(o Member) bool {
	return m.Node == o.Node && m.ChordID == o.ChordID
}

// String renders the member for logs.
func (m Member) String() string {
	return fmt.Sprintf("%s@%d", m.Node.String(), m.ChordID)
}

// Between reports strict circular containment on the uint32 ring: when
// min < max it is the plain open interval, otherwise the interval wraps
// through zero. Both endpoints are excluded.
func Between(id, min, max uint32) bool {
	if min < max {
		return id > min && id < max
	}
	return id > min || id < max
}

// fingerStart is the nominal target of finger i: self + 2^(i-1), with
// unsigned 32-bit wraparound.
func fingerStart(self uint32, i int) uint32 {
	return self + 1<<(uint(i)-1)
}
