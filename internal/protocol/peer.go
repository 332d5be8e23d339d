package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// PeerID uniquely identifies one peer process. It embeds the peer's control
// address followed by a random tiebreaker, so two processes on the same host
// never collide and the ordering used by the election is plain byte order.
type PeerID string

// NewPeerID derives a fresh id for a peer reachable at the given control
// address (host:port).
func NewPeerID(address string) PeerID {
	return PeerID(fmt.Sprintf("%s/%s", address, uuid.NewString()))
}

// Less reports whether id orders before other. The election engine treats
// the greatest live id as the rightful leader.
func (id PeerID) Less(other PeerID) bool {
	return id < other
}

func (id PeerID) String() string {
	return string(id)
}
