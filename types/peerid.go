package types

import (
	"crypto/rand"
	"fmt"
	"log/slog"
)

// Peer client ID.
type PeerID [20]byte

var _ slog.LogValuer = PeerID{}

func (me PeerID) LogValue() slog.Value {
	return slog.StringValue(fmt.Sprintf("%+q", me[:]))
}

// RandomPeerID fills the ID after the BEP 20 client prefix with random bytes.
func RandomPeerID(prefix string) (id PeerID) {
	n := copy(id[:], prefix)
	if _, err := rand.Read(id[n:]); err != nil {
		panic(err)
	}
	return
}
