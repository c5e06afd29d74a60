package requestStrategy

import (
	"testing"

	"github.com/go-quicktest/qt"

	pp "github.com/anacrolix/torrent/peer_protocol"

	"github.com/peerforge/torrent/bitfield"
	"github.com/peerforge/torrent/types"
)

type testPeer struct {
	name     string
	choking  bool
	requests int
	has      *bitfield.BitField
	sent     []pp.Message
}

func (me *testPeer) IsChoking() bool                  { return me.choking }
func (me *testPeer) AmRequestingPiecesCount() int     { return me.requests }
func (me *testPeer) Enqueue(msg pp.Message)           { me.sent = append(me.sent, msg) }
func (me *testPeer) BitField() *bitfield.BitField     { return me.has }
func (me *testPeer) AddAmRequestingPiecesCount(d int) { me.requests += d }

func (me *testPeer) String() string {
	return me.name
}

func (me *testPeer) cancels() (ret []pp.Message) {
	for _, m := range me.sent {
		if m.Type == pp.Cancel {
			ret = append(ret, m)
		}
	}
	return
}

func newTestPeer(t testing.TB, name string, numPieces int, has ...int) *testPeer {
	bf, err := bitfield.FromIndices(numPieces, has...)
	qt.Assert(t, qt.IsNil(err))
	return &testPeer{name: name, has: bf}
}

func allPieces(n int) (ret []int) {
	for i := range n {
		ret = append(ret, i)
	}
	return
}

// Ten pieces of two blocks each.
var testInfo = Info{
	PieceLength: 2 * BlockSize,
	TotalLength: 10 * 2 * BlockSize,
}

func pieceIndexes(reqs []Request) (ret []int) {
	for _, r := range reqs {
		ret = append(ret, int(r.Index))
	}
	return
}

func blockRequest(piece, offset int) Request {
	return types.NewRequest(piece, offset, BlockSize)
}
