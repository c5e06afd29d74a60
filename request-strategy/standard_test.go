package requestStrategy

import (
	"testing"
	"time"

	"github.com/go-quicktest/qt"

	"github.com/peerforge/torrent/bitfield"
)

func newTestStandard(t *testing.T, timeout time.Duration) (*StandardPicker, *bitfield.BitField, *time.Time) {
	now := time.Unix(1_000_000, 0)
	p := NewStandardPicker(testInfo, timeout)
	p.now = func() time.Time { return now }
	own := bitfield.New(testInfo.NumPieces())
	p.Initialise(own, nil, nil)
	return p, own, &now
}

func TestPickOnlyPiecesPeerHas(t *testing.T) {
	p, err := NewDefaultPicker(Config{Info: testInfo})
	qt.Assert(t, qt.IsNil(err))
	p.Initialise(bitfield.New(10), nil, nil)
	peer := newTestPeer(t, "a", 10, 2, 5, 7)
	var all []Request
	for range 5 {
		all = append(all, p.PickPiece(peer, peer.has, nil, 100, 0, 10)...)
	}
	qt.Assert(t, qt.HasLen(all, 6))
	seen := make(map[Request]bool)
	for _, r := range all {
		qt.Check(t, qt.IsTrue(peer.has.Has(int(r.Index))))
		qt.Check(t, qt.IsFalse(seen[r]))
		seen[r] = true
	}
	qt.Check(t, qt.Equals(peer.requests, 6))
	qt.Check(t, qt.Equals(p.CurrentRequestCount(), 6))
}

func TestChokingPeerGetsNothing(t *testing.T) {
	p, _, _ := newTestStandard(t, 0)
	peer := newTestPeer(t, "a", 10, allPieces(10)...)
	peer.choking = true
	qt.Check(t, qt.HasLen(p.PickPiece(peer, peer.has, nil, 10, 0, 10), 0))
	qt.Check(t, qt.Equals(peer.requests, 0))
}

func TestNothingToPick(t *testing.T) {
	p, own, _ := newTestStandard(t, 0)
	own.SetAll(true)
	peer := newTestPeer(t, "a", 10, allPieces(10)...)
	qt.Check(t, qt.HasLen(p.PickPiece(peer, peer.has, nil, 10, 0, 10), 0))
	qt.Check(t, qt.IsFalse(p.IsInteresting(peer.has)))
	empty := newTestPeer(t, "b", 10)
	qt.Check(t, qt.HasLen(p.PickPiece(empty, empty.has, nil, 10, 0, 10), 0))
}

func TestDisconnectFreesBlocks(t *testing.T) {
	p, _, _ := newTestStandard(t, 0)
	x := newTestPeer(t, "x", 10, 3)
	y := newTestPeer(t, "y", 10, 3)
	reqs := p.PickPiece(x, x.has, nil, 1, 0, 10)
	qt.Assert(t, qt.DeepEquals(reqs, []Request{blockRequest(3, 0)}))
	qt.Check(t, qt.Equals(x.requests, 1))

	p.CancelRequests(x)
	qt.Check(t, qt.Equals(x.requests, 0))
	qt.Check(t, qt.Equals(p.CurrentRequestCount(), 0))

	reqs = p.PickPiece(y, y.has, nil, 2, 0, 10)
	qt.Check(t, qt.DeepEquals(reqs, []Request{blockRequest(3, 0), blockRequest(3, BlockSize)}))
	// Nothing left for x even after it returns.
	qt.Check(t, qt.HasLen(p.PickPiece(x, x.has, nil, 2, 0, 10), 0))
}

func TestNoBlockRequestedTwice(t *testing.T) {
	p, _, _ := newTestStandard(t, 0)
	a := newTestPeer(t, "a", 10, allPieces(10)...)
	b := newTestPeer(t, "b", 10, allPieces(10)...)
	seen := make(map[Request]bool)
	for range 20 {
		for _, peer := range []*testPeer{a, b} {
			for _, r := range p.PickPiece(peer, peer.has, nil, 3, 0, 10) {
				qt.Assert(t, qt.IsFalse(seen[r]))
				seen[r] = true
			}
		}
	}
	qt.Check(t, qt.HasLen(seen, 20))
	qt.Check(t, qt.Equals(a.requests+b.requests, 20))
}

func TestTimeoutsAreIdempotent(t *testing.T) {
	p, _, now := newTestStandard(t, 10*time.Second)
	x := newTestPeer(t, "x", 10, 0)
	p.PickPiece(x, x.has, nil, 2, 0, 10)
	qt.Assert(t, qt.Equals(x.requests, 2))

	*now = now.Add(5 * time.Second)
	qt.Check(t, qt.Equals(p.CancelTimedOutRequests(), 0))
	qt.Check(t, qt.Equals(x.requests, 2))

	*now = now.Add(6 * time.Second)
	qt.Check(t, qt.Equals(p.CancelTimedOutRequests(), 2))
	qt.Check(t, qt.Equals(x.requests, 0))
	qt.Check(t, qt.Equals(p.CurrentRequestCount(), 0))
	piece := p.ExportActiveRequests()[0]
	for _, b := range piece.Blocks {
		qt.Check(t, qt.IsTrue(b.RequestTimedOut))
		qt.Check(t, qt.IsFalse(b.Requested))
	}
	qt.Check(t, qt.Equals(p.CancelTimedOutRequests(), 0))
	qt.Check(t, qt.Equals(x.requests, 0))
	// No cancel goes out for a timeout.
	qt.Check(t, qt.HasLen(x.cancels(), 0))

	// Late data from the peer that timed out is still welcome.
	ok, piece := p.ValidatePiece(x, 0, 0, BlockSize)
	qt.Check(t, qt.IsTrue(ok))
	qt.Check(t, qt.Equals(piece.Index, 0))
	qt.Check(t, qt.Equals(x.requests, 0))
	qt.Check(t, qt.IsFalse(piece.Blocks[0].RequestTimedOut))
	qt.Check(t, qt.IsTrue(piece.Blocks[1].RequestTimedOut))
}

func TestLateDataAfterReRequest(t *testing.T) {
	p, _, _ := newTestStandard(t, 0)
	x := newTestPeer(t, "x", 10, 0)
	y := newTestPeer(t, "y", 10, 0)
	p.PickPiece(x, x.has, nil, 1, 0, 10)
	piece := p.ExportActiveRequests()[0]
	piece.Blocks[0].RequestTimedOut = true
	p.CancelTimedOutRequests()
	qt.Check(t, qt.Equals(x.requests, 0))

	reqs := p.PickPiece(y, y.has, nil, 1, 0, 10)
	qt.Assert(t, qt.DeepEquals(reqs, []Request{blockRequest(0, 0)}))
	qt.Check(t, qt.IsFalse(piece.Blocks[0].RequestTimedOut))
	ok, _ := p.ValidatePiece(x, 0, 0, BlockSize)
	qt.Check(t, qt.IsFalse(ok))
	ok, _ = p.ValidatePiece(y, 0, 0, BlockSize)
	qt.Check(t, qt.IsTrue(ok))
	qt.Check(t, qt.Equals(y.requests, 0))
}

func TestValidateRejectsUnknownTuples(t *testing.T) {
	p, _, _ := newTestStandard(t, 0)
	x := newTestPeer(t, "x", 10, 0)
	y := newTestPeer(t, "y", 10, 0)
	p.PickPiece(x, x.has, nil, 1, 0, 10)
	for _, tc := range []struct {
		peer                  *testPeer
		piece, offset, length int
	}{
		{y, 0, 0, BlockSize},
		{x, 1, 0, BlockSize},
		{x, 0, 1, BlockSize},
		{x, 0, 0, BlockSize - 1},
		{x, 0, BlockSize, BlockSize},
	} {
		ok, piece := p.ValidatePiece(tc.peer, tc.piece, tc.offset, tc.length)
		qt.Check(t, qt.IsFalse(ok))
		qt.Check(t, qt.IsTrue(piece == nil))
	}
	qt.Check(t, qt.Equals(x.requests, 1))
}

func TestCompletedPieceLeavesWorkingSet(t *testing.T) {
	p, _, _ := newTestStandard(t, 0)
	x := newTestPeer(t, "x", 10, 4)
	p.PickPiece(x, x.has, nil, 2, 0, 10)
	ok, piece := p.ValidatePiece(x, 4, 0, BlockSize)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Check(t, qt.IsFalse(piece.AllBlocksReceived()))
	ok, piece = p.ValidatePiece(x, 4, BlockSize, BlockSize)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Check(t, qt.IsTrue(piece.AllBlocksReceived()))
	qt.Check(t, qt.HasLen(p.ExportActiveRequests(), 0))
	qt.Check(t, qt.Equals(x.requests, 0))
}

func TestCancelRequestDropsPristinePiece(t *testing.T) {
	p, _, _ := newTestStandard(t, 0)
	x := newTestPeer(t, "x", 10, 6)
	p.PickPiece(x, x.has, nil, 2, 0, 10)
	p.CancelRequest(x, 6, 0, BlockSize)
	qt.Check(t, qt.HasLen(p.ExportActiveRequests(), 1))
	p.CancelRequest(x, 6, BlockSize, BlockSize)
	qt.Check(t, qt.HasLen(p.ExportActiveRequests(), 0))
	qt.Check(t, qt.Equals(x.requests, 0))
	// Cancelling again changes nothing.
	p.CancelRequest(x, 6, BlockSize, BlockSize)
	qt.Check(t, qt.Equals(x.requests, 0))
}

func TestContinueExistingRequest(t *testing.T) {
	p, _, _ := newTestStandard(t, 0)
	x := newTestPeer(t, "x", 10, 1, 2)
	p.PickPiece(x, x.has, nil, 1, 0, 10)
	reqs := p.ContinueExistingRequest(x, x.has, 5, 0, 10)
	qt.Check(t, qt.DeepEquals(reqs, []Request{blockRequest(1, BlockSize)}))
	qt.Check(t, qt.HasLen(p.ContinueExistingRequest(x, x.has, 5, 0, 10), 0))
}

func TestResetReleasesCounters(t *testing.T) {
	p, _, _ := newTestStandard(t, 0)
	x := newTestPeer(t, "x", 10, allPieces(10)...)
	p.PickPiece(x, x.has, nil, 7, 0, 10)
	p.Reset()
	qt.Check(t, qt.Equals(x.requests, 0))
	qt.Check(t, qt.Equals(p.CurrentRequestCount(), 0))
	qt.Check(t, qt.HasLen(x.sent, 0))
}

func TestLastPieceIsShorter(t *testing.T) {
	info := Info{PieceLength: 2 * BlockSize, TotalLength: 3*BlockSize + 100}
	qt.Assert(t, qt.Equals(info.NumPieces(), 2))
	piece := NewPiece(1, info)
	qt.Assert(t, qt.HasLen(piece.Blocks, 2))
	qt.Check(t, qt.Equals(piece.Blocks[1].RequestLength, 100))
}
