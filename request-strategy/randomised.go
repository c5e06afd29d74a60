package requestStrategy

import (
	"math/rand/v2"

	"github.com/peerforge/torrent/bitfield"
)

// RandomisedPicker starts each pick from a point in the range chosen once per session, then wraps
// around. Peers running the same software then don't all converge on the same first pieces.
type RandomisedPicker struct {
	Picker
	rand *rand.Rand
	// Fraction of the range to start from. Chosen lazily.
	midpoint float64
	chosen   bool
}

var _ Picker = (*RandomisedPicker)(nil)

func NewRandomisedPicker(inner Picker, r *rand.Rand) *RandomisedPicker {
	if r == nil {
		r = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &RandomisedPicker{
		Picker: inner,
		rand:   r,
	}
}

func (me *RandomisedPicker) Unwrap() Picker {
	return me.Picker
}

func (me *RandomisedPicker) Initialise(own *bitfield.BitField, files []File, active []*Piece) {
	me.chosen = false
	me.Picker.Initialise(own, files, active)
}

func (me *RandomisedPicker) Reset() {
	me.chosen = false
	me.Picker.Reset()
}

func (me *RandomisedPicker) PickPiece(
	peer Peer, peerHas *bitfield.BitField, otherPeers []Peer, count, startIndex, endIndex int,
) []Request {
	if count <= 0 || peerHas.AllFalse() {
		return nil
	}
	startIndex, endIndex = clampRange(peerHas, startIndex, endIndex)
	if endIndex-startIndex <= 1 {
		return me.Picker.PickPiece(peer, peerHas, otherPeers, count, startIndex, endIndex)
	}
	if !me.chosen {
		me.midpoint = me.rand.Float64()
		me.chosen = true
	}
	mid := startIndex + int(me.midpoint*float64(endIndex-startIndex))
	reqs := me.Picker.PickPiece(peer, peerHas, otherPeers, count, mid, endIndex)
	if len(reqs) < count && mid > startIndex {
		reqs = append(reqs, me.Picker.PickPiece(peer, peerHas, otherPeers, count-len(reqs), startIndex, mid)...)
	}
	return reqs
}
