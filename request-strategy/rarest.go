package requestStrategy

import (
	"github.com/peerforge/torrent/bitfield"
)

// RarestFirstPicker offers the wrapped picker the least available pieces first, one availability
// tier at a time.
type RarestFirstPicker struct {
	Picker
	// Maintained by the owner. When nil, availability is computed from the peers given to each
	// pick.
	availability *PieceAvailability
	own          *bitfield.BitField
}

var _ Picker = (*RarestFirstPicker)(nil)

func NewRarestFirstPicker(inner Picker, availability *PieceAvailability) *RarestFirstPicker {
	return &RarestFirstPicker{
		Picker:       inner,
		availability: availability,
	}
}

func (me *RarestFirstPicker) Unwrap() Picker {
	return me.Picker
}

func (me *RarestFirstPicker) Initialise(own *bitfield.BitField, files []File, active []*Piece) {
	me.own = own
	me.Picker.Initialise(own, files, active)
}

func (me *RarestFirstPicker) PickPiece(
	peer Peer, peerHas *bitfield.BitField, otherPeers []Peer, count, startIndex, endIndex int,
) (reqs []Request) {
	if count <= 0 || peerHas.AllFalse() {
		return nil
	}
	startIndex, endIndex = clampRange(peerHas, startIndex, endIndex)
	candidates := bitfield.New(peerHas.Len())
	for i, ok := peerHas.FirstTrueIn(startIndex, endIndex); ok; i, ok = peerHas.FirstTrueIn(i+1, endIndex) {
		if me.own == nil || !me.own.Has(i) {
			candidates.Set(i, true)
		}
	}
	if candidates.AllFalse() {
		return nil
	}
	avail := me.availability
	if avail == nil || avail.Len() != peerHas.Len() {
		avail = availabilityFromPeers(peerHas.Len(), peerHas, otherPeers)
	}
	for tier := range avail.tiers(candidates) {
		reqs = append(reqs, me.Picker.PickPiece(peer, tier, otherPeers, count-len(reqs), startIndex, endIndex)...)
		if len(reqs) >= count {
			break
		}
	}
	return
}
