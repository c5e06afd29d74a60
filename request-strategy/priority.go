package requestStrategy

import (
	"github.com/peerforge/torrent/bitfield"
	"github.com/peerforge/torrent/types"
)

// PriorityPicker hides pieces nobody wants, and offers the wrapped picker high priority pieces
// before normal ones, and normal before low.
type PriorityPicker struct {
	Picker
	own   *bitfield.BitField
	files []File
	// One set of pieces per entry in types.WantedPriorities.
	tiers []*bitfield.BitField
	// Union of the tiers.
	wanted *bitfield.BitField
}

var _ Picker = (*PriorityPicker)(nil)

func NewPriorityPicker(inner Picker) *PriorityPicker {
	return &PriorityPicker{Picker: inner}
}

func (me *PriorityPicker) Unwrap() Picker {
	return me.Picker
}

func (me *PriorityPicker) Initialise(own *bitfield.BitField, files []File, active []*Piece) {
	me.own = own
	me.files = files
	me.UpdatePriorities()
	me.Picker.Initialise(own, files, active)
}

// Recomputes the tiers from the current file priorities.
func (me *PriorityPicker) UpdatePriorities() {
	if me.own == nil {
		return
	}
	n := me.own.Len()
	prios := piecePriorities(me.files, n)
	me.tiers = make([]*bitfield.BitField, len(types.WantedPriorities))
	for i := range me.tiers {
		me.tiers[i] = bitfield.New(n)
	}
	me.wanted = bitfield.New(n)
	for index, prio := range prios {
		for i, tierPrio := range types.WantedPriorities {
			if prio == tierPrio {
				me.tiers[i].Set(index, true)
				me.wanted.Set(index, true)
			}
		}
	}
}

// peerHas restricted to wanted pieces. Returns nil if the lengths don't agree.
func (me *PriorityPicker) mask(peerHas, set *bitfield.BitField) *bitfield.BitField {
	if set == nil {
		return peerHas
	}
	ret := peerHas.Clone()
	if ret.And(set) != nil {
		return nil
	}
	return ret
}

func (me *PriorityPicker) IsInteresting(peerHas *bitfield.BitField) bool {
	masked := me.mask(peerHas, me.wanted)
	return masked != nil && me.Picker.IsInteresting(masked)
}

func (me *PriorityPicker) PickPiece(
	peer Peer, peerHas *bitfield.BitField, otherPeers []Peer, count, startIndex, endIndex int,
) (reqs []Request) {
	if me.tiers == nil {
		return me.Picker.PickPiece(peer, peerHas, otherPeers, count, startIndex, endIndex)
	}
	for _, tier := range me.tiers {
		if len(reqs) >= count {
			break
		}
		masked := me.mask(peerHas, tier)
		if masked == nil || masked.AllFalse() {
			continue
		}
		reqs = append(reqs, me.Picker.PickPiece(peer, masked, otherPeers, count-len(reqs), startIndex, endIndex)...)
	}
	return
}

func (me *PriorityPicker) ContinueExistingRequest(
	peer Peer, peerHas *bitfield.BitField, count, startIndex, endIndex int,
) []Request {
	masked := me.mask(peerHas, me.wanted)
	if masked == nil {
		return nil
	}
	return me.Picker.ContinueExistingRequest(peer, masked, count, startIndex, endIndex)
}
