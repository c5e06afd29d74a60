package requestStrategy

import (
	"iter"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/multiless"
	"github.com/tidwall/btree"

	"github.com/peerforge/torrent/bitfield"
)

type availabilityItem struct {
	Index        int
	Availability int
}

func availabilityLess(a, b availabilityItem) bool {
	return multiless.New().Int(
		a.Availability, b.Availability,
	).Int(
		a.Index, b.Index,
	).Less()
}

// PieceAvailability counts how many connected peers have each piece, and keeps pieces ordered by
// that count so the rarest can be found without sorting.
type PieceAvailability struct {
	counts []int
	tree   *btree.BTreeG[availabilityItem]
}

func NewPieceAvailability(numPieces int) *PieceAvailability {
	me := &PieceAvailability{
		counts: make([]int, numPieces),
		tree:   btree.NewBTreeGOptions(availabilityLess, btree.Options{NoLocks: true}),
	}
	for i := range numPieces {
		me.tree.Set(availabilityItem{Index: i})
	}
	return me
}

func (me *PieceAvailability) Len() int {
	return len(me.counts)
}

func (me *PieceAvailability) Get(index int) int {
	return me.counts[index]
}

func (me *PieceAvailability) adjust(index, delta int) {
	old := me.counts[index]
	_, deleted := me.tree.Delete(availabilityItem{index, old})
	panicif.False(deleted)
	me.counts[index] = old + delta
	panicif.LessThan(me.counts[index], 0)
	_, replaced := me.tree.Set(availabilityItem{index, me.counts[index]})
	panicif.True(replaced)
}

func (me *PieceAvailability) Inc(index int) {
	me.adjust(index, 1)
}

func (me *PieceAvailability) Dec(index int) {
	me.adjust(index, -1)
}

// Adds a peer's pieces. Pieces beyond the end of the availability are ignored.
func (me *PieceAvailability) AddBitField(bf *bitfield.BitField) {
	for _, i := range bf.Indices() {
		if i < len(me.counts) {
			me.Inc(i)
		}
	}
}

func (me *PieceAvailability) RemoveBitField(bf *bitfield.BitField) {
	for _, i := range bf.Indices() {
		if i < len(me.counts) {
			me.Dec(i)
		}
	}
}

// Iterates over pieces from least to most available, breaking ties on index.
func (me *PieceAvailability) Ascending() iter.Seq2[int, int] {
	return func(yield func(index, availability int) bool) {
		me.tree.Scan(func(item availabilityItem) bool {
			return yield(item.Index, item.Availability)
		})
	}
}

// Groups of pieces with equal availability, rarest first. Only pieces in filter are included.
func (me *PieceAvailability) tiers(filter *bitfield.BitField) iter.Seq[*bitfield.BitField] {
	return func(yield func(*bitfield.BitField) bool) {
		var (
			cur      *bitfield.BitField
			curAvail g.Option[int]
		)
		for index, avail := range me.Ascending() {
			if !filter.Has(index) {
				continue
			}
			if curAvail.Ok && curAvail.Value != avail {
				if !yield(cur) {
					return
				}
				cur = nil
			}
			if cur == nil {
				cur = bitfield.New(filter.Len())
			}
			curAvail = g.Some(avail)
			cur.Set(index, true)
		}
		if cur != nil {
			yield(cur)
		}
	}
}

// Builds the availability implied by a set of peers.
func availabilityFromPeers(numPieces int, peerHas *bitfield.BitField, otherPeers []Peer) *PieceAvailability {
	ret := NewPieceAvailability(numPieces)
	ret.AddBitField(peerHas)
	for _, p := range otherPeers {
		if bf := p.BitField(); bf != nil {
			ret.AddBitField(bf)
		}
	}
	return ret
}
