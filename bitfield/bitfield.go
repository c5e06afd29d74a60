// Package bitfield implements the fixed-length piece bit vector shared by the picker, the lifecycle
// modes and the resume data.
package bitfield

import (
	"errors"
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring"
)

var (
	ErrOutOfRange     = errors.New("bitfield index out of range")
	ErrLengthMismatch = errors.New("bitfield length mismatch")
)

// A BitField records one boolean per piece. The length is fixed at construction. Counts are always
// derived from the underlying bitmap so they can't drift from the bits.
type BitField struct {
	length int
	bits   roaring.Bitmap
}

func New(length int) *BitField {
	if length < 0 {
		panic(length)
	}
	return &BitField{length: length}
}

// FromIndices returns a BitField of the given length with the listed indices set.
func FromIndices(length int, indices ...int) (*BitField, error) {
	bf := New(length)
	for _, i := range indices {
		if err := bf.Set(i, true); err != nil {
			return nil, err
		}
	}
	return bf, nil
}

func (bf *BitField) Len() int {
	return bf.length
}

func (bf *BitField) checkIndex(i int) error {
	if i < 0 || i >= bf.length {
		return fmt.Errorf("%w: index %d, length %d", ErrOutOfRange, i, bf.length)
	}
	return nil
}

func (bf *BitField) checkLength(other *BitField) error {
	if other.length != bf.length {
		return fmt.Errorf("%w: %d != %d", ErrLengthMismatch, bf.length, other.length)
	}
	return nil
}

func (bf *BitField) Set(i int, value bool) error {
	if err := bf.checkIndex(i); err != nil {
		return err
	}
	if value {
		bf.bits.Add(uint32(i))
	} else {
		bf.bits.Remove(uint32(i))
	}
	return nil
}

func (bf *BitField) Get(i int) (bool, error) {
	if err := bf.checkIndex(i); err != nil {
		return false, err
	}
	return bf.bits.Contains(uint32(i)), nil
}

// Has is Get for scanning code that has already bounded its indices. Out of range is false.
func (bf *BitField) Has(i int) bool {
	if i < 0 || i >= bf.length {
		return false
	}
	return bf.bits.Contains(uint32(i))
}

// SetAll sets every bit to value.
func (bf *BitField) SetAll(value bool) {
	bf.bits.Clear()
	if value && bf.length != 0 {
		bf.bits.AddRange(0, uint64(bf.length))
	}
}

// FirstTrue returns the lowest set index >= from.
func (bf *BitField) FirstTrue(from int) (int, bool) {
	return bf.FirstTrueIn(from, bf.length)
}

// FirstTrueIn returns the lowest set index in [from, end).
func (bf *BitField) FirstTrueIn(from, end int) (int, bool) {
	if from < 0 {
		from = 0
	}
	if end > bf.length {
		end = bf.length
	}
	if from >= end {
		return -1, false
	}
	it := bf.bits.Iterator()
	it.AdvanceIfNeeded(uint32(from))
	if !it.HasNext() {
		return -1, false
	}
	v := int(it.Next())
	if v >= end {
		return -1, false
	}
	return v, true
}

// FirstFalse returns the lowest unset index >= from.
func (bf *BitField) FirstFalse(from int) (int, bool) {
	if from < 0 {
		from = 0
	}
	for i := from; i < bf.length; i++ {
		if !bf.bits.Contains(uint32(i)) {
			return i, true
		}
	}
	return -1, false
}

func (bf *BitField) TrueCount() int {
	return int(bf.bits.GetCardinality())
}

func (bf *BitField) AllTrue() bool {
	return bf.TrueCount() == bf.length
}

func (bf *BitField) AllFalse() bool {
	return bf.bits.IsEmpty()
}

// PercentComplete is in the range [0, 100]. An empty BitField is complete.
func (bf *BitField) PercentComplete() float64 {
	if bf.length == 0 {
		return 100
	}
	return float64(bf.TrueCount()) * 100 / float64(bf.length)
}

func (bf *BitField) CopyFrom(other *BitField) error {
	if err := bf.checkLength(other); err != nil {
		return err
	}
	bf.bits = *other.bits.Clone()
	return nil
}

func (bf *BitField) Clone() *BitField {
	return &BitField{
		length: bf.length,
		bits:   *bf.bits.Clone(),
	}
}

// And keeps only bits also set in other.
func (bf *BitField) And(other *BitField) error {
	if err := bf.checkLength(other); err != nil {
		return err
	}
	bf.bits.And(&other.bits)
	return nil
}

func (bf *BitField) Or(other *BitField) error {
	if err := bf.checkLength(other); err != nil {
		return err
	}
	bf.bits.Or(&other.bits)
	return nil
}

// AndNot clears every bit set in other.
func (bf *BitField) AndNot(other *BitField) error {
	if err := bf.checkLength(other); err != nil {
		return err
	}
	bf.bits.AndNot(&other.bits)
	return nil
}

func (bf *BitField) Not() {
	if bf.length != 0 {
		bf.bits.Flip(0, uint64(bf.length))
	}
}

func (bf *BitField) Equal(other *BitField) bool {
	return bf.length == other.length && bf.bits.Equals(&other.bits)
}

// Iterate calls f with each set index in ascending order until f returns false.
func (bf *BitField) Iterate(f func(i int) bool) {
	bf.bits.Iterate(func(x uint32) bool {
		return f(int(x))
	})
}

// Indices returns the set indices in ascending order.
func (bf *BitField) Indices() (ret []int) {
	bf.Iterate(func(i int) bool {
		ret = append(ret, i)
		return true
	})
	return
}

// Bytes encodes the BitField the way the peer protocol does: the high bit of the first byte is
// index 0 and spare trailing bits are zero.
func (bf *BitField) Bytes() []byte {
	b := make([]byte, (bf.length+7)/8)
	bf.Iterate(func(i int) bool {
		b[i/8] |= 1 << (7 - uint(i%8))
		return true
	})
	return b
}

// FromBytes decodes the peer protocol encoding for a BitField of the given length.
func FromBytes(length int, b []byte) (*BitField, error) {
	if len(b) != (length+7)/8 {
		return nil, fmt.Errorf("%w: %d bytes for %d bits", ErrLengthMismatch, len(b), length)
	}
	bf := New(length)
	for i := range length {
		if b[i/8]&(1<<(7-uint(i%8))) != 0 {
			bf.bits.Add(uint32(i))
		}
	}
	for i := length; i < len(b)*8; i++ {
		if b[i/8]&(1<<(7-uint(i%8))) != 0 {
			return nil, fmt.Errorf("spare bit %d set", i)
		}
	}
	return bf, nil
}

func (bf *BitField) String() string {
	var sb strings.Builder
	sb.Grow(bf.length)
	for i := range bf.length {
		if bf.bits.Contains(uint32(i)) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}
