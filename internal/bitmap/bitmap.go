// Package bitmap wraps github.com/RoaringBitmap/roaring/v2 as the universal
// set type used for document-id sets, task-registry secondary indices, and
// filter/search intermediates.
package bitmap

import (
	"github.com/RoaringBitmap/roaring/v2"
)

// Bitmap is a compressed set of uint32 ids.
type Bitmap struct {
	rb *roaring.Bitmap
}

// New returns an empty bitmap.
func New() *Bitmap {
	return &Bitmap{rb: roaring.New()}
}

// FromSlice builds a bitmap from a slice of ids.
func FromSlice(ids []uint32) *Bitmap {
	return &Bitmap{rb: roaring.BitmapOf(ids...)}
}

// Add inserts id into the set.
func (b *Bitmap) Add(id uint32) {
	b.rb.Add(id)
}

// Remove deletes id from the set.
func (b *Bitmap) Remove(id uint32) {
	b.rb.Remove(id)
}

// Contains reports whether id is a member of the set.
func (b *Bitmap) Contains(id uint32) bool {
	return b.rb.Contains(id)
}

// Len returns the cardinality of the set.
func (b *Bitmap) Len() uint64 {
	return b.rb.GetCardinality()
}

// IsEmpty reports whether the set has no members.
func (b *Bitmap) IsEmpty() bool {
	return b.rb.IsEmpty()
}

// Clone returns an independent copy.
func (b *Bitmap) Clone() *Bitmap {
	return &Bitmap{rb: b.rb.Clone()}
}

// And intersects the receiver with other in place.
func (b *Bitmap) And(other *Bitmap) {
	b.rb.And(other.rb)
}

// AndCardinality returns |b ∩ other| without mutating either operand.
func (b *Bitmap) AndCardinality(other *Bitmap) uint64 {
	return b.rb.AndCardinality(other.rb)
}

// Or unions other into the receiver in place.
func (b *Bitmap) Or(other *Bitmap) {
	b.rb.Or(other.rb)
}

// AndNot removes other's members from the receiver in place.
func (b *Bitmap) AndNot(other *Bitmap) {
	b.rb.AndNot(other.rb)
}

// Flip returns the complement of b within [0, rangeEnd). The filter
// evaluator does not use it; NOT is evaluated with Clone and AndNot over
// the index's universe.
func (b *Bitmap) Flip(rangeEnd uint64) *Bitmap {
	return &Bitmap{rb: roaring.Flip(b.rb, 0, rangeEnd)}
}

// ToArray materializes the set as a sorted slice. Callers on hot paths
// should prefer Iterator to avoid the allocation.
func (b *Bitmap) ToArray() []uint32 {
	return b.rb.ToArray()
}

// Iterator returns a forward iterator over the set in ascending order.
func (b *Bitmap) Iterator() roaring.IntPeekable {
	return b.rb.Iterator()
}

// MarshalBinary encodes the bitmap for storage.
func (b *Bitmap) MarshalBinary() ([]byte, error) {
	return b.rb.ToBytes()
}

// UnmarshalBinary decodes a bitmap previously produced by MarshalBinary.
func (b *Bitmap) UnmarshalBinary(data []byte) error {
	if b.rb == nil {
		b.rb = roaring.New()
	}
	return b.rb.UnmarshalBinary(data)
}

// Union returns the union of all given bitmaps without mutating any of them.
func Union(bitmaps ...*Bitmap) *Bitmap {
	rbs := make([]*roaring.Bitmap, len(bitmaps))
	for i, bm := range bitmaps {
		rbs[i] = bm.rb
	}
	return &Bitmap{rb: roaring.FastOr(rbs...)}
}

// Intersection returns the intersection of all given bitmaps without
// mutating any of them. Returns an empty bitmap for a zero-length input.
func Intersection(bitmaps ...*Bitmap) *Bitmap {
	if len(bitmaps) == 0 {
		return New()
	}
	result := bitmaps[0].Clone()
	for _, bm := range bitmaps[1:] {
		result.And(bm)
	}
	return result
}
