package world

import (
	"fmt"

	"bootheap/internal/layout"
)

// HybridLayout is the memory form of a hybrid class: array length and bit
// area up front, the instance fields after the bit area, the array
// elements trailing the fields.
//
//	+0x00: hub
//	+0x08: array length  int32
//	+0x0c: bit area      (HybridBitsetBytes bytes)
//	 ... : instance fields, identity hash
//	 ... : element 0
type HybridLayout struct {
	class *Class
	lay   layout.Layout

	firstElementOffset int64
}

// NewHybridLayout computes the hybrid layout of a class. The builder
// memoizes one per class.
func NewHybridLayout(c *Class, lay layout.Layout) *HybridLayout {
	if !c.IsHybrid() {
		panic(fmt.Sprintf("world: %s is not hybrid", c.Name))
	}
	elemSize := int64(lay.SizeInBytes(c.HybridElem))
	return &HybridLayout{
		class:              c,
		lay:                lay,
		firstElementOffset: layout.AlignUp(c.HashCodeOffset+4, int(elemSize)),
	}
}

// ArrayField returns the field holding the embedded array.
func (h *HybridLayout) ArrayField() *Field { return h.class.HybridArrayField }

// BitsetField returns the field holding the embedded bit set, nil if the
// class has none.
func (h *HybridLayout) BitsetField() *Field { return h.class.HybridBitsetField }

// ElementKind returns the embedded array's element kind.
func (h *HybridLayout) ElementKind() layout.Kind { return h.class.HybridElem }

// BitFieldOffset returns the offset of the bit area, directly after the
// array length.
func (h *HybridLayout) BitFieldOffset() int64 { return h.lay.ArrayLengthOffset + 4 }

// ArrayElementOffset returns the offset of embedded element i.
func (h *HybridLayout) ArrayElementOffset(i int) int64 {
	return h.firstElementOffset + int64(i)*int64(h.lay.SizeInBytes(h.class.HybridElem))
}

// TotalSize returns the aligned size of a hybrid instance embedding n
// elements.
func (h *HybridLayout) TotalSize(n int) int64 {
	return h.lay.ReferenceAlign(h.ArrayElementOffset(n))
}
