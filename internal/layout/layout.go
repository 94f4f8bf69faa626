// Package layout defines the byte layout of objects in the image heap:
// header offsets, element offsets, and alignment. Hybrid object layouts
// are computed in package world.
package layout

import "fmt"

// Kind classifies the storage of a field or array element.
type Kind int

const (
	Bool Kind = iota
	Byte
	Char
	Short
	Int
	Long
	Float
	Double
	Ref  // reference to another heap object
	Word // machine-sized integer; never a heap reference
)

var kindNames = [...]string{"bool", "byte", "char", "short", "int", "long", "float", "double", "ref", "word"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind maps a kind name (as used in world files) to a Kind.
func ParseKind(s string) (Kind, error) {
	for i, n := range kindNames {
		if n == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("layout: unknown kind %q", s)
}

// Layout holds the object layout constants for one build.
//
// Object form:
//
//	+0x00: hub reference      (word-sized)
//	+0x08: first instance field, or for arrays:
//	+0x08: length  int32
//	+0x0c: hash    int32
//	+0x10: element 0
type Layout struct {
	WordBytes           int // reference width; 8 in the exercised configuration
	Alignment           int // object alignment
	HubOffset           int64
	ArrayLengthOffset   int64
	ArrayHashCodeOffset int64
	ArrayElementsOffset int64 // offset of element 0
	FirstFieldOffset    int64 // first instance field of a non-hybrid class
}

// Default returns the layout used by the 64-bit configuration.
func Default() Layout {
	return Layout{
		WordBytes:           8,
		Alignment:           8,
		HubOffset:           0,
		ArrayLengthOffset:   8,
		ArrayHashCodeOffset: 12,
		ArrayElementsOffset: 16,
		FirstFieldOffset:    8,
	}
}

// SizeInBytes returns the storage size of one value of kind k.
func (l Layout) SizeInBytes(k Kind) int {
	switch k {
	case Bool, Byte:
		return 1
	case Char, Short:
		return 2
	case Int, Float:
		return 4
	case Long, Double:
		return 8
	case Ref, Word:
		return l.WordBytes
	}
	panic(fmt.Sprintf("layout: size of %v", k))
}

// ReferenceAlign rounds n up to the object alignment.
func (l Layout) ReferenceAlign(n int64) int64 {
	a := int64(l.Alignment)
	return (n + a - 1) &^ (a - 1)
}

// IsAligned reports whether n is reference-aligned.
func (l Layout) IsAligned(n int64) bool {
	return n%int64(l.Alignment) == 0
}

// ArrayElementOffset returns the offset of element i in an array of kind k.
func (l Layout) ArrayElementOffset(k Kind, i int) int64 {
	return l.ArrayElementsOffset + int64(i)*int64(l.SizeInBytes(k))
}

// ArraySize returns the aligned total size of an array of kind k with n elements.
func (l Layout) ArraySize(k Kind, n int) int64 {
	return l.ReferenceAlign(l.ArrayElementsOffset + int64(n)*int64(l.SizeInBytes(k)))
}

// AlignUp rounds n up to a multiple of to. Used when packing fields.
func AlignUp(n int64, to int) int64 {
	t := int64(to)
	return (n + t - 1) &^ (t - 1)
}
