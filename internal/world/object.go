// Package world models the hosted side of an ahead-of-time build: the
// object graph discovered during analysis and the metadata view (classes,
// fields, hubs, static fields) the image-heap builder consumes. Hosted
// objects are identified by pointer; the builder never uses reflection.
package world

import (
	"fmt"

	"bootheap/internal/layout"
)

// Object is a hosted object that may be reachable from the image roots.
// Identity is pointer identity.
type Object interface {
	isObject()
}

// Value is one field or element value: a primitive bit pattern or a reference.
type Value struct {
	Kind layout.Kind
	Bits uint64 // primitive and word values, little-endian bit pattern
	Ref  Object // set when Kind == layout.Ref
}

// RefValue wraps an object reference as a Value.
func RefValue(o Object) Value { return Value{Kind: layout.Ref, Ref: o} }

// IntValue wraps a 32-bit integer as a Value.
func IntValue(v int32) Value { return Value{Kind: layout.Int, Bits: uint64(uint32(v))} }

// LongValue wraps a 64-bit integer as a Value.
func LongValue(v int64) Value { return Value{Kind: layout.Long, Bits: uint64(v)} }

// WordValue wraps a machine word as a Value.
func WordValue(v uint64) Value { return Value{Kind: layout.Word, Bits: v} }

// Instance is a hosted instance of an instance class. Fields is parallel to
// Class.Fields.
type Instance struct {
	Class  *Class
	Fields []Value
}

func (*Instance) isObject() {}

func (in *Instance) String() string {
	return fmt.Sprintf("%s instance", in.Class.Name)
}

// Array is a hosted array. Prims holds the element bit patterns for
// primitive arrays, Refs the elements for reference arrays.
type Array struct {
	Class *ArrayClass
	Prims []uint64
	Refs  []Object
}

func (*Array) isObject() {}

// Len returns the number of elements.
func (a *Array) Len() int {
	if a.Class.Elem == layout.Ref {
		return len(a.Refs)
	}
	return len(a.Prims)
}

// Element returns element i as a Value.
func (a *Array) Element(i int) Value {
	if a.Class.Elem == layout.Ref {
		return Value{Kind: layout.Ref, Ref: a.Refs[i]}
	}
	return Value{Kind: a.Class.Elem, Bits: a.Prims[i]}
}

func (a *Array) String() string {
	return fmt.Sprintf("%s len %d", a.Class.Name, a.Len())
}

// Str is a hosted string. The backing character array is materialized once
// so its identity is stable across traversals.
type Str struct {
	Value string
	Chars *Array

	hash   int32
	hashed bool
}

func (*Str) isObject() {}

// Hash returns the string content hash (the 31-polynomial over UTF-16
// units). A zero hash means the hash field would be written lazily at run
// time, so the string is not immutable.
func (s *Str) Hash() int32 {
	if !s.hashed {
		var h int32
		for _, u := range utf16Units(s.Value) {
			h = 31*h + int32(u)
		}
		s.hash = h
		s.hashed = true
	}
	return s.hash
}

func (s *Str) String() string { return fmt.Sprintf("string %q", s.Value) }

// BitSet is a hosted bit set embedded in a hybrid object.
type BitSet struct {
	bits []int
}

func (*BitSet) isObject() {}

// NewBitSet returns a bit set with the given bits set.
func NewBitSet(bits ...int) *BitSet {
	b := &BitSet{}
	for _, i := range bits {
		b.Set(i)
	}
	return b
}

// Set sets bit i.
func (b *BitSet) Set(i int) {
	for _, have := range b.bits {
		if have == i {
			return
		}
	}
	// Keep sorted so serialization order is stable.
	at := len(b.bits)
	for j, have := range b.bits {
		if have > i {
			at = j
			break
		}
	}
	b.bits = append(b.bits, 0)
	copy(b.bits[at+1:], b.bits[at:])
	b.bits[at] = i
}

// SetBits returns the set bits in ascending order.
func (b *BitSet) SetBits() []int { return b.bits }

func (b *BitSet) String() string { return fmt.Sprintf("bitset %v", b.bits) }

// ClassObject is the hosted class object. It never appears in the image;
// the universe replaces it with the DynamicHub of the type it describes.
type ClassObject struct {
	Of Type
}

func (*ClassObject) isObject() {}

func (c *ClassObject) String() string { return fmt.Sprintf("class object %s", c.Of.TypeName()) }

// MethodPointer is a pointer to compiled code. It is word-like on the
// hosted side: never a heap object, emitted as a relocation when stored.
type MethodPointer struct {
	Name            string
	CodeOffsetValid bool // true when the method was compiled and is vtable-reachable
}

func (*MethodPointer) isObject() {}

func (m *MethodPointer) String() string { return fmt.Sprintf("method pointer %s", m.Name) }

// Word is a hosted machine-word value boxed as an object. Words are not
// heap objects; the builder skips them.
type Word uint64

func (Word) isObject() {}

// utf16Units expands a string to UTF-16 code units, the unit the string
// hash is defined over.
func utf16Units(s string) []uint16 {
	units := make([]uint16, 0, len(s))
	for _, r := range s {
		if r < 0x10000 {
			units = append(units, uint16(r))
			continue
		}
		r -= 0x10000
		units = append(units, 0xD800+uint16(r>>10), 0xDC00+uint16(r&0x3FF))
	}
	return units
}
