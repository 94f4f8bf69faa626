package heap

import (
	"bootheap/internal/layout"
	"bootheap/internal/world"
)

// Canonicalization collapses hosted duplicates to one image object. Two
// objects are equivalent iff they have the same runtime class and:
// byte/char/int/long arrays compare element-wise, reference arrays compare
// by deep content (identity for embedded non-array objects), strings by
// value, everything else by identity. The first hosted object seen for a
// content key wins.
type canonicalizer struct {
	u       *world.Universe
	buckets map[uint64][]world.Object
}

func newCanonicalizer(u *world.Universe) *canonicalizer {
	return &canonicalizer{u: u, buckets: make(map[uint64][]world.Object)}
}

// canonicalize returns the canonical object for obj's content, inserting
// obj if its content is new.
func (c *canonicalizer) canonicalize(obj world.Object) world.Object {
	h := c.hash(obj)
	for _, have := range c.buckets[h] {
		if c.equal(have, obj) {
			return have
		}
	}
	c.buckets[h] = append(c.buckets[h], obj)
	return obj
}

func contentComparable(k layout.Kind) bool {
	switch k {
	case layout.Byte, layout.Char, layout.Int, layout.Long:
		return true
	}
	return false
}

func (c *canonicalizer) equal(a, b world.Object) bool {
	if a == b {
		return true
	}
	switch x := a.(type) {
	case *world.Str:
		y, ok := b.(*world.Str)
		return ok && x.Value == y.Value
	case *world.Array:
		y, ok := b.(*world.Array)
		if !ok || x.Class != y.Class || x.Len() != y.Len() {
			return false
		}
		if x.Class.Elem == layout.Ref {
			for i := range x.Refs {
				if !c.equalElement(x.Refs[i], y.Refs[i]) {
					return false
				}
			}
			return true
		}
		if !contentComparable(x.Class.Elem) {
			return false
		}
		for i := range x.Prims {
			if x.Prims[i] != y.Prims[i] {
				return false
			}
		}
		return true
	}
	return false
}

// equalElement compares reference-array elements: arrays recurse, all
// other objects compare by identity.
func (c *canonicalizer) equalElement(a, b world.Object) bool {
	if a == b {
		return true
	}
	if x, ok := a.(*world.Array); ok {
		if y, ok := b.(*world.Array); ok {
			return c.equal(x, y)
		}
	}
	return false
}

func (c *canonicalizer) hash(obj world.Object) uint64 {
	switch x := obj.(type) {
	case *world.Str:
		return stringHash64(x.Value)
	case *world.Array:
		h := stringHash64(x.Class.Name)
		if x.Class.Elem == layout.Ref {
			for _, el := range x.Refs {
				h = h*31 + c.elementHash(el)
			}
			return h
		}
		if !contentComparable(x.Class.Elem) {
			return uint64(uint32(c.u.IdentityHash(obj)))
		}
		for _, bits := range x.Prims {
			h = h*31 + bits
		}
		return h
	}
	return uint64(uint32(c.u.IdentityHash(obj)))
}

func (c *canonicalizer) elementHash(el world.Object) uint64 {
	if el == nil {
		return 0
	}
	if a, ok := el.(*world.Array); ok {
		return c.hash(a)
	}
	return uint64(uint32(c.u.IdentityHash(el)))
}

func stringHash64(s string) uint64 {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
