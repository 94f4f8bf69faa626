package world

import (
	"fmt"

	"bootheap/internal/layout"
)

// Boundary field names in the runtime info object. The builder patches one
// first/last pair per heap partition.
var BoundaryFieldNames = []string{
	"firstReadOnlyPrimitiveObject", "lastReadOnlyPrimitiveObject",
	"firstReadOnlyReferenceObject", "lastReadOnlyReferenceObject",
	"firstWritablePrimitiveObject", "lastWritablePrimitiveObject",
	"firstWritableReferenceObject", "lastWritableReferenceObject",
}

// Universe is the hosted metadata view for one build: every class, the
// static fields with their placeholder arrays, the host intern table, and
// the identity-hash assignment.
type Universe struct {
	lay layout.Layout

	HubClass *Class
	StrClass *Class

	classes      map[string]*Class
	arrayClasses map[string]*ArrayClass
	charArray    *ArrayClass
	strArray     *ArrayClass

	statics         []*Field
	staticPrimitive *Array
	staticObject    *Array
	boundary        map[string]*Field

	interned       map[string]*Str
	usesInterned   bool
	imageInterned  []*Str

	hashes   map[Object]int32
	hashSeed uint32
}

// NewUniverse creates an empty universe over the given layout. The hub and
// string classes and their array classes are always present.
func NewUniverse(lay layout.Layout) *Universe {
	u := &Universe{
		lay:          lay,
		classes:      make(map[string]*Class),
		arrayClasses: make(map[string]*ArrayClass),
		boundary:     make(map[string]*Field),
		interned:     make(map[string]*Str),
		hashes:       make(map[Object]int32),
	}

	// The hub class carries a reference field (the component type of array
	// hubs). Nothing reads it during a build, but its presence keeps hubs
	// in the reference partitions, where the runtime expects them.
	u.HubClass = u.NewClass("java.lang.Class", []*Field{
		{Name: "componentHub", Kind: layout.Ref},
	})
	u.HubClass.Canon = CanonAlways

	u.charArray = u.NewArrayClass("char[]", layout.Char)
	u.StrClass = u.NewClass("java.lang.String", []*Field{
		{Name: strValueField, Kind: layout.Ref, IsFinal: true, IsAccessed: true},
		{Name: strHashField, Kind: layout.Int, IsWritten: true, IsAccessed: true},
	})

	u.strArray = u.NewArrayClass("java.lang.String[]", layout.Ref)
	return u
}

// Layout returns the object layout of this build.
func (u *Universe) Layout() layout.Layout { return u.lay }

// NewClass registers an instance class, assigning field locations and the
// instance size from the layout. Fields are packed in declaration order,
// each aligned to its own size; the identity hash slot follows the fields.
func (u *Universe) NewClass(name string, fields []*Field) *Class {
	if _, ok := u.classes[name]; ok {
		panic(fmt.Sprintf("world: duplicate class %s", name))
	}
	c := &Class{Name: name, Fields: fields, Instantiated: true}
	u.assignLayout(c)
	c.hub = u.newHub(c)
	u.classes[name] = c
	return c
}

// NewHybridClass registers an instance class whose instances embed a
// trailing array of elem and, when bitsetBytes > 0, a bit-set area between
// the array length and the instance fields. The field list must contain
// the array field named arrayField and, for bitsetBytes > 0, the bit-set
// field named bitsetField.
func (u *Universe) NewHybridClass(name string, fields []*Field, arrayField, bitsetField string, elem layout.Kind, bitsetBytes int) *Class {
	if _, ok := u.classes[name]; ok {
		panic(fmt.Sprintf("world: duplicate class %s", name))
	}
	c := &Class{Name: name, Fields: fields, Instantiated: true, HybridElem: elem, HybridBitsetBytes: bitsetBytes}
	for _, f := range fields {
		switch f.Name {
		case arrayField:
			c.HybridArrayField = f
		case bitsetField:
			if bitsetField != "" {
				c.HybridBitsetField = f
			}
		}
	}
	if c.HybridArrayField == nil {
		panic(fmt.Sprintf("world: hybrid class %s has no array field %q", name, arrayField))
	}
	if bitsetBytes > 0 && c.HybridBitsetField == nil {
		panic(fmt.Sprintf("world: hybrid class %s has no bit-set field %q", name, bitsetField))
	}
	u.assignLayout(c)
	c.hub = u.newHub(c)
	u.classes[name] = c
	return c
}

// assignLayout packs the instance fields and computes HashCodeOffset and
// Size. Hybrid classes start their fields after the reserved bit area; the
// embedded array and bit-set fields occupy no slot of their own.
func (u *Universe) assignLayout(c *Class) {
	off := u.lay.FirstFieldOffset
	if c.IsHybrid() {
		off = layout.AlignUp(u.lay.ArrayLengthOffset+4+int64(c.HybridBitsetBytes), u.lay.WordBytes)
	}
	for i, f := range c.Fields {
		f.Class = c
		f.Index = i
		if f == c.HybridArrayField || f == c.HybridBitsetField {
			f.Location = -1
			continue
		}
		size := u.lay.SizeInBytes(f.Kind)
		off = layout.AlignUp(off, size)
		f.Location = off
		off += int64(size)
	}
	c.HashCodeOffset = layout.AlignUp(off, 4)
	c.Size = u.lay.ReferenceAlign(c.HashCodeOffset + 4)
}

// NewArrayClass registers an array class for one element kind.
func (u *Universe) NewArrayClass(name string, elem layout.Kind) *ArrayClass {
	if _, ok := u.arrayClasses[name]; ok {
		panic(fmt.Sprintf("world: duplicate array class %s", name))
	}
	c := &ArrayClass{Name: name, Elem: elem, Instantiated: true}
	c.hub = u.newHub(c)
	u.arrayClasses[name] = c
	return c
}

func (u *Universe) newHub(t Type) *Hub {
	return &Hub{Describes: t}
}

// Class returns a registered instance class by name.
func (u *Universe) Class(name string) (*Class, bool) {
	c, ok := u.classes[name]
	return c, ok
}

// ArrayClass returns a registered array class by name.
func (u *Universe) ArrayClass(name string) (*ArrayClass, bool) {
	c, ok := u.arrayClasses[name]
	return c, ok
}

// CharArrayClass returns the class backing string character arrays.
func (u *Universe) CharArrayClass() *ArrayClass { return u.charArray }

// StrArrayClass returns the String[] class used for the intern table.
func (u *Universe) StrArrayClass() *ArrayClass { return u.strArray }

// NewStr materializes a hosted string with its backing character array.
func (u *Universe) NewStr(s string) *Str {
	units := utf16Units(s)
	prims := make([]uint64, len(units))
	for i, c := range units {
		prims[i] = uint64(c)
	}
	return &Str{Value: s, Chars: &Array{Class: u.charArray, Prims: prims}}
}

// InternStr materializes a hosted string and records it in the host intern
// table. Repeated calls with the same content return the first instance,
// mirroring host interning.
func (u *Universe) InternStr(s string) *Str {
	if have, ok := u.interned[s]; ok {
		return have
	}
	str := u.NewStr(s)
	u.interned[s] = str
	return str
}

// HostInterned reports whether the host intern table carries this string's
// content. Every hosted duplicate of an interned string counts as interned,
// so all of them collapse to one image object.
func (u *Universe) HostInterned(s *Str) bool {
	_, ok := u.interned[s.Value]
	return ok
}

// LookupType returns the image type of a hosted object, if the analyzer
// saw one.
func (u *Universe) LookupType(obj Object) (Type, bool) {
	switch o := obj.(type) {
	case *Instance:
		return o.Class, true
	case *Array:
		return o.Class, true
	case *Str:
		return u.StrClass, true
	case *Hub:
		return u.HubClass, true
	}
	return nil, false
}

// ReplaceObject maps hosted objects to their image representatives: class
// objects become the hub of the type they describe. All other objects map
// to themselves.
func (u *Universe) ReplaceObject(obj Object) Object {
	if c, ok := obj.(*ClassObject); ok && c.Of != nil {
		return c.Of.TypeHub()
	}
	return obj
}

// IdentityHash returns the hosted identity hash of obj: non-zero, assigned
// on first query, stable for the rest of the build.
func (u *Universe) IdentityHash(obj Object) int32 {
	if h, ok := u.hashes[obj]; ok {
		return h
	}
	u.hashSeed += 0x9E3779B9
	h := int32(u.hashSeed | 1)
	u.hashes[obj] = h
	return h
}

// UseInternedStrings marks the build as using the intern-support feature.
func (u *Universe) UseInternedStrings() { u.usesInterned = true }

// UsesInternedStrings reports whether the interned-strings field is
// accessed, i.e. whether the image carries an intern table.
func (u *Universe) UsesInternedStrings() bool { return u.usesInterned }

// SetImageInternedStrings receives the sorted intern array the builder
// produced.
func (u *Universe) SetImageInternedStrings(strs []*Str) { u.imageInterned = strs }

// ImageInternedStrings returns the sorted intern array, nil before the
// builder freezes interning.
func (u *Universe) ImageInternedStrings() []*Str { return u.imageInterned }

// AddStaticField registers a static field. Ref fields live in the object
// placeholder array, all other kinds in the primitive one; locations are
// assigned when the placeholders are built.
func (u *Universe) AddStaticField(f *Field) *Field {
	if u.staticPrimitive != nil {
		panic("world: static fields are frozen")
	}
	f.IsStatic = true
	f.Index = -1
	u.statics = append(u.statics, f)
	return f
}

// BuildStaticFields assigns static locations and materializes the two
// placeholder arrays. The boundary fields of the runtime info object are
// appended to the reference statics automatically.
func (u *Universe) BuildStaticFields() {
	if u.staticPrimitive != nil {
		panic("world: static fields already built")
	}
	for _, name := range BoundaryFieldNames {
		f := &Field{Name: name, Kind: layout.Ref, IsStatic: true, Index: -1, IsWritten: true, IsAccessed: true, StaticValue: Value{Kind: layout.Ref}}
		u.statics = append(u.statics, f)
		u.boundary[name] = f
	}

	refOff := u.lay.ArrayElementsOffset
	primOff := u.lay.ArrayElementsOffset
	refCount := 0
	for _, f := range u.statics {
		if f.Kind == layout.Ref {
			f.Location = refOff
			refOff += int64(u.lay.WordBytes)
			refCount++
			continue
		}
		size := u.lay.SizeInBytes(f.Kind)
		primOff = layout.AlignUp(primOff, size)
		f.Location = primOff
		primOff += int64(size)
	}

	byteArray, ok := u.arrayClasses["byte[]"]
	if !ok {
		byteArray = u.NewArrayClass("byte[]", layout.Byte)
	}
	objArray, ok := u.arrayClasses["java.lang.Object[]"]
	if !ok {
		objArray = u.NewArrayClass("java.lang.Object[]", layout.Ref)
	}
	u.staticPrimitive = &Array{Class: byteArray, Prims: make([]uint64, primOff-u.lay.ArrayElementsOffset)}
	u.staticObject = &Array{Class: objArray, Refs: make([]Object, refCount)}
}

// StaticFields returns every registered static field, boundary fields
// included.
func (u *Universe) StaticFields() []*Field { return u.statics }

// StaticPrimitiveFields returns the placeholder array holding primitive
// static slots.
func (u *Universe) StaticPrimitiveFields() *Array { return u.mustStatics(u.staticPrimitive) }

// StaticObjectFields returns the placeholder array holding reference
// static slots.
func (u *Universe) StaticObjectFields() *Array { return u.mustStatics(u.staticObject) }

func (u *Universe) mustStatics(a *Array) *Array {
	if a == nil {
		panic("world: BuildStaticFields has not run")
	}
	return a
}

// BoundaryField returns the runtime-info static holding one partition
// boundary pointer.
func (u *Universe) BoundaryField(name string) (*Field, bool) {
	f, ok := u.boundary[name]
	return f, ok
}

